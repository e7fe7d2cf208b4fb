package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cbpowell/SenseLink/internal/config"
	"github.com/cbpowell/SenseLink/internal/datasource"
	"github.com/cbpowell/SenseLink/internal/plug"
)

func TestCollector(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)

	registry := plug.NewRegistry()
	instances, order, err := plug.ConfigurePlugs([]config.PlugEntry{
		{"lamp": &config.PlugConfig{MAC: "50:c7:bf:00:00:01", MinWatts: 10, MaxWatts: 10}},
	}, func(id string, cfg *config.PlugConfig) (datasource.Source, error) {
		return datasource.NewBase(id, cfg), nil
	}, logger)
	require.NoError(t, err)
	require.NoError(t, registry.Add(instances, order))

	c := NewCollector(registry)

	descs := make(chan *prometheus.Desc, 4)
	c.Describe(descs)
	close(descs)
	assert.Len(t, drainDescs(descs), 2)

	ch := make(chan prometheus.Metric, 4)
	c.Collect(ch)
	close(ch)

	var count int
	for range ch {
		count++
	}
	assert.Equal(t, 2, count, "one power gauge and one response counter per plug")
}

func drainDescs(ch chan *prometheus.Desc) []*prometheus.Desc {
	var out []*prometheus.Desc
	for d := range ch {
		out = append(out, d)
	}
	return out
}
