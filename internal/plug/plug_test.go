package plug

import (
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cbpowell/SenseLink/internal/config"
	"github.com/cbpowell/SenseLink/internal/datasource"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

func staticFactory(id string, cfg *config.PlugConfig) (datasource.Source, error) {
	return datasource.NewBase(id, cfg), nil
}

func TestNew_GeneratedIdentity(t *testing.T) {
	p, err := New("lamp", &config.PlugConfig{}, testLogger())
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(p.MAC, DefaultOUI+":"))
	assert.Len(t, p.DeviceID, 40)
	assert.Equal(t, "Spoofed TP-Link Kasa HS110 "+p.DeviceID[:8], p.Alias)
}

func TestNew_ConfiguredIdentity(t *testing.T) {
	p, err := New("lamp", &config.PlugConfig{
		Alias: "Lamp", MAC: "50:c7:bf:00:00:01", DeviceID: "abc123", SkipRate: 2,
	}, testLogger())
	require.NoError(t, err)

	assert.Equal(t, "Lamp", p.Alias)
	assert.Equal(t, "50:c7:bf:00:00:01", p.MAC)
	assert.Equal(t, 2, p.SkipRate)
}

func TestNew_NegativeSkipRate(t *testing.T) {
	_, err := New("lamp", &config.PlugConfig{SkipRate: -1}, testLogger())
	assert.Error(t, err)
}

func TestGenerateResponse(t *testing.T) {
	plugs := []config.PlugEntry{
		{"lamp": &config.PlugConfig{
			Alias: "Lamp", MAC: "50:c7:bf:00:00:01",
			MinWatts: 10, MaxWatts: 10, OnFraction: 1,
		}},
	}
	instances, order, err := ConfigurePlugs(plugs, staticFactory, testLogger())
	require.NoError(t, err)
	require.Len(t, order, 1)

	r := instances[order[0]].GenerateResponse()
	rt := r.EnergyMeter.Realtime
	assert.Equal(t, 10.0, rt.Power)
	assert.Equal(t, 120, rt.Voltage)
	assert.InDelta(t, 10.0/120.0, rt.Current, 1e-12)
	assert.Zero(t, rt.Total)
	assert.Zero(t, rt.ErrCode)

	info := r.System.Info
	assert.Equal(t, "50:C7:BF:00:00:01", info.MAC)
	assert.Equal(t, "50:C7:BF:00:00:01", info.DeviceID, "deviceId mirrors the uppercase MAC on the wire")
	assert.Equal(t, "Lamp", info.Alias)
	assert.Equal(t, "HS110(US)", info.Model)
	assert.Equal(t, 1, info.RelayState)
}

func TestShouldRespond_SkipRate(t *testing.T) {
	p := &Plug{SkipRate: 2}

	// skip_rate=2 answers one of every three queries.
	assert.True(t, p.ShouldRespond())
	assert.False(t, p.ShouldRespond())
	assert.False(t, p.ShouldRespond())
	assert.True(t, p.ShouldRespond())
}

func TestShouldRespond_ZeroRate(t *testing.T) {
	p := &Plug{}
	for i := 0; i < 5; i++ {
		assert.True(t, p.ShouldRespond())
	}
}

func TestConfigurePlugs_DuplicateMAC(t *testing.T) {
	plugs := []config.PlugEntry{
		{"a": &config.PlugConfig{MAC: "50:c7:bf:00:00:01"}},
		{"b": &config.PlugConfig{MAC: "50:c7:bf:00:00:01"}},
	}
	_, _, err := ConfigurePlugs(plugs, staticFactory, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "same MAC address")
}

func TestRegistry_DuplicateMACAcrossBlocks(t *testing.T) {
	registry := NewRegistry()

	first, order, err := ConfigurePlugs([]config.PlugEntry{
		{"a": &config.PlugConfig{MAC: "50:c7:bf:00:00:01"}},
	}, staticFactory, testLogger())
	require.NoError(t, err)
	require.NoError(t, registry.Add(first, order))

	second, order2, err := ConfigurePlugs([]config.PlugEntry{
		{"b": &config.PlugConfig{MAC: "50:c7:bf:00:00:01"}},
	}, staticFactory, testLogger())
	require.NoError(t, err)
	assert.Error(t, registry.Add(second, order2))
}

func TestRegistry_Order(t *testing.T) {
	registry := NewRegistry()
	instances, order, err := ConfigurePlugs([]config.PlugEntry{
		{"a": &config.PlugConfig{MAC: "50:c7:bf:00:00:01"}},
		{"b": &config.PlugConfig{MAC: "50:c7:bf:00:00:02"}},
		{"c": &config.PlugConfig{MAC: "50:c7:bf:00:00:03"}},
	}, staticFactory, testLogger())
	require.NoError(t, err)
	require.NoError(t, registry.Add(instances, order))

	var ids []string
	for _, p := range registry.Plugs() {
		ids = append(ids, p.Identifier)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)

	p, ok := registry.ForMAC("50:c7:bf:00:00:02")
	require.True(t, ok)
	assert.Equal(t, "b", p.Identifier)
}

func buildAggregate(t *testing.T, registry *Registry, id, mac string, elements []string) (map[string]*Plug, []string) {
	t.Helper()
	instances, order, err := ConfigurePlugs([]config.PlugEntry{
		{id: &config.PlugConfig{MAC: mac, Elements: elements}},
	}, func(id string, cfg *config.PlugConfig) (datasource.Source, error) {
		return datasource.NewAggregate(id, cfg), nil
	}, testLogger())
	require.NoError(t, err)
	return instances, order
}

func TestBindAggregates(t *testing.T) {
	registry := NewRegistry()
	members, order, err := ConfigurePlugs([]config.PlugEntry{
		{"a": &config.PlugConfig{MAC: "50:c7:bf:00:00:01", MinWatts: 7, MaxWatts: 7}},
		{"b": &config.PlugConfig{MAC: "50:c7:bf:00:00:02", MinWatts: 3, MaxWatts: 3}},
	}, staticFactory, testLogger())
	require.NoError(t, err)
	require.NoError(t, registry.Add(members, order))

	aggs, aggOrder := buildAggregate(t, registry, "total", "50:c7:bf:00:00:10", []string{"a", "b"})
	BindAggregates(aggs, aggOrder, registry, testLogger())
	require.NoError(t, registry.Add(aggs, aggOrder))

	for _, p := range members {
		assert.True(t, p.InAggregate)
	}
	total, ok := registry.ForMAC("50:c7:bf:00:00:10")
	require.True(t, ok)
	assert.False(t, total.InAggregate)
	assert.Equal(t, 10.0, total.Power())
}

func TestBindAggregates_ConflictingMembership(t *testing.T) {
	registry := NewRegistry()
	members, order, err := ConfigurePlugs([]config.PlugEntry{
		{"a": &config.PlugConfig{MAC: "50:c7:bf:00:00:01", MinWatts: 7, MaxWatts: 7}},
	}, staticFactory, testLogger())
	require.NoError(t, err)
	require.NoError(t, registry.Add(members, order))

	first, firstOrder := buildAggregate(t, registry, "agg1", "50:c7:bf:00:00:10", []string{"a"})
	BindAggregates(first, firstOrder, registry, testLogger())

	// Plug "a" is already claimed; the second aggregate must skip it.
	second, secondOrder := buildAggregate(t, registry, "agg2", "50:c7:bf:00:00:11", []string{"a"})
	BindAggregates(second, secondOrder, registry, testLogger())

	assert.Equal(t, 7.0, first[firstOrder[0]].Power())
	assert.Equal(t, 0.0, second[secondOrder[0]].Power())
}
