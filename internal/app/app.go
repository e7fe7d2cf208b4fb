// Package app assembles plugs, source controllers, and the UDP server
// from a loaded configuration and runs them as one supervised unit.
package app

import (
	"context"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/cbpowell/SenseLink/internal/config"
	"github.com/cbpowell/SenseLink/internal/datasource"
	"github.com/cbpowell/SenseLink/internal/homeassistant"
	"github.com/cbpowell/SenseLink/internal/metrics"
	"github.com/cbpowell/SenseLink/internal/mqtt"
	"github.com/cbpowell/SenseLink/internal/plug"
	"github.com/cbpowell/SenseLink/internal/server"
)

type task struct {
	name string
	run  func(ctx context.Context) error
}

// SenseLink is the top-level supervisor. Each source controller runs as
// its own task with its own reconnect behavior; one failing never tears
// down the others.
type SenseLink struct {
	cfg      *config.Config
	logger   *logrus.Logger
	registry *plug.Registry
	tasks    []task

	// Port for the UDP listener; defaults to the HS110 discovery port.
	Port int
	// ShouldRespond gates transmission of replies (quiet mode when
	// false); responses are still synthesized for logging.
	ShouldRespond bool

	hasAggregate bool
}

func New(cfg *config.Config, logger *logrus.Logger) *SenseLink {
	return &SenseLink{
		cfg:           cfg,
		logger:        logger,
		registry:      plug.NewRegistry(),
		Port:          server.DefaultPort,
		ShouldRespond: true,
	}
}

// Registry exposes the plug registry, e.g. for embedding callers that
// want to mutate their mutable sources.
func (s *SenseLink) Registry() *plug.Registry { return s.registry }

// CreateInstances walks the configured sources and builds every plug and
// controller. Aggregates resolve in a second pass once all candidate
// member plugs exist. Any error here is a fatal configuration problem.
func (s *SenseLink) CreateInstances() error {
	var aggregateCfg *config.SourceConfig

	for _, entry := range s.cfg.Sources {
		for kind, body := range entry {
			s.logger.Debugf("Adding %s configuration", kind)
			if body == nil {
				s.logger.Errorf("Configuration error for source %s", kind)
				continue
			}

			switch strings.ToLower(kind) {
			case config.KindStatic:
				s.logger.Info("Generating Static instances")
				if err := s.addPlugs(body.Plugs, func(id string, pc *config.PlugConfig) (datasource.Source, error) {
					return datasource.NewBase(id, pc), nil
				}); err != nil {
					return err
				}

			case config.KindMutable:
				s.logger.Info("Generating Mutable instances")
				if err := s.addPlugs(body.Plugs, func(id string, pc *config.PlugConfig) (datasource.Source, error) {
					return datasource.NewMutable(id, pc), nil
				}); err != nil {
					return err
				}

			case config.KindHass:
				s.logger.Info("Generating HASS instances")
				controller := homeassistant.NewController(body.URL, body.AuthToken, s.logger)
				if err := s.addPlugs(body.Plugs, func(id string, pc *config.PlugConfig) (datasource.Source, error) {
					return homeassistant.NewSource(id, pc, controller, s.logger)
				}); err != nil {
					return err
				}
				s.tasks = append(s.tasks, task{name: "hass", run: controller.Run})

			case config.KindMQTT:
				s.logger.Info("Generating MQTT instances")
				controller := mqtt.NewController(body.Host, body.Port, body.Username, body.Password, s.logger)
				if err := s.addPlugs(body.Plugs, func(id string, pc *config.PlugConfig) (datasource.Source, error) {
					return mqtt.NewSource(id, pc, controller, s.logger)
				}); err != nil {
					return err
				}
				s.tasks = append(s.tasks, task{name: "mqtt", run: controller.Run})

			case config.KindAggregate:
				if s.hasAggregate {
					s.logger.Warn("Multiple 'aggregate' groups defined - only one group is allowed. Ignoring this and all subsequent!")
					continue
				}
				s.hasAggregate = true
				aggregateCfg = body

			default:
				s.logger.Errorf("Source type '%s' not recognized", kind)
			}
		}
	}

	if aggregateCfg != nil {
		s.logger.Info("Generating Aggregate instances")
		instances, order, err := plug.ConfigurePlugs(aggregateCfg.Plugs, func(id string, pc *config.PlugConfig) (datasource.Source, error) {
			return datasource.NewAggregate(id, pc), nil
		}, s.logger)
		if err != nil {
			return err
		}
		plug.BindAggregates(instances, order, s.registry, s.logger)
		if err := s.registry.Add(instances, order); err != nil {
			return err
		}
	}

	return nil
}

func (s *SenseLink) addPlugs(plugs []config.PlugEntry, factory plug.SourceFactory) error {
	instances, order, err := plug.ConfigurePlugs(plugs, factory, s.logger)
	if err != nil {
		return err
	}
	return s.registry.Add(instances, order)
}

// Start runs the UDP server, every source controller, and the optional
// metrics listener until the context is cancelled, then joins them.
func (s *SenseLink) Start(ctx context.Context) error {
	srv, err := server.New(s.registry, s.Port, s.cfg.Target, s.ShouldRespond, s.logger)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	run := func(name string, fn func(ctx context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				s.logger.Errorf("%s task ended with error: %v", name, err)
			}
		}()
	}

	for _, t := range s.tasks {
		run(t.name, t.run)
	}
	if s.cfg.Metrics.Listen != "" {
		run("metrics", func(ctx context.Context) error {
			return metrics.Serve(ctx, s.cfg.Metrics.Listen, s.registry, s.logger)
		})
	}
	run("udp-server", srv.Run)

	wg.Wait()
	return nil
}
