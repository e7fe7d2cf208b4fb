// Package config loads the SenseLink YAML configuration tree.
package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// Source kinds accepted under the top-level sources list.
const (
	KindStatic    = "static"
	KindMutable   = "mutable"
	KindHass      = "hass"
	KindMQTT      = "mqtt"
	KindAggregate = "aggregate"
)

type Config struct {
	// Target overrides the reply destination for UDP responses. Needed
	// for Docker bridged deployments where the datagram source address
	// is the bridge, not the Sense monitor.
	Target  string        `mapstructure:"target"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Sources []SourceEntry `mapstructure:"sources"`
}

type MetricsConfig struct {
	// Listen is the optional address for the Prometheus endpoint, e.g.
	// ":9798". Empty disables the listener.
	Listen string `mapstructure:"listen"`
}

// SourceEntry is one element of the sources list: a single-key mapping
// from source kind to its body.
type SourceEntry map[string]*SourceConfig

type SourceConfig struct {
	// Home Assistant controller credentials.
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`

	// MQTT broker credentials.
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`

	Plugs []PlugEntry `mapstructure:"plugs"`
}

// PlugEntry is one element of a plugs list: a single-key mapping from the
// plug identifier to its settings.
type PlugEntry map[string]*PlugConfig

// PlugConfig carries the union of settings across all source kinds. Each
// data source constructor reads the fields it understands.
type PlugConfig struct {
	Alias    string `mapstructure:"alias"`
	MAC      string `mapstructure:"mac"`
	DeviceID string `mapstructure:"device_id"`
	SkipRate int    `mapstructure:"skip_rate"`

	Voltage    float64 `mapstructure:"voltage"`
	OffUsage   float64 `mapstructure:"off_usage"`
	MinWatts   float64 `mapstructure:"min_watts"`
	MaxWatts   float64 `mapstructure:"max_watts"`
	OnFraction float64 `mapstructure:"on_fraction"`

	// Mutable sources: initial power value.
	Power float64 `mapstructure:"power"`

	// Home Assistant sources.
	EntityID         string `mapstructure:"entity_id"`
	StateKeypath     string `mapstructure:"state_keypath"`
	Attribute        string `mapstructure:"attribute"`
	AttributeKeypath string `mapstructure:"attribute_keypath"`
	PowerKeypath     string `mapstructure:"power_keypath"`

	// MQTT sources.
	PowerTopic      string  `mapstructure:"power_topic"`
	StateTopic      string  `mapstructure:"state_topic"`
	AttributeTopic  string  `mapstructure:"attribute_topic"`
	TimeoutDuration float64 `mapstructure:"timeout_duration"`

	// Shared by HA and MQTT sources.
	OffStateValue string  `mapstructure:"off_state_value"`
	OnStateValue  string  `mapstructure:"on_state_value"`
	AttributeMin  float64 `mapstructure:"attribute_min"`
	AttributeMax  float64 `mapstructure:"attribute_max"`

	// Aggregate sources: identifiers of the member plugs.
	Elements []string `mapstructure:"elements"`
}

// Load reads and decodes the configuration file at path.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Credentials may be supplied through the environment instead of the
	// config file.
	for _, entry := range config.Sources {
		for kind, body := range entry {
			if body == nil {
				continue
			}
			switch kind {
			case KindMQTT:
				if body.Username == "" {
					body.Username = os.Getenv("MQTT_USERNAME")
				}
				if body.Password == "" {
					body.Password = os.Getenv("MQTT_PASSWORD")
				}
				if body.Port == 0 {
					body.Port = 1883
				}
			case KindHass:
				if body.AuthToken == "" {
					body.AuthToken = os.Getenv("HASS_TOKEN")
				}
			}
		}
	}

	return &config, nil
}
