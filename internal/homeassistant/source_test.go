package homeassistant

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cbpowell/SenseLink/internal/config"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

func newTestSource(t *testing.T, cfg *config.PlugConfig) *Source {
	t.Helper()
	controller := NewController("ws://homeassistant.local:8123/api/websocket", "token", testLogger())
	s, err := NewSource("plug", cfg, controller, testLogger())
	require.NoError(t, err)
	return s
}

func dimmableLight() *config.PlugConfig {
	return &config.PlugConfig{
		EntityID:     "light.x",
		Attribute:    "brightness",
		AttributeMin: 0,
		AttributeMax: 255,
		MinWatts:     0,
		MaxWatts:     100,
	}
}

func TestParseBulkUpdate_AttributeScaling(t *testing.T) {
	s := newTestSource(t, dimmableLight())

	s.ParseBulkUpdate(map[string]any{
		"entity_id": "light.x",
		"state":     "on",
		"attributes": map[string]any{
			"brightness": float64(128),
		},
	})

	assert.InDelta(t, 50.196, s.Power(), 0.001)
}

func TestParseBulkUpdate_OffStateWins(t *testing.T) {
	s := newTestSource(t, dimmableLight())

	// A populated brightness attribute must not override the off state.
	s.ParseBulkUpdate(map[string]any{
		"entity_id": "light.x",
		"state":     "off",
		"attributes": map[string]any{
			"brightness": float64(128),
		},
	})

	assert.Equal(t, s.OffUsage(), s.Power())
	assert.False(t, s.State())
}

func TestParseIncrementalUpdate_NewStateRoot(t *testing.T) {
	s := newTestSource(t, dimmableLight())

	s.ParseIncrementalUpdate(map[string]any{
		"entity_id": "light.x",
		"new_state": map[string]any{
			"state": "on",
			"attributes": map[string]any{
				"brightness": float64(255),
			},
		},
	})

	assert.InDelta(t, 100.0, s.Power(), 1e-9)
}

func TestParseUpdate_Idempotent(t *testing.T) {
	s := newTestSource(t, dimmableLight())
	msg := map[string]any{
		"entity_id": "light.x",
		"state":     "on",
		"attributes": map[string]any{
			"brightness": float64(64),
		},
	}

	s.ParseBulkUpdate(msg)
	first := s.Power()
	s.ParseBulkUpdate(msg)
	assert.Equal(t, first, s.Power())
}

func TestParseUpdate_EntityFilter(t *testing.T) {
	s := newTestSource(t, dimmableLight())

	s.ParseBulkUpdate(map[string]any{
		"entity_id": "light.other",
		"state":     "on",
		"attributes": map[string]any{
			"brightness": float64(255),
		},
	})

	assert.Equal(t, 0.0, s.Power(), "updates for other entities are ignored")
}

func TestParseUpdate_AttributeClamped(t *testing.T) {
	s := newTestSource(t, dimmableLight())

	s.ParseBulkUpdate(map[string]any{
		"entity_id": "light.x",
		"state":     "on",
		"attributes": map[string]any{
			"brightness": float64(500),
		},
	})
	assert.InDelta(t, 100.0, s.Power(), 1e-9, "clamped to attribute_max")

	s.ParseBulkUpdate(map[string]any{
		"entity_id": "light.x",
		"state":     "on",
		"attributes": map[string]any{
			"brightness": float64(-20),
		},
	})
	assert.InDelta(t, 0.0, s.Power(), 1e-9, "clamped to attribute_min")
}

func TestParseUpdate_PowerKeypath(t *testing.T) {
	s := newTestSource(t, &config.PlugConfig{
		EntityID:     "sensor.watts",
		PowerKeypath: "attributes/power",
		MinWatts:     0,
		MaxWatts:     500,
	})

	s.ParseBulkUpdate(map[string]any{
		"entity_id": "sensor.watts",
		"state":     "unknown",
		"attributes": map[string]any{
			"power": float64(123.5),
		},
	})

	assert.Equal(t, 123.5, s.Power())
	assert.True(t, s.State())
}

func TestParseUpdate_PowerKeypathOffClassification(t *testing.T) {
	s := newTestSource(t, &config.PlugConfig{
		EntityID:     "sensor.watts",
		PowerKeypath: "attributes/power",
		OffUsage:     1.5,
		MinWatts:     1.5,
		MaxWatts:     500,
	})

	// The very first update matching off_usage must classify as off:
	// the comparison runs against the freshly written value.
	s.ParseBulkUpdate(map[string]any{
		"entity_id": "sensor.watts",
		"state":     "unknown",
		"attributes": map[string]any{
			"power": float64(1.5),
		},
	})

	assert.Equal(t, 1.5, s.Power())
	assert.False(t, s.State())
}

func TestParseUpdate_StateAsPower(t *testing.T) {
	// No attribute or keypath: the state itself is the wattage, as HA
	// power sensors report it as a numeric string.
	s := newTestSource(t, &config.PlugConfig{
		EntityID: "sensor.power",
		MinWatts: 0,
		MaxWatts: 500,
	})

	s.ParseBulkUpdate(map[string]any{
		"entity_id": "sensor.power",
		"state":     "75.5",
	})

	assert.Equal(t, 75.5, s.Power())
}

func TestParseUpdate_OnStateValue(t *testing.T) {
	s := newTestSource(t, &config.PlugConfig{
		EntityID:     "switch.pump",
		OnStateValue: "running",
		Attribute:    "missing",
		AttributeMax: 100,
		MinWatts:     0,
		MaxWatts:     80,
	})

	// No attribute in the message: the on state alone drives max_watts.
	s.ParseBulkUpdate(map[string]any{
		"entity_id":  "switch.pump",
		"state":      "running",
		"attributes": map[string]any{},
	})

	assert.Equal(t, 80.0, s.Power())
	assert.True(t, s.State())
}

func TestParseUpdate_OnStateBeatsScalingAttribute(t *testing.T) {
	cfg := dimmableLight()
	cfg.OnStateValue = "on"
	s := newTestSource(t, cfg)

	// With a configured on state, the tentative max_watts stands: the
	// attribute-scaling path only fills in when no state-derived power
	// exists.
	s.ParseBulkUpdate(map[string]any{
		"entity_id": "light.x",
		"state":     "on",
		"attributes": map[string]any{
			"brightness": float64(128),
		},
	})

	assert.Equal(t, 100.0, s.Power())
}

func TestParseUpdate_RawPowerOverridesOnState(t *testing.T) {
	s := newTestSource(t, &config.PlugConfig{
		EntityID:     "sensor.watts",
		PowerKeypath: "attributes/power",
		OnStateValue: "running",
		MinWatts:     0,
		MaxWatts:     500,
	})

	// The raw power route does override the tentative max_watts.
	s.ParseBulkUpdate(map[string]any{
		"entity_id": "sensor.watts",
		"state":     "running",
		"attributes": map[string]any{
			"power": float64(42),
		},
	})

	assert.Equal(t, 42.0, s.Power())
}

func TestParseUpdate_NoValueFound(t *testing.T) {
	s := newTestSource(t, dimmableLight())

	// Neither a recognized state nor an attribute: power is untouched.
	s.ParseBulkUpdate(map[string]any{
		"entity_id":  "light.x",
		"state":      "unavailable",
		"attributes": map[string]any{},
	})

	assert.Equal(t, 0.0, s.Power())
}

func TestNewSource_RequiresController(t *testing.T) {
	_, err := NewSource("plug", dimmableLight(), nil, testLogger())
	assert.Error(t, err)
}

func TestValueAtPath(t *testing.T) {
	doc := map[string]any{
		"new_state": map[string]any{
			"attributes": map[string]any{"brightness": float64(42)},
		},
	}

	v, ok := valueAtPath(doc, "new_state/attributes/brightness")
	require.True(t, ok)
	assert.Equal(t, float64(42), v)

	_, ok = valueAtPath(doc, "new_state/missing")
	assert.False(t, ok)

	f, ok := floatAtPath(doc, "new_state/attributes/brightness")
	require.True(t, ok)
	assert.Equal(t, 42.0, f)
}

func TestCoerceFloat(t *testing.T) {
	f, ok := coerceFloat("12.5")
	require.True(t, ok)
	assert.Equal(t, 12.5, f)

	_, ok = coerceFloat("not-a-number")
	assert.False(t, ok)

	_, ok = coerceFloat(nil)
	assert.False(t, ok)
}
