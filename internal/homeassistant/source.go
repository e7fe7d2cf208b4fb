package homeassistant

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/cbpowell/SenseLink/internal/config"
	"github.com/cbpowell/SenseLink/internal/datasource"
)

// Source derives a plug's power from one Home Assistant entity. The value
// can come from the entity state itself, a named attribute scaled across
// [attribute_min, attribute_max], an arbitrary attribute keypath, or a
// keypath holding a ready-made wattage.
type Source struct {
	*datasource.Base
	logger *logrus.Logger

	entityID         string
	stateKeypath     string
	offStateValue    string
	onStateValue     string
	attribute        string
	attributeKeypath string
	powerKeypath     string
	attributeMin     float64
	attributeMax     float64
	attributeDelta   float64
}

// NewSource builds an HA-fed source and registers it with the controller.
func NewSource(identifier string, cfg *config.PlugConfig, controller *Controller, logger *logrus.Logger) (*Source, error) {
	if controller == nil {
		return nil, fmt.Errorf("plug %q: hass source requires a controller", identifier)
	}
	s := &Source{
		Base:          datasource.NewBase(identifier, cfg),
		logger:        logger,
		stateKeypath:  "state",
		offStateValue: "off",
	}
	s.SetPower(0)

	if cfg != nil {
		s.entityID = cfg.EntityID
		s.powerKeypath = cfg.PowerKeypath
		s.attributeMin = cfg.AttributeMin
		s.attributeMax = cfg.AttributeMax
		if cfg.StateKeypath != "" {
			s.stateKeypath = cfg.StateKeypath
		}
		if cfg.OffStateValue != "" {
			s.offStateValue = cfg.OffStateValue
		}
		s.onStateValue = cfg.OnStateValue
		s.attribute = cfg.Attribute
		s.attributeKeypath = cfg.AttributeKeypath

		if s.attribute == "" && s.powerKeypath == "" {
			logger.Debugf("Defaulting to using base state value for power usage for %s", s.entityID)
		}
		s.attributeDelta = s.attributeMax - s.attributeMin
	}
	controller.Register(s)
	return s, nil
}

// ParseBulkUpdate handles one entry of a get_states result.
func (s *Source) ParseBulkUpdate(message map[string]any) {
	if entity, _ := valueAtPath(message, "entity_id"); entity != s.entityID {
		return
	}
	s.logger.Debugf("Entity update received for %s", s.entityID)
	s.parseUpdate("", message)
}

// ParseIncrementalUpdate handles the data of one state_changed event,
// where the values of interest live under new_state.
func (s *Source) ParseIncrementalUpdate(message map[string]any) {
	if entity, _ := valueAtPath(message, "entity_id"); entity != s.entityID {
		return
	}
	s.logger.Debugf("Parsing incremental update for %s", s.entityID)
	s.parseUpdate("new_state/", message)
}

func (s *Source) parseUpdate(rootPath string, message map[string]any) {
	statePath := rootPath + s.stateKeypath

	// Attribute path precedence: an explicit power keypath wins, then a
	// named attribute, then an attribute keypath, then the state itself.
	var attributePath string
	switch {
	case s.powerKeypath != "":
		attributePath = rootPath + s.powerKeypath
	case s.attribute != "":
		attributePath = rootPath + "attributes/" + s.attribute
	case s.attributeKeypath != "":
		attributePath = rootPath + s.attributeKeypath
	default:
		attributePath = statePath
	}

	stateValue, stateOK := valueAtPath(message, statePath)
	attributeValue, attributeOK := floatAtPath(message, attributePath)

	if err := s.applyUpdate(stateValue, stateOK, attributeValue, attributeOK); err != nil {
		s.logger.Errorf("Error for entity %s: %v", s.entityID, err)
	}
}

// applyUpdate reconciles the raw state value against the parsed attribute
// value. The off state always wins; a configured on state tentatively
// sets max_watts, which a raw power value (power keypath or numeric state)
// overrides. A scaled named attribute is used only when the on state set
// no power.
func (s *Source) applyUpdate(stateValue any, stateOK bool, attributeValue float64, attributeOK bool) error {
	var parsedPower *float64

	if stateOK {
		if stateString, ok := stateValue.(string); ok {
			if stateString == s.offStateValue {
				s.logger.Debugf("Entity %s set to OFF based on state value", s.Identifier())
				off := s.OffUsage()
				s.SetState(false)
				s.SetPower(off)
				s.logger.Infof("Updated wattage for %s: %v", s.Identifier(), off)
				return nil
			}
			if s.onStateValue != "" && stateString == s.onStateValue {
				s.logger.Debugf("Entity %s set to ON based on state value", s.Identifier())
				max := s.MaxWatts()
				parsedPower = &max
				s.SetState(true)
			}
		}
	}

	if attributeOK {
		if s.powerKeypath != "" || s.attribute == "" {
			if s.powerKeypath != "" {
				s.logger.Debugf("Pulling power from keypath: %s for %s", s.powerKeypath, s.Identifier())
			} else {
				s.logger.Debugf("Pulling power from base state value for %s", s.Identifier())
			}
			s.SetPower(attributeValue)
			if datasource.ApproxEqual(s.Power(), s.OffUsage()) {
				s.SetState(false)
			}
			parsedPower = &attributeValue
		} else if parsedPower == nil {
			s.logger.Debugf("Determining power based on attribute for %s", s.Identifier())
			clamped := clamp(attributeValue, s.attributeMin, s.attributeMax)
			if clamped != attributeValue {
				s.logger.Errorf("Attribute for entity %s outside expected values", s.entityID)
			}

			fraction := (clamped - s.attributeMin) / s.attributeDelta
			s.SetOnFraction(fraction)
			scaled := s.MinWatts() + fraction*s.DeltaWatts()
			parsedPower = &scaled
			s.logger.Debugf("Attribute %s at fraction: %v", s.entityID, fraction)
		}
	}

	if parsedPower == nil {
		return fmt.Errorf("no valid attribute found for %s", s.Identifier())
	}

	s.SetPower(*parsedPower)
	s.logger.Infof("Updated wattage for %s: %v", s.Identifier(), *parsedPower)
	return nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
