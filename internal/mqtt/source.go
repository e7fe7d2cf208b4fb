package mqtt

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cbpowell/SenseLink/internal/config"
	"github.com/cbpowell/SenseLink/internal/datasource"
)

// Source derives a plug's power from up to three MQTT topics: a raw
// wattage topic, an on/off state topic, and an attribute topic scaled
// across [attribute_min, attribute_max]. An optional inactivity timeout
// drops the plug to off_usage when the topics go quiet.
type Source struct {
	*datasource.Base
	logger *logrus.Logger

	powerTopic     string
	stateTopic     string
	attributeTopic string
	onStateValue   string
	offStateValue  string
	attributeMin   float64
	attributeMax   float64
	attributeDelta float64
	timeout        time.Duration

	timerMu sync.Mutex
	timer   *time.Timer
}

// NewSource builds an MQTT-fed source and registers it with the
// controller. At least one topic must be configured, and a power topic
// excludes an attribute topic: both claim the same output.
func NewSource(identifier string, cfg *config.PlugConfig, controller *Controller, logger *logrus.Logger) (*Source, error) {
	if controller == nil {
		return nil, fmt.Errorf("plug %q: mqtt source requires a controller", identifier)
	}
	s := &Source{
		Base:          datasource.NewBase(identifier, cfg),
		logger:        logger,
		onStateValue:  "on",
		offStateValue: "off",
	}
	s.SetPower(0)

	if cfg != nil {
		s.attributeMin = cfg.AttributeMin
		s.attributeMax = cfg.AttributeMax
		s.powerTopic = cfg.PowerTopic
		s.stateTopic = cfg.StateTopic
		s.attributeTopic = cfg.AttributeTopic
		if cfg.OnStateValue != "" {
			s.onStateValue = cfg.OnStateValue
		}
		if cfg.OffStateValue != "" {
			s.offStateValue = cfg.OffStateValue
		}
		if cfg.TimeoutDuration > 0 {
			s.timeout = time.Duration(cfg.TimeoutDuration * float64(time.Second))
		}
		s.attributeDelta = s.attributeMax - s.attributeMin
	}

	if s.powerTopic == "" && s.stateTopic == "" && s.attributeTopic == "" {
		return nil, fmt.Errorf("plug %q: at least one topic (power, attribute, or state) must be provided to monitor", identifier)
	}
	if s.powerTopic != "" && s.attributeTopic != "" {
		return nil, fmt.Errorf("plug %q: power and attribute topics cannot be set simultaneously", identifier)
	}

	controller.Register(s)
	return s, nil
}

// Listeners returns the topic bindings for the configured topics.
func (s *Source) Listeners() []Listener {
	s.logger.Infof("Generating listeners for %s", s.Identifier())
	var listeners []Listener
	if s.powerTopic != "" {
		listeners = append(listeners, Listener{Topic: s.powerTopic, Handlers: []Handler{s.handlePower}})
	}
	if s.stateTopic != "" {
		listeners = append(listeners, Listener{Topic: s.stateTopic, Handlers: []Handler{s.handleState}})
	}
	if s.attributeTopic != "" {
		listeners = append(listeners, Listener{Topic: s.attributeTopic, Handlers: []Handler{s.handleAttribute}})
	}
	return listeners
}

// updatePower applies a new reading, skipping writes when the value is
// unchanged within tolerance. Live updates re-arm the inactivity timer;
// the timeout itself passes restartTimeout=false so expiry can't re-arm.
func (s *Source) updatePower(watts float64, restartTimeout bool) {
	if s.timeout > 0 && restartTimeout {
		s.armTimer()
	}

	if datasource.ApproxEqual(watts, s.Power()) {
		return
	}
	s.SetPower(watts)
	if datasource.ApproxEqual(watts, s.OffUsage()) {
		s.SetState(false)
		s.logger.Debugf("Power equal to off_usage for %s, assuming off", s.Identifier())
	}
	s.logger.Debugf("Power updated for %s: %.4f", s.Identifier(), watts)
}

func (s *Source) armTimer() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.timeout, s.expire)
}

func (s *Source) expire() {
	s.logger.Infof("Update timeout reached for %s, setting to off_usage", s.Identifier())
	s.updatePower(s.OffUsage(), false)
	s.SetState(false)
}

// Stop cancels any pending inactivity timer.
func (s *Source) Stop() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Source) handlePower(payload string) {
	s.logger.Debugf("Power topic update for %s: %s", s.Identifier(), payload)
	watts, err := strconv.ParseFloat(payload, 64)
	if err != nil {
		s.logger.Warnf("Failed to convert power value (%q) for %s to float, ignoring", payload, s.Identifier())
		return
	}
	s.updatePower(watts, true)
}

func (s *Source) handleState(payload string) {
	s.logger.Debugf("State topic update for %s: %s", s.Identifier(), payload)
	switch payload {
	case s.offStateValue:
		s.SetState(false)
		s.updatePower(s.OffUsage(), true)
		s.logger.Debugf("State set to OFF for %s", s.Identifier())
	case s.onStateValue:
		if s.attributeTopic != "" {
			// Wattage arrives separately on the attribute topic; keep
			// whatever the most recent value was.
			s.SetState(true)
			s.logger.Debugf("State set to ON for %s, wattage to be set by attribute", s.Identifier())
		} else {
			s.SetState(true)
			s.updatePower(s.MaxWatts(), true)
			s.logger.Debugf("State set to ON for %s, using max_watts for power value", s.Identifier())
		}
	default:
		// Not a recognized on/off literal, so check for a bare number.
		watts, err := strconv.ParseFloat(payload, 64)
		if err != nil {
			s.logger.Debugf("State update (%q) is non-numeric and does not match on/off values, ignoring", payload)
			return
		}
		if s.powerTopic == "" {
			s.logger.Debug("State update is numeric and no power_topic defined, using as power value")
			s.updatePower(watts, true)
		}
	}
}

func (s *Source) handleAttribute(payload string) {
	s.logger.Debugf("Attribute topic update for %s: %s", s.Identifier(), payload)
	attributeValue, err := strconv.ParseFloat(payload, 64)
	if err != nil {
		s.logger.Warnf("Non-float value (%q) received for attribute update, unable to update", payload)
		// Hard reset: write through directly, bypassing de-duplication
		// and the timeout re-arm.
		s.SetPower(s.OffUsage())
		s.SetState(false)
		return
	}

	clamped := attributeValue
	if clamped < s.attributeMin {
		clamped = s.attributeMin
	}
	if clamped > s.attributeMax {
		clamped = s.attributeMax
	}
	if clamped != attributeValue {
		s.logger.Errorf("Attribute for %s outside expected values", s.Identifier())
	}

	fraction := (clamped - s.attributeMin) / s.attributeDelta
	s.SetOnFraction(fraction)
	scaled := s.MinWatts() + fraction*s.DeltaWatts()
	s.updatePower(scaled, true)
	s.logger.Debugf("Attribute %s at fraction: %v", s.Identifier(), fraction)
}
