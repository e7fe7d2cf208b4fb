// Package datasource models the power draw behind each virtual plug.
package datasource

import (
	"math"
	"sync"

	"github.com/cbpowell/SenseLink/internal/config"
)

// Source provides the instantaneous electrical readings for one plug.
type Source interface {
	Identifier() string
	Power() float64
	Current() float64
	Voltage() float64
	State() bool
}

// ApproxEqual reports whether two readings are equal within a relative
// tolerance of 1e-9, the comparison used to de-duplicate power updates.
func ApproxEqual(a, b float64) bool {
	return math.Abs(a-b) <= 1e-9*math.Max(math.Abs(a), math.Abs(b))
}

// Base holds the attributes shared by every source variant. When no
// explicit power has been stored, power derives from the on/off state:
// min_watts + on_fraction*delta_watts while on, off_usage while off.
//
// Scalar fields are guarded by an RWMutex: each source has exactly one
// writer (its controller callback or timeout timer), and the UDP server
// reads during response synthesis. There are no cross-field invariants.
type Base struct {
	mu         sync.RWMutex
	identifier string
	voltage    float64
	offUsage   float64
	minWatts   float64
	maxWatts   float64
	deltaWatts float64
	onFraction float64
	state      bool
	stored     *float64
}

// NewBase builds a static source from a config fragment. Defaults follow
// the HS110 deployment conventions: 120 V, fully-on fraction, and
// off_usage falling back to min_watts when unset.
func NewBase(identifier string, cfg *config.PlugConfig) *Base {
	b := &Base{
		identifier: identifier,
		voltage:    120,
		onFraction: 1.0,
		state:      true,
	}
	if cfg != nil {
		b.minWatts = cfg.MinWatts
		b.maxWatts = cfg.MaxWatts
		b.offUsage = cfg.OffUsage
		if b.offUsage == 0 {
			b.offUsage = cfg.MinWatts
		}
		if cfg.OnFraction != 0 {
			b.onFraction = cfg.OnFraction
		}
		if cfg.Voltage != 0 {
			b.voltage = cfg.Voltage
		}
		b.deltaWatts = b.maxWatts - b.minWatts
	}
	return b
}

func (b *Base) Identifier() string { return b.identifier }

func (b *Base) Power() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.stored != nil {
		return *b.stored
	}
	if b.state {
		return b.minWatts + b.onFraction*b.deltaWatts
	}
	return b.offUsage
}

func (b *Base) Current() float64 {
	return b.Power() / b.Voltage()
}

func (b *Base) Voltage() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.voltage
}

func (b *Base) State() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// SetPower stores an explicit power value, overriding the derived formula
// from then on.
func (b *Base) SetPower(watts float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stored = &watts
}

func (b *Base) SetState(on bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = on
}

func (b *Base) SetOnFraction(fraction float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onFraction = fraction
}

func (b *Base) OffUsage() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.offUsage
}

func (b *Base) MinWatts() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.minWatts
}

func (b *Base) MaxWatts() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.maxWatts
}

func (b *Base) DeltaWatts() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.deltaWatts
}

// Mutable is a source whose power is set directly by local code rather
// than derived or fed from an external system.
type Mutable struct {
	*Base
}

func NewMutable(identifier string, cfg *config.PlugConfig) *Mutable {
	m := &Mutable{Base: NewBase(identifier, cfg)}
	initial := 0.0
	if cfg != nil {
		initial = cfg.Power
	}
	m.SetPower(initial)
	return m
}

// Meter is anything that reports an instantaneous wattage. Plug instances
// satisfy it, which lets an aggregate sum its members without this
// package knowing about the registry.
type Meter interface {
	Power() float64
}

// Aggregate sums the power of its member plugs on every read. Members are
// bound once at startup and never re-resolved.
type Aggregate struct {
	*Base
	elementIDs []string
	elements   []Meter
}

func NewAggregate(identifier string, cfg *config.PlugConfig) *Aggregate {
	a := &Aggregate{Base: NewBase(identifier, cfg)}
	if cfg != nil {
		a.elementIDs = cfg.Elements
	}
	return a
}

// ElementIDs returns the configured member plug identifiers.
func (a *Aggregate) ElementIDs() []string { return a.elementIDs }

// Bind attaches the resolved member plugs.
func (a *Aggregate) Bind(elements []Meter) { a.elements = elements }

func (a *Aggregate) Power() float64 {
	var sum float64
	for _, e := range a.elements {
		sum += e.Power()
	}
	return sum
}

func (a *Aggregate) Current() float64 {
	return a.Power() / a.Voltage()
}
