// Package plug maintains the virtual HS110 instances and the MAC-keyed
// registry the UDP server answers from.
package plug

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cbpowell/SenseLink/internal/config"
	"github.com/cbpowell/SenseLink/internal/datasource"
	"github.com/cbpowell/SenseLink/internal/tplink"
)

// DefaultOUI prefixes every generated MAC so spoofed plugs are easy to
// spot in a packet capture.
const DefaultOUI = "53:75:31"

// Plug is one impersonated HS110.
type Plug struct {
	Identifier  string
	Alias       string
	MAC         string
	DeviceID    string
	SkipRate    int
	InAggregate bool

	source          datasource.Source
	responseCounter int
	startTime       time.Time
	responses       atomic.Uint64
}

// SourceFactory builds the data source for one plug from its config
// fragment. It returns an error only for fatal configuration problems.
type SourceFactory func(identifier string, cfg *config.PlugConfig) (datasource.Source, error)

// New creates a plug, generating a MAC and device id when the config
// leaves them out.
func New(identifier string, cfg *config.PlugConfig, logger *logrus.Logger) (*Plug, error) {
	p := &Plug{Identifier: identifier}
	if cfg != nil {
		p.Alias = cfg.Alias
		p.MAC = cfg.MAC
		p.DeviceID = cfg.DeviceID
		p.SkipRate = cfg.SkipRate
	}
	if p.SkipRate < 0 {
		return nil, fmt.Errorf("plug %q: skip_rate must be non-negative", identifier)
	}

	if p.MAC == "" {
		mac, err := tplink.GenerateMAC(DefaultOUI)
		if err != nil {
			return nil, err
		}
		logger.Infof("Spoofed MAC: %s", mac)
		p.MAC = mac
	}
	if p.DeviceID == "" {
		id := tplink.GenerateDeviceID()
		logger.Infof("Spoofed Device ID: %s", id)
		p.DeviceID = id
	}
	if p.Alias == "" {
		short := p.DeviceID
		if len(short) > 8 {
			short = short[:8]
		}
		p.Alias = "Spoofed TP-Link Kasa HS110 " + short
	}
	return p, nil
}

// Source returns the plug's data source.
func (p *Plug) Source() datasource.Source { return p.source }

// Power returns the instantaneous wattage from the data source.
func (p *Plug) Power() float64 { return p.source.Power() }

// StartTime returns when the plug was first handled for a discovery
// query, zero before.
func (p *Plug) StartTime() time.Time { return p.startTime }

// MarkStart records the start time.
func (p *Plug) MarkStart(t time.Time) { p.startTime = t }

// Responses returns how many replies this plug has transmitted.
func (p *Plug) Responses() uint64 { return p.responses.Load() }

// CountResponse records one transmitted reply.
func (p *Plug) CountResponse() { p.responses.Add(1) }

// ShouldRespond applies the skip-rate gate: a plug with skip_rate N
// answers one of every N+1 eligible queries. The counter reloads on each
// answered query and counts down on the skipped ones.
func (p *Plug) ShouldRespond() bool {
	if p.responseCounter < 1 {
		p.responseCounter = p.SkipRate
		return true
	}
	p.responseCounter--
	if p.responseCounter < 0 {
		p.responseCounter = 0
	}
	return false
}

// GenerateResponse reads the current source values and assembles the
// discovery reply. The MAC is uppercased on the wire, and deviceId
// mirrors it rather than the 20-byte device id; Sense keys plugs off the
// MAC and this matches real HS110 discovery traffic.
func (p *Plug) GenerateResponse() tplink.Response {
	var r tplink.Response
	r.EnergyMeter.Realtime = tplink.RealtimeReading{
		Current: p.source.Current(),
		Voltage: int(p.source.Voltage()),
		Power:   p.source.Power(),
		Total:   0,
		ErrCode: 0,
	}
	r.System.Info = tplink.SysInfo{
		ErrCode:    0,
		SWVersion:  "1.2.5 Build 171206 Rel.085954",
		HWVersion:  "1.0",
		Type:       "IOT.SMARTPLUGSWITCH",
		Model:      "HS110(US)",
		MAC:        strings.ToUpper(p.MAC),
		DeviceID:   strings.ToUpper(p.MAC),
		Alias:      p.Alias,
		RelayState: 1,
		Updating:   0,
	}
	return r
}

// ConfigurePlugs builds the plug instances for one source block, keyed by
// MAC. A duplicate MAC within the block is a fatal configuration error.
func ConfigurePlugs(plugs []config.PlugEntry, factory SourceFactory, logger *logrus.Logger) (map[string]*Plug, []string, error) {
	instances := make(map[string]*Plug)
	var order []string
	for _, entry := range plugs {
		for identifier, details := range entry {
			p, err := New(identifier, details, logger)
			if err != nil {
				return nil, nil, err
			}

			src, err := factory(identifier, details)
			if err != nil {
				return nil, nil, err
			}
			p.source = src

			if prev, ok := instances[p.MAC]; ok {
				return nil, nil, fmt.Errorf(
					"configuration error: two plugs configured with the same MAC address (%s, %s)",
					prev.Identifier, identifier)
			}
			instances[p.MAC] = p
			order = append(order, p.MAC)
			logger.Debugf("Added plug: %s", identifier)
		}
	}
	return instances, order, nil
}

// Registry maps MAC addresses to plugs. It is assembled during startup
// and read-only once the server runs; iteration preserves insertion
// order so responses stay deterministic.
type Registry struct {
	plugs map[string]*Plug
	order []string
}

func NewRegistry() *Registry {
	return &Registry{plugs: make(map[string]*Plug)}
}

// Add merges a block of instances into the registry. A MAC already
// registered by an earlier block is a fatal configuration error.
func (r *Registry) Add(instances map[string]*Plug, order []string) error {
	for _, mac := range order {
		if prev, ok := r.plugs[mac]; ok {
			return fmt.Errorf(
				"configuration error: two plugs configured with the same MAC address (%s, %s)",
				prev.Identifier, instances[mac].Identifier)
		}
	}
	for _, mac := range order {
		r.plugs[mac] = instances[mac]
		r.order = append(r.order, mac)
	}
	return nil
}

// ForMAC returns the plug registered under mac, if any.
func (r *Registry) ForMAC(mac string) (*Plug, bool) {
	p, ok := r.plugs[mac]
	return p, ok
}

// Plugs returns every plug in registration order.
func (r *Registry) Plugs() []*Plug {
	out := make([]*Plug, 0, len(r.order))
	for _, mac := range r.order {
		out = append(out, r.plugs[mac])
	}
	return out
}

// Len returns the number of registered plugs.
func (r *Registry) Len() int { return len(r.order) }

// BindAggregates resolves each aggregate plug's element ids against the
// registry and attaches the member instances. A member already claimed by
// another aggregate is skipped with a warning; chosen members are flagged
// so the server stops answering for them individually.
func BindAggregates(aggregates map[string]*Plug, order []string, registry *Registry, logger *logrus.Logger) {
	for _, mac := range order {
		inst := aggregates[mac]
		agg, ok := inst.source.(*datasource.Aggregate)
		if !ok {
			continue
		}
		wanted := make(map[string]bool, len(agg.ElementIDs()))
		for _, id := range agg.ElementIDs() {
			wanted[id] = true
		}

		var elements []datasource.Meter
		for _, member := range registry.Plugs() {
			if !wanted[member.Identifier] {
				continue
			}
			if member.InAggregate {
				logger.Warnf("Configuration adds plug %s to more than one Aggregate plug. Usage in Aggregate %s will be ignored.",
					member.Identifier, inst.Identifier)
				continue
			}
			elements = append(elements, member)
			member.InAggregate = true
		}
		agg.Bind(elements)
	}
}
