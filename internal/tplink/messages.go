package tplink

import "encoding/json"

// RealtimeReading is the emeter.get_realtime body of a discovery reply.
// Total stays zero; Sense only reads the instantaneous values.
type RealtimeReading struct {
	Current float64 `json:"current"`
	Voltage int     `json:"voltage"`
	Power   float64 `json:"power"`
	Total   int     `json:"total"`
	ErrCode int     `json:"err_code"`
}

// SysInfo is the system.get_sysinfo body of a discovery reply. The fixed
// version and model strings match a real HS110(US); Sense rejects unknown
// models on first discovery.
type SysInfo struct {
	ErrCode    int    `json:"err_code"`
	SWVersion  string `json:"sw_ver"`
	HWVersion  string `json:"hw_ver"`
	Type       string `json:"type"`
	Model      string `json:"model"`
	MAC        string `json:"mac"`
	DeviceID   string `json:"deviceId"`
	Alias      string `json:"alias"`
	RelayState int    `json:"relay_state"`
	Updating   int    `json:"updating"`
}

// Response is a full HS110 discovery reply.
type Response struct {
	EnergyMeter struct {
		Realtime RealtimeReading `json:"get_realtime"`
	} `json:"emeter"`
	System struct {
		Info SysInfo `json:"get_sysinfo"`
	} `json:"system"`
}

// DiscoveryRequest is an inbound datagram as far as the server cares:
// whether the two query keys are present, and what get_realtime holds.
type DiscoveryRequest struct {
	EnergyMeter struct {
		Realtime json.RawMessage `json:"get_realtime"`
	} `json:"emeter"`
	System struct {
		Info json.RawMessage `json:"get_sysinfo"`
	} `json:"system"`
}

// IsDiscovery reports whether both emeter.get_realtime and
// system.get_sysinfo keys were present in the request.
func (r *DiscoveryRequest) IsDiscovery() bool {
	return r.EnergyMeter.Realtime != nil && r.System.Info != nil
}

// IsEcho reports whether emeter.get_realtime carries a non-empty value.
// Sense sends empty inner objects; a populated one is our own reply looped
// back, which happens with Docker bridge networking.
func (r *DiscoveryRequest) IsEcho() bool {
	raw := r.EnergyMeter.Realtime
	if raw == nil {
		return false
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err == nil {
		return len(obj) > 0
	}
	// Not an object at all. Anything other than an empty/false scalar is
	// not a Sense query.
	switch string(raw) {
	case "null", "false", "0", `""`:
		return false
	}
	return true
}
