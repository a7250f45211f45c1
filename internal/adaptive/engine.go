package adaptive

import (
	"sync"
	"time"

	"scmesh/go-core/pkg/models"
)

const (
	ProfileMaximum  = "maximum"
	ProfileHigh     = "high"
	ProfileStandard = "standard"
	ProfileReduced  = "reduced"
	ProfileMinimal  = "minimal"
)

// Profile is one row of the tuning table. Discovery cadence, relay budget
// and transport availability all follow the active profile.
type Profile struct {
	Name               string
	DiscoveryInterval  time.Duration
	RelayBudgetPerHour int
	LANEnabled         bool
	OverlayEnabled     bool
	LinkDutyCyclePct   int
}

var profiles = map[string]Profile{
	ProfileMaximum: {
		Name:               ProfileMaximum,
		DiscoveryInterval:  5 * time.Second,
		RelayBudgetPerHour: 1000,
		LANEnabled:         true,
		OverlayEnabled:     true,
		LinkDutyCyclePct:   100,
	},
	ProfileHigh: {
		Name:               ProfileHigh,
		DiscoveryInterval:  10 * time.Second,
		RelayBudgetPerHour: 800,
		LANEnabled:         true,
		OverlayEnabled:     true,
		LinkDutyCyclePct:   75,
	},
	ProfileStandard: {
		Name:               ProfileStandard,
		DiscoveryInterval:  30 * time.Second,
		RelayBudgetPerHour: 300,
		LANEnabled:         true,
		OverlayEnabled:     true,
		LinkDutyCyclePct:   50,
	},
	ProfileReduced: {
		Name:               ProfileReduced,
		DiscoveryInterval:  2 * time.Minute,
		RelayBudgetPerHour: 50,
		LANEnabled:         true,
		OverlayEnabled:     true,
		LinkDutyCyclePct:   25,
	},
	ProfileMinimal: {
		Name:               ProfileMinimal,
		DiscoveryInterval:  5 * time.Minute,
		RelayBudgetPerHour: 5,
		LANEnabled:         false,
		OverlayEnabled:     false,
		LinkDutyCyclePct:   10,
	},
}

// ProfileByName returns the tuning row for a profile name.
func ProfileByName(name string) (Profile, bool) {
	p, ok := profiles[name]
	return p, ok
}

// Select maps device state to a profile. The battery floor overrides every
// other signal.
func Select(state models.DeviceState, batteryFloorPct int) Profile {
	if state.BatteryPercent <= batteryFloorPct {
		return profiles[ProfileMinimal]
	}
	switch {
	case state.Charging && state.OnWifi:
		return profiles[ProfileMaximum]
	case state.Charging:
		return profiles[ProfileHigh]
	case state.BatteryPercent >= 50:
		return profiles[ProfileStandard]
	case state.BatteryPercent >= 20:
		return profiles[ProfileReduced]
	default:
		return profiles[ProfileMinimal]
	}
}

const (
	minMotionFactor = 0.5
	maxMotionFactor = 2.0
	minInterval     = time.Second
)

// Engine tracks device state and serves the active profile. Profile changes
// are staged: Apply at the next cycle boundary returns the new profile so
// nothing shifts mid-cycle.
type Engine struct {
	mu              sync.Mutex
	batteryFloorPct int
	device          models.DeviceState
	active          Profile
	pending         Profile
	motionFactor    float64
	onChange        func(Profile)
}

func NewEngine(batteryFloorPct int, onChange func(Profile)) *Engine {
	initial := profiles[ProfileStandard]
	return &Engine{
		batteryFloorPct: batteryFloorPct,
		device:          models.DeviceState{BatteryPercent: 100},
		active:          initial,
		pending:         initial,
		motionFactor:    1.0,
		onChange:        onChange,
	}
}

// ReportDevice stages the profile for the reported battery/network state.
func (e *Engine) ReportDevice(state models.DeviceState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	moving := e.device.Moving
	e.device = state
	e.device.Moving = moving
	e.pending = Select(e.device, e.batteryFloorPct)
}

// ReportMotion halves the discovery cadence while moving and doubles it back
// when still, clamped so cadence never runs away in either direction.
func (e *Engine) ReportMotion(moving bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.device.Moving = moving
	if moving {
		e.motionFactor /= 2
		if e.motionFactor < minMotionFactor {
			e.motionFactor = minMotionFactor
		}
	} else {
		e.motionFactor *= 2
		if e.motionFactor > maxMotionFactor {
			e.motionFactor = maxMotionFactor
		}
	}
}

// Apply commits the staged profile. Call at a discovery/budget cycle
// boundary; the change callback fires only on an actual switch.
func (e *Engine) Apply() (Profile, bool) {
	e.mu.Lock()
	changed := e.pending.Name != e.active.Name
	e.active = e.pending
	profile := e.active
	onChange := e.onChange
	e.mu.Unlock()

	if changed && onChange != nil {
		onChange(profile)
	}
	return profile, changed
}

func (e *Engine) Active() Profile {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

func (e *Engine) Pending() Profile {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending
}

// DiscoveryInterval is the active cadence with the motion factor applied.
func (e *Engine) DiscoveryInterval() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	interval := time.Duration(float64(e.active.DiscoveryInterval) * e.motionFactor)
	if interval < minInterval {
		interval = minInterval
	}
	return interval
}

func (e *Engine) Device() models.DeviceState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.device
}
