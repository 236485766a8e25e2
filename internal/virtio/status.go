package virtio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DeviceState is the driver's view of the device status register.
type DeviceState uint8

const (
	StateReset DeviceState = iota
	StateAcknowledged
	StateDriver
	StateFeaturesOK
	StateDriverOK
	StateFailed
)

func (s DeviceState) String() string {
	switch s {
	case StateReset:
		return "RESET"
	case StateAcknowledged:
		return "ACKNOWLEDGE"
	case StateDriver:
		return "DRIVER"
	case StateFeaturesOK:
		return "FEATURES_OK"
	case StateDriverOK:
		return "DRIVER_OK"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("DeviceState(%d)", uint8(s))
	}
}

// statusBit is the bit a transition into the state ORs into the register.
var statusBit = map[DeviceState]uint8{
	StateAcknowledged: StatusAcknowledge,
	StateDriver:       StatusDriver,
	StateFeaturesOK:   StatusFeaturesOK,
	StateDriverOK:     StatusDriverOK,
	StateFailed:       StatusFailed,
}

const (
	defaultResetTimeout = time.Second
	resetPollInterval   = 100 * time.Microsecond
)

// statusMachine owns the status register. Every write except reset is
// OR-additive, and transitions are only permitted in handshake order.
type statusMachine struct {
	mu       sync.Mutex
	cc       *commonConfig
	state    DeviceState
	offered  FeatureSet
	accepted FeatureSet

	resetTimeout time.Duration
	log          *slog.Logger
}

func newStatusMachine(cc *commonConfig, resetTimeout time.Duration, log *slog.Logger) *statusMachine {
	if resetTimeout <= 0 {
		resetTimeout = defaultResetTimeout
	}
	return &statusMachine{cc: cc, resetTimeout: resetTimeout, log: log}
}

func (m *statusMachine) current() DeviceState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// reset writes 0 and waits for the device to report completion by reading
// back 0. Negotiated features are discarded.
func (m *statusMachine) reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cc.setStatus(0)
	m.state = StateReset
	m.offered = FeatureSet{}
	m.accepted = FeatureSet{}

	if m.cc.status() == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, m.resetTimeout)
	defer cancel()
	ticker := time.NewTicker(resetPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return fmt.Errorf("%w: device did not complete reset within %s", ErrTimeout, m.resetTimeout)
			}
			return ctx.Err()
		case <-ticker.C:
			if m.cc.status() == 0 {
				return nil
			}
		}
	}
}

// advance moves one step along the handshake. FEATURES_OK is only reachable
// through negotiate.
func (m *statusMachine) advance(to DeviceState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if to == StateFeaturesOK || to != m.state+1 || m.state == StateFailed {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.state, to)
	}
	m.setLocked(to)
	return nil
}

func (m *statusMachine) setLocked(to DeviceState) {
	m.cc.setStatus(m.cc.status() | statusBit[to])
	m.state = to
}

func (m *statusMachine) fail() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failLocked()
}

func (m *statusMachine) failLocked() {
	m.setLocked(StateFailed)
}

// negotiate reads the offered features, asks policy for the accepted subset
// and writes it back, then sets FEATURES_OK and confirms the device kept it.
func (m *statusMachine) negotiate(policy FeaturePolicy) (FeatureSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateDriver {
		return FeatureSet{}, fmt.Errorf("%w: negotiate in state %s", ErrInvalidTransition, m.state)
	}

	offered := m.cc.deviceFeatures()
	m.offered = offered
	if !offered.Has(FeatureVersion1) {
		m.failLocked()
		return FeatureSet{}, fmt.Errorf("%w: device does not offer VERSION_1", ErrFeatureNegotiationFailed)
	}

	selected := FeatureSet{}
	if policy != nil {
		var err error
		selected, err = policy.SelectFeatures(offered)
		if err != nil {
			m.failLocked()
			return FeatureSet{}, fmt.Errorf("%w: %w", ErrFeatureNegotiationFailed, err)
		}
	}
	if extra := selected.Difference(offered); extra.Len() > 0 {
		m.failLocked()
		return FeatureSet{}, fmt.Errorf("%w: policy selected unoffered features %s", ErrFeatureNegotiationFailed, extra)
	}
	accepted := selected.With(FeatureVersion1)

	m.cc.setDriverFeatures(accepted)
	m.setLocked(StateFeaturesOK)
	if m.cc.status()&StatusFeaturesOK == 0 {
		m.failLocked()
		return FeatureSet{}, fmt.Errorf("%w: device cleared FEATURES_OK for %s", ErrFeatureNegotiationFailed, accepted)
	}
	m.accepted = accepted
	m.log.Info("virtio: features negotiated", "offered", offered, "accepted", accepted)
	return accepted, nil
}

// checkConfigWrite rejects device configuration writes before FEATURES_OK.
func (m *statusMachine) checkConfigWrite() error {
	switch s := m.current(); s {
	case StateFeaturesOK, StateDriverOK:
		return nil
	case StateFailed:
		return fmt.Errorf("%w: device is %s", ErrInvalidTransition, s)
	default:
		return fmt.Errorf("%w (state %s)", ErrPrematureConfigWrite, s)
	}
}

func (m *statusMachine) features() FeatureSet {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accepted
}

func (m *statusMachine) needsReset() bool {
	return m.cc.status()&StatusDeviceNeedsReset != 0
}
