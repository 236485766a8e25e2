package virtio

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedCapability means the device advertised an invalid or
	// incomplete capability list. The device is unusable.
	ErrMalformedCapability = errors.New("virtio: malformed capability")
	// ErrFeatureNegotiationFailed means the device rejected the accepted
	// feature subset. The device is left FAILED until reset.
	ErrFeatureNegotiationFailed = errors.New("virtio: feature negotiation failed")
	// ErrInvalidQueueSize means a queue size was zero or not a power of two.
	ErrInvalidQueueSize = errors.New("virtio: invalid queue size")
	// ErrQueueFull means too few descriptors are free. Retry after reaping.
	ErrQueueFull = errors.New("virtio: queue full")
	// ErrProtocolViolation means the device published a used entry that does
	// not match an outstanding chain. The queue is broken.
	ErrProtocolViolation = errors.New("virtio: protocol violation")
	// ErrTimeout means no completion arrived within the caller's bound.
	ErrTimeout = errors.New("virtio: timeout")

	// ErrQueueReset means the queue was invalidated by a device reset.
	ErrQueueReset = errors.New("virtio: queue invalidated by reset")
	// ErrPrematureConfigWrite means device configuration was written before
	// FEATURES_OK.
	ErrPrematureConfigWrite = errors.New("virtio: device config written before FEATURES_OK")
	// ErrInvalidTransition means a status transition was attempted out of order.
	ErrInvalidTransition = errors.New("virtio: invalid status transition")
	// ErrEmptyChain means a submission had no buffers.
	ErrEmptyChain = errors.New("virtio: empty descriptor chain")
	// ErrNotVirtio means the PCI function is not a virtio device.
	ErrNotVirtio = errors.New("virtio: not a virtio device")
	// ErrDeviceClosed means the device was closed and its registers are
	// no longer mapped.
	ErrDeviceClosed = errors.New("virtio: device closed")
)

// CapabilityError describes why capability discovery failed.
type CapabilityError struct {
	Kind   CapabilityKind
	Reason string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("virtio: malformed %s capability: %s", e.Kind, e.Reason)
}

func (e *CapabilityError) Unwrap() error { return ErrMalformedCapability }

// ProtocolError describes a used-ring entry the driver could not accept.
type ProtocolError struct {
	Queue  uint16
	Head   uint32
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("virtio: queue %d: used entry for descriptor %d: %s", e.Queue, e.Head, e.Reason)
}

func (e *ProtocolError) Unwrap() error { return ErrProtocolViolation }
