package engine

import "github.com/vireflow/vire/pkg/wiring"

// FlowControl holds one BUSY bit per (element, input port). A cleared bit
// means READY.
type FlowControl struct {
	busy []uint8
}

// NewFlowControl creates a mask for n elements with every port READY.
func NewFlowControl(n int) *FlowControl {
	return &FlowControl{busy: make([]uint8, n)}
}

func (f *FlowControl) valid(h Handle, port uint8) bool {
	return int(h) < len(f.busy) && port < wiring.MaxInputPorts
}

// IsReady reports whether the port accepts synchronous delivery.
func (f *FlowControl) IsReady(h Handle, port uint8) bool {
	if !f.valid(h, port) {
		return false
	}
	return f.busy[h]&(1<<port) == 0
}

// SetBusy marks one port BUSY.
func (f *FlowControl) SetBusy(h Handle, port uint8) {
	if f.valid(h, port) {
		f.busy[h] |= 1 << port
	}
}

// SetReady marks every port of the element READY.
func (f *FlowControl) SetReady(h Handle) {
	if int(h) < len(f.busy) {
		f.busy[h] = 0
	}
}

// Busy returns the busy bits of the element.
func (f *FlowControl) Busy(h Handle) uint8 {
	if int(h) < len(f.busy) {
		return f.busy[h]
	}
	return 0
}

// GraphBusy reports whether any port is BUSY.
func (f *FlowControl) GraphBusy() bool {
	for _, b := range f.busy {
		if b != 0 {
			return true
		}
	}
	return false
}

// Reset marks every port READY.
func (f *FlowControl) Reset() {
	clear(f.busy)
}
