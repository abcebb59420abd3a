package engine

import (
	"fmt"

	"github.com/vireflow/vire/pkg/wiring"
)

// InstallMode selects how a wiring section is installed.
type InstallMode string

const (
	// InstallFull tears the running graph down and builds the new one.
	InstallFull InstallMode = "full"

	// InstallHotSwap diffs the new graph against the running one and keeps
	// the elements both have in common.
	InstallHotSwap InstallMode = "hot_swap"

	// InstallParameters updates parameters without touching the wiring.
	InstallParameters InstallMode = "parameters"
)

// Mark is the hot-swap diff mark of a registry entry.
type Mark uint8

const (
	Unmarked Mark = iota
	Marked
)

// String returns the mark name.
func (m Mark) String() string {
	if m == Marked {
		return "marked"
	}
	return "unmarked"
}

// Discovery is the result of looking an element key up in the registry.
type Discovery int

const (
	// NoInstance means no element uses the template.
	NoInstance Discovery = iota

	// ThisInstance means the exact (template, instance) pair is registered.
	ThisInstance

	// AnotherInstance means the template runs under a different instance.
	AnotherInstance
)

// String returns the discovery name.
func (d Discovery) String() string {
	switch d {
	case ThisInstance:
		return "this_instance"
	case AnotherInstance:
		return "another_instance"
	default:
		return "no_instance"
	}
}

// TokenStatus is the lifecycle state of a queued token.
type TokenStatus uint8

const (
	TokenQueued TokenStatus = iota
	TokenPosted
	TokenHandled
)

// String returns the status name.
func (s TokenStatus) String() string {
	switch s {
	case TokenQueued:
		return "queued"
	case TokenPosted:
		return "posted"
	case TokenHandled:
		return "handled"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Destination is one fan-out slot of an output group.
type Destination struct {
	Handle Handle  `json:"handle"`
	Port   uint8   `json:"port"`
	Func   FuncRef `json:"func"`
}

// InstallResult summarises a successful configuration delivery.
type InstallResult struct {
	// ID identifies the install attempt in logs and history.
	ID string `json:"id"`

	// Mode is the mode the install actually ran in.
	Mode InstallMode `json:"mode"`

	// Requested is the mode the configuration asked for. It differs from
	// Mode when a hot swap fell back to a full install.
	Requested InstallMode `json:"requested"`

	// Flags are the metadata flags of the configuration.
	Flags wiring.Flags `json:"flags"`

	// Elements is the number of registered elements after the install.
	Elements int `json:"elements"`

	// Groups is the number of output groups installed.
	Groups int `json:"groups"`

	// Spawned is the number of elements spawned by the install.
	Spawned int `json:"spawned"`

	// Removed is the number of elements deregistered by the install.
	Removed int `json:"removed"`

	// Parameters is the number of records in the saved parameter table.
	Parameters int `json:"parameters"`
}

// ElementState is the inspection view of one registered element.
type ElementState struct {
	Key     wiring.ElementKey `json:"key"`
	Handle  Handle            `json:"handle"`
	Mark    Mark              `json:"mark"`
	Busy    uint8             `json:"busy"`
	Queued  int               `json:"queued"`
	Outputs []wiring.GroupID  `json:"outputs,omitempty"`
}

// Snapshot is a point-in-time view of the engine for inspection.
type Snapshot struct {
	Elements   []ElementState                   `json:"elements"`
	Routing    map[wiring.GroupID][]Destination `json:"routing"`
	Parameters []wiring.ParamRecord             `json:"parameters,omitempty"`
	TokensHeld int                              `json:"tokens_held"`
	GraphBusy  bool                             `json:"graph_busy"`
}
