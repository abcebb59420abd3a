package policy

import (
	"time"
)

// MaxFanOut is the largest number of inputs the fan-out policy lets one
// output reach.
const MaxFanOut = 16

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		fanOutLimitPolicy(),
		knownTemplatesPolicy(),
		selfLoopPolicy(),
		installModePolicy(),
		orphanParametersPolicy(),
	}
}

// fanOutLimitPolicy bounds the number of destinations per output.
func fanOutLimitPolicy() Policy {
	return Policy{
		Name:        "fan-out-limit",
		Description: "Limits how many input ports a single output may feed",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"wiring", "limits"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package vire.admission.fanout

import rego.v1

max_fanout := 16

deny contains violation if {
	some wire in input.wires
	count(wire.to) > max_fanout
	violation := {
		"message": sprintf("output %s:%d feeds %d inputs, limit is %d", [wire.from.element, wire.from.port, count(wire.to), max_fanout]),
		"severity": "error",
		"element": wire.from.element,
	}
}
`,
	}
}

// knownTemplatesPolicy rejects graphs naming templates the node cannot spawn.
func knownTemplatesPolicy() Policy {
	return Policy{
		Name:        "known-templates",
		Description: "Rejects elements whose template is not in the node catalogue",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"elements", "catalogue"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package vire.admission.templates

import rego.v1

deny contains violation if {
	input.catalogued
	some el in input.elements
	el.name == ""
	violation := {
		"message": sprintf("element %s uses template %d which is not in the catalogue", [el.id, el.template]),
		"severity": "error",
		"element": el.id,
	}
}
`,
	}
}

// selfLoopPolicy flags elements wired to themselves.
func selfLoopPolicy() Policy {
	return Policy{
		Name:        "self-loops",
		Description: "Warns about outputs wired back into their own element",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"wiring"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package vire.admission.loops

import rego.v1

deny contains violation if {
	some wire in input.wires
	some dst in wire.to
	dst.element == wire.from.element
	violation := {
		"message": sprintf("element %s feeds its own input %d", [dst.element, dst.port]),
		"severity": "warning",
		"element": dst.element,
	}
}
`,
	}
}

// installModePolicy flags flag combinations that are legal but rarely meant.
func installModePolicy() Policy {
	return Policy{
		Name:        "install-mode",
		Description: "Warns about diff updates installed as full and hot swaps that drop saved parameters",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"modes"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package vire.admission.modes

import rego.v1

deny contains violation if {
	input.flags.diff
	input.mode == "full"
	violation := {
		"message": "diff update installed as full restarts every element",
		"severity": "warning",
	}
}

deny contains violation if {
	input.mode == "hot_swap"
	input.flags.parameters
	not input.flags.merge_parameters
	violation := {
		"message": "hot swap without merge_parameters replaces the saved parameter table",
		"severity": "info",
	}
}
`,
	}
}

// orphanParametersPolicy flags parameter records for elements outside the graph.
func orphanParametersPolicy() Policy {
	return Policy{
		Name:        "orphan-parameters",
		Description: "Reports parameter records addressed to elements the graph does not wire",
		Severity:    SeverityInfo,
		Enabled:     true,
		Tags:        []string{"parameters"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package vire.admission.params

import rego.v1

wired contains el.id if {
	some el in input.elements
}

deny contains violation if {
	input.flags.wiring
	some p in input.params
	not wired[p.element]
	violation := {
		"message": sprintf("parameters for %s are skipped, the element is not wired", [p.element]),
		"severity": "info",
		"element": p.element,
	}
}
`,
	}
}
