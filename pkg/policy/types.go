package policy

import (
	"time"

	"github.com/vireflow/vire/pkg/wiring"
)

// DefaultPackage is the Rego package root admission policies live under.
const DefaultPackage = "vire.admission"

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for errors that block the install.
	SeverityError Severity = "error"

	// SeverityCritical is for critical violations that block the install.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity denies admission.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// CreatedAt is when the policy was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the policy was last updated.
	UpdatedAt time.Time `json:"updated_at"`
}

// Violation represents a single policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Element is the element ("template/instance") the violation is about.
	Element string `json:"element,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`
}

// Decision is the outcome of admitting one graph.
type Decision struct {
	// Allowed is false when any violation is blocking.
	Allowed bool `json:"allowed"`

	// Violations lists every violation found, blocking or not.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists policies that failed to evaluate.
	Warnings []string `json:"warnings,omitempty"`

	// Evaluated lists the policies that ran.
	Evaluated []string `json:"evaluated"`

	// EvaluatedAt is when the decision was made.
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// Denials returns the messages of the blocking violations.
func (d *Decision) Denials() []string {
	var out []string
	for _, v := range d.Violations {
		if v.Severity.Blocking() {
			out = append(out, v.Message)
		}
	}
	return out
}

// Input is the document policies see as input.
type Input struct {
	Origin   uint8          `json:"origin"`
	Mode     string         `json:"mode"`
	Flags    InputFlags     `json:"flags"`
	Elements []InputElement `json:"elements"`
	Wires    []InputWire    `json:"wires"`
	Params   []InputParam   `json:"params"`

	// Catalogued is set when element names were resolved against a
	// catalogue, so an empty name means an unknown template.
	Catalogued bool           `json:"catalogued"`
	Context    *PolicyContext `json:"context,omitempty"`
}

// InputFlags mirrors the metadata flag bits.
type InputFlags struct {
	HotSwap         bool `json:"hot_swap"`
	Diff            bool `json:"diff"`
	MergeParameters bool `json:"merge_parameters"`
	Wiring          bool `json:"wiring"`
	Parameters      bool `json:"parameters"`
}

// InputElement is one element referenced by the graph.
type InputElement struct {
	ID       string `json:"id"`
	Template uint16 `json:"template"`
	Instance uint8  `json:"instance"`

	// Name is the catalogue name of the template, empty when unknown.
	Name string `json:"name"`
}

// InputEndpoint is one side of a wire.
type InputEndpoint struct {
	Element string `json:"element"`
	Port    uint8  `json:"port"`
}

// InputWire is one output group.
type InputWire struct {
	From InputEndpoint   `json:"from"`
	To   []InputEndpoint `json:"to"`
}

// InputParam is one parameter record. The blob itself is not exposed.
type InputParam struct {
	Element string `json:"element"`
	Size    int    `json:"size"`
}

// PolicyContext provides context information for policy evaluation.
type PolicyContext struct {
	// Source names where the blob came from ("inbox", "cli").
	Source string `json:"source,omitempty"`

	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`
}

// NewInput describes a decoded graph for policy evaluation. names may be
// nil; it is used to fill in template names.
func NewInput(meta wiring.Metadata, g *wiring.Graph, names func(wiring.TemplateID) string) *Input {
	in := &Input{
		Origin: meta.Origin,
		Mode:   "full",
		Flags: InputFlags{
			HotSwap:         meta.Flags.Has(wiring.FlagHotSwap),
			Diff:            meta.Flags.Has(wiring.FlagUpdateDiff),
			MergeParameters: meta.Flags.Has(wiring.FlagMergeParameters),
			Wiring:          meta.Flags.Has(wiring.FlagWiringSection),
			Parameters:      meta.Flags.Has(wiring.FlagParamSection),
		},
		Elements: []InputElement{},
		Wires:    []InputWire{},
		Params:   []InputParam{},
	}
	switch {
	case !in.Flags.Wiring:
		in.Mode = "parameters"
	case in.Flags.HotSwap:
		in.Mode = "hot_swap"
	}
	if g == nil {
		return in
	}
	in.Catalogued = names != nil

	for _, k := range g.Elements() {
		el := InputElement{ID: k.String(), Template: uint16(k.Template), Instance: k.Instance}
		if in.Catalogued {
			el.Name = names(k.Template)
		}
		in.Elements = append(in.Elements, el)
	}
	for _, grp := range g.Groups {
		w := InputWire{From: InputEndpoint{Element: grp.Source.Key().String(), Port: grp.Source.Port}}
		for _, d := range grp.Destinations {
			w.To = append(w.To, InputEndpoint{Element: d.Key().String(), Port: d.Port})
		}
		in.Wires = append(in.Wires, w)
	}
	for _, p := range g.Params {
		in.Params = append(in.Params, InputParam{Element: p.Key().String(), Size: len(p.Blob)})
	}
	return in
}

// PolicyBundle represents a collection of related policies.
type PolicyBundle struct {
	// Name is the unique name of the bundle.
	Name string `json:"name"`

	// Version is the bundle version.
	Version string `json:"version"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Policies are the policies in this bundle.
	Policies []Policy `json:"policies"`

	// CreatedAt is when the bundle was created.
	CreatedAt time.Time `json:"created_at"`
}
