package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/vireflow/vire/pkg/wiring"
)

// Install modes a graph description may request.
const (
	ModeFull    = "full"
	ModeHotSwap = "hot_swap"
)

// GraphSpec is the authored form of a wiring configuration. Elements are
// named by alias and wires refer to "alias:port" endpoints.
type GraphSpec struct {
	// Origin is the module id stamped into the metadata. Zero selects
	// wiring.DefaultOriginModule.
	Origin uint8 `json:"origin,omitempty" yaml:"origin,omitempty"`

	// Mode is full or hot_swap.
	Mode string `json:"mode,omitempty" yaml:"mode,omitempty" validate:"omitempty,oneof=full hot_swap"`

	// Diff marks the wiring as a diff against the saved wiring table.
	Diff bool `json:"diff,omitempty" yaml:"diff,omitempty"`

	// MergeParameters carries forward saved parameters of elements the
	// update does not mention.
	MergeParameters bool `json:"merge_parameters,omitempty" yaml:"merge_parameters,omitempty"`

	// Elements maps aliases to element identities.
	Elements map[string]ElementSpec `json:"elements,omitempty" yaml:"elements,omitempty" validate:"dive"`

	// Wires connects output ports to input ports.
	Wires []WireSpec `json:"wires,omitempty" yaml:"wires,omitempty" validate:"dive"`

	// Params are parameter blobs addressed by alias.
	Params []ParamSpec `json:"params,omitempty" yaml:"params,omitempty" validate:"dive"`
}

// ElementSpec identifies one element instance.
type ElementSpec struct {
	Template uint16 `json:"template" yaml:"template"`
	Instance uint8  `json:"instance" yaml:"instance"`
}

// WireSpec is one output port and the input ports it feeds.
type WireSpec struct {
	From string   `json:"from" yaml:"from" validate:"required"`
	To   []string `json:"to" yaml:"to" validate:"min=1,dive,required"`
}

// ParamSpec is a parameter blob for one element.
type ParamSpec struct {
	Element string `json:"element" yaml:"element" validate:"required"`
	Data    []int  `json:"data" yaml:"data" validate:"max=255,dive,min=0,max=255"`
}

// Flags returns the action flags the description requests.
func (s *GraphSpec) Flags() wiring.Flags {
	var flags wiring.Flags
	if s.Mode == ModeHotSwap {
		flags |= wiring.FlagHotSwap
	}
	if s.Diff {
		flags |= wiring.FlagUpdateDiff
	}
	if s.MergeParameters {
		flags |= wiring.FlagMergeParameters
	}
	return flags
}

// Compile resolves aliases and returns the wiring graph with the action
// flags to compile it with.
func (s *GraphSpec) Compile() (*wiring.Graph, wiring.Flags, error) {
	g := &wiring.Graph{Origin: s.Origin}
	if g.Origin == 0 {
		g.Origin = wiring.DefaultOriginModule
	}

	used := make(map[string]bool, len(s.Elements))
	resolve := func(ref string) (wiring.Endpoint, error) {
		alias, port, err := splitEndpoint(ref)
		if err != nil {
			return wiring.Endpoint{}, err
		}
		el, ok := s.Elements[alias]
		if !ok {
			return wiring.Endpoint{}, fmt.Errorf("endpoint %q: unknown element %q", ref, alias)
		}
		used[alias] = true
		return wiring.Endpoint{Template: wiring.TemplateID(el.Template), Instance: el.Instance, Port: port}, nil
	}

	for i, w := range s.Wires {
		src, err := resolve(w.From)
		if err != nil {
			return nil, 0, fmt.Errorf("wires[%d].from: %w", i, err)
		}
		grp := wiring.OutputGroup{Source: src}
		for j, to := range w.To {
			dst, err := resolve(to)
			if err != nil {
				return nil, 0, fmt.Errorf("wires[%d].to[%d]: %w", i, j, err)
			}
			grp.Destinations = append(grp.Destinations, dst)
		}
		g.Groups = append(g.Groups, grp)
	}

	for i, p := range s.Params {
		el, ok := s.Elements[p.Element]
		if !ok {
			return nil, 0, fmt.Errorf("params[%d]: unknown element %q", i, p.Element)
		}
		used[p.Element] = true
		blob := make([]byte, len(p.Data))
		for j, v := range p.Data {
			if v < 0 || v > 0xFF {
				return nil, 0, fmt.Errorf("params[%d].data[%d]: %d does not fit a byte", i, j, v)
			}
			blob[j] = byte(v)
		}
		g.Params = append(g.Params, wiring.Param{Template: wiring.TemplateID(el.Template), Instance: el.Instance, Blob: blob})
	}

	for _, alias := range s.aliases() {
		if !used[alias] {
			return nil, 0, fmt.Errorf("element %q is neither wired nor parameterised", alias)
		}
	}

	if err := g.Check(); err != nil {
		return nil, 0, err
	}
	return g, s.Flags(), nil
}

// Blob compiles the description into a configuration blob.
func (s *GraphSpec) Blob() ([]byte, error) {
	g, flags, err := s.Compile()
	if err != nil {
		return nil, err
	}
	return wiring.Compile(g, flags)
}

func (s *GraphSpec) aliases() []string {
	names := make([]string, 0, len(s.Elements))
	for name := range s.Elements {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func splitEndpoint(ref string) (string, uint8, error) {
	i := strings.LastIndexByte(ref, ':')
	if i <= 0 {
		return "", 0, fmt.Errorf("endpoint %q: expected alias:port", ref)
	}
	port, err := strconv.ParseUint(ref[i+1:], 10, 8)
	if err != nil {
		return "", 0, fmt.Errorf("endpoint %q: invalid port: %w", ref, err)
	}
	return ref[:i], uint8(port), nil
}

// NameFunc names a template for generated aliases. It returns "" for
// templates it does not know.
type NameFunc func(wiring.TemplateID) string

// FromGraph turns a decoded configuration back into a description. Aliases
// are "<name>_<instance>" where name comes from names, or the template id
// when names is nil or does not know it.
func FromGraph(meta wiring.Metadata, g *wiring.Graph, names NameFunc) *GraphSpec {
	s := &GraphSpec{
		Origin:          meta.Origin,
		Mode:            ModeFull,
		Diff:            meta.Flags.Has(wiring.FlagUpdateDiff),
		MergeParameters: meta.Flags.Has(wiring.FlagMergeParameters),
		Elements:        make(map[string]ElementSpec),
	}
	if meta.Flags.Has(wiring.FlagHotSwap) {
		s.Mode = ModeHotSwap
	}

	aliases := make(map[wiring.ElementKey]string)
	alias := func(k wiring.ElementKey) string {
		if a, ok := aliases[k]; ok {
			return a
		}
		name := ""
		if names != nil {
			name = names(k.Template)
		}
		if name == "" {
			name = fmt.Sprintf("t%04x", uint16(k.Template))
		}
		a := fmt.Sprintf("%s_%d", name, k.Instance)
		aliases[k] = a
		s.Elements[a] = ElementSpec{Template: uint16(k.Template), Instance: k.Instance}
		return a
	}

	for _, grp := range g.Groups {
		w := WireSpec{From: fmt.Sprintf("%s:%d", alias(grp.Source.Key()), grp.Source.Port)}
		for _, dst := range grp.Destinations {
			w.To = append(w.To, fmt.Sprintf("%s:%d", alias(dst.Key()), dst.Port))
		}
		s.Wires = append(s.Wires, w)
	}
	for _, p := range g.Params {
		data := make([]int, len(p.Blob))
		for i, b := range p.Blob {
			data[i] = int(b)
		}
		s.Params = append(s.Params, ParamSpec{Element: alias(p.Key()), Data: data})
	}
	return s
}
