// Package config reads node configuration and graph descriptions.
//
// # Node configuration
//
// NodeConfig is loaded from YAML on top of DefaultNodeConfig and validated
// with struct tags plus the engine and telemetry rules.
//
// # Graph descriptions
//
// A GraphSpec names elements by alias and wires "alias:port" endpoints:
//
//	mode: "hot_swap"
//	elements: {
//		src:   {template: 0x0001}
//		scale: {template: 0x0004}
//		sink:  {template: 0x0006}
//	}
//	wires: [
//		{from: "src:0", to: ["scale:0"]},
//		{from: "scale:0", to: ["sink:0"]},
//	]
//	params: [{element: "scale", data: [3]}]
//
// GraphParser accepts the same structure as CUE (files, directories of
// files unified together, or inline source), YAML/JSON, or a Starlark
// script that assigns it to the global "graph". Scripts may use
// endpoint(alias, port) and wire(from, *to). Every description is
// unified with the built-in #Graph schema and must compile: aliases
// resolve, ports are in range and every element is used.
//
// Compile turns a GraphSpec into a wiring.Graph and the action flags it
// requests; Blob encodes it. FromGraph goes the other way for inspection.
package config
