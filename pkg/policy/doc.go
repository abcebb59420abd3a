// Package policy admits or denies wiring graphs with Open Policy Agent
// (OPA) Rego policies before they reach the installer.
//
// # Architecture
//
// The policy system consists of four main components:
//
//  1. Engine - Compiles policies and evaluates their deny sets
//  2. Loader - Loads policies from files, directories and bundles, and watches them
//  3. Types - Policies, the evaluation Input, violations and decisions
//  4. Built-in Policies - Checks every node runs unless they are disabled
//
// # Usage
//
//	engine, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//
//	meta, graph, err := wiring.Decompile(blob)
//	if err != nil {
//	    return err
//	}
//
//	decision, err := engine.Admit(ctx, policy.NewInput(meta, graph, names))
//	if err != nil {
//	    return err
//	}
//	if !decision.Allowed {
//	    return fmt.Errorf("denied: %s", strings.Join(decision.Denials(), "; "))
//	}
//
// # Input
//
// Policies see the decoded graph as input:
//
//	{
//	  "origin": 144,
//	  "mode": "full" | "hot_swap" | "parameters",
//	  "flags": {"hot_swap", "diff", "merge_parameters", "wiring", "parameters"},
//	  "elements": [{"id": "0x0001/0", "template": 1, "instance": 0, "name": "source"}],
//	  "wires": [{"from": {"element", "port"}, "to": [{"element", "port"}]}],
//	  "params": [{"element", "size"}],
//	  "catalogued": true,
//	  "context": {"source", "timestamp"}
//	}
//
// # Built-in Policies
//
//  1. fan-out-limit - An output may feed at most MaxFanOut inputs
//  2. known-templates - Every template must be in the node catalogue
//  3. self-loops - Warns about elements wired to themselves
//  4. install-mode - Warns about diff updates installed as full and hot swaps that replace saved parameters
//  5. orphan-parameters - Reports parameter records for elements the graph does not wire
//
// # Custom Policies
//
// Custom policies live at or below the engine's package root
// (DefaultPackage unless WithPackage says otherwise) and contribute a deny
// set of strings or objects:
//
//	# Keeps graphs small on constrained nodes.
//	# severity: error
//	package vire.admission.size
//
//	import rego.v1
//
//	deny contains violation if {
//	    count(input.elements) > 8
//	    violation := {
//	        "message": sprintf("graph has %d elements", [count(input.elements)]),
//	        "severity": "error",
//	    }
//	}
//
// # Severity Levels
//
// Only error and critical violations deny a graph. info and warning
// violations are reported in the Decision and the graph is installed.
//
// # Hot Reload
//
// Engine.Watch reloads the policy set whenever a watched file changes. A
// reload that fails to compile leaves the previous set in place.
package policy
