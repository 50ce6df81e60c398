/*
Copyright 2024 The EDA Server Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package rulebook parses rulebook YAML. The worker binary interprets the
// rulebook; the orchestrator parses it only to validate it and to extract
// the source port declarations that become container port mappings.
package rulebook

import (
	"fmt"

	"gopkg.in/yaml.v3"

	enginetypes "github.com/ansible/eda-server-sub000/pkg/containerengine/types"
)

type ruleset struct {
	Name    string                   `yaml:"name"`
	Sources []map[string]interface{} `yaml:"sources"`
}

// Validate reports whether the rulebook parses as a list of rulesets.
func Validate(rulesets string) error {
	var parsed []ruleset
	if err := yaml.Unmarshal([]byte(rulesets), &parsed); err != nil {
		return fmt.Errorf("rulebook is not parseable: %w", err)
	}
	if len(parsed) == 0 {
		return fmt.Errorf("rulebook has no rulesets")
	}
	return nil
}

// ExtractPorts walks every ruleset's sources. Each source is a single-key
// mapping whose value may carry host and port settings; any integer port
// yields a (host, port) pair.
func ExtractPorts(rulesets string) ([]enginetypes.PortMapping, error) {
	var parsed []ruleset
	if err := yaml.Unmarshal([]byte(rulesets), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse rulebook sources: %w", err)
	}

	var out []enginetypes.PortMapping
	seen := map[enginetypes.PortMapping]bool{}
	for _, rs := range parsed {
		for _, source := range rs.Sources {
			for key, value := range source {
				if key == "name" || key == "filters" {
					continue
				}
				args, ok := value.(map[string]interface{})
				if !ok {
					continue
				}
				host, _ := args["host"].(string)
				port, ok := asInt(args["port"])
				if !ok {
					continue
				}
				mapping := enginetypes.PortMapping{Host: host, Port: port}
				if !seen[mapping] {
					seen[mapping] = true
					out = append(out, mapping)
				}
			}
		}
	}
	return out, nil
}

// RequiresAAPToken reports whether any rule action runs a controller job or
// workflow template, which needs an AAP token on the activation.
func RequiresAAPToken(rulesets string) bool {
	var parsed []map[string]interface{}
	if err := yaml.Unmarshal([]byte(rulesets), &parsed); err != nil {
		return false
	}
	for _, rs := range parsed {
		rules, ok := rs["rules"].([]interface{})
		if !ok {
			continue
		}
		for _, r := range rules {
			rule, ok := r.(map[string]interface{})
			if !ok {
				continue
			}
			var actions []interface{}
			if a, ok := rule["action"]; ok {
				actions = append(actions, a)
			}
			if as, ok := rule["actions"].([]interface{}); ok {
				actions = append(actions, as...)
			}
			for _, a := range actions {
				action, ok := a.(map[string]interface{})
				if !ok {
					continue
				}
				for name := range action {
					if name == "run_job_template" || name == "run_workflow_template" {
						return true
					}
				}
			}
		}
	}
	return false
}

func asInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
	}
	return 0, false
}
