package descriptor

import (
	"errors"
	"fmt"
	"sort"

	"github.com/cuemby/topo/pkg/types"
)

// OverridePolicy decides what happens when an operator override
// contradicts an explicit per-service value
type OverridePolicy string

const (
	// PolicyStrict fails with AmbiguousOverrideError
	PolicyStrict OverridePolicy = "strict"
	// PolicyServiceWins keeps the per-service value
	PolicyServiceWins OverridePolicy = "service-wins"
	// PolicyOverrideWins takes the operator value
	PolicyOverrideWins OverridePolicy = "override-wins"
)

// ParseOverridePolicy parses a policy name; empty means strict
func ParseOverridePolicy(s string) (OverridePolicy, error) {
	switch p := OverridePolicy(s); p {
	case "":
		return PolicyStrict, nil
	case PolicyStrict, PolicyServiceWins, PolicyOverrideWins:
		return p, nil
	default:
		return "", fmt.Errorf("unknown override policy %q (strict, service-wins, override-wins)", s)
	}
}

// Resolve merges operator-supplied values into every service environment.
//
// Precedence per key: explicit per-service value, then the override, then
// defaults (template defaults and env_file values). A literal that an
// override contradicts is an AmbiguousOverrideError under PolicyStrict.
// Overrides are read once; calling Resolve again with the same overrides
// yields identical environments.
func (t *Topology) Resolve(overrides map[string]string, policy OverridePolicy) error {
	if err := t.requireState(StateValidated, "resolve"); err != nil {
		return err
	}
	if policy == "" {
		policy = PolicyStrict
	}

	env := make(map[string]types.Environment, len(t.Descriptor.Services))
	for _, svc := range t.Descriptor.Services {
		resolved, err := resolveService(t.Descriptor, svc, overrides, policy)
		if err != nil {
			return err
		}
		env[svc.Name] = resolved
	}

	t.env = env
	if t.state < StateResolved {
		t.state = StateResolved
	}
	return nil
}

func resolveService(d *types.Descriptor, svc *types.Service, overrides map[string]string, policy OverridePolicy) (types.Environment, error) {
	fileValues, err := readEnvFiles(d, svc)
	if err != nil {
		return nil, err
	}

	values := make(map[string]string)

	// Env files are the lowest layer; an override for one of their keys replaces it
	for k, v := range fileValues {
		if o, ok := overrides[k]; ok {
			v = o
		}
		values[k] = v
	}

	lookup := func(name string) (string, bool) {
		v, ok := overrides[name]
		return v, ok
	}

	for _, b := range svc.Environment {
		override, hasOverride := overrides[b.Key]

		switch b.Source {
		case types.EnvLiteral:
			if hasOverride && override != b.Value {
				switch policy {
				case PolicyOverrideWins:
					values[b.Key] = override
					continue
				case PolicyServiceWins:
				default:
					return nil, &types.AmbiguousOverrideError{Service: svc.Name, Key: b.Key}
				}
			}
			values[b.Key] = b.Value

		case types.EnvInherit:
			if hasOverride {
				values[b.Key] = override
			}
			// Otherwise keep an env_file value if there is one; an unset key is omitted

		case types.EnvTemplate:
			v, err := interpolate(b.Value, lookup)
			if err != nil {
				var missing *missingVariableError
				if errors.As(err, &missing) {
					return nil, &types.DanglingReferenceError{
						Service: svc.Name,
						Kind:    "env",
						Name:    missing.Name,
						Reason:  fmt.Sprintf("referenced by %s: %s", b.Key, missing.Error()),
					}
				}
				return nil, &types.MalformedDescriptorError{Service: svc.Name, Field: "environment", Reason: err.Error()}
			}
			values[b.Key] = v
		}
	}

	schema := SchemaFor(svc)
	if schema != nil {
		for _, key := range schema.Required() {
			if v, ok := values[key]; !ok || v == "" {
				return nil, &types.DanglingReferenceError{
					Service: svc.Name,
					Kind:    "env",
					Name:    key,
					Reason:  fmt.Sprintf("required by the %s env schema but not supplied", schema.Name),
				}
			}
		}
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(types.Environment, 0, len(keys))
	for _, k := range keys {
		out = append(out, types.EnvVar{Key: k, Value: values[k], Secret: IsSecret(schema, k)})
	}
	return out, nil
}
