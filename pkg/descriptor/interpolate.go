package descriptor

import (
	"errors"
	"fmt"
	"strings"

	"github.com/compose-spec/compose-go/v2/template"
)

// unsetMarker stands in for a plain reference to an unset variable. The
// template package substitutes an empty string there; topo refuses instead.
const unsetMarker = "\x00unset:"

// missingVariableError reports a template reference with no value and no default
type missingVariableError struct {
	Name    string
	Message string
}

func (e *missingVariableError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("variable %s: %s", e.Name, e.Message)
	}
	return fmt.Sprintf("variable %s is not set", e.Name)
}

// interpolate expands a value with compose rules: $VAR, ${VAR},
// ${VAR:-default}, ${VAR-default}, ${VAR:?message}, ${VAR?message},
// ${VAR:+replacement}, ${VAR+replacement}. "$$" is a literal dollar sign.
// A plain reference to an unset variable is an error.
func interpolate(s string, lookup func(string) (string, bool)) (string, error) {
	out, err := template.SubstituteWithOptions(s, func(name string) (string, bool) {
		if v, ok := lookup(name); ok {
			return v, true
		}
		return unsetMarker + name + "\x00", false
	}, template.WithoutLogging)
	if err != nil {
		var required *template.MissingRequiredError
		if errors.As(err, &required) {
			return "", &missingVariableError{Name: required.Variable, Message: required.Reason}
		}
		return "", fmt.Errorf("invalid variable reference in %q: %w", s, err)
	}

	if i := strings.Index(out, unsetMarker); i >= 0 {
		name := out[i+len(unsetMarker):]
		name, _, _ = strings.Cut(name, "\x00")
		return "", &missingVariableError{Name: name}
	}
	return out, nil
}

// referencedVariables returns the names a value may read from the
// environment, including those only reached through a default
func referencedVariables(s string) []string {
	seen := make(map[string]bool)
	var names []string
	record := func(found bool) func(string) (string, bool) {
		return func(name string) (string, bool) {
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
			if found {
				return "x", true
			}
			return "", false
		}
	}
	// Set values stop at the outer name; unset ones walk into defaults
	_, _ = template.SubstituteWithOptions(s, record(true), template.WithoutLogging)
	_, _ = template.SubstituteWithOptions(s, record(false), template.WithoutLogging)
	return names
}
