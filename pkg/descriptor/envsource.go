package descriptor

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/joho/godotenv"

	"github.com/cuemby/topo/pkg/types"
)

// LoadEnvironment builds the operator environment. Every value in envFile
// (if it exists) is an override. From the process environment only the
// variables d inherits (a key without a value) or references in a template
// are taken, and those win over the file. Unrelated variables such as PATH
// or LANG never contradict a service's literal values.
func LoadEnvironment(envFile string, d *types.Descriptor) (map[string]string, error) {
	env := make(map[string]string)

	if envFile != "" {
		values, err := godotenv.Read(envFile)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read env file %s: %w", envFile, err)
		}
		for k, v := range values {
			env[k] = v
		}
	}

	for _, name := range OperatorVariables(d) {
		if v, ok := os.LookupEnv(name); ok {
			env[name] = v
		}
	}
	return env, nil
}

// OperatorVariables returns the variable names d reads from the operator
// environment, sorted
func OperatorVariables(d *types.Descriptor) []string {
	seen := make(map[string]bool)
	for _, svc := range d.Services {
		for _, b := range svc.Environment {
			switch b.Source {
			case types.EnvInherit:
				seen[b.Key] = true
			case types.EnvTemplate:
				for _, name := range referencedVariables(b.Value) {
					seen[name] = true
				}
			}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// readEnvFiles reads a service's env_file entries in order; later files win
func readEnvFiles(d *types.Descriptor, svc *types.Service) (map[string]string, error) {
	out := make(map[string]string)
	for _, name := range svc.EnvFiles {
		path := name
		if !filepath.IsAbs(path) {
			path = filepath.Join(d.BaseDir, path)
		}
		values, err := godotenv.Read(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, &types.DanglingReferenceError{
					Service: svc.Name,
					Kind:    "env_file",
					Name:    name,
					Reason:  "file does not exist",
				}
			}
			return nil, fmt.Errorf("service %q: failed to read env file %s: %w", svc.Name, name, err)
		}
		for k, v := range values {
			out[k] = v
		}
	}
	return out, nil
}
