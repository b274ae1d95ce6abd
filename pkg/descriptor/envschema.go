package descriptor

import (
	"sort"
	"strings"

	"github.com/cuemby/topo/pkg/types"
)

// SchemaNone disables env schema inference for a service
const SchemaNone = "none"

// EnvKey is one recognized key of an env schema
type EnvKey struct {
	Name     string
	Kind     types.EnvKind
	Required bool
}

// EnvSchema enumerates the recognized environment keys of a kind of service
type EnvSchema struct {
	Name string
	Keys []EnvKey

	// Images whose repository matches one of these select the schema implicitly
	Images []string
}

// Key returns the schema entry for name, or nil
func (s *EnvSchema) Key(name string) *EnvKey {
	for i := range s.Keys {
		if s.Keys[i].Name == name {
			return &s.Keys[i]
		}
	}
	return nil
}

// Required returns the names of required keys in schema order
func (s *EnvSchema) Required() []string {
	var out []string
	for _, k := range s.Keys {
		if k.Required {
			out = append(out, k.Name)
		}
	}
	return out
}

var envSchemas = map[string]*EnvSchema{
	"postgres": {
		Name: "postgres",
		Keys: []EnvKey{
			{Name: "POSTGRES_USER", Kind: types.EnvKindCredential, Required: true},
			{Name: "POSTGRES_PASSWORD", Kind: types.EnvKindSecret, Required: true},
			{Name: "POSTGRES_DB", Kind: types.EnvKindPlain},
		},
		Images: []string{"postgres"},
	},
}

// LookupEnvSchema returns the built-in schema with the given name, or nil
func LookupEnvSchema(name string) *EnvSchema {
	return envSchemas[name]
}

// EnvSchemaNames lists the built-in schemas
func EnvSchemaNames() []string {
	names := make([]string, 0, len(envSchemas))
	for name := range envSchemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SchemaFor returns the env schema that applies to a service: the one it
// names explicitly, or the one inferred from its image repository.
func SchemaFor(svc *types.Service) *EnvSchema {
	switch svc.EnvSchema {
	case SchemaNone:
		return nil
	case "":
	default:
		return LookupEnvSchema(svc.EnvSchema)
	}

	if svc.Image == "" {
		return nil
	}
	repo := imageRepository(svc.Image)
	for _, schema := range envSchemas {
		for _, img := range schema.Images {
			if repo == img {
				return schema
			}
		}
	}
	return nil
}

// imageRepository strips registry, namespace, tag and digest: "docker.io/library/postgres:16" -> "postgres"
func imageRepository(ref string) string {
	if i := strings.Index(ref, "@"); i >= 0 {
		ref = ref[:i]
	}
	if i := strings.LastIndex(ref, "/"); i >= 0 {
		ref = ref[i+1:]
	}
	if i := strings.Index(ref, ":"); i >= 0 {
		ref = ref[:i]
	}
	return strings.ToLower(ref)
}

var secretMarkers = []string{"PASSWORD", "SECRET", "TOKEN", "PRIVATE_KEY"}

// IsSecret reports whether a key holds a secret for the given schema.
// Keys outside the schema are treated as secret when their name suggests so.
func IsSecret(schema *EnvSchema, key string) bool {
	if schema != nil {
		if k := schema.Key(key); k != nil {
			return k.Kind == types.EnvKindSecret
		}
	}
	upper := strings.ToUpper(key)
	for _, marker := range secretMarkers {
		if strings.Contains(upper, marker) {
			return true
		}
	}
	return false
}
