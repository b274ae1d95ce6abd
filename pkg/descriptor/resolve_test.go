package descriptor

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/topo/pkg/types"
)

func validated(t *testing.T, doc string) *Topology {
	t.Helper()
	topo, err := loadString(t, doc)
	require.NoError(t, err)
	require.NoError(t, topo.Validate())
	return topo
}

func TestResolve_RequiresValidation(t *testing.T) {
	topo, err := loadString(t, projectsDescriptor)
	require.NoError(t, err)
	assert.Error(t, topo.Resolve(nil, PolicyStrict))
}

func TestResolve_ProjectsDescriptor(t *testing.T) {
	topo := validated(t, projectsDescriptor)

	require.NoError(t, topo.Resolve(map[string]string{"POSTGRES_PASSWORD": "s3cret"}, PolicyStrict))
	assert.Equal(t, StateResolved, topo.State())

	env := topo.Environment("db")
	assert.Equal(t, types.Environment{
		{Key: "POSTGRES_DB", Value: "projects"},
		{Key: "POSTGRES_PASSWORD", Value: "s3cret", Secret: true},
		{Key: "POSTGRES_USER", Value: "projects"},
	}, env)
	assert.Equal(t, types.RedactedValue, env.Redacted()["POSTGRES_PASSWORD"])
}

func TestResolve_Deterministic(t *testing.T) {
	overrides := map[string]string{"POSTGRES_PASSWORD": "s3cret", "POSTGRES_DB": "other"}

	first := validated(t, projectsDescriptor)
	require.NoError(t, first.Resolve(overrides, PolicyStrict))
	second := validated(t, projectsDescriptor)
	require.NoError(t, second.Resolve(overrides, PolicyStrict))

	for _, svc := range first.Descriptor.Services {
		assert.Equal(t, first.Environment(svc.Name), second.Environment(svc.Name))
	}

	// Resolving again on the same topology is stable too
	before := first.Environment("db")
	require.NoError(t, first.Resolve(overrides, PolicyStrict))
	assert.Equal(t, before, first.Environment("db"))
	assert.Equal(t, "other", mustGet(t, before, "POSTGRES_DB"))
}

func mustGet(t *testing.T, env types.Environment, key string) string {
	t.Helper()
	v, ok := env.Get(key)
	require.True(t, ok, "missing %s", key)
	return v
}

func TestResolve_OverridePolicies(t *testing.T) {
	overrides := map[string]string{"POSTGRES_USER": "admin", "POSTGRES_PASSWORD": "pw"}

	tests := []struct {
		policy   OverridePolicy
		wantUser string
		wantErr  bool
	}{
		{policy: PolicyStrict, wantErr: true},
		{policy: PolicyServiceWins, wantUser: "projects"},
		{policy: PolicyOverrideWins, wantUser: "admin"},
	}

	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			topo := validated(t, projectsDescriptor)
			err := topo.Resolve(overrides, tt.policy)
			if tt.wantErr {
				var ambiguous *types.AmbiguousOverrideError
				require.ErrorAs(t, err, &ambiguous)
				assert.Equal(t, "db", ambiguous.Service)
				assert.Equal(t, "POSTGRES_USER", ambiguous.Key)
				assert.Equal(t, StateValidated, topo.State())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantUser, mustGet(t, topo.Environment("db"), "POSTGRES_USER"))
		})
	}
}

func TestResolve_MatchingOverrideIsNotAmbiguous(t *testing.T) {
	topo := validated(t, projectsDescriptor)
	err := topo.Resolve(map[string]string{"POSTGRES_USER": "projects", "POSTGRES_PASSWORD": "pw"}, PolicyStrict)
	assert.NoError(t, err)
}

func TestResolve_MissingRequiredKey(t *testing.T) {
	topo := validated(t, projectsDescriptor)

	err := topo.Resolve(nil, PolicyStrict)
	var dangling *types.DanglingReferenceError
	require.ErrorAs(t, err, &dangling)
	assert.Equal(t, "db", dangling.Service)
	assert.Equal(t, "POSTGRES_PASSWORD", dangling.Name)
	assert.NotContains(t, err.Error(), "s3cret")
}

func TestResolve_Templates(t *testing.T) {
	doc := `
services:
  app:
    image: projects-app
    environment:
      DB_URI: postgresql://${DB_USER}:${DB_PASS-}@db:${DB_PORT:-5432}/projects
      PRICE: $$5
      HOME_DIR: $HOME_DIR
`
	topo := validated(t, doc)
	require.NoError(t, topo.Resolve(map[string]string{"DB_USER": "projects", "HOME_DIR": "/home/app"}, PolicyStrict))

	env := topo.Environment("app")
	assert.Equal(t, "postgresql://projects:@db:5432/projects", mustGet(t, env, "DB_URI"))
	assert.Equal(t, "$5", mustGet(t, env, "PRICE"))
	assert.Equal(t, "/home/app", mustGet(t, env, "HOME_DIR"))

	topo = validated(t, doc)
	err := topo.Resolve(map[string]string{"HOME_DIR": "/"}, PolicyStrict)
	var dangling *types.DanglingReferenceError
	require.ErrorAs(t, err, &dangling)
	assert.Equal(t, "DB_USER", dangling.Name)
}

func TestResolve_EnvFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("DB_URI=postgresql://localhost:54320/projects\nAPI_TOKEN=abc\nDEBUG=false\n"), 0644))

	doc := `
services:
  app:
    image: projects-app
    env_file: .env
    environment:
      LOG_LEVEL: info
`
	topo, err := Load(strings.NewReader(doc), LoadOptions{BaseDir: dir})
	require.NoError(t, err)
	require.NoError(t, topo.Validate())
	require.NoError(t, topo.Resolve(map[string]string{"DEBUG": "true", "UNRELATED": "x"}, PolicyStrict))

	env := topo.Environment("app")
	assert.Equal(t, []string{
		"API_TOKEN=abc",
		"DB_URI=postgresql://localhost:54320/projects",
		"DEBUG=true",
		"LOG_LEVEL=info",
	}, env.Strings())
	assert.Equal(t, types.RedactedValue, env.Redacted()["API_TOKEN"])
}

func TestResolve_MissingEnvFile(t *testing.T) {
	topo := validated(t, "services:\n  app:\n    image: projects-app\n    env_file: missing.env")
	err := topo.Resolve(nil, PolicyStrict)
	assert.ErrorIs(t, err, types.ErrDanglingReference)
}

func TestParseOverridePolicy(t *testing.T) {
	p, err := ParseOverridePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyStrict, p)

	p, err = ParseOverridePolicy("override-wins")
	require.NoError(t, err)
	assert.Equal(t, PolicyOverrideWins, p)

	_, err = ParseOverridePolicy("last-wins")
	assert.Error(t, err)
}

func TestLoadEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("TOPO_TEST_A=from-file\nTOPO_TEST_B=from-file\n"), 0644))
	t.Setenv("TOPO_TEST_B", "from-process")
	t.Setenv("TOPO_TEST_C", "from-process")
	t.Setenv("TOPO_TEST_UNUSED", "from-process")

	d := &types.Descriptor{Services: []*types.Service{{
		Name: "app",
		Environment: []types.EnvBinding{
			{Key: "TOPO_TEST_B", Source: types.EnvInherit},
			{Key: "URL", Value: "http://${TOPO_TEST_C}:${TOPO_TEST_PORT:-8000}", Source: types.EnvTemplate},
		},
	}}}
	assert.Equal(t, []string{"TOPO_TEST_B", "TOPO_TEST_C", "TOPO_TEST_PORT"}, OperatorVariables(d))

	env, err := LoadEnvironment(path, d)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"TOPO_TEST_A": "from-file",
		"TOPO_TEST_B": "from-process",
		"TOPO_TEST_C": "from-process",
	}, env)

	_, err = LoadEnvironment(filepath.Join(dir, "absent.env"), d)
	assert.NoError(t, err)
}

func TestLoadEnvironment_UnrelatedProcessVariables(t *testing.T) {
	t.Setenv("LANG", "en_US.UTF-8")
	t.Setenv("TZ", "Europe/Madrid")

	topo := validated(t, `
name: shop
services:
  app:
    image: shop:1
    environment:
      LANG: C.UTF-8
      TZ: UTC
`)
	overrides, err := LoadEnvironment("", topo.Descriptor)
	require.NoError(t, err)
	assert.Empty(t, overrides)

	require.NoError(t, topo.Resolve(overrides, PolicyStrict))
	lang, _ := topo.Environment("app").Get("LANG")
	assert.Equal(t, "C.UTF-8", lang)
}
