package descriptor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestRender_RedactsSecrets(t *testing.T) {
	topo := validated(t, projectsDescriptor)
	require.NoError(t, topo.Resolve(map[string]string{"POSTGRES_PASSWORD": "s3cret"}, PolicyStrict))

	out, err := topo.Render()
	require.NoError(t, err)
	assert.NotContains(t, string(out), "s3cret")
	assert.Contains(t, string(out), "***REDACTED***")

	var doc map[string]any
	require.NoError(t, yaml.Unmarshal(out, &doc))
	services := doc["services"].(map[string]any)
	db := services["db"].(map[string]any)
	assert.Equal(t, []any{"54320:5432/tcp"}, db["ports"])
	app := services["app"].(map[string]any)
	assert.Equal(t, "projects-app:latest", app["image"])
}

func TestRender_RequiresResolve(t *testing.T) {
	topo := validated(t, projectsDescriptor)
	_, err := topo.Render()
	assert.Error(t, err)
}

func TestDigest(t *testing.T) {
	overrides := map[string]string{"POSTGRES_PASSWORD": "s3cret"}

	a := validated(t, projectsDescriptor)
	require.NoError(t, a.Resolve(overrides, PolicyStrict))
	b := validated(t, projectsDescriptor)
	require.NoError(t, b.Resolve(overrides, PolicyStrict))

	da, err := a.Digest()
	require.NoError(t, err)
	db, err := b.Digest()
	require.NoError(t, err)
	assert.Equal(t, da, db)
	assert.Len(t, da, 64)

	c := validated(t, projectsDescriptor)
	require.NoError(t, c.Resolve(map[string]string{"POSTGRES_PASSWORD": "s3cret", "POSTGRES_DB": "other"}, PolicyStrict))
	dc, err := c.Digest()
	require.NoError(t, err)
	assert.NotEqual(t, da, dc)
}

func TestInterpolate(t *testing.T) {
	vars := map[string]string{"USER": "projects", "EMPTY": ""}
	lookup := func(name string) (string, bool) {
		v, ok := vars[name]
		return v, ok
	}

	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "plain", want: "plain"},
		{in: "${USER}", want: "projects"},
		{in: "$USER@db", want: "projects@db"},
		{in: "${MISSING:-fallback}", want: "fallback"},
		{in: "${EMPTY:-fallback}", want: "fallback"},
		{in: "${EMPTY-fallback}", want: ""},
		{in: "${MISSING-with-dashes}", want: "with-dashes"},
		{in: "$$USER", want: "$USER"},
		{in: "cost: 5$", want: "cost: 5$"},
		{in: "${MISSING}", wantErr: true},
		{in: "${EMPTY:?must be set}", wantErr: true},
		{in: "${USER", wantErr: true},
		{in: "${1BAD}", wantErr: true},
		{in: "${USER:+set}", want: "set"},
		{in: "${MISSING+set}", want: ""},
		{in: "${MISSING:-${USER}}", want: "projects"},
		{in: "$MISSING", wantErr: true},
		{in: "${MISSING?needed by app}", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := interpolate(tt.in, lookup)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Empty(t, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestInterpolate_MissingNamesVariable(t *testing.T) {
	none := func(string) (string, bool) { return "", false }

	_, err := interpolate("postgresql://${DB_USER}@db/${DB_NAME:-projects}", none)
	var missing *missingVariableError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "DB_USER", missing.Name)

	_, err = interpolate("${DB_PASSWORD:?set it in .env}", none)
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "DB_PASSWORD", missing.Name)
	assert.Equal(t, "set it in .env", missing.Message)
}

func TestReferencedVariables(t *testing.T) {
	assert.Equal(t, []string{"USER", "HOST", "PORT"},
		referencedVariables("postgresql://${USER}@${HOST:-db}:${PORT:-5432}"))
	assert.ElementsMatch(t, []string{"PORT", "DEFAULT_PORT"}, referencedVariables("${PORT:-${DEFAULT_PORT}}"))
	assert.Empty(t, referencedVariables("plain $$HOME"))
}
