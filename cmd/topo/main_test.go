package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/topo/pkg/descriptor"
	"github.com/cuemby/topo/pkg/types"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&types.MalformedDescriptorError{Field: "services", Reason: "missing"}, exitDescriptor},
		{&types.DuplicateIdentityError{Kind: "host port", Key: "8001/tcp"}, exitDescriptor},
		{fmt.Errorf("apply: %w", &types.DanglingReferenceError{Kind: "network", Name: "internal"}), exitDescriptor},
		{&types.UnsupportedError{Runtime: "containerd", Feature: "internal networks", Kind: "network", Name: "backend"}, exitDescriptor},
		{&types.ConflictError{Service: "db", Field: "image"}, exitConflict},
		{&types.RuntimeUnavailableError{Runtime: "docker", Err: context.Canceled}, exitUnavailable},
		{&types.TimeoutError{Service: "db", Err: context.DeadlineExceeded}, exitTimeout},
		{fmt.Errorf("boom"), exitFailure},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, exitCode(tt.err), tt.err.Error())
	}
}

func TestEnvDefault(t *testing.T) {
	t.Setenv("TOPO_TEST_RUNTIME", "containerd")
	assert.Equal(t, "containerd", envDefault("TOPO_TEST_RUNTIME", "docker"))
	t.Setenv("TOPO_TEST_RUNTIME", "")
	assert.Equal(t, "docker", envDefault("TOPO_TEST_RUNTIME", "docker"))
}

func TestShort(t *testing.T) {
	assert.Equal(t, "abc", short("abc", 8))
	assert.Equal(t, "abcdefgh", short("abcdefghij", 8))
}

func TestDryRunApply(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "topo.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
name: shop
services:
  cache:
    image: redis:7
    ports: ["6379:6379"]
  web:
    image: nginx:1.27
    ports: ["8080:80"]
    depends_on: [cache]
    environment:
      CACHE_URL: redis://cache:${CACHE_PORT:-6379}
`), 0644))

	rootCmd.SetArgs([]string{"apply", "--dry-run", "-f", file, "--state-dir", dir, "--log-level", "error"})
	require.NoError(t, rootCmd.Execute())

	rootCmd.SetArgs([]string{"validate", "--resolve", "-f", file})
	require.NoError(t, rootCmd.Execute())
}

func TestPrintTable(t *testing.T) {
	var buf bytes.Buffer
	printTable(&buf, []string{"SERVICE", "STATE", "IMAGE"}, [][]string{
		{"cache", "running", "redis:7"},
		{"web", "created", "nginx:1.27"},
	})

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, []string{"SERVICE", "STATE", "IMAGE"}, strings.Fields(lines[0]))
	assert.Equal(t, []string{"cache", "running", "redis:7"}, strings.Fields(lines[1]))
	assert.Equal(t, []string{"web", "created", "nginx:1.27"}, strings.Fields(lines[2]))

	// Columns line up
	assert.Equal(t, strings.Index(lines[0], "STATE"), strings.Index(lines[1], "running"))
	assert.NotContains(t, buf.String(), "|")
}

func TestDryRunApply_ExternalResources(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "topo.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
name: billing
services:
  db:
    image: postgres:16
    networks: [shared]
    volumes:
      - ledger:/var/lib/postgresql/data
networks:
  shared:
    external: true
volumes:
  ledger:
    external: true
`), 0644))

	rootCmd.SetArgs([]string{"apply", "--dry-run", "-f", file, "--state-dir", dir, "--log-level", "error"})
	require.NoError(t, rootCmd.Execute())
}

func TestSeededMemoryRuntime(t *testing.T) {
	topo := descriptor.New(&types.Descriptor{
		Networks: map[string]*types.Network{
			"shared":  {Name: "shared", External: true},
			"default": {Name: "default"},
		},
		Volumes: map[string]*types.Volume{
			"ledger": {Name: "ledger", External: true},
			"cache":  {Name: "cache"},
		},
	})
	rt := seededMemoryRuntime(topo)
	ctx := context.Background()

	exists, err := rt.NetworkExists(ctx, "shared")
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = rt.NetworkExists(ctx, "default")
	require.NoError(t, err)
	assert.False(t, exists)

	exists, err = rt.VolumeExists(ctx, "ledger")
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = rt.VolumeExists(ctx, "cache")
	require.NoError(t, err)
	assert.False(t, exists)
}
