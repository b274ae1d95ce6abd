package descriptor

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/topo/pkg/types"
)

const projectsDescriptor = `
name: projects
networks:
  internal: {}
volumes:
  pgdata: {}
services:
  db:
    image: postgres:16
    environment:
      POSTGRES_USER: projects
      POSTGRES_PASSWORD:
      POSTGRES_DB: ${POSTGRES_DB:-projects}
    ports: ["54320:5432"]
    volumes: ["./pgdata:/var/lib/postgresql/data"]
    networks: [internal]
    healthcheck: {type: postgres, port: 5432, interval: 1s, retries: 3}
  app:
    build: {context: ., tag: projects-app:latest}
    environment:
      - DB_URI=postgresql://projects@db:5432/projects
    depends_on:
      db: {condition: service_healthy}
    ports: ["8001:8000"]
    networks: [internal]
`

func loadString(t *testing.T, doc string) (*Topology, error) {
	t.Helper()
	return Load(strings.NewReader(doc), LoadOptions{BaseDir: t.TempDir()})
}

func TestLoad_ProjectsDescriptor(t *testing.T) {
	topo, err := loadString(t, projectsDescriptor)
	require.NoError(t, err)

	d := topo.Descriptor
	assert.Equal(t, "projects", d.Name)
	assert.Equal(t, StateLoaded, topo.State())
	require.Len(t, d.Services, 2)

	db := d.Service("db")
	require.NotNil(t, db)
	assert.Equal(t, "postgres:16", db.Image)
	assert.Equal(t, []types.PortMapping{{HostPort: 54320, ContainerPort: 5432}}, db.Ports)
	assert.Equal(t, types.MountTypeBind, db.Volumes[0].Type)
	assert.Equal(t, "/var/lib/postgresql/data", db.Volumes[0].Target)
	assert.Equal(t, types.EnvInherit, db.Binding("POSTGRES_PASSWORD").Source)
	assert.Equal(t, types.EnvTemplate, db.Binding("POSTGRES_DB").Source)
	assert.Equal(t, types.EnvLiteral, db.Binding("POSTGRES_USER").Source)
	require.NotNil(t, db.HealthCheck)
	assert.Equal(t, types.HealthCheckPostgres, db.HealthCheck.Type)
	assert.Equal(t, time.Second, db.HealthCheck.Interval)
	assert.Equal(t, 3, db.HealthCheck.Retries)
	assert.Equal(t, DefaultProbeTimeout, db.HealthCheck.Timeout)

	app := d.Service("app")
	require.NotNil(t, app)
	assert.Equal(t, "projects-app:latest", app.ImageRef(d.Name))
	assert.Equal(t, []types.Dependency{{Service: "db", Condition: types.ConditionServiceHealthy}}, app.DependsOn)
	assert.Equal(t, "postgresql://projects@db:5432/projects", app.Binding("DB_URI").Value)
}

func TestLoad_Malformed(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"empty document", ``},
		{"services not a mapping", "services: [a, b]"},
		{"missing image and build", "services:\n  app:\n    ports: [\"8001:8000\"]"},
		{"image and build", "services:\n  app:\n    image: nginx\n    build: ."},
		{"bad port", "services:\n  app:\n    image: nginx\n    ports: [\"eighty:80\"]"},
		{"port out of range", "services:\n  app:\n    image: nginx\n    ports: [\"70000:80\"]"},
		{"relative container path", "services:\n  app:\n    image: nginx\n    volumes: [\"./data:data\"]"},
		{"anonymous volume", "services:\n  app:\n    image: nginx\n    volumes: [\"/data\"]"},
		{"home directory", "services:\n  app:\n    image: nginx\n    volumes: [\"~/data:/data\"]"},
		{"unknown healthcheck", "services:\n  app:\n    image: nginx\n    healthcheck: {type: grpc, port: 80}"},
		{"bad duration", "services:\n  app:\n    image: nginx\n    ports: [\"80:80\"]\n    healthcheck: {type: tcp, port: 80, interval: soon}"},
		{"env key twice", "services:\n  app:\n    image: nginx\n    environment: [\"A=1\", \"A=2\"]"},
		{"unknown condition", "services:\n  app:\n    image: nginx\n    depends_on:\n      db: {condition: service_completed}"},
		{"unknown restart", "services:\n  app:\n    image: nginx\n    restart: sometimes"},
		{"unknown env schema", "services:\n  app:\n    image: nginx\n    env_schema: mysql"},
		{"bad project name", "name: \"my project\"\nservices:\n  app:\n    image: nginx"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadString(t, tt.doc)
			require.Error(t, err)
			assert.True(t, errors.Is(err, types.ErrMalformed), "got %v", err)
		})
	}
}

func TestLoad_DuplicateServiceIdentity(t *testing.T) {
	doc := `
services:
  app:
    image: nginx
  app:
    image: httpd
`
	_, err := loadString(t, doc)
	require.Error(t, err)

	var dup *types.DuplicateIdentityError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, "service", dup.Kind)
	assert.Equal(t, "app", dup.Key)
}

func TestLoad_DuplicateHostPort(t *testing.T) {
	doc := `
services:
  web:
    image: nginx
    ports: ["8001:80"]
  app:
    image: projects-app
    ports: ["8001:8000"]
`
	_, err := loadString(t, doc)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrDuplicateIdentity)

	var dup *types.DuplicateIdentityError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, []string{"web", "app"}, dup.Services)
	assert.Contains(t, err.Error(), "web")
	assert.Contains(t, err.Error(), "app")
	assert.Contains(t, err.Error(), "8001")
}

func TestLoad_SameHostPortDifferentProtocol(t *testing.T) {
	doc := `
services:
  dns:
    image: coredns
    ports: ["5353:53/udp"]
  api:
    image: api
    ports: ["5353:8080"]
`
	_, err := loadString(t, doc)
	assert.NoError(t, err)
}

func TestLoad_DefaultNetwork(t *testing.T) {
	topo, err := loadString(t, "services:\n  app:\n    image: nginx")
	require.NoError(t, err)

	assert.Equal(t, []string{DefaultNetwork}, topo.Descriptor.Service("app").Networks)
	require.Contains(t, topo.Descriptor.Networks, DefaultNetwork)
	assert.False(t, topo.Descriptor.Networks[DefaultNetwork].External)
}

func TestLoad_ProjectNameFromBaseDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "Projects")
	require.NoError(t, os.Mkdir(dir, 0755))

	topo, err := Load(strings.NewReader("services:\n  app:\n    image: nginx"), LoadOptions{BaseDir: dir})
	require.NoError(t, err)
	assert.Equal(t, "projects", topo.Project())

	topo, err = Load(strings.NewReader("name: demo\nservices:\n  app:\n    image: nginx"), LoadOptions{BaseDir: dir, ProjectName: "Override"})
	require.NoError(t, err)
	assert.Equal(t, "override", topo.Project())
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "topo.yaml")
	require.NoError(t, os.WriteFile(path, []byte(projectsDescriptor), 0644))

	topo, err := LoadFile(path, LoadOptions{})
	require.NoError(t, err)
	assert.Equal(t, dir, topo.Descriptor.BaseDir)
	assert.Equal(t, filepath.Join(dir, "pgdata"), topo.HostPath(topo.Descriptor.Service("db").Volumes[0]))

	_, err = LoadFile(filepath.Join(dir, "missing.yaml"), LoadOptions{})
	assert.Error(t, err)
}

func TestParsePort(t *testing.T) {
	tests := []struct {
		in      string
		want    types.PortMapping
		wantErr bool
	}{
		{in: "8000", want: types.PortMapping{ContainerPort: 8000}},
		{in: "8001:8000", want: types.PortMapping{HostPort: 8001, ContainerPort: 8000}},
		{in: "127.0.0.1:54320:5432", want: types.PortMapping{HostIP: "127.0.0.1", HostPort: 54320, ContainerPort: 5432}},
		{in: "53:53/udp", want: types.PortMapping{HostPort: 53, ContainerPort: 53, Protocol: "udp"}},
		{in: "", wantErr: true},
		{in: "1:2:3:4", wantErr: true},
		{in: "localhost:80:80", wantErr: true},
		{in: "80:80/sctp", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePort(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseMount(t *testing.T) {
	tests := []struct {
		in      string
		want    types.VolumeMount
		wantErr bool
	}{
		{in: "./pgdata:/var/lib/postgresql/data", want: types.VolumeMount{Type: types.MountTypeBind, Source: "./pgdata", Target: "/var/lib/postgresql/data"}},
		{in: "/srv/conf:/etc/app:ro", want: types.VolumeMount{Type: types.MountTypeBind, Source: "/srv/conf", Target: "/etc/app", ReadOnly: true}},
		{in: "pgdata:/data:rw", want: types.VolumeMount{Type: types.MountTypeVolume, Source: "pgdata", Target: "/data"}},
		{in: "pgdata:/data:rx", wantErr: true},
		{in: "pgdata:data", wantErr: true},
		{in: "/data", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMount(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLoad_LongForms(t *testing.T) {
	doc := `
services:
  app:
    image: projects-app
    command: uvicorn app.main:app --host 0.0.0.0
    ports:
      - target: 8000
        published: 8001
    volumes:
      - type: volume
        source: cache
        target: /cache
        read_only: true
    networks:
      internal: {}
    env_file: .env
    restart: unless-stopped
networks:
  internal: {}
volumes:
  cache: {}
`
	topo, err := loadString(t, doc)
	require.NoError(t, err)

	app := topo.Descriptor.Service("app")
	assert.Equal(t, []string{"uvicorn", "app.main:app", "--host", "0.0.0.0"}, app.Command)
	assert.Equal(t, []types.PortMapping{{HostPort: 8001, ContainerPort: 8000}}, app.Ports)
	assert.Equal(t, []types.VolumeMount{{Type: types.MountTypeVolume, Source: "cache", Target: "/cache", ReadOnly: true}}, app.Volumes)
	assert.Equal(t, []string{"internal"}, app.Networks)
	assert.Equal(t, []string{".env"}, app.EnvFiles)
	assert.Equal(t, types.RestartUnlessStopped, app.Restart)
}
