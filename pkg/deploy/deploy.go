package deploy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cuemby/topo/pkg/descriptor"
	"github.com/cuemby/topo/pkg/events"
	"github.com/cuemby/topo/pkg/health"
	"github.com/cuemby/topo/pkg/log"
	"github.com/cuemby/topo/pkg/metrics"
	"github.com/cuemby/topo/pkg/runtime"
	"github.com/cuemby/topo/pkg/storage"
	"github.com/cuemby/topo/pkg/types"
)

// Prober waits until a service passes its declared healthcheck
type Prober interface {
	WaitHealthy(ctx context.Context, svc *types.Service, env types.Environment) error
}

// HealthProber probes services from the host through their published ports
type HealthProber struct{}

// WaitHealthy runs the service's healthcheck until it passes or gives up
func (HealthProber) WaitHealthy(ctx context.Context, svc *types.Service, env types.Environment) error {
	host, port := descriptor.ProbeAddress(svc)
	checker, err := health.ForService(svc.HealthCheck, host, port, env)
	if err != nil {
		return err
	}
	_, err = health.WaitHealthy(ctx, checker, health.ConfigFor(svc.HealthCheck))
	return err
}

// Options controls a single apply
type Options struct {
	// Replace recreates running services that diverge from the descriptor
	// instead of failing with a ConflictError
	Replace bool

	// Parallel materializes independent services of the same step concurrently
	Parallel bool

	// MaxParallel bounds concurrent services in a step (0 means unbounded)
	MaxParallel int

	// Timeout bounds the whole apply (0 means no deadline)
	Timeout time.Duration

	// StopTimeout is the grace period when a container is replaced
	StopTimeout time.Duration
}

// Deployer materializes resolved topologies on a runtime
type Deployer struct {
	runtime runtime.Runtime
	store   storage.Store
	broker  *events.Broker
	prober  Prober
	logger  zerolog.Logger
}

// Option configures a Deployer
type Option func(*Deployer)

// WithStore records every apply as a revision
func WithStore(s storage.Store) Option {
	return func(d *Deployer) { d.store = s }
}

// WithBroker publishes progress events
func WithBroker(b *events.Broker) Option {
	return func(d *Deployer) { d.broker = b }
}

// WithProber replaces the readiness prober
func WithProber(p Prober) Option {
	return func(d *Deployer) { d.prober = p }
}

// NewDeployer creates a deployer for rt
func NewDeployer(rt runtime.Runtime, opts ...Option) *Deployer {
	d := &Deployer{
		runtime: rt,
		prober:  HealthProber{},
		logger:  log.WithComponent("deploy"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Deployer) publish(ev *events.Event) {
	if d.broker != nil {
		d.broker.Publish(ev)
	}
}

// apply holds the state of one Apply call
type apply struct {
	*Deployer
	topo   *descriptor.Topology
	opts   Options
	logger zerolog.Logger

	mu            sync.Mutex
	results       map[string]*ServiceResult
	healthy       map[string]bool
	lastAttempted string
}

func (a *apply) project() string { return a.topo.Project() }

func (a *apply) setResult(res *ServiceResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.results[res.Name] = res
}

func (a *apply) result(name string) *ServiceResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.results[name]
}

func (a *apply) attempt(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastAttempted = name
}

// Apply materializes a resolved topology. Services already running as
// declared are left alone, so applying the same topology twice creates
// nothing the second time.
//
// Preflight problems (runtime unreachable, missing external network or
// volume, a running service that diverges) are returned before anything is
// created, with a nil report. Otherwise the report lists every service and
// the error is nil only if every required service is up.
func (d *Deployer) Apply(ctx context.Context, topo *descriptor.Topology, opts Options) (*Report, error) {
	if topo.State() < descriptor.StateResolved {
		return nil, fmt.Errorf("cannot apply a topology that is %s (must be %s first)", topo.State(), descriptor.StateResolved)
	}
	if opts.StopTimeout == 0 {
		opts.StopTimeout = runtime.DefaultStopTimeout
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	timer := metrics.NewTimer()
	a := &apply{
		Deployer: d,
		topo:     topo,
		opts:     opts,
		logger:   log.WithProject(d.logger, topo.Project()),
		results:  make(map[string]*ServiceResult),
		healthy:  make(map[string]bool),
	}

	plan, err := NewPlan(topo.Descriptor, opts.Parallel)
	if err != nil {
		return nil, err
	}

	if err := d.runtime.Ping(ctx); err != nil {
		metrics.ApplyRunsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}
	warnings, err := a.preflight(ctx)
	if err != nil {
		metrics.ApplyRunsTotal.WithLabelValues("rejected").Inc()
		a.logger.Error().Err(err).Msg("Preflight failed, nothing was changed")
		return nil, err
	}
	for _, w := range warnings {
		a.logger.Warn().Msg(w)
	}

	digest, err := topo.Digest()
	if err != nil {
		return nil, err
	}
	report := &Report{
		Project:    topo.Project(),
		RevisionID: uuid.NewString(),
		Digest:     digest,
		Runtime:    d.runtime.Name(),
		StartedAt:  time.Now().UTC(),
		Warnings:   warnings,
	}

	d.publish(&events.Event{Type: events.EventApplyStarted, Project: report.Project, Message: digest})
	a.logger.Info().
		Str("revision", report.RevisionID).
		Strs("order", plan.Order()).
		Bool("parallel", opts.Parallel).
		Msg("Applying topology")

	setupErr := a.setup(ctx, report)
	if setupErr == nil {
		a.runPlan(ctx, plan)
		a.publishPorts(ctx)
	}

	for _, svc := range topo.Descriptor.Services {
		res := a.result(svc.Name)
		if res == nil {
			reason := "not attempted"
			switch {
			case setupErr != nil:
				reason = "network or volume setup failed"
			case ctx.Err() != nil:
				reason = ctx.Err().Error()
			}
			res = &ServiceResult{Name: svc.Name, Image: svc.ImageRef(report.Project), Status: types.StatusSkipped, Reason: reason, Optional: svc.Optional}
		}
		report.Services = append(report.Services, res)
		metrics.ServiceResultsTotal.WithLabelValues(string(res.Status)).Inc()
	}
	report.Duration = timer.Duration()
	timer.ObserveDuration(metrics.ApplyDuration)

	applyErr := setupErr
	switch {
	case applyErr != nil:
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		applyErr = &types.TimeoutError{Service: a.lastAttempted, Err: ctx.Err()}
	case ctx.Err() != nil:
		applyErr = fmt.Errorf("apply of %s cancelled: %w", report.Project, ctx.Err())
	default:
		applyErr = report.Err()
	}

	if d.store != nil {
		if err := d.store.SaveRevision(report.Revision(topo)); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to record revision")
		}
	}

	result := "success"
	evType := events.EventApplyCompleted
	if applyErr != nil {
		evType = events.EventApplyFailed
		result = "failed"
		if errors.Is(applyErr, types.ErrTimeout) {
			result = "timeout"
		}
	}
	metrics.ApplyRunsTotal.WithLabelValues(result).Inc()
	d.publish(&events.Event{Type: evType, Project: report.Project, Message: fmt.Sprintf("%v", report.Counts())})

	if applyErr != nil {
		a.logger.Error().Err(applyErr).Dur("duration", report.Duration).Msg("Apply failed")
		return report, applyErr
	}
	topo.MarkApplied()
	a.logger.Info().Dur("duration", report.Duration).Msg("Apply complete")
	return report, nil
}

// preflight checks everything that can make the apply fail before it
// changes anything
func (a *apply) preflight(ctx context.Context) ([]string, error) {
	desc := a.topo.Descriptor

	var warnings []string
	if checker, ok := a.runtime.(runtime.NetworkChecker); ok {
		var err error
		if warnings, err = checker.CheckNetworks(a.networkSpecs()); err != nil {
			return nil, err
		}
	}

	for _, name := range desc.NetworkNames() {
		n := desc.Networks[name]
		if !n.External {
			continue
		}
		ok, err := a.runtime.NetworkExists(ctx, n.Name)
		if err != nil {
			return nil, fmt.Errorf("inspect network %s: %w", n.Name, err)
		}
		if !ok {
			return nil, &types.DanglingReferenceError{Kind: "network", Name: name, Reason: "external network does not exist"}
		}
	}

	for _, name := range desc.VolumeNames() {
		v := desc.Volumes[name]
		if !v.External {
			continue
		}
		ok, err := a.runtime.VolumeExists(ctx, v.Name)
		if err != nil {
			return nil, fmt.Errorf("inspect volume %s: %w", v.Name, err)
		}
		if !ok {
			return nil, &types.DanglingReferenceError{Kind: "volume", Name: name, Reason: "external volume does not exist"}
		}
	}

	if a.opts.Replace {
		return warnings, nil
	}
	for _, svc := range desc.Services {
		state, err := a.runtime.InspectService(ctx, a.project(), svc.Name)
		if err != nil {
			return nil, fmt.Errorf("inspect service %s: %w", svc.Name, err)
		}
		if state == nil || !state.Running() {
			continue
		}
		if conflict := diverges(state, svc, a.project()); conflict != nil {
			return nil, conflict
		}
	}
	return warnings, nil
}

// diverges compares a container with its declaration
func diverges(state *runtime.ServiceState, svc *types.Service, project string) *types.ConflictError {
	if image := svc.ImageRef(project); state.Image != image {
		return &types.ConflictError{Service: svc.Name, Field: "image", Running: state.Image, Desired: image}
	}
	if !types.PortsEqual(state.Ports, svc.Ports) {
		return &types.ConflictError{
			Service: svc.Name,
			Field:   "ports",
			Running: formatPorts(state.Ports),
			Desired: formatPorts(svc.Ports),
		}
	}
	return nil
}

func formatPorts(ports []types.PortMapping) string {
	s := "["
	for i, p := range ports {
		if i > 0 {
			s += " "
		}
		s += p.String()
	}
	return s + "]"
}

// networkSpecs returns the owned networks sorted by name
func (a *apply) networkSpecs() []runtime.NetworkSpec {
	desc := a.topo.Descriptor
	var specs []runtime.NetworkSpec
	for _, name := range desc.NetworkNames() {
		n := desc.Networks[name]
		if n.External {
			continue
		}
		specs = append(specs, runtime.NetworkSpec{
			Name:     runtime.NetworkName(a.project(), n),
			Project:  a.project(),
			Network:  name,
			Driver:   n.Driver,
			Internal: n.Internal,
		})
	}
	return specs
}

// setup creates the owned networks, then the owned named volumes
func (a *apply) setup(ctx context.Context, report *Report) error {
	desc := a.topo.Descriptor

	for _, spec := range a.networkSpecs() {
		_, created, err := a.runtime.EnsureNetwork(ctx, spec)
		if err != nil {
			return fmt.Errorf("create network %s: %w", spec.Name, err)
		}
		if created {
			report.Networks = append(report.Networks, spec.Name)
			metrics.NetworksCreatedTotal.Inc()
			a.publish(&events.Event{Type: events.EventNetworkCreated, Project: a.project(), Message: spec.Name})
			a.logger.Info().Str("network", spec.Name).Msg("Created network")
		}
	}

	for _, name := range desc.VolumeNames() {
		v := desc.Volumes[name]
		if v.External {
			continue
		}
		rtName := runtime.VolumeName(a.project(), v)
		created, err := a.runtime.EnsureVolume(ctx, runtime.VolumeSpec{
			Name:    rtName,
			Project: a.project(),
			Volume:  name,
			Driver:  v.Driver,
		})
		if err != nil {
			return fmt.Errorf("create volume %s: %w", rtName, err)
		}
		if created {
			report.Volumes = append(report.Volumes, rtName)
			metrics.VolumesCreatedTotal.Inc()
			a.publish(&events.Event{Type: events.EventVolumeCreated, Project: a.project(), Message: rtName})
			a.logger.Info().Str("volume", rtName).Msg("Created volume")
		}
	}
	return nil
}

// runPlan walks the plan step by step. Cancellation is checked between
// steps; services never reached stay without a result and are reported
// skipped.
func (a *apply) runPlan(ctx context.Context, plan *Plan) {
	for _, step := range plan.Steps {
		if ctx.Err() != nil {
			return
		}
		if len(step) == 1 {
			a.runService(ctx, step[0])
			continue
		}

		var g errgroup.Group
		if a.opts.MaxParallel > 0 {
			g.SetLimit(a.opts.MaxParallel)
		}
		for _, svc := range step {
			g.Go(func() error {
				a.runService(ctx, svc)
				return nil
			})
		}
		_ = g.Wait()
	}
}

func (a *apply) runService(ctx context.Context, svc *types.Service) {
	start := time.Now()
	logger := log.WithService(a.logger, svc.Name)
	res := &ServiceResult{Name: svc.Name, Image: svc.ImageRef(a.project()), Optional: svc.Optional}
	defer func() {
		res.Duration = time.Since(start)
		a.setResult(res)
		a.publishResult(res)
	}()

	for _, dep := range svc.DependsOn {
		depRes := a.result(dep.Service)
		if depRes == nil || !depRes.Status.Succeeded() {
			res.Status = types.StatusSkipped
			res.Reason = fmt.Sprintf("dependency %s did not start", dep.Service)
			logger.Warn().Str("dependency", dep.Service).Msg("Skipping service")
			return
		}
	}

	if ctx.Err() != nil {
		res.Status = types.StatusSkipped
		res.Reason = ctx.Err().Error()
		return
	}
	a.attempt(svc.Name)

	for _, dep := range svc.DependsOn {
		if dep.Condition != types.ConditionServiceHealthy {
			continue
		}
		if err := a.waitHealthy(ctx, dep.Service); err != nil {
			res.Status = types.StatusFailed
			res.Err = err
			res.Reason = fmt.Sprintf("dependency %s not healthy: %v", dep.Service, err)
			logger.Error().Err(err).Str("dependency", dep.Service).Msg("Dependency did not become healthy")
			return
		}
	}

	status, id, err := a.materialize(ctx, svc, logger)
	res.Status = status
	res.ContainerID = id
	if err != nil {
		res.Status = types.StatusFailed
		res.Err = err
		res.Reason = err.Error()
		logger.Error().Err(err).Msg("Service failed")
		return
	}
	logger.Info().Str("status", string(status)).Str("container", id).Msg("Service ready")
}

func (a *apply) waitHealthy(ctx context.Context, name string) error {
	a.mu.Lock()
	done := a.healthy[name]
	a.mu.Unlock()
	if done {
		return nil
	}

	dep := a.topo.Descriptor.Service(name)
	a.logger.Info().Str("service", name).Msg("Waiting for service to become healthy")
	if err := a.prober.WaitHealthy(ctx, dep, a.topo.Environment(name)); err != nil {
		return err
	}

	a.mu.Lock()
	a.healthy[name] = true
	a.mu.Unlock()
	a.publish(&events.Event{Type: events.EventServiceHealthy, Project: a.project(), Service: name})
	return nil
}

// materialize brings one service to running. It returns the resulting
// status and container ID.
func (a *apply) materialize(ctx context.Context, svc *types.Service, logger zerolog.Logger) (types.ServiceStatus, string, error) {
	for _, m := range svc.Volumes {
		if m.Type != types.MountTypeBind {
			continue
		}
		path := a.topo.HostPath(m)
		if _, err := os.Stat(path); err != nil {
			return types.StatusFailed, "", &types.DanglingReferenceError{
				Service: svc.Name,
				Kind:    "path",
				Name:    path,
				Reason:  "bind source does not exist",
			}
		}
	}

	state, err := a.runtime.InspectService(ctx, a.project(), svc.Name)
	if err != nil {
		return types.StatusFailed, "", fmt.Errorf("inspect: %w", err)
	}

	if state != nil {
		conflict := diverges(state, svc, a.project())
		switch {
		case state.Running() && conflict == nil:
			return types.StatusAlreadyRunning, state.ID, nil
		case conflict == nil:
			logger.Info().Str("state", string(state.State)).Msg("Starting existing container")
			if err := a.runtime.StartService(ctx, state.ID); err != nil {
				return types.StatusFailed, state.ID, fmt.Errorf("start: %w", err)
			}
			return types.StatusCreated, state.ID, nil
		default:
			logger.Info().Str("field", conflict.Field).Msg("Recreating diverged container")
			if state.Running() {
				if err := a.runtime.StopService(ctx, state.ID, a.opts.StopTimeout); err != nil {
					return types.StatusFailed, state.ID, fmt.Errorf("stop: %w", err)
				}
			}
			if err := a.runtime.RemoveService(ctx, state.ID); err != nil {
				return types.StatusFailed, state.ID, fmt.Errorf("remove: %w", err)
			}
		}
	}

	id, err := a.runtime.CreateService(ctx, a.serviceSpec(svc))
	if err != nil {
		return types.StatusFailed, "", fmt.Errorf("create: %w", err)
	}
	a.publish(&events.Event{Type: events.EventServiceCreated, Project: a.project(), Service: svc.Name, Message: id})

	if err := a.runtime.StartService(ctx, id); err != nil {
		return types.StatusFailed, id, fmt.Errorf("start: %w", err)
	}
	return types.StatusCreated, id, nil
}

func (a *apply) serviceSpec(svc *types.Service) *runtime.ServiceSpec {
	project := a.project()
	desc := a.topo.Descriptor
	image := svc.ImageRef(project)

	spec := &runtime.ServiceSpec{
		Project:       project,
		Service:       svc.Name,
		ContainerName: runtime.ContainerName(project, svc.Name),
		Image:         image,
		Env:           a.topo.Environment(svc.Name).Strings(),
		Ports:         svc.Ports,
		Command:       svc.Command,
		Restart:       svc.Restart,
		Labels:        runtime.ServiceLabels(project, svc.Name, image, svc.Ports, svc.Labels),
	}

	for _, m := range svc.Volumes {
		mount := m
		if m.Type == types.MountTypeBind {
			mount.Source = a.topo.HostPath(m)
		} else if v, ok := desc.Volumes[m.Source]; ok {
			mount.Source = runtime.VolumeName(project, v)
		}
		spec.Mounts = append(spec.Mounts, mount)
	}

	for _, name := range svc.Networks {
		n, ok := desc.Networks[name]
		if !ok {
			continue
		}
		spec.Networks = append(spec.Networks, runtime.NetworkAttachment{
			Name:    runtime.NetworkName(project, n),
			Aliases: []string{svc.Name},
		})
	}
	return spec
}

// publishPorts runs after every service has been attempted. Services that
// were brought up before a cancellation or deadline still get their ports,
// so a created service is never left unreachable.
func (a *apply) publishPorts(ctx context.Context) {
	if ctx.Err() != nil {
		ctx = context.WithoutCancel(ctx)
	}
	for _, svc := range a.topo.Descriptor.Services {
		res := a.result(svc.Name)
		if res == nil || !res.Status.Succeeded() || len(svc.Ports) == 0 {
			continue
		}
		state, err := a.runtime.InspectService(ctx, a.project(), svc.Name)
		if err == nil && state != nil {
			err = a.runtime.PublishPorts(ctx, state)
		}
		if err != nil {
			res.Status = types.StatusFailed
			res.Err = fmt.Errorf("publish ports: %w", err)
			res.Reason = res.Err.Error()
			a.logger.Error().Err(err).Str("service", svc.Name).Msg("Failed to publish ports")
		}
	}
}

func (a *apply) publishResult(res *ServiceResult) {
	var t events.EventType
	switch res.Status {
	case types.StatusCreated:
		t = events.EventServiceStarted
	case types.StatusAlreadyRunning:
		t = events.EventServiceAlreadyRunning
	case types.StatusFailed:
		t = events.EventServiceFailed
	default:
		t = events.EventServiceSkipped
	}
	a.publish(&events.Event{
		Type:     t,
		Project:  a.project(),
		Service:  res.Name,
		Message:  res.Reason,
		Metadata: map[string]string{"container": res.ContainerID},
	})
}

// DownOptions controls a teardown
type DownOptions struct {
	RemoveVolumes bool
	StopTimeout   time.Duration
}

// DownReport lists what a teardown removed
type DownReport struct {
	Services []string
	Networks []string
	Volumes  []string
}

// Down stops and removes the project's containers, dependents before their
// dependencies, then its owned networks and optionally its named volumes.
// Containers of the project that are no longer declared go first. External
// networks and volumes are never touched.
func (d *Deployer) Down(ctx context.Context, topo *descriptor.Topology, opts DownOptions) (*DownReport, error) {
	if topo.State() < descriptor.StateValidated {
		return nil, fmt.Errorf("cannot tear down a topology that is %s (must be %s first)", topo.State(), descriptor.StateValidated)
	}
	if opts.StopTimeout == 0 {
		opts.StopTimeout = runtime.DefaultStopTimeout
	}
	if err := d.runtime.Ping(ctx); err != nil {
		return nil, err
	}

	project := topo.Project()
	logger := log.WithProject(d.logger, project)
	plan, err := NewPlan(topo.Descriptor, false)
	if err != nil {
		return nil, err
	}

	states, err := d.runtime.ListServices(ctx, project)
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	byService := make(map[string]*runtime.ServiceState, len(states))
	for _, s := range states {
		byService[s.Service] = s
	}

	var order []*runtime.ServiceState
	for _, s := range states {
		if topo.Descriptor.Service(s.Service) == nil {
			order = append(order, s)
		}
	}
	for _, svc := range plan.Reverse() {
		if s, ok := byService[svc.Name]; ok {
			order = append(order, s)
		}
	}

	report := &DownReport{}
	for _, s := range order {
		if err := d.runtime.StopService(ctx, s.ID, opts.StopTimeout); err != nil {
			return report, fmt.Errorf("stop %s: %w", s.Service, err)
		}
		if err := d.runtime.RemoveService(ctx, s.ID); err != nil {
			return report, fmt.Errorf("remove %s: %w", s.Service, err)
		}
		report.Services = append(report.Services, s.Service)
		d.publish(&events.Event{Type: events.EventServiceRemoved, Project: project, Service: s.Service})
		logger.Info().Str("service", s.Service).Msg("Removed service")
	}

	for _, name := range topo.Descriptor.NetworkNames() {
		n := topo.Descriptor.Networks[name]
		if n.External {
			continue
		}
		rtName := runtime.NetworkName(project, n)
		if err := d.runtime.RemoveNetwork(ctx, rtName); err != nil {
			return report, fmt.Errorf("remove network %s: %w", rtName, err)
		}
		report.Networks = append(report.Networks, rtName)
		d.publish(&events.Event{Type: events.EventNetworkRemoved, Project: project, Message: rtName})
	}

	if opts.RemoveVolumes {
		for _, name := range topo.Descriptor.VolumeNames() {
			v := topo.Descriptor.Volumes[name]
			if v.External {
				continue
			}
			rtName := runtime.VolumeName(project, v)
			if err := d.runtime.RemoveVolume(ctx, rtName); err != nil {
				return report, fmt.Errorf("remove volume %s: %w", rtName, err)
			}
			report.Volumes = append(report.Volumes, rtName)
			d.publish(&events.Event{Type: events.EventVolumeRemoved, Project: project, Message: rtName})
		}
	}

	logger.Info().Int("services", len(report.Services)).Msg("Project torn down")
	return report, nil
}

// Status returns the containers of a project
func (d *Deployer) Status(ctx context.Context, project string) ([]*runtime.ServiceState, error) {
	if err := d.runtime.Ping(ctx); err != nil {
		return nil, err
	}
	return d.runtime.ListServices(ctx, project)
}
