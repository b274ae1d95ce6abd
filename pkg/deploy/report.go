package deploy

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/topo/pkg/descriptor"
	"github.com/cuemby/topo/pkg/types"
)

// ServiceResult is the outcome of one service in an apply
type ServiceResult struct {
	Name        string
	Image       string
	Status      types.ServiceStatus
	ContainerID string
	Reason      string // Set for failed and skipped services
	Err         error  // Cause of a failure
	Optional    bool
	Duration    time.Duration
}

// String renders the result the way the CLI prints it,
// e.g. "db: created" or "app: skipped(dependency db failed)"
func (r *ServiceResult) String() string {
	if r.Reason == "" {
		return fmt.Sprintf("%s: %s", r.Name, r.Status)
	}
	return fmt.Sprintf("%s: %s(%s)", r.Name, r.Status, r.Reason)
}

// Report summarizes an apply
type Report struct {
	Project    string
	RevisionID string
	Digest     string
	Runtime    string
	StartedAt  time.Time
	Duration   time.Duration

	Networks []string // Networks created by this apply
	Volumes  []string // Volumes created by this apply
	Services []*ServiceResult

	// Declared behaviour the runtime only provides in part
	Warnings []string
}

// Result returns the result of a service, or nil
func (r *Report) Result(name string) *ServiceResult {
	for _, res := range r.Services {
		if res.Name == name {
			return res
		}
	}
	return nil
}

// Succeeded reports whether every required service is created or already running
func (r *Report) Succeeded() bool {
	for _, res := range r.Services {
		if !res.Optional && !res.Status.Succeeded() {
			return false
		}
	}
	return true
}

// Counts returns how many services ended in each status
func (r *Report) Counts() map[types.ServiceStatus]int {
	counts := make(map[types.ServiceStatus]int)
	for _, res := range r.Services {
		counts[res.Status]++
	}
	return counts
}

// Err joins the failures of required services. It is nil when the apply
// succeeded.
func (r *Report) Err() error {
	if r.Succeeded() {
		return nil
	}

	var errs []error
	var skipped []string
	for _, res := range r.Services {
		if res.Optional {
			continue
		}
		switch res.Status {
		case types.StatusFailed:
			cause := res.Err
			if cause == nil {
				cause = errors.New(res.Reason)
			}
			errs = append(errs, fmt.Errorf("service %q failed: %w", res.Name, cause))
		case types.StatusSkipped:
			skipped = append(skipped, res.Name)
		}
	}
	if len(skipped) > 0 {
		errs = append(errs, fmt.Errorf("skipped services: %s", strings.Join(skipped, ", ")))
	}
	return errors.Join(errs...)
}

// Revision converts the report into the record kept in the history store
func (r *Report) Revision(topo *descriptor.Topology) *types.Revision {
	rev := &types.Revision{
		ID:        r.RevisionID,
		Project:   r.Project,
		Digest:    r.Digest,
		Runtime:   r.Runtime,
		AppliedAt: r.StartedAt,
		Succeeded: r.Succeeded(),
	}
	for _, res := range r.Services {
		rec := &types.ServiceRecord{
			Name:        res.Name,
			Image:       res.Image,
			Status:      res.Status,
			ContainerID: res.ContainerID,
			Reason:      res.Reason,
		}
		if svc := topo.Descriptor.Service(res.Name); svc != nil {
			for _, p := range svc.Ports {
				rec.Ports = append(rec.Ports, p.String())
			}
		}
		rec.Environment = topo.Environment(res.Name).Redacted()
		rev.Services = append(rev.Services, rec)
	}
	return rev
}
