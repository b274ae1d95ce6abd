package health

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/cuemby/topo/pkg/metrics"
	"github.com/cuemby/topo/pkg/types"
)

// UnhealthyError is returned when a service exhausts its probe retries
type UnhealthyError struct {
	Type     CheckType
	Attempts int
	Last     Result
}

func (e *UnhealthyError) Error() string {
	return fmt.Sprintf("%s probe failed %d times: %s", e.Type, e.Attempts, e.Last.Message)
}

// ForService builds the checker for a declared healthcheck, probing host:port
// on the host side. Postgres credentials come from the service's resolved
// environment.
func ForService(hc *types.HealthCheck, host string, port int, env types.Environment) (Checker, error) {
	if hc == nil {
		return nil, fmt.Errorf("no healthcheck declared")
	}
	if host == "" || port == 0 {
		return nil, fmt.Errorf("%s healthcheck on port %d is not reachable from the host", hc.Type, hc.Port)
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	timeout := ConfigFor(hc).Timeout

	switch hc.Type {
	case types.HealthCheckTCP:
		return NewTCPChecker(addr).WithTimeout(timeout), nil
	case types.HealthCheckHTTP:
		u := url.URL{Scheme: "http", Host: addr, Path: hc.Path}
		if u.Path == "" {
			u.Path = "/"
		}
		return NewHTTPChecker(u.String()).WithTimeout(timeout), nil
	case types.HealthCheckPostgres:
		user, _ := env.Get("POSTGRES_USER")
		if user == "" {
			user = "postgres"
		}
		password, _ := env.Get("POSTGRES_PASSWORD")
		database, _ := env.Get("POSTGRES_DB")
		if database == "" {
			database = user
		}
		c := NewPostgresChecker(host, port, user, password, database)
		c.Timeout = timeout
		return c, nil
	default:
		return nil, fmt.Errorf("unsupported healthcheck type %q", hc.Type)
	}
}

// WaitHealthy probes until the checker reports healthy, the retries are
// spent, or ctx ends. The elapsed time is recorded per probe type.
func WaitHealthy(ctx context.Context, checker Checker, cfg Config) (Result, error) {
	timer := metrics.NewTimer()
	status := NewStatus()
	attempts := 0
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		attempts++
		result := checker.Check(ctx)
		status.Update(result, cfg)

		if status.Healthy {
			timer.ObserveDurationVec(metrics.HealthProbeDuration, string(checker.Type()))
			return result, nil
		}
		if status.Exhausted(cfg) {
			metrics.HealthProbeFailuresTotal.WithLabelValues(string(checker.Type())).Inc()
			return result, &UnhealthyError{Type: checker.Type(), Attempts: attempts, Last: result}
		}

		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-ticker.C:
		}
	}
}
