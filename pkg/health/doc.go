/*
Package health implements the readiness probes topo runs before starting a
service that depends on another with condition service_healthy.

Probes run from the host against the dependency's published port, so they
behave the same on every runtime backend:

	tcp       the port accepts a connection
	http      GET on the declared path returns 200-399
	postgres  a login with the service's POSTGRES_* environment succeeds

WaitHealthy repeats a probe every Interval until it succeeds, Retries
consecutive failures have been counted, or the context ends. Failures inside
StartPeriod are not counted. Time to ready is recorded in the
topo_health_probe_duration_seconds histogram.

	checker, err := health.ForService(svc.HealthCheck, host, port, env)
	if err != nil {
		return err
	}
	if _, err := health.WaitHealthy(ctx, checker, health.ConfigFor(svc.HealthCheck)); err != nil {
		return err
	}
*/
package health
