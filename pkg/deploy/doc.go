/*
Package deploy materializes a resolved topology on a container runtime.

# Apply

Apply runs in four phases:

	1. preflight   runtime reachable, external networks and volumes exist,
	               running services match their declaration (unless Replace)
	2. setup       owned networks, then owned named volumes
	3. services    in plan order; service_healthy dependencies are probed
	               before their dependents start
	4. ports       published once every service has been attempted

Nothing is changed when preflight fails. After that, every service ends up
in the report as created, already-running, failed or skipped, and the apply
succeeds only if every non-optional service is created or already-running.
A service whose dependency did not start is skipped.

# Ordering

NewPlan orders services by depends_on. Among services that become ready at
the same time, those with persistent mounts go first, then declaration order,
so a database declared after its application still starts first when nothing
orders the two. With Options.Parallel, a ready batch is split into groups of
services that share no host port, volume or network; each group runs
concurrently.

# Idempotence

Containers are found by name and labels. A running container matching its
declaration is reported already-running and left alone; an exited one is
started again, or recreated if it diverges. Applying the same topology twice
creates nothing the second time.

# Cancellation

The context is checked between services. Services never reached are reported
skipped. When Options.Timeout (or the caller's deadline) expires the error is
a *types.TimeoutError naming the last service attempted.
*/
package deploy
