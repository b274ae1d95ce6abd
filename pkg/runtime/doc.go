/*
Package runtime defines the container runtime topo materializes topologies on,
and its Docker, containerd and in-memory backends.

The deploy package only talks to the Runtime interface. A backend turns a
ServiceSpec into a container, reports its state back as a ServiceState
(created, running, exited, failed) and creates or looks up the networks and
named volumes a project uses.

# Architecture

	┌──────────────────────── deploy.Deployer ────────────────────────┐
	│   EnsureNetwork / EnsureVolume / CreateService / StartService   │
	└───────────────────────────────┬─────────────────────────────────┘
	                                │ runtime.Runtime
	        ┌───────────────────────┼────────────────────────┐
	        ▼                       ▼                        ▼
	┌───────────────┐     ┌───────────────────┐     ┌─────────────────┐
	│ DockerRuntime │     │ ContainerdRuntime │     │  MemoryRuntime  │
	│ Engine API    │     │ host netns        │     │ dry runs, tests │
	│ bridge nets   │     │ iptables REDIRECT │     │                 │
	│ engine volumes│     │ local volume dirs │     │                 │
	└───────────────┘     └───────────────────┘     └─────────────────┘

# Naming

Runtime objects are derived from the project name so that two projects never
collide and a re-apply finds what the previous apply created:

	container   <project>-<service>       projects-db
	network     <project>_<network>       projects_internal
	volume      <project>_<volume>        projects_pgdata

External networks and volumes keep their declared name.

# Labels

Every container carries the labels io.topo.project, io.topo.service,
io.topo.image and io.topo.ports (the declared port mappings as JSON).
InspectService and ListServices rebuild a ServiceState from these labels, so
conflicts are detected against what topo declared, not against whatever the
engine reports after its own defaults.

# containerd

The containerd backend does not set up container networking. Containers join
the host network namespace; an owned network is recorded as a label on the
containerd namespace and an external network must exist as a CNI
configuration under /etc/cni/net.d. A published port that differs from the
container port is redirected with iptables (see network.HostPortPublisher).
Named volumes are directories managed by volume.LocalDriver.
*/
package runtime
