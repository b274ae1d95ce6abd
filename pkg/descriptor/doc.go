/*
Package descriptor implements the topology descriptor: a compose-style YAML
document declaring services, networks and named volumes for one project.

A descriptor moves through a fixed lifecycle before it can be applied:

	Load/LoadFile  ->  Validate  ->  Resolve(overrides, policy)  ->  deploy.Apply
	 unvalidated       validated       resolved                      applied

Load reports syntax problems (MalformedDescriptorError) and identities that
appear twice, including a host port published by two services
(DuplicateIdentityError). Validate checks references between services,
networks and volumes and rejects dependency cycles. Resolve merges the
operator environment into each service; the merge is deterministic and its
result is sorted by key.

# Environment

Each environment entry is one of:

	KEY: value            literal, the service's own value
	KEY:                  inherited from the operator environment
	KEY: ${VAR:-default}  template, interpolated from the operator environment

Values from env_file are defaults an operator value replaces. A literal the
operator contradicts fails with AmbiguousOverrideError unless a policy other
than PolicyStrict is chosen.

Services running a recognized image get an env schema (see LookupEnvSchema)
listing the keys they need. Secret keys are redacted by Render and never
logged.
*/
package descriptor
