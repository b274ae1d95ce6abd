/*
Package types defines the core data structures used throughout topo.

It holds the declared topology (Descriptor, Service, Network, Volume, VolumeMount,
EnvBinding, PortMapping, Dependency, HealthCheck), the resolved environment handed
to a container runtime, the per-service apply outcome and the stored Revision
record. It also defines the error taxonomy shared by every other package.

# Error Taxonomy

Each typed error carries the offending service or network identity and matches
one sentinel class with errors.Is:

	MalformedDescriptorError  -> ErrMalformed
	DuplicateIdentityError    -> ErrDuplicateIdentity
	DanglingReferenceError    -> ErrDanglingReference
	AmbiguousOverrideError    -> ErrAmbiguousOverride
	ConflictError             -> ErrConflict
	TimeoutError              -> ErrTimeout
	RuntimeUnavailableError   -> ErrRuntimeUnavailable

Callers that need the identity use errors.As:

	var dangling *types.DanglingReferenceError
	if errors.As(err, &dangling) {
		fmt.Println("missing", dangling.Kind, dangling.Name)
	}

# Secrets

Resolved environments mark secret values. Environment.Redacted and
ServiceRecord.Environment never contain a secret value; RedactedValue is stored
in its place.
*/
package types
