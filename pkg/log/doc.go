/*
Package log provides structured logging for topo using zerolog.

Init configures the global Logger once, from the CLI flags. Packages derive
child loggers with WithComponent and add project and service fields as they
go:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	logger := log.WithComponent("deploy")
	log.WithService(logger, "db").Info().Str("container", id).Msg("Service ready")

Console output is the default; JSON output is meant for CI logs. Resolved
environment values are never logged, only keys.
*/
package log
