// Package observability builds the zap logger shared by the gateway
// binaries. Log level and encoding come from ObservabilityConfig; JSON for
// deployments, console for local development.
package observability
