// Package flywheel carries the module's build identity.
package flywheel

// Version is the platform release version, stamped at build time:
//
//	go build -ldflags "-X github.com/draftmill/flywheel.Version=v0.4.0"
//
// The telemetry provider reports it as the service.version resource
// attribute on every span.
var Version = "development"
