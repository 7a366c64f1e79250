// Package infra contains technical adapters: the MQTT broker session,
// metrics sinks, Sentry reporting and the zerolog logger. These packages
// should depend only on the interfaces defined in the core packages.
package infra
