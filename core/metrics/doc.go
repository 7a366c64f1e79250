// Package metrics defines the operational events emitted by the service and
// the recorder interfaces sinks implement. Sinks such as PromSink and
// InfluxSink live in infra/metrics and can be combined with NewMultiSink.
package metrics
