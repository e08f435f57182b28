// Package monitoring provides the observability service: an OpenTelemetry
// meter backed by a Prometheus exporter on its own registry, pipeline
// instruments for validations, cache lookups, enhancements and workflow
// durations, and a Recorder that additionally folds samples into the store's
// daily metric rollups so usage statistics survive restarts. When disabled
// the service degrades to a no-op meter and every record call stays safe.
package monitoring
