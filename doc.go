// Package conveyor is a connector framework that moves records between
// heterogeneous data systems through a uniform Source/Sink abstraction.
//
// A Source produces bounded batches of records and exposes a resumable
// checkpoint; a Sink consumes batches and reports a per-record delivery
// outcome. The pipeline runner wires one Source to one Sink, retries
// transient failures with bounded exponential backoff, quarantines
// permanently unprocessable records to a rescue Sink, and commits the
// Source checkpoint only once every record of a batch is terminal.
//
// Connector implementations register themselves under a unique type name
// in the process-wide registry (pkg/connector/registry) and are built from
// validated option maps (pkg/config). Adapters for Kafka, MySQL, HTTP
// stream-load backends and JSON-lines files live under pkg/connector.
package conveyor
