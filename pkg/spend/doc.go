// Package spend meters usage and cost per virtual key.
//
// Every completed inference request produces a record: tokens, computed
// cost, latency, and outcome. Records are written asynchronously to
// Postgres request_logs and fanned out to configured callbacks (webhook,
// S3 archival, Prometheus counters). Recording must never fail a client
// response; all sinks swallow and log their own errors.
//
// Aggregation endpoints read from request_logs directly, while a nightly
// cron rolls finished days up into spend_daily for cheap reporting.
package spend
