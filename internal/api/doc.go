// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/worker/status and /v1/worker/schedule for the scheduled worker.
//   - POST /v1/categories/{name}/run to run a category now (?force=true
//     reprocesses unchanged entries).
//   - GET /v1/categories/{name}/runs for the run log.
//   - POST /v1/search for similarity search over indexed chunks.
package api
