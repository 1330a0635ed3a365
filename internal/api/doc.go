// Package api hosts the HTTP server, middleware, and REST handlers that
// trigger and inspect scrape sessions. Notable routes:
//   - GET /healthz and /readyz for probes; readyz pings the store.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/sessions to start a session, GET /v1/sessions/{id} to follow it,
//     POST /v1/sessions/{id}/stop to stop it before its next source.
//   - GET /v1/sources and POST /v1/sources/{id}/run for single-source runs.
//   - GET /v1/waiting-jobs and POST /v1/waiting-jobs/process for categorization
//     work deferred while LLM credit was short.
package api
