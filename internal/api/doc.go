// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/search to aggregate listings across sources.
//   - /v1/sessions, /v1/applications and /v1/tasks to run and inspect
//     application attempts.
//   - /v1/jobs and /v1/resumes for stored listings and application context.
package api
