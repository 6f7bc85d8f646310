// Package api hosts the HTTP server, middleware, and REST handlers. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/crawl and /v1/batch/scrape for job submission.
//   - GET /v1/jobs, GET /v1/jobs/{job_id} and POST /v1/jobs/{job_id}/cancel for the caller's jobs.
//
// Callers are identified by the X-Owner-ID header set by the upstream gateway.
package api
