// Package api hosts the HTTP server, middleware, and REST handlers of the
// capture service. Routes:
//   - GET /healthz and /readyz for Kubernetes liveness and readiness checks.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/captures with a JSON body, or GET /v1/captures with query
//     parameters, to capture one page.
package api
