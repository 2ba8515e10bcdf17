// Package api hosts the HTTP server, middleware, and REST handlers. Notable
// routes:
//   - POST /webhook receives collection deliveries; GET /webhook?batchId=
//     returns a batch from the store or the local backup.
//   - POST /trigger starts an upstream collection job (API key protected).
//   - GET/POST/PUT/DELETE /jobs and POST /jobs/repair for operator access.
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
package api
