// Package httpapi exposes the judge over JSON/HTTP.
//
// Routes:
//
//	POST /v1/execute    scored execution against test cases
//	POST /v1/run        single run with stdin, no scoring
//	GET  /v1/languages  supported language identifiers
//	GET  /v1/instances  pool snapshot
//	GET  /healthz       engine reachability
//	GET  /metrics       Prometheus metrics
//
// Execution routes (and the MCP endpoint when mounted) are rate limited per client.
// A full pool answers 503 with Retry-After.
package httpapi
