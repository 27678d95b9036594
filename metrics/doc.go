// Package metrics holds the Prometheus instruments shared by the pool, the judge and
// the HTTP transport. Instruments are registered on the default registry at init.
package metrics
