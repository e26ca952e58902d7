// Package metrics declares the Prometheus collectors exported by the broker
// and the /metrics HTTP handler. Collectors are registered at init and
// incremented directly by the owning packages.
package metrics
