// Package metrics defines the Prometheus instruments of the relay service.
package metrics
