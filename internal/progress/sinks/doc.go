// Package sinks implements progress consumers: structured logging,
// Prometheus collectors and run-completion notifications.
package sinks
