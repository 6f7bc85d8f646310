// Package sinks implements progress consumers: structured logging and topic publishing.
package sinks
