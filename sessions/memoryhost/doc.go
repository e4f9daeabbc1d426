// Package memoryhost provides an in-memory sessions.Host for tests and
// single-process deployments. Records expire on the host's clock; a janitor
// goroutine, started with the first insert and stopped by Close, reclaims
// expired records.
package memoryhost
