// Package sessions implements the gateway's shared session registry.
//
// A Session records which transport created it, which client is driving it,
// and an immutable snapshot of the credential that authenticated the
// initialize request. Sessions live in a Host that every gateway replica
// shares, so any replica can serve any session.
//
// Layers & Roles
//
//	Store -> validity rules, sliding expiry, capacity ceiling, error budget
//	Host  -> durable records with TTL plus an atomically maintained live count
//
// Implementations
//
//	memoryhost : single-process host used for tests and local development
//	redishost  : Redis-backed host for horizontally scaled deployments
//
// The Store fails closed: when the Host cannot be reached, CanCreate reports
// false and Create returns an error rather than admitting unbounded sessions.
package sessions
