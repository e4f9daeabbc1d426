// Package redishost implements sessions.Host on Redis so that every gateway
// replica observes the same session set.
//
// Design Notes
//   - Records: one string key per session holding the JSON record, written
//     with PX so Redis enforces the sliding timeout.
//   - Live count: a sorted set of session ids scored by expiry (unix ms).
//     Insert, Replace and Remove update it in the same Lua script as the
//     record, and Count prunes expired members before ZCARD, so the count
//     does not drift when records expire on their own.
//   - Capacity: the ceiling is checked inside the insert script, so two
//     replicas racing for the last slot cannot both win.
//
// Example:
//
//	host, err := redishost.NewFromEnv(ctx)
//	if err != nil { ... }
//	store := sessions.NewStore(host, sessions.Config{MaxSessions: 1000})
package redishost
