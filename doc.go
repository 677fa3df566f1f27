// Package accounts provides account security and lifecycle primitives:
// JWT issuance with refresh token rotation and revocation, a persisted
// account state machine, and the batch sweeps that move accounts through it.
//
// Account lifecycle:
//   - Accounts carry an AccountState persisted via Bun. Every write is
//     guarded by the state observed when the row was read, a concurrent
//     change surfaces as ErrStateConflict instead of a lost update.
//   - Directory owns signup, suspension, wake up, leave and profile edits.
//     Scheduled jobs use the same methods as interactive callers.
//   - Dormant accounts have their identity and credentials moved into a
//     SleeperRecord. Their name, email and phone stay reserved until the
//     account wakes up.
//
// Tokens:
//   - TokenService signs HS512 access and refresh tokens. An access token
//     always points at its parent refresh token, revoking the parent revokes
//     every child.
//   - Refresh tokens are reused until half of their lifetime elapsed, then
//     rotated on the next refresh.
//
// Activity sinks:
//   - ActivitySink receives signup, login, refresh and state change events.
//     Sinks run best effort, errors are logged and never fail the operation.
package accounts
