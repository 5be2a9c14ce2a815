// Package remote is the HTTP transport to the authority that owns the
// entities.
//
// Client implements engine.RemoteAuthority and engine.LockRenewer for one
// resource. Every request carries an X-Correlation-ID; creates carry the
// pending record's Idempotency-Key so a create replayed after a crash is
// collapsed by the server.
//
// Responses are classified for the sync executor:
//
//	2xx                       success
//	408, 425, 429, 5xx        REMOTE_UNREACHABLE (retried next pass)
//	network error, timeout    REMOTE_UNREACHABLE
//	other 4xx                 REMOTE_REJECTED (discarded with a warning)
package remote
