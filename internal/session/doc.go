// Package session is the client for the remote draft session service.
//
// Failures are classified into four codes: NETWORK (transport errors,
// timeouts, 5xx, 408, 429; retryable), SERVER_REJECTED (other 4xx and
// undecodable responses), NOT_FOUND (unknown session) and
// ALREADY_ATTACHED (409 with code already_attached). Retry and
// local-only policy belong to the caller.
package session
