// Package draft persists the in-progress questionnaire locally.
//
// A Store layers typed accessors over a string key/value backend (KV).
// Four keys are used:
//
//	questionnaire.session_uuid    remote session handle
//	questionnaire.draft           latest answer set (full replacement)
//	questionnaire.attach_pending  remote data not yet bound to an account
//	questionnaire.completed       the run finished
//
// Writes replace the previous value; there is no merge. Reads are
// tolerant: a malformed value is logged and reported as absent, never as
// an error. Backend failures surface as *StorageError.
package draft
