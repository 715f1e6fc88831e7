// Package answer defines the AnswerSet accumulated by a questionnaire run and
// the canonical encoding used to compare, hash and persist it.
//
// An AnswerSet is partial: any field may be absent. Callers never mutate a
// Set they did not create; use Clone or With to derive a new one. Two sets
// are the same content when their canonical encodings are byte-identical.
//
// # Canonical Encoding
//
//   - Object keys sorted by UTF-16 code units (RFC 8785)
//   - Strings NFC normalized, no HTML escaping
//   - Integral numbers printed without exponent or fraction
//   - time.Time values printed as RFC 3339 strings
//
// The canonical form is what the autosave coordinator hashes to decide
// whether the remote draft already reflects the latest local edit.
package answer
