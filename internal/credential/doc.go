// Package credential resolves, validates, and persists the GitHub token
// the process acts with.
//
// Resolution order is cache, environment, encrypted store. A resolved
// token is format-checked against a strict shape allow-list before any
// network use, then validated with exactly one introspection call, which
// must first pass a rate gate (fixed hourly quota plus a minimum gap
// between attempts). Validation results are cached for the rotation
// window.
//
// The encrypted store derives its key from machine-and-user material
// that is never written anywhere; any decryption failure is treated
// exactly like an absent credential. Raw tokens never appear in logs,
// errors, or events; everything renders through Redact or Display.
package credential
