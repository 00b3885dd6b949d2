// Package admit moves untrusted content into the portfolio: fetch fully
// into memory, run every validator over the exact bytes, then write a temp
// sibling and rename into place. Nothing is observable at the destination
// until the rename, and a failed commit leaves no temp file behind.
//
// The pipeline holds no per-destination state. Concurrent commits to the
// same destination both validate and race on the rename; the later rename
// wins. Callers that need ordering serialize above this package.
//
// Atomicity relies on rename(2) over a same-directory temp sibling. On
// filesystems without atomic rename the guarantee weakens to best-effort
// replace.
package admit
