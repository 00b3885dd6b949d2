// Package cryptoutil provides the cryptographic primitives used for
// credential-at-rest protection and content fingerprinting.
//
// It supports:
//   - PBKDF2-SHA256 key derivation from locally re-derivable material
//   - AES-256-GCM sealed records in a fixed self-contained layout
//   - Constant-time hash comparison to prevent timing side-channels
//   - SHA-256 hashing utilities
package cryptoutil
