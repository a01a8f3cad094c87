// Package password hashes and verifies the one-time session passwords handed out when the
// host accepts a connection request.
//
// Hashes use Argon2id in the PHC string format. Verify treats the stored hash as untrusted
// input and refuses parameters far above the configured cost.
package password
