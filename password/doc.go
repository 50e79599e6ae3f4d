// Package password hashes new passwords with Argon2id and verifies stored
// hashes at login. Stored bcrypt hashes from an earlier user store are still
// verified, and NeedsRehash reports them so the caller can upgrade them.
//
// Argon2id hashes use the PHC string format:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
//
// Plaintext is taken as raw bytes with no Unicode normalization.
package password
