// Package auth provides a concrete implementation of the password digest
// collaborator the core assumes but treats as opaque (spec §1: "a pure
// function hash(pw) -> digest; the core stores only digests").
//
// The wire protocol (spec §6) carries password_digest, not a plaintext
// password: LoginPassword's request already contains the digest, and
// chatlogic.VerifyPassword/CreateAccount only ever compare or store raw
// digest bytes. Hash is the function that produces that digest — it runs
// at the edge (a reference client, or a thin shim in front of the RPC
// surface), never inside chatlogic itself.
//
// A plain salted hash must be deterministic for the same password so two
// independent calls produce byte-identical digests that chatlogic can
// compare for equality; that rules out bcrypt/argon2's per-call random
// salts. blake2b's keyed-MAC mode gives a deterministic, ecosystem
// (golang.org/x/crypto) digest instead of reaching for stdlib sha256.
package auth

import (
	"crypto/subtle"

	"golang.org/x/crypto/blake2b"
)

// pepper is mixed into every digest via blake2b's key parameter. In a real
// deployment this would be an operator-supplied secret loaded through
// config, not a constant; it is fixed here because the hashing
// collaborator itself is explicitly out of this spec's scope (§1) and no
// key-management module exists to own it.
var pepper = []byte("replichat-password-pepper-v1")

// Hash computes the digest stored in User.PasswordDigest / sent as
// LoginPassword's password_digest field.
func Hash(password string) []byte {
	h, err := blake2b.New256(pepper)
	if err != nil {
		// Only returns an error for an oversized key, which pepper never is.
		panic(err)
	}
	h.Write([]byte(password))
	return h.Sum(nil)
}

// Equal does a constant-time comparison of two digests.
func Equal(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
