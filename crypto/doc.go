// Package crypto implements the cryptography of the AirPlay receiver.
//
// It covers the pair-setup/pair-verify exchange and the key derivation
// used by the audio and mirroring streams:
//
//   - [PairingEngine]: long-term Ed25519 identity and the two-step
//     Curve25519 verification handshake
//   - [DeriveSharedSecret]: X25519 scalar multiplication
//   - [AudioKey], [MirroringKeys]: stream cipher keys derived from the
//     FairPlay-unwrapped AES key and the pair-verify shared secret
//
// # Pair-Verify
//
//	engine, _ := crypto.NewPairingEngine(crypto.DefaultIdentitySeed())
//	resp, err := engine.PairVerify(sess, body) // step 1 returns ours||encryptedSignature
//	_, err = engine.PairVerify(sess, body2)     // step 2 records sess.PairVerified
//
// Hashes are SHA-512 over the concatenation of their inputs and are
// truncated to 16 bytes wherever an AES-128 key or IV is needed.
//
// Sensitive intermediates are wiped with [ZeroBytes] once they are no
// longer needed. Logging never includes key material beyond short prefixes.
package crypto
