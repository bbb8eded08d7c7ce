package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// CryptoError is returned by every primitive on malformed input.
// The primitives never panic: a bad key length, nonce size or
// ciphertext comes back as a typed error the caller can classify.
type CryptoError struct {
	Op  string
	Msg string
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("crypto/%s: %s", e.Op, e.Msg)
}

func errf(op, format string, args ...interface{}) *CryptoError {
	return &CryptoError{Op: op, Msg: fmt.Sprintf(format, args...)}
}

const (
	Ed25519PublicKeySize  = ed25519.PublicKeySize
	Ed25519PrivateKeySize = ed25519.PrivateKeySize
	Ed25519SeedSize       = ed25519.SeedSize
	AESGCMNonceSize       = 12
	X25519KeySize         = 32
)

// GenerateEd25519 returns a fresh keypair from the system CSPRNG.
func GenerateEd25519() (pub ed25519.PublicKey, priv ed25519.PrivateKey, err error) {
	pub, priv, err = ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, errf("generate", "entropy source failed: %v", err)
	}
	return pub, priv, nil
}

// Ed25519FromSeed derives a deterministic keypair from a 32-byte seed
// (e.g. the first 32 bytes of a BIP-39 master seed).
func Ed25519FromSeed(seed []byte) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	if len(seed) != Ed25519SeedSize {
		return nil, nil, errf("fromSeed", "seed must be %d bytes, got %d", Ed25519SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return priv.Public().(ed25519.PublicKey), priv, nil
}

// Sign signs msg with an Ed25519 private key.
func Sign(priv ed25519.PrivateKey, msg []byte) ([]byte, error) {
	if len(priv) != Ed25519PrivateKeySize {
		return nil, errf("sign", "private key must be %d bytes, got %d", Ed25519PrivateKeySize, len(priv))
	}
	return ed25519.Sign(priv, msg), nil
}

// Verify reports whether sig is a valid Ed25519 signature of msg.
// A malformed key or signature verifies as false, never panics.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != Ed25519PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// SHA256 returns the SHA-256 digest of b.
func SHA256(b []byte) []byte {
	sum := sha256.Sum256(b)
	return sum[:]
}

// AESGCMSeal encrypts pt under a 32-byte key with AES-256-GCM.
// The authentication tag is appended to the returned ciphertext.
func AESGCMSeal(key, nonce, ad, pt []byte) ([]byte, error) {
	aead, err := newGCM(key, "seal")
	if err != nil {
		return nil, err
	}
	if len(nonce) != AESGCMNonceSize {
		return nil, errf("seal", "nonce must be %d bytes, got %d", AESGCMNonceSize, len(nonce))
	}
	return aead.Seal(nil, nonce, pt, ad), nil
}

// AESGCMOpen decrypts and authenticates ct (tag included).
func AESGCMOpen(key, nonce, ad, ct []byte) ([]byte, error) {
	aead, err := newGCM(key, "open")
	if err != nil {
		return nil, err
	}
	if len(nonce) != AESGCMNonceSize {
		return nil, errf("open", "nonce must be %d bytes, got %d", AESGCMNonceSize, len(nonce))
	}
	pt, err := aead.Open(nil, nonce, ct, ad)
	if err != nil {
		return nil, errf("open", "authentication failed")
	}
	return pt, nil
}

func newGCM(key []byte, op string) (cipher.AEAD, error) {
	if len(key) != 32 {
		return nil, errf(op, "key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errf(op, "cipher init: %v", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errf(op, "gcm init: %v", err)
	}
	return aead, nil
}

// RandomNonce returns a fresh 12-byte GCM nonce.
func RandomNonce() ([]byte, error) {
	nonce := make([]byte, AESGCMNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, errf("nonce", "entropy source failed: %v", err)
	}
	return nonce, nil
}

// Argon2id derives dkLen bytes from pass and salt with the given
// time/memory/parallelism cost parameters.
func Argon2id(pass, salt []byte, t, m uint32, p uint8, dkLen uint32) ([]byte, error) {
	if len(salt) == 0 {
		return nil, errf("argon2id", "empty salt")
	}
	if t == 0 || m == 0 || p == 0 || dkLen == 0 {
		return nil, errf("argon2id", "cost parameters must be non-zero")
	}
	return argon2.IDKey(pass, salt, t, m, p, dkLen), nil
}

// HKDFSHA256 expands ikm into length output bytes.
func HKDFSHA256(ikm, salt, info []byte, length int) ([]byte, error) {
	if length <= 0 || length > 255*sha256.Size {
		return nil, errf("hkdf", "invalid output length %d", length)
	}
	out := make([]byte, length)
	r := hkdf.New(sha256.New, ikm, salt, info)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, errf("hkdf", "expand failed: %v", err)
	}
	return out, nil
}

// X25519 computes the shared secret between a 32-byte scalar and a
// 32-byte peer public point.
func X25519(priv, pub []byte) ([]byte, error) {
	if len(priv) != X25519KeySize || len(pub) != X25519KeySize {
		return nil, errf("x25519", "keys must be %d bytes", X25519KeySize)
	}
	shared, err := curve25519.X25519(priv, pub)
	if err != nil {
		return nil, errf("x25519", "low-order point")
	}
	return shared, nil
}

// X25519Public derives the public point for a 32-byte scalar.
func X25519Public(priv []byte) ([]byte, error) {
	if len(priv) != X25519KeySize {
		return nil, errf("x25519", "scalar must be %d bytes", X25519KeySize)
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, errf("x25519", "basepoint mult failed")
	}
	return pub, nil
}

// X25519Keypair generates an ephemeral X25519 keypair.
func X25519Keypair() (priv, pub []byte, err error) {
	priv = make([]byte, X25519KeySize)
	if _, err := io.ReadFull(rand.Reader, priv); err != nil {
		return nil, nil, errf("x25519", "entropy source failed: %v", err)
	}
	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, errf("x25519", "basepoint mult failed")
	}
	return priv, pub, nil
}

// RandomBytes returns n bytes from the system CSPRNG.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, errf("random", "entropy source failed: %v", err)
	}
	return b, nil
}
