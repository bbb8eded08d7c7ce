package identity

import (
	"bytes"
	"crypto/ed25519"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/multiformats/go-multibase"

	"github.com/clawnet/claw-node/internal/crypto"
)

// DIDPrefix is the method prefix for every identity on the mesh.
const DIDPrefix = "did:claw:"

// AddressPrefix is the human-readable prefix of checksummed addresses.
const AddressPrefix = "claw"

// AddressVersion is the single version byte currently in use.
const AddressVersion = 0x00

const checksumLen = 4

// ErrKind distinguishes malformed encodings from checksum failures.
type ErrKind string

const (
	Malformed   ErrKind = "Malformed"
	BadChecksum ErrKind = "BadChecksum"
)

// Error is the typed failure for every codec operation in this package.
type Error struct {
	Kind ErrKind
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("identity/%s: %s", e.Kind, e.Msg)
}

func errMalformed(format string, args ...interface{}) *Error {
	return &Error{Kind: Malformed, Msg: fmt.Sprintf(format, args...)}
}

// DIDFromPublicKey derives the canonical DID for an Ed25519 public
// key: did:claw:z<base58btc(pub)>.
func DIDFromPublicKey(pub ed25519.PublicKey) (string, error) {
	if len(pub) != ed25519.PublicKeySize {
		return "", errMalformed("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(pub))
	}
	enc, err := multibase.Encode(multibase.Base58BTC, pub)
	if err != nil {
		return "", errMalformed("multibase encode: %v", err)
	}
	return DIDPrefix + enc, nil
}

// PublicKeyFromDID is the inverse of DIDFromPublicKey with full
// validation of prefix, multibase encoding and key length.
func PublicKeyFromDID(did string) (ed25519.PublicKey, error) {
	if !strings.HasPrefix(did, DIDPrefix) {
		return nil, errMalformed("missing %q prefix", DIDPrefix)
	}
	encoding, raw, err := multibase.Decode(strings.TrimPrefix(did, DIDPrefix))
	if err != nil {
		return nil, errMalformed("multibase decode: %v", err)
	}
	if encoding != multibase.Base58BTC {
		return nil, errMalformed("expected base58btc multibase, got %c", encoding)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, errMalformed("decoded key is %d bytes, want %d", len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// AddressFromPublicKey derives the checksummed token address:
// claw + base58(version ‖ pub ‖ sha256(pub)[0:4]).
func AddressFromPublicKey(pub ed25519.PublicKey) (string, error) {
	if len(pub) != ed25519.PublicKeySize {
		return "", errMalformed("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(pub))
	}
	payload := make([]byte, 0, 1+ed25519.PublicKeySize+checksumLen)
	payload = append(payload, AddressVersion)
	payload = append(payload, pub...)
	payload = append(payload, crypto.SHA256(pub)[:checksumLen]...)
	return AddressPrefix + base58.Encode(payload), nil
}

// PublicKeyFromAddress decodes and fully validates an address,
// returning the embedded public key.
func PublicKeyFromAddress(addr string) (ed25519.PublicKey, error) {
	if !strings.HasPrefix(addr, AddressPrefix) {
		return nil, errMalformed("missing %q prefix", AddressPrefix)
	}
	raw := base58.Decode(strings.TrimPrefix(addr, AddressPrefix))
	want := 1 + ed25519.PublicKeySize + checksumLen
	if len(raw) != want {
		return nil, errMalformed("decoded address is %d bytes, want %d", len(raw), want)
	}
	if raw[0] != AddressVersion {
		return nil, errMalformed("unknown address version 0x%02x", raw[0])
	}
	pub := raw[1 : 1+ed25519.PublicKeySize]
	sum := raw[1+ed25519.PublicKeySize:]
	if !bytes.Equal(sum, crypto.SHA256(pub)[:checksumLen]) {
		return nil, &Error{Kind: BadChecksum, Msg: "address checksum verification failed"}
	}
	return ed25519.PublicKey(pub), nil
}

// AddressFromDID composes the two derivations. Total on well-formed DIDs.
func AddressFromDID(did string) (string, error) {
	pub, err := PublicKeyFromDID(did)
	if err != nil {
		return "", err
	}
	return AddressFromPublicKey(pub)
}

// ValidateDID reports whether did is well-formed.
func ValidateDID(did string) error {
	_, err := PublicKeyFromDID(did)
	return err
}

// ValidateAddress reports whether addr is well-formed with a valid checksum.
func ValidateAddress(addr string) error {
	_, err := PublicKeyFromAddress(addr)
	return err
}
