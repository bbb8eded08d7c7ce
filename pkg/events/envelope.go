package events

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/clawnet/claw-node/internal/crypto"
	"github.com/clawnet/claw-node/internal/identity"
	"github.com/clawnet/claw-node/pkg/protocol"
)

// Version is the protocol envelope version this node produces.
const Version = 1

// Signer abstracts the keystore's signing interface so this package
// never touches private key material.
type Signer interface {
	Sign(msg []byte) ([]byte, error)
}

// Envelope is the signed, hash-addressed record carrying one protocol
// action. Hash is the hex SHA-256 of the canonical encoding with sig
// and hash zeroed; Sig is the base64 Ed25519 signature over the
// canonical encoding with sig zeroed and hash set.
type Envelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	Issuer  string          `json:"issuer"`
	Pub     string          `json:"pub"`
	TS      int64           `json:"ts"`
	Nonce   uint64          `json:"nonce"`
	Prev    *string         `json:"prev"`
	Payload json.RawMessage `json:"payload"`
	Sig     string          `json:"sig"`
	Hash    string          `json:"hash"`
}

// CanonicalBytes renders the envelope in JCS canonical form as-is.
// Wire gossip MUST carry exactly these bytes; relays never re-serialize.
func (e *Envelope) CanonicalBytes() ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return crypto.CanonicalizeJSON(raw)
}

func (e *Envelope) hashInput() ([]byte, error) {
	c := *e
	c.Sig = ""
	c.Hash = ""
	return c.CanonicalBytes()
}

func (e *Envelope) signingBytes() ([]byte, error) {
	c := *e
	c.Sig = ""
	return c.CanonicalBytes()
}

// Build constructs, hashes and signs an envelope. ts of zero means
// now. The payload must already be a validated typed record.
func Build(signer Signer, typ, issuer, pub string, nonce uint64, prev *string, payload interface{}, ts int64) (*Envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, protocol.Errf(protocol.KindInvalid, protocol.CodeBadPayload, "marshal payload: %v", err)
	}
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	env := &Envelope{
		V:       Version,
		Type:    typ,
		Issuer:  issuer,
		Pub:     pub,
		TS:      ts,
		Nonce:   nonce,
		Prev:    prev,
		Payload: body,
	}

	hashIn, err := env.hashInput()
	if err != nil {
		return nil, protocol.Errf(protocol.KindInvalid, protocol.CodeBadCanonicalForm, "canonicalize: %v", err)
	}
	env.Hash = hex.EncodeToString(crypto.SHA256(hashIn))

	signIn, err := env.signingBytes()
	if err != nil {
		return nil, protocol.Errf(protocol.KindInvalid, protocol.CodeBadCanonicalForm, "canonicalize: %v", err)
	}
	sig, err := signer.Sign(signIn)
	if err != nil {
		return nil, protocol.Errf(protocol.KindUnauthorized, "SIGNING_FAILED", "sign: %v", err)
	}
	env.Sig = base64.StdEncoding.EncodeToString(sig)
	return env, nil
}

// Decode parses envelope bytes without verifying them.
func Decode(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, protocol.Errf(protocol.KindInvalid, protocol.CodeBadCanonicalForm, "decode envelope: %v", err)
	}
	return &env, nil
}

// VerifyEnvelope checks structural integrity: version, issuer/pub
// consistency, hash recomputation and signature. It is stateless;
// nonce and resource-chain rules belong to the pipeline.
func VerifyEnvelope(env *Envelope) *protocol.Error {
	if env.V != Version {
		return protocol.Errf(protocol.KindInvalid, protocol.CodeBadCanonicalForm, "unsupported version %d", env.V)
	}
	if env.Nonce == 0 {
		return protocol.Errf(protocol.KindInvalid, protocol.CodeBadCanonicalForm, "nonce must start at 1")
	}

	pubKey, err := identity.PublicKeyFromDID(env.Issuer)
	if err != nil {
		return protocol.Errf(protocol.KindInvalid, protocol.CodeBadCanonicalForm, "issuer: %v", err)
	}
	// pub must be the same multibase key the issuer DID embeds.
	if identity.DIDPrefix+env.Pub != env.Issuer {
		return protocol.Errf(protocol.KindInvalid, protocol.CodeIssuerKeyMismatch, "pub field inconsistent with issuer DID")
	}

	hashIn, cerr := env.hashInput()
	if cerr != nil {
		return protocol.Errf(protocol.KindInvalid, protocol.CodeBadCanonicalForm, "canonicalize: %v", cerr)
	}
	if hex.EncodeToString(crypto.SHA256(hashIn)) != env.Hash {
		return protocol.Errf(protocol.KindInvalid, protocol.CodeHashMismatch, "hash does not match canonical bytes")
	}

	signIn, cerr := env.signingBytes()
	if cerr != nil {
		return protocol.Errf(protocol.KindInvalid, protocol.CodeBadCanonicalForm, "canonicalize: %v", cerr)
	}
	sig, derr := base64.StdEncoding.DecodeString(env.Sig)
	if derr != nil {
		return protocol.Errf(protocol.KindInvalid, protocol.CodeSigMismatch, "signature is not valid base64")
	}
	if !crypto.Verify(pubKey, signIn, sig) {
		return protocol.Errf(protocol.KindInvalid, protocol.CodeSigMismatch, "signature verification failed")
	}
	return nil
}

// IssuerAddress derives the token address of the envelope's issuer.
func (e *Envelope) IssuerAddress() (string, error) {
	return identity.AddressFromDID(e.Issuer)
}

// PrevHash returns the prev pointer or "" for creation events.
func (e *Envelope) PrevHash() string {
	if e.Prev == nil {
		return ""
	}
	return *e.Prev
}

// DomainOf returns the first dot-separated segment of the event type.
func (e *Envelope) DomainOf() string {
	if i := strings.IndexByte(e.Type, '.'); i > 0 {
		return e.Type[:i]
	}
	return e.Type
}
