package state

import (
	"crypto/ed25519"
	"encoding/base64"

	"github.com/clawnet/claw-node/internal/crypto"
	"github.com/clawnet/claw-node/internal/identity"
	"github.com/clawnet/claw-node/pkg/events"
	"github.com/clawnet/claw-node/pkg/protocol"
)

// PlatformLink ties a DID to an off-protocol platform handle.
type PlatformLink struct {
	Platform string `json:"platform"`
	Handle   string `json:"handle"`
	Proof    string `json:"proof,omitempty"`
}

// Identity is the derived DID document.
type Identity struct {
	DID             string         `json:"did"`
	Address         string         `json:"address"`
	Revoked         bool           `json:"revoked"`
	Capabilities    []string       `json:"capabilities,omitempty"`
	OperationalKeys []string       `json:"operationalKeys,omitempty"`
	PlatformLinks   []PlatformLink `json:"platformLinks,omitempty"`
	RegisteredAt    int64          `json:"registeredAt"`
	LastEventHash   string         `json:"lastEventHash"`
}

func (i *Identity) cloneIdentity() *Identity {
	c := *i
	c.Capabilities = append([]string(nil), i.Capabilities...)
	c.OperationalKeys = append([]string(nil), i.OperationalKeys...)
	c.PlatformLinks = append([]PlatformLink(nil), i.PlatformLinks...)
	return &c
}

func canApplyIdentity(st *State, env *events.Envelope, p events.Validator) *protocol.Error {
	rec := st.Identities[env.Issuer]

	switch pl := p.(type) {
	case *events.IdentityRegisterPayload:
		if pl.DID != env.Issuer {
			return unauthorized("register payload did %s is not the issuer", pl.DID)
		}
		if rec != nil {
			return protocol.Errf(protocol.KindDuplicate, protocol.CodeDuplicateCreate, "identity %s already registered", env.Issuer)
		}
		return nil

	case *events.IdentityRotateKeyPayload:
		if err := requireLiveIdentity(rec, env.Issuer); err != nil {
			return err
		}
		// The new operational key must prove possession by signing the
		// issuer DID.
		newPub, err := identity.PublicKeyFromDID(identity.DIDPrefix + pl.NewPub)
		if err != nil {
			return protocol.Errf(protocol.KindInvalid, protocol.CodeBadPayload, "newPub is not a valid key encoding")
		}
		sig, derr := base64.StdEncoding.DecodeString(pl.PossessionSig)
		if derr != nil {
			return protocol.Errf(protocol.KindInvalid, protocol.CodeBadPayload, "possessionSig is not valid base64")
		}
		if !crypto.Verify(ed25519.PublicKey(newPub), []byte(env.Issuer), sig) {
			return protocol.Errf(protocol.KindUnauthorized, protocol.CodeSigMismatch, "possession proof does not verify")
		}
		return nil

	case *events.IdentityRevokePayload:
		return requireLiveIdentity(rec, env.Issuer)

	case *events.IdentityCapabilityPayload:
		if err := requireLiveIdentity(rec, env.Issuer); err != nil {
			return err
		}
		for _, c := range rec.Capabilities {
			if c == pl.Capability {
				return conflict(protocol.CodeBadTransition, "capability %q already present", pl.Capability)
			}
		}
		return nil

	case *events.IdentityPlatformLinkPayload:
		if err := requireLiveIdentity(rec, env.Issuer); err != nil {
			return err
		}
		for _, l := range rec.PlatformLinks {
			if l.Platform == pl.Platform && l.Handle == pl.Handle {
				return conflict(protocol.CodeBadTransition, "platform link %s/%s already present", pl.Platform, pl.Handle)
			}
		}
		return nil
	}
	return protocol.Errf(protocol.KindInvalid, protocol.CodeUnknownType, "unexpected identity payload %T", p)
}

func requireLiveIdentity(rec *Identity, did string) *protocol.Error {
	if rec == nil {
		return notFound("identity %s is not registered", did)
	}
	if rec.Revoked {
		return conflict(protocol.CodeTerminalState, "identity %s is revoked", did)
	}
	return nil
}

func applyIdentity(ns *State, env *events.Envelope, p events.Validator) {
	ns.Identities = copyMap(ns.Identities)

	switch pl := p.(type) {
	case *events.IdentityRegisterPayload:
		ns.Identities[env.Issuer] = &Identity{
			DID:           pl.DID,
			Address:       pl.Address,
			Capabilities:  append([]string(nil), pl.Capabilities...),
			RegisteredAt:  env.TS,
			LastEventHash: env.Hash,
		}
		return
	}

	rec := ns.Identities[env.Issuer].cloneIdentity()
	rec.LastEventHash = env.Hash
	ns.Identities[env.Issuer] = rec

	switch pl := p.(type) {
	case *events.IdentityRotateKeyPayload:
		rec.OperationalKeys = append(rec.OperationalKeys, pl.NewPub)
	case *events.IdentityRevokePayload:
		rec.Revoked = true
	case *events.IdentityCapabilityPayload:
		rec.Capabilities = append(rec.Capabilities, pl.Capability)
	case *events.IdentityPlatformLinkPayload:
		rec.PlatformLinks = append(rec.PlatformLinks, PlatformLink{
			Platform: pl.Platform,
			Handle:   pl.Handle,
			Proof:    pl.Proof,
		})
	}
}
