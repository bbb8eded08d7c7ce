package events

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"strings"
	"testing"

	"github.com/clawnet/claw-node/internal/crypto"
	"github.com/clawnet/claw-node/internal/identity"
	"github.com/clawnet/claw-node/pkg/protocol"
)

type testSigner struct {
	priv ed25519.PrivateKey
}

func (s *testSigner) Sign(msg []byte) ([]byte, error) {
	return crypto.Sign(s.priv, msg)
}

// newTestIssuer returns a signer plus the derived issuer DID, pub
// field value and token address.
func newTestIssuer(t *testing.T) (*testSigner, string, string, string) {
	t.Helper()
	pub, priv, err := crypto.GenerateEd25519()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	did, err := identity.DIDFromPublicKey(pub)
	if err != nil {
		t.Fatalf("did: %v", err)
	}
	addr, err := identity.AddressFromPublicKey(pub)
	if err != nil {
		t.Fatalf("address: %v", err)
	}
	return &testSigner{priv: priv}, did, strings.TrimPrefix(did, identity.DIDPrefix), addr
}

func buildTransfer(t *testing.T, signer *testSigner, did, pub, from, to string, nonce uint64, prev *string) *Envelope {
	t.Helper()
	env, err := Build(signer, TypeWalletTransfer, did, pub, nonce, prev, &WalletTransferPayload{
		From:   from,
		To:     to,
		Amount: "250",
		Fee:    "1",
	}, 1700000000000)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return env
}

func TestBuildVerifyRoundTrip(t *testing.T) {
	signer, did, pub, addr := newTestIssuer(t)
	_, _, _, other := newTestIssuer(t)

	env := buildTransfer(t, signer, did, pub, addr, other, 1, nil)
	if env.Hash == "" || env.Sig == "" {
		t.Fatal("build left hash or sig empty")
	}
	if err := VerifyEnvelope(env); err != nil {
		t.Fatalf("verify freshly built envelope: %v", err)
	}

	// Decoding the canonical bytes must verify identically.
	raw, err := env.CanonicalBytes()
	if err != nil {
		t.Fatalf("canonical bytes: %v", err)
	}
	decoded, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := VerifyEnvelope(decoded); err != nil {
		t.Fatalf("verify decoded envelope: %v", err)
	}
}

func TestCanonicalBytesStable(t *testing.T) {
	signer, did, pub, addr := newTestIssuer(t)
	_, _, _, other := newTestIssuer(t)

	env := buildTransfer(t, signer, did, pub, addr, other, 1, nil)
	raw1, _ := env.CanonicalBytes()
	decoded, _ := Decode(raw1)
	raw2, err := decoded.CanonicalBytes()
	if err != nil {
		t.Fatalf("re-canonicalize: %v", err)
	}
	if !bytes.Equal(raw1, raw2) {
		t.Errorf("canonical bytes not stable across decode:\n%s\n%s", raw1, raw2)
	}
}

func TestVerifyRejectsTamper(t *testing.T) {
	signer, did, pub, addr := newTestIssuer(t)
	_, _, _, other := newTestIssuer(t)

	cases := []struct {
		name   string
		mutate func(*Envelope)
		code   string
	}{
		{"payload swap", func(e *Envelope) {
			e.Payload = json.RawMessage(`{"from":"` + addr + `","to":"` + other + `","amount":"999999","fee":"1"}`)
		}, protocol.CodeHashMismatch},
		{"nonce bump", func(e *Envelope) { e.Nonce = 7 }, protocol.CodeHashMismatch},
		{"sig garbage", func(e *Envelope) { e.Sig = "bm90IGEgc2lnbmF0dXJl" }, protocol.CodeSigMismatch},
		{"pub mismatch", func(e *Envelope) { e.Pub = "zForgedKey" }, protocol.CodeIssuerKeyMismatch},
		{"zero nonce", func(e *Envelope) { e.Nonce = 0 }, protocol.CodeBadCanonicalForm},
		{"bad version", func(e *Envelope) { e.V = 2 }, protocol.CodeBadCanonicalForm},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := buildTransfer(t, signer, did, pub, addr, other, 1, nil)
			tc.mutate(env)
			err := VerifyEnvelope(env)
			if err == nil {
				t.Fatal("tampered envelope verified")
			}
			if err.Code != tc.code {
				t.Errorf("expected code %s, got %s", tc.code, err.Code)
			}
		})
	}
}

func TestVerifyRejectsForeignSignature(t *testing.T) {
	_, did, pub, addr := newTestIssuer(t)
	forger, _, _, other := newTestIssuer(t)

	// Signed by a key that is not the issuer's.
	env := buildTransfer(t, forger, did, pub, addr, other, 1, nil)
	err := VerifyEnvelope(env)
	if err == nil || err.Code != protocol.CodeSigMismatch {
		t.Errorf("expected SIG_MISMATCH, got %v", err)
	}
}

func TestParsePayloadDispatch(t *testing.T) {
	signer, did, pub, addr := newTestIssuer(t)
	_, subjectDID, _, other := newTestIssuer(t)

	env := buildTransfer(t, signer, did, pub, addr, other, 1, nil)
	p, perr := ParsePayload(env)
	if perr != nil {
		t.Fatalf("parse transfer payload: %v", perr)
	}
	tr, ok := p.(*WalletTransferPayload)
	if !ok {
		t.Fatalf("unexpected payload type %T", p)
	}
	if tr.Amount != "250" || tr.From != addr {
		t.Errorf("payload fields lost in round trip: %+v", tr)
	}

	rep, err := Build(signer, TypeReputationRecord, did, pub, 2, nil, &ReputationRecordPayload{
		Subject:   subjectDID,
		Dimension: "quality",
		Score:     4,
	}, 0)
	if err != nil {
		t.Fatalf("build reputation: %v", err)
	}
	if _, perr := ParsePayload(rep); perr != nil {
		t.Errorf("parse reputation payload: %v", perr)
	}
}

func TestParsePayloadRejects(t *testing.T) {
	signer, did, pub, addr := newTestIssuer(t)
	_, _, _, other := newTestIssuer(t)

	t.Run("unknown type", func(t *testing.T) {
		env := buildTransfer(t, signer, did, pub, addr, other, 1, nil)
		env.Type = "wallet.teleport"
		_, perr := ParsePayload(env)
		if perr == nil || perr.Code != protocol.CodeUnknownType {
			t.Errorf("expected UNKNOWN_TYPE, got %v", perr)
		}
	})

	t.Run("unknown field", func(t *testing.T) {
		env := buildTransfer(t, signer, did, pub, addr, other, 1, nil)
		env.Payload = json.RawMessage(`{"from":"` + addr + `","to":"` + other + `","amount":"250","fee":"1","extra":true}`)
		_, perr := ParsePayload(env)
		if perr == nil || perr.Code != protocol.CodeBadPayload {
			t.Errorf("expected BAD_PAYLOAD, got %v", perr)
		}
	})

	t.Run("zero amount", func(t *testing.T) {
		env := buildTransfer(t, signer, did, pub, addr, other, 1, nil)
		env.Payload = json.RawMessage(`{"from":"` + addr + `","to":"` + other + `","amount":"0","fee":"1"}`)
		if _, perr := ParsePayload(env); perr == nil {
			t.Error("zero transfer amount accepted")
		}
	})

	t.Run("milestone sum mismatch", func(t *testing.T) {
		_, clientDID, _, _ := newTestIssuer(t)
		_, providerDID, _, _ := newTestIssuer(t)
		env, err := Build(signer, TypeContractCreate, did, pub, 1, nil, &ContractCreatePayload{
			ContractID:  "c-1",
			Client:      clientDID,
			Provider:    providerDID,
			TotalAmount: "100",
			Milestones: []MilestoneDef{
				{ID: "m1", Amount: "40"},
				{ID: "m2", Amount: "50"},
			},
		}, 0)
		if err != nil {
			t.Fatalf("build: %v", err)
		}
		_, perr := ParsePayload(env)
		if perr == nil || perr.Code != protocol.CodeSumMismatch {
			t.Errorf("expected SUM_MISMATCH, got %v", perr)
		}
	})
}

func TestResourceOfMapping(t *testing.T) {
	signer, did, pub, addr := newTestIssuer(t)
	_, subjectDID, _, other := newTestIssuer(t)

	transfer := buildTransfer(t, signer, did, pub, addr, other, 1, nil)
	p, _ := ParsePayload(transfer)
	res, rerr := ResourceOf(transfer, p)
	if rerr != nil {
		t.Fatalf("resource of transfer: %v", rerr)
	}
	if res.Kind != ResWallet || res.ID != addr {
		t.Errorf("transfer should extend sender wallet chain, got %s:%s", res.Kind, res.ID)
	}

	mint, _ := Build(signer, TypeWalletMint, did, pub, 2, nil, &WalletMintPayload{To: other, Amount: "10"}, 0)
	p, _ = ParsePayload(mint)
	res, _ = ResourceOf(mint, p)
	if res.Kind != ResWallet || res.ID != other {
		t.Errorf("mint should extend recipient wallet chain, got %s:%s", res.Kind, res.ID)
	}

	rep, _ := Build(signer, TypeReputationRecord, did, pub, 3, nil, &ReputationRecordPayload{
		Subject: subjectDID, Dimension: "behavior", Score: 5,
	}, 0)
	p, _ = ParsePayload(rep)
	res, _ = ResourceOf(rep, p)
	if res.Kind != ResReputation || res.ID != subjectDID {
		t.Errorf("reputation should chain on subject, got %s:%s", res.Kind, res.ID)
	}

	dep, _ := Build(signer, TypeDAOTreasuryDeposit, did, pub, 4, nil, &DAOTreasuryDepositPayload{Amount: "5"}, 0)
	p, _ = ParsePayload(dep)
	res, _ = ResourceOf(dep, p)
	if res.Key() != "treasury:treasury" {
		t.Errorf("treasury events share one chain, got %s", res.Key())
	}
}

func TestAmountParsing(t *testing.T) {
	good := map[string]uint64{"0": 0, "1": 1, "250": 250, "18446744073709551615": 1<<64 - 1}
	for s, want := range good {
		v, err := ParseAmount(s)
		if err != nil {
			t.Errorf("ParseAmount(%q): %v", s, err)
		} else if v != want {
			t.Errorf("ParseAmount(%q) = %d, want %d", s, v, want)
		}
	}
	bad := []string{"", "-1", "+1", "01", "1.5", "1e3", " 1", "18446744073709551616"}
	for _, s := range bad {
		if _, err := ParseAmount(s); err == nil {
			t.Errorf("ParseAmount(%q) accepted", s)
		}
	}
	if _, err := ParsePositiveAmount("0"); err == nil {
		t.Error("ParsePositiveAmount(0) accepted")
	}
	if FormatAmount(250) != "250" {
		t.Error("FormatAmount round trip failed")
	}
}
