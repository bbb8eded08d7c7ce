package state

import (
	"crypto/ed25519"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/clawnet/claw-node/internal/crypto"
	"github.com/clawnet/claw-node/internal/identity"
	"github.com/clawnet/claw-node/pkg/events"
	"github.com/clawnet/claw-node/pkg/protocol"
)

type actor struct {
	priv ed25519.PrivateKey
	did  string
	pub  string
	addr string
}

func (a *actor) Sign(msg []byte) ([]byte, error) {
	return crypto.Sign(a.priv, msg)
}

func newActor(t *testing.T) *actor {
	t.Helper()
	pub, priv, err := crypto.GenerateEd25519()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	did, _ := identity.DIDFromPublicKey(pub)
	addr, _ := identity.AddressFromPublicKey(pub)
	return &actor{
		priv: priv,
		did:  did,
		pub:  strings.TrimPrefix(did, identity.DIDPrefix),
		addr: addr,
	}
}

// world drives the reducers the way the committer does: it assigns
// nonces, threads resource chains, and applies each event on success.
type world struct {
	t      *testing.T
	st     *State
	nonces map[string]uint64
	heads  map[string]string
	now    int64
}

func newWorld(t *testing.T) *world {
	return &world{
		t:      t,
		st:     New(DefaultParams()),
		nonces: map[string]uint64{},
		heads:  map[string]string{},
		now:    1700000000000,
	}
}

// emit builds, validates and (on success) applies one event. Returns
// the committed envelope and a nil error, or the rejection.
func (w *world) emit(a *actor, typ string, payload events.Validator) (*events.Envelope, *protocol.Error) {
	w.t.Helper()
	w.now += 1000
	nonce := w.nonces[a.did] + 1

	// Resource derivation needs a throwaway envelope first to learn
	// the chain, then the real build carries the right prev.
	probe := &events.Envelope{Type: typ, Issuer: a.did}
	res, rerr := events.ResourceOf(probe, payload)
	if rerr != nil {
		return nil, rerr
	}
	var prev *string
	if h, ok := w.heads[res.Key()]; ok {
		prev = &h
	}

	env, err := events.Build(a, typ, a.did, a.pub, nonce, prev, payload, w.now)
	if err != nil {
		w.t.Fatalf("build %s: %v", typ, err)
	}
	typed, perr := events.ParsePayload(env)
	if perr != nil {
		return nil, perr
	}
	if cerr := CanApply(w.st, env, typed); cerr != nil {
		return nil, cerr
	}
	w.st = Apply(w.st, env, typed)
	w.nonces[a.did] = nonce
	w.heads[res.Key()] = env.Hash
	if err := CheckInvariants(w.st); err != nil {
		w.t.Fatalf("invariants after %s: %v", typ, err)
	}
	return env, nil
}

func (w *world) mustEmit(a *actor, typ string, payload events.Validator) *events.Envelope {
	w.t.Helper()
	env, err := w.emit(a, typ, payload)
	if err != nil {
		w.t.Fatalf("emit %s: %v", typ, err)
	}
	return env
}

func (w *world) mint(a *actor, to string, amount string) {
	w.t.Helper()
	w.mustEmit(a, events.TypeWalletMint, &events.WalletMintPayload{To: to, Amount: amount})
}

func TestTransferRoundTrip(t *testing.T) {
	w := newWorld(t)
	alice := newActor(t)
	bob := newActor(t)

	w.mint(alice, alice.addr, "1000")
	w.mustEmit(alice, events.TypeWalletTransfer, &events.WalletTransferPayload{
		From: alice.addr, To: bob.addr, Amount: "500", Fee: "1",
	})

	if got := w.st.walletOf(alice.addr).Available; got != 499 {
		t.Errorf("alice available = %d, want 499", got)
	}
	if got := w.st.walletOf(bob.addr).Available; got != 500 {
		t.Errorf("bob available = %d, want 500", got)
	}
	if w.st.Treasury != 1 {
		t.Errorf("treasury = %d, want 1", w.st.Treasury)
	}
	if w.nonces[alice.did] != 2 {
		t.Errorf("alice nonce = %d, want 2", w.nonces[alice.did])
	}
}

func TestTransferRejections(t *testing.T) {
	w := newWorld(t)
	alice := newActor(t)
	bob := newActor(t)
	w.mint(alice, alice.addr, "100")

	// Spending someone else's wallet.
	_, err := w.emit(bob, events.TypeWalletTransfer, &events.WalletTransferPayload{
		From: alice.addr, To: bob.addr, Amount: "10", Fee: "1",
	})
	if err == nil || err.Kind != protocol.KindUnauthorized {
		t.Errorf("foreign-wallet transfer: got %v", err)
	}

	// Overdraft.
	_, err = w.emit(alice, events.TypeWalletTransfer, &events.WalletTransferPayload{
		From: alice.addr, To: bob.addr, Amount: "100", Fee: "1",
	})
	if err == nil || err.Code != protocol.CodeInsufficient {
		t.Errorf("overdraft: got %v", err)
	}

	// Fee below minimum.
	_, err = w.emit(alice, events.TypeWalletTransfer, &events.WalletTransferPayload{
		From: alice.addr, To: bob.addr, Amount: "10", Fee: "0",
	})
	if err == nil || err.Kind != protocol.KindConflict {
		t.Errorf("zero fee: got %v", err)
	}

	// Mint is devnet-only.
	w.st.Params.Network = "mainnet"
	_, err = w.emit(alice, events.TypeWalletMint, &events.WalletMintPayload{To: alice.addr, Amount: "1"})
	if err == nil || err.Kind != protocol.KindUnauthorized {
		t.Errorf("mainnet mint: got %v", err)
	}
}

func TestEscrowManualRelease(t *testing.T) {
	w := newWorld(t)
	alice := newActor(t)
	bob := newActor(t)
	w.mint(alice, alice.addr, "1000")

	w.mustEmit(alice, events.TypeEscrowCreate, &events.EscrowCreatePayload{
		EscrowID: "esc-1", Depositor: alice.addr, Beneficiary: bob.addr,
		Amount:       "200",
		ReleaseRules: []events.ReleaseRule{{ID: "r1", Kind: "manual"}},
	})
	if got := w.st.walletOf(alice.addr); got.Available != 800 || got.Locked != 200 {
		t.Fatalf("after create: available=%d locked=%d", got.Available, got.Locked)
	}

	w.mustEmit(alice, events.TypeEscrowRelease, &events.EscrowReleasePayload{
		EscrowID: "esc-1", Amount: "200", RuleID: "r1",
	})
	esc := w.st.Escrows["esc-1"]
	if esc.State != EscrowReleased || esc.Released != 200 {
		t.Errorf("escrow state=%s released=%d", esc.State, esc.Released)
	}
	if got := w.st.walletOf(bob.addr).Available; got != 200 {
		t.Errorf("bob available = %d, want 200", got)
	}
	if got := w.st.walletOf(alice.addr).Locked; got != 0 {
		t.Errorf("alice locked = %d, want 0", got)
	}

	// Terminal escrow rejects further releases.
	_, err := w.emit(alice, events.TypeEscrowRelease, &events.EscrowReleasePayload{
		EscrowID: "esc-1", Amount: "1", RuleID: "r1",
	})
	if err == nil || err.Code != protocol.CodeTerminalState {
		t.Errorf("release on terminal escrow: got %v", err)
	}
}

func TestEscrowDisputeResolve(t *testing.T) {
	w := newWorld(t)
	alice := newActor(t)
	bob := newActor(t)
	carol := newActor(t) // arbiter
	w.mint(alice, alice.addr, "500")

	w.mustEmit(alice, events.TypeEscrowCreate, &events.EscrowCreatePayload{
		EscrowID: "esc-d", Depositor: alice.addr, Beneficiary: bob.addr,
		Arbiter: carol.did, Amount: "300",
		ReleaseRules: []events.ReleaseRule{{ID: "r1", Kind: "manual"}},
	})
	w.mustEmit(bob, events.TypeEscrowDispute, &events.EscrowDisputePayload{EscrowID: "esc-d"})

	// Only the arbiter resolves, and amounts must route everything.
	_, err := w.emit(alice, events.TypeEscrowResolve, &events.EscrowResolvePayload{
		EscrowID: "esc-d", ReleaseAmount: "300", RefundAmount: "0",
	})
	if err == nil || err.Kind != protocol.KindUnauthorized {
		t.Errorf("non-arbiter resolve: got %v", err)
	}
	_, err = w.emit(carol, events.TypeEscrowResolve, &events.EscrowResolvePayload{
		EscrowID: "esc-d", ReleaseAmount: "100", RefundAmount: "100",
	})
	if err == nil || err.Code != protocol.CodeSumMismatch {
		t.Errorf("partial resolve: got %v", err)
	}

	w.mustEmit(carol, events.TypeEscrowResolve, &events.EscrowResolvePayload{
		EscrowID: "esc-d", ReleaseAmount: "100", RefundAmount: "200",
	})
	esc := w.st.Escrows["esc-d"]
	if esc.Released != 100 || esc.Refunded != 200 || esc.State != EscrowRefunded {
		t.Errorf("resolve: released=%d refunded=%d state=%s", esc.Released, esc.Refunded, esc.State)
	}
	if got := w.st.walletOf(bob.addr).Available; got != 100 {
		t.Errorf("bob available = %d", got)
	}
	if got := w.st.walletOf(alice.addr).Available; got != 400 {
		t.Errorf("alice available = %d", got)
	}
}

func TestContractHappyPath(t *testing.T) {
	w := newWorld(t)
	alice := newActor(t)
	bob := newActor(t)
	w.mint(alice, alice.addr, "1500")

	w.mustEmit(alice, events.TypeContractCreate, &events.ContractCreatePayload{
		ContractID: "c-1", Client: alice.did, Provider: bob.did,
		TotalAmount: "1000",
		Milestones: []events.MilestoneDef{
			{ID: "m1", Amount: "400"},
			{ID: "m2", Amount: "600"},
		},
	})
	w.mustEmit(alice, events.TypeContractSign, &events.ContractSignPayload{ContractID: "c-1"})
	w.mustEmit(bob, events.TypeContractSign, &events.ContractSignPayload{ContractID: "c-1"})
	if w.st.Contracts["c-1"].State != ContractSigned {
		t.Fatalf("after both signatures: %s", w.st.Contracts["c-1"].State)
	}

	w.mustEmit(alice, events.TypeContractFund, &events.ContractFundPayload{ContractID: "c-1", EscrowID: "esc-c1"})
	if got := w.st.walletOf(alice.addr); got.Available != 500 || got.Locked != 1000 {
		t.Fatalf("after fund: available=%d locked=%d", got.Available, got.Locked)
	}

	w.mustEmit(bob, events.TypeContractMilestoneSubmit, &events.MilestoneSubmitPayload{ContractID: "c-1", MilestoneID: "m1"})
	w.mustEmit(alice, events.TypeContractMilestoneApprove, &events.MilestoneApprovePayload{ContractID: "c-1", MilestoneID: "m1"})
	if got := w.st.walletOf(bob.addr).Available; got != 400 {
		t.Errorf("bob after m1 = %d, want 400", got)
	}
	if w.st.Contracts["c-1"].State != ContractActive {
		t.Errorf("after m1 approve: %s", w.st.Contracts["c-1"].State)
	}

	w.mustEmit(bob, events.TypeContractMilestoneSubmit, &events.MilestoneSubmitPayload{ContractID: "c-1", MilestoneID: "m2"})
	w.mustEmit(alice, events.TypeContractMilestoneApprove, &events.MilestoneApprovePayload{ContractID: "c-1", MilestoneID: "m2"})

	c := w.st.Contracts["c-1"]
	if c.State != ContractCompleted {
		t.Errorf("final contract state = %s", c.State)
	}
	if got := w.st.walletOf(bob.addr).Available; got != 1000 {
		t.Errorf("bob final = %d, want 1000", got)
	}
	esc := w.st.Escrows["esc-c1"]
	if esc.State != EscrowReleased || esc.Released != 1000 {
		t.Errorf("escrow released=%d state=%s", esc.Released, esc.State)
	}
}

func TestContractDisputePartial(t *testing.T) {
	w := newWorld(t)
	alice := newActor(t)
	bob := newActor(t)
	carol := newActor(t)
	w.mint(alice, alice.addr, "1000")

	w.mustEmit(alice, events.TypeContractCreate, &events.ContractCreatePayload{
		ContractID: "c-2", Client: alice.did, Provider: bob.did, Arbiter: carol.did,
		TotalAmount: "1000",
		Milestones: []events.MilestoneDef{
			{ID: "m1", Amount: "400"},
			{ID: "m2", Amount: "600"},
		},
	})
	w.mustEmit(alice, events.TypeContractSign, &events.ContractSignPayload{ContractID: "c-2"})
	w.mustEmit(bob, events.TypeContractSign, &events.ContractSignPayload{ContractID: "c-2"})
	w.mustEmit(alice, events.TypeContractFund, &events.ContractFundPayload{ContractID: "c-2", EscrowID: "esc-c2"})
	w.mustEmit(bob, events.TypeContractMilestoneSubmit, &events.MilestoneSubmitPayload{ContractID: "c-2", MilestoneID: "m1"})
	w.mustEmit(alice, events.TypeContractDispute, &events.ContractDisputePayload{ContractID: "c-2"})

	w.mustEmit(carol, events.TypeContractResolve, &events.ContractResolvePayload{
		ContractID: "c-2", ProviderAmount: "300", ClientAmount: "700", Outcome: "cancelled",
	})

	c := w.st.Contracts["c-2"]
	if c.State != ContractCancelled {
		t.Errorf("contract state = %s", c.State)
	}
	esc := w.st.Escrows["esc-c2"]
	if esc.Released != 300 || esc.Refunded != 700 {
		t.Errorf("escrow released=%d refunded=%d", esc.Released, esc.Refunded)
	}
	if got := w.st.walletOf(bob.addr).Available; got != 300 {
		t.Errorf("bob = %d, want 300", got)
	}
	if got := w.st.walletOf(alice.addr).Available; got != 700 {
		t.Errorf("alice = %d, want 700", got)
	}
}

func TestContractCompleteFinalization(t *testing.T) {
	w := newWorld(t)
	alice := newActor(t)
	bob := newActor(t)
	carol := newActor(t)
	w.mint(alice, alice.addr, "1000")

	w.mustEmit(alice, events.TypeContractCreate, &events.ContractCreatePayload{
		ContractID: "c-3", Client: alice.did, Provider: bob.did,
		TotalAmount: "1000",
		Milestones: []events.MilestoneDef{
			{ID: "m1", Amount: "400"},
			{ID: "m2", Amount: "600"},
		},
	})
	w.mustEmit(alice, events.TypeContractSign, &events.ContractSignPayload{ContractID: "c-3"})
	w.mustEmit(bob, events.TypeContractSign, &events.ContractSignPayload{ContractID: "c-3"})
	w.mustEmit(alice, events.TypeContractFund, &events.ContractFundPayload{ContractID: "c-3", EscrowID: "esc-c3"})

	// Completion before every milestone is approved is refused.
	if _, err := w.emit(alice, events.TypeContractComplete, &events.ContractCompletePayload{ContractID: "c-3"}); err == nil || err.Kind != protocol.KindConflict {
		t.Fatalf("premature completion: %v", err)
	}

	w.mustEmit(bob, events.TypeContractMilestoneSubmit, &events.MilestoneSubmitPayload{ContractID: "c-3", MilestoneID: "m1"})
	w.mustEmit(alice, events.TypeContractMilestoneApprove, &events.MilestoneApprovePayload{ContractID: "c-3", MilestoneID: "m1"})
	w.mustEmit(bob, events.TypeContractMilestoneSubmit, &events.MilestoneSubmitPayload{ContractID: "c-3", MilestoneID: "m2"})
	w.mustEmit(alice, events.TypeContractMilestoneApprove, &events.MilestoneApprovePayload{ContractID: "c-3", MilestoneID: "m2"})

	// Outsiders cannot finalize.
	if _, err := w.emit(carol, events.TypeContractComplete, &events.ContractCompletePayload{ContractID: "c-3"}); err == nil || err.Kind != protocol.KindUnauthorized {
		t.Fatalf("outsider completion: %v", err)
	}

	env := w.mustEmit(bob, events.TypeContractComplete, &events.ContractCompletePayload{ContractID: "c-3", Note: "all milestones delivered"})
	c := w.st.Contracts["c-3"]
	if c.State != ContractCompleted {
		t.Errorf("contract state = %s", c.State)
	}
	if c.LastEvent != env.Hash {
		t.Error("finalization not recorded on the contract chain")
	}
}

func TestTaskMarketFlow(t *testing.T) {
	w := newWorld(t)
	client := newActor(t)
	worker := newActor(t)
	w.mint(client, client.addr, "1000")

	w.mustEmit(client, events.TypeListingPublish, &events.ListingPublishPayload{
		ListingID: "l-1", Kind: "task", Title: "scrape dataset",
		Pricing: events.Pricing{Mode: "negotiable"},
		Task: &events.TaskDetails{
			Requirements: "collect and normalize listings",
			Deliverables: []string{"dataset.json"},
		},
	})
	w.mustEmit(worker, events.TypeBidSubmit, &events.BidSubmitPayload{
		ListingID: "l-1", BidID: "b-1", Amount: "250",
	})
	w.mustEmit(client, events.TypeBidAccept, &events.BidAcceptPayload{
		ListingID: "l-1", BidID: "b-1", EscrowID: "esc-l1",
	})

	l := w.st.Listings["l-1"]
	if l.Status != ListingSold || l.AcceptedBidID != "b-1" {
		t.Fatalf("after accept: status=%s accepted=%s", l.Status, l.AcceptedBidID)
	}
	if got := w.st.walletOf(client.addr); got.Available != 750 || got.Locked != 250 {
		t.Fatalf("client after accept: available=%d locked=%d", got.Available, got.Locked)
	}

	w.mustEmit(worker, events.TypeDeliverySubmit, &events.DeliverySubmitPayload{
		ListingID: "l-1", DeliveryID: "d-1", PayloadHash: "abc123",
	})
	w.mustEmit(client, events.TypeDeliveryConfirm, &events.DeliveryConfirmPayload{
		ListingID: "l-1", DeliveryID: "d-1",
	})
	if got := w.st.walletOf(worker.addr).Available; got != 250 {
		t.Errorf("worker paid %d, want 250", got)
	}
	if w.st.Escrows["esc-l1"].State != EscrowReleased {
		t.Errorf("escrow state = %s", w.st.Escrows["esc-l1"].State)
	}
}

func TestTaskDeliveryRejectRetry(t *testing.T) {
	w := newWorld(t)
	client := newActor(t)
	worker := newActor(t)
	w.mint(client, client.addr, "300")

	w.mustEmit(client, events.TypeListingPublish, &events.ListingPublishPayload{
		ListingID: "l-2", Kind: "task", Title: "t",
		Pricing: events.Pricing{Mode: "fixed", Price: "100"},
		Task:    &events.TaskDetails{Requirements: "r", Deliverables: []string{"d"}},
	})
	w.mustEmit(worker, events.TypeBidSubmit, &events.BidSubmitPayload{ListingID: "l-2", BidID: "b", Amount: "100"})
	w.mustEmit(client, events.TypeBidAccept, &events.BidAcceptPayload{ListingID: "l-2", BidID: "b", EscrowID: "e2"})
	w.mustEmit(worker, events.TypeDeliverySubmit, &events.DeliverySubmitPayload{ListingID: "l-2", DeliveryID: "d1", PayloadHash: "h1"})
	w.mustEmit(client, events.TypeDeliveryReject, &events.DeliveryRejectPayload{ListingID: "l-2", DeliveryID: "d1", Reason: "incomplete"})

	// Worker retries under the same id, then the client confirms.
	w.mustEmit(worker, events.TypeDeliverySubmit, &events.DeliverySubmitPayload{ListingID: "l-2", DeliveryID: "d1", PayloadHash: "h2"})
	w.mustEmit(client, events.TypeDeliveryConfirm, &events.DeliveryConfirmPayload{ListingID: "l-2", DeliveryID: "d1"})
	if got := w.st.walletOf(worker.addr).Available; got != 100 {
		t.Errorf("worker = %d, want 100", got)
	}
}

func TestInfoMarketPurchase(t *testing.T) {
	w := newWorld(t)
	seller := newActor(t)
	buyer := newActor(t)
	w.mint(buyer, buyer.addr, "100")

	w.mustEmit(seller, events.TypeListingPublish, &events.ListingPublishPayload{
		ListingID: "inf-1", Kind: "info", Title: "api credentials dataset",
		Pricing: events.Pricing{Mode: "fixed", Price: "40"},
		Info:    &events.InfoDetails{ContentHash: "deadbeef", ContentSize: 2048},
	})
	w.mustEmit(buyer, events.TypeInfoPurchase, &events.InfoPurchasePayload{
		ListingID: "inf-1", OrderID: "ord-1", EscrowID: "esc-i1", BuyerEphPub: "ZXBoZW1lcmFs",
	})
	if got := w.st.walletOf(buyer.addr); got.Available != 60 || got.Locked != 40 {
		t.Fatalf("buyer after purchase: available=%d locked=%d", got.Available, got.Locked)
	}

	// Seller delivers the sealed key; delivery id is the order id.
	w.mustEmit(seller, events.TypeDeliverySubmit, &events.DeliverySubmitPayload{
		ListingID: "inf-1", DeliveryID: "ord-1", PayloadHash: "sealedkeyhash",
	})
	w.mustEmit(buyer, events.TypeDeliveryConfirm, &events.DeliveryConfirmPayload{
		ListingID: "inf-1", DeliveryID: "ord-1",
	})
	if got := w.st.walletOf(seller.addr).Available; got != 40 {
		t.Errorf("seller = %d, want 40", got)
	}
	if w.st.Listings["inf-1"].Orders["ord-1"].State != OrderCompleted {
		t.Errorf("order state = %s", w.st.Listings["inf-1"].Orders["ord-1"].State)
	}
	// Info listings keep selling after a completed order.
	if w.st.Listings["inf-1"].Status != ListingActive {
		t.Errorf("listing status = %s", w.st.Listings["inf-1"].Status)
	}
}

func TestCapabilityInvoke(t *testing.T) {
	w := newWorld(t)
	provider := newActor(t)
	caller := newActor(t)
	w.mint(caller, caller.addr, "100")

	w.mustEmit(provider, events.TypeListingPublish, &events.ListingPublishPayload{
		ListingID: "cap-1", Kind: "capability", Title: "summarizer",
		Pricing:    events.Pricing{Mode: "per-call", Price: "5"},
		Capability: &events.CapabilityDetails{Endpoint: "https://cap.example/run", QuotaCalls: 10},
	})
	w.mustEmit(caller, events.TypeCapabilityInvoke, &events.CapabilityInvokePayload{ListingID: "cap-1", Calls: 4})
	if got := w.st.walletOf(caller.addr).Available; got != 80 {
		t.Errorf("caller = %d, want 80", got)
	}
	if got := w.st.walletOf(provider.addr).Available; got != 20 {
		t.Errorf("provider = %d, want 20", got)
	}
	if got := w.st.Listings["cap-1"].QuotaRemaining; got != 6 {
		t.Errorf("quota = %d, want 6", got)
	}

	_, err := w.emit(caller, events.TypeCapabilityInvoke, &events.CapabilityInvokePayload{ListingID: "cap-1", Calls: 7})
	if err == nil || err.Code != protocol.CodeInsufficient {
		t.Errorf("quota overrun: got %v", err)
	}
}

func TestReputationRules(t *testing.T) {
	w := newWorld(t)
	alice := newActor(t)
	bob := newActor(t)

	_, err := w.emit(alice, events.TypeReputationRecord, &events.ReputationRecordPayload{
		Subject: alice.did, Dimension: "quality", Score: 5,
	})
	if err == nil {
		t.Error("self-review accepted")
	}

	w.mustEmit(alice, events.TypeReputationRecord, &events.ReputationRecordPayload{
		Subject: bob.did, Dimension: "quality", Score: 4, Ref: "contract-hash-1",
	})
	w.mustEmit(alice, events.TypeReputationRecord, &events.ReputationRecordPayload{
		Subject: bob.did, Dimension: "quality", Score: 2, Ref: "contract-hash-2",
	})

	_, err = w.emit(alice, events.TypeReputationRecord, &events.ReputationRecordPayload{
		Subject: bob.did, Dimension: "quality", Score: 1, Ref: "contract-hash-1",
	})
	if err == nil || err.Kind != protocol.KindDuplicate {
		t.Errorf("duplicate (issuer,ref,dimension): got %v", err)
	}

	agg := w.st.Reputation[bob.did].Dimensions["quality"]
	if agg.Count != 2 || agg.AvgTenths() != 30 {
		t.Errorf("aggregate count=%d avgTenths=%d", agg.Count, agg.AvgTenths())
	}
}

func TestDAOLifecycle(t *testing.T) {
	w := newWorld(t)
	alice := newActor(t)
	bob := newActor(t)
	carol := newActor(t)
	w.mint(alice, alice.addr, "10000") // sqrt = 100
	w.mint(bob, bob.addr, "2500")      // sqrt = 50
	w.mint(carol, carol.addr, "400")   // sqrt = 20

	w.mustEmit(alice, events.TypeDAOTreasuryDeposit, &events.DAOTreasuryDepositPayload{Amount: "500"})
	if w.st.Treasury != 500 {
		t.Fatalf("treasury = %d", w.st.Treasury)
	}

	w.mustEmit(alice, events.TypeDAOProposalCreate, &events.DAOProposalCreatePayload{
		ProposalID: "p-1", Kind: "treasury", Title: "grant",
		VotingPeriodMs: 60000,
		Spend:          &events.TreasurySpendAction{To: carol.addr, Amount: "300"},
	})

	// Carol delegates to Bob before voting opens.
	w.mustEmit(carol, events.TypeDAODelegateSet, &events.DAODelegateSetPayload{Delegate: bob.did})

	w.mustEmit(alice, events.TypeDAOProposalAdvance, &events.DAOProposalAdvancePayload{ProposalID: "p-1"})
	if w.st.Proposals["p-1"].State != ProposalVoting {
		t.Fatalf("proposal state = %s", w.st.Proposals["p-1"].State)
	}

	w.mustEmit(alice, events.TypeDAOVoteCast, &events.DAOVoteCastPayload{ProposalID: "p-1", Support: "yes"})
	w.mustEmit(bob, events.TypeDAOVoteCast, &events.DAOVoteCastPayload{ProposalID: "p-1", Support: "yes"})

	// A delegator cannot also vote.
	_, err := w.emit(carol, events.TypeDAOVoteCast, &events.DAOVoteCastPayload{ProposalID: "p-1", Support: "no"})
	if err == nil {
		t.Error("delegated voter cast a vote")
	}

	prop := w.st.Proposals["p-1"]
	if prop.Votes[bob.did].Power != 70 { // own 50 + delegated 20
		t.Errorf("bob voting power = %d, want 70", prop.Votes[bob.did].Power)
	}

	// Close voting after the period elapses.
	w.now += 120000
	w.mustEmit(bob, events.TypeDAOProposalAdvance, &events.DAOProposalAdvancePayload{ProposalID: "p-1"})
	if w.st.Proposals["p-1"].State != ProposalPassed {
		t.Fatalf("tally: %s", w.st.Proposals["p-1"].State)
	}

	w.mustEmit(alice, events.TypeDAOTimelockQueue, &events.DAOTimelockQueuePayload{
		ProposalID: "p-1", ExecuteAfter: w.now + 10000,
	})
	_, err = w.emit(alice, events.TypeDAOTimelockExecute, &events.DAOTimelockExecutePayload{ProposalID: "p-1"})
	if err == nil {
		t.Error("timelock executed early")
	}
	w.now += 20000
	w.mustEmit(alice, events.TypeDAOTimelockExecute, &events.DAOTimelockExecutePayload{ProposalID: "p-1"})

	w.mustEmit(alice, events.TypeDAOTreasurySpend, &events.DAOTreasurySpendPayload{
		ProposalID: "p-1", To: carol.addr, Amount: "300",
	})
	if w.st.Treasury != 200 {
		t.Errorf("treasury after spend = %d", w.st.Treasury)
	}
	if got := w.st.walletOf(carol.addr).Available; got != 700 {
		t.Errorf("carol = %d, want 700", got)
	}

	// The approved action spends once.
	_, err = w.emit(alice, events.TypeDAOTreasurySpend, &events.DAOTreasurySpendPayload{
		ProposalID: "p-1", To: carol.addr, Amount: "300",
	})
	if err == nil || err.Kind != protocol.KindDuplicate {
		t.Errorf("double spend: got %v", err)
	}
}

func TestIdentityLifecycle(t *testing.T) {
	w := newWorld(t)
	alice := newActor(t)

	w.mustEmit(alice, events.TypeIdentityRegister, &events.IdentityRegisterPayload{
		DID: alice.did, Address: alice.addr, Capabilities: []string{"trade"},
	})
	_, err := w.emit(alice, events.TypeIdentityRegister, &events.IdentityRegisterPayload{
		DID: alice.did, Address: alice.addr,
	})
	if err == nil || err.Kind != protocol.KindDuplicate {
		t.Errorf("re-register: got %v", err)
	}

	// Rotation installs an operational key with a possession proof.
	opPub, opPriv, _ := crypto.GenerateEd25519()
	opDID, _ := identity.DIDFromPublicKey(opPub)
	sig, _ := crypto.Sign(opPriv, []byte(alice.did))
	w.mustEmit(alice, events.TypeIdentityRotateKey, &events.IdentityRotateKeyPayload{
		NewPub:        strings.TrimPrefix(opDID, identity.DIDPrefix),
		PossessionSig: base64.StdEncoding.EncodeToString(sig),
	})
	if got := len(w.st.Identities[alice.did].OperationalKeys); got != 1 {
		t.Errorf("operational keys = %d", got)
	}

	w.mustEmit(alice, events.TypeIdentityRevoke, &events.IdentityRevokePayload{Reason: "compromised"})
	_, err = w.emit(alice, events.TypeIdentityCapability, &events.IdentityCapabilityPayload{Capability: "x"})
	if err == nil || err.Code != protocol.CodeTerminalState {
		t.Errorf("event on revoked identity: got %v", err)
	}
}

func TestCopyOnWriteIsolation(t *testing.T) {
	w := newWorld(t)
	alice := newActor(t)
	bob := newActor(t)
	w.mint(alice, alice.addr, "100")
	before := w.st

	w.mustEmit(alice, events.TypeWalletTransfer, &events.WalletTransferPayload{
		From: alice.addr, To: bob.addr, Amount: "10", Fee: "1",
	})

	// The prior state is untouched by the apply.
	if got := before.walletOf(alice.addr).Available; got != 100 {
		t.Errorf("parent state mutated: alice = %d", got)
	}
	if got := w.st.walletOf(alice.addr).Available; got != 89 {
		t.Errorf("child state: alice = %d", got)
	}
}

