package state

import (
	"github.com/clawnet/claw-node/pkg/events"
	"github.com/clawnet/claw-node/pkg/protocol"
)

// Escrow states.
const (
	EscrowActive   = "Active"
	EscrowReleased = "Released"
	EscrowRefunded = "Refunded"
	EscrowExpired  = "Expired"
	EscrowDisputed = "Disputed"
)

// Escrow holds locked funds between a depositor and a beneficiary.
// Amounts released and refunded never exceed Amount; a terminal state
// implies released+refunded == amount.
type Escrow struct {
	ID            string               `json:"id"`
	Depositor     string               `json:"depositor"`   // address
	Beneficiary   string               `json:"beneficiary"` // address
	Arbiter       string               `json:"arbiter,omitempty"` // DID
	Amount        uint64               `json:"amount"`
	Released      uint64               `json:"released"`
	Refunded      uint64               `json:"refunded"`
	State         string               `json:"state"`
	ReleaseRules  []events.ReleaseRule `json:"releaseRules"`
	ExpiresAt     int64                `json:"expiresAt,omitempty"`
	CreatedAt     int64                `json:"createdAt"`
	LastEventHash string               `json:"lastEventHash"`
}

func (e *Escrow) cloneEscrow() *Escrow {
	c := *e
	c.ReleaseRules = append([]events.ReleaseRule(nil), e.ReleaseRules...)
	return &c
}

func (e *Escrow) remaining() uint64 {
	return e.Amount - e.Released - e.Refunded
}

func (e *Escrow) terminal() bool {
	switch e.State {
	case EscrowReleased, EscrowRefunded, EscrowExpired:
		return true
	}
	return false
}

func (e *Escrow) hasRule(id string) bool {
	for _, r := range e.ReleaseRules {
		if r.ID == id {
			return true
		}
	}
	return false
}

func canApplyEscrow(st *State, env *events.Envelope, p events.Validator) *protocol.Error {
	issuerAddr := issuerAddress(env)

	switch pl := p.(type) {
	case *events.EscrowCreatePayload:
		if _, exists := st.Escrows[pl.EscrowID]; exists {
			return protocol.Errf(protocol.KindDuplicate, protocol.CodeDuplicateCreate, "escrow %s already exists", pl.EscrowID)
		}
		if issuerAddr != pl.Depositor {
			return unauthorized("issuer does not own depositor wallet %s", pl.Depositor)
		}
		amount := mustAmount(pl.Amount)
		if st.walletOf(pl.Depositor).Available < amount {
			return conflict(protocol.CodeInsufficient, "depositor %s has %d available, escrow needs %d",
				pl.Depositor, st.walletOf(pl.Depositor).Available, amount)
		}
		return nil

	case *events.EscrowFundPayload:
		esc, err := liveEscrow(st, pl.EscrowID)
		if err != nil {
			return err
		}
		if esc.State != EscrowActive {
			return conflict(protocol.CodeBadTransition, "escrow %s is %s, cannot fund", esc.ID, esc.State)
		}
		if issuerAddr != esc.Depositor {
			return unauthorized("only the depositor can fund escrow %s", esc.ID)
		}
		amount := mustAmount(pl.Amount)
		if esc.Amount+amount < esc.Amount {
			return conflict(protocol.CodeBadPayload, "fund overflows escrow amount")
		}
		if st.walletOf(esc.Depositor).Available < amount {
			return conflict(protocol.CodeInsufficient, "depositor has insufficient available funds")
		}
		return nil

	case *events.EscrowReleasePayload:
		esc, err := liveEscrow(st, pl.EscrowID)
		if err != nil {
			return err
		}
		if esc.State != EscrowActive {
			return conflict(protocol.CodeBadTransition, "escrow %s is %s, cannot release", esc.ID, esc.State)
		}
		if issuerAddr != esc.Depositor && env.Issuer != esc.Arbiter {
			return unauthorized("release requires depositor or arbiter")
		}
		if !esc.hasRule(pl.RuleID) {
			return conflict(protocol.CodeBadTransition, "escrow %s has no release rule %q", esc.ID, pl.RuleID)
		}
		if amount := mustAmount(pl.Amount); amount > esc.remaining() {
			return conflict(protocol.CodeInsufficient, "escrow %s has %d remaining, release asks %d", esc.ID, esc.remaining(), amount)
		}
		return nil

	case *events.EscrowRefundPayload:
		esc, err := liveEscrow(st, pl.EscrowID)
		if err != nil {
			return err
		}
		if esc.State != EscrowActive {
			return conflict(protocol.CodeBadTransition, "escrow %s is %s, cannot refund", esc.ID, esc.State)
		}
		if issuerAddr != esc.Depositor && env.Issuer != esc.Arbiter {
			return unauthorized("refund requires depositor or arbiter")
		}
		if amount := mustAmount(pl.Amount); amount > esc.remaining() {
			return conflict(protocol.CodeInsufficient, "escrow %s has %d remaining, refund asks %d", esc.ID, esc.remaining(), amount)
		}
		return nil

	case *events.EscrowExpirePayload:
		esc, err := liveEscrow(st, pl.EscrowID)
		if err != nil {
			return err
		}
		if esc.State != EscrowActive {
			return conflict(protocol.CodeBadTransition, "escrow %s is %s, cannot expire", esc.ID, esc.State)
		}
		if esc.ExpiresAt == 0 {
			return conflict(protocol.CodeBadTransition, "escrow %s has no expiry", esc.ID)
		}
		if env.TS < esc.ExpiresAt {
			return conflict(protocol.CodeBadTransition, "escrow %s expires at %d, event at %d", esc.ID, esc.ExpiresAt, env.TS)
		}
		return nil

	case *events.EscrowDisputePayload:
		esc, err := liveEscrow(st, pl.EscrowID)
		if err != nil {
			return err
		}
		if esc.State != EscrowActive {
			return conflict(protocol.CodeBadTransition, "escrow %s is %s, cannot dispute", esc.ID, esc.State)
		}
		if issuerAddr != esc.Depositor && issuerAddr != esc.Beneficiary {
			return unauthorized("dispute requires depositor or beneficiary")
		}
		return nil

	case *events.EscrowResolvePayload:
		esc, err := liveEscrow(st, pl.EscrowID)
		if err != nil {
			return err
		}
		if esc.State != EscrowDisputed {
			return conflict(protocol.CodeBadTransition, "escrow %s is %s, resolve requires Disputed", esc.ID, esc.State)
		}
		if esc.Arbiter == "" || env.Issuer != esc.Arbiter {
			return unauthorized("resolve requires the arbiter")
		}
		rel := mustAmount(pl.ReleaseAmount)
		ref := mustAmount(pl.RefundAmount)
		if rel+ref < rel || rel+ref != esc.remaining() {
			return protocol.Errf(protocol.KindConflict, protocol.CodeSumMismatch,
				"resolution routes %d+%d, escrow %s holds %d", rel, ref, esc.ID, esc.remaining())
		}
		return nil
	}
	return protocol.Errf(protocol.KindInvalid, protocol.CodeUnknownType, "unexpected escrow payload %T", p)
}

func liveEscrow(st *State, id string) (*Escrow, *protocol.Error) {
	esc, ok := st.Escrows[id]
	if !ok {
		return nil, notFound("escrow %s does not exist", id)
	}
	if esc.terminal() {
		return nil, conflict(protocol.CodeTerminalState, "escrow %s is terminal (%s)", id, esc.State)
	}
	return esc, nil
}

// lockIntoEscrow moves amount from depositor.available into the
// escrow's locked funds. Maps must already be copied.
func lockIntoEscrow(ns *State, esc *Escrow, amount uint64) {
	w := mutWallet(ns, esc.Depositor)
	w.Available -= amount
	w.Locked += amount
	esc.Amount += amount
}

// payOutOfEscrow routes amount of the escrow's locked funds to the
// beneficiary (release=true) or back to the depositor.
func payOutOfEscrow(ns *State, esc *Escrow, amount uint64, release bool) {
	if amount == 0 {
		return
	}
	dep := mutWallet(ns, esc.Depositor)
	dep.Locked -= amount
	if release {
		dep.TotalOut += amount
		ben := mutWallet(ns, esc.Beneficiary)
		ben.Available += amount
		ben.TotalIn += amount
		esc.Released += amount
	} else {
		dep.Available += amount
		esc.Refunded += amount
	}
}

// mutEscrow returns a writable copy of an escrow inside an
// already-copied Escrows map.
func mutEscrow(ns *State, id string) *Escrow {
	esc := ns.Escrows[id].cloneEscrow()
	ns.Escrows[id] = esc
	return esc
}

func applyEscrow(ns *State, env *events.Envelope, p events.Validator) {
	ns.Escrows = copyMap(ns.Escrows)
	ns.Wallets = copyMap(ns.Wallets)

	switch pl := p.(type) {
	case *events.EscrowCreatePayload:
		esc := &Escrow{
			ID:           pl.EscrowID,
			Depositor:    pl.Depositor,
			Beneficiary:  pl.Beneficiary,
			Arbiter:      pl.Arbiter,
			State:        EscrowActive,
			ReleaseRules: append([]events.ReleaseRule(nil), pl.ReleaseRules...),
			ExpiresAt:    pl.ExpiresAt,
			CreatedAt:    env.TS,
		}
		lockIntoEscrow(ns, esc, mustAmount(pl.Amount))
		esc.LastEventHash = env.Hash
		ns.Escrows[esc.ID] = esc
		return
	}

	var esc *Escrow
	switch pl := p.(type) {
	case *events.EscrowFundPayload:
		esc = mutEscrow(ns, pl.EscrowID)
		lockIntoEscrow(ns, esc, mustAmount(pl.Amount))

	case *events.EscrowReleasePayload:
		esc = mutEscrow(ns, pl.EscrowID)
		payOutOfEscrow(ns, esc, mustAmount(pl.Amount), true)
		if esc.remaining() == 0 {
			esc.State = EscrowReleased
		}

	case *events.EscrowRefundPayload:
		esc = mutEscrow(ns, pl.EscrowID)
		payOutOfEscrow(ns, esc, mustAmount(pl.Amount), false)
		if esc.remaining() == 0 {
			esc.State = EscrowRefunded
		}

	case *events.EscrowExpirePayload:
		// Default expiry policy refunds the remainder to the depositor.
		esc = mutEscrow(ns, pl.EscrowID)
		payOutOfEscrow(ns, esc, esc.remaining(), false)
		esc.State = EscrowExpired

	case *events.EscrowDisputePayload:
		esc = mutEscrow(ns, pl.EscrowID)
		esc.State = EscrowDisputed

	case *events.EscrowResolvePayload:
		esc = mutEscrow(ns, pl.EscrowID)
		rel := mustAmount(pl.ReleaseAmount)
		ref := mustAmount(pl.RefundAmount)
		payOutOfEscrow(ns, esc, rel, true)
		payOutOfEscrow(ns, esc, ref, false)
		if rel >= ref {
			esc.State = EscrowReleased
		} else {
			esc.State = EscrowRefunded
		}
	}
	esc.LastEventHash = env.Hash
}
