package state

import (
	"github.com/clawnet/claw-node/internal/identity"
	"github.com/clawnet/claw-node/pkg/events"
	"github.com/clawnet/claw-node/pkg/protocol"
)

// Contract states.
const (
	ContractDraft       = "Draft"
	ContractSigned      = "Signed"
	ContractActive      = "Active"
	ContractInMilestone = "MilestoneInProgress"
	ContractCompleted   = "Completed"
	ContractDisputed    = "Disputed"
	ContractCancelled   = "Cancelled"
)

// Milestone states.
const (
	MilestonePending   = "Pending"
	MilestoneSubmitted = "Submitted"
	MilestoneApproved  = "Approved"
)

type Milestone struct {
	ID          string `json:"id"`
	Amount      uint64 `json:"amount"`
	Description string `json:"description,omitempty"`
	State       string `json:"state"`
}

// Contract is a milestone-based service agreement between a client
// and a provider, funded through an escrow once both sides signed.
type Contract struct {
	ID           string      `json:"id"`
	Client       string      `json:"client"`   // DID
	Provider     string      `json:"provider"` // DID
	Arbiter      string      `json:"arbiter,omitempty"`
	TotalAmount  uint64      `json:"totalAmount"`
	Milestones   []Milestone `json:"milestones"`
	State        string      `json:"state"`
	SignedClient bool        `json:"signedClient"`
	SignedProv   bool        `json:"signedProvider"`
	EscrowID     string      `json:"escrowId,omitempty"`
	Deadline     int64       `json:"deadline,omitempty"`
	CreatedAt    int64       `json:"createdAt"`
	LastEvent    string      `json:"lastEventHash"`
}

func (c *Contract) cloneContract() *Contract {
	cc := *c
	cc.Milestones = append([]Milestone(nil), c.Milestones...)
	return &cc
}

func (c *Contract) milestone(id string) *Milestone {
	for i := range c.Milestones {
		if c.Milestones[i].ID == id {
			return &c.Milestones[i]
		}
	}
	return nil
}

func (c *Contract) terminal() bool {
	return c.State == ContractCompleted || c.State == ContractCancelled
}

func (c *Contract) party(did string) bool {
	return did == c.Client || did == c.Provider
}

func mutContract(ns *State, id string) *Contract {
	c := ns.Contracts[id].cloneContract()
	ns.Contracts[id] = c
	return c
}

func liveContract(st *State, id string) (*Contract, *protocol.Error) {
	c, ok := st.Contracts[id]
	if !ok {
		return nil, notFound("contract %s does not exist", id)
	}
	if c.terminal() {
		return nil, conflict(protocol.CodeTerminalState, "contract %s is terminal (%s)", id, c.State)
	}
	return c, nil
}

func canApplyContract(st *State, env *events.Envelope, p events.Validator) *protocol.Error {
	switch pl := p.(type) {
	case *events.ContractCreatePayload:
		if _, exists := st.Contracts[pl.ContractID]; exists {
			return protocol.Errf(protocol.KindDuplicate, protocol.CodeDuplicateCreate, "contract %s already exists", pl.ContractID)
		}
		if env.Issuer != pl.Client && env.Issuer != pl.Provider {
			return unauthorized("contract creator must be client or provider")
		}
		return nil

	case *events.ContractSignPayload:
		c, err := liveContract(st, pl.ContractID)
		if err != nil {
			return err
		}
		if c.State != ContractDraft {
			return conflict(protocol.CodeBadTransition, "contract %s is %s, signing closed", c.ID, c.State)
		}
		if !c.party(env.Issuer) {
			return unauthorized("signer is not a contract party")
		}
		if (env.Issuer == c.Client && c.SignedClient) || (env.Issuer == c.Provider && c.SignedProv) {
			return protocol.Errf(protocol.KindDuplicate, protocol.CodeDuplicateCreate, "party already signed contract %s", c.ID)
		}
		return nil

	case *events.ContractFundPayload:
		c, err := liveContract(st, pl.ContractID)
		if err != nil {
			return err
		}
		if c.State != ContractSigned {
			return conflict(protocol.CodeBadTransition, "contract %s is %s, funding requires Signed", c.ID, c.State)
		}
		if env.Issuer != c.Client {
			return unauthorized("only the client funds contract %s", c.ID)
		}
		if _, exists := st.Escrows[pl.EscrowID]; exists {
			return protocol.Errf(protocol.KindDuplicate, protocol.CodeDuplicateCreate, "escrow %s already exists", pl.EscrowID)
		}
		clientAddr := issuerAddress(env)
		if st.walletOf(clientAddr).Available < c.TotalAmount {
			return conflict(protocol.CodeInsufficient, "funding contract %s needs %d available", c.ID, c.TotalAmount)
		}
		return nil

	case *events.MilestoneSubmitPayload:
		c, err := liveContract(st, pl.ContractID)
		if err != nil {
			return err
		}
		if c.State != ContractActive {
			return conflict(protocol.CodeBadTransition, "contract %s is %s, submit requires Active", c.ID, c.State)
		}
		if env.Issuer != c.Provider {
			return unauthorized("only the provider submits milestones")
		}
		m := c.milestone(pl.MilestoneID)
		if m == nil {
			return notFound("contract %s has no milestone %s", c.ID, pl.MilestoneID)
		}
		if m.State != MilestonePending {
			return conflict(protocol.CodeBadTransition, "milestone %s is %s", m.ID, m.State)
		}
		return nil

	case *events.MilestoneApprovePayload:
		c, err := liveContract(st, pl.ContractID)
		if err != nil {
			return err
		}
		return canJudgeMilestone(c, env.Issuer, pl.MilestoneID)

	case *events.MilestoneRejectPayload:
		c, err := liveContract(st, pl.ContractID)
		if err != nil {
			return err
		}
		return canJudgeMilestone(c, env.Issuer, pl.MilestoneID)

	case *events.ContractCompletePayload:
		// Explicit finalization: the last milestone approval already
		// moves the contract to Completed, so completion only attests
		// that every milestone is approved.
		c, ok := st.Contracts[pl.ContractID]
		if !ok {
			return notFound("contract %s does not exist", pl.ContractID)
		}
		if !c.party(env.Issuer) {
			return unauthorized("completion requires a contract party")
		}
		if c.State == ContractCancelled {
			return conflict(protocol.CodeTerminalState, "contract %s is terminal (%s)", c.ID, c.State)
		}
		for i := range c.Milestones {
			if c.Milestones[i].State != MilestoneApproved {
				return conflict(protocol.CodeBadTransition,
					"contract %s milestone %s is %s, completion requires all approved", c.ID, c.Milestones[i].ID, c.Milestones[i].State)
			}
		}
		return nil

	case *events.ContractDisputePayload:
		c, err := liveContract(st, pl.ContractID)
		if err != nil {
			return err
		}
		if c.State != ContractActive && c.State != ContractInMilestone {
			return conflict(protocol.CodeBadTransition, "contract %s is %s, cannot dispute", c.ID, c.State)
		}
		if !c.party(env.Issuer) {
			return unauthorized("dispute requires a contract party")
		}
		return nil

	case *events.ContractResolvePayload:
		c, err := liveContract(st, pl.ContractID)
		if err != nil {
			return err
		}
		if c.State != ContractDisputed {
			return conflict(protocol.CodeBadTransition, "contract %s is %s, resolve requires Disputed", c.ID, c.State)
		}
		if c.Arbiter == "" || env.Issuer != c.Arbiter {
			return unauthorized("resolve requires the contract arbiter")
		}
		esc := st.Escrows[c.EscrowID]
		if esc == nil {
			return conflict(protocol.CodeBadTransition, "contract %s has no funded escrow", c.ID)
		}
		prov := mustAmount(pl.ProviderAmount)
		cli := mustAmount(pl.ClientAmount)
		if pl.Outcome != "active" && (prov+cli < prov || prov+cli != esc.remaining()) {
			return protocol.Errf(protocol.KindConflict, protocol.CodeSumMismatch,
				"resolution routes %d+%d, escrow holds %d", prov, cli, esc.remaining())
		}
		if pl.Outcome == "active" && (prov != 0 || cli != 0) {
			return protocol.Errf(protocol.KindConflict, protocol.CodeSumMismatch,
				"resuming a contract must not move funds")
		}
		return nil

	case *events.ContractCancelPayload:
		c, err := liveContract(st, pl.ContractID)
		if err != nil {
			return err
		}
		if c.State != ContractDraft && c.State != ContractSigned {
			return conflict(protocol.CodeBadTransition, "contract %s is %s, cancel only before funding", c.ID, c.State)
		}
		if !c.party(env.Issuer) {
			return unauthorized("cancel requires a contract party")
		}
		return nil

	case *events.ContractTerminatePayload:
		c, err := liveContract(st, pl.ContractID)
		if err != nil {
			return err
		}
		if c.State != ContractActive {
			return conflict(protocol.CodeBadTransition, "contract %s is %s, terminate requires Active", c.ID, c.State)
		}
		if c.Deadline == 0 || env.TS < c.Deadline {
			return conflict(protocol.CodeBadTransition, "contract %s deadline has not passed", c.ID)
		}
		if !c.party(env.Issuer) {
			return unauthorized("terminate requires a contract party")
		}
		return nil
	}
	return protocol.Errf(protocol.KindInvalid, protocol.CodeUnknownType, "unexpected contract payload %T", p)
}

func canJudgeMilestone(c *Contract, issuer, milestoneID string) *protocol.Error {
	if c.State != ContractInMilestone {
		return conflict(protocol.CodeBadTransition, "contract %s is %s, judging requires MilestoneInProgress", c.ID, c.State)
	}
	if issuer != c.Client && issuer != c.Arbiter {
		return unauthorized("milestone judgment requires client or arbiter")
	}
	m := c.milestone(milestoneID)
	if m == nil {
		return notFound("contract %s has no milestone %s", c.ID, milestoneID)
	}
	if m.State != MilestoneSubmitted {
		return conflict(protocol.CodeBadTransition, "milestone %s is %s", m.ID, m.State)
	}
	return nil
}

func applyContract(ns *State, env *events.Envelope, p events.Validator) {
	ns.Contracts = copyMap(ns.Contracts)

	switch pl := p.(type) {
	case *events.ContractCreatePayload:
		ms := make([]Milestone, len(pl.Milestones))
		for i, m := range pl.Milestones {
			ms[i] = Milestone{
				ID:          m.ID,
				Amount:      mustAmount(m.Amount),
				Description: m.Description,
				State:       MilestonePending,
			}
		}
		ns.Contracts[pl.ContractID] = &Contract{
			ID:          pl.ContractID,
			Client:      pl.Client,
			Provider:    pl.Provider,
			Arbiter:     pl.Arbiter,
			TotalAmount: mustAmount(pl.TotalAmount),
			Milestones:  ms,
			State:       ContractDraft,
			Deadline:    pl.Deadline,
			CreatedAt:   env.TS,
			LastEvent:   env.Hash,
		}
		return

	case *events.ContractSignPayload:
		c := mutContract(ns, pl.ContractID)
		c.LastEvent = env.Hash
		if env.Issuer == c.Client {
			c.SignedClient = true
		} else {
			c.SignedProv = true
		}
		if c.SignedClient && c.SignedProv {
			c.State = ContractSigned
		}
		return

	case *events.ContractFundPayload:
		ns.Escrows = copyMap(ns.Escrows)
		ns.Wallets = copyMap(ns.Wallets)
		c := mutContract(ns, pl.ContractID)
		c.LastEvent = env.Hash
		c.State = ContractActive
		c.EscrowID = pl.EscrowID

		providerAddr := mustAddressFromDID(c.Provider)
		esc := &Escrow{
			ID:          pl.EscrowID,
			Depositor:   issuerAddress(env),
			Beneficiary: providerAddr,
			Arbiter:     c.Arbiter,
			State:       EscrowActive,
			ReleaseRules: []events.ReleaseRule{
				{ID: "milestones", Kind: "on-milestone", Ref: c.ID},
			},
			CreatedAt:     env.TS,
			LastEventHash: env.Hash,
		}
		lockIntoEscrow(ns, esc, c.TotalAmount)
		ns.Escrows[esc.ID] = esc
		return

	case *events.MilestoneSubmitPayload:
		c := mutContract(ns, pl.ContractID)
		c.LastEvent = env.Hash
		c.milestone(pl.MilestoneID).State = MilestoneSubmitted
		c.State = ContractInMilestone
		return

	case *events.MilestoneApprovePayload:
		ns.Escrows = copyMap(ns.Escrows)
		ns.Wallets = copyMap(ns.Wallets)
		c := mutContract(ns, pl.ContractID)
		c.LastEvent = env.Hash
		m := c.milestone(pl.MilestoneID)
		m.State = MilestoneApproved

		esc := mutEscrow(ns, c.EscrowID)
		payOutOfEscrow(ns, esc, m.Amount, true)
		esc.LastEventHash = env.Hash

		allDone := true
		for i := range c.Milestones {
			if c.Milestones[i].State != MilestoneApproved {
				allDone = false
				break
			}
		}
		if allDone {
			c.State = ContractCompleted
			esc.State = EscrowReleased
		} else {
			c.State = ContractActive
		}
		return

	case *events.MilestoneRejectPayload:
		c := mutContract(ns, pl.ContractID)
		c.LastEvent = env.Hash
		c.milestone(pl.MilestoneID).State = MilestonePending
		c.State = ContractActive
		return

	case *events.ContractCompletePayload:
		c := mutContract(ns, pl.ContractID)
		c.LastEvent = env.Hash
		c.State = ContractCompleted
		return

	case *events.ContractDisputePayload:
		c := mutContract(ns, pl.ContractID)
		c.LastEvent = env.Hash
		c.State = ContractDisputed
		return

	case *events.ContractResolvePayload:
		c := mutContract(ns, pl.ContractID)
		c.LastEvent = env.Hash
		switch pl.Outcome {
		case "active":
			c.State = ContractActive
			return
		case "completed":
			c.State = ContractCompleted
		case "cancelled":
			c.State = ContractCancelled
		}
		ns.Escrows = copyMap(ns.Escrows)
		ns.Wallets = copyMap(ns.Wallets)
		esc := mutEscrow(ns, c.EscrowID)
		prov := mustAmount(pl.ProviderAmount)
		cli := mustAmount(pl.ClientAmount)
		payOutOfEscrow(ns, esc, prov, true)
		payOutOfEscrow(ns, esc, cli, false)
		if prov >= cli {
			esc.State = EscrowReleased
		} else {
			esc.State = EscrowRefunded
		}
		esc.LastEventHash = env.Hash
		return

	case *events.ContractCancelPayload:
		c := mutContract(ns, pl.ContractID)
		c.LastEvent = env.Hash
		c.State = ContractCancelled
		return

	case *events.ContractTerminatePayload:
		c := mutContract(ns, pl.ContractID)
		c.LastEvent = env.Hash
		c.State = ContractCancelled
		if c.EscrowID != "" {
			ns.Escrows = copyMap(ns.Escrows)
			ns.Wallets = copyMap(ns.Wallets)
			esc := mutEscrow(ns, c.EscrowID)
			payOutOfEscrow(ns, esc, esc.remaining(), false)
			esc.State = EscrowRefunded
			esc.LastEventHash = env.Hash
		}
		return
	}
}

func mustAddressFromDID(did string) string {
	addr, err := identity.AddressFromDID(did)
	if err != nil {
		panic("validated DID with underivable address: " + did)
	}
	return addr
}
