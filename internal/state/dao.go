package state

import (
	"github.com/clawnet/claw-node/pkg/events"
	"github.com/clawnet/claw-node/pkg/protocol"
)

// Proposal states.
const (
	ProposalDiscussion = "Discussion"
	ProposalVoting     = "Voting"
	ProposalPassed     = "Passed"
	ProposalRejected   = "Rejected"
	ProposalQueued     = "Queued"
	ProposalExecuted   = "Executed"
	ProposalCancelled  = "Cancelled"
)

type Vote struct {
	Support string `json:"support"`
	Power   uint64 `json:"power"`
	At      int64  `json:"at"`
}

type Proposal struct {
	ID          string `json:"id"`
	Proposer    string `json:"proposer"` // DID
	Kind        string `json:"kind"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	State       string `json:"state"`

	VotingPeriodMs int64            `json:"votingPeriodMs,omitempty"`
	VotingEndsAt   int64            `json:"votingEndsAt,omitempty"`
	Votes        map[string]*Vote `json:"votes,omitempty"` // by voter DID
	Yes          uint64           `json:"yes"`
	No           uint64           `json:"no"`
	Abstain      uint64           `json:"abstain"`

	SpendTo     string `json:"spendTo,omitempty"`
	SpendAmount uint64 `json:"spendAmount,omitempty"`
	SpendDone   bool   `json:"spendDone,omitempty"`

	ExecuteAfter int64  `json:"executeAfter,omitempty"`
	CreatedAt    int64  `json:"createdAt"`
	LastEvent    string `json:"lastEventHash"`
}

func (p *Proposal) cloneProposal() *Proposal {
	c := *p
	c.Votes = copyMap(p.Votes)
	return &c
}

func mutProposal(ns *State, id string) *Proposal {
	p := ns.Proposals[id].cloneProposal()
	ns.Proposals[id] = p
	return p
}

// isqrt is the integer square root, deterministic across platforms.
func isqrt(n uint64) uint64 {
	if n == 0 {
		return 0
	}
	x := n
	y := (x + 1) / 2
	for y < x {
		x = y
		y = (x + n/x) / 2
	}
	return x
}

// basePower is sqrt of the DID's token holdings scaled by its
// reputation multiplier (0.8x for a 1.0 average up to 1.2x for 5.0;
// 1.0x with no reputation history).
func basePower(st *State, did string) uint64 {
	w := st.walletOf(st.addressOf(did))
	base := isqrt(w.Available + w.Locked)

	multTenths := int64(10)
	if subj := st.Reputation[did]; subj != nil {
		if avg := subj.overallAvgTenths(); avg > 0 {
			multTenths = 10 + (int64(avg)-30)/10
		}
	}
	return base * uint64(multTenths) / 10
}

// VotingPower is basePower plus the base power of every DID that
// delegated to this voter. Delegation is one level deep.
func VotingPower(st *State, did string) uint64 {
	power := basePower(st, did)
	for delegator, delegate := range st.Delegations {
		if delegate == did {
			power += basePower(st, delegator)
		}
	}
	return power
}

func (s *State) addressOf(did string) string {
	if rec := s.Identities[did]; rec != nil {
		return rec.Address
	}
	return mustAddressFromDID(did)
}

func canApplyDAO(st *State, env *events.Envelope, p events.Validator) *protocol.Error {
	switch pl := p.(type) {
	case *events.DAOProposalCreatePayload:
		if _, exists := st.Proposals[pl.ProposalID]; exists {
			return protocol.Errf(protocol.KindDuplicate, protocol.CodeDuplicateCreate, "proposal %s already exists", pl.ProposalID)
		}
		return nil

	case *events.DAOProposalAdvancePayload:
		prop, ok := st.Proposals[pl.ProposalID]
		if !ok {
			return notFound("proposal %s does not exist", pl.ProposalID)
		}
		switch prop.State {
		case ProposalDiscussion:
			if env.Issuer != prop.Proposer {
				return unauthorized("only the proposer opens voting")
			}
		case ProposalVoting:
			if env.TS < prop.VotingEndsAt {
				return conflict(protocol.CodeBadTransition, "voting on %s ends at %d", prop.ID, prop.VotingEndsAt)
			}
		default:
			return conflict(protocol.CodeBadTransition, "proposal %s is %s, cannot advance", prop.ID, prop.State)
		}
		return nil

	case *events.DAOVoteCastPayload:
		prop, ok := st.Proposals[pl.ProposalID]
		if !ok {
			return notFound("proposal %s does not exist", pl.ProposalID)
		}
		if prop.State != ProposalVoting {
			return conflict(protocol.CodeBadTransition, "proposal %s is %s, not voting", prop.ID, prop.State)
		}
		if env.TS >= prop.VotingEndsAt {
			return conflict(protocol.CodeBadTransition, "voting on %s has closed", prop.ID)
		}
		if _, voted := prop.Votes[env.Issuer]; voted {
			return protocol.Errf(protocol.KindDuplicate, protocol.CodeDuplicateCreate, "issuer already voted on %s", prop.ID)
		}
		if _, delegated := st.Delegations[env.Issuer]; delegated {
			return conflict(protocol.CodeBadTransition, "issuer delegated their vote")
		}
		return nil

	case *events.DAODelegateSetPayload:
		if pl.Delegate == env.Issuer {
			return conflict(protocol.CodeBadTransition, "cannot delegate to self")
		}
		// One level only: a delegate must not itself be delegating.
		if _, chained := st.Delegations[pl.Delegate]; chained {
			return conflict(protocol.CodeBadTransition, "delegate %s has delegated their own vote", pl.Delegate)
		}
		return nil

	case *events.DAODelegateRevokePayload:
		if _, ok := st.Delegations[env.Issuer]; !ok {
			return notFound("issuer has no delegation to revoke")
		}
		return nil

	case *events.DAOTreasuryDepositPayload:
		addr := issuerAddress(env)
		amount := mustAmount(pl.Amount)
		if st.walletOf(addr).Available < amount {
			return conflict(protocol.CodeInsufficient, "deposit needs %d available", amount)
		}
		if st.Treasury+amount < st.Treasury {
			return conflict(protocol.CodeBadPayload, "deposit overflows treasury")
		}
		return nil

	case *events.DAOTreasurySpendPayload:
		prop, ok := st.Proposals[pl.ProposalID]
		if !ok {
			return notFound("proposal %s does not exist", pl.ProposalID)
		}
		if prop.Kind != "treasury" {
			return conflict(protocol.CodeBadTransition, "proposal %s is not a treasury proposal", prop.ID)
		}
		if prop.State != ProposalExecuted {
			return conflict(protocol.CodeBadTransition, "proposal %s is %s, spend requires Executed", prop.ID, prop.State)
		}
		if prop.SpendDone {
			return protocol.Errf(protocol.KindDuplicate, protocol.CodeDuplicateCreate, "proposal %s already spent", prop.ID)
		}
		amount := mustAmount(pl.Amount)
		if pl.To != prop.SpendTo || amount != prop.SpendAmount {
			return protocol.Errf(protocol.KindConflict, protocol.CodeSumMismatch,
				"spend does not match the approved action")
		}
		if st.Treasury < amount {
			return conflict(protocol.CodeInsufficient, "treasury holds %d, spend asks %d", st.Treasury, amount)
		}
		return nil

	case *events.DAOTimelockQueuePayload:
		prop, ok := st.Proposals[pl.ProposalID]
		if !ok {
			return notFound("proposal %s does not exist", pl.ProposalID)
		}
		if prop.State != ProposalPassed {
			return conflict(protocol.CodeBadTransition, "proposal %s is %s, queue requires Passed", prop.ID, prop.State)
		}
		if pl.ExecuteAfter <= env.TS {
			return conflict(protocol.CodeBadTransition, "executeAfter must be in the future")
		}
		return nil

	case *events.DAOTimelockExecutePayload:
		prop, ok := st.Proposals[pl.ProposalID]
		if !ok {
			return notFound("proposal %s does not exist", pl.ProposalID)
		}
		if prop.State != ProposalQueued {
			return conflict(protocol.CodeBadTransition, "proposal %s is %s, execute requires Queued", prop.ID, prop.State)
		}
		if env.TS < prop.ExecuteAfter {
			return conflict(protocol.CodeBadTransition, "timelock on %s opens at %d", prop.ID, prop.ExecuteAfter)
		}
		return nil

	case *events.DAOTimelockCancelPayload:
		prop, ok := st.Proposals[pl.ProposalID]
		if !ok {
			return notFound("proposal %s does not exist", pl.ProposalID)
		}
		if prop.State != ProposalQueued {
			return conflict(protocol.CodeBadTransition, "proposal %s is %s, cancel requires Queued", prop.ID, prop.State)
		}
		if env.Issuer != prop.Proposer {
			return unauthorized("only the proposer cancels a queued proposal")
		}
		return nil
	}
	return protocol.Errf(protocol.KindInvalid, protocol.CodeUnknownType, "unexpected dao payload %T", p)
}

func applyDAO(ns *State, env *events.Envelope, p events.Validator) {
	switch pl := p.(type) {
	case *events.DAOProposalCreatePayload:
		ns.Proposals = copyMap(ns.Proposals)
		prop := &Proposal{
			ID:          pl.ProposalID,
			Proposer:    env.Issuer,
			Kind:        pl.Kind,
			Title:       pl.Title,
			Description: pl.Description,
			State:       ProposalDiscussion,
			Votes:       map[string]*Vote{},
			CreatedAt:   env.TS,
			LastEvent:   env.Hash,
		}
		if pl.Spend != nil {
			prop.SpendTo = pl.Spend.To
			prop.SpendAmount = mustAmount(pl.Spend.Amount)
		}
		if pl.VotingPeriodMs > 0 {
			prop.VotingPeriodMs = pl.VotingPeriodMs
		}
		ns.Proposals[pl.ProposalID] = prop
		return

	case *events.DAOProposalAdvancePayload:
		ns.Proposals = copyMap(ns.Proposals)
		prop := mutProposal(ns, pl.ProposalID)
		prop.LastEvent = env.Hash
		switch prop.State {
		case ProposalDiscussion:
			period := ns.Params.DefaultVotingPeriodMs
			if prop.VotingPeriodMs > 0 {
				period = prop.VotingPeriodMs
			}
			prop.VotingEndsAt = env.TS + period
			prop.State = ProposalVoting
		case ProposalVoting:
			quorum := ns.Params.Quorum[prop.Kind]
			threshold := ns.Params.PassThreshold[prop.Kind]
			total := prop.Yes + prop.No + prop.Abstain
			if total >= quorum && prop.Yes+prop.No > 0 && prop.Yes*100 >= threshold*(prop.Yes+prop.No) {
				prop.State = ProposalPassed
			} else {
				prop.State = ProposalRejected
			}
		}
		return

	case *events.DAOVoteCastPayload:
		ns.Proposals = copyMap(ns.Proposals)
		prop := mutProposal(ns, pl.ProposalID)
		prop.LastEvent = env.Hash
		power := VotingPower(ns, env.Issuer)
		prop.Votes[env.Issuer] = &Vote{Support: pl.Support, Power: power, At: env.TS}
		switch pl.Support {
		case "yes":
			prop.Yes += power
		case "no":
			prop.No += power
		case "abstain":
			prop.Abstain += power
		}
		return

	case *events.DAODelegateSetPayload:
		ns.Delegations = copyMap(ns.Delegations)
		ns.Delegations[env.Issuer] = pl.Delegate
		return

	case *events.DAODelegateRevokePayload:
		ns.Delegations = copyMap(ns.Delegations)
		delete(ns.Delegations, env.Issuer)
		return

	case *events.DAOTreasuryDepositPayload:
		ns.Wallets = copyMap(ns.Wallets)
		amount := mustAmount(pl.Amount)
		w := mutWallet(ns, issuerAddress(env))
		w.Available -= amount
		w.TotalOut += amount
		ns.Treasury += amount
		return

	case *events.DAOTreasurySpendPayload:
		ns.Proposals = copyMap(ns.Proposals)
		ns.Wallets = copyMap(ns.Wallets)
		prop := mutProposal(ns, pl.ProposalID)
		prop.LastEvent = env.Hash
		prop.SpendDone = true
		amount := mustAmount(pl.Amount)
		ns.Treasury -= amount
		to := mutWallet(ns, pl.To)
		to.Available += amount
		to.TotalIn += amount
		return

	case *events.DAOTimelockQueuePayload:
		ns.Proposals = copyMap(ns.Proposals)
		prop := mutProposal(ns, pl.ProposalID)
		prop.LastEvent = env.Hash
		prop.State = ProposalQueued
		prop.ExecuteAfter = pl.ExecuteAfter
		return

	case *events.DAOTimelockExecutePayload:
		ns.Proposals = copyMap(ns.Proposals)
		prop := mutProposal(ns, pl.ProposalID)
		prop.LastEvent = env.Hash
		prop.State = ProposalExecuted
		return

	case *events.DAOTimelockCancelPayload:
		ns.Proposals = copyMap(ns.Proposals)
		prop := mutProposal(ns, pl.ProposalID)
		prop.LastEvent = env.Hash
		prop.State = ProposalCancelled
		return
	}
}
