package state

import (
	"github.com/clawnet/claw-node/pkg/events"
	"github.com/clawnet/claw-node/pkg/protocol"
)

// Params are the network-level knobs reducers consult. They are fixed
// at node start and identical across honest nodes of one network.
type Params struct {
	Network string // devnet | testnet | mainnet
	MinFee  uint64

	// Governance thresholds per proposal kind.
	Quorum        map[string]uint64 // minimum total voting power
	PassThreshold map[string]uint64 // percent of yes over yes+no

	DefaultVotingPeriodMs int64
}

// DefaultParams returns the devnet parameter set.
func DefaultParams() Params {
	return Params{
		Network: "devnet",
		MinFee:  1,
		Quorum: map[string]uint64{
			"parameter": 10,
			"text":      10,
			"treasury":  10,
		},
		PassThreshold: map[string]uint64{
			"parameter": 50,
			"text":      50,
			"treasury":  60,
		},
		DefaultVotingPeriodMs: 72 * 3600 * 1000,
	}
}

// State is the derived view over the committed log. It is immutable
// once published: Apply returns a new State sharing unchanged domain
// maps with its parent (copy-on-write per map), so concurrent readers
// never observe torn intermediate values.
type State struct {
	Params Params

	Identities  map[string]*Identity          // by DID
	Wallets     map[string]*Wallet            // by address
	Escrows     map[string]*Escrow            // by escrow id
	Listings    map[string]*Listing           // by listing id
	Contracts   map[string]*Contract          // by contract id
	Reputation  map[string]*ReputationSubject // by subject DID
	Proposals   map[string]*Proposal          // by proposal id
	Delegations map[string]string             // delegator DID -> delegate DID

	Treasury uint64 // protocol fees + DAO deposits
	Minted   uint64 // total ever minted, for conservation checks
}

// New returns an empty state for the given parameters.
func New(params Params) *State {
	return &State{
		Params:      params,
		Identities:  map[string]*Identity{},
		Wallets:     map[string]*Wallet{},
		Escrows:     map[string]*Escrow{},
		Listings:    map[string]*Listing{},
		Contracts:   map[string]*Contract{},
		Reputation:  map[string]*ReputationSubject{},
		Proposals:   map[string]*Proposal{},
		Delegations: map[string]string{},
	}
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

// clone produces a child state sharing every domain map with the
// parent. Reducers replace only the maps they touch.
func (s *State) clone() *State {
	c := *s
	return &c
}

// CanApply checks the domain precondition for a structurally valid,
// chain-consistent envelope. It never mutates state.
func CanApply(st *State, env *events.Envelope, p events.Validator) *protocol.Error {
	switch env.DomainOf() {
	case "identity":
		return canApplyIdentity(st, env, p)
	case "wallet":
		if isEscrowType(env.Type) {
			return canApplyEscrow(st, env, p)
		}
		return canApplyWallet(st, env, p)
	case "market":
		return canApplyMarket(st, env, p)
	case "contract":
		return canApplyContract(st, env, p)
	case "reputation":
		return canApplyReputation(st, env, p)
	case "dao":
		return canApplyDAO(st, env, p)
	}
	return protocol.Errf(protocol.KindInvalid, protocol.CodeUnknownType, "no reducer for %q", env.Type)
}

// Apply derives the successor state. It must only be called after
// CanApply succeeded; a precondition violation here is a programming
// error and panics.
func Apply(st *State, env *events.Envelope, p events.Validator) *State {
	ns := st.clone()
	switch env.DomainOf() {
	case "identity":
		applyIdentity(ns, env, p)
	case "wallet":
		if isEscrowType(env.Type) {
			applyEscrow(ns, env, p)
		} else {
			applyWallet(ns, env, p)
		}
	case "market":
		applyMarket(ns, env, p)
	case "contract":
		applyContract(ns, env, p)
	case "reputation":
		applyReputation(ns, env, p)
	case "dao":
		applyDAO(ns, env, p)
	default:
		panic("apply called for unknown domain " + env.Type)
	}
	return ns
}

func isEscrowType(typ string) bool {
	switch typ {
	case events.TypeEscrowCreate, events.TypeEscrowFund, events.TypeEscrowRelease,
		events.TypeEscrowRefund, events.TypeEscrowExpire, events.TypeEscrowDispute,
		events.TypeEscrowResolve:
		return true
	}
	return false
}

// issuerAddress panics on a malformed issuer; envelopes reaching the
// reducers have already passed structural verification.
func issuerAddress(env *events.Envelope) string {
	addr, err := env.IssuerAddress()
	if err != nil {
		panic("verified envelope with underivable issuer address: " + err.Error())
	}
	return addr
}

func conflict(code, format string, args ...interface{}) *protocol.Error {
	return protocol.Errf(protocol.KindConflict, code, format, args...)
}

func notFound(format string, args ...interface{}) *protocol.Error {
	return protocol.Errf(protocol.KindNotFound, protocol.CodeNotFound, format, args...)
}

func unauthorized(format string, args ...interface{}) *protocol.Error {
	return protocol.Errf(protocol.KindUnauthorized, protocol.CodeNotIssuer, format, args...)
}
