package state

import (
	"github.com/clawnet/claw-node/pkg/events"
	"github.com/clawnet/claw-node/pkg/protocol"
)

// Wallet is the derived balance record of one address. Wallets exist
// implicitly for every address with non-zero history.
type Wallet struct {
	Available uint64 `json:"available"`
	Locked    uint64 `json:"locked"`
	TotalIn   uint64 `json:"totalIn"`
	TotalOut  uint64 `json:"totalOut"`
}

func (w *Wallet) cloneWallet() *Wallet {
	c := *w
	return &c
}

// walletOf reads a wallet without creating it; absent means zero.
func (s *State) walletOf(addr string) *Wallet {
	if w, ok := s.Wallets[addr]; ok {
		return w
	}
	return &Wallet{}
}

// mutWallet returns a writable copy of addr's wallet inside an
// already-copied Wallets map.
func mutWallet(ns *State, addr string) *Wallet {
	if w, ok := ns.Wallets[addr]; ok {
		c := w.cloneWallet()
		ns.Wallets[addr] = c
		return c
	}
	w := &Wallet{}
	ns.Wallets[addr] = w
	return w
}

func mustAmount(s string) uint64 {
	v, err := events.ParseAmount(s)
	if err != nil {
		panic("validated payload with unparseable amount: " + s)
	}
	return v
}

func canApplyWallet(st *State, env *events.Envelope, p events.Validator) *protocol.Error {
	switch pl := p.(type) {
	case *events.WalletMintPayload:
		// Mint is the dev faucet; only the devnet network honors it.
		if st.Params.Network != "devnet" {
			return unauthorized("mint is not available on network %s", st.Params.Network)
		}
		amount := mustAmount(pl.Amount)
		w := st.walletOf(pl.To)
		if w.Available+amount < w.Available || st.Minted+amount < st.Minted {
			return conflict(protocol.CodeBadPayload, "mint overflows balance")
		}
		return nil

	case *events.WalletTransferPayload:
		if issuerAddress(env) != pl.From {
			return unauthorized("issuer does not own wallet %s", pl.From)
		}
		amount := mustAmount(pl.Amount)
		fee := mustAmount(pl.Fee)
		if fee < st.Params.MinFee {
			return conflict(protocol.CodeBadPayload, "fee %d below network minimum %d", fee, st.Params.MinFee)
		}
		total := amount + fee
		if total < amount {
			return conflict(protocol.CodeBadPayload, "amount plus fee overflows")
		}
		if st.walletOf(pl.From).Available < total {
			return conflict(protocol.CodeInsufficient, "wallet %s has %d available, needs %d",
				pl.From, st.walletOf(pl.From).Available, total)
		}
		to := st.walletOf(pl.To)
		if to.Available+amount < to.Available {
			return conflict(protocol.CodeBadPayload, "transfer overflows recipient balance")
		}
		return nil
	}
	return protocol.Errf(protocol.KindInvalid, protocol.CodeUnknownType, "unexpected wallet payload %T", p)
}

func applyWallet(ns *State, env *events.Envelope, p events.Validator) {
	ns.Wallets = copyMap(ns.Wallets)

	switch pl := p.(type) {
	case *events.WalletMintPayload:
		amount := mustAmount(pl.Amount)
		to := mutWallet(ns, pl.To)
		to.Available += amount
		to.TotalIn += amount
		ns.Minted += amount

	case *events.WalletTransferPayload:
		amount := mustAmount(pl.Amount)
		fee := mustAmount(pl.Fee)
		from := mutWallet(ns, pl.From)
		from.Available -= amount + fee
		from.TotalOut += amount + fee
		to := mutWallet(ns, pl.To)
		to.Available += amount
		to.TotalIn += amount
		ns.Treasury += fee
	}
}
