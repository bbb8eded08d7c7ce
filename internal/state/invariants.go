package state

import "fmt"

// CheckInvariants verifies the cross-domain accounting identities the
// reducers must preserve. Used by tests and the status endpoint's
// self-check; a failure indicates reducer corruption.
func CheckInvariants(st *State) error {
	var available, locked uint64
	for addr, w := range st.Wallets {
		available += w.Available
		locked += w.Locked
		if w.Available+w.Locked < w.Available {
			return fmt.Errorf("wallet %s balance overflow", addr)
		}
	}

	// Conservation: every token in circulation was minted; fees and
	// deposits sit in the treasury until spent back out.
	if available+locked+st.Treasury != st.Minted {
		return fmt.Errorf("conservation violated: available=%d locked=%d treasury=%d minted=%d",
			available, locked, st.Treasury, st.Minted)
	}

	var escrowHeld uint64
	for id, e := range st.Escrows {
		if e.Released+e.Refunded > e.Amount {
			return fmt.Errorf("escrow %s over-routed: released=%d refunded=%d amount=%d",
				id, e.Released, e.Refunded, e.Amount)
		}
		if e.terminal() && e.Released+e.Refunded != e.Amount {
			return fmt.Errorf("escrow %s terminal (%s) with %d unrouted",
				id, e.State, e.remaining())
		}
		escrowHeld += e.remaining()
	}
	if escrowHeld != locked {
		return fmt.Errorf("locked funds %d do not match escrow holdings %d", locked, escrowHeld)
	}

	for id, c := range st.Contracts {
		var sum uint64
		for _, m := range c.Milestones {
			sum += m.Amount
		}
		if sum != c.TotalAmount {
			return fmt.Errorf("contract %s milestones sum to %d, total is %d", id, sum, c.TotalAmount)
		}
	}
	return nil
}
