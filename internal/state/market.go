package state

import (
	"github.com/clawnet/claw-node/pkg/events"
	"github.com/clawnet/claw-node/pkg/protocol"
)

// Listing states.
const (
	ListingActive    = "Active"
	ListingSold      = "Sold"
	ListingWithdrawn = "Withdrawn"
)

// Bid / delivery / order states.
const (
	BidOpen     = "Open"
	BidAccepted = "Accepted"

	DeliverySubmitted = "Submitted"
	DeliveryConfirmed = "Confirmed"
	DeliveryRejected  = "Rejected"

	OrderPending   = "Pending"
	OrderDelivered = "Delivered"
	OrderCompleted = "Completed"
)

type Bid struct {
	ID          string `json:"id"`
	Bidder      string `json:"bidder"` // DID
	BidderAddr  string `json:"bidderAddr"`
	Amount      uint64 `json:"amount"`
	Message     string `json:"message,omitempty"`
	State       string `json:"state"`
	SubmittedAt int64  `json:"submittedAt"`
}

type Delivery struct {
	ID          string `json:"id"`
	PayloadHash string `json:"payloadHash"`
	State       string `json:"state"`
	SubmittedAt int64  `json:"submittedAt"`
}

// Order is one info-market purchase. The delivery for an order reuses
// the order id as its delivery id.
type Order struct {
	ID          string `json:"id"`
	Buyer       string `json:"buyer"` // DID
	BuyerAddr   string `json:"buyerAddr"`
	EscrowID    string `json:"escrowId"`
	BuyerEphPub string `json:"buyerEphPub"`
	State       string `json:"state"`
	CreatedAt   int64  `json:"createdAt"`
}

// Listing is one market offer of any of the three kinds.
type Listing struct {
	ID          string                    `json:"id"`
	Seller      string                    `json:"seller"` // DID
	SellerAddr  string                    `json:"sellerAddr"`
	Kind        string                    `json:"kind"`
	Title       string                    `json:"title"`
	Description string                    `json:"description,omitempty"`
	Pricing     events.Pricing            `json:"pricing"`
	Info        *events.InfoDetails       `json:"info,omitempty"`
	Task        *events.TaskDetails       `json:"task,omitempty"`
	Capability  *events.CapabilityDetails `json:"capability,omitempty"`

	Status        string               `json:"status"`
	Bids          map[string]*Bid      `json:"bids,omitempty"`
	AcceptedBidID string               `json:"acceptedBidId,omitempty"`
	EscrowID      string               `json:"escrowId,omitempty"`
	Deliveries    map[string]*Delivery `json:"deliveries,omitempty"`
	Orders        map[string]*Order    `json:"orders,omitempty"`

	// QuotaRemaining tracks capability leases; -1 means unlimited.
	QuotaRemaining int64 `json:"quotaRemaining,omitempty"`

	CreatedAt     int64  `json:"createdAt"`
	LastEventHash string `json:"lastEventHash"`
}

func (l *Listing) cloneListing() *Listing {
	c := *l
	c.Bids = copyMap(l.Bids)
	c.Deliveries = copyMap(l.Deliveries)
	c.Orders = copyMap(l.Orders)
	return &c
}

func mutListing(ns *State, id string) *Listing {
	l := ns.Listings[id].cloneListing()
	ns.Listings[id] = l
	return l
}

func activeListing(st *State, id string) (*Listing, *protocol.Error) {
	l, ok := st.Listings[id]
	if !ok {
		return nil, notFound("listing %s does not exist", id)
	}
	if l.Status == ListingWithdrawn {
		return nil, conflict(protocol.CodeTerminalState, "listing %s is withdrawn", id)
	}
	return l, nil
}

func canApplyMarket(st *State, env *events.Envelope, p events.Validator) *protocol.Error {
	issuerAddr := issuerAddress(env)

	switch pl := p.(type) {
	case *events.ListingPublishPayload:
		if _, exists := st.Listings[pl.ListingID]; exists {
			return protocol.Errf(protocol.KindDuplicate, protocol.CodeDuplicateCreate, "listing %s already exists", pl.ListingID)
		}
		return nil

	case *events.ListingRemovePayload:
		l, err := activeListing(st, pl.ListingID)
		if err != nil {
			return err
		}
		if env.Issuer != l.Seller {
			return unauthorized("only the seller can remove listing %s", l.ID)
		}
		if l.Status != ListingActive {
			return conflict(protocol.CodeBadTransition, "listing %s is %s, cannot remove", l.ID, l.Status)
		}
		return nil

	case *events.BidSubmitPayload:
		l, err := activeListing(st, pl.ListingID)
		if err != nil {
			return err
		}
		if l.Kind != "task" {
			return conflict(protocol.CodeBadTransition, "listing %s is a %s listing, bids are task-only", l.ID, l.Kind)
		}
		if l.Status != ListingActive {
			return conflict(protocol.CodeBadTransition, "listing %s is %s, not accepting bids", l.ID, l.Status)
		}
		if env.Issuer == l.Seller {
			return conflict(protocol.CodeBadTransition, "seller cannot bid on own listing")
		}
		if _, exists := l.Bids[pl.BidID]; exists {
			return protocol.Errf(protocol.KindDuplicate, protocol.CodeDuplicateCreate, "bid %s already exists", pl.BidID)
		}
		return nil

	case *events.BidAcceptPayload:
		l, err := activeListing(st, pl.ListingID)
		if err != nil {
			return err
		}
		if env.Issuer != l.Seller {
			return unauthorized("only the listing owner can accept bids")
		}
		if l.Status != ListingActive {
			return conflict(protocol.CodeBadTransition, "listing %s is %s", l.ID, l.Status)
		}
		bid, ok := l.Bids[pl.BidID]
		if !ok {
			return notFound("bid %s does not exist on listing %s", pl.BidID, l.ID)
		}
		if _, exists := st.Escrows[pl.EscrowID]; exists {
			return protocol.Errf(protocol.KindDuplicate, protocol.CodeDuplicateCreate, "escrow %s already exists", pl.EscrowID)
		}
		// Acceptance funds the work escrow from the client's wallet.
		if st.walletOf(issuerAddr).Available < bid.Amount {
			return conflict(protocol.CodeInsufficient, "accepting bid %s needs %d available", bid.ID, bid.Amount)
		}
		return nil

	case *events.DeliverySubmitPayload:
		l, err := activeListing(st, pl.ListingID)
		if err != nil {
			return err
		}
		switch l.Kind {
		case "task":
			if l.Status != ListingSold || l.AcceptedBidID == "" {
				return conflict(protocol.CodeBadTransition, "listing %s has no accepted bid", l.ID)
			}
			if env.Issuer != l.Bids[l.AcceptedBidID].Bidder {
				return unauthorized("delivery must come from the accepted bidder")
			}
			if d, exists := l.Deliveries[pl.DeliveryID]; exists && d.State != DeliveryRejected {
				return protocol.Errf(protocol.KindDuplicate, protocol.CodeDuplicateCreate, "delivery %s already submitted", pl.DeliveryID)
			}
		case "info":
			if env.Issuer != l.Seller {
				return unauthorized("info delivery must come from the seller")
			}
			ord, ok := l.Orders[pl.DeliveryID]
			if !ok {
				return notFound("no order %s on listing %s", pl.DeliveryID, l.ID)
			}
			if ord.State != OrderPending {
				return conflict(protocol.CodeBadTransition, "order %s is %s", ord.ID, ord.State)
			}
		default:
			return conflict(protocol.CodeBadTransition, "capability listings have no deliveries")
		}
		return nil

	case *events.DeliveryConfirmPayload:
		return canJudgeDelivery(st, env, pl.ListingID, pl.DeliveryID)

	case *events.DeliveryRejectPayload:
		return canJudgeDelivery(st, env, pl.ListingID, pl.DeliveryID)

	case *events.InfoPurchasePayload:
		l, err := activeListing(st, pl.ListingID)
		if err != nil {
			return err
		}
		if l.Kind != "info" {
			return conflict(protocol.CodeBadTransition, "listing %s is not an info listing", l.ID)
		}
		if l.Status != ListingActive {
			return conflict(protocol.CodeBadTransition, "listing %s is %s", l.ID, l.Status)
		}
		if env.Issuer == l.Seller {
			return conflict(protocol.CodeBadTransition, "seller cannot purchase own listing")
		}
		if _, exists := l.Orders[pl.OrderID]; exists {
			return protocol.Errf(protocol.KindDuplicate, protocol.CodeDuplicateCreate, "order %s already exists", pl.OrderID)
		}
		if _, exists := st.Escrows[pl.EscrowID]; exists {
			return protocol.Errf(protocol.KindDuplicate, protocol.CodeDuplicateCreate, "escrow %s already exists", pl.EscrowID)
		}
		if l.Pricing.Mode != "fixed" {
			return conflict(protocol.CodeBadTransition, "info purchase requires fixed pricing")
		}
		price := mustAmount(l.Pricing.Price)
		if st.walletOf(issuerAddr).Available < price {
			return conflict(protocol.CodeInsufficient, "purchase needs %d available", price)
		}
		return nil

	case *events.CapabilityInvokePayload:
		l, err := activeListing(st, pl.ListingID)
		if err != nil {
			return err
		}
		if l.Kind != "capability" {
			return conflict(protocol.CodeBadTransition, "listing %s is not a capability listing", l.ID)
		}
		if l.Status != ListingActive {
			return conflict(protocol.CodeBadTransition, "listing %s is %s", l.ID, l.Status)
		}
		if env.Issuer == l.Seller {
			return conflict(protocol.CodeBadTransition, "provider cannot invoke own capability")
		}
		if l.Pricing.Mode != "per-call" {
			return conflict(protocol.CodeBadTransition, "invoke requires per-call pricing")
		}
		if l.QuotaRemaining >= 0 && pl.Calls > l.QuotaRemaining {
			return conflict(protocol.CodeInsufficient, "capability quota exhausted: %d calls left", l.QuotaRemaining)
		}
		price := mustAmount(l.Pricing.Price)
		cost := price * uint64(pl.Calls)
		if price != 0 && cost/price != uint64(pl.Calls) {
			return conflict(protocol.CodeBadPayload, "invocation cost overflows")
		}
		if st.walletOf(issuerAddr).Available < cost {
			return conflict(protocol.CodeInsufficient, "invocation costs %d, caller has %d", cost, st.walletOf(issuerAddr).Available)
		}
		return nil
	}
	return protocol.Errf(protocol.KindInvalid, protocol.CodeUnknownType, "unexpected market payload %T", p)
}

// canJudgeDelivery covers confirm and reject, which share the same
// authority rules: the task client, or the info buyer of the order.
func canJudgeDelivery(st *State, env *events.Envelope, listingID, deliveryID string) *protocol.Error {
	l, err := activeListing(st, listingID)
	if err != nil {
		return err
	}
	switch l.Kind {
	case "task":
		if env.Issuer != l.Seller {
			return unauthorized("only the listing owner judges deliveries")
		}
		d, ok := l.Deliveries[deliveryID]
		if !ok {
			return notFound("delivery %s does not exist on listing %s", deliveryID, l.ID)
		}
		if d.State != DeliverySubmitted {
			return conflict(protocol.CodeBadTransition, "delivery %s is %s", d.ID, d.State)
		}
	case "info":
		ord, ok := l.Orders[deliveryID]
		if !ok {
			return notFound("no order %s on listing %s", deliveryID, l.ID)
		}
		if env.Issuer != ord.Buyer {
			return unauthorized("only the order's buyer judges the delivery")
		}
		if ord.State != OrderDelivered {
			return conflict(protocol.CodeBadTransition, "order %s is %s", ord.ID, ord.State)
		}
	default:
		return conflict(protocol.CodeBadTransition, "capability listings have no deliveries")
	}
	return nil
}

func applyMarket(ns *State, env *events.Envelope, p events.Validator) {
	ns.Listings = copyMap(ns.Listings)
	issuerAddr := issuerAddress(env)

	switch pl := p.(type) {
	case *events.ListingPublishPayload:
		quota := int64(-1)
		if pl.Kind == "capability" && pl.Capability.QuotaCalls > 0 {
			quota = pl.Capability.QuotaCalls
		}
		ns.Listings[pl.ListingID] = &Listing{
			ID:             pl.ListingID,
			Seller:         env.Issuer,
			SellerAddr:     issuerAddr,
			Kind:           pl.Kind,
			Title:          pl.Title,
			Description:    pl.Description,
			Pricing:        pl.Pricing,
			Info:           pl.Info,
			Task:           pl.Task,
			Capability:     pl.Capability,
			Status:         ListingActive,
			QuotaRemaining: quota,
			CreatedAt:      env.TS,
			LastEventHash:  env.Hash,
		}
		return

	case *events.ListingRemovePayload:
		l := mutListing(ns, pl.ListingID)
		l.Status = ListingWithdrawn
		l.LastEventHash = env.Hash
		return

	case *events.BidSubmitPayload:
		l := mutListing(ns, pl.ListingID)
		if l.Bids == nil {
			l.Bids = map[string]*Bid{}
		}
		l.Bids[pl.BidID] = &Bid{
			ID:          pl.BidID,
			Bidder:      env.Issuer,
			BidderAddr:  issuerAddr,
			Amount:      mustAmount(pl.Amount),
			Message:     pl.Message,
			State:       BidOpen,
			SubmittedAt: env.TS,
		}
		l.LastEventHash = env.Hash
		return

	case *events.BidAcceptPayload:
		ns.Escrows = copyMap(ns.Escrows)
		ns.Wallets = copyMap(ns.Wallets)
		l := mutListing(ns, pl.ListingID)
		bid := l.Bids[pl.BidID].clone()
		bid.State = BidAccepted
		l.Bids[pl.BidID] = bid
		l.AcceptedBidID = bid.ID
		l.Status = ListingSold
		l.EscrowID = pl.EscrowID
		l.LastEventHash = env.Hash

		esc := &Escrow{
			ID:          pl.EscrowID,
			Depositor:   issuerAddr,
			Beneficiary: bid.BidderAddr,
			State:       EscrowActive,
			ReleaseRules: []events.ReleaseRule{
				{ID: "delivery", Kind: "on-confirm", Ref: l.ID},
			},
			CreatedAt:     env.TS,
			LastEventHash: env.Hash,
		}
		lockIntoEscrow(ns, esc, bid.Amount)
		ns.Escrows[esc.ID] = esc
		return

	case *events.DeliverySubmitPayload:
		l := mutListing(ns, pl.ListingID)
		l.LastEventHash = env.Hash
		if l.Kind == "info" {
			ord := l.Orders[pl.DeliveryID].cloneOrder()
			ord.State = OrderDelivered
			l.Orders[pl.DeliveryID] = ord
		}
		if l.Deliveries == nil {
			l.Deliveries = map[string]*Delivery{}
		}
		l.Deliveries[pl.DeliveryID] = &Delivery{
			ID:          pl.DeliveryID,
			PayloadHash: pl.PayloadHash,
			State:       DeliverySubmitted,
			SubmittedAt: env.TS,
		}
		return

	case *events.DeliveryConfirmPayload:
		ns.Escrows = copyMap(ns.Escrows)
		ns.Wallets = copyMap(ns.Wallets)
		l := mutListing(ns, pl.ListingID)
		l.LastEventHash = env.Hash
		d := l.Deliveries[pl.DeliveryID].cloneDelivery()
		d.State = DeliveryConfirmed
		l.Deliveries[pl.DeliveryID] = d

		escrowID := l.EscrowID
		if l.Kind == "info" {
			ord := l.Orders[pl.DeliveryID].cloneOrder()
			ord.State = OrderCompleted
			l.Orders[pl.DeliveryID] = ord
			escrowID = ord.EscrowID
		}
		esc := mutEscrow(ns, escrowID)
		payOutOfEscrow(ns, esc, esc.remaining(), true)
		esc.State = EscrowReleased
		esc.LastEventHash = env.Hash
		return

	case *events.DeliveryRejectPayload:
		l := mutListing(ns, pl.ListingID)
		l.LastEventHash = env.Hash
		d := l.Deliveries[pl.DeliveryID].cloneDelivery()
		d.State = DeliveryRejected
		l.Deliveries[pl.DeliveryID] = d
		if l.Kind == "info" {
			ord := l.Orders[pl.DeliveryID].cloneOrder()
			ord.State = OrderPending
			l.Orders[pl.DeliveryID] = ord
		}
		return

	case *events.InfoPurchasePayload:
		ns.Escrows = copyMap(ns.Escrows)
		ns.Wallets = copyMap(ns.Wallets)
		l := mutListing(ns, pl.ListingID)
		l.LastEventHash = env.Hash
		if l.Orders == nil {
			l.Orders = map[string]*Order{}
		}
		l.Orders[pl.OrderID] = &Order{
			ID:          pl.OrderID,
			Buyer:       env.Issuer,
			BuyerAddr:   issuerAddr,
			EscrowID:    pl.EscrowID,
			BuyerEphPub: pl.BuyerEphPub,
			State:       OrderPending,
			CreatedAt:   env.TS,
		}
		esc := &Escrow{
			ID:          pl.EscrowID,
			Depositor:   issuerAddr,
			Beneficiary: l.SellerAddr,
			State:       EscrowActive,
			ReleaseRules: []events.ReleaseRule{
				{ID: "delivery", Kind: "on-confirm", Ref: pl.OrderID},
			},
			CreatedAt:     env.TS,
			LastEventHash: env.Hash,
		}
		lockIntoEscrow(ns, esc, mustAmount(l.Pricing.Price))
		ns.Escrows[esc.ID] = esc
		return

	case *events.CapabilityInvokePayload:
		ns.Wallets = copyMap(ns.Wallets)
		l := mutListing(ns, pl.ListingID)
		l.LastEventHash = env.Hash
		if l.QuotaRemaining >= 0 {
			l.QuotaRemaining -= pl.Calls
		}
		cost := mustAmount(l.Pricing.Price) * uint64(pl.Calls)
		caller := mutWallet(ns, issuerAddr)
		caller.Available -= cost
		caller.TotalOut += cost
		seller := mutWallet(ns, l.SellerAddr)
		seller.Available += cost
		seller.TotalIn += cost
		return
	}
}

func (b *Bid) clone() *Bid {
	c := *b
	return &c
}

func (d *Delivery) cloneDelivery() *Delivery {
	c := *d
	return &c
}

func (o *Order) cloneOrder() *Order {
	c := *o
	return &c
}
