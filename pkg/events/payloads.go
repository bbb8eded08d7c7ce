package events

import (
	"bytes"
	"encoding/json"

	"github.com/clawnet/claw-node/internal/identity"
	"github.com/clawnet/claw-node/pkg/protocol"
)

// Event type strings. Dot-separated domain verbs; the first segment
// selects the reducer.
const (
	TypeIdentityRegister     = "identity.register"
	TypeIdentityRotateKey    = "identity.rotateKey"
	TypeIdentityRevoke       = "identity.revoke"
	TypeIdentityCapability   = "identity.capability.add"
	TypeIdentityPlatformLink = "identity.platformLink.add"

	TypeWalletMint     = "wallet.mint"
	TypeWalletTransfer = "wallet.transfer"

	TypeEscrowCreate  = "wallet.escrow.create"
	TypeEscrowFund    = "wallet.escrow.fund"
	TypeEscrowRelease = "wallet.escrow.release"
	TypeEscrowRefund  = "wallet.escrow.refund"
	TypeEscrowExpire  = "wallet.escrow.expire"
	TypeEscrowDispute = "wallet.escrow.dispute"
	TypeEscrowResolve = "wallet.escrow.resolve"

	TypeListingPublish    = "market.listing.publish"
	TypeListingRemove     = "market.listing.remove"
	TypeBidSubmit         = "market.bid.submit"
	TypeBidAccept         = "market.bid.accept"
	TypeDeliverySubmit    = "market.delivery.submit"
	TypeDeliveryConfirm   = "market.delivery.confirm"
	TypeDeliveryReject    = "market.delivery.reject"
	TypeInfoPurchase      = "market.info.purchase"
	TypeCapabilityInvoke  = "market.capability.invoke"

	TypeContractCreate           = "contract.create"
	TypeContractSign             = "contract.sign"
	TypeContractFund             = "contract.fund"
	TypeContractMilestoneSubmit  = "contract.milestone.submit"
	TypeContractMilestoneApprove = "contract.milestone.approve"
	TypeContractMilestoneReject  = "contract.milestone.reject"
	TypeContractComplete         = "contract.complete"
	TypeContractDispute          = "contract.dispute"
	TypeContractResolve          = "contract.dispute.resolve"
	TypeContractCancel           = "contract.cancel"
	TypeContractTerminate        = "contract.terminate"

	TypeReputationRecord = "reputation.record"

	TypeDAOProposalCreate  = "dao.proposal.create"
	TypeDAOProposalAdvance = "dao.proposal.advance"
	TypeDAOVoteCast        = "dao.vote.cast"
	TypeDAODelegateSet     = "dao.delegate.set"
	TypeDAODelegateRevoke  = "dao.delegate.revoke"
	TypeDAOTreasuryDeposit = "dao.treasury.deposit"
	TypeDAOTreasurySpend   = "dao.treasury.spend"
	TypeDAOTimelockQueue   = "dao.timelock.queue"
	TypeDAOTimelockExecute = "dao.timelock.execute"
	TypeDAOTimelockCancel  = "dao.timelock.cancel"
)

// String length bounds enforced at the schema stage.
const (
	maxShortString = 256
	maxLongString  = 4096
)

func badPayload(format string, args ...interface{}) *protocol.Error {
	return protocol.Errf(protocol.KindInvalid, protocol.CodeBadPayload, format, args...)
}

func checkShort(field, v string) *protocol.Error {
	if len(v) > maxShortString {
		return badPayload("%s exceeds %d bytes", field, maxShortString)
	}
	return nil
}

func checkLong(field, v string) *protocol.Error {
	if len(v) > maxLongString {
		return badPayload("%s exceeds %d bytes", field, maxLongString)
	}
	return nil
}

func checkDID(field, did string) *protocol.Error {
	if identity.ValidateDID(did) != nil {
		return badPayload("%s is not a well-formed DID", field)
	}
	return nil
}

func checkAddress(field, addr string) *protocol.Error {
	if identity.ValidateAddress(addr) != nil {
		return badPayload("%s is not a well-formed address", field)
	}
	return nil
}

func checkID(field, id string) *protocol.Error {
	if id == "" {
		return badPayload("%s is required", field)
	}
	return checkShort(field, id)
}

// ── identity ──────────────────────────────────────────────────────

type IdentityRegisterPayload struct {
	DID          string   `json:"did"`
	Address      string   `json:"address"`
	Capabilities []string `json:"capabilities,omitempty"`
}

func (p *IdentityRegisterPayload) Validate() *protocol.Error {
	if err := checkDID("did", p.DID); err != nil {
		return err
	}
	if err := checkAddress("address", p.Address); err != nil {
		return err
	}
	want, _ := identity.AddressFromDID(p.DID)
	if want != p.Address {
		return badPayload("address does not derive from did")
	}
	for _, c := range p.Capabilities {
		if err := checkShort("capability", c); err != nil {
			return err
		}
	}
	return nil
}

type IdentityRotateKeyPayload struct {
	// NewPub is the multibase-encoded operational key being authorized.
	NewPub string `json:"newPub"`
	// PossessionSig is a base64 Ed25519 signature by the new key over
	// the issuer DID, proving control of the key being installed.
	PossessionSig string `json:"possessionSig"`
}

func (p *IdentityRotateKeyPayload) Validate() *protocol.Error {
	if p.NewPub == "" || p.PossessionSig == "" {
		return badPayload("newPub and possessionSig are required")
	}
	if err := checkShort("newPub", p.NewPub); err != nil {
		return err
	}
	return checkShort("possessionSig", p.PossessionSig)
}

type IdentityRevokePayload struct {
	Reason string `json:"reason,omitempty"`
}

func (p *IdentityRevokePayload) Validate() *protocol.Error {
	return checkShort("reason", p.Reason)
}

type IdentityCapabilityPayload struct {
	Capability string `json:"capability"`
}

func (p *IdentityCapabilityPayload) Validate() *protocol.Error {
	return checkID("capability", p.Capability)
}

type IdentityPlatformLinkPayload struct {
	Platform string `json:"platform"`
	Handle   string `json:"handle"`
	Proof    string `json:"proof,omitempty"`
}

func (p *IdentityPlatformLinkPayload) Validate() *protocol.Error {
	if err := checkID("platform", p.Platform); err != nil {
		return err
	}
	if err := checkID("handle", p.Handle); err != nil {
		return err
	}
	return checkLong("proof", p.Proof)
}

// ── wallet ────────────────────────────────────────────────────────

type WalletMintPayload struct {
	To     string `json:"to"`
	Amount string `json:"amount"`
	Memo   string `json:"memo,omitempty"`
}

func (p *WalletMintPayload) Validate() *protocol.Error {
	if err := checkAddress("to", p.To); err != nil {
		return err
	}
	if _, err := ParsePositiveAmount(p.Amount); err != nil {
		return err
	}
	return checkShort("memo", p.Memo)
}

type WalletTransferPayload struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount string `json:"amount"`
	Fee    string `json:"fee"`
	Memo   string `json:"memo,omitempty"`
}

func (p *WalletTransferPayload) Validate() *protocol.Error {
	if err := checkAddress("from", p.From); err != nil {
		return err
	}
	if err := checkAddress("to", p.To); err != nil {
		return err
	}
	if _, err := ParsePositiveAmount(p.Amount); err != nil {
		return err
	}
	if _, err := ParseAmount(p.Fee); err != nil {
		return err
	}
	return checkShort("memo", p.Memo)
}

// ── escrow ────────────────────────────────────────────────────────

// ReleaseRule is the declarative condition a release event must
// reference. Kind: manual, on-milestone, on-expiry, on-confirm.
type ReleaseRule struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
	Ref  string `json:"ref,omitempty"` // milestone / delivery reference
}

func (r *ReleaseRule) validate() *protocol.Error {
	if err := checkID("releaseRule.id", r.ID); err != nil {
		return err
	}
	switch r.Kind {
	case "manual", "on-milestone", "on-expiry", "on-confirm":
	default:
		return badPayload("releaseRule.kind %q unknown", r.Kind)
	}
	return checkShort("releaseRule.ref", r.Ref)
}

type EscrowCreatePayload struct {
	EscrowID     string        `json:"escrowId"`
	Depositor    string        `json:"depositor"`
	Beneficiary  string        `json:"beneficiary"`
	Arbiter      string        `json:"arbiter,omitempty"`
	Amount       string        `json:"amount"`
	ReleaseRules []ReleaseRule `json:"releaseRules"`
	ExpiresAt    int64         `json:"expiresAt,omitempty"` // unix ms
}

func (p *EscrowCreatePayload) Validate() *protocol.Error {
	if err := checkID("escrowId", p.EscrowID); err != nil {
		return err
	}
	if err := checkAddress("depositor", p.Depositor); err != nil {
		return err
	}
	if err := checkAddress("beneficiary", p.Beneficiary); err != nil {
		return err
	}
	if p.Arbiter != "" {
		if err := checkDID("arbiter", p.Arbiter); err != nil {
			return err
		}
	}
	if _, err := ParsePositiveAmount(p.Amount); err != nil {
		return err
	}
	if len(p.ReleaseRules) == 0 {
		return badPayload("releaseRules must be non-empty")
	}
	for i := range p.ReleaseRules {
		if err := p.ReleaseRules[i].validate(); err != nil {
			return err
		}
	}
	if p.ExpiresAt < 0 {
		return badPayload("expiresAt must be non-negative")
	}
	return nil
}

type EscrowFundPayload struct {
	EscrowID string `json:"escrowId"`
	Amount   string `json:"amount"`
}

func (p *EscrowFundPayload) Validate() *protocol.Error {
	if err := checkID("escrowId", p.EscrowID); err != nil {
		return err
	}
	_, err := ParsePositiveAmount(p.Amount)
	return err
}

type EscrowReleasePayload struct {
	EscrowID string `json:"escrowId"`
	Amount   string `json:"amount"`
	RuleID   string `json:"ruleId"`
}

func (p *EscrowReleasePayload) Validate() *protocol.Error {
	if err := checkID("escrowId", p.EscrowID); err != nil {
		return err
	}
	if err := checkID("ruleId", p.RuleID); err != nil {
		return err
	}
	_, err := ParsePositiveAmount(p.Amount)
	return err
}

type EscrowRefundPayload struct {
	EscrowID string `json:"escrowId"`
	Amount   string `json:"amount"`
}

func (p *EscrowRefundPayload) Validate() *protocol.Error {
	if err := checkID("escrowId", p.EscrowID); err != nil {
		return err
	}
	_, err := ParsePositiveAmount(p.Amount)
	return err
}

type EscrowExpirePayload struct {
	EscrowID string `json:"escrowId"`
}

func (p *EscrowExpirePayload) Validate() *protocol.Error {
	return checkID("escrowId", p.EscrowID)
}

type EscrowDisputePayload struct {
	EscrowID string `json:"escrowId"`
	Reason   string `json:"reason,omitempty"`
}

func (p *EscrowDisputePayload) Validate() *protocol.Error {
	if err := checkID("escrowId", p.EscrowID); err != nil {
		return err
	}
	return checkLong("reason", p.Reason)
}

type EscrowResolvePayload struct {
	EscrowID      string `json:"escrowId"`
	ReleaseAmount string `json:"releaseAmount"`
	RefundAmount  string `json:"refundAmount"`
	Note          string `json:"note,omitempty"`
}

func (p *EscrowResolvePayload) Validate() *protocol.Error {
	if err := checkID("escrowId", p.EscrowID); err != nil {
		return err
	}
	if _, err := ParseAmount(p.ReleaseAmount); err != nil {
		return err
	}
	if _, err := ParseAmount(p.RefundAmount); err != nil {
		return err
	}
	return checkLong("note", p.Note)
}

// ── markets ───────────────────────────────────────────────────────

// Pricing covers all three listing kinds. Mode selects which fields
// apply: fixed/negotiable use Price (plus Min/Max when negotiable),
// per-call uses Price per invocation, subscription uses Price per
// period.
type Pricing struct {
	Mode  string `json:"mode"`
	Price string `json:"price,omitempty"`
	Min   string `json:"min,omitempty"`
	Max   string `json:"max,omitempty"`
}

func (p *Pricing) validate() *protocol.Error {
	switch p.Mode {
	case "fixed", "per-call", "subscription":
		if _, err := ParsePositiveAmount(p.Price); err != nil {
			return err
		}
	case "negotiable":
		if p.Min != "" {
			if _, err := ParsePositiveAmount(p.Min); err != nil {
				return err
			}
		}
		if p.Max != "" {
			if _, err := ParsePositiveAmount(p.Max); err != nil {
				return err
			}
		}
	default:
		return badPayload("pricing.mode %q unknown", p.Mode)
	}
	return nil
}

// InfoDetails describes a paid-payload listing. The content bytes
// live off-log, encrypted by the seller; only the hash is recorded.
type InfoDetails struct {
	ContentHash string `json:"contentHash"`
	ContentSize int64  `json:"contentSize"`
	Preview     string `json:"preview,omitempty"`
}

type TaskDetails struct {
	Requirements      string   `json:"requirements"`
	Deliverables      []string `json:"deliverables"`
	Skills            []string `json:"skills,omitempty"`
	Complexity        string   `json:"complexity,omitempty"`
	EstimatedDuration string   `json:"estimatedDuration,omitempty"`
	Deadline          int64    `json:"deadline,omitempty"` // unix ms
	Flexible          bool     `json:"flexible,omitempty"`
}

type RateLimit struct {
	Calls      int `json:"calls"`
	PerSeconds int `json:"perSeconds"`
}

type CapabilityDetails struct {
	Endpoint       string      `json:"endpoint"`
	Authentication string      `json:"authentication,omitempty"`
	RateLimits     []RateLimit `json:"rateLimits,omitempty"`
	QuotaCalls     int64       `json:"quotaCalls,omitempty"` // 0 = unlimited
}

type ListingPublishPayload struct {
	ListingID   string             `json:"listingId"`
	Kind        string             `json:"kind"` // info | task | capability
	Title       string             `json:"title"`
	Description string             `json:"description,omitempty"`
	Pricing     Pricing            `json:"pricing"`
	Info        *InfoDetails       `json:"info,omitempty"`
	Task        *TaskDetails       `json:"task,omitempty"`
	Capability  *CapabilityDetails `json:"capability,omitempty"`
}

func (p *ListingPublishPayload) Validate() *protocol.Error {
	if err := checkID("listingId", p.ListingID); err != nil {
		return err
	}
	if err := checkID("title", p.Title); err != nil {
		return err
	}
	if err := checkLong("description", p.Description); err != nil {
		return err
	}
	if err := p.Pricing.validate(); err != nil {
		return err
	}
	switch p.Kind {
	case "info":
		if p.Info == nil || p.Info.ContentHash == "" {
			return badPayload("info listing requires info.contentHash")
		}
		if p.Info.ContentSize < 0 {
			return badPayload("info.contentSize must be non-negative")
		}
	case "task":
		if p.Task == nil || p.Task.Requirements == "" {
			return badPayload("task listing requires task.requirements")
		}
		if len(p.Task.Deliverables) == 0 {
			return badPayload("task listing requires deliverables")
		}
		if err := checkLong("task.requirements", p.Task.Requirements); err != nil {
			return err
		}
	case "capability":
		if p.Capability == nil || p.Capability.Endpoint == "" {
			return badPayload("capability listing requires capability.endpoint")
		}
		for _, rl := range p.Capability.RateLimits {
			if rl.Calls <= 0 || rl.PerSeconds <= 0 {
				return badPayload("rateLimits entries must be positive")
			}
		}
	default:
		return badPayload("listing kind %q unknown", p.Kind)
	}
	return nil
}

type ListingRemovePayload struct {
	ListingID string `json:"listingId"`
	Reason    string `json:"reason,omitempty"`
}

func (p *ListingRemovePayload) Validate() *protocol.Error {
	if err := checkID("listingId", p.ListingID); err != nil {
		return err
	}
	return checkShort("reason", p.Reason)
}

type BidSubmitPayload struct {
	ListingID         string `json:"listingId"`
	BidID             string `json:"bidId"`
	Amount            string `json:"amount"`
	Message           string `json:"message,omitempty"`
	EstimatedDuration string `json:"estimatedDuration,omitempty"`
}

func (p *BidSubmitPayload) Validate() *protocol.Error {
	if err := checkID("listingId", p.ListingID); err != nil {
		return err
	}
	if err := checkID("bidId", p.BidID); err != nil {
		return err
	}
	if _, err := ParsePositiveAmount(p.Amount); err != nil {
		return err
	}
	return checkLong("message", p.Message)
}

type BidAcceptPayload struct {
	ListingID string `json:"listingId"`
	BidID     string `json:"bidId"`
	// EscrowID names the escrow funded atomically with acceptance.
	EscrowID string `json:"escrowId"`
}

func (p *BidAcceptPayload) Validate() *protocol.Error {
	if err := checkID("listingId", p.ListingID); err != nil {
		return err
	}
	if err := checkID("bidId", p.BidID); err != nil {
		return err
	}
	return checkID("escrowId", p.EscrowID)
}

type DeliverySubmitPayload struct {
	ListingID   string `json:"listingId"`
	DeliveryID  string `json:"deliveryId"`
	PayloadHash string `json:"payloadHash"`
	Note        string `json:"note,omitempty"`
}

func (p *DeliverySubmitPayload) Validate() *protocol.Error {
	if err := checkID("listingId", p.ListingID); err != nil {
		return err
	}
	if err := checkID("deliveryId", p.DeliveryID); err != nil {
		return err
	}
	if err := checkID("payloadHash", p.PayloadHash); err != nil {
		return err
	}
	return checkLong("note", p.Note)
}

type DeliveryConfirmPayload struct {
	ListingID  string `json:"listingId"`
	DeliveryID string `json:"deliveryId"`
}

func (p *DeliveryConfirmPayload) Validate() *protocol.Error {
	if err := checkID("listingId", p.ListingID); err != nil {
		return err
	}
	return checkID("deliveryId", p.DeliveryID)
}

type DeliveryRejectPayload struct {
	ListingID  string `json:"listingId"`
	DeliveryID string `json:"deliveryId"`
	Reason     string `json:"reason,omitempty"`
}

func (p *DeliveryRejectPayload) Validate() *protocol.Error {
	if err := checkID("listingId", p.ListingID); err != nil {
		return err
	}
	if err := checkID("deliveryId", p.DeliveryID); err != nil {
		return err
	}
	return checkLong("reason", p.Reason)
}

type InfoPurchasePayload struct {
	ListingID string `json:"listingId"`
	OrderID   string `json:"orderId"`
	EscrowID  string `json:"escrowId"`
	// BuyerEphPub is the buyer's ephemeral X25519 public key (base64)
	// against which the seller seals the content key.
	BuyerEphPub string `json:"buyerEphPub"`
}

func (p *InfoPurchasePayload) Validate() *protocol.Error {
	if err := checkID("listingId", p.ListingID); err != nil {
		return err
	}
	if err := checkID("orderId", p.OrderID); err != nil {
		return err
	}
	if err := checkID("escrowId", p.EscrowID); err != nil {
		return err
	}
	return checkID("buyerEphPub", p.BuyerEphPub)
}

type CapabilityInvokePayload struct {
	ListingID string `json:"listingId"`
	Calls     int64  `json:"calls"`
}

func (p *CapabilityInvokePayload) Validate() *protocol.Error {
	if err := checkID("listingId", p.ListingID); err != nil {
		return err
	}
	if p.Calls < 1 {
		return badPayload("calls must be >= 1")
	}
	return nil
}

// ── service contracts ─────────────────────────────────────────────

type MilestoneDef struct {
	ID          string `json:"id"`
	Amount      string `json:"amount"`
	Description string `json:"description,omitempty"`
}

type ContractCreatePayload struct {
	ContractID  string         `json:"contractId"`
	Client      string         `json:"client"`
	Provider    string         `json:"provider"`
	Arbiter     string         `json:"arbiter,omitempty"`
	TotalAmount string         `json:"totalAmount"`
	Milestones  []MilestoneDef `json:"milestones"`
	Deadline    int64          `json:"deadline,omitempty"` // unix ms
}

func (p *ContractCreatePayload) Validate() *protocol.Error {
	if err := checkID("contractId", p.ContractID); err != nil {
		return err
	}
	if err := checkDID("client", p.Client); err != nil {
		return err
	}
	if err := checkDID("provider", p.Provider); err != nil {
		return err
	}
	if p.Client == p.Provider {
		return badPayload("client and provider must be distinct")
	}
	if p.Arbiter != "" {
		if err := checkDID("arbiter", p.Arbiter); err != nil {
			return err
		}
	}
	total, err := ParsePositiveAmount(p.TotalAmount)
	if err != nil {
		return err
	}
	if len(p.Milestones) == 0 {
		return badPayload("at least one milestone is required")
	}
	var sum uint64
	seen := make(map[string]bool, len(p.Milestones))
	for i := range p.Milestones {
		m := &p.Milestones[i]
		if err := checkID("milestone.id", m.ID); err != nil {
			return err
		}
		if seen[m.ID] {
			return badPayload("duplicate milestone id %q", m.ID)
		}
		seen[m.ID] = true
		v, err := ParsePositiveAmount(m.Amount)
		if err != nil {
			return err
		}
		if sum+v < sum {
			return badPayload("milestone amounts overflow")
		}
		sum += v
	}
	if sum != total {
		return protocol.Errf(protocol.KindInvalid, protocol.CodeSumMismatch,
			"milestone amounts sum to %d, totalAmount is %d", sum, total)
	}
	return nil
}

type ContractSignPayload struct {
	ContractID string `json:"contractId"`
}

func (p *ContractSignPayload) Validate() *protocol.Error {
	return checkID("contractId", p.ContractID)
}

type ContractFundPayload struct {
	ContractID string `json:"contractId"`
	EscrowID   string `json:"escrowId"`
}

func (p *ContractFundPayload) Validate() *protocol.Error {
	if err := checkID("contractId", p.ContractID); err != nil {
		return err
	}
	return checkID("escrowId", p.EscrowID)
}

type MilestoneSubmitPayload struct {
	ContractID      string `json:"contractId"`
	MilestoneID     string `json:"milestoneId"`
	DeliverableHash string `json:"deliverableHash,omitempty"`
	Note            string `json:"note,omitempty"`
}

func (p *MilestoneSubmitPayload) Validate() *protocol.Error {
	if err := checkID("contractId", p.ContractID); err != nil {
		return err
	}
	if err := checkID("milestoneId", p.MilestoneID); err != nil {
		return err
	}
	return checkLong("note", p.Note)
}

type MilestoneApprovePayload struct {
	ContractID  string `json:"contractId"`
	MilestoneID string `json:"milestoneId"`
}

func (p *MilestoneApprovePayload) Validate() *protocol.Error {
	if err := checkID("contractId", p.ContractID); err != nil {
		return err
	}
	return checkID("milestoneId", p.MilestoneID)
}

type MilestoneRejectPayload struct {
	ContractID  string `json:"contractId"`
	MilestoneID string `json:"milestoneId"`
	Reason      string `json:"reason,omitempty"`
}

func (p *MilestoneRejectPayload) Validate() *protocol.Error {
	if err := checkID("contractId", p.ContractID); err != nil {
		return err
	}
	if err := checkID("milestoneId", p.MilestoneID); err != nil {
		return err
	}
	return checkLong("reason", p.Reason)
}

type ContractCompletePayload struct {
	ContractID string `json:"contractId"`
	Note       string `json:"note,omitempty"`
}

func (p *ContractCompletePayload) Validate() *protocol.Error {
	if err := checkID("contractId", p.ContractID); err != nil {
		return err
	}
	return checkLong("note", p.Note)
}

type ContractDisputePayload struct {
	ContractID string `json:"contractId"`
	Reason     string `json:"reason,omitempty"`
}

func (p *ContractDisputePayload) Validate() *protocol.Error {
	if err := checkID("contractId", p.ContractID); err != nil {
		return err
	}
	return checkLong("reason", p.Reason)
}

type ContractResolvePayload struct {
	ContractID     string `json:"contractId"`
	ProviderAmount string `json:"providerAmount"`
	ClientAmount   string `json:"clientAmount"`
	// Outcome: completed | cancelled | active (resume work)
	Outcome string `json:"outcome"`
	Note    string `json:"note,omitempty"`
}

func (p *ContractResolvePayload) Validate() *protocol.Error {
	if err := checkID("contractId", p.ContractID); err != nil {
		return err
	}
	if _, err := ParseAmount(p.ProviderAmount); err != nil {
		return err
	}
	if _, err := ParseAmount(p.ClientAmount); err != nil {
		return err
	}
	switch p.Outcome {
	case "completed", "cancelled", "active":
	default:
		return badPayload("outcome %q unknown", p.Outcome)
	}
	return checkLong("note", p.Note)
}

type ContractCancelPayload struct {
	ContractID string `json:"contractId"`
	Reason     string `json:"reason,omitempty"`
}

func (p *ContractCancelPayload) Validate() *protocol.Error {
	if err := checkID("contractId", p.ContractID); err != nil {
		return err
	}
	return checkLong("reason", p.Reason)
}

type ContractTerminatePayload struct {
	ContractID string `json:"contractId"`
}

func (p *ContractTerminatePayload) Validate() *protocol.Error {
	return checkID("contractId", p.ContractID)
}

// ── reputation ────────────────────────────────────────────────────

// Dimensions of the reputation record.
var ReputationDimensions = map[string]bool{
	"quality":     true,
	"fulfillment": true,
	"transaction": true,
	"behavior":    true,
	"social":      true,
}

type ReputationRecordPayload struct {
	Subject   string `json:"subject"`
	Dimension string `json:"dimension"`
	Score     int    `json:"score"`
	Ref       string `json:"ref,omitempty"`
	Comment   string `json:"comment,omitempty"`
}

func (p *ReputationRecordPayload) Validate() *protocol.Error {
	if err := checkDID("subject", p.Subject); err != nil {
		return err
	}
	if !ReputationDimensions[p.Dimension] {
		return badPayload("dimension %q unknown", p.Dimension)
	}
	if p.Score < 1 || p.Score > 5 {
		return badPayload("score must be in 1..5")
	}
	if err := checkShort("ref", p.Ref); err != nil {
		return err
	}
	return checkLong("comment", p.Comment)
}

// ── dao ───────────────────────────────────────────────────────────

type TreasurySpendAction struct {
	To     string `json:"to"`
	Amount string `json:"amount"`
}

type DAOProposalCreatePayload struct {
	ProposalID     string               `json:"proposalId"`
	Kind           string               `json:"kind"` // parameter | treasury | text
	Title          string               `json:"title"`
	Description    string               `json:"description,omitempty"`
	VotingPeriodMs int64                `json:"votingPeriodMs,omitempty"`
	Spend          *TreasurySpendAction `json:"spend,omitempty"`
}

func (p *DAOProposalCreatePayload) Validate() *protocol.Error {
	if err := checkID("proposalId", p.ProposalID); err != nil {
		return err
	}
	if err := checkID("title", p.Title); err != nil {
		return err
	}
	if err := checkLong("description", p.Description); err != nil {
		return err
	}
	switch p.Kind {
	case "parameter", "text":
	case "treasury":
		if p.Spend == nil {
			return badPayload("treasury proposal requires spend action")
		}
		if err := checkAddress("spend.to", p.Spend.To); err != nil {
			return err
		}
		if _, err := ParsePositiveAmount(p.Spend.Amount); err != nil {
			return err
		}
	default:
		return badPayload("proposal kind %q unknown", p.Kind)
	}
	if p.VotingPeriodMs < 0 {
		return badPayload("votingPeriodMs must be non-negative")
	}
	return nil
}

type DAOProposalAdvancePayload struct {
	ProposalID string `json:"proposalId"`
}

func (p *DAOProposalAdvancePayload) Validate() *protocol.Error {
	return checkID("proposalId", p.ProposalID)
}

type DAOVoteCastPayload struct {
	ProposalID string `json:"proposalId"`
	Support    string `json:"support"` // yes | no | abstain
}

func (p *DAOVoteCastPayload) Validate() *protocol.Error {
	if err := checkID("proposalId", p.ProposalID); err != nil {
		return err
	}
	switch p.Support {
	case "yes", "no", "abstain":
		return nil
	default:
		return badPayload("support %q unknown", p.Support)
	}
}

type DAODelegateSetPayload struct {
	Delegate string `json:"delegate"`
}

func (p *DAODelegateSetPayload) Validate() *protocol.Error {
	return checkDID("delegate", p.Delegate)
}

type DAODelegateRevokePayload struct{}

func (p *DAODelegateRevokePayload) Validate() *protocol.Error { return nil }

type DAOTreasuryDepositPayload struct {
	Amount string `json:"amount"`
	Memo   string `json:"memo,omitempty"`
}

func (p *DAOTreasuryDepositPayload) Validate() *protocol.Error {
	if _, err := ParsePositiveAmount(p.Amount); err != nil {
		return err
	}
	return checkShort("memo", p.Memo)
}

type DAOTreasurySpendPayload struct {
	ProposalID string `json:"proposalId"`
	To         string `json:"to"`
	Amount     string `json:"amount"`
}

func (p *DAOTreasurySpendPayload) Validate() *protocol.Error {
	if err := checkID("proposalId", p.ProposalID); err != nil {
		return err
	}
	if err := checkAddress("to", p.To); err != nil {
		return err
	}
	_, err := ParsePositiveAmount(p.Amount)
	return err
}

type DAOTimelockQueuePayload struct {
	ProposalID   string `json:"proposalId"`
	ExecuteAfter int64  `json:"executeAfter"` // unix ms
}

func (p *DAOTimelockQueuePayload) Validate() *protocol.Error {
	if err := checkID("proposalId", p.ProposalID); err != nil {
		return err
	}
	if p.ExecuteAfter <= 0 {
		return badPayload("executeAfter must be positive")
	}
	return nil
}

type DAOTimelockExecutePayload struct {
	ProposalID string `json:"proposalId"`
}

func (p *DAOTimelockExecutePayload) Validate() *protocol.Error {
	return checkID("proposalId", p.ProposalID)
}

type DAOTimelockCancelPayload struct {
	ProposalID string `json:"proposalId"`
	Reason     string `json:"reason,omitempty"`
}

func (p *DAOTimelockCancelPayload) Validate() *protocol.Error {
	if err := checkID("proposalId", p.ProposalID); err != nil {
		return err
	}
	return checkShort("reason", p.Reason)
}

// ── parse dispatch ────────────────────────────────────────────────

// Validator is implemented by every typed payload.
type Validator interface {
	Validate() *protocol.Error
}

var payloadFactories = map[string]func() Validator{
	TypeIdentityRegister:     func() Validator { return &IdentityRegisterPayload{} },
	TypeIdentityRotateKey:    func() Validator { return &IdentityRotateKeyPayload{} },
	TypeIdentityRevoke:       func() Validator { return &IdentityRevokePayload{} },
	TypeIdentityCapability:   func() Validator { return &IdentityCapabilityPayload{} },
	TypeIdentityPlatformLink: func() Validator { return &IdentityPlatformLinkPayload{} },

	TypeWalletMint:     func() Validator { return &WalletMintPayload{} },
	TypeWalletTransfer: func() Validator { return &WalletTransferPayload{} },

	TypeEscrowCreate:  func() Validator { return &EscrowCreatePayload{} },
	TypeEscrowFund:    func() Validator { return &EscrowFundPayload{} },
	TypeEscrowRelease: func() Validator { return &EscrowReleasePayload{} },
	TypeEscrowRefund:  func() Validator { return &EscrowRefundPayload{} },
	TypeEscrowExpire:  func() Validator { return &EscrowExpirePayload{} },
	TypeEscrowDispute: func() Validator { return &EscrowDisputePayload{} },
	TypeEscrowResolve: func() Validator { return &EscrowResolvePayload{} },

	TypeListingPublish:   func() Validator { return &ListingPublishPayload{} },
	TypeListingRemove:    func() Validator { return &ListingRemovePayload{} },
	TypeBidSubmit:        func() Validator { return &BidSubmitPayload{} },
	TypeBidAccept:        func() Validator { return &BidAcceptPayload{} },
	TypeDeliverySubmit:   func() Validator { return &DeliverySubmitPayload{} },
	TypeDeliveryConfirm:  func() Validator { return &DeliveryConfirmPayload{} },
	TypeDeliveryReject:   func() Validator { return &DeliveryRejectPayload{} },
	TypeInfoPurchase:     func() Validator { return &InfoPurchasePayload{} },
	TypeCapabilityInvoke: func() Validator { return &CapabilityInvokePayload{} },

	TypeContractCreate:           func() Validator { return &ContractCreatePayload{} },
	TypeContractSign:             func() Validator { return &ContractSignPayload{} },
	TypeContractFund:             func() Validator { return &ContractFundPayload{} },
	TypeContractMilestoneSubmit:  func() Validator { return &MilestoneSubmitPayload{} },
	TypeContractMilestoneApprove: func() Validator { return &MilestoneApprovePayload{} },
	TypeContractMilestoneReject:  func() Validator { return &MilestoneRejectPayload{} },
	TypeContractComplete:         func() Validator { return &ContractCompletePayload{} },
	TypeContractDispute:          func() Validator { return &ContractDisputePayload{} },
	TypeContractResolve:          func() Validator { return &ContractResolvePayload{} },
	TypeContractCancel:           func() Validator { return &ContractCancelPayload{} },
	TypeContractTerminate:        func() Validator { return &ContractTerminatePayload{} },

	TypeReputationRecord: func() Validator { return &ReputationRecordPayload{} },

	TypeDAOProposalCreate:  func() Validator { return &DAOProposalCreatePayload{} },
	TypeDAOProposalAdvance: func() Validator { return &DAOProposalAdvancePayload{} },
	TypeDAOVoteCast:        func() Validator { return &DAOVoteCastPayload{} },
	TypeDAODelegateSet:     func() Validator { return &DAODelegateSetPayload{} },
	TypeDAODelegateRevoke:  func() Validator { return &DAODelegateRevokePayload{} },
	TypeDAOTreasuryDeposit: func() Validator { return &DAOTreasuryDepositPayload{} },
	TypeDAOTreasurySpend:   func() Validator { return &DAOTreasurySpendPayload{} },
	TypeDAOTimelockQueue:   func() Validator { return &DAOTimelockQueuePayload{} },
	TypeDAOTimelockExecute: func() Validator { return &DAOTimelockExecutePayload{} },
	TypeDAOTimelockCancel:  func() Validator { return &DAOTimelockCancelPayload{} },
}

// KnownType reports whether typ has a registered payload schema.
func KnownType(typ string) bool {
	_, ok := payloadFactories[typ]
	return ok
}

// NewPayload returns an empty payload value for typ, for callers that
// decode request bodies before building an envelope.
func NewPayload(typ string) (Validator, bool) {
	factory, ok := payloadFactories[typ]
	if !ok {
		return nil, false
	}
	return factory(), true
}

// ParsePayload decodes and validates the envelope's payload against
// its type schema. Unknown fields and unknown types are rejected.
func ParsePayload(env *Envelope) (Validator, *protocol.Error) {
	factory, ok := payloadFactories[env.Type]
	if !ok {
		return nil, protocol.Errf(protocol.KindInvalid, protocol.CodeUnknownType, "unknown event type %q", env.Type)
	}
	p := factory()
	dec := json.NewDecoder(bytes.NewReader(env.Payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(p); err != nil {
		return nil, badPayload("payload does not match schema for %s: %v", env.Type, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}
