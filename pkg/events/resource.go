package events

import (
	"github.com/clawnet/claw-node/pkg/protocol"
)

// Resource kinds. Every committed event extends exactly one resource
// chain, identified by (Kind, ID); prev points at that chain's head.
const (
	ResIdentity   = "identity"
	ResWallet     = "wallet"
	ResEscrow     = "escrow"
	ResListing    = "listing"
	ResContract   = "contract"
	ResReputation = "reputation"
	ResProposal   = "proposal"
	ResDelegation = "delegation"
	ResTreasury   = "treasury"
)

// Resource names the chain an event belongs to.
type Resource struct {
	Kind string
	ID   string
}

// Key renders the chain identifier used by ledger indexes.
func (r Resource) Key() string { return r.Kind + ":" + r.ID }

// creators are the event types that open a fresh chain and therefore
// must carry prev=null and a not-yet-existing resource id.
var creators = map[string]bool{
	TypeIdentityRegister:  true,
	TypeEscrowCreate:      true,
	TypeListingPublish:    true,
	TypeContractCreate:    true,
	TypeDAOProposalCreate: true,
}

// CreatesResource reports whether typ opens a new chain. Chains of the
// implicit kinds (wallet, reputation, delegation, treasury) have no
// creator type; their first event simply carries prev=null.
func CreatesResource(typ string) bool { return creators[typ] }

// ImplicitChain reports whether kind's chains come into existence with
// their first event rather than a dedicated create type.
func ImplicitChain(kind string) bool {
	switch kind {
	case ResWallet, ResReputation, ResDelegation, ResTreasury:
		return true
	}
	return false
}

// ResourceOf derives the chain an envelope extends from its type and
// already-validated payload. A transfer extends the sender's wallet
// chain; the recipient side is derived state only.
func ResourceOf(env *Envelope, p Validator) (Resource, *protocol.Error) {
	switch env.Type {
	case TypeIdentityRegister, TypeIdentityRotateKey, TypeIdentityRevoke,
		TypeIdentityCapability, TypeIdentityPlatformLink:
		return Resource{ResIdentity, env.Issuer}, nil

	case TypeWalletMint:
		return Resource{ResWallet, p.(*WalletMintPayload).To}, nil
	case TypeWalletTransfer:
		return Resource{ResWallet, p.(*WalletTransferPayload).From}, nil

	case TypeEscrowCreate:
		return Resource{ResEscrow, p.(*EscrowCreatePayload).EscrowID}, nil
	case TypeEscrowFund:
		return Resource{ResEscrow, p.(*EscrowFundPayload).EscrowID}, nil
	case TypeEscrowRelease:
		return Resource{ResEscrow, p.(*EscrowReleasePayload).EscrowID}, nil
	case TypeEscrowRefund:
		return Resource{ResEscrow, p.(*EscrowRefundPayload).EscrowID}, nil
	case TypeEscrowExpire:
		return Resource{ResEscrow, p.(*EscrowExpirePayload).EscrowID}, nil
	case TypeEscrowDispute:
		return Resource{ResEscrow, p.(*EscrowDisputePayload).EscrowID}, nil
	case TypeEscrowResolve:
		return Resource{ResEscrow, p.(*EscrowResolvePayload).EscrowID}, nil

	case TypeListingPublish:
		return Resource{ResListing, p.(*ListingPublishPayload).ListingID}, nil
	case TypeListingRemove:
		return Resource{ResListing, p.(*ListingRemovePayload).ListingID}, nil
	case TypeBidSubmit:
		return Resource{ResListing, p.(*BidSubmitPayload).ListingID}, nil
	case TypeBidAccept:
		return Resource{ResListing, p.(*BidAcceptPayload).ListingID}, nil
	case TypeDeliverySubmit:
		return Resource{ResListing, p.(*DeliverySubmitPayload).ListingID}, nil
	case TypeDeliveryConfirm:
		return Resource{ResListing, p.(*DeliveryConfirmPayload).ListingID}, nil
	case TypeDeliveryReject:
		return Resource{ResListing, p.(*DeliveryRejectPayload).ListingID}, nil
	case TypeInfoPurchase:
		return Resource{ResListing, p.(*InfoPurchasePayload).ListingID}, nil
	case TypeCapabilityInvoke:
		return Resource{ResListing, p.(*CapabilityInvokePayload).ListingID}, nil

	case TypeContractCreate:
		return Resource{ResContract, p.(*ContractCreatePayload).ContractID}, nil
	case TypeContractSign:
		return Resource{ResContract, p.(*ContractSignPayload).ContractID}, nil
	case TypeContractFund:
		return Resource{ResContract, p.(*ContractFundPayload).ContractID}, nil
	case TypeContractMilestoneSubmit:
		return Resource{ResContract, p.(*MilestoneSubmitPayload).ContractID}, nil
	case TypeContractMilestoneApprove:
		return Resource{ResContract, p.(*MilestoneApprovePayload).ContractID}, nil
	case TypeContractMilestoneReject:
		return Resource{ResContract, p.(*MilestoneRejectPayload).ContractID}, nil
	case TypeContractComplete:
		return Resource{ResContract, p.(*ContractCompletePayload).ContractID}, nil
	case TypeContractDispute:
		return Resource{ResContract, p.(*ContractDisputePayload).ContractID}, nil
	case TypeContractResolve:
		return Resource{ResContract, p.(*ContractResolvePayload).ContractID}, nil
	case TypeContractCancel:
		return Resource{ResContract, p.(*ContractCancelPayload).ContractID}, nil
	case TypeContractTerminate:
		return Resource{ResContract, p.(*ContractTerminatePayload).ContractID}, nil

	case TypeReputationRecord:
		return Resource{ResReputation, p.(*ReputationRecordPayload).Subject}, nil

	case TypeDAOProposalCreate:
		return Resource{ResProposal, p.(*DAOProposalCreatePayload).ProposalID}, nil
	case TypeDAOProposalAdvance:
		return Resource{ResProposal, p.(*DAOProposalAdvancePayload).ProposalID}, nil
	case TypeDAOVoteCast:
		return Resource{ResProposal, p.(*DAOVoteCastPayload).ProposalID}, nil
	case TypeDAOTimelockQueue:
		return Resource{ResProposal, p.(*DAOTimelockQueuePayload).ProposalID}, nil
	case TypeDAOTimelockExecute:
		return Resource{ResProposal, p.(*DAOTimelockExecutePayload).ProposalID}, nil
	case TypeDAOTimelockCancel:
		return Resource{ResProposal, p.(*DAOTimelockCancelPayload).ProposalID}, nil

	case TypeDAODelegateSet, TypeDAODelegateRevoke:
		return Resource{ResDelegation, env.Issuer}, nil

	case TypeDAOTreasuryDeposit, TypeDAOTreasurySpend:
		return Resource{ResTreasury, "treasury"}, nil
	}
	return Resource{}, protocol.Errf(protocol.KindInvalid, protocol.CodeUnknownType, "no resource mapping for %q", env.Type)
}
