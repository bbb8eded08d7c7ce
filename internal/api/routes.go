package api

import (
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/clawnet/claw-node/internal/ledger"
	"github.com/clawnet/claw-node/internal/p2p"
	"github.com/clawnet/claw-node/internal/pipeline"
	"github.com/clawnet/claw-node/pkg/events"
)

// Handler carries the node components the REST surface reads from and
// writes through.
type Handler struct {
	com    *pipeline.Committer
	store  *ledger.Store
	mesh   *p2p.Mesh // nil for isolated nodes
	issuer *Issuer
	hub    *Hub

	version   string
	startedAt time.Time
}

// Options configures SetupRouter.
type Options struct {
	Committer *pipeline.Committer
	Store     *ledger.Store
	Mesh      *p2p.Mesh
	Issuer    *Issuer
	Hub       *Hub
	Version   string
	Registry  *prometheus.Registry // nil disables /metrics
}

// SetupRouter builds the full REST surface under /api/v1.
func SetupRouter(opts Options) *gin.Engine {
	r := gin.Default()

	// CORS — configurable via ALLOWED_ORIGINS (comma separated).
	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	h := &Handler{
		com:       opts.Committer,
		store:     opts.Store,
		mesh:      opts.Mesh,
		issuer:    opts.Issuer,
		hub:       opts.Hub,
		version:   opts.Version,
		startedAt: time.Now(),
	}

	limiter := NewRateLimiter(120, 30)

	api := r.Group("/api/v1")

	// Peer and subscriber endpoints skip auth: peers authenticate via
	// the Noise handshake, and the stream is read-only.
	if h.mesh != nil {
		api.GET("/p2p", func(c *gin.Context) {
			h.mesh.HandleUpgrade(c.Writer, c.Request)
		})
	}
	if h.hub != nil {
		api.GET("/stream", h.hub.Subscribe)
	}
	api.GET("/status", h.handleStatus)

	authed := api.Group("")
	authed.Use(AuthMiddleware(), limiter.Middleware())
	{
		// Commands.
		authed.POST("/identity/register", h.command(events.TypeIdentityRegister))
		authed.POST("/identity/rotate", h.command(events.TypeIdentityRotateKey))
		authed.POST("/identity/revoke", h.command(events.TypeIdentityRevoke))
		authed.POST("/identity/capability", h.command(events.TypeIdentityCapability))
		authed.POST("/identity/platform-link", h.command(events.TypeIdentityPlatformLink))

		authed.POST("/wallet/mint", h.command(events.TypeWalletMint))
		authed.POST("/wallet/transfer", h.command(events.TypeWalletTransfer))

		authed.POST("/wallet/escrow/create", h.command(events.TypeEscrowCreate))
		authed.POST("/wallet/escrow/fund", h.command(events.TypeEscrowFund))
		authed.POST("/wallet/escrow/release", h.command(events.TypeEscrowRelease))
		authed.POST("/wallet/escrow/refund", h.command(events.TypeEscrowRefund))
		authed.POST("/wallet/escrow/expire", h.command(events.TypeEscrowExpire))
		authed.POST("/wallet/escrow/dispute", h.command(events.TypeEscrowDispute))
		authed.POST("/wallet/escrow/resolve", h.command(events.TypeEscrowResolve))

		authed.POST("/market/info/publish", h.command(events.TypeListingPublish))
		authed.POST("/market/task/publish", h.command(events.TypeListingPublish))
		authed.POST("/market/capability/publish", h.command(events.TypeListingPublish))
		authed.POST("/market/listing/remove", h.command(events.TypeListingRemove))
		authed.POST("/market/task/bid", h.command(events.TypeBidSubmit))
		authed.POST("/market/task/accept", h.command(events.TypeBidAccept))
		authed.POST("/market/task/deliver", h.command(events.TypeDeliverySubmit))
		authed.POST("/market/task/confirm", h.command(events.TypeDeliveryConfirm))
		authed.POST("/market/task/reject", h.command(events.TypeDeliveryReject))
		authed.POST("/market/info/purchase", h.command(events.TypeInfoPurchase))
		authed.POST("/market/capability/invoke", h.command(events.TypeCapabilityInvoke))

		authed.POST("/contract/create", h.command(events.TypeContractCreate))
		authed.POST("/contract/sign", h.command(events.TypeContractSign))
		authed.POST("/contract/fund", h.command(events.TypeContractFund))
		authed.POST("/contract/milestone/submit", h.command(events.TypeContractMilestoneSubmit))
		authed.POST("/contract/milestone/approve", h.command(events.TypeContractMilestoneApprove))
		authed.POST("/contract/milestone/reject", h.command(events.TypeContractMilestoneReject))
		authed.POST("/contract/complete", h.command(events.TypeContractComplete))
		authed.POST("/contract/dispute", h.command(events.TypeContractDispute))
		authed.POST("/contract/resolve", h.command(events.TypeContractResolve))
		authed.POST("/contract/cancel", h.command(events.TypeContractCancel))
		authed.POST("/contract/terminate", h.command(events.TypeContractTerminate))

		authed.POST("/reputation/record", h.command(events.TypeReputationRecord))

		authed.POST("/dao/proposal", h.command(events.TypeDAOProposalCreate))
		authed.POST("/dao/proposal/advance", h.command(events.TypeDAOProposalAdvance))
		authed.POST("/dao/vote", h.command(events.TypeDAOVoteCast))
		authed.POST("/dao/delegate", h.command(events.TypeDAODelegateSet))
		authed.POST("/dao/delegate/revoke", h.command(events.TypeDAODelegateRevoke))
		authed.POST("/dao/treasury/deposit", h.command(events.TypeDAOTreasuryDeposit))
		authed.POST("/dao/treasury/spend", h.command(events.TypeDAOTreasurySpend))
		authed.POST("/dao/timelock/queue", h.command(events.TypeDAOTimelockQueue))
		authed.POST("/dao/timelock/execute", h.command(events.TypeDAOTimelockExecute))
		authed.POST("/dao/timelock/cancel", h.command(events.TypeDAOTimelockCancel))

		// Queries.
		authed.GET("/wallet/balance/:address", h.handleBalance)
		authed.GET("/wallet/history/:address", h.handleHistory)
		authed.GET("/identity/resolve/:did", h.handleResolveDID)
		authed.GET("/market/listing/:id", h.handleGetListing)
		authed.GET("/market/listings", h.handleListListings)
		authed.GET("/market/search", h.handleSearch)
		authed.GET("/contract/:id", h.handleGetContract)
		authed.GET("/contracts", h.handleListContracts)
		authed.GET("/reputation/:did", h.handleGetReputation)
		authed.GET("/dao/proposal/:id", h.handleGetProposal)
		authed.GET("/dao/proposals", h.handleListProposals)
	}

	if opts.Registry != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{})))
	}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "cursor": h.com.Cursor()})
	})

	return r
}
