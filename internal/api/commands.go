package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/clawnet/claw-node/internal/pipeline"
	"github.com/clawnet/claw-node/pkg/events"
	"github.com/clawnet/claw-node/pkg/protocol"
)

// Issuer is the node's signing identity. Command handlers build
// envelopes under its lock so nonce assignment stays dense even with
// concurrent REST calls.
type Issuer struct {
	DID    string
	Pub    string // multibase public key, no DID prefix
	Signer events.Signer

	mu sync.Mutex
}

// command returns a handler that decodes the request body as the
// payload for typ, signs an envelope with the node key and waits for
// the committer's verdict.
func (h *Handler) command(typ string) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := events.NewPayload(typ)
		if !ok {
			respondError(c, protocol.Errf(protocol.KindInvalid, protocol.CodeUnknownType, "unknown event type %q", typ))
			return
		}
		dec := json.NewDecoder(c.Request.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(p); err != nil {
			respondError(c, protocol.Errf(protocol.KindInvalid, protocol.CodeBadPayload, "request body does not match schema for %s: %v", typ, err))
			return
		}
		if perr := p.Validate(); perr != nil {
			respondError(c, perr)
			return
		}

		env, perr := h.buildSigned(typ, p)
		if perr != nil {
			respondError(c, perr)
			return
		}
		raw, err := env.CanonicalBytes()
		if err != nil {
			respondError(c, protocol.Errf(protocol.KindInvalid, protocol.CodeBadCanonicalForm, "canonicalize: %v", err))
			return
		}

		res := h.com.Submit(c.Request.Context(), env, raw, pipeline.OriginLocal)
		if res.Err != nil {
			if res.Buffered {
				c.JSON(http.StatusAccepted, gin.H{"status": "buffered", "hash": env.Hash})
				return
			}
			respondError(c, res.Err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"hash":       env.Hash,
			"resourceId": res.Resource.ID,
			"seq":        res.Seq,
		})
	}
}

// buildSigned assigns the next nonce, threads the resource hash chain
// and signs. The issuer lock serializes concurrent builders; the
// committer itself still enforces density and chain validity.
func (h *Handler) buildSigned(typ string, p events.Validator) (*events.Envelope, *protocol.Error) {
	h.issuer.mu.Lock()
	defer h.issuer.mu.Unlock()

	nonce := h.com.IssuerHead(h.issuer.DID) + 1
	probe := &events.Envelope{V: events.Version, Type: typ, Issuer: h.issuer.DID, Nonce: nonce}
	res, perr := events.ResourceOf(probe, p)
	if perr != nil {
		return nil, perr
	}

	var prev *string
	if !events.CreatesResource(typ) {
		if head := h.com.ResourceHead(res.Kind, res.ID); head != "" {
			prev = &head
		}
	}

	env, err := events.Build(h.issuer.Signer, typ, h.issuer.DID, h.issuer.Pub, nonce, prev, p, time.Now().UnixMilli())
	if err != nil {
		if perr, ok := err.(*protocol.Error); ok {
			return nil, perr
		}
		return nil, protocol.Errf(protocol.KindInvalid, protocol.CodeBadPayload, "build envelope: %v", err)
	}
	return env, nil
}

// respondError maps a protocol error onto its HTTP status.
func respondError(c *gin.Context, perr *protocol.Error) {
	c.JSON(protocol.HTTPStatus(perr.Kind), gin.H{"error": perr})
}
