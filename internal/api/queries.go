package api

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/clawnet/claw-node/pkg/events"
	"github.com/clawnet/claw-node/pkg/protocol"
)

const maxHistoryLimit = 200

func notFoundErr(format string, args ...interface{}) *protocol.Error {
	return protocol.Errf(protocol.KindNotFound, protocol.CodeNotFound, format, args...)
}

func (h *Handler) handleBalance(c *gin.Context) {
	addr := c.Param("address")
	st := h.com.State()
	w, ok := st.Wallets[addr]
	if !ok {
		// An unseen address is an empty wallet, not an error.
		c.JSON(http.StatusOK, gin.H{"address": addr, "available": "0", "locked": "0"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"address":   addr,
		"available": events.FormatAmount(w.Available),
		"locked":    events.FormatAmount(w.Locked),
		"totalIn":   events.FormatAmount(w.TotalIn),
		"totalOut":  events.FormatAmount(w.TotalOut),
	})
}

// historyEntry is one decoded event on a resource hash chain.
type historyEntry struct {
	Hash    string      `json:"hash"`
	Type    string      `json:"type"`
	Issuer  string      `json:"issuer"`
	TS      int64       `json:"ts"`
	Payload interface{} `json:"payload"`
}

// handleHistory walks the wallet's hash chain backwards from its
// head, newest first.
func (h *Handler) handleHistory(c *gin.Context) {
	addr := c.Param("address")
	limit, offset := pagination(c, 50)

	entries := make([]historyEntry, 0, limit)
	hash := h.com.ResourceHead(events.ResWallet, addr)
	skipped := 0
	for hash != "" && len(entries) < limit {
		raw, err := h.store.Get(hash)
		if err != nil {
			respondError(c, protocol.Errf(protocol.KindTransient, protocol.CodeStorage, "read event %s: %v", hash, err))
			return
		}
		env, derr := events.Decode(raw)
		if derr != nil {
			respondError(c, protocol.Errf(protocol.KindTransient, protocol.CodeStorage, "decode event %s: %v", hash, derr))
			return
		}
		if skipped < offset {
			skipped++
		} else {
			var payload interface{}
			_ = json.Unmarshal(env.Payload, &payload)
			entries = append(entries, historyEntry{
				Hash: env.Hash, Type: env.Type, Issuer: env.Issuer, TS: env.TS, Payload: payload,
			})
		}
		hash = env.PrevHash()
	}
	c.JSON(http.StatusOK, gin.H{"address": addr, "events": entries, "limit": limit, "offset": offset})
}

func (h *Handler) handleResolveDID(c *gin.Context) {
	did := c.Param("did")
	st := h.com.State()
	id, ok := st.Identities[did]
	if !ok {
		respondError(c, notFoundErr("identity %s is not registered", did))
		return
	}
	// Retained nonce-conflict losers are part of the issuer's audit
	// record: a non-empty list means the key double-signed a nonce.
	conflicts, err := h.store.ConflictsFor(did)
	if err != nil {
		respondError(c, protocol.Errf(protocol.KindTransient, protocol.CodeStorage, "conflict lookup: %v", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"identity": id, "nonceConflicts": conflicts})
}

func (h *Handler) handleGetListing(c *gin.Context) {
	id := c.Param("id")
	st := h.com.State()
	l, ok := st.Listings[id]
	if !ok {
		respondError(c, notFoundErr("listing %s does not exist", id))
		return
	}
	c.JSON(http.StatusOK, l)
}

func (h *Handler) handleListListings(c *gin.Context) {
	kind := c.Query("kind")
	status := c.Query("status")
	seller := c.Query("seller")
	limit, offset := pagination(c, 50)

	st := h.com.State()
	ids := make([]string, 0, len(st.Listings))
	for id, l := range st.Listings {
		if kind != "" && l.Kind != kind {
			continue
		}
		if status != "" && l.Status != status {
			continue
		}
		if seller != "" && l.Seller != seller {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	page := paginate(ids, limit, offset)

	out := make([]interface{}, 0, len(page))
	for _, id := range page {
		out = append(out, st.Listings[id])
	}
	c.JSON(http.StatusOK, gin.H{"listings": out, "totalCount": len(ids), "limit": limit, "offset": offset})
}

// handleSearch matches the query string against listing titles and
// descriptions, case-insensitive.
func (h *Handler) handleSearch(c *gin.Context) {
	q := strings.ToLower(c.Query("q"))
	kind := c.Query("kind")
	limit, _ := pagination(c, 50)

	st := h.com.State()
	ids := make([]string, 0)
	for id, l := range st.Listings {
		if kind != "" && l.Kind != kind {
			continue
		}
		if l.Status != "Active" {
			continue
		}
		if q != "" &&
			!strings.Contains(strings.ToLower(l.Title), q) &&
			!strings.Contains(strings.ToLower(l.Description), q) {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]interface{}, 0, len(ids))
	for _, id := range ids {
		out = append(out, st.Listings[id])
	}
	c.JSON(http.StatusOK, gin.H{"listings": out})
}

func (h *Handler) handleGetContract(c *gin.Context) {
	id := c.Param("id")
	st := h.com.State()
	ct, ok := st.Contracts[id]
	if !ok {
		respondError(c, notFoundErr("contract %s does not exist", id))
		return
	}
	c.JSON(http.StatusOK, ct)
}

func (h *Handler) handleListContracts(c *gin.Context) {
	party := c.Query("party")
	stateFilter := c.Query("state")
	limit, offset := pagination(c, 50)

	st := h.com.State()
	ids := make([]string, 0, len(st.Contracts))
	for id, ct := range st.Contracts {
		if party != "" && ct.Client != party && ct.Provider != party && ct.Arbiter != party {
			continue
		}
		if stateFilter != "" && ct.State != stateFilter {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	page := paginate(ids, limit, offset)

	out := make([]interface{}, 0, len(page))
	for _, id := range page {
		out = append(out, st.Contracts[id])
	}
	c.JSON(http.StatusOK, gin.H{"contracts": out, "totalCount": len(ids), "limit": limit, "offset": offset})
}

func (h *Handler) handleGetReputation(c *gin.Context) {
	did := c.Param("did")
	st := h.com.State()
	sub, ok := st.Reputation[did]
	if !ok {
		c.JSON(http.StatusOK, gin.H{"subject": did, "dimensions": gin.H{}, "records": []interface{}{}})
		return
	}
	c.JSON(http.StatusOK, sub)
}

func (h *Handler) handleGetProposal(c *gin.Context) {
	id := c.Param("id")
	st := h.com.State()
	p, ok := st.Proposals[id]
	if !ok {
		respondError(c, notFoundErr("proposal %s does not exist", id))
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) handleListProposals(c *gin.Context) {
	st := h.com.State()
	ids := make([]string, 0, len(st.Proposals))
	for id := range st.Proposals {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]interface{}, 0, len(ids))
	for _, id := range ids {
		out = append(out, st.Proposals[id])
	}
	c.JSON(http.StatusOK, gin.H{"proposals": out, "treasury": events.FormatAmount(st.Treasury)})
}

func (h *Handler) handleStatus(c *gin.Context) {
	status := gin.H{
		"did":     h.issuer.DID,
		"network": h.com.State().Params.Network,
		"cursor":  h.com.Cursor(),
		"version": h.version,
		"uptime":  time.Since(h.startedAt).Round(time.Second).String(),
	}
	if h.mesh != nil {
		status["peers"] = h.mesh.PeerCount()
		status["peerInfo"] = h.mesh.Peers()
	} else {
		status["peers"] = 0
	}
	c.JSON(http.StatusOK, status)
}

func pagination(c *gin.Context, defaultLimit int) (limit, offset int) {
	limit, _ = strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultLimit)))
	offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > maxHistoryLimit {
		limit = defaultLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func paginate(ids []string, limit, offset int) []string {
	if offset >= len(ids) {
		return nil
	}
	end := offset + limit
	if end > len(ids) {
		end = len(ids)
	}
	return ids[offset:end]
}
