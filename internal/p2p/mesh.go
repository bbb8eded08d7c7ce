package p2p

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/flynn/noise"
	"github.com/gorilla/websocket"

	"github.com/clawnet/claw-node/internal/ledger"
	"github.com/clawnet/claw-node/internal/metrics"
	"github.com/clawnet/claw-node/internal/pipeline"
	"github.com/clawnet/claw-node/pkg/events"
	"github.com/clawnet/claw-node/pkg/protocol"
)

const (
	// MaxClockSkew is how far in the future an event timestamp may sit
	// before the event is parked instead of processed.
	MaxClockSkew = 5 * time.Minute

	chunkTimeout     = 10 * time.Second
	redialInterval   = 15 * time.Second
	delayedSweep     = 5 * time.Second
	maxDelayedEvents = 1024

	issuerBudgetPerMinute = 120
	peerBudgetPerMinute   = 600
	issuerBytesPerMinute  = 1 << 20
	peerBytesPerMinute    = 4 << 20
)

// Config carries the mesh identity and dial targets.
type Config struct {
	NodeDID   string
	Network   string
	Seed      []byte
	Bootstrap []string
	Topics    []string
}

// Mesh maintains encrypted peer links, gossips committed events and
// backfills gaps after downtime.
type Mesh struct {
	cfg    Config
	static noise.DHKey
	selfID string

	com   *pipeline.Committer
	store *ledger.Store
	met   *metrics.Metrics

	upgrader websocket.Upgrader

	mu    sync.Mutex
	peers map[string]*Peer

	scores       *scoreboard
	issuerBudget *rateWindow
	peerBudget   *rateWindow
	issuerBytes  *rateWindow
	peerBytes    *rateWindow

	delayedMu sync.Mutex
	delayed   []delayedEvent

	bf backfillState

	ctx context.Context
}

type delayedEvent struct {
	env     *events.Envelope
	raw     []byte
	peerID  string
	release time.Time
}

type backfillState struct {
	mu     sync.Mutex
	peerID string
	active bool
	timer  *time.Timer
}

// New derives the mesh identity from the node seed and wires the
// ingest path into the committer.
func New(cfg Config, com *pipeline.Committer, store *ledger.Store, met *metrics.Metrics) (*Mesh, error) {
	static, err := StaticKeypair(cfg.Seed)
	if err != nil {
		return nil, err
	}
	m := &Mesh{
		cfg:          cfg,
		static:       static,
		selfID:       hex.EncodeToString(static.Public),
		com:          com,
		store:        store,
		met:          met,
		upgrader:     websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		peers:        make(map[string]*Peer),
		scores:       newScoreboard(),
		issuerBudget: newRateWindow(time.Minute, issuerBudgetPerMinute),
		peerBudget:   newRateWindow(time.Minute, peerBudgetPerMinute),
		issuerBytes:  newRateWindow(time.Minute, issuerBytesPerMinute),
		peerBytes:    newRateWindow(time.Minute, peerBytesPerMinute),
	}
	com.SetPublish(m.Publish)
	com.SetEvictNotify(m.onBufferEvicted)
	return m, nil
}

// onBufferEvicted charges a nonce gap that never filled to the peer
// that delivered the stranded event.
func (m *Mesh) onBufferEvicted(peerID string) {
	if !m.scores.adjust(peerID, scoreExpiredBuffer) {
		return
	}
	if m.met != nil {
		m.met.PeersBanned.Inc()
	}
	m.mu.Lock()
	p := m.peers[peerID]
	m.mu.Unlock()
	if p != nil {
		p.sendMessage(MsgPeerScore, PeerScore{Score: banThreshold, Reason: "score below threshold"})
		p.close()
	}
	log.Printf("[P2P] banning peer %s for %s", peerID[:8], banDuration)
}

// SelfID is the hex Noise static public key of this node.
func (m *Mesh) SelfID() string { return m.selfID }

// Start dials the bootstrap set and runs maintenance loops until ctx
// is done. Inbound connections arrive separately via HandleUpgrade.
func (m *Mesh) Start(ctx context.Context) {
	m.ctx = ctx
	for _, addr := range m.cfg.Bootstrap {
		go m.dialLoop(ctx, addr)
	}
	go m.sweepDelayed(ctx)
}

func (m *Mesh) dialLoop(ctx context.Context, addr string) {
	for {
		if err := m.dial(ctx, addr); err != nil {
			log.Printf("[P2P] dial %s: %v", addr, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(redialInterval):
		}
	}
}

// dial connects out, handshakes as initiator and serves the peer
// until it drops.
func (m *Mesh) dial(ctx context.Context, addr string) error {
	url := fmt.Sprintf("ws://%s/api/v1/p2p", addr)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}
	ch, err := handshakeXX(conn, m.static, true)
	if err != nil {
		conn.Close()
		return err
	}
	return m.runPeer(newPeer(conn, ch, addr, false))
}

// HandleUpgrade accepts an inbound peer over an HTTP upgrade. Blocks
// for the lifetime of the connection.
func (m *Mesh) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ch, err := handshakeXX(conn, m.static, false)
	if err != nil {
		log.Printf("[P2P] inbound handshake from %s: %v", r.RemoteAddr, err)
		conn.Close()
		return
	}
	if err := m.runPeer(newPeer(conn, ch, r.RemoteAddr, true)); err != nil {
		log.Printf("[P2P] peer %s: %v", r.RemoteAddr, err)
	}
}

func (m *Mesh) runPeer(p *Peer) error {
	if p.ID == m.selfID {
		p.close()
		return fmt.Errorf("p2p: connected to self")
	}
	if m.scores.banned(p.ID) {
		p.close()
		return fmt.Errorf("p2p: peer %s is banned", p.ID[:8])
	}

	m.mu.Lock()
	if _, dup := m.peers[p.ID]; dup {
		m.mu.Unlock()
		p.close()
		return fmt.Errorf("p2p: already connected to %s", p.ID[:8])
	}
	m.peers[p.ID] = p
	n := len(m.peers)
	m.mu.Unlock()
	if m.met != nil {
		m.met.PeersConnected.Set(float64(n))
	}
	log.Printf("[P2P] peer up %s (%s), %d connected", p.ID[:8], p.Addr, n)

	go p.writeLoop()
	p.sendMessage(MsgHello, Hello{
		NodeDID:         m.cfg.NodeDID,
		ProtocolVersion: ProtocolVersion,
		Network:         m.cfg.Network,
		Cursor:          m.com.Cursor(),
		Topics:          m.cfg.Topics,
	})
	p.readLoop(m.handleMessage)

	m.mu.Lock()
	delete(m.peers, p.ID)
	n = len(m.peers)
	m.mu.Unlock()
	if m.met != nil {
		m.met.PeersConnected.Set(float64(n))
	}
	m.bf.release(p.ID)
	log.Printf("[P2P] peer down %s, %d connected", p.ID[:8], n)
	return nil
}

// penalize adjusts a peer's score and disconnects it when the ban
// threshold is crossed. Returns false when the peer must go.
func (m *Mesh) penalize(p *Peer, delta int) bool {
	if !m.scores.adjust(p.ID, delta) {
		return true
	}
	if m.met != nil {
		m.met.PeersBanned.Inc()
	}
	p.sendMessage(MsgPeerScore, PeerScore{Score: banThreshold, Reason: "score below threshold"})
	log.Printf("[P2P] banning peer %s for %s", p.ID[:8], banDuration)
	return false
}

// handleMessage dispatches one decrypted frame. Returning false tears
// the connection down.
func (m *Mesh) handleMessage(p *Peer, msg *Message) bool {
	if msg == nil {
		return m.penalize(p, scoreMalformed)
	}
	if _, ok := p.getHello(); !ok && msg.Kind != MsgHello {
		return m.penalize(p, scoreMalformed)
	}
	switch msg.Kind {
	case MsgHello:
		return m.onHello(p, msg.Body)
	case MsgGossip:
		return m.onGossip(p, msg.Body)
	case MsgRangeReq:
		return m.onRangeReq(p, msg.Body)
	case MsgRangeResp:
		return m.onRangeResp(p, msg.Body)
	case MsgPeerScore:
		var ps PeerScore
		if err := json.Unmarshal(msg.Body, &ps); err == nil {
			log.Printf("[P2P] peer %s rates us %d (%s)", p.ID[:8], ps.Score, ps.Reason)
		}
		return true
	default:
		// Unknown kinds are tolerated for forward compatibility.
		return true
	}
}

func (m *Mesh) onHello(p *Peer, body json.RawMessage) bool {
	var h Hello
	if err := json.Unmarshal(body, &h); err != nil {
		return m.penalize(p, scoreMalformed)
	}
	if h.Network != m.cfg.Network {
		log.Printf("[P2P] peer %s on network %q, want %q; dropping", p.ID[:8], h.Network, m.cfg.Network)
		return false
	}
	if h.ProtocolVersion != ProtocolVersion {
		log.Printf("[P2P] peer %s speaks protocol %d, want %d; dropping", p.ID[:8], h.ProtocolVersion, ProtocolVersion)
		return false
	}
	p.setHello(h)

	// If the peer is ahead of us, pull the gap.
	if ledger.ParseCursor(h.Cursor) > ledger.ParseCursor(m.com.Cursor()) {
		m.startBackfill(p)
	}
	return true
}

func (m *Mesh) onGossip(p *Peer, body json.RawMessage) bool {
	var g Gossip
	if err := json.Unmarshal(body, &g); err != nil {
		return m.penalize(p, scoreMalformed)
	}
	if m.met != nil {
		m.met.GossipReceived.Inc()
	}
	if !m.peerBudget.allow(p.ID) || !m.peerBytes.allowN(p.ID, len(g.Raw)) {
		return m.penalize(p, scoreDuplicate)
	}
	return m.ingest(p, g.Raw, false)
}

// ingest parses, budgets and submits one event received from a peer.
// Producers send canonical envelope bytes and relays forward them
// verbatim, so anything that does not re-canonicalize to itself is a
// malformed frame.
func (m *Mesh) ingest(p *Peer, raw []byte, backfill bool) bool {
	var env events.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return m.penalize(p, scoreMalformed)
	}
	canon, err := env.CanonicalBytes()
	if err != nil || !bytes.Equal(raw, canon) {
		return m.penalize(p, scoreMalformed)
	}
	if !m.issuerBudget.allow(env.Issuer) || !m.issuerBytes.allowN(env.Issuer, len(raw)) {
		// Issuer over budget; drop without penalty so a spamming
		// issuer cannot get honest relays banned.
		return true
	}
	if env.TS > time.Now().Add(MaxClockSkew).UnixMilli() {
		m.park(&env, raw, p.ID)
		return true
	}
	return m.submitFromPeer(p, &env, raw, backfill)
}

func (m *Mesh) submitFromPeer(p *Peer, env *events.Envelope, raw []byte, backfill bool) bool {
	res := m.com.SubmitFrom(m.meshCtx(), env, raw, pipeline.OriginGossip, p.ID)
	switch {
	case res.Err == nil:
		if backfill && m.met != nil {
			m.met.BackfillEvents.Inc()
		}
		if !backfill {
			// Forward the received bytes untouched.
			m.relay(p.ID, raw)
		}
		return m.penalize(p, scoreValidEvent)
	case res.Err.Kind == protocol.KindDuplicate && res.Existed:
		if backfill {
			// Overlap at a range boundary is expected.
			return true
		}
		return m.penalize(p, scoreDuplicate)
	case res.Err.Kind == protocol.KindOutOfOrder && res.Buffered:
		return true
	case res.Err.Kind == protocol.KindRateLimited || res.Err.Kind == protocol.KindTransient:
		return true
	default:
		return m.penalize(p, scoreInvalid)
	}
}

func (m *Mesh) meshCtx() context.Context {
	if m.ctx != nil {
		return m.ctx
	}
	return context.Background()
}

// park holds an event whose timestamp is too far in the future and
// retries it once local time catches up.
func (m *Mesh) park(env *events.Envelope, raw []byte, peerID string) {
	m.delayedMu.Lock()
	defer m.delayedMu.Unlock()
	if len(m.delayed) >= maxDelayedEvents {
		return
	}
	release := time.UnixMilli(env.TS).Add(-MaxClockSkew / 2)
	m.delayed = append(m.delayed, delayedEvent{env: env, raw: raw, peerID: peerID, release: release})
}

func (m *Mesh) sweepDelayed(ctx context.Context) {
	ticker := time.NewTicker(delayedSweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		now := time.Now()
		m.delayedMu.Lock()
		var due []delayedEvent
		keep := m.delayed[:0]
		for _, d := range m.delayed {
			if now.After(d.release) {
				due = append(due, d)
			} else {
				keep = append(keep, d)
			}
		}
		m.delayed = keep
		m.delayedMu.Unlock()

		for _, d := range due {
			m.com.SubmitFrom(ctx, d.env, d.raw, pipeline.OriginGossip, d.peerID)
		}
	}
}

// Publish fans a locally committed event out to every connected peer.
// Installed as the committer's publish hook.
func (m *Mesh) Publish(env *events.Envelope, raw []byte) {
	m.relay("", raw)
	if m.met != nil {
		m.met.GossipPublished.Inc()
	}
}

// relay forwards canonical envelope bytes to all peers except the
// origin.
func (m *Mesh) relay(exceptID string, raw []byte) {
	frame, err := encodeMessage(MsgGossip, Gossip{Raw: raw})
	if err != nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, p := range m.peers {
		if id == exceptID {
			continue
		}
		p.enqueue(frame)
	}
}

func (m *Mesh) onRangeReq(p *Peer, body json.RawMessage) bool {
	var req RangeReq
	if err := json.Unmarshal(body, &req); err != nil {
		return m.penalize(p, scoreMalformed)
	}
	limit := req.Limit
	if limit <= 0 || limit > MaxRangeLimit {
		limit = MaxRangeLimit
	}
	raws, next, err := m.store.RangeFromCursor(req.Cursor, limit)
	if err != nil {
		log.Printf("[P2P] range read for %s: %v", p.ID[:8], err)
		return true
	}
	resp := RangeResp{NextCursor: next, Done: len(raws) < limit}
	for _, r := range raws {
		resp.Events = append(resp.Events, json.RawMessage(r))
	}
	p.sendMessage(MsgRangeResp, resp)
	return true
}

func (m *Mesh) onRangeResp(p *Peer, body json.RawMessage) bool {
	if !m.bf.claim(p.ID) {
		// Unsolicited range data.
		return m.penalize(p, scoreDuplicate)
	}
	var resp RangeResp
	if err := json.Unmarshal(body, &resp); err != nil {
		m.bf.release(p.ID)
		return m.penalize(p, scoreMalformed)
	}
	if len(resp.Events) > MaxRangeLimit {
		m.bf.release(p.ID)
		return m.penalize(p, scoreMalformed)
	}
	for _, raw := range resp.Events {
		if !m.ingest(p, raw, true) {
			m.bf.release(p.ID)
			return false
		}
	}
	if resp.Done {
		m.bf.release(p.ID)
		log.Printf("[P2P] backfill from %s complete at cursor %s", p.ID[:8], m.com.Cursor())
		return true
	}
	m.continueBackfill(p, resp.NextCursor)
	return true
}

// startBackfill begins pulling history from p unless a backfill is
// already running against another peer.
func (m *Mesh) startBackfill(p *Peer) {
	if !m.bf.begin(p.ID) {
		return
	}
	log.Printf("[P2P] backfill from %s starting at cursor %s", p.ID[:8], m.com.Cursor())
	m.requestChunk(p, m.com.Cursor())
}

func (m *Mesh) continueBackfill(p *Peer, cursor string) {
	m.requestChunk(p, cursor)
}

func (m *Mesh) requestChunk(p *Peer, cursor string) {
	if !p.sendMessage(MsgRangeReq, RangeReq{Cursor: cursor, Limit: MaxRangeLimit}) {
		m.bf.release(p.ID)
		return
	}
	m.bf.arm(p.ID, chunkTimeout, func() {
		log.Printf("[P2P] backfill chunk from %s timed out", p.ID[:8])
		m.bf.release(p.ID)
		m.retryBackfillElsewhere(p.ID)
	})
}

// retryBackfillElsewhere picks any other peer that is still ahead of
// us and resumes from the current cursor.
func (m *Mesh) retryBackfillElsewhere(failedID string) {
	ours := ledger.ParseCursor(m.com.Cursor())
	m.mu.Lock()
	var next *Peer
	for id, p := range m.peers {
		if id == failedID {
			continue
		}
		h, ok := p.getHello()
		if !ok {
			continue
		}
		if ledger.ParseCursor(h.Cursor) > ours {
			next = p
			break
		}
	}
	m.mu.Unlock()
	if next != nil {
		m.startBackfill(next)
	}
}

// PeerCount returns the number of live connections.
func (m *Mesh) PeerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.peers)
}

// PeerInfo is the status-endpoint view of one connection.
type PeerInfo struct {
	ID      string `json:"id"`
	Addr    string `json:"addr"`
	NodeDID string `json:"nodeDid,omitempty"`
	Cursor  string `json:"cursor,omitempty"`
	Inbound bool   `json:"inbound"`
	Score   int    `json:"score"`
}

// Peers snapshots the connected set.
func (m *Mesh) Peers() []PeerInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PeerInfo, 0, len(m.peers))
	for _, p := range m.peers {
		h, _ := p.getHello()
		out = append(out, PeerInfo{
			ID:      p.ID,
			Addr:    p.Addr,
			NodeDID: h.NodeDID,
			Cursor:  h.Cursor,
			Inbound: p.inbound,
			Score:   m.scores.score(p.ID),
		})
	}
	return out
}

// --- backfill bookkeeping ---

// begin reserves the backfill slot for peerID.
func (b *backfillState) begin(peerID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active {
		return false
	}
	b.active = true
	b.peerID = peerID
	return true
}

// claim reports whether peerID owns the running backfill and stops
// the chunk timer.
func (b *backfillState) claim(peerID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.active || b.peerID != peerID {
		return false
	}
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	return true
}

func (b *backfillState) arm(peerID string, d time.Duration, onTimeout func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.active || b.peerID != peerID {
		return
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(d, onTimeout)
}

// release frees the slot if peerID holds it.
func (b *backfillState) release(peerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.active || b.peerID != peerID {
		return
	}
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.active = false
	b.peerID = ""
}
