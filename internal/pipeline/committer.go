package pipeline

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/clawnet/claw-node/internal/ledger"
	"github.com/clawnet/claw-node/internal/metrics"
	"github.com/clawnet/claw-node/internal/state"
	"github.com/clawnet/claw-node/pkg/events"
	"github.com/clawnet/claw-node/pkg/protocol"
)

// Out-of-order buffer limits.
const (
	MaxFutureNonces = 64
	FutureNonceTTL  = 30 * time.Second
)

const (
	commandQueueDepth = 1024
	appendRetries     = 3
	appendBackoff     = 100 * time.Millisecond
)

// Origin distinguishes locally signed commands from gossip deliveries.
type Origin int

const (
	OriginLocal Origin = iota
	OriginGossip
)

// Result is the committer's verdict on one envelope.
type Result struct {
	Hash     string
	Seq      uint64
	Resource events.Resource
	Existed  bool // already committed; state unchanged
	Buffered bool // held in the out-of-order buffer
	Err      *protocol.Error
}

type command struct {
	env    *events.Envelope
	raw    []byte
	origin Origin
	peer   string
	reply  chan Result
}

type buffered struct {
	env     *events.Envelope
	raw     []byte
	origin  Origin
	peer    string
	arrived time.Time
}

// Committer is the single writer over the ledger and derived state.
// All mutations funnel through its command channel; readers get
// point-in-time state via State().
type Committer struct {
	store *ledger.Store
	met   *metrics.Metrics

	cur  atomic.Pointer[state.State]
	cmds chan command

	// Owned by the run loop.
	issuerHeads   map[string]uint64
	resourceHeads map[string]string
	future        map[string]map[uint64]*buffered // issuer -> nonce -> event
	futureCount   int

	publish func(env *events.Envelope, raw []byte)
	onEvict func(peer string)
	onFatal func(err error)
}

// New builds a committer and rebuilds derived state and in-memory
// heads by replaying the full log.
func New(store *ledger.Store, params state.Params, met *metrics.Metrics) (*Committer, error) {
	c := &Committer{
		store:         store,
		met:           met,
		cmds:          make(chan command, commandQueueDepth),
		issuerHeads:   make(map[string]uint64),
		resourceHeads: make(map[string]string),
		future:        make(map[string]map[uint64]*buffered),
		onFatal:       func(err error) { log.Fatalf("[Committer] Fatal: %v", err) },
	}
	st := state.New(params)

	count := 0
	err := store.ReplayAll(func(raw []byte) error {
		env, derr := events.Decode(raw)
		if derr != nil {
			return derr
		}
		p, perr := events.ParsePayload(env)
		if perr != nil {
			return perr
		}
		res, rerr := events.ResourceOf(env, p)
		if rerr != nil {
			return rerr
		}
		// Committed events were validated before commit; replay applies
		// them without re-running preconditions.
		st = state.Apply(st, env, p)
		c.issuerHeads[env.Issuer] = env.Nonce
		c.resourceHeads[res.Key()] = env.Hash
		count++
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.cur.Store(st)
	if count > 0 {
		log.Printf("[Committer] Replayed %d events, cursor=%s", count, store.Cursor())
	}
	return c, nil
}

// SetPublish installs the post-commit fanout (gossip). Must be called
// before Run.
func (c *Committer) SetPublish(fn func(env *events.Envelope, raw []byte)) {
	c.publish = fn
}

// SetEvictNotify installs a callback invoked with the delivering peer
// id whenever a buffered out-of-order event expires with its gap
// unfilled. Must be called before Run.
func (c *Committer) SetEvictNotify(fn func(peer string)) {
	c.onEvict = fn
}

// State returns the latest published derived state.
func (c *Committer) State() *state.State {
	return c.cur.Load()
}

// Cursor returns the log cursor.
func (c *Committer) Cursor() string {
	return c.store.Cursor()
}

// IssuerHead reports the highest committed nonce for did, for local
// command construction.
func (c *Committer) IssuerHead(did string) uint64 {
	head, err := c.store.IssuerHead(did)
	if err != nil {
		return 0
	}
	return head
}

// ResourceHead reports the current chain head for local command
// construction.
func (c *Committer) ResourceHead(kind, id string) string {
	head, err := c.store.ResourceHead(kind, id)
	if err != nil {
		return ""
	}
	return head
}

// Submit queues an envelope and waits for the committer's verdict.
// Cancellation abandons only the wait; a committed event stays
// committed.
func (c *Committer) Submit(ctx context.Context, env *events.Envelope, raw []byte, origin Origin) Result {
	return c.SubmitFrom(ctx, env, raw, origin, "")
}

// SubmitFrom is Submit with the delivering peer recorded, so expiry of
// a buffered out-of-order event can be charged back to that peer.
func (c *Committer) SubmitFrom(ctx context.Context, env *events.Envelope, raw []byte, origin Origin, peer string) Result {
	reply := make(chan Result, 1)
	select {
	case c.cmds <- command{env: env, raw: raw, origin: origin, peer: peer, reply: reply}:
	case <-ctx.Done():
		return Result{Err: protocol.Errf(protocol.KindTransient, protocol.CodeStorage, "submit cancelled: %v", ctx.Err())}
	}
	select {
	case res := <-reply:
		return res
	case <-ctx.Done():
		// The reply channel is buffered; the committer's send cannot
		// block on an orphaned handle.
		return Result{Err: protocol.Errf(protocol.KindTransient, protocol.CodeStorage, "wait cancelled: %v", ctx.Err())}
	}
}

// Run owns the single-writer loop until ctx is cancelled.
func (c *Committer) Run(ctx context.Context) {
	log.Println("[Committer] Event loop started")
	evict := time.NewTicker(FutureNonceTTL / 2)
	defer evict.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[Committer] Event loop stopped")
			return
		case <-evict.C:
			c.evictExpired()
		case cmd := <-c.cmds:
			res := c.process(cmd.env, cmd.raw, cmd.origin, cmd.peer)
			cmd.reply <- res
			if res.Err == nil && !res.Existed && !res.Buffered {
				c.drainFuture(cmd.env.Issuer)
			}
		}
	}
}

// process runs the full validation pipeline for one envelope.
func (c *Committer) process(env *events.Envelope, raw []byte, origin Origin, peer string) Result {
	started := time.Now()

	// Stage 1: envelope integrity.
	if err := events.VerifyEnvelope(env); err != nil {
		c.met.Rejected(string(err.Kind))
		return Result{Hash: env.Hash, Err: err}
	}

	// Stage 2: type schema.
	payload, perr := events.ParsePayload(env)
	if perr != nil {
		c.met.Rejected(string(perr.Kind))
		return Result{Hash: env.Hash, Err: perr}
	}
	res, rerr := events.ResourceOf(env, payload)
	if rerr != nil {
		c.met.Rejected(string(rerr.Kind))
		return Result{Hash: env.Hash, Err: rerr}
	}

	// Stage 3: issuer nonce.
	head := c.issuerHeads[env.Issuer]
	switch {
	case env.Nonce <= head:
		committed, serr := c.store.IssuerNonceHash(env.Issuer, env.Nonce)
		if serr != nil {
			return c.transient(env, serr.Error())
		}
		if committed == env.Hash {
			// Idempotent re-delivery.
			return Result{Hash: env.Hash, Resource: res, Existed: true,
				Err: protocol.Errf(protocol.KindDuplicate, protocol.CodeNonceReplayed, "event already committed")}
		}
		// First commit wins; retain the loser as an audit marker.
		if rerr := c.store.RecordConflict(env, raw); rerr != nil {
			log.Printf("[Committer] Conflict marker for %s: %v", env.Hash, rerr)
		}
		c.met.Rejected(string(protocol.KindConflict))
		return Result{Hash: env.Hash, Err: protocol.Errf(protocol.KindConflict, protocol.CodeNonceConflict,
			"nonce %d already consumed by %s", env.Nonce, committed)}
	case env.Nonce > head+1:
		return c.bufferFuture(env, raw, origin, peer, head)
	}

	// Stage 4: resource chain.
	if err := c.checkChain(env, res); err != nil {
		c.met.Rejected(string(err.Kind))
		return Result{Hash: env.Hash, Err: err}
	}

	// Reputation refs must point at committed events.
	if rp, ok := payload.(*events.ReputationRecordPayload); ok && rp.Ref != "" {
		has, herr := c.store.Has(rp.Ref)
		if herr != nil {
			return c.transient(env, herr.Error())
		}
		if !has {
			err := protocol.Errf(protocol.KindNotFound, protocol.CodeNotFound, "ref %s is not a committed event", rp.Ref)
			c.met.Rejected(string(err.Kind))
			return Result{Hash: env.Hash, Err: err}
		}
	}

	// Stage 5: domain precondition.
	st := c.cur.Load()
	if err := state.CanApply(st, env, payload); err != nil {
		c.met.Rejected(string(err.Kind))
		return Result{Hash: env.Hash, Err: err}
	}

	// Stage 6: durable commit, then state swap and fanout.
	seq, existed, err := c.appendWithRetry(env, raw, res)
	if err != nil {
		return c.transient(env, err.Error())
	}
	if existed {
		return Result{Hash: env.Hash, Seq: seq, Resource: res, Existed: true}
	}

	c.cur.Store(state.Apply(st, env, payload))
	c.issuerHeads[env.Issuer] = env.Nonce
	c.resourceHeads[res.Key()] = env.Hash

	c.met.Committed(env.DomainOf())
	c.met.Cursor(seq)
	c.met.ObserveCommit(time.Since(started).Seconds())
	if c.publish != nil {
		c.publish(env, raw)
	}
	return Result{Hash: env.Hash, Seq: seq, Resource: res}
}

func (c *Committer) checkChain(env *events.Envelope, res events.Resource) *protocol.Error {
	head, exists := c.resourceHeads[res.Key()]

	if events.CreatesResource(env.Type) {
		if exists {
			return protocol.Errf(protocol.KindDuplicate, protocol.CodeDuplicateCreate,
				"resource %s already exists", res.Key())
		}
		if env.Prev != nil {
			return protocol.Errf(protocol.KindInvalid, protocol.CodeBadPayload,
				"creation event must not carry prev")
		}
		return nil
	}

	if !exists {
		if events.ImplicitChain(res.Kind) {
			if env.Prev != nil {
				return protocol.Errf(protocol.KindStaleResource, protocol.CodeStalePrev,
					"first event for %s must not carry prev", res.Key())
			}
			return nil
		}
		return protocol.Errf(protocol.KindNotFound, protocol.CodeMissingPrev,
			"resource %s has no creation event", res.Key())
	}

	if env.PrevHash() != head {
		return protocol.Errf(protocol.KindStaleResource, protocol.CodeStalePrev,
			"prev %q does not match head %s of %s", env.PrevHash(), head, res.Key())
	}
	return nil
}

func (c *Committer) bufferFuture(env *events.Envelope, raw []byte, origin Origin, peer string, head uint64) Result {
	byNonce := c.future[env.Issuer]
	if byNonce == nil {
		byNonce = make(map[uint64]*buffered)
		c.future[env.Issuer] = byNonce
	}
	if _, held := byNonce[env.Nonce]; !held {
		if len(byNonce) >= MaxFutureNonces {
			return Result{Hash: env.Hash, Err: protocol.Errf(protocol.KindRateLimited, protocol.CodeRateLimited,
				"issuer %s has %d future events buffered", env.Issuer, len(byNonce))}
		}
		byNonce[env.Nonce] = &buffered{env: env, raw: raw, origin: origin, peer: peer, arrived: time.Now()}
		c.futureCount++
		c.met.Buffered(c.futureCount)
	}
	return Result{Hash: env.Hash, Buffered: true, Err: protocol.Errf(protocol.KindOutOfOrder, protocol.CodeNonceGap,
		"nonce %d arrived at head %d, buffered", env.Nonce, head)}
}

// drainFuture greedily commits buffered successors after a commit.
func (c *Committer) drainFuture(issuer string) {
	byNonce := c.future[issuer]
	for byNonce != nil {
		next := c.issuerHeads[issuer] + 1
		b, ok := byNonce[next]
		if !ok {
			break
		}
		delete(byNonce, next)
		c.futureCount--
		res := c.process(b.env, b.raw, b.origin, b.peer)
		if res.Err != nil && !res.Existed {
			log.Printf("[Committer] Buffered event %s rejected on drain: %v", b.env.Hash, res.Err)
		}
	}
	if len(byNonce) == 0 {
		delete(c.future, issuer)
	}
	c.met.Buffered(c.futureCount)
}

func (c *Committer) evictExpired() {
	cutoff := time.Now().Add(-FutureNonceTTL)
	for issuer, byNonce := range c.future {
		for nonce, b := range byNonce {
			if b.arrived.Before(cutoff) {
				delete(byNonce, nonce)
				c.futureCount--
				log.Printf("[Committer] Evicting buffered event %s (issuer nonce %d) after TTL", b.env.Hash, nonce)
				if b.peer != "" && c.onEvict != nil {
					c.onEvict(b.peer)
				}
			}
		}
		if len(byNonce) == 0 {
			delete(c.future, issuer)
		}
	}
	c.met.Buffered(c.futureCount)
}

func (c *Committer) appendWithRetry(env *events.Envelope, raw []byte, res events.Resource) (uint64, bool, error) {
	var lastErr error
	backoff := appendBackoff
	for attempt := 0; attempt < appendRetries; attempt++ {
		seq, existed, err := c.store.Append(env, raw, res)
		if err == nil {
			return seq, existed, nil
		}
		lastErr = err
		log.Printf("[Committer] Append attempt %d failed: %v", attempt+1, err)
		time.Sleep(backoff)
		backoff *= 2
	}
	// Storage that cannot persist risks divergence between log and
	// state; shut down rather than continue.
	c.onFatal(lastErr)
	return 0, false, lastErr
}

func (c *Committer) transient(env *events.Envelope, msg string) Result {
	c.met.Rejected(string(protocol.KindTransient))
	return Result{Hash: env.Hash, Err: protocol.Errf(protocol.KindTransient, protocol.CodeStorage, "%s", msg)}
}
