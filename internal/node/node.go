package node

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/clawnet/claw-node/internal/api"
	"github.com/clawnet/claw-node/internal/config"
	"github.com/clawnet/claw-node/internal/crypto"
	"github.com/clawnet/claw-node/internal/identity"
	"github.com/clawnet/claw-node/internal/keystore"
	"github.com/clawnet/claw-node/internal/ledger"
	"github.com/clawnet/claw-node/internal/metrics"
	"github.com/clawnet/claw-node/internal/p2p"
	"github.com/clawnet/claw-node/internal/pipeline"
	"github.com/clawnet/claw-node/pkg/events"
)

// Node wires the committer, ledger, keystore, gossip mesh and REST
// surface into one runnable daemon.
type Node struct {
	cfg     *config.Config
	version string

	ks     *keystore.Store
	signer *keystore.Signer
	did    string

	store *ledger.Store
	com   *pipeline.Committer
	mesh  *p2p.Mesh
	hub   *api.Hub
	met   *metrics.Metrics
	reg   *prometheus.Registry

	lastSnapCursor string
	lastSnapHash   string
}

// New opens (or creates) the node identity and assembles every
// component. Nothing runs until Run.
func New(cfg *config.Config, version string) (*Node, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("node: create data dir: %v", err)
	}

	ks, err := keystore.NewStore(filepath.Join(cfg.DataDir, "keystore"))
	if err != nil {
		return nil, err
	}
	signer, err := openNodeKey(ks, cfg.Passphrase)
	if err != nil {
		return nil, err
	}
	did, err := signer.DID()
	if err != nil {
		return nil, err
	}
	log.Printf("[Node] identity %s", did)

	store, err := ledger.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	met := metrics.New(reg)

	com, err := pipeline.New(store, cfg.Params(), met)
	if err != nil {
		store.Close()
		return nil, err
	}
	log.Printf("[Node] ledger replayed to cursor %s", com.Cursor())

	mesh, err := p2p.New(p2p.Config{
		NodeDID:   did,
		Network:   cfg.Network,
		Seed:      signer.Seed(),
		Bootstrap: cfg.Bootstrap,
	}, com, store, met)
	if err != nil {
		store.Close()
		return nil, err
	}

	hub := api.NewHub()
	// Committed events fan out to peers and to local subscribers.
	com.SetPublish(func(env *events.Envelope, raw []byte) {
		mesh.Publish(env, raw)
		hub.Broadcast(raw)
	})

	n := &Node{
		cfg:     cfg,
		version: version,
		ks:      ks,
		signer:  signer,
		did:     did,
		store:   store,
		com:     com,
		mesh:    mesh,
		hub:     hub,
		met:     met,
		reg:     reg,
	}
	return n, nil
}

// openNodeKey loads the first stored key or creates one. With
// CLAW_MNEMONIC set, creation derives the key from the mnemonic so
// the identity is recoverable from the phrase alone.
func openNodeKey(ks *keystore.Store, passphrase string) (*keystore.Signer, error) {
	ids, err := ks.List()
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		sort.Strings(ids)
		return ks.Open(ids[0], passphrase)
	}

	if mnemonic := os.Getenv("CLAW_MNEMONIC"); mnemonic != "" {
		seed, err := crypto.MnemonicToSeed(mnemonic, "")
		if err != nil {
			return nil, err
		}
		_, signer, err := ks.CreateFromSeed(seed[:32], passphrase)
		if err != nil {
			return nil, err
		}
		log.Println("[Node] created node key from mnemonic")
		return signer, nil
	}

	_, signer, err := ks.Create(passphrase)
	if err != nil {
		return nil, err
	}
	log.Println("[Node] created fresh node key")
	return signer, nil
}

// Run starts every component and blocks until ctx is cancelled.
func (n *Node) Run(ctx context.Context) error {
	go n.com.Run(ctx)
	go n.hub.Run()
	n.mesh.Start(ctx)
	go n.healthLoop(ctx)

	var srv *http.Server
	if n.cfg.APIEnable {
		issuer := &api.Issuer{
			DID:    n.did,
			Pub:    strings.TrimPrefix(n.did, identity.DIDPrefix),
			Signer: n.signer,
		}
		router := api.SetupRouter(api.Options{
			Committer: n.com,
			Store:     n.store,
			Mesh:      n.mesh,
			Issuer:    issuer,
			Hub:       n.hub,
			Version:   n.version,
			Registry:  n.reg,
		})
		srv = &http.Server{Addr: n.cfg.APIListen, Handler: router}
		go func() {
			log.Printf("[Node] REST listening on %s", n.cfg.APIListen)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("[Node] REST server failed: %v", err)
			}
		}()
	} else {
		log.Println("[Node] REST disabled, running as pure relay")
	}

	// A dedicated p2p listener keeps relay nodes reachable even with
	// the REST surface off. The path matches what dialers expect.
	var p2pSrv *http.Server
	if n.cfg.P2PListen != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/api/v1/p2p", n.mesh.HandleUpgrade)
		p2pSrv = &http.Server{Addr: n.cfg.P2PListen, Handler: mux}
		go func() {
			log.Printf("[Node] p2p listening on %s", n.cfg.P2PListen)
			if err := p2pSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("[Node] p2p listener failed: %v", err)
			}
		}()
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if srv != nil {
		srv.Shutdown(shutdownCtx)
	}
	if p2pSrv != nil {
		p2pSrv.Shutdown(shutdownCtx)
	}
	return n.store.Close()
}

// healthLoop reports liveness and persists a signed snapshot whenever
// the cursor advanced since the previous one.
func (n *Node) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		cursor := n.com.Cursor()
		n.met.Cursor(ledger.ParseCursor(cursor))
		log.Printf("[Node] health: cursor=%s peers=%d", cursor, n.mesh.PeerCount())

		if cursor != "0" && cursor != n.lastSnapCursor {
			if err := n.writeSnapshot(cursor); err != nil {
				log.Printf("[Node] snapshot at cursor %s failed: %v", cursor, err)
			}
		}
	}
}

// writeSnapshot signs and persists the current derived-state root.
func (n *Node) writeSnapshot(cursor string) error {
	rootBytes, err := crypto.Canonicalize(n.com.State())
	if err != nil {
		return err
	}
	stateRoot := hex.EncodeToString(crypto.SHA256(rootBytes))

	snap, err := ledger.BuildSnapshot(cursor, n.lastSnapHash, stateRoot)
	if err != nil {
		return err
	}
	if err := ledger.SignSnapshot(snap, n.signer, n.did); err != nil {
		return err
	}
	if err := ledger.SaveSnapshot(n.cfg.DataDir, snap); err != nil {
		return err
	}
	n.lastSnapCursor = cursor
	n.lastSnapHash = snap.Hash
	log.Printf("[Node] snapshot %s at cursor %s", snap.Hash[:12], cursor)
	return nil
}

// DID returns the node's signing identity.
func (n *Node) DID() string { return n.did }

// Committer exposes the event pipeline, mainly for tests.
func (n *Node) Committer() *pipeline.Committer { return n.com }
