package node

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/clawnet/claw-node/internal/config"
	"github.com/clawnet/claw-node/internal/identity"
	"github.com/clawnet/claw-node/internal/pipeline"
	"github.com/clawnet/claw-node/pkg/events"
)

func testConfig(dir string) *config.Config {
	return &config.Config{
		DataDir:        dir,
		APIEnable:      false,
		Passphrase:     "node-test-passphrase",
		HealthInterval: 50 * time.Millisecond,
		Network:        "devnet",
		MinFee:         1,
	}
}

func TestNodeIdentityPersists(t *testing.T) {
	dir := t.TempDir()

	n1, err := New(testConfig(dir), "test")
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	did := n1.DID()
	if !strings.HasPrefix(did, identity.DIDPrefix) {
		t.Errorf("did = %s", did)
	}
	n1.store.Close()

	n2, err := New(testConfig(dir), "test")
	if err != nil {
		t.Fatalf("reopen node: %v", err)
	}
	defer n2.store.Close()
	if n2.DID() != did {
		t.Errorf("identity changed across restart: %s vs %s", n2.DID(), did)
	}
}

func TestNodeWrongPassphrase(t *testing.T) {
	dir := t.TempDir()
	n, err := New(testConfig(dir), "test")
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	n.store.Close()

	bad := testConfig(dir)
	bad.Passphrase = "wrong"
	if _, err := New(bad, "test"); err == nil {
		t.Error("wrong passphrase accepted")
	}
}

func TestNodeCommitsAndSnapshots(t *testing.T) {
	dir := t.TempDir()
	n, err := New(testConfig(dir), "test")
	if err != nil {
		t.Fatalf("new node: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	// Commit one event as the node identity.
	addr, err := identity.AddressFromDID(n.DID())
	if err != nil {
		t.Fatalf("address: %v", err)
	}
	env, err := events.Build(n.signer, events.TypeWalletMint, n.DID(),
		strings.TrimPrefix(n.DID(), identity.DIDPrefix), 1, nil,
		&events.WalletMintPayload{To: addr, Amount: "250"}, time.Now().UnixMilli())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	raw, _ := env.CanonicalBytes()
	if res := n.Committer().Submit(ctx, env, raw, pipeline.OriginLocal); res.Err != nil {
		t.Fatalf("submit: %v", res.Err)
	}
	if got := n.Committer().State().Wallets[addr].Available; got != 250 {
		t.Errorf("balance = %d", got)
	}

	// The health loop should write a snapshot for the new cursor.
	snapDir := filepath.Join(dir, "snapshots")
	deadline := time.Now().Add(3 * time.Second)
	var found bool
	for time.Now().Before(deadline) {
		if entries, err := os.ReadDir(snapDir); err == nil && len(entries) > 0 {
			found = true
			break
		}
		time.Sleep(25 * time.Millisecond)
	}
	if !found {
		t.Error("no snapshot written")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("run: %v", err)
	}
}
