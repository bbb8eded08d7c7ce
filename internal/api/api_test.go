package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/clawnet/claw-node/internal/crypto"
	"github.com/clawnet/claw-node/internal/identity"
	"github.com/clawnet/claw-node/internal/keystore"
	"github.com/clawnet/claw-node/internal/ledger"
	"github.com/clawnet/claw-node/internal/pipeline"
	"github.com/clawnet/claw-node/internal/state"
)

type testEnv struct {
	router *gin.Engine
	com    *pipeline.Committer
	issuer *Issuer
	addr   string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	t.Setenv("API_AUTH_TOKEN", "")

	store, err := ledger.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	com, err := pipeline.New(store, state.DefaultParams(), nil)
	if err != nil {
		t.Fatalf("committer: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go com.Run(ctx)
	t.Cleanup(func() {
		cancel()
		store.Close()
	})

	ks, err := keystore.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("keystore: %v", err)
	}
	_, signer, err := ks.Create("test-passphrase")
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	did, err := signer.DID()
	if err != nil {
		t.Fatalf("did: %v", err)
	}
	addr, err := identity.AddressFromPublicKey(signer.Public())
	if err != nil {
		t.Fatalf("address: %v", err)
	}
	issuer := &Issuer{
		DID:    did,
		Pub:    strings.TrimPrefix(did, identity.DIDPrefix),
		Signer: signer,
	}

	router := SetupRouter(Options{
		Committer: com,
		Store:     store,
		Issuer:    issuer,
		Version:   "test",
	})
	return &testEnv{router: router, com: com, issuer: issuer, addr: addr}
}

func (e *testEnv) post(t *testing.T, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return out
}

func TestMintTransferAndBalance(t *testing.T) {
	e := newTestEnv(t)

	w := e.post(t, "/api/v1/wallet/mint", map[string]string{
		"to": e.addr, "amount": "1000",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("mint status = %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["hash"] == nil {
		t.Error("mint response missing hash")
	}

	// Recipient wallet for the transfer.
	pub, _, err := crypto.GenerateEd25519()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	dest, _ := identity.AddressFromPublicKey(pub)

	w = e.post(t, "/api/v1/wallet/transfer", map[string]string{
		"from": e.addr, "to": dest, "amount": "300", "fee": "1",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("transfer status = %d: %s", w.Code, w.Body.String())
	}

	w = e.get(t, "/api/v1/wallet/balance/"+e.addr)
	if w.Code != http.StatusOK {
		t.Fatalf("balance status = %d", w.Code)
	}
	body = decodeBody(t, w)
	if body["available"] != "699" {
		t.Errorf("available = %v, want 699", body["available"])
	}

	w = e.get(t, "/api/v1/wallet/balance/"+dest)
	body = decodeBody(t, w)
	if body["available"] != "300" {
		t.Errorf("dest available = %v, want 300", body["available"])
	}
}

func TestErrorMapping(t *testing.T) {
	e := newTestEnv(t)

	// Overdraft from an empty wallet → Conflict → 409.
	w := e.post(t, "/api/v1/wallet/transfer", map[string]string{
		"from": e.addr, "to": e.addr, "amount": "10", "fee": "1",
	})
	if w.Code != http.StatusBadRequest && w.Code != http.StatusConflict {
		t.Errorf("self-transfer status = %d: %s", w.Code, w.Body.String())
	}

	// Schema violation → 400 with a typed error body.
	w = e.post(t, "/api/v1/wallet/transfer", map[string]string{
		"from": e.addr, "to": e.addr, "amount": "-5",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad amount status = %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["error"] == nil {
		t.Error("missing error object")
	}

	// Unknown fields are rejected.
	w = e.post(t, "/api/v1/wallet/mint", map[string]string{
		"to": e.addr, "amount": "5", "bogus": "x",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("unknown field status = %d", w.Code)
	}

	// Missing resource → 404.
	w = e.get(t, "/api/v1/contract/nope")
	if w.Code != http.StatusNotFound {
		t.Errorf("missing contract status = %d", w.Code)
	}
}

func TestListingPublishAndSearch(t *testing.T) {
	e := newTestEnv(t)

	w := e.post(t, "/api/v1/market/task/publish", map[string]interface{}{
		"listingId":   "task-1",
		"kind":        "task",
		"title":       "Summarize orbit telemetry",
		"description": "Daily digest of satellite telemetry anomalies",
		"pricing": map[string]interface{}{"mode": "fixed", "price": "50"},
		"task": map[string]interface{}{
			"requirements": "Parse raw telemetry and flag anomalies",
			"deliverables": []string{"daily digest"},
			"deadline":     1900000000000,
		},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("publish status = %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["resourceId"] != "task-1" {
		t.Errorf("resourceId = %v", body["resourceId"])
	}

	w = e.get(t, "/api/v1/market/listing/task-1")
	if w.Code != http.StatusOK {
		t.Fatalf("get listing status = %d", w.Code)
	}

	w = e.get(t, "/api/v1/market/search?q=telemetry")
	body = decodeBody(t, w)
	listings, _ := body["listings"].([]interface{})
	if len(listings) != 1 {
		t.Errorf("search hits = %d, want 1", len(listings))
	}

	w = e.get(t, "/api/v1/market/search?q=nonexistent")
	body = decodeBody(t, w)
	listings, _ = body["listings"].([]interface{})
	if len(listings) != 0 {
		t.Errorf("search hits = %d, want 0", len(listings))
	}
}

func TestAuthTokenEnforced(t *testing.T) {
	e := newTestEnv(t)
	t.Setenv("API_AUTH_TOKEN", "secret-token")

	// Router was built before the env change; rebuild the middleware
	// by issuing through a fresh router.
	router := SetupRouter(Options{
		Committer: e.com,
		Store:     nil,
		Issuer:    e.issuer,
		Version:   "test",
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/wallet/balance/"+e.addr, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("no-token status = %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/wallet/balance/"+e.addr, nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("wrong-token status = %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/wallet/balance/"+e.addr, nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("good-token status = %d: %s", w.Code, w.Body.String())
	}
}

func TestStatusEndpoint(t *testing.T) {
	e := newTestEnv(t)
	w := e.get(t, "/api/v1/status")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["did"] != e.issuer.DID {
		t.Errorf("did = %v", body["did"])
	}
	if body["network"] != "devnet" {
		t.Errorf("network = %v", body["network"])
	}
}
