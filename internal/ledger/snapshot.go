package ledger

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/clawnet/claw-node/internal/crypto"
	"github.com/clawnet/claw-node/pkg/events"
)

// SnapshotVersion is the snapshot format this node writes.
const SnapshotVersion = 1

// PeerSignature is one node's attestation over a snapshot hash.
type PeerSignature struct {
	PeerID string `json:"peerId"` // signer DID
	Sig    string `json:"sig"`    // base64 over the snapshot hash bytes
}

// Snapshot is a periodic checkpoint of the derived state: the log
// cursor it was taken at, the previous snapshot hash and the state
// root. Hash covers the canonical encoding with signatures empty.
type Snapshot struct {
	V          int             `json:"v"`
	At         string          `json:"at"`   // log cursor
	Prev       string          `json:"prev"` // previous snapshot hash, "" for first
	State      string          `json:"state"`
	Hash       string          `json:"hash"`
	Signatures []PeerSignature `json:"signatures"`
}

func (s *Snapshot) hashInput() ([]byte, error) {
	c := *s
	c.Hash = ""
	c.Signatures = []PeerSignature{}
	raw, err := json.Marshal(&c)
	if err != nil {
		return nil, err
	}
	return crypto.CanonicalizeJSON(raw)
}

// BuildSnapshot assembles and hashes an unsigned snapshot.
func BuildSnapshot(at, prev, stateRoot string) (*Snapshot, error) {
	snap := &Snapshot{
		V:          SnapshotVersion,
		At:         at,
		Prev:       prev,
		State:      stateRoot,
		Signatures: []PeerSignature{},
	}
	in, err := snap.hashInput()
	if err != nil {
		return nil, fmt.Errorf("snapshot: canonicalize: %v", err)
	}
	snap.Hash = hex.EncodeToString(crypto.SHA256(in))
	return snap, nil
}

// SignSnapshot appends this node's attestation.
func SignSnapshot(snap *Snapshot, signer events.Signer, peerID string) error {
	hashBytes, err := hex.DecodeString(snap.Hash)
	if err != nil {
		return fmt.Errorf("snapshot: bad hash encoding: %v", err)
	}
	sig, err := signer.Sign(hashBytes)
	if err != nil {
		return fmt.Errorf("snapshot: sign: %v", err)
	}
	snap.Signatures = append(snap.Signatures, PeerSignature{
		PeerID: peerID,
		Sig:    base64.StdEncoding.EncodeToString(sig),
	})
	return nil
}

// KeyResolver maps a peer DID to its verification key.
type KeyResolver func(peerID string) (ed25519.PublicKey, error)

// VerifySnapshot recomputes the hash and checks that at least
// minSignatures distinct peers signed it.
func VerifySnapshot(snap *Snapshot, resolve KeyResolver, minSignatures int) error {
	if snap.V != SnapshotVersion {
		return fmt.Errorf("snapshot: unsupported version %d", snap.V)
	}
	in, err := snap.hashInput()
	if err != nil {
		return fmt.Errorf("snapshot: canonicalize: %v", err)
	}
	if hex.EncodeToString(crypto.SHA256(in)) != snap.Hash {
		return fmt.Errorf("snapshot: hash mismatch")
	}
	hashBytes, err := hex.DecodeString(snap.Hash)
	if err != nil {
		return fmt.Errorf("snapshot: bad hash encoding: %v", err)
	}

	valid := 0
	seen := make(map[string]bool, len(snap.Signatures))
	for _, ps := range snap.Signatures {
		if seen[ps.PeerID] {
			continue
		}
		pub, err := resolve(ps.PeerID)
		if err != nil {
			continue
		}
		sig, err := base64.StdEncoding.DecodeString(ps.Sig)
		if err != nil {
			continue
		}
		if crypto.Verify(pub, hashBytes, sig) {
			seen[ps.PeerID] = true
			valid++
		}
	}
	if valid < minSignatures {
		return fmt.Errorf("snapshot: %d valid signatures, need %d", valid, minSignatures)
	}
	return nil
}

// SaveSnapshot persists a snapshot under <dataDir>/snapshots.
func SaveSnapshot(dataDir string, snap *Snapshot) error {
	dir := filepath.Join(dataDir, "snapshots")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("snapshot: create dir: %v", err)
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("snapshot: marshal: %v", err)
	}
	return os.WriteFile(filepath.Join(dir, snap.Hash+".json"), data, 0o600)
}

// LoadSnapshot reads a snapshot back by hash.
func LoadSnapshot(dataDir, hash string) (*Snapshot, error) {
	data, err := os.ReadFile(filepath.Join(dataDir, "snapshots", hash+".json"))
	if err != nil {
		return nil, fmt.Errorf("snapshot: read: %v", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("snapshot: parse: %v", err)
	}
	return &snap, nil
}
