package keystore

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/clawnet/claw-node/internal/crypto"
	"github.com/clawnet/claw-node/internal/identity"
)

// ErrBadPassphrase is returned when decryption fails authentication.
var ErrBadPassphrase = errors.New("keystore: bad passphrase")

// ErrKeyNotFound is returned when no record exists for the given id.
var ErrKeyNotFound = errors.New("keystore: key not found")

// Argon2id cost parameters for the key-encryption key. Tuned for an
// interactive unlock on server hardware.
const (
	kdfTime    = 3
	kdfMemory  = 64 * 1024 // KiB
	kdfThreads = 4
	kdfKeyLen  = 32
	saltLen    = 16
)

// KDFParams records the Argon2id parameters used for a key record.
type KDFParams struct {
	Salt string `json:"salt"` // base64
	T    uint32 `json:"t"`
	M    uint32 `json:"m"`
	P    uint8  `json:"p"`
}

// EncParams records the AEAD envelope around the private key. The GCM
// tag is carried inside Ciphertext.
type EncParams struct {
	Alg        string `json:"alg"` // always "aes-256-gcm"
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// Record is the at-rest format of one encrypted key,
// persisted as <dataDir>/keystore/<id>.json.
type Record struct {
	ID  string    `json:"id"`
	Pub string    `json:"pub"` // DID-style multibase of the public key
	KDF KDFParams `json:"kdf"`
	Enc EncParams `json:"enc"`
}

// Store manages encrypted Ed25519 keys on disk. Private keys never
// leave the package: callers obtain a Signer bound to one key.
type Store struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per key id, serializes signing
}

func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("keystore: create dir: %w", err)
	}
	return &Store{dir: dir, locks: make(map[string]*sync.Mutex)}, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *Store) keyLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// Create generates a fresh Ed25519 key, encrypts it under passphrase
// and persists the record. Returns the record and an open Signer.
func (s *Store) Create(passphrase string) (*Record, *Signer, error) {
	pub, priv, err := crypto.GenerateEd25519()
	if err != nil {
		return nil, nil, err
	}
	return s.seal(pub, priv, passphrase)
}

// CreateFromSeed derives the key deterministically from a 32-byte
// seed (e.g. BIP-39 derived), for recoverable node identities.
func (s *Store) CreateFromSeed(seed []byte, passphrase string) (*Record, *Signer, error) {
	pub, priv, err := crypto.Ed25519FromSeed(seed)
	if err != nil {
		return nil, nil, err
	}
	return s.seal(pub, priv, passphrase)
}

func (s *Store) seal(pub ed25519.PublicKey, priv ed25519.PrivateKey, passphrase string) (*Record, *Signer, error) {
	id := uuid.New().String()
	salt, err := crypto.RandomBytes(saltLen)
	if err != nil {
		return nil, nil, err
	}
	kek, err := crypto.Argon2id([]byte(passphrase), salt, kdfTime, kdfMemory, kdfThreads, kdfKeyLen)
	if err != nil {
		return nil, nil, err
	}
	nonce, err := crypto.RandomNonce()
	if err != nil {
		return nil, nil, err
	}

	didPub, err := identity.DIDFromPublicKey(pub)
	if err != nil {
		return nil, nil, err
	}
	ad, err := adBytes(id, didPub)
	if err != nil {
		return nil, nil, err
	}
	ct, err := crypto.AESGCMSeal(kek, nonce, ad, priv)
	if err != nil {
		return nil, nil, err
	}

	rec := &Record{
		ID:  id,
		Pub: didPub,
		KDF: KDFParams{
			Salt: base64.StdEncoding.EncodeToString(salt),
			T:    kdfTime,
			M:    kdfMemory,
			P:    kdfThreads,
		},
		Enc: EncParams{
			Alg:        "aes-256-gcm",
			Nonce:      base64.StdEncoding.EncodeToString(nonce),
			Ciphertext: base64.StdEncoding.EncodeToString(ct),
		},
	}
	if err := s.Save(rec); err != nil {
		return nil, nil, err
	}
	return rec, &Signer{store: s, id: id, pub: pub, priv: priv}, nil
}

// adBytes is the associated data binding a ciphertext to its record:
// the canonical encoding of {id, pub}.
func adBytes(id, pub string) ([]byte, error) {
	return crypto.Canonicalize(map[string]string{"id": id, "pub": pub})
}

// Save writes a record to disk with owner-only permissions.
func (s *Store) Save(rec *Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("keystore: marshal record: %w", err)
	}
	return os.WriteFile(s.path(rec.ID), data, 0o600)
}

// Load reads a record without decrypting it.
func (s *Store) Load(id string) (*Record, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("keystore: read record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("keystore: parse record: %w", err)
	}
	return &rec, nil
}

// List returns the ids of all stored key records.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("keystore: read dir: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if filepath.Ext(name) == ".json" {
			ids = append(ids, name[:len(name)-len(".json")])
		}
	}
	return ids, nil
}

// Open decrypts the record with passphrase and returns a Signer.
// A wrong passphrase surfaces as ErrBadPassphrase.
func (s *Store) Open(id, passphrase string) (*Signer, error) {
	rec, err := s.Load(id)
	if err != nil {
		return nil, err
	}

	salt, err := base64.StdEncoding.DecodeString(rec.KDF.Salt)
	if err != nil {
		return nil, fmt.Errorf("keystore: bad salt encoding: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(rec.Enc.Nonce)
	if err != nil {
		return nil, fmt.Errorf("keystore: bad nonce encoding: %w", err)
	}
	ct, err := base64.StdEncoding.DecodeString(rec.Enc.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("keystore: bad ciphertext encoding: %w", err)
	}

	kek, err := crypto.Argon2id([]byte(passphrase), salt, rec.KDF.T, rec.KDF.M, rec.KDF.P, kdfKeyLen)
	if err != nil {
		return nil, err
	}
	ad, err := adBytes(rec.ID, rec.Pub)
	if err != nil {
		return nil, err
	}
	priv, err := crypto.AESGCMOpen(kek, nonce, ad, ct)
	if err != nil {
		return nil, ErrBadPassphrase
	}
	if len(priv) != ed25519.PrivateKeySize {
		return nil, ErrBadPassphrase
	}

	pub, err := identity.PublicKeyFromDID(rec.Pub)
	if err != nil {
		return nil, err
	}
	return &Signer{store: s, id: id, pub: pub, priv: ed25519.PrivateKey(priv)}, nil
}

// Signer signs arbitrary signing bytes with one decrypted key. It is
// the only way key material is exercised outside the store.
type Signer struct {
	store *Store
	id    string
	pub   ed25519.PublicKey
	priv  ed25519.PrivateKey
}

// Sign produces an Ed25519 signature over msg. Calls for the same key
// id are serialized.
func (sg *Signer) Sign(msg []byte) ([]byte, error) {
	l := sg.store.keyLock(sg.id)
	l.Lock()
	defer l.Unlock()
	return crypto.Sign(sg.priv, msg)
}

// Public returns the signer's public key.
func (sg *Signer) Public() ed25519.PublicKey { return sg.pub }

// ID returns the key record id.
func (sg *Signer) ID() string { return sg.id }

// Seed returns the 32-byte Ed25519 seed, used to derive subsidiary
// secrets (the transport identity) so one backup recovers both.
func (sg *Signer) Seed() []byte { return sg.priv.Seed() }

// DID returns the DID derived from the signer's public key.
func (sg *Signer) DID() (string, error) {
	return identity.DIDFromPublicKey(sg.pub)
}
