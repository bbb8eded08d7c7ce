package ledger

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/dgraph-io/badger"

	"github.com/clawnet/claw-node/pkg/events"
)

// Key layout inside badger. Sequence numbers are zero-padded decimal
// so lexicographic key order equals commit order.
//
//	ev:<hash>                      canonical envelope bytes
//	sq:<seq20>                     hash committed at that sequence
//	ix:issuer:<did>:<nonce16hex>   hash consuming that issuer nonce
//	ix:resource:<kind>:<id>        current chain head hash
//	conflict:<did>:<nonce16hex>    bytes of an envelope that lost a
//	                               nonce race (outside the replay range)
//	meta:cursor                    last allocated sequence
const (
	prefixEvent    = "ev:"
	prefixSeq      = "sq:"
	prefixIssuer   = "ix:issuer:"
	prefixResource = "ix:resource:"
	prefixConflict = "conflict:"
	keyCursor      = "meta:cursor"
)

// Store is the append-only event log. Writes are serialized by the
// committer; reads may come from any goroutine.
type Store struct {
	db *badger.DB

	mu  sync.Mutex
	seq uint64 // last allocated sequence
}

// Open opens (or creates) the log under <dataDir>/log and restores
// the sequence cursor.
func Open(dataDir string) (*Store, error) {
	opts := badger.DefaultOptions(filepath.Join(dataDir, "log"))
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("ledger: open badger: %v", err)
	}

	s := &Store{db: db}
	err = db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyCursor))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			if len(v) == 8 {
				s.seq = binary.BigEndian.Uint64(v)
			}
			return nil
		})
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: restore cursor: %v", err)
	}
	log.Printf("[Ledger] Opened at %s, cursor=%d", dataDir, s.seq)
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func seqKey(seq uint64) []byte {
	return []byte(prefixSeq + fmt.Sprintf("%020d", seq))
}

func eventKey(hash string) []byte {
	return []byte(prefixEvent + hash)
}

func issuerKey(did string, nonce uint64) []byte {
	return []byte(prefixIssuer + did + ":" + fmt.Sprintf("%016x", nonce))
}

func resourceKey(kind, id string) []byte {
	return []byte(prefixResource + kind + ":" + id)
}

func conflictKey(did string, nonce uint64) []byte {
	return []byte(prefixConflict + did + ":" + fmt.Sprintf("%016x", nonce))
}

// Append commits one verified envelope: event bytes, sequence entry,
// issuer nonce index and resource head, all in one transaction.
// Appending an already-committed hash is a no-op and reports existed.
func (s *Store) Append(env *events.Envelope, raw []byte, res events.Resource) (seq uint64, existed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.seq + 1
	err = s.db.Update(func(txn *badger.Txn) error {
		if _, gerr := txn.Get(eventKey(env.Hash)); gerr == nil {
			existed = true
			return nil
		} else if gerr != badger.ErrKeyNotFound {
			return gerr
		}

		if err := txn.Set(eventKey(env.Hash), raw); err != nil {
			return err
		}
		if err := txn.Set(seqKey(next), []byte(env.Hash)); err != nil {
			return err
		}
		if err := txn.Set(issuerKey(env.Issuer, env.Nonce), []byte(env.Hash)); err != nil {
			return err
		}
		if err := txn.Set(resourceKey(res.Kind, res.ID), []byte(env.Hash)); err != nil {
			return err
		}
		var cur [8]byte
		binary.BigEndian.PutUint64(cur[:], next)
		return txn.Set([]byte(keyCursor), cur[:])
	})
	if err != nil {
		return 0, false, fmt.Errorf("ledger: append %s: %v", env.Hash, err)
	}
	if existed {
		return s.seq, true, nil
	}
	s.seq = next
	return next, false, nil
}

// Get returns the canonical bytes of a committed event, or nil when
// the hash is unknown.
func (s *Store) Get(hash string) ([]byte, error) {
	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(eventKey(hash))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: get %s: %v", hash, err)
	}
	return raw, nil
}

// Has reports whether hash is already committed.
func (s *Store) Has(hash string) (bool, error) {
	var ok bool
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(eventKey(hash))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		ok = true
		return nil
	})
	return ok, err
}

// NonceConflict is one retained losing event of an issuer nonce race.
type NonceConflict struct {
	Nonce uint64          `json:"nonce"`
	Event json.RawMessage `json:"event"`
}

// RecordConflict retains the envelope that lost a nonce race. The
// bytes live under their own key space so the loser never surfaces
// through Get, Has or replay; the first loser per nonce is kept.
func (s *Store) RecordConflict(env *events.Envelope, raw []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		key := conflictKey(env.Issuer, env.Nonce)
		if _, gerr := txn.Get(key); gerr == nil {
			return nil
		} else if gerr != badger.ErrKeyNotFound {
			return gerr
		}
		return txn.Set(key, raw)
	})
	if err != nil {
		return fmt.Errorf("ledger: record conflict %s: %v", env.Hash, err)
	}
	return nil
}

// ConflictsFor lists the retained nonce-conflict losers for an issuer
// in nonce order.
func (s *Store) ConflictsFor(did string) ([]NonceConflict, error) {
	prefix := []byte(prefixConflict + did + ":")
	var out []NonceConflict
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().Key()
			n, perr := strconv.ParseUint(string(key[len(prefix):]), 16, 64)
			if perr != nil {
				return fmt.Errorf("corrupt conflict key %q: %v", key, perr)
			}
			raw, cerr := it.Item().ValueCopy(nil)
			if cerr != nil {
				return cerr
			}
			out = append(out, NonceConflict{Nonce: n, Event: raw})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: conflicts for %s: %v", did, err)
	}
	return out, nil
}

// IssuerNonceHash returns the hash that consumed (did, nonce), or ""
// when the nonce is still free.
func (s *Store) IssuerNonceHash(did string, nonce uint64) (string, error) {
	var hash string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(issuerKey(did, nonce))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			hash = string(v)
			return nil
		})
	})
	if err != nil {
		return "", fmt.Errorf("ledger: issuer nonce lookup: %v", err)
	}
	return hash, nil
}

// IssuerHead returns the highest consumed nonce for did, 0 when the
// issuer has never committed.
func (s *Store) IssuerHead(did string) (uint64, error) {
	prefix := []byte(prefixIssuer + did + ":")
	var head uint64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		// Seek just past the prefix range, then the first valid key
		// going backwards is the highest nonce.
		seek := append(append([]byte{}, prefix...), 0xff)
		it.Seek(seek)
		if !it.ValidForPrefix(prefix) {
			return nil
		}
		key := it.Item().Key()
		hexNonce := string(key[len(prefix):])
		n, perr := strconv.ParseUint(hexNonce, 16, 64)
		if perr != nil {
			return fmt.Errorf("corrupt issuer index key %q: %v", key, perr)
		}
		head = n
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("ledger: issuer head: %v", err)
	}
	return head, nil
}

// ResourceHead returns the current head hash of a chain, "" when the
// chain does not exist.
func (s *Store) ResourceHead(kind, id string) (string, error) {
	var hash string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(resourceKey(kind, id))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			hash = string(v)
			return nil
		})
	})
	if err != nil {
		return "", fmt.Errorf("ledger: resource head: %v", err)
	}
	return hash, nil
}

// Cursor returns the opaque backfill cursor: the decimal last
// sequence, "0" for an empty log.
func (s *Store) Cursor() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strconv.FormatUint(s.seq, 10)
}

// ParseCursor interprets an incoming cursor. Empty or malformed
// cursors restart from the beginning.
func ParseCursor(cursor string) uint64 {
	if cursor == "" {
		return 0
	}
	n, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// RangeFromCursor streams up to limit committed events after cursor in
// commit order, returning their canonical bytes and the next cursor.
func (s *Store) RangeFromCursor(cursor string, limit int) ([][]byte, string, error) {
	after := ParseCursor(cursor)
	var out [][]byte
	last := after

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixSeq)
		for it.Seek(seqKey(after + 1)); it.ValidForPrefix(prefix) && len(out) < limit; it.Next() {
			key := it.Item().Key()
			seq, perr := strconv.ParseUint(string(key[len(prefix):]), 10, 64)
			if perr != nil {
				return fmt.Errorf("corrupt sequence key %q: %v", key, perr)
			}
			var hash string
			if verr := it.Item().Value(func(v []byte) error {
				hash = string(v)
				return nil
			}); verr != nil {
				return verr
			}
			item, gerr := txn.Get(eventKey(hash))
			if gerr != nil {
				return fmt.Errorf("sequence %d points at missing event %s: %v", seq, hash, gerr)
			}
			raw, cerr := item.ValueCopy(nil)
			if cerr != nil {
				return cerr
			}
			out = append(out, raw)
			last = seq
		}
		return nil
	})
	if err != nil {
		return nil, "", fmt.Errorf("ledger: range: %v", err)
	}
	return out, strconv.FormatUint(last, 10), nil
}

// ReplayAll walks the full log in commit order. Used at startup to
// rebuild derived state.
func (s *Store) ReplayAll(fn func(raw []byte) error) error {
	const batch = 512
	cursor := ""
	for {
		chunk, next, err := s.RangeFromCursor(cursor, batch)
		if err != nil {
			return err
		}
		for _, raw := range chunk {
			if err := fn(raw); err != nil {
				return err
			}
		}
		if len(chunk) < batch {
			return nil
		}
		cursor = next
	}
}

// RebuildIndexes re-derives the issuer and resource indexes from the
// sequence log. Recovery tool for a corrupt index space.
func (s *Store) RebuildIndexes() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	err := s.ReplayAll(func(raw []byte) error {
		env, err := events.Decode(raw)
		if err != nil {
			return fmt.Errorf("undecodable committed event: %v", err)
		}
		p, perr := events.ParsePayload(env)
		if perr != nil {
			return fmt.Errorf("committed event %s no longer parses: %v", env.Hash, perr)
		}
		res, rerr := events.ResourceOf(env, p)
		if rerr != nil {
			return fmt.Errorf("committed event %s has no resource: %v", env.Hash, rerr)
		}
		count++
		return s.db.Update(func(txn *badger.Txn) error {
			if err := txn.Set(issuerKey(env.Issuer, env.Nonce), []byte(env.Hash)); err != nil {
				return err
			}
			return txn.Set(resourceKey(res.Kind, res.ID), []byte(env.Hash))
		})
	})
	if err != nil {
		return fmt.Errorf("ledger: rebuild indexes: %v", err)
	}
	log.Printf("[Ledger] Rebuilt indexes over %d events", count)
	return nil
}
