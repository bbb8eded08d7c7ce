package keystore

import (
	"github.com/clawnet/claw-node/internal/crypto"
)

// BackupShards splits the signer's 32-byte seed into n Shamir shares
// with threshold t. Shares are meant for offline distribution; any t
// of them recover the key, fewer reveal nothing.
func (sg *Signer) BackupShards(n, t int) ([][]byte, error) {
	return crypto.ShamirSplit(sg.priv.Seed(), n, t)
}

// RestoreFromShards recombines backup shares into a seed and stores
// the recovered key under passphrase.
func (s *Store) RestoreFromShards(shares [][]byte, passphrase string) (*Record, *Signer, error) {
	seed, err := crypto.ShamirCombine(shares)
	if err != nil {
		return nil, nil, err
	}
	return s.CreateFromSeed(seed, passphrase)
}
