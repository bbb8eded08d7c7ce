package crypto

import bip39 "github.com/tyler-smith/go-bip39"

// NewMnemonic generates a fresh BIP-39 mnemonic with the given
// entropy size in bits (128 for 12 words, 256 for 24).
func NewMnemonic(bits int) (string, error) {
	entropy, err := bip39.NewEntropy(bits)
	if err != nil {
		return "", errf("mnemonic", "entropy: %v", err)
	}
	m, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", errf("mnemonic", "encode: %v", err)
	}
	return m, nil
}

// MnemonicToSeed derives the 64-byte BIP-39 master seed. The mnemonic
// must pass checksum validation.
func MnemonicToSeed(mnemonic, passphrase string) ([]byte, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, errf("mnemonic", "invalid mnemonic")
	}
	return bip39.NewSeed(mnemonic, passphrase), nil
}
