package crypto

// SealedBox is an ephemeral-static encrypted blob. The sender derives
// a one-time X25519 keypair, so only the holder of the recipient's
// private scalar can recover the key.
type SealedBox struct {
	EphPub     []byte `json:"ephPub"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

const sealedBoxInfo = "claw-sealed-box-v1"

// SealInfoPayload encrypts plaintext to the recipient's X25519 public
// key. Used to hand purchased listing content to a buyer off-chain.
func SealInfoPayload(recipientPub, plaintext []byte) (*SealedBox, error) {
	ephPriv, ephPub, err := X25519Keypair()
	if err != nil {
		return nil, err
	}
	shared, err := X25519(ephPriv, recipientPub)
	if err != nil {
		return nil, err
	}
	key, err := HKDFSHA256(shared, nil, []byte(sealedBoxInfo), 32)
	if err != nil {
		return nil, err
	}
	nonce, err := RandomNonce()
	if err != nil {
		return nil, err
	}
	ct, err := AESGCMSeal(key, nonce, ephPub, plaintext)
	if err != nil {
		return nil, err
	}
	return &SealedBox{EphPub: ephPub, Nonce: nonce, Ciphertext: ct}, nil
}

// OpenInfoPayload decrypts a box sealed to the recipient's key.
func OpenInfoPayload(recipientPriv []byte, box *SealedBox) ([]byte, error) {
	if box == nil {
		return nil, errf("sealedbox", "nil box")
	}
	shared, err := X25519(recipientPriv, box.EphPub)
	if err != nil {
		return nil, err
	}
	key, err := HKDFSHA256(shared, nil, []byte(sealedBoxInfo), 32)
	if err != nil {
		return nil, err
	}
	return AESGCMOpen(key, box.Nonce, box.EphPub, box.Ciphertext)
}
