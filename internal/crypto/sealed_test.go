package crypto

import (
	"bytes"
	"testing"
)

func TestSealedBoxRoundTrip(t *testing.T) {
	priv, pub, err := X25519Keypair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	msg := []byte(`{"dataset":"orbit-telemetry","rows":12000}`)

	box, err := SealInfoPayload(pub, msg)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	got, err := OpenInfoPayload(priv, box)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Errorf("plaintext mismatch: %q", got)
	}
}

func TestSealedBoxWrongKey(t *testing.T) {
	_, pub, _ := X25519Keypair()
	other, _, _ := X25519Keypair()

	box, err := SealInfoPayload(pub, []byte("secret"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := OpenInfoPayload(other, box); err == nil {
		t.Error("decrypt with wrong key succeeded")
	}
}

func TestSealedBoxTamper(t *testing.T) {
	priv, pub, _ := X25519Keypair()
	box, err := SealInfoPayload(pub, []byte("secret"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	box.Ciphertext[0] ^= 0x01
	if _, err := OpenInfoPayload(priv, box); err == nil {
		t.Error("tampered ciphertext accepted")
	}
}
