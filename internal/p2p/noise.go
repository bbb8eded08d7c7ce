package p2p

import (
	"fmt"

	"github.com/flynn/noise"
	"github.com/gorilla/websocket"

	"github.com/clawnet/claw-node/internal/crypto"
)

// cipherSuite is fixed for the whole network; both sides must agree.
var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherAESGCM, noise.HashSHA256)

// StaticKeypair derives the node's long-term Noise identity from its
// seed, so the same mnemonic always yields the same peer identity.
func StaticKeypair(nodeSeed []byte) (noise.DHKey, error) {
	priv, err := crypto.HKDFSHA256(nodeSeed, nil, []byte("claw-noise-static-v1"), 32)
	if err != nil {
		return noise.DHKey{}, fmt.Errorf("p2p: derive static key: %v", err)
	}
	pub, err := crypto.X25519Public(priv)
	if err != nil {
		return noise.DHKey{}, fmt.Errorf("p2p: derive static public: %v", err)
	}
	return noise.DHKey{Private: priv, Public: pub}, nil
}

// secureChannel is the post-handshake transport pair.
type secureChannel struct {
	send *noise.CipherState
	recv *noise.CipherState
	// remoteStatic authenticates the peer across reconnects.
	remoteStatic []byte
}

// handshakeXX runs Noise XX over an established websocket. The dialer
// is the initiator. Every handshake message travels as one binary
// websocket frame.
func handshakeXX(conn *websocket.Conn, static noise.DHKey, initiator bool) (*secureChannel, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Pattern:       noise.HandshakeXX,
		Initiator:     initiator,
		StaticKeypair: static,
	})
	if err != nil {
		return nil, fmt.Errorf("p2p: handshake state: %v", err)
	}

	writeMsg := func() (*noise.CipherState, *noise.CipherState, error) {
		out, cs1, cs2, werr := hs.WriteMessage(nil, nil)
		if werr != nil {
			return nil, nil, werr
		}
		if werr := conn.WriteMessage(websocket.BinaryMessage, out); werr != nil {
			return nil, nil, werr
		}
		return cs1, cs2, nil
	}
	readMsg := func() (*noise.CipherState, *noise.CipherState, error) {
		mt, frame, rerr := conn.ReadMessage()
		if rerr != nil {
			return nil, nil, rerr
		}
		if mt != websocket.BinaryMessage {
			return nil, nil, fmt.Errorf("unexpected frame type %d during handshake", mt)
		}
		_, cs1, cs2, rerr := hs.ReadMessage(nil, frame)
		return cs1, cs2, rerr
	}

	var cs1, cs2 *noise.CipherState
	if initiator {
		// -> e
		if _, _, err = writeMsg(); err != nil {
			return nil, fmt.Errorf("p2p: handshake write 1: %v", err)
		}
		// <- e, ee, s, es
		if _, _, err = readMsg(); err != nil {
			return nil, fmt.Errorf("p2p: handshake read 2: %v", err)
		}
		// -> s, se
		if cs1, cs2, err = writeMsg(); err != nil {
			return nil, fmt.Errorf("p2p: handshake write 3: %v", err)
		}
		return &secureChannel{send: cs1, recv: cs2, remoteStatic: hs.PeerStatic()}, nil
	}

	// <- e
	if _, _, err = readMsg(); err != nil {
		return nil, fmt.Errorf("p2p: handshake read 1: %v", err)
	}
	// -> e, ee, s, es
	if _, _, err = writeMsg(); err != nil {
		return nil, fmt.Errorf("p2p: handshake write 2: %v", err)
	}
	// <- s, se
	if cs1, cs2, err = readMsg(); err != nil {
		return nil, fmt.Errorf("p2p: handshake read 3: %v", err)
	}
	// The responder's send state is the second of the pair.
	return &secureChannel{send: cs2, recv: cs1, remoteStatic: hs.PeerStatic()}, nil
}

// seal encrypts one wire message.
func (sc *secureChannel) seal(plaintext []byte) ([]byte, error) {
	return sc.send.Encrypt(nil, nil, plaintext)
}

// open decrypts one wire message.
func (sc *secureChannel) open(ciphertext []byte) ([]byte, error) {
	return sc.recv.Decrypt(nil, nil, ciphertext)
}
