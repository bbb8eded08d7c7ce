package p2p

import (
	"encoding/hex"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	peerSendBuffer = 64
	writeTimeout   = 10 * time.Second
	pongTimeout    = 60 * time.Second
	pingInterval   = 25 * time.Second
)

// Peer is one live, handshaken connection.
type Peer struct {
	// ID is the hex Noise static public key of the remote node.
	ID   string
	Addr string

	conn    *websocket.Conn
	channel *secureChannel
	inbound bool

	hmu     sync.Mutex
	hello   Hello
	helloed bool

	send chan []byte
	done chan struct{}
	once sync.Once
}

func newPeer(conn *websocket.Conn, ch *secureChannel, addr string, inbound bool) *Peer {
	return &Peer{
		ID:      hex.EncodeToString(ch.remoteStatic),
		Addr:    addr,
		conn:    conn,
		channel: ch,
		inbound: inbound,
		send:    make(chan []byte, peerSendBuffer),
		done:    make(chan struct{}),
	}
}

// enqueue hands a plaintext frame to the write loop. A full buffer
// means the peer is too slow to keep up; drop the frame and report it.
func (p *Peer) enqueue(frame []byte) bool {
	select {
	case p.send <- frame:
		return true
	case <-p.done:
		return false
	default:
		return false
	}
}

// sendMessage encodes, enqueues and reports whether the frame was
// accepted for delivery.
func (p *Peer) sendMessage(kind string, body interface{}) bool {
	frame, err := encodeMessage(kind, body)
	if err != nil {
		log.Printf("[P2P] encode %s for %s: %v", kind, p.ID[:8], err)
		return false
	}
	return p.enqueue(frame)
}

func (p *Peer) setHello(h Hello) {
	p.hmu.Lock()
	p.hello = h
	p.helloed = true
	p.hmu.Unlock()
}

// getHello returns the remote hello and whether it has arrived yet.
func (p *Peer) getHello() (Hello, bool) {
	p.hmu.Lock()
	defer p.hmu.Unlock()
	return p.hello, p.helloed
}

func (p *Peer) close() {
	p.once.Do(func() {
		close(p.done)
		p.conn.Close()
	})
}

// writeLoop seals queued frames onto the websocket and keeps the
// connection alive with pings.
func (p *Peer) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer p.close()
	for {
		select {
		case frame := <-p.send:
			ct, err := p.channel.seal(frame)
			if err != nil {
				log.Printf("[P2P] seal for %s: %v", p.ID[:8], err)
				return
			}
			p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := p.conn.WriteMessage(websocket.BinaryMessage, ct); err != nil {
				return
			}
		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-p.done:
			return
		}
	}
}

// readLoop decrypts incoming frames and hands them to the mesh. It
// returns when the connection drops or the mesh tells us to stop.
func (p *Peer) readLoop(handle func(*Peer, *Message) bool) {
	defer p.close()
	p.conn.SetReadLimit(maxFrameBytes)
	p.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	p.conn.SetPongHandler(func(string) error {
		p.conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})
	for {
		mt, ct, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		frame, err := p.channel.open(ct)
		if err != nil {
			// Undecryptable traffic on an established channel is
			// never recoverable.
			log.Printf("[P2P] open frame from %s: %v", p.ID[:8], err)
			return
		}
		msg, err := decodeMessage(frame)
		if err != nil {
			if !handle(p, nil) {
				return
			}
			continue
		}
		if !handle(p, msg) {
			return
		}
	}
}
