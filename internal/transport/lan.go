package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"scmesh/go-core/pkg/models"

	quic "github.com/quic-go/quic-go"
)

const (
	lanALPN      = "scmesh-lan"
	maxFrameSize = 1 << 20
)

type lanHello struct {
	Fingerprint string `json:"fingerprint"`
}

type lanSession struct {
	stream *quic.Stream
	conn   *quic.Conn
	writer *orderedWriter
}

// LANTransport carries frames between peers on the same network over QUIC
// streams with 4-byte length-prefixed frames. Peer identity comes from a
// hello frame, not TLS: envelopes are independently signed, so the TLS layer
// only provides transport encryption.
type LANTransport struct {
	mu         sync.Mutex
	selfFP     string
	listenAddr string
	listener   *quic.Listener
	sessions   map[string]*lanSession
	events     chan Event
	acceptWG   sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	closed     bool
}

func NewLANTransport(selfFingerprint, listenAddr string) *LANTransport {
	ctx, cancel := context.WithCancel(context.Background())
	return &LANTransport{
		selfFP:     selfFingerprint,
		listenAddr: listenAddr,
		sessions:   make(map[string]*lanSession),
		events:     make(chan Event, 128),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (t *LANTransport) Kind() string { return models.TransportLAN }

// Start opens the listener and begins accepting peer connections.
func (t *LANTransport) Start() error {
	tlsConf, err := ephemeralTLSConfig()
	if err != nil {
		return err
	}
	listener, err := quic.ListenAddr(t.listenAddr, tlsConf, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}
	t.mu.Lock()
	t.listener = listener
	t.mu.Unlock()

	t.acceptWG.Add(1)
	go t.acceptLoop(listener)
	return nil
}

func (t *LANTransport) ListenAddr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return t.listenAddr
	}
	return t.listener.Addr().String()
}

func (t *LANTransport) acceptLoop(listener *quic.Listener) {
	defer t.acceptWG.Done()
	for {
		conn, err := listener.Accept(t.ctx)
		if err != nil {
			return
		}
		go t.handleConn(conn)
	}
}

func (t *LANTransport) handleConn(conn *quic.Conn) {
	stream, err := conn.AcceptStream(t.ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "no stream")
		return
	}
	// Inbound side answers the hello so both directions are attributed.
	peerFP, err := t.handshake(stream, true)
	if err != nil {
		slog.Debug("lan handshake failed", "reason", err.Error())
		_ = conn.CloseWithError(0, "bad hello")
		return
	}
	t.registerSession(peerFP, conn, stream)
	t.readLoop(peerFP, stream)
}

// Connect dials each candidate address until one accepts the handshake.
func (t *LANTransport) Connect(ctx context.Context, peerRef string, addrs []string) error {
	t.mu.Lock()
	if _, live := t.sessions[peerRef]; live {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	tlsConf := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{lanALPN},
	}
	var lastErr error
	for _, addr := range addrs {
		conn, err := quic.DialAddr(ctx, addr, tlsConf, nil)
		if err != nil {
			lastErr = err
			continue
		}
		stream, err := conn.OpenStreamSync(ctx)
		if err != nil {
			_ = conn.CloseWithError(0, "no stream")
			lastErr = err
			continue
		}
		peerFP, err := t.handshake(stream, false)
		if err != nil {
			_ = conn.CloseWithError(0, "bad hello")
			lastErr = err
			continue
		}
		if peerRef != "" && peerFP != peerRef {
			_ = conn.CloseWithError(0, "peer mismatch")
			lastErr = fmt.Errorf("%w: expected %q", ErrConnectFailed, peerRef)
			continue
		}
		t.registerSession(peerFP, conn, stream)
		go t.readLoop(peerFP, stream)
		return nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no addresses")
	}
	return fmt.Errorf("%w: %v", ErrConnectFailed, lastErr)
}

// handshake exchanges hello frames; the accepting side reads first.
func (t *LANTransport) handshake(stream *quic.Stream, accepting bool) (string, error) {
	sendHello := func() error {
		raw, err := json.Marshal(lanHello{Fingerprint: t.selfFP})
		if err != nil {
			return err
		}
		return writeFrame(stream, raw)
	}
	readHello := func() (string, error) {
		raw, err := readFrame(stream)
		if err != nil {
			return "", err
		}
		var hello lanHello
		if err := json.Unmarshal(raw, &hello); err != nil {
			return "", err
		}
		fp := models.NormalizeFingerprint(hello.Fingerprint)
		if fp == "" {
			return "", fmt.Errorf("empty fingerprint in hello")
		}
		return fp, nil
	}

	_ = stream.SetDeadline(time.Now().Add(10 * time.Second))
	defer func() { _ = stream.SetDeadline(time.Time{}) }()

	if accepting {
		peerFP, err := readHello()
		if err != nil {
			return "", err
		}
		if err := sendHello(); err != nil {
			return "", err
		}
		return peerFP, nil
	}
	if err := sendHello(); err != nil {
		return "", err
	}
	return readHello()
}

func (t *LANTransport) registerSession(peerFP string, conn *quic.Conn, stream *quic.Stream) {
	writer := newOrderedWriter(func(_ context.Context, frame []byte) error {
		if err := writeFrame(stream, frame); err != nil {
			return fmt.Errorf("%w: %v", ErrWriteFailed, err)
		}
		return nil
	}, func(err error) {
		slog.Debug("lan write failed", "peer_fingerprint", peerFP, "reason", err.Error())
		t.dropSession(peerFP)
	})

	t.mu.Lock()
	if old, ok := t.sessions[peerFP]; ok {
		old.writer.Close()
		_ = old.conn.CloseWithError(0, "replaced")
	}
	t.sessions[peerFP] = &lanSession{stream: stream, conn: conn, writer: writer}
	t.mu.Unlock()

	t.emit(Event{Kind: EventPeerConnected, Transport: models.TransportLAN, PeerRef: peerFP})
}

func (t *LANTransport) readLoop(peerFP string, stream *quic.Stream) {
	for {
		frame, err := readFrame(stream)
		if err != nil {
			t.dropSession(peerFP)
			return
		}
		t.emit(Event{
			Kind:      EventDataReceived,
			Transport: models.TransportLAN,
			PeerRef:   peerFP,
			Data:      frame,
		})
	}
}

func (t *LANTransport) dropSession(peerFP string) {
	t.mu.Lock()
	session, ok := t.sessions[peerFP]
	if ok {
		session.writer.Close()
		_ = session.conn.CloseWithError(0, "closed")
		delete(t.sessions, peerFP)
	}
	t.mu.Unlock()
	if ok {
		t.emit(Event{Kind: EventPeerDisconnected, Transport: models.TransportLAN, PeerRef: peerFP})
	}
}

func (t *LANTransport) Send(ctx context.Context, peerRef string, frame []byte) (SendOutcome, error) {
	t.mu.Lock()
	session, ok := t.sessions[peerRef]
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return SendRejected, ErrClosed
	}
	if !ok {
		return SendRejected, ErrNoSession
	}
	return session.writer.Submit(ctx, frame)
}

func (t *LANTransport) Events() <-chan Event { return t.events }

func (t *LANTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	listener := t.listener
	sessions := t.sessions
	t.sessions = make(map[string]*lanSession)
	t.mu.Unlock()

	t.cancel()
	for _, session := range sessions {
		session.writer.Close()
		_ = session.conn.CloseWithError(0, "shutdown")
	}
	if listener != nil {
		_ = listener.Close()
	}
	t.acceptWG.Wait()

	t.mu.Lock()
	close(t.events)
	t.mu.Unlock()
	return nil
}

// emit mirrors LinkBridge: lock across the send so Close cannot race.
func (t *LANTransport) emit(ev Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.events <- ev:
	default:
	}
}

func writeFrame(w io.Writer, payload []byte) error {
	if len(payload) == 0 || len(payload) > maxFrameSize {
		return fmt.Errorf("invalid frame size %d", len(payload))
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > maxFrameSize {
		return nil, fmt.Errorf("invalid frame size %d", n)
	}
	payload := make([]byte, int(n))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// ephemeralTLSConfig builds a throwaway self-signed certificate. Peer
// authenticity comes from envelope signatures, not the TLS layer.
func ephemeralTLSConfig() (*tls.Config, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, pub, priv)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: priv}},
		NextProtos:   []string{lanALPN},
	}, nil
}
