// Package tlsadapter lets a stateful probe carry a full TLS session over
// the engine's stateless TCP exchange: feed wire bytes in via
// FeedIncoming, drain whatever crypto/tls wants to send back out via
// DrainOutgoing, and the caller (ZBanner-style handler) stacks those
// bytes onto the sidecar queue like any other packet. Go's crypto/tls
// has no native memory-BIO API the way OpenSSL does, and crypto/tls.Conn
// caches the first error its handshake returns, so it cannot be driven
// by repeatedly re-entering a non-blocking pump either. pipeconn.go's
// wireBridge supplies the idiomatic substitute instead: a real net.Pipe,
// driven by crypto/tls from a dedicated goroutine, bridged to two
// non-blocking byteQueues a handler goroutine can touch without ever
// blocking.
package tlsadapter

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"sync"
)

// State is the adapter's state machine.
type State uint8

const (
	StateHandshake State = iota
	StateSayHello
	StateRecvData
	StateNeedClose
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshake:
		return "handshake"
	case StateSayHello:
		return "say-hello"
	case StateRecvData:
		return "recv-data"
	case StateNeedClose:
		return "need-close"
	default:
		return "closed"
	}
}

// Subprobe is the L7 protocol driven over the TLS session once the
// handshake completes: it produces the application-level hello and
// parses whatever comes back.
type Subprobe interface {
	// Hello returns the bytes to send immediately after the handshake.
	Hello() []byte
	// ParseResponse receives one cleartext chunk and returns bytes to
	// send in response (nil if none) and whether the exchange is done.
	ParseResponse(chunk []byte) (reply []byte, done bool)
}

// Info is the optional connection metadata (negotiated version, cipher,
// cert chain, SNI subject) the adapter can surface once the handshake
// completes, gated per field by Config.
type Info struct {
	Version          uint16
	CipherSuite      uint16
	NegotiatedALPN   string
	PeerCertificates []*x509.Certificate
	ServerName       string
}

// Config selects which Info fields the adapter bothers to collect, and
// the single-read size limit pulled off the TLS session per iteration.
type Config struct {
	TLSConfig      *tls.Config
	EmitVersion    bool
	EmitCipher     bool
	EmitSubject    bool
	EmitCertChain  bool
	EmitKeyLog     bool
	MaxReadPerPump int
}

func (c Config) normalized() Config {
	if c.MaxReadPerPump <= 0 {
		c.MaxReadPerPump = 16 * 1024
	}
	return c
}

// Conn is one stateless-TCP-backed TLS session. The handshake and
// application exchange run on a dedicated goroutine (sessionLoop) driving
// tlsConn over a real net.Pipe; FeedIncoming/DrainOutgoing/State/Err/Info
// are safe to call from any goroutine, typically the handler goroutine
// that owns this connection's 5-tuple.
type Conn struct {
	cfg      Config
	subprobe Subprobe

	internalEnd net.Conn // crypto/tls's side of the pipe
	bridge      *wireBridge
	tlsConn     *tls.Conn

	mu       sync.Mutex
	state    State
	info     Info
	infoDone bool
	lastErr  error

	closeOnce sync.Once
}

// NewClient builds a Conn and starts its session goroutine; by the time
// it returns, the ClientHello is already queued for DrainOutgoing.
func NewClient(cfg Config, subprobe Subprobe) *Conn {
	cfg = cfg.normalized()
	internalEnd, wireEnd := net.Pipe()
	tlsConn := tls.Client(internalEnd, cfg.TLSConfig)
	c := &Conn{
		cfg: cfg, subprobe: subprobe, state: StateHandshake,
		internalEnd: internalEnd, tlsConn: tlsConn,
	}
	c.bridge = newWireBridge(wireEnd)
	go c.sessionLoop()
	c.bridge.drainFirst()
	return c
}

// State reports the adapter's current state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err reports the last fatal TLS error, if any (a non-nil Err always
// implies State() == StateNeedClose or StateClosed).
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// FeedIncoming delivers wire bytes (the TCP segment's payload) to the
// session goroutine; it returns immediately without waiting for TLS to
// process them.
func (c *Conn) FeedIncoming(data []byte) {
	if c.State() == StateClosed {
		return
	}
	c.bridge.feedIncoming(data)
}

// DrainOutgoing returns and clears the bytes the session goroutine has
// produced since the last call.
func (c *Conn) DrainOutgoing() []byte { return c.bridge.drainOutgoing() }

// Info returns the negotiated session metadata collected once the
// handshake completes; ok is false before that point.
func (c *Conn) Info() (Info, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info, c.infoDone
}

// sessionLoop is the only goroutine that ever calls into tlsConn. It runs
// the handshake, says hello, then repeatedly hands cleartext chunks to
// the subprobe until it signals done or the session errors out.
func (c *Conn) sessionLoop() {
	if err := c.tlsConn.Handshake(); err != nil {
		c.fail(err)
		return
	}
	c.collectInfo()
	c.setState(StateSayHello)

	if hello := c.subprobe.Hello(); len(hello) > 0 {
		if _, err := c.tlsConn.Write(hello); err != nil {
			c.fail(err)
			return
		}
	}
	c.setState(StateRecvData)

	buf := make([]byte, c.cfg.MaxReadPerPump)
	for {
		n, err := c.tlsConn.Read(buf)
		if n > 0 {
			reply, done := c.subprobe.ParseResponse(buf[:n])
			if len(reply) > 0 {
				if _, werr := c.tlsConn.Write(reply); werr != nil {
					c.fail(werr)
					return
				}
			}
			if done {
				c.Close()
				return
			}
		}
		if err != nil {
			if err == io.EOF {
				c.setState(StateNeedClose)
				return
			}
			c.fail(err)
			return
		}
	}
}

func (c *Conn) collectInfo() {
	st := c.tlsConn.ConnectionState()
	info := Info{}
	if c.cfg.EmitVersion {
		info.Version = st.Version
	}
	if c.cfg.EmitCipher {
		info.CipherSuite = st.CipherSuite
	}
	if c.cfg.EmitSubject || c.cfg.EmitCertChain {
		info.PeerCertificates = st.PeerCertificates
	}
	info.NegotiatedALPN = st.NegotiatedProtocol
	info.ServerName = st.ServerName

	c.mu.Lock()
	c.info = info
	c.infoDone = true
	c.mu.Unlock()
}

// Close tears the session down: it sends a close_notify if the handshake
// had completed, then closes the underlying pipe, which unblocks
// sessionLoop's current (or next) Read/Write with a closed-pipe error.
// Idempotent.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		_ = c.tlsConn.Close()
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
		_ = c.internalEnd.Close()
		_ = c.bridge.conn.Close()
	})
}

func (c *Conn) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return
	}
	c.lastErr = fmt.Errorf("tlsadapter: %w", err)
	c.state = StateNeedClose
}

// setState moves the state machine forward, except once Close has
// already won the race and set StateClosed: that transition is final.
func (c *Conn) setState(s State) {
	c.mu.Lock()
	if c.state != StateClosed {
		c.state = s
	}
	c.mu.Unlock()
}
