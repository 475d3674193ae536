package tlsadapter

import (
	"crypto/tls"
	"net"
	"testing"
	"time"
)

func TestByteQueuePushPop(t *testing.T) {
	q := &byteQueue{}
	q.push([]byte("hello"))
	q.push([]byte(" world"))

	got := q.popUpTo(5)
	if string(got) != "hello" {
		t.Fatalf("popUpTo(5) = %q, want %q", got, "hello")
	}
	rest := q.drainAll()
	if string(rest) != " world" {
		t.Fatalf("drainAll() = %q, want %q", rest, " world")
	}
	if more := q.popUpTo(10); len(more) != 0 {
		t.Fatalf("expected empty queue, got %q", more)
	}
}

func TestWireBridgeFeedAndDrain(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()
	b := newWireBridge(local)
	go b.drainLoop()

	remoteGot := make(chan string, 1)
	go func() {
		buf := make([]byte, 16)
		n, err := remote.Read(buf)
		if err != nil {
			remoteGot <- ""
			return
		}
		remoteGot <- string(buf[:n])
	}()

	b.feedIncoming([]byte("ping"))
	select {
	case got := <-remoteGot:
		if got != "ping" {
			t.Fatalf("remote read %q, want %q", got, "ping")
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for remote to read fed bytes")
	}

	if _, err := remote.Write([]byte("pong")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	var out []byte
	for time.Now().Before(deadline) {
		out = b.drainOutgoing()
		if len(out) > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if string(out) != "pong" {
		t.Fatalf("drainOutgoing() = %q, want %q", out, "pong")
	}
}

// fakeSubprobe is a minimal Subprobe for state-machine tests that never
// touch the real TLS handshake.
type fakeSubprobe struct {
	helloSent []byte
}

func (f *fakeSubprobe) Hello() []byte                             { return f.helloSent }
func (f *fakeSubprobe) ParseResponse(chunk []byte) ([]byte, bool) { return nil, true }

func TestNewClientStartsInHandshakeAndProducesClientHello(t *testing.T) {
	cfg := Config{TLSConfig: &tls.Config{InsecureSkipVerify: true, ServerName: "example.test"}}
	// The handshake won't complete here since nothing drives the server
	// side, but NewClient blocks on the first flight, so the ClientHello
	// should already be queued for drain by the time it returns.
	c := NewClient(cfg, &fakeSubprobe{})
	if c.State() != StateHandshake {
		t.Fatalf("expected StateHandshake, got %v", c.State())
	}
	out := c.DrainOutgoing()
	if len(out) == 0 {
		t.Fatalf("expected a ClientHello queued for the wire")
	}
	c.Close()
}
