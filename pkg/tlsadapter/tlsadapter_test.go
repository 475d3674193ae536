package tlsadapter

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"
)

func selfSignedCert(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "xscan-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("CreateCertificate: %v", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

type echoSubprobe struct {
	sent bool
	got  chan []byte
}

func (p *echoSubprobe) Hello() []byte { p.sent = true; return []byte("PING") }
func (p *echoSubprobe) ParseResponse(chunk []byte) ([]byte, bool) {
	p.got <- append([]byte(nil), chunk...)
	return nil, true
}

// TestConnHandshakeAndHello drives a real crypto/tls server over net.Pipe
// against a tlsadapter.Conn acting as the client side, pumping bytes by
// hand exactly the way tlsbanner's handler does: FeedIncoming on each
// inbound TCP segment, DrainOutgoing to know what to send next.
func TestConnHandshakeAndHello(t *testing.T) {
	cert := selfSignedCert(t)
	serverConn, wireConn := net.Pipe()

	serverDone := make(chan error, 1)
	go func() {
		srv := tls.Server(serverConn, &tls.Config{Certificates: []tls.Certificate{cert}})
		if err := srv.Handshake(); err != nil {
			serverDone <- err
			return
		}
		buf := make([]byte, 64)
		n, err := srv.Read(buf)
		if err != nil {
			serverDone <- err
			return
		}
		if _, err := srv.Write([]byte("PONG:" + string(buf[:n]))); err != nil {
			serverDone <- err
			return
		}
		serverDone <- nil
	}()

	sub := &echoSubprobe{got: make(chan []byte, 1)}
	client := NewClient(Config{TLSConfig: &tls.Config{InsecureSkipVerify: true}, EmitVersion: true}, sub)

	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		for i := 0; i < 200; i++ {
			out := client.DrainOutgoing()
			if len(out) > 0 {
				if _, err := wireConn.Write(out); err != nil {
					return
				}
			}
			wireConn.SetReadDeadline(time.Now().Add(20 * time.Millisecond))
			buf := make([]byte, 4096)
			n, err := wireConn.Read(buf)
			if n > 0 {
				client.FeedIncoming(buf[:n])
			}
			if client.State() == StateNeedClose || client.State() == StateClosed {
				return
			}
			if err != nil {
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					continue
				}
				return
			}
		}
	}()

	select {
	case chunk := <-sub.got:
		if string(chunk) != "PONG:PING" {
			t.Fatalf("ParseResponse got %q, want %q", chunk, "PONG:PING")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for the TLS application round trip")
	}
	<-relayDone

	if err := <-serverDone; err != nil {
		t.Fatalf("server side: %v", err)
	}
	if info, ok := client.Info(); !ok || info.Version == 0 {
		t.Fatalf("Info() = %+v, %v, want a populated version after handshake", info, ok)
	}
	if client.Err() != nil {
		t.Fatalf("Err() = %v, want nil", client.Err())
	}
}

func TestConnCloseIsIdempotent(t *testing.T) {
	client := NewClient(Config{TLSConfig: &tls.Config{InsecureSkipVerify: true}}, &echoSubprobe{got: make(chan []byte, 1)})
	client.Close()
	client.Close()
	if client.State() != StateClosed {
		t.Fatalf("State() = %v, want closed", client.State())
	}
}
