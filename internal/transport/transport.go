// Package transport provides the bidirectional framed net.Conn transport
// shared by agent<->server and client<->server (§4.1, §6's "Transport"
// component). Grounded on the teacher's pkg/api/server.go and
// pkg/client/client.go mTLS dial/listen idiom (crypto/tls, x509 cert
// pools, RequestClientCert), generalised from grpc.Dial/grpc.Server to a
// plain tls.Dial/net.Listener carrying internal/wire's framing codec
// instead of protoc-generated stubs (see SPEC_FULL's transport note).
package transport

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"

	"github.com/cuemby/ankor/internal/wire"
)

// queueDepth is the bounded channel size for a transport direction's
// outbound message queue (§5: "buffer size ... 20 for transport").
const queueDepth = 20

// TLSConfig names the PEM files used to dial or listen, mirroring the
// CLI's --insecure/--ca_pem/--crt_pem/--key_pem flags (§6).
type TLSConfig struct {
	Insecure bool
	CAFile   string
	CertFile string
	KeyFile  string
}

func (c TLSConfig) clientConfig() (*tls.Config, error) {
	if c.Insecure {
		return &tls.Config{InsecureSkipVerify: true}, nil
	}
	return c.buildConfig(tls.NoClientCert)
}

func (c TLSConfig) serverConfig() (*tls.Config, error) {
	return c.buildConfig(tls.RequireAndVerifyClientCert)
}

func (c TLSConfig) buildConfig(clientAuth tls.ClientAuthType) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("transport: load keypair: %w", err)
	}

	caPEM, err := os.ReadFile(c.CAFile)
	if err != nil {
		return nil, fmt.Errorf("transport: read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("transport: no certificates found in %s", c.CAFile)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		ClientCAs:    pool,
		ClientAuth:   clientAuth,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// Conn wraps a net.Conn with internal/wire's framing codec. Outbound frames
// go through a bounded queue drained by a write goroutine (§5); inbound
// frames are read directly from the connection by Recv, without a queue.
type Conn struct {
	conn    net.Conn
	reader  *wire.FrameReader
	writer  *wire.FrameWriter
	outbox  chan []byte
	closing chan struct{}
	closed  chan struct{}
}

// Dial connects to addr and wraps the connection. If cfg is nil, the
// connection is plain TCP; otherwise it dials over TLS.
func Dial(network, addr string, cfg *TLSConfig) (*Conn, error) {
	var (
		conn net.Conn
		err  error
	)
	if cfg == nil {
		conn, err = net.Dial(network, addr)
	} else {
		var tlsCfg *tls.Config
		tlsCfg, err = cfg.clientConfig()
		if err == nil {
			conn, err = tls.Dial(network, addr, tlsCfg)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	return newConn(conn), nil
}

// Listener wraps net.Listener, accepting and wrapping connections as they
// arrive.
type Listener struct {
	net.Listener
}

// Listen starts a listener on addr. If cfg is nil, connections are
// accepted in plaintext; otherwise the listener requires and verifies
// client certificates (mTLS, mirroring the teacher's RequireAndVerifyClientCert).
func Listen(network, addr string, cfg *TLSConfig) (*Listener, error) {
	if cfg == nil {
		ln, err := net.Listen(network, addr)
		if err != nil {
			return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
		}
		return &Listener{ln}, nil
	}

	tlsCfg, err := cfg.serverConfig()
	if err != nil {
		return nil, err
	}
	ln, err := tls.Listen(network, addr, tlsCfg)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	return &Listener{ln}, nil
}

// Accept waits for and wraps the next incoming connection.
func (l *Listener) Accept() (*Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return newConn(c), nil
}

func newConn(c net.Conn) *Conn {
	conn := &Conn{
		conn:    c,
		reader:  wire.NewFrameReader(c),
		writer:  wire.NewFrameWriter(c),
		outbox:  make(chan []byte, queueDepth),
		closing: make(chan struct{}),
		closed:  make(chan struct{}),
	}
	go conn.writeLoop()
	return conn
}

func (c *Conn) writeLoop() {
	defer close(c.closed)
	for {
		select {
		case payload := <-c.outbox:
			if err := c.writer.WriteFrame(payload); err != nil {
				return
			}
		case <-c.closing:
			return
		}
	}
}

// Send enqueues payload for writing. It blocks if the outbound queue is
// full, applying backpressure rather than dropping frames.
func (c *Conn) Send(payload []byte) error {
	select {
	case c.outbox <- payload:
		return nil
	case <-c.closing:
		return fmt.Errorf("transport: connection closed")
	}
}

// Recv blocks for the next inbound frame.
func (c *Conn) Recv() ([]byte, error) {
	return c.reader.ReadFrame()
}

// Close shuts down both the write loop and the underlying connection.
func (c *Conn) Close() error {
	select {
	case <-c.closing:
	default:
		close(c.closing)
	}
	<-c.closed
	return c.conn.Close()
}

// RemoteAddr returns the underlying connection's remote address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}
