// Package wire implements the length-prefixed TCP framing shared by the
// point-to-point transport and the streaming channels.
//
// A frame is a 4-byte big-endian payload length followed by the payload.
package wire

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/c360/sigslot/errors"
)

// MaxFrameSize bounds the payload of a single frame
const MaxFrameSize = 256 << 20

// DefaultWriteTimeout bounds a single frame write
const DefaultWriteTimeout = 10 * time.Second

// ErrFrameTooLarge is returned for frames exceeding MaxFrameSize
var ErrFrameTooLarge = fmt.Errorf("wire: frame exceeds %d bytes", MaxFrameSize)

// WriteFrame writes one frame to w
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one frame from r
func ReadFrame(r io.Reader) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// Conn is a framed connection. Reads must come from one goroutine; writes
// may come from several.
type Conn struct {
	conn         net.Conn
	r            *bufio.Reader
	writeTimeout time.Duration

	wmu sync.Mutex
	w   *bufio.Writer

	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps c
func NewConn(c net.Conn) *Conn {
	return &Conn{
		conn:         c,
		r:            bufio.NewReaderSize(c, 64<<10),
		w:            bufio.NewWriterSize(c, 64<<10),
		writeTimeout: DefaultWriteTimeout,
	}
}

// Write sends one frame, bounded by the write timeout
func (c *Conn) Write(payload []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := WriteFrame(c.w, payload); err != nil {
		return err
	}
	return c.w.Flush()
}

// Read returns the next frame
func (c *Conn) Read() ([]byte, error) {
	return ReadFrame(c.r)
}

// RemoteAddr returns the peer address
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Close closes the connection; further calls return the first result
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// Listen opens a TCP listener on addr, wrapped in TLS when tlsCfg is non-nil
func Listen(addr string, tlsCfg *tls.Config) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.WrapTransient(err, "wire", "Listen", "listen on "+addr)
	}
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}
	return ln, nil
}

// Dial connects to a "tcp://host:port" or "host:port" address
func Dial(ctx context.Context, address string, tlsCfg *tls.Config) (*Conn, error) {
	hostPort, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}

	var conn net.Conn
	if tlsCfg != nil {
		d := &tls.Dialer{Config: tlsCfg}
		conn, err = d.DialContext(ctx, "tcp", hostPort)
	} else {
		var d net.Dialer
		conn, err = d.DialContext(ctx, "tcp", hostPort)
	}
	if err != nil {
		return nil, errors.WrapKind(errors.KindConnection, err, "dial %s", address)
	}
	return NewConn(conn), nil
}

// ParseAddress accepts "tcp://host:port" and "host:port"
func ParseAddress(address string) (string, error) {
	hostPort := address
	if strings.Contains(address, "://") {
		u, err := url.Parse(address)
		if err != nil || u.Scheme != "tcp" {
			return "", errors.WrapInvalid(fmt.Errorf("unsupported scheme in %q", address), "wire", "ParseAddress", "parse address")
		}
		hostPort = u.Host
	}
	if _, port, err := net.SplitHostPort(hostPort); err != nil || port == "" {
		return "", errors.WrapInvalid(fmt.Errorf("invalid address %q", address), "wire", "ParseAddress", "parse address")
	}
	return hostPort, nil
}

// ConnectionString returns "tcp://host:port" for a listener. An empty host
// uses the bound address, or the host name for wildcard listeners.
func ConnectionString(ln net.Listener, host string) string {
	bound, port, _ := net.SplitHostPort(ln.Addr().String())
	if host == "" {
		if ip := net.ParseIP(bound); ip != nil && !ip.IsUnspecified() {
			host = bound
		} else {
			host = DefaultHost()
		}
	}
	return "tcp://" + net.JoinHostPort(host, port)
}

// DefaultHost returns the host name of the machine, or localhost
func DefaultHost() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "localhost"
	}
	return name
}

// Port returns the listening port of ln
func Port(ln net.Listener) int {
	_, port, _ := net.SplitHostPort(ln.Addr().String())
	p, _ := strconv.Atoi(port)
	return p
}
