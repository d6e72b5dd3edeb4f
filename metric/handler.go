package metric

import (
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360/sigslot/errors"
	"github.com/c360/sigslot/pkg/security"
	"github.com/c360/sigslot/pkg/tlsutil"
)

// Server represents the metrics HTTP server
type Server struct {
	port     int
	path     string
	server   *http.Server
	addr     net.Addr
	registry *MetricsRegistry
	tls      security.ServerTLSConfig
	extra    map[string]http.Handler
	mu       sync.Mutex // protects server, addr and extra
}

// NewServer creates a new metrics server with the provided registry.
// Port 0 binds an ephemeral port, see Address.
func NewServer(port int, path string, registry *MetricsRegistry, tlsCfg security.ServerTLSConfig) *Server {
	if path == "" {
		path = "/metrics"
	}

	return &Server{
		port:     port,
		path:     path,
		registry: registry,
		tls:      tlsCfg,
		extra:    make(map[string]http.Handler),
	}
}

// Handle mounts an additional handler (health, monitor) before Start is called.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extra[pattern] = handler
}

// Start starts the metrics HTTP server. It blocks until Stop is called and
// returns nil in that case.
func (s *Server) Start() error {
	s.mu.Lock()

	if s.server != nil {
		s.mu.Unlock()
		return errors.WrapInvalid(
			fmt.Errorf("server already running"),
			"Server", "Start", "cannot start server that is already running")
	}

	if s.registry == nil {
		s.mu.Unlock()
		return errors.WrapFatal(
			fmt.Errorf("nil registry"),
			"Server", "Start", "metrics registry not provided")
	}

	mux := http.NewServeMux()
	mux.Handle(s.path, promhttp.HandlerFor(
		s.registry.PrometheusRegistry(),
		promhttp.HandlerOpts{EnableOpenMetrics: true},
	))

	if _, ok := s.extra["/health"]; !ok {
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("OK"))
		})
	}
	for pattern, h := range s.extra {
		mux.Handle(pattern, h)
	}

	server := &http.Server{Handler: mux}

	tlsConfig, err := tlsutil.LoadServerTLSConfig(s.tls)
	if err != nil {
		s.mu.Unlock()
		return errors.WrapFatal(err, "Server", "Start", "load TLS config")
	}
	server.TLSConfig = tlsConfig

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		s.mu.Unlock()
		return errors.WrapFatal(err, "Server", "Start",
			fmt.Sprintf("failed to listen on port %d", s.port))
	}
	s.server = server
	s.addr = ln.Addr()
	s.mu.Unlock()

	if tlsConfig != nil {
		err = server.ServeTLS(ln, "", "")
	} else {
		err = server.Serve(ln)
	}
	if err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return errors.WrapFatal(err, "Server", "Start", "serve metrics")
	}
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		err := s.server.Close()
		s.server = nil // reset server field to allow restart
		s.addr = nil
		if err != nil {
			return errors.WrapTransient(err, "Server", "Stop",
				"failed to stop HTTP server")
		}
	}
	return nil
}

// Address returns the metrics URL. Before Start has bound the listener it
// reports the configured port.
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	scheme := "http"
	if s.tls.Enabled {
		scheme = "https"
	}
	port := s.port
	if tcp, ok := s.addr.(*net.TCPAddr); ok {
		port = tcp.Port
	}
	return fmt.Sprintf("%s://localhost:%d%s", scheme, port, s.path)
}
