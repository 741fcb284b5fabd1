// Package httpapi is the single-endpoint HTTP surface described in the
// external interfaces: GET /stream hands a hijacked connection off to a
// writer.Viewer and lets the viewer's own write loop own it from then on.
package httpapi

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/xaionaro-go/lxstreamer/apierror"
	"github.com/xaionaro-go/lxstreamer/logger"
	"github.com/xaionaro-go/lxstreamer/writer"
)

// ViewerSource is the subset of a source.Source the HTTP surface needs
// to attach a Viewer, kept as an interface so this package does not
// import the source package (the source package is the consumer of
// writer.Viewer, not the other way around).
type ViewerSource interface {
	AuthSession() string
	PreferredFormat() string
	AddViewer(ctx context.Context, v *writer.Viewer)
}

// Lookup resolves a source name to the ViewerSource that owns it.
type Lookup func(name string) (ViewerSource, bool)

// initTryMax bounds the bind-and-self-probe retries on HTTPS startup.
const initTryMax = 20

// Config configures the listener the Server binds.
type Config struct {
	Addr     string
	CertFile string
	KeyFile  string
}

// Server is the process's single HTTP listener.
type Server struct {
	cfg    Config
	lookup Lookup

	httpServer *http.Server
	listener   net.Listener
}

// New builds a Server; call ListenAndServe to actually bind and accept.
func New(cfg Config, lookup Lookup) *Server {
	s := &Server{cfg: cfg, lookup: lookup}
	mux := http.NewServeMux()
	mux.HandleFunc("/stream", s.handleStream)
	mux.HandleFunc("/", s.handleUnknown)
	s.httpServer = &http.Server{
		Addr:    cfg.Addr,
		Handler: mux,
	}
	return s
}

// Bind acquires the listening socket, retrying a TLS bind up to
// initTryMax times (the codec-library-free HTTPS init loop the spec asks
// for). It returns once the listener is ready to accept, before any
// request has been served.
func (s *Server) Bind(ctx context.Context) error {
	useTLS := s.cfg.CertFile != "" && s.cfg.KeyFile != ""

	var ln net.Listener
	var err error
	if useTLS {
		ln, err = s.bindTLSWithRetry(ctx)
	} else {
		ln, err = net.Listen("tcp", s.cfg.Addr)
	}
	if err != nil {
		return fmt.Errorf("unable to bind %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln
	return nil
}

// Serve accepts connections on the bound listener until ctx is canceled
// or the listener is closed, calling Bind first if no listener is bound yet.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		if err := s.Bind(ctx); err != nil {
			return err
		}
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- s.httpServer.Serve(s.listener) }()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// ListenAndServe binds and serves in one blocking call.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Bind(ctx); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// bindTLSWithRetry binds a TLS listener and self-probes it with a loopback
// handshake before trusting it, retrying up to initTryMax times; the codec
// library has no equivalent, so this stands in for its "bind + self-probe"
// startup loop against Go's net/http + crypto/tls stack instead.
func (s *Server) bindTLSWithRetry(ctx context.Context) (net.Listener, error) {
	cert, err := tls.LoadX509KeyPair(s.cfg.CertFile, s.cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load TLS certificate: %w", err)
	}
	tlsCfg := &tls.Config{Certificates: []tls.Certificate{cert}}

	var lastErr error
	for attempt := 1; attempt <= initTryMax; attempt++ {
		raw, err := net.Listen("tcp", s.cfg.Addr)
		if err != nil {
			lastErr = err
			logger.Warnf(ctx, "httpapi: bind attempt %d/%d failed: %v", attempt, initTryMax, err)
			time.Sleep(200 * time.Millisecond)
			continue
		}
		ln := tls.NewListener(raw, tlsCfg)
		_, port, splitErr := net.SplitHostPort(ln.Addr().String())
		if splitErr != nil {
			port = ln.Addr().String()
		}
		if err := selfProbe(net.JoinHostPort("127.0.0.1", port), tlsCfg); err != nil {
			lastErr = err
			logger.Warnf(ctx, "httpapi: self-probe attempt %d/%d failed: %v", attempt, initTryMax, err)
			ln.Close()
			time.Sleep(200 * time.Millisecond)
			continue
		}
		return ln, nil
	}
	return nil, fmt.Errorf("TLS bind did not stabilize after %d attempts: %w", initTryMax, lastErr)
}

func selfProbe(addr string, tlsCfg *tls.Config) error {
	probeCfg := tlsCfg.Clone()
	probeCfg.InsecureSkipVerify = true
	conn, err := tls.DialWithDialer(&net.Dialer{Timeout: time.Second}, "tcp", addr, probeCfg)
	if err != nil {
		return err
	}
	return conn.Close()
}

// Close shuts the listener down without waiting for in-flight viewers,
// which by then own their sockets directly and are unaffected.
func (s *Server) Close(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleUnknown(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Connection", "close")
	w.WriteHeader(http.StatusNotFound)
}

// handleStream implements the spec's single HTTP surface: resolve the
// source, check the session token, hijack the connection, and hand it
// to a freshly built writer.Viewer.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	w.Header().Set("Connection", "close")

	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	name := r.URL.Query().Get("source")
	session := r.URL.Query().Get("session")

	src, ok := s.lookup(name)
	if !ok {
		w.WriteHeader(apierror.NotFound.HTTPStatus())
		return
	}
	if src.AuthSession() != "" && src.AuthSession() != session {
		w.WriteHeader(apierror.AuthenticationFailed.HTTPStatus())
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	conn, buffered, err := hj.Hijack()
	if err != nil {
		logger.Errorf(ctx, "httpapi: hijack failed for source %q: %v", name, err)
		return
	}

	v := writer.NewViewer(writer.ViewerConfig{
		Path:            r.URL.Path,
		Query:           r.URL.RawQuery,
		SourceName:      name,
		Session:         session,
		Conn:            conn,
		Buffered:        buffered,
		PreferredFormat: src.PreferredFormat(),
	})
	src.AddViewer(ctx, v)
}
