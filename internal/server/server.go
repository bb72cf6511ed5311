// Package server assembles one immutable configuration snapshot into
// a running HTTP server: host dispatch, authorization gates, and the
// per-service handlers.
package server

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/vestibule-io/vestibule/internal/auth"
	"github.com/vestibule-io/vestibule/internal/config"
	"github.com/vestibule-io/vestibule/internal/handler"
	"github.com/vestibule-io/vestibule/internal/proxy"
	"github.com/vestibule-io/vestibule/internal/tlsutil"
	"github.com/vestibule-io/vestibule/internal/webdav"
)

const sessionLifetime = 24 * time.Hour

// certCacheDir holds the bolt database of acquired certificates.
const certCacheDir = "./letsencrypt_cache"

type service struct {
	host    config.HostType
	handler http.Handler
}

// Server serves one (Config, HostMap) snapshot. A reload builds a new
// Server; in-flight requests keep the snapshot they started with.
type Server struct {
	cfg      *config.Config
	sessions *auth.Manager
	services map[string]service
	control  http.Handler
	httpSrv  *http.Server
	certs    *tlsutil.CertStore
}

// Build loads the configuration file and constructs a ready-to-start
// server. reload is called when GET /reload is hit.
func Build(configFile string, reload func()) (*Server, error) {
	cfg, hostMap, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}

	// The signing secret is fresh per build: a reload invalidates all
	// sessions.
	sessions, err := auth.NewManager(cfg.Hostname, sessionLifetime)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		sessions: sessions,
		services: make(map[string]service, len(hostMap)),
		control:  handler.New(configFile, cfg, sessions, reload).Router(),
	}

	publicScheme := "http"
	if cfg.AutoTLS {
		publicScheme = "https"
	}
	for host, hostType := range hostMap {
		var h http.Handler
		switch {
		case hostType.App != nil:
			public := fmt.Sprintf("%s:%d", host, cfg.HTTPPort)
			h, err = proxy.New(hostType.App.ForwardTo, publicScheme, public)
			if err != nil {
				return nil, fmt.Errorf("app %q: %w", hostType.App.Host, err)
			}
		case hostType.Dav != nil:
			h, err = webdav.New(hostType.Dav)
			if err != nil {
				return nil, err
			}
		}
		s.services[host] = service{host: hostType, handler: h}
	}

	h2s := &http2.Server{IdleTimeout: 120 * time.Second}
	s.httpSrv = &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:     h2c.NewHandler(s.logged(http.HandlerFunc(s.dispatch)), h2s),
		IdleTimeout: 120 * time.Second,
	}
	return s, nil
}

// dispatch resolves the service from the Host header and gates it on
// the session roles. Unknown hosts fall through to the control
// surface.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	svc, ok := s.services[host]
	if !ok {
		s.control.ServeHTTP(w, r)
		return
	}

	principal, _ := s.sessions.Principal(r)
	if svc.host.Secured() && !auth.Authorized(principal, true, svc.host.Roles()) {
		// Dav clients get a 401 so they can prompt for credentials;
		// apps answer a bare 403 like the role mismatch case.
		if svc.host.Dav != nil && principal == nil {
			w.WriteHeader(http.StatusUnauthorized)
		} else {
			w.WriteHeader(http.StatusForbidden)
		}
		return
	}

	svc.handler.ServeHTTP(w, r)
}

// statusWriter captures the response status for the access log.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack hands the connection over for Upgrade responses, so proxied
// apps can serve WebSockets.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hj, ok := w.ResponseWriter.(http.Hijacker); ok {
		return hj.Hijack()
	}
	return nil, nil, fmt.Errorf("response writer does not support hijacking")
}

func (s *Server) logged(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)
		status := sw.status
		if status == 0 {
			status = http.StatusOK
		}
		ip := r.RemoteAddr
		if h, _, err := net.SplitHostPort(ip); err == nil {
			ip = h
		}
		log.Info().
			Str("ip", ip).
			Str("method", r.Method).
			Str("uri", r.Host+r.RequestURI).
			Int("status", status).
			Msg("request")
	})
}

// Port returns the configured listening port.
func (s *Server) Port() int {
	return s.cfg.HTTPPort
}

// Handler exposes the full dispatch chain, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Start blocks serving until Shutdown or a listener error. With
// auto_tls, certificates are acquired on demand for the configured
// domains and ACME challenges are answered before dispatch.
func (s *Server) Start() error {
	if s.cfg.AutoTLS {
		certs, err := tlsutil.NewCertStore(certCacheDir)
		if err != nil {
			return err
		}
		s.certs = certs
		manager := tlsutil.NewManager(certs, s.cfg.LetsEncryptEmail, s.cfg.Domains())
		s.httpSrv.TLSConfig = manager.TLSConfig()
		log.Info().Str("addr", s.httpSrv.Addr).Msg("starting server with automatic TLS")
		return s.httpSrv.ListenAndServeTLS("", "")
	}
	log.Info().Str("addr", s.httpSrv.Addr).Msg("starting server")
	return s.httpSrv.ListenAndServe()
}

// Shutdown drains in-flight requests and releases the certificate
// store.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpSrv.Shutdown(ctx)
	if s.certs != nil {
		if cerr := s.certs.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
