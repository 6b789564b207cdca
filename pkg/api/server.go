package api

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"

	"github.com/psaab/flowpipe/pkg/config"
	"github.com/psaab/flowpipe/pkg/conntrack"
	"github.com/psaab/flowpipe/pkg/flow"
	"github.com/psaab/flowpipe/pkg/logging"
)

// Config configures the API server.
type Config struct {
	Addr      string
	HTTPSAddr string      // HTTPS listen address (empty = no HTTPS)
	CertDir   string      // where the self-signed certificate is kept
	Auth      *AuthConfig // nil = no authentication
	Engine    *flow.Engine
	EventBuf  *logging.EventBuffer
	GC        *conntrack.GC
	// ConfigTree returns the active configuration for export.
	ConfigTree func() *config.ConfigTree
}

// Server is the HTTP API server.
type Server struct {
	httpServer  *http.Server
	httpsServer *http.Server
	handler     http.Handler
	engine      *flow.Engine
	eventBuf    *logging.EventBuffer
	gc          *conntrack.GC
	configTree  func() *config.ConfigTree
	startTime   time.Time

	clsMu       sync.Mutex
	classifiers map[classifierKey]*conntrack.Classifier
}

type classifierKey struct {
	port uint16
	zone uint32
}

// NewServer creates a new API server.
func NewServer(cfg Config) *Server {
	s := &Server{
		engine:      cfg.Engine,
		eventBuf:    cfg.EventBuf,
		gc:          cfg.GC,
		configTree:  cfg.ConfigTree,
		startTime:   time.Now(),
		classifiers: make(map[classifierKey]*conntrack.Classifier),
	}

	mux := http.NewServeMux()

	// Health + metrics
	mux.HandleFunc("GET /health", s.healthHandler)

	// Prometheus metrics with isolated registry
	registry := prometheus.NewRegistry()
	registry.MustRegister(newCollector(s))
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	// REST API v1
	mux.HandleFunc("GET /api/v1/status", s.statusHandler)
	mux.HandleFunc("GET /api/v1/ports", s.portsHandler)
	mux.HandleFunc("GET /api/v1/ports/{port}/queues", s.queuesHandler)
	mux.HandleFunc("GET /api/v1/ports/{port}/dump", s.portDumpHandler)
	mux.HandleFunc("GET /api/v1/ports/{port}/pipes", s.pipesHandler)
	mux.HandleFunc("GET /api/v1/ports/{port}/pipes/{pipe}/entries", s.entriesHandler)
	mux.HandleFunc("GET /api/v1/ports/{port}/pipes/{pipe}/miss", s.pipeMissHandler)
	mux.HandleFunc("GET /api/v1/ports/{port}/pipes/{pipe}/dump", s.pipeDumpHandler)
	mux.HandleFunc("DELETE /api/v1/entries/{handle}", s.removeEntryHandler)
	mux.HandleFunc("GET /api/v1/resources", s.resourcesHandler)

	// Connection tracking
	mux.HandleFunc("GET /api/v1/ports/{port}/sessions", s.sessionsHandler)
	mux.HandleFunc("GET /api/v1/ports/{port}/sessions/summary", s.sessionSummaryHandler)
	mux.HandleFunc("POST /api/v1/ct/classify", s.classifyHandler)

	// Events
	mux.HandleFunc("GET /api/v1/events", s.eventsHandler)
	mux.HandleFunc("GET /api/v1/events/stream", s.eventStreamHandler)
	mux.HandleFunc("GET /api/v1/logs/stream", s.logStreamHandler)

	mux.HandleFunc("GET /api/v1/config/export", s.configExportHandler)

	var handler http.Handler = mux
	if cfg.Auth != nil {
		handler = authMiddleware(*cfg.Auth, mux)
	}
	s.handler = handler

	s.httpServer = &http.Server{
		Addr:    cfg.Addr,
		Handler: handler,
	}

	if cfg.HTTPSAddr != "" {
		tlsCert, err := loadOrCreateCert(cfg.CertDir)
		if err != nil {
			slog.Warn("HTTPS disabled: no certificate", "dir", cfg.CertDir, "err", err)
		} else {
			s.httpsServer = &http.Server{
				Addr:    cfg.HTTPSAddr,
				Handler: handler,
				TLSConfig: &tls.Config{
					Certificates: []tls.Certificate{tlsCert},
					MinVersion:   tls.VersionTLS12,
				},
			}
		}
	}

	return s
}

// Handler returns the routed handler, including authentication.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run starts the HTTP (and optionally HTTPS) server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 2)
	go func() {
		slog.Info("HTTP API server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Start HTTPS server if configured
	if s.httpsServer != nil {
		go func() {
			slog.Info("HTTPS API server listening", "addr", s.httpsServer.Addr)
			if err := s.httpsServer.ListenAndServeTLS("", ""); err != http.ErrServerClosed {
				errCh <- err
			}
		}()
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.httpsServer != nil {
		s.httpsServer.Shutdown(shutdownCtx)
	}
	return s.httpServer.Shutdown(shutdownCtx)
}

// DefaultCertDir holds the generated API certificate.
const DefaultCertDir = "/etc/flowpipe/tls"

// loadOrCreateCert loads the certificate kept in dir, or generates a
// self-signed ECDSA P-256 one and stores it there for the next start.
func loadOrCreateCert(dir string) (tls.Certificate, error) {
	if dir == "" {
		dir = DefaultCertDir
	}
	certPath := filepath.Join(dir, "cert.pem")
	keyPath := filepath.Join(dir, "key.pem")
	if cert, err := tls.LoadX509KeyPair(certPath, keyPath); err == nil {
		return cert, nil
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "flowpipe"
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: hostname, Organization: []string{"flowpipe"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(10 * 365 * 24 * time.Hour), // 10 years
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return tls.Certificate{}, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	if err := os.MkdirAll(dir, 0o700); err != nil {
		slog.Warn("API certificate not saved", "dir", dir, "err", err)
	} else if err := multierr.Append(
		os.WriteFile(certPath, certPEM, 0o644),
		os.WriteFile(keyPath, keyPEM, 0o600),
	); err != nil {
		slog.Warn("API certificate not saved", "dir", dir, "err", err)
	}
	return tls.X509KeyPair(certPEM, keyPEM)
}
