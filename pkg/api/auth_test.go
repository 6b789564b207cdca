package api

import (
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/psaab/flowpipe/pkg/config"
	"github.com/psaab/flowpipe/pkg/logging"
)

func TestAuthenticatedServer(t *testing.T) {
	env := newTestEnv(t, -1)
	srv := NewServer(Config{
		Engine:   env.e,
		EventBuf: logging.NewEventBuffer(4),
		Auth:     NewAuthConfig("k-1", map[string]string{"ops": "pw"}),
	})
	basic := func(user, pass string) string {
		return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
	}

	tests := []struct {
		path   string
		header string
		value  string
		want   int
	}{
		{"/health", "", "", http.StatusOK},
		{"/metrics", "", "", http.StatusOK},
		{"/api/v1/ports", "", "", http.StatusUnauthorized},
		{"/api/v1/ports", "Authorization", basic("ops", "pw"), http.StatusOK},
		{"/api/v1/ports", "Authorization", basic("ops", "nope"), http.StatusUnauthorized},
		{"/api/v1/ports", "Authorization", basic("root", "pw"), http.StatusUnauthorized},
		{"/api/v1/ports", "Authorization", "Basic %%%", http.StatusUnauthorized},
		{"/api/v1/ports/0/pipes", "Authorization", "Bearer k-1", http.StatusOK},
		{"/api/v1/ports/0/pipes", "Authorization", "Bearer k-2", http.StatusUnauthorized},
		{"/api/v1/resources", "X-API-Key", "k-1", http.StatusOK},
		{"/api/v1/resources", "X-API-Key", "k-2", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		req := httptest.NewRequest("GET", tt.path, nil)
		if tt.header != "" {
			req.Header.Set(tt.header, tt.value)
		}
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, req)
		if w.Code != tt.want {
			t.Errorf("%s %s=%q: status %d, want %d", tt.path, tt.header, tt.value, w.Code, tt.want)
		}
		if w.Code == http.StatusUnauthorized && !strings.HasPrefix(w.Header().Get("WWW-Authenticate"), "Basic") {
			t.Errorf("%s: missing basic challenge", tt.path)
		}
	}
}

func TestNewAuthConfig(t *testing.T) {
	if NewAuthConfig("", nil) != nil {
		t.Error("no credentials should disable authentication")
	}
	keyOnly := NewAuthConfig("k1", nil)
	if !checkAuthorization("Bearer k1", *keyOnly) || checkAuthorization("Bearer k2", *keyOnly) {
		t.Error("bearer token check")
	}
	usersOnly := NewAuthConfig("", map[string]string{"ops": "pw"})
	if usersOnly == nil || len(usersOnly.APIKeys) != 0 {
		t.Fatalf("users only = %+v", usersOnly)
	}
	if checkAuthorization("Bearer ", *usersOnly) {
		t.Error("empty bearer token accepted")
	}
}

func TestLoadOrCreateCert(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "tls")
	cert, err := loadOrCreateCert(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"cert.pem", "key.pem"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("%s not written: %v", name, err)
		}
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatal(err)
	}
	if leaf.Subject.Organization[0] != "flowpipe" {
		t.Errorf("subject = %v", leaf.Subject)
	}

	again, err := loadOrCreateCert(dir)
	if err != nil {
		t.Fatal(err)
	}
	if string(again.Certificate[0]) != string(cert.Certificate[0]) {
		t.Error("stored certificate was not reused")
	}

	srv := NewServer(Config{Addr: "127.0.0.1:0", HTTPSAddr: "127.0.0.1:0", CertDir: dir})
	if srv.httpsServer == nil || len(srv.httpsServer.TLSConfig.Certificates) != 1 {
		t.Error("HTTPS server not set up")
	}
}

func TestConfigExportHandler(t *testing.T) {
	tree, err := config.Parse(`system { queues 2; mode-args "vnf,hws"; }`)
	if err != nil {
		t.Fatal(err)
	}
	s := &Server{configTree: func() *config.ConfigTree { return tree }}
	export := func(query string) (int, Response) {
		w := httptest.NewRecorder()
		s.configExportHandler(w, httptest.NewRequest("GET", "/api/v1/config/export"+query, nil))
		var resp Response
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("%s: decode: %v", query, err)
		}
		return w.Code, resp
	}

	for query, want := range map[string]string{
		"":             "set system queues 2",
		"?format=set":  "set system queues 2",
		"?format=text": "system {",
	} {
		code, resp := export(query)
		data, _ := resp.Data.(map[string]any)
		out, _ := data["output"].(string)
		if code != http.StatusOK || !strings.Contains(out, want) {
			t.Errorf("%q: status %d output %q", query, code, out)
		}
	}
	if code, resp := export("?format=yaml"); code != http.StatusBadRequest || !strings.Contains(resp.Error, "unsupported format") {
		t.Errorf("yaml: status %d error %q", code, resp.Error)
	}

	w := httptest.NewRecorder()
	(&Server{}).configExportHandler(w, httptest.NewRequest("GET", "/api/v1/config/export", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("no config: status %d", w.Code)
	}
}
