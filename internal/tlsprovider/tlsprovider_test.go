package tlsprovider_test

import (
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"motorx/internal/tlsprovider"
)

func TestFileCertProvider_GeneratesSelfSignedWhenMissing(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "server.crt")
	keyPath := filepath.Join(dir, "server.key")

	p := &tlsprovider.FileCertProvider{CertPath: certPath, KeyPath: keyPath}
	cfg, err := p.TLSConfig()
	if err != nil {
		t.Fatalf("TLSConfig: %v", err)
	}
	if len(cfg.Certificates) != 1 {
		t.Fatalf("want one certificate, got %d", len(cfg.Certificates))
	}

	// A second call must reuse the generated files rather than failing or
	// regenerating (ensureSelfSignedIfMissing's early-return path).
	cfg2, err := p.TLSConfig()
	if err != nil {
		t.Fatalf("second TLSConfig: %v", err)
	}
	if len(cfg2.Certificates) != 1 {
		t.Fatalf("want one certificate on reload, got %d", len(cfg2.Certificates))
	}
}

func TestFileCertProvider_ServesHandshake(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "server.crt")
	keyPath := filepath.Join(dir, "server.key")

	p := &tlsprovider.FileCertProvider{CertPath: certPath, KeyPath: keyPath}
	tlsCfg, err := p.TLSConfig()
	if err != nil {
		t.Fatalf("TLSConfig: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	srv := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("ok"))
		}),
		TLSConfig: tlsCfg,
	}
	go srv.ServeTLS(ln, "", "")
	t.Cleanup(func() { srv.Close() })

	client := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true, ServerName: "localhost"},
		},
		Timeout: 3 * time.Second,
	}

	resp, err := client.Get("https://" + ln.Addr().String() + "/")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "ok" {
		t.Fatalf("unexpected body %q", body)
	}
	if resp.TLS == nil || len(resp.TLS.PeerCertificates) == 0 {
		t.Fatal("expected peer certificate in TLS connection state")
	}
}
