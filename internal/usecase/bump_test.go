package usecase

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"bumpproxy/internal/domain"
	"bumpproxy/internal/interface/agent"
	"bumpproxy/internal/interface/repository/certstore"
)

// newTestCertStore はフィクスチャCAを持つ証明書ストアを作成する.
func newTestCertStore(t *testing.T, events *domain.Events) *certstore.Repository {
	t.Helper()

	caCert, caKey, err := certstore.GenerateCA("bumpproxy test CA", 3650)
	if err != nil {
		t.Fatalf("failed to generate CA: %v", err)
	}

	store, err := certstore.New(certstore.Config{
		CACertPEM: caCert,
		CAKeyPEM:  caKey,
		Events:    events,
	})
	if err != nil {
		t.Fatalf("failed to create cert store: %v", err)
	}
	return store
}

// startTLSOrigin はストアの証明書でTLS終端するHTTPSオリジンを起動する.
func startTLSOrigin(t *testing.T, store *certstore.Repository, handler http.Handler) string {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	config, err := store.TLSConfig("localhost")
	if err != nil {
		t.Fatalf("failed to build TLS config: %v", err)
	}

	server := &http.Server{Handler: handler}
	go server.Serve(tls.NewListener(listener, config))

	t.Cleanup(func() {
		server.Close()
		listener.Close()
	})

	_, port, _ := net.SplitHostPort(listener.Addr().String())
	return "localhost:" + port
}

func originHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			body, _ := io.ReadAll(r.Body)
			fmt.Fprintf(w, "You requested %s %s over https\n%s", r.Method, r.URL.Path, body)
			return
		}
		fmt.Fprintf(w, "You requested %s %s over https", r.Method, r.URL.Path)
	})
}

func TestBumpPassthrough(t *testing.T) {
	events := domain.NewEvents()
	store := newTestCertStore(t, events)

	originAddr := startTLSOrigin(t, store, originHandler())

	b := NewBumpProxy(Config{}, store)
	proxyAddr := startEngine(t, b.ProxyUseCase)

	caPool := x509.NewCertPool()
	caPool.AppendCertsFromPEM(store.CACertPEM())

	client := &http.Client{
		Transport: agent.NewTunnelTransport(&domain.Upstream{Host: proxyAddr}, caPool),
	}

	resp, err := client.Get("https://" + originAddr + "/foo")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "You requested GET /foo over https" {
		t.Errorf("unexpected GET body: %q", body)
	}

	resp, err = client.Post("https://"+originAddr+"/bar", "text/plain", strings.NewReader("Hello world!"))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "You requested POST /bar over https\nHello world!" {
		t.Errorf("unexpected POST body: %q", body)
	}
}

func TestBumpCertificateReuse(t *testing.T) {
	events := domain.NewEvents()
	store := newTestCertStore(t, events)

	var mu sync.Mutex
	var issued []string
	events.OnCertificateIssued(func(event domain.CertificateIssuedEvent) {
		mu.Lock()
		issued = append(issued, event.Hostname)
		mu.Unlock()
	})

	originAddr := startTLSOrigin(t, store, originHandler())

	b := NewBumpProxy(Config{}, store)
	proxyAddr := startEngine(t, b.ProxyUseCase)

	caPool := x509.NewCertPool()
	caPool.AppendCertsFromPEM(store.CACertPEM())
	client := &http.Client{
		Transport: agent.NewTunnelTransport(&domain.Upstream{Host: proxyAddr}, caPool),
	}

	for i := 0; i < 3; i++ {
		resp, err := client.Get("https://" + originAddr + "/foo")
		if err != nil {
			t.Fatalf("GET %d failed: %v", i, err)
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}

	// オリジン用の1枚だけが発行され、バンプはLRUを再利用する
	mu.Lock()
	count := len(issued)
	mu.Unlock()
	if count != 1 {
		t.Errorf("expected exactly 1 issued certificate, got %d (%v)", count, issued)
	}
}

func TestBumpRejectsUntrustedOrigin(t *testing.T) {
	// オリジンは別のCAで終端するため、バンプ側の検証が失敗する
	otherStore := newTestCertStore(t, nil)
	originAddr := startTLSOrigin(t, otherStore, originHandler())

	store := newTestCertStore(t, nil)
	b := NewBumpProxy(Config{}, store)
	proxyAddr := startEngine(t, b.ProxyUseCase)

	_, _, resp := doConnect(t, proxyAddr, originAddr, nil)

	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502 for unauthorized remote, got %d", resp.StatusCode)
	}
	if b.Tracker().Count() != 0 {
		t.Errorf("expected no tracked connections, got %d", b.Tracker().Count())
	}
}

func TestBumpHandleTLSOverride(t *testing.T) {
	store := newTestCertStore(t, nil)
	originAddr := startTLSOrigin(t, store, originHandler())

	b := NewBumpProxy(Config{}, store)
	b.HandleTLS = func(tlsClient, tlsRemote net.Conn, connectReq *http.Request) {
		// レスポンス偽装: オリジンへは一切転送しない
		io.WriteString(tlsClient, "HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\nfabricated")
	}
	proxyAddr := startEngine(t, b.ProxyUseCase)

	caPool := x509.NewCertPool()
	caPool.AppendCertsFromPEM(store.CACertPEM())
	client := &http.Client{
		Transport: agent.NewTunnelTransport(&domain.Upstream{Host: proxyAddr}, caPool),
	}

	resp, err := client.Get("https://" + originAddr + "/anything")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if string(body) != "fabricated" {
		t.Errorf("unexpected body: %q", body)
	}
}

func TestBumpBinaryBodyRoundTrip(t *testing.T) {
	store := newTestCertStore(t, nil)

	echoHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Write(body)
	})
	originAddr := startTLSOrigin(t, store, echoHandler)

	b := NewBumpProxy(Config{}, store)
	proxyAddr := startEngine(t, b.ProxyUseCase)

	caPool := x509.NewCertPool()
	caPool.AppendCertsFromPEM(store.CACertPEM())
	client := &http.Client{
		Transport: agent.NewTunnelTransport(&domain.Upstream{Host: proxyAddr}, caPool),
	}

	payload := make([]byte, 64*1024)
	for i := range payload {
		payload[i] = byte(i * 31)
	}

	resp, err := client.Post("https://"+originAddr+"/echo", "application/octet-stream",
		strings.NewReader(string(payload)))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(body) != string(payload) {
		t.Error("expected binary body to round-trip across bump")
	}

	waitFor(t, 5*time.Second, func() bool {
		return b.Tracker().Count() == 0
	}, "expected tunnels to be untracked after close")
}
