package usecase

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"bumpproxy/internal/domain"
)

func TestConnectDirectTunnel(t *testing.T) {
	echoAddr := startEcho(t)

	p := NewProxyUseCase(Config{})
	proxyAddr := startEngine(t, p)

	conn, reader, resp := doConnect(t, proxyAddr, echoAddr, nil)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected CONNECT status: %d", resp.StatusCode)
	}

	id := resp.Header.Get("X-Connection-Id")
	if id == "" {
		t.Fatal("expected X-Connection-Id in CONNECT reply")
	}

	// 確立済みの接続は追跡マップに存在する
	if _, ok := p.Tracker().Get(id); !ok {
		t.Error("expected connection to be tracked")
	}

	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	buf := make([]byte, 4)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(reader, buf); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(buf) != "ping" {
		t.Errorf("unexpected echo: %q", buf)
	}

	// クローズで追跡から外れる
	conn.Close()
	waitFor(t, 5*time.Second, func() bool {
		return p.Tracker().Count() == 0
	}, "expected connection to be removed after close")
}

func TestConnectViaUpstream(t *testing.T) {
	upstream := newFixtureUpstream(t)
	upstream.connectionID = "upstream-id-9"

	p := NewProxyUseCase(Config{
		DefaultUpstream: &domain.Upstream{
			Host:           upstream.addr(),
			Username:       "user",
			Password:       "secret",
			ConnectHeaders: map[string]string{"X-Group": "blue"},
		},
	})
	proxyAddr := startEngine(t, p)

	_, _, resp := doConnect(t, proxyAddr, "origin.test:443", map[string]string{
		"X-Partition-Id": "p-42",
	})

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected CONNECT status: %d", resp.StatusCode)
	}

	// 上流が与えたconnectionIdが採用される (チェーン越しの同一性)
	if got := resp.Header.Get("X-Connection-Id"); got != "upstream-id-9" {
		t.Errorf("expected upstream connection id to be adopted, got %q", got)
	}
	if _, ok := p.Tracker().Get("upstream-id-9"); !ok {
		t.Error("expected adopted id in tracking map")
	}

	req := upstream.lastConnect()
	if req == nil {
		t.Fatal("expected upstream to receive CONNECT")
	}
	if req.Host != "origin.test:443" {
		t.Errorf("unexpected CONNECT target: %s", req.Host)
	}
	if req.Header.Get("Proxy-Authorization") == "" {
		t.Error("expected Proxy-Authorization toward upstream")
	}
	if got := req.Header.Get("X-Group"); got != "blue" {
		t.Errorf("expected connect header forwarded, got %q", got)
	}
	if got := req.Header.Get("X-Partition-Id"); got != "p-42" {
		t.Errorf("expected partition id forwarded, got %q", got)
	}
}

func TestHedgedRetrySecondAttemptWins(t *testing.T) {
	upstream := newFixtureUpstream(t)
	upstream.delay = 3 * time.Second
	upstream.delayFirst = true

	p := NewProxyUseCase(Config{
		DefaultUpstream:      &domain.Upstream{Host: upstream.addr()},
		ConnectRetryAttempts: 1,
		ConnectRetryInterval: 100 * time.Millisecond,
	})
	proxyAddr := startEngine(t, p)

	var mu sync.Mutex
	var attempts []int
	p.Events().OnOutboundConnect(func(event domain.OutboundConnectEvent) {
		mu.Lock()
		attempts = append(attempts, event.Attempt)
		mu.Unlock()
	})

	start := time.Now()
	_, _, resp := doConnect(t, proxyAddr, "origin.test:443", nil)
	elapsed := time.Since(start)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected CONNECT status: %d", resp.StatusCode)
	}
	// 2回目の試行が勝つので最初の遅延を待たずに確立する
	if elapsed >= 2*time.Second {
		t.Errorf("expected hedged attempt to win quickly, took %v", elapsed)
	}

	mu.Lock()
	count := len(attempts)
	mu.Unlock()
	if count != 2 {
		t.Errorf("expected 2 attempts, got %d", count)
	}
	if upstream.servedCount() != 1 {
		t.Errorf("expected upstream to serve 1 CONNECT, got %d", upstream.servedCount())
	}
}

func TestHedgedRetryExhausts(t *testing.T) {
	upstream := newFixtureUpstream(t)
	upstream.delay = 3 * time.Second

	p := NewProxyUseCase(Config{
		DefaultUpstream:      &domain.Upstream{Host: upstream.addr()},
		ConnectRetryAttempts: 1,
		ConnectRetryInterval: 100 * time.Millisecond,
		ConnectTimeout:       300 * time.Millisecond,
	})
	proxyAddr := startEngine(t, p)

	var mu sync.Mutex
	count := 0
	p.Events().OnOutboundConnect(func(domain.OutboundConnectEvent) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	_, _, resp := doConnect(t, proxyAddr, "origin.test:443", nil)

	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502 after exhausted attempts, got %d", resp.StatusCode)
	}

	mu.Lock()
	attempts := count
	mu.Unlock()
	if attempts != 2 {
		t.Errorf("expected exactly 2 attempts, got %d", attempts)
	}
	if upstream.servedCount() != 0 {
		t.Errorf("expected no upstream successes, got %d", upstream.servedCount())
	}
	if p.Tracker().Count() != 0 {
		t.Errorf("expected no tracked connections, got %d", p.Tracker().Count())
	}
}

func TestAuthenticateHook(t *testing.T) {
	p := NewProxyUseCase(Config{})
	p.Authenticate = func(req *http.Request) error {
		if req.Header.Get("Proxy-Authorization") == "" {
			return &domain.ErrAuthRequired{}
		}
		return nil
	}
	proxyAddr := startEngine(t, p)

	_, _, resp := doConnect(t, proxyAddr, "origin.test:443", nil)

	if resp.StatusCode != http.StatusProxyAuthRequired {
		t.Fatalf("expected 407, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Proxy-Authenticate") == "" {
		t.Error("expected Proxy-Authenticate challenge")
	}
}

func TestAuthenticateHookDenied(t *testing.T) {
	p := NewProxyUseCase(Config{})
	p.Authenticate = func(req *http.Request) error {
		return &domain.ErrAccessDenied{ClientIP: "127.0.0.1", Host: req.Host}
	}
	proxyAddr := startEngine(t, p)

	_, _, resp := doConnect(t, proxyAddr, "blocked.test:443", nil)

	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}

func TestHTTPProxyDirect(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "You requested %s %s over http", r.Method, r.URL.Path)
	}))
	t.Cleanup(origin.Close)

	p := NewProxyUseCase(Config{})
	proxyAddr := startEngine(t, p)

	proxyURL, _ := url.Parse("http://" + proxyAddr)
	client := &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
	}

	resp, err := client.Get(origin.URL + "/foo")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != "You requested GET /foo over http" {
		t.Errorf("unexpected body: %q", body)
	}
}

func TestHTTPForwardingFailure(t *testing.T) {
	p := NewProxyUseCase(Config{})
	proxyAddr := startEngine(t, p)

	proxyURL, _ := url.Parse("http://" + proxyAddr)
	client := &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
	}

	// 到達できないオリジンへの転送はレスポンス前の失敗として599
	resp, err := client.Get("http://127.0.0.1:1/foo")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != statusNetworkConnectTimeout {
		t.Errorf("expected 599, got %d", resp.StatusCode)
	}
}

func TestShutdownForce(t *testing.T) {
	echoAddr := startEcho(t)

	p := NewProxyUseCase(Config{})
	proxyAddr := startEngine(t, p)

	conn, reader, resp := doConnect(t, proxyAddr, echoAddr, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected CONNECT status: %d", resp.StatusCode)
	}

	if err := p.Shutdown(true); err != nil {
		t.Fatalf("forced shutdown failed: %v", err)
	}

	// 転送中のトンネルはリセットで終わる
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 1)
	if _, err := reader.Read(buf); err == nil {
		t.Error("expected tunnel to be destroyed by forced shutdown")
	}
}
