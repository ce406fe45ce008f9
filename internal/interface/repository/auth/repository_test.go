package auth

import (
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"bumpproxy/internal/domain"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "auth.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func connectRequest(host, remoteAddr string) *http.Request {
	req := httptest.NewRequest(http.MethodConnect, "http://"+host, nil)
	req.Host = host
	req.RemoteAddr = remoteAddr
	return req
}

func TestAuthenticateBasic(t *testing.T) {
	path := writeConfig(t, `
users:
  - username: alice
    password: wonderland
blocked_ips: []
blocked_domains: []
`)

	repo, err := New(path, nil)
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}

	req := connectRequest("example.com:443", "10.0.0.1:50000")

	// 資格情報なしは407
	err = repo.Authenticate(req)
	var authRequired *domain.ErrAuthRequired
	if !errors.As(err, &authRequired) {
		t.Fatalf("expected ErrAuthRequired, got %v", err)
	}

	// 正しい資格情報は通る
	req.Header.Set("Proxy-Authorization",
		"Basic "+base64.StdEncoding.EncodeToString([]byte("alice:wonderland")))
	if err := repo.Authenticate(req); err != nil {
		t.Errorf("expected valid credentials to pass, got %v", err)
	}

	// 誤った資格情報は407
	req.Header.Set("Proxy-Authorization",
		"Basic "+base64.StdEncoding.EncodeToString([]byte("alice:nope")))
	if err := repo.Authenticate(req); !errors.As(err, &authRequired) {
		t.Errorf("expected ErrAuthRequired for bad password, got %v", err)
	}
}

func TestAuthenticateBlocklist(t *testing.T) {
	path := writeConfig(t, `
blocked_ips:
  - 192.0.2.7
blocked_domains:
  - blocked.example.com
  - "*.ads.example.com"
`)

	repo, err := New(path, nil)
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}

	var denied *domain.ErrAccessDenied

	// ブロック済みIP
	err = repo.Authenticate(connectRequest("example.com:443", "192.0.2.7:4000"))
	if !errors.As(err, &denied) {
		t.Errorf("expected blocked IP to be denied, got %v", err)
	}

	// ブロック済みドメイン
	err = repo.Authenticate(connectRequest("blocked.example.com:443", "10.0.0.1:4000"))
	if !errors.As(err, &denied) {
		t.Errorf("expected blocked domain to be denied, got %v", err)
	}

	// ワイルドカードドメイン
	err = repo.Authenticate(connectRequest("tracker.ads.example.com:443", "10.0.0.1:4000"))
	if !errors.As(err, &denied) {
		t.Errorf("expected wildcard domain to be denied, got %v", err)
	}

	// ブロック判定は403にマップされる
	if domain.StatusOf(err) != http.StatusForbidden {
		t.Errorf("expected 403, got %d", domain.StatusOf(err))
	}

	// ブロック外は通る (ユーザ未設定なら認証不要)
	if err := repo.Authenticate(connectRequest("example.com:443", "10.0.0.1:4000")); err != nil {
		t.Errorf("expected unblocked host to pass, got %v", err)
	}
}
