package auth

import (
	"encoding/base64"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"bumpproxy/internal/domain"
)

// User はプロキシ利用者の認証情報を表す.
type User struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// AccessConfig はアクセス制御設定の構造を定義.
type AccessConfig struct {
	Users          []User   `yaml:"users,omitempty"`
	BlockedIPs     []string `yaml:"blocked_ips"`
	BlockedDomains []string `yaml:"blocked_domains"`
}

// Repository はプロキシ認証とブロックリストのリポジトリ実装.
// Authenticateフックとしてエンジンに差し込んで使う.
type Repository struct {
	mu             sync.RWMutex
	configFile     string
	users          map[string]string
	blockedIPs     map[string]bool
	blockedDomains map[string]bool
	logger         domain.Logger
}

// New は新しいRepositoryインスタンスを作成.
func New(configFile string, log domain.Logger) (*Repository, error) {
	r := &Repository{
		configFile:     configFile,
		users:          make(map[string]string),
		blockedIPs:     make(map[string]bool),
		blockedDomains: make(map[string]bool),
		logger:         log,
	}

	if err := r.loadConfig(); err != nil {
		return nil, err
	}

	go r.watchConfig()

	return r, nil
}

// Authenticate はProxy-Authorizationとブロックリストを検査する.
// 失敗はステータス付きのエラーで返り、エンジンがそのまま応答に使う.
func (r *Repository) Authenticate(req *http.Request) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clientIP := req.RemoteAddr
	if host, _, err := net.SplitHostPort(clientIP); err == nil {
		clientIP = host
	}
	host := domain.Hostname(req.Host)

	if r.isBlocked(clientIP, host) {
		return &domain.ErrAccessDenied{ClientIP: clientIP, Host: host}
	}

	if len(r.users) == 0 {
		return nil
	}

	username, password, ok := parseBasicAuth(req.Header.Get("Proxy-Authorization"))
	if !ok {
		return &domain.ErrAuthRequired{}
	}
	if expected, exists := r.users[username]; !exists || expected != password {
		return &domain.ErrAuthRequired{}
	}
	return nil
}

// isBlocked はIPまたはドメインがブロックされているか確認.
func (r *Repository) isBlocked(clientIP, host string) bool {
	if r.blockedIPs[clientIP] {
		return true
	}

	host = strings.ToLower(host)
	if r.blockedDomains[host] {
		return true
	}

	// ワイルドカードドメインのチェック
	parts := strings.Split(host, ".")
	for i := 0; i < len(parts)-1; i++ {
		wildcard := "*." + strings.Join(parts[i+1:], ".")
		if r.blockedDomains[wildcard] {
			return true
		}
	}

	return false
}

// Reload は設定を再読み込み.
func (r *Repository) Reload() error {
	return r.loadConfig()
}

// loadConfig は設定ファイルから設定を読み込む.
func (r *Repository) loadConfig() error {
	data, err := os.ReadFile(r.configFile)
	if err != nil {
		if os.IsNotExist(err) {
			defaultConfig := AccessConfig{
				BlockedIPs:     []string{},
				BlockedDomains: []string{},
			}
			data, err = yaml.Marshal(defaultConfig)
			if err != nil {
				return err
			}
			if err := os.WriteFile(r.configFile, data, 0644); err != nil {
				return err
			}
		} else {
			return err
		}
	}

	var config AccessConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return err
	}

	newUsers := make(map[string]string)
	for _, user := range config.Users {
		newUsers[user.Username] = user.Password
	}

	newBlockedIPs := make(map[string]bool)
	for _, ip := range config.BlockedIPs {
		newBlockedIPs[strings.TrimSpace(ip)] = true
	}

	newBlockedDomains := make(map[string]bool)
	for _, blocked := range config.BlockedDomains {
		newBlockedDomains[strings.ToLower(strings.TrimSpace(blocked))] = true
	}

	r.mu.Lock()
	r.users = newUsers
	r.blockedIPs = newBlockedIPs
	r.blockedDomains = newBlockedDomains
	r.mu.Unlock()

	if r.logger != nil {
		r.logger.Info("Loaded access config", map[string]interface{}{
			"users":           len(newUsers),
			"blocked_ips":     len(newBlockedIPs),
			"blocked_domains": len(newBlockedDomains),
		})
	}
	return nil
}

// watchConfig は設定ファイルの変更を監視.
func (r *Repository) watchConfig() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	var lastModTime time.Time
	for range ticker.C {
		stat, err := os.Stat(r.configFile)
		if err != nil {
			continue
		}

		if stat.ModTime().After(lastModTime) {
			if err := r.loadConfig(); err != nil {
				if r.logger != nil {
					r.logger.Error("Failed to reload access config", err, nil)
				}
				continue
			}
			lastModTime = stat.ModTime()
		}
	}
}

// parseBasicAuth はBasic認証のヘッダ値を分解する.
func parseBasicAuth(value string) (username, password string, ok bool) {
	const prefix = "Basic "
	if !strings.HasPrefix(value, prefix) {
		return "", "", false
	}

	decoded, err := base64.StdEncoding.DecodeString(value[len(prefix):])
	if err != nil {
		return "", "", false
	}

	parts := strings.SplitN(string(decoded), ":", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}
