package domain

import (
	"crypto/tls"
	"encoding/base64"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

// Upstream は上流プロキシを表す不変の値.
type Upstream struct {
	Host           string            `yaml:"host"`
	Username       string            `yaml:"username,omitempty"`
	Password       string            `yaml:"password,omitempty"`
	UseHTTPS       bool              `yaml:"use_https,omitempty"`
	ConnectHeaders map[string]string `yaml:"connect_headers,omitempty"`
}

// HasCredentials は認証情報が設定されているかを返す.
func (u *Upstream) HasCredentials() bool {
	return u != nil && u.Username != ""
}

// ProxyAuthorization はProxy-Authorizationヘッダの値を組み立てる.
func (u *Upstream) ProxyAuthorization() string {
	if !u.HasCredentials() {
		return ""
	}
	credentials := u.Username + ":" + u.Password
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(credentials))
}

// URL は上流プロキシのURLを組み立てる.
func (u *Upstream) URL() *url.URL {
	scheme := "http"
	if u.UseHTTPS {
		scheme = "https"
	}
	proxyURL := &url.URL{
		Scheme: scheme,
		Host:   u.Host,
	}
	if u.HasCredentials() {
		proxyURL.User = url.UserPassword(u.Username, u.Password)
	}
	return proxyURL
}

// Route はホストパターンと上流プロキシの対応を表す.
// Upstreamがnilの場合は直接接続を意味する.
type Route struct {
	Label       string    `yaml:"label"`
	HostPattern string    `yaml:"host_pattern"`
	Upstream    *Upstream `yaml:"upstream,omitempty"`

	pattern *regexp.Regexp
}

// Compile はホストパターンを大文字小文字を区別せずコンパイルする.
func (r *Route) Compile() error {
	pattern, err := regexp.Compile("(?i)" + r.HostPattern)
	if err != nil {
		return err
	}
	r.pattern = pattern
	return nil
}

// Matches はホストがパターンに一致するかを返す.
func (r *Route) Matches(host string) bool {
	if r.pattern == nil {
		if r.Compile() != nil {
			return false
		}
	}
	return r.pattern.MatchString(host)
}

// Connection は確立済みの上流側接続を表す.
type Connection struct {
	ID          string
	PartitionID string
	Upstream    *Upstream
	Socket      net.Conn
	Host        string
}

// ConnectionTracker は接続追跡のインターフェース.
type ConnectionTracker interface {
	Add(conn *Connection)
	Remove(id string)
	Get(id string) (*Connection, bool)
	Count() int
	CloseAll() error
}

// CertificateStore は証明書ストアのインターフェース.
type CertificateStore interface {
	Certificate(hostname string) (*tls.Certificate, error)
	TLSConfig(hostname string) (*tls.Config, error)
	CACertPEM() []byte
}

// Logger はロガーのインターフェース.
type Logger interface {
	Debug(msg string, fields map[string]interface{})
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, err error, fields map[string]interface{})
}

// MetricsCollector はメトリクス収集のインターフェース.
type MetricsCollector interface {
	IncrementConnections()
	DecrementConnections()
	RecordRequest()
	RecordTunnel()
	AddBytesRead(n int64)
	AddBytesWritten(n int64)
	RecordCertificateIssued()
	RecordBlockedRequest()
	RecordError()
	GetSnapshot() map[string]interface{}
}

// HostPort はホスト文字列をhostnameとportに分解する.
// ポートが無い場合はdefaultPortを補う.
func HostPort(host string, defaultPort string) (string, string) {
	hostname, port, err := net.SplitHostPort(host)
	if err != nil {
		return host, defaultPort
	}
	return hostname, port
}

// Hostname はhost:portからホスト名部分を取り出す.
func Hostname(host string) string {
	hostname, _, err := net.SplitHostPort(host)
	if err != nil {
		return host
	}
	return hostname
}

// ParentDomain は先頭ラベルを除いた親ドメインを返す.
// ラベルが1つしか無い場合は空文字列を返す.
func ParentDomain(hostname string) string {
	idx := strings.Index(hostname, ".")
	if idx == -1 || idx == len(hostname)-1 {
		return ""
	}
	return hostname[idx+1:]
}

// CopyHeader はヘッダをコピーする.
func CopyHeader(dst, src http.Header) {
	for key, values := range src {
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}
