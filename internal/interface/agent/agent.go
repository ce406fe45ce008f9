package agent

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"time"

	"bumpproxy/internal/domain"
)

const defaultConnectTimeout = 10 * time.Second

// tunnelConn はCONNECT応答の読み残しを先に返すソケットラッパ.
type tunnelConn struct {
	net.Conn
	reader io.Reader
}

func (c *tunnelConn) Read(p []byte) (int, error) {
	return c.reader.Read(p)
}

// ConnectVia は上流プロキシへ接続しCONNECTトンネルを確立する.
// 戻り値のヘッダは上流の応答ヘッダ (X-Connection-Idの採用などに使う).
func ConnectVia(
	ctx context.Context,
	upstream *domain.Upstream,
	target string,
	headers http.Header,
	timeout time.Duration,
) (net.Conn, http.Header, error) {
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}

	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", upstream.Host)
	if err != nil {
		return nil, nil, &domain.ErrConnectionFailed{Upstream: upstream, Err: err}
	}

	deadline := time.Now().Add(timeout)
	conn.SetDeadline(deadline)

	// 上流プロキシ自体へのTLS
	if upstream.UseHTTPS {
		hostname, _ := domain.HostPort(upstream.Host, "443")
		tlsConn := tls.Client(conn, &tls.Config{ServerName: hostname})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, nil, &domain.ErrConnectionFailed{Upstream: upstream, Err: err}
		}
		conn = tlsConn
	}

	if err := writeConnectRequest(conn, upstream, target, headers); err != nil {
		conn.Close()
		return nil, nil, &domain.ErrConnectionFailed{Upstream: upstream, Err: err}
	}

	reader := bufio.NewReader(conn)
	resp, err := http.ReadResponse(reader, nil)
	if err != nil {
		conn.Close()
		return nil, nil, &domain.ErrConnectionFailed{Upstream: upstream, Err: err}
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, nil, &domain.ErrConnectionFailed{
			Upstream:   upstream,
			StatusCode: resp.StatusCode,
		}
	}

	conn.SetDeadline(time.Time{})
	if reader.Buffered() > 0 {
		conn = &tunnelConn{
			Conn:   conn,
			reader: io.MultiReader(io.LimitReader(reader, int64(reader.Buffered())), conn),
		}
	}
	return conn, resp.Header, nil
}

// writeConnectRequest はCONNECTリクエストを書き出す.
func writeConnectRequest(
	conn net.Conn, upstream *domain.Upstream, target string, headers http.Header,
) error {
	if _, err := fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n", target, target); err != nil {
		return err
	}

	if auth := upstream.ProxyAuthorization(); auth != "" {
		if _, err := fmt.Fprintf(conn, "Proxy-Authorization: %s\r\n", auth); err != nil {
			return err
		}
	}

	// 設定されたconnectHeadersを転送 (パーティショニングやアフィニティに使う)
	names := make([]string, 0, len(upstream.ConnectHeaders))
	for name := range upstream.ConnectHeaders {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, err := fmt.Fprintf(conn, "%s: %s\r\n", name, upstream.ConnectHeaders[name]); err != nil {
			return err
		}
	}

	for name, values := range headers {
		for _, value := range values {
			if _, err := fmt.Fprintf(conn, "%s: %s\r\n", name, value); err != nil {
				return err
			}
		}
	}

	_, err := io.WriteString(conn, "\r\n")
	return err
}

// NewHTTPTransport は上流プロキシ経由の平文HTTP用トランスポートを作成.
// リクエストは絶対形式のURIで送られ、認証情報があれば
// Proxy-Authorizationが付与される. keep-aliveは無効.
func NewHTTPTransport(upstream *domain.Upstream) *http.Transport {
	transport := &http.Transport{
		DisableKeepAlives: true,
	}
	if upstream != nil {
		transport.Proxy = http.ProxyURL(upstream.URL())
	}
	return transport
}

// NewTunnelTransport は上流プロキシへのCONNECTトンネル越しにTLSを張る
// HTTPS用トランスポートを作成.
func NewTunnelTransport(upstream *domain.Upstream, rootCAs *x509.CertPool) *http.Transport {
	return &http.Transport{
		DisableKeepAlives: true,
		DialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, _, err := ConnectVia(ctx, upstream, addr, nil, defaultConnectTimeout)
			if err != nil {
				return nil, err
			}

			hostname, _ := domain.HostPort(addr, "443")
			tlsConn := tls.Client(conn, &tls.Config{
				ServerName: hostname,
				RootCAs:    rootCAs,
				NextProtos: []string{"http/1.1"},
			})
			if err := tlsConn.HandshakeContext(ctx); err != nil {
				conn.Close()
				return nil, err
			}
			return tlsConn, nil
		},
	}
}
