package usecase

import (
	"bufio"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"bumpproxy/internal/domain"
)

const tlsNegotiateTimeout = 60 * time.Second

// BumpProxy はCONNECTトンネルをTLSで再終端し、復号した通信を
// HTTPレベルで検査・転送できるようにするエンジン.
// 生きているバンプ済みセッションにはTLSコンテキストが常に2つ存在する:
// クライアント側のサーバTLSと、オリジン/上流側のクライアントTLS.
type BumpProxy struct {
	*ProxyUseCase

	certs domain.CertificateStore

	// HandleTLS は復号済みの両端を受け取るフック.
	// 差し替えることでリクエスト書き換えやレスポンス偽装ができる.
	HandleTLS func(tlsClient, tlsRemote net.Conn, connectReq *http.Request)
}

// NewBumpProxy は新しいBumpProxyインスタンスを作成.
func NewBumpProxy(config Config, certs domain.CertificateStore) *BumpProxy {
	b := &BumpProxy{
		ProxyUseCase: NewProxyUseCase(config),
		certs:        certs,
	}
	b.class = "BumpProxy"
	b.HandleConnect = b.handleBumpConnect
	b.HandleTLS = b.passthroughTLS
	b.GetCACertificates = b.caCertificates
	return b
}

// caCertificates はシステムルートに自前のCA証明書を加えて返す.
// リーフ署名に使うCAを注入することで、チェーンしたバンプ同士が
// 互いを信頼できる.
func (b *BumpProxy) caCertificates() (*x509.CertPool, error) {
	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}
	pool.AppendCertsFromPEM(b.certs.CACertPEM())
	return pool, nil
}

// handleBumpConnect はCONNECTをバンプする.
func (b *BumpProxy) handleBumpConnect(w http.ResponseWriter, r *http.Request) {
	b.metrics.RecordTunnel()

	if err := b.Authenticate(r); err != nil {
		b.metrics.RecordBlockedRequest()
		b.respondError(w, r, err)
		return
	}

	upstream := b.MatchRoute(r.Host, r)

	conn, err := b.ConnectWithRetry(r, upstream)
	if err != nil {
		b.OnError(err, b.errorDetails(r))
		b.respondError(w, r, err)
		return
	}

	hostname, _ := domain.HostPort(r.Host, "443")

	// 外向きのTLSを先に張る. ブリッジ確立前の失敗は平文の
	// クライアントソケットにステータスで応答できる.
	tlsRemote, err := b.negotiateTLS(conn.Socket, hostname)
	if err != nil {
		b.OnError(err, b.errorDetails(r))
		b.dropConnection(conn)
		b.respondError(w, r, err)
		return
	}

	serverConfig, err := b.certs.TLSConfig(hostname)
	if err != nil {
		b.OnError(err, b.errorDetails(r))
		tlsRemote.Close()
		b.dropConnection(conn)
		b.respondError(w, r, err)
		return
	}

	clientConn, err := b.hijack(w)
	if err != nil {
		b.OnError(err, b.errorDetails(r))
		tlsRemote.Close()
		b.dropConnection(conn)
		return
	}
	b.trackClientConn(clientConn)
	defer b.untrackClientConn(clientConn)

	// 200は平文ソケットに返し、その上でハンドシェイクが始まる
	if _, err := fmt.Fprintf(clientConn, "HTTP/1.1 200 OK\r\nX-Connection-Id: %s\r\n\r\n", conn.ID); err != nil {
		b.OnError(err, b.errorDetails(r))
		tlsRemote.Close()
		b.dropConnection(conn)
		clientConn.Close()
		return
	}

	tlsClient := tls.Server(clientConn, serverConfig)
	tlsClient.SetDeadline(time.Now().Add(tlsNegotiateTimeout))
	if err := tlsClient.Handshake(); err != nil {
		b.OnError(err, b.errorDetails(r))
		tlsRemote.Close()
		b.dropConnection(conn)
		tlsClient.Close()
		return
	}
	tlsClient.SetDeadline(time.Time{})

	defer func() {
		tlsClient.Close()
		tlsRemote.Close()
		b.dropConnection(conn)
	}()

	b.HandleTLS(tlsClient, tlsRemote, r)
}

// negotiateTLS は上流側ソケットをクライアントTLSで包む.
// 検証に失敗した相手は破棄してErrNotAuthorizedを返す.
func (b *BumpProxy) negotiateTLS(socket net.Conn, hostname string) (*tls.Conn, error) {
	roots, err := b.GetCACertificates()
	if err != nil {
		return nil, err
	}

	tlsConn := tls.Client(socket, &tls.Config{
		ServerName: hostname,
		RootCAs:    roots,
		NextProtos: []string{"http/1.1"},
	})

	tlsConn.SetDeadline(time.Now().Add(tlsNegotiateTimeout))
	if err := tlsConn.Handshake(); err != nil {
		tlsConn.Close()
		var verifyErr *tls.CertificateVerificationError
		if errors.As(err, &verifyErr) {
			return nil, &domain.ErrNotAuthorized{Host: hostname, Err: err}
		}
		return nil, &domain.ErrConnectionFailed{Err: err}
	}
	tlsConn.SetDeadline(time.Time{})

	return tlsConn, nil
}

// passthroughTLS は既定のHandleTLS実装.
// 復号済みのクライアント側からHTTP/1.1リクエストを読み取り、
// オリジン形式のヘッドを再構成して上流側TLSへ流し、
// レスポンスをクライアントへ書き戻す. どちらかが閉じるまで続く.
func (b *BumpProxy) passthroughTLS(tlsClient, tlsRemote net.Conn, connectReq *http.Request) {
	details := b.errorDetails(connectReq)
	clientReader := bufio.NewReader(tlsClient)
	remoteReader := bufio.NewReader(tlsRemote)

	for {
		req, err := http.ReadRequest(clientReader)
		if err != nil {
			if err != io.EOF {
				b.OnError(err, details)
			}
			halfClose(tlsRemote)
			return
		}
		b.metrics.RecordRequest()

		if err := req.Write(tlsRemote); err != nil {
			b.OnError(err, details)
			return
		}

		resp, err := http.ReadResponse(remoteReader, req)
		if err != nil {
			b.OnError(err, details)
			io.WriteString(tlsClient, "HTTP/1.1 502 Bad Gateway\r\nContent-Length: 0\r\n\r\n")
			return
		}

		err = resp.Write(tlsClient)
		resp.Body.Close()
		if err != nil {
			b.OnError(err, details)
			return
		}

		if req.Close || resp.Close {
			halfClose(tlsRemote)
			return
		}
	}
}

// halfClose は書き込み側をハーフクローズする.
func halfClose(conn net.Conn) {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
	}
}
