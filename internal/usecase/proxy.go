package usecase

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"bumpproxy/internal/domain"
	"bumpproxy/internal/interface/agent"
	"bumpproxy/internal/interface/connection"
	"bumpproxy/internal/interface/repository/logger"
)

const (
	defaultConnectRetryInterval = 1 * time.Second
	defaultConnectTimeout       = 10 * time.Second
	relayBufferSize             = 32 * 1024

	// HTTPレベルの転送がレスポンス前に失敗した場合のステータス
	statusNetworkConnectTimeout = 599
)

// Config はプロキシエンジンの設定を表す.
type Config struct {
	DefaultUpstream      *domain.Upstream
	Logger               domain.Logger
	Metrics              domain.MetricsCollector
	Tracker              domain.ConnectionTracker
	MuteErrorCodes       []string
	WarnErrorCodes       []string
	ConnectRetryAttempts int
	ConnectRetryInterval time.Duration
	ConnectTimeout       time.Duration
}

// defaultMuteErrorCodes は相手側の正常なクローズに相当するため記録しない.
var defaultMuteErrorCodes = []string{
	domain.CodeBrokenPipe,
	domain.CodeStreamPremature,
	domain.CodeStreamDestroyed,
	domain.CodeConnectionReset,
	domain.CodeInvalidArgument,
}

// defaultWarnErrorCodes はWARNレベルに留めるコード.
var defaultWarnErrorCodes = []string{
	domain.CodeNotConnected,
	domain.CodeStreamWriteAfterEnd,
	domain.CodeProtocolError,
}

// ProxyUseCase はフォワードプロキシエンジンを実装.
// CONNECTとHTTPのディスパッチ、上流側接続の確立 (ヘッジ付きリトライ)、
// 接続追跡、双方向のバイト中継、エラー分類を担当する.
type ProxyUseCase struct {
	config  Config
	class   string
	logger  domain.Logger
	metrics domain.MetricsCollector
	tracker domain.ConnectionTracker
	events  *domain.Events

	// 差し替え可能なフック. 既定値はコンストラクタが与える.
	MatchRoute        func(host string, req *http.Request) *domain.Upstream
	Authenticate      func(req *http.Request) error
	GetCACertificates func() (*x509.CertPool, error)
	HandleConnect     func(w http.ResponseWriter, r *http.Request)

	server   *http.Server
	listener net.Listener

	mu              sync.Mutex
	defaultUpstream *domain.Upstream
	clientConns     map[net.Conn]struct{}
	muteCodes       map[string]bool
	warnCodes       map[string]bool
}

// NewProxyUseCase は新しいProxyUseCaseインスタンスを作成.
func NewProxyUseCase(config Config) *ProxyUseCase {
	if config.Logger == nil {
		config.Logger = logger.NewStdout()
	}
	if config.Metrics == nil {
		config.Metrics = nopMetrics{}
	}
	if config.Tracker == nil {
		config.Tracker = connection.NewTracker()
	}
	if config.ConnectRetryInterval <= 0 {
		config.ConnectRetryInterval = defaultConnectRetryInterval
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = defaultConnectTimeout
	}
	if config.MuteErrorCodes == nil {
		config.MuteErrorCodes = defaultMuteErrorCodes
	}
	if config.WarnErrorCodes == nil {
		config.WarnErrorCodes = defaultWarnErrorCodes
	}

	p := &ProxyUseCase{
		config:          config,
		class:           "ProxyUseCase",
		logger:          config.Logger,
		metrics:         config.Metrics,
		tracker:         config.Tracker,
		events:          domain.NewEvents(),
		defaultUpstream: config.DefaultUpstream,
		clientConns:     make(map[net.Conn]struct{}),
		muteCodes:       make(map[string]bool),
		warnCodes:       make(map[string]bool),
	}
	for _, code := range config.MuteErrorCodes {
		p.muteCodes[code] = true
	}
	for _, code := range config.WarnErrorCodes {
		p.warnCodes[code] = true
	}

	p.MatchRoute = func(host string, req *http.Request) *domain.Upstream {
		return p.DefaultUpstream()
	}
	p.Authenticate = func(req *http.Request) error { return nil }
	p.GetCACertificates = systemCertPool
	p.HandleConnect = p.handleTunnelConnect

	return p
}

// DefaultUpstream はmatchRouteが一致を返さない場合に使う上流を返す.
func (p *ProxyUseCase) DefaultUpstream() *domain.Upstream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.defaultUpstream
}

// SetDefaultUpstream は既定の上流を差し替える (設定リロード用).
func (p *ProxyUseCase) SetDefaultUpstream(upstream *domain.Upstream) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.defaultUpstream = upstream
}

// Events は型付きイベントレジストリを返す.
func (p *ProxyUseCase) Events() *domain.Events { return p.events }

// Tracker は接続追跡マップを返す.
func (p *ProxyUseCase) Tracker() domain.ConnectionTracker { return p.tracker }

// Start は待受を開始する.
func (p *ProxyUseCase) Start(port int, host string) error {
	if host == "" {
		host = "127.0.0.1"
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return &domain.ErrAddressInUse{Addr: addr, Err: err}
		}
		return err
	}

	p.listener = listener
	p.server = &http.Server{Handler: p}

	go func() {
		if err := p.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			p.logger.Error("Proxy server error", err, nil)
		}
	}()

	p.logger.Info("Proxy server listening", map[string]interface{}{
		"address": listener.Addr().String(),
	})
	return nil
}

// ServerAddress は待受中のホストを返す.
func (p *ProxyUseCase) ServerAddress() string {
	if p.listener == nil {
		return ""
	}
	host, _, _ := net.SplitHostPort(p.listener.Addr().String())
	return host
}

// ServerPort は待受中のポートを返す.
func (p *ProxyUseCase) ServerPort() int {
	if p.listener == nil {
		return 0
	}
	_, port, _ := net.SplitHostPort(p.listener.Addr().String())
	n, _ := strconv.Atoi(port)
	return n
}

// Shutdown は待受を停止する.
// forceの場合は追跡中のクライアントソケットを直ちに破棄し、
// 転送中のトンネルはリセットで終わる.
func (p *ProxyUseCase) Shutdown(force bool) error {
	if p.server == nil {
		return nil
	}

	if force {
		err := p.server.Close()
		p.closeAllSockets()
		p.tracker.CloseAll()
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return p.server.Shutdown(ctx)
}

// closeAllSockets はハイジャック済みの全クライアントソケットを破棄する.
func (p *ProxyUseCase) closeAllSockets() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for conn := range p.clientConns {
		conn.Close()
		delete(p.clientConns, conn)
	}
}

func (p *ProxyUseCase) trackClientConn(conn net.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clientConns[conn] = struct{}{}
}

func (p *ProxyUseCase) untrackClientConn(conn net.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.clientConns, conn)
}

// ServeHTTP はCONNECTとHTTPをディスパッチする.
func (p *ProxyUseCase) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		p.HandleConnect(w, r)
		return
	}
	p.handleHTTP(w, r)
}

// handleTunnelConnect は不透明なCONNECTトンネルを処理する.
func (p *ProxyUseCase) handleTunnelConnect(w http.ResponseWriter, r *http.Request) {
	p.metrics.RecordTunnel()

	if err := p.Authenticate(r); err != nil {
		p.metrics.RecordBlockedRequest()
		p.respondError(w, r, err)
		return
	}

	upstream := p.MatchRoute(r.Host, r)

	conn, err := p.ConnectWithRetry(r, upstream)
	if err != nil {
		p.OnError(err, p.errorDetails(r))
		p.respondError(w, r, err)
		return
	}

	clientConn, err := p.hijack(w)
	if err != nil {
		p.OnError(err, p.errorDetails(r))
		p.dropConnection(conn)
		return
	}
	p.trackClientConn(clientConn)
	defer p.untrackClientConn(clientConn)

	if _, err := fmt.Fprintf(clientConn, "HTTP/1.1 200 OK\r\nX-Connection-Id: %s\r\n\r\n", conn.ID); err != nil {
		p.OnError(err, p.errorDetails(r))
		p.dropConnection(conn)
		clientConn.Close()
		return
	}

	p.Relay(clientConn, conn, p.errorDetails(r))
}

// hijack はクライアントソケットを取り出す. 読み残しはソケットに前置する.
func (p *ProxyUseCase) hijack(w http.ResponseWriter) (net.Conn, error) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		return nil, fmt.Errorf("hijacking not supported")
	}
	conn, brw, err := hijacker.Hijack()
	if err != nil {
		return nil, err
	}
	if brw.Reader.Buffered() > 0 {
		conn = &bufferedConn{
			Conn:   conn,
			reader: io.MultiReader(io.LimitReader(brw.Reader, int64(brw.Reader.Buffered())), conn),
		}
	}
	return conn, nil
}

// bufferedConn はハイジャック時の読み残しを先に返すソケットラッパ.
type bufferedConn struct {
	net.Conn
	reader io.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.reader.Read(p)
}

// connectResult はヘッジ試行1回の結果.
type connectResult struct {
	conn *domain.Connection
	err  error
}

// ConnectWithRetry は上流側接続をヘッジ付きで確立する.
// 試行iはi*ConnectRetryInterval後に開始され、最初にconnectに達した
// ソケットが勝つ. 負けたソケットは到着し次第破棄される.
func (p *ProxyUseCase) ConnectWithRetry(
	r *http.Request, upstream *domain.Upstream,
) (*domain.Connection, error) {
	attempts := p.config.ConnectRetryAttempts + 1
	partitionID := r.Header.Get("X-Partition-Id")

	results := make(chan connectResult, attempts)
	cancel := make(chan struct{})
	var wg sync.WaitGroup

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(attempt int) {
			defer wg.Done()

			if attempt > 0 {
				timer := time.NewTimer(time.Duration(attempt) * p.config.ConnectRetryInterval)
				defer timer.Stop()
				select {
				case <-timer.C:
				case <-cancel:
					return
				}
			}

			p.events.EmitOutboundConnect(domain.OutboundConnectEvent{
				Req:      r,
				Upstream: upstream,
				Attempt:  attempt + 1,
			})

			conn, err := p.connectOnce(r.Context(), r.Host, upstream, partitionID)
			results <- connectResult{conn: conn, err: err}
		}(i)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var lastErr error
	for res := range results {
		if res.err == nil {
			close(cancel)
			go func() {
				for late := range results {
					if late.conn != nil {
						late.conn.Socket.Close()
					}
				}
			}()
			p.tracker.Add(res.conn)
			p.metrics.IncrementConnections()
			return res.conn, nil
		}
		lastErr = res.err
	}
	return nil, lastErr
}

// connectOnce は上流経由または直接の上流側接続を1回試行する.
func (p *ProxyUseCase) connectOnce(
	ctx context.Context, host string, upstream *domain.Upstream, partitionID string,
) (*domain.Connection, error) {
	hostname, port := domain.HostPort(host, "443")
	target := net.JoinHostPort(hostname, port)

	if upstream == nil {
		socket, err := net.DialTimeout("tcp", target, p.config.ConnectTimeout)
		if err != nil {
			if isTimeout(err) {
				return nil, &domain.ErrConnectionTimeout{}
			}
			return nil, &domain.ErrConnectionFailed{Err: err}
		}
		return &domain.Connection{
			ID:          newConnectionID(),
			PartitionID: partitionID,
			Socket:      socket,
			Host:        target,
		}, nil
	}

	var headers http.Header
	if partitionID != "" {
		headers = http.Header{}
		headers.Set("X-Partition-Id", partitionID)
	}

	socket, respHeader, err := agent.ConnectVia(ctx, upstream, target, headers, p.config.ConnectTimeout)
	if err != nil {
		if isTimeout(err) {
			return nil, &domain.ErrConnectionTimeout{Upstream: upstream}
		}
		return nil, err
	}

	// 上流がconnectionIdを与えた場合はそれを採用する.
	// チェーン越しに接続の同一性が伝播する.
	id := respHeader.Get("X-Connection-Id")
	if id == "" {
		id = newConnectionID()
	}

	return &domain.Connection{
		ID:          id,
		PartitionID: partitionID,
		Upstream:    upstream,
		Socket:      socket,
		Host:        target,
	}, nil
}

// dropConnection は確立済み接続を破棄して追跡から外す.
func (p *ProxyUseCase) dropConnection(conn *domain.Connection) {
	conn.Socket.Close()
	p.tracker.Remove(conn.ID)
	p.metrics.DecrementConnections()
}

// Relay はクライアントと上流側の間でバイトを双方向に中継する.
// どちらかが閉じるまで継続し、完了時に接続は追跡から外れる.
func (p *ProxyUseCase) Relay(
	clientConn net.Conn, conn *domain.Connection, details map[string]interface{},
) {
	defer p.dropConnection(conn)
	defer clientConn.Close()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		n := p.transfer(conn.Socket, clientConn, details)
		p.metrics.AddBytesRead(n)
	}()

	go func() {
		defer wg.Done()
		n := p.transfer(clientConn, conn.Socket, details)
		p.metrics.AddBytesWritten(n)
	}()

	wg.Wait()
}

// transfer は片方向の転送を行い、送信側をハーフクローズする.
func (p *ProxyUseCase) transfer(dst, src net.Conn, details map[string]interface{}) int64 {
	buf := make([]byte, relayBufferSize)
	n, err := io.CopyBuffer(dst, src, buf)
	if err != nil {
		p.OnError(err, details)
	}

	if cw, ok := dst.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
	} else {
		dst.Close()
	}
	return n
}

// handleHTTP は非CONNECTリクエストをHTTPレベルで転送する.
func (p *ProxyUseCase) handleHTTP(w http.ResponseWriter, r *http.Request) {
	p.metrics.RecordRequest()

	if err := p.Authenticate(r); err != nil {
		p.metrics.RecordBlockedRequest()
		p.respondError(w, r, err)
		return
	}

	if !r.URL.IsAbs() {
		http.Error(w, "request URI must be absolute", http.StatusBadRequest)
		return
	}

	upstream := p.MatchRoute(r.Host, r)

	outReq := r.Clone(r.Context())
	outReq.RequestURI = ""
	removeHopByHopHeaders(outReq.Header)

	transport := agent.NewHTTPTransport(upstream)
	resp, err := transport.RoundTrip(outReq)
	if err != nil {
		p.OnError(err, p.errorDetails(r))
		http.Error(w, err.Error(), httpFailureStatus(err))
		return
	}
	defer resp.Body.Close()

	removeHopByHopHeaders(resp.Header)
	domain.CopyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	n, err := io.Copy(w, resp.Body)
	p.metrics.AddBytesWritten(n)
	if err != nil {
		p.OnError(err, p.errorDetails(r))
	}
}

// OnError はエラーをmute/warn/errorに分類して記録する.
func (p *ProxyUseCase) OnError(err error, details map[string]interface{}) {
	code := domain.CodeOf(err)
	switch {
	case p.muteCodes[code]:
		return
	case p.warnCodes[code]:
		p.logger.Warn(err.Error(), details)
	default:
		p.metrics.RecordError()
		p.logger.Error("Proxy error", err, details)
		p.events.EmitError(domain.ErrorEvent{Err: err, Details: details})
	}
}

// errorDetails はエラーログに添えるコンテキストを組み立てる.
func (p *ProxyUseCase) errorDetails(r *http.Request) map[string]interface{} {
	return map[string]interface{}{
		"proxyClass": p.class,
		"method":     r.Method,
		"url":        r.URL.String(),
	}
}

// respondError はエラーをHTTPステータスにマップして応答する.
func (p *ProxyUseCase) respondError(w http.ResponseWriter, r *http.Request, err error) {
	var authRequired *domain.ErrAuthRequired
	if errors.As(err, &authRequired) {
		w.Header().Set("Proxy-Authenticate", `Basic realm="proxy"`)
	}
	http.Error(w, err.Error(), domain.StatusOf(err))
}

// httpFailureStatus はHTTP転送段階の失敗をステータスにマップする.
// 型付きエラーは自身のステータス、それ以外は599.
func httpFailureStatus(err error) int {
	var se interface{ Status() int }
	if errors.As(err, &se) {
		return se.Status()
	}
	return statusNetworkConnectTimeout
}

// systemCertPool はシステムのルート証明書を返す既定のフック実装.
func systemCertPool() (*x509.CertPool, error) {
	pool, err := x509.SystemCertPool()
	if err != nil {
		return x509.NewCertPool(), nil
	}
	return pool, nil
}

// isTimeout は接続確立のタイムアウトかどうかを判断.
func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// newConnectionID は64bit以上のエントロピーを持つ不透明なIDを生成.
func newConnectionID() string {
	return uuid.New().String()
}

// hopByHopHeaders はプロキシを越えて転送しないヘッダ.
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// removeHopByHopHeaders はhop-by-hopヘッダを取り除く.
func removeHopByHopHeaders(header http.Header) {
	for _, name := range header.Values("Connection") {
		header.Del(name)
	}
	for _, name := range hopByHopHeaders {
		header.Del(name)
	}
}

// nopMetrics はメトリクス未設定時のコレクタ.
type nopMetrics struct{}

func (nopMetrics) IncrementConnections()               {}
func (nopMetrics) DecrementConnections()               {}
func (nopMetrics) RecordRequest()                      {}
func (nopMetrics) RecordTunnel()                       {}
func (nopMetrics) AddBytesRead(int64)                  {}
func (nopMetrics) AddBytesWritten(int64)               {}
func (nopMetrics) RecordCertificateIssued()            {}
func (nopMetrics) RecordBlockedRequest()               {}
func (nopMetrics) RecordError()                        {}
func (nopMetrics) GetSnapshot() map[string]interface{} { return nil }
