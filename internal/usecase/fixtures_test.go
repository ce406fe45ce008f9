package usecase

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"
)

// fixtureUpstream はCONNECTを受けてエコーするテスト用上流プロキシ.
type fixtureUpstream struct {
	listener net.Listener

	mu           sync.Mutex
	accepted     int
	served       int
	connects     []*http.Request
	delay        time.Duration
	delayFirst   bool // 最初の接続だけ遅延させる
	connectionID string
}

func newFixtureUpstream(t *testing.T) *fixtureUpstream {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	f := &fixtureUpstream{listener: listener}
	t.Cleanup(func() { listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}

			f.mu.Lock()
			f.accepted++
			index := f.accepted
			f.mu.Unlock()

			go f.serve(conn, index)
		}
	}()

	return f
}

func (f *fixtureUpstream) serve(conn net.Conn, index int) {
	defer conn.Close()

	if f.delay > 0 && (!f.delayFirst || index == 1) {
		time.Sleep(f.delay)
	}

	req, err := http.ReadRequest(bufio.NewReader(conn))
	if err != nil || req.Method != http.MethodConnect {
		return
	}

	f.mu.Lock()
	f.connects = append(f.connects, req)
	f.mu.Unlock()

	io.WriteString(conn, "HTTP/1.1 200 OK\r\n")
	if f.connectionID != "" {
		io.WriteString(conn, "X-Connection-Id: "+f.connectionID+"\r\n")
	}
	io.WriteString(conn, "\r\n")

	f.mu.Lock()
	f.served++
	f.mu.Unlock()

	io.Copy(conn, conn)
}

func (f *fixtureUpstream) addr() string {
	return f.listener.Addr().String()
}

func (f *fixtureUpstream) servedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.served
}

func (f *fixtureUpstream) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.connects)
}

func (f *fixtureUpstream) lastConnect() *http.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.connects) == 0 {
		return nil
	}
	return f.connects[len(f.connects)-1]
}

// startEcho はバイトをそのまま返すTCPサーバを起動する.
func startEcho(t *testing.T) string {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	t.Cleanup(func() { listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c)
			}(conn)
		}
	}()

	return listener.Addr().String()
}

// startEngine はエンジンをエフェメラルポートで起動する.
func startEngine(t *testing.T, p *ProxyUseCase) string {
	t.Helper()

	if err := p.Start(0, "127.0.0.1"); err != nil {
		t.Fatalf("failed to start engine: %v", err)
	}
	t.Cleanup(func() { p.Shutdown(true) })

	return net.JoinHostPort(p.ServerAddress(), fmt.Sprintf("%d", p.ServerPort()))
}

// doConnect はエンジンへCONNECTを送り応答を読む.
// 戻り値のreaderはトンネルの読み取りに使う.
func doConnect(
	t *testing.T, proxyAddr, target string, headers map[string]string,
) (net.Conn, *bufio.Reader, *http.Response) {
	t.Helper()

	conn, err := net.DialTimeout("tcp", proxyAddr, 5*time.Second)
	if err != nil {
		t.Fatalf("failed to dial proxy: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n", target, target)
	for name, value := range headers {
		fmt.Fprintf(conn, "%s: %s\r\n", name, value)
	}
	io.WriteString(conn, "\r\n")

	reader := bufio.NewReader(conn)
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	resp, err := http.ReadResponse(reader, nil)
	if err != nil {
		t.Fatalf("failed to read CONNECT response: %v", err)
	}
	resp.Body.Close()
	conn.SetReadDeadline(time.Time{})

	return conn, reader, resp
}

// waitFor は条件が満たされるまでポーリングする.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}
