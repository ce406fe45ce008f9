package domain

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"syscall"
)

// リレー中のエラーを分類するシンボリックなコード.
const (
	CodeBrokenPipe          = "EPIPE"
	CodeConnectionReset     = "ECONNRESET"
	CodeInvalidArgument     = "EINVAL"
	CodeNotConnected        = "ENOTCONN"
	CodeProtocolError       = "EPROTO"
	CodeTimedOut            = "ETIMEDOUT"
	CodeStreamPremature     = "ERR_STREAM_PREMATURE_CLOSE"
	CodeStreamDestroyed     = "ERR_STREAM_DESTROYED"
	CodeStreamWriteAfterEnd = "ERR_STREAM_WRITE_AFTER_END"
)

// ErrConnectionFailed は上流プロキシへのCONNECTが失敗したことを表す.
type ErrConnectionFailed struct {
	Upstream   *Upstream
	StatusCode int
	Err        error
}

func (e *ErrConnectionFailed) Error() string {
	host := "direct"
	if e.Upstream != nil {
		host = e.Upstream.Host
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("proxy connection failed: upstream %s replied %d", host, e.StatusCode)
	}
	return fmt.Sprintf("proxy connection failed: upstream %s: %v", host, e.Err)
}

func (e *ErrConnectionFailed) Unwrap() error { return e.Err }

// Status は上流の応答ステータスが400以上ならそれを返し、それ以外は502を返す.
func (e *ErrConnectionFailed) Status() int {
	if e.StatusCode >= http.StatusBadRequest {
		return e.StatusCode
	}
	return http.StatusBadGateway
}

// ErrConnectionTimeout は接続確立のタイムアウトを表す.
type ErrConnectionTimeout struct {
	Upstream *Upstream
}

func (e *ErrConnectionTimeout) Error() string {
	if e.Upstream != nil {
		return fmt.Sprintf("proxy connection timeout via upstream %s", e.Upstream.Host)
	}
	return "proxy connection timeout"
}

func (e *ErrConnectionTimeout) Status() int { return http.StatusBadGateway }

// ErrNotAuthorized はバンプ先のTLS検証失敗を表す.
type ErrNotAuthorized struct {
	Host string
	Err  error
}

func (e *ErrNotAuthorized) Error() string {
	return fmt.Sprintf("remote connection not authorized: %s: %v", e.Host, e.Err)
}

func (e *ErrNotAuthorized) Unwrap() error { return e.Err }

func (e *ErrNotAuthorized) Status() int { return http.StatusBadGateway }

// ErrAccessDenied はアクセス拒否を表す.
type ErrAccessDenied struct {
	ClientIP string
	Host     string
}

func (e *ErrAccessDenied) Error() string {
	return fmt.Sprintf("access not allowed for client %s to host %s", e.ClientIP, e.Host)
}

func (e *ErrAccessDenied) Status() int { return http.StatusForbidden }

// ErrAuthRequired はプロキシ認証の要求を表す.
type ErrAuthRequired struct{}

func (e *ErrAuthRequired) Error() string { return "proxy authentication required" }

func (e *ErrAuthRequired) Status() int { return http.StatusProxyAuthRequired }

// ErrAddressInUse は待受アドレスの使用中を表す.
type ErrAddressInUse struct {
	Addr string
	Err  error
}

func (e *ErrAddressInUse) Error() string {
	return fmt.Sprintf("address already in use: %s: %v", e.Addr, e.Err)
}

func (e *ErrAddressInUse) Unwrap() error { return e.Err }

// statusError はHTTPステータスを持つエラー.
type statusError interface {
	Status() int
}

// StatusOf はエラーに対応するHTTPステータスを返す. 既定は502.
func StatusOf(err error) int {
	var se statusError
	if errors.As(err, &se) {
		return se.Status()
	}
	return http.StatusBadGateway
}

// CodeOf はエラーをシンボリックなコードに分類する.
// 分類できない場合は空文字列を返す.
func CodeOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, syscall.EPIPE):
		return CodeBrokenPipe
	case errors.Is(err, syscall.ECONNRESET):
		return CodeConnectionReset
	case errors.Is(err, syscall.ENOTCONN):
		return CodeNotConnected
	case errors.Is(err, syscall.EPROTO):
		return CodeProtocolError
	case errors.Is(err, syscall.EINVAL):
		return CodeInvalidArgument
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.ErrClosedPipe):
		return CodeStreamDestroyed
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		return CodeStreamPremature
	case errors.Is(err, os.ErrDeadlineExceeded):
		return CodeTimedOut
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CodeTimedOut
	}
	return ""
}
