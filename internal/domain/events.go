package domain

import (
	"net/http"
	"sync"
)

// OutboundConnectEvent は上流側接続の試行ごとに発火する.
type OutboundConnectEvent struct {
	Req      *http.Request
	Upstream *Upstream
	Attempt  int
}

// CertificateIssuedEvent はリーフ証明書の発行時に発火する.
type CertificateIssuedEvent struct {
	Hostname string
	PEM      []byte
}

// ErrorEvent はエラー分類後に発火する.
type ErrorEvent struct {
	Err     error
	Details map[string]interface{}
}

// Events は型付きのオブザーバレジストリ.
// 文字列キーのイベントエミッタの代わりに購読用コールバックを束ねる.
type Events struct {
	mu                sync.RWMutex
	outboundConnect   []func(OutboundConnectEvent)
	certificateIssued []func(CertificateIssuedEvent)
	errors            []func(ErrorEvent)
}

// NewEvents は新しいEventsインスタンスを作成.
func NewEvents() *Events {
	return &Events{}
}

// OnOutboundConnect は接続試行イベントの購読を登録する.
func (e *Events) OnOutboundConnect(fn func(OutboundConnectEvent)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.outboundConnect = append(e.outboundConnect, fn)
}

// OnCertificateIssued は証明書発行イベントの購読を登録する.
func (e *Events) OnCertificateIssued(fn func(CertificateIssuedEvent)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.certificateIssued = append(e.certificateIssued, fn)
}

// OnError はエラーイベントの購読を登録する.
func (e *Events) OnError(fn func(ErrorEvent)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errors = append(e.errors, fn)
}

// EmitOutboundConnect は接続試行イベントを通知する.
func (e *Events) EmitOutboundConnect(event OutboundConnectEvent) {
	e.mu.RLock()
	subscribers := e.outboundConnect
	e.mu.RUnlock()
	for _, fn := range subscribers {
		fn(event)
	}
}

// EmitCertificateIssued は証明書発行イベントを通知する.
func (e *Events) EmitCertificateIssued(event CertificateIssuedEvent) {
	e.mu.RLock()
	subscribers := e.certificateIssued
	e.mu.RUnlock()
	for _, fn := range subscribers {
		fn(event)
	}
}

// EmitError はエラーイベントを通知する.
func (e *Events) EmitError(event ErrorEvent) {
	e.mu.RLock()
	subscribers := e.errors
	e.mu.RUnlock()
	for _, fn := range subscribers {
		fn(event)
	}
}
