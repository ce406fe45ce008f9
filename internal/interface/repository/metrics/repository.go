package metrics

import (
	"encoding/json"
	"os"
	"time"

	"go.uber.org/atomic"

	"bumpproxy/internal/domain"
)

// Repository はメトリクスのリポジトリ実装.
type Repository struct {
	metricsFile  string
	startTime    time.Time
	connections  atomic.Int64
	requests     atomic.Int64
	tunnels      atomic.Int64
	bytesRead    atomic.Int64
	bytesWritten atomic.Int64
	certsIssued  atomic.Int64
	blocked      atomic.Int64
	errors       atomic.Int64
}

// インターフェースの実装を検証
var _ domain.MetricsCollector = (*Repository)(nil)

// New は新しいRepositoryインスタンスを作成.
func New(metricsFile string) *Repository {
	return &Repository{
		metricsFile: metricsFile,
		startTime:   time.Now(),
	}
}

// SaveMetrics はスナップショットをファイルに保存.
func (r *Repository) SaveMetrics(snapshot *Snapshot) error {
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}

	tempFile := r.metricsFile + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return err
	}

	return os.Rename(tempFile, r.metricsFile)
}

// 以下、MetricsCollector インターフェースの実装

func (r *Repository) IncrementConnections() { r.connections.Inc() }

func (r *Repository) DecrementConnections() { r.connections.Dec() }

func (r *Repository) RecordRequest() { r.requests.Inc() }

func (r *Repository) RecordTunnel() { r.tunnels.Inc() }

func (r *Repository) AddBytesRead(n int64) { r.bytesRead.Add(n) }

func (r *Repository) AddBytesWritten(n int64) { r.bytesWritten.Add(n) }

func (r *Repository) RecordCertificateIssued() { r.certsIssued.Inc() }

func (r *Repository) RecordBlockedRequest() { r.blocked.Inc() }

func (r *Repository) RecordError() { r.errors.Inc() }

func (r *Repository) GetSnapshot() map[string]interface{} {
	return map[string]interface{}{
		"timestamp":           time.Now(),
		"start_time":          r.startTime,
		"current_connections": r.connections.Load(),
		"total_requests":      r.requests.Load(),
		"total_tunnels":       r.tunnels.Load(),
		"bytes_read":          r.bytesRead.Load(),
		"bytes_written":       r.bytesWritten.Load(),
		"certificates_issued": r.certsIssued.Load(),
		"blocked_requests":    r.blocked.Load(),
		"errors":              r.errors.Load(),
		"uptime":              time.Since(r.startTime).String(),
	}
}

// Snapshot は現在の値からスナップショットを構築.
func (r *Repository) Snapshot() *Snapshot {
	return &Snapshot{
		Timestamp:          time.Now(),
		StartTime:          r.startTime,
		CurrentConnections: r.connections.Load(),
		TotalRequests:      r.requests.Load(),
		TotalTunnels:       r.tunnels.Load(),
		BytesRead:          r.bytesRead.Load(),
		BytesWritten:       r.bytesWritten.Load(),
		CertificatesIssued: r.certsIssued.Load(),
		BlockedRequests:    r.blocked.Load(),
		Errors:             r.errors.Load(),
		Uptime:             time.Since(r.startTime).String(),
	}
}
