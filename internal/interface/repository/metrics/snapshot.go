package metrics

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Snapshot はメトリクスのスナップショットを表す.
type Snapshot struct {
	Timestamp          time.Time `json:"timestamp"`
	StartTime          time.Time `json:"start_time"`
	CurrentConnections int64     `json:"current_connections"`
	TotalRequests      int64     `json:"total_requests"`
	TotalTunnels       int64     `json:"total_tunnels"`
	BytesRead          int64     `json:"bytes_read"`
	BytesWritten       int64     `json:"bytes_written"`
	CertificatesIssued int64     `json:"certificates_issued"`
	BlockedRequests    int64     `json:"blocked_requests"`
	Errors             int64     `json:"errors"`
	Uptime             string    `json:"uptime"`
}

// ToJSON はスナップショットをJSON形式に変換.
func (s *Snapshot) ToJSON() ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}

// ToPrometheus はスナップショットをPrometheus形式に変換.
func (s *Snapshot) ToPrometheus() string {
	var metrics []string

	metrics = append(metrics,
		fmt.Sprintf("# HELP proxy_current_connections Current number of tracked outbound connections\n"+
			"# TYPE proxy_current_connections gauge\n"+
			"proxy_current_connections %d", s.CurrentConnections),

		fmt.Sprintf("# HELP proxy_total_requests Total number of proxied HTTP requests\n"+
			"# TYPE proxy_total_requests counter\n"+
			"proxy_total_requests %d", s.TotalRequests),

		fmt.Sprintf("# HELP proxy_total_tunnels Total number of CONNECT tunnels\n"+
			"# TYPE proxy_total_tunnels counter\n"+
			"proxy_total_tunnels %d", s.TotalTunnels),

		fmt.Sprintf("# HELP proxy_bytes_read Total number of bytes read from clients\n"+
			"# TYPE proxy_bytes_read counter\n"+
			"proxy_bytes_read %d", s.BytesRead),

		fmt.Sprintf("# HELP proxy_bytes_written Total number of bytes written to clients\n"+
			"# TYPE proxy_bytes_written counter\n"+
			"proxy_bytes_written %d", s.BytesWritten),

		fmt.Sprintf("# HELP proxy_certificates_issued Total number of leaf certificates issued\n"+
			"# TYPE proxy_certificates_issued counter\n"+
			"proxy_certificates_issued %d", s.CertificatesIssued),

		fmt.Sprintf("# HELP proxy_blocked_requests Total number of blocked requests\n"+
			"# TYPE proxy_blocked_requests counter\n"+
			"proxy_blocked_requests %d", s.BlockedRequests),

		fmt.Sprintf("# HELP proxy_errors Total number of errors\n"+
			"# TYPE proxy_errors counter\n"+
			"proxy_errors %d", s.Errors),
	)

	return strings.Join(metrics, "\n\n") + "\n"
}
