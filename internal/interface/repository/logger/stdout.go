package logger

import (
	"os"
	"sync"

	"bumpproxy/internal/domain"
)

// Stdout は標準出力へ書くロガー.
// エンジンのデフォルトシンクとして使う.
type Stdout struct {
	mu sync.Mutex
}

var _ domain.Logger = (*Stdout)(nil)

// NewStdout は新しいStdoutロガーを作成.
func NewStdout() *Stdout {
	return &Stdout{}
}

func (s *Stdout) Debug(msg string, fields map[string]interface{}) {
	s.write(NewLogEntry(DEBUG, msg, nil, fields))
}

func (s *Stdout) Info(msg string, fields map[string]interface{}) {
	s.write(NewLogEntry(INFO, msg, nil, fields))
}

func (s *Stdout) Warn(msg string, fields map[string]interface{}) {
	s.write(NewLogEntry(WARN, msg, nil, fields))
}

func (s *Stdout) Error(msg string, err error, fields map[string]interface{}) {
	s.write(NewLogEntry(ERROR, msg, err, fields))
}

func (s *Stdout) write(entry *LogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	os.Stdout.WriteString(entry.Format())
}
