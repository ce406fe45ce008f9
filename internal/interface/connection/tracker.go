package connection

import (
	"sync"

	"bumpproxy/internal/domain"
)

// Tracker は確立済みの上流側接続をconnectionIdで管理する.
type Tracker struct {
	mu          sync.RWMutex
	connections map[string]*domain.Connection
}

// Verify interface implementation.
var _ domain.ConnectionTracker = (*Tracker)(nil)

// NewTracker は新しいTrackerインスタンスを作成.
func NewTracker() *Tracker {
	return &Tracker{
		connections: make(map[string]*domain.Connection),
	}
}

// Add は接続を追跡対象に登録する.
// マップに存在する間、そのソケットは未クローズであることが不変条件.
func (t *Tracker) Add(conn *domain.Connection) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connections[conn.ID] = conn
}

// Remove はソケットクローズ時に接続を追跡対象から外す.
func (t *Tracker) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.connections, id)
}

// Get はconnectionIdに対応する接続を返す.
func (t *Tracker) Get(id string) (*domain.Connection, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	conn, ok := t.connections[id]
	return conn, ok
}

// Count は追跡中の接続数を返す.
func (t *Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.connections)
}

// CloseAll は追跡中の全接続を破棄する.
func (t *Tracker) CloseAll() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, conn := range t.connections {
		if conn.Socket != nil {
			conn.Socket.Close()
		}
		delete(t.connections, id)
	}
	return nil
}
