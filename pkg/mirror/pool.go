package mirror

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// DefaultWriteWait bounds a single websocket write.
const DefaultWriteWait = 5 * time.Second

// ConnectionPool fans mirrored envelopes out to websocket watchers. A
// connection whose write fails or exceeds the write deadline is dropped.
type ConnectionPool struct {
	mu        sync.Mutex
	conns     map[*websocket.Conn]struct{}
	writeWait time.Duration
}

func NewConnectionPool() *ConnectionPool {
	return &ConnectionPool{conns: map[*websocket.Conn]struct{}{}, writeWait: DefaultWriteWait}
}

// SetWriteWait changes the per-write deadline.
func (cp *ConnectionPool) SetWriteWait(d time.Duration) {
	if cp == nil || d <= 0 {
		return
	}
	cp.mu.Lock()
	cp.writeWait = d
	cp.mu.Unlock()
}

func (cp *ConnectionPool) Add(conn *websocket.Conn) {
	if cp == nil || conn == nil {
		return
	}
	cp.mu.Lock()
	cp.conns[conn] = struct{}{}
	cp.mu.Unlock()
}

func (cp *ConnectionPool) Remove(conn *websocket.Conn) {
	if cp == nil || conn == nil {
		_ = closeConn(conn)
		return
	}
	cp.mu.Lock()
	delete(cp.conns, conn)
	cp.mu.Unlock()
	_ = closeConn(conn)
}

func (cp *ConnectionPool) Broadcast(data []byte) {
	if cp == nil || len(data) == 0 {
		return
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	for conn := range cp.conns {
		_ = conn.SetWriteDeadline(time.Now().Add(cp.writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Warn().Err(err).Str("component", "mirror").Msg("ws broadcast failed, dropping connection")
			delete(cp.conns, conn)
			_ = closeConn(conn)
		}
	}
}

func (cp *ConnectionPool) Count() int {
	if cp == nil {
		return 0
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.conns)
}

func (cp *ConnectionPool) CloseAll() {
	if cp == nil {
		return
	}
	cp.mu.Lock()
	for conn := range cp.conns {
		_ = closeConn(conn)
		delete(cp.conns, conn)
	}
	cp.mu.Unlock()
}

func closeConn(conn *websocket.Conn) error {
	if conn == nil {
		return nil
	}
	return conn.Close()
}
