package relay

import (
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// ConnectionPool owns the open websocket connections of a hub. Every connection gets a
// bounded send buffer drained by its own writer goroutine; a connection whose buffer is
// full or whose write fails is dropped, so one slow client never stalls the others.
type ConnectionPool struct {
	mu           sync.Mutex
	conns        map[string]*pooledConn
	sendBuffer   int
	writeTimeout time.Duration
}

type pooledConn struct {
	id        string
	conn      wsConn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func NewConnectionPool(sendBuffer int, writeTimeout time.Duration) *ConnectionPool {
	if sendBuffer <= 0 {
		sendBuffer = 64
	}
	return &ConnectionPool{
		conns:        map[string]*pooledConn{},
		sendBuffer:   sendBuffer,
		writeTimeout: writeTimeout,
	}
}

func (cp *ConnectionPool) Add(id string, conn wsConn) {
	if cp == nil || conn == nil || id == "" {
		return
	}
	pc := &pooledConn{
		id:   id,
		conn: conn,
		send: make(chan []byte, cp.sendBuffer),
		done: make(chan struct{}),
	}
	cp.mu.Lock()
	if old, ok := cp.conns[id]; ok {
		old.close()
	}
	cp.conns[id] = pc
	cp.mu.Unlock()
	go cp.writeLoop(pc)
}

func (cp *ConnectionPool) Remove(id string) {
	if cp == nil {
		return
	}
	cp.mu.Lock()
	pc, ok := cp.conns[id]
	delete(cp.conns, id)
	cp.mu.Unlock()
	if ok {
		pc.close()
	}
}

// SendTo queues data for one connection. Unknown ids are ignored.
func (cp *ConnectionPool) SendTo(id string, data []byte) bool {
	if cp == nil || len(data) == 0 {
		return false
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	pc, ok := cp.conns[id]
	if !ok {
		return false
	}
	return cp.enqueueLocked(pc, data)
}

func (cp *ConnectionPool) Broadcast(data []byte) {
	if cp == nil || len(data) == 0 {
		return
	}
	cp.mu.Lock()
	for _, pc := range cp.conns {
		cp.enqueueLocked(pc, data)
	}
	cp.mu.Unlock()
}

func (cp *ConnectionPool) enqueueLocked(pc *pooledConn, data []byte) bool {
	select {
	case pc.send <- data:
		return true
	default:
		log.Warn().Str("component", "relay").Str("conn_id", pc.id).Msg("ws send buffer full, dropping connection")
		delete(cp.conns, pc.id)
		pc.close()
		return false
	}
}

func (cp *ConnectionPool) writeLoop(pc *pooledConn) {
	for {
		select {
		case <-pc.done:
			return
		case data := <-pc.send:
			if cp.writeTimeout > 0 {
				_ = pc.conn.SetWriteDeadline(time.Now().Add(cp.writeTimeout))
			}
			if err := pc.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Str("component", "relay").Str("conn_id", pc.id).Msg("ws send failed, dropping connection")
				cp.mu.Lock()
				if cur, ok := cp.conns[pc.id]; ok && cur == pc {
					delete(cp.conns, pc.id)
				}
				cp.mu.Unlock()
				pc.close()
				return
			}
		}
	}
}

func (cp *ConnectionPool) Has(id string) bool {
	if cp == nil {
		return false
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	_, ok := cp.conns[id]
	return ok
}

func (cp *ConnectionPool) Count() int {
	if cp == nil {
		return 0
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.conns)
}

func (cp *ConnectionPool) IDs() []string {
	if cp == nil {
		return nil
	}
	cp.mu.Lock()
	ids := make([]string, 0, len(cp.conns))
	for id := range cp.conns {
		ids = append(ids, id)
	}
	cp.mu.Unlock()
	sort.Strings(ids)
	return ids
}

func (cp *ConnectionPool) CloseAll() {
	if cp == nil {
		return
	}
	cp.mu.Lock()
	for id, pc := range cp.conns {
		delete(cp.conns, id)
		pc.close()
	}
	cp.mu.Unlock()
}

func (pc *pooledConn) close() {
	pc.closeOnce.Do(func() {
		close(pc.done)
		_ = pc.conn.Close()
	})
}
