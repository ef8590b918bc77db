package api

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"rotation-service/internal/models"
)

// Stream manages WebSocket connections watching the on-call schedule. Every
// client receives the persisted state as a JSON frame on connect and again
// after each confirmed change.
type Stream struct {
	connections map[*websocket.Conn]bool
	mutex       sync.Mutex
	logger      *logrus.Logger
	upgrader    websocket.Upgrader
}

func NewStream(logger *logrus.Logger) *Stream {
	return &Stream{
		connections: make(map[*websocket.Conn]bool),
		logger:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The stream is read-only public schedule data; any origin may
			// subscribe.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handle upgrades the request and keeps the connection registered until the
// client goes away. The initial frame carries the current state so clients
// need no separate fetch.
func (s *Stream) Handle(state StateStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			s.logger.Errorf("WebSocket upgrade failed: %v", err)
			return
		}

		if current, err := state.Read(c.Request.Context()); err == nil {
			if err := conn.WriteJSON(current); err != nil {
				s.logger.Errorf("Failed to send initial schedule frame: %v", err)
				conn.Close()
				return
			}
		}

		if !s.addConnection(conn) {
			conn.Close()
			return
		}
		defer s.removeConnection(conn)

		// Drain client frames to observe the close; inbound payloads are
		// ignored.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}
}

// Broadcast sends the state to every connected client, dropping connections
// that fail to take the write.
func (s *Stream) Broadcast(current models.CurrentState) {
	if s == nil {
		return
	}
	message, err := json.Marshal(current)
	if err != nil {
		s.logger.Errorf("Failed to encode schedule broadcast: %v", err)
		return
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	for conn := range s.connections {
		if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
			s.logger.Errorf("Failed to send schedule update: %v", err)
			conn.Close()
			delete(s.connections, conn)
		}
	}
}

// Close drops every client, for shutdown.
func (s *Stream) Close() {
	if s == nil {
		return
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for conn := range s.connections {
		conn.Close()
		delete(s.connections, conn)
	}
}

func (s *Stream) addConnection(conn *websocket.Conn) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if len(s.connections) >= 64 {
		s.logger.Warnf("Max schedule stream connections reached, rejecting client")
		return false
	}
	s.connections[conn] = true
	s.logger.Infof("Added schedule stream connection (total: %d)", len(s.connections))
	return true
}

func (s *Stream) removeConnection(conn *websocket.Conn) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.connections, conn)
	conn.Close()
	s.logger.Infof("Removed schedule stream connection (remaining: %d)", len(s.connections))
}
