// Package execstream broadcasts execution lifecycle and NodeResult events to
// WebSocket clients watching a single execution, so a UI can live-tail a run
// instead of polling GET /executions/{id} (spec.md §5 addition).
package execstream

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ocx/backend/internal/domain"
	"github.com/ocx/backend/internal/events"
)

// ExecutionEvent is one update pushed to clients streaming an execution.
type ExecutionEvent struct {
	Type        string              `json:"type"` // "execution_status", "node_result"
	ExecutionID string              `json:"executionId"`
	Timestamp   time.Time           `json:"timestamp"`
	Status      domain.ExecutionStatus `json:"status,omitempty"`
	NodeID      string              `json:"nodeId,omitempty"`
	NodeResult  *domain.NodeResult  `json:"nodeResult,omitempty"`
	Data        map[string]interface{} `json:"data,omitempty"`
}

// client is one subscriber's WebSocket connection, scoped to a single
// execution ID so broadcasts never cross tenants.
type client struct {
	conn        *websocket.Conn
	executionID string
}

// Streamer manages WebSocket connections for live execution tailing.
type Streamer struct {
	clients    map[*client]bool
	broadcast  chan ExecutionEvent
	register   chan *client
	unregister chan *client
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
}

// NewStreamer creates a new execution streamer.
func NewStreamer() *Streamer {
	return &Streamer{
		clients:    make(map[*client]bool),
		broadcast:  make(chan ExecutionEvent, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // any origin; the route is org-authenticated by AuthMiddleware upstream
			},
		},
	}
}

// Run starts the WebSocket hub. It must be run in its own goroutine for the
// lifetime of the process.
func (s *Streamer) Run() {
	for {
		select {
		case c := <-s.register:
			s.mu.Lock()
			s.clients[c] = true
			s.mu.Unlock()
			log.Printf("📡 execution stream client connected for %s (total: %d)", c.executionID, len(s.clients))

		case c := <-s.unregister:
			s.mu.Lock()
			if _, ok := s.clients[c]; ok {
				delete(s.clients, c)
				c.conn.Close()
			}
			s.mu.Unlock()
			log.Printf("📡 execution stream client disconnected (total: %d)", len(s.clients))

		case event := <-s.broadcast:
			s.mu.RLock()
			for c := range s.clients {
				if c.executionID != event.ExecutionID {
					continue
				}
				if err := c.conn.WriteJSON(event); err != nil {
					log.Printf("execution stream write error: %v", err)
					c.conn.Close()
					delete(s.clients, c)
				}
			}
			s.mu.RUnlock()
		}
	}
}

// HandleWebSocket upgrades GET /executions/{id}/stream to a WebSocket and
// registers the connection to receive only events for executionID.
func (s *Streamer) HandleWebSocket(w http.ResponseWriter, r *http.Request, executionID string) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("execution stream upgrade error: %v", err)
		return
	}

	c := &client{conn: conn, executionID: executionID}
	s.register <- c

	go func() {
		defer func() {
			s.unregister <- c
		}()

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// BroadcastEvent sends an event to every client watching its execution.
func (s *Streamer) BroadcastEvent(event ExecutionEvent) {
	event.Timestamp = time.Now()
	s.broadcast <- event
}

// StreamStatus broadcasts an execution status transition.
func (s *Streamer) StreamStatus(executionID string, status domain.ExecutionStatus) {
	s.BroadcastEvent(ExecutionEvent{
		Type:        "execution_status",
		ExecutionID: executionID,
		Status:      status,
	})
}

// StreamNodeResult broadcasts a single node's recorded result.
func (s *Streamer) StreamNodeResult(executionID, nodeID string, result domain.NodeResult) {
	s.BroadcastEvent(ExecutionEvent{
		Type:        "node_result",
		ExecutionID: executionID,
		NodeID:      nodeID,
		NodeResult:  &result,
	})
}

// GetStatistics returns streamer telemetry.
func (s *Streamer) GetStatistics() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return map[string]interface{}{
		"connected_clients": len(s.clients),
		"broadcast_queue":   len(s.broadcast),
	}
}

// statusByBusType maps the bus's execution-status CloudEvent types onto
// the domain.ExecutionStatus the event's data map should already carry.
var statusByBusType = map[string]domain.ExecutionStatus{
	events.EventExecutionStarted:   domain.ExecutionRunning,
	events.EventExecutionResumed:   domain.ExecutionRunning,
	events.EventExecutionWaiting:   domain.ExecutionWaiting,
	events.EventExecutionCompleted: domain.ExecutionCompleted,
	events.EventExecutionFailed:    domain.ExecutionFailed,
}

// Bridge subscribes to the EventBus and turns execution lifecycle CloudEvents
// into Streamer broadcasts, decoupling the Workflow Runtime from this
// package exactly as internal/webhookdispatch.Bridge does for outbound
// webhooks.
type Bridge struct {
	streamer *Streamer
	ch       chan *events.CloudEvent
	bus      *events.EventBus
}

// NewBridge subscribes to execution status and node-result event types and
// forwards them to streamer until Stop is called.
func NewBridge(bus *events.EventBus, streamer *Streamer) *Bridge {
	types := make([]string, 0, len(statusByBusType)+2)
	for t := range statusByBusType {
		types = append(types, t)
	}
	types = append(types, events.EventNodeStarted, events.EventNodeCompleted)

	ch := bus.Subscribe(types...)
	b := &Bridge{streamer: streamer, ch: ch, bus: bus}
	go b.run()
	return b
}

func (b *Bridge) run() {
	for ev := range b.ch {
		executionID, _ := ev.Data["executionId"].(string)
		if executionID == "" {
			continue
		}

		if status, ok := statusByBusType[ev.Type]; ok {
			b.streamer.StreamStatus(executionID, status)
			continue
		}

		// node.started / node.completed: emitted by the runtime's emitNode
		// with the node id and, on completion, the node's status in Data.
		nodeID, _ := ev.Data["nodeId"].(string)
		b.streamer.BroadcastEvent(ExecutionEvent{
			Type:        "node_result",
			ExecutionID: executionID,
			NodeID:      nodeID,
			Data:        ev.Data,
		})
	}
}

// Stop unsubscribes from the bus, ending the forwarding goroutine.
func (b *Bridge) Stop() {
	b.bus.Unsubscribe(b.ch)
}
