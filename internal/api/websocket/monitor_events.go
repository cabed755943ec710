package websocket

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/campuskit/campus-admin-backend/internal/domain/audit"
	"github.com/campuskit/campus-admin-backend/internal/domain/security"
	"github.com/campuskit/campus-admin-backend/internal/metrics"
)

// MonitoringRoom is the shared room every dashboard subscriber joins on
// connect.
const MonitoringRoom = "monitoring"

// MessageKind identifies the broadcast payload type.
type MessageKind string

const (
	KindConnected      MessageKind = "connected"
	KindSecurityEvent  MessageKind = "security_event"
	KindAuditLogUpdate MessageKind = "audit_log_update"
	KindIncidentUpdate MessageKind = "incident_update"
)

// SecurityEventType classifies a security-event broadcast.
type SecurityEventType string

const (
	SecurityEventAnomaly  SecurityEventType = "ANOMALY"
	SecurityEventIncident SecurityEventType = "INCIDENT"
	SecurityEventAlert    SecurityEventType = "ALERT"
	SecurityEventBreach   SecurityEventType = "BREACH"
)

// Message is one frame delivered to room subscribers. There is no
// ordering guarantee relative to storage writes; consumers reconcile
// with a fresh query when they need precision.
type Message struct {
	ID        string      `json:"id"`
	Kind      MessageKind `json:"kind"`
	Room      string      `json:"room"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
}

// SecurityEventPayload carries a severity-graded security notification.
type SecurityEventPayload struct {
	Type      SecurityEventType `json:"type"`
	Severity  security.Severity `json:"severity"`
	Reason    string            `json:"reason"`
	Score     float64           `json:"score"`
	Source    string            `json:"source,omitempty"`
	UserID    *uuid.UUID        `json:"user_id,omitempty"`
	IPAddress string            `json:"ip_address,omitempty"`
	EventID   *uuid.UUID        `json:"event_id,omitempty"`
}

// AuditLogUpdatePayload announces a new or changed audit log row.
type AuditLogUpdatePayload struct {
	EventID  uuid.UUID      `json:"event_id"`
	Action   audit.Action   `json:"action"`
	Resource audit.Resource `json:"resource"`
	Status   audit.Status   `json:"status"`
}

// IncidentUpdatePayload announces an incident lifecycle change.
type IncidentUpdatePayload struct {
	EventID        uuid.UUID            `json:"event_id"`
	IncidentStatus audit.IncidentStatus `json:"incident_status"`
	Priority       *audit.Priority      `json:"priority,omitempty"`
	AssignedTo     *uuid.UUID           `json:"assigned_to,omitempty"`
}

// MonitorHub fans broadcasts out to subscribed dashboard sessions. All
// emission paths are fire-and-forget: a nil hub is a silent no-op, a
// full hub queue drops the message, and no emission ever returns an
// error to the caller.
type MonitorHub struct {
	logger  *zap.Logger
	metrics *metrics.Registry

	subscribers atomic.Int64

	clients    map[uuid.UUID]*Client
	register   chan *Client
	unregister chan *Client
	broadcast  chan *Message
	done       chan struct{}
}

// NewMonitorHub creates a monitor event hub. reg may be nil.
func NewMonitorHub(logger *zap.Logger, reg *metrics.Registry) *MonitorHub {
	return &MonitorHub{
		logger:     logger,
		metrics:    reg,
		clients:    make(map[uuid.UUID]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *Message, 256),
		done:       make(chan struct{}),
	}
}

// Run processes registrations and broadcasts until the hub stops.
func (h *MonitorHub) Run() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			h.closeAll()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		case msg := <-h.broadcast:
			h.deliver(msg)
		case <-ticker.C:
			h.pingClients()
		}
	}
}

// Stop shuts the hub down and disconnects all subscribers.
func (h *MonitorHub) Stop() {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}

// BroadcastSecurityEvent emits a security-event frame to the monitoring room.
func (h *MonitorHub) BroadcastSecurityEvent(payload SecurityEventPayload) {
	h.emit(&Message{
		ID:        uuid.New().String(),
		Kind:      KindSecurityEvent,
		Room:      MonitoringRoom,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	})
}

// BroadcastAuditLogUpdate emits an audit-log-update frame.
func (h *MonitorHub) BroadcastAuditLogUpdate(payload AuditLogUpdatePayload) {
	h.emit(&Message{
		ID:        uuid.New().String(),
		Kind:      KindAuditLogUpdate,
		Room:      MonitoringRoom,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	})
}

// BroadcastIncidentUpdate emits an incident-update frame.
func (h *MonitorHub) BroadcastIncidentUpdate(payload IncidentUpdatePayload) {
	h.emit(&Message{
		ID:        uuid.New().String(),
		Kind:      KindIncidentUpdate,
		Room:      MonitoringRoom,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	})
}

func (h *MonitorHub) emit(msg *Message) {
	if h == nil {
		return
	}
	select {
	case <-h.done:
	case h.broadcast <- msg:
	default:
		h.logger.Warn("broadcast queue full, dropping message",
			zap.String("kind", string(msg.Kind)))
	}
}

// RegisterClient hands a new connection to the hub loop.
func (h *MonitorHub) RegisterClient(client *Client) {
	select {
	case <-h.done:
	case h.register <- client:
	}
}

// UnregisterClient removes a connection.
func (h *MonitorHub) UnregisterClient(client *Client) {
	select {
	case <-h.done:
	case h.unregister <- client:
	}
}

func (h *MonitorHub) addClient(client *Client) {
	h.clients[client.ID] = client
	h.subscribers.Store(int64(len(h.clients)))
	client.joinRoom(MonitoringRoom)

	// Connected acknowledgment goes to the new subscriber only.
	client.trySend(&Message{
		ID:        uuid.New().String(),
		Kind:      KindConnected,
		Room:      MonitoringRoom,
		Timestamp: time.Now().UTC(),
	})

	h.logger.Info("monitor subscriber connected",
		zap.String("client_id", client.ID.String()),
		zap.Int("subscribers", len(h.clients)))
}

func (h *MonitorHub) removeClient(client *Client) {
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	h.subscribers.Store(int64(len(h.clients)))
	close(client.send)

	h.logger.Info("monitor subscriber disconnected",
		zap.String("client_id", client.ID.String()),
		zap.Int("subscribers", len(h.clients)))
}

func (h *MonitorHub) deliver(msg *Message) {
	h.metrics.RecordBroadcast(context.Background())
	for _, client := range h.clients {
		if !client.inRoom(msg.Room) {
			continue
		}
		if !client.trySend(msg) {
			h.logger.Warn("subscriber send buffer full, dropping frame",
				zap.String("client_id", client.ID.String()),
				zap.String("kind", string(msg.Kind)))
		}
	}
}

func (h *MonitorHub) pingClients() {
	for _, client := range h.clients {
		client.ping()
	}
}

func (h *MonitorHub) closeAll() {
	for id, client := range h.clients {
		delete(h.clients, id)
		close(client.send)
	}
	h.subscribers.Store(0)
}

// SubscriberCount reports the number of connected clients.
func (h *MonitorHub) SubscriberCount() int {
	if h == nil {
		return 0
	}
	return int(h.subscribers.Load())
}

// NoopBroadcaster satisfies broadcast consumers when no hub is wired,
// for example in the migration binary or tests.
type NoopBroadcaster struct{}

func (NoopBroadcaster) BroadcastSecurityEvent(SecurityEventPayload)   {}
func (NoopBroadcaster) BroadcastAuditLogUpdate(AuditLogUpdatePayload) {}
func (NoopBroadcaster) BroadcastIncidentUpdate(IncidentUpdatePayload) {}
