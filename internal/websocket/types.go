package websocket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// EventType represents the type of WebSocket event
type EventType string

const (
	// EventTypeDetection is sent when a document detection run ends
	EventTypeDetection EventType = "pii_detection"
	// EventTypeTokenization is sent when a document is tokenized
	EventTypeTokenization EventType = "tokenization"
	// EventTypeSystemStatus represents a system status event
	EventTypeSystemStatus EventType = "system_status"
	// EventTypeConnection represents connection events
	EventTypeConnection EventType = "connection"
	// EventTypePong answers a client ping
	EventTypePong EventType = "pong"
)

// Event represents a WebSocket event sent to clients
type Event struct {
	Type       EventType   `json:"type"`
	Timestamp  time.Time   `json:"timestamp"`
	Data       interface{} `json:"data"`
	DocumentID string      `json:"document_id,omitempty"`
}

// DetectionEvent reports the outcome of a detection run. Only counts are
// broadcast, never matched values.
type DetectionEvent struct {
	DocumentID          string         `json:"document_id"`
	Version             int            `json:"version"`
	Status              string         `json:"status"` // completed, skipped, error
	Total               int            `json:"total"`
	ByCategory          map[string]int `json:"by_category,omitempty"`
	HighConfidenceCount int            `json:"high_confidence_count"`
	ModelUsed           string         `json:"model_used,omitempty"`
	ProcessingMS        float64        `json:"processing_ms"`
	Error               string         `json:"error,omitempty"`
}

// TokenizationEvent reports a stored tokenization
type TokenizationEvent struct {
	DocumentID string `json:"document_id"`
	Version    int    `json:"version"`
	Tokens     int    `json:"tokens"`
	Algorithm  string `json:"algorithm"`
}

// SystemStatusEvent represents system status information
type SystemStatusEvent struct {
	Status           string  `json:"status"`
	Uptime           string  `json:"uptime"`
	Threshold        float64 `json:"threshold"`
	ActiveRules      int     `json:"active_rules"`
	ModelEnabled     bool    `json:"model_enabled"`
	ConnectedClients int     `json:"connected_clients"`
}

// ConnectionEvent represents WebSocket connection events
type ConnectionEvent struct {
	Action   string `json:"action"` // "connected", "disconnected"
	ClientID string `json:"client_id"`
	Message  string `json:"message,omitempty"`
}

// ClientMessage represents messages sent from clients to server
type ClientMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// SubscriptionRequest represents a client subscription request
type SubscriptionRequest struct {
	Events []EventType  `json:"events"`
	Filter *EventFilter `json:"filter,omitempty"`
}

// EventFilter narrows the events a client receives
type EventFilter struct {
	DocumentIDs []string `json:"document_ids,omitempty"`
	Categories  []string `json:"categories,omitempty"`
}

// Client represents a WebSocket client connection
type Client struct {
	ID           string
	Conn         *websocket.Conn
	Send         chan Event
	Subscription *SubscriptionRequest
	ConnectedAt  time.Time
	LastPing     time.Time
	IP           string
	UserAgent    string

	mu sync.RWMutex
}

func (c *Client) setSubscription(sub *SubscriptionRequest) {
	c.mu.Lock()
	c.Subscription = sub
	c.mu.Unlock()
}

func (c *Client) subscription() *SubscriptionRequest {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Subscription
}
