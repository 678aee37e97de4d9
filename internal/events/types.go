// Package events defines the event types carried on the EventBus between the
// protocol core and the operator surfaces (MQTT, API stream, audit store).
package events

import "time"

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Connection lifecycle
	EventConnectionOpened   EventType = "connection_opened"
	EventConnectionClosed   EventType = "connection_closed"
	EventConnectionRejected EventType = "connection_rejected"
	EventUDPBound           EventType = "udp_bound"

	// Authentication
	EventLoginAccepted     EventType = "login_accepted"
	EventLoginRejected     EventType = "login_rejected"
	EventClusterChallenged EventType = "cluster_challenged"
	EventClusterPromoted   EventType = "cluster_promoted"
	EventClusterRemoved    EventType = "cluster_removed"
	EventHandshakeFailed   EventType = "handshake_failed"
	EventClusterLoad       EventType = "cluster_load"

	// Master link (cluster role)
	EventMasterLinkUp   EventType = "master_link_up"
	EventMasterLinkDown EventType = "master_link_down"

	// System
	EventSystemStats EventType = "system_stats"
	EventShutdown    EventType = "shutdown"
)

// AllTypes lists every event type, for subscribers that want everything.
var AllTypes = []EventType{
	EventConnectionOpened,
	EventConnectionClosed,
	EventConnectionRejected,
	EventUDPBound,
	EventLoginAccepted,
	EventLoginRejected,
	EventClusterChallenged,
	EventClusterPromoted,
	EventClusterRemoved,
	EventHandshakeFailed,
	EventClusterLoad,
	EventMasterLinkUp,
	EventMasterLinkDown,
	EventSystemStats,
	EventShutdown,
}

// Event represents a single event in the system.
type Event struct {
	Type    EventType   `json:"type"`
	Source  string      `json:"source"`
	Time    time.Time   `json:"time"`
	Payload interface{} `json:"payload,omitempty"`
}

// ConnectionPayload describes a connection lifecycle change.
type ConnectionPayload struct {
	ConnectionID int    `json:"connection_id"`
	Remote       string `json:"remote,omitempty"`
	Name         string `json:"name,omitempty"`
	Role         string `json:"role,omitempty"`
}

// RejectedPayload describes a refused TCP peer.
type RejectedPayload struct {
	Remote string `json:"remote"`
	Reason string `json:"reason"`
}

// LoginPayload describes a user login attempt.
type LoginPayload struct {
	ConnectionID int    `json:"connection_id"`
	Username     string `json:"username"`
}

// ClusterPayload describes a cluster handshake step.
type ClusterPayload struct {
	ConnectionID int    `json:"connection_id"`
	Name         string `json:"name,omitempty"`
	KeyName      string `json:"key_name,omitempty"`
	IP           string `json:"ip,omitempty"`
	Port         uint16 `json:"port,omitempty"`
}

// HandshakeFailedPayload describes a failed cluster handshake.
type HandshakeFailedPayload struct {
	ConnectionID int    `json:"connection_id"`
	IP           string `json:"ip"`
	KeyName      string `json:"key_name,omitempty"`
	Reason       string `json:"reason"`
	Banned       bool   `json:"banned"`
}

// ClusterLoadPayload carries a load report from a cluster.
type ClusterLoadPayload struct {
	ConnectionID int    `json:"connection_id"`
	Name         string `json:"name"`
	Load         int    `json:"load"`
}

// MasterLinkPayload describes the cluster's link to the master.
type MasterLinkPayload struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
	Error   string `json:"error,omitempty"`
}

// SystemStatsPayload is a periodic resource snapshot.
type SystemStatsPayload struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	Connections   int     `json:"connections"`
	Clusters      int     `json:"clusters"`
	PendingAuth   int     `json:"pending_auth"`
}
