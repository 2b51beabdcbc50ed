package models

import "time"

// MessageType classifies inter-agent traffic.
type MessageType string

const (
	// MessageTypeTaskRequest asks the recipient to take on work.
	MessageTypeTaskRequest MessageType = "task-request"
	// MessageTypeResponse answers an earlier message.
	MessageTypeResponse MessageType = "response"
	// MessageTypeBroadcast is fanned out to all subscribed agents.
	MessageTypeBroadcast MessageType = "broadcast"
	// MessageTypeDirect is delivered to a single recipient's session.
	MessageTypeDirect MessageType = "direct"
	// MessageTypeSystem carries supervisor-originated notices.
	MessageTypeSystem MessageType = "system"
)

// Valid returns true if the message type is a known value.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeTaskRequest, MessageTypeResponse, MessageTypeBroadcast,
		MessageTypeDirect, MessageTypeSystem:
		return true
	default:
		return false
	}
}

// BroadcastTarget is the sentinel recipient for broadcast messages.
const BroadcastTarget = "broadcast"

// MessageMetadata carries optional linkage for a message.
type MessageMetadata struct {
	// TaskID links the message to a task.
	TaskID string `json:"task_id,omitempty"`
	// Deadline is an optional due time relayed with the message.
	Deadline *time.Time `json:"deadline,omitempty"`
	// Dependencies lists related task IDs.
	Dependencies []string `json:"dependencies,omitempty"`
	// ReplyTo is the ID of the message this one answers.
	ReplyTo string `json:"reply_to,omitempty"`
}

// AgentMessage is the envelope for inter-agent traffic. The router owns a
// message from enqueue until delivery; afterwards a copy is retained in the
// bounded per-agent history.
type AgentMessage struct {
	// ID is the unique identifier for this message.
	ID string `json:"id"`
	// From is the sender agent ID (or "operator").
	From string `json:"from"`
	// To is the recipient agent ID, or BroadcastTarget.
	To string `json:"to"`
	// Type classifies the message.
	Type MessageType `json:"type"`
	// Content is the message body.
	Content string `json:"content"`
	// Priority governs dequeue order relative to other messages.
	Priority Priority `json:"priority"`
	// Timestamp is when the message was accepted by the router.
	Timestamp time.Time `json:"timestamp"`
	// RequiresApproval marks messages a human should confirm before the
	// recipient acts on them.
	RequiresApproval bool `json:"requires_approval,omitempty"`
	// Metadata carries optional task linkage.
	Metadata *MessageMetadata `json:"metadata,omitempty"`
}

// Clone returns a deep copy of the message.
func (m *AgentMessage) Clone() *AgentMessage {
	c := *m
	if m.Metadata != nil {
		md := *m.Metadata
		if m.Metadata.Dependencies != nil {
			md.Dependencies = append([]string(nil), m.Metadata.Dependencies...)
		}
		if m.Metadata.Deadline != nil {
			d := *m.Metadata.Deadline
			md.Deadline = &d
		}
		c.Metadata = &md
	}
	return &c
}
