// Package eventsub is a client for Twitch EventSub over WebSocket: it dials a
// session, waits for the welcome message, follows session_reconnect
// handovers and decodes the notifications the channel session subscribes to.
package eventsub

import (
	"encoding/json"
	"time"
)

// Message types sent by the EventSub WebSocket server.
const (
	TypeWelcome      = "session_welcome"
	TypeKeepalive    = "session_keepalive"
	TypeNotification = "notification"
	TypeReconnect    = "session_reconnect"
	TypeRevocation   = "revocation"
)

// Message is the envelope of every frame on the socket.
type Message struct {
	Metadata Metadata `json:"metadata"`
	Payload  Payload  `json:"payload"`
}

type Metadata struct {
	MessageID           string    `json:"message_id"`
	MessageType         string    `json:"message_type"`
	MessageTimestamp    time.Time `json:"message_timestamp"`
	SubscriptionType    string    `json:"subscription_type,omitempty"`
	SubscriptionVersion string    `json:"subscription_version,omitempty"`
}

type Payload struct {
	Session      *SessionInfo      `json:"session,omitempty"`
	Subscription *SubscriptionInfo `json:"subscription,omitempty"`
	Event        json.RawMessage   `json:"event,omitempty"`
}

// SessionInfo describes the WebSocket session in welcome and reconnect messages.
type SessionInfo struct {
	ID                      string `json:"id"`
	Status                  string `json:"status"`
	KeepaliveTimeoutSeconds int    `json:"keepalive_timeout_seconds"`
	ReconnectURL            string `json:"reconnect_url"`
}

type SubscriptionInfo struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Version string `json:"version"`
	Status  string `json:"status"`
}

// RedemptionEvent is a channel.channel_points_custom_reward_redemption.add event.
type RedemptionEvent struct {
	ID                string `json:"id"`
	BroadcasterUserID string `json:"broadcaster_user_id"`
	UserID            string `json:"user_id"`
	UserLogin         string `json:"user_login"`
	UserName          string `json:"user_name"`
	UserInput         string `json:"user_input"`
	Status            string `json:"status"`
	Reward            struct {
		ID     string `json:"id"`
		Title  string `json:"title"`
		Cost   int    `json:"cost"`
		Prompt string `json:"prompt"`
	} `json:"reward"`
}

// ModeratorEvent is a channel.moderator.add or channel.moderator.remove event.
type ModeratorEvent struct {
	BroadcasterUserID string `json:"broadcaster_user_id"`
	UserID            string `json:"user_id"`
	UserLogin         string `json:"user_login"`
	UserName          string `json:"user_name"`
}
