package ailicia

import "time"

const eventTypeGame = "GAME_EVENT"

type eventData struct {
	ChannelName string `json:"channelName"`
	Content     string `json:"content"`
	TTL         int    `json:"ttl,omitempty"`
}

type eventEnvelope struct {
	EventType string    `json:"eventType"`
	Data      eventData `json:"data"`
}

type GenerationStatus string

const (
	GenerationCompleted  GenerationStatus = "completed"
	GenerationProcessing GenerationStatus = "processing"
	GenerationFailed     GenerationStatus = "failed"
)

// GenerationResponse is returned by POST /events/generations.
type GenerationResponse struct {
	ID        string           `json:"id"`
	Content   string           `json:"content"`
	CreatedAt time.Time        `json:"createdAt"`
	Status    GenerationStatus `json:"status"`
	AudioPath string           `json:"audioPath,omitempty"`
}

type CharacterSummary struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	IsActive    bool   `json:"isActive"`
}

// JoinChannelResponse is returned by POST /streams/{channel}. Optional fields
// are pointers so callers can tell "false" from "not reported".
type JoinChannelResponse struct {
	Success              bool       `json:"success"`
	Message              string     `json:"message"`
	AlreadyJoined        *bool      `json:"alreadyJoined,omitempty"`
	RequiresSubscription *bool      `json:"requiresSubscription,omitempty"`
	Timeout              *int       `json:"timeout,omitempty"`
	JoinedAt             *time.Time `json:"joinedAt,omitempty"`
	ChannelID            string     `json:"channelId,omitempty"`
	JoinRequestID        string     `json:"joinRequestId,omitempty"`
}

// chatMessage is the wire form of a public chat stream frame.
type chatMessage struct {
	ID           *string `json:"id"`
	Username     string  `json:"username"`
	Content      string  `json:"content"`
	Role         string  `json:"role"`
	IsSub        bool    `json:"isSub"`
	SentDateTime string  `json:"sentDateTime"`
}
