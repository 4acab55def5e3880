package models

import "fmt"

// CallStatus is the status value stored on the backend call record.
// Keep values stable because they are part of the backend API.
type CallStatus string

const (
	CallStatusActive CallStatus = "active"
	CallStatusEnded  CallStatus = "ended"
	CallStatusMissed CallStatus = "missed"
)

// CallCredentials are issued by the backend when a call is initiated and stay
// fixed for the whole call attempt.
type CallCredentials struct {
	AppID  string `json:"appId"`
	Token  string `json:"token"`
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

// Missing returns the names of empty credential fields.
func (c CallCredentials) Missing() []string {
	var missing []string
	if c.AppID == "" {
		missing = append(missing, "appId")
	}
	if c.Token == "" {
		missing = append(missing, "token")
	}
	if c.RoomID == "" {
		missing = append(missing, "roomId")
	}
	if c.UserID == "" {
		missing = append(missing, "userId")
	}
	return missing
}

// PublishStreamID is the identifier the local audio stream is published under.
func (c CallCredentials) PublishStreamID() string {
	return fmt.Sprintf("%s_%s_call", c.RoomID, c.UserID)
}

// CallSession identifies one call attempt.
type CallSession struct {
	CallID      string          `json:"callId"`
	Credentials CallCredentials `json:"doctorCredentials"`
}
