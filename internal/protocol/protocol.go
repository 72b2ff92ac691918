package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message types sent by the client
const (
	TypeSessionStart  = "session_start"
	TypeAudioChunk    = "audio_chunk"
	TypePing          = "ping"
	TypeSessionPause  = "session_pause"
	TypeSessionResume = "session_resume"
	TypeSessionEnd    = "session_end"
)

// Message types received from the backend
const (
	TypeSessionConfirmed  = "session_confirmed"
	TypeAudioReceived     = "audio_received"
	TypeStreamingPaused   = "streaming_paused"
	TypeStreamingResumed  = "streaming_resumed"
	TypeStreamingStopped  = "streaming_stopped"
	TypeServerPing        = "ping"
	TypeError             = "error"
)

// Message is the tagged-union wire envelope. Type decides which of the
// optional fields are populated; SessionID is present on every client
// message. ChunkData is base64-encoded on the wire by encoding/json.
type Message struct {
	Type        string `json:"type"`
	SessionID   string `json:"session_id,omitempty"`
	UserID      string `json:"user_id,omitempty"`
	PatientID   string `json:"patient_id,omitempty"`
	PatientName string `json:"patient_name,omitempty"`
	Timestamp   string `json:"timestamp,omitempty"`

	// audio_chunk fields
	ChunkData []byte `json:"chunk_data,omitempty"`
	ChunkSize int    `json:"chunk_size,omitempty"`
	Sequence  uint64 `json:"sequence,omitempty"`

	// server reply fields
	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
}

// SessionStart builds a session_start message announcing the session and
// its patient context to the backend. Sent immediately after the socket opens.
func SessionStart(sessionID, userID, patientID, patientName string, at time.Time) *Message {
	return &Message{
		Type:        TypeSessionStart,
		SessionID:   sessionID,
		UserID:      userID,
		PatientID:   patientID,
		PatientName: patientName,
		Timestamp:   at.Format(time.RFC3339),
	}
}

// AudioChunk builds an audio_chunk message carrying one chunk's raw PCM
// payload and its sequence number.
func AudioChunk(sessionID string, sequence uint64, payload []byte, at time.Time) *Message {
	return &Message{
		Type:      TypeAudioChunk,
		SessionID: sessionID,
		ChunkData: payload,
		ChunkSize: len(payload),
		Sequence:  sequence,
		Timestamp: at.Format(time.RFC3339),
	}
}

// Ping builds a keepalive message. The backend does not reply; a failed
// write is the liveness signal.
func Ping(sessionID string, at time.Time) *Message {
	return &Message{
		Type:      TypePing,
		SessionID: sessionID,
		Timestamp: at.Format(time.RFC3339),
	}
}

// SessionPause builds a session_pause control message.
func SessionPause(sessionID string, at time.Time) *Message {
	return &Message{
		Type:      TypeSessionPause,
		SessionID: sessionID,
		Timestamp: at.Format(time.RFC3339),
	}
}

// SessionResume builds a session_resume control message.
func SessionResume(sessionID string, at time.Time) *Message {
	return &Message{
		Type:      TypeSessionResume,
		SessionID: sessionID,
		Timestamp: at.Format(time.RFC3339),
	}
}

// SessionEnd builds the final session_end message.
func SessionEnd(sessionID string) *Message {
	return &Message{
		Type:      TypeSessionEnd,
		SessionID: sessionID,
	}
}

// Encode serializes the message to its JSON wire form.
func (m *Message) Encode() ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}

	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s message: %w", m.Type, err)
	}

	return data, nil
}

// Decode parses a JSON wire frame into a Message.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}

	if m.Type == "" {
		return nil, fmt.Errorf("message has no type field")
	}

	return &m, nil
}

// Validate checks the fields required for the message's type.
func (m *Message) Validate() error {
	switch m.Type {
	case TypeSessionStart, TypeAudioChunk, TypePing, TypeSessionPause, TypeSessionResume, TypeSessionEnd:
		if m.SessionID == "" {
			return fmt.Errorf("%s message requires session_id", m.Type)
		}
	case "":
		return fmt.Errorf("message type cannot be empty")
	default:
		// Server reply types pass through unvalidated.
		return nil
	}

	if m.Type == TypeAudioChunk {
		if len(m.ChunkData) == 0 {
			return fmt.Errorf("audio_chunk message requires chunk_data")
		}
		if m.ChunkSize != len(m.ChunkData) {
			return fmt.Errorf("chunk_size mismatch: declared %d, payload %d", m.ChunkSize, len(m.ChunkData))
		}
		if m.Sequence == 0 {
			return fmt.Errorf("audio_chunk message requires a sequence starting at 1")
		}
	}

	return nil
}

// IsClientType reports whether the type is one the client originates.
func IsClientType(t string) bool {
	switch t {
	case TypeSessionStart, TypeAudioChunk, TypePing, TypeSessionPause, TypeSessionResume, TypeSessionEnd:
		return true
	}
	return false
}

// IsServerType reports whether the type is one the backend originates.
func IsServerType(t string) bool {
	switch t {
	case TypeSessionConfirmed, TypeAudioReceived, TypeStreamingPaused,
		TypeStreamingResumed, TypeStreamingStopped, TypeServerPing, TypeError:
		return true
	}
	return false
}

// String returns a human-readable representation of the message
func (m *Message) String() string {
	switch m.Type {
	case TypeAudioChunk:
		return fmt.Sprintf("Message{Type:%s, SessionID:%s, Sequence:%d, ChunkSize:%d}",
			m.Type, m.SessionID, m.Sequence, m.ChunkSize)
	case TypeError:
		return fmt.Sprintf("Message{Type:%s, Message:%q}", m.Type, m.Message)
	default:
		return fmt.Sprintf("Message{Type:%s, SessionID:%s}", m.Type, m.SessionID)
	}
}
