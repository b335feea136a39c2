package loopline

import (
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// Wire Frames
// ============================================================================

// Frame types carried over the realtime channel. One JSON object per frame,
// discriminated by the "type" field.
const (
	FrameAuth       = "auth"
	FrameMessage    = "message"
	FrameEdit       = "edit"
	FrameDelete     = "delete"
	FrameUserStatus = "user_status"
	FrameConnection = "connection"
	FrameError      = "error"
)

// Frame is the wire format for all realtime traffic, client→server and
// server→client. Only the fields relevant to a given Type are populated.
type Frame struct {
	Type string `json:"type"`

	// auth (client→server only)
	Token string `json:"token,omitempty"`

	// message
	SenderID   string `json:"sender_id,omitempty"`
	ReceiverID string `json:"receiver_id,omitempty"`
	Text       string `json:"text,omitempty"`
	MediaURL   string `json:"media_url,omitempty"`
	MediaType  string `json:"media_type,omitempty"`
	FileName   string `json:"file_name,omitempty"`
	MessageID  string `json:"message_id,omitempty"`
	TempID     string `json:"temp_id,omitempty"`
	CreatedAt  string `json:"created_at,omitempty"`
	Edited     bool   `json:"edited,omitempty"`

	// edit
	EditedAt string `json:"edited_at,omitempty"`

	// user_status
	UserID   string `json:"user_id,omitempty"`
	IsOnline *bool  `json:"is_online,omitempty"`

	// connection
	Status string `json:"status,omitempty"`

	// error
	Error string `json:"error,omitempty"`
}

// AuthFrame builds the authentication intent sent immediately after
// transport establishment.
func AuthFrame(token string) Frame {
	return Frame{Type: FrameAuth, Token: token}
}

// DecodeFrame parses and validates one inbound frame. Anything that does
// not match the tagged-union schema is rejected here, before it can reach
// the Message Store.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("malformed frame: %w", err)
	}
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// Validate checks the per-type required fields and identifier formats.
func (f Frame) Validate() error {
	switch f.Type {
	case FrameMessage:
		if !ValidID(f.SenderID) {
			return fmt.Errorf("message frame: invalid sender_id %q", f.SenderID)
		}
		if !ValidID(f.ReceiverID) {
			return fmt.Errorf("message frame: invalid receiver_id %q", f.ReceiverID)
		}
		if f.MessageID != "" && !ValidID(f.MessageID) {
			return fmt.Errorf("message frame: invalid message_id %q", f.MessageID)
		}
		if f.Text == "" && f.MediaURL == "" {
			return fmt.Errorf("message frame: empty body")
		}
	case FrameEdit:
		if !ValidID(f.MessageID) {
			return fmt.Errorf("edit frame: invalid message_id %q", f.MessageID)
		}
		if f.Text == "" {
			return fmt.Errorf("edit frame: empty text")
		}
	case FrameDelete:
		if !ValidID(f.MessageID) {
			return fmt.Errorf("delete frame: invalid message_id %q", f.MessageID)
		}
	case FrameUserStatus:
		if !ValidID(f.UserID) {
			return fmt.Errorf("user_status frame: invalid user_id %q", f.UserID)
		}
		if f.IsOnline == nil {
			return fmt.Errorf("user_status frame: missing is_online")
		}
	case FrameConnection, FrameError, FrameAuth:
		// No required fields beyond the discriminator.
	case "":
		return fmt.Errorf("frame missing type")
	default:
		return fmt.Errorf("unknown frame type %q", f.Type)
	}
	return nil
}

// CreatedTime parses the created_at field, falling back to the current
// time when the server omits it or sends something unparseable.
func (f Frame) CreatedTime() time.Time {
	if t, err := time.Parse(time.RFC3339Nano, f.CreatedAt); err == nil {
		return t
	}
	return time.Now().UTC()
}

// EditedTime parses the edited_at field; the zero time means unset.
func (f Frame) EditedTime() time.Time {
	if t, err := time.Parse(time.RFC3339Nano, f.EditedAt); err == nil {
		return t
	}
	return time.Time{}
}

func wireTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
