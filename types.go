package loopline

import (
	"regexp"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Identifiers
// ============================================================================

// canonicalIDPattern matches server-issued identifiers (users and messages).
var canonicalIDPattern = regexp.MustCompile(`^[a-f0-9]{24}$`)

// ValidID reports whether s is a well-formed canonical identifier.
// Malformed identifiers are rejected at the boundary, never trusted.
func ValidID(s string) bool {
	return canonicalIDPattern.MatchString(s)
}

// MessageID is the live identity of a message. A message holds exactly one
// identity at a time: a provisional id generated locally while the send is
// pending, or the canonical id issued by the server. A provisional id is
// retired in place the moment the canonical one is learned.
type MessageID struct {
	value       string
	provisional bool
}

// NewProvisionalID generates a fresh provisional identity. The "local-"
// prefix keeps it disjoint from the canonical id format.
func NewProvisionalID() MessageID {
	return MessageID{value: "local-" + uuid.NewString(), provisional: true}
}

// CanonicalID wraps a server-issued message id.
func CanonicalID(id string) MessageID {
	return MessageID{value: id}
}

func (id MessageID) String() string    { return id.value }
func (id MessageID) Provisional() bool { return id.provisional }
func (id MessageID) IsZero() bool      { return id.value == "" }

// ============================================================================
// Messages
// ============================================================================

// DeliveryStatus tracks a message through the optimistic send lifecycle.
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusConfirmed DeliveryStatus = "confirmed"
	StatusFailed    DeliveryStatus = "failed"
)

// Media is a completed upload attached to a message.
type Media struct {
	URL      string
	Kind     string
	FileName string
}

// Message is one entry in the conversation log.
type Message struct {
	ID         MessageID
	SenderID   string
	ReceiverID string
	Text       string
	Media      *Media
	CreatedAt  time.Time
	EditedAt   time.Time
	Edited     bool
	Status     DeliveryStatus

	// TempID is the provisional identity echoed back by the server on a
	// confirmed send. It is a reconciliation hint only, cleared once the
	// matching pending entry is promoted.
	TempID string

	// seq is the insertion sequence number assigned by the Store; it keeps
	// creation-time ties stable.
	seq uint64
}

// ============================================================================
// Users
// ============================================================================

// User is a roster entry. Users are created or updated from the roster
// fetch; presence events only flip the Online flag, they never create users,
// and users are never deleted within a session.
type User struct {
	ID          string
	DisplayName string
	Online      bool
}

// ============================================================================
// Session
// ============================================================================

// Session carries the authenticated identity for one open client session.
// It is passed explicitly to the Connection Manager and REST client; there
// is no ambient global state.
type Session struct {
	Token  string
	UserID string
}
