package loopline

import (
	"sort"
	"time"
)

// ============================================================================
// Message Store
// ============================================================================

// UpsertOutcome reports what Upsert did with an incoming record.
type UpsertOutcome int

const (
	// UpsertInserted means a new entry was appended at its ordered position.
	UpsertInserted UpsertOutcome = iota
	// UpsertPromoted means a pending entry was confirmed in place and its
	// provisional identity replaced by the canonical one.
	UpsertPromoted
	// UpsertMerged means an entry with the same canonical identity already
	// existed and the incoming non-empty fields were folded into it.
	UpsertMerged
)

// Store is the ordered, deduplicated message log for the active
// conversation. It is a pure data structure with no I/O and no locking of
// its own: the Reconciliation Engine serializes every mutation, so no two
// mutations ever interleave.
//
// Ordering is by (CreatedAt, insertion sequence). Entries never move once
// inserted; a later merge updates fields in place.
type Store struct {
	msgs    []*Message
	byID    map[string]*Message
	nextSeq uint64
}

// NewStore creates an empty message log.
func NewStore() *Store {
	return &Store{byID: make(map[string]*Message)}
}

// Len returns the number of entries.
func (s *Store) Len() int { return len(s.msgs) }

// Get returns a copy of the entry with the given live identity.
func (s *Store) Get(id string) (Message, bool) {
	m, ok := s.byID[id]
	if !ok {
		return Message{}, false
	}
	return *m, true
}

// Snapshot returns the ordered sequence for rendering. The returned slice
// is a copy; callers may hold it across further mutations.
func (s *Store) Snapshot() []Message {
	out := make([]Message, len(s.msgs))
	for i, m := range s.msgs {
		out[i] = *m
	}
	return out
}

// Upsert resolves identity and merges the incoming record:
//
//   - If in carries a canonical identity and a TempID matching a pending
//     entry, that entry is promoted in place: same position, same size,
//     new identity. This is the at-most-one-copy guarantee.
//   - If an entry with the same canonical identity exists, incoming
//     non-empty fields win and nothing is duplicated.
//   - Otherwise a new entry is inserted at its (CreatedAt, seq) position,
//     never reordering anything already displayed.
func (s *Store) Upsert(in Message) UpsertOutcome {
	if !in.ID.Provisional() && in.TempID != "" {
		if existing, ok := s.byID[in.TempID]; ok {
			delete(s.byID, in.TempID)
			existing.ID = in.ID
			existing.TempID = ""
			mergeFields(existing, in)
			if in.Status == "" {
				existing.Status = StatusConfirmed
			}
			s.byID[in.ID.String()] = existing
			return UpsertPromoted
		}
	}

	if existing, ok := s.byID[in.ID.String()]; ok {
		mergeFields(existing, in)
		return UpsertMerged
	}

	m := in
	m.seq = s.nextSeq
	s.nextSeq++
	if m.Status == "" {
		m.Status = StatusConfirmed
	}
	idx := sort.Search(len(s.msgs), func(i int) bool {
		return s.msgs[i].CreatedAt.After(m.CreatedAt)
	})
	s.msgs = append(s.msgs, nil)
	copy(s.msgs[idx+1:], s.msgs[idx:])
	s.msgs[idx] = &m
	s.byID[m.ID.String()] = &m
	return UpsertInserted
}

// mergeFields folds incoming non-empty fields into dst. CreatedAt and the
// insertion position are left alone so already-displayed entries never
// change relative order.
func mergeFields(dst *Message, in Message) {
	if in.Text != "" {
		dst.Text = in.Text
	}
	if in.Media != nil {
		dst.Media = in.Media
	}
	if in.Edited {
		dst.Edited = true
	}
	if !in.EditedAt.IsZero() {
		dst.EditedAt = in.EditedAt
	}
	if in.Status != "" {
		dst.Status = in.Status
	}
	if in.SenderID != "" {
		dst.SenderID = in.SenderID
	}
	if in.ReceiverID != "" {
		dst.ReceiverID = in.ReceiverID
	}
}

// ApplyEdit replaces the text of the entry with the given identity.
// An unknown identity is a no-op, not an error: under out-of-order
// delivery an edit can race ahead of its message event.
func (s *Store) ApplyEdit(id, text string, editedAt time.Time) bool {
	m, ok := s.byID[id]
	if !ok {
		return false
	}
	m.Text = text
	m.Edited = true
	m.EditedAt = editedAt
	return true
}

// Revert restores the text, edited flag and edit timestamp of the entry
// matching prev's identity to their prior values. Used to roll back an
// optimistic edit whose fallback confirmation failed.
func (s *Store) Revert(prev Message) bool {
	m, ok := s.byID[prev.ID.String()]
	if !ok {
		return false
	}
	m.Text = prev.Text
	m.Edited = prev.Edited
	m.EditedAt = prev.EditedAt
	return true
}

// Remove deletes the entry with the given identity. Unknown identities
// are a no-op, same as ApplyEdit.
func (s *Store) Remove(id string) bool {
	m, ok := s.byID[id]
	if !ok {
		return false
	}
	delete(s.byID, id)
	for i, e := range s.msgs {
		if e == m {
			s.msgs = append(s.msgs[:i], s.msgs[i+1:]...)
			break
		}
	}
	return true
}

// Reset drops every entry, e.g. when the active conversation changes.
func (s *Store) Reset() {
	s.msgs = nil
	s.byID = make(map[string]*Message)
}

// ============================================================================
// Presence Table
// ============================================================================

// Roster maps user identity to display name and online state. Like the
// Store it is engine-serialized and does no locking of its own.
type Roster struct {
	users map[string]*User
}

// NewRoster creates an empty presence table.
func NewRoster() *Roster {
	return &Roster{users: make(map[string]*User)}
}

// Put creates or updates a user from a roster fetch.
func (r *Roster) Put(u User) {
	if existing, ok := r.users[u.ID]; ok {
		existing.DisplayName = u.DisplayName
		existing.Online = u.Online
		return
	}
	c := u
	r.users[u.ID] = &c
}

// SetOnline flips the presence flag for a known user. Presence events
// never create users; an unknown id returns false and mutates nothing.
func (r *Roster) SetOnline(id string, online bool) bool {
	u, ok := r.users[id]
	if !ok {
		return false
	}
	u.Online = online
	return true
}

// Get returns a copy of the user with the given id.
func (r *Roster) Get(id string) (User, bool) {
	u, ok := r.users[id]
	if !ok {
		return User{}, false
	}
	return *u, true
}

// Snapshot returns all users ordered by display name.
func (r *Roster) Snapshot() []User {
	out := make([]User, 0, len(r.users))
	for _, u := range r.users {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName != out[j].DisplayName {
			return out[i].DisplayName < out[j].DisplayName
		}
		return out[i].ID < out[j].ID
	})
	return out
}
