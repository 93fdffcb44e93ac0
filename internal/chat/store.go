package chat

import (
	"sort"
	"sync"
)

// echoWindowMs is the tolerance used when matching an optimistic entry
// against its server echo. The server id differs from the temp id, so
// matching falls back to sender + content + approximate timestamp.
const echoWindowMs = 2000

// Store holds the ordered messages of one conversation. It is the
// source of truth projections render from. Messages are totally ordered
// by CreatedAt ascending with arrival-order ties, and an id index keeps
// upserts O(1) amortized.
type Store struct {
	mu    sync.RWMutex
	order []*Message
	index map[string]*Message
}

// NewStore creates an empty message store.
func NewStore() *Store {
	return &Store{index: make(map[string]*Message)}
}

// Upsert inserts msg if its id is unseen, otherwise shallow-merges the
// incoming fields into the stored entry. The original CreatedAt is
// preserved unless the incoming message carries one. Reports whether a
// new entry was inserted.
func (s *Store) Upsert(msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.index[msg.ID]
	if !ok {
		s.insertLocked(msg)
		return true
	}

	if msg.Content != "" {
		existing.Content = msg.Content
	}
	existing.IsRead = msg.IsRead
	if msg.IsSystem {
		existing.IsSystem = true
	}
	if msg.IsNotification {
		existing.IsNotification = true
	}
	if msg.NotificationType != "" {
		existing.NotificationType = msg.NotificationType
	}
	if msg.NotificationData != nil {
		existing.NotificationData = msg.NotificationData
	}
	if msg.CreatedAt != 0 && msg.CreatedAt != existing.CreatedAt {
		s.removeLocked(existing.ID)
		existing.CreatedAt = msg.CreatedAt
		s.insertLocked(*existing)
	}
	return false
}

// ReplaceOptimistic atomically removes the optimistic entry and inserts
// the server message at the position implied by its CreatedAt. If no
// entry with tempID exists (the send response raced the channel echo),
// at most one temp entry matching sender + content + approximate
// timestamp is removed instead. Reports whether a temp entry was found.
func (s *Store) ReplaceOptimistic(tempID string, server Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	found := false
	if _, ok := s.index[tempID]; ok && TempID(tempID) {
		s.removeLocked(tempID)
		found = true
	} else if match := s.findEchoMatchLocked(server); match != "" {
		s.removeLocked(match)
		found = true
	}

	if existing, ok := s.index[server.ID]; ok {
		// Echo already absorbed; refresh fields in place.
		*existing = server
	} else {
		s.insertLocked(server)
	}
	return found
}

// AbsorbEcho applies a server-originated insert, replacing a matching
// optimistic entry when one exists instead of duplicating it.
func (s *Store) AbsorbEcho(server Message) {
	s.ReplaceOptimistic("", server)
}

// Remove deletes the entry with the given id. Reports whether it existed.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[id]; !ok {
		return false
	}
	s.removeLocked(id)
	return true
}

// MarkReadBatch marks the given ids read locally. Remote persistence of
// read state is fire-and-forget and outside the store.
func (s *Store) MarkReadBatch(ids []string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range ids {
		if m, ok := s.index[id]; ok && !m.IsRead {
			m.IsRead = true
			n++
		}
	}
	return n
}

// Replace swaps in a full snapshot from a fetch. In-flight optimistic
// entries not present in the snapshot are carried over so a forced
// reload never drops a message the user just sent.
func (s *Store) Replace(msgs []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var temps []*Message
	for _, m := range s.order {
		if TempID(m.ID) {
			temps = append(temps, m)
		}
	}

	s.order = s.order[:0]
	s.index = make(map[string]*Message, len(msgs))
	for _, m := range msgs {
		if _, ok := s.index[m.ID]; ok {
			continue
		}
		s.insertLocked(m)
	}

	for _, tmp := range temps {
		if s.findEchoMatchTargetLocked(*tmp) {
			continue
		}
		s.insertLocked(*tmp)
	}
}

// Snapshot returns a copy of the current ordered sequence.
func (s *Store) Snapshot() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.order))
	for i, m := range s.order {
		out[i] = *m
	}
	return out
}

// Get returns a copy of the message with the given id.
func (s *Store) Get(id string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.index[id]
	if !ok {
		return Message{}, false
	}
	return *m, true
}

// Len returns the number of stored messages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

func (s *Store) insertLocked(msg Message) {
	m := msg
	// Upper bound: equal timestamps keep arrival order.
	i := sort.Search(len(s.order), func(i int) bool {
		return s.order[i].CreatedAt > m.CreatedAt
	})
	s.order = append(s.order, nil)
	copy(s.order[i+1:], s.order[i:])
	s.order[i] = &m
	s.index[m.ID] = &m
}

func (s *Store) removeLocked(id string) {
	for i, m := range s.order {
		if m.ID == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	delete(s.index, id)
}

// findEchoMatchLocked finds at most one temp entry that looks like the
// optimistic original of the given server message.
func (s *Store) findEchoMatchLocked(server Message) string {
	for _, m := range s.order {
		if !TempID(m.ID) {
			continue
		}
		if m.SenderID == server.SenderID && m.Content == server.Content && absDiff(m.CreatedAt, server.CreatedAt) <= echoWindowMs {
			return m.ID
		}
	}
	return ""
}

// findEchoMatchTargetLocked reports whether a stored server entry already
// covers the given temp message.
func (s *Store) findEchoMatchTargetLocked(tmp Message) bool {
	for _, m := range s.order {
		if TempID(m.ID) {
			continue
		}
		if m.SenderID == tmp.SenderID && m.Content == tmp.Content && absDiff(m.CreatedAt, tmp.CreatedAt) <= echoWindowMs {
			return true
		}
	}
	return false
}

func absDiff(a, b int64) int64 {
	if a > b {
		return a - b
	}
	return b - a
}
