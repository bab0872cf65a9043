// Package notifications keeps the per-user log of received events: newest
// first, capped, deduplicated, and persisted in the local key-value store.
package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/carelink/internal/event"
	"github.com/vovakirdan/carelink/internal/log"
	"github.com/vovakirdan/carelink/internal/metrics"
	"github.com/vovakirdan/carelink/internal/store"
	"github.com/vovakirdan/carelink/internal/utils"
)

// DefaultCap is the number of events kept when no cap is configured.
const DefaultCap = 50

const persistTimeout = 2 * time.Second

// Item is one stored notification.
type Item struct {
	ID        string          `json:"id"`
	Type      event.Kind      `json:"type"`
	Title     string          `json:"title"`
	Message   string          `json:"message"`
	Timestamp time.Time       `json:"timestamp"`
	Stamped   bool            `json:"stamped,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	IsRead    bool            `json:"is_read"`
}

// Category returns the event category of the item.
func (i Item) Category() event.Category {
	return i.Type.Category()
}

func (i Item) valid() bool {
	return i.ID != "" && i.Type.Known() && !i.Timestamp.IsZero()
}

// Filter selects items in List. The zero value matches everything.
type Filter struct {
	UnreadOnly bool
	Category   event.Category
}

// Common filters.
var (
	FilterAll          = Filter{}
	FilterUnread       = Filter{UnreadOnly: true}
	FilterCalls        = Filter{Category: event.CategoryCall}
	FilterAppointments = Filter{Category: event.CategoryAppointment}
)

// Match reports whether i passes the filter.
func (f Filter) Match(i Item) bool {
	if f.UnreadOnly && i.IsRead {
		return false
	}
	if f.Category != event.CategoryUnknown && i.Category() != f.Category {
		return false
	}
	return true
}

// Store is the capped notification log of one user.
type Store struct {
	mu    sync.Mutex
	kv    store.KVStore
	key   string
	cap   int
	items []Item
	newID func() string
	log   *zerolog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithCap sets the maximum number of kept items.
func WithCap(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.cap = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zerolog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// WithIDFunc replaces the id generator.
func WithIDFunc(f func() string) Option {
	return func(s *Store) {
		if f != nil {
			s.newID = f
		}
	}
}

// Key returns the key-value key holding the log of userID.
func Key(userID string) string {
	return "notifications:" + userID
}

// Open loads the log of userID from kv. Storage problems never fail Open:
// invalid entries are dropped and unreadable data is cleared.
func Open(ctx context.Context, kv store.KVStore, userID string, opts ...Option) *Store {
	s := &Store{
		kv:    kv,
		key:   Key(userID),
		cap:   DefaultCap,
		newID: utils.NewTimeID,
		log:   log.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.load(ctx)
	return s
}

func (s *Store) load(ctx context.Context) {
	data, err := s.kv.Get(ctx, s.key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.log.Warn().Err(err).Str("key", s.key).Msg("notification log unreadable, starting empty")
		}
		return
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		s.log.Warn().Err(err).Str("key", s.key).Msg("notification log corrupt, clearing")
		if delErr := s.kv.Delete(ctx, s.key); delErr != nil {
			s.log.Warn().Err(delErr).Str("key", s.key).Msg("failed to clear corrupt notification log")
		}
		return
	}

	seen := make(map[string]struct{}, len(raw))
	dropped := 0
	for _, r := range raw {
		var it Item
		if err := json.Unmarshal(r, &it); err != nil || !it.valid() {
			dropped++
			continue
		}
		if _, dup := seen[it.ID]; dup {
			dropped++
			continue
		}
		seen[it.ID] = struct{}{}
		s.items = append(s.items, it)
	}
	if len(s.items) > s.cap {
		dropped += len(s.items) - s.cap
		s.items = s.items[:s.cap]
	}

	if dropped > 0 {
		s.log.Warn().Int("dropped", dropped).Str("key", s.key).Msg("dropped invalid notification entries")
		s.persistLocked()
	}
}

// Record stores ev as the newest item and returns the unread count.
// A redelivered server event already in the log is ignored.
func (s *Store) Record(ev event.Event) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.Stamped && s.containsLocked(ev) {
		s.log.Debug().Str("type", string(ev.Kind)).Msg("duplicate notification ignored")
		return s.unreadLocked()
	}

	item := Item{
		ID:        s.uniqueIDLocked(),
		Type:      ev.Kind,
		Title:     ev.Title(),
		Message:   ev.Message(),
		Timestamp: ev.Timestamp,
		Stamped:   ev.Stamped,
		Payload:   ev.Raw,
	}

	s.items = append([]Item{item}, s.items...)
	if len(s.items) > s.cap {
		s.items = s.items[:s.cap]
	}
	metrics.NotificationsRecordedTotal.WithLabelValues(ev.Category().String()).Inc()

	s.persistLocked()
	return s.unreadLocked()
}

func (s *Store) containsLocked(ev event.Event) bool {
	for _, it := range s.items {
		if it.Stamped && it.Type == ev.Kind && it.Timestamp.Equal(ev.Timestamp) && samePayload(it.Payload, ev.Raw) {
			return true
		}
	}
	return false
}

// samePayload compares frames by value; a persisted copy may differ from the
// wire bytes in whitespace or escaping.
func samePayload(a, b json.RawMessage) bool {
	if bytes.Equal(a, b) {
		return true
	}
	var va, vb any
	if json.Unmarshal(a, &va) != nil || json.Unmarshal(b, &vb) != nil {
		return false
	}
	return reflect.DeepEqual(va, vb)
}

func (s *Store) uniqueIDLocked() string {
	for {
		id := s.newID()
		taken := false
		for _, it := range s.items {
			if it.ID == id {
				taken = true
				break
			}
		}
		if !taken {
			return id
		}
	}
}

// MarkRead marks one item read and returns the unread count.
func (s *Store) MarkRead(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.items {
		if s.items[i].ID == id {
			if !s.items[i].IsRead {
				s.items[i].IsRead = true
				s.persistLocked()
			}
			break
		}
	}
	return s.unreadLocked()
}

// MarkAllRead marks every item read and returns the unread count (zero).
func (s *Store) MarkAllRead() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	for i := range s.items {
		if !s.items[i].IsRead {
			s.items[i].IsRead = true
			changed = true
		}
	}
	if changed {
		s.persistLocked()
	}
	return s.unreadLocked()
}

// Clear drops every item and removes the persisted log.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = nil
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.kv.Delete(ctx, s.key); err != nil {
		s.log.Warn().Err(err).Str("key", s.key).Msg("failed to clear notification log")
	}
}

// List returns the items matching f, newest first.
func (s *Store) List(f Filter) []Item {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Item, 0, len(s.items))
	for _, it := range s.items {
		if f.Match(it) {
			out = append(out, it)
		}
	}
	return out
}

// UnreadCount returns the number of unread items.
func (s *Store) UnreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unreadLocked()
}

// Len returns the number of stored items.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func (s *Store) unreadLocked() int {
	n := 0
	for _, it := range s.items {
		if !it.IsRead {
			n++
		}
	}
	return n
}

// persistLocked writes the log; failures are logged and swallowed.
func (s *Store) persistLocked() {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	err := enc.Encode(s.items)
	data := bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
	if err != nil {
		s.log.Warn().Err(err).Str("key", s.key).Msg("failed to encode notification log")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.kv.Set(ctx, s.key, data); err != nil {
		s.log.Warn().Err(err).Str("key", s.key).Msg("failed to persist notification log")
	}
}
