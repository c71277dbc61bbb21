// Package persistence durably records each call's booking progress and
// transcript to Postgres via gorm, the way BaSui01-agentflow and
// Desarso-godantic wire up their storage layers. Writes are debounced per
// call and never allowed to block the dialog: every error is logged and
// swallowed.
package persistence

import (
	"encoding/json"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ridebook/gateway/pkg/orchestrator"
)

// FlushDebounce is how long ScheduleFlush coalesces repeated writes for the
// same call before actually hitting the database.
const FlushDebounce = 5 * time.Second

// TranscriptLine is one persisted transcript entry; kept independent of
// pkg/session's TranscriptEntry so this package has no dependency on the
// engine.
type TranscriptLine struct {
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Snapshot is the full state of one call the engine wants durably recorded.
type Snapshot struct {
	CallID           string
	CallerPhone      string
	Pickup           string
	Destination      string
	Passengers       int
	PickupTime       string
	Step             string
	Fare             string
	ETA              string
	BookingConfirmed bool
	Transcripts      []TranscriptLine
}

// CallRecord is the gorm model backing the calls table.
type CallRecord struct {
	CallID           string `gorm:"primaryKey"`
	CallerPhone      string
	Pickup           string
	Destination      string
	Passengers       int
	PickupTime       string
	Step             string
	Fare             string
	ETA              string
	BookingConfirmed bool
	TranscriptJSON   string `gorm:"type:text"`
	UpdatedAt        time.Time
}

// backend is the actual write path, factored out of Store so tests can
// substitute an in-memory fake instead of a live Postgres connection.
type backend interface {
	upsertCall(CallRecord) error
}

// gormBackend is the production backend, writing through gorm's upsert
// clause the way BaSui01-agentflow's storage layer does.
type gormBackend struct {
	db *gorm.DB
}

func (g *gormBackend) upsertCall(record CallRecord) error {
	return g.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "call_id"}},
		UpdateAll: true,
	}).Create(&record).Error
}

// Store debounces and flushes call snapshots to Postgres.
type Store struct {
	backend backend
	logger  orchestrator.Logger
	db      *gorm.DB

	mu      sync.Mutex
	timers  map[string]*time.Timer
	pending map[string]Snapshot
}

// New wraps an already-migrated *gorm.DB.
func New(db *gorm.DB, logger orchestrator.Logger) *Store {
	return newWithBackend(&gormBackend{db: db}, logger, db)
}

func newWithBackend(b backend, logger orchestrator.Logger, db *gorm.DB) *Store {
	return &Store{
		backend: b,
		logger:  logger,
		db:      db,
		timers:  make(map[string]*time.Timer),
		pending: make(map[string]Snapshot),
	}
}

// Migrate runs the schema migration for CallRecord. Call once at startup.
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(&CallRecord{})
}

// ScheduleFlush coalesces writes for callID behind a 5 s debounce: repeated
// calls before the debounce fires simply replace the pending snapshot.
func (s *Store) ScheduleFlush(callID string, snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending[callID] = snapshot
	if existing, ok := s.timers[callID]; ok {
		existing.Stop()
	}
	s.timers[callID] = time.AfterFunc(FlushDebounce, func() {
		s.flushNow(callID)
	})
}

// ImmediateFlush cancels any pending debounce for callID and writes now. Used
// on confirmation, end-call, and close.
func (s *Store) ImmediateFlush(callID string, snapshot Snapshot) {
	s.mu.Lock()
	s.pending[callID] = snapshot
	if existing, ok := s.timers[callID]; ok {
		existing.Stop()
		delete(s.timers, callID)
	}
	s.mu.Unlock()

	s.flushNow(callID)
}

func (s *Store) flushNow(callID string) {
	s.mu.Lock()
	snapshot, ok := s.pending[callID]
	delete(s.pending, callID)
	delete(s.timers, callID)
	s.mu.Unlock()

	if !ok {
		return
	}
	if err := s.upsertCall(snapshot); err != nil {
		if s.logger != nil {
			s.logger.Error("persistence: flush failed", "call_id", callID, "error", err)
		}
	}
}

func (s *Store) upsertCall(snapshot Snapshot) error {
	transcriptJSON, err := json.Marshal(snapshot.Transcripts)
	if err != nil {
		return err
	}

	record := CallRecord{
		CallID:           snapshot.CallID,
		CallerPhone:      snapshot.CallerPhone,
		Pickup:           snapshot.Pickup,
		Destination:      snapshot.Destination,
		Passengers:       snapshot.Passengers,
		PickupTime:       snapshot.PickupTime,
		Step:             snapshot.Step,
		Fare:             snapshot.Fare,
		ETA:              snapshot.ETA,
		BookingConfirmed: snapshot.BookingConfirmed,
		TranscriptJSON:   string(transcriptJSON),
		UpdatedAt:        time.Now(),
	}

	return s.backend.upsertCall(record)
}

// CancelPending drops (without flushing) any debounce timer for callID. Used
// when a call's ImmediateFlush has already captured the final state.
func (s *Store) CancelPending(callID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.timers[callID]; ok {
		existing.Stop()
		delete(s.timers, callID)
	}
	delete(s.pending, callID)
}
