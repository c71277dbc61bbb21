// Package booking owns the Booking/UserTruth ground-truth records and the
// deterministic step state machine that drives the dialog. It is deliberately
// free of I/O: the session engine is the only caller, and it is the only
// place allowed to mutate a given Booking.
package booking

import (
	"strings"
	"sync"
)

// Field identifies one of the four booking slots.
type Field string

const (
	FieldPickup      Field = "pickup"
	FieldDestination Field = "destination"
	FieldPassengers  Field = "passengers"
	FieldTime        Field = "time"
)

// Source ranks where a field value came from. Higher-ranked sources win ties
// and are never silently overwritten by a lower-ranked one.
type Source int

const (
	SourceHeuristic Source = iota
	SourceToolArg
	SourceUserTruth
)

// Step is one slot in the booking dialog, or a terminal state.
type Step string

const (
	StepPickup        Step = "pickup"
	StepDestination   Step = "destination"
	StepPassengers    Step = "passengers"
	StepTime          Step = "time"
	StepConfirmation  Step = "confirmation"
	StepConfirmed     Step = "confirmed"
	StepNone          Step = "none"
)

// stepOrder defines the monotone ordering used by the "step never regresses
// under agreement" testable property.
var stepOrder = map[Step]int{
	StepPickup:       0,
	StepDestination:  1,
	StepPassengers:   2,
	StepTime:         3,
	StepConfirmation: 4,
	StepConfirmed:    5,
}

// Less reports whether a occurs strictly before b in the canonical step
// ordering.
func Less(a, b Step) bool {
	return stepOrder[a] < stepOrder[b]
}

// ASAP is the sentinel pickup-time value meaning "as soon as possible".
const ASAP = "ASAP"

// Booking is the four-field taxi order under construction for one call.
type Booking struct {
	Pickup      string
	Destination string
	Passengers  int
	PickupTime  string
}

// MissingRequiredFields returns the required slots (pickup, destination,
// passengers) that are still unset. PickupTime is not required to request a
// quote.
func (b Booking) MissingRequiredFields() []Field {
	var missing []Field
	if b.Pickup == "" {
		missing = append(missing, FieldPickup)
	}
	if b.Destination == "" {
		missing = append(missing, FieldDestination)
	}
	if b.Passengers < 1 {
		missing = append(missing, FieldPassengers)
	}
	return missing
}

// UserTruth mirrors Booking but only ever receives values captured directly
// from a corrected user transcript tied to the question that was active at
// the moment the user began speaking. It is the highest-precedence source.
type UserTruth struct {
	Pickup      string
	Destination string
	Passengers  int
	PickupTime  string
}

// Quote is the fare/ETA/booking-ref/callback tuple the dispatch backend (or a
// synthesized fallback) supplies, and which the assistant must recite
// verbatim once delivered.
type QuoteSource string

const (
	QuoteSourceReal     QuoteSource = "real"
	QuoteSourceFallback QuoteSource = "fallback"
)

type Quote struct {
	Fare        string
	ETA         string
	BookingRef  string
	CallbackURL string
	Source      QuoteSource
}

// fieldSources tracks, per field, the highest Source rank that has written
// it, so setField can enforce the precedence invariant.
type fieldSources struct {
	pickup, destination, passengers, time Source
	pickupSet, destinationSet             bool
	passengersSet, timeSet                bool
}

// Store is the mutex-guarded owner of a single call's Booking and UserTruth
// records. All field writes go through SetField or SetPassengers so the
// precedence invariant cannot be bypassed.
type Store struct {
	mu        sync.Mutex
	booking   Booking
	userTruth UserTruth
	sources   fieldSources
	step      Step
}

// NewStore creates an empty booking store at step "pickup".
func NewStore() *Store {
	return &Store{step: StepPickup}
}

// SetField updates the pickup, destination or time field if it has not been
// written yet or source ranks at or above the source that last wrote it (so
// a later user-truth correction replaces earlier user truth). Passenger
// counts go through SetPassengers; SetField returns false for
// FieldPassengers. Returns whether the write was accepted.
func (s *Store) SetField(field Field, value string, source Source) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch field {
	case FieldPickup:
		if !s.sources.pickupSet || source >= s.sources.pickup {
			s.booking.Pickup = value
			s.sources.pickup = source
			s.sources.pickupSet = true
			if source == SourceUserTruth {
				s.userTruth.Pickup = value
			}
			s.advanceStep()
			return true
		}
	case FieldDestination:
		if !s.sources.destinationSet || source >= s.sources.destination {
			s.booking.Destination = value
			s.sources.destination = source
			s.sources.destinationSet = true
			if source == SourceUserTruth {
				s.userTruth.Destination = value
			}
			s.advanceStep()
			return true
		}
	case FieldTime:
		if !s.sources.timeSet || source >= s.sources.time {
			s.booking.PickupTime = value
			s.sources.time = source
			s.sources.timeSet = true
			if source == SourceUserTruth {
				s.userTruth.PickupTime = value
			}
			s.advanceStep()
			return true
		}
	}
	return false
}

// SetPassengers validates and sets the passenger count field. Rejects counts
// outside [1, 20] and text that looks like a misrouted address (contains a
// street-type keyword or is implausibly long for a headcount).
func (s *Store) SetPassengers(count int, rawText string, source Source) bool {
	if count < 1 || count > 20 {
		return false
	}
	if looksLikeAddress(rawText) {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.sources.passengersSet || source >= s.sources.passengers {
		s.booking.Passengers = count
		s.sources.passengers = source
		s.sources.passengersSet = true
		if source == SourceUserTruth {
			s.userTruth.Passengers = count
		}
		s.advanceStep()
		return true
	}
	return false
}

var addressKeywords = []string{
	"street", "road", "avenue", "lane", "drive", "boulevard", "close",
	"way", "place", "court", "terrace", "crescent",
}

func looksLikeAddress(text string) bool {
	if len(text) > 30 {
		return true
	}
	lower := strings.ToLower(text)
	for _, kw := range addressKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// advanceStep recomputes the current step after a mutation. Must be called
// with s.mu held.
func (s *Store) advanceStep() {
	next := ComputeNextStep(s.booking)
	// Corrections can regress the step (e.g. clearing destination would be a
	// caller bug, but a correction that changes an earlier field and leaves
	// later ones unset naturally recomputes backward). Once the step is
	// confirmation or confirmed it is no longer recomputed here; only SetStep
	// moves it.
	if s.step == StepConfirmation || s.step == StepConfirmed {
		return
	}
	s.step = next
}

// Step returns the current step.
func (s *Store) Step() Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.step
}

// SetStep forces the step, used by the session engine to move into
// confirmation/confirmed once it has independently verified those
// transitions (e.g. after a successful book_taxi(confirmed)).
func (s *Store) SetStep(step Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.step = step
}

// Booking returns a copy of the current booking.
func (s *Store) Booking() Booking {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.booking
}

// UserTruth returns a copy of the current user-truth record.
func (s *Store) UserTruth() UserTruth {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userTruth
}

// ComputeNextStep returns the first unfilled slot among
// {pickup, destination, passengers, time}, otherwise confirmation.
func ComputeNextStep(b Booking) Step {
	if b.Pickup == "" {
		return StepPickup
	}
	if b.Destination == "" {
		return StepDestination
	}
	if b.Passengers < 1 {
		return StepPassengers
	}
	if b.PickupTime == "" {
		return StepTime
	}
	return StepConfirmation
}

// GetInstruction returns the canonical prompt the engine injects to request
// exactly the next question for the given step.
func GetInstruction(step Step, b Booking) string {
	switch step {
	case StepPickup:
		return "Ask the caller for their pickup address."
	case StepDestination:
		return "Ask the caller where they are going."
	case StepPassengers:
		return "Ask the caller how many passengers are travelling."
	case StepTime:
		return "Ask the caller what time they would like to be picked up, or if it should be ASAP."
	case StepConfirmation:
		return "Summarize the booking details collected so far and ask the caller to confirm."
	case StepConfirmed:
		return "Thank the caller; the booking is confirmed."
	default:
		return "Continue the conversation."
	}
}
