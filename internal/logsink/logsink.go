// Package logsink implements the ordered, persistent, fan-out log writer
// every build owns: it assigns per-build monotonic sequence numbers,
// serializes persistence, and pushes best-effort live updates to
// subscribers without ever blocking on a slow one.
package logsink

import (
	"fmt"
	"sync"
	"time"

	"github.com/corvus-ci/ando-control-plane/internal/models"
)

// EntryStore is the subset of store.Store the sink persists through.
type EntryStore interface {
	InsertLogEntry(entry *models.BuildLogEntry) error
}

// subscriberQueueDepth bounds each subscriber's broadcast channel. A
// subscriber that cannot keep up has entries dropped for it; persistence
// itself never drops.
const subscriberQueueDepth = 256

// Verbosity gates which entry kinds are emitted. Error and Output are
// always emitted regardless of level.
type Verbosity int

const (
	VerbosityInfo Verbosity = iota
	VerbosityDebug
)

// Sink is a single build's log writer. One Sink instance is created per
// build and discarded when the build finishes.
type Sink struct {
	buildID   int64
	store     EntryStore
	verbosity Verbosity

	sequence int64 // last sequence assigned (0 before the first entry); guarded by persistMu

	persistMu sync.Mutex // serializes assignment + persistence so assignment order == persisted order

	subscribersMu sync.Mutex
	subscribers   map[int]chan models.BuildLogEntry
	nextSubID     int
}

// NewSink constructs a Sink for one build. Sequence numbers start at 1.
func NewSink(buildID int64, store EntryStore, verbosity Verbosity) *Sink {
	return &Sink{
		buildID:     buildID,
		store:       store,
		verbosity:   verbosity,
		subscribers: make(map[int]chan models.BuildLogEntry),
	}
}

// Subscribe registers a live-update channel and returns it plus an
// unsubscribe function. The returned channel is bounded; a slow reader has
// entries dropped for it rather than blocking the sink.
func (s *Sink) Subscribe() (<-chan models.BuildLogEntry, func()) {
	s.subscribersMu.Lock()
	defer s.subscribersMu.Unlock()

	id := s.nextSubID
	s.nextSubID++
	ch := make(chan models.BuildLogEntry, subscriberQueueDepth)
	s.subscribers[id] = ch

	unsubscribe := func() {
		s.subscribersMu.Lock()
		defer s.subscribersMu.Unlock()
		if existing, ok := s.subscribers[id]; ok {
			close(existing)
			delete(s.subscribers, id)
		}
	}
	return ch, unsubscribe
}

func (s *Sink) Info(format string, args ...any) error {
	if s.verbosity < VerbosityInfo {
		return nil
	}
	return s.emit(models.LogEntryInfo, fmt.Sprintf(format, args...), nil)
}

func (s *Sink) Debug(format string, args ...any) error {
	if s.verbosity < VerbosityDebug {
		return nil
	}
	return s.emit(models.LogEntryDebug, fmt.Sprintf(format, args...), nil)
}

func (s *Sink) Warning(format string, args ...any) error {
	if s.verbosity < VerbosityInfo {
		return nil
	}
	return s.emit(models.LogEntryWarning, fmt.Sprintf(format, args...), nil)
}

// Error is always emitted regardless of verbosity level.
func (s *Sink) Error(format string, args ...any) error {
	return s.emit(models.LogEntryError, fmt.Sprintf(format, args...), nil)
}

// Output is always emitted regardless of verbosity level — it carries the
// in-container runner's stdout/stderr.
func (s *Sink) Output(line string) error {
	return s.emit(models.LogEntryOutput, line, nil)
}

func (s *Sink) StepStarted(stepName string) error {
	return s.emit(models.LogEntryStepStarted, "step started: "+stepName, &stepName)
}

func (s *Sink) StepCompleted(stepName string) error {
	return s.emit(models.LogEntryStepCompleted, "step completed: "+stepName, &stepName)
}

func (s *Sink) StepFailed(stepName string, reason string) error {
	return s.emit(models.LogEntryStepFailed, "step failed: "+stepName+": "+reason, &stepName)
}

// emit assigns the next sequence number and persists the entry under the
// same critical section, so two producers racing to emit concurrently (the
// container runtime streams stdout and stderr through separate goroutines)
// can never have the one assigned the later sequence persist first.
func (s *Sink) emit(entryType models.LogEntryType, message string, stepName *string) error {
	entry := models.BuildLogEntry{
		BuildID:   s.buildID,
		Type:      entryType,
		Message:   models.TruncateMessage(message),
		StepName:  stepName,
		Timestamp: time.Now().UTC(),
	}

	s.persistMu.Lock()
	s.sequence++
	entry.Sequence = s.sequence
	err := s.store.InsertLogEntry(&entry)
	s.persistMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to persist log entry (build %d seq %d): %w", s.buildID, entry.Sequence, err)
	}

	s.broadcast(entry)
	return nil
}

// broadcast fans entry out to every live subscriber. A full subscriber
// channel has the entry dropped for it rather than blocking persistence or
// any other subscriber — the "fire-and-forget broadcast" rule.
func (s *Sink) broadcast(entry models.BuildLogEntry) {
	s.subscribersMu.Lock()
	defer s.subscribersMu.Unlock()

	for _, ch := range s.subscribers {
		select {
		case ch <- entry:
		default:
			// slow subscriber: drop rather than block
		}
	}
}
