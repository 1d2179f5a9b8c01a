package app

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/jaakkos/leadline/internal/domain"
)

// Actors recorded in assignment history when no user is behind a change.
const (
	ActorAuto   = "auto"
	ActorSystem = "system"
	ActorAPI    = "api"
)

// errSkipSave lets a Run callback report that it changed nothing.
var errSkipSave = errors.New("no changes")

// Triggerable is something that can be triggered after a state write (e.g. Notifier).
type Triggerable interface {
	Trigger()
}

// CRMService runs lead and caller use cases over persisted state.
type CRMService struct {
	repo     StateRepository
	policy   Policy
	logger   *zap.Logger
	mu       sync.Mutex
	notifier Triggerable // optional; set via SetNotifier after construction
	now      func() time.Time
	newID    func() string
}

// ServiceOption configures a CRMService.
type ServiceOption func(*CRMService)

// WithClock overrides the service clock.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *CRMService) { s.now = now }
}

// WithIDGenerator overrides how lead, caller and history ids are minted.
func WithIDGenerator(f func() string) ServiceOption {
	return func(s *CRMService) { s.newID = f }
}

// NewCRMService returns a new CRMService. A nil logger discards output.
func NewCRMService(repo StateRepository, policy Policy, logger *zap.Logger, opts ...ServiceOption) *CRMService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &CRMService{
		repo:   repo,
		policy: policy,
		logger: logger,
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SetNotifier attaches a Triggerable (e.g. *Notifier) that is poked after every state write.
// Same-process writes do not always surface through fsnotify.
func (s *CRMService) SetNotifier(n Triggerable) {
	s.notifier = n
}

// Writers in other processes (a second replica, the import command) share
// the store. A Save that finds a newer revision fails with
// domain.ErrStaleState and Run starts over from a fresh Load.
const maxStaleRetries = 64

// Run loads state, runs fn, prunes history, then saves and signals watchers.
// Caller must not retain state after fn returns. fn may run more than once
// when another writer commits first, so it must only touch the state it is given
// and variables it assigns from scratch.
// A load error is returned as is: writes never start from an empty state,
// because Save would then wipe the database.
func (s *CRMService) Run(ctx context.Context, fn func(*domain.CRMState) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for attempt := 1; ; attempt++ {
		err := s.runOnce(ctx, fn)
		if !errors.Is(err, domain.ErrStaleState) || attempt >= maxStaleRetries {
			return err
		}
		s.logger.Debug("state changed by another writer, retrying", zap.Int("attempt", attempt))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(staleBackoff(attempt)):
		}
	}
}

func (s *CRMService) runOnce(ctx context.Context, fn func(*domain.CRMState) error) error {
	state, err := s.repo.Load()
	if err != nil {
		return fmt.Errorf("state load: %w", err)
	}
	EnsureStateMaps(state)
	if err := fn(state); err != nil {
		if errors.Is(err, errSkipSave) {
			return nil
		}
		return err
	}
	if n := PruneHistory(state, s.policy.HistoryMax(), s.policy.HistoryRetentionDays(), s.now()); n > 0 {
		s.logger.Debug("pruned assignment history", zap.Int("entries", n))
	}
	if err := s.repo.Save(state); err != nil {
		return fmt.Errorf("state save: %w", err)
	}
	trace.SpanFromContext(ctx).AddEvent("crm.state.saved",
		trace.WithAttributes(attribute.Int("crm.leads", len(state.Leads))))
	if err := TouchNotifySignal(s.policy.SignalFilePath()); err != nil {
		s.logger.Warn("touch notify signal", zap.Error(err))
	}
	if s.notifier != nil {
		s.notifier.Trigger()
	}
	return nil
}

// staleBackoff is the jittered delay before retry attempt+1, capped at ~21ms.
func staleBackoff(attempt int) time.Duration {
	d := time.Duration(attempt) * time.Millisecond
	if d > 20*time.Millisecond {
		d = 20 * time.Millisecond
	}
	return d + time.Duration(rand.Int64N(int64(time.Millisecond)))
}

// Query loads state and runs fn without saving. Load errors are returned.
func (s *CRMService) Query(ctx context.Context, fn func(*domain.CRMState) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.repo.Load()
	if err != nil {
		trace.SpanFromContext(ctx).RecordError(err)
		return fmt.Errorf("state load: %w", err)
	}
	EnsureStateMaps(state)
	return fn(state)
}

// Policy returns the policy for handlers that need configuration.
func (s *CRMService) Policy() Policy { return s.policy }

// Today returns the current capacity day.
func (s *CRMService) Today() string { return s.policy.Today(s.now()) }

// Now returns the service clock's current time.
func (s *CRMService) Now() time.Time { return s.now() }
