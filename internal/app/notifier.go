package app

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/jaakkos/leadline/internal/domain"
)

const (
	defaultDebounce     = 200 * time.Millisecond
	defaultPollInterval = 10 * time.Second
)

// Publisher receives push events.
type Publisher interface {
	Publish(ev domain.Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ev domain.Event)

// Publish calls f(ev).
func (f PublisherFunc) Publish(ev domain.Event) { f(ev) }

// MultiPublisher fans an event out to every publisher in order.
type MultiPublisher []Publisher

// Publish implements Publisher.
func (m MultiPublisher) Publish(ev domain.Event) {
	for _, p := range m {
		if p != nil {
			p.Publish(ev)
		}
	}
}

type leadSnap struct {
	updatedAt time.Time
	caller    string
}

type callerSnap struct {
	updatedAt time.Time
	count     int
	countDate string
	active    bool
}

func (a callerSnap) equal(b callerSnap) bool {
	return a.updatedAt.Equal(b.updatedAt) && a.count == b.count && a.countDate == b.countDate && a.active == b.active
}

// Notifier watches the signal file, diffs persisted state against what it
// last published and emits lead and caller events for every change.
// The first check only records a baseline.
type Notifier struct {
	signalPath   string
	repo         StateRepository
	publisher    Publisher
	today        func() string
	logger       *zap.Logger
	debounce     time.Duration
	pollInterval time.Duration

	mu            sync.Mutex
	lastRev       string
	debounceTimer *time.Timer
	stopped       bool
	stopOnce      sync.Once
	stopCh        chan struct{}
	doneCh        chan struct{}

	checkMu sync.Mutex // serializes diffs so an event is never published twice
	primed  bool
	leads   map[string]leadSnap
	callers map[string]callerSnap
}

// NotifierOption configures the notifier.
type NotifierOption func(*Notifier)

// WithPollInterval sets the fallback poll interval (default 10s).
func WithPollInterval(d time.Duration) NotifierOption {
	return func(n *Notifier) {
		if d > 0 {
			n.pollInterval = d
		}
	}
}

// WithDebounce sets how long writes are coalesced before a diff (default 200ms).
func WithDebounce(d time.Duration) NotifierOption {
	return func(n *Notifier) { n.debounce = d }
}

// NewNotifier creates a notifier. today returns the current capacity day and
// is used to render caller status.
func NewNotifier(signalPath string, repo StateRepository, publisher Publisher, today func() string, logger *zap.Logger, opts ...NotifierOption) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	n := &Notifier{
		signalPath:   signalPath,
		repo:         repo,
		publisher:    publisher,
		today:        today,
		logger:       logger,
		debounce:     defaultDebounce,
		pollInterval: defaultPollInterval,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
		leads:        make(map[string]leadSnap),
		callers:      make(map[string]callerSnap),
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Start runs the file watcher and fallback poll until ctx is cancelled or
// Stop is called. If fsnotify cannot watch the signal directory, the
// notifier polls only.
func (n *Notifier) Start(ctx context.Context) {
	defer close(n.doneCh)
	n.checkAndPublish(true)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		n.logger.Warn("fsnotify init failed, polling only", zap.Error(err))
		watcher = nil
	} else if err := watcher.Add(filepath.Dir(n.signalPath)); err != nil {
		n.logger.Warn("fsnotify watch failed, polling only", zap.String("dir", filepath.Dir(n.signalPath)), zap.Error(err))
		_ = watcher.Close()
		watcher = nil
	}

	var wg sync.WaitGroup
	if watcher != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n.watchLoop(ctx, watcher, filepath.Base(n.signalPath))
		}()
	}
	n.pollLoop(ctx)
	if watcher != nil {
		_ = watcher.Close()
	}
	wg.Wait()

	n.mu.Lock()
	n.stopped = true
	if n.debounceTimer != nil {
		n.debounceTimer.Stop()
	}
	n.mu.Unlock()
}

// Stop signals the notifier to stop and waits for Start to return.
func (n *Notifier) Stop() {
	n.stopOnce.Do(func() { close(n.stopCh) })
	<-n.doneCh
}

// CheckOnce runs one diff-and-publish cycle regardless of the signal revision.
func (n *Notifier) CheckOnce() {
	n.checkAndPublish(true)
}

// Trigger schedules a debounced diff. CRMService.Run calls it after every save.
func (n *Notifier) Trigger() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return
	}
	if n.debounceTimer != nil {
		n.debounceTimer.Stop()
	}
	n.debounceTimer = time.AfterFunc(n.debounce, func() {
		n.checkAndPublish(true)
	})
}

func (n *Notifier) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, signalName string) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.stopCh:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != signalName || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			n.Trigger()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			n.logger.Warn("fsnotify error", zap.Error(err))
		}
	}
}

func (n *Notifier) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(n.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.stopCh:
			return
		case <-ticker.C:
			n.checkAndPublish(false)
		}
	}
}

// checkAndPublish diffs state and publishes changes. Unforced checks skip the
// load when the signal revision has not moved.
func (n *Notifier) checkAndPublish(force bool) {
	n.checkMu.Lock()
	defer n.checkMu.Unlock()

	rev := ReadSignalRevision(n.signalPath)
	n.mu.Lock()
	unchanged := rev == n.lastRev
	n.mu.Unlock()
	if !force && unchanged && n.primed {
		return
	}

	state, err := n.repo.Load()
	if err != nil {
		n.logger.Warn("notifier state load failed", zap.Error(err))
		return
	}
	EnsureStateMaps(state)
	events := n.diff(state)
	n.mu.Lock()
	n.lastRev = rev
	n.mu.Unlock()

	for _, ev := range events {
		n.publisher.Publish(ev)
	}
	if len(events) > 0 {
		n.logger.Debug("published state changes", zap.Int("events", len(events)))
	}
}

func (n *Notifier) diff(state *domain.CRMState) []domain.Event {
	var events []domain.Event
	primed := n.primed
	day := n.today()

	leads := make(map[string]leadSnap, len(state.Leads))
	for i := range state.Leads {
		l := &state.Leads[i]
		snap := leadSnap{updatedAt: l.UpdatedAt, caller: l.CallerID()}
		leads[l.ID] = snap
		if !primed {
			continue
		}
		prev, seen := n.leads[l.ID]
		switch {
		case !seen:
			view := NewLeadView(state, l, false)
			events = append(events, domain.Event{Name: domain.EventLeadNew, Data: LeadEnvelope{Lead: view}})
			if snap.caller == "" {
				events = append(events, domain.Event{Name: domain.EventLeadUnassigned, Data: view})
			}
		case !prev.updatedAt.Equal(snap.updatedAt) || prev.caller != snap.caller:
			view := NewLeadView(state, l, false)
			events = append(events, domain.Event{Name: domain.EventLeadUpdated, Data: view})
			if prev.caller != "" && snap.caller == "" {
				events = append(events, domain.Event{Name: domain.EventLeadUnassigned, Data: view})
			}
		}
	}

	callers := make(map[string]callerSnap, len(state.Callers))
	for _, c := range OrderedCallers(state) {
		snap := callerSnap{updatedAt: c.UpdatedAt, count: c.TodayLeadCount, countDate: c.CountDate, active: c.IsActive}
		callers[c.ID] = snap
		if !primed {
			continue
		}
		if prev, seen := n.callers[c.ID]; !seen || !prev.equal(snap) {
			events = append(events, domain.Event{Name: domain.EventCallerUpdated, Data: NewCallerView(c, day)})
		}
	}

	n.leads = leads
	n.callers = callers
	n.primed = true
	return events
}
