package app

import (
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/jaakkos/leadline/internal/domain"
)

// FeedItem is one line of the live activity feed.
type FeedItem struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Time      string    `json:"time"`
	Timestamp time.Time `json:"timestamp"`
}

type leadMark struct {
	status domain.LeadStatus
	caller string
}

// Feed keeps the most recent activity items, newest first. It consumes the
// same events the push channel publishes.
type Feed struct {
	mu    sync.Mutex
	size  int
	items []FeedItem
	seen  map[string]leadMark
	now   func() time.Time
}

// NewFeed creates a feed holding at most size items.
func NewFeed(size int) *Feed {
	if size <= 0 {
		size = 10
	}
	return &Feed{size: size, seen: make(map[string]leadMark), now: time.Now}
}

// Seed fills the feed from leads (newest first) without duplicating later events.
func (f *Feed) Seed(leads []LeadView) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, l := range leads {
		f.seen[l.ID] = leadMark{status: l.Status, caller: l.CallerID()}
		if len(f.items) >= f.size {
			continue
		}
		typ, msg := describeLead(l)
		if msg == "" {
			typ, msg = string(domain.StatusNew), newLeadMessage(l)
		}
		f.items = append(f.items, FeedItem{ID: "init-" + l.ID, Type: typ, Message: msg, Timestamp: l.CreatedAt})
	}
}

// Publish records lead events. It implements Publisher.
func (f *Feed) Publish(ev domain.Event) {
	switch ev.Name {
	case domain.EventLeadNew:
		env, ok := ev.Data.(LeadEnvelope)
		if !ok {
			return
		}
		f.add(env.Lead, "new", string(domain.StatusNew), newLeadMessage(env.Lead))
	case domain.EventLeadUpdated:
		lead, ok := ev.Data.(LeadView)
		if !ok {
			return
		}
		typ, msg := describeLead(lead)
		f.add(lead, "upd", typ, msg)
	}
}

func (f *Feed) add(lead LeadView, prefix, typ, msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	mark := leadMark{status: lead.Status, caller: lead.CallerID()}
	prev, seen := f.seen[lead.ID]
	f.seen[lead.ID] = mark
	if msg == "" || (seen && prev == mark) {
		return
	}
	now := f.now()
	item := FeedItem{
		ID:        fmt.Sprintf("%s-%s-%d", prefix, lead.ID, now.UnixNano()),
		Type:      typ,
		Message:   msg,
		Timestamp: now,
	}
	f.items = append([]FeedItem{item}, f.items...)
	if len(f.items) > f.size {
		f.items = f.items[:f.size]
	}
}

// Items returns the feed with relative times filled in.
func (f *Feed) Items() []FeedItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.now()
	out := make([]FeedItem, len(f.items))
	for i, it := range f.items {
		it.Time = humanize.RelTime(it.Timestamp, now, "ago", "from now")
		if now.Sub(it.Timestamp) < time.Second {
			it.Time = "just now"
		}
		out[i] = it
	}
	return out
}

func newLeadMessage(l LeadView) string {
	state := l.StateName()
	if state == "" {
		state = "Unknown"
	}
	return fmt.Sprintf("New lead from %s - %s", state, l.Name)
}

// describeLead returns the feed type and message for a lead's current status,
// or an empty message when the status is not worth a line.
func describeLead(l LeadView) (string, string) {
	caller := ""
	if l.AssignedCaller != nil {
		caller = l.AssignedCaller.Name
	}
	switch l.Status {
	case domain.StatusAssigned:
		if caller == "" {
			return "assigned", "Lead assigned - " + l.Name
		}
		return "assigned", fmt.Sprintf("Lead assigned to %s - %s", caller, l.Name)
	case domain.StatusClosed:
		if caller == "" {
			return "closed", "Deal closed - " + l.Name
		}
		return "closed", fmt.Sprintf("Deal closed by %s - %s", caller, l.Name)
	case domain.StatusContacted:
		return "contacted", "Lead contacted - " + l.Name
	case domain.StatusQualified:
		return "qualified", "Lead qualified - " + l.Name
	case domain.StatusLost:
		return "lost", "Lead lost - " + l.Name
	}
	return string(l.Status), ""
}
