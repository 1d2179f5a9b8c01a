// Package sqlstore persists CRM state in SQLite or PostgreSQL through sqlx.
package sqlstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/jaakkos/leadline/internal/domain"
)

// Driver names accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

func init() {
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

const schema = `
CREATE TABLE IF NOT EXISTS leads (
	seq INTEGER NOT NULL,
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	phone TEXT NOT NULL,
	email TEXT NOT NULL DEFAULT '',
	state TEXT,
	city TEXT,
	lead_source TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	assigned_caller_id TEXT,
	deal_value DOUBLE PRECISION NOT NULL DEFAULT 0,
	metadata TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS callers (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	role TEXT NOT NULL,
	languages TEXT NOT NULL DEFAULT '[]',
	daily_lead_limit INTEGER NOT NULL,
	assigned_states TEXT NOT NULL DEFAULT '[]',
	is_active INTEGER NOT NULL DEFAULT 1,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	today_lead_count INTEGER NOT NULL DEFAULT 0,
	count_date TEXT NOT NULL DEFAULT '',
	last_assigned_at TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS assignment_history (
	seq INTEGER NOT NULL,
	id TEXT PRIMARY KEY,
	lead_id TEXT NOT NULL,
	caller_id TEXT,
	prev_caller_id TEXT,
	assigned_by TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// indexes for the per-lead history lookup and status filters
const indexes = `
CREATE INDEX IF NOT EXISTS idx_leads_status ON leads(status);
CREATE INDEX IF NOT EXISTS idx_history_lead ON assignment_history(lead_id);
`

const (
	metaRoundRobinCursor = "round_robin_cursor"
	metaRevision         = "revision"
)

// seedRevision creates the revision row Save compares against.
const seedRevision = `INSERT INTO meta (key, value) VALUES ('revision', '0') ON CONFLICT (key) DO NOTHING`

type leadRow struct {
	Seq              int     `db:"seq"`
	ID               string  `db:"id"`
	Name             string  `db:"name"`
	Phone            string  `db:"phone"`
	Email            string  `db:"email"`
	State            *string `db:"state"`
	City             *string `db:"city"`
	LeadSource       string  `db:"lead_source"`
	Status           string  `db:"status"`
	AssignedCallerID *string `db:"assigned_caller_id"`
	Value            float64 `db:"deal_value"`
	Metadata         string  `db:"metadata"`
	CreatedAt        string  `db:"created_at"`
	UpdatedAt        string  `db:"updated_at"`
}

type callerRow struct {
	ID             string `db:"id"`
	Name           string `db:"name"`
	Role           string `db:"role"`
	Languages      string `db:"languages"`
	DailyLeadLimit int    `db:"daily_lead_limit"`
	AssignedStates string `db:"assigned_states"`
	IsActive       int    `db:"is_active"`
	CreatedAt      string `db:"created_at"`
	UpdatedAt      string `db:"updated_at"`
	TodayLeadCount int    `db:"today_lead_count"`
	CountDate      string `db:"count_date"`
	LastAssignedAt string `db:"last_assigned_at"`
}

type historyRow struct {
	Seq          int     `db:"seq"`
	ID           string  `db:"id"`
	LeadID       string  `db:"lead_id"`
	CallerID     *string `db:"caller_id"`
	PrevCallerID *string `db:"prev_caller_id"`
	AssignedBy   string  `db:"assigned_by"`
	Reason       string  `db:"reason"`
	CreatedAt    string  `db:"created_at"`
}

type metaRow struct {
	Key   string `db:"key"`
	Value string `db:"value"`
}

// Store implements app.StateRepository on a SQL database.
type Store struct {
	db     *sqlx.DB
	driver string
}

// Open connects to dsn with driver (sqlite or postgres) and creates the schema.
// For sqlite, dsn is a file path; parent directories are created.
func Open(driver, dsn string) (*Store, error) {
	switch driver {
	case DriverSQLite:
		dir := filepath.Dir(dsn)
		if dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("sqlite mkdir: %w", err)
			}
		}
		if !strings.Contains(dsn, "?") {
			dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
		}
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("%s open: %w", driver, err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s schema: %w", driver, err)
	}
	if _, err := db.Exec(indexes); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s indexes: %w", driver, err)
	}
	if _, err := db.Exec(seedRevision); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s revision: %w", driver, err)
	}
	return &Store{db: db, driver: driver}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Ping checks the database connection.
func (s *Store) Ping() error {
	if s.db == nil {
		return fmt.Errorf("store closed")
	}
	return s.db.Ping()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime parses RFC3339Nano; empty strings are the zero time.
func parseTime(s, context string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: parse timestamp %q: %w", context, s, err)
	}
	return t, nil
}

func parseList(s, context string) ([]string, error) {
	out := []string{}
	if s == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("%s: %w", context, err)
	}
	return out, nil
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Load implements app.StateRepository. All tables are read in one
// transaction, meta first, so the returned Revision matches the rows.
func (s *Store) Load() (*domain.CRMState, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store closed")
	}
	tx, err := s.db.Beginx()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	state := domain.NewCRMState()

	var meta []metaRow
	if err := tx.Select(&meta, "SELECT key, value FROM meta"); err != nil {
		return nil, fmt.Errorf("meta: %w", err)
	}
	for _, m := range meta {
		switch m.Key {
		case metaRoundRobinCursor:
			n, err := strconv.Atoi(m.Value)
			if err != nil {
				return nil, fmt.Errorf("meta %s %q: %w", m.Key, m.Value, err)
			}
			state.RoundRobinCursor = n
		case metaRevision:
			n, err := strconv.ParseInt(m.Value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("meta %s %q: %w", m.Key, m.Value, err)
			}
			state.Revision = n
		}
	}

	var leads []leadRow
	if err := tx.Select(&leads, "SELECT * FROM leads ORDER BY seq"); err != nil {
		return nil, fmt.Errorf("leads: %w", err)
	}
	for _, r := range leads {
		l := domain.Lead{
			ID:               r.ID,
			Name:             r.Name,
			Phone:            r.Phone,
			Email:            r.Email,
			State:            r.State,
			City:             r.City,
			LeadSource:       r.LeadSource,
			Status:           domain.LeadStatus(r.Status),
			AssignedCallerID: r.AssignedCallerID,
			Value:            r.Value,
		}
		if r.Metadata != "" {
			if err := json.Unmarshal([]byte(r.Metadata), &l.Metadata); err != nil {
				return nil, fmt.Errorf("leads %s metadata: %w", r.ID, err)
			}
		}
		var err error
		if l.CreatedAt, err = parseTime(r.CreatedAt, "leads created_at"); err != nil {
			return nil, err
		}
		if l.UpdatedAt, err = parseTime(r.UpdatedAt, "leads updated_at"); err != nil {
			return nil, err
		}
		state.Leads = append(state.Leads, l)
	}

	var callers []callerRow
	if err := tx.Select(&callers, "SELECT * FROM callers"); err != nil {
		return nil, fmt.Errorf("callers: %w", err)
	}
	for _, r := range callers {
		c := &domain.Caller{
			ID:             r.ID,
			Name:           r.Name,
			Role:           r.Role,
			DailyLeadLimit: r.DailyLeadLimit,
			IsActive:       r.IsActive != 0,
			TodayLeadCount: r.TodayLeadCount,
			CountDate:      r.CountDate,
		}
		var err error
		if c.Languages, err = parseList(r.Languages, "callers languages"); err != nil {
			return nil, err
		}
		if c.AssignedStates, err = parseList(r.AssignedStates, "callers assigned_states"); err != nil {
			return nil, err
		}
		if c.CreatedAt, err = parseTime(r.CreatedAt, "callers created_at"); err != nil {
			return nil, err
		}
		if c.UpdatedAt, err = parseTime(r.UpdatedAt, "callers updated_at"); err != nil {
			return nil, err
		}
		if c.LastAssignedAt, err = parseTime(r.LastAssignedAt, "callers last_assigned_at"); err != nil {
			return nil, err
		}
		state.Callers[c.ID] = c
	}

	var history []historyRow
	if err := tx.Select(&history, "SELECT * FROM assignment_history ORDER BY seq"); err != nil {
		return nil, fmt.Errorf("assignment_history: %w", err)
	}
	for _, r := range history {
		ts, err := parseTime(r.CreatedAt, "assignment_history created_at")
		if err != nil {
			return nil, err
		}
		state.History = append(state.History, domain.AssignmentHistory{
			ID:           r.ID,
			LeadID:       r.LeadID,
			CallerID:     r.CallerID,
			PrevCallerID: r.PrevCallerID,
			AssignedBy:   r.AssignedBy,
			Reason:       domain.AssignmentReason(r.Reason),
			Timestamp:    ts,
		})
	}
	return state, nil
}

// Save implements app.StateRepository. The whole state is rewritten in one
// transaction that first bumps the stored revision from state.Revision. If
// another writer got there first nothing is written and the error wraps
// domain.ErrStaleState.
func (s *Store) Save(state *domain.CRMState) error {
	if state == nil {
		return fmt.Errorf("state is nil")
	}
	if s.db == nil {
		return fmt.Errorf("store closed")
	}
	tx, err := s.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	next := state.Revision + 1
	res, err := tx.Exec(tx.Rebind(`UPDATE meta SET value = ? WHERE key = ? AND value = ?`),
		strconv.FormatInt(next, 10), metaRevision, strconv.FormatInt(state.Revision, 10))
	if err != nil {
		return fmt.Errorf("bump revision: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("bump revision: %w", err)
	} else if n == 0 {
		return fmt.Errorf("save at revision %d: %w", state.Revision, domain.ErrStaleState)
	}

	for _, t := range []string{"leads", "callers", "assignment_history"} {
		if _, err := tx.Exec("DELETE FROM " + t); err != nil {
			return fmt.Errorf("clear %s: %w", t, err)
		}
	}
	if _, err := tx.Exec(tx.Rebind(`DELETE FROM meta WHERE key <> ?`), metaRevision); err != nil {
		return fmt.Errorf("clear meta: %w", err)
	}

	if _, err := tx.NamedExec(`INSERT INTO meta (key, value) VALUES (:key, :value)`,
		metaRow{Key: metaRoundRobinCursor, Value: strconv.Itoa(state.RoundRobinCursor)}); err != nil {
		return fmt.Errorf("meta: %w", err)
	}

	for i, l := range state.Leads {
		row := leadRow{
			Seq:              i,
			ID:               l.ID,
			Name:             l.Name,
			Phone:            l.Phone,
			Email:            l.Email,
			State:            l.State,
			City:             l.City,
			LeadSource:       l.LeadSource,
			Status:           string(l.Status),
			AssignedCallerID: l.AssignedCallerID,
			Value:            l.Value,
			CreatedAt:        formatTime(l.CreatedAt),
			UpdatedAt:        formatTime(l.UpdatedAt),
		}
		if len(l.Metadata) > 0 {
			if row.Metadata, err = encodeJSON(l.Metadata); err != nil {
				return fmt.Errorf("lead %s metadata: %w", l.ID, err)
			}
		}
		if _, err := tx.NamedExec(`INSERT INTO leads (seq, id, name, phone, email, state, city, lead_source, status, assigned_caller_id, deal_value, metadata, created_at, updated_at)
			VALUES (:seq, :id, :name, :phone, :email, :state, :city, :lead_source, :status, :assigned_caller_id, :deal_value, :metadata, :created_at, :updated_at)`, row); err != nil {
			return fmt.Errorf("insert lead %s: %w", l.ID, err)
		}
	}

	for _, c := range state.Callers {
		if c == nil {
			continue
		}
		langs, err := encodeJSON(nonNil(c.Languages))
		if err != nil {
			return err
		}
		states, err := encodeJSON(nonNil(c.AssignedStates))
		if err != nil {
			return err
		}
		active := 0
		if c.IsActive {
			active = 1
		}
		row := callerRow{
			ID:             c.ID,
			Name:           c.Name,
			Role:           c.Role,
			Languages:      langs,
			DailyLeadLimit: c.DailyLeadLimit,
			AssignedStates: states,
			IsActive:       active,
			CreatedAt:      formatTime(c.CreatedAt),
			UpdatedAt:      formatTime(c.UpdatedAt),
			TodayLeadCount: c.TodayLeadCount,
			CountDate:      c.CountDate,
			LastAssignedAt: formatTime(c.LastAssignedAt),
		}
		if _, err := tx.NamedExec(`INSERT INTO callers (id, name, role, languages, daily_lead_limit, assigned_states, is_active, created_at, updated_at, today_lead_count, count_date, last_assigned_at)
			VALUES (:id, :name, :role, :languages, :daily_lead_limit, :assigned_states, :is_active, :created_at, :updated_at, :today_lead_count, :count_date, :last_assigned_at)`, row); err != nil {
			return fmt.Errorf("insert caller %s: %w", c.ID, err)
		}
	}

	for i, h := range state.History {
		row := historyRow{
			Seq:          i,
			ID:           h.ID,
			LeadID:       h.LeadID,
			CallerID:     h.CallerID,
			PrevCallerID: h.PrevCallerID,
			AssignedBy:   h.AssignedBy,
			Reason:       string(h.Reason),
			CreatedAt:    formatTime(h.Timestamp),
		}
		if _, err := tx.NamedExec(`INSERT INTO assignment_history (seq, id, lead_id, caller_id, prev_caller_id, assigned_by, reason, created_at)
			VALUES (:seq, :id, :lead_id, :caller_id, :prev_caller_id, :assigned_by, :reason, :created_at)`, row); err != nil {
			return fmt.Errorf("insert history %s: %w", h.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	state.Revision = next
	return nil
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
