package convo

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/ember-agent/internal/events"
)

// Store is the SQLite-backed conversation store. Writes are serialised
// through a mutex on top of SQLite's own locking — the system is
// single-writer by design and this keeps read-modify-write sequences
// (budget adjust, approval transitions) atomic at the Go level too.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	logger *slog.Logger
	bus    *events.Bus

	// now is injectable for snooze tests.
	now func() time.Time
}

// Open creates or opens the store at dbPath. The schema is created when
// missing; approval columns are added additively so databases from
// earlier versions keep working.
func Open(dbPath string, logger *slog.Logger, bus *events.Bus) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
		bus:    bus,
		now:    time.Now,
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// migrate creates the base schema and applies additive column upgrades.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		request_id TEXT PRIMARY KEY,
		input_message TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		total_energy_consumed REAL NOT NULL DEFAULT 0,
		sleep_cycles INTEGER NOT NULL DEFAULT 0,
		ended BOOLEAN NOT NULL DEFAULT FALSE,
		ended_reason TEXT,
		snooze_until TIMESTAMP,
		snooze_duration INTEGER NOT NULL DEFAULT 0,
		energy_budget REAL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_created ON conversations(created_at);

	CREATE TABLE IF NOT EXISTS responses (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		content TEXT NOT NULL,
		energy_level REAL NOT NULL DEFAULT 0,
		model_used TEXT NOT NULL DEFAULT '',
		FOREIGN KEY (conversation_id) REFERENCES conversations(request_id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_responses_conversation ON responses(conversation_id, timestamp);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// Approval support arrived after the base schema. ALTER ADD COLUMN
	// fails when the column already exists; that failure is expected and
	// tolerated.
	additive := []string{
		`ALTER TABLE responses ADD COLUMN is_approval_request BOOLEAN NOT NULL DEFAULT FALSE`,
		`ALTER TABLE responses ADD COLUMN status TEXT`,
		`ALTER TABLE responses ADD COLUMN feedback TEXT`,
		`ALTER TABLE responses ADD COLUMN approval_timestamp TIMESTAMP`,
	}
	for _, stmt := range additive {
		if _, err := s.db.Exec(stmt); err != nil {
			if strings.Contains(err.Error(), "duplicate column name") {
				continue
			}
			return fmt.Errorf("schema upgrade: %w", err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertRequest creates a conversation row if absent. Existing user text
// is never overwritten; a row that was created empty (by an early tool
// call) gains the text on the next upsert. budget may be nil.
func (s *Store) UpsertRequest(id, userText string, budget *float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO conversations (request_id, input_message, created_at, energy_budget)
		VALUES (?, ?, ?, ?)
	`, id, userText, s.now(), budget)
	if err != nil {
		return fmt.Errorf("upsert request: %w", err)
	}

	if n, _ := res.RowsAffected(); n > 0 {
		s.bus.Publish(events.Event{
			Source: events.SourceStore,
			Kind:   events.KindConversationCreated,
			Data:   map[string]any{"request_id": id},
		})
		return nil
	}

	// Row existed. Fill in user text only where it was empty.
	if userText != "" {
		_, err = s.db.Exec(`
			UPDATE conversations SET input_message = ?
			WHERE request_id = ? AND input_message = ''
		`, userText, id)
		if err != nil {
			return fmt.Errorf("fill user text: %w", err)
		}
	}
	return nil
}

// AppendResponse inserts a response row, bumps the cumulative energy by
// energyAtWrite (clamped to >= 0 so the counter stays monotonic), and
// increments the sleep-cycle bookkeeping counter. userText fills the
// conversation's input message when it had none.
func (s *Store) AppendResponse(id, userText, content string, energyAtWrite float64, modelTier string) error {
	return s.appendRow(id, userText, content, energyAtWrite, modelTier, false, nil)
}

// AppendApproval inserts an approval-request row in state pending.
// Unlike a response it does not remove the conversation from pending
// selection. budget, when non-nil, is written to the conversation.
func (s *Store) AppendApproval(id, content string, energyAtWrite float64, modelTier string, budget *float64) error {
	return s.appendRow(id, "", content, energyAtWrite, modelTier, true, budget)
}

func (s *Store) appendRow(id, userText, content string, energyAtWrite float64, modelTier string, approval bool, budget *float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if err := s.ensureRowLocked(id, userText); err != nil {
		return err
	}

	var status any
	if approval {
		status = ApprovalPending
	}
	_, err := s.db.Exec(`
		INSERT INTO responses (conversation_id, timestamp, content, energy_level, model_used, is_approval_request, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, id, now, content, energyAtWrite, modelTier, approval, status)
	if err != nil {
		return fmt.Errorf("insert response: %w", err)
	}

	charge := energyAtWrite
	if charge < 0 {
		charge = 0
	}
	_, err = s.db.Exec(`
		UPDATE conversations
		SET total_energy_consumed = total_energy_consumed + ?,
		    sleep_cycles = sleep_cycles + 1
		WHERE request_id = ?
	`, charge, id)
	if err != nil {
		return fmt.Errorf("bump consumption: %w", err)
	}

	if budget != nil {
		if _, err := s.db.Exec(`UPDATE conversations SET energy_budget = ? WHERE request_id = ?`, *budget, id); err != nil {
			return fmt.Errorf("set budget: %w", err)
		}
	}

	s.bus.Publish(events.Event{
		Source: events.SourceStore,
		Kind:   events.KindMessageAdded,
		Data: map[string]any{
			"request_id":   id,
			"model":        modelTier,
			"energy_level": energyAtWrite,
			"approval":     approval,
		},
	})
	return nil
}

// ensureRowLocked creates the conversation row if missing. Caller holds
// the mutex.
func (s *Store) ensureRowLocked(id, userText string) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO conversations (request_id, input_message, created_at)
		VALUES (?, ?, ?)
	`, id, userText, s.now())
	if err != nil {
		return fmt.Errorf("ensure conversation: %w", err)
	}
	if userText != "" {
		if _, err := s.db.Exec(`
			UPDATE conversations SET input_message = ?
			WHERE request_id = ? AND input_message = ''
		`, userText, id); err != nil {
			return fmt.Errorf("fill user text: %w", err)
		}
	}
	return nil
}

// SetApprovalStatus transitions an approval row from pending to approved
// or rejected. approvalID 0 targets the latest pending approval for the
// conversation. The reverse transition does not exist: a non-pending row
// is left untouched and an error is returned.
func (s *Store) SetApprovalStatus(id string, approvalID int64, status, feedback string, approvalTime time.Time) error {
	if status != ApprovalApproved && status != ApprovalRejected {
		return fmt.Errorf("invalid approval status %q", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if approvalID == 0 {
		row := s.db.QueryRow(`
			SELECT id FROM responses
			WHERE conversation_id = ? AND is_approval_request AND status = ?
			ORDER BY timestamp DESC, id DESC LIMIT 1
		`, id, ApprovalPending)
		if err := row.Scan(&approvalID); err != nil {
			return fmt.Errorf("no pending approval for %s", id)
		}
	}

	res, err := s.db.Exec(`
		UPDATE responses SET status = ?, feedback = ?, approval_timestamp = ?
		WHERE id = ? AND conversation_id = ? AND is_approval_request AND status = ?
	`, status, feedback, approvalTime, approvalID, id, ApprovalPending)
	if err != nil {
		return fmt.Errorf("set approval status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("approval %d for %s is not pending", approvalID, id)
	}

	s.bus.Publish(events.Event{
		Source: events.SourceStore,
		Kind:   events.KindConversationStateChanged,
		Data:   map[string]any{"request_id": id, "state": status},
	})
	return nil
}

// SetBudget writes the energy budget for a conversation.
func (s *Store) SetBudget(id string, value float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE conversations SET energy_budget = ? WHERE request_id = ?`, value, id)
	if err != nil {
		return fmt.Errorf("set budget: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("conversation not found: %s", id)
	}
	return nil
}

// AdjustBudget adds delta to the budget, clamping the result at zero.
// A conversation without a budget starts from zero.
func (s *Store) AdjustBudget(id string, delta float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var budget sql.NullFloat64
	err := s.db.QueryRow(`SELECT energy_budget FROM conversations WHERE request_id = ?`, id).Scan(&budget)
	if err != nil {
		return fmt.Errorf("conversation not found: %s", id)
	}

	next := budget.Float64 + delta
	if next < 0 {
		next = 0
	}
	if _, err := s.db.Exec(`UPDATE conversations SET energy_budget = ? WHERE request_id = ?`, next, id); err != nil {
		return fmt.Errorf("adjust budget: %w", err)
	}
	return nil
}

// AddConsumption charges energy to a conversation without appending a
// response. Negative amounts are clamped to zero to keep the counter
// monotonic. Used to attribute focused-thinking cost.
func (s *Store) AddConsumption(id string, amount float64) error {
	if amount < 0 {
		amount = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE conversations SET total_energy_consumed = total_energy_consumed + ?
		WHERE request_id = ?
	`, amount, id)
	if err != nil {
		return fmt.Errorf("add consumption: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("conversation not found: %s", id)
	}
	return nil
}

// End marks a conversation ended. Idempotent; ending an already-ended
// conversation leaves the original reason in place.
func (s *Store) End(id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE conversations SET ended = TRUE, ended_reason = COALESCE(NULLIF(ended_reason, ''), ?)
		WHERE request_id = ?
	`, reason, id)
	if err != nil {
		return fmt.Errorf("end conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("conversation not found: %s", id)
	}

	s.bus.Publish(events.Event{
		Source: events.SourceStore,
		Kind:   events.KindConversationStateChanged,
		Data:   map[string]any{"request_id": id, "state": "ended"},
	})
	return nil
}

// Snooze hides a conversation from selection for the given number of
// minutes. Negative values are coerced to a safe default of 5; zero is
// a no-op.
func (s *Store) Snooze(id string, minutes int) error {
	if minutes == 0 {
		return nil
	}
	if minutes < 0 {
		minutes = 5
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	until := s.now().Add(time.Duration(minutes) * time.Minute)
	res, err := s.db.Exec(`
		UPDATE conversations SET snooze_until = ?, snooze_duration = ?
		WHERE request_id = ?
	`, until, minutes, id)
	if err != nil {
		return fmt.Errorf("snooze: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("conversation not found: %s", id)
	}

	s.bus.Publish(events.Event{
		Source: events.SourceStore,
		Kind:   events.KindConversationStateChanged,
		Data:   map[string]any{"request_id": id, "state": "snoozed", "minutes": minutes},
	})
	return nil
}

// Get returns the full record for id, including responses and the
// derived budget status.
func (s *Store) Get(id string) (*Conversation, error) {
	conv, err := s.scanConversation(s.db.QueryRow(`
		SELECT request_id, input_message, created_at, total_energy_consumed,
		       sleep_cycles, ended, ended_reason, snooze_until, snooze_duration, energy_budget
		FROM conversations WHERE request_id = ?
	`, id))
	if err != nil {
		return nil, err
	}
	conv.Responses = s.responsesFor(id, 0)
	return conv, nil
}

// Exists reports whether a conversation row exists for id.
func (s *Store) Exists(id string) bool {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM conversations WHERE request_id = ?`, id).Scan(&one)
	return err == nil
}

// Pending returns the derived pending view: conversations with user
// text, no non-approval responses, no active snooze, and not ended.
// Oldest first.
func (s *Store) Pending() []PendingMessage {
	rows, err := s.db.Query(`
		SELECT c.request_id, c.input_message, c.created_at, c.energy_budget
		FROM conversations c
		WHERE c.input_message != ''
		  AND NOT c.ended
		  AND (c.snooze_until IS NULL OR c.snooze_until <= ?)
		  AND NOT EXISTS (
			SELECT 1 FROM responses r
			WHERE r.conversation_id = c.request_id AND NOT r.is_approval_request
		  )
		ORDER BY c.created_at ASC
	`, s.now())
	if err != nil {
		s.logger.Warn("pending query failed", "error", err)
		return nil
	}
	defer rows.Close()

	var out []PendingMessage
	for rows.Next() {
		var p PendingMessage
		var budget sql.NullFloat64
		if err := rows.Scan(&p.RequestID, &p.Content, &p.CreatedAt, &budget); err != nil {
			continue
		}
		if budget.Valid {
			b := budget.Float64
			p.EnergyBudget = &b
		}
		out = append(out, p)
	}
	return out
}

// RecentOpen returns the most recent conversations that are neither
// ended nor snoozed, newest first, each with a short response
// projection.
func (s *Store) RecentOpen(limit int) []*Conversation {
	return s.recent(limit, false)
}

// RecentCompleted returns conversations with at least one non-approval
// response, not ended, not snoozed, newest first. This is the review
// window the loop reflects over.
func (s *Store) RecentCompleted(limit int) []*Conversation {
	return s.recent(limit, true)
}

func (s *Store) recent(limit int, requireResponse bool) []*Conversation {
	if limit <= 0 {
		limit = 10
	}

	q := `
		SELECT request_id, input_message, created_at, total_energy_consumed,
		       sleep_cycles, ended, ended_reason, snooze_until, snooze_duration, energy_budget
		FROM conversations c
		WHERE NOT ended
		  AND (snooze_until IS NULL OR snooze_until <= ?)`
	if requireResponse {
		q += `
		  AND EXISTS (
			SELECT 1 FROM responses r
			WHERE r.conversation_id = c.request_id AND NOT r.is_approval_request
		  )`
	}
	q += `
		ORDER BY created_at DESC LIMIT ?`

	rows, err := s.db.Query(q, s.now(), limit)
	if err != nil {
		s.logger.Warn("recent query failed", "error", err)
		return nil
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		conv, err := s.scanConversation(rows)
		if err != nil {
			continue
		}
		out = append(out, conv)
	}
	for _, conv := range out {
		conv.Responses = s.responsesFor(conv.RequestID, 5)
	}
	return out
}

// Filtered returns conversations matching optional state and budget
// filters for the ingress list endpoint. state is one of "", "open",
// "ended", "snoozed", "pending"; budgetStatus is one of "", "depleted",
// "exceeded", "within", "none".
func (s *Store) Filtered(state string, budgetStatus string, limit int) ([]*Conversation, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	rows, err := s.db.Query(`
		SELECT request_id, input_message, created_at, total_energy_consumed,
		       sleep_cycles, ended, ended_reason, snooze_until, snooze_duration, energy_budget
		FROM conversations ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	now := s.now()
	var out []*Conversation
	for rows.Next() {
		conv, err := s.scanConversation(rows)
		if err != nil {
			continue
		}

		switch state {
		case "", "all":
		case "open":
			if conv.Ended || conv.Snoozed(now) {
				continue
			}
		case "ended":
			if !conv.Ended {
				continue
			}
		case "snoozed":
			if !conv.Snoozed(now) {
				continue
			}
		case "pending":
			if conv.Ended || conv.Snoozed(now) || s.responseCount(conv.RequestID) > 0 {
				continue
			}
		default:
			return nil, fmt.Errorf("invalid state filter %q", state)
		}

		switch budgetStatus {
		case "", "all":
		case "none":
			if conv.BudgetStatus != BudgetNone {
				continue
			}
		case string(BudgetDepleted), string(BudgetExceeded), string(BudgetWithin):
			if string(conv.BudgetStatus) != budgetStatus {
				continue
			}
		default:
			return nil, fmt.Errorf("invalid budgetStatus filter %q", budgetStatus)
		}

		out = append(out, conv)
		if len(out) >= limit {
			break
		}
	}
	for _, conv := range out {
		conv.Responses = s.responsesFor(conv.RequestID, 5)
	}
	return out, nil
}

// Approvals returns all approval-request rows for a conversation,
// oldest first.
func (s *Store) Approvals(id string) []Response {
	rows, err := s.db.Query(`
		SELECT id, timestamp, content, energy_level, model_used, is_approval_request, status, feedback, approval_timestamp
		FROM responses
		WHERE conversation_id = ? AND is_approval_request
		ORDER BY timestamp ASC, id ASC
	`, id)
	if err != nil {
		return nil
	}
	defer rows.Close()
	return scanResponses(rows)
}

// Stats returns store totals for observability.
func (s *Store) Stats() Stats {
	var st Stats

	_ = s.db.QueryRow(`SELECT COUNT(*) FROM conversations`).Scan(&st.Conversations)
	_ = s.db.QueryRow(`SELECT COUNT(*) FROM responses`).Scan(&st.Responses)
	_ = s.db.QueryRow(`SELECT COALESCE(SUM(total_energy_consumed), 0) FROM conversations`).Scan(&st.TotalEnergyConsumed)
	_ = s.db.QueryRow(`SELECT COALESCE(AVG(energy_level), 0) FROM responses`).Scan(&st.AverageEnergyLevel)
	// Urgent: conversations whose most recent response saw a negative level.
	_ = s.db.QueryRow(`
		SELECT COUNT(*) FROM conversations c WHERE (
			SELECT r.energy_level FROM responses r
			WHERE r.conversation_id = c.request_id
			ORDER BY r.timestamp DESC, r.id DESC LIMIT 1
		) < 0
	`).Scan(&st.UrgentCount)
	st.PendingCount = len(s.Pending())

	return st
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanConversation(row rowScanner) (*Conversation, error) {
	var c Conversation
	var endedReason sql.NullString
	var snoozeUntil sql.NullTime
	var budget sql.NullFloat64

	err := row.Scan(&c.RequestID, &c.InputMessage, &c.CreatedAt, &c.TotalEnergyConsumed,
		&c.SleepCycles, &c.Ended, &endedReason, &snoozeUntil, &c.SnoozeDurationMin, &budget)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("conversation not found")
		}
		return nil, fmt.Errorf("scan conversation: %w", err)
	}

	if endedReason.Valid {
		c.EndedReason = endedReason.String
	}
	if snoozeUntil.Valid {
		t := snoozeUntil.Time
		c.SnoozeUntil = &t
	}
	if budget.Valid {
		b := budget.Float64
		c.EnergyBudget = &b
	}
	c.BudgetStatus = deriveBudgetStatus(c.EnergyBudget, c.TotalEnergyConsumed)
	return &c, nil
}

// responsesFor returns responses for a conversation, oldest first.
// limit 0 means all; otherwise the most recent limit rows are returned
// (still in chronological order).
func (s *Store) responsesFor(id string, limit int) []Response {
	q := `
		SELECT id, timestamp, content, energy_level, model_used, is_approval_request, status, feedback, approval_timestamp
		FROM responses WHERE conversation_id = ?
		ORDER BY timestamp ASC, id ASC`
	rows, err := s.db.Query(q, id)
	if err != nil {
		return nil
	}
	defer rows.Close()

	all := scanResponses(rows)
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all
}

func (s *Store) responseCount(id string) int {
	var n int
	_ = s.db.QueryRow(`
		SELECT COUNT(*) FROM responses
		WHERE conversation_id = ? AND NOT is_approval_request
	`, id).Scan(&n)
	return n
}

func scanResponses(rows *sql.Rows) []Response {
	var out []Response
	for rows.Next() {
		var r Response
		var status, feedback sql.NullString
		var approvedAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.Content, &r.EnergyLevel, &r.ModelUsed,
			&r.IsApprovalRequest, &status, &feedback, &approvedAt); err != nil {
			continue
		}
		if status.Valid {
			r.Status = status.String
		}
		if feedback.Valid {
			r.Feedback = feedback.String
		}
		if approvedAt.Valid {
			t := approvedAt.Time
			r.ApprovalTimestamp = &t
		}
		out = append(out, r)
	}
	return out
}
