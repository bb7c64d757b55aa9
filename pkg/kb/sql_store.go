package kb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/icgl/pkg/contracts"
)

// Dialect selects placeholder style and locking for a SQL backend.
type Dialect string

// Supported dialects.
const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// logLockKey serialises learning-log appends across Postgres connections.
const logLockKey = 7_041_100

// SQLStore implements KnowledgeBase on database/sql for SQLite and Postgres.
// Timestamps are stored as RFC 3339 text so both backends round-trip exactly.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

var _ KnowledgeBase = (*SQLStore)(nil)

// NewSQLStore wraps an open database. Call Init before use.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// OpenSQLite opens (or creates) a SQLite knowledge base at path and migrates it.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// SQLite allows a single writer; one connection also keeps :memory: databases shared.
	db.SetMaxOpenConns(1)
	s := NewSQLStore(db, DialectSQLite)
	if err := s.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// OpenPostgres connects to Postgres and migrates the schema.
func OpenPostgres(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}
	s := NewSQLStore(db, DialectPostgres)
	if err := s.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle so other components can share the pool.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *SQLStore) Close() error { return s.db.Close() }

var schema = []string{
	`CREATE TABLE IF NOT EXISTS proposals (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		context TEXT NOT NULL,
		decision TEXT NOT NULL,
		consequences TEXT NOT NULL,
		policy_codes TEXT NOT NULL,
		alerts TEXT NOT NULL,
		status TEXT NOT NULL,
		decision_id TEXT NOT NULL DEFAULT '',
		requested_by TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS policies (
		code TEXT PRIMARY KEY,
		id TEXT NOT NULL,
		title TEXT NOT NULL,
		rule TEXT NOT NULL,
		severity TEXT NOT NULL,
		enforced_by TEXT NOT NULL,
		created_at TEXT NOT NULL,
		position BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS human_decisions (
		id TEXT PRIMARY KEY,
		proposal_id TEXT NOT NULL,
		action TEXT NOT NULL,
		rationale TEXT NOT NULL,
		signer_id TEXT NOT NULL,
		signature_hash TEXT NOT NULL,
		timestamp TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS learning_log (
		seq BIGINT PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		proposal_id TEXT NOT NULL,
		body TEXT NOT NULL,
		entry_hash TEXT NOT NULL
	)`,
}

// Init creates the schema if it does not exist.
func (s *SQLStore) Init(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate knowledge base: %w", err)
		}
	}
	return nil
}

// rebind converts ? placeholders to $n for Postgres.
func (s *SQLStore) rebind(q string) string {
	if s.dialect != DialectPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLStore) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistence(err, op)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		var ge *contracts.GovernanceError
		if errors.As(err, &ge) {
			return err
		}
		return persistence(err, op)
	}
	if err := tx.Commit(); err != nil {
		return persistence(err, op)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, v)
}

func marshalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// --- proposals ---

const upsertProposal = `
	INSERT INTO proposals (id, title, context, decision, consequences, policy_codes, alerts, status, decision_id, requested_by, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		title = excluded.title,
		context = excluded.context,
		decision = excluded.decision,
		consequences = excluded.consequences,
		policy_codes = excluded.policy_codes,
		alerts = excluded.alerts,
		status = excluded.status,
		decision_id = excluded.decision_id,
		requested_by = excluded.requested_by,
		updated_at = excluded.updated_at`

func (s *SQLStore) putProposal(ctx context.Context, ex execer, p *contracts.Proposal) error {
	cons, err := marshalJSON(nonNil(p.Consequences))
	if err != nil {
		return err
	}
	codes, err := marshalJSON(nonNil(p.PolicyCodes))
	if err != nil {
		return err
	}
	alerts := p.Alerts
	if alerts == nil {
		alerts = []contracts.SentinelAlert{}
	}
	alertJSON, err := marshalJSON(alerts)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx, s.rebind(upsertProposal),
		p.ID, p.Title, p.Context, p.Decision, cons, codes, alertJSON,
		string(p.Status), p.DecisionID, p.RequestedBy, formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	return err
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

// AddProposal stores p, overwriting any proposal with the same id.
func (s *SQLStore) AddProposal(ctx context.Context, p *contracts.Proposal) error {
	if err := validateProposal(p); err != nil {
		return err
	}
	if err := s.putProposal(ctx, s.db, p); err != nil {
		return persistence(err, "add proposal")
	}
	return nil
}

const selectProposal = `
	SELECT id, title, context, decision, consequences, policy_codes, alerts, status, decision_id, requested_by, created_at, updated_at
	FROM proposals WHERE id = ?`

func (s *SQLStore) GetProposal(ctx context.Context, id string) (*contracts.Proposal, error) {
	var (
		p                    contracts.Proposal
		cons, codes, alerts  string
		status               string
		createdAt, updatedAt string
	)
	err := s.db.QueryRowContext(ctx, s.rebind(selectProposal), id).Scan(
		&p.ID, &p.Title, &p.Context, &p.Decision, &cons, &codes, &alerts,
		&status, &p.DecisionID, &p.RequestedBy, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("proposal", id)
	}
	if err != nil {
		return nil, persistence(err, "get proposal")
	}
	p.Status = contracts.ProposalStatus(status)
	if err := json.Unmarshal([]byte(cons), &p.Consequences); err != nil {
		return nil, persistence(err, "decode proposal consequences")
	}
	if err := json.Unmarshal([]byte(codes), &p.PolicyCodes); err != nil {
		return nil, persistence(err, "decode proposal policy codes")
	}
	if err := json.Unmarshal([]byte(alerts), &p.Alerts); err != nil {
		return nil, persistence(err, "decode proposal alerts")
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, persistence(err, "decode proposal created_at")
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, persistence(err, "decode proposal updated_at")
	}
	if len(p.Consequences) == 0 {
		p.Consequences = nil
	}
	if len(p.PolicyCodes) == 0 {
		p.PolicyCodes = nil
	}
	if len(p.Alerts) == 0 {
		p.Alerts = nil
	}
	return &p, nil
}

func (s *SQLStore) UpdateProposalStatus(ctx context.Context, id string, status contracts.ProposalStatus, decisionID string) error {
	res, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE proposals SET status = ?, decision_id = ?, updated_at = ? WHERE id = ?`),
		string(status), decisionID, formatTime(time.Now()), id,
	)
	if err != nil {
		return persistence(err, "update proposal status")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return notFound("proposal", id)
	}
	return nil
}

// --- policies ---

func (s *SQLStore) AddPolicy(ctx context.Context, p contracts.Policy) error {
	return s.withTx(ctx, "add policy", func(tx *sql.Tx) error {
		var rule string
		err := tx.QueryRowContext(ctx, s.rebind(`SELECT rule FROM policies WHERE code = ?`), p.Code).Scan(&rule)
		switch {
		case err == nil:
			return checkPolicyAppend(contracts.Policy{Code: p.Code, Rule: rule}, p)
		case !errors.Is(err, sql.ErrNoRows):
			return err
		}

		var pos int64
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(position), 0) FROM policies`).Scan(&pos); err != nil {
			return err
		}
		enforced, err := marshalJSON(nonNil(p.EnforcedBy))
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			s.rebind(`INSERT INTO policies (code, id, title, rule, severity, enforced_by, created_at, position) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
			p.Code, p.ID, p.Title, p.Rule, string(p.Severity), enforced, formatTime(p.CreatedAt), pos+1,
		)
		return err
	})
}

func (s *SQLStore) ListPolicies(ctx context.Context) ([]contracts.Policy, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT code, id, title, rule, severity, enforced_by, created_at FROM policies ORDER BY position`)
	if err != nil {
		return nil, persistence(err, "list policies")
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Policy
	for rows.Next() {
		var (
			p                  contracts.Policy
			severity, enforced string
			createdAt          string
		)
		if err := rows.Scan(&p.Code, &p.ID, &p.Title, &p.Rule, &severity, &enforced, &createdAt); err != nil {
			return nil, persistence(err, "scan policy")
		}
		p.Severity = contracts.Severity(severity)
		if err := json.Unmarshal([]byte(enforced), &p.EnforcedBy); err != nil {
			return nil, persistence(err, "decode policy enforced_by")
		}
		if p.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, persistence(err, "decode policy created_at")
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence(err, "list policies")
	}
	return out, nil
}

// --- decisions ---

const insertDecision = `
	INSERT INTO human_decisions (id, proposal_id, action, rationale, signer_id, signature_hash, timestamp)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

func (s *SQLStore) putDecision(ctx context.Context, ex execer, d *contracts.HumanDecision) error {
	_, err := ex.ExecContext(ctx, s.rebind(insertDecision),
		d.ID, d.ProposalID, string(d.Action), d.Rationale, d.SignerID, d.SignatureHash, formatTime(d.Timestamp),
	)
	return err
}

func (s *SQLStore) AddHumanDecision(ctx context.Context, d *contracts.HumanDecision) error {
	if d == nil || d.ID == "" {
		return contracts.NewError(contracts.CodePersistenceFailure, "decision must have an id")
	}
	if err := s.putDecision(ctx, s.db, d); err != nil {
		return persistence(err, "add human decision")
	}
	return nil
}

func (s *SQLStore) GetHumanDecision(ctx context.Context, id string) (*contracts.HumanDecision, error) {
	var (
		d         contracts.HumanDecision
		action    string
		timestamp string
	)
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT id, proposal_id, action, rationale, signer_id, signature_hash, timestamp FROM human_decisions WHERE id = ?`), id,
	).Scan(&d.ID, &d.ProposalID, &action, &d.Rationale, &d.SignerID, &d.SignatureHash, &timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("decision", id)
	}
	if err != nil {
		return nil, persistence(err, "get human decision")
	}
	d.Action = contracts.DecisionAction(action)
	if d.Timestamp, err = parseTime(timestamp); err != nil {
		return nil, persistence(err, "decode decision timestamp")
	}
	return &d, nil
}

// --- learning log ---

func (s *SQLStore) appendEntry(ctx context.Context, tx *sql.Tx, e *contracts.LearningLogEntry) error {
	if e == nil {
		return contracts.NewError(contracts.CodePersistenceFailure, "nil learning log entry")
	}
	if s.dialect == DialectPostgres {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, logLockKey); err != nil {
			return err
		}
	}
	var (
		lastSeq  int64
		lastHash string
	)
	err := tx.QueryRowContext(ctx, `SELECT seq, entry_hash FROM learning_log ORDER BY seq DESC LIMIT 1`).Scan(&lastSeq, &lastHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	e.Sequence = uint64(lastSeq) + 1
	if err := seal(e, lastHash); err != nil {
		return err
	}
	body, err := marshalJSON(e)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		s.rebind(`INSERT INTO learning_log (seq, id, proposal_id, body, entry_hash) VALUES (?, ?, ?, ?, ?)`),
		int64(e.Sequence), e.ID, e.ProposalID, body, e.EntryHash,
	)
	return err
}

func (s *SQLStore) AppendLearningLog(ctx context.Context, e *contracts.LearningLogEntry) error {
	return s.withTx(ctx, "append learning log", func(tx *sql.Tx) error {
		return s.appendEntry(ctx, tx, e)
	})
}

func (s *SQLStore) ListLearningLog(ctx context.Context, afterSeq uint64, limit int) ([]contracts.LearningLogEntry, error) {
	q := `SELECT body FROM learning_log WHERE seq > ? ORDER BY seq`
	args := []any{int64(afterSeq)}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, persistence(err, "list learning log")
	}
	defer func() { _ = rows.Close() }()

	out := []contracts.LearningLogEntry{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, persistence(err, "scan learning log")
		}
		var e contracts.LearningLogEntry
		if err := json.Unmarshal([]byte(body), &e); err != nil {
			return nil, persistence(err, "decode learning log entry")
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence(err, "list learning log")
	}
	return out, nil
}

// --- transitions ---

func (s *SQLStore) CommitTransition(ctx context.Context, t Transition) error {
	if err := validateProposal(t.Proposal); err != nil {
		return err
	}
	return s.withTx(ctx, "commit transition", func(tx *sql.Tx) error {
		if t.Decision != nil {
			if err := s.putDecision(ctx, tx, t.Decision); err != nil {
				return err
			}
		}
		if err := s.putProposal(ctx, tx, t.Proposal); err != nil {
			return err
		}
		if t.Entry != nil {
			return s.appendEntry(ctx, tx, t.Entry)
		}
		return nil
	})
}

func (s *SQLStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(AVG(LENGTH(title) + LENGTH(context) + LENGTH(decision)), 0) FROM proposals`,
	).Scan(&st.ProposalCount, &st.MeanLength)
	if err != nil {
		return Stats{}, persistence(err, "proposal stats")
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM policies`).Scan(&st.PolicyCount); err != nil {
		return Stats{}, persistence(err, "policy stats")
	}
	return st, nil
}
