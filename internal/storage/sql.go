package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	_ "modernc.org/sqlite"

	"postpilot/internal/content"
	"postpilot/internal/rules"
	logx "postpilot/pkg/logx"
)

//go:embed schema.sql
var schemaSQL string

// dialect covers the few places sqlite and postgres differ.
type dialect struct {
	name string
	// numbered placeholders ($1, $2, ...) instead of ?
	numbered bool
	// extra due-query predicate catching undecodable scheduled_time values
	malformedDue string
	// sort key that is true for rows the due query cannot decode
	malformedKey string
}

var (
	dialectSQLite = dialect{
		name:         "sqlite",
		malformedDue: " OR typeof(scheduled_time) <> 'integer'",
		malformedKey: "(scheduled_time IS NULL OR typeof(scheduled_time) <> 'integer')",
	}
	dialectPostgres = dialect{name: "postgres", numbered: true, malformedKey: "(scheduled_time IS NULL)"}
)

func (d dialect) rebind(q string) string {
	if !d.numbered {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 16)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

type sqlStore struct {
	db  *sql.DB
	d   dialect
	log logx.Logger
	now func() time.Time
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := newSQLStore(db, dialectSQLite, log)
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConn > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConn)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	st := newSQLStore(db, dialectPostgres, log)
	if err := st.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func newSQLStore(db *sql.DB, d dialect, log logx.Logger) *sqlStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &sqlStore{db: db, d: d, log: log, now: time.Now}
}

func (s *sqlStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schemaSQL)
	return classify(err)
}

func (s *sqlStore) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	res, err := s.db.ExecContext(ctx, s.d.rebind(q), args...)
	return res, classify(err)
}

func (s *sqlStore) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	rows, err := s.db.QueryContext(ctx, s.d.rebind(q), args...)
	return rows, classify(err)
}

func (s *sqlStore) Ping(ctx context.Context) error {
	return classify(s.db.PingContext(ctx))
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const itemColumns = `id, user_id, text, content_type, reply_to, platform, priority, status,
	scheduled_time, skip_rules, retry_count, max_retries, last_error, posted_at,
	posted_external_id, tags, created_at, updated_at`

const unclaimed = `(claim_token IS NULL OR claim_token = '' OR claim_until IS NULL OR claim_until <= ?)`

const postTimeExpr = `COALESCE(posted_at, scheduled_time)`

func (s *sqlStore) Create(ctx context.Context, it content.Item) (content.Item, error) {
	it.Normalize()
	now := s.now().UTC()
	if it.CreatedAt.IsZero() {
		it.CreatedAt = now
	}
	if it.UpdatedAt.IsZero() {
		it.UpdatedAt = it.CreatedAt
	}
	if err := it.Validate(); err != nil {
		return content.Item{}, err
	}
	tags, err := json.Marshal(it.Tags)
	if err != nil {
		return content.Item{}, err
	}
	_, err = s.exec(ctx, `INSERT INTO content_items(`+itemColumns+`)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		it.ID, it.UserID, it.Text, string(it.Type), nullStr(it.ReplyToExternalID), it.Platform, it.Priority,
		string(it.Status), nullMillis(it.ScheduledTime), boolInt(it.SkipRulesCheck), it.RetryCount, it.MaxRetries,
		nullStr(it.LastError), nullMillis(it.PostedAt), nullStr(it.PostedExternalID), string(tags),
		content.ToMillis(it.CreatedAt), content.ToMillis(it.UpdatedAt),
	)
	if err != nil {
		return content.Item{}, fmt.Errorf("insert item: %w", err)
	}
	return it, nil
}

func (s *sqlStore) GetByID(ctx context.Context, id string) (content.Item, error) {
	rows, err := s.query(ctx, `SELECT `+itemColumns+` FROM content_items WHERE id = ?`, id)
	if err != nil {
		return content.Item{}, err
	}
	items, err := s.scanItems(rows)
	if err != nil {
		return content.Item{}, err
	}
	if len(items) == 0 {
		return content.Item{}, content.ErrNotFound
	}
	return items[0], nil
}

func (s *sqlStore) ListItems(ctx context.Context, f Filter) ([]content.Item, error) {
	var where []string
	var args []any
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	if !f.UpdatedSince.IsZero() {
		where = append(where, "updated_at >= ?")
		args = append(args, content.ToMillis(f.UpdatedSince))
	}
	q := `SELECT ` + itemColumns + ` FROM content_items`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	if f.NewestFirst {
		q += " ORDER BY updated_at DESC, id ASC"
	} else {
		q += " ORDER BY created_at ASC, id ASC"
	}
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return s.scanItems(rows)
}

func (s *sqlStore) GetDueItems(ctx context.Context, now time.Time, limit int) ([]content.Item, error) {
	if limit <= 0 {
		limit = DefaultDueLimit
	}
	ms := content.ToMillis(now)
	q := `SELECT ` + itemColumns + ` FROM content_items
		WHERE status = ? AND ` + unclaimed + `
		  AND (scheduled_time <= ? OR scheduled_time IS NULL` + s.d.malformedDue + `)
		ORDER BY ` + s.d.malformedKey + ` ASC, priority DESC, scheduled_time ASC, id ASC
		LIMIT ?`
	rows, err := s.query(ctx, q, string(content.StatusScheduled), ms, ms, limit)
	if err != nil {
		return nil, err
	}
	items, err := s.scanItems(rows)
	if err != nil {
		return nil, err
	}
	for i := range items {
		if items[i].ScheduledTime == nil && items[i].ScheduleErr == nil {
			items[i].ScheduleErr = fmt.Errorf("%w: missing", content.ErrMalformedSchedule)
		}
	}
	return items, nil
}

func (s *sqlStore) UpdateStatus(ctx context.Context, id string, expected content.Status, u content.Update) (bool, error) {
	if err := content.Transition(expected, u.Status); err != nil {
		return false, err
	}
	if u.At.IsZero() {
		u.At = s.now()
	}

	sets := []string{"status = ?"}
	args := []any{string(u.Status)}
	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if u.ScheduledTime != nil {
		add("scheduled_time", content.ToMillis(*u.ScheduledTime))
	}
	if u.Priority != nil {
		add("priority", *u.Priority)
	}
	if u.SkipRulesCheck != nil {
		add("skip_rules", boolInt(*u.SkipRulesCheck))
	}
	if u.RetryCount != nil {
		add("retry_count", *u.RetryCount)
	}
	if u.LastError != nil {
		add("last_error", nullStr(*u.LastError))
	}
	if u.PostedAt != nil {
		add("posted_at", content.ToMillis(*u.PostedAt))
	}
	if u.PostedExternalID != nil {
		add("posted_external_id", nullStr(*u.PostedExternalID))
	}
	sets = append(sets, "claim_token = NULL", "claim_until = NULL")
	add("updated_at", content.ToMillis(u.At))

	q := `UPDATE content_items SET ` + strings.Join(sets, ", ") + ` WHERE id = ? AND status = ?`
	args = append(args, id, string(expected))
	if u.Claim != "" {
		q += ` AND claim_token = ?`
		args = append(args, u.Claim)
	} else {
		q += ` AND ` + unclaimed
		args = append(args, content.ToMillis(u.At))
	}

	res, err := s.exec(ctx, q, args...)
	if err != nil {
		return false, fmt.Errorf("update status: %w", err)
	}
	return affected(res)
}

func (s *sqlStore) Claim(ctx context.Context, id string, expected content.Status, token string, until, now time.Time) (bool, error) {
	if strings.TrimSpace(token) == "" {
		return false, fmt.Errorf("claim token required")
	}
	res, err := s.exec(ctx, `UPDATE content_items SET claim_token = ?, claim_until = ?
		WHERE id = ? AND status = ? AND (`+unclaimed+` OR claim_token = ?)`,
		token, content.ToMillis(until), id, string(expected), content.ToMillis(now), token)
	if err != nil {
		return false, fmt.Errorf("claim: %w", err)
	}
	return affected(res)
}

func (s *sqlStore) postWhere(q rules.PostQuery) (string, []any) {
	where := `user_id = ? AND status IN (?, ?) AND id <> ? AND ` + postTimeExpr + ` > ? AND ` + postTimeExpr + ` <= ?`
	args := []any{q.UserID, string(postStatuses[0]), string(postStatuses[1]), q.ExcludeID,
		content.ToMillis(q.After), content.ToMillis(q.Until)}
	return where, args
}

func (s *sqlStore) CountPostsInWindow(ctx context.Context, q rules.PostQuery) (int, error) {
	where, args := s.postWhere(q)
	var n int
	err := s.db.QueryRowContext(ctx, s.d.rebind(`SELECT COUNT(*) FROM content_items WHERE `+where), args...).Scan(&n)
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

func (s *sqlStore) PostTimesInWindow(ctx context.Context, q rules.PostQuery) ([]time.Time, error) {
	where, args := s.postWhere(q)
	rows, err := s.query(ctx, `SELECT `+postTimeExpr+` FROM content_items WHERE `+where+` ORDER BY 1 ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []time.Time
	for rows.Next() {
		var raw any
		if err := rows.Scan(&raw); err != nil {
			return nil, classify(err)
		}
		at, err := content.DecodeMillis(raw)
		if err != nil {
			s.log.Warn("post time skipped", logx.User(q.UserID), logx.Err(err))
			continue
		}
		out = append(out, at)
	}
	return out, classify(rows.Err())
}

func (s *sqlStore) RecentPostTexts(ctx context.Context, q rules.PostQuery) ([]string, error) {
	where, args := s.postWhere(q)
	rows, err := s.query(ctx, `SELECT text FROM content_items WHERE `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			return nil, classify(err)
		}
		out = append(out, text)
	}
	return out, classify(rows.Err())
}

func (s *sqlStore) GetLastPostTime(ctx context.Context, userID string, before time.Time, excludeID string) (*time.Time, error) {
	var raw any
	err := s.db.QueryRowContext(ctx, s.d.rebind(`SELECT MAX(`+postTimeExpr+`) FROM content_items
		WHERE user_id = ? AND status IN (?, ?) AND id <> ? AND `+postTimeExpr+` < ?`),
		userID, string(postStatuses[0]), string(postStatuses[1]), excludeID, content.ToMillis(before),
	).Scan(&raw)
	if err != nil {
		return nil, classify(err)
	}
	if raw == nil {
		return nil, nil
	}
	at, err := content.DecodeMillis(raw)
	if err != nil {
		return nil, err
	}
	return &at, nil
}

func (s *sqlStore) PutRule(ctx context.Context, r rules.Rule) error {
	r, err := prepareRule(r)
	if err != nil {
		return err
	}
	cond, err := json.Marshal(r.Conditions)
	if err != nil {
		return fmt.Errorf("encode conditions: %w", err)
	}
	res, err := s.exec(ctx, `INSERT INTO publishing_rules(id, user_id, name, rule_type, conditions, action, enabled, priority, updated_at)
		VALUES(?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
		  name = excluded.name, rule_type = excluded.rule_type, conditions = excluded.conditions,
		  action = excluded.action, enabled = excluded.enabled, priority = excluded.priority,
		  updated_at = excluded.updated_at
		WHERE publishing_rules.user_id = excluded.user_id`,
		r.ID, r.UserID, r.Name, string(r.Type), string(cond), string(r.Action), boolInt(r.Enabled), r.Priority,
		content.ToMillis(s.now()),
	)
	if err != nil {
		return fmt.Errorf("put rule: %w", err)
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return content.ErrNotFound
	}
	return nil
}

func (s *sqlStore) ListRules(ctx context.Context, userID string) ([]rules.Rule, error) {
	rows, err := s.query(ctx, `SELECT id, user_id, name, rule_type, conditions, action, enabled, priority
		FROM publishing_rules WHERE user_id = ? ORDER BY priority ASC, id ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]rules.Rule, 0)
	for rows.Next() {
		var (
			r              rules.Rule
			typ, act, cond string
			enabled        int64
		)
		if err := rows.Scan(&r.ID, &r.UserID, &r.Name, &typ, &cond, &act, &enabled, &r.Priority); err != nil {
			return nil, classify(err)
		}
		r.Type = rules.Type(typ)
		r.Action = rules.Action(act)
		r.Enabled = enabled != 0
		if err := json.Unmarshal([]byte(cond), &r.Conditions); err != nil {
			// Left for the evaluator to skip as malformed.
			s.log.Warn("rule conditions undecodable", logx.String("rule", r.ID), logx.Err(err))
			r.Conditions = map[string]any{}
		}
		out = append(out, r)
	}
	return out, classify(rows.Err())
}

func (s *sqlStore) DeleteRule(ctx context.Context, userID, id string) (bool, error) {
	res, err := s.exec(ctx, `DELETE FROM publishing_rules WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return false, fmt.Errorf("delete rule: %w", err)
	}
	return affected(res)
}

func (s *sqlStore) scanItems(rows *sql.Rows) ([]content.Item, error) {
	defer rows.Close()
	out := make([]content.Item, 0)
	for rows.Next() {
		var (
			it                               content.Item
			typ, status                      string
			replyTo, lastErr, extID, tagsRaw sql.NullString
			sched                            any
			skip                             int64
			postedAt                         sql.NullInt64
			created, updated                 int64
		)
		if err := rows.Scan(&it.ID, &it.UserID, &it.Text, &typ, &replyTo, &it.Platform, &it.Priority, &status,
			&sched, &skip, &it.RetryCount, &it.MaxRetries, &lastErr, &postedAt,
			&extID, &tagsRaw, &created, &updated); err != nil {
			return nil, classify(err)
		}
		it.Type = content.Type(typ)
		it.Status = content.Status(status)
		it.ReplyToExternalID = replyTo.String
		it.SkipRulesCheck = skip != 0
		it.LastError = lastErr.String
		it.PostedExternalID = extID.String
		if sched != nil {
			at, err := content.DecodeMillis(sched)
			if err != nil {
				it.ScheduleErr = err
			} else {
				it.ScheduledTime = &at
			}
		}
		if postedAt.Valid {
			at := content.FromMillis(postedAt.Int64)
			it.PostedAt = &at
		}
		if tagsRaw.Valid && tagsRaw.String != "" && tagsRaw.String != "null" {
			if err := json.Unmarshal([]byte(tagsRaw.String), &it.Tags); err != nil {
				it.Tags = nil
				s.log.Warn("item tags skipped", logx.Item(it.ID), logx.Err(err))
			}
		}
		it.CreatedAt = content.FromMillis(created)
		it.UpdatedAt = content.FromMillis(updated)
		out = append(out, it)
	}
	return out, classify(rows.Err())
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, classify(err)
	}
	return n > 0, nil
}

// classify wraps connectivity failures with ErrUnavailable.
func classify(err error) error {
	if err == nil || errors.Is(err, ErrUnavailable) {
		return err
	}
	if isUnavailable(err) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return err
}

func isUnavailable(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var pe *pq.Error
	if errors.As(err, &pe) && pe.Code.Class() == "08" {
		return true
	}
	return strings.Contains(err.Error(), "database is closed")
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return content.ToMillis(*t)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
