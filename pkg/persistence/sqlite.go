package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/denizumutdereli/qubicsleep/pkg/core"
	"github.com/vmihailenco/msgpack/v5"
	_ "modernc.org/sqlite"
)

const traceColumns = `id, content, created_at, last_access_at, activation_times,
	activation_strength, tier, semantic_category, emotional_salience,
	co_activation_count, consolidated_strength, fate, synaptic_tag,
	metaplasticity_threshold, summary, summary_attempts, last_update_at, version`

// SQLiteStore is the MemoryStore backed by a pure-Go SQLite database.
type SQLiteStore struct {
	db   *sql.DB
	path string

	// Stats
	queries     atomic.Uint64
	commits     atomic.Uint64
	rejected    atomic.Uint64
	activations atomic.Uint64
}

// Open opens (or creates) the database described by cfg, configures
// pragmas, and runs migrations.
func Open(cfg core.StoreConfig) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite: %v", core.ErrConnectionFailure, err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)

	return newSQLiteStore(db, cfg.Path, cfg.BusyTimeout, true)
}

// OpenMemory opens an in-memory database for tests. The pool is pinned to
// a single connection because every new :memory: connection is a fresh
// database.
func OpenMemory() (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open sqlite memory: %w", err)
	}
	db.SetMaxOpenConns(1)

	return newSQLiteStore(db, ":memory:", 5*time.Second, false)
}

func newSQLiteStore(db *sql.DB, path string, busy time.Duration, wal bool) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db, path: path}
	if err := s.configurePragmas(busy, wal); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) configurePragmas(busy time.Duration, wal bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		fmt.Sprintf("PRAGMA busy_timeout=%d", busy.Milliseconds()),
	}
	if wal {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL", "PRAGMA synchronous=NORMAL")
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("pragma %q: %w", p, err)
		}
	}
	return nil
}

// Path returns the database location.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// classify maps driver errors onto the shared error kinds.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w: %v", op, core.ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%s: %w", op, err)
	case errors.Is(err, sql.ErrConnDone):
		return fmt.Errorf("%s: %w: %v", op, core.ErrConnectionFailure, err)
	}
	msg := err.Error()
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY") {
		return fmt.Errorf("%s: %w: %v", op, core.ErrConnectionFailure, err)
	}
	return fmt.Errorf("%s: %w: %v", op, core.ErrTransactionFailure, err)
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrace(row rowScanner) (core.MemoryTrace, error) {
	var (
		t                            core.MemoryTrace
		created, lastAccess, updated int64
		times, summary               []byte
		tier, fate                   string
		tag                          int
	)
	err := row.Scan(&t.ID, &t.Content, &created, &lastAccess, &times,
		&t.ActivationStrength, &tier, &t.SemanticCategory, &t.EmotionalSalience,
		&t.CoActivationCount, &t.ConsolidatedStrength, &fate, &tag,
		&t.MetaplasticityThreshold, &summary, &t.SummaryAttempts, &updated, &t.Version)
	if err != nil {
		return t, err
	}

	t.CreatedAt = fromNanos(created)
	t.LastAccessAt = fromNanos(lastAccess)
	t.LastUpdateAt = fromNanos(updated)
	t.Tier = core.Tier(tier)
	t.Fate = core.Fate(fate)
	t.SynapticTag = tag != 0

	// An unreadable event log degrades to LastAccessAt as the only event.
	if ts, err := DecodeTimes(times); err == nil {
		t.ActivationTimes = ts
	}
	if len(summary) > 0 {
		var sum core.Summary
		if err := msgpack.Unmarshal(summary, &sum); err == nil {
			t.Summary = &sum
		}
	}
	return t, nil
}

func traceArgs(t *core.MemoryTrace) ([]any, error) {
	times, err := EncodeTimes(t.ActivationTimes)
	if err != nil {
		return nil, err
	}
	var summary []byte
	if t.Summary != nil {
		if summary, err = msgpack.Marshal(t.Summary); err != nil {
			return nil, err
		}
	}
	return []any{
		string(t.ID), t.Content, toNanos(t.CreatedAt), toNanos(t.LastAccessAt), times,
		t.ActivationStrength, string(t.Tier), t.SemanticCategory, t.EmotionalSalience,
		t.CoActivationCount, t.ConsolidatedStrength, string(t.Fate), boolInt(t.SynapticTag),
		t.MetaplasticityThreshold, summary, t.SummaryAttempts, toNanos(t.LastUpdateAt),
	}, nil
}

// Query returns traces in the given tiers, most recently accessed first.
func (s *SQLiteStore) Query(ctx context.Context, f core.Filter) ([]core.MemoryTrace, error) {
	s.queries.Add(1)

	q := "SELECT " + traceColumns + " FROM traces"
	var args []any
	if len(f.Tiers) > 0 {
		marks := make([]string, len(f.Tiers))
		for i, tier := range f.Tiers {
			marks[i] = "?"
			args = append(args, string(tier))
		}
		q += " WHERE tier IN (" + strings.Join(marks, ",") + ")"
	}
	q += " ORDER BY last_access_at DESC, id"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classify("query traces", err)
	}
	defer rows.Close()

	var out []core.MemoryTrace
	for rows.Next() {
		t, err := scanTrace(rows)
		if err != nil {
			return nil, classify("scan trace", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate traces", err)
	}
	return out, nil
}

// Get loads one trace.
func (s *SQLiteStore) Get(ctx context.Context, id core.TraceID) (core.MemoryTrace, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+traceColumns+" FROM traces WHERE id = ?", string(id))
	t, err := scanTrace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return t, fmt.Errorf("%w: %s", core.ErrTraceNotFound, id)
	}
	if err != nil {
		return t, classify("get trace", err)
	}
	return t, nil
}

// Upsert inserts a trace or replaces its content and state, bumping the
// version. Ingestion uses it; consolidation goes through ApplyBatch.
func (s *SQLiteStore) Upsert(ctx context.Context, t core.MemoryTrace) error {
	if t.ID == "" {
		return fmt.Errorf("%w: empty trace id", core.ErrDataCorruption)
	}
	args, err := traceArgs(&t)
	if err != nil {
		return err
	}
	args = append(args, t.Version)

	_, err = s.db.ExecContext(ctx, `
INSERT INTO traces (`+traceColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    content = excluded.content,
    last_access_at = excluded.last_access_at,
    activation_times = excluded.activation_times,
    activation_strength = excluded.activation_strength,
    tier = excluded.tier,
    semantic_category = excluded.semantic_category,
    emotional_salience = excluded.emotional_salience,
    co_activation_count = excluded.co_activation_count,
    consolidated_strength = excluded.consolidated_strength,
    fate = excluded.fate,
    synaptic_tag = excluded.synaptic_tag,
    metaplasticity_threshold = excluded.metaplasticity_threshold,
    summary = excluded.summary,
    summary_attempts = excluded.summary_attempts,
    last_update_at = excluded.last_update_at,
    version = traces.version + 1`, args...)
	return classify("upsert trace", err)
}

// RecordActivation appends a re-activation event to a stored trace,
// refreshes its activation and bumps its version so any batch computed
// from the older state is rejected. It returns the new state.
func (s *SQLiteStore) RecordActivation(ctx context.Context, id core.TraceID, at time.Time) (core.MemoryTrace, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.MemoryTrace{}, classify("begin activation", err)
	}
	defer tx.Rollback()

	t, err := scanTrace(tx.QueryRowContext(ctx, "SELECT "+traceColumns+" FROM traces WHERE id = ?", string(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return t, fmt.Errorf("%w: %s", core.ErrTraceNotFound, id)
	}
	if err != nil {
		return t, classify("load trace", err)
	}

	t.Activate(at)
	times, err := EncodeTimes(t.ActivationTimes)
	if err != nil {
		return t, err
	}
	_, err = tx.ExecContext(ctx, `
UPDATE traces SET
    activation_times = ?,
    activation_strength = ?,
    last_access_at = ?,
    version = version + 1
WHERE id = ? AND version = ?`,
		times, t.ActivationStrength, toNanos(t.LastAccessAt), string(t.ID), t.Version)
	if err != nil {
		return t, classify("record activation", err)
	}
	if err := tx.Commit(); err != nil {
		return t, classify("commit activation", err)
	}
	t.Version++
	s.activations.Add(1)
	return t, nil
}

// ApplyBatch commits a batch in one transaction: every update must still
// carry the version it was computed from, links are upserted, pruned
// traces are deleted and the batch is recorded. Any failure rolls back
// everything.
func (s *SQLiteStore) ApplyBatch(ctx context.Context, b *core.ConsolidationBatch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin batch", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM batches WHERE id = ?", b.ID).Scan(&exists); err != nil {
		return classify("check batch", err)
	}
	if exists > 0 {
		return fmt.Errorf("%w: batch %d already committed", core.ErrVersionConflict, b.ID)
	}

	for i := range b.Updates {
		if err := s.updateTrace(ctx, tx, &b.Updates[i]); err != nil {
			s.rejected.Add(1)
			return err
		}
	}

	for i := range b.Links {
		l := &b.Links[i]
		_, err := tx.ExecContext(ctx, `
INSERT INTO links (pre_id, post_id, coactivation_count, avg_offset_ms, stdp_window, stdp_factor,
    rule, delta, tagged, tag_strength, scaled_delta, competition_rank, competition_factor,
    final_delta, batch_id)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(pre_id, post_id) DO UPDATE SET
    coactivation_count = excluded.coactivation_count,
    avg_offset_ms = excluded.avg_offset_ms,
    stdp_window = excluded.stdp_window,
    stdp_factor = excluded.stdp_factor,
    rule = excluded.rule,
    delta = excluded.delta,
    tagged = excluded.tagged,
    tag_strength = excluded.tag_strength,
    scaled_delta = excluded.scaled_delta,
    competition_rank = excluded.competition_rank,
    competition_factor = excluded.competition_factor,
    final_delta = excluded.final_delta,
    batch_id = excluded.batch_id`,
			string(l.PreID), string(l.PostID), l.CoActivationCount, l.AvgTemporalOffsetMs,
			string(l.Window), l.STDPFactor, string(l.Rule), l.Delta, boolInt(l.Tagged),
			l.TagStrength, l.ScaledDelta, l.CompetitionRank, l.CompetitionFactor,
			l.FinalDelta, b.ID)
		if err != nil {
			return classify("upsert link", err)
		}
	}

	for _, p := range b.Pruned {
		if err := s.pruneTrace(ctx, tx, p); err != nil {
			s.rejected.Add(1)
			return err
		}
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO batches (id, correlation_id, rhythm, created_at, committed_at, update_count, link_count, pruned_count)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.CorrelationID, string(b.Rhythm), toNanos(b.CreatedAt), time.Now().UnixNano(),
		len(b.Updates), len(b.Links), len(b.Pruned))
	if err != nil {
		return classify("record batch", err)
	}

	if err := tx.Commit(); err != nil {
		return classify("commit batch", err)
	}
	b.Status = core.BatchCommitted
	s.commits.Add(1)
	return nil
}

func (s *SQLiteStore) updateTrace(ctx context.Context, tx *sql.Tx, t *core.MemoryTrace) error {
	args, err := traceArgs(t)
	if err != nil {
		return err
	}
	// Drop id and creation time; append the key and the expected version.
	set := append([]any{args[1]}, args[3:]...)
	set = append(set, string(t.ID), t.Version)

	res, err := tx.ExecContext(ctx, `
UPDATE traces SET
    content = ?,
    last_access_at = ?,
    activation_times = ?,
    activation_strength = ?,
    tier = ?,
    semantic_category = ?,
    emotional_salience = ?,
    co_activation_count = ?,
    consolidated_strength = ?,
    fate = ?,
    synaptic_tag = ?,
    metaplasticity_threshold = ?,
    summary = ?,
    summary_attempts = ?,
    last_update_at = ?,
    version = version + 1
WHERE id = ? AND version = ?`, set...)
	if err != nil {
		return classify("update trace", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return classify("update trace", err)
	}
	if n == 0 {
		var current uint64
		err := tx.QueryRowContext(ctx, "SELECT version FROM traces WHERE id = ?", string(t.ID)).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", core.ErrTraceNotFound, t.ID)
		}
		if err != nil {
			return classify("check version", err)
		}
		return fmt.Errorf("%w: trace %s at version %d, batch computed from %d",
			core.ErrVersionConflict, t.ID, current, t.Version)
	}
	return nil
}

// pruneTrace deletes a trace only if it is still at the version the
// prune verdict saw.
func (s *SQLiteStore) pruneTrace(ctx context.Context, tx *sql.Tx, p core.PrunedTrace) error {
	res, err := tx.ExecContext(ctx, "DELETE FROM traces WHERE id = ? AND version = ?", string(p.ID), p.Version)
	if err != nil {
		return classify("prune trace", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify("prune trace", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: trace %s changed or vanished since version %d, not pruned",
			core.ErrVersionConflict, p.ID, p.Version)
	}
	return nil
}

// Links returns every stored link touching the trace.
func (s *SQLiteStore) Links(ctx context.Context, id core.TraceID) ([]core.SynapticLink, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT pre_id, post_id, coactivation_count, avg_offset_ms, stdp_window, stdp_factor, rule,
    delta, tagged, tag_strength, scaled_delta, competition_rank, competition_factor, final_delta
FROM links WHERE pre_id = ? OR post_id = ?
ORDER BY pre_id, post_id`, string(id), string(id))
	if err != nil {
		return nil, classify("query links", err)
	}
	defer rows.Close()

	var out []core.SynapticLink
	for rows.Next() {
		var (
			l            core.SynapticLink
			window, rule string
			tagged       int
		)
		if err := rows.Scan(&l.PreID, &l.PostID, &l.CoActivationCount, &l.AvgTemporalOffsetMs,
			&window, &l.STDPFactor, &rule, &l.Delta, &tagged, &l.TagStrength, &l.ScaledDelta,
			&l.CompetitionRank, &l.CompetitionFactor, &l.FinalDelta); err != nil {
			return nil, classify("scan link", err)
		}
		l.Window = core.STDPWindow(window)
		l.Rule = core.PlasticityRule(rule)
		l.Tagged = tagged != 0
		out = append(out, l)
	}
	return out, classify("iterate links", rows.Err())
}

// LastBatchID returns the highest committed batch id, or 0.
func (s *SQLiteStore) LastBatchID(ctx context.Context) (uint64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(id), 0) FROM batches").Scan(&id)
	if err != nil {
		return 0, classify("last batch id", err)
	}
	return uint64(id), nil
}

// TierCounts returns the number of traces per tier.
func (s *SQLiteStore) TierCounts(ctx context.Context) (map[core.Tier]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT tier, COUNT(*) FROM traces GROUP BY tier")
	if err != nil {
		return nil, classify("tier counts", err)
	}
	defer rows.Close()

	counts := make(map[core.Tier]int)
	for rows.Next() {
		var tier string
		var n int
		if err := rows.Scan(&tier, &n); err != nil {
			return nil, classify("scan tier count", err)
		}
		counts[core.Tier(tier)] = n
	}
	return counts, classify("iterate tier counts", rows.Err())
}

// Ping checks the connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return classify("ping", s.db.PingContext(ctx))
}

// Stats returns store statistics
func (s *SQLiteStore) Stats() map[string]any {
	db := s.db.Stats()
	return map[string]any{
		"path":              s.path,
		"queries":           s.queries.Load(),
		"batches_committed": s.commits.Load(),
		"batches_rejected":  s.rejected.Load(),
		"activations":       s.activations.Load(),
		"open_connections":  db.OpenConnections,
		"in_use":            db.InUse,
	}
}
