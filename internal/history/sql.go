package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"podmon-k8s/internal/notify"
	"podmon-k8s/internal/snapshot"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	migrate "github.com/rubenv/sql-migrate"
	"github.com/samber/mo"
)

const settingsKey = "monitor"

// SQLStore persists history in SQLite or Postgres.
type SQLStore struct {
	db     *sqlx.DB
	driver string
}

// OpenSQL connects, applies pending migrations and returns the store.
func OpenSQL(driver, dsn string) (*SQLStore, error) {
	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "connect %s", driver)
	}
	if driver == "sqlite3" {
		// SQLite allows one writer; a single connection also keeps :memory: databases shared.
		db.SetMaxOpenConns(1)
	}

	set := migrate.MigrationSet{TableName: migrationTable}
	if _, err := set.Exec(db.DB, driver, schema(driver), migrate.Up); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "apply migrations")
	}
	return &SQLStore{db: db, driver: driver}, nil
}

type eventRow struct {
	Seq         int64     `db:"seq"`
	ID          string    `db:"id"`
	CycleID     string    `db:"cycle_id"`
	Kind        string    `db:"kind"`
	SubjectKind string    `db:"subject_kind"`
	Namespace   string    `db:"namespace"`
	Name        string    `db:"name"`
	OldValue    string    `db:"old_value"`
	NewValue    string    `db:"new_value"`
	Status      string    `db:"status"`
	OccurredAt  time.Time `db:"occurred_at"`
}

func toEventRow(e snapshot.ChangeEvent) eventRow {
	id := e.ID
	if id == "" {
		id = uuid.NewString()
	}
	return eventRow{
		ID:          id,
		CycleID:     e.CycleID,
		Kind:        string(e.Kind),
		SubjectKind: string(e.Subject.Kind),
		Namespace:   e.Subject.Namespace,
		Name:        e.Subject.Name,
		OldValue:    e.OldValue,
		NewValue:    e.NewValue,
		Status:      e.Status,
		OccurredAt:  e.Timestamp.UTC(),
	}
}

func (r eventRow) event() snapshot.ChangeEvent {
	return snapshot.ChangeEvent{
		ID:        r.ID,
		CycleID:   r.CycleID,
		Kind:      snapshot.EventKind(r.Kind),
		Subject:   snapshot.Subject{Kind: snapshot.Kind(r.SubjectKind), Namespace: r.Namespace, Name: r.Name},
		OldValue:  r.OldValue,
		NewValue:  r.NewValue,
		Status:    r.Status,
		Timestamp: r.OccurredAt.UTC(),
	}
}

type dispatchRow struct {
	EventID   string    `db:"event_id"`
	EventKind string    `db:"event_kind"`
	Subject   string    `db:"subject"`
	Channel   string    `db:"channel"`
	Success   bool      `db:"success"`
	Attempts  int       `db:"attempts"`
	Reason    string    `db:"reason"`
	SentAt    time.Time `db:"sent_at"`
}

const insertEvent = `INSERT INTO change_events
	(id, cycle_id, kind, subject_kind, namespace, name, old_value, new_value, status, occurred_at)
	VALUES (:id, :cycle_id, :kind, :subject_kind, :namespace, :name, :old_value, :new_value, :status, :occurred_at)`

func (s *SQLStore) AppendEvents(ctx context.Context, events []snapshot.ChangeEvent) error {
	return s.CommitCycle(ctx, events, nil)
}

func (s *SQLStore) SaveSnapshot(ctx context.Context, kind snapshot.Kind, snap snapshot.Snapshot) error {
	return s.CommitCycle(ctx, nil, map[snapshot.Kind]snapshot.Snapshot{kind: snap})
}

func (s *SQLStore) CommitCycle(ctx context.Context, events []snapshot.ChangeEvent, snaps map[snapshot.Kind]snapshot.Snapshot) error {
	payloads := make(map[snapshot.Kind][]byte, len(snaps))
	for kind, snap := range snaps {
		if err := checkKind(kind); err != nil {
			return err
		}
		data, err := json.Marshal(snap.Only(kind))
		if err != nil {
			return errors.Wrapf(err, "encode %s snapshot", kind)
		}
		payloads[kind] = data
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	for _, e := range events {
		if _, err := tx.NamedExecContext(ctx, insertEvent, toEventRow(e)); err != nil {
			return errors.Wrapf(err, "insert event %s %s", e.Kind, e.Subject)
		}
	}
	for _, kind := range snapshot.Kinds {
		data, ok := payloads[kind]
		if !ok {
			continue
		}
		q := tx.Rebind(`INSERT INTO snapshots (kind, taken_at, payload) VALUES (?, ?, ?)`)
		if _, err := tx.ExecContext(ctx, q, string(kind), snaps[kind].Timestamp.UTC(), string(data)); err != nil {
			return errors.Wrapf(err, "insert %s snapshot", kind)
		}
	}
	return errors.Wrap(tx.Commit(), "commit cycle")
}

func (s *SQLStore) LatestSnapshot(ctx context.Context, kind snapshot.Kind) (mo.Option[snapshot.Snapshot], error) {
	if err := checkKind(kind); err != nil {
		return mo.None[snapshot.Snapshot](), err
	}
	var payload string
	q := s.db.Rebind(`SELECT payload FROM snapshots WHERE kind = ? ORDER BY seq DESC LIMIT 1`)
	err := s.db.GetContext(ctx, &payload, q, string(kind))
	if errors.Is(err, sql.ErrNoRows) {
		return mo.None[snapshot.Snapshot](), nil
	}
	if err != nil {
		return mo.None[snapshot.Snapshot](), errors.Wrapf(err, "load latest %s snapshot", kind)
	}
	var snap snapshot.Snapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		return mo.None[snapshot.Snapshot](), errors.Wrapf(err, "decode %s snapshot", kind)
	}
	snap.Timestamp = snap.Timestamp.UTC()
	return mo.Some(snap), nil
}

func (s *SQLStore) Events(ctx context.Context, q Query) ([]snapshot.ChangeEvent, error) {
	var where []string
	var args []any
	add := func(clause string, arg any) {
		where = append(where, clause)
		args = append(args, arg)
	}
	if q.Namespace != "" {
		add("namespace = ?", q.Namespace)
	}
	if q.Name != "" {
		add(`LOWER(name) LIKE ? ESCAPE '\'`, "%"+escapeLike(strings.ToLower(q.Name))+"%")
	}
	if q.SubjectKind != "" {
		add("subject_kind = ?", string(q.SubjectKind))
	}
	if q.Status != "" {
		add("status = ?", q.Status)
	}
	if q.EventType != "" {
		add("kind = ?", string(q.EventType))
	}
	if !q.Since.IsZero() {
		add("occurred_at >= ?", q.Since.UTC())
	}
	if !q.Until.IsZero() {
		add("occurred_at < ?", q.Until.UTC())
	}

	query := `SELECT seq, id, cycle_id, kind, subject_kind, namespace, name, old_value, new_value, status, occurred_at FROM change_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY occurred_at DESC, seq ASC LIMIT ?"
	args = append(args, q.limit())

	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, errors.Wrap(err, "query events")
	}
	out := make([]snapshot.ChangeEvent, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.event())
	}
	return out, nil
}

func (s *SQLStore) PodUsage(ctx context.Context, key snapshot.PodKey, since time.Time) ([]UsageSample, error) {
	var payloads []string
	q := s.db.Rebind(`SELECT payload FROM snapshots WHERE kind = ? AND taken_at >= ? ORDER BY seq ASC`)
	if err := s.db.SelectContext(ctx, &payloads, q, string(snapshot.KindPod), since.UTC()); err != nil {
		return nil, errors.Wrapf(err, "query usage for %s", key)
	}
	out := make([]UsageSample, 0, len(payloads))
	for _, payload := range payloads {
		var snap snapshot.Snapshot
		if err := json.Unmarshal([]byte(payload), &snap); err != nil {
			return nil, errors.Wrap(err, "decode pod snapshot")
		}
		if sample, ok := usageOf(snap, key); ok {
			out = append(out, sample)
		}
	}
	return out, nil
}

const insertDispatch = `INSERT INTO dispatches
	(event_id, event_kind, subject, channel, success, attempts, reason, sent_at)
	VALUES (:event_id, :event_kind, :subject, :channel, :success, :attempts, :reason, :sent_at)`

func (s *SQLStore) RecordDispatches(ctx context.Context, results []notify.DispatchResult) error {
	if len(results) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	for _, r := range results {
		row := dispatchRow{
			EventID:   r.EventID,
			EventKind: string(r.EventKind),
			Subject:   r.Subject,
			Channel:   string(r.Channel),
			Success:   r.Success,
			Attempts:  r.Attempts,
			Reason:    r.Reason,
			SentAt:    r.Timestamp.UTC(),
		}
		if _, err := tx.NamedExecContext(ctx, insertDispatch, row); err != nil {
			return errors.Wrap(err, "insert dispatch result")
		}
	}
	return errors.Wrap(tx.Commit(), "commit dispatch results")
}

func (s *SQLStore) Dispatches(ctx context.Context, limit int) ([]notify.DispatchResult, error) {
	if limit <= 0 || limit > DefaultLimit {
		limit = DefaultLimit
	}
	var rows []dispatchRow
	q := s.db.Rebind(`SELECT event_id, event_kind, subject, channel, success, attempts, reason, sent_at
		FROM dispatches ORDER BY seq DESC LIMIT ?`)
	if err := s.db.SelectContext(ctx, &rows, q, limit); err != nil {
		return nil, errors.Wrap(err, "query dispatch results")
	}
	out := make([]notify.DispatchResult, 0, len(rows))
	for _, r := range rows {
		out = append(out, notify.DispatchResult{
			EventID:   r.EventID,
			EventKind: snapshot.EventKind(r.EventKind),
			Subject:   r.Subject,
			Channel:   notify.Channel(r.Channel),
			Success:   r.Success,
			Attempts:  r.Attempts,
			Reason:    r.Reason,
			Timestamp: r.SentAt.UTC(),
		})
	}
	return out, nil
}

func (s *SQLStore) PruneOlderThan(ctx context.Context, cutoff time.Time) (PruneStats, error) {
	cutoff = cutoff.UTC()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return PruneStats{}, errors.Wrap(err, "begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	var stats PruneStats
	statements := []struct {
		query string
		count *int64
	}{
		{`DELETE FROM change_events WHERE occurred_at < ?`, &stats.Events},
		{`DELETE FROM dispatches WHERE sent_at < ?`, &stats.Dispatches},
		{`DELETE FROM snapshots WHERE taken_at < ? AND seq NOT IN (SELECT MAX(seq) FROM snapshots GROUP BY kind)`, &stats.Snapshots},
	}
	for _, st := range statements {
		res, err := tx.ExecContext(ctx, tx.Rebind(st.query), cutoff)
		if err != nil {
			return PruneStats{}, errors.Wrap(err, "prune history")
		}
		if *st.count, err = res.RowsAffected(); err != nil {
			return PruneStats{}, errors.Wrap(err, "prune history")
		}
	}
	if err := tx.Commit(); err != nil {
		return PruneStats{}, errors.Wrap(err, "commit prune")
	}

	if s.driver == "sqlite3" {
		if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
			return stats, errors.Wrap(err, "vacuum")
		}
	}
	return stats, nil
}

func (s *SQLStore) LoadSettings(ctx context.Context) ([]byte, bool, error) {
	var value string
	err := s.db.GetContext(ctx, &value, s.db.Rebind(`SELECT value FROM settings WHERE key = ?`), settingsKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "load settings")
	}
	return []byte(value), true, nil
}

func (s *SQLStore) SaveSettings(ctx context.Context, payload []byte) error {
	q := s.db.Rebind(`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`)
	_, err := s.db.ExecContext(ctx, q, settingsKey, string(payload), time.Now().UTC())
	return errors.Wrap(err, "save settings")
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
