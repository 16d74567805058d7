package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/okian/touchpoint/internal/domain/model"
	"github.com/okian/touchpoint/pkg/logger"
)

// SQLStore implements Store on a database/sql handle.
type SQLStore struct {
	db  *sql.DB
	d   dialect
	t   tables
	log logger.Logger
}

// NewSQLStore wraps an open database handle.
func NewSQLStore(db *sql.DB, d dialect, t tables, log logger.Logger) *SQLStore {
	if log == nil {
		log = logger.Nop()
	}
	return &SQLStore{db: db, d: d, t: t, log: log}
}

// Ping checks connectivity to the query engine.
func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrUnavailable, s.d.name(), err)
	}
	return nil
}

// Close releases the connection pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// InitSchema creates the staging and mart tables if they do not exist.
func (s *SQLStore) InitSchema(ctx context.Context) error {
	for _, stmt := range s.d.schema(s.t) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w: %w", ErrSchema, err)
		}
	}
	s.log.Info(ctx, "warehouse schema initialized", logger.String("staging_table", s.t.staging))
	return nil
}

// InsertEvents appends events in one transaction.
func (s *SQLStore) InsertEvents(ctx context.Context, events []model.Event) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, s.d.insert(s.t.staging))
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, ev := range events {
		res, err := stmt.ExecContext(ctx,
			ev.EventID,
			ev.EventDate(),
			ev.MicrosTimestamp(),
			ev.EventName,
			ev.UserID,
			ev.UserPseudoID,
			nullString(ev.TrafficSource),
			nullString(ev.TrafficMedium),
			ev.Campaign,
			s.d.value(ev.Value),
		)
		if err != nil {
			return 0, fmt.Errorf("insert event %s: %w", ev.EventID, err)
		}
		if !s.d.exact() {
			inserted++
			continue
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("insert event %s: %w", ev.EventID, err)
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit insert: %w", err)
	}
	return inserted, nil
}

// RecentEvents returns the newest staged events.
func (s *SQLStore) RecentEvents(ctx context.Context, limit int) ([]model.Event, error) {
	q := fmt.Sprintf(`SELECT event_id, event_timestamp, user_id, user_pseudo_id, event_name,
	traffic_source, traffic_medium, campaign, event_value
FROM %s%s
ORDER BY event_timestamp DESC, event_id DESC
LIMIT %s`, s.t.staging, s.d.final(), s.d.bind(1))

	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.Event, 0, limit)
	for rows.Next() {
		var (
			ev             model.Event
			micros         int64
			userID         sql.NullString
			source, medium sql.NullString
			campaign       sql.NullString
			value          decimal.NullDecimal
		)
		if err := rows.Scan(&ev.EventID, &micros, &userID, &ev.UserPseudoID, &ev.EventName,
			&source, &medium, &campaign, &value); err != nil {
			return nil, err
		}
		ev.Timestamp = time.UnixMicro(micros).UTC()
		ev.UserID = stringPtr(userID)
		ev.TrafficSource = source.String
		ev.TrafficMedium = medium.String
		ev.Campaign = stringPtr(campaign)
		ev.Value = value
		out = append(out, ev)
	}
	return out, rows.Err()
}

// FirstTouchByDay counts first-touch records per day on or after since.
func (s *SQLStore) FirstTouchByDay(ctx context.Context, since model.Day) ([]model.DayCount, error) {
	return s.byDay(ctx, s.t.first, "first_click_ts", since)
}

// LastTouchByDay counts last-touch records per day on or after since.
func (s *SQLStore) LastTouchByDay(ctx context.Context, since model.Day) ([]model.DayCount, error) {
	return s.byDay(ctx, s.t.last, "last_click_ts", since)
}

// FirstTouchByChannel counts first-touch records per channel on or after since.
func (s *SQLStore) FirstTouchByChannel(ctx context.Context, since model.Day) ([]model.ChannelCount, error) {
	return s.byChannel(ctx, s.t.first, "first_click", since)
}

// LastTouchByChannel counts last-touch records per channel on or after since.
func (s *SQLStore) LastTouchByChannel(ctx context.Context, since model.Day) ([]model.ChannelCount, error) {
	return s.byChannel(ctx, s.t.last, "last_click", since)
}

func (s *SQLStore) byDay(ctx context.Context, table, tsCol string, since model.Day) ([]model.DayCount, error) {
	day := s.d.day(tsCol)
	q := fmt.Sprintf(`SELECT %s AS day, COUNT(*) AS n
FROM %s
WHERE %s >= %s
GROUP BY day
ORDER BY day`, day, table, day, s.d.dateParam(1))

	rows, err := s.db.QueryContext(ctx, q, since.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.DayCount
	for rows.Next() {
		var (
			d time.Time
			n int64
		)
		if err := rows.Scan(&d, &n); err != nil {
			return nil, err
		}
		out = append(out, model.DayCount{Day: model.DayOf(d), Count: n})
	}
	return out, rows.Err()
}

func (s *SQLStore) byChannel(ctx context.Context, table, prefix string, since model.Day) ([]model.ChannelCount, error) {
	q := fmt.Sprintf(`SELECT
	COALESCE(NULLIF(%[2]s_source, ''), '%[3]s') AS source,
	COALESCE(%[2]s_medium, '') AS medium,
	COUNT(*) AS n
FROM %[1]s
WHERE %[4]s >= %[5]s
GROUP BY source, medium`, table, prefix, model.UnknownSource, s.d.day(prefix+"_ts"), s.d.dateParam(1))

	rows, err := s.db.QueryContext(ctx, q, since.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ChannelCount
	for rows.Next() {
		var c model.ChannelCount
		if err := rows.Scan(&c.Source, &c.Medium, &c.Count); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MaterializeMarts rebuilds both marts from the staging table: for every user
// with a purchase, the earliest event is the first touch and the latest the last touch.
func (s *SQLStore) MaterializeMarts(ctx context.Context) error {
	start := time.Now()
	if s.d.transactional() {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("materialize marts: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if err := execAll(ctx, tx, s.d.materialize(s.t)); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("materialize marts: %w", err)
		}
	} else if err := execAll(ctx, s.db, s.d.materialize(s.t)); err != nil {
		return err
	}
	s.log.Debug(ctx, "marts materialized", logger.Duration("elapsed", time.Since(start)))
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func execAll(ctx context.Context, db execer, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("materialize marts: %w", err)
		}
	}
	return nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}
