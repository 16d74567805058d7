package warehouse

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

type tables struct {
	staging string
	first   string
	last    string
}

var stagingColumns = []string{
	"event_id", "event_date", "event_timestamp", "event_name", "user_id",
	"user_pseudo_id", "traffic_source", "traffic_medium", "campaign", "event_value",
}

// dialect isolates the SQL differences between backends.
type dialect interface {
	name() string
	// bind returns the placeholder of the n-th (1-based) argument.
	bind(n int) string
	// day renders the UTC calendar date of a timestamp column.
	day(col string) string
	// dateParam renders the n-th argument, a YYYY-MM-DD string, as a date.
	dateParam(n int) string
	// final is appended to table names to read deduplicated rows.
	final() string
	// exact reports whether RowsAffected distinguishes new rows from duplicates.
	exact() bool
	// transactional reports whether DDL and DML can share a transaction.
	transactional() bool
	insert(table string) string
	value(v decimal.NullDecimal) any
	schema(t tables) []string
	materialize(t tables) []string
}

type clickhouseDialect struct{}

func (clickhouseDialect) name() string          { return DriverClickHouse }
func (clickhouseDialect) bind(int) string       { return "?" }
func (clickhouseDialect) day(col string) string { return "toDate(" + col + ")" }
func (clickhouseDialect) final() string         { return " FINAL" }
func (clickhouseDialect) exact() bool           { return false }
func (clickhouseDialect) transactional() bool   { return false }

func (clickhouseDialect) dateParam(int) string { return "toDate(?)" }

func (clickhouseDialect) insert(table string) string {
	return fmt.Sprintf("INSERT INTO %s (%s)", table, strings.Join(stagingColumns, ", "))
}

func (clickhouseDialect) value(v decimal.NullDecimal) any {
	if !v.Valid {
		return nil
	}
	f := v.Decimal.InexactFloat64()
	return &f
}

// Staging rows are collapsed on event_id by ReplacingMergeTree; reads use FINAL.
func (clickhouseDialect) schema(t tables) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	event_id String,
	event_date String,
	event_timestamp Int64,
	event_name LowCardinality(String),
	user_id Nullable(String),
	user_pseudo_id String,
	traffic_source Nullable(String),
	traffic_medium Nullable(String),
	campaign Nullable(String),
	event_value Nullable(Float64)
) ENGINE = ReplacingMergeTree
ORDER BY event_id
PARTITION BY event_date`, t.staging),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	user_pseudo_id String,
	first_click_ts DateTime64(6, 'UTC'),
	first_click_source Nullable(String),
	first_click_medium Nullable(String)
) ENGINE = MergeTree
ORDER BY user_pseudo_id`, t.first),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	user_pseudo_id String,
	last_click_ts DateTime64(6, 'UTC'),
	last_click_source Nullable(String),
	last_click_medium Nullable(String)
) ENGINE = MergeTree
ORDER BY user_pseudo_id`, t.last),
	}
}

// Each mart is built into a shadow table and exchanged in, so readers see
// either the old mart or the new one, never an empty table.
func (clickhouseDialect) materialize(t tables) []string {
	return append(
		rebuildByExchange(t.first, fmt.Sprintf(`SELECT user_pseudo_id,
	fromUnixTimestamp64Micro(min(event_timestamp), 'UTC'),
	argMin(traffic_source, event_timestamp),
	argMin(traffic_medium, event_timestamp)
FROM %s FINAL
GROUP BY user_pseudo_id
HAVING countIf(event_name = 'purchase') > 0`, t.staging)),
		rebuildByExchange(t.last, fmt.Sprintf(`SELECT user_pseudo_id,
	fromUnixTimestamp64Micro(max(event_timestamp), 'UTC'),
	argMax(traffic_source, event_timestamp),
	argMax(traffic_medium, event_timestamp)
FROM %s FINAL
GROUP BY user_pseudo_id
HAVING countIf(event_name = 'purchase') > 0`, t.staging))...,
	)
}

func rebuildByExchange(table, query string) []string {
	next := table + "_next"
	return []string{
		"DROP TABLE IF EXISTS " + next,
		fmt.Sprintf("CREATE TABLE %s AS %s", next, table),
		fmt.Sprintf("INSERT INTO %s\n%s", next, query),
		fmt.Sprintf("EXCHANGE TABLES %s AND %s", table, next),
		"DROP TABLE " + next,
	}
}

type postgresDialect struct{}

func (postgresDialect) name() string          { return DriverPostgres }
func (postgresDialect) bind(n int) string     { return fmt.Sprintf("$%d", n) }
func (postgresDialect) day(col string) string { return "CAST(" + col + " AT TIME ZONE 'UTC' AS DATE)" }
func (postgresDialect) final() string         { return "" }
func (postgresDialect) exact() bool           { return true }
func (postgresDialect) transactional() bool   { return true }

func (postgresDialect) dateParam(n int) string { return fmt.Sprintf("CAST($%d AS DATE)", n) }

func (d postgresDialect) insert(table string) string {
	binds := make([]string, len(stagingColumns))
	for i := range binds {
		binds[i] = d.bind(i + 1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (event_id) DO NOTHING",
		table, strings.Join(stagingColumns, ", "), strings.Join(binds, ", "))
}

func (postgresDialect) value(v decimal.NullDecimal) any { return v }

func (postgresDialect) schema(t tables) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	event_id TEXT PRIMARY KEY,
	event_date TEXT NOT NULL,
	event_timestamp BIGINT NOT NULL,
	event_name TEXT NOT NULL,
	user_id TEXT,
	user_pseudo_id TEXT NOT NULL,
	traffic_source TEXT,
	traffic_medium TEXT,
	campaign TEXT,
	event_value NUMERIC(18, 2)
)`, t.staging),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_ts_idx ON %s (event_timestamp DESC)", t.staging, t.staging),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	user_pseudo_id TEXT PRIMARY KEY,
	first_click_ts TIMESTAMPTZ NOT NULL,
	first_click_source TEXT,
	first_click_medium TEXT
)`, t.first),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	user_pseudo_id TEXT PRIMARY KEY,
	last_click_ts TIMESTAMPTZ NOT NULL,
	last_click_source TEXT,
	last_click_medium TEXT
)`, t.last),
	}
}

func (postgresDialect) materialize(t tables) []string {
	converted := fmt.Sprintf("SELECT user_pseudo_id FROM %s WHERE event_name = 'purchase'", t.staging)
	return []string{
		"TRUNCATE TABLE " + t.first,
		fmt.Sprintf(`INSERT INTO %s (user_pseudo_id, first_click_ts, first_click_source, first_click_medium)
SELECT DISTINCT ON (user_pseudo_id)
	user_pseudo_id, to_timestamp(event_timestamp / 1000000.0), traffic_source, traffic_medium
FROM %s
WHERE user_pseudo_id IN (%s)
ORDER BY user_pseudo_id, event_timestamp ASC`, t.first, t.staging, converted),
		"TRUNCATE TABLE " + t.last,
		fmt.Sprintf(`INSERT INTO %s (user_pseudo_id, last_click_ts, last_click_source, last_click_medium)
SELECT DISTINCT ON (user_pseudo_id)
	user_pseudo_id, to_timestamp(event_timestamp / 1000000.0), traffic_source, traffic_medium
FROM %s
WHERE user_pseudo_id IN (%s)
ORDER BY user_pseudo_id, event_timestamp DESC`, t.last, t.staging, converted),
	}
}
