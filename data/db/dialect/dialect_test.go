package dialect

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRebind_Postgres(t *testing.T) {
	d := New("postgres")
	got := d.Rebind("UPDATE bookings SET status = ? WHERE id = ? AND status IN (?, ?)")
	assert.Equal(t, "UPDATE bookings SET status = $1 WHERE id = $2 AND status IN ($3, $4)", got)
}

func TestRebind_NoChangeForSQLite(t *testing.T) {
	orig := "DELETE FROM event_outbox WHERE id = ?"
	for _, name := range []string{"sqlite", "sqlite3", "unknown"} {
		assert.Equal(t, orig, New(name).Rebind(orig), name)
	}
}

func TestQuoteIdentifier(t *testing.T) {
	assert.Equal(t, `"bookings"."status"`, New("sqlite").QuoteIdentifier("bookings.status"))
	assert.Equal(t, `"event_outbox"`, New("postgres").QuoteIdentifier("event_outbox"))
	assert.Equal(t, "bookings", New("").QuoteIdentifier("bookings"))
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, New("sqlite").IsUniqueViolation(errors.New("constraint failed: UNIQUE constraint failed: event_outbox.dedupe_key (2067)")))
	assert.True(t, New("postgres").IsUniqueViolation(errors.New(`pq: duplicate key value violates unique constraint "event_outbox_dedupe_key_key"`)))
	assert.False(t, New("sqlite").IsUniqueViolation(errors.New("database is locked")))
	assert.False(t, New("sqlite").IsUniqueViolation(nil))
}

func TestColumnTypes(t *testing.T) {
	assert.Equal(t, "BIGSERIAL PRIMARY KEY", New("postgres").AutoIncrementPK())
	assert.Equal(t, "INTEGER PRIMARY KEY AUTOINCREMENT", New("sqlite").AutoIncrementPK())
	assert.Equal(t, "TIMESTAMPTZ", New("postgres").TimestampType())
	assert.Equal(t, "DATETIME", New("sqlite").TimestampType())
}
