package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	core "bookingsaga/data/db"
	"bookingsaga/data/db/dialect"
	sqlbuilder "bookingsaga/data/db/sql"
	apperrors "bookingsaga/errors"
	"bookingsaga/logging"
)

// DefaultTable 默认表名
const DefaultTable = "event_outbox"

var entryColumns = []string{
	"id", "event_id", "topic", "dedupe_key", "payload",
	"status", "created_at", "published_at", "retry_count", "last_error", "next_retry_at",
}

// SQLStore 基于 data/db 的 Outbox 仓储，同时实现 Writer 与 Repository
type SQLStore struct {
	db      core.IDatabase
	dialect dialect.Dialect
	table   string
	logger  logging.Logger
	now     func() time.Time
}

// NewSQLStore 创建 SQL Outbox 仓储
func NewSQLStore(db core.IDatabase, logger logging.Logger) *SQLStore {
	if logger == nil {
		logger = logging.ComponentLogger("eventing.outbox.store")
	}
	return &SQLStore{
		db:      db,
		dialect: dialect.FromDatabase(db),
		table:   DefaultTable,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock 替换时钟（测试用）
func (s *SQLStore) WithClock(now func() time.Time) *SQLStore {
	s.now = now
	return s
}

// EnsureTable 确保表与索引存在
func (s *SQLStore) EnsureTable(ctx context.Context) error {
	ts := s.dialect.TimestampType()
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id %s,
			event_id VARCHAR(64) NOT NULL UNIQUE,
			topic VARCHAR(255) NOT NULL,
			dedupe_key VARCHAR(255) NOT NULL UNIQUE,
			payload TEXT NOT NULL,
			status VARCHAR(16) NOT NULL DEFAULT 'pending',
			created_at %s NOT NULL,
			published_at %s NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NULL,
			next_retry_at %s NULL
		)`, s.table, s.dialect.AutoIncrementPK(), ts, ts, ts),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_status ON %s (status, next_retry_at)`, s.table, s.table),
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return apperrors.WrapDbError(ctx, err, "create outbox table")
		}
	}
	s.logger.Info(ctx, "outbox table ready", logging.String("table", s.table))
	return nil
}

// CreateEvent 写入一条待发布事件
//
// dedupeKey 为空时使用新生成的事件 ID，即不去重。
func (s *SQLStore) CreateEvent(ctx context.Context, topic, dedupeKey string, payload any) error {
	if topic == "" {
		return apperrors.NewValidationError("outbox topic is empty")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, "outbox payload is not serializable")
	}

	eventID := uuid.NewString()
	if dedupeKey == "" {
		dedupeKey = eventID
	}

	_, err = sqlbuilder.New(s.db).InsertInto(s.table).
		Columns("event_id", "topic", "dedupe_key", "payload", "status", "created_at", "retry_count").
		Values(eventID, topic, dedupeKey, string(data), StatusPending, s.now(), 0).
		Exec(ctx)
	if err != nil {
		if s.dialect.IsUniqueViolation(err) {
			s.logger.Debug(ctx, "outbox event already recorded",
				logging.String("topic", topic),
				logging.String("dedupe_key", dedupeKey))
			return nil
		}
		return apperrors.WrapDbError(ctx, err, "insert outbox event")
	}
	return nil
}

// GetPendingEntries 获取待发布或到期重试的记录
func (s *SQLStore) GetPendingEntries(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := sqlbuilder.New(s.db).Select(entryColumns...).From(s.table).
		Where("status = ?", StatusPending).
		Or("status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)", StatusFailed, s.now()).
		OrderBy("id ASC").
		Limit(limit).
		Query(ctx)
	if err != nil {
		return nil, apperrors.WrapDbError(ctx, err, "query pending outbox entries")
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, apperrors.WrapDbError(ctx, err, "scan outbox entry")
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// FindByDedupeKey 按去重键查询记录，不存在时返回 NOT_FOUND 错误
func (s *SQLStore) FindByDedupeKey(ctx context.Context, dedupeKey string) (Entry, error) {
	row := sqlbuilder.New(s.db).Select(entryColumns...).From(s.table).
		Where("dedupe_key = ?", dedupeKey).
		QueryRow(ctx)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return Entry{}, apperrors.NewNotFoundError("outbox entry not found: " + dedupeKey)
	}
	if err != nil {
		return Entry{}, apperrors.WrapDbError(ctx, err, "find outbox entry")
	}
	return e, nil
}

// MarkAsPublished 标记为已发布
func (s *SQLStore) MarkAsPublished(ctx context.Context, entryID int64) error {
	_, err := sqlbuilder.New(s.db).Update(s.table).
		Set("status", StatusPublished).
		Set("published_at", s.now()).
		Set("last_error", nil).
		Where("id = ?", entryID).
		Exec(ctx)
	if err != nil {
		return apperrors.WrapDbError(ctx, err, "mark outbox entry published")
	}
	return nil
}

// MarkAsFailed 标记为失败并设置下次重试时间
func (s *SQLStore) MarkAsFailed(ctx context.Context, entryID int64, errorMsg string, nextRetryAt time.Time) error {
	_, err := sqlbuilder.New(s.db).Update(s.table).
		Set("status", StatusFailed).
		Set("last_error", errorMsg).
		SetExpr("retry_count = retry_count + 1").
		Set("next_retry_at", nextRetryAt.UTC()).
		Where("id = ?", entryID).
		Exec(ctx)
	if err != nil {
		return apperrors.WrapDbError(ctx, err, "mark outbox entry failed")
	}
	return nil
}

// MarkAsDead 标记为死信，不再自动重试
func (s *SQLStore) MarkAsDead(ctx context.Context, entryID int64, errorMsg string) error {
	_, err := sqlbuilder.New(s.db).Update(s.table).
		Set("status", StatusDead).
		Set("last_error", errorMsg).
		SetExpr("retry_count = retry_count + 1").
		Set("next_retry_at", nil).
		Where("id = ?", entryID).
		Exec(ctx)
	if err != nil {
		return apperrors.WrapDbError(ctx, err, "mark outbox entry dead")
	}
	return nil
}

// DeletePublished 删除早于 olderThan 的已发布记录
func (s *SQLStore) DeletePublished(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := sqlbuilder.New(s.db).DeleteFrom(s.table).
		Where("status = ?", StatusPublished).
		Where("published_at < ?", olderThan.UTC()).
		Exec(ctx)
	if err != nil {
		return 0, apperrors.WrapDbError(ctx, err, "delete published outbox entries")
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info(ctx, "published outbox entries cleaned up", logging.Int64("deleted", n))
	}
	return n, nil
}

// CountByStatus 按状态统计记录数
func (s *SQLStore) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	rows, err := s.db.Query(ctx, fmt.Sprintf("SELECT status, COUNT(*) FROM %s GROUP BY status", s.table))
	if err != nil {
		return nil, apperrors.WrapDbError(ctx, err, "count outbox entries")
	}
	defer rows.Close()

	counts := map[Status]int64{}
	for rows.Next() {
		var st Status
		var n int64
		if err := rows.Scan(&st, &n); err != nil {
			return nil, apperrors.WrapDbError(ctx, err, "scan outbox count")
		}
		counts[st] = n
	}
	return counts, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (Entry, error) {
	var (
		e                        Entry
		publishedAt, nextRetryAt sql.NullTime
		lastError                sql.NullString
	)
	err := sc.Scan(
		&e.ID, &e.EventID, &e.Topic, &e.DedupeKey, &e.Payload,
		&e.Status, &e.CreatedAt, &publishedAt, &e.RetryCount, &lastError, &nextRetryAt,
	)
	if err != nil {
		return Entry{}, err
	}
	if publishedAt.Valid {
		e.PublishedAt = &publishedAt.Time
	}
	if lastError.Valid {
		e.LastError = lastError.String
	}
	if nextRetryAt.Valid {
		e.NextRetryAt = &nextRetryAt.Time
	}
	return e, nil
}
