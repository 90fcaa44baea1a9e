package booking

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	core "bookingsaga/data/db"
	"bookingsaga/data/db/dialect"
	sqlbuilder "bookingsaga/data/db/sql"
	apperrors "bookingsaga/errors"
	"bookingsaga/logging"
	"bookingsaga/validation"
)

// DefaultTable 默认表名
const DefaultTable = "bookings"

var columns = []string{
	"id", "user_id", "status", "final_amount", "currency", "payment_method", "charge_id",
	"refunded_at", "refund_reason", "refunded_amount", "paid_at", "created_at", "updated_at",
}

// SQLRepository 基于 data/db 的预订仓储
type SQLRepository struct {
	db      core.IDatabase
	dialect dialect.Dialect
	table   string
	logger  logging.Logger
	now     func() time.Time
}

var _ Repository = (*SQLRepository)(nil)

// NewSQLRepository 创建预订仓储
func NewSQLRepository(db core.IDatabase, logger logging.Logger) *SQLRepository {
	if logger == nil {
		logger = logging.ComponentLogger("booking.repository")
	}
	return &SQLRepository{
		db:      db,
		dialect: dialect.FromDatabase(db),
		table:   DefaultTable,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// EnsureSchema 建表
func (r *SQLRepository) EnsureSchema(ctx context.Context) error {
	ts := r.dialect.TimestampType()
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id VARCHAR(64) PRIMARY KEY,
			user_id VARCHAR(64) NOT NULL,
			status VARCHAR(16) NOT NULL,
			final_amount BIGINT NOT NULL DEFAULT 0,
			currency VARCHAR(8) NOT NULL DEFAULT '',
			payment_method VARCHAR(32) NOT NULL DEFAULT '',
			charge_id VARCHAR(64) NOT NULL DEFAULT '',
			refunded_at %s NULL,
			refund_reason TEXT NULL,
			refunded_amount BIGINT NOT NULL DEFAULT 0,
			paid_at %s NULL,
			created_at %s NOT NULL,
			updated_at %s NOT NULL
		)`, r.table, ts, ts, ts, ts),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_user ON %s (user_id)`, r.table, r.table),
	}
	for _, stmt := range stmts {
		if _, err := r.db.Exec(ctx, stmt); err != nil {
			return apperrors.WrapDbError(ctx, err, "create bookings table")
		}
	}
	return nil
}

func (r *SQLRepository) Get(ctx context.Context, id string) (*Booking, error) {
	row := sqlbuilder.New(r.db).Select(columns...).From(r.table).Where("id = ?", id).QueryRow(ctx)
	b, err := scanBooking(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, apperrors.WrapDbError(ctx, err, "get booking")
	}
	return b, nil
}

func (r *SQLRepository) Create(ctx context.Context, b *Booking) error {
	if err := validation.All(
		validation.ID(b.ID, "booking id"),
		validation.ID(b.UserID, "user id"),
		validation.Enum(string(b.Status), "status", statusNames()),
		validation.NonNegative(b.FinalAmount, "final amount"),
	); err != nil {
		return err
	}
	now := r.now()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
	_, err := sqlbuilder.New(r.db).InsertInto(r.table).
		Columns(columns...).
		Values(b.ID, b.UserID, string(b.Status), b.FinalAmount, b.Currency, b.PaymentMethod, b.ChargeID,
			b.RefundedAt, nullString(b.RefundReason), b.RefundedAmount, b.PaidAt, b.CreatedAt, b.UpdatedAt).
		Exec(ctx)
	if err != nil {
		if r.dialect.IsUniqueViolation(err) {
			return apperrors.WrapError(err, apperrors.ErrCodeConflict, "booking "+b.ID+" already exists")
		}
		return apperrors.WrapDbError(ctx, err, "create booking")
	}
	return nil
}

func (r *SQLRepository) MarkRefunded(ctx context.Context, id string, refund Refund) error {
	res, err := sqlbuilder.New(r.db).Update(r.table).
		Set("status", string(StatusRefunded)).
		Set("refunded_at", refund.RefundedAt).
		Set("refund_reason", nullString(refund.Reason)).
		Set("refunded_amount", refund.Amount).
		Set("updated_at", r.now()).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return apperrors.WrapDbError(ctx, err, "mark booking refunded")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(id)
	}
	r.logger.Info(ctx, "booking refunded",
		logging.String("booking_id", id),
		logging.Int64("amount", refund.Amount))
	return nil
}

func (r *SQLRepository) MarkPaid(ctx context.Context, id, chargeID string, paidAt time.Time) error {
	res, err := sqlbuilder.New(r.db).Update(r.table).
		Set("status", string(StatusPaid)).
		Set("charge_id", chargeID).
		Set("paid_at", paidAt).
		Set("updated_at", r.now()).
		Where("id = ?", id).
		Where("status = ?", string(StatusConfirmed)).
		Exec(ctx)
	if err != nil {
		return apperrors.WrapDbError(ctx, err, "mark booking paid")
	}
	if n, _ := res.RowsAffected(); n > 0 {
		r.logger.Info(ctx, "booking paid", logging.String("booking_id", id), logging.String("charge_id", chargeID))
		return nil
	}

	// 区分不存在与状态已变化
	current, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	return apperrors.WrapError(ErrStatusConflict, apperrors.ErrCodeConflict,
		fmt.Sprintf("booking %s is %s, expected %s", id, current.Status, StatusConfirmed))
}

func (r *SQLRepository) ReplaceCharge(ctx context.Context, id, chargeID string) error {
	res, err := sqlbuilder.New(r.db).Update(r.table).
		Set("charge_id", chargeID).
		Set("updated_at", r.now()).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return apperrors.WrapDbError(ctx, err, "replace booking charge")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(id)
	}
	r.logger.Info(ctx, "booking charge replaced", logging.String("booking_id", id), logging.String("charge_id", chargeID))
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBooking(row scanner) (*Booking, error) {
	var (
		b            Booking
		status       string
		refundedAt   sql.NullTime
		refundReason sql.NullString
		paidAt       sql.NullTime
	)
	err := row.Scan(&b.ID, &b.UserID, &status, &b.FinalAmount, &b.Currency, &b.PaymentMethod, &b.ChargeID,
		&refundedAt, &refundReason, &b.RefundedAmount, &paidAt, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	b.Status = Status(status)
	if refundedAt.Valid {
		t := refundedAt.Time
		b.RefundedAt = &t
	}
	if paidAt.Valid {
		t := paidAt.Time
		b.PaidAt = &t
	}
	b.RefundReason = refundReason.String
	return &b, nil
}

func notFound(id string) error {
	return apperrors.WrapError(ErrBookingNotFound, apperrors.ErrCodeNotFound, "booking "+id+" not found")
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
