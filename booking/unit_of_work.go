package booking

import (
	"context"

	core "bookingsaga/data/db"
	apperrors "bookingsaga/errors"
	"bookingsaga/eventing/outbox"
	"bookingsaga/logging"
)

// TxFunc 在事务内执行的写操作，bookings 与 events 共享同一事务
type TxFunc func(ctx context.Context, bookings Repository, events outbox.Writer) error

// UnitOfWork 预订状态变更与 outbox 事件要么一起提交，要么一起回滚
type UnitOfWork interface {
	InTx(ctx context.Context, fn TxFunc) error
}

// SQLUnitOfWork 基于数据库事务的 UnitOfWork
type SQLUnitOfWork struct {
	db     core.IDatabase
	logger logging.Logger
}

var _ UnitOfWork = (*SQLUnitOfWork)(nil)

// NewSQLUnitOfWork 创建 SQLUnitOfWork，db 需与预订仓储、outbox 使用同一数据库
func NewSQLUnitOfWork(db core.IDatabase, logger logging.Logger) *SQLUnitOfWork {
	if logger == nil {
		logger = logging.ComponentLogger("booking")
	}
	return &SQLUnitOfWork{db: db, logger: logger}
}

func (u *SQLUnitOfWork) InTx(ctx context.Context, fn TxFunc) error {
	tx, err := u.db.Begin(ctx)
	if err != nil {
		return apperrors.WrapDbError(ctx, err, "begin transaction")
	}
	defer tx.Rollback()

	if err := fn(ctx, NewSQLRepository(tx, u.logger), outbox.NewSQLStore(tx, u.logger)); err != nil {
		u.logger.Warn(ctx, "transaction rolled back", logging.Error(err))
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperrors.WrapDbError(ctx, err, "commit transaction")
	}
	return nil
}

// DirectUnitOfWork 不开启事务，依次写入给定的仓储与 outbox
//
// 仅用于无法共享事务的组合（例如内存实现）；两次写入之间失败时不会回滚已完成的写入。
type DirectUnitOfWork struct {
	Bookings Repository
	Events   outbox.Writer
}

func (d DirectUnitOfWork) InTx(ctx context.Context, fn TxFunc) error {
	return fn(ctx, d.Bookings, d.Events)
}
