// Package sql 提供基于 IDatabase 的轻量 SQL 构建器
//
// 仓储使用 ? 占位符书写条件，占位符由 basic.DB 按方言重绑定。
// 表名与列名在构建时做安全校验并按方言加引号。
package sql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	core "bookingsaga/data/db"
	"bookingsaga/data/db/dialect"
)

// ISql SQL 构建入口
type ISql interface {
	Select(cols ...string) ISelectBuilder
	InsertInto(table string) IInsertBuilder
	Update(table string) IUpdateBuilder
	DeleteFrom(table string) IDeleteBuilder
}

// ISelectBuilder 查询构建器
type ISelectBuilder interface {
	From(table string) ISelectBuilder
	Where(cond string, args ...any) ISelectBuilder
	And(cond string, args ...any) ISelectBuilder
	Or(cond string, args ...any) ISelectBuilder
	OrderBy(expr string) ISelectBuilder
	Limit(n int) ISelectBuilder
	Build() (string, []any)
	Query(ctx context.Context) (core.IRows, error)
	QueryRow(ctx context.Context) core.IRow
}

// IInsertBuilder 插入构建器
type IInsertBuilder interface {
	Columns(cols ...string) IInsertBuilder
	Values(vals ...any) IInsertBuilder
	Build() (string, []any)
	Exec(ctx context.Context) (sql.Result, error)
}

// IUpdateBuilder 更新构建器
type IUpdateBuilder interface {
	Set(col string, val any) IUpdateBuilder
	SetExpr(expr string, args ...any) IUpdateBuilder
	Where(cond string, args ...any) IUpdateBuilder
	Build() (string, []any)
	Exec(ctx context.Context) (sql.Result, error)
}

// IDeleteBuilder 删除构建器
type IDeleteBuilder interface {
	Where(cond string, args ...any) IDeleteBuilder
	Build() (string, []any)
	Exec(ctx context.Context) (sql.Result, error)
}

type sqlImpl struct {
	db      core.IDatabase
	dialect dialect.Dialect
}

// New 创建 ISql，方言从 db 推断
func New(db core.IDatabase) ISql {
	return &sqlImpl{db: db, dialect: dialect.FromDatabase(db)}
}

func (s *sqlImpl) Select(cols ...string) ISelectBuilder {
	if len(cols) == 0 {
		cols = []string{"*"}
	}
	return &selectBuilder{db: s.db, dialect: s.dialect, cols: cols}
}

func (s *sqlImpl) InsertInto(table string) IInsertBuilder {
	return &insertBuilder{db: s.db, dialect: s.dialect, table: table}
}

func (s *sqlImpl) Update(table string) IUpdateBuilder {
	return &updateBuilder{db: s.db, dialect: s.dialect, table: table}
}

func (s *sqlImpl) DeleteFrom(table string) IDeleteBuilder {
	return &deleteBuilder{db: s.db, dialect: s.dialect, table: table}
}

// ---- select ----

type selectBuilder struct {
	db      core.IDatabase
	dialect dialect.Dialect

	cols    []string
	table   string
	where   []string
	args    []any
	orderBy string
	limit   int
}

func (b *selectBuilder) From(table string) ISelectBuilder {
	b.table = table
	return b
}

func (b *selectBuilder) Where(cond string, args ...any) ISelectBuilder {
	if cond != "" {
		b.where = append(b.where, cond)
		b.args = append(b.args, args...)
	}
	return b
}

func (b *selectBuilder) And(cond string, args ...any) ISelectBuilder {
	return b.Where(cond, args...)
}

func (b *selectBuilder) Or(cond string, args ...any) ISelectBuilder {
	if cond == "" {
		return b
	}
	if len(b.where) == 0 {
		return b.Where(cond, args...)
	}
	last := b.where[len(b.where)-1]
	b.where[len(b.where)-1] = "(" + last + " OR " + cond + ")"
	b.args = append(b.args, args...)
	return b
}

func (b *selectBuilder) OrderBy(expr string) ISelectBuilder {
	b.orderBy = expr
	return b
}

func (b *selectBuilder) Limit(n int) ISelectBuilder {
	b.limit = n
	return b
}

func (b *selectBuilder) Build() (string, []any) {
	mustSafe("select", b.table)
	quoted := make([]string, 0, len(b.cols))
	for _, c := range b.cols {
		if c == "*" {
			quoted = append(quoted, c)
			continue
		}
		mustSafe("select", c)
		quoted = append(quoted, b.dialect.QuoteIdentifier(c))
	}

	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(strings.Join(quoted, ", "))
	sb.WriteString(" FROM ")
	sb.WriteString(b.dialect.QuoteIdentifier(b.table))

	// 局部副本，多次 Build 不污染 builder 状态
	args := make([]any, 0, len(b.args)+1)
	args = append(args, b.args...)
	if len(b.where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(b.where, " AND "))
	}
	if b.orderBy != "" {
		sb.WriteString(" ORDER BY ")
		sb.WriteString(b.orderBy)
	}
	if b.limit > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, b.limit)
	}
	return sb.String(), args
}

func (b *selectBuilder) Query(ctx context.Context) (core.IRows, error) {
	q, args := b.Build()
	return b.db.Query(ctx, q, args...)
}

func (b *selectBuilder) QueryRow(ctx context.Context) core.IRow {
	q, args := b.Build()
	return b.db.QueryRow(ctx, q, args...)
}

// ---- insert ----

type insertBuilder struct {
	db      core.IDatabase
	dialect dialect.Dialect

	table string
	cols  []string
	vals  []any
}

func (b *insertBuilder) Columns(cols ...string) IInsertBuilder {
	b.cols = append(b.cols, cols...)
	return b
}

func (b *insertBuilder) Values(vals ...any) IInsertBuilder {
	b.vals = append(b.vals, vals...)
	return b
}

func (b *insertBuilder) Build() (string, []any) {
	mustSafe("insert", b.table)
	if len(b.cols) == 0 || len(b.cols) != len(b.vals) {
		panic(fmt.Sprintf("insertBuilder: %d columns but %d values", len(b.cols), len(b.vals)))
	}
	quoted := make([]string, len(b.cols))
	marks := make([]string, len(b.cols))
	for i, c := range b.cols {
		mustSafe("insert", c)
		quoted[i] = b.dialect.QuoteIdentifier(c)
		marks[i] = "?"
	}
	q := "INSERT INTO " + b.dialect.QuoteIdentifier(b.table) +
		" (" + strings.Join(quoted, ", ") + ") VALUES (" + strings.Join(marks, ", ") + ")"
	args := make([]any, len(b.vals))
	copy(args, b.vals)
	return q, args
}

func (b *insertBuilder) Exec(ctx context.Context) (sql.Result, error) {
	q, args := b.Build()
	return b.db.Exec(ctx, q, args...)
}

// ---- update ----

type updateBuilder struct {
	db      core.IDatabase
	dialect dialect.Dialect

	table     string
	sets      []string
	setArgs   []any
	whereExpr []string
	whereArgs []any
}

func (b *updateBuilder) Set(col string, val any) IUpdateBuilder {
	if col == "" {
		return b
	}
	mustSafe("update", col)
	b.sets = append(b.sets, b.dialect.QuoteIdentifier(col)+" = ?")
	b.setArgs = append(b.setArgs, val)
	return b
}

// SetExpr 追加原样表达式（如 "retry_count = retry_count + 1"）
func (b *updateBuilder) SetExpr(expr string, args ...any) IUpdateBuilder {
	if expr == "" {
		return b
	}
	b.sets = append(b.sets, expr)
	b.setArgs = append(b.setArgs, args...)
	return b
}

func (b *updateBuilder) Where(cond string, args ...any) IUpdateBuilder {
	if cond != "" {
		b.whereExpr = append(b.whereExpr, cond)
		b.whereArgs = append(b.whereArgs, args...)
	}
	return b
}

func (b *updateBuilder) Build() (string, []any) {
	mustSafe("update", b.table)
	if len(b.sets) == 0 {
		panic("updateBuilder: no columns or expressions to set")
	}
	var sb strings.Builder
	sb.WriteString("UPDATE ")
	sb.WriteString(b.dialect.QuoteIdentifier(b.table))
	sb.WriteString(" SET ")
	sb.WriteString(strings.Join(b.sets, ", "))
	if len(b.whereExpr) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(b.whereExpr, " AND "))
	}
	args := make([]any, 0, len(b.setArgs)+len(b.whereArgs))
	args = append(args, b.setArgs...)
	args = append(args, b.whereArgs...)
	return sb.String(), args
}

func (b *updateBuilder) Exec(ctx context.Context) (sql.Result, error) {
	q, args := b.Build()
	return b.db.Exec(ctx, q, args...)
}

// ---- delete ----

type deleteBuilder struct {
	db      core.IDatabase
	dialect dialect.Dialect

	table     string
	whereExpr []string
	whereArgs []any
}

func (b *deleteBuilder) Where(cond string, args ...any) IDeleteBuilder {
	if cond != "" {
		b.whereExpr = append(b.whereExpr, cond)
		b.whereArgs = append(b.whereArgs, args...)
	}
	return b
}

func (b *deleteBuilder) Build() (string, []any) {
	mustSafe("delete", b.table)
	// 禁止无条件删除整表
	if len(b.whereExpr) == 0 {
		panic("deleteBuilder: refusing to delete without WHERE")
	}
	q := "DELETE FROM " + b.dialect.QuoteIdentifier(b.table) +
		" WHERE " + strings.Join(b.whereExpr, " AND ")
	args := make([]any, len(b.whereArgs))
	copy(args, b.whereArgs)
	return q, args
}

func (b *deleteBuilder) Exec(ctx context.Context) (sql.Result, error) {
	q, args := b.Build()
	return b.db.Exec(ctx, q, args...)
}

func mustSafe(op, name string) {
	if !isSafeIdentifier(name) {
		panic(op + "Builder: unsafe identifier " + name)
	}
}

// isSafeIdentifier 判断标识符是否为安全的数据库标识符。
//
// 允许 foo / schema.table 形式；每段首字符 [A-Za-z_]，后续 [A-Za-z0-9_]。
func isSafeIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for _, part := range strings.Split(name, ".") {
		if part == "" {
			return false
		}
		for i := 0; i < len(part); i++ {
			ch := part[i]
			alpha := (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || ch == '_'
			if i == 0 && !alpha {
				return false
			}
			if i > 0 && !alpha && !(ch >= '0' && ch <= '9') {
				return false
			}
		}
	}
	return true
}
