package sqldb

// 与关系型数据库交互：建表、查列、事务内批量upsert，支持MySQL和SQLite两种方言

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

type Dialect string

const (
	MySQL  Dialect = "mysql"
	SQLite Dialect = "sqlite"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// 为数据库操作统一了规范
type DBer interface {
	// 建表，已存在时不做任何事
	CreateTable(ctx context.Context, t TableData) error
	// 返回表的列名，表不存在时返回空
	Columns(ctx context.Context, table string) ([]string, error)
	// 在一个事务里执行fn，fn返回错误时回滚
	InTx(ctx context.Context, fn func(ex Execer) error) error
	// 按主键插入或更新
	Upsert(ctx context.Context, ex Execer, t TableData) error
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	Dialect() Dialect
	Close() error
}

// *sql.DB和*sql.Tx都满足
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// 表示数据库表中的一个字段，包含字段名和字段类型
type Field struct {
	Title string
	Type  string
}

// 表示要操作的数据库表的数据
type TableData struct {
	TableName   string
	ColumnNames []Field
	PrimaryKey  string
	Monotonic   []string // upsert时只增不减的列
	Args        []any    // 按行展开的数据
	DataCount   int      // 数据行数
}

// sql数据库实例
type Sqldb struct {
	options
	db *sql.DB
}

// 创建一个新的Sqldb实例，并根据传入的选项进行配置
func New(opts ...Option) (*Sqldb, error) {
	options := defaultOptions
	for _, opt := range opts {
		opt(&options)
	}
	d := &Sqldb{}
	d.options = options
	if err := d.OpenDB(); err != nil {
		return nil, err
	}
	return d, nil
}

/*
无输入，输出一个error

打开数据库连接并ping；SQLite只允许一个连接，避免写锁冲突
*/
func (d *Sqldb) OpenDB() error {
	if d.dialect != MySQL && d.dialect != SQLite {
		return fmt.Errorf("unsupported dialect %q", d.dialect)
	}
	db, err := sql.Open(string(d.dialect), d.sqlUrl)
	if err != nil {
		return err
	}
	if d.dialect == SQLite {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(d.maxConns)
		db.SetMaxIdleConns(d.maxConns)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return err
	}
	d.db = db
	return nil
}

func (d *Sqldb) Dialect() Dialect { return d.dialect }

func (d *Sqldb) DB() *sql.DB { return d.db }

func (d *Sqldb) Close() error { return d.db.Close() }

func (d *Sqldb) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return d.db.QueryRowContext(ctx, query, args...)
}

// 根据TableData中的列定义创建表
func (d *Sqldb) CreateTable(ctx context.Context, t TableData) error {
	sql, err := createTableSQL(d.dialect, t)
	if err != nil {
		return err
	}
	d.logger.Debug("create table", zap.String("sql", sql))
	_, err = d.db.ExecContext(ctx, sql)
	return err
}

func (d *Sqldb) Columns(ctx context.Context, table string) ([]string, error) {
	if !identRe.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	var q string
	switch d.dialect {
	case MySQL:
		q = `SELECT column_name FROM information_schema.columns WHERE table_schema = DATABASE() AND table_name = ? ORDER BY ordinal_position`
	default:
		q = `SELECT name FROM pragma_table_info(?) ORDER BY cid`
	}
	rows, err := d.db.QueryContext(ctx, q, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var cols []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

func (d *Sqldb) InTx(ctx context.Context, fn func(ex Execer) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			d.logger.Warn("rollback failed", zap.Error(rbErr))
		}
		return err
	}
	return tx.Commit()
}

/*
输入执行者和TableData，输出一个error

按chunkSize分批构造INSERT ... ON DUPLICATE KEY UPDATE（MySQL）或INSERT ... ON CONFLICT DO UPDATE（SQLite），多少个问号取决于有多少列
*/
func (d *Sqldb) Upsert(ctx context.Context, ex Execer, t TableData) error {
	if len(t.ColumnNames) == 0 {
		return errors.New("empty column")
	}
	width := len(t.ColumnNames)
	if len(t.Args) != width*t.DataCount {
		return fmt.Errorf("args count %d does not match %d rows of %d columns", len(t.Args), t.DataCount, width)
	}
	chunk := d.chunkSize
	if chunk <= 0 {
		chunk = t.DataCount
	}
	for start := 0; start < t.DataCount; start += chunk {
		n := min(chunk, t.DataCount-start)
		sql, err := upsertSQL(d.dialect, t, n)
		if err != nil {
			return err
		}
		d.logger.Debug("upsert table", zap.String("table", t.TableName), zap.Int("rows", n))
		if _, err := ex.ExecContext(ctx, sql, t.Args[start*width:(start+n)*width]...); err != nil {
			return err
		}
	}
	return nil
}

func quote(d Dialect, ident string) string {
	if d == MySQL {
		return "`" + ident + "`"
	}
	return `"` + ident + `"`
}

func checkIdents(t TableData) error {
	if !identRe.MatchString(t.TableName) {
		return fmt.Errorf("invalid table name %q", t.TableName)
	}
	for _, c := range t.ColumnNames {
		if !identRe.MatchString(c.Title) {
			return fmt.Errorf("invalid column name %q", c.Title)
		}
	}
	return nil
}

func createTableSQL(d Dialect, t TableData) (string, error) {
	if len(t.ColumnNames) == 0 {
		return "", errors.New("column can not be empty")
	}
	if err := checkIdents(t); err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString("CREATE TABLE IF NOT EXISTS " + quote(d, t.TableName) + " (")
	for i, c := range t.ColumnNames {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(quote(d, c.Title) + " " + c.Type)
	}
	if t.PrimaryKey != "" {
		b.WriteString(", PRIMARY KEY (" + quote(d, t.PrimaryKey) + ")")
	}
	b.WriteString(")")
	if d == MySQL {
		b.WriteString(" ENGINE=InnoDB DEFAULT CHARSET=utf8mb4")
	}
	return b.String(), nil
}

func upsertSQL(d Dialect, t TableData, rows int) (string, error) {
	if t.PrimaryKey == "" {
		return "", errors.New("upsert needs a primary key")
	}
	if err := checkIdents(t); err != nil {
		return "", err
	}
	cols := make([]string, len(t.ColumnNames))
	for i, c := range t.ColumnNames {
		cols[i] = quote(d, c.Title)
	}
	var b strings.Builder
	b.WriteString("INSERT INTO " + quote(d, t.TableName) + " (" + strings.Join(cols, ", ") + ") VALUES ")
	blank := "(" + strings.Repeat(", ?", len(cols))[2:] + ")"
	b.WriteString(strings.Repeat(", "+blank, rows)[2:])

	monotonic := make(map[string]bool, len(t.Monotonic))
	for _, m := range t.Monotonic {
		monotonic[m] = true
	}
	var sets []string
	for _, c := range t.ColumnNames {
		if c.Title == t.PrimaryKey {
			continue
		}
		col := quote(d, c.Title)
		switch {
		case d == MySQL && monotonic[c.Title]:
			sets = append(sets, col+" = GREATEST("+col+", VALUES("+col+"))")
		case d == MySQL:
			sets = append(sets, col+" = VALUES("+col+")")
		case monotonic[c.Title]:
			sets = append(sets, col+" = MAX("+col+", excluded."+col+")")
		default:
			sets = append(sets, col+" = excluded."+col)
		}
	}
	switch {
	case len(sets) == 0 && d == MySQL:
		pk := quote(d, t.PrimaryKey)
		b.WriteString(" ON DUPLICATE KEY UPDATE " + pk + " = " + pk)
	case len(sets) == 0:
		b.WriteString(" ON CONFLICT (" + quote(d, t.PrimaryKey) + ") DO NOTHING")
	case d == MySQL:
		b.WriteString(" ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", "))
	default:
		b.WriteString(" ON CONFLICT (" + quote(d, t.PrimaryKey) + ") DO UPDATE SET " + strings.Join(sets, ", "))
	}
	return b.String(), nil
}
