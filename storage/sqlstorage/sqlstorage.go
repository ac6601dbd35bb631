package sqlstorage

// 基于database/sql的数仓：每个schema一张表，以record_key为主键upsert，检查点表与数据在同一事务内更新

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/dszqbsm/policedata/collect"
	"github.com/dszqbsm/policedata/parse"
	"github.com/dszqbsm/policedata/sqldb"
	"github.com/dszqbsm/policedata/storage"
	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"
	"modernc.org/sqlite"
)

const (
	keyColumn      = "record_key"
	cursorColumn   = "cursor_pos"
	loadedAtColumn = "loaded_at"
)

type SqlStore struct {
	db    sqldb.DBer
	mu    sync.Mutex
	Table map[string]struct{} // 已建好的表
	options
}

// SqlStore的构造函数，接受一系列配置选项，返回一个SqlStore实例
func New(opts ...Option) (*SqlStore, error) {
	options := defaultOptions
	for _, opt := range opts {
		opt(&options)
	}
	url := options.sqlUrl
	if options.dialect == sqldb.MySQL {
		// 检查点的updated_at需要扫描成time.Time
		cfg, err := mysql.ParseDSN(url)
		if err != nil {
			return nil, fmt.Errorf("parse mysql dsn: %w", err)
		}
		cfg.ParseTime = true
		cfg.Loc = time.UTC
		url = cfg.FormatDSN()
	}
	db, err := sqldb.New(
		sqldb.WithConnURL(url),
		sqldb.WithDialect(options.dialect),
		sqldb.WithChunkSize(options.BatchCount),
		sqldb.WithLogger(options.logger),
	)
	if err != nil {
		return nil, classify("open", err)
	}
	s, err := NewWithDB(db, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// 使用已打开的数据库，建好检查点表
func NewWithDB(db sqldb.DBer, opts ...Option) (*SqlStore, error) {
	options := defaultOptions
	for _, opt := range opts {
		opt(&options)
	}
	s := &SqlStore{
		db:      db,
		Table:   make(map[string]struct{}),
		options: options,
	}
	if err := s.db.CreateTable(context.Background(), s.checkpointData()); err != nil {
		return nil, classify("create checkpoint table", err)
	}
	return s, nil
}

/*
输入context和schema，输出一个error

表不存在时创建；已存在时检查列，缺列属于schema不匹配，不会自动改表
*/
func (s *SqlStore) EnsureSchema(ctx context.Context, schema *parse.Schema) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.Table[schema.Name]; ok {
		return nil
	}
	t := s.tableData(schema)
	have, err := s.db.Columns(ctx, t.TableName)
	if err != nil {
		return classify("ensure schema", err)
	}
	if len(have) == 0 {
		if err := s.db.CreateTable(ctx, t); err != nil {
			return classify("create table", err)
		}
		s.logger.Info("table created", zap.String("table", t.TableName))
	} else {
		want := make([]string, len(t.ColumnNames))
		for i, c := range t.ColumnNames {
			want[i] = c.Title
		}
		if err := storage.CheckColumns(t.TableName, have, want); err != nil {
			return err
		}
	}
	s.Table[schema.Name] = struct{}{}
	return nil
}

/*
输入context、批次和检查点，输出写入行数和错误

数据upsert与检查点upsert放在同一个事务里，事务提交前检查点不可见
*/
func (s *SqlStore) Commit(ctx context.Context, batch *storage.LoadBatch, cp storage.Checkpoint) (int, error) {
	if err := s.EnsureSchema(ctx, batch.Schema()); err != nil {
		return 0, err
	}
	data := s.tableData(batch.Schema())
	loadedAt := time.Now().UTC()
	for _, r := range batch.Records() {
		data.Args = append(data.Args, r.Key())
		for _, v := range r.Values() {
			data.Args = append(data.Args, v.Interface())
		}
		data.Args = append(data.Args, int64(r.Cursor()), loadedAt)
		data.DataCount++
	}
	cpData := s.checkpointData()
	cpData.Args = []any{cp.Source, int64(cp.Cursor), cp.RunID, cp.Rows, cp.UpdatedAt.UTC()}
	cpData.DataCount = 1

	err := s.db.InTx(ctx, func(ex sqldb.Execer) error {
		if data.DataCount > 0 {
			if err := s.db.Upsert(ctx, ex, data); err != nil {
				return err
			}
		}
		return s.db.Upsert(ctx, ex, cpData)
	})
	if err != nil {
		return 0, classify("commit", err)
	}
	return data.DataCount, nil
}

func (s *SqlStore) Checkpoint(ctx context.Context, source string) (storage.Checkpoint, bool, error) {
	cp := storage.Checkpoint{Source: source}
	var (
		cursor int64
		runID  sql.NullString
	)
	q := fmt.Sprintf(`SELECT cursor_pos, run_id, rows_loaded, updated_at FROM %s WHERE source = ?`, s.checkpointTable)
	err := s.db.QueryRowContext(ctx, q, source).Scan(&cursor, &runID, &cp.Rows, &cp.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return cp, false, nil
	}
	if err != nil {
		return cp, false, classify("read checkpoint", err)
	}
	cp.Cursor = collect.Cursor(cursor)
	cp.RunID = runID.String
	return cp, true, nil
}

func (s *SqlStore) Close() error {
	return s.db.Close()
}

// schema对应的表结构：record_key主键、schema字段、来源游标、加载时间
func (s *SqlStore) tableData(schema *parse.Schema) sqldb.TableData {
	d := s.db.Dialect()
	cols := []sqldb.Field{{Title: keyColumn, Type: "VARCHAR(191) NOT NULL"}}
	for _, f := range schema.Fields {
		cols = append(cols, sqldb.Field{Title: f.Name, Type: columnType(d, f.Type)})
	}
	cols = append(cols,
		sqldb.Field{Title: cursorColumn, Type: "BIGINT NOT NULL"},
		sqldb.Field{Title: loadedAtColumn, Type: timestampType(d)},
	)
	return sqldb.TableData{TableName: schema.Name, ColumnNames: cols, PrimaryKey: keyColumn}
}

func (s *SqlStore) checkpointData() sqldb.TableData {
	return sqldb.TableData{
		TableName: s.checkpointTable,
		ColumnNames: []sqldb.Field{
			{Title: "source", Type: "VARCHAR(191) NOT NULL"},
			{Title: "cursor_pos", Type: "BIGINT NOT NULL"},
			{Title: "run_id", Type: "VARCHAR(64)"},
			{Title: "rows_loaded", Type: "BIGINT NOT NULL"},
			{Title: "updated_at", Type: timestampType(s.db.Dialect())},
		},
		PrimaryKey: "source",
		Monotonic:  []string{"cursor_pos"},
	}
}

func columnType(d sqldb.Dialect, t parse.FieldType) string {
	switch t {
	case parse.TypeInt:
		if d == sqldb.SQLite {
			return "INTEGER"
		}
		return "BIGINT"
	case parse.TypeFloat:
		if d == sqldb.SQLite {
			return "REAL"
		}
		return "DOUBLE"
	case parse.TypeDate, parse.TypeMonth:
		return "DATE"
	}
	if d == sqldb.SQLite {
		return "TEXT"
	}
	return "MEDIUMTEXT"
}

func timestampType(d sqldb.Dialect) string {
	if d == sqldb.SQLite {
		return "TIMESTAMP"
	}
	return "DATETIME(6)"
}

/*
输入操作名和驱动错误，输出归类后的错误

缺表缺列归为schema不匹配，断连、锁冲突、超时归为连接类错误，其余原样返回
*/
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var le *storage.LoadError
	if errors.As(err, &le) {
		return err
	}
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		switch me.Number {
		case 1054, 1146:
			return storage.SchemaMismatch(op, err)
		case 1040, 1205, 1213:
			return storage.Connectivity(op, err)
		}
		return err
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case 5, 6: // SQLITE_BUSY, SQLITE_LOCKED
			return storage.Connectivity(op, err)
		}
		msg := se.Error()
		if strings.Contains(msg, "no such table") || strings.Contains(msg, "no such column") || strings.Contains(msg, "has no column named") {
			return storage.SchemaMismatch(op, err)
		}
		return err
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) || errors.Is(err, context.DeadlineExceeded) {
		return storage.Connectivity(op, err)
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return storage.Connectivity(op, err)
	}
	return err
}
