package pgstorage

// PostgreSQL数仓：事务内用pgx.Batch逐行upsert，可选维护PostGIS地理点

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/dszqbsm/policedata/collect"
	"github.com/dszqbsm/policedata/parse"
	"github.com/dszqbsm/policedata/storage"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const geoColumn = "geo_point"

var (
	ErrNoGeoTable = fmt.Errorf("%w: no table with geo_point", storage.ErrRadiusUnsupported)
	identRe       = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

type Store struct {
	pool *pgxpool.Pool

	mu     sync.Mutex
	tables map[string]struct{}
	geo    *parse.Schema // 带geo_point的表

	options
}

func New(ctx context.Context, opts ...Option) (*Store, error) {
	options := defaultOptions
	for _, opt := range opts {
		opt(&options)
	}
	if !identRe.MatchString(options.checkpointTable) {
		return nil, fmt.Errorf("invalid checkpoint table %q", options.checkpointTable)
	}
	cfg, err := pgxpool.ParseConfig(options.dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if options.maxConns > 0 {
		cfg.MaxConns = options.maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, classify("connect", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, classify("ping", err)
	}
	s := &Store{pool: pool, tables: make(map[string]struct{}), options: options}
	if _, err := pool.Exec(ctx, checkpointDDL(s.checkpointTable)); err != nil {
		pool.Close()
		return nil, classify("create checkpoint table", err)
	}
	return s, nil
}

func (s *Store) geoEnabled(schema *parse.Schema) bool {
	return s.longitude != "" && schema.Index(s.longitude) >= 0 && schema.Index(s.latitude) >= 0
}

func (s *Store) EnsureSchema(ctx context.Context, schema *parse.Schema) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tables[schema.Name]; ok {
		return nil
	}
	geo := s.geoEnabled(schema)
	rows, err := s.pool.Query(ctx,
		`SELECT column_name FROM information_schema.columns WHERE table_schema = current_schema() AND table_name = $1`,
		schema.Name)
	if err != nil {
		return classify("ensure schema", err)
	}
	have, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return classify("ensure schema", err)
	}
	if len(have) == 0 {
		if _, err := s.pool.Exec(ctx, tableDDL(schema, geo)); err != nil {
			return classify("create table", err)
		}
		s.logger.Info("table created", zap.String("table", schema.Name), zap.Bool("geo", geo))
	} else if err := storage.CheckColumns(schema.Name, have, columns(schema, geo)); err != nil {
		return err
	}
	s.tables[schema.Name] = struct{}{}
	if geo {
		s.geo = schema
	}
	return nil
}

/*
输入context、批次和检查点，输出写入行数和错误

一个事务里排队全部upsert和检查点写入，一次往返发出
*/
func (s *Store) Commit(ctx context.Context, batch *storage.LoadBatch, cp storage.Checkpoint) (int, error) {
	schema := batch.Schema()
	if err := s.EnsureSchema(ctx, schema); err != nil {
		return 0, err
	}
	upsert := upsertSQL(schema, s.geoEnabled(schema), s.longitude, s.latitude)
	loadedAt := time.Now().UTC()

	b := &pgx.Batch{}
	for _, r := range batch.Records() {
		args := []any{r.Key()}
		for _, v := range r.Values() {
			args = append(args, v.Interface())
		}
		args = append(args, int64(r.Cursor()), loadedAt)
		b.Queue(upsert, args...)
	}
	b.Queue(checkpointSQL(s.checkpointTable), cp.Source, int64(cp.Cursor), cp.RunID, cp.Rows, cp.UpdatedAt.UTC())

	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		br := tx.SendBatch(ctx, b)
		for i := 0; i < b.Len(); i++ {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return err
			}
		}
		return br.Close()
	})
	if err != nil {
		return 0, classify("commit", err)
	}
	return batch.Len(), nil
}

func (s *Store) Checkpoint(ctx context.Context, source string) (storage.Checkpoint, bool, error) {
	cp := storage.Checkpoint{Source: source}
	var (
		cursor int64
		runID  *string
	)
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT cursor_pos, run_id, rows_loaded, updated_at FROM %s WHERE source = $1`, s.checkpointTable),
		source).Scan(&cursor, &runID, &cp.Rows, &cp.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return cp, false, nil
	}
	if err != nil {
		return cp, false, classify("read checkpoint", err)
	}
	cp.Cursor = collect.Cursor(cursor)
	if runID != nil {
		cp.RunID = *runID
	}
	return cp, true, nil
}

/*
输入中心点经纬度、半径（米）和条数上限，输出记录和错误

按ST_DWithin筛选并按距离排序，没有带geo_point的表时返回ErrNoGeoTable
*/
func (s *Store) Nearby(ctx context.Context, longitude, latitude, radius float64, limit int) ([]map[string]any, error) {
	s.mu.Lock()
	schema := s.geo
	s.mu.Unlock()
	if schema == nil {
		return nil, ErrNoGeoTable
	}
	rows, err := s.pool.Query(ctx, nearbySQL(schema), longitude, latitude, radius, limit)
	if err != nil {
		return nil, classify("nearby", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, classify("nearby", err)
	}
	return out, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func quote(ident string) string {
	return `"` + ident + `"`
}

func columnType(t parse.FieldType) string {
	switch t {
	case parse.TypeInt:
		return "BIGINT"
	case parse.TypeFloat:
		return "DOUBLE PRECISION"
	case parse.TypeDate, parse.TypeMonth:
		return "DATE"
	}
	return "TEXT"
}

func columns(schema *parse.Schema, geo bool) []string {
	cols := append([]string{"record_key"}, schema.Columns()...)
	cols = append(cols, "cursor_pos", "loaded_at")
	if geo {
		cols = append(cols, geoColumn)
	}
	return cols
}

func tableDDL(schema *parse.Schema, geo bool) string {
	var b strings.Builder
	b.WriteString("CREATE TABLE IF NOT EXISTS " + quote(schema.Name) + " (record_key VARCHAR(191) NOT NULL PRIMARY KEY")
	for _, f := range schema.Fields {
		b.WriteString(", " + quote(f.Name) + " " + columnType(f.Type))
	}
	b.WriteString(", cursor_pos BIGINT NOT NULL, loaded_at TIMESTAMPTZ NOT NULL")
	if geo {
		b.WriteString(", " + geoColumn + " GEOGRAPHY(POINT, 4326)")
	}
	b.WriteString(")")
	return b.String()
}

func checkpointDDL(table string) string {
	return `CREATE TABLE IF NOT EXISTS ` + table + ` (
		source VARCHAR(191) NOT NULL PRIMARY KEY,
		cursor_pos BIGINT NOT NULL,
		run_id VARCHAR(64),
		rows_loaded BIGINT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`
}

// 参数依次为record_key、schema字段、cursor_pos、loaded_at；geo_point由经纬度参数计算
func upsertSQL(schema *parse.Schema, geo bool, longitude, latitude string) string {
	cols := []string{"record_key"}
	vals := []string{"$1"}
	for i, f := range schema.Fields {
		cols = append(cols, quote(f.Name))
		vals = append(vals, fmt.Sprintf("$%d", i+2))
	}
	n := len(schema.Fields)
	cols = append(cols, "cursor_pos", "loaded_at")
	vals = append(vals, fmt.Sprintf("$%d", n+2), fmt.Sprintf("$%d", n+3))
	if geo {
		lon := fmt.Sprintf("$%d", schema.Index(longitude)+2)
		lat := fmt.Sprintf("$%d", schema.Index(latitude)+2)
		cols = append(cols, geoColumn)
		vals = append(vals, fmt.Sprintf("ST_SetSRID(ST_MakePoint(%s, %s), 4326)::geography", lon, lat))
	}
	sets := make([]string, 0, len(cols)-1)
	for _, c := range cols[1:] {
		sets = append(sets, c+" = EXCLUDED."+c)
	}
	return "INSERT INTO " + quote(schema.Name) + " (" + strings.Join(cols, ", ") + ") VALUES (" +
		strings.Join(vals, ", ") + ") ON CONFLICT (record_key) DO UPDATE SET " + strings.Join(sets, ", ")
}

func checkpointSQL(table string) string {
	return `INSERT INTO ` + table + ` (source, cursor_pos, run_id, rows_loaded, updated_at) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (source) DO UPDATE SET cursor_pos = GREATEST(` + table + `.cursor_pos, EXCLUDED.cursor_pos),
		run_id = EXCLUDED.run_id, rows_loaded = EXCLUDED.rows_loaded, updated_at = EXCLUDED.updated_at`
}

func nearbySQL(schema *parse.Schema) string {
	cols := make([]string, len(schema.Fields))
	for i, f := range schema.Fields {
		cols[i] = quote(f.Name)
	}
	return `SELECT ` + strings.Join(cols, ", ") + ` FROM ` + quote(schema.Name) + `
		WHERE ST_DWithin(geo_point, ST_SetSRID(ST_MakePoint($1, $2), 4326)::geography, $3)
		ORDER BY ST_Distance(geo_point, ST_SetSRID(ST_MakePoint($1, $2), 4326)::geography)
		LIMIT $4`
}

/*
输入操作名和驱动错误，输出归类后的错误

SQLSTATE 42类（未定义表、列）归为schema不匹配，08类连接异常、死锁、序列化失败、连接数耗尽归为连接类错误
*/
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "42P01" || pgErr.Code == "42703" || pgErr.Code == "42804":
			return storage.SchemaMismatch(op, err)
		case strings.HasPrefix(pgErr.Code, "08"), pgErr.Code == "40001", pgErr.Code == "40P01",
			pgErr.Code == "53300", pgErr.Code == "57P01":
			return storage.Connectivity(op, err)
		}
		return err
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) || errors.Is(err, context.DeadlineExceeded) {
		return storage.Connectivity(op, err)
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return storage.Connectivity(op, err)
	}
	return err
}
