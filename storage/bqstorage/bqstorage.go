package bqstorage

// BigQuery数仓：批次以NDJSON加载进暂存表，再用一个多语句事务MERGE进正式表并推进检查点

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/dszqbsm/policedata/collect"
	"github.com/dszqbsm/policedata/parse"
	"github.com/dszqbsm/policedata/storage"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

const geoColumn = "geo_point"

var nonIdent = regexp.MustCompile(`[^A-Za-z0-9_]`)

type Store struct {
	client *bigquery.Client

	mu     sync.Mutex
	tables map[string]struct{}

	options
}

func New(ctx context.Context, opts ...Option) (*Store, error) {
	options := defaultOptions
	for _, opt := range opts {
		opt(&options)
	}
	if options.project == "" || options.dataset == "" {
		return nil, errors.New("bigquery project and dataset are required")
	}
	client, err := bigquery.NewClient(ctx, options.project)
	if err != nil {
		return nil, classify("connect", err)
	}
	if options.location != "" {
		client.Location = options.location
	}
	s := &Store{client: client, tables: make(map[string]struct{}), options: options}
	if err := s.createIfMissing(ctx, s.checkpointTable, checkpointSchema()); err != nil {
		client.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) geoEnabled(schema *parse.Schema) bool {
	return s.longitude != "" && schema.Index(s.longitude) >= 0 && schema.Index(s.latitude) >= 0
}

func (s *Store) fullName(table string) string {
	return fmt.Sprintf("`%s.%s.%s`", s.project, s.dataset, table)
}

// 每个数据源一张暂存表，并行引擎互不覆盖
func stagingName(table, source string) string {
	return table + "_stg_" + nonIdent.ReplaceAllString(source, "_")
}

func (s *Store) createIfMissing(ctx context.Context, table string, schema bigquery.Schema) error {
	t := s.client.Dataset(s.dataset).Table(table)
	md, err := t.Metadata(ctx)
	if err == nil {
		have := make([]string, len(md.Schema))
		for i, f := range md.Schema {
			have[i] = f.Name
		}
		want := make([]string, len(schema))
		for i, f := range schema {
			want[i] = f.Name
		}
		return storage.CheckColumns(table, have, want)
	}
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) || gerr.Code != http.StatusNotFound {
		return classify("table metadata", err)
	}
	if err := t.Create(ctx, &bigquery.TableMetadata{Schema: schema}); err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusConflict {
			return nil
		}
		return classify("create table", err)
	}
	s.logger.Info("table created", zap.String("table", table))
	return nil
}

func (s *Store) EnsureSchema(ctx context.Context, schema *parse.Schema) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tables[schema.Name]; ok {
		return nil
	}
	if err := s.createIfMissing(ctx, schema.Name, tableSchema(schema, s.geoEnabled(schema))); err != nil {
		return err
	}
	s.tables[schema.Name] = struct{}{}
	return nil
}

/*
输入context、批次和检查点，输出写入行数和错误

先用WriteTruncate把批次加载进本数据源的暂存表，再执行BEGIN TRANSACTION; MERGE数据; MERGE检查点; COMMIT，暂存表加载可重复执行
*/
func (s *Store) Commit(ctx context.Context, batch *storage.LoadBatch, cp storage.Checkpoint) (int, error) {
	schema := batch.Schema()
	if err := s.EnsureSchema(ctx, schema); err != nil {
		return 0, err
	}
	staging := stagingName(schema.Name, cp.Source)
	if batch.Len() > 0 {
		body, err := encodeNDJSON(batch.Records(), time.Now().UTC())
		if err != nil {
			return 0, err
		}
		src := bigquery.NewReaderSource(bytes.NewReader(body))
		src.SourceFormat = bigquery.JSON
		src.Schema = tableSchema(schema, false)
		loader := s.client.Dataset(s.dataset).Table(staging).LoaderFrom(src)
		loader.WriteDisposition = bigquery.WriteTruncate
		loader.CreateDisposition = bigquery.CreateIfNeeded
		if err := s.wait(ctx, "load staging", loader.Run); err != nil {
			return 0, err
		}
	}

	script := s.commitScript(schema, staging, batch.Len() > 0)
	q := s.client.Query(script)
	q.Parameters = []bigquery.QueryParameter{
		{Name: "source", Value: cp.Source},
		{Name: "cursor", Value: int64(cp.Cursor)},
		{Name: "run_id", Value: cp.RunID},
		{Name: "rows", Value: cp.Rows},
		{Name: "updated_at", Value: cp.UpdatedAt.UTC()},
	}
	if err := s.wait(ctx, "merge", q.Run); err != nil {
		return 0, err
	}
	return batch.Len(), nil
}

func (s *Store) wait(ctx context.Context, op string, run func(context.Context) (*bigquery.Job, error)) error {
	job, err := run(ctx)
	if err != nil {
		return classify(op, err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return classify(op, err)
	}
	if err := status.Err(); err != nil {
		return classify(op, err)
	}
	return nil
}

type checkpointRow struct {
	Cursor    int64               `bigquery:"cursor_pos"`
	RunID     bigquery.NullString `bigquery:"run_id"`
	Rows      int64               `bigquery:"rows_loaded"`
	UpdatedAt time.Time           `bigquery:"updated_at"`
}

func (s *Store) Checkpoint(ctx context.Context, source string) (storage.Checkpoint, bool, error) {
	cp := storage.Checkpoint{Source: source}
	q := s.client.Query(`SELECT cursor_pos, run_id, rows_loaded, updated_at FROM ` + s.fullName(s.checkpointTable) + ` WHERE source = @source`)
	q.Parameters = []bigquery.QueryParameter{{Name: "source", Value: source}}
	it, err := q.Read(ctx)
	if err != nil {
		return cp, false, classify("read checkpoint", err)
	}
	var row checkpointRow
	err = it.Next(&row)
	if errors.Is(err, iterator.Done) {
		return cp, false, nil
	}
	if err != nil {
		return cp, false, classify("read checkpoint", err)
	}
	cp.Cursor = collect.Cursor(row.Cursor)
	cp.RunID = row.RunID.StringVal
	cp.Rows = row.Rows
	cp.UpdatedAt = row.UpdatedAt
	return cp, true, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func fieldType(t parse.FieldType) bigquery.FieldType {
	switch t {
	case parse.TypeInt:
		return bigquery.IntegerFieldType
	case parse.TypeFloat:
		return bigquery.FloatFieldType
	case parse.TypeDate, parse.TypeMonth:
		return bigquery.DateFieldType
	}
	return bigquery.StringFieldType
}

func tableSchema(schema *parse.Schema, geo bool) bigquery.Schema {
	out := bigquery.Schema{{Name: "record_key", Type: bigquery.StringFieldType, Required: true}}
	for _, f := range schema.Fields {
		out = append(out, &bigquery.FieldSchema{Name: f.Name, Type: fieldType(f.Type)})
	}
	out = append(out,
		&bigquery.FieldSchema{Name: "cursor_pos", Type: bigquery.IntegerFieldType, Required: true},
		&bigquery.FieldSchema{Name: "loaded_at", Type: bigquery.TimestampFieldType},
	)
	if geo {
		out = append(out, &bigquery.FieldSchema{Name: geoColumn, Type: bigquery.GeographyFieldType})
	}
	return out
}

func checkpointSchema() bigquery.Schema {
	return bigquery.Schema{
		{Name: "source", Type: bigquery.StringFieldType, Required: true},
		{Name: "cursor_pos", Type: bigquery.IntegerFieldType, Required: true},
		{Name: "run_id", Type: bigquery.StringFieldType},
		{Name: "rows_loaded", Type: bigquery.IntegerFieldType},
		{Name: "updated_at", Type: bigquery.TimestampFieldType},
	}
}

// 每行一个json对象，日期按YYYY-MM-DD输出
func encodeNDJSON(records []*parse.Record, loadedAt time.Time) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range records {
		row := make(map[string]any, len(r.Schema().Fields)+3)
		row["record_key"] = r.Key()
		for i, v := range r.Values() {
			row[r.Schema().Fields[i].Name] = v
		}
		row["cursor_pos"] = int64(r.Cursor())
		row["loaded_at"] = loadedAt.Format(time.RFC3339Nano)
		if err := enc.Encode(row); err != nil {
			return nil, fmt.Errorf("encode record %s: %w", r.Key(), err)
		}
	}
	return buf.Bytes(), nil
}

func (s *Store) commitScript(schema *parse.Schema, staging string, withData bool) string {
	var b strings.Builder
	b.WriteString("BEGIN TRANSACTION;\n")
	if withData {
		cols := append([]string{"record_key"}, schema.Columns()...)
		cols = append(cols, "cursor_pos", "loaded_at")
		vals := make([]string, len(cols))
		for i, c := range cols {
			vals[i] = "stage." + c
		}
		if s.geoEnabled(schema) {
			cols = append(cols, geoColumn)
			vals = append(vals, fmt.Sprintf("ST_GEOGPOINT(stage.%s, stage.%s)", s.longitude, s.latitude))
		}
		sets := make([]string, 0, len(cols)-1)
		for i := 1; i < len(cols); i++ {
			sets = append(sets, cols[i]+" = "+vals[i])
		}
		fmt.Fprintf(&b, "MERGE %s AS prod\nUSING %s AS stage\nON prod.record_key = stage.record_key\n", s.fullName(schema.Name), s.fullName(staging))
		fmt.Fprintf(&b, "WHEN MATCHED THEN UPDATE SET %s\n", strings.Join(sets, ", "))
		fmt.Fprintf(&b, "WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s);\n", strings.Join(cols, ", "), strings.Join(vals, ", "))
	}
	fmt.Fprintf(&b, "MERGE %s AS c\n", s.fullName(s.checkpointTable))
	b.WriteString("USING (SELECT @source AS source, @cursor AS cursor_pos, @run_id AS run_id, @rows AS rows_loaded, @updated_at AS updated_at) AS n\n")
	b.WriteString("ON c.source = n.source\n")
	b.WriteString("WHEN MATCHED THEN UPDATE SET cursor_pos = GREATEST(c.cursor_pos, n.cursor_pos), run_id = n.run_id, rows_loaded = n.rows_loaded, updated_at = n.updated_at\n")
	b.WriteString("WHEN NOT MATCHED THEN INSERT (source, cursor_pos, run_id, rows_loaded, updated_at) VALUES (n.source, n.cursor_pos, n.run_id, n.rows_loaded, n.updated_at);\n")
	b.WriteString("COMMIT TRANSACTION;")
	return b.String()
}

/*
输入操作名和客户端错误，输出归类后的错误

429、5xx和后端错误归为连接类；表不存在、字段名无法识别归为schema不匹配
*/
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusTooManyRequests || gerr.Code >= 500:
			return storage.Connectivity(op, err)
		case gerr.Code == http.StatusNotFound:
			return storage.SchemaMismatch(op, err)
		case gerr.Code == http.StatusBadRequest && schemaMessage(gerr.Message):
			return storage.SchemaMismatch(op, err)
		}
		return err
	}
	var berr *bigquery.Error
	if errors.As(err, &berr) {
		switch berr.Reason {
		case "backendError", "internalError", "rateLimitExceeded", "jobRateLimitExceeded":
			return storage.Connectivity(op, err)
		case "notFound":
			return storage.SchemaMismatch(op, err)
		case "invalid", "invalidQuery":
			if schemaMessage(berr.Message) {
				return storage.SchemaMismatch(op, err)
			}
		}
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return storage.Connectivity(op, err)
	}
	return err
}

func schemaMessage(msg string) bool {
	return strings.Contains(msg, "Unrecognized name") || strings.Contains(msg, "No such field") ||
		strings.Contains(msg, "Provided Schema does not match")
}
