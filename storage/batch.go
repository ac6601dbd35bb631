package storage

import (
	"errors"
	"fmt"

	"github.com/dszqbsm/policedata/collect"
	"github.com/dszqbsm/policedata/parse"
)

var ErrSchemaConflict = errors.New("records of different schemas in one batch")

// 同一schema的一批记录，游标取批内最大值
type LoadBatch struct {
	schema  *parse.Schema
	records []*parse.Record
	cursor  collect.Cursor
}

/*
输入schema、批次覆盖到的游标和记录，输出批次和错误

记录的schema必须一致；批次游标取cursor和记录游标中的最大值，空批次也可以推进检查点
*/
func NewBatch(schema *parse.Schema, cursor collect.Cursor, records ...*parse.Record) (*LoadBatch, error) {
	if schema == nil {
		return nil, errors.New("schema can not be nil")
	}
	b := &LoadBatch{schema: schema, cursor: cursor}
	for i, r := range records {
		if !schema.Equal(r.Schema()) {
			return nil, fmt.Errorf("%w: record %d is %s, batch is %s", ErrSchemaConflict, i, r.Schema().Name, schema.Name)
		}
		if r.Cursor() > b.cursor {
			b.cursor = r.Cursor()
		}
	}
	b.records = append([]*parse.Record(nil), records...)
	return b, nil
}

func (b *LoadBatch) Schema() *parse.Schema { return b.schema }
func (b *LoadBatch) MaxCursor() collect.Cursor { return b.cursor }
func (b *LoadBatch) Len() int { return len(b.records) }

func (b *LoadBatch) Records() []*parse.Record {
	return append([]*parse.Record(nil), b.records...)
}

/*
无输入，输出去重后的批次和冲突数

同一主键多次出现时保留最后一次的值，位置取第一次出现的位置；一条INSERT里同一主键出现两次在部分数仓上会报错
*/
func (b *LoadBatch) Dedup() (*LoadBatch, int) {
	index := make(map[string]int, len(b.records))
	out := make([]*parse.Record, 0, len(b.records))
	dups := 0
	for _, r := range b.records {
		if i, ok := index[r.Key()]; ok {
			out[i] = r
			dups++
			continue
		}
		index[r.Key()] = len(out)
		out = append(out, r)
	}
	return &LoadBatch{schema: b.schema, records: out, cursor: b.cursor}, dups
}
