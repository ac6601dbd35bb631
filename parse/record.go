package parse

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/dszqbsm/policedata/collect"
)

// 超过这个长度的自然键改用哈希，保证能放进VARCHAR(191)主键
const maxKeyLen = 128

// 一行抽取结果，创建后只读，访问器都返回副本
type Record struct {
	schema   *Schema
	cursor   collect.Cursor
	key      string
	values   []Value
	degraded []FieldError
}

func newRecord(schema *Schema, cursor collect.Cursor, values []Value, degraded []FieldError) *Record {
	r := &Record{
		schema:   schema,
		cursor:   cursor,
		values:   values,
		degraded: degraded,
	}
	r.key = recordKey(schema, values)
	return r
}

// 测试和其他数据源直接构造记录用，values按schema字段顺序
func NewRecord(schema *Schema, cursor collect.Cursor, values []Value) *Record {
	vs := make([]Value, len(values))
	copy(vs, values)
	return newRecord(schema, cursor, vs, nil)
}

func (r *Record) Schema() *Schema { return r.schema }
func (r *Record) Cursor() collect.Cursor { return r.cursor }
func (r *Record) Key() string { return r.key }
func (r *Record) DegradedCount() int { return len(r.degraded) }

func (r *Record) Values() []Value {
	vs := make([]Value, len(r.values))
	copy(vs, r.values)
	return vs
}

func (r *Record) Get(name string) (Value, bool) {
	i := r.schema.Index(name)
	if i < 0 {
		return Null(), false
	}
	return r.values[i], true
}

func (r *Record) Degraded() []FieldError {
	ds := make([]FieldError, len(r.degraded))
	copy(ds, r.degraded)
	return ds
}

// 字段名到原生值
func (r *Record) Map() map[string]any {
	m := make(map[string]any, len(r.values))
	for i, f := range r.schema.Fields {
		m[f.Name] = r.values[i].Interface()
	}
	return m
}

/*
输入schema和字段值，输出记录主键

配置了自然键时用键字段的规范文本以|连接，过长时取哈希；没有自然键时用全部字段的内容哈希
*/
func recordKey(schema *Schema, values []Value) string {
	if len(schema.Key) > 0 {
		parts := make([]string, len(schema.Key))
		for i, k := range schema.Key {
			parts[i] = values[schema.Index(k)].String()
		}
		key := strings.Join(parts, "|")
		if len(key) <= maxKeyLen {
			return key
		}
		return hashKey(key)
	}
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = schema.Fields[i].Name + "=" + v.String()
	}
	return hashKey(strings.Join(parts, "\x1f"))
}

func hashKey(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
