package storage

import (
	"context"
	"sync"

	"github.com/dszqbsm/policedata/parse"
)

// 内存数仓，用于试运行和测试
type MemStore struct {
	mu          sync.Mutex
	rows        map[string]map[string]*parse.Record // 表名 -> 主键 -> 记录
	checkpoints map[string]Checkpoint
	commits     int
}

func NewMemStore() *MemStore {
	return &MemStore{
		rows:        make(map[string]map[string]*parse.Record),
		checkpoints: make(map[string]Checkpoint),
	}
}

func (m *MemStore) EnsureSchema(_ context.Context, schema *parse.Schema) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[schema.Name]; !ok {
		m.rows[schema.Name] = make(map[string]*parse.Record)
	}
	return nil
}

func (m *MemStore) Commit(ctx context.Context, batch *LoadBatch, cp Checkpoint) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, Connectivity("commit", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	table, ok := m.rows[batch.Schema().Name]
	if !ok {
		table = make(map[string]*parse.Record)
		m.rows[batch.Schema().Name] = table
	}
	for _, r := range batch.records {
		table[r.Key()] = r
	}
	if prev, ok := m.checkpoints[cp.Source]; ok && prev.Cursor > cp.Cursor {
		cp.Cursor = prev.Cursor
	}
	m.checkpoints[cp.Source] = cp
	m.commits++
	return batch.Len(), nil
}

func (m *MemStore) Checkpoint(_ context.Context, source string) (Checkpoint, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.checkpoints[source]
	return cp, ok, nil
}

func (m *MemStore) Close() error { return nil }

// 某张表当前的行数
func (m *MemStore) Count(table string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows[table])
}

// 按主键取一行
func (m *MemStore) Get(table, key string) (*parse.Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[table][key]
	return r, ok
}

// 成功提交的次数
func (m *MemStore) Commits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commits
}
