package engine

import (
	"sync/atomic"
)

// 流水线计数器，任何被跳过、排除、降级的东西都要在这里留下计数
type Metrics struct {
	PagesFetched     atomic.Int64
	PagesRepeated    atomic.Int64
	PagesSkipped     atomic.Int64
	FetchFailures    atomic.Int64
	ExtractFailures  atomic.Int64
	RowsExtracted    atomic.Int64
	RowsExcluded     atomic.Int64
	FieldsDegraded   atomic.Int64
	RecordsLoaded    atomic.Int64
	DuplicateKeys    atomic.Int64
	BatchesCommitted atomic.Int64
	LoadFailures     atomic.Int64
	PagesArchived    atomic.Int64
	ArchiveFailures  atomic.Int64
}

func (m *Metrics) Snapshot() map[string]int64 {
	return map[string]int64{
		"pages_fetched":     m.PagesFetched.Load(),
		"pages_repeated":    m.PagesRepeated.Load(),
		"pages_skipped":     m.PagesSkipped.Load(),
		"fetch_failures":    m.FetchFailures.Load(),
		"extract_failures":  m.ExtractFailures.Load(),
		"rows_extracted":    m.RowsExtracted.Load(),
		"rows_excluded":     m.RowsExcluded.Load(),
		"fields_degraded":   m.FieldsDegraded.Load(),
		"records_loaded":    m.RecordsLoaded.Load(),
		"duplicate_keys":    m.DuplicateKeys.Load(),
		"batches_committed": m.BatchesCommitted.Load(),
		"load_failures":     m.LoadFailures.Load(),
		"pages_archived":    m.PagesArchived.Load(),
		"archive_failures":  m.ArchiveFailures.Load(),
	}
}
