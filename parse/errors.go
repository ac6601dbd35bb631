package parse

import (
	"errors"
	"fmt"

	"github.com/dszqbsm/policedata/collect"
)

var (
	ErrEmptyBody        = errors.New("empty body")
	ErrContainerMissing = errors.New("container not found")
	ErrMissingColumn    = errors.New("required column missing")
	ErrNoRowRule        = errors.New("schema has no row selector")
	ErrMissingRequired  = errors.New("required field missing")
)

// 整页无法抽取，属于内容问题，重试没有意义
type ExtractError struct {
	Cursor collect.Cursor
	URL    string
	Err    error
}

func (e *ExtractError) Error() string {
	return fmt.Sprintf("extract cursor:%d url:%s: %v", e.Cursor, e.URL, e.Err)
}

func (e *ExtractError) Unwrap() error { return e.Err }

// 被排除的一行：缺少必填字段
type RowError struct {
	Cursor collect.Cursor
	Row    int // 页内行号，从0开始
	Field  string
	Err    error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("row %d of cursor %d: field %s: %v", e.Row, e.Cursor, e.Field, e.Err)
}

func (e *RowError) Unwrap() error { return e.Err }

// 降级字段：值无法转换，按null保存
type FieldError struct {
	Field string
	Raw   string
	Err   error
}

func (e FieldError) Error() string {
	return fmt.Sprintf("field %s value %q: %v", e.Field, e.Raw, e.Err)
}
