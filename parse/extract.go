package parse

// 抽取层：按schema把一页原始内容解析成类型化的记录

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"iter"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"github.com/antchfx/htmlquery"
	"github.com/antchfx/xpath"
	"github.com/dszqbsm/policedata/collect"
	"github.com/robertkrimen/otto"
	"go.uber.org/zap"
)

// 编译后的字段规则
type fieldRule struct {
	Field
	css    cascadia.Selector
	xpath  *xpath.Expr
	script *otto.Script
}

type Extractor struct {
	schema    *Schema
	container cascadia.Selector
	rowCSS    cascadia.Selector
	rowXPath  *xpath.Expr
	fields    []fieldRule

	vmMu sync.Mutex
	vm   *otto.Otto

	options
}

/*
输入schema和配置选项，输出Extractor和错误

校验schema并编译全部选择器、XPath和转换脚本
*/
func New(schema *Schema, opts ...Option) (*Extractor, error) {
	options := defaultOptions
	for _, opt := range opts {
		opt(&options)
	}
	if schema == nil {
		return nil, errors.New("schema can not be nil")
	}
	if err := schema.Validate(); err != nil {
		return nil, fmt.Errorf("schema %s: %w", schema.Name, err)
	}
	e := &Extractor{
		schema:  schema,
		vm:      otto.New(),
		options: options,
	}
	if schema.Container != "" {
		e.container = cascadia.MustCompile(schema.Container)
	}
	if schema.RowSelector != "" {
		e.rowCSS = cascadia.MustCompile(schema.RowSelector)
	}
	if schema.RowXPath != "" {
		e.rowXPath = xpath.MustCompile(schema.RowXPath)
	}
	for _, f := range schema.Fields {
		r := fieldRule{Field: f}
		if f.Selector != "" {
			r.css = cascadia.MustCompile(f.Selector)
		}
		if f.XPath != "" {
			r.xpath = xpath.MustCompile(f.XPath)
		}
		if f.Script != "" {
			s, err := e.vm.Compile("", f.Script)
			if err != nil {
				return nil, fmt.Errorf("field %s script: %w", f.Name, err)
			}
			r.script = s
		}
		e.fields = append(e.fields, r)
	}
	return e, nil
}

func (e *Extractor) Schema() *Schema { return e.schema }

/*
输入一页内容，输出抽取结果和错误

这里只做文档级解析，拿到每行每个字段的原始文本；空页面、无法解析、容器缺失、csv缺少必填列都返回*ExtractError
*/
func (e *Extractor) Extract(page *collect.PageHandle) (*Extraction, error) {
	if page == nil {
		return nil, errors.New("nil page")
	}
	var (
		rows [][]rawCell
		err  error
	)
	if len(bytes.TrimSpace(page.Body)) == 0 {
		err = ErrEmptyBody
	} else if page.Format == collect.FormatCSV {
		rows, err = e.csvRows(page.Body)
	} else {
		rows, err = e.htmlRows(page.Body)
	}
	if err != nil {
		return nil, &ExtractError{Cursor: page.Cursor, URL: page.URL, Err: err}
	}
	e.logger.Debug("extract page",
		zap.String("schema", e.schema.Name),
		zap.Int64("cursor", int64(page.Cursor)),
		zap.Int("rows", len(rows)),
	)
	return &Extraction{ext: e, cursor: page.Cursor, rows: rows}, nil
}

// 一个字段的原始文本，found为false表示页面上没有这个节点
type rawCell struct {
	text  string
	found bool
}

func (e *Extractor) htmlRows(body []byte) ([][]rawCell, error) {
	if e.rowCSS == nil && e.rowXPath == nil {
		return nil, ErrNoRowRule
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	scope := doc.Selection
	if e.container != nil {
		scope = doc.FindMatcher(e.container)
		if scope.Length() == 0 {
			return nil, fmt.Errorf("%w: %s", ErrContainerMissing, e.schema.Container)
		}
	}

	var sel *goquery.Selection
	if e.rowCSS != nil {
		sel = scope.FindMatcher(e.rowCSS)
	} else {
		sel = doc.FindNodes()
		for _, n := range scope.Nodes {
			sel = sel.AddNodes(htmlquery.QuerySelectorAll(n, e.rowXPath)...)
		}
	}

	rows := make([][]rawCell, 0, sel.Length())
	sel.Each(func(_ int, row *goquery.Selection) {
		cells := make([]rawCell, len(e.fields))
		for i, f := range e.fields {
			cells[i] = htmlCell(row, f)
		}
		rows = append(rows, cells)
	})
	return rows, nil
}

func htmlCell(row *goquery.Selection, f fieldRule) rawCell {
	switch {
	case f.css != nil:
		s := row.FindMatcher(f.css).First()
		if s.Length() == 0 {
			return rawCell{}
		}
		if f.Attr != "" {
			v, ok := s.Attr(f.Attr)
			return rawCell{text: v, found: ok}
		}
		return rawCell{text: s.Text(), found: true}
	case f.xpath != nil:
		n := htmlquery.QuerySelector(row.Nodes[0], f.xpath)
		if n == nil {
			return rawCell{}
		}
		if f.Attr != "" {
			return rawCell{text: htmlquery.SelectAttr(n, f.Attr), found: true}
		}
		return rawCell{text: htmlquery.InnerText(n), found: true}
	case f.Attr != "":
		v, ok := row.Attr(f.Attr)
		return rawCell{text: v, found: ok}
	}
	return rawCell{text: row.Text(), found: true}
}

func (e *Extractor) csvRows(body []byte) ([][]rawCell, error) {
	r := csv.NewReader(bytes.NewReader(body))
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	index := make(map[string]int, len(header))
	for i, h := range header {
		index[NormalizeHeader(h)] = i
	}
	cols := make([]int, len(e.fields))
	for i, f := range e.fields {
		c, ok := index[f.column()]
		if !ok {
			if f.Required {
				return nil, fmt.Errorf("%w: %s", ErrMissingColumn, f.column())
			}
			c = -1
		}
		cols[i] = c
	}

	var rows [][]rawCell
	for {
		line, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		cells := make([]rawCell, len(e.fields))
		for i, c := range cols {
			if c >= 0 && c < len(line) {
				cells[i] = rawCell{text: line[c], found: true}
			}
		}
		rows = append(rows, cells)
	}
	return rows, nil
}

// 执行字段转换脚本，一个Extractor共用一个虚拟机
func (e *Extractor) transform(f fieldRule, raw string) (string, error) {
	e.vmMu.Lock()
	defer e.vmMu.Unlock()
	if err := e.vm.Set("value", raw); err != nil {
		return "", err
	}
	v, err := e.vm.Run(f.script)
	if err != nil {
		return "", err
	}
	if v.IsNull() || v.IsUndefined() {
		return "", nil
	}
	return v.ToString()
}

/*
输入页内行号和原始文本，输出记录或行错误

不合法的值降级为null；必填字段为null（缺失或降级）时整行排除
*/
func (e *Extractor) build(cursor collect.Cursor, row int, cells []rawCell) (*Record, *RowError) {
	values := make([]Value, len(e.fields))
	var degraded []FieldError
	for i, f := range e.fields {
		raw := cells[i].text
		if cells[i].found && f.script != nil {
			out, err := e.transform(f, raw)
			if err != nil {
				degraded = append(degraded, FieldError{Field: f.Name, Raw: raw, Err: err})
				raw = ""
			} else {
				raw = out
			}
		}
		v, err := coerce(f.Field, raw)
		if err != nil {
			degraded = append(degraded, FieldError{Field: f.Name, Raw: raw, Err: err})
		}
		if f.Required && v.IsNull() {
			return nil, &RowError{Cursor: cursor, Row: row, Field: f.Name, Err: ErrMissingRequired}
		}
		values[i] = v
	}
	return newRecord(e.schema, cursor, values, degraded), nil
}

// 一页的抽取结果，All可以反复遍历，每次得到相同的结果
type Extraction struct {
	ext    *Extractor
	cursor collect.Cursor
	rows   [][]rawCell
}

func (x *Extraction) Cursor() collect.Cursor { return x.cursor }

// 页面上的行数（含会被排除的行）
func (x *Extraction) Len() int { return len(x.rows) }

// 惰性产出每一行：记录或行错误，二者恰有一个非nil
func (x *Extraction) All() iter.Seq2[*Record, *RowError] {
	return func(yield func(*Record, *RowError) bool) {
		for i, cells := range x.rows {
			if !yield(x.ext.build(x.cursor, i, cells)) {
				return
			}
		}
	}
}

// 遍历整个序列，分别收集记录和行错误
func Collect(seq iter.Seq2[*Record, *RowError]) ([]*Record, []*RowError) {
	var (
		records []*Record
		errs    []*RowError
	)
	for r, err := range seq {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		records = append(records, r)
	}
	return records, errs
}
