package parse

// 声明式的抽取规则：目标站点的结构写在配置里，而不是写死在代码里

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/andybalholm/cascadia"
	"github.com/antchfx/xpath"
)

type FieldType string

const (
	TypeString FieldType = "string"
	TypeInt    FieldType = "int"
	TypeFloat  FieldType = "float"
	TypeDate   FieldType = "date"
	TypeMonth  FieldType = "month" // YYYY-MM，按当月1日存储
)

const (
	defaultDateLayout  = "2006-01-02"
	defaultMonthLayout = "2006-01"
)

var fieldNameRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// 一个字段的抽取规则，Selector/XPath作用于行节点，Column用于csv
type Field struct {
	Name     string    `yaml:"name"`
	Type     FieldType `yaml:"type"`
	Selector string    `yaml:"selector"`
	XPath    string    `yaml:"xpath"`
	Attr     string    `yaml:"attr"`   // 为空时取文本
	Column   string    `yaml:"column"` // csv列名，为空时用Name
	Layout   string    `yaml:"layout"` // date/month的时间格式
	Required bool      `yaml:"required"`
	Script   string    `yaml:"script"` // js转换脚本，变量value为原始文本，脚本最后一个表达式的值为结果
}

func (f Field) layout() string {
	if f.Layout != "" {
		return f.Layout
	}
	if f.Type == TypeMonth {
		return defaultMonthLayout
	}
	return defaultDateLayout
}

func (f Field) column() string {
	if f.Column != "" {
		return NormalizeHeader(f.Column)
	}
	return f.Name
}

// 一类记录的抽取规则
type Schema struct {
	Name        string   `yaml:"name"`
	Container   string   `yaml:"container"`    // 页面上必须存在的容器，缺失说明页面结构变了
	RowSelector string   `yaml:"row_selector"` // 行的CSS选择器
	RowXPath    string   `yaml:"row_xpath"`    // 行的XPath，与RowSelector二选一
	Key         []string `yaml:"key"`          // 自然键字段，为空时用内容哈希
	Fields      []Field  `yaml:"fields"`
}

/*
无输入，输出一个error

检查字段名、类型、主键和选择器，选择器和XPath在这里编译一次，写错了启动时就报错
*/
func (s *Schema) Validate() error {
	if s.Name == "" || !fieldNameRe.MatchString(s.Name) {
		return fmt.Errorf("invalid schema name %q", s.Name)
	}
	if len(s.Fields) == 0 {
		return errors.New("schema has no fields")
	}
	if s.RowSelector != "" && s.RowXPath != "" {
		return errors.New("row_selector and row_xpath are exclusive")
	}
	if err := compileCSS(s.Container); err != nil {
		return fmt.Errorf("container: %w", err)
	}
	if err := compileCSS(s.RowSelector); err != nil {
		return fmt.Errorf("row_selector: %w", err)
	}
	if err := compileXPath(s.RowXPath); err != nil {
		return fmt.Errorf("row_xpath: %w", err)
	}

	seen := make(map[string]struct{}, len(s.Fields))
	for _, f := range s.Fields {
		if !fieldNameRe.MatchString(f.Name) {
			return fmt.Errorf("invalid field name %q", f.Name)
		}
		if _, ok := seen[f.Name]; ok {
			return fmt.Errorf("duplicate field %q", f.Name)
		}
		seen[f.Name] = struct{}{}
		switch f.Type {
		case TypeString, TypeInt, TypeFloat, TypeDate, TypeMonth:
		default:
			return fmt.Errorf("field %s: unknown type %q", f.Name, f.Type)
		}
		if f.Selector != "" && f.XPath != "" {
			return fmt.Errorf("field %s: selector and xpath are exclusive", f.Name)
		}
		if err := compileCSS(f.Selector); err != nil {
			return fmt.Errorf("field %s: %w", f.Name, err)
		}
		if err := compileXPath(f.XPath); err != nil {
			return fmt.Errorf("field %s: %w", f.Name, err)
		}
	}
	for _, k := range s.Key {
		if _, ok := seen[k]; !ok {
			return fmt.Errorf("key field %q is not declared", k)
		}
	}
	return nil
}

// 字段下标，不存在时返回-1
func (s *Schema) Index(name string) int {
	for i, f := range s.Fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

func (s *Schema) Columns() []string {
	cols := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		cols[i] = f.Name
	}
	return cols
}

// 同名同字段同类型视为同一个schema
func (s *Schema) Equal(o *Schema) bool {
	if s == o {
		return true
	}
	if s == nil || o == nil || s.Name != o.Name || len(s.Fields) != len(o.Fields) {
		return false
	}
	for i := range s.Fields {
		if s.Fields[i].Name != o.Fields[i].Name || s.Fields[i].Type != o.Fields[i].Type {
			return false
		}
	}
	return strings.Join(s.Key, ",") == strings.Join(o.Key, ",")
}

// csv表头归一化：去空白、空格换成下划线、小写
func NormalizeHeader(h string) string {
	h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
	return strings.ToLower(strings.Join(strings.Fields(h), "_"))
}

func compileCSS(sel string) error {
	if sel == "" {
		return nil
	}
	_, err := cascadia.Compile(sel)
	return err
}

func compileXPath(expr string) error {
	if expr == "" {
		return nil
	}
	_, err := xpath.Compile(expr)
	return err
}
