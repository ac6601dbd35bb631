package parse

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindInt
	KindFloat
	KindTime
)

// 一个类型化的字段值
type Value struct {
	Kind  Kind
	Str   string
	Int   int64
	Float float64
	Time  time.Time
}

func Null() Value { return Value{} }

func (v Value) IsNull() bool { return v.Kind == KindNull }

// 供database/sql和json使用的原生值，null返回nil
func (v Value) Interface() any {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindInt:
		return v.Int
	case KindFloat:
		return v.Float
	case KindTime:
		return v.Time
	}
	return nil
}

// 规范化的文本形式，用于主键和内容哈希
func (v Value) String() string {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindInt:
		return strconv.FormatInt(v.Int, 10)
	case KindFloat:
		return strconv.FormatFloat(v.Float, 'f', -1, 64)
	case KindTime:
		return v.Time.Format(defaultDateLayout)
	}
	return ""
}

func (v Value) MarshalJSON() ([]byte, error) {
	if v.Kind == KindTime {
		return json.Marshal(v.String())
	}
	return json.Marshal(v.Interface())
}

/*
输入字段定义和原始文本，输出值和错误

空文本是null而不是错误；无法转换时返回错误，由调用方把字段标记为降级
*/
func coerce(f Field, raw string) (Value, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Null(), nil
	}
	switch f.Type {
	case TypeString, "":
		return Value{Kind: KindString, Str: raw}, nil
	case TypeInt:
		n, err := strconv.ParseInt(strings.ReplaceAll(raw, ",", ""), 10, 64)
		if err != nil {
			return Null(), err
		}
		return Value{Kind: KindInt, Int: n}, nil
	case TypeFloat:
		n, err := strconv.ParseFloat(strings.ReplaceAll(raw, ",", ""), 64)
		if err != nil {
			return Null(), err
		}
		return Value{Kind: KindFloat, Float: n}, nil
	case TypeDate, TypeMonth:
		t, err := time.ParseInLocation(f.layout(), raw, time.UTC)
		if err != nil {
			return Null(), err
		}
		return Value{Kind: KindTime, Time: t}, nil
	}
	return Null(), fmt.Errorf("unknown type %q", f.Type)
}
