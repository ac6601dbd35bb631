package storage

import (
	"errors"
	"fmt"
)

type ErrorKind int

const (
	KindConnectivity ErrorKind = iota + 1
	KindSchemaMismatch
)

func (k ErrorKind) String() string {
	switch k {
	case KindConnectivity:
		return "connectivity"
	case KindSchemaMismatch:
		return "schema mismatch"
	}
	return "unknown"
}

// 加载失败，连接类错误可以整批重试，schema不匹配必须人工处理
type LoadError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Kind, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

func Connectivity(op string, err error) error {
	return &LoadError{Kind: KindConnectivity, Op: op, Err: err}
}

func SchemaMismatch(op string, err error) error {
	return &LoadError{Kind: KindSchemaMismatch, Op: op, Err: err}
}

func IsConnectivity(err error) bool {
	var le *LoadError
	return errors.As(err, &le) && le.Kind == KindConnectivity
}

func IsSchemaMismatch(err error) bool {
	var le *LoadError
	return errors.As(err, &le) && le.Kind == KindSchemaMismatch
}

// 期望的列都存在于已有表中，否则返回schema不匹配
func CheckColumns(table string, have, want []string) error {
	if len(have) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(have))
	for _, c := range have {
		set[c] = struct{}{}
	}
	var missing []string
	for _, c := range want {
		if _, ok := set[c]; !ok {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return SchemaMismatch("ensure schema", fmt.Errorf("table %s is missing columns %v", table, missing))
	}
	return nil
}
