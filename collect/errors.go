package collect

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	ErrCursorOrder = errors.New("cursor is not increasing")
	ErrExhausted   = errors.New("no page at or after cursor") // 有限数据源已经没有更多页面
)

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// 把错误标记为可重试：超时、会话失效、网络抖动
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

/*
输入一个错误，输出该错误是否可重试

显式标记过的错误、单次尝试超时、网络超时都视为可重试；父context取消不在这里判断，由调用方先检查
*/
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *transientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// 非200响应
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("error status code:%d url:%s", e.Code, e.URL)
}

// 429和5xx可以重试，其余4xx重试也没用
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// 某个游标最终采集失败，流水线应当停止
type FetchError struct {
	Cursor    Cursor
	URL       string
	Attempts  int
	Transient bool // 可重试错误重试耗尽
	Err       error
}

func (e *FetchError) Error() string {
	kind := "fatal"
	if e.Transient {
		kind = "retries exhausted"
	}
	return fmt.Sprintf("fetch cursor %d (%s) %s after %d attempts: %v", e.Cursor, e.URL, kind, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }
