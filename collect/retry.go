package collect

import (
	"context"
	"time"
)

// 有上限的指数退避
type Backoff struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Initial     time.Duration `yaml:"initial"`
	Max         time.Duration `yaml:"max"`
	Multiplier  float64       `yaml:"multiplier"`
}

func DefaultBackoff() Backoff {
	return Backoff{
		MaxAttempts: 5,
		Initial:     500 * time.Millisecond,
		Max:         30 * time.Second,
		Multiplier:  2,
	}
}

// 第attempt次失败之后的等待时间，attempt从1开始
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(b.Initial)
	for i := 1; i < attempt; i++ {
		d *= mult
		if b.Max > 0 && d >= float64(b.Max) {
			return b.Max
		}
	}
	if b.Max > 0 && time.Duration(d) > b.Max {
		return b.Max
	}
	return time.Duration(d)
}

// 一个游标或一个批次的重试状态
type RetryState struct {
	Attempt int
	Delay   time.Duration
	LastErr error
}

// 每次尝试前调用
func (s *RetryState) Begin() {
	s.Attempt++
}

/*
输入退避策略和本次失败的错误，输出是否还能再试

还能再试时更新Delay为下一次等待时间
*/
func (s *RetryState) Retry(b Backoff, err error) bool {
	s.LastErr = err
	max := b.MaxAttempts
	if max < 1 {
		max = 1
	}
	if s.Attempt >= max {
		return false
	}
	s.Delay = b.Delay(s.Attempt)
	return true
}

// 可被context打断的等待
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
