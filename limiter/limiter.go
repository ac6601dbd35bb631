package limiter

// 请求限速：每条LimitConfig对应一个令牌桶，多个桶组合成多限速器，所有桶都放行才能继续

import (
	"context"
	"sort"
	"time"

	"golang.org/x/time/rate"
)

type RateLimiter interface {
	Wait(context.Context) error
	Limit() rate.Limit
}

// 单个令牌桶配置，EventDur内允许EventCount次请求
type LimitConfig struct {
	EventCount int           `yaml:"event_count"`
	EventDur   time.Duration `yaml:"event_dur"`
	Bucket     int           `yaml:"bucket"`
}

/*
输入若干令牌桶配置，输出一个限速器

配置为空时返回不限速的限速器；非法配置（次数或时长不为正）直接跳过，桶大小默认为1
*/
func New(cfgs ...LimitConfig) RateLimiter {
	limiters := make([]RateLimiter, 0, len(cfgs))
	for _, c := range cfgs {
		if c.EventCount <= 0 || c.EventDur <= 0 {
			continue
		}
		bucket := c.Bucket
		if bucket <= 0 {
			bucket = 1
		}
		limiters = append(limiters, rate.NewLimiter(Per(c.EventCount, c.EventDur), bucket))
	}
	if len(limiters) == 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return Multi(limiters...)
}

// 按速率从小到大排序，Limit返回最严格的那个
func Multi(limiters ...RateLimiter) *multiLimiter {
	sort.Slice(limiters, func(i, j int) bool {
		return limiters[i].Limit() < limiters[j].Limit()
	})
	return &multiLimiter{limiters: limiters}
}

type multiLimiter struct {
	limiters []RateLimiter
}

func (l *multiLimiter) Wait(ctx context.Context) error {
	for _, lim := range l.limiters {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (l *multiLimiter) Limit() rate.Limit {
	return l.limiters[0].Limit()
}

// duration内发生eventCount次事件对应的速率
func Per(eventCount int, duration time.Duration) rate.Limit {
	return rate.Every(duration / time.Duration(eventCount))
}
