package collect

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/dszqbsm/policedata/limiter"
	"github.com/dszqbsm/policedata/proxy"
	"go.uber.org/zap"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

// 不需要执行js的页面走普通http请求
type BaseFetch struct {
	Timeout   time.Duration
	Cookie    string
	UserAgent string
	Proxy     proxy.ProxyFunc
	Limit     limiter.RateLimiter
	Logger    *zap.Logger

	once   sync.Once
	client *http.Client
}

func (b *BaseFetch) init() {
	b.once.Do(func() {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if b.Proxy != nil {
			transport.Proxy = b.Proxy
		}
		b.client = &http.Client{Timeout: b.Timeout, Transport: transport}
		if b.Logger == nil {
			b.Logger = zap.NewNop()
		}
		if b.UserAgent == "" {
			b.UserAgent = defaultUserAgent
		}
	})
}

/*
输入context和url，输出utf-8编码的响应体和错误

先经过限速器，网络错误、429、5xx标记为可重试；响应体按Content-Type和前1024字节探测编码后统一转成utf-8
*/
func (b *BaseFetch) Get(ctx context.Context, url string) ([]byte, error) {
	b.init()
	if b.Limit != nil {
		if err := b.Limit.Wait(ctx); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("get url failed:%w", err)
	}
	if len(b.Cookie) > 0 {
		req.Header.Set("Cookie", b.Cookie)
	}
	req.Header.Set("User-Agent", b.UserAgent)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, Transient(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{URL: url, Code: resp.StatusCode}
	}

	bodyReader := bufio.NewReader(resp.Body)
	e := DeterminEncoding(bodyReader, resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(transform.NewReader(bodyReader, e.NewDecoder()))
	if err != nil {
		return nil, Transient(fmt.Errorf("read body: %w", err))
	}
	return body, nil
}

func (b *BaseFetch) Close() error {
	if b.client != nil {
		b.client.CloseIdleConnections()
	}
	return nil
}

// 探测编码，内容不足1024字节时用已有的部分
func DeterminEncoding(r *bufio.Reader, contentType string) encoding.Encoding {
	data, err := r.Peek(1024)
	if err != nil && len(data) == 0 {
		return unicode.UTF8
	}
	e, _, _ := charset.DetermineEncoding(data, contentType)
	return e
}
