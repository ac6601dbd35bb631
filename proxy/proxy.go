package proxy

// 代理轮询：http采集器通过ProxyFunc挂到Transport上，浏览器启动时通过Next取一个代理地址

import (
	"errors"
	"net/http"
	"net/url"
	"sync/atomic"
)

type ProxyFunc func(*http.Request) (*url.URL, error)

type Switcher struct {
	proxyURLs []*url.URL
	index     uint32
}

// 轮询取下一个代理
func (r *Switcher) Next() *url.URL {
	index := atomic.AddUint32(&r.index, 1) - 1
	return r.proxyURLs[index%uint32(len(r.proxyURLs))]
}

func (r *Switcher) GetProxy(_ *http.Request) (*url.URL, error) {
	return r.Next(), nil
}

/*
输入代理地址列表，输出轮询切换器和错误

地址列表为空或任一地址无法解析时返回错误，地址必须带scheme（http、https、socks5）
*/
func RoundRobinProxySwitcher(proxyURLs ...string) (*Switcher, error) {
	if len(proxyURLs) < 1 {
		return nil, errors.New("proxy url list is empty")
	}
	urls := make([]*url.URL, len(proxyURLs))
	for i, u := range proxyURLs {
		parsed, err := url.Parse(u)
		if err != nil {
			return nil, err
		}
		if parsed.Scheme == "" || parsed.Host == "" {
			return nil, errors.New("proxy url must have scheme and host: " + u)
		}
		urls[i] = parsed
	}
	return &Switcher{proxyURLs: urls}, nil
}
