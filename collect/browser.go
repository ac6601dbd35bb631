package collect

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dszqbsm/policedata/limiter"
	"github.com/dszqbsm/policedata/proxy"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"go.uber.org/zap"
)

// 浏览器采集：持有一个浏览器和一个标签页作为会话，同一时刻只服务一次Get
type BrowserFetch struct {
	RemoteURL    string // 已启动的Chrome的ws地址，为空则本地启动
	Headless     bool
	Stealth      bool
	Proxy        *proxy.Switcher
	WaitSelector string        // 动态内容就绪的标志元素
	Settle       time.Duration // DOM保持稳定的时长
	Limit        limiter.RateLimiter
	Logger       *zap.Logger

	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	page    *rod.Page
	closed  bool
}

/*
输入context和url，输出页面HTML和错误

导航、等待加载、等待标志元素、等待DOM稳定都受context的超时约束；任何一步失败都丢弃当前标签页，下一次尝试重新打开，错误标记为可重试
*/
func (b *BrowserFetch) Get(ctx context.Context, url string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, errors.New("browser session is closed")
	}
	if b.Logger == nil {
		b.Logger = zap.NewNop()
	}
	if b.Limit != nil {
		if err := b.Limit.Wait(ctx); err != nil {
			return nil, err
		}
	}

	page, err := b.session()
	if err != nil {
		b.reset()
		return nil, Transient(fmt.Errorf("open browser session: %w", err))
	}

	p := page.Context(ctx)
	var doc *proto.NetworkResponse
	waitDoc := p.EachEvent(func(e *proto.NetworkResponseReceived) bool {
		if e.Type != proto.NetworkResourceTypeDocument || e.FrameID != p.FrameID {
			return false
		}
		doc = e.Response
		return true
	})
	if err := p.Navigate(url); err != nil {
		b.dropPage()
		return nil, Transient(fmt.Errorf("navigate %s: %w", url, err))
	}
	waitDoc()
	if err := ctx.Err(); err != nil {
		b.dropPage()
		return nil, err
	}
	if err := documentError(url, doc); err != nil {
		return nil, err
	}
	if err := p.WaitLoad(); err != nil {
		b.dropPage()
		return nil, Transient(fmt.Errorf("wait load %s: %w", url, err))
	}
	if b.WaitSelector != "" {
		if _, err := p.Element(b.WaitSelector); err != nil {
			b.dropPage()
			return nil, Transient(fmt.Errorf("wait for %q: %w", b.WaitSelector, err))
		}
	}
	if b.Settle > 0 {
		if err := p.WaitStable(b.Settle); err != nil {
			b.dropPage()
			return nil, Transient(fmt.Errorf("wait stable: %w", err))
		}
	}

	html, err := p.HTML()
	if err != nil {
		b.dropPage()
		return nil, Transient(fmt.Errorf("read html: %w", err))
	}
	return []byte(html), nil
}

// 主文档的响应状态，非2xx按StatusError处理，429和5xx可重试
func documentError(url string, resp *proto.NetworkResponse) error {
	if resp == nil {
		return Transient(fmt.Errorf("no document response for %s", url))
	}
	if resp.Status < 200 || resp.Status > 299 {
		return &StatusError{URL: url, Code: resp.Status}
	}
	return nil
}

func (b *BrowserFetch) session() (*rod.Page, error) {
	if b.page != nil {
		return b.page, nil
	}
	if b.browser == nil {
		br, l, err := Launch(b.RemoteURL, b.Headless, b.Proxy)
		if err != nil {
			return nil, err
		}
		b.browser, b.lnch = br, l
		b.Logger.Info("browser session opened", zap.Bool("remote", b.RemoteURL != ""))
	}

	var (
		page *rod.Page
		err  error
	)
	if b.Stealth {
		page, err = stealth.Page(b.browser)
	} else {
		page, err = b.browser.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}
	b.page = page
	return page, nil
}

func (b *BrowserFetch) dropPage() {
	if b.page != nil {
		_ = b.page.Close()
		b.page = nil
	}
}

func (b *BrowserFetch) reset() {
	b.dropPage()
	if b.browser != nil {
		Release(b.browser, b.lnch)
	}
	b.browser, b.lnch = nil, nil
}

// 释放标签页和本地启动的Chrome进程，远程Chrome只关闭自己的标签页
func (b *BrowserFetch) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.reset()
	return nil
}

// 关闭Launch得到的浏览器；远程Chrome（l为nil）由别人管理，不发送Browser.close
func Release(br *rod.Browser, l *launcher.Launcher) {
	if l == nil {
		return
	}
	_ = br.Close()
	l.Cleanup()
}

/*
输入远程地址、是否无头和代理，输出已连接的浏览器、本地launcher（远程时为nil）和错误

远程地址为空时本地启动Chrome，并关闭AutomationControlled特征
*/
func Launch(remoteURL string, headless bool, p *proxy.Switcher) (*rod.Browser, *launcher.Launcher, error) {
	u := remoteURL
	var l *launcher.Launcher
	if u == "" {
		l = launcher.New().Headless(headless)
		l = l.Set("disable-blink-features", "AutomationControlled")
		if p != nil {
			l = l.Proxy(p.Next().String())
		}
		var err error
		if u, err = l.Launch(); err != nil {
			return nil, nil, fmt.Errorf("launch chrome: %w", err)
		}
	}
	br := rod.New().ControlURL(u)
	if err := br.Connect(); err != nil {
		if l != nil {
			l.Cleanup()
		}
		return nil, nil, fmt.Errorf("connect chrome: %w", err)
	}
	return br, l, nil
}
