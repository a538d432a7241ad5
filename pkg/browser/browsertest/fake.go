// Package browsertest provides in-memory browser.Launcher fakes.
package browsertest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"taskpilot/pkg/browser"
)

// Launcher hands out fake browsers and counts launches.
type Launcher struct {
	mu       sync.Mutex
	launched []*Browser
	// FailLaunch makes every Launch return this error.
	FailLaunch error
	// Configure, when set, is applied to every new tab.
	Configure func(*Tab)
	// LaunchDelay simulates a slow browser start.
	LaunchDelay time.Duration
}

func (l *Launcher) Launch(ctx context.Context) (browser.Browser, error) {
	if l.LaunchDelay > 0 {
		select {
		case <-time.After(l.LaunchDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if l.FailLaunch != nil {
		return nil, l.FailLaunch
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	b := &Browser{launcher: l, tabs: map[string]*Tab{}}
	l.launched = append(l.launched, b)
	return b, nil
}

// Launched returns the number of browsers started so far.
func (l *Launcher) Launched() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.launched)
}

// Browsers returns every browser started so far.
func (l *Launcher) Browsers() []*Browser {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Browser(nil), l.launched...)
}

type Browser struct {
	launcher *Launcher
	mu       sync.Mutex
	tabs     map[string]*Tab
	seq      atomic.Int64
	closed   atomic.Bool
	cookies  []browser.Cookie
}

func (b *Browser) NewTab(ctx context.Context) (browser.Tab, error) {
	if b.closed.Load() {
		return nil, fmt.Errorf("browser closed")
	}
	t := &Tab{id: fmt.Sprintf("tab-%d", b.seq.Add(1)), browser: b, url: "about:blank"}
	if b.launcher != nil && b.launcher.Configure != nil {
		b.launcher.Configure(t)
	}
	b.mu.Lock()
	b.tabs[t.id] = t
	b.mu.Unlock()
	return t, nil
}

// OpenTabs returns the number of tabs not yet closed.
func (b *Browser) OpenTabs() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.tabs)
}

func (b *Browser) Closed() bool { return b.closed.Load() }

func (b *Browser) Usage() browser.Usage {
	return browser.Usage{Tabs: b.OpenTabs(), Contexts: 1, Connected: !b.closed.Load(), SampledAt: time.Now()}
}

func (b *Browser) Close() error {
	b.closed.Store(true)
	return nil
}

// Tab records every action it receives. FailOn makes the action whose
// description contains the key fail with the mapped error.
type Tab struct {
	id      string
	browser *Browser

	mu      sync.Mutex
	url     string
	actions []string
	closed  bool

	FailOn      map[string]error
	Texts       map[string]string
	EvalResult  any
	Block       chan struct{}
	ScreenshotN atomic.Int64
}

func (t *Tab) record(action string) error {
	t.mu.Lock()
	t.actions = append(t.actions, action)
	fail := t.FailOn
	block := t.Block
	t.mu.Unlock()

	if block != nil {
		<-block
	}
	for key, err := range fail {
		if strings.Contains(action, key) {
			return err
		}
	}
	return nil
}

// Actions returns a copy of the recorded action log.
func (t *Tab) Actions() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.actions...)
}

func (t *Tab) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Tab) ID() string { return t.id }

func (t *Tab) URL() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.url
}

func (t *Tab) Navigate(ctx context.Context, url string, _ browser.NavigateOptions) error {
	if err := t.record("navigate " + url); err != nil {
		return err
	}
	t.mu.Lock()
	t.url = url
	t.mu.Unlock()
	return ctx.Err()
}

func (t *Tab) Click(ctx context.Context, selector string, _ time.Duration) error {
	return t.record("click " + selector)
}

func (t *Tab) Type(ctx context.Context, selector, value string, _ time.Duration) error {
	return t.record("type " + selector + "=" + value)
}

func (t *Tab) WaitFor(ctx context.Context, selector, state string, _ time.Duration) error {
	return t.record("wait_for " + selector)
}

func (t *Tab) Select(ctx context.Context, selector string, values []string, _ time.Duration) error {
	return t.record("select " + selector + "=" + strings.Join(values, ","))
}

func (t *Tab) Upload(ctx context.Context, selector string, files []string, _ time.Duration) error {
	return t.record("upload " + selector + "=" + strings.Join(files, ","))
}

func (t *Tab) Press(ctx context.Context, selector, key string, _ time.Duration) error {
	return t.record("press " + selector + "=" + key)
}

func (t *Tab) Evaluate(ctx context.Context, script string) (any, error) {
	if err := t.record("evaluate " + script); err != nil {
		return nil, err
	}
	return t.EvalResult, nil
}

func (t *Tab) Text(ctx context.Context, selector string, _ time.Duration) (string, error) {
	if err := t.record("text " + selector); err != nil {
		return "", err
	}
	return t.Texts[selector], nil
}

func (t *Tab) Screenshot(ctx context.Context) ([]byte, error) {
	t.ScreenshotN.Add(1)
	return []byte("\x89PNG fake"), nil
}

func (t *Tab) Cookies(ctx context.Context) ([]browser.Cookie, error) {
	if err := t.record("cookies"); err != nil {
		return nil, err
	}
	t.browser.mu.Lock()
	defer t.browser.mu.Unlock()
	return append([]browser.Cookie(nil), t.browser.cookies...), nil
}

func (t *Tab) SetCookies(ctx context.Context, cookies []browser.Cookie) error {
	if err := t.record("set_cookies"); err != nil {
		return err
	}
	t.browser.mu.Lock()
	t.browser.cookies = append(t.browser.cookies, cookies...)
	t.browser.mu.Unlock()
	return nil
}

// SetBrowserCookies seeds the cookie jar shared by the tab's browser.
func (t *Tab) SetBrowserCookies(cookies []browser.Cookie) {
	t.browser.mu.Lock()
	t.browser.cookies = cookies
	t.browser.mu.Unlock()
}

func (t *Tab) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	t.browser.mu.Lock()
	delete(t.browser.tabs, t.id)
	t.browser.mu.Unlock()
	return nil
}
