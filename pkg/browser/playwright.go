package browser

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"
)

// PlaywrightLauncher drives Chromium through playwright. The playwright
// driver itself is installed and started lazily on the first Launch.
type PlaywrightLauncher struct {
	mu   sync.Mutex
	pw   *playwright.Playwright
	opts Options
}

func NewPlaywrightLauncher(opts Options) *PlaywrightLauncher {
	if opts.ViewportWidth == 0 {
		opts.ViewportWidth = 1280
	}
	if opts.ViewportHeight == 0 {
		opts.ViewportHeight = 800
	}
	if opts.DefaultTimeout == 0 {
		opts.DefaultTimeout = 30 * time.Second
	}
	return &PlaywrightLauncher{opts: opts}
}

func (l *PlaywrightLauncher) start() (*playwright.Playwright, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.pw != nil {
		return l.pw, nil
	}

	runOpts := &playwright.RunOptions{
		Browsers: []string{"chromium"},
		Verbose:  false,
		Stdout:   io.Discard,
		Stderr:   io.Discard,
	}
	if err := playwright.Install(runOpts); err != nil {
		return nil, fmt.Errorf("failed to install playwright: %w", err)
	}

	pw, err := playwright.Run(runOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}

	l.pw = pw
	return pw, nil
}

func (l *PlaywrightLauncher) Launch(ctx context.Context) (Browser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pw, err := l.start()
	if err != nil {
		return nil, err
	}

	b, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(l.opts.Headless),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	bctx, err := b.NewContext(playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{
			Width:  l.opts.ViewportWidth,
			Height: l.opts.ViewportHeight,
		},
	})
	if err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("failed to create context: %w", err)
	}

	return &pwBrowser{browser: b, context: bctx, opts: l.opts, tabs: make(map[string]*pwTab)}, nil
}

// Shutdown stops the playwright driver. Browsers must be closed first.
func (l *PlaywrightLauncher) Shutdown() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.pw == nil {
		return nil
	}
	err := l.pw.Stop()
	l.pw = nil
	if err != nil {
		return fmt.Errorf("failed to stop playwright: %w", err)
	}
	return nil
}

// pwBrowser shares one browser context between its tabs so that cookies
// and storage warmed up by one task are visible to the next on the same domain.
type pwBrowser struct {
	browser playwright.Browser
	context playwright.BrowserContext
	opts    Options

	mu   sync.Mutex
	tabs map[string]*pwTab
}

func (b *pwBrowser) NewTab(ctx context.Context) (Tab, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	page, err := b.context.NewPage()
	if err != nil {
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	page.SetDefaultTimeout(float64(b.opts.DefaultTimeout.Milliseconds()))

	t := &pwTab{id: uuid.NewString(), page: page, context: b.context, defaultTimeout: b.opts.DefaultTimeout}
	t.onClose = func() {
		b.mu.Lock()
		delete(b.tabs, t.id)
		b.mu.Unlock()
	}

	b.mu.Lock()
	b.tabs[t.id] = t
	b.mu.Unlock()

	return t, nil
}

func (b *pwBrowser) Usage() Usage {
	b.mu.Lock()
	tabs := len(b.tabs)
	b.mu.Unlock()

	return Usage{
		Tabs:      tabs,
		Contexts:  len(b.browser.Contexts()),
		Connected: b.browser.IsConnected(),
		SampledAt: time.Now(),
	}
}

func (b *pwBrowser) Close() error {
	b.mu.Lock()
	pages := make([]*pwTab, 0, len(b.tabs))
	for _, t := range b.tabs {
		pages = append(pages, t)
	}
	b.tabs = map[string]*pwTab{}
	b.mu.Unlock()

	for _, t := range pages {
		_ = t.page.Close()
	}
	_ = b.context.Close()
	return b.browser.Close()
}

type pwTab struct {
	id             string
	page           playwright.Page
	context        playwright.BrowserContext
	defaultTimeout time.Duration
	onClose        func()
	closeOnce      sync.Once
}

func (t *pwTab) ID() string { return t.id }

func (t *pwTab) URL() string { return t.page.URL() }

func (t *pwTab) timeout(d time.Duration) *float64 {
	if d <= 0 {
		d = t.defaultTimeout
	}
	return playwright.Float(float64(d.Milliseconds()))
}

func (t *pwTab) Navigate(ctx context.Context, url string, opts NavigateOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	gotoOpts := playwright.PageGotoOptions{Timeout: t.timeout(opts.Timeout)}
	if opts.WaitUntil != "" {
		waitUntil := playwright.WaitUntilState(opts.WaitUntil)
		gotoOpts.WaitUntil = &waitUntil
	}

	if _, err := t.page.Goto(url, gotoOpts); err != nil {
		return fmt.Errorf("navigation failed: %w", err)
	}
	return nil
}

func (t *pwTab) Click(ctx context.Context, selector string, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.page.Locator(selector).Click(playwright.LocatorClickOptions{Timeout: t.timeout(timeout)}); err != nil {
		return fmt.Errorf("click %q failed: %w", selector, err)
	}
	return nil
}

func (t *pwTab) Type(ctx context.Context, selector, value string, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.page.Locator(selector).Fill(value, playwright.LocatorFillOptions{Timeout: t.timeout(timeout)}); err != nil {
		return fmt.Errorf("fill %q failed: %w", selector, err)
	}
	return nil
}

func (t *pwTab) WaitFor(ctx context.Context, selector string, state string, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	opts := playwright.LocatorWaitForOptions{Timeout: t.timeout(timeout)}
	if state != "" {
		s := playwright.WaitForSelectorState(state)
		opts.State = &s
	}

	if err := t.page.Locator(selector).WaitFor(opts); err != nil {
		return fmt.Errorf("wait for %q failed: %w", selector, err)
	}
	return nil
}

func (t *pwTab) Select(ctx context.Context, selector string, values []string, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.page.Locator(selector).SelectOption(
		playwright.SelectOptionValues{Values: &values},
		playwright.LocatorSelectOptionOptions{Timeout: t.timeout(timeout)},
	)
	if err != nil {
		return fmt.Errorf("select %q failed: %w", selector, err)
	}
	return nil
}

func (t *pwTab) Upload(ctx context.Context, selector string, files []string, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.page.Locator(selector).SetInputFiles(files, playwright.LocatorSetInputFilesOptions{Timeout: t.timeout(timeout)}); err != nil {
		return fmt.Errorf("upload to %q failed: %w", selector, err)
	}
	return nil
}

func (t *pwTab) Press(ctx context.Context, selector, key string, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.page.Locator(selector).Press(key, playwright.LocatorPressOptions{Timeout: t.timeout(timeout)}); err != nil {
		return fmt.Errorf("press %q on %q failed: %w", key, selector, err)
	}
	return nil
}

func (t *pwTab) Evaluate(ctx context.Context, script string) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out, err := t.page.Evaluate(script)
	if err != nil {
		return nil, fmt.Errorf("evaluate failed: %w", err)
	}
	return out, nil
}

func (t *pwTab) Text(ctx context.Context, selector string, timeout time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	text, err := t.page.Locator(selector).TextContent(playwright.LocatorTextContentOptions{Timeout: t.timeout(timeout)})
	if err != nil {
		return "", fmt.Errorf("text of %q failed: %w", selector, err)
	}
	return text, nil
}

func (t *pwTab) Screenshot(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return t.page.Screenshot(playwright.PageScreenshotOptions{FullPage: playwright.Bool(true)})
}

func (t *pwTab) Cookies(ctx context.Context) ([]Cookie, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	raw, err := t.context.Cookies(t.page.URL())
	if err != nil {
		return nil, fmt.Errorf("read cookies failed: %w", err)
	}

	out := make([]Cookie, 0, len(raw))
	for _, c := range raw {
		cookie := Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			HTTPOnly: c.HttpOnly,
			Secure:   c.Secure,
		}
		if c.SameSite != nil {
			cookie.SameSite = string(*c.SameSite)
		}
		out = append(out, cookie)
	}
	return out, nil
}

func (t *pwTab) SetCookies(ctx context.Context, cookies []Cookie) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	in := make([]playwright.OptionalCookie, 0, len(cookies))
	for _, c := range cookies {
		oc := playwright.OptionalCookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   playwright.String(c.Domain),
			Path:     playwright.String(c.Path),
			HttpOnly: playwright.Bool(c.HTTPOnly),
			Secure:   playwright.Bool(c.Secure),
		}
		if c.Path == "" {
			oc.Path = playwright.String("/")
		}
		if c.Expires > 0 {
			oc.Expires = playwright.Float(c.Expires)
		}
		if c.SameSite != "" {
			s := playwright.SameSiteAttribute(c.SameSite)
			oc.SameSite = &s
		}
		in = append(in, oc)
	}

	if err := t.context.AddCookies(in); err != nil {
		return fmt.Errorf("set cookies failed: %w", err)
	}
	return nil
}

func (t *pwTab) Close() error {
	var err error
	t.closeOnce.Do(func() {
		err = t.page.Close()
		if t.onClose != nil {
			t.onClose()
		}
		if err != nil {
			zap.L().Debug("page close failed", zap.String("tab_id", t.id), zap.Error(err))
		}
	})
	return err
}
