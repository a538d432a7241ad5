package browser

import (
	"context"
	"time"
)

// Launcher starts new browser processes for the pool.
type Launcher interface {
	Launch(ctx context.Context) (Browser, error)
}

// Browser is one live browser process hosting any number of tabs.
type Browser interface {
	NewTab(ctx context.Context) (Tab, error)
	Usage() Usage
	Close() error
}

// Tab is a single page inside a Browser. Every operation takes an explicit
// timeout; zero means the launcher's default.
type Tab interface {
	ID() string
	Navigate(ctx context.Context, url string, opts NavigateOptions) error
	Click(ctx context.Context, selector string, timeout time.Duration) error
	Type(ctx context.Context, selector, value string, timeout time.Duration) error
	WaitFor(ctx context.Context, selector string, state string, timeout time.Duration) error
	Select(ctx context.Context, selector string, values []string, timeout time.Duration) error
	Upload(ctx context.Context, selector string, files []string, timeout time.Duration) error
	Press(ctx context.Context, selector, key string, timeout time.Duration) error
	Evaluate(ctx context.Context, script string) (any, error)
	Text(ctx context.Context, selector string, timeout time.Duration) (string, error)
	Screenshot(ctx context.Context) ([]byte, error)
	Cookies(ctx context.Context) ([]Cookie, error)
	SetCookies(ctx context.Context, cookies []Cookie) error
	URL() string
	Close() error
}

type NavigateOptions struct {
	// WaitUntil is one of "load", "domcontentloaded", "networkidle".
	WaitUntil string
	Timeout   time.Duration
}

// Cookie is the driver-neutral cookie shape stored in the cookie cache.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"http_only"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"same_site,omitempty"`
}

// Usage is a coarse resource snapshot of one browser process.
type Usage struct {
	Tabs      int       `json:"tabs"`
	Contexts  int       `json:"contexts"`
	Connected bool      `json:"connected"`
	SampledAt time.Time `json:"sampled_at"`
}

// Options configures the playwright launcher.
type Options struct {
	Headless       bool
	ViewportWidth  int
	ViewportHeight int
	DefaultTimeout time.Duration
}
