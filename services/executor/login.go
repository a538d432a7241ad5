package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"

	"taskpilot/pkg/browser"
	"taskpilot/services/cookie"
	"taskpilot/services/recorder"
)

const defaultCookieTTL = 24 * time.Hour

// CookieStore is the cookie cache as seen by the browser executor.
type CookieStore interface {
	Find(ctx context.Context, domain, account string) (*cookie.Cookie, error)
	Upsert(ctx context.Context, domain, account string, payload datatypes.JSON, expiresAt time.Time) error
	Invalidate(ctx context.Context, domain, account string) error
}

// LoginConfig describes how to sign in before the script runs. Values
// support ${VAR} expansion from the task's env_vars.
type LoginConfig struct {
	Account          string `json:"account"`
	LoginURL         string `json:"login_url"`
	VerifyURL        string `json:"verify_url"`
	Username         string `json:"username"`
	Password         string `json:"password"`
	UsernameSelector string `json:"username_selector"`
	PasswordSelector string `json:"password_selector"`
	SubmitSelector   string `json:"submit_selector"`
	SuccessSelector  string `json:"success_selector"`
	CookieTTLSeconds int    `json:"cookie_ttl_seconds"`
	TimeoutMS        int    `json:"timeout_ms"`
}

func (c *LoginConfig) timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

func (c *LoginConfig) ttl() time.Duration {
	if c.CookieTTLSeconds > 0 {
		return time.Duration(c.CookieTTLSeconds) * time.Second
	}
	return defaultCookieTTL
}

// parseLogin returns nil when the task needs no login.
func parseLogin(raw datatypes.JSON) (*LoginConfig, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" || string(raw) == "{}" {
		return nil, nil
	}

	var c LoginConfig
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decode login_config: %w", err)
	}
	if c.LoginURL == "" {
		return nil, nil
	}
	if c.SuccessSelector == "" {
		return nil, fmt.Errorf("login_config: success_selector is required")
	}
	return &c, nil
}

// ensureSession reuses a cached cookie when it still opens an authenticated
// page, otherwise signs in and caches the new cookies.
func (r *browserRun) ensureSession(ctx context.Context, raw *LoginConfig) Result {
	c := *raw
	c.Account = expand(c.Account, r.vars)
	c.Username = expand(c.Username, r.vars)
	c.Password = expand(c.Password, r.vars)
	c.LoginURL = expand(c.LoginURL, r.vars)
	c.VerifyURL = expand(c.VerifyURL, r.vars)
	if c.Account == "" {
		c.Account = c.Username
	}

	domain := r.run.Task.Domain
	fields := map[string]any{"domain": domain, "account": c.Account}

	cached, err := r.e.cookies.Find(ctx, domain, c.Account)
	if err != nil {
		return Err(KindLogin, "cookie lookup failed: %v", err)
	}

	if cached != nil {
		if r.verifyCached(ctx, &c, cached) {
			r.log(ctx, recorder.LevelInfo, "reused cached session", fields)
			return Ok("session reused")
		}
		if ctx.Err() != nil {
			return ctxFailure(ctx)
		}
		if err := r.e.cookies.Invalidate(ctx, domain, c.Account); err != nil {
			return Err(KindLogin, "invalidate cookie: %v", err)
		}
		r.log(ctx, recorder.LevelWarning, "cached session rejected, logging in again", fields)
	}

	r.log(ctx, recorder.LevelInfo, "logging in", fields)
	if err := r.login(ctx, &c); err != nil {
		if ctx.Err() != nil {
			return ctxFailure(ctx)
		}
		fields["error"] = err.Error()
		return r.fail(ctx, KindLogin, fmt.Sprintf("login failed for %s: %v", c.Account, err), fields)
	}

	cookies, err := r.tab.Cookies(ctx)
	if err != nil {
		return Err(KindLogin, "read session cookies: %v", err)
	}
	payload, err := json.Marshal(cookies)
	if err != nil {
		return Err(KindLogin, "encode session cookies: %v", err)
	}
	if err := r.e.cookies.Upsert(ctx, domain, c.Account, payload, r.e.now().Add(c.ttl())); err != nil {
		return Err(KindLogin, "store session cookies: %v", err)
	}

	r.log(ctx, recorder.LevelInfo, "login succeeded", fields)
	return Ok("logged in")
}

func (r *browserRun) verifyCached(ctx context.Context, c *LoginConfig, cached *cookie.Cookie) bool {
	var cookies []browser.Cookie
	if err := json.Unmarshal(cached.CookieData, &cookies); err != nil || len(cookies) == 0 {
		return false
	}
	if err := r.tab.SetCookies(ctx, cookies); err != nil {
		return false
	}

	target := c.VerifyURL
	if target == "" {
		target = c.LoginURL
	}
	if err := r.tab.Navigate(ctx, target, browser.NavigateOptions{Timeout: c.timeout()}); err != nil {
		return false
	}
	return r.tab.WaitFor(ctx, c.SuccessSelector, "visible", c.timeout()) == nil
}

func (r *browserRun) login(ctx context.Context, c *LoginConfig) error {
	timeout := c.timeout()

	if err := r.tab.Navigate(ctx, c.LoginURL, browser.NavigateOptions{Timeout: timeout}); err != nil {
		return err
	}
	if c.UsernameSelector != "" {
		if err := r.tab.Type(ctx, c.UsernameSelector, c.Username, timeout); err != nil {
			return err
		}
	}
	if c.PasswordSelector != "" {
		if err := r.tab.Type(ctx, c.PasswordSelector, c.Password, timeout); err != nil {
			return err
		}
	}
	if c.SubmitSelector != "" {
		if err := r.tab.Click(ctx, c.SubmitSelector, timeout); err != nil {
			return err
		}
	}
	return r.tab.WaitFor(ctx, c.SuccessSelector, "visible", timeout)
}
