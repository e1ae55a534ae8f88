package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// RodBrowser drives a local Chromium via go-rod with the stealth patches
// applied to every new page.
type RodBrowser struct {
	browser *rod.Browser
}

// NewRodBrowser launches a Chromium instance. Headless should be false when
// a site's anti-bot defenses reject headless fingerprints outright.
func NewRodBrowser(headless bool) (*RodBrowser, error) {
	controlURL, err := launcher.New().
		Headless(headless).
		Set("disable-blink-features", "AutomationControlled").
		Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch chromium: %w", err)
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}

	return &RodBrowser{browser: b}, nil
}

// NewPage opens a fresh stealth tab.
func (b *RodBrowser) NewPage(ctx context.Context) (Page, error) {
	page, err := stealth.Page(b.browser.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to create stealth page: %w", err)
	}
	return &rodPage{page: page}, nil
}

// Close shuts the browser down. Pending pages become unusable.
func (b *RodBrowser) Close() error {
	return b.browser.Close()
}

type rodPage struct {
	page *rod.Page
}

func (p *rodPage) Navigate(ctx context.Context, url string) error {
	page := p.page.Context(ctx)
	if err := page.Navigate(url); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("failed to wait for load of %s: %w", url, err)
	}
	return nil
}

func (p *rodPage) HTML(ctx context.Context) (string, error) {
	html, err := p.page.Context(ctx).HTML()
	if err != nil {
		return "", fmt.Errorf("failed to read page HTML: %w", err)
	}
	return html, nil
}

func (p *rodPage) Eval(ctx context.Context, js string) (string, error) {
	obj, err := p.page.Context(ctx).Eval(js)
	if err != nil {
		return "", fmt.Errorf("failed to evaluate script: %w", err)
	}
	return obj.Value.Str(), nil
}

func (p *rodPage) Click(ctx context.Context, selector string) error {
	el, err := p.page.Context(ctx).Element(selector)
	if err != nil {
		return fmt.Errorf("failed to find %s: %w", selector, err)
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("failed to click %s: %w", selector, err)
	}
	return nil
}

var keyMap = map[string]input.Key{
	"ArrowRight": input.ArrowRight,
	"ArrowLeft":  input.ArrowLeft,
	"Escape":     input.Escape,
	"Enter":      input.Enter,
}

func (p *rodPage) Press(ctx context.Context, key string) error {
	k, ok := keyMap[key]
	if !ok {
		return fmt.Errorf("unsupported key: %s", key)
	}
	if err := p.page.Context(ctx).Keyboard.Press(k); err != nil {
		return fmt.Errorf("failed to press %s: %w", key, err)
	}
	return nil
}

func (p *rodPage) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	el, err := p.page.Context(ctx).Timeout(timeout).Element(selector)
	if err != nil {
		return fmt.Errorf("failed to find %s: %w", selector, err)
	}
	if err := el.WaitVisible(); err != nil {
		return fmt.Errorf("failed to wait for %s: %w", selector, err)
	}
	return nil
}

func (p *rodPage) ScrollBy(ctx context.Context, pixels int) error {
	_, err := p.page.Context(ctx).Eval(fmt.Sprintf(`() => window.scrollBy(0, %d)`, pixels))
	if err != nil {
		return fmt.Errorf("failed to scroll: %w", err)
	}
	return nil
}

func (p *rodPage) Count(ctx context.Context, selector string) (int, error) {
	obj, err := p.page.Context(ctx).Eval(fmt.Sprintf(`() => document.querySelectorAll(%q).length`, selector))
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", selector, err)
	}
	return obj.Value.Int(), nil
}

func (p *rodPage) Cookies(ctx context.Context) ([]Cookie, error) {
	raw, err := p.page.Context(ctx).Cookies(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read cookies: %w", err)
	}

	cookies := make([]Cookie, 0, len(raw))
	for _, c := range raw {
		cookies = append(cookies, Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  time.Unix(int64(c.Expires), 0),
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		})
	}
	return cookies, nil
}

func (p *rodPage) SetCookies(ctx context.Context, cookies []Cookie) error {
	params := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, c := range cookies {
		params = append(params, &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  proto.TimeSinceEpoch(c.Expires.Unix()),
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		})
	}
	if err := p.page.Context(ctx).SetCookies(params); err != nil {
		return fmt.Errorf("failed to set cookies: %w", err)
	}
	return nil
}

func (p *rodPage) Close() error {
	return p.page.Close()
}
