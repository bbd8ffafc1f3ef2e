// Package chromedp provides authenticated browser sessions backed by
// headless Chrome.
package chromedp

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/harvest"
)

// Flow holds the selectors of the login sequence. Zero fields fall back to
// DefaultFlow.
type Flow struct {
	LoginPath    string
	AcceptCookie string
	OpenLogin    string
	Email        string
	EmailSubmit  string
	Password     string
	SignIn       string
	StaySignedNo string
	LoggedIn     string
}

// DefaultFlow is the shop's login sequence.
var DefaultFlow = Flow{
	LoginPath:    "/pt-BR/login",
	AcceptCookie: "#onetrust-accept-btn-handler",
	OpenLogin:    "//button[contains(., 'Conecte-se')]",
	Email:        "//input[@type='email']",
	EmailSubmit:  "//input[@type='submit']",
	Password:     "//input[@type='password']",
	SignIn:       "#idSIButton9",
	StaySignedNo: "#idBtn_Back",
	LoggedIn:     "//p[contains(., 'Welcome') and .//b[text()='Vendas']]",
}

func (f Flow) withDefaults() Flow {
	d := DefaultFlow
	pick := func(v, def string) string {
		if v != "" {
			return v
		}
		return def
	}
	return Flow{
		LoginPath:    pick(f.LoginPath, d.LoginPath),
		AcceptCookie: pick(f.AcceptCookie, d.AcceptCookie),
		OpenLogin:    pick(f.OpenLogin, d.OpenLogin),
		Email:        pick(f.Email, d.Email),
		EmailSubmit:  pick(f.EmailSubmit, d.EmailSubmit),
		Password:     pick(f.Password, d.Password),
		SignIn:       pick(f.SignIn, d.SignIn),
		StaySignedNo: pick(f.StaySignedNo, d.StaySignedNo),
		LoggedIn:     pick(f.LoggedIn, d.LoggedIn),
	}
}

// Config controls the provider.
type Config struct {
	BaseURL  string
	Username string
	Password string
	// StepTimeout bounds each element wait in the login sequence.
	StepTimeout time.Duration
	// LoginTimeout bounds the whole login.
	LoginTimeout time.Duration
	UserAgent    string
	Flow         Flow
	// ExecPath overrides the browser binary.
	ExecPath string
}

const (
	defaultStepTimeout  = 15 * time.Second
	defaultLoginTimeout = 60 * time.Second
	windowWidth         = 1200
	windowHeight        = 800
)

// ErrMissingCredentials is returned when username or password is empty.
var ErrMissingCredentials = errors.New("session credentials are required")

// Provider implements harvest.SessionProvider. Every session owns its own
// browser process.
type Provider struct {
	cfg    Config
	logger *zap.Logger

	mu   sync.Mutex
	live map[*Session]struct{}
}

// New validates cfg and builds a Provider.
func New(cfg Config, logger *zap.Logger) (*Provider, error) {
	if cfg.Username == "" || cfg.Password == "" {
		return nil, ErrMissingCredentials
	}
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base url %q: %w", cfg.BaseURL, err)
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = defaultStepTimeout
	}
	if cfg.LoginTimeout <= 0 {
		cfg.LoginTimeout = defaultLoginTimeout
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.Flow = cfg.Flow.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{cfg: cfg, logger: logger.Named("session"), live: make(map[*Session]struct{})}, nil
}

// Acquire launches a browser and logs in. ctx bounds only the login; the
// returned session lives until Close.
func (p *Provider) Acquire(ctx context.Context, headless bool) (harvest.Session, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), p.allocatorOptions(headless)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	release := func() {
		browserCancel()
		allocCancel()
	}

	loginCtx, cancel := context.WithTimeout(browserCtx, p.cfg.LoginTimeout)
	stop := context.AfterFunc(ctx, cancel)
	defer func() {
		stop()
		cancel()
	}()

	p.logger.Info("starting login", zap.Bool("headless", headless))
	if err := chromedp.Run(loginCtx, p.loginActions()...); err != nil {
		release()
		return nil, fmt.Errorf("login: %w", err)
	}
	p.logger.Info("login succeeded")

	s := &Session{ctx: browserCtx, release: release, provider: p}
	p.mu.Lock()
	p.live[s] = struct{}{}
	p.mu.Unlock()
	return s, nil
}

// Live reports how many sessions are open.
func (p *Provider) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live)
}

// CloseAll tears down every open browser. Used at wind-down for sessions
// whose worker never returned.
func (p *Provider) CloseAll() {
	p.mu.Lock()
	sessions := make([]*Session, 0, len(p.live))
	for s := range p.live {
		sessions = append(sessions, s)
	}
	p.mu.Unlock()
	for _, s := range sessions {
		_ = s.Close()
	}
	if len(sessions) > 0 {
		p.logger.Info("closed leftover browser sessions", zap.Int("count", len(sessions)))
	}
}

func (p *Provider) forget(s *Session) {
	p.mu.Lock()
	delete(p.live, s)
	p.mu.Unlock()
}

func (p *Provider) allocatorOptions(headless bool) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", false),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("log-level", "3"),
		chromedp.NoSandbox,
		chromedp.WindowSize(windowWidth, windowHeight),
	)
	if headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	}
	if p.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(p.cfg.ExecPath))
	}
	return opts
}

func (p *Provider) loginActions() []chromedp.Action {
	f := p.cfg.Flow
	actions := []chromedp.Action{}
	if p.cfg.UserAgent != "" {
		actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
			return emulation.SetUserAgentOverride(p.cfg.UserAgent).Do(ctx)
		}))
	}
	return append(actions,
		chromedp.Navigate(p.cfg.BaseURL+f.LoginPath),
		p.step("accept cookies", clickWhenVisible(f.AcceptCookie)),
		p.step("open login", clickWhenVisible(f.OpenLogin)),
		p.step("enter email", typeWhenVisible(f.Email, p.cfg.Username)),
		p.step("submit email", clickWhenVisible(f.EmailSubmit)),
		p.step("enter password", typeWhenVisible(f.Password, p.cfg.Password)),
		p.step("sign in", clickWhenVisible(f.SignIn)),
		p.step("decline stay signed in", clickWhenVisible(f.StaySignedNo)),
		p.stepWithin("confirm login", 2*p.cfg.StepTimeout, chromedp.WaitVisible(f.LoggedIn, by(f.LoggedIn))),
	)
}

func (p *Provider) step(name string, actions ...chromedp.Action) chromedp.Action {
	return p.stepWithin(name, p.cfg.StepTimeout, actions...)
}

func (p *Provider) stepWithin(name string, timeout time.Duration, actions ...chromedp.Action) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := chromedp.Run(stepCtx, actions...); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		return nil
	})
}

func clickWhenVisible(sel string) chromedp.Action {
	return chromedp.Tasks{
		chromedp.WaitVisible(sel, by(sel)),
		chromedp.Click(sel, by(sel)),
	}
}

func typeWhenVisible(sel, text string) chromedp.Action {
	return chromedp.Tasks{
		chromedp.WaitVisible(sel, by(sel)),
		chromedp.SendKeys(sel, text, by(sel)),
	}
}

// by picks XPath search for selectors starting with "/" and CSS otherwise.
func by(sel string) chromedp.QueryOption {
	if strings.HasPrefix(sel, "/") || strings.HasPrefix(sel, "(") {
		return chromedp.BySearch
	}
	return chromedp.ByQuery
}

// Session is one logged-in browser.
type Session struct {
	ctx      context.Context
	release  func()
	provider *Provider
	once     sync.Once
}

// Context returns the browser tab context. It is done once the browser dies
// or the session is closed.
func (s *Session) Context() context.Context { return s.ctx }

// Close shuts the browser down. Safe to call more than once.
func (s *Session) Close() error {
	s.once.Do(func() {
		s.release()
		if s.provider != nil {
			s.provider.forget(s)
		}
	})
	return nil
}
