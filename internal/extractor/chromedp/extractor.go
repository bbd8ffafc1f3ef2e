// Package chromedp extracts product records from the shop using a logged-in
// browser session.
package chromedp

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/harvest"
)

// Config controls page locations and waits.
type Config struct {
	BaseURL string
	// ProductPath is a format string taking the identifier.
	ProductPath    string
	LandingTimeout time.Duration
	TabTimeout     time.Duration
	PriceTimeout   time.Duration
	PollInterval   time.Duration
}

const (
	defaultProductPath    = "/en-GB/products/%s"
	defaultLandingTimeout = 10 * time.Second
	defaultTabTimeout     = 10 * time.Second
	defaultPriceTimeout   = 15 * time.Second
	defaultPollInterval   = 200 * time.Millisecond
)

// Probe reports whether a product URL exists without a browser.
type Probe interface {
	Exists(ctx context.Context, url string) (bool, error)
}

// Pacer spaces requests across every worker.
type Pacer interface {
	Wait(ctx context.Context) error
}

// tabSession is a session exposing its browser tab.
type tabSession interface {
	harvest.Session
	Context() context.Context
}

// Extractor implements harvest.Extractor.
type Extractor struct {
	cfg    Config
	probe  Probe
	pacer  Pacer
	logger *zap.Logger
}

// New builds an Extractor. probe may be nil.
func New(cfg Config, probe Probe, logger *zap.Logger) *Extractor {
	if cfg.ProductPath == "" {
		cfg.ProductPath = defaultProductPath
	}
	if cfg.LandingTimeout <= 0 {
		cfg.LandingTimeout = defaultLandingTimeout
	}
	if cfg.TabTimeout <= 0 {
		cfg.TabTimeout = defaultTabTimeout
	}
	if cfg.PriceTimeout <= 0 {
		cfg.PriceTimeout = defaultPriceTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{cfg: cfg, probe: probe, logger: logger.Named("extractor")}
}

// WithPacer makes every product navigation wait on p first.
func (e *Extractor) WithPacer(p Pacer) *Extractor {
	e.pacer = p
	return e
}

// ProductURL is the page for identifier.
func (e *Extractor) ProductURL(identifier string) string {
	return e.cfg.BaseURL + fmt.Sprintf(e.cfg.ProductPath, identifier)
}

// Process loads the product page and reads the pricing, taxes and product
// information tabs. Failures of a single tab are logged and leave its fields
// blank; a dead browser is reported as a transport failure.
func (e *Extractor) Process(ctx context.Context, session harvest.Session, task harvest.Task) (harvest.Result, error) {
	tab, ok := session.(tabSession)
	if !ok {
		return harvest.Result{}, fmt.Errorf("session %T has no browser tab", session)
	}
	logger := e.logger.With(zap.Int("row", task.Row), zap.String("identifier", task.Identifier))
	url := e.ProductURL(task.Identifier)

	if e.probe != nil {
		found, err := e.probe.Exists(ctx, url)
		switch {
		case err != nil:
			logger.Debug("not-found probe failed, using browser", zap.Error(err))
		case !found:
			logger.Info("product not found (probe)")
			return harvest.Result{Status: harvest.StatusNotFound}, nil
		}
	}

	if err := tab.Context().Err(); err != nil {
		return harvest.Result{}, harvest.Transport("session", err)
	}
	if e.pacer != nil {
		if err := e.pacer.Wait(ctx); err != nil {
			return harvest.Result{}, harvest.Transport("pace", err)
		}
	}
	runCtx, cancel := context.WithCancel(tab.Context())
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	dead := func() bool { return ctx.Err() != nil || tab.Context().Err() != nil }

	if err := chromedp.Run(runCtx, chromedp.Navigate(url)); err != nil {
		return harvest.Result{}, harvest.Transport("navigate", err)
	}

	var landing string
	if err := e.within(runCtx, e.cfg.LandingTimeout, e.poll(landingJS, &landing)); err != nil {
		if dead() {
			return harvest.Result{}, harvest.Transport("landing", err)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			logger.Warn("product page timed out")
			return harvest.Result{Status: harvest.StatusTimeout}, nil
		}
		return harvest.Result{Status: harvest.StatusFatalError, Detail: err.Error()}, nil
	}
	if landing == landingNotFound {
		logger.Info("product not found")
		return harvest.Result{Status: harvest.StatusNotFound}, nil
	}

	fields := map[string]string{
		harvest.ColumnCode: task.Identifier,
		"name":             strings.TrimSpace(strings.TrimPrefix(landing, landingNamePrefix)),
	}
	res := harvest.Result{Status: harvest.StatusAvailable, Fields: fields}

	if err := e.pricing(runCtx, fields); err != nil {
		if dead() {
			return harvest.Result{}, harvest.Transport("pricing", err)
		}
		var unavailable bool
		if evalErr := chromedp.Run(runCtx, chromedp.Evaluate(unavailableJS, &unavailable)); evalErr == nil && unavailable {
			logger.Info("product unavailable")
			res.Status = harvest.StatusUnavailable
			return res, nil
		}
		logger.Warn("pricing tab failed", zap.Error(err))
	}
	if err := e.taxes(runCtx, fields); err != nil {
		if dead() {
			return harvest.Result{}, harvest.Transport("taxes", err)
		}
		logger.Warn("taxes tab failed", zap.Error(err))
	}
	if err := e.info(runCtx, fields); err != nil {
		if dead() {
			return harvest.Result{}, harvest.Transport("info", err)
		}
		logger.Warn("product information tab failed", zap.Error(err))
	}
	logger.Debug("product extracted", zap.String("status", string(res.Status)))
	return res, nil
}

func (e *Extractor) pricing(ctx context.Context, fields map[string]string) error {
	if err := e.within(ctx, e.cfg.TabTimeout, e.clickTab("Pricing")); err != nil {
		return fmt.Errorf("open tab: %w", err)
	}
	var ready bool
	if err := e.within(ctx, e.cfg.PriceTimeout, e.poll(priceReadyJS, &ready)); err != nil {
		return fmt.Errorf("wait for prices: %w", err)
	}
	var cells []string
	if err := chromedp.Run(ctx, chromedp.Evaluate(textsJS(panelCells), &cells)); err != nil {
		return fmt.Errorf("read prices: %w", err)
	}
	return applyPricing(fields, cells)
}

func (e *Extractor) taxes(ctx context.Context, fields map[string]string) error {
	if err := e.within(ctx, e.cfg.TabTimeout, e.clickTab("Taxes")); err != nil {
		return fmt.Errorf("open tab: %w", err)
	}
	var ready bool
	if err := e.within(ctx, e.cfg.TabTimeout, e.poll(exists(panelTable), &ready)); err != nil {
		return fmt.Errorf("wait for table: %w", err)
	}
	var cells []string
	if err := chromedp.Run(ctx, chromedp.Evaluate(textsJS(taxCells), &cells)); err != nil {
		return fmt.Errorf("read taxes: %w", err)
	}
	applyTaxes(fields, cells)
	return nil
}

func (e *Extractor) info(ctx context.Context, fields map[string]string) error {
	if err := e.within(ctx, e.cfg.TabTimeout, e.clickTab("Product information")); err != nil {
		return fmt.Errorf("open tab: %w", err)
	}
	var ready bool
	if err := e.within(ctx, e.cfg.TabTimeout, e.poll(exists(panelTable), &ready)); err != nil {
		return fmt.Errorf("wait for table: %w", err)
	}
	var rows [][]string
	if err := chromedp.Run(ctx, chromedp.Evaluate(tableRowsJS, &rows)); err != nil {
		return fmt.Errorf("read information: %w", err)
	}
	applyInfo(fields, rows)
	return nil
}

func (e *Extractor) within(ctx context.Context, d time.Duration, actions ...chromedp.Action) error {
	stepCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return chromedp.Run(stepCtx, actions...)
}

func (e *Extractor) poll(expr string, res any) chromedp.Action {
	return chromedp.Poll(expr, res, chromedp.WithPollingInterval(e.cfg.PollInterval))
}

// clickTab waits for the tab button labeled label and clicks it via script,
// which works even when an overlay covers the button.
func (e *Extractor) clickTab(label string) chromedp.Action {
	var clicked bool
	xp := fmt.Sprintf("//button[contains(., %s)]", xpathLiteral(label))
	return e.poll(script(fmt.Sprintf(`const b = __x(%s); if (!b) return false; b.click(); return true;`, strconv.Quote(xp))), &clicked)
}

const (
	landingNotFound   = "notfound"
	landingNamePrefix = "name:"

	productName   = "//*[@id='__next']/div/div/div[1]/div[2]/section/div/div[1]/h1"
	notFoundTitle = "//h2[contains(., 'The server cannot find the requested resource.')]"
	noLongerAvail = "//*[contains(text(), 'The product is no longer available')]"
	cannotAdd     = "//h5[contains(., 'Product cannot be added to cart')]"
	panelCells    = "//div[@role='tabpanel']//td"
	panelTable    = "//div[@role='tabpanel']//table"
	taxCells      = "//div[@role='tabpanel']//td[@data-cy='informationTableCell']"
	firstPriceTD  = "(//div[@role='tabpanel']//td)[1][contains(., 'BRL') or contains(., 'R$')]"
)

const jsHelpers = `const __x = (p) => document.evaluate(p, document, null, XPathResult.FIRST_ORDERED_NODE_TYPE, null).singleNodeValue;
const __xs = (p) => { const r = document.evaluate(p, document, null, XPathResult.ORDERED_NODE_SNAPSHOT_TYPE, null); const out = []; for (let i = 0; i < r.snapshotLength; i++) out.push(r.snapshotItem(i)); return out; };`

func script(body string) string {
	return "(() => {\n" + jsHelpers + "\n" + body + "\n})()"
}

func exists(xp string) string {
	return script(fmt.Sprintf(`return __x(%s) !== null;`, strconv.Quote(xp)))
}

func textsJS(xp string) string {
	return script(fmt.Sprintf(`return __xs(%s).map((n) => n.innerText);`, strconv.Quote(xp)))
}

var (
	landingJS = script(fmt.Sprintf(`const n = __x(%s); if (n) return %s + n.innerText; if (__x(%s)) return %s; return null;`,
		strconv.Quote(productName), strconv.Quote(landingNamePrefix), strconv.Quote(notFoundTitle), strconv.Quote(landingNotFound)))
	priceReadyJS  = exists(firstPriceTD)
	unavailableJS = script(fmt.Sprintf(`return __x(%s) !== null || __x(%s) !== null;`, strconv.Quote(noLongerAvail), strconv.Quote(cannotAdd)))
	tableRowsJS   = script(fmt.Sprintf(`const t = __x(%s); if (!t) return []; return Array.from(t.querySelectorAll("tr")).map((tr) => Array.from(tr.querySelectorAll("td")).map((td) => td.innerText));`, strconv.Quote(panelTable)))
)

// xpathLiteral quotes s for use inside an XPath expression.
func xpathLiteral(s string) string {
	if !strings.Contains(s, "'") {
		return "'" + s + "'"
	}
	return `"` + s + `"`
}
