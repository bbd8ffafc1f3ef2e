// Package collyprobe checks product URLs over plain HTTP so missing products
// can be recorded without a browser navigation.
package collyprobe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

const defaultTimeout = 10 * time.Second

// Probe implements the extractor's not-found probe using a Colly collector.
type Probe struct {
	cfg       Config
	collector *colly.Collector
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Probe.
func New(cfg Config) *Probe {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.IgnoreRobotsTxt = true
	c.WithTransport(newHTTPTransport())
	return &Probe{cfg: cfg, collector: c}
}

// Exists reports false only when the server answers 404 or 410. Any other
// response means the page should be loaded in the browser.
func (p *Probe) Exists(ctx context.Context, url string) (bool, error) {
	collector := p.collector.Clone()
	if p.cfg.UserAgent != "" {
		collector.UserAgent = p.cfg.UserAgent
	}
	collector.SetRequestTimeout(p.cfg.Timeout)

	var res outcome
	configureHooks(collector, &res)

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return false, fmt.Errorf("probe canceled: %w", ctx.Err())
	case err := <-done:
		if res.status != 0 {
			return !gone(res.status), nil
		}
		if err == nil {
			err = res.err
		}
		if err == nil {
			err = errors.New("no response")
		}
		return false, fmt.Errorf("probe %s: %w", url, err)
	}
}

type outcome struct {
	status int
	err    error
}

func configureHooks(hooks collectorHooks, res *outcome) {
	hooks.OnResponse(func(r *colly.Response) {
		res.status = r.StatusCode
	})
	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			res.status = r.StatusCode
			return
		}
		res.err = err
	})
}

func gone(status int) bool {
	return status == http.StatusNotFound || status == http.StatusGone
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
