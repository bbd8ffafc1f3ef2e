package collyprobe

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"
)

func TestExistsByStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.UserAgent() != "probe-agent" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		switch r.URL.Path {
		case "/products/missing":
			w.WriteHeader(http.StatusNotFound)
		case "/products/retired":
			w.WriteHeader(http.StatusGone)
		case "/products/broken":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			_, _ = w.Write([]byte("<h1>ok</h1>"))
		}
	}))
	defer srv.Close()

	p := New(Config{UserAgent: "probe-agent", Timeout: time.Second})
	tests := map[string]bool{
		"/products/42":      true,
		"/products/missing": false,
		"/products/retired": false,
		"/products/broken":  true,
	}
	for path, want := range tests {
		got, err := p.Exists(context.Background(), srv.URL+path)
		require.NoError(t, err, path)
		require.Equal(t, want, got, path)
	}
}

func TestExistsReportsTransportErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := New(Config{Timeout: time.Second}).Exists(context.Background(), url+"/products/1")
	require.Error(t, err)
}

func TestExistsHonorsContext(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { <-release }))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := New(Config{Timeout: 5 * time.Second}).Exists(ctx, srv.URL)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConfigureHooks(t *testing.T) {
	t.Parallel()

	hooks := &stubHooks{}
	var res outcome
	configureHooks(hooks, &res)

	hooks.onError(&colly.Response{StatusCode: http.StatusNotFound}, errors.New("Not Found"))
	require.Equal(t, http.StatusNotFound, res.status)

	res = outcome{}
	hooks.onError(nil, errors.New("dial tcp: refused"))
	require.Zero(t, res.status)
	require.EqualError(t, res.err, "dial tcp: refused")
}

type stubHooks struct {
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) { s.onResponse = cb }

func (s *stubHooks) OnError(cb colly.ErrorCallback) { s.onError = cb }
