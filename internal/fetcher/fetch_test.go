package fetcher_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/voyagen/mayotv/internal/fetcher"
)

type country struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

type upstream struct {
	srv  *httptest.Server
	hits atomic.Int32
}

func newUpstream(t *testing.T, h http.HandlerFunc) *upstream {
	t.Helper()
	u := &upstream{}
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.hits.Add(1)
		h(w, r)
	}))
	t.Cleanup(u.srv.Close)
	return u
}

func respond(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
}

func TestFetchJSON_Primary(t *testing.T) {
	t.Parallel()

	primary := newUpstream(t, respond(http.StatusOK, `[{"code":"FR","name":"France"}]`))
	fallback := newUpstream(t, respond(http.StatusOK, `[]`))

	got, err := fetcher.FetchJSON[[]country](context.Background(), fetcher.New(), primary.srv.URL, "countries", []string{fallback.srv.URL})
	require.NoError(t, err)
	require.Equal(t, []country{{Code: "FR", Name: "France"}}, got)
	require.Zero(t, fallback.hits.Load())
}

func TestFetchJSON_FallbackOrder(t *testing.T) {
	t.Parallel()

	primary := newUpstream(t, respond(http.StatusInternalServerError, `boom`))
	a := newUpstream(t, respond(http.StatusOK, `<html>not json</html>`))
	b := newUpstream(t, respond(http.StatusOK, `[{"code":"DE","name":"Germany"}]`))
	c := newUpstream(t, respond(http.StatusOK, `[]`))

	got, err := fetcher.FetchJSON[[]country](context.Background(), fetcher.New(), primary.srv.URL, "countries",
		[]string{a.srv.URL, b.srv.URL, c.srv.URL})
	require.NoError(t, err)
	require.Equal(t, "Germany", got[0].Name)

	require.Equal(t, int32(1), primary.hits.Load())
	require.Equal(t, int32(1), a.hits.Load())
	require.Equal(t, int32(1), b.hits.Load())
	require.Zero(t, c.hits.Load(), "nothing after the first success is attempted")
}

func TestFetchJSON_AllFail(t *testing.T) {
	t.Parallel()

	primary := newUpstream(t, respond(http.StatusBadGateway, ``))
	fallback := newUpstream(t, respond(http.StatusNotFound, ``))

	_, err := fetcher.FetchJSON[[]country](context.Background(), fetcher.New(), primary.srv.URL, "languages", []string{fallback.srv.URL})
	require.Error(t, err)

	var rfe *fetcher.ResourceFetchError
	require.True(t, errors.As(err, &rfe))
	require.Equal(t, "languages", rfe.Resource)
	require.Equal(t, 2, rfe.Attempts)

	var se *fetcher.StatusError
	require.True(t, errors.As(err, &se))
	require.Equal(t, http.StatusNotFound, se.StatusCode, "last error is surfaced")
}

func TestFetchJSON_NoSources(t *testing.T) {
	t.Parallel()

	_, err := fetcher.FetchJSON[[]country](context.Background(), fetcher.New(), "", "logos", nil)
	require.ErrorIs(t, err, fetcher.ErrNoSources)
}

func TestFetchJSON_TimeoutAdvancesToFallback(t *testing.T) {
	t.Parallel()

	slow := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	fast := newUpstream(t, respond(http.StatusOK, `[{"code":"ES","name":"Spain"}]`))

	client := fetcher.New(fetcher.WithTimeout(50 * time.Millisecond))
	got, err := fetcher.FetchJSON[[]country](context.Background(), client, slow.srv.URL, "countries", []string{fast.srv.URL})
	require.NoError(t, err)
	require.Equal(t, "Spain", got[0].Name)
}

func TestFetchJSON_SendsUserAgent(t *testing.T) {
	t.Parallel()

	var ua atomic.Value
	srv := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		ua.Store(r.UserAgent())
		respond(http.StatusOK, `[]`)(w, r)
	})

	_, err := fetcher.FetchJSON[[]country](context.Background(), fetcher.New(fetcher.WithUserAgent("mayo-test/2")), srv.srv.URL, "countries", nil)
	require.NoError(t, err)
	require.Equal(t, "mayo-test/2", ua.Load())
}

func TestFetchJSON_CancelledContext(t *testing.T) {
	t.Parallel()

	srv := newUpstream(t, respond(http.StatusOK, `[]`))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := fetcher.FetchJSON[[]country](ctx, fetcher.New(), srv.srv.URL, "countries", nil)
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, srv.hits.Load())
}

func TestFetchJSON_BreakerSkipsFailingHost(t *testing.T) {
	t.Parallel()

	primary := newUpstream(t, respond(http.StatusServiceUnavailable, ``))
	fallback := newUpstream(t, respond(http.StatusOK, `[]`))

	client := fetcher.New(fetcher.WithBreaker(fetcher.BreakerConfig{
		Enabled:          true,
		FailureThreshold: 1,
		Timeout:          time.Minute,
	}))

	for range 3 {
		_, err := fetcher.FetchJSON[[]country](context.Background(), client, primary.srv.URL, "countries", []string{fallback.srv.URL})
		require.NoError(t, err)
	}

	require.Equal(t, int32(1), primary.hits.Load(), "open breaker short-circuits the host")
	require.Equal(t, int32(3), fallback.hits.Load())
}

func TestResourceCandidates(t *testing.T) {
	t.Parallel()

	r := fetcher.Resource{Name: "streams", URL: "https://a", Fallbacks: []string{"", "https://b"}}
	require.Equal(t, []string{"https://a", "https://b"}, r.Candidates())
}
