package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/st-keller/openpanel-client/collector"
	"github.com/st-keller/openpanel-client/payload"
	"github.com/st-keller/openpanel-client/standard"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return nil
}

func TestFetchDeliversWithHeaders(t *testing.T) {
	c := collector.New()
	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	api := New(Config{
		BaseURL: srv.URL,
		DefaultHeaders: map[string]string{
			"openpanel-client-id":   "client-1",
			"openpanel-sdk-name":    "go",
			"openpanel-sdk-version": "0.1.0",
			"user-agent":            "test-agent",
		},
		HTTPClient: srv.Client(),
	})

	err := api.Fetch(context.Background(), "/track", payload.Track{Name: "a"}, map[string]string{"openpanel-client-secret": "s3cret"})
	require.NoError(t, err)

	events := c.Events()
	require.Len(t, events, 1)
	h := events[0].Headers
	assert.Equal(t, "application/json", h["Content-Type"])
	assert.Equal(t, "client-1", h["openpanel-client-id"])
	assert.Equal(t, "go", h["openpanel-sdk-name"])
	assert.Equal(t, "0.1.0", h["openpanel-sdk-version"])
	assert.Equal(t, "test-agent", h["User-Agent"])
	assert.Equal(t, "s3cret", h["openpanel-client-secret"])
}

func TestFetchRetriesTransportFailures(t *testing.T) {
	var attempts atomic.Int32
	client := &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		attempts.Add(1)
		return nil, errors.New("connection refused")
	})}

	rec := &sleepRecorder{}
	tracker := standard.NewConnectivityTracker()
	api := New(Config{
		BaseURL:           "http://collector.invalid",
		MaxRetries:        3,
		InitialRetryDelay: 500 * time.Millisecond,
		HTTPClient:        client,
	}, WithSleep(rec.sleep), WithConnectivity(tracker))

	err := api.Fetch(context.Background(), "/track", payload.Track{Name: "a"}, nil)

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 4, te.Attempts)
	assert.ErrorIs(t, err, ErrDelivery)
	assert.EqualValues(t, 4, attempts.Load())
	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}, rec.delays)

	stats := tracker.Snapshot()
	require.Len(t, stats, 1)
	assert.Equal(t, 4, stats[0].Attempts)
}

func TestFetchRecoversAfterTransientFailure(t *testing.T) {
	c := collector.New()
	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	var attempts atomic.Int32
	base := srv.Client().Transport
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if attempts.Add(1) == 1 {
			return nil, errors.New("reset by peer")
		}
		return base.RoundTrip(r)
	})}

	rec := &sleepRecorder{}
	api := New(Config{BaseURL: srv.URL, DefaultHeaders: map[string]string{"openpanel-client-id": "c"}, HTTPClient: client}, WithSleep(rec.sleep))

	require.NoError(t, api.Fetch(context.Background(), "/track", payload.Track{Name: "a"}, nil))
	assert.Len(t, c.Events(), 1)
	assert.Equal(t, []time.Duration{DefaultInitialRetryDelay}, rec.delays)
}

func TestFetchDoesNotRetryStatusFailure(t *testing.T) {
	c := collector.New()
	c.FailNext(http.StatusBadRequest, 1)
	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	rec := &sleepRecorder{}
	api := New(Config{BaseURL: srv.URL, HTTPClient: srv.Client()}, WithSleep(rec.sleep))

	err := api.Fetch(context.Background(), "/track", payload.Track{Name: "a"}, nil)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.StatusCode)
	assert.Equal(t, 1, c.Requests())
	assert.Empty(t, rec.delays)
}

func TestFetchSerializationFailure(t *testing.T) {
	var attempts atomic.Int32
	client := &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		attempts.Add(1)
		return nil, errors.New("unreachable")
	})}
	api := New(Config{BaseURL: "http://collector.invalid", HTTPClient: client})

	err := api.Fetch(context.Background(), "/track", nil, nil)

	var se *SerializationError
	require.ErrorAs(t, err, &se)
	assert.ErrorIs(t, err, payload.ErrInvalidPayload)
	assert.Zero(t, attempts.Load())
}

func TestFetchNoRetriesWhenDisabled(t *testing.T) {
	var attempts atomic.Int32
	client := &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		attempts.Add(1)
		return nil, errors.New("timeout")
	})}
	api := New(Config{BaseURL: "http://collector.invalid", MaxRetries: -1, HTTPClient: client})

	err := api.Fetch(context.Background(), "/track", payload.Track{Name: "a"}, nil)

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 1, te.Attempts)
	assert.EqualValues(t, 1, attempts.Load())
}

func TestFetchStopsRetryingOnCancel(t *testing.T) {
	client := &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		return nil, errors.New("down")
	})}
	ctx, cancel := context.WithCancel(context.Background())
	api := New(Config{BaseURL: "http://collector.invalid", HTTPClient: client}, WithSleep(func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}))

	err := api.Fetch(ctx, "/track", payload.Track{Name: "a"}, nil)

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 1, te.Attempts)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestUpdateConfigAppliesToNextCall(t *testing.T) {
	first := collector.New()
	srv1 := httptest.NewServer(first.Handler())
	defer srv1.Close()
	second := collector.New()
	srv2 := httptest.NewServer(second.Handler())
	defer srv2.Close()

	api := New(Config{BaseURL: srv1.URL, DefaultHeaders: map[string]string{"openpanel-client-id": "one"}})
	require.NoError(t, api.Fetch(context.Background(), "/track", payload.Track{Name: "a"}, nil))

	api.UpdateConfig(Config{BaseURL: srv2.URL, DefaultHeaders: map[string]string{"openpanel-client-id": "two"}})
	require.NoError(t, api.Fetch(context.Background(), "/track", payload.Track{Name: "b"}, nil))

	require.Len(t, first.Events(), 1)
	require.Len(t, second.Events(), 1)
	assert.Equal(t, "two", second.Events()[0].Headers["openpanel-client-id"])
	assert.Equal(t, srv2.URL, api.BaseURL())
}

func TestRetryDelay(t *testing.T) {
	assert.Equal(t, 500*time.Millisecond, retryDelay(500*time.Millisecond, 0))
	assert.Equal(t, 4*time.Second, retryDelay(500*time.Millisecond, 3))
	assert.Zero(t, retryDelay(0, 3))
	assert.Positive(t, retryDelay(time.Hour, 100))
}

func TestBuildHTTPClient(t *testing.T) {
	client, err := BuildHTTPClient(TLSFiles{})
	require.NoError(t, err)
	assert.Equal(t, DefaultRequestTimeout, client.Timeout)

	_, err = BuildHTTPClient(TLSFiles{CertPath: "client.pem"})
	assert.Error(t, err)

	_, err = BuildHTTPClient(TLSFiles{CAPath: "/nonexistent/ca.pem"})
	assert.Error(t, err)
}

func TestPreparedDeliveryKeepsItsConfiguration(t *testing.T) {
	first := collector.New()
	srv1 := httptest.NewServer(first.Handler())
	defer srv1.Close()
	second := collector.New()
	srv2 := httptest.NewServer(second.Handler())
	defer srv2.Close()

	api := New(Config{BaseURL: srv1.URL, DefaultHeaders: map[string]string{"openpanel-client-id": "one"}})
	d, err := api.Prepare("/track", payload.Track{Name: "a"}, nil)
	require.NoError(t, err)

	api.UpdateConfig(Config{BaseURL: srv2.URL, DefaultHeaders: map[string]string{"openpanel-client-id": "two"}})
	require.NoError(t, d.Run(context.Background()))

	require.Len(t, first.Events(), 1)
	assert.Equal(t, "one", first.Events()[0].Headers["openpanel-client-id"])
	assert.Zero(t, second.Requests())
}

func TestDeliveryRunContinuesAfterFailedAttempt(t *testing.T) {
	var attempts atomic.Int32
	client := &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		attempts.Add(1)
		return nil, errors.New("connection refused")
	})}
	rec := &sleepRecorder{}
	api := New(Config{BaseURL: "http://collector.invalid", MaxRetries: 2, HTTPClient: client}, WithSleep(rec.sleep))

	d, err := api.Prepare("/track", payload.Track{Name: "a"}, nil)
	require.NoError(t, err)

	require.Error(t, d.Attempt(context.Background()))
	assert.True(t, d.Retryable(context.Background()))
	assert.Equal(t, 1, d.Attempts())

	err = d.Run(context.Background())
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 3, te.Attempts)
	assert.EqualValues(t, 3, attempts.Load())
	assert.Equal(t, []time.Duration{DefaultInitialRetryDelay, 2 * DefaultInitialRetryDelay}, rec.delays)
	assert.False(t, d.Retryable(context.Background()))
}

func TestUpdateConfigNeverReusesPreviousClient(t *testing.T) {
	custom := &http.Client{Timeout: time.Second}
	api := New(Config{BaseURL: "https://one.example", HTTPClient: custom})
	assert.Same(t, custom, api.current.http)

	api.UpdateConfig(Config{BaseURL: "https://two.example"})
	assert.NotSame(t, custom, api.current.http)
	assert.Equal(t, DefaultRequestTimeout, api.current.http.Timeout)
}

func TestDefaultHTTPClientNegotiatesHTTP2(t *testing.T) {
	client := DefaultHTTPClient()
	tr, ok := client.Transport.(*http.Transport)
	require.True(t, ok)
	assert.Contains(t, tr.TLSClientConfig.NextProtos, "h2")
	assert.Nil(t, tr.TLSClientConfig.RootCAs)
	assert.Empty(t, tr.TLSClientConfig.Certificates)
}
