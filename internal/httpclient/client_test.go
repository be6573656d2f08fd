package httpclient

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("nil config", func(t *testing.T) {
		client := newTestClient(t, nil)
		assert.Equal(t, DefaultTimeout, client.defaultTimeout)
		assert.Equal(t, defaultUserAgent, client.userAgent)
	})

	t.Run("custom config", func(t *testing.T) {
		cfg := Config{DefaultTimeout: 5 * time.Second, UserAgent: "wowsync-test/1.0"}
		client := newTestClient(t, &cfg)
		assert.Equal(t, 5*time.Second, client.defaultTimeout)
		assert.Equal(t, "wowsync-test/1.0", client.userAgent)
		assert.Empty(t, cfg.Transport, "caller config must not be modified")
	})

	t.Run("custom transport", func(t *testing.T) {
		mock := httpmock.NewMockTransport()
		mock.RegisterResponder(http.MethodGet, "https://api.example/ping", httpmock.NewStringResponder(http.StatusOK, "pong"))

		client := newTestClient(t, &Config{Transport: mock})
		resp, err := client.Get(t.Context(), "https://api.example/ping")
		require.NoError(t, err)
		defer closeResponseBody(t, resp)

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, "pong", string(body))
		assert.Equal(t, 1, mock.GetTotalCallCount())
	})
}

func TestDo_UserAgentAndAccept(t *testing.T) {
	var ua, accept string
	server := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		ua = r.Header.Get("User-Agent")
		accept = r.Header.Get("Accept")
		w.WriteHeader(http.StatusOK)
	})

	client := newTestClient(t, &Config{UserAgent: "CustomAgent/2.0"})
	resp, err := client.Get(t.Context(), server.URL)
	require.NoError(t, err)
	defer closeResponseBody(t, resp)

	assert.Equal(t, "CustomAgent/2.0", ua)
	assert.Equal(t, "application/json", accept)
}

func TestDo_ContextCancellation(t *testing.T) {
	server := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
		w.WriteHeader(http.StatusOK)
	})

	client := newTestClient(t, nil)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	resp, err := client.Get(ctx, server.URL)
	defer closeResponseBody(t, resp)

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDo_DefaultTimeout(t *testing.T) {
	server := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	})

	client := newTestClient(t, &Config{DefaultTimeout: 50 * time.Millisecond})

	resp, err := client.Get(t.Context(), server.URL)
	defer closeResponseBody(t, resp)

	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDo_BodyReadableAfterReturn(t *testing.T) {
	server := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		_, _ = w.Write([]byte(`{"total_results":`))
		if flusher != nil {
			flusher.Flush()
		}
		time.Sleep(20 * time.Millisecond)
		_, _ = w.Write([]byte(`0}`))
	})

	// The default timeout context must stay alive until the body is closed
	client := newTestClient(t, &Config{DefaultTimeout: time.Second})
	resp, err := client.Get(t.Context(), server.URL)
	require.NoError(t, err)
	defer closeResponseBody(t, resp)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"total_results":0}`, string(body))
}

func TestDo_ContextTimeoutOverridesDefault(t *testing.T) {
	server := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(20 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	})

	client := newTestClient(t, &Config{DefaultTimeout: 10 * time.Millisecond})

	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()

	resp, err := client.Get(ctx, server.URL)
	require.NoError(t, err, "request should succeed with context timeout")
	defer closeResponseBody(t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDo_Hooks(t *testing.T) {
	server := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer abc", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusAccepted)
	})

	client := newTestClient(t, nil)

	var status int
	var elapsed time.Duration
	client.SetBeforeRequestHook(func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer abc")
	})
	client.SetAfterResponseHook(func(_ *http.Request, resp *http.Response, err error, d time.Duration) {
		require.NoError(t, err)
		status = resp.StatusCode
		elapsed = d
	})

	resp, err := client.Get(t.Context(), server.URL)
	require.NoError(t, err)
	defer closeResponseBody(t, resp)

	assert.Equal(t, http.StatusAccepted, status)
	assert.Positive(t, elapsed)
}

func TestSend_BodyTypes(t *testing.T) {
	type seen struct {
		method, contentType, body string
	}
	got := make(chan seen, 4)
	server := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got <- seen{r.Method, r.Header.Get("Content-Type"), string(b)}
		w.WriteHeader(http.StatusOK)
	})

	client := newTestClient(t, nil)

	tests := []struct {
		name   string
		method string
		ct     string
		body   any
		want   seen
	}{
		{"json value", http.MethodPost, "", map[string]int{"id": 5}, seen{http.MethodPost, "application/json", `{"id":5}`}},
		{"string", http.MethodPut, "text/plain", "hello", seen{http.MethodPut, "text/plain", "hello"}},
		{"reader", http.MethodPost, "application/octet-stream", strings.NewReader("raw"), seen{http.MethodPost, "application/octet-stream", "raw"}},
		{"nil", http.MethodDelete, "", nil, seen{http.MethodDelete, "", ""}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := client.Send(t.Context(), tt.method, server.URL, tt.ct, tt.body)
			require.NoError(t, err)
			closeResponseBody(t, resp)
			assert.Equal(t, tt.want, <-got)
		})
	}

	_, err := client.Send(t.Context(), http.MethodPost, server.URL, "", make(chan int))
	assert.Error(t, err, "unmarshalable body")
}

func TestClose(t *testing.T) {
	client := New(nil)
	client.Close()
	client.Close()
}
