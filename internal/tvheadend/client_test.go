package tvheadend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const digestChallenge = `Digest realm="tvheadend", qop="auth", nonce="dcd98b7102dd2f0e8b11d0f600bfb0c093", opaque="5ccc069c403ebaf9f0171e9517f40e41"`

// requestLog records the Authorization scheme of each request a test server sees.
type requestLog struct {
	mu      sync.Mutex
	schemes []string
	paths   []string
}

func (l *requestLog) add(r *http.Request) {
	l.mu.Lock()
	defer l.mu.Unlock()

	scheme := "none"
	if auth := r.Header.Get("Authorization"); auth != "" {
		scheme = strings.ToLower(strings.SplitN(auth, " ", 2)[0])
	}
	l.schemes = append(l.schemes, scheme)
	l.paths = append(l.paths, r.URL.RequestURI())
}

func (l *requestLog) Schemes() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.schemes...)
}

func newTestClient(t *testing.T, url string, opts Options) *Client {
	t.Helper()
	client, err := NewClient(url, Credentials{Username: "user", Password: "secret"}, zap.NewNop(), opts)
	require.NoError(t, err)
	return client
}

// basicOnlyServer accepts only HTTP Basic with user/secret.
func basicOnlyServer(t *testing.T, log *requestLog, body string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.add(r)
		user, pass, ok := r.BasicAuth()
		if !ok || user != "user" || pass != "secret" {
			w.Header().Set("WWW-Authenticate", `Basic realm="tvheadend"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
}

func TestClient_FetchEPG(t *testing.T) {
	t.Run("returns entries for default limit", func(t *testing.T) {
		log := &requestLog{}
		server := basicOnlyServer(t, log, `{"entries":[{"id":1,"title":"News"}]}`)
		defer server.Close()

		client := newTestClient(t, server.URL, Options{})
		entries, err := client.FetchEPG(context.Background(), 0)
		require.NoError(t, err)
		require.Len(t, entries, 1)

		out, err := json.Marshal(entries)
		require.NoError(t, err)
		assert.JSONEq(t, `[{"id":1,"title":"News"}]`, string(out))

		log.mu.Lock()
		defer log.mu.Unlock()
		require.NotEmpty(t, log.paths)
		assert.Equal(t, "/api/epg/events/grid?limit=1000", log.paths[len(log.paths)-1])
	})

	t.Run("passes explicit limit", func(t *testing.T) {
		var gotLimit string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotLimit = r.URL.Query().Get("limit")
			_, _ = w.Write([]byte(`{"entries":[]}`))
		}))
		defer server.Close()

		client := newTestClient(t, server.URL, Options{})
		_, err := client.FetchEPG(context.Background(), 25)
		require.NoError(t, err)
		assert.Equal(t, "25", gotLimit)
	})

	t.Run("missing entries key is empty", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"totalCount":0}`))
		}))
		defer server.Close()

		client := newTestClient(t, server.URL, Options{})
		entries, err := client.FetchEPG(context.Background(), 0)
		require.NoError(t, err)
		assert.NotNil(t, entries)
		assert.Empty(t, entries)
	})

	t.Run("non-list entries is a request error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"entries":"nope"}`))
		}))
		defer server.Close()

		client := newTestClient(t, server.URL, Options{})
		_, err := client.FetchEPG(context.Background(), 0)
		require.Error(t, err)
		assert.True(t, IsRequestError(err))
	})
}

func TestClient_AuthFallback(t *testing.T) {
	t.Run("digest rejected then basic succeeds", func(t *testing.T) {
		log := &requestLog{}
		server := basicOnlyServer(t, log, `{"entries":[{"id":7}]}`)
		defer server.Close()

		client := newTestClient(t, server.URL, Options{})
		entries, err := client.FetchEPG(context.Background(), 0)
		require.NoError(t, err)
		assert.Len(t, entries, 1)

		// Digest strategy probes without credentials, basic follows.
		assert.Equal(t, []string{"none", "basic"}, log.Schemes())
	})

	t.Run("digest challenge answered", func(t *testing.T) {
		log := &requestLog{}
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log.add(r)
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Digest ") || !strings.Contains(auth, `username="user"`) {
				w.Header().Set("WWW-Authenticate", digestChallenge)
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_, _ = w.Write([]byte(`{"entries":[{"id":1},{"id":2}]}`))
		}))
		defer server.Close()

		client := newTestClient(t, server.URL, Options{})
		entries, err := client.FetchEPG(context.Background(), 0)
		require.NoError(t, err)
		assert.Len(t, entries, 2)
		assert.Equal(t, []string{"none", "digest"}, log.Schemes())
	})

	t.Run("both schemes rejected", func(t *testing.T) {
		log := &requestLog{}
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log.add(r)
			w.Header().Add("WWW-Authenticate", digestChallenge)
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer server.Close()

		client := newTestClient(t, server.URL, Options{})
		_, err := client.FetchEPG(context.Background(), 0)
		require.Error(t, err)

		var authErr *AuthError
		require.True(t, errors.As(err, &authErr))
		assert.Equal(t, []string{"digest", "basic"}, authErr.Schemes)
		assert.Equal(t, "auth", Kind(err))
		assert.Equal(t, []string{"none", "digest", "basic"}, log.Schemes())
	})

	t.Run("non-auth error on digest skips basic", func(t *testing.T) {
		log := &requestLog{}
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log.add(r)
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer server.Close()

		client := newTestClient(t, server.URL, Options{})
		_, err := client.FetchEPG(context.Background(), 0)
		require.Error(t, err)

		var reqErr *RequestError
		require.True(t, errors.As(err, &reqErr))
		assert.Equal(t, http.StatusInternalServerError, reqErr.StatusCode)
		assert.Equal(t, []string{"none"}, log.Schemes())
	})
}

func TestClient_ConnectionErrors(t *testing.T) {
	t.Run("timeout", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		}))
		defer server.Close()

		client := newTestClient(t, server.URL, Options{Timeout: 50 * time.Millisecond})
		start := time.Now()
		_, err := client.FetchEPG(context.Background(), 0)
		require.Error(t, err)
		assert.True(t, IsConnectionError(err))
		assert.True(t, errors.Is(err, context.DeadlineExceeded))
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("unreachable server", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		url := server.URL
		server.Close()

		client := newTestClient(t, url, Options{Timeout: time.Second})
		_, err := client.FetchEPG(context.Background(), 0)
		require.Error(t, err)
		assert.Equal(t, "connection", Kind(err))
	})
}

func TestClient_RecordEvent(t *testing.T) {
	t.Run("posts event id", func(t *testing.T) {
		var gotMethod, gotPath string
		var gotBody map[string]int64
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, _, ok := r.BasicAuth(); !ok {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			gotMethod = r.Method
			gotPath = r.URL.Path
			_ = json.NewDecoder(r.Body).Decode(&gotBody)
			_, _ = w.Write([]byte(`{"uuid":"abc"}`))
		}))
		defer server.Close()

		client := newTestClient(t, server.URL, Options{})
		require.NoError(t, client.RecordEvent(context.Background(), 42))

		assert.Equal(t, http.MethodPost, gotMethod)
		assert.Equal(t, "/api/dvr/entry/create", gotPath)
		assert.Equal(t, int64(42), gotBody["event_id"])
	})

	t.Run("server error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
		}))
		defer server.Close()

		client := newTestClient(t, server.URL, Options{})
		err := client.RecordEvent(context.Background(), 42)
		require.Error(t, err)
		assert.Equal(t, "request", Kind(err))
	})
}

func TestNewClient_InvalidURL(t *testing.T) {
	tests := []struct {
		name string
		url  string
	}{
		{name: "no scheme", url: "tvheadend:9981"},
		{name: "ftp scheme", url: "ftp://tvheadend:9981"},
		{name: "missing host", url: "http://"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewClient(tt.url, Credentials{}, zap.NewNop(), Options{})
			assert.Error(t, err)
		})
	}
}

func TestKind(t *testing.T) {
	assert.Equal(t, "auth", Kind(&AuthError{}))
	assert.Equal(t, "connection", Kind(&ConnectionError{Err: errors.New("boom")}))
	assert.Equal(t, "request", Kind(&RequestError{StatusCode: 500}))
	assert.Equal(t, "unknown", Kind(errors.New("other")))
}
