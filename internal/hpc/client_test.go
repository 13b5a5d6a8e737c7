package hpc

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuongbtq/hpc-dispatcher/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGateway emulates the subset of the gateway the client uses
type fakeGateway struct {
	t *testing.T

	mu         sync.Mutex
	logins     int32
	sessions   map[string]bool
	siteStatus map[string]string
	uploads    map[string]string
	submitted  []string
	submitCode int
	accounting []string // successive status bodies, last one repeats
	acctCalls  int32
	rejectNext bool
}

func newFakeGateway(t *testing.T) *fakeGateway {
	return &fakeGateway{
		t:          t,
		sessions:   map[string]bool{},
		siteStatus: map[string]string{},
		uploads:    map[string]string{},
		submitCode: http.StatusOK,
	}
}

func (g *fakeGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if r.URL.Path == "/login" {
		n := atomic.AddInt32(&g.logins, 1)
		token := "sess-" + string(rune('0'+n))
		g.sessions[token] = true
		_ = json.NewEncoder(w).Encode(map[string]any{"auth": true, "newt_sessionid": token})
		return
	}

	if len(r.URL.Path) > len("/status/") && r.URL.Path[:len("/status/")] == "/status/" {
		site := r.URL.Path[len("/status/"):]
		status, ok := g.siteStatus[site]
		if !ok {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
		return
	}

	ck, err := r.Cookie(sessionCookie)
	if err != nil || !g.sessions[ck.Value] {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if g.rejectNext {
		g.rejectNext = false
		delete(g.sessions, ck.Value)
		w.WriteHeader(http.StatusForbidden)
		return
	}

	switch {
	case r.Method == http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		g.uploads[r.URL.Path] = string(body)
	case r.Method == http.MethodPost && r.URL.Path == "/queue/cori":
		require.NoError(g.t, r.ParseForm())
		if g.submitCode != http.StatusOK {
			w.WriteHeader(g.submitCode)
			_, _ = w.Write([]byte("sbatch: error: invalid account"))
			return
		}
		g.submitted = append(g.submitted, r.PostForm.Get("jobfile"))
		_ = json.NewEncoder(w).Encode(map[string]string{"jobid": "4242", "status": "OK"})
	case r.Method == http.MethodGet:
		n := int(atomic.AddInt32(&g.acctCalls, 1))
		idx := n - 1
		if idx >= len(g.accounting) {
			idx = len(g.accounting) - 1
		}
		_, _ = w.Write([]byte(g.accounting[idx]))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTestClient(t *testing.T, g *fakeGateway) *Client {
	srv := httptest.NewServer(g)
	t.Cleanup(srv.Close)

	client, err := NewClient(&Config{
		BaseURL:              srv.URL,
		Username:             "user",
		Password:             "secret",
		SessionTTL:           time.Hour,
		RequestTimeout:       2 * time.Second,
		AccountingAttempts:   3,
		AccountingRetryDelay: time.Millisecond,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return client
}

func TestClient_SiteIsUp(t *testing.T) {
	g := newFakeGateway(t)
	g.siteStatus["cori"] = "up"
	g.siteStatus["edison"] = "down"
	client := newTestClient(t, g)

	assert.True(t, client.SiteIsUp(context.Background(), "cori"))
	assert.False(t, client.SiteIsUp(context.Background(), "edison"))
	assert.False(t, client.SiteIsUp(context.Background(), "perlmutter"))
}

func TestClient_SiteIsUp_NetworkFailure(t *testing.T) {
	client, err := NewClient(&Config{BaseURL: "http://127.0.0.1:1", RequestTimeout: 100 * time.Millisecond},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	assert.False(t, client.SiteIsUp(context.Background(), "cori"))
}

func TestClient_UploadAndSubmit(t *testing.T) {
	g := newFakeGateway(t)
	client := newTestClient(t, g)
	ctx := context.Background()

	err := client.UploadScript(ctx, "cori", "/scratch/jobs/abc.sh", "#!/bin/bash\n")
	require.NoError(t, err)

	id, err := client.Submit(ctx, "cori", "/scratch/jobs/abc.sh")
	require.NoError(t, err)
	assert.Equal(t, "4242", id)

	g.mu.Lock()
	defer g.mu.Unlock()
	assert.Equal(t, "#!/bin/bash\n", g.uploads["/file/cori/scratch/jobs/abc.sh"])
	assert.Equal(t, []string{"/scratch/jobs/abc.sh"}, g.submitted)
	assert.Equal(t, int32(1), atomic.LoadInt32(&g.logins), "session should be reused")
}

func TestClient_Submit_Rejected(t *testing.T) {
	g := newFakeGateway(t)
	g.submitCode = http.StatusInternalServerError
	client := newTestClient(t, g)

	_, err := client.Submit(context.Background(), "cori", "/scratch/jobs/abc.sh")
	require.Error(t, err)

	var subErr *SubmissionError
	require.ErrorAs(t, err, &subErr)
	assert.Equal(t, http.StatusInternalServerError, subErr.StatusCode)
	assert.Contains(t, subErr.Body, "invalid account")
	assert.True(t, IsSubmissionError(err))
}

func TestClient_NoResponseIsRetryable(t *testing.T) {
	slow := func(delay time.Duration, loginOK bool) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/login" && loginOK {
				_ = json.NewEncoder(w).Encode(map[string]any{"auth": true, "newt_sessionid": "sess-1"})
				return
			}
			time.Sleep(delay)
			w.WriteHeader(http.StatusOK)
		}
	}

	tests := []struct {
		name string
		call func(c *Client) error
		h    http.HandlerFunc
	}{
		{
			name: "submit times out",
			h:    slow(200*time.Millisecond, true),
			call: func(c *Client) error {
				_, err := c.Submit(context.Background(), "cori", "/scratch/jobs/abc.sh")
				return err
			},
		},
		{
			name: "upload times out",
			h:    slow(200*time.Millisecond, true),
			call: func(c *Client) error {
				return c.UploadScript(context.Background(), "cori", "/scratch/jobs/abc.sh", "#!/bin/bash\n")
			},
		},
		{
			name: "login times out",
			h:    slow(200*time.Millisecond, false),
			call: func(c *Client) error {
				_, err := c.Submit(context.Background(), "cori", "/scratch/jobs/abc.sh")
				return err
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.h)
			t.Cleanup(srv.Close)

			client, err := NewClient(&Config{
				BaseURL:        srv.URL,
				SessionTTL:     time.Hour,
				RequestTimeout: 50 * time.Millisecond,
			}, slog.New(slog.NewTextHandler(io.Discard, nil)))
			require.NoError(t, err)

			err = tt.call(client)
			require.Error(t, err)
			assert.True(t, domain.IsRetryable(err))
			assert.False(t, IsSubmissionError(err))
		})
	}
}

func TestClient_RefreshesSessionOnRejection(t *testing.T) {
	g := newFakeGateway(t)
	g.accounting = []string{`{"status":"RUNNING","timeuse":"00:01:00"}`}
	client := newTestClient(t, g)
	ctx := context.Background()

	_, _, err := client.QueryStatus(ctx, "cori", "4242")
	require.NoError(t, err)

	g.mu.Lock()
	g.rejectNext = true
	g.mu.Unlock()

	status, elapsed, err := client.QueryStatus(ctx, "cori", "4242")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRunning, status)
	assert.Equal(t, time.Minute, elapsed)
	assert.Equal(t, int32(2), atomic.LoadInt32(&g.logins))
}

func TestClient_RefreshesStaleSession(t *testing.T) {
	g := newFakeGateway(t)
	g.accounting = []string{`{"status":"PENDING","timeuse":"00:00:00"}`}
	client := newTestClient(t, g)

	now := time.Now()
	client.session.now = func() time.Time { return now }

	_, _, err := client.QueryStatus(context.Background(), "cori", "1")
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)
	_, _, err = client.QueryStatus(context.Background(), "cori", "1")
	require.NoError(t, err)

	assert.Equal(t, int32(2), atomic.LoadInt32(&g.logins))
}

func TestClient_QueryStatus_RetriesMalformed(t *testing.T) {
	g := newFakeGateway(t)
	g.accounting = []string{`not json`, `{"status":"WHAT"}`, `{"status":"COMPLETED","timeuse":"01:00:00"}`}
	client := newTestClient(t, g)

	status, elapsed, err := client.QueryStatus(context.Background(), "cori", "4242")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, status)
	assert.Equal(t, time.Hour, elapsed)
	assert.Equal(t, int32(3), atomic.LoadInt32(&g.acctCalls))
}

func TestClient_QueryStatus_Exhausted(t *testing.T) {
	g := newFakeGateway(t)
	g.accounting = []string{`not json`}
	client := newTestClient(t, g)

	_, _, err := client.QueryStatus(context.Background(), "cori", "4242")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAccountingUnavailable)
	assert.Equal(t, int32(3), atomic.LoadInt32(&g.acctCalls))
}

func TestClient_QueryStatus_ContextCancelled(t *testing.T) {
	g := newFakeGateway(t)
	g.accounting = []string{`not json`}
	client := newTestClient(t, g)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := client.QueryStatus(ctx, "cori", "4242")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewClient_RequiresBaseURL(t *testing.T) {
	_, err := NewClient(&Config{}, slog.Default())
	assert.Error(t, err)
}
