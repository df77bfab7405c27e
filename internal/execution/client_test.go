package execution

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, endpoint string, timeout time.Duration) *Client {
	t.Helper()
	return NewClient(Options{Endpoint: endpoint, Timeout: timeout})
}

func TestClient_Execute(t *testing.T) {
	tests := []struct {
		name        string
		handler     http.HandlerFunc
		wantKind    Kind
		wantStatus  int
		wantPayload string
		wantBody    string
	}{
		{
			name: "success payload preserved",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.Write([]byte(`{"stdout":"1\n","results":[{"text":"1"}],"nested":{"a":[1,2.5,null,true]}}`))
			},
			wantKind:    KindSuccess,
			wantPayload: `{"stdout":"1\n","results":[{"text":"1"}],"nested":{"a":[1,2.5,null,true]}}`,
		},
		{
			name: "remote error with JSON body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				w.Write([]byte(`{"error":"boom"}`))
			},
			wantKind:   KindRemoteError,
			wantStatus: http.StatusInternalServerError,
			wantBody:   `{"error":"boom"}`,
		},
		{
			name: "remote error with text body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/plain")
				w.WriteHeader(http.StatusBadGateway)
				w.Write([]byte("upstream exploded"))
			},
			wantKind:   KindRemoteError,
			wantStatus: http.StatusBadGateway,
			wantBody:   `"upstream exploded"`,
		},
		{
			name: "remote error claiming JSON but sending text",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte("at capacity"))
			},
			wantKind:   KindRemoteError,
			wantStatus: http.StatusTooManyRequests,
			wantBody:   `"at capacity"`,
		},
		{
			name: "invalid JSON on success",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.Write([]byte(`{invalid json`))
			},
			wantKind:   KindMalformedResponse,
			wantStatus: http.StatusOK,
		},
		{
			name: "empty body on success",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			},
			wantKind:   KindMalformedResponse,
			wantStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			client := newTestClient(t, srv.URL, 5*time.Second)
			out, err := client.Execute(context.Background(), FileSet{"test.py": "print(1)"})
			require.NoError(t, err)

			assert.Equal(t, tt.wantKind, out.Kind)
			assert.Equal(t, 1, out.Attempts)
			if tt.wantStatus != 0 {
				assert.Equal(t, tt.wantStatus, out.StatusCode)
			}
			if tt.wantPayload != "" {
				assert.JSONEq(t, tt.wantPayload, string(out.Payload))
				assert.Equal(t, tt.wantPayload, string(out.Payload))
			}
			if tt.wantBody != "" {
				assert.JSONEq(t, tt.wantBody, string(out.Body))
			}
		})
	}
}

func TestClient_Execute_WirePayload(t *testing.T) {
	files := FileSet{
		"test.py":       "print(1)",
		"lib/helper.py": "def f():\n    return 2\n",
		"empty.py":      "",
	}

	var got FileSet
	var contentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		data, _ := io.ReadAll(r.Body)
		got, _ = DecodePayload(data)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	out, err := newTestClient(t, srv.URL, 5*time.Second).Execute(context.Background(), files)
	require.NoError(t, err)
	require.True(t, out.OK())

	assert.Equal(t, "application/json", contentType)
	assert.Equal(t, files, got)
}

func TestClient_Execute_Timeout(t *testing.T) {
	aborted := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
			close(aborted)
		case <-time.After(10 * time.Second):
		}
	}))
	defer srv.Close()

	timeout := 200 * time.Millisecond
	client := newTestClient(t, srv.URL, timeout)

	start := time.Now()
	out, err := client.Execute(context.Background(), FileSet{"test.py": "import time; time.sleep(60)"})
	elapsed := time.Since(start)
	require.NoError(t, err)

	assert.Equal(t, KindTransportFailure, out.Kind)
	assert.True(t, out.Timeout)
	assert.Contains(t, out.Message, "timed out")
	assert.Less(t, elapsed, timeout+time.Second)

	select {
	case <-aborted:
	case <-time.After(2 * time.Second):
		t.Fatal("server never observed the aborted connection")
	}
}

func TestClient_Execute_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := srv.URL
	srv.Close()

	client := newTestClient(t, endpoint, 30*time.Second)

	start := time.Now()
	out, err := client.Execute(context.Background(), FileSet{"test.py": "print(1)"})
	require.NoError(t, err)

	assert.Equal(t, KindTransportFailure, out.Kind)
	assert.False(t, out.Timeout)
	assert.Contains(t, out.Message, "unreachable")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestClient_Execute_ParentCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	out, err := newTestClient(t, srv.URL, 5*time.Second).Execute(ctx, FileSet{"a.py": ""})
	require.NoError(t, err)

	assert.Equal(t, KindTransportFailure, out.Kind)
	assert.False(t, out.Timeout)
	assert.Contains(t, out.Message, "canceled")
}

func TestClient_Execute_Concurrent(t *testing.T) {
	const n = 20
	delay := 200 * time.Millisecond

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		files, _ := DecodePayload(data)
		time.Sleep(delay)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"echo": files.Names()})
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, 5*time.Second)

	var wg sync.WaitGroup
	outcomes := make([]Outcome, n)
	start := time.Now()
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := string(rune('a'+i)) + ".py"
			out, err := client.Execute(context.Background(), FileSet{name: "pass"})
			assert.NoError(t, err)
			outcomes[i] = out
		}(i)
	}
	wg.Wait()

	assert.Less(t, time.Since(start), delay*n/2, "calls should not serialize")
	for i, out := range outcomes {
		require.Equal(t, KindSuccess, out.Kind, "call %d", i)
		name := string(rune('a'+i)) + ".py"
		assert.JSONEq(t, `{"echo":["`+name+`"]}`, string(out.Payload))
	}
}

func TestClient_Execute_InvalidInput(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, time.Second)

	_, err := client.Execute(context.Background(), FileSet{})
	assert.ErrorIs(t, err, ErrEmptyFileSet)

	_, err = client.Execute(context.Background(), FileSet{"../etc/passwd": "x"})
	assert.ErrorIs(t, err, ErrInvalidFilename)

	_, err = client.Do(context.Background(), Request{Files: FileSet{"a.py": ""}, Endpoint: "not a url"})
	assert.ErrorIs(t, err, ErrInvalidEndpoint)

	_, err = NewClient(Options{}).Execute(context.Background(), FileSet{"a.py": ""})
	assert.ErrorIs(t, err, ErrInvalidEndpoint)

	assert.Zero(t, hits.Load())
}

func TestClient_Do_RequestOverrides(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"path":"` + r.URL.Path + `"}`))
	}))
	defer srv.Close()

	client := NewClient(Options{Endpoint: "http://127.0.0.1:1/unused"})
	out, err := client.Do(context.Background(), Request{
		Files:    FileSet{"a.py": "pass"},
		Endpoint: srv.URL + "/api/sandbox",
		Timeout:  2 * time.Second,
	})
	require.NoError(t, err)
	require.Equal(t, KindSuccess, out.Kind)
	assert.JSONEq(t, `{"path":"/api/sandbox"}`, string(out.Payload))
}

// flakyTransport fails the first n round trips before delegating.
type flakyTransport struct {
	failures int32
	calls    atomic.Int32
	next     http.RoundTripper
}

func (f *flakyTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if f.calls.Add(1) <= f.failures {
		return nil, errors.New("connection reset by peer")
	}
	return f.next.RoundTrip(r)
}

func TestClient_Execute_RetriesTransportFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	ft := &flakyTransport{failures: 2, next: http.DefaultTransport}
	client := NewClient(Options{
		Endpoint:   srv.URL,
		Timeout:    5 * time.Second,
		HTTPClient: &http.Client{Transport: ft},
		Retry:      RetryPolicy{MaxRetries: 2, InitialDelay: 10 * time.Millisecond, MaxDelay: 20 * time.Millisecond},
	})

	out, err := client.Execute(context.Background(), FileSet{"a.py": "pass"})
	require.NoError(t, err)
	assert.Equal(t, KindSuccess, out.Kind)
	assert.Equal(t, 3, out.Attempts)
	assert.EqualValues(t, 3, ft.calls.Load())
}

func TestClient_Execute_RetryBudgetExhausted(t *testing.T) {
	ft := &flakyTransport{failures: 10, next: http.DefaultTransport}
	client := NewClient(Options{
		Endpoint:   "http://sandbox.invalid/execute",
		HTTPClient: &http.Client{Transport: ft},
		Retry:      RetryPolicy{MaxRetries: 1, InitialDelay: 5 * time.Millisecond},
	})

	out, err := client.Execute(context.Background(), FileSet{"a.py": "pass"})
	require.NoError(t, err)
	assert.Equal(t, KindTransportFailure, out.Kind)
	assert.Equal(t, 2, out.Attempts)
	assert.Contains(t, out.Message, "connection reset")
}

func TestClient_Execute_RemoteErrorNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	client := NewClient(Options{
		Endpoint: srv.URL,
		Retry:    RetryPolicy{MaxRetries: 3, InitialDelay: time.Millisecond},
	})
	out, err := client.Execute(context.Background(), FileSet{"a.py": "pass"})
	require.NoError(t, err)
	assert.Equal(t, KindRemoteError, out.Kind)
	assert.EqualValues(t, 1, hits.Load())
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (r *recordingObserver) ObserveExecution(o Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
}

func TestClient_Execute_NotifiesObserver(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	obs := &recordingObserver{}
	client := NewClient(Options{Endpoint: srv.URL, Observer: obs})
	_, err := client.Execute(context.Background(), FileSet{"a.py": "pass"})
	require.NoError(t, err)

	require.Len(t, obs.outcomes, 1)
	assert.Equal(t, KindSuccess, obs.outcomes[0].Kind)
	assert.Positive(t, obs.outcomes[0].Duration)
}

// The sandbox stub below mimics a code-interpreter service that captures stdout.
func TestClient_Execute_HelloScript(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		files, err := DecodePayload(data)
		if err != nil || files["test.py"] == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"stdout":    "Hello from E2B!\n4\n",
			"stderr":    "",
			"exit_code": 0,
		})
	}))
	defer srv.Close()

	files := FileSet{"test.py": "print(\"Hello from E2B!\")\nprint(2+2)"}
	out, err := newTestClient(t, srv.URL, DefaultTimeout).Execute(context.Background(), files)
	require.NoError(t, err)
	require.Equal(t, KindSuccess, out.Kind)

	var payload struct {
		Stdout string `json:"stdout"`
	}
	require.NoError(t, json.Unmarshal(out.Payload, &payload))
	assert.Contains(t, payload.Stdout, "4")
}
