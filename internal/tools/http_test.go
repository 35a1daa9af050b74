package tools

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/plangraph/internal/engine"
	"github.com/rendis/plangraph/pkg/schema"
)

func fetch(t *testing.T, args any) (map[string]any, error) {
	t.Helper()
	out, err := NewFetchTool(HTTPConfig{}).Invoke(context.Background(), args, engine.ToolContext{IdempotencyKey: "run-1:s1"})
	if err != nil {
		return nil, err
	}
	result, ok := out.(map[string]any)
	require.True(t, ok, "result should be an object, got %T", out)
	return result, nil
}

func TestFetch_GET_JSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Empty(t, r.Header.Get("Idempotency-Key"))
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Custom", "test-value")
		_ = json.NewEncoder(w).Encode(map[string]any{"greeting": "hello", "count": 42})
	}))
	defer srv.Close()

	result, err := fetch(t, map[string]any{"url": srv.URL})
	require.NoError(t, err)

	assert.Equal(t, float64(200), result["status_code"])
	assert.Contains(t, result["content_type"], "application/json")
	assert.GreaterOrEqual(t, result["duration_ms"], float64(0))

	body, ok := result["body"].(map[string]any)
	require.True(t, ok, "body should be parsed")
	assert.Equal(t, "hello", body["greeting"])
	assert.Equal(t, float64(42), body["count"])

	hdrs, ok := result["headers"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "test-value", hdrs["X-Custom"])
}

func TestFetch_StringArgIsURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("plain text"))
	}))
	defer srv.Close()

	result, err := fetch(t, srv.URL+"/page")
	require.NoError(t, err)
	assert.Equal(t, "plain text", result["body"])
}

func TestFetch_POST_JSONBodyAndIdempotencyKey(t *testing.T) {
	var received map[string]any
	var key string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Contains(t, r.Header.Get("Content-Type"), "application/json")
		key = r.Header.Get("Idempotency-Key")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &received)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	result, err := fetch(t, map[string]any{
		"url":    srv.URL,
		"method": "post",
		"body":   map[string]any{"name": "test", "value": 123},
	})
	require.NoError(t, err)
	assert.Equal(t, float64(201), result["status_code"])
	assert.Nil(t, result["body"])
	assert.Equal(t, "test", received["name"])
	assert.Equal(t, float64(123), received["value"])
	assert.Equal(t, "run-1:s1", key)
}

func TestFetch_FormBodyQueryAndHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "go", r.URL.Query().Get("q"))
		assert.Equal(t, "v", r.PostForm.Get("k"))
		assert.Equal(t, "abc", r.Header.Get("X-Trace"))
		assert.Equal(t, "custom", r.Header.Get("Idempotency-Key"))
	}))
	defer srv.Close()

	_, err := fetch(t, map[string]any{
		"url":           srv.URL,
		"method":        "PUT",
		"query":         map[string]any{"q": "go"},
		"headers":       map[string]any{"X-Trace": "abc", "Idempotency-Key": "custom"},
		"body":          map[string]any{"k": "v"},
		"body_encoding": "form",
	})
	require.NoError(t, err)
}

func TestFetch_Auth(t *testing.T) {
	tests := []struct {
		name  string
		auth  map[string]any
		check func(t *testing.T, r *http.Request)
	}{
		{
			name: "bearer",
			auth: map[string]any{"type": "bearer", "token": "tok"},
			check: func(t *testing.T, r *http.Request) {
				assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
			},
		},
		{
			name: "basic",
			auth: map[string]any{"type": "basic", "username": "u", "password": "p"},
			check: func(t *testing.T, r *http.Request) {
				u, p, ok := r.BasicAuth()
				assert.True(t, ok)
				assert.Equal(t, "u", u)
				assert.Equal(t, "p", p)
			},
		},
		{
			name: "api key",
			auth: map[string]any{"type": "api_key", "header_name": "X-Key", "header_value": "secret"},
			check: func(t *testing.T, r *http.Request) {
				assert.Equal(t, "secret", r.Header.Get("X-Key"))
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				tt.check(t, r)
			}))
			defer srv.Close()
			_, err := fetch(t, map[string]any{"url": srv.URL, "auth": tt.auth})
			require.NoError(t, err)
		})
	}
}

func TestFetch_ErrorStatus(t *testing.T) {
	status := http.StatusServiceUnavailable
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	_, err := fetch(t, srv.URL)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeStepFailed))
	assert.True(t, engine.IsRetryableError(err))

	status = http.StatusBadRequest
	_, err = fetch(t, srv.URL)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
	assert.False(t, engine.IsRetryableError(err))

	status = http.StatusNotFound
	_, err = fetch(t, srv.URL)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))

	result, err := fetch(t, map[string]any{"url": srv.URL, "fail_on_error_status": false})
	require.NoError(t, err)
	assert.Equal(t, float64(404), result["status_code"])
}

func TestFetch_Redirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/start" {
			http.Redirect(w, r, "/end", http.StatusFound)
			return
		}
		_, _ = w.Write([]byte("landed"))
	}))
	defer srv.Close()

	result, err := fetch(t, srv.URL+"/start")
	require.NoError(t, err)
	assert.Equal(t, "landed", result["body"])

	result, err = fetch(t, map[string]any{"url": srv.URL + "/start", "follow_redirects": false})
	require.NoError(t, err)
	assert.Equal(t, float64(http.StatusFound), result["status_code"])
}

func TestFetch_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	_, err := fetch(t, map[string]any{"url": srv.URL, "timeout": "50ms"})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeStepFailed))
}

func TestFetch_InvalidArgs(t *testing.T) {
	for name, args := range map[string]any{
		"missing url": map[string]any{},
		"bad scheme":  map[string]any{"url": "ftp://x"},
		"not object":  []any{"x"},
		"form body":   map[string]any{"url": "http://localhost", "body": "x", "body_encoding": "form"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := fetch(t, args)
			require.Error(t, err)
			assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
		})
	}
}

func TestFetch_ResponseBodyLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("0123456789"))
	}))
	defer srv.Close()

	out, err := NewFetchTool(HTTPConfig{MaxResponseBody: 4}).Invoke(context.Background(), srv.URL, engine.ToolContext{})
	require.NoError(t, err)
	assert.Equal(t, "0123", out.(map[string]any)["body"])
}
