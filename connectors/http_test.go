package connectors

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"flow-runner/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestHTTPFetch_DecodesJSON(t *testing.T) {
	var gotPath, gotAuth, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.Query().Get("user")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"value":42}`))
	}))
	defer srv.Close()

	ec := shared.NewExecutionContext()
	require.NoError(t, ec.Set("n0", map[string]interface{}{"id": "abc", "token": "secret"}))

	fetch := NewHTTPFetch(nil, zaptest.NewLogger(t))
	out, err := fetch.Execute(context.Background(), map[string]interface{}{
		"url":     srv.URL + "/items/{{n0.output.id}}",
		"headers": map[string]interface{}{"Authorization": "Bearer {{n0.output.token}}"},
		"query":   map[string]interface{}{"user": "{{n0.output.id}}"},
	}, ec)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"value": float64(42)}, out)
	assert.Equal(t, "/items/abc", gotPath)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "abc", gotQuery)
}

func TestHTTPFetch_TextBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("hello world"))
	}))
	defer srv.Close()

	out, err := NewHTTPFetch(nil, nil).Execute(context.Background(), map[string]interface{}{"url": srv.URL}, shared.NewExecutionContext())
	require.NoError(t, err)
	assert.Equal(t, "hello world", out)
}

func TestHTTPFetch_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewHTTPFetch(nil, nil).Execute(context.Background(), map[string]interface{}{"url": srv.URL}, shared.NewExecutionContext())
	require.Error(t, err)
	assert.Equal(t, "Request failed with status code 500", err.Error())
}

func TestHTTPFetch_RequiresURL(t *testing.T) {
	_, err := NewHTTPFetch(nil, nil).Execute(context.Background(), map[string]interface{}{}, shared.NewExecutionContext())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "url is required")
}

func TestHTTPPost_ResolvesBody(t *testing.T) {
	var got map[string]interface{}
	var contentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		contentType = r.Header.Get("Content-Type")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	ec := shared.NewExecutionContext()
	require.NoError(t, ec.Set("n1", "Summary text"))

	out, err := NewHTTPPost(nil, zaptest.NewLogger(t)).Execute(context.Background(), map[string]interface{}{
		"url":  srv.URL,
		"body": map[string]interface{}{"text": "{{n1.output}}", "quote": `he said "{{n1.output}}"`, "n": 3},
	}, ec)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"ok": true}, out)
	assert.Contains(t, contentType, "application/json")
	assert.Equal(t, map[string]interface{}{
		"text":  "Summary text",
		"quote": `he said "Summary text"`,
		"n":     float64(3),
	}, got)
}
