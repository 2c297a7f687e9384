package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamDeliversChunksAndSendsSession(t *testing.T) {
	var got map[string]interface{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/request", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "text/plain")
		flusher := w.(http.Flusher)
		_, _ = w.Write([]byte("Hel"))
		flusher.Flush()
		_, _ = w.Write([]byte("lo"))
	}))
	defer ts.Close()

	client := newChatClient(ts.URL+"/", "cli-1", ts.Client())
	var out bytes.Buffer
	require.NoError(t, client.Stream(context.Background(), "hi", func(s string) { out.WriteString(s) }))

	assert.Equal(t, "Hello", out.String())
	assert.Equal(t, "hi", got["query"])
	assert.Equal(t, "cli-1", got["session_id"])
	assert.Equal(t, true, got["stream"])
}

func TestStreamDecodesAPIError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"code":"invalid_request","message":"query is required"}}`))
	}))
	defer ts.Close()

	err := newChatClient(ts.URL, "s", ts.Client()).Stream(context.Background(), "x", nil)
	require.Error(t, err)
	assert.Equal(t, "query is required (invalid_request)", err.Error())
}

func TestStreamReportsNonJSONError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer ts.Close()

	err := newChatClient(ts.URL, "s", ts.Client()).Stream(context.Background(), "x", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestToolsListsCatalogNames(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/tools", r.URL.Path)
		_, _ = w.Write([]byte(`[{"type":"function","function":{"name":"add"}},{"type":"function","function":{"name":"press-button"}}]`))
	}))
	defer ts.Close()

	names, err := newChatClient(ts.URL, "s", ts.Client()).Tools(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"add", "press-button"}, names)
}

func TestChatPrintsReplyWithTrailingNewline(t *testing.T) {
	color.NoColor = true
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("Error:Lost connection to the inference server."))
	}))
	defer ts.Close()

	var out bytes.Buffer
	require.NoError(t, chat(context.Background(), newChatClient(ts.URL, "s", ts.Client()), "hi", &out))
	assert.Equal(t, "Error:Lost connection to the inference server.\n", out.String())
}
