package completion

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSelectsProvider(t *testing.T) {
	c, err := New(Config{})
	require.NoError(t, err)
	assert.IsType(t, &OpenAI{}, c)

	c, err = New(Config{Provider: "Ollama"})
	require.NoError(t, err)
	assert.IsType(t, &Ollama{}, c)

	_, err = New(Config{Provider: "bard"})
	require.Error(t, err)
}

func TestOpenAIComplete(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","model":"m","choices":[{"index":0,"message":{"role":"assistant","content":"hello"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	c, err := New(Config{Provider: "openai", BaseURL: srv.URL + "/v1/", APIKey: "k", Model: "m"})
	require.NoError(t, err)
	text, err := c.Complete(context.Background(), Request{System: "sys", User: "usr", Temperature: 0.5, MaxTokens: 64})
	require.NoError(t, err)
	assert.Equal(t, "hello", text)

	assert.Equal(t, "m", got["model"])
	assert.EqualValues(t, 64, got["max_tokens"])
	assert.InDelta(t, 0.5, got["temperature"], 1e-6)
	msgs, ok := got["messages"].([]any)
	require.True(t, ok)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
	assert.Equal(t, "usr", msgs[1].(map[string]any)["content"])
}

func TestOpenAINoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","model":"m","choices":[]}`))
	}))
	defer srv.Close()

	c := NewOpenAI(Config{BaseURL: srv.URL, APIKey: "k"})
	_, err := c.Complete(context.Background(), Request{User: "x"})
	assert.ErrorIs(t, err, ErrNoChoices)
}

func TestOpenAIServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"boom","type":"server_error"}}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewOpenAI(Config{BaseURL: srv.URL, APIKey: "k"})
	_, err := c.Complete(context.Background(), Request{User: "x"})
	require.Error(t, err)
}

func TestOllamaComplete(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"llama","response":"done it","done":true}` + "\n"))
	}))
	defer srv.Close()

	c, err := NewOllama(Config{BaseURL: srv.URL, Model: "llama"})
	require.NoError(t, err)
	text, err := c.Complete(context.Background(), Request{System: "sys", User: "usr", Temperature: 0.7, MaxTokens: 10})
	require.NoError(t, err)
	assert.Equal(t, "done it", text)
	assert.Equal(t, "sys", got["system"])
	assert.Equal(t, "usr", got["prompt"])
	assert.Equal(t, false, got["stream"])
}

func TestFuncAdapter(t *testing.T) {
	var c Client = Func(func(_ context.Context, req Request) (string, error) { return req.User, nil })
	text, err := c.Complete(context.Background(), Request{User: "echo"})
	require.NoError(t, err)
	assert.Equal(t, "echo", text)
}
