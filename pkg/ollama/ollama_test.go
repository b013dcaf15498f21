package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbedClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embeddings", r.URL.Path)
		var req ollamaEmbedReq
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "nomic-embed-text", req.Model)
		assert.Equal(t, "smoke near dock", req.Prompt)
		json.NewEncoder(w).Encode(ollamaEmbedResp{Embedding: []float64{0.5, -0.25, 1}})
	}))
	defer srv.Close()

	c := NewEmbedClient(srv.URL, "nomic-embed-text", time.Second)
	v, err := c.Embed(context.Background(), "smoke near dock")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, -0.25, 1}, v)
}

func TestEmbedClient_Errors(t *testing.T) {
	status := http.StatusInternalServerError
	body := `{}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	defer srv.Close()
	c := NewEmbedClient(srv.URL, "m", time.Second)

	_, err := c.Embed(context.Background(), "x")
	assert.ErrorContains(t, err, "status 500")

	status = http.StatusOK
	_, err = c.Embed(context.Background(), "x")
	assert.ErrorContains(t, err, "empty embedding")

	body = `not json`
	_, err = c.Embed(context.Background(), "x")
	assert.ErrorContains(t, err, "decode")
}

type countingEmbedder struct {
	calls int
	err   error
}

func (c *countingEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return []float32{float32(len(text))}, nil
}

func TestCache_HitsAndInvalidate(t *testing.T) {
	next := &countingEmbedder{}
	c := NewCache(next, 10, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		v, err := c.Embed(ctx, "fire")
		require.NoError(t, err)
		assert.Equal(t, []float32{4}, v)
	}
	assert.Equal(t, 1, next.calls)

	c.Invalidate("fire")
	_, _ = c.Embed(ctx, "fire")
	assert.Equal(t, 2, next.calls)

	c.Purge()
	assert.Zero(t, c.Len())
}

func TestCache_DoesNotCacheErrors(t *testing.T) {
	next := &countingEmbedder{err: errors.New("down")}
	c := NewCache(next, 10, time.Minute)
	_, err := c.Embed(context.Background(), "fire")
	require.Error(t, err)
	next.err = nil
	_, err = c.Embed(context.Background(), "fire")
	require.NoError(t, err)
	assert.Equal(t, 2, next.calls)
}

func TestCache_Expires(t *testing.T) {
	next := &countingEmbedder{}
	c := NewCache(next, 10, 20*time.Millisecond)
	_, _ = c.Embed(context.Background(), "fire")
	time.Sleep(60 * time.Millisecond)
	_, _ = c.Embed(context.Background(), "fire")
	assert.Equal(t, 2, next.calls)
}

func TestCache_Evicts(t *testing.T) {
	next := &countingEmbedder{}
	c := NewCache(next, 2, 0)
	for _, s := range []string{"a", "b", "c"} {
		_, _ = c.Embed(context.Background(), s)
	}
	assert.Equal(t, 2, c.Len())
}
