package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raaihank/pii-sentinel/internal/logger"
)

func TestOllamaClientGenerate(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		var got generateRequest
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/api/generate", r.URL.Path)
			assert.Equal(t, http.MethodPost, r.Method)
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			_ = json.NewEncoder(w).Encode(map[string]any{
				"model":    got.Model,
				"response": `{"pii_found":[]}`,
				"done":     true,
			})
		}))
		defer srv.Close()

		cfg := DefaultConfig()
		cfg.Host = srv.URL + "/"
		client := NewOllamaClient(cfg, logger.NewNop())

		reply, err := client.Generate(context.Background(), "find pii")
		require.NoError(t, err)
		assert.Equal(t, `{"pii_found":[]}`, reply)
		assert.Equal(t, cfg.Model, got.Model)
		assert.Equal(t, "find pii", got.Prompt)
		assert.False(t, got.Stream)
		assert.InDelta(t, 0.1, got.Options.Temperature, 1e-9)
		assert.InDelta(t, 0.9, got.Options.TopP, 1e-9)
		assert.Equal(t, 1000, got.Options.NumPredict)
	})

	t.Run("ErrorStatus", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "model not loaded", http.StatusInternalServerError)
		}))
		defer srv.Close()

		cfg := DefaultConfig()
		cfg.Host = srv.URL
		_, err := NewOllamaClient(cfg, logger.NewNop()).Generate(context.Background(), "x")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "status 500")
	})

	t.Run("EmptyResponse", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"response":"  ","done":true}`))
		}))
		defer srv.Close()

		cfg := DefaultConfig()
		cfg.Host = srv.URL
		_, err := NewOllamaClient(cfg, logger.NewNop()).Generate(context.Background(), "x")
		assert.ErrorIs(t, err, ErrEmptyResponse)
	})

	t.Run("Timeout", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		}))
		defer srv.Close()

		cfg := DefaultConfig()
		cfg.Host = srv.URL
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		_, err := NewOllamaClient(cfg, logger.NewNop()).Generate(ctx, "x")
		assert.Error(t, err)
	})
}
