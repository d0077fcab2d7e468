package expo_test

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hailwave/go-dispatch-service/internal/gateway/expo"
	"github.com/hailwave/go-dispatch-service/pkg/dispatch"
)

func fastRetry() *dispatch.RetryPolicy {
	return &dispatch.RetryPolicy{
		MaxAttempts:     2,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2.0,
	}
}

func newTestClient(serverURL string, opts ...expo.Option) *expo.Client {
	base := []expo.Option{
		expo.WithHost(serverURL),
		expo.WithAPIPath(""),
		expo.WithRetryPolicy(fastRetry()),
	}
	return expo.NewClient(append(base, opts...)...)
}

func TestValidateAddress(t *testing.T) {
	assert.NoError(t, expo.ValidateAddress("ExponentPushToken[abc123]"))
	assert.Error(t, expo.ValidateAddress(""))
	assert.Error(t, expo.ValidateAddress("abc123"))
	assert.Error(t, expo.ValidateAddress("ExponentPushToken[]"))
	assert.Error(t, expo.ValidateAddress("ExponentPushToken[abc"))
}

func TestClient_Submit(t *testing.T) {
	batch := []dispatch.PushMessage{
		{To: "ExponentPushToken[aaa]", Body: "first"},
		{To: "ExponentPushToken[bbb]", Body: "second"},
	}

	t.Run("Returns tickets parallel to the batch", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/push/send", r.URL.Path)
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

			var got []dispatch.PushMessage
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			require.Len(t, got, 2)
			assert.Equal(t, "ExponentPushToken[aaa]", got[0].To)

			_ = json.NewEncoder(w).Encode(map[string]any{
				"data": []map[string]any{
					{"status": "ok", "id": "ticket-1"},
					{"status": "error", "message": "device gone", "details": map[string]string{"error": "DeviceNotRegistered"}},
				},
			})
		}))
		defer server.Close()

		client := newTestClient(server.URL)
		results, err := client.Submit(context.Background(), batch)
		require.NoError(t, err)

		require.Len(t, results, 2)
		assert.Equal(t, dispatch.SubmissionOK, results[0].Status)
		assert.Equal(t, "ticket-1", results[0].ID)
		assert.Equal(t, dispatch.SubmissionError, results[1].Status)
		assert.Equal(t, "DeviceNotRegistered", results[1].Details["error"])
	})

	t.Run("Sends gzip when enabled", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "gzip", r.Header.Get("Content-Encoding"))
			zr, err := gzip.NewReader(r.Body)
			require.NoError(t, err)
			raw, err := io.ReadAll(zr)
			require.NoError(t, err)

			var got []dispatch.PushMessage
			require.NoError(t, json.Unmarshal(raw, &got))
			require.Len(t, got, 2)

			_ = json.NewEncoder(w).Encode(map[string]any{
				"data": []map[string]any{{"status": "ok", "id": "t1"}, {"status": "ok", "id": "t2"}},
			})
		}))
		defer server.Close()

		client := newTestClient(server.URL, expo.WithGzip(true))
		results, err := client.Submit(context.Background(), batch)
		require.NoError(t, err)
		assert.Len(t, results, 2)
	})

	t.Run("Sends bearer token when configured", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))
			_ = json.NewEncoder(w).Encode(map[string]any{
				"data": []map[string]any{{"status": "ok", "id": "t1"}, {"status": "ok", "id": "t2"}},
			})
		}))
		defer server.Close()

		client := newTestClient(server.URL, expo.WithAccessToken("secret-token"))
		_, err := client.Submit(context.Background(), batch)
		require.NoError(t, err)
	})

	t.Run("Mismatched ticket count is a server error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"data": []map[string]any{{"status": "ok", "id": "only-one"}},
			})
		}))
		defer server.Close()

		client := newTestClient(server.URL)
		_, err := client.Submit(context.Background(), batch)

		var serverErr *expo.ServerError
		require.ErrorAs(t, err, &serverErr)
		assert.Contains(t, serverErr.Message, "mismatched ticket count")
	})

	t.Run("Request-level errors reject the whole batch", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"errors": []map[string]string{{"code": "PUSH_TOO_MANY_EXPERIENCE_IDS"}},
			})
		}))
		defer server.Close()

		client := newTestClient(server.URL)
		_, err := client.Submit(context.Background(), batch)

		var serverErr *expo.ServerError
		require.ErrorAs(t, err, &serverErr)
	})

	t.Run("Oversized batch is rejected locally", func(t *testing.T) {
		client := newTestClient("http://unreachable.invalid")
		big := make([]dispatch.PushMessage, 101)
		_, err := client.Submit(context.Background(), big)
		assert.Error(t, err)
	})

	t.Run("Retries retryable statuses then succeeds", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) == 1 {
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"data": []map[string]any{{"status": "ok", "id": "t1"}, {"status": "ok", "id": "t2"}},
			})
		}))
		defer server.Close()

		client := newTestClient(server.URL)
		results, err := client.Submit(context.Background(), batch)
		require.NoError(t, err)
		assert.Len(t, results, 2)
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("Persistent 429 stops at the attempt budget", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer server.Close()

		client := newTestClient(server.URL)
		_, err := client.Submit(context.Background(), batch)
		assert.Error(t, err)
		// MaxAttempts counts total requests, first attempt included.
		assert.Equal(t, int32(fastRetry().MaxAttempts), calls.Load())
	})

	t.Run("Does not retry a 400", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusBadRequest)
		}))
		defer server.Close()

		client := newTestClient(server.URL)
		_, err := client.Submit(context.Background(), batch)
		assert.Error(t, err)
		assert.Equal(t, int32(1), calls.Load())
	})
}

func TestClient_Receipts(t *testing.T) {
	t.Run("Maps ids to receipts and omits unresolved ids", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/push/getReceipts", r.URL.Path)

			var req struct {
				IDs []string `json:"ids"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, []string{"t1", "t2", "t3"}, req.IDs)

			_ = json.NewEncoder(w).Encode(map[string]any{
				"data": map[string]any{
					"t1": map[string]any{"status": "ok"},
					"t2": map[string]any{"status": "error", "message": "gone", "details": map[string]string{"error": "DeviceNotRegistered"}},
					// t3 not resolved yet.
				},
			})
		}))
		defer server.Close()

		client := newTestClient(server.URL)
		receipts, err := client.Receipts(context.Background(), []string{"t1", "t2", "t3"})
		require.NoError(t, err)

		require.Len(t, receipts, 2)
		assert.Equal(t, dispatch.SubmissionOK, receipts["t1"].Status)
		assert.True(t, receipts["t2"].IsPermanent())
		_, ok := receipts["t3"]
		assert.False(t, ok)
	})

	t.Run("Empty id list never hits the network", func(t *testing.T) {
		client := newTestClient("http://unreachable.invalid")
		receipts, err := client.Receipts(context.Background(), nil)
		require.NoError(t, err)
		assert.Empty(t, receipts)
	})

	t.Run("Oversized id list is rejected locally", func(t *testing.T) {
		client := newTestClient("http://unreachable.invalid")
		ids := make([]string, 1001)
		_, err := client.Receipts(context.Background(), ids)
		assert.Error(t, err)
	})
}
