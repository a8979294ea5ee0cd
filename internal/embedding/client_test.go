package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

type capturedRequest struct {
	Model string   `json:"model"`
	Task  string   `json:"task"`
	Input []string `json:"input"`
}

func newServer(t *testing.T, handler func(w http.ResponseWriter, req capturedRequest)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/embeddings", r.URL.Path)
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var req capturedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")
		handler(w, req)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestEmbedBatchReordersByIndex(t *testing.T) {
	t.Parallel()

	srv := newServer(t, func(w http.ResponseWriter, req capturedRequest) {
		require.Equal(t, "bge-m3", req.Model)
		require.Equal(t, "retrieval.passage", req.Task)
		require.Equal(t, []string{"Điều 1", "Điều 2"}, req.Input)
		_, _ = w.Write([]byte(`{"data":[{"index":1,"embedding":[0,1]},{"index":0,"embedding":[1,0]}]}`))
	})

	c, err := New(Config{BaseURL: srv.URL + "/v1/", Model: "bge-m3", APIKey: "secret", Dimensions: 2, SendTask: true})
	require.NoError(t, err)

	vectors, err := c.EmbedBatch(context.Background(), []string{"Điều 1", "Điều 2"})
	require.NoError(t, err)
	require.Equal(t, [][]float32{{1, 0}, {0, 1}}, vectors)
}

func TestEmbedQuery(t *testing.T) {
	t.Parallel()

	srv := newServer(t, func(w http.ResponseWriter, req capturedRequest) {
		require.Empty(t, req.Task)
		_, _ = w.Write([]byte(`{"data":[{"index":0,"embedding":[0.5,0.5]}]}`))
	})

	c, err := New(Config{BaseURL: srv.URL + "/v1", Model: "m", APIKey: "secret"})
	require.NoError(t, err)

	vector, err := c.EmbedQuery(context.Background(), "thời hạn sử dụng đất")
	require.NoError(t, err)
	require.Equal(t, []float32{0.5, 0.5}, vector)
}

func TestEmbedBatchErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		body   string
		errMsg string
	}{
		{"api error", http.StatusTooManyRequests, `{"detail":"rate limited"}`, "rate limited"},
		{"openai style error", http.StatusBadRequest, `{"error":{"message":"bad input"}}`, "bad input"},
		{"count mismatch", http.StatusOK, `{"data":[{"index":0,"embedding":[1,0]}]}`, "unexpected number of embeddings"},
		{"dimension mismatch", http.StatusOK, `{"data":[{"index":0,"embedding":[1]},{"index":1,"embedding":[1]}]}`, "dimension mismatch"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := newServer(t, func(w http.ResponseWriter, _ capturedRequest) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})
			c, err := New(Config{BaseURL: srv.URL + "/v1", Model: "m", APIKey: "secret", Dimensions: 2})
			require.NoError(t, err)

			_, err = c.EmbedBatch(context.Background(), []string{"a", "b"})
			require.ErrorContains(t, err, tc.errMsg)
		})
	}
}

func TestEmbedBatchEmptyInput(t *testing.T) {
	t.Parallel()

	c, err := New(Config{BaseURL: "http://127.0.0.1:1", Model: "m"})
	require.NoError(t, err)
	vectors, err := c.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	require.Empty(t, vectors)
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Model: "m"})
	require.Error(t, err)
	_, err = New(Config{BaseURL: "http://x"})
	require.Error(t, err)
}
