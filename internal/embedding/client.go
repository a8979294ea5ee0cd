// Package embedding implements ingest.Embedder against an OpenAI/Jina style
// /embeddings HTTP endpoint.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	passageTask = "retrieval.passage"
	queryTask   = "retrieval.query"
)

// ErrDimensionMismatch is returned when the service answers with vectors of
// an unexpected length.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Config holds configuration for the embedding client.
type Config struct {
	BaseURL    string
	Model      string
	APIKey     string
	Dimensions int
	Timeout    time.Duration
	// SendTask adds the Jina "task" field to requests.
	SendTask bool
}

// Client calls the embeddings endpoint.
type Client struct {
	client     *resty.Client
	endpoint   string
	model      string
	dimensions int
	sendTask   bool
}

// New creates a Client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("embedding base url is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("embedding model is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	if cfg.APIKey != "" {
		client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	}
	return &Client{
		client:     client,
		endpoint:   strings.TrimRight(cfg.BaseURL, "/") + "/embeddings",
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
		sendTask:   cfg.SendTask,
	}, nil
}

// Model returns the model name being used.
func (c *Client) Model() string {
	return c.model
}

type embedRequest struct {
	Model         string   `json:"model"`
	Task          string   `json:"task,omitempty"`
	Dimensions    int      `json:"dimensions,omitempty"`
	Input         []string `json:"input"`
	EmbeddingType string   `json:"embedding_type,omitempty"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

type errorResponse struct {
	Detail string `json:"detail"`
	Error  struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (e errorResponse) message() string {
	if e.Detail != "" {
		return e.Detail
	}
	return e.Error.Message
}

// EmbedBatch returns one vector per text, in input order.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	return c.embed(ctx, texts, passageTask)
}

// EmbedQuery returns the vector of a search query.
func (c *Client) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	vectors, err := c.embed(ctx, []string{query}, queryTask)
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (c *Client) embed(ctx context.Context, texts []string, task string) ([][]float32, error) {
	req := embedRequest{
		Model:      c.model,
		Dimensions: c.dimensions,
		Input:      texts,
	}
	if c.sendTask {
		req.Task = task
		req.EmbeddingType = "float"
	}

	var (
		resp   embedResponse
		apiErr errorResponse
	)
	httpResp, err := c.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&resp).
		SetError(&apiErr).
		Post(c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("call embeddings api: %w", err)
	}
	if httpResp.StatusCode() != http.StatusOK {
		if msg := apiErr.message(); msg != "" {
			return nil, fmt.Errorf("embeddings api error (status %d): %s", httpResp.StatusCode(), msg)
		}
		return nil, fmt.Errorf("embeddings api error: status %d", httpResp.StatusCode())
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("unexpected number of embeddings: got %d, expected %d", len(resp.Data), len(texts))
	}

	vectors := make([][]float32, len(texts))
	for _, item := range resp.Data {
		if item.Index < 0 || item.Index >= len(vectors) {
			return nil, fmt.Errorf("embedding index %d out of range", item.Index)
		}
		if c.dimensions > 0 && len(item.Embedding) != c.dimensions {
			return nil, fmt.Errorf("%w: got %d, expected %d", ErrDimensionMismatch, len(item.Embedding), c.dimensions)
		}
		vectors[item.Index] = item.Embedding
	}
	for i, v := range vectors {
		if v == nil {
			return nil, fmt.Errorf("missing embedding for input %d", i)
		}
	}
	return vectors, nil
}
