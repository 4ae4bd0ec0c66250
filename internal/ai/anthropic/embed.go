package anthropic

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// cacheKey derives the embedding cache key from the post-scrub source text
// plus model version, per §4.7 ("keyed by the hash of the post-scrub source
// text plus model version").
func cacheKey(text, modelVersion string) string {
	sum := sha256.Sum256([]byte(modelVersion + "\x00" + text))
	return hex.EncodeToString(sum[:])
}

const httpEmbedTimeout = 30 * time.Second

// httpEmbedder calls a generic OpenAI-compatible embeddings endpoint over
// plain HTTP. No example repo in the corpus ships an embeddings HTTP
// client (the closest candidate, ezbookkeeping's ai_assistant_embeddings.go,
// is a storage/cache layer, not a network caller), so this is hand-rolled
// against the teacher's WebhookSink POST idiom (internal/alert/webhook.go):
// a bare *http.Client, a JSON marshal, a POST, and a status-code check.
type httpEmbedder struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
}

// NewHTTPEmbedder builds an Embedder posting to endpoint with the given API
// key and model name.
func NewHTTPEmbedder(endpoint, apiKey, model string) Embedder {
	return &httpEmbedder{
		endpoint: endpoint,
		apiKey:   apiKey,
		model:    model,
		client:   &http.Client{Timeout: httpEmbedTimeout},
	}
}

type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Usage struct {
		TotalTokens int64 `json:"total_tokens"`
	} `json:"usage"`
}

func (e *httpEmbedder) Embed(ctx context.Context, text string) ([]float32, int64, error) {
	body, err := json.Marshal(embedRequest{Model: e.model, Input: text})
	if err != nil {
		return nil, 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("embeddings POST failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return nil, 0, fmt.Errorf("embeddings endpoint returned status %d", resp.StatusCode)
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, 0, fmt.Errorf("decoding embeddings response: %w", err)
	}
	if len(out.Data) == 0 {
		return nil, 0, fmt.Errorf("embeddings response contained no vectors")
	}

	return out.Data[0].Embedding, out.Usage.TotalTokens, nil
}
