package precedent

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"
)

// Embedder turns case text into the vector a backend searches over.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// HTTPEmbedder calls an OpenAI-compatible /v1/embeddings endpoint. Any
// service speaking that shape works: OpenAI itself, Ollama, vLLM, or a
// local proxy.
type HTTPEmbedder struct {
	endpoint string
	apiKey   string
	model    string
	dims     int
	client   *http.Client
}

// NewHTTPEmbedder builds a client for the given endpoint and model. An
// empty endpoint targets the OpenAI API; dims declares the vector size the
// model produces.
func NewHTTPEmbedder(endpoint, apiKey, model string, dims int) *HTTPEmbedder {
	if endpoint == "" {
		endpoint = "https://api.openai.com/v1/embeddings"
	}
	if dims <= 0 {
		dims = 1536
	}
	return &HTTPEmbedder{
		endpoint: endpoint,
		apiKey:   apiKey,
		model:    model,
		dims:     dims,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (e *HTTPEmbedder) Dimensions() int { return e.dims }

type embeddingRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Embed requests one embedding. Failures wrap the transport or API error;
// callers degrade retrieval to empty results on error.
func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	reqBody, err := json.Marshal(embeddingRequest{Input: []string{text}, Model: e.model})
	if err != nil {
		return nil, fmt.Errorf("embed: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("embed: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("embed: read response: %w", err)
	}

	var result embeddingResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("embed: unmarshal response: %w", err)
	}
	if result.Error != nil {
		return nil, fmt.Errorf("embed: api error: %s: %s", result.Error.Type, result.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embed: unexpected status %d: %s", resp.StatusCode, string(body))
	}
	if len(result.Data) == 0 {
		return nil, fmt.Errorf("embed: no embedding returned")
	}
	return result.Data[0].Embedding, nil
}

// HashEmbedder derives a deterministic unit vector from token hashes. It
// carries no semantics beyond token overlap, which is enough for the file
// backend and for tests: identical text always embeds identically, and
// texts sharing words land near each other.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder builds a deterministic embedder of the given
// dimensionality. Non-positive dims defaults to 256.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = 256
	}
	return &HashEmbedder{dims: dims}
}

func (e *HashEmbedder) Dimensions() int { return e.dims }

// Embed hashes each whitespace token into a bucket and L2-normalizes the
// bucket counts. Never fails.
func (e *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dims)
	start := -1
	for i := 0; i <= len(text); i++ {
		boundary := i == len(text) || text[i] == ' ' || text[i] == '\t' || text[i] == '\n' || text[i] == '\r'
		switch {
		case boundary && start >= 0:
			e.addToken(vec, text[start:i])
			start = -1
		case !boundary && start < 0:
			start = i
		}
	}
	return normalize(vec), nil
}

func (e *HashEmbedder) addToken(vec []float32, token string) {
	sum := sha256.Sum256([]byte(token))
	bucket := binary.BigEndian.Uint32(sum[:4]) % uint32(e.dims) //nolint:gosec // dims is positive
	sign := float32(1)
	if sum[4]&1 == 1 {
		sign = -1
	}
	vec[bucket] += sign
}

func normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}

// CosineSimilarity computes the cosine of the angle between a and b,
// clamped to [-1, 1]. Mismatched lengths score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	switch {
	case sim > 1:
		return 1
	case sim < -1:
		return -1
	default:
		return sim
	}
}

// DotSimilarity is the raw inner product of a and b.
func DotSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

// EuclideanSimilarity maps L2 distance into (0, 1]: identical vectors score
// 1 and the score decays with distance.
func EuclideanSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return 1 / (1 + math.Sqrt(sum))
}

// similarityFor dispatches on the metric. Unknown metrics fall back to
// cosine, the default everywhere else in the package.
func similarityFor(metric Metric, a, b []float32) float64 {
	switch metric {
	case MetricEuclidean:
		return EuclideanSimilarity(a, b)
	case MetricDot:
		return DotSimilarity(a, b)
	default:
		return CosineSimilarity(a, b)
	}
}
