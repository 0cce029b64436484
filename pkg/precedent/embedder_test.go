package precedent

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashEmbedderDeterministic(t *testing.T) {
	ctx := context.Background()
	e := NewHashEmbedder(128)

	a, err := e.Embed(ctx, "the same sentence")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "the same sentence")
	require.NoError(t, err)
	c, err := e.Embed(ctx, "a different sentence")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 128)
}

func TestHashEmbedderUnitNorm(t *testing.T) {
	e := NewHashEmbedder(128)
	vec, err := e.Embed(context.Background(), "normalize these tokens please")
	require.NoError(t, err)

	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, sum, 1e-6)
}

func TestHashEmbedderEmptyText(t *testing.T) {
	e := NewHashEmbedder(32)
	vec, err := e.Embed(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, vec, 32)
	for _, v := range vec {
		assert.Zero(t, v)
	}
}

func TestHashEmbedderDefaultDims(t *testing.T) {
	assert.Equal(t, 256, NewHashEmbedder(0).Dimensions())
	assert.Equal(t, 64, NewHashEmbedder(64).Dimensions())
}

func TestCosineSimilarity(t *testing.T) {
	cases := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 0, 0}, []float32{1, 0, 0}, 1},
		{"orthogonal", []float32{1, 0, 0}, []float32{0, 1, 0}, 0},
		{"opposite", []float32{1, 0, 0}, []float32{-1, 0, 0}, -1},
		{"scaled", []float32{2, 0, 0}, []float32{5, 0, 0}, 1},
		{"length mismatch", []float32{1, 0}, []float32{1, 0, 0}, 0},
		{"empty", nil, nil, 0},
		{"zero vector", []float32{0, 0, 0}, []float32{1, 0, 0}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, CosineSimilarity(tc.a, tc.b), 1e-9)
		})
	}
}

func TestEuclideanSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, EuclideanSimilarity([]float32{1, 2}, []float32{1, 2}), 1e-9)
	// Distance 1 maps to 1/(1+1).
	assert.InDelta(t, 0.5, EuclideanSimilarity([]float32{0, 0}, []float32{1, 0}), 1e-9)
	assert.Zero(t, EuclideanSimilarity([]float32{1}, []float32{1, 2}))
}

func TestDotSimilarity(t *testing.T) {
	assert.InDelta(t, 11.0, DotSimilarity([]float32{1, 2}, []float32{3, 4}), 1e-9)
	assert.Zero(t, DotSimilarity([]float32{1}, []float32{1, 2}))
}

func TestSimilarityForMetric(t *testing.T) {
	a := []float32{1, 0}
	b := []float32{1, 1}

	assert.InDelta(t, 1/math.Sqrt2, similarityFor(MetricCosine, a, b), 1e-9)
	assert.InDelta(t, 1/(1+1.0), similarityFor(MetricEuclidean, a, b), 1e-9)
	assert.InDelta(t, 1.0, similarityFor(MetricDot, a, b), 1e-9)
	// Unknown metrics fall back to cosine.
	assert.InDelta(t, 1/math.Sqrt2, similarityFor(Metric("manhattan"), a, b), 1e-9)
}

func TestHTTPEmbedderRequestAndResponse(t *testing.T) {
	var gotAuth string
	var gotReq embeddingRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"embedding": []float32{0.1, 0.2, 0.3}, "index": 0}},
		})
	}))
	defer srv.Close()

	e := NewHTTPEmbedder(srv.URL, "sk-test", "text-embedding-3-small", 3)
	vec, err := e.Embed(context.Background(), "embed me")
	require.NoError(t, err)

	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, []string{"embed me"}, gotReq.Input)
	assert.Equal(t, "text-embedding-3-small", gotReq.Model)
}

func TestHTTPEmbedderAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "rate limited", "type": "rate_limit"},
		})
	}))
	defer srv.Close()

	e := NewHTTPEmbedder(srv.URL, "", "", 3)
	_, err := e.Embed(context.Background(), "embed me")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
}

func TestHTTPEmbedderEmptyData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"data": []any{}})
	}))
	defer srv.Close()

	e := NewHTTPEmbedder(srv.URL, "", "", 3)
	_, err := e.Embed(context.Background(), "embed me")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no embedding")
}

func TestHTTPEmbedderDefaults(t *testing.T) {
	e := NewHTTPEmbedder("", "", "", 0)
	assert.Equal(t, 1536, e.Dimensions())
	assert.Equal(t, "https://api.openai.com/v1/embeddings", e.endpoint)
}
