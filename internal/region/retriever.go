package region

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ecotrails/insight-gateway/internal/metrics"
)

// Fact is one piece of regional trail knowledge: flora, fauna, geology,
// history, or conditions tied to a place.
type Fact struct {
	ID     string   `json:"id"`
	Region string   `json:"region"`
	Text   string   `json:"text"`
	Lat    float64  `json:"lat"`
	Lng    float64  `json:"lng"`
	Tags   []string `json:"tags,omitempty"`
}

// Config wires a Retriever.
type Config struct {
	Embedder       *Embedder
	Store          *VectorStore
	Collection     string
	TopK           int
	ScoreThreshold float64
	RadiusM        float64 // geo restriction around the query point; 0 disables
}

// Retriever answers "what is known about the area this hike crossed".
type Retriever struct {
	embedder       *Embedder
	store          *VectorStore
	collection     string
	topK           int
	scoreThreshold float64
	radiusM        float64
}

// NewRetriever creates a region knowledge retriever.
func NewRetriever(cfg Config) *Retriever {
	if cfg.TopK <= 0 {
		cfg.TopK = 4
	}
	return &Retriever{
		embedder:       cfg.Embedder,
		store:          cfg.Store,
		collection:     cfg.Collection,
		topK:           cfg.TopK,
		scoreThreshold: cfg.ScoreThreshold,
		radiusM:        cfg.RadiusM,
	}
}

// Context embeds the query, searches facts near the given point, and returns
// them formatted for prompt inclusion. Empty string means nothing relevant.
func (r *Retriever) Context(ctx context.Context, near *Geo, query string) (string, error) {
	start := time.Now()

	vector, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return "", fmt.Errorf("embed region query: %w", err)
	}

	hits, err := r.store.Search(ctx, r.collection, SearchQuery{
		Vector:         vector,
		Limit:          r.topK,
		ScoreThreshold: r.scoreThreshold,
		Near:           near,
		RadiusM:        r.radiusM,
	})
	if err != nil {
		return "", fmt.Errorf("region search: %w", err)
	}

	metrics.RegionLookupDuration.Observe(time.Since(start).Seconds())

	if len(hits) == 0 {
		return "", nil
	}
	return formatHits(hits), nil
}

// Seed embeds and stores facts. Used by the seeding command and by tests.
func (r *Retriever) Seed(ctx context.Context, facts []Fact) error {
	points := make([]Point, 0, len(facts))
	for _, f := range facts {
		vector, err := r.embedder.Embed(ctx, f.Text)
		if err != nil {
			return fmt.Errorf("embed fact %q: %w", f.Region, err)
		}
		id := f.ID
		if id == "" {
			id = uuid.NewString()
		}
		payload := map[string]any{
			"text":     f.Text,
			"region":   f.Region,
			"location": Geo{Lat: f.Lat, Lon: f.Lng},
		}
		if len(f.Tags) > 0 {
			payload["tags"] = f.Tags
		}
		points = append(points, Point{ID: id, Vector: vector, Payload: payload})
	}
	if err := r.store.Upsert(ctx, r.collection, points); err != nil {
		return fmt.Errorf("upsert facts: %w", err)
	}
	return nil
}

func formatHits(hits []Hit) string {
	parts := make([]string, 0, len(hits))
	for _, h := range hits {
		text, ok := h.Payload["text"].(string)
		if !ok {
			text = fmt.Sprintf("%v", h.Payload["text"])
		}
		if region, ok := h.Payload["region"].(string); ok && region != "" {
			text = "[" + region + "] " + text
		}
		parts = append(parts, text)
	}
	return strings.Join(parts, "\n---\n")
}
