package region

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"time"
)

// VectorStore talks to a Qdrant REST endpoint.
type VectorStore struct {
	url    string
	client *http.Client
}

// NewVectorStore creates a Qdrant REST client.
func NewVectorStore(url string, client *http.Client) *VectorStore {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &VectorStore{url: url, client: client}
}

// do runs one REST call. A nil out skips decoding; statuses outside ok are
// errors tagged with the path.
func (s *VectorStore) do(ctx context.Context, method, path string, in, out any, ok ...int) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("qdrant %s: marshal: %w", path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.url+path, body)
	if err != nil {
		return fmt.Errorf("qdrant %s: %w", path, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("qdrant %s: %w", path, err)
	}
	defer resp.Body.Close()

	if len(ok) == 0 {
		ok = []int{http.StatusOK}
	}
	if !slices.Contains(ok, resp.StatusCode) {
		return fmt.Errorf("qdrant %s: status %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err = json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("qdrant %s: decode: %w", path, err)
	}
	return nil
}

// EnsureCollection creates a collection if it doesn't already exist. A 409
// means it is already there.
func (s *VectorStore) EnsureCollection(ctx context.Context, name string, vectorSize int) error {
	cfg := createCollectionRequest{Vectors: vectorConfig{Size: vectorSize, Distance: "Cosine"}}
	return s.do(ctx, http.MethodPut, "/collections/"+name, cfg, nil,
		http.StatusOK, http.StatusConflict)
}

// Point is one stored vector with payload.
type Point struct {
	ID      string         `json:"id"`
	Vector  []float64      `json:"vector"`
	Payload map[string]any `json:"payload"`
}

// Upsert inserts or updates points in a collection.
func (s *VectorStore) Upsert(ctx context.Context, collection string, points []Point) error {
	return s.do(ctx, http.MethodPut, "/collections/"+collection+"/points",
		upsertRequest{Points: points}, nil)
}

// Geo is a coordinate in Qdrant's payload convention.
type Geo struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// SearchQuery describes one nearest-neighbor search. A non-nil Near restricts
// hits to a geo radius around the point.
type SearchQuery struct {
	Vector         []float64
	Limit          int
	ScoreThreshold float64
	Near           *Geo
	RadiusM        float64
}

// Hit is a single search result.
type Hit struct {
	ID      string         `json:"id"`
	Score   float64        `json:"score"`
	Payload map[string]any `json:"payload"`
}

// Search finds nearest neighbors in a collection.
func (s *VectorStore) Search(ctx context.Context, collection string, q SearchQuery) ([]Hit, error) {
	body := searchRequest{
		Vector:         q.Vector,
		Limit:          q.Limit,
		ScoreThreshold: q.ScoreThreshold,
		WithPayload:    true,
	}
	if q.Near != nil && q.RadiusM > 0 {
		body.Filter = &searchFilter{
			Must: []filterClause{{
				Key:       "location",
				GeoRadius: &geoRadius{Center: *q.Near, Radius: q.RadiusM},
			}},
		}
	}

	var result searchResponse
	if err := s.do(ctx, http.MethodPost, "/collections/"+collection+"/points/search", body, &result); err != nil {
		return nil, err
	}
	return result.Result, nil
}

// Count returns the number of points in a collection.
func (s *VectorStore) Count(ctx context.Context, collection string) (int, error) {
	var result collectionInfo
	if err := s.do(ctx, http.MethodGet, "/collections/"+collection, nil, &result); err != nil {
		return 0, err
	}
	return result.Result.PointsCount, nil
}

type createCollectionRequest struct {
	Vectors vectorConfig `json:"vectors"`
}

type vectorConfig struct {
	Size     int    `json:"size"`
	Distance string `json:"distance"`
}

type upsertRequest struct {
	Points []Point `json:"points"`
}

type searchRequest struct {
	Vector         []float64     `json:"vector"`
	Limit          int           `json:"limit"`
	ScoreThreshold float64       `json:"score_threshold"`
	WithPayload    bool          `json:"with_payload"`
	Filter         *searchFilter `json:"filter,omitempty"`
}

type searchFilter struct {
	Must []filterClause `json:"must"`
}

type filterClause struct {
	Key       string     `json:"key"`
	GeoRadius *geoRadius `json:"geo_radius,omitempty"`
}

type geoRadius struct {
	Center Geo     `json:"center"`
	Radius float64 `json:"radius"`
}

type searchResponse struct {
	Result []Hit `json:"result"`
}

type collectionInfo struct {
	Result struct {
		PointsCount int `json:"points_count"`
	} `json:"result"`
}
