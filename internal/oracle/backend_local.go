package oracle

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// LocalBackend talks to an Ollama-compatible server for development and
// offline runs. It handles text and image attachments; audio stages must be
// routed elsewhere.
type LocalBackend struct {
	url    string
	model  string
	client *http.Client
}

// NewLocalBackend creates a backend against an Ollama-style /api/chat endpoint.
func NewLocalBackend(url, model string, poolSize int) *LocalBackend {
	return &LocalBackend{
		url:    url,
		model:  model,
		client: NewPooledHTTPClient(poolSize, 120*time.Second),
	}
}

type localMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type localRequest struct {
	Model    string         `json:"model"`
	Stream   bool           `json:"stream"`
	Format   string         `json:"format,omitempty"`
	Messages []localMessage `json:"messages"`
	Options  localOptions   `json:"options"`
}

type localOptions struct {
	NumPredict int `json:"num_predict"`
}

type localResponse struct {
	Message localMessage `json:"message"`
	Done    bool         `json:"done"`
}

func (b *LocalBackend) Complete(ctx context.Context, p Prompt) (string, error) {
	model := b.model
	if p.Model != "" {
		model = p.Model
	}

	user := localMessage{Role: "user", Content: p.User}
	for _, m := range p.Media {
		if strings.HasPrefix(m.MIME, "audio/") {
			return "", Fatal(errors.New("local backend cannot consume audio"))
		}
		user.Images = append(user.Images, base64.StdEncoding.EncodeToString(m.Data))
	}

	reqBody := localRequest{
		Model:    model,
		Stream:   false,
		Messages: []localMessage{{Role: "system", Content: p.System}, user},
		Options:  localOptions{NumPredict: p.MaxTokens},
	}
	if p.JSON {
		reqBody.Format = "json"
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", Fatal(fmt.Errorf("marshal local oracle request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, "POST", b.url+"/api/chat", bytes.NewReader(bodyBytes))
	if err != nil {
		return "", Fatal(fmt.Errorf("create local oracle request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return "", Transient(fmt.Errorf("local oracle request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("local oracle status %d: %s", resp.StatusCode, errBody)
		if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusBadRequest {
			return "", Fatal(err)
		}
		return "", Transient(err)
	}

	var out localResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", Malformed(fmt.Errorf("decode local oracle response: %w", err))
	}
	return out.Message.Content, nil
}
