package oracle

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/shared"
)

// OpenAIBackend calls the hosted chat completions API. It is the only backend
// that accepts both image and audio attachments, so media-bearing stages
// default here.
type OpenAIBackend struct {
	client openai.Client
	model  string
}

// NewOpenAIBackend creates a hosted multimodal backend. baseURL may point at
// any OpenAI-compatible endpoint; empty means the public API.
func NewOpenAIBackend(apiKey, baseURL, model string, httpClient *http.Client) *OpenAIBackend {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}
	return &OpenAIBackend{client: openai.NewClient(opts...), model: model}
}

func (b *OpenAIBackend) Complete(ctx context.Context, p Prompt) (string, error) {
	model := b.model
	if p.Model != "" {
		model = p.Model
	}

	parts := []openai.ChatCompletionContentPartUnionParam{openai.TextContentPart(p.User)}
	for _, m := range p.Media {
		part, err := mediaPart(m)
		if err != nil {
			return "", err
		}
		parts = append(parts, part)
	}

	params := openai.ChatCompletionNewParams{
		Model:               shared.ChatModel(model),
		MaxCompletionTokens: openai.Int(int64(p.MaxTokens)),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(p.System),
			openai.UserMessage(parts),
		},
	}

	completion, err := b.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", classifyAPI(fmt.Errorf("oracle chat: %w", err))
	}
	if len(completion.Choices) == 0 {
		return "", Malformed(errors.New("completion has no choices"))
	}
	return completion.Choices[0].Message.Content, nil
}

func mediaPart(m Media) (openai.ChatCompletionContentPartUnionParam, error) {
	encoded := base64.StdEncoding.EncodeToString(m.Data)
	switch {
	case strings.HasPrefix(m.MIME, "image/"):
		return openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
			URL: "data:" + m.MIME + ";base64," + encoded,
		}), nil
	case strings.HasPrefix(m.MIME, "audio/"):
		return openai.InputAudioContentPart(openai.ChatCompletionContentPartInputAudioInputAudioParam{
			Data:   encoded,
			Format: audioFormat(m.MIME),
		}), nil
	}
	return openai.ChatCompletionContentPartUnionParam{}, Fatal(fmt.Errorf("unsupported media type %q", m.MIME))
}

func audioFormat(mime string) string {
	if strings.Contains(mime, "mp3") || strings.Contains(mime, "mpeg") {
		return "mp3"
	}
	return "wav"
}

// classifyAPI maps API errors onto retry classes. Credential and request-shape
// failures will not heal on retry; everything else might.
func classifyAPI(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden,
			http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity:
			return Fatal(err)
		}
	}
	return Transient(err)
}
