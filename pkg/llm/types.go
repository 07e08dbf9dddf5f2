// Package llm is a client for an OpenAI-compatible chat-completion gateway.
package llm

import (
	"fmt"
	"strings"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Content part types for vision messages.
const (
	PartText     = "text"
	PartImageURL = "image_url"
)

// ImageURL references an image for vision requests. URL may be a data: URL.
type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// ContentPart is one element of structured message content.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// Message is a chat message. Content is either a string or a []ContentPart.
type Message struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

// TextMessage builds a plain text message.
func TextMessage(role, text string) Message {
	return Message{Role: role, Content: text}
}

// VisionMessage builds a user message carrying a text prompt and one image.
func VisionMessage(text, imageURL string) Message {
	return Message{
		Role: RoleUser,
		Content: []ContentPart{
			{Type: PartText, Text: text},
			{Type: PartImageURL, ImageURL: &ImageURL{URL: imageURL, Detail: "auto"}},
		},
	}
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content *string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func validRole(role string) bool {
	switch role {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// normalizeMessage validates m and returns it in wire shape.
func normalizeMessage(m Message) (Message, error) {
	if !validRole(m.Role) {
		return Message{}, fmt.Errorf("invalid role %q (want user, assistant or system)", m.Role)
	}
	switch c := m.Content.(type) {
	case string:
		return m, nil
	case []ContentPart:
		if len(c) == 0 {
			return Message{}, fmt.Errorf("content parts must not be empty")
		}
		parts := make([]ContentPart, 0, len(c))
		for i, p := range c {
			np, err := normalizePart(p)
			if err != nil {
				return Message{}, fmt.Errorf("content part %d: %w", i, err)
			}
			parts = append(parts, np)
		}
		return Message{Role: m.Role, Content: parts}, nil
	case nil:
		return Message{}, fmt.Errorf("content is required")
	default:
		return Message{}, fmt.Errorf("unsupported content type %T", m.Content)
	}
}

func normalizePart(p ContentPart) (ContentPart, error) {
	switch p.Type {
	case PartText:
		return p, nil
	case PartImageURL:
		if p.ImageURL == nil || strings.TrimSpace(p.ImageURL.URL) == "" {
			return ContentPart{}, fmt.Errorf("image_url part requires a url")
		}
		img := *p.ImageURL
		if img.Detail == "" {
			img.Detail = "auto"
		}
		return ContentPart{Type: PartImageURL, ImageURL: &img}, nil
	default:
		return ContentPart{}, fmt.Errorf("unknown part type %q", p.Type)
	}
}
