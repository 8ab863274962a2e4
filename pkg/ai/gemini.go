package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

const (
	defaultChatModel  = "gemini-2.5-flash"
	defaultImageModel = "imagen-4.0-generate-001"
	defaultEditModel  = "gemini-2.5-flash-image"
)

// systemInstruction carries the assistant persona and the response
// conventions for image generation and editing.
const systemInstruction = `You are SUNCO AI, a powerful, friendly, and helpful multimodal AI assistant.
- Your responses should be informative, friendly, and engaging.
- You can process text, images, and various file types.
- When generating images, use the phrase "Here is the image you requested:"
- When editing images, use the phrase "Here is the edited image:"
- When analyzing files, provide concise summaries or answer specific questions about the content.`

// GeminiClient calls the Google AI Studio (Gemini) API.
type GeminiClient struct {
	apiKey     string
	baseURL    string
	chatModel  string
	imageModel string
	editModel  string

	httpClient *http.Client
	// streamClient has no overall timeout so long replies are not cut off.
	streamClient *http.Client
}

// GeminiOption customizes a GeminiClient.
type GeminiOption func(*GeminiClient)

// WithBaseURL overrides the API endpoint (used by tests).
func WithBaseURL(baseURL string) GeminiOption {
	return func(c *GeminiClient) { c.baseURL = strings.TrimRight(baseURL, "/") }
}

// WithModels overrides the chat, image-generation, and image-edit models.
// Empty values keep the defaults.
func WithModels(chatModel, imageModel, editModel string) GeminiOption {
	return func(c *GeminiClient) {
		if chatModel != "" {
			c.chatModel = normalizeModel(chatModel)
		}
		if imageModel != "" {
			c.imageModel = normalizeModel(imageModel)
		}
		if editModel != "" {
			c.editModel = normalizeModel(editModel)
		}
	}
}

// NewGeminiClient constructs a client with the provided API key.
func NewGeminiClient(apiKey string, opts ...GeminiOption) (*GeminiClient, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key required")
	}
	c := &GeminiClient{
		apiKey:       apiKey,
		baseURL:      defaultGeminiBaseURL,
		chatModel:    defaultChatModel,
		imageModel:   defaultImageModel,
		editModel:    defaultEditModel,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		streamClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// StartChat begins a stateful chat, optionally seeded with prior turns.
func (c *GeminiClient) StartChat(history []Turn) Chat {
	contents := make([]content, 0, len(history))
	for _, turn := range history {
		contents = append(contents, content{
			Role:  turn.Role,
			Parts: []part{{Text: turn.Text}},
		})
	}
	return &geminiChat{client: c, history: contents}
}

// GenerateImage produces base64-encoded image bytes for a prompt.
func (c *GeminiClient) GenerateImage(ctx context.Context, prompt string) (string, error) {
	reqBody := predictRequest{
		Instances: []predictInstance{{Prompt: prompt}},
		Parameters: predictParameters{
			SampleCount:    1,
			AspectRatio:    "1:1",
			OutputMimeType: "image/jpeg",
		},
	}
	var resp predictResponse
	url := fmt.Sprintf("%s/models/%s:predict?key=%s", c.baseURL, c.imageModel, c.apiKey)
	if err := c.doJSON(ctx, url, reqBody, &resp); err != nil {
		return "", err
	}
	if len(resp.Predictions) == 0 || resp.Predictions[0].BytesBase64Encoded == "" {
		return "", ErrNoImageReturned
	}
	return resp.Predictions[0].BytesBase64Encoded, nil
}

// EditImage applies a prompt to the supplied image and returns the edited
// image as base64 bytes.
func (c *GeminiClient) EditImage(ctx context.Context, prompt, imageData, mimeType string) (string, error) {
	reqBody := generateRequest{
		Contents: []content{
			{
				Parts: []part{
					{InlineData: &inlineData{MimeType: mimeType, Data: imageData}},
					{Text: prompt},
				},
			},
		},
		GenerationConfig: &generationConfig{ResponseModalities: []string{"IMAGE"}},
	}
	var resp generateResponse
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, c.editModel, c.apiKey)
	if err := c.doJSON(ctx, url, reqBody, &resp); err != nil {
		return "", err
	}
	for _, candidate := range resp.Candidates {
		for _, p := range candidate.Content.Parts {
			if p.InlineData != nil && p.InlineData.Data != "" {
				return p.InlineData.Data, nil
			}
		}
	}
	return "", ErrNoImageReturned
}

// geminiChat accumulates turns and streams replies over SSE.
type geminiChat struct {
	client *GeminiClient

	mu      sync.Mutex
	history []content
}

// StreamMessage sends the parts and returns the reply stream. The full reply
// is appended to the chat history once the stream is drained.
func (g *geminiChat) StreamMessage(ctx context.Context, parts []Part) (Stream, error) {
	userContent := content{Role: "user"}
	for _, p := range parts {
		wire := part{Text: p.Text}
		if p.Inline != nil {
			wire = part{InlineData: &inlineData{MimeType: p.Inline.MimeType, Data: p.Inline.Data}}
		}
		userContent.Parts = append(userContent.Parts, wire)
	}

	g.mu.Lock()
	g.history = append(g.history, userContent)
	contents := make([]content, len(g.history))
	copy(contents, g.history)
	g.mu.Unlock()

	reqBody := generateRequest{
		Contents:          contents,
		SystemInstruction: &content{Parts: []part{{Text: systemInstruction}}},
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse&key=%s",
		g.client.baseURL, g.client.chatModel, g.client.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := g.client.streamClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		var errResp errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		if errResp.Error.Message != "" {
			return nil, fmt.Errorf("gemini api error: %s", errResp.Error.Message)
		}
		return nil, fmt.Errorf("gemini api error: %s", resp.Status)
	}
	return &sseStream{
		body:    resp.Body,
		scanner: bufio.NewScanner(resp.Body),
		onDone:  g.recordReply,
	}, nil
}

func (g *geminiChat) recordReply(text string) {
	g.mu.Lock()
	g.history = append(g.history, content{
		Role:  "model",
		Parts: []part{{Text: text}},
	})
	g.mu.Unlock()
}

// sseStream parses `data:` frames from a streamGenerateContent response.
type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	onDone  func(fullText string)
	full    strings.Builder
	closed  bool
}

// Recv returns the next text increment, or io.EOF when the stream ends.
func (s *sseStream) Recv() (string, error) {
	if s.closed {
		return "", io.EOF
	}
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "[DONE]" {
			continue
		}
		var chunk generateResponse
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			s.finish()
			return "", fmt.Errorf("decode stream chunk: %w", err)
		}
		text := chunkText(chunk)
		if text == "" {
			continue
		}
		s.full.WriteString(text)
		return text, nil
	}
	if err := s.scanner.Err(); err != nil {
		s.finish()
		return "", err
	}
	s.finish()
	if s.onDone != nil {
		s.onDone(s.full.String())
	}
	return "", io.EOF
}

func (s *sseStream) finish() {
	if !s.closed {
		s.closed = true
		_ = s.body.Close()
	}
}

func chunkText(resp generateResponse) string {
	var sb strings.Builder
	for _, candidate := range resp.Candidates {
		for _, p := range candidate.Content.Parts {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

func normalizeModel(model string) string {
	model = strings.TrimSpace(model)
	return strings.TrimPrefix(model, "models/")
}

func (c *GeminiClient) doJSON(ctx context.Context, url string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var errResp errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		if errResp.Error.Message != "" {
			return fmt.Errorf("gemini api error: %s", errResp.Error.Message)
		}
		return fmt.Errorf("gemini api error: %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	ResponseModalities []string `json:"responseModalities,omitempty"`
}

type generateRequest struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}

type predictInstance struct {
	Prompt string `json:"prompt"`
}

type predictParameters struct {
	SampleCount    int    `json:"sampleCount"`
	AspectRatio    string `json:"aspectRatio,omitempty"`
	OutputMimeType string `json:"outputMimeType,omitempty"`
}

type predictRequest struct {
	Instances  []predictInstance `json:"instances"`
	Parameters predictParameters `json:"parameters"`
}

type predictResponse struct {
	Predictions []struct {
		BytesBase64Encoded string `json:"bytesBase64Encoded"`
		MimeType           string `json:"mimeType"`
	} `json:"predictions"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}
