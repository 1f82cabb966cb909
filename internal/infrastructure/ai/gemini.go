// Package ai talks to the Gemini REST API on behalf of the reserved
// assistant chat.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"chatnest/internal/core/domain"
	"chatnest/internal/core/ports"
	"chatnest/pkg/circuitbreaker"
	"chatnest/pkg/config"
	"chatnest/pkg/retry"
	"chatnest/pkg/utils"

	"go.uber.org/zap"
)

const (
	systemInstruction = "You are Neo, a futuristic AI friend living in ChatNest. " +
		"You are witty, helpful, and love metaphors. Use search grounding for facts."

	emptyReplyText = "I'm processing but couldn't generate text."

	defaultPollInterval = 10 * time.Second
	maxErrorBody        = 4 << 10
)

// errRejected marks responses that will not improve on retry.
var errRejected = errors.New("request rejected")

// APIError is a non-2xx answer from the API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gemini: status %d: %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	if e.Status >= 400 && e.Status < 500 && e.Status != http.StatusTooManyRequests {
		return errRejected
	}
	return nil
}

type ClientConfig struct {
	BaseURL      string
	Model        string
	ImageModel   string
	VideoModel   string
	APIKey       string
	Timeout      time.Duration
	PollInterval time.Duration
	Retry        retry.Config
	Breaker      circuitbreaker.Config
}

// ClientConfigFrom maps the ai section of the application config.
func ClientConfigFrom(cfg *config.Config) ClientConfig {
	r := retry.DefaultConfig()
	r.NonRetryableErrors = []error{errRejected}
	return ClientConfig{
		BaseURL:    cfg.AI.BaseURL,
		Model:      cfg.AI.Model,
		ImageModel: cfg.AI.ImageModel,
		VideoModel: cfg.AI.VideoModel,
		APIKey:     cfg.AI.APIKey,
		Timeout:    cfg.AI.Timeout,
		Retry:      r,
		Breaker:    circuitbreaker.DefaultConfig(),
	}
}

// Client implements ports.Assistant. Every call runs behind a circuit
// breaker so a dead backend fails fast instead of stalling the chat.
type Client struct {
	cfg     ClientConfig
	http    *http.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.SugaredLogger
}

var _ ports.Assistant = (*Client)(nil)

func NewClient(cfg ClientConfig, logger *zap.SugaredLogger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	c := &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: circuitbreaker.New(cfg.Breaker),
		logger:  logger,
	}
	c.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("assistant backend breaker changed state", "from", from.String(), "to", to.String())
	})
	logger.Infow("assistant backend configured",
		"base_url", cfg.BaseURL,
		"model", cfg.Model,
		"api_key", utils.MaskSensitive(cfg.APIKey, 4),
	)
	return c
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type tool struct {
	GoogleSearch *struct{} `json:"googleSearch,omitempty"`
}

type generateRequest struct {
	Contents          []content `json:"contents"`
	SystemInstruction *content  `json:"systemInstruction,omitempty"`
	Tools             []tool    `json:"tools,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content           content `json:"content"`
		GroundingMetadata *struct {
			GroundingChunks []struct {
				Web *domain.Source `json:"web"`
			} `json:"groundingChunks"`
		} `json:"groundingMetadata"`
	} `json:"candidates"`
}

type videoRequest struct {
	Instances  []videoInstance `json:"instances"`
	Parameters videoParameters `json:"parameters"`
}

type videoInstance struct {
	Prompt string `json:"prompt"`
}

type videoParameters struct {
	NumberOfVideos int    `json:"numberOfVideos"`
	Resolution     string `json:"resolution"`
	AspectRatio    string `json:"aspectRatio"`
}

type operation struct {
	Name     string `json:"name"`
	Done     bool   `json:"done"`
	Error    *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Response *struct {
		GenerateVideoResponse struct {
			GeneratedSamples []struct {
				Video struct {
					URI string `json:"uri"`
				} `json:"video"`
			} `json:"generatedSamples"`
		} `json:"generateVideoResponse"`
	} `json:"response"`
}

// ChatResponse asks the chat model with recent history and search grounding.
func (c *Client) ChatResponse(ctx context.Context, prompt string, history []ports.AssistantTurn) (ports.AssistantReply, error) {
	if err := c.ready(); err != nil {
		return ports.AssistantReply{}, err
	}

	contents := make([]content, 0, len(history)+1)
	for _, turn := range history {
		role := "user"
		if turn.Role == "model" {
			role = "model"
		}
		contents = append(contents, content{Role: role, Parts: []part{{Text: turn.Text}}})
	}
	contents = append(contents, content{Role: "user", Parts: []part{{Text: prompt}}})

	req := generateRequest{
		Contents:          contents,
		SystemInstruction: &content{Parts: []part{{Text: systemInstruction}}},
		Tools:             []tool{{GoogleSearch: &struct{}{}}},
	}

	resp, err := c.generate(ctx, c.cfg.Model, req)
	if err != nil {
		return ports.AssistantReply{}, err
	}

	reply := ports.AssistantReply{Text: emptyReplyText}
	if len(resp.Candidates) == 0 {
		return reply, nil
	}
	cand := resp.Candidates[0]

	var text strings.Builder
	for _, p := range cand.Content.Parts {
		text.WriteString(p.Text)
	}
	if text.Len() > 0 {
		reply.Text = text.String()
	}
	if cand.GroundingMetadata != nil {
		for _, chunk := range cand.GroundingMetadata.GroundingChunks {
			if chunk.Web != nil && chunk.Web.URI != "" {
				reply.Sources = append(reply.Sources, *chunk.Web)
			}
		}
	}
	return reply, nil
}

// GenerateImage returns the first inline image as a data URL.
func (c *Client) GenerateImage(ctx context.Context, prompt string) (string, error) {
	if err := c.ready(); err != nil {
		return "", err
	}

	resp, err := c.generate(ctx, c.cfg.ImageModel, generateRequest{
		Contents: []content{{Parts: []part{{Text: prompt}}}},
	})
	if err != nil {
		return "", err
	}

	for _, cand := range resp.Candidates {
		for _, p := range cand.Content.Parts {
			if p.InlineData != nil && p.InlineData.Data != "" {
				return fmt.Sprintf("data:%s;base64,%s", p.InlineData.MimeType, p.InlineData.Data), nil
			}
		}
	}
	return "", fmt.Errorf("no image in response: %w", domain.ErrAssistantUnavailable)
}

// GenerateVideo starts a long-running generation and polls it until done.
// The returned URI carries the API key so it can be fetched directly.
func (c *Client) GenerateVideo(ctx context.Context, prompt string) (string, error) {
	if err := c.ready(); err != nil {
		return "", err
	}

	req := videoRequest{
		Instances:  []videoInstance{{Prompt: prompt}},
		Parameters: videoParameters{NumberOfVideos: 1, Resolution: "720p", AspectRatio: "16:9"},
	}

	op, err := circuitbreaker.Execute(ctx, c.breaker, func(ctx context.Context) (operation, error) {
		return retry.RetryWithResult(ctx, c.cfg.Retry, func() (operation, error) {
			var op operation
			err := c.post(ctx, c.modelURL(c.cfg.VideoModel, "predictLongRunning"), req, &op)
			return op, err
		})
	})
	if err != nil {
		return "", err
	}

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for !op.Done {
		c.logger.Debugw("waiting for video operation", "operation", op.Name)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}

		name := op.Name
		op, err = circuitbreaker.Execute(ctx, c.breaker, func(ctx context.Context) (operation, error) {
			return retry.RetryWithResult(ctx, c.cfg.Retry, func() (operation, error) {
				var next operation
				err := c.get(ctx, c.cfg.BaseURL+"/"+name, &next)
				return next, err
			})
		})
		if err != nil {
			return "", err
		}
	}

	if op.Error != nil {
		return "", &APIError{Status: op.Error.Code, Message: op.Error.Message}
	}
	if op.Response == nil || len(op.Response.GenerateVideoResponse.GeneratedSamples) == 0 {
		return "", fmt.Errorf("no video in operation %s: %w", op.Name, domain.ErrAssistantUnavailable)
	}

	uri := op.Response.GenerateVideoResponse.GeneratedSamples[0].Video.URI
	if uri == "" {
		return "", fmt.Errorf("empty video uri: %w", domain.ErrAssistantUnavailable)
	}
	sep := "?"
	if strings.Contains(uri, "?") {
		sep = "&"
	}
	return uri + sep + "key=" + url.QueryEscape(c.cfg.APIKey), nil
}

// BreakerState exposes the breaker for health reporting.
func (c *Client) BreakerState() circuitbreaker.State {
	return c.breaker.State()
}

func (c *Client) ready() error {
	if c.cfg.APIKey == "" {
		return fmt.Errorf("api key is missing: %w", domain.ErrAssistantUnavailable)
	}
	return nil
}

func (c *Client) generate(ctx context.Context, model string, req generateRequest) (generateResponse, error) {
	return circuitbreaker.Execute(ctx, c.breaker, func(ctx context.Context) (generateResponse, error) {
		return retry.RetryWithResult(ctx, c.cfg.Retry, func() (generateResponse, error) {
			var resp generateResponse
			err := c.post(ctx, c.modelURL(model, "generateContent"), req, &resp)
			return resp, err
		})
	})
}

func (c *Client) modelURL(model, method string) string {
	return fmt.Sprintf("%s/models/%s:%s", c.cfg.BaseURL, model, method)
}

func (c *Client) post(ctx context.Context, endpoint string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	req.Header.Set("x-goog-api-key", c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{Status: resp.StatusCode, Message: errorMessage(body)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// errorMessage pulls error.message out of a Google API error body.
func errorMessage(body []byte) string {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil && envelope.Error.Message != "" {
		return envelope.Error.Message
	}
	return strings.TrimSpace(string(body))
}
