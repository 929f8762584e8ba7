package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/boxguard/parcel-detection-worker/internal/credential"
	"go.uber.org/zap"
)

// VerifyRequest carries the context of one detection call.
type VerifyRequest struct {
	DeviceID   string
	Reason     Reason
	DistanceCm *float64
	Priority   bool
}

// Outcome is the structured result of one provider call.
type Outcome struct {
	HasPackage   bool
	Confidence   int
	Description  string
	Reasoning    string
	CredentialID string
	ResponseTime time.Duration
	// Parsed is false when the provider replied but no usable JSON verdict
	// could be extracted; the outcome is then a degraded zero-confidence one.
	Parsed bool
}

// ComparisonOutcome is the two-image variant with the change flag.
type ComparisonOutcome struct {
	Outcome
	ChangeDetected bool
}

// ClientConfig holds provider endpoint settings.
type ClientConfig struct {
	BaseURL        string
	Model          string
	RequestTimeout time.Duration
	MaxTokens      int
}

// Client performs single vision-AI calls using credentials leased from the
// pool. It never retries internally; retry policy belongs to the engine.
type Client struct {
	cfg    ClientConfig
	pool   *credential.Pool
	httpc  *http.Client
	logger *zap.Logger
}

// NewClient creates a vision client. The per-request timeout is enforced via
// context so caller cancellation and provider slowness are distinguishable.
func NewClient(cfg ClientConfig, pool *credential.Pool, logger *zap.Logger) *Client {
	return &Client{
		cfg:    cfg,
		pool:   pool,
		httpc:  &http.Client{},
		logger: logger,
	}
}

// Verify runs single-image detection. When no credential is available the
// typed pool error is returned and no provider call is attempted.
func (c *Client) Verify(ctx context.Context, image []byte, req VerifyRequest) (Outcome, error) {
	sel, err := c.pool.Select(req.Priority, "")
	if err != nil {
		return Outcome{}, err
	}
	content, elapsed, err := c.call(ctx, sel, buildSinglePrompt(req), [][]byte{image})
	if err != nil {
		return Outcome{}, err
	}
	return c.outcomeFromContent(content, sel.ID, elapsed, req), nil
}

// CompareWithBaseline runs two-image differential detection: the baseline
// first, the realtime view second.
func (c *Client) CompareWithBaseline(ctx context.Context, baseline, realtime []byte, req VerifyRequest) (ComparisonOutcome, error) {
	sel, err := c.pool.Select(req.Priority, "")
	if err != nil {
		return ComparisonOutcome{}, err
	}
	content, elapsed, err := c.call(ctx, sel, buildComparisonPrompt(req), [][]byte{baseline, realtime})
	if err != nil {
		return ComparisonOutcome{}, err
	}
	v, parsed := extractVerdict(content)
	out := ComparisonOutcome{
		Outcome: Outcome{
			HasPackage:   v.HasPackage && parsed,
			Confidence:   v.Confidence,
			Description:  v.Description,
			Reasoning:    v.Reasoning,
			CredentialID: sel.ID,
			ResponseTime: elapsed,
			Parsed:       parsed,
		},
		ChangeDetected: v.ChangeDetected && parsed,
	}
	if !parsed {
		c.logger.Warn("malformed provider reply on comparison, degrading to zero confidence",
			zap.String("credential_id", sel.ID),
			zap.String("device_id", req.DeviceID))
	}
	return out, nil
}

func (c *Client) outcomeFromContent(content, credentialID string, elapsed time.Duration, req VerifyRequest) Outcome {
	v, parsed := extractVerdict(content)
	if !parsed {
		c.logger.Warn("malformed provider reply, degrading to zero confidence",
			zap.String("credential_id", credentialID),
			zap.String("device_id", req.DeviceID))
		return Outcome{CredentialID: credentialID, ResponseTime: elapsed}
	}
	return Outcome{
		HasPackage:   v.HasPackage,
		Confidence:   v.Confidence,
		Description:  v.Description,
		Reasoning:    v.Reasoning,
		CredentialID: credentialID,
		ResponseTime: elapsed,
		Parsed:       true,
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// call issues exactly one provider request and reports the result to the
// pool. An abandoned call (caller cancellation before a definitive result)
// records neither success nor failure for the credential.
func (c *Client) call(ctx context.Context, sel credential.Selection, prompt string, images [][]byte) (string, time.Duration, error) {
	parts := []contentPart{{Type: "text", Text: prompt}}
	for _, img := range images {
		parts = append(parts, contentPart{
			Type: "image_url",
			ImageURL: &imageURL{
				URL: "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(img),
			},
		})
	}
	payload := chatRequest{
		Model:       c.cfg.Model,
		Messages:    []chatMessage{{Role: "user", Content: parts}},
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: 0.1,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", 0, fmt.Errorf("failed to marshal provider request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost,
		c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", 0, fmt.Errorf("failed to build provider request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+sel.Key)

	start := time.Now()
	resp, err := c.httpc.Do(httpReq)
	elapsed := time.Since(start)
	if err != nil {
		if ctx.Err() == context.Canceled {
			// Abandoned by the caller: no mark either way.
			return "", elapsed, fmt.Errorf("provider call abandoned: %w", ctx.Err())
		}
		kind := classifyTransport(err)
		c.pool.MarkError(sel.ID, kind, err.Error())
		return "", elapsed, &ProviderError{Kind: kind, Detail: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		if ctx.Err() == context.Canceled {
			return "", elapsed, fmt.Errorf("provider call abandoned: %w", ctx.Err())
		}
		kind := classifyTransport(err)
		c.pool.MarkError(sel.ID, kind, err.Error())
		return "", elapsed, &ProviderError{Kind: kind, Detail: err.Error()}
	}

	if resp.StatusCode != http.StatusOK {
		kind := classifyStatus(resp.StatusCode, string(respBody))
		detail := capString(string(respBody))
		c.pool.MarkError(sel.ID, kind, detail)
		return "", elapsed, &ProviderError{Kind: kind, StatusCode: resp.StatusCode, Detail: detail}
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil || len(parsed.Choices) == 0 {
		// The transport succeeded; an empty or undecodable envelope is a
		// provider-side malfunction.
		kind := credential.KindUnknown
		c.pool.MarkError(sel.ID, kind, "undecodable completion envelope")
		return "", elapsed, &ProviderError{Kind: kind, StatusCode: resp.StatusCode, Detail: "undecodable completion envelope"}
	}

	c.pool.MarkSuccess(sel.ID, elapsed)
	return parsed.Choices[0].Message.Content, elapsed, nil
}
