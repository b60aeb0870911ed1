package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/chatsession/internal/reliability"
)

const (
	maxErrorBody    = 4 << 10
	maxResponseBody = 4 << 20
)

// HTTPClient calls the REST turn-send and feedback endpoints.
type HTTPClient struct {
	chatURL     string
	feedbackURL string
	apiKey      string
	client      *http.Client
}

func NewHTTPClient(cfg Config) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPClient{
		chatURL:     strings.TrimSpace(cfg.ChatURL),
		feedbackURL: strings.TrimSpace(cfg.FeedbackURL),
		apiKey:      strings.TrimSpace(cfg.APIKey),
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

type turnResponse struct {
	Success        *bool          `json:"success"`
	Answer         string         `json:"answer"`
	ConversationID string         `json:"conversationId"`
	Metadata       map[string]any `json:"metadata"`
	Usage          *Usage         `json:"usage"`
	ResponseTime   *float64       `json:"responseTime"`
	MessageID      string         `json:"messageId"`
	Message        string         `json:"message"`
	Error          string         `json:"error"`
	Code           string         `json:"code"`
}

// succeeded treats a missing success flag as success only when an answer is present.
func (r turnResponse) succeeded() bool {
	if r.Success != nil {
		return *r.Success
	}
	return strings.TrimSpace(r.Answer) != ""
}

func (r turnResponse) failureText() string {
	if s := strings.TrimSpace(r.Message); s != "" {
		return s
	}
	return strings.TrimSpace(r.Error)
}

func (c *HTTPClient) SendTurn(ctx context.Context, req TurnRequest) (TurnResult, error) {
	started := time.Now()
	body, err := c.post(ctx, c.chatURL, req, turnStatusError)
	if err != nil {
		return TurnResult{}, err
	}

	var parsed turnResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return TurnResult{}, &reliability.Error{
			Kind:    reliability.KindMalformedResponse,
			Status:  http.StatusOK,
			Message: "response is not valid JSON",
			Err:     err,
		}
	}
	if !parsed.succeeded() {
		kind := reliability.ClassifyFailureMessage(parsed.Code, parsed.failureText())
		return TurnResult{}, &reliability.Error{Kind: kind, Status: http.StatusOK, Message: parsed.failureText()}
	}

	return TurnResult{
		Answer:         parsed.Answer,
		ConversationID: strings.TrimSpace(parsed.ConversationID),
		Metadata:       parsed.Metadata,
		Usage:          parsed.Usage,
		ResponseTime:   parsed.ResponseTime,
		MessageID:      parsed.MessageID,
		Elapsed:        time.Since(started),
	}, nil
}

func (c *HTTPClient) SubmitFeedback(ctx context.Context, fb Feedback) error {
	if c.feedbackURL == "" {
		return reliability.Errorf(reliability.KindUpstream, 0, "feedback endpoint is not configured")
	}
	body, err := c.post(ctx, c.feedbackURL, fb, feedbackStatusError)
	if err != nil {
		return err
	}
	var parsed turnResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		// Some deployments answer feedback with an empty 2xx body.
		if len(bytes.TrimSpace(body)) == 0 {
			return nil
		}
		return &reliability.Error{Kind: reliability.KindMalformedResponse, Status: http.StatusOK, Err: err}
	}
	if parsed.Success != nil && !*parsed.Success {
		return reliability.Errorf(reliability.KindUpstream, http.StatusOK, "%s", parsed.failureText())
	}
	return nil
}

// post sends payload and returns the body of a 2xx JSON response. Non-2xx
// answers are classified by statusErr, which depends on the endpoint.
func (c *HTTPClient) post(ctx context.Context, url string, payload any, statusErr func(int, []byte) error) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Request-ID", uuid.NewString())
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	res, err := c.client.Do(httpReq)
	if err != nil {
		return nil, transportError(ctx, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		return nil, statusErr(res.StatusCode, body)
	}

	if isHTMLContent(res.Header.Get("Content-Type")) {
		return nil, reliability.Errorf(reliability.KindMalformedResponse, res.StatusCode, "unexpected html response")
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBody))
	if err != nil {
		return nil, transportError(ctx, fmt.Errorf("read response: %w", err))
	}
	return body, nil
}

func transportError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(ctxErr, context.Canceled) {
		return reliability.Wrap(reliability.KindCanceled, ctxErr)
	}
	return reliability.Wrap(reliability.KindTransport, err)
}

func turnStatusError(status int, body []byte) error {
	kind := reliability.ClassifyHTTPStatus(status)
	detail, parsed := errorDetail(body)
	if parsed != nil && kind == reliability.KindUpstream {
		kind = reliability.ClassifyFailureMessage(parsed.Code, detail)
	}
	return &reliability.Error{Kind: kind, Status: status, Message: detail}
}

// feedbackStatusError never reports an expired conversation: a 404 from the
// feedback endpoint concerns the rated message, not the dialogue.
func feedbackStatusError(status int, body []byte) error {
	detail, _ := errorDetail(body)
	return &reliability.Error{Kind: reliability.ClassifyFeedbackStatus(status), Status: status, Message: detail}
}

func errorDetail(body []byte) (string, *turnResponse) {
	detail := strings.TrimSpace(string(body))
	var parsed turnResponse
	if err := json.Unmarshal(body, &parsed); err == nil {
		return parsed.failureText(), &parsed
	}
	if looksLikeHTML(detail) {
		detail = "html error page"
	}
	return detail, nil
}

func isHTMLContent(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}

func looksLikeHTML(body string) bool {
	lower := strings.ToLower(strings.TrimSpace(body))
	return strings.HasPrefix(lower, "<!doctype html") || strings.HasPrefix(lower, "<html")
}
