package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/ent0n29/gradescanner/internal/reliability"
)

const (
	httpRetryBase = 150 * time.Millisecond
	httpRetryCap  = 2 * time.Second
)

// HTTPOptions configures HTTPRecognizer.
type HTTPOptions struct {
	URL        string
	Timeout    time.Duration
	MaxRPS     float64
	MaxRetries int
	Client     *http.Client
}

// HTTPRecognizer posts frames to an OCR service speaking a small JSON
// protocol. Outbound requests are capped by a token bucket so a burst of
// admitted frames cannot overload the service.
type HTTPRecognizer struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
	retry   reliability.Policy
}

type httpRecognizeRequest struct {
	RequestID   string   `json:"request_id"`
	ImageBase64 string   `json:"image_base64"`
	Format      string   `json:"format,omitempty"`
	CustomWords []string `json:"custom_words,omitempty"`
}

type httpObservation struct {
	Candidates []httpCandidate `json:"candidates"`
}

type httpCandidate struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func NewHTTPRecognizer(opts HTTPOptions) *HTTPRecognizer {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	limit := rate.Inf
	burst := 1
	if opts.MaxRPS > 0 {
		limit = rate.Limit(opts.MaxRPS)
		burst = int(opts.MaxRPS)
		if burst < 1 {
			burst = 1
		}
	}
	retry := reliability.Policy{
		MaxRetries: opts.MaxRetries,
		Base:       httpRetryBase,
		Cap:        httpRetryCap,
	}
	if retry.MaxRetries < 0 {
		retry.MaxRetries = 0
	}
	return &HTTPRecognizer{
		url:     strings.TrimSpace(opts.URL),
		client:  client,
		limiter: rate.NewLimiter(limit, burst),
		retry:   retry,
	}
}

func (r *HTTPRecognizer) Recognize(ctx context.Context, req RecognizeRequest) ([]string, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	payload, err := json.Marshal(httpRecognizeRequest{
		RequestID:   req.RequestID,
		ImageBase64: base64.StdEncoding.EncodeToString(req.Frame.Image),
		Format:      req.Frame.Format,
		CustomWords: req.CustomWords,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	var (
		lastErr error
		hint    time.Duration
	)
	for attempt := 0; attempt <= r.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(r.retry.Delay(attempt, hint))
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		out, retry, err := r.do(ctx, payload)
		if err == nil {
			return out, nil
		}
		lastErr = err
		hint = retry.after
		if !retry.ok || ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

type retryDecision struct {
	ok    bool
	after time.Duration
}

func (r *HTTPRecognizer) do(ctx context.Context, payload []byte) ([]string, retryDecision, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(payload))
	if err != nil {
		return nil, retryDecision{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := r.client.Do(httpReq)
	if err != nil {
		return nil, retryDecision{ok: reliability.IsRetryableError(err)}, fmt.Errorf("%w: send request: %w", ErrUnavailable, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		retry := retryDecision{
			ok:    reliability.IsRetryableHTTPStatus(res.StatusCode),
			after: reliability.RetryAfter(res.Header, time.Now()),
		}
		return nil, retry, fmt.Errorf("recognizer http status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, retryDecision{ok: reliability.IsRetryableError(err)}, fmt.Errorf("read response: %w", err)
	}
	out, err := parseCandidates(body)
	if err != nil {
		return nil, retryDecision{}, err
	}
	return out, retryDecision{}, nil
}

// parseCandidates accepts either a flat ranked list or per-observation
// candidate lists. For observations only the top candidate of each is kept,
// preserving observation order.
func parseCandidates(body []byte) ([]string, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if raw, ok := obj["observations"]; ok {
		var observations []httpObservation
		if err := json.Unmarshal(raw, &observations); err != nil {
			return nil, fmt.Errorf("decode observations: %w", err)
		}
		out := make([]string, 0, len(observations))
		for _, o := range observations {
			if len(o.Candidates) == 0 {
				continue
			}
			if text := strings.TrimSpace(o.Candidates[0].Text); text != "" {
				out = append(out, text)
			}
		}
		return out, nil
	}

	if raw, ok := obj["candidates"]; ok {
		var flat []string
		if err := json.Unmarshal(raw, &flat); err == nil {
			return compact(flat), nil
		}
		var ranked []httpCandidate
		if err := json.Unmarshal(raw, &ranked); err != nil {
			return nil, fmt.Errorf("decode candidates: %w", err)
		}
		out := make([]string, 0, len(ranked))
		for _, c := range ranked {
			out = append(out, c.Text)
		}
		return compact(out), nil
	}

	return nil, nil
}

func compact(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
