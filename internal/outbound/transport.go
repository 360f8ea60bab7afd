package outbound

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/chat-agent/pkg/logging"
)

var transportTracer = otel.Tracer("chatagent.internal.outbound.transport")

// Message is what a Transport delivers.
type Message struct {
	To             string
	Text           string
	Channel        string
	IdempotencyKey string
}

// Receipt is the gateway's acknowledgement.
type Receipt struct {
	ProviderMessageID string
	Status            string
}

// Transport sends one message to the external gateway.
type Transport interface {
	Send(ctx context.Context, msg Message) (Receipt, error)
}

// GatewayError is a non-2xx gateway response.
type GatewayError struct {
	StatusCode int
	Code       string `json:"code,omitempty"`
	Title      string `json:"title,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

func (e *GatewayError) Error() string {
	parts := []string{fmt.Sprintf("gateway status=%d", e.StatusCode)}
	for _, s := range []string{e.Code, e.Title, e.Detail} {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ": ")
}

// GatewayConfig configures GatewayTransport.
type GatewayConfig struct {
	BaseURL     string
	APIKey      string
	SenderID    string
	MaxAttempts int
	BaseDelay   time.Duration
	HTTPClient  *http.Client
}

// GatewayTransport posts messages as JSON to the messaging gateway, retrying
// network errors, 429 and 5xx with exponential backoff.
type GatewayTransport struct {
	cfg    GatewayConfig
	logger *logging.Logger
}

func NewGatewayTransport(cfg GatewayConfig, logger *logging.Logger) (*GatewayTransport, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("outbound: gateway url required")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &GatewayTransport{cfg: cfg, logger: logger}, nil
}

func (t *GatewayTransport) Send(ctx context.Context, msg Message) (Receipt, error) {
	ctx, span := transportTracer.Start(ctx, "outbound.gateway.send")
	defer span.End()
	span.SetAttributes(
		attribute.String("chatagent.to", msg.To),
		attribute.String("chatagent.channel", msg.Channel),
	)

	body, err := json.Marshal(map[string]string{
		"from":    t.cfg.SenderID,
		"to":      msg.To,
		"text":    msg.Text,
		"channel": msg.Channel,
	})
	if err != nil {
		return Receipt{}, fmt.Errorf("outbound: marshal gateway payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < t.cfg.MaxAttempts; attempt++ {
		receipt, status, err := t.post(ctx, body, msg.IdempotencyKey)
		if err == nil {
			t.logger.Info("gateway message sent", "to", msg.To, "provider_message_id", receipt.ProviderMessageID)
			return receipt, nil
		}
		lastErr = err
		if ctx.Err() != nil || !shouldRetry(status, err) || attempt == t.cfg.MaxAttempts-1 {
			break
		}
		t.logger.Warn("gateway retry", "attempt", attempt+1, "status", status, "error", err)
		if err := t.sleep(ctx, attempt); err != nil {
			lastErr = err
			break
		}
	}
	span.RecordError(lastErr)
	return Receipt{}, lastErr
}

func (t *GatewayTransport) post(ctx context.Context, body []byte, idempotencyKey string) (Receipt, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.BaseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return Receipt{}, 0, fmt.Errorf("outbound: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.cfg.APIKey)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	resp, err := t.cfg.HTTPClient.Do(req)
	if err != nil {
		return Receipt{}, 0, fmt.Errorf("outbound: gateway http: %w", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var parsed struct {
			Data struct {
				ID     string `json:"id"`
				Status string `json:"status"`
			} `json:"data"`
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &parsed)
		}
		return Receipt{ProviderMessageID: parsed.Data.ID, Status: parsed.Data.Status}, resp.StatusCode, nil
	}
	gwErr := &GatewayError{StatusCode: resp.StatusCode}
	if json.Unmarshal(data, gwErr) != nil {
		gwErr.Detail = strings.TrimSpace(string(data))
	}
	gwErr.StatusCode = resp.StatusCode
	return Receipt{}, resp.StatusCode, gwErr
}

func (t *GatewayTransport) sleep(ctx context.Context, attempt int) error {
	timer := time.NewTimer(t.cfg.BaseDelay * time.Duration(1<<attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func shouldRetry(status int, err error) bool {
	if status == 0 {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return true
		}
		return !errors.Is(err, context.Canceled)
	}
	return status == http.StatusTooManyRequests || (status >= 500 && status <= 599)
}

// FailoverTransport falls back to a secondary gateway when the primary fails
// with a provider-class error. Validation and banned failures are final.
type FailoverTransport struct {
	primary, secondary Transport
	classifier         *Classifier
	logger             *logging.Logger
}

func NewFailoverTransport(primary, secondary Transport, classifier *Classifier, logger *logging.Logger) *FailoverTransport {
	if classifier == nil {
		classifier = DefaultClassifier()
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &FailoverTransport{primary: primary, secondary: secondary, classifier: classifier, logger: logger}
}

func (f *FailoverTransport) Send(ctx context.Context, msg Message) (Receipt, error) {
	if f.primary == nil {
		return Receipt{}, errors.New("outbound: failover primary transport not configured")
	}
	receipt, err := f.primary.Send(ctx, msg)
	if err == nil || f.secondary == nil || f.classifier.Classify(err) != OutcomeFailedProvider || ctx.Err() != nil {
		return receipt, err
	}
	f.logger.Warn("primary gateway failed; attempting fallback", "to", msg.To, "error", err)
	receipt, fallbackErr := f.secondary.Send(ctx, msg)
	if fallbackErr != nil {
		f.logger.Error("fallback gateway failed", "to", msg.To, "error", fallbackErr)
		return Receipt{}, errors.Join(err, fallbackErr)
	}
	return receipt, nil
}
