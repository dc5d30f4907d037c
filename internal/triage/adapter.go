// Package triage formats anomaly context into a request for the external
// LLM triage service and validates its structured response. The response is
// treated as untrusted input: schema mismatches fail closed instead of
// persisting partially-shaped data.
package triage

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"logsentry/internal/models"
)

// Client is the transport to the external LLM triage service.
type Client interface {
	// Generate submits a prompt and returns the raw model output.
	Generate(ctx context.Context, prompt string) (string, error)
	// ModelName identifies the backing model for report provenance.
	ModelName() string
}

// Config holds adapter retry and timeout behavior.
type Config struct {
	// CallTimeout bounds a single Generate call.
	CallTimeout time.Duration
	// TransportRetries is the number of retries after a transport failure.
	TransportRetries int
	// Backoff is the initial retry delay, doubled per retry.
	Backoff time.Duration
}

// DefaultConfig returns the adapter defaults.
func DefaultConfig() Config {
	return Config{
		CallTimeout:      30 * time.Second,
		TransportRetries: 2,
		Backoff:          time.Second,
	}
}

// Result is a validated triage outcome with provenance.
type Result struct {
	Payload      *models.TriagePayload
	Model        string
	GeneratedAt  time.Time
	ProcessingMS int64
}

// Adapter coordinates prompt construction, retries, and response validation.
type Adapter struct {
	client Client
	cfg    Config
	logger *zap.Logger
}

// NewAdapter creates a triage adapter over the given client.
func NewAdapter(client Client, cfg Config, logger *zap.Logger) *Adapter {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig().CallTimeout
	}
	if cfg.TransportRetries < 0 {
		cfg.TransportRetries = DefaultConfig().TransportRetries
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultConfig().Backoff
	}
	return &Adapter{client: client, cfg: cfg, logger: logger}
}

// Triage classifies a single anomaly. A malformed response is retried once
// with a stricter prompt before failing with TriageFormatError; transport
// failures are retried with exponential backoff before failing with
// TriageUnavailableError.
func (a *Adapter) Triage(ctx context.Context, anomaly *models.Anomaly, dataset *models.Dataset) (*Result, error) {
	start := time.Now()
	prompt := BuildPrompt(anomaly, dataset)

	raw, err := a.generate(ctx, prompt)
	if err != nil {
		return nil, err
	}

	payload, parseErr := parsePayload(raw)
	if parseErr != nil {
		a.logger.Warn("Malformed triage response, retrying with strict prompt",
			zap.String("anomaly_id", anomaly.ID),
			zap.Error(parseErr))

		raw, err = a.generate(ctx, StrictPrompt(prompt))
		if err != nil {
			return nil, err
		}
		payload, parseErr = parsePayload(raw)
		if parseErr != nil {
			if fe, ok := parseErr.(*TriageFormatError); ok {
				return nil, fe
			}
			return nil, &TriageFormatError{Reason: parseErr.Error()}
		}
	}

	return &Result{
		Payload:      payload,
		Model:        a.client.ModelName(),
		GeneratedAt:  time.Now().UTC(),
		ProcessingMS: time.Since(start).Milliseconds(),
	}, nil
}

// generate calls the client with per-call timeout and bounded retries.
func (a *Adapter) generate(ctx context.Context, prompt string) (string, error) {
	var lastErr error
	attempts := a.cfg.TransportRetries + 1

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := a.cfg.Backoff << (attempt - 1)
			select {
			case <-ctx.Done():
				return "", &TriageUnavailableError{Attempts: attempt, Err: ctx.Err()}
			case <-time.After(delay):
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, a.cfg.CallTimeout)
		raw, err := a.client.Generate(callCtx, prompt)
		cancel()
		if err == nil {
			return raw, nil
		}
		lastErr = err
		a.logger.Warn("Triage service call failed",
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", attempts),
			zap.Error(err))
	}

	return "", &TriageUnavailableError{Attempts: attempts, Err: lastErr}
}

// parsePayload decodes and validates the model output against the report
// schema. Out-of-range numeric fields are clamped; missing required fields
// are errors.
func parsePayload(raw string) (*models.TriagePayload, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.TrimPrefix(clean, "```json")
	clean = strings.TrimPrefix(clean, "```")
	clean = strings.TrimSuffix(clean, "```")
	clean = strings.TrimSpace(clean)

	var payload models.TriagePayload
	if err := json.Unmarshal([]byte(clean), &payload); err != nil {
		return nil, err
	}

	payload.Severity = models.Severity(strings.ToLower(string(payload.Severity)))
	if !payload.Severity.Valid() {
		return nil, &TriageFormatError{Reason: "unknown severity " + string(payload.Severity)}
	}
	if payload.Classification.ThreatType == "" {
		return nil, &TriageFormatError{Reason: "threat_type is empty"}
	}
	if len(payload.Actions.Immediate) == 0 {
		return nil, &TriageFormatError{Reason: "no immediate actions recommended"}
	}

	payload.SeverityScore = clampFloat(payload.SeverityScore, 0, 10)
	c := &payload.Confidence
	c.Overall = clampFloat(c.Overall, 0, 1)
	c.Detection = clampFloat(c.Detection, 0, 1)
	c.Classification = clampFloat(c.Classification, 0, 1)
	c.Contextual = clampFloat(c.Contextual, 0, 1)
	c.FalsePositiveProbability = clampFloat(c.FalsePositiveProbability, 0, 1)
	if payload.Impact.AffectedRecords < 0 {
		payload.Impact.AffectedRecords = 0
	}

	return &payload, nil
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
