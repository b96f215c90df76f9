// Package webhook delivers the one-shot completion callback. Delivery is
// best-effort: a failed POST is logged, never retried, and never affects the
// job record.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ripleyk/conclave/internal/model"
)

const (
	// HeaderSignature carries the hex HMAC-SHA256 of "<timestamp>.<body>".
	HeaderSignature = "X-Conclave-Signature"
	// HeaderTimestamp carries the unix-seconds timestamp the signature covers.
	HeaderTimestamp = "X-Conclave-Timestamp"

	deliverTimeout = 10 * time.Second
)

// payload is the POST body of a completion callback.
type payload struct {
	JobID       string          `json:"job_id"`
	Status      string          `json:"status"`
	Attestation string          `json:"attestation,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
}

// Sender signs and posts completion callbacks.
type Sender struct {
	secret []byte
	http   *http.Client
	logger *slog.Logger
	now    func() time.Time
}

// NewSender creates a callback sender sharing the given secret with the
// receiver.
func NewSender(secret string, logger *slog.Logger) *Sender {
	return &Sender{
		secret: []byte(secret),
		http:   &http.Client{Timeout: deliverTimeout},
		logger: logger,
		now:    time.Now,
	}
}

// Send posts the completion callback for a job to url.
func (s *Sender) Send(ctx context.Context, url string, j *model.Job) error {
	body, err := json.Marshal(payload{
		JobID:       j.ID,
		Status:      j.Status,
		Attestation: j.Attestation,
		Result:      j.Result,
	})
	if err != nil {
		return fmt.Errorf("marshal callback payload: %w", err)
	}

	ts := strconv.FormatInt(s.now().Unix(), 10)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderSignature, Sign(s.secret, ts, body))

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("deliver callback: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("callback receiver returned status %d", resp.StatusCode)
	}
	return nil
}

// Sign computes the hex HMAC-SHA256 over "<ts>.<body>".
func Sign(secret []byte, ts string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether sig is a valid signature for ts and body. Receivers
// use it; it lives here so both sides share one definition.
func Verify(secret []byte, ts string, body []byte, sig string) bool {
	expected := Sign(secret, ts, body)
	return hmac.Equal([]byte(expected), []byte(sig))
}
