package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ripleyk/conclave/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestSendSignsAndDeliversPayload(t *testing.T) {
	secret := "shared-secret"
	var gotBody []byte
	var gotTS, gotSig string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTS = r.Header.Get(HeaderTimestamp)
		gotSig = r.Header.Get(HeaderSignature)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	j := &model.Job{
		ID:          "job-1",
		Status:      model.StatusCompleted,
		Attestation: "att-1",
		Result:      json.RawMessage(`{"sum":30}`),
	}

	s := NewSender(secret, testLogger())
	if err := s.Send(context.Background(), srv.URL, j); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if gotTS == "" || gotSig == "" {
		t.Fatal("missing signature headers")
	}
	if !Verify([]byte(secret), gotTS, gotBody, gotSig) {
		t.Error("signature does not verify")
	}
	if Verify([]byte("wrong-secret"), gotTS, gotBody, gotSig) {
		t.Error("signature verifies with wrong secret")
	}

	var p payload
	if err := json.Unmarshal(gotBody, &p); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if p.JobID != "job-1" || p.Status != model.StatusCompleted || p.Attestation != "att-1" {
		t.Errorf("payload = %+v", p)
	}
}

func TestSendReportsReceiverFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := NewSender("secret", testLogger())
	if err := s.Send(context.Background(), srv.URL, &model.Job{ID: "j"}); err == nil {
		t.Error("Send succeeded, want error")
	}
}
