package apierr

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindInvalidSignature, http.StatusForbidden},
		{KindTokenExpired, http.StatusForbidden},
		{KindExpiredRequest, http.StatusBadRequest},
		{KindBadRequest, http.StatusBadRequest},
		{KindUnknownProject, http.StatusNotFound},
		{KindAuthFailure, http.StatusInternalServerError},
		{KindBackendTransient, http.StatusInternalServerError},
		{KindBackendFatal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := StatusFor(tt.kind); got != tt.want {
			t.Errorf("StatusFor(%s) = %d, want %d", tt.kind, got, tt.want)
		}
	}
}

func TestRespondWritesEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	Respond(rec, New(KindInvalidSignature, "signature verification failed"))

	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decoding envelope: %v", err)
	}
	if body.Error != "invalid_signature" {
		t.Errorf("error = %q, want invalid_signature", body.Error)
	}
}

func TestRespondNonAPIError(t *testing.T) {
	rec := httptest.NewRecorder()
	Respond(rec, errors.New("boom"))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("cause")
	err := Wrap(KindBackendFatal, "wrapped", cause)
	if !errors.Is(err, cause) {
		t.Error("Wrap() lost the cause chain")
	}
}
