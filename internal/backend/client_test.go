package backend

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"qabridge/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func newTestClient(url string) *Client {
	return NewClient(ClientConfig{BaseURL: url, Logger: testLogger()})
}

func TestAnswer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat" {
			t.Errorf("expected /chat, got %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}

		var req map[string]string
		json.NewDecoder(r.Body).Decode(&req)
		if req["question"] != "que horario tienen?" {
			t.Errorf("unexpected question: %q", req["question"])
		}
		if req["phone_number"] != "1555000111" {
			t.Errorf("unexpected phone_number: %q", req["phone_number"])
		}

		json.NewEncoder(w).Encode(map[string]string{
			"status": "ok",
			"answer": "Abrimos de 9 a 18.",
		})
	}))
	defer srv.Close()

	result, err := newTestClient(srv.URL).Answer(context.Background(), "que horario tienen?", "1555000111")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != domain.AnswerStatusOK {
		t.Errorf("expected status ok, got %q", result.Status)
	}
	if result.Answer != "Abrimos de 9 a 18." {
		t.Errorf("unexpected answer: %q", result.Answer)
	}
}

func TestAnswer_PriceQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"status":          "price_query",
			"answer":          "Consultando precio, te aviso en breve.",
			"forward_to":      "18497201998",
			"forward_message": "Consulta de precio [Q42]: cuanto cuesta el plan?",
		})
	}))
	defer srv.Close()

	result, err := newTestClient(srv.URL).Answer(context.Background(), "cuanto cuesta el plan?", "1555000111")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != domain.AnswerStatusPriceQuery {
		t.Errorf("expected price_query, got %q", result.Status)
	}
	if result.ForwardTo != "18497201998" {
		t.Errorf("unexpected forward_to: %q", result.ForwardTo)
	}
	if result.ForwardMessage == "" {
		t.Error("expected forward_message")
	}
}

func TestAnswer_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Answer(context.Background(), "hola", "1")
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Errorf("expected ErrBackendUnavailable, got %v", err)
	}
}

func TestAnswer_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing is listening any more

	_, err := newTestClient(srv.URL).Answer(context.Background(), "hola", "1")
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Errorf("expected ErrBackendUnavailable, got %v", err)
	}
}

func TestAnswer_BadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Answer(context.Background(), "hola", "1")
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Errorf("expected ErrBackendUnavailable, got %v", err)
	}
}

func TestAnswer_SingleAttempt(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	newTestClient(srv.URL).Answer(context.Background(), "hola", "1")
	if calls != 1 {
		t.Errorf("expected exactly 1 attempt, got %d", calls)
	}
}

func TestSubmitPriceResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/price-response" {
			t.Errorf("expected /price-response, got %s", r.URL.Path)
		}

		var req map[string]string
		json.NewDecoder(r.Body).Decode(&req)
		if req["query_id"] != "Q42" {
			t.Errorf("unexpected query_id: %q", req["query_id"])
		}
		if req["price_info"] != "100 USD" {
			t.Errorf("unexpected price_info: %q", req["price_info"])
		}

		json.NewEncoder(w).Encode(map[string]string{
			"status":         "success",
			"customer_phone": "1555000111",
			"answer":         "El plan cuesta 100 USD.",
		})
	}))
	defer srv.Close()

	result, err := newTestClient(srv.URL).SubmitPriceResponse(context.Background(), "Q42", "100 USD")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != domain.PriceStatusSuccess {
		t.Errorf("expected success, got %q", result.Status)
	}
	if result.CustomerPhone != "1555000111" {
		t.Errorf("unexpected customer_phone: %q", result.CustomerPhone)
	}
}

func TestSubmitPriceResponse_BusinessError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"status":  "error",
			"message": "query_id no encontrado",
		})
	}))
	defer srv.Close()

	// A 2xx with status "error" is a business failure, not unavailability.
	result, err := newTestClient(srv.URL).SubmitPriceResponse(context.Background(), "QX", "100")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != domain.PriceStatusError {
		t.Errorf("expected error status, got %q", result.Status)
	}
	if result.Message != "query_id no encontrado" {
		t.Errorf("unexpected message: %q", result.Message)
	}
}

func TestHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound) // any non-5xx means the service is up
	}))
	defer srv.Close()

	if err := newTestClient(srv.URL).Healthy(context.Background()); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestHealthy_Down(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	if err := newTestClient(srv.URL).Healthy(context.Background()); err == nil {
		t.Error("expected error for unreachable backend")
	}
}
