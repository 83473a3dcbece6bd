package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestDueCards(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/review/due" {
			t.Errorf("path = %q, want /api/review/due", r.URL.Path)
		}
		if got := r.URL.Query().Get("limit"); got != "20" {
			t.Errorf("limit = %q, want 20", got)
		}
		if got := r.URL.Query().Get("deck_id"); got != "deck-1" {
			t.Errorf("deck_id = %q, want deck-1", got)
		}
		json.NewEncoder(w).Encode([]Card{
			{ID: "c1", Front: "apple", Back: "la pomme"},
			{ID: "c2", Front: "pear", Back: "la poire"},
		})
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	cards, err := c.DueCards(context.Background(), "deck-1", 20)
	if err != nil {
		t.Fatalf("DueCards() error: %v", err)
	}
	if len(cards) != 2 {
		t.Fatalf("card count = %d, want 2", len(cards))
	}
	if cards[0].Front != "apple" || cards[0].Back != "la pomme" {
		t.Errorf("first card = %+v", cards[0])
	}
}

func TestDueCards_EmptyDeck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("[]"))
	}))
	defer srv.Close()

	c, _ := New(srv.URL)
	cards, err := c.DueCards(context.Background(), "", 20)
	if err != nil {
		t.Fatalf("DueCards() error: %v", err)
	}
	if len(cards) != 0 {
		t.Errorf("card count = %d, want 0", len(cards))
	}
}

func TestSubmitReview(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/review" {
			t.Errorf("path = %q, want /api/review", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("method = %q, want POST", r.Method)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte("{}"))
	}))
	defer srv.Close()

	c, _ := New(srv.URL)
	if err := c.SubmitReview(context.Background(), "c1", RatingHard, 2500*time.Millisecond); err != nil {
		t.Fatalf("SubmitReview() error: %v", err)
	}
	if got["card_id"] != "c1" {
		t.Errorf("card_id = %v, want c1", got["card_id"])
	}
	if got["rating"] != float64(1) {
		t.Errorf("rating = %v, want 1", got["rating"])
	}
	if got["response_time_ms"] != float64(2500) {
		t.Errorf("response_time_ms = %v, want 2500", got["response_time_ms"])
	}
}

func TestSubmitReview_OmitsZeroResponseTime(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte("{}"))
	}))
	defer srv.Close()

	c, _ := New(srv.URL)
	if err := c.SubmitReview(context.Background(), "c1", RatingGood, 0); err != nil {
		t.Fatalf("SubmitReview() error: %v", err)
	}
	if _, ok := got["response_time_ms"]; ok {
		t.Error("response_time_ms sent for zero duration")
	}
}

func TestEvaluateAnswer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/review/evaluate" {
			t.Errorf("path = %q, want /api/review/evaluate", r.URL.Path)
		}
		var req map[string]any
		json.NewDecoder(r.Body).Decode(&req)
		if req["user_answer"] != "la pomme" {
			t.Errorf("user_answer = %v, want la pomme", req["user_answer"])
		}
		json.NewEncoder(w).Encode(evaluateResponse{
			Evaluation: &Evaluation{
				IsCorrect:       true,
				Score:           0.95,
				Feedback:        "Correct!",
				SuggestedRating: "easy",
			},
		})
	}))
	defer srv.Close()

	c, _ := New(srv.URL)
	eval, err := c.EvaluateAnswer(context.Background(), "c1", "la pomme")
	if err != nil {
		t.Fatalf("EvaluateAnswer() error: %v", err)
	}
	if !eval.IsCorrect {
		t.Error("IsCorrect = false, want true")
	}
	if eval.Rating() != RatingEasy {
		t.Errorf("Rating() = %d, want %d", eval.Rating(), RatingEasy)
	}
}

func TestEvaluateAnswer_BodyError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		msg := "no LLM providers configured"
		json.NewEncoder(w).Encode(evaluateResponse{Error: &msg})
	}))
	defer srv.Close()

	c, _ := New(srv.URL)
	if _, err := c.EvaluateAnswer(context.Background(), "c1", "answer"); err == nil {
		t.Error("expected error for evaluation failure")
	}
}

func TestGenerateText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/llm/generate" {
			t.Errorf("path = %q, want /api/llm/generate", r.URL.Path)
		}
		json.NewEncoder(w).Encode(generateResponse{Text: "  Here is your challenge!  "})
	}))
	defer srv.Close()

	c, _ := New(srv.URL)
	text, err := c.GenerateText(context.Background(), "rephrase: apple")
	if err != nil {
		t.Fatalf("GenerateText() error: %v", err)
	}
	if text != "Here is your challenge!" {
		t.Errorf("text = %q, want trimmed response", text)
	}
}

func TestGenerateText_BodyError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		msg := "provider unavailable"
		json.NewEncoder(w).Encode(generateResponse{Error: &msg})
	}))
	defer srv.Close()

	c, _ := New(srv.URL)
	if _, err := c.GenerateText(context.Background(), "prompt"); err == nil {
		t.Error("expected error for generation failure")
	}
}

func TestHealth(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/health" {
				t.Errorf("path = %q, want /health", r.URL.Path)
			}
		}))
		defer srv.Close()

		c, _ := New(srv.URL)
		if err := c.Health(context.Background()); err != nil {
			t.Errorf("Health() error: %v", err)
		}
	})

	t.Run("unhealthy", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		c, _ := New(srv.URL)
		if err := c.Health(context.Background()); err == nil {
			t.Error("expected error for 503 response")
		}
	})
}

func TestStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}))
	defer srv.Close()

	c, _ := New(srv.URL)
	if _, err := c.DueCards(context.Background(), "", 5); err == nil {
		t.Error("expected error for 404 response")
	}
}

func TestParseRating(t *testing.T) {
	tests := []struct {
		in   string
		want Rating
	}{
		{"again", RatingAgain},
		{"hard", RatingHard},
		{"good", RatingGood},
		{"easy", RatingEasy},
		{"EASY", RatingEasy},
		{" good ", RatingGood},
		{"unknown", RatingGood},
		{"", RatingGood},
	}
	for _, tt := range tests {
		if got := ParseRating(tt.in); got != tt.want {
			t.Errorf("ParseRating(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestNew_EmptyURL(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("expected error for empty base URL")
	}
}

func TestWithRequestObserver(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/review/due" {
			w.Write([]byte("[]"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	type call struct{ operation, status string }
	var (
		mu    sync.Mutex
		calls []call
	)
	c, err := New(srv.URL, WithRequestObserver(func(_ context.Context, operation, status string) {
		mu.Lock()
		calls = append(calls, call{operation, status})
		mu.Unlock()
	}))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	if _, err := c.DueCards(context.Background(), "", 20); err != nil {
		t.Fatalf("DueCards() error: %v", err)
	}
	if err := c.Health(context.Background()); err == nil {
		t.Fatal("Health() succeeded against a 503 endpoint")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []call{
		{"/api/review/due", "ok"},
		{"/health", "error"},
	}
	if len(calls) != len(want) {
		t.Fatalf("observed %d requests, want %d: %+v", len(calls), len(want), calls)
	}
	for i, w := range want {
		if calls[i] != w {
			t.Errorf("call %d = %+v, want %+v", i, calls[i], w)
		}
	}
}
