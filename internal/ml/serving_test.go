package ml

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestServingScore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/score" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req scoreRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req.Model != "small-ce" || req.Query != "quick fox" {
			t.Errorf("unexpected request: %+v", req)
		}
		scores := make([]float64, len(req.Passages))
		for i := range scores {
			scores[i] = float64(i)
		}
		json.NewEncoder(w).Encode(scoreResponse{Scores: scores})
	}))
	defer srv.Close()

	c := NewServingClient(ServingConfig{Endpoint: srv.URL, Model: "small-ce"})
	scores, err := c.Score(context.Background(), "quick fox", []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if len(scores) != 3 || scores[2] != 2 {
		t.Errorf("unexpected scores: %v", scores)
	}
}

func TestServingScoreCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(scoreResponse{Scores: []float64{1}})
	}))
	defer srv.Close()

	c := NewServingClient(ServingConfig{Endpoint: srv.URL, Model: "ce"})
	if _, err := c.Score(context.Background(), "q", []string{"a", "b"}); err == nil {
		t.Fatal("expected error on score count mismatch")
	}
}

func TestServingAnswer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/answer" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req answerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		answers := make([]Span, len(req.Contexts))
		for i := range answers {
			answers[i] = Span{Text: "fox", Start: 10, End: 13, Score: 0.9}
		}
		json.NewEncoder(w).Encode(answerResponse{Answers: answers})
	}))
	defer srv.Close()

	c := NewServingClient(ServingConfig{Endpoint: srv.URL, Model: "qa"})
	answers, err := c.Answer(context.Background(), "where is the fox", []string{"ctx"})
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if len(answers) != 1 || answers[0].Text != "fox" || answers[0].Start != 10 {
		t.Errorf("unexpected answers: %+v", answers)
	}
}

func TestServingErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewServingClient(ServingConfig{Endpoint: srv.URL, Model: "ce"})
	if _, err := c.Score(context.Background(), "q", []string{"a"}); err == nil {
		t.Fatal("expected error on non-200 status")
	}
}

func TestNormalize(t *testing.T) {
	v := normalize([]float32{3, 4})
	length := math.Sqrt(float64(v[0])*float64(v[0]) + float64(v[1])*float64(v[1]))
	if math.Abs(length-1) > 1e-6 {
		t.Errorf("expected unit length, got %f", length)
	}

	zero := normalize([]float32{0, 0})
	if zero[0] != 0 || zero[1] != 0 {
		t.Errorf("expected zero vector unchanged, got %v", zero)
	}
}
