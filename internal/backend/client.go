// Package backend provides the HTTP client for the card source service.
//
// The card source owns the deck database, the FSRS scheduler, and the
// answer-evaluation LLM. Voice sessions call it over REST: due cards are
// fetched when a session starts, reviews are submitted as cards are graded,
// and spoken answers are sent off for evaluation against the expected
// answer. The client is stateless and safe for concurrent use.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	defaultTimeout = 30 * time.Second

	dueEndpoint      = "/api/review/due"
	reviewEndpoint   = "/api/review"
	evaluateEndpoint = "/api/review/evaluate"
	decksEndpoint    = "/api/decks"
	generateEndpoint = "/api/llm/generate"
	healthEndpoint   = "/health"
)

// Rating grades a review on the 0-3 scale the scheduler expects.
type Rating int

const (
	RatingAgain Rating = 0
	RatingHard  Rating = 1
	RatingGood  Rating = 2
	RatingEasy  Rating = 3
)

// ParseRating maps a spoken or suggested rating name to its numeric value.
// Unknown names fall back to RatingGood.
func ParseRating(name string) Rating {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "again":
		return RatingAgain
	case "hard":
		return RatingHard
	case "easy":
		return RatingEasy
	default:
		return RatingGood
	}
}

// Card is one flashcard due for review. Scheduling fields beyond what the
// voice session needs are left to the card source.
type Card struct {
	ID    string `json:"id"`
	Front string `json:"front"`
	Back  string `json:"back"`
}

// Deck is a named collection of cards.
type Deck struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Evaluation is the card source's judgment of a spoken answer.
type Evaluation struct {
	IsCorrect bool    `json:"is_correct"`
	Score     float64 `json:"score"`
	Feedback  string  `json:"feedback"`

	// SuggestedRating is one of "again", "hard", "good", "easy".
	SuggestedRating string `json:"suggested_rating"`
}

// Rating returns the numeric rating for SuggestedRating, defaulting to
// RatingGood when the name is unknown or empty.
func (e Evaluation) Rating() Rating {
	return ParseRating(e.SuggestedRating)
}

// evaluateResponse is the JSON body returned by POST /api/review/evaluate.
type evaluateResponse struct {
	Evaluation *Evaluation `json:"evaluation"`
	Error      *string     `json:"error"`
}

// generateResponse is the JSON body returned by POST /api/llm/generate.
type generateResponse struct {
	Text  string  `json:"text"`
	Error *string `json:"error"`
}

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithTimeout sets the per-request HTTP timeout. Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithHTTPClient replaces the underlying HTTP client entirely.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// RequestObserver receives the outcome of each card source API call.
// operation is the endpoint path; status is "ok" or "error".
type RequestObserver func(ctx context.Context, operation, status string)

// WithRequestObserver installs fn to be called after every API request.
// observe.Metrics.RecordBackendRequest matches the signature.
func WithRequestObserver(fn RequestObserver) Option {
	return func(c *Client) { c.observe = fn }
}

// Client talks to the card source REST API at a fixed base URL.
type Client struct {
	baseURL    string
	httpClient *http.Client
	observe    RequestObserver
}

// New creates a Client for the card source at baseURL (e.g.,
// "http://localhost:3000"). baseURL must be non-empty.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("backend: baseURL must not be empty")
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// DueCards fetches up to limit cards due for review, optionally filtered to
// one deck. A deck with nothing due yields an empty slice, not an error.
func (c *Client) DueCards(ctx context.Context, deckID string, limit int) ([]Card, error) {
	params := url.Values{}
	params.Set("limit", strconv.Itoa(limit))
	if deckID != "" {
		params.Set("deck_id", deckID)
	}

	var cards []Card
	if err := c.getJSON(ctx, dueEndpoint+"?"+params.Encode(), &cards); err != nil {
		return nil, err
	}
	return cards, nil
}

// Decks lists all decks known to the card source.
func (c *Client) Decks(ctx context.Context) ([]Deck, error) {
	var decks []Deck
	if err := c.getJSON(ctx, decksEndpoint, &decks); err != nil {
		return nil, err
	}
	return decks, nil
}

// SubmitReview records a grade for a card. responseTime is included when
// positive so the scheduler can weigh answer latency.
func (c *Client) SubmitReview(ctx context.Context, cardID string, rating Rating, responseTime time.Duration) error {
	payload := map[string]any{
		"card_id": cardID,
		"rating":  int(rating),
	}
	if responseTime > 0 {
		payload["response_time_ms"] = responseTime.Milliseconds()
	}
	return c.postJSON(ctx, reviewEndpoint, payload, nil)
}

// EvaluateAnswer asks the card source's LLM to judge a transcribed answer
// against the card's expected answer. A nil evaluation with a non-nil error
// in the response body is surfaced as an error.
func (c *Client) EvaluateAnswer(ctx context.Context, cardID, userAnswer string) (*Evaluation, error) {
	payload := map[string]any{
		"card_id":     cardID,
		"user_answer": userAnswer,
	}
	var resp evaluateResponse
	if err := c.postJSON(ctx, evaluateEndpoint, payload, &resp); err != nil {
		return nil, err
	}
	if resp.Evaluation == nil {
		if resp.Error != nil {
			return nil, fmt.Errorf("backend: evaluate answer: %s", *resp.Error)
		}
		return nil, errors.New("backend: evaluate answer: empty response")
	}
	return resp.Evaluation, nil
}

// GenerateText asks the card source's LLM for a free-form completion. Used
// by conversational mode for intro, outro, and question rephrasing.
func (c *Client) GenerateText(ctx context.Context, prompt string) (string, error) {
	payload := map[string]any{
		"prompt": prompt,
	}
	var resp generateResponse
	if err := c.postJSON(ctx, generateEndpoint, payload, &resp); err != nil {
		return "", err
	}
	if resp.Error != nil {
		return "", fmt.Errorf("backend: generate text: %s", *resp.Error)
	}
	return strings.TrimSpace(resp.Text), nil
}

// Health reports whether the card source responds on its health endpoint.
func (c *Client) Health(ctx context.Context) (err error) {
	defer func() { c.observeRequest(ctx, healthEndpoint, err) }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+healthEndpoint, nil)
	if err != nil {
		return fmt.Errorf("backend: create health request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("backend: GET %s: %w", healthEndpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("backend: GET %s returned status %d", healthEndpoint, resp.StatusCode)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("backend: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return c.do(req, out)
}

func (c *Client) postJSON(ctx context.Context, path string, payload, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("backend: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("backend: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) (err error) {
	defer func() { c.observeRequest(req.Context(), req.URL.Path, err) }()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("backend: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("backend: %s %s returned status %d", req.Method, req.URL.Path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("backend: decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

func (c *Client) observeRequest(ctx context.Context, operation string, err error) {
	if c.observe == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.observe(ctx, operation, status)
}
