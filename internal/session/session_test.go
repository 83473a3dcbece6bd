package session

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mnemovox/mnemovox/internal/backend"
	"github.com/mnemovox/mnemovox/internal/history"
	"github.com/mnemovox/mnemovox/internal/protocol"
	"github.com/mnemovox/mnemovox/internal/resilience"
	"github.com/mnemovox/mnemovox/pkg/provider/stt"
	sttmock "github.com/mnemovox/mnemovox/pkg/provider/stt/mock"
	textgenmock "github.com/mnemovox/mnemovox/pkg/provider/textgen/mock"
	"github.com/mnemovox/mnemovox/pkg/provider/tts"
	ttsmock "github.com/mnemovox/mnemovox/pkg/provider/tts/mock"
	vadmock "github.com/mnemovox/mnemovox/pkg/provider/vad/mock"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

// recorder implements Sender and keeps every outbound message.
type recorder struct {
	msgs    []any
	sendErr error
}

func (r *recorder) Send(_ context.Context, msg any) error {
	if r.sendErr != nil {
		return r.sendErr
	}
	r.msgs = append(r.msgs, msg)
	return nil
}

// typesOf returns the wire type of each recorded message, in order.
func (r *recorder) typesOf() []string {
	var out []string
	for _, m := range r.msgs {
		switch v := m.(type) {
		case protocol.StateChange:
			out = append(out, v.Type+":"+v.State)
		case protocol.SessionStarted:
			out = append(out, v.Type)
		case protocol.SessionIntro:
			out = append(out, v.Type)
		case protocol.CardPresented:
			out = append(out, v.Type)
		case protocol.VADStatus:
			out = append(out, v.Type)
		case protocol.Transcription:
			out = append(out, v.Type)
		case protocol.Evaluation:
			out = append(out, v.Type)
		case protocol.CardRated:
			out = append(out, v.Type)
		case protocol.CardReplay:
			out = append(out, v.Type)
		case protocol.SessionComplete:
			out = append(out, v.Type)
		case protocol.SessionEnded:
			out = append(out, v.Type)
		case protocol.Error:
			out = append(out, v.Type)
		default:
			out = append(out, "unknown")
		}
	}
	return out
}

// find returns the first recorded message of type T, or false.
func find[T any](r *recorder) (T, bool) {
	for _, m := range r.msgs {
		if v, ok := m.(T); ok {
			return v, true
		}
	}
	var zero T
	return zero, false
}

type dueCall struct {
	deckID string
	limit  int
}

type reviewCall struct {
	cardID       string
	rating       backend.Rating
	responseTime time.Duration
}

type evalCall struct {
	cardID string
	answer string
}

// cardSource is a scripted CardSource. Each DueCards call consumes the next
// entry in due; when exhausted it returns no cards.
type cardSource struct {
	due    [][]backend.Card
	dueErr error

	eval    *backend.Evaluation
	evalErr error

	submitErr error

	dueCalls    []dueCall
	evalCalls   []evalCall
	reviewCalls []reviewCall
}

func (c *cardSource) DueCards(_ context.Context, deckID string, limit int) ([]backend.Card, error) {
	c.dueCalls = append(c.dueCalls, dueCall{deckID: deckID, limit: limit})
	if c.dueErr != nil {
		return nil, c.dueErr
	}
	if len(c.due) == 0 {
		return nil, nil
	}
	cards := c.due[0]
	c.due = c.due[1:]
	return cards, nil
}

func (c *cardSource) SubmitReview(_ context.Context, cardID string, rating backend.Rating, responseTime time.Duration) error {
	c.reviewCalls = append(c.reviewCalls, reviewCall{cardID: cardID, rating: rating, responseTime: responseTime})
	return c.submitErr
}

func (c *cardSource) EvaluateAnswer(_ context.Context, cardID, userAnswer string) (*backend.Evaluation, error) {
	c.evalCalls = append(c.evalCalls, evalCall{cardID: cardID, answer: userAnswer})
	if c.evalErr != nil {
		return nil, c.evalErr
	}
	return c.eval, nil
}

var testCard = backend.Card{ID: "card-1", Front: "What organelle produces ATP?", Back: "mitochondria"}

// pcmMillis returns n milliseconds of silent PCM16 at 16 kHz.
func pcmMillis(n int) []byte {
	return make([]byte, n*16000*2/1000)
}

// newTestSession builds a session around the given collaborators with the
// sleep seam stubbed out.
func newTestSession(t *testing.T, cfg Config) (*Session, *recorder) {
	t.Helper()
	rec := &recorder{}
	cfg.Send = rec
	if cfg.Transcriber == nil {
		cfg.Transcriber = &sttmock.Transcriber{Result: stt.Result{Text: "mitochondria"}}
	}
	if cfg.Synthesizer == nil {
		cfg.Synthesizer = &ttsmock.Synthesizer{Result: tts.Result{PCM: []byte{0, 0}, Duration: time.Second}}
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	s.sleep = func(context.Context, time.Duration) error { return nil }
	return s, rec
}

// ---------------------------------------------------------------------------
// Session start
// ---------------------------------------------------------------------------

func TestStartSession_ManualFlow(t *testing.T) {
	cards := &cardSource{due: [][]backend.Card{
		{testCard, {ID: "card-2"}},
		{testCard},
	}}
	s, rec := newTestSession(t, Config{Cards: cards})

	err := s.Handle(context.Background(), protocol.StartSession{DeckID: "deck-1"})
	if err != nil {
		t.Fatalf("Handle(start) error = %v", err)
	}

	if s.State() != StateListening {
		t.Errorf("state = %q, want %q", s.State(), StateListening)
	}

	started, ok := find[protocol.SessionStarted](rec)
	if !ok {
		t.Fatal("no session_started sent")
	}
	if started.TotalCards != 2 || started.DeckID != "deck-1" || started.ReviewMode != "manual" {
		t.Errorf("session_started = %+v", started)
	}

	presented, ok := find[protocol.CardPresented](rec)
	if !ok {
		t.Fatal("no card_presented sent")
	}
	if presented.CardID != "card-1" || presented.Front != testCard.Front {
		t.Errorf("card_presented = %+v", presented)
	}
	if presented.SpokenText != testCard.Front {
		t.Errorf("spoken_text = %q, want plain front in manual mode", presented.SpokenText)
	}
	if presented.CardNumber != 1 || presented.TotalCards != 2 {
		t.Errorf("card position = %d/%d, want 1/2", presented.CardNumber, presented.TotalCards)
	}
	if presented.Payload == "" || presented.SampleRate != tts.DefaultSampleRate {
		t.Errorf("card audio = %+v", presented.Audio)
	}

	if len(cards.dueCalls) != 2 {
		t.Fatalf("DueCards called %d times, want 2", len(cards.dueCalls))
	}
	if cards.dueCalls[0].limit != defaultCardLimit || cards.dueCalls[1].limit != 1 {
		t.Errorf("due limits = %+v", cards.dueCalls)
	}
}

func TestStartSession_NoCardsDue(t *testing.T) {
	s, rec := newTestSession(t, Config{Cards: &cardSource{}})

	if err := s.Handle(context.Background(), protocol.StartSession{}); err != nil {
		t.Fatalf("Handle(start) error = %v", err)
	}

	if !s.Ended() {
		t.Errorf("state = %q, want ended", s.State())
	}
	complete, ok := find[protocol.SessionComplete](rec)
	if !ok {
		t.Fatal("no session_complete sent")
	}
	if complete.Message != "No cards due for review" {
		t.Errorf("message = %q", complete.Message)
	}
}

func TestStartSession_AlreadyInProgress(t *testing.T) {
	cards := &cardSource{due: [][]backend.Card{{testCard}, {testCard}}}
	s, rec := newTestSession(t, Config{Cards: cards})
	ctx := context.Background()

	if err := s.Handle(ctx, protocol.StartSession{}); err != nil {
		t.Fatalf("first start error = %v", err)
	}
	if err := s.Handle(ctx, protocol.StartSession{}); err != nil {
		t.Fatalf("second start error = %v", err)
	}

	e, ok := find[protocol.Error](rec)
	if !ok {
		t.Fatal("no error sent for duplicate start")
	}
	if !strings.Contains(e.Message, "already in progress") {
		t.Errorf("error = %q", e.Message)
	}
}

func TestStartSession_BackendDown(t *testing.T) {
	cards := &cardSource{dueErr: errors.New("connection refused")}
	s, rec := newTestSession(t, Config{Cards: cards})

	if err := s.Handle(context.Background(), protocol.StartSession{}); err != nil {
		t.Fatalf("Handle(start) error = %v", err)
	}
	if s.State() != StateError {
		t.Errorf("state = %q, want %q", s.State(), StateError)
	}
	if _, ok := find[protocol.Error](rec); !ok {
		t.Error("no error sent")
	}
}

func TestStartSession_ErrorStateIsTerminal(t *testing.T) {
	cards := &cardSource{dueErr: errors.New("connection refused")}
	s, rec := newTestSession(t, Config{Cards: cards})
	ctx := context.Background()

	if err := s.Handle(ctx, protocol.StartSession{}); err != nil {
		t.Fatalf("Handle(start) error = %v", err)
	}
	if !s.Ended() {
		t.Fatalf("state = %q, want terminal", s.State())
	}
	cards.dueErr = nil
	cards.due = [][]backend.Card{{testCard}}
	rec.msgs = nil

	// A dead session must not resume from any control message.
	for _, msg := range []protocol.Inbound{
		protocol.NextCard{},
		protocol.SkipCard{},
		protocol.EndSession{},
	} {
		if err := s.Handle(ctx, msg); err != nil {
			t.Fatalf("Handle(%T) error = %v", msg, err)
		}
	}

	if len(rec.msgs) != 0 {
		t.Errorf("messages after terminal error = %v, want none", rec.typesOf())
	}
	if s.State() != StateError {
		t.Errorf("state = %q, want still %q", s.State(), StateError)
	}
	if len(cards.dueCalls) != 1 {
		t.Errorf("DueCards called %d times, want only the failed start", len(cards.dueCalls))
	}
}

func TestStartSession_UnknownModeFallsBack(t *testing.T) {
	cards := &cardSource{due: [][]backend.Card{{testCard}, {testCard}}}
	s, rec := newTestSession(t, Config{Cards: cards, DefaultMode: ModeOral})

	if err := s.Handle(context.Background(), protocol.StartSession{ReviewMode: "quiz"}); err != nil {
		t.Fatalf("Handle(start) error = %v", err)
	}
	started, _ := find[protocol.SessionStarted](rec)
	if started.ReviewMode != "oral" {
		t.Errorf("review_mode = %q, want fallback to oral", started.ReviewMode)
	}
}

// ---------------------------------------------------------------------------
// Answer turns
// ---------------------------------------------------------------------------

// startOral brings a session through start_session in oral mode with one
// due card and clears the recorder.
func startOral(t *testing.T, s *Session, rec *recorder) {
	t.Helper()
	if err := s.Handle(context.Background(), protocol.StartSession{ReviewMode: "oral"}); err != nil {
		t.Fatalf("Handle(start) error = %v", err)
	}
	if s.State() != StateListening {
		t.Fatalf("state after start = %q, want listening", s.State())
	}
	rec.msgs = nil
}

func TestOralTurn_FullFlow(t *testing.T) {
	cards := &cardSource{
		due: [][]backend.Card{{testCard}, {testCard}},
		eval: &backend.Evaluation{
			IsCorrect:       true,
			Score:           0.9,
			Feedback:        "Spot on.",
			SuggestedRating: "easy",
		},
	}
	synth := &ttsmock.Synthesizer{Result: tts.Result{PCM: []byte{0, 0}, Duration: 5 * time.Second}}
	s, rec := newTestSession(t, Config{Cards: cards, Synthesizer: synth})

	var slept time.Duration
	s.sleep = func(_ context.Context, d time.Duration) error {
		slept = d
		return nil
	}
	startOral(t, s, rec)

	ctx := context.Background()
	if err := s.HandleAudio(ctx, pcmMillis(800)); err != nil {
		t.Fatalf("HandleAudio() error = %v", err)
	}
	if err := s.Handle(ctx, protocol.EndAudio{}); err != nil {
		t.Fatalf("Handle(end_audio) error = %v", err)
	}

	tr, ok := find[protocol.Transcription](rec)
	if !ok {
		t.Fatal("no transcription sent")
	}
	if tr.Text != "mitochondria" {
		t.Errorf("transcription = %q", tr.Text)
	}

	ev, ok := find[protocol.Evaluation](rec)
	if !ok {
		t.Fatal("no evaluation sent")
	}
	if ev.Rating != int(backend.RatingEasy) || !ev.IsCorrect || ev.Feedback != "Spot on." {
		t.Errorf("evaluation = %+v", ev)
	}
	if ev.ExpectedAnswer != "mitochondria" || ev.UserAnswer != "mitochondria" {
		t.Errorf("answers = %q / %q", ev.ExpectedAnswer, ev.UserAnswer)
	}
	if !ev.AutoAdvance {
		t.Error("auto_advance = false, want true in oral mode")
	}
	if ev.Stats.CardsReviewed != 1 || ev.Stats.CorrectCount != 1 || ev.Stats.Accuracy != 1 {
		t.Errorf("stats = %+v", ev.Stats)
	}

	// Feedback audio is 5s, longer than the 3s display floor.
	if slept != 5*time.Second {
		t.Errorf("auto-advance wait = %v, want 5s", slept)
	}

	rated, ok := find[protocol.CardRated](rec)
	if !ok {
		t.Fatal("no card_rated sent")
	}
	if rated.Rating != int(backend.RatingEasy) || !rated.AutoRated {
		t.Errorf("card_rated = %+v", rated)
	}
	if len(cards.reviewCalls) != 1 || cards.reviewCalls[0].rating != backend.RatingEasy {
		t.Errorf("review calls = %+v", cards.reviewCalls)
	}

	// Second due fetch is empty, so the session completes.
	if _, ok := find[protocol.SessionComplete](rec); !ok {
		t.Error("no session_complete after last card")
	}
	if !s.Ended() {
		t.Errorf("state = %q, want ended", s.State())
	}
	if s.card != nil {
		t.Error("current card still set after completion")
	}
}

func TestOralTurn_MinimumDisplayTime(t *testing.T) {
	cards := &cardSource{
		due:  [][]backend.Card{{testCard}, {testCard}},
		eval: &backend.Evaluation{IsCorrect: true, Feedback: "ok", SuggestedRating: "good"},
	}
	synth := &ttsmock.Synthesizer{Result: tts.Result{PCM: []byte{0, 0}, Duration: 500 * time.Millisecond}}
	s, rec := newTestSession(t, Config{Cards: cards, Synthesizer: synth})

	var slept time.Duration
	s.sleep = func(_ context.Context, d time.Duration) error {
		slept = d
		return nil
	}
	startOral(t, s, rec)

	ctx := context.Background()
	_ = s.HandleAudio(ctx, pcmMillis(400))
	if err := s.Handle(ctx, protocol.EndAudio{}); err != nil {
		t.Fatalf("Handle(end_audio) error = %v", err)
	}
	if slept != minEvaluationDisplay {
		t.Errorf("auto-advance wait = %v, want %v floor", slept, minEvaluationDisplay)
	}
}

func TestEndAudio_EmptyBuffer(t *testing.T) {
	cards := &cardSource{due: [][]backend.Card{{testCard}, {testCard}}}
	s, rec := newTestSession(t, Config{Cards: cards})
	startOral(t, s, rec)

	if err := s.Handle(context.Background(), protocol.EndAudio{}); err != nil {
		t.Fatalf("Handle(end_audio) error = %v", err)
	}
	e, ok := find[protocol.Error](rec)
	if !ok {
		t.Fatal("no error sent")
	}
	if !strings.Contains(e.Message, "no audio") {
		t.Errorf("error = %q", e.Message)
	}
	if s.State() != StateListening {
		t.Errorf("state = %q, want still listening", s.State())
	}
}

func TestEndAudio_EmptyTranscriptRevertsToListening(t *testing.T) {
	cards := &cardSource{due: [][]backend.Card{{testCard}, {testCard}}}
	tr := &sttmock.Transcriber{Result: stt.Result{Text: ""}}
	s, rec := newTestSession(t, Config{Cards: cards, Transcriber: tr})
	startOral(t, s, rec)

	ctx := context.Background()
	_ = s.HandleAudio(ctx, pcmMillis(600))
	if err := s.Handle(ctx, protocol.EndAudio{}); err != nil {
		t.Fatalf("Handle(end_audio) error = %v", err)
	}

	if _, ok := find[protocol.Error](rec); !ok {
		t.Error("no error sent for empty transcript")
	}
	if s.State() != StateListening {
		t.Errorf("state = %q, want listening", s.State())
	}
	if len(cards.evalCalls) != 0 {
		t.Error("empty transcript must not reach evaluation")
	}
}

func TestEndAudio_IgnoredOutsideListening(t *testing.T) {
	cards := &cardSource{due: [][]backend.Card{{testCard}, {testCard}}}
	tr := &sttmock.Transcriber{}
	s, rec := newTestSession(t, Config{Cards: cards, Transcriber: tr})

	// Session not started: end_audio is a silent no-op.
	if err := s.Handle(context.Background(), protocol.EndAudio{}); err != nil {
		t.Fatalf("Handle(end_audio) error = %v", err)
	}
	if len(rec.msgs) != 0 {
		t.Errorf("messages sent = %v, want none", rec.typesOf())
	}
	if len(tr.TranscribeCalls) != 0 {
		t.Error("transcriber called outside listening state")
	}
}

func TestHandleAudio_BufferLimit(t *testing.T) {
	cards := &cardSource{due: [][]backend.Card{{testCard}, {testCard}}}
	s, rec := newTestSession(t, Config{Cards: cards, MaxBuffer: 1000})
	startOral(t, s, rec)

	if err := s.HandleAudio(context.Background(), make([]byte, 2000)); err != nil {
		t.Fatalf("HandleAudio() error = %v", err)
	}
	e, ok := find[protocol.Error](rec)
	if !ok {
		t.Fatal("no error sent for oversized buffer")
	}
	if !strings.Contains(e.Message, "buffer limit") {
		t.Errorf("error = %q", e.Message)
	}
	if len(s.audioBuf) != 0 {
		t.Errorf("buffer not cleared, %d bytes remain", len(s.audioBuf))
	}
}

// ---------------------------------------------------------------------------
// Evaluation fallback tiers
// ---------------------------------------------------------------------------

func TestEvaluation_LLMFallback(t *testing.T) {
	cards := &cardSource{
		due:     [][]backend.Card{{testCard}, {testCard}},
		evalErr: errors.New("evaluator 503"),
	}
	gen := &textgenmock.Generator{Response: "```json\n{\"rating\": 1, \"feedback\": \"Partially right.\"}\n```"}
	s, rec := newTestSession(t, Config{Cards: cards, Generator: gen})
	startOral(t, s, rec)

	ctx := context.Background()
	_ = s.HandleAudio(ctx, pcmMillis(600))
	if err := s.Handle(ctx, protocol.EndAudio{}); err != nil {
		t.Fatalf("Handle(end_audio) error = %v", err)
	}

	ev, ok := find[protocol.Evaluation](rec)
	if !ok {
		t.Fatal("no evaluation sent")
	}
	if ev.Rating != int(backend.RatingHard) || ev.IsCorrect {
		t.Errorf("evaluation = %+v, want rating 1 incorrect", ev)
	}
	if ev.Feedback != "Partially right." {
		t.Errorf("feedback = %q", ev.Feedback)
	}
	if len(gen.GenerateCalls) == 0 {
		t.Fatal("generator not consulted")
	}
	if !strings.Contains(gen.GenerateCalls[0].Req.Prompt, testCard.Back) {
		t.Error("evaluation prompt missing expected answer")
	}
}

func TestEvaluation_LexicalFallback(t *testing.T) {
	cards := &cardSource{
		due:     [][]backend.Card{{testCard}, {testCard}},
		evalErr: errors.New("evaluator 503"),
	}
	gen := &textgenmock.Generator{GenerateErr: errors.New("llm down")}
	tr := &sttmock.Transcriber{Result: stt.Result{Text: "the mitochondria"}}
	s, rec := newTestSession(t, Config{Cards: cards, Generator: gen, Transcriber: tr})
	startOral(t, s, rec)

	ctx := context.Background()
	_ = s.HandleAudio(ctx, pcmMillis(600))
	if err := s.Handle(ctx, protocol.EndAudio{}); err != nil {
		t.Fatalf("Handle(end_audio) error = %v", err)
	}

	ev, ok := find[protocol.Evaluation](rec)
	if !ok {
		t.Fatal("no evaluation sent")
	}
	if !ev.IsCorrect || ev.Rating != int(backend.RatingGood) {
		t.Errorf("lexical evaluation = %+v, want correct/good", ev)
	}
}

func TestEvaluation_LexicalFallbackWrongAnswer(t *testing.T) {
	cards := &cardSource{
		due:     [][]backend.Card{{testCard}, {testCard}},
		evalErr: errors.New("evaluator 503"),
	}
	tr := &sttmock.Transcriber{Result: stt.Result{Text: "the golgi apparatus"}}
	s, rec := newTestSession(t, Config{Cards: cards, Transcriber: tr})
	startOral(t, s, rec)

	ctx := context.Background()
	_ = s.HandleAudio(ctx, pcmMillis(600))
	if err := s.Handle(ctx, protocol.EndAudio{}); err != nil {
		t.Fatalf("Handle(end_audio) error = %v", err)
	}

	ev, ok := find[protocol.Evaluation](rec)
	if !ok {
		t.Fatal("no evaluation sent")
	}
	if ev.IsCorrect || ev.Rating != int(backend.RatingAgain) {
		t.Errorf("lexical evaluation = %+v, want incorrect/again", ev)
	}
	if !strings.Contains(ev.Feedback, testCard.Back) {
		t.Errorf("feedback = %q, want expected answer included", ev.Feedback)
	}
}

func TestSynthesizerOutage_SilentAudioThroughout(t *testing.T) {
	cards := &cardSource{
		due:  [][]backend.Card{{testCard}, {testCard}},
		eval: &backend.Evaluation{IsCorrect: true, Feedback: "Correct.", SuggestedRating: "good"},
	}
	// A dead synthesizer behind the silent fallback degrades every audio
	// block to placeholder silence without breaking the flow.
	synth := &resilience.SilentFallback{
		Synthesizer: &ttsmock.Synthesizer{SynthesizeErr: errors.New("tts server down")},
	}
	s, rec := newTestSession(t, Config{Cards: cards, Synthesizer: synth})

	ctx := context.Background()
	if err := s.Handle(ctx, protocol.StartSession{ReviewMode: "oral"}); err != nil {
		t.Fatalf("Handle(start) error = %v", err)
	}

	presented, ok := find[protocol.CardPresented](rec)
	if !ok {
		t.Fatal("no card_presented sent")
	}
	if !presented.IsSilent || presented.Payload == "" {
		t.Errorf("card audio = silent %v payload %d bytes, want silent placeholder",
			presented.IsSilent, len(presented.Payload))
	}

	_ = s.HandleAudio(ctx, pcmMillis(600))
	if err := s.Handle(ctx, protocol.EndAudio{}); err != nil {
		t.Fatalf("Handle(end_audio) error = %v", err)
	}

	ev, ok := find[protocol.Evaluation](rec)
	if !ok {
		t.Fatal("no evaluation sent")
	}
	if !ev.IsSilent {
		t.Error("feedback audio not marked silent")
	}
	if ev.FeedbackAudioDuration == 0 {
		t.Error("placeholder feedback has no duration")
	}

	// The turn still rates the card and finishes the session.
	if _, ok := find[protocol.CardRated](rec); !ok {
		t.Error("no card_rated after silent feedback")
	}
	if _, ok := find[protocol.SessionComplete](rec); !ok {
		t.Error("no session_complete after silent feedback")
	}
	if s.State() != StateEnded {
		t.Errorf("state = %q, want ended", s.State())
	}
}

// ---------------------------------------------------------------------------
// Manual rating
// ---------------------------------------------------------------------------

func TestRateCard_Manual(t *testing.T) {
	cards := &cardSource{due: [][]backend.Card{{testCard}, {testCard}, {testCard}}}
	s, rec := newTestSession(t, Config{Cards: cards})
	if err := s.Handle(context.Background(), protocol.StartSession{}); err != nil {
		t.Fatalf("Handle(start) error = %v", err)
	}
	rec.msgs = nil

	if err := s.Handle(context.Background(), protocol.RateCard{Rating: 1}); err != nil {
		t.Fatalf("Handle(rate_card) error = %v", err)
	}

	rated, ok := find[protocol.CardRated](rec)
	if !ok {
		t.Fatal("no card_rated sent")
	}
	if rated.Rating != 1 || rated.AutoRated {
		t.Errorf("card_rated = %+v", rated)
	}
	if len(cards.reviewCalls) != 1 || cards.reviewCalls[0].cardID != "card-1" {
		t.Errorf("review calls = %+v", cards.reviewCalls)
	}
	// Next card presented after rating.
	if _, ok := find[protocol.CardPresented](rec); !ok {
		t.Error("no card_presented after rating")
	}
}

func TestRateCard_ClampsRating(t *testing.T) {
	cards := &cardSource{due: [][]backend.Card{{testCard}, {testCard}, {testCard}}}
	s, _ := newTestSession(t, Config{Cards: cards})
	if err := s.Handle(context.Background(), protocol.StartSession{}); err != nil {
		t.Fatalf("Handle(start) error = %v", err)
	}

	if err := s.Handle(context.Background(), protocol.RateCard{Rating: 9}); err != nil {
		t.Fatalf("Handle(rate_card) error = %v", err)
	}
	if cards.reviewCalls[0].rating != backend.RatingEasy {
		t.Errorf("rating = %v, want clamped to easy", cards.reviewCalls[0].rating)
	}
}

func TestRateCard_NoCurrentCard(t *testing.T) {
	s, rec := newTestSession(t, Config{Cards: &cardSource{}})

	if err := s.Handle(context.Background(), protocol.RateCard{Rating: 2}); err != nil {
		t.Fatalf("Handle(rate_card) error = %v", err)
	}
	if len(rec.msgs) != 0 {
		t.Errorf("messages sent = %v, want silent no-op", rec.typesOf())
	}
}

// ---------------------------------------------------------------------------
// Conversational mode
// ---------------------------------------------------------------------------

func TestConversational_IntroQuestionAndOutro(t *testing.T) {
	cards := &cardSource{
		due:  [][]backend.Card{{testCard}, {testCard}},
		eval: &backend.Evaluation{IsCorrect: true, Feedback: "Correct.", SuggestedRating: "good"},
	}
	gen := &textgenmock.Generator{Responses: []string{
		"Welcome back! Just one card today.",            // intro
		"Here is an easy one: which organelle makes ATP?", // question
		"Nicely done, that is exactly right!",             // feedback
		"Great session, see you tomorrow!",                // outro
	}}
	s, rec := newTestSession(t, Config{Cards: cards, Generator: gen})

	ctx := context.Background()
	if err := s.Handle(ctx, protocol.StartSession{ReviewMode: "conversational"}); err != nil {
		t.Fatalf("Handle(start) error = %v", err)
	}

	intro, ok := find[protocol.SessionIntro](rec)
	if !ok {
		t.Fatal("no session_intro sent")
	}
	if intro.Text != "Welcome back! Just one card today." {
		t.Errorf("intro = %q", intro.Text)
	}

	presented, _ := find[protocol.CardPresented](rec)
	if presented.SpokenText != "Here is an easy one: which organelle makes ATP?" {
		t.Errorf("spoken_text = %q, want rephrased question", presented.SpokenText)
	}
	if presented.Front != testCard.Front {
		t.Errorf("front = %q, must stay the raw card text", presented.Front)
	}

	_ = s.HandleAudio(ctx, pcmMillis(600))
	if err := s.Handle(ctx, protocol.EndAudio{}); err != nil {
		t.Fatalf("Handle(end_audio) error = %v", err)
	}

	ev, _ := find[protocol.Evaluation](rec)
	if ev.Feedback != "Nicely done, that is exactly right!" {
		t.Errorf("feedback = %q, want rephrased feedback", ev.Feedback)
	}

	complete, ok := find[protocol.SessionComplete](rec)
	if !ok {
		t.Fatal("no session_complete sent")
	}
	if complete.Message != "Great session, see you tomorrow!" {
		t.Errorf("outro = %q", complete.Message)
	}
	if complete.Payload == "" {
		t.Error("outro audio missing")
	}
}

func TestConversational_GeneratorFailureFallsBackToPlainText(t *testing.T) {
	cards := &cardSource{
		due:  [][]backend.Card{{testCard}, {testCard}},
		eval: &backend.Evaluation{IsCorrect: true, Feedback: "Correct.", SuggestedRating: "good"},
	}
	gen := &textgenmock.Generator{GenerateErr: errors.New("model offline")}
	s, rec := newTestSession(t, Config{Cards: cards, Generator: gen})

	ctx := context.Background()
	if err := s.Handle(ctx, protocol.StartSession{ReviewMode: "conversational"}); err != nil {
		t.Fatalf("Handle(start) error = %v", err)
	}

	// Intro is skipped, the card still goes out with its plain front.
	if _, ok := find[protocol.SessionIntro](rec); ok {
		t.Error("session_intro sent despite generator failure")
	}
	presented, ok := find[protocol.CardPresented](rec)
	if !ok {
		t.Fatal("no card_presented sent")
	}
	if presented.SpokenText != testCard.Front {
		t.Errorf("spoken_text = %q, want plain front fallback", presented.SpokenText)
	}
}

// ---------------------------------------------------------------------------
// Skip, replay, end
// ---------------------------------------------------------------------------

func TestSkipCard(t *testing.T) {
	cards := &cardSource{due: [][]backend.Card{{testCard}, {testCard}, {{ID: "card-2", Front: "next"}}}}
	s, rec := newTestSession(t, Config{Cards: cards})
	if err := s.Handle(context.Background(), protocol.StartSession{}); err != nil {
		t.Fatalf("Handle(start) error = %v", err)
	}
	rec.msgs = nil

	if err := s.Handle(context.Background(), protocol.SkipCard{}); err != nil {
		t.Fatalf("Handle(skip_card) error = %v", err)
	}
	if len(cards.reviewCalls) != 0 {
		t.Error("skip must not submit a review")
	}
	presented, ok := find[protocol.CardPresented](rec)
	if !ok {
		t.Fatal("no card_presented after skip")
	}
	if presented.CardID != "card-2" {
		t.Errorf("card after skip = %q", presented.CardID)
	}
}

func TestReplayCard(t *testing.T) {
	cards := &cardSource{due: [][]backend.Card{{testCard}, {testCard}}}
	synth := &ttsmock.Synthesizer{Result: tts.Result{PCM: []byte{1, 0}, Duration: time.Second}}
	s, rec := newTestSession(t, Config{Cards: cards, Synthesizer: synth})
	if err := s.Handle(context.Background(), protocol.StartSession{}); err != nil {
		t.Fatalf("Handle(start) error = %v", err)
	}
	rec.msgs = nil
	synth.ResetCalls()

	if err := s.Handle(context.Background(), protocol.ReplayCard{}); err != nil {
		t.Fatalf("Handle(replay_card) error = %v", err)
	}

	replay, ok := find[protocol.CardReplay](rec)
	if !ok {
		t.Fatal("no card_replay sent")
	}
	if replay.CardID != "card-1" || replay.Payload == "" {
		t.Errorf("card_replay = %+v", replay)
	}
	if len(synth.SynthesizeCalls) != 1 || synth.SynthesizeCalls[0].Text != testCard.Front {
		t.Errorf("synthesize calls = %+v", synth.SynthesizeCalls)
	}
}

func TestEndSession(t *testing.T) {
	cards := &cardSource{due: [][]backend.Card{{testCard}, {testCard}}}
	s, rec := newTestSession(t, Config{Cards: cards})
	ctx := context.Background()
	if err := s.Handle(ctx, protocol.StartSession{}); err != nil {
		t.Fatalf("Handle(start) error = %v", err)
	}
	rec.msgs = nil

	if err := s.Handle(ctx, protocol.EndSession{}); err != nil {
		t.Fatalf("Handle(end_session) error = %v", err)
	}

	if !s.Ended() {
		t.Errorf("state = %q, want ended", s.State())
	}
	if s.card != nil {
		t.Error("current card still set after end_session")
	}
	if _, ok := find[protocol.SessionEnded](rec); !ok {
		t.Error("no session_ended sent")
	}
	got := rec.typesOf()
	if got[0] != "state_change:ending" {
		t.Errorf("first message = %q, want ending state change", got[0])
	}
}

// ---------------------------------------------------------------------------
// VAD status and streaming
// ---------------------------------------------------------------------------

func TestVADStatus_SentWhileListening(t *testing.T) {
	cards := &cardSource{due: [][]backend.Card{{testCard}, {testCard}}}
	det := &vadmock.Detector{Results: []bool{true}}
	s, rec := newTestSession(t, Config{Cards: cards, Detector: det})
	startOral(t, s, rec)

	ctx := context.Background()
	for range 3 {
		if err := s.HandleAudio(ctx, pcmMillis(100)); err != nil {
			t.Fatalf("HandleAudio() error = %v", err)
		}
	}

	status, ok := find[protocol.VADStatus](rec)
	if !ok {
		t.Fatal("no vad_status sent after 300ms of audio")
	}
	if !status.IsSpeech {
		t.Errorf("vad_status = %+v", status)
	}
}

func TestStreaming_AutoClosesTurn(t *testing.T) {
	cards := &cardSource{
		due:  [][]backend.Card{{testCard}, {testCard}},
		eval: &backend.Evaluation{IsCorrect: true, Feedback: "ok", SuggestedRating: "good"},
	}
	// The turn detector treats any non-zero sample as speech, so segmenter
	// results depend only on the chunk contents. The vad_status probes run
	// on their own detector instance.
	turnDet := &vadmock.Detector{Func: func(pcm []byte) (bool, error) {
		for _, b := range pcm {
			if b != 0 {
				return true, nil
			}
		}
		return false, nil
	}}
	tr := &sttmock.Transcriber{Result: stt.Result{Text: "mitochondria"}}
	s, rec := newTestSession(t, Config{
		Cards:        cards,
		Detector:     &vadmock.Detector{},
		TurnDetector: turnDet,
		Transcriber:  tr,
		Streaming:    true,
	})
	startOral(t, s, rec)

	speech := pcmMillis(100)
	for i := range speech {
		speech[i] = 0x10
	}

	// 500ms of speech, then silence until the turn closes. No end_audio is
	// ever sent.
	ctx := context.Background()
	for range 5 {
		if err := s.HandleAudio(ctx, speech); err != nil {
			t.Fatalf("HandleAudio() error = %v", err)
		}
	}
	for range 7 {
		if err := s.HandleAudio(ctx, pcmMillis(100)); err != nil {
			t.Fatalf("HandleAudio() error = %v", err)
		}
		if _, ok := find[protocol.Transcription](rec); ok {
			break
		}
	}

	if _, ok := find[protocol.Transcription](rec); !ok {
		t.Fatal("turn never auto-closed in streaming mode")
	}
	if _, ok := find[protocol.Evaluation](rec); !ok {
		t.Error("no evaluation after auto-closed turn")
	}
	if len(tr.TranscribeCalls) != 1 {
		t.Fatalf("transcriber called %d times, want 1", len(tr.TranscribeCalls))
	}
}

// ---------------------------------------------------------------------------
// Close and bookkeeping
// ---------------------------------------------------------------------------

func TestClose_RecordsHistory(t *testing.T) {
	cards := &cardSource{
		due:  [][]backend.Card{{testCard}, {testCard}},
		eval: &backend.Evaluation{IsCorrect: true, Feedback: "ok", SuggestedRating: "good"},
	}
	store := history.NewMemoryStore()
	s, rec := newTestSession(t, Config{Cards: cards, History: store})
	startOral(t, s, rec)

	ctx := context.Background()
	_ = s.HandleAudio(ctx, pcmMillis(600))
	if err := s.Handle(ctx, protocol.EndAudio{}); err != nil {
		t.Fatalf("Handle(end_audio) error = %v", err)
	}

	s.Close(ctx)
	s.Close(ctx) // idempotent

	got, err := store.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("history entries = %d, want exactly 1", len(got))
	}
	sum := got[0]
	if sum.ID != s.ID() || sum.Mode != "oral" {
		t.Errorf("summary = %+v", sum)
	}
	if sum.CardsReviewed != 1 || sum.CorrectCount != 1 || sum.Accuracy != 1 {
		t.Errorf("summary stats = %+v", sum)
	}
	if sum.AudioSeconds == 0 {
		t.Error("audio seconds not recorded")
	}
}

func TestClose_BeforeStartRecordsNothing(t *testing.T) {
	store := history.NewMemoryStore()
	s, _ := newTestSession(t, Config{Cards: &cardSource{}, History: store})

	s.Close(context.Background())

	got, _ := store.Recent(context.Background(), 10)
	if len(got) != 0 {
		t.Errorf("history entries = %d, want 0 for never-started session", len(got))
	}
}

func TestHandle_SendFailurePropagates(t *testing.T) {
	cards := &cardSource{due: [][]backend.Card{{testCard}, {testCard}}}
	rec := &recorder{sendErr: errors.New("connection closed")}
	s, err := New(Config{
		Send:        rec,
		Cards:       cards,
		Transcriber: &sttmock.Transcriber{},
		Synthesizer: &ttsmock.Synthesizer{},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := s.Handle(context.Background(), protocol.StartSession{}); err == nil {
		t.Error("Handle() = nil, want send error")
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("New() accepted empty config")
	}
	if _, err := New(Config{
		Send:        &recorder{},
		Cards:       &cardSource{},
		Transcriber: &sttmock.Transcriber{},
		Synthesizer: &ttsmock.Synthesizer{},
		Streaming:   true,
	}); err == nil {
		t.Error("New() accepted streaming without detector")
	}
}

func TestAudioChunk_Base64(t *testing.T) {
	cards := &cardSource{due: [][]backend.Card{{testCard}, {testCard}}}
	s, rec := newTestSession(t, Config{Cards: cards})
	startOral(t, s, rec)

	// "AAAAAAAA" decodes to 6 bytes of silence.
	if err := s.Handle(context.Background(), protocol.AudioChunk{Audio: "AAAAAAAA"}); err != nil {
		t.Fatalf("Handle(audio_chunk) error = %v", err)
	}
	if len(s.audioBuf) != 6 {
		t.Errorf("buffered %d bytes, want 6", len(s.audioBuf))
	}

	if err := s.Handle(context.Background(), protocol.AudioChunk{Audio: "!!!"}); err != nil {
		t.Fatalf("Handle(audio_chunk) error = %v", err)
	}
	if _, ok := find[protocol.Error](rec); !ok {
		t.Error("no error for invalid base64")
	}
}
