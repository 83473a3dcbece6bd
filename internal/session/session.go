// Package session implements the voice review state machine driving one
// WebSocket connection.
//
// A session walks a learner through their due cards: each card front is
// synthesized and sent to the client, the spoken answer comes back as PCM16
// audio, the answer is transcribed and graded, and spoken feedback plus the
// next card follow. Manual mode skips grading and waits for explicit
// ratings; oral and conversational modes grade automatically and advance on
// their own.
//
// A Session is not safe for concurrent use. The connection read loop owns
// it: decode each inbound frame and call [Session.Handle] or
// [Session.HandleAudio] from a single goroutine.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mnemovox/mnemovox/internal/backend"
	"github.com/mnemovox/mnemovox/internal/evaluate"
	"github.com/mnemovox/mnemovox/internal/history"
	"github.com/mnemovox/mnemovox/internal/observe"
	"github.com/mnemovox/mnemovox/internal/protocol"
	"github.com/mnemovox/mnemovox/pkg/audio"
	"github.com/mnemovox/mnemovox/pkg/provider/stt"
	"github.com/mnemovox/mnemovox/pkg/provider/textgen"
	"github.com/mnemovox/mnemovox/pkg/provider/tts"
	"github.com/mnemovox/mnemovox/pkg/provider/vad"
	"github.com/mnemovox/mnemovox/pkg/segment"
)

const (
	// minEvaluationDisplay is how long evaluation feedback stays on screen
	// before auto-advance, even when the feedback audio is shorter.
	minEvaluationDisplay = 3 * time.Second

	// vadProbeInterval is how much fresh audio accumulates between
	// advisory vad_status reports while listening.
	vadProbeInterval = 250 * time.Millisecond

	defaultCardLimit  = 20
	defaultSampleRate = 16000
	defaultMaxBuffer  = 10 << 20
)

// Sender delivers outbound protocol messages to the client. The websocket
// layer implements it; tests substitute a recorder.
type Sender interface {
	Send(ctx context.Context, msg any) error
}

// CardSource is the card-service surface a session needs. *backend.Client
// satisfies it.
type CardSource interface {
	DueCards(ctx context.Context, deckID string, limit int) ([]backend.Card, error)
	SubmitReview(ctx context.Context, cardID string, rating backend.Rating, responseTime time.Duration) error
	EvaluateAnswer(ctx context.Context, cardID, userAnswer string) (*backend.Evaluation, error)
}

// Config assembles the collaborators and tunables for one session.
type Config struct {
	Send        Sender
	Cards       CardSource
	Transcriber stt.Transcriber
	Synthesizer tts.Synthesizer

	// Generator phrases conversational questions and feedback and backs
	// the LLM evaluation tier. Nil disables both; conversational mode then
	// behaves like oral mode with plain card text.
	Generator textgen.Generator

	// Detector, when set, powers advisory vad_status reports and, in
	// streaming mode, automatic end-of-turn detection. Stateful detectors
	// carry per-stream hysteresis, so each session needs its own instance.
	Detector vad.Detector

	// TurnDetector, when set, feeds the streaming segmenter instead of
	// Detector. The vad_status probes and the segmenter inspect different
	// windows of the same stream, so a stateful detector must not serve
	// both.
	TurnDetector vad.Detector

	// History, when set, receives a summary when the session ends.
	History history.Store

	Metrics *observe.Metrics
	Logger  *slog.Logger

	// DefaultMode applies when start_session names no mode. Defaults to
	// manual.
	DefaultMode Mode

	// CardLimit caps the due-card fetch at session start. Defaults to 20.
	CardLimit int

	// SampleRate of inbound PCM16 in Hz. Defaults to 16000.
	SampleRate int

	// Language hint passed to the transcriber.
	Language string

	// MaxBuffer caps buffered answer audio in bytes. Defaults to 10 MiB.
	MaxBuffer int

	// Streaming closes answer turns automatically from detector silence
	// instead of waiting for an end_audio message. Requires Detector.
	Streaming bool

	// SilenceCeiling and MinSpeech tune streaming turn detection. Zero
	// keeps the segmenter defaults.
	SilenceCeiling time.Duration
	MinSpeech      time.Duration
}

// Session drives one review conversation.
type Session struct {
	id   string
	cfg  Config
	send Sender
	log  *slog.Logger
	met  *observe.Metrics
	lex  *evaluate.Matcher
	seg  *segment.Segmenter // nil unless streaming

	state State
	mode  Mode

	deckID      string
	card        *backend.Card
	cardNumber  int
	totalCards  int
	presentedAt time.Time

	audioBuf   []byte
	probeBuf   []byte
	sinceProbe int

	stats     protocol.Stats
	startedAt time.Time
	closed    bool

	// test seams
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an idle session. The returned session handles messages until
// it reaches [StateEnded]; call [Session.Close] when the connection goes
// away regardless of state.
func New(cfg Config) (*Session, error) {
	if cfg.Send == nil || cfg.Cards == nil || cfg.Transcriber == nil || cfg.Synthesizer == nil {
		return nil, errors.New("session: Send, Cards, Transcriber and Synthesizer are required")
	}
	if cfg.Streaming && cfg.Detector == nil {
		return nil, errors.New("session: streaming mode requires a Detector")
	}
	if cfg.DefaultMode == "" {
		cfg.DefaultMode = ModeManual
	}
	if cfg.CardLimit <= 0 {
		cfg.CardLimit = defaultCardLimit
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = defaultSampleRate
	}
	if cfg.MaxBuffer <= 0 {
		cfg.MaxBuffer = defaultMaxBuffer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}

	id, err := generateID()
	if err != nil {
		return nil, fmt.Errorf("session: generate id: %w", err)
	}

	s := &Session{
		id:    id,
		cfg:   cfg,
		send:  cfg.Send,
		log:   cfg.Logger.With("session_id", id),
		met:   cfg.Metrics,
		lex:   evaluate.New(),
		state: StateIdle,
		mode:  cfg.DefaultMode,
		now:   time.Now,
		sleep: sleepCtx,
	}
	if cfg.Streaming {
		opts := []segment.Option{segment.WithSampleRate(cfg.SampleRate)}
		if cfg.SilenceCeiling > 0 {
			opts = append(opts, segment.WithSilenceCeiling(cfg.SilenceCeiling))
		}
		if cfg.MinSpeech > 0 {
			opts = append(opts, segment.WithMinSpeech(cfg.MinSpeech))
		}
		det := cfg.TurnDetector
		if det == nil {
			det = cfg.Detector
		}
		s.seg = segment.New(det, opts...)
	}
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State { return s.state }

// Ended reports whether the session reached a terminal state. Both ended and
// error are terminal; neither accepts further transitions.
func (s *Session) Ended() bool { return s.state == StateEnded || s.state == StateError }

// Handle processes one inbound control message. It returns an error only
// when delivery to the client fails; domain failures are reported to the
// client and absorbed.
func (s *Session) Handle(ctx context.Context, msg protocol.Inbound) error {
	switch m := msg.(type) {
	case protocol.StartSession:
		return s.handleStart(ctx, m)
	case protocol.EndSession:
		return s.handleEnd(ctx)
	case protocol.AudioChunk:
		pcm, err := base64.StdEncoding.DecodeString(m.Audio)
		if err != nil {
			return s.sendError(ctx, "invalid audio encoding")
		}
		return s.HandleAudio(ctx, pcm)
	case protocol.EndAudio:
		return s.processAudio(ctx)
	case protocol.SkipCard:
		return s.handleSkip(ctx)
	case protocol.RateCard:
		return s.handleRate(ctx, m.Rating)
	case protocol.NextCard:
		return s.presentNext(ctx)
	case protocol.ReplayCard:
		return s.handleReplay(ctx)
	default:
		s.log.Warn("unhandled message", "message", fmt.Sprintf("%T", msg))
		return nil
	}
}

// HandleAudio ingests one chunk of the learner's PCM16 audio. Chunks
// arriving outside the listening state are dropped silently.
func (s *Session) HandleAudio(ctx context.Context, pcm []byte) error {
	if s.state != StateListening || len(pcm) == 0 {
		return nil
	}

	if len(s.audioBuf)+len(pcm) > s.cfg.MaxBuffer {
		s.resetAudio()
		return s.sendError(ctx, "audio buffer limit exceeded, discarding answer")
	}

	if err := s.probeVAD(ctx, pcm); err != nil {
		return err
	}

	if s.seg == nil {
		s.audioBuf = append(s.audioBuf, pcm...)
		return nil
	}

	// Streaming mode: the segmenter owns turn detection. audioBuf mirrors
	// the fed bytes only so the size guard above has something to count.
	s.audioBuf = append(s.audioBuf, pcm...)
	utt, err := s.seg.Feed(pcm)
	if err != nil {
		s.log.Warn("voice activity detection failed", "error", err)
		s.met.RecordProviderError(ctx, "vad", "detect")
		return nil
	}
	if utt == nil {
		return nil
	}
	s.audioBuf = utt.PCM
	return s.processAudio(ctx)
}

// probeVAD sends an advisory vad_status roughly every 250 ms of audio.
func (s *Session) probeVAD(ctx context.Context, pcm []byte) error {
	if s.cfg.Detector == nil {
		return nil
	}
	windowBytes := int(vadProbeInterval.Seconds()*float64(s.cfg.SampleRate)) * audio.BytesPerSample
	s.probeBuf = append(s.probeBuf, pcm...)
	if len(s.probeBuf) > windowBytes {
		s.probeBuf = s.probeBuf[len(s.probeBuf)-windowBytes:]
	}
	s.sinceProbe += len(pcm)
	if s.sinceProbe < windowBytes {
		return nil
	}
	s.sinceProbe = 0

	speech, err := s.cfg.Detector.IsSpeech(s.probeBuf)
	if err != nil {
		s.log.Warn("voice activity probe failed", "error", err)
		return nil
	}
	// The energy detector has no posterior; report normalised RMS so
	// clients can still draw a level meter.
	return s.sendJSON(ctx, protocol.VADStatus{
		Type:              protocol.TypeVADStatus,
		SpeechProbability: min(1, audio.RMS(s.probeBuf)),
		IsSpeech:          speech,
	})
}

func (s *Session) handleStart(ctx context.Context, m protocol.StartSession) error {
	if s.state != StateIdle {
		return s.sendError(ctx, "session already in progress")
	}

	s.state = StateStarting
	s.deckID = m.DeckID
	s.mode = ParseMode(m.ReviewMode, s.cfg.DefaultMode)
	s.startedAt = s.now()

	if err := s.sendJSON(ctx, protocol.NewStateChange(string(StateStarting))); err != nil {
		return err
	}

	cards, err := s.cfg.Cards.DueCards(ctx, s.deckID, s.cfg.CardLimit)
	if err != nil {
		s.state = StateError
		s.met.RecordProviderError(ctx, "backend", "due_cards")
		return s.sendError(ctx, fmt.Sprintf("failed to start session: %v", err))
	}

	if len(cards) == 0 {
		s.state = StateEnded
		return s.sendJSON(ctx, protocol.SessionComplete{
			Type:    protocol.TypeSessionComplete,
			Message: "No cards due for review",
			Stats:   s.stats,
		})
	}

	s.totalCards = len(cards)
	s.cardNumber = 0
	s.met.ActiveSessions.Add(ctx, 1)
	s.log.Info("session started",
		"mode", s.mode,
		"deck_id", s.deckID,
		"total_cards", s.totalCards,
	)

	if err := s.sendJSON(ctx, protocol.SessionStarted{
		Type:       protocol.TypeSessionStarted,
		TotalCards: s.totalCards,
		DeckID:     s.deckID,
		ReviewMode: string(s.mode),
	}); err != nil {
		return err
	}

	if s.mode == ModeConversational {
		if err := s.sendIntro(ctx); err != nil {
			return err
		}
	}
	return s.presentNext(ctx)
}

// sendIntro generates and speaks a greeting in conversational mode. Intro
// failures are logged and skipped; the session continues without one.
func (s *Session) sendIntro(ctx context.Context) error {
	if s.cfg.Generator == nil {
		return nil
	}
	text, err := s.cfg.Generator.Generate(ctx, textgen.Request{
		Prompt: buildSessionIntroPrompt(s.totalCards),
	})
	if err != nil || text == "" {
		s.log.Warn("session intro generation failed", "error", err)
		return nil
	}

	res, err := s.synthesize(ctx, text)
	if err != nil {
		s.log.Warn("session intro synthesis failed", "error", err)
		return nil
	}
	return s.sendJSON(ctx, protocol.SessionIntro{
		Type:  protocol.TypeSessionIntro,
		Text:  text,
		Audio: encodeAudio(res),
	})
}

// presentNext fetches the next due card, synthesizes its question, and
// moves the session to listening.
func (s *Session) presentNext(ctx context.Context) error {
	if s.state == StateIdle || s.Ended() {
		return nil
	}
	s.state = StatePresentingCard

	cards, err := s.cfg.Cards.DueCards(ctx, s.deckID, 1)
	if err != nil {
		s.met.RecordProviderError(ctx, "backend", "due_cards")
		return s.sendError(ctx, fmt.Sprintf("failed to present card: %v", err))
	}
	if len(cards) == 0 {
		return s.completeSession(ctx)
	}

	s.card = &cards[0]
	s.cardNumber++

	question := s.card.Front
	if s.mode == ModeConversational {
		question = s.conversationalQuestion(ctx, s.card.Front)
	}

	res, err := s.synthesize(ctx, question)
	if err != nil {
		return s.sendError(ctx, fmt.Sprintf("failed to present card: %v", err))
	}

	if err := s.sendJSON(ctx, protocol.CardPresented{
		Type:       protocol.TypeCardPresented,
		CardID:     s.card.ID,
		Front:      s.card.Front,
		SpokenText: question,
		Audio:      encodeAudio(res),
		CardNumber: s.cardNumber,
		TotalCards: s.totalCards,
	}); err != nil {
		return err
	}

	s.state = StateListening
	s.resetAudio()
	s.presentedAt = s.now()
	return s.sendJSON(ctx, protocol.NewStateChange(string(StateListening)))
}

// conversationalQuestion rephrases the card front through the generator,
// falling back to the plain front on any failure.
func (s *Session) conversationalQuestion(ctx context.Context, front string) string {
	if s.cfg.Generator == nil {
		return front
	}
	text, err := s.cfg.Generator.Generate(ctx, textgen.Request{
		Prompt: buildConversationalQuestionPrompt(front, s.cardNumber, s.totalCards),
	})
	if err != nil || text == "" {
		s.log.Warn("conversational question generation failed", "error", err)
		s.met.RecordProviderError(ctx, "textgen", "question")
		return front
	}
	return text
}

// processAudio closes the answer turn: transcribe the buffered audio and
// hand the transcript to evaluation.
func (s *Session) processAudio(ctx context.Context) error {
	if s.state != StateListening {
		return nil
	}
	if len(s.audioBuf) == 0 {
		return s.sendError(ctx, "no audio received")
	}

	s.state = StateProcessing
	if err := s.sendJSON(ctx, protocol.NewStateChange(string(StateProcessing))); err != nil {
		return err
	}

	pcm := s.audioBuf
	dur := audio.Duration(pcm, s.cfg.SampleRate)
	s.stats.TotalAudioDuration += dur.Seconds()

	start := s.now()
	result, err := s.cfg.Transcriber.Transcribe(ctx, pcm, stt.Config{
		SampleRate: s.cfg.SampleRate,
		Language:   s.cfg.Language,
	})
	s.met.TranscribeDuration.Record(ctx, s.now().Sub(start).Seconds())
	if err != nil {
		s.met.RecordProviderError(ctx, "stt", "transcribe")
		s.state = StateListening
		s.resetAudio()
		return s.sendError(ctx, fmt.Sprintf("processing failed: %v", err))
	}

	if result.Text == "" {
		s.met.RecordUtterance(ctx, "empty")
		s.state = StateListening
		s.resetAudio()
		return s.sendError(ctx, "no speech detected, please try again")
	}
	s.met.RecordUtterance(ctx, "transcribed")

	if err := s.sendJSON(ctx, protocol.Transcription{
		Type:     protocol.TypeTranscription,
		Text:     result.Text,
		Duration: dur.Seconds(),
	}); err != nil {
		return err
	}
	return s.evaluateAnswer(ctx, result.Text)
}

// evaluateAnswer grades the transcript, speaks the feedback, and in
// auto-advancing modes rates the card and moves on.
func (s *Session) evaluateAnswer(ctx context.Context, answer string) error {
	s.state = StateEvaluating
	if err := s.sendJSON(ctx, protocol.NewStateChange(string(StateEvaluating))); err != nil {
		return err
	}
	if s.card == nil {
		return s.sendError(ctx, "no current card")
	}
	turnStart := s.now()

	ev := s.gradeAnswer(ctx, answer)
	rating := ev.Rating()

	s.state = StatePresentingFeedback
	s.stats.CardsReviewed++
	if ev.IsCorrect {
		s.stats.CorrectCount++
	} else {
		s.stats.IncorrectCount++
	}
	s.stats.Accuracy = accuracy(s.stats.CorrectCount, s.stats.CardsReviewed)
	s.met.RecordCardReviewed(ctx, string(s.mode), ev.IsCorrect)

	feedback := ev.Feedback
	if s.mode == ModeConversational {
		feedback = s.conversationalFeedback(ctx, answer, feedback, ev.IsCorrect)
	}

	var feedbackAudio protocol.Audio
	if feedback != "" {
		res, err := s.synthesize(ctx, feedback)
		if err != nil {
			s.log.Warn("feedback synthesis failed", "error", err)
		} else {
			feedbackAudio = encodeAudio(res)
		}
	}

	s.met.TurnDuration.Record(ctx, s.now().Sub(turnStart).Seconds())

	if err := s.sendJSON(ctx, protocol.Evaluation{
		Type:                  protocol.TypeEvaluation,
		Rating:                int(rating),
		IsCorrect:             ev.IsCorrect,
		Feedback:              feedback,
		ExpectedAnswer:        s.card.Back,
		UserAnswer:            answer,
		Audio:                 feedbackAudio,
		Stats:                 s.stats,
		AutoAdvance:           s.mode.autoAdvances(),
		ReviewMode:            string(s.mode),
		FeedbackAudioDuration: feedbackAudio.Duration,
	}); err != nil {
		return err
	}

	if !s.mode.autoAdvances() {
		return nil
	}

	wait := minEvaluationDisplay
	if d := time.Duration(feedbackAudio.Duration * float64(time.Second)); d > wait {
		wait = d
	}
	if err := s.sleep(ctx, wait); err != nil {
		return err
	}
	return s.rateAndAdvance(ctx, rating, true)
}

// gradeAnswer runs the evaluation tiers: the card source first, then the
// local LLM, then lexical matching. The lexical tier cannot fail.
func (s *Session) gradeAnswer(ctx context.Context, answer string) backend.Evaluation {
	start := s.now()
	defer func() {
		s.met.EvaluateDuration.Record(ctx, s.now().Sub(start).Seconds())
	}()

	ev, err := s.cfg.Cards.EvaluateAnswer(ctx, s.card.ID, answer)
	if err == nil && ev != nil {
		return *ev
	}
	s.log.Warn("card source evaluation failed, falling back", "error", err)
	s.met.RecordProviderError(ctx, "backend", "evaluate")

	if s.cfg.Generator != nil {
		lev, lerr := s.llmEvaluate(ctx, answer)
		if lerr == nil {
			return lev
		}
		s.log.Warn("llm evaluation failed, falling back to lexical match", "error", lerr)
		s.met.RecordProviderError(ctx, "textgen", "evaluate")
	}
	return s.lexicalEvaluate(answer)
}

// llmEvaluate asks the generator to grade the answer and parses its JSON
// verdict.
func (s *Session) llmEvaluate(ctx context.Context, answer string) (backend.Evaluation, error) {
	text, err := s.cfg.Generator.Generate(ctx, textgen.Request{
		Prompt: buildEvaluationPrompt(s.card.Front, s.card.Back, answer, s.mode),
	})
	if err != nil {
		return backend.Evaluation{}, err
	}

	var verdict struct {
		Rating   int    `json:"rating"`
		Feedback string `json:"feedback"`
	}
	if err := json.Unmarshal([]byte(stripCodeFence(text)), &verdict); err != nil {
		return backend.Evaluation{}, fmt.Errorf("parse verdict: %w", err)
	}
	rating := min(max(verdict.Rating, 0), 3)
	return backend.Evaluation{
		IsCorrect:       rating >= int(backend.RatingGood),
		Score:           float64(rating) / 3,
		Feedback:        verdict.Feedback,
		SuggestedRating: ratingName(backend.Rating(rating)),
	}, nil
}

// lexicalEvaluate grades by string and phonetic similarity alone. It is the
// last evaluation tier and always produces a verdict.
func (s *Session) lexicalEvaluate(answer string) backend.Evaluation {
	res := s.lex.Compare(answer, s.card.Back)
	ev := backend.Evaluation{
		IsCorrect: res.IsMatch,
		Score:     res.Score,
	}
	if res.IsMatch {
		ev.SuggestedRating = "good"
		ev.Feedback = "That matches the expected answer."
	} else {
		ev.SuggestedRating = "again"
		ev.Feedback = fmt.Sprintf("The expected answer was: %s", s.card.Back)
	}
	return ev
}

// conversationalFeedback rephrases grading feedback for spoken delivery,
// falling back to the raw feedback on any failure.
func (s *Session) conversationalFeedback(ctx context.Context, answer, feedback string, correct bool) string {
	if s.cfg.Generator == nil {
		return feedback
	}
	text, err := s.cfg.Generator.Generate(ctx, textgen.Request{
		Prompt: buildConversationalFeedbackPrompt(s.card.Front, s.card.Back, answer, feedback, correct),
	})
	if err != nil || text == "" {
		s.log.Warn("conversational feedback generation failed", "error", err)
		s.met.RecordProviderError(ctx, "textgen", "feedback")
		return feedback
	}
	return text
}

func (s *Session) handleRate(ctx context.Context, rating int) error {
	if s.card == nil {
		return nil
	}
	r := backend.Rating(min(max(rating, 0), 3))
	return s.rateAndAdvance(ctx, r, false)
}

// rateAndAdvance submits the grade for the current card and presents the
// next one.
func (s *Session) rateAndAdvance(ctx context.Context, rating backend.Rating, auto bool) error {
	if s.card == nil {
		return nil
	}
	cardID := s.card.ID

	var responseTime time.Duration
	if !s.presentedAt.IsZero() {
		responseTime = s.now().Sub(s.presentedAt)
	}

	if err := s.cfg.Cards.SubmitReview(ctx, cardID, rating, responseTime); err != nil {
		s.met.RecordProviderError(ctx, "backend", "submit_review")
		return s.sendError(ctx, fmt.Sprintf("rating failed: %v", err))
	}

	if err := s.sendJSON(ctx, protocol.CardRated{
		Type:      protocol.TypeCardRated,
		CardID:    cardID,
		Rating:    int(rating),
		AutoRated: auto,
	}); err != nil {
		return err
	}
	return s.presentNext(ctx)
}

func (s *Session) handleSkip(ctx context.Context) error {
	if s.state == StateIdle || s.Ended() {
		return nil
	}
	s.card = nil
	return s.presentNext(ctx)
}

// handleReplay resynthesizes the current card's question audio.
func (s *Session) handleReplay(ctx context.Context) error {
	if s.card == nil {
		return nil
	}

	text := s.card.Front
	if s.mode == ModeConversational {
		text = s.conversationalQuestion(ctx, s.card.Front)
	}
	res, err := s.synthesize(ctx, text)
	if err != nil {
		return s.sendError(ctx, fmt.Sprintf("replay failed: %v", err))
	}
	return s.sendJSON(ctx, protocol.CardReplay{
		Type:   protocol.TypeCardReplay,
		CardID: s.card.ID,
		Audio:  encodeAudio(res),
	})
}

// completeSession finishes a session whose due cards are exhausted.
func (s *Session) completeSession(ctx context.Context) error {
	s.state = StateEnded
	s.card = nil

	message := "All cards reviewed!"
	var outroAudio protocol.Audio
	if s.mode == ModeConversational && s.cfg.Generator != nil {
		text, err := s.cfg.Generator.Generate(ctx, textgen.Request{
			Prompt: buildSessionOutroPrompt(s.stats.CorrectCount, s.stats.CardsReviewed, s.stats.Accuracy),
		})
		if err != nil || text == "" {
			s.log.Warn("session outro generation failed", "error", err)
		} else {
			message = text
			if res, serr := s.synthesize(ctx, text); serr == nil {
				outroAudio = encodeAudio(res)
			}
		}
	}

	s.log.Info("session complete",
		"cards_reviewed", s.stats.CardsReviewed,
		"accuracy", s.stats.Accuracy,
	)
	return s.sendJSON(ctx, protocol.SessionComplete{
		Type:    protocol.TypeSessionComplete,
		Message: message,
		Stats:   s.stats,
		Audio:   outroAudio,
	})
}

// handleEnd ends the session early at the learner's request.
func (s *Session) handleEnd(ctx context.Context) error {
	if s.Ended() {
		return nil
	}
	s.state = StateEnding
	s.card = nil
	if err := s.sendJSON(ctx, protocol.NewStateChange(string(StateEnding))); err != nil {
		return err
	}
	if err := s.sendJSON(ctx, protocol.SessionEnded{
		Type:  protocol.TypeSessionEnded,
		Stats: s.stats,
	}); err != nil {
		return err
	}
	s.state = StateEnded
	return nil
}

// Close releases session resources and records the session summary. It is
// idempotent and safe to call whatever state the session is in.
func (s *Session) Close(ctx context.Context) {
	if s.closed {
		return
	}
	s.closed = true

	if !s.startedAt.IsZero() && s.totalCards > 0 {
		s.met.ActiveSessions.Add(ctx, -1)
	}
	s.resetAudio()
	s.card = nil
	s.state = StateEnded

	if s.cfg.History != nil && !s.startedAt.IsZero() {
		sum := &history.Summary{
			ID:             s.id,
			DeckID:         s.deckID,
			Mode:           string(s.mode),
			StartedAt:      s.startedAt,
			EndedAt:        s.now(),
			CardsReviewed:  s.stats.CardsReviewed,
			CorrectCount:   s.stats.CorrectCount,
			IncorrectCount: s.stats.IncorrectCount,
			Accuracy:       s.stats.Accuracy,
			AudioSeconds:   s.stats.TotalAudioDuration,
		}
		if err := s.cfg.History.Record(ctx, sum); err != nil {
			s.log.Warn("failed to record session history", "error", err)
		}
	}
}

// synthesize runs TTS and records its latency.
func (s *Session) synthesize(ctx context.Context, text string) (tts.Result, error) {
	start := s.now()
	res, err := s.cfg.Synthesizer.Synthesize(ctx, text)
	s.met.SynthesizeDuration.Record(ctx, s.now().Sub(start).Seconds())
	if err != nil {
		s.met.RecordProviderError(ctx, "tts", "synthesize")
		return tts.Result{}, fmt.Errorf("synthesize: %w", err)
	}
	return res, nil
}

func (s *Session) resetAudio() {
	s.audioBuf = nil
	s.probeBuf = nil
	s.sinceProbe = 0
	if s.seg != nil {
		s.seg.Reset()
	}
}

func (s *Session) sendJSON(ctx context.Context, msg any) error {
	if err := s.send.Send(ctx, msg); err != nil {
		return fmt.Errorf("session: send: %w", err)
	}
	return nil
}

func (s *Session) sendError(ctx context.Context, message string) error {
	s.log.Warn("session error reported to client", "message", message)
	return s.sendJSON(ctx, protocol.NewError(message))
}

// encodeAudio converts a synthesis result to the wire audio block.
func encodeAudio(res tts.Result) protocol.Audio {
	return protocol.Audio{
		Payload:    base64.StdEncoding.EncodeToString(res.PCM),
		Duration:   res.Duration.Seconds(),
		SampleRate: res.SampleRate,
		IsSilent:   res.IsSilent,
	}
}

func accuracy(correct, reviewed int) float64 {
	if reviewed == 0 {
		return 0
	}
	return float64(correct) / float64(reviewed)
}

func ratingName(r backend.Rating) string {
	switch r {
	case backend.RatingAgain:
		return "again"
	case backend.RatingHard:
		return "hard"
	case backend.RatingEasy:
		return "easy"
	default:
		return "good"
	}
}

// generateID produces a random 16-byte hex string using crypto/rand.
func generateID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// sleepCtx blocks for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
