// Package protocol defines the JSON message envelopes exchanged over the
// review WebSocket.
//
// Inbound messages (client to server) are decoded with [DecodeInbound],
// which returns one of the typed structs below. Outbound messages carry
// their own "type" discriminator and marshal directly with encoding/json.
// Binary WebSocket frames carry raw PCM16 audio and bypass this package;
// the "audio_chunk" text message exists for clients that cannot send
// binary frames and carries base64-encoded PCM instead.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownType is wrapped by [DecodeInbound] when the "type" field names
// no known inbound message.
var ErrUnknownType = errors.New("protocol: unknown message type")

// Message type discriminators.
const (
	// Inbound.
	TypeStartSession = "start_session"
	TypeEndSession   = "end_session"
	TypeAudioChunk   = "audio_chunk"
	TypeEndAudio     = "end_audio"
	TypeSkipCard     = "skip_card"
	TypeRateCard     = "rate_card"
	TypeNextCard     = "next_card"
	TypeReplayCard   = "replay_card"

	// Outbound.
	TypeStateChange     = "state_change"
	TypeSessionStarted  = "session_started"
	TypeSessionIntro    = "session_intro"
	TypeCardPresented   = "card_presented"
	TypeVADStatus       = "vad_status"
	TypeTranscription   = "transcription"
	TypeEvaluation      = "evaluation"
	TypeCardRated       = "card_rated"
	TypeCardReplay      = "card_replay"
	TypeSessionComplete = "session_complete"
	TypeSessionEnded    = "session_ended"
	TypeError           = "error"
)

// Inbound is implemented by all client-to-server messages.
type Inbound interface {
	inbound()
}

// StartSession begins a review session over the connection.
type StartSession struct {
	// DeckID restricts the session to one deck. Empty reviews all decks.
	DeckID string `json:"deck_id,omitempty"`

	// ReviewMode selects manual, oral, or conversational grading.
	// Unknown or empty values fall back to the server default.
	ReviewMode string `json:"review_mode,omitempty"`
}

// EndSession ends the session early at the learner's request.
type EndSession struct{}

// AudioChunk carries base64-encoded PCM16 audio for clients that cannot
// send binary frames.
type AudioChunk struct {
	// Audio is standard base64-encoded little-endian PCM16 mono.
	Audio string `json:"audio"`
}

// EndAudio marks the end of the learner's spoken answer and triggers
// transcription.
type EndAudio struct{}

// SkipCard abandons the current card without grading it.
type SkipCard struct{}

// RateCard submits a manual grade for the current card.
type RateCard struct {
	// Rating is the spaced-repetition grade, 0 (again) through 3 (easy).
	Rating int `json:"rating"`
}

// NextCard asks for the next due card without grading the current one.
type NextCard struct{}

// ReplayCard asks the server to resynthesize and resend the current
// card's question audio.
type ReplayCard struct{}

func (StartSession) inbound() {}
func (EndSession) inbound()   {}
func (AudioChunk) inbound()   {}
func (EndAudio) inbound()     {}
func (SkipCard) inbound()     {}
func (RateCard) inbound()     {}
func (NextCard) inbound()     {}
func (ReplayCard) inbound()   {}

// DecodeInbound parses a client text frame into its typed message.
// Unknown types return an error wrapping [ErrUnknownType].
func DecodeInbound(data []byte) (Inbound, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("protocol: decode envelope: %w", err)
	}

	var (
		msg Inbound
		err error
	)
	switch env.Type {
	case TypeStartSession:
		var m StartSession
		err = json.Unmarshal(data, &m)
		msg = m
	case TypeEndSession:
		msg = EndSession{}
	case TypeAudioChunk:
		var m AudioChunk
		err = json.Unmarshal(data, &m)
		msg = m
	case TypeEndAudio:
		msg = EndAudio{}
	case TypeSkipCard:
		msg = SkipCard{}
	case TypeRateCard:
		var m RateCard
		err = json.Unmarshal(data, &m)
		msg = m
	case TypeNextCard:
		msg = NextCard{}
	case TypeReplayCard:
		msg = ReplayCard{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("protocol: decode %s: %w", env.Type, err)
	}
	return msg, nil
}

// Stats summarises a session's progress. It is embedded in several
// outbound messages.
type Stats struct {
	CardsReviewed      int     `json:"cards_reviewed"`
	CorrectCount       int     `json:"correct_count"`
	IncorrectCount     int     `json:"incorrect_count"`
	Accuracy           float64 `json:"accuracy"`
	TotalAudioDuration float64 `json:"total_audio_duration"`
}

// Audio is the common block for messages carrying synthesized speech.
// Payload is standard base64-encoded PCM16 mono at SampleRate.
type Audio struct {
	Payload    string  `json:"audio,omitempty"`
	Duration   float64 `json:"audio_duration,omitempty"`
	SampleRate int     `json:"sample_rate,omitempty"`
	IsSilent   bool    `json:"audio_is_silent,omitempty"`
}

// StateChange notifies the client of a session state transition.
type StateChange struct {
	Type  string `json:"type"`
	State string `json:"state"`
}

// SessionStarted confirms a new session and its card count.
type SessionStarted struct {
	Type       string `json:"type"`
	TotalCards int    `json:"total_cards"`
	DeckID     string `json:"deck_id,omitempty"`
	ReviewMode string `json:"review_mode"`
}

// SessionIntro carries the spoken greeting in conversational mode.
type SessionIntro struct {
	Type string `json:"type"`
	Text string `json:"text"`
	Audio
}

// CardPresented delivers the next card and its question audio.
type CardPresented struct {
	Type       string `json:"type"`
	CardID     string `json:"card_id"`
	Front      string `json:"front"`
	SpokenText string `json:"spoken_text"`
	Audio
	CardNumber int `json:"card_number"`
	TotalCards int `json:"total_cards"`
}

// VADStatus is an advisory speech-activity report sent while listening.
type VADStatus struct {
	Type              string  `json:"type"`
	SpeechProbability float64 `json:"speech_probability"`
	IsSpeech          bool    `json:"is_speech"`
}

// Transcription reports the recognised text of the spoken answer.
type Transcription struct {
	Type       string  `json:"type"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Duration   float64 `json:"duration"`
}

// Evaluation reports the grading of the spoken answer.
type Evaluation struct {
	Type           string `json:"type"`
	Rating         int    `json:"rating"`
	IsCorrect      bool   `json:"is_correct"`
	Feedback       string `json:"feedback"`
	ExpectedAnswer string `json:"expected_answer"`
	UserAnswer     string `json:"user_answer"`
	Audio
	Stats                 Stats   `json:"stats"`
	AutoAdvance           bool    `json:"auto_advance"`
	ReviewMode            string  `json:"review_mode"`
	FeedbackAudioDuration float64 `json:"feedback_audio_duration"`
}

// CardRated confirms a submitted grade.
type CardRated struct {
	Type      string `json:"type"`
	CardID    string `json:"card_id"`
	Rating    int    `json:"rating"`
	AutoRated bool   `json:"auto_rated,omitempty"`
}

// CardReplay carries resynthesized question audio for the current card.
type CardReplay struct {
	Type   string `json:"type"`
	CardID string `json:"card_id"`
	Audio
}

// SessionComplete reports that all due cards were reviewed.
type SessionComplete struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Stats   Stats  `json:"stats"`
	Audio
}

// SessionEnded confirms an early end requested by the learner.
type SessionEnded struct {
	Type  string `json:"type"`
	Stats Stats  `json:"stats"`
}

// Error reports a session-level failure to the client.
type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Constructors fill the type discriminator so call sites cannot forget it.

func NewStateChange(state string) StateChange {
	return StateChange{Type: TypeStateChange, State: state}
}

func NewError(message string) Error {
	return Error{Type: TypeError, Message: message}
}
