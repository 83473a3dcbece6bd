package session

// State is the review session lifecycle state.
type State string

const (
	StateIdle               State = "idle"
	StateStarting           State = "starting"
	StatePresentingCard     State = "presenting_card"
	StateListening          State = "listening"
	StateProcessing         State = "processing"
	StateEvaluating         State = "evaluating"
	StatePresentingFeedback State = "presenting_feedback"
	StateEnding             State = "ending"
	StateEnded              State = "ended"
	StateError              State = "error"
)

// Mode selects how the session grades answers and drives the card flow.
type Mode string

const (
	// ModeManual presents cards and waits for explicit rate_card messages.
	ModeManual Mode = "manual"

	// ModeOral grades the spoken answer and auto-advances.
	ModeOral Mode = "oral"

	// ModeConversational is oral grading with LLM-phrased questions and
	// feedback.
	ModeConversational Mode = "conversational"
)

// ParseMode maps a client-supplied mode string to a [Mode], falling back to
// def for empty or unknown values.
func ParseMode(s string, def Mode) Mode {
	switch Mode(s) {
	case ModeManual, ModeOral, ModeConversational:
		return Mode(s)
	}
	return def
}

// autoAdvances reports whether the mode grades answers itself and moves to
// the next card without an explicit rate_card message.
func (m Mode) autoAdvances() bool {
	return m == ModeOral || m == ModeConversational
}
