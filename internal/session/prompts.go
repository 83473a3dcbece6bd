package session

import (
	"fmt"
	"strings"
)

// Prompt builders for LLM-assisted grading and conversational phrasing.
// All prompts are written for spoken delivery: answers arrive transcribed
// from speech, and generated text is fed straight into TTS.

// buildEvaluationPrompt asks the model to grade a transcribed answer and
// respond with a JSON object containing "rating" (0-3) and "feedback". The
// feedback framing follows the review mode, since the text is spoken back
// to the learner.
func buildEvaluationPrompt(question, expected, answer string, mode Mode) string {
	framing := ""
	switch mode {
	case ModeOral:
		framing = " Keep the feedback terse; it is spoken aloud between cards."
	case ModeConversational:
		framing = " Phrase the feedback warmly, as a tutor speaking with the learner."
	}
	return fmt.Sprintf(`You are evaluating a spoken answer to a flashcard question. The answer was transcribed from speech, so tolerate minor wording variations, filler words, and small transcription errors.

Question: %s

Expected Answer: %s

User's Spoken Answer: %s

Evaluate the answer and provide:

1. A rating from 0-3:
   - 0 (Again): Answer is incorrect or shows no understanding
   - 1 (Hard): Answer is partially correct but has significant gaps
   - 2 (Good): Answer is correct with minor omissions or variations
   - 3 (Easy): Answer is complete and demonstrates clear understanding

2. Brief feedback (1-2 sentences) explaining your rating. Be encouraging but accurate.%s

Consider:
- Semantic equivalence (synonyms, paraphrasing are acceptable)
- Key concepts must be present for higher ratings
- Transcription artifacts (um, uh, repeated words) should be ignored
- Order of information can vary

Respond in JSON format:
{
    "rating": <0-3>,
    "feedback": "<brief feedback>"
}`, question, expected, answer, framing)
}

// buildConversationalQuestionPrompt asks the model to restate a card front
// as a natural tutoring question.
func buildConversationalQuestionPrompt(question string, cardNumber, totalCards int) string {
	return fmt.Sprintf(`You are a friendly tutor running a spoken review session. Rephrase the following flashcard question as a natural, conversational question a tutor would ask aloud. Keep it short (one or two sentences), keep the meaning identical, and do not add hints or reveal the answer.

This is card %d of %d.

Question: %s

Respond with only the rephrased question, no quotes or preamble.`, cardNumber, totalCards, question)
}

// buildConversationalFeedbackPrompt asks the model to phrase grading
// feedback the way a tutor would say it aloud.
func buildConversationalFeedbackPrompt(question, expected, answer, feedback string, correct bool) string {
	verdict := "incorrect"
	if correct {
		verdict = "correct"
	}
	return fmt.Sprintf(`You are a friendly tutor giving spoken feedback in a review session. The learner's answer was %s.

Question: %s
Expected Answer: %s
Learner's Answer: %s
Grader's Notes: %s

Restate the feedback in one or two warm, natural spoken sentences. Confirm what was right, gently correct what was wrong, and never use bullet points or markdown.

Respond with only the feedback text.`, verdict, question, expected, answer, feedback)
}

// buildSessionIntroPrompt asks the model for a short spoken greeting that
// opens a conversational session.
func buildSessionIntroPrompt(totalCards int) string {
	return fmt.Sprintf(`You are a friendly tutor starting a spoken flashcard review session with %d cards due. Write a warm one-or-two sentence greeting to open the session. Mention the number of cards. Do not ask a question yet.

Respond with only the greeting text.`, totalCards)
}

// buildSessionOutroPrompt asks the model for an encouraging spoken
// conclusion once all cards are reviewed.
func buildSessionOutroPrompt(correct, total int, accuracy float64) string {
	return fmt.Sprintf(`You are a friendly tutor wrapping up a spoken flashcard review session. The learner answered %d of %d cards correctly (%.0f%% accuracy). Write an encouraging one-or-two sentence conclusion. Acknowledge the result honestly and end on a positive note.

Respond with only the conclusion text.`, correct, total, accuracy*100)
}

// stripCodeFence removes a surrounding markdown code fence from an LLM
// response, tolerating an optional language tag.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
