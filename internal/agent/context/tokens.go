package context

import (
	"unicode"

	"github.com/haasonsaas/nexusd/internal/llm"
)

const (
	// runesPerToken approximates Latin-script text.
	runesPerToken = 4

	// messageOverhead covers role and framing tokens per message.
	messageOverhead = 4
)

// EstimateTokens approximates the token count of text. CJK ideographs,
// kana and hangul cost one token per rune; other text costs one token per
// four runes. The estimate never decreases as text grows and is at least 1
// for non-empty text.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	dense, other := 0, 0
	for _, r := range text {
		if isDenseScript(r) {
			dense++
		} else {
			other++
		}
	}
	tokens := dense + (other+runesPerToken-1)/runesPerToken
	if tokens == 0 {
		return 1
	}
	return tokens
}

func isDenseScript(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) ||
		unicode.Is(unicode.Hangul, r)
}

// EstimateMessageTokens estimates one conversation message including tool
// calls and per-message overhead.
func EstimateMessageTokens(msg llm.Message) int {
	tokens := messageOverhead + EstimateTokens(msg.Content)
	for _, call := range msg.ToolCalls {
		tokens += EstimateTokens(call.Name) + EstimateTokens(string(call.Arguments))
	}
	return tokens
}

// EstimateMessagesTokens sums EstimateMessageTokens over msgs.
func EstimateMessagesTokens(msgs []llm.Message) int {
	total := 0
	for _, msg := range msgs {
		total += EstimateMessageTokens(msg)
	}
	return total
}
