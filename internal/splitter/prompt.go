package splitter

import (
	"fmt"
	"strings"
)

// composePrompt builds the single system prompt for one platform's split
// request. All selected strategies are stated together; the model is
// called once per platform, never once per strategy.
func composePrompt(limit int, strategies []StrategyTag) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You split social media content into a numbered thread. "+
		"Every segment must be at most %d characters, counting the thread marker.\n\n", limit)

	b.WriteString("Rules:\n")
	for _, tag := range strategies {
		fmt.Fprintf(&b, "- %s\n", ruleBlocks[tag])
	}

	// Fixed rules, independent of strategy selection.
	b.WriteString("- Every segment except the last must end with a hook that reads forward into the next segment.\n")
	b.WriteString("- Every segment except the first must open with a short continuation cue.\n")
	b.WriteString("- Append the thread marker \"🧵 i of n\" to every segment, separated from the text by one blank line.\n")

	b.WriteString("\nRespond with a JSON object: " +
		`{"segments": ["...", "..."], "reasoning": "why you split where you did"}.` +
		" No other keys, no prose outside the JSON.")
	return b.String()
}
