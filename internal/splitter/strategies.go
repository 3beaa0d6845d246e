package splitter

import (
	"github.com/samber/lo"
)

// StrategyTag names one content-splitting rule. Tags combine: a single
// split request states every selected rule at once.
type StrategyTag string

const (
	StrategySemantic         StrategyTag = "semantic"
	StrategySentence         StrategyTag = "sentence"
	StrategyRetainHashtags   StrategyTag = "retain_hashtags"
	StrategyPreserveMentions StrategyTag = "preserve_mentions"
)

// ruleBlocks maps each tag to the natural-language rule handed to the
// model. Wording matters here: the blocks are contract, not decoration.
var ruleBlocks = map[StrategyTag]string{
	StrategySemantic: "Group related ideas together. Each segment must cover one coherent " +
		"thought; never scatter one idea across non-adjacent segments.",
	StrategySentence: "Break only at sentence boundaries. Never split mid-sentence, " +
		"mid-clause or inside quoted text.",
	StrategyRetainHashtags: "Keep every hashtag from the original text. Place each hashtag in " +
		"the segment whose content it relates to; do not invent new hashtags.",
	StrategyPreserveMentions: "Keep every @mention exactly as written, attached to the sentence " +
		"that referenced it. Do not drop, merge or reword mentions.",
}

// KnownStrategies returns tags in their canonical prompt order.
func KnownStrategies() []StrategyTag {
	return []StrategyTag{StrategySemantic, StrategySentence, StrategyRetainHashtags, StrategyPreserveMentions}
}

// normalizeStrategies drops unknown tags (forward compatibility: an older
// engine ignores rules it does not know) and dedupes, preserving the
// canonical order so prompts stay byte-stable for identical inputs.
func normalizeStrategies(tags []StrategyTag) []StrategyTag {
	return lo.Filter(KnownStrategies(), func(known StrategyTag, _ int) bool {
		return lo.Contains(tags, known)
	})
}
