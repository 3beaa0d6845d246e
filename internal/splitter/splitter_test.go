package splitter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crosspost/internal/contentmodel"
	"crosspost/internal/platform"
	logx "crosspost/pkg/logx"
)

type fakeModel struct {
	calls   int
	prompts []string
	fn      func(systemPrompt, userContent string) (contentmodel.SplitOutput, error)
}

func (m *fakeModel) GenerateSplit(_ context.Context, systemPrompt, userContent string) (contentmodel.SplitOutput, error) {
	m.calls++
	m.prompts = append(m.prompts, systemPrompt)
	return m.fn(systemPrompt, userContent)
}

func segmentsJSON(t *testing.T, segs ...string) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(segs)
	require.NoError(t, err)
	return b
}

func TestSplitShortCircuitWithinLimit(t *testing.T) {
	t.Parallel()
	model := &fakeModel{fn: func(string, string) (contentmodel.SplitOutput, error) {
		t.Fatal("model must not be called for content within limit")
		return contentmodel.SplitOutput{}, nil
	}}
	eng := New(model, logx.Nop())

	content := "short enough"
	got, err := eng.Split(context.Background(), content, map[platform.ID]int{platform.Mastodon: 500}, []StrategyTag{StrategySemantic})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []string{content}, got[platform.Mastodon].Segments)
	assert.Equal(t, ReasoningWithinLimit, got[platform.Mastodon].Reasoning)
	assert.Zero(t, model.calls)
}

func TestSplitRejectsEmptyStrategySet(t *testing.T) {
	t.Parallel()
	eng := New(&fakeModel{}, logx.Nop())

	_, err := eng.Split(context.Background(), "x", map[platform.ID]int{platform.Bluesky: 300}, nil)
	assert.ErrorIs(t, err, ErrNoStrategySelected)

	// Unknown tags are ignored, so an all-unknown set is still empty.
	_, err = eng.Split(context.Background(), "x", map[platform.ID]int{platform.Bluesky: 300}, []StrategyTag{"haiku_mode"})
	assert.ErrorIs(t, err, ErrNoStrategySelected)
}

func TestSplitIgnoresUnknownTagsAlongsideKnown(t *testing.T) {
	t.Parallel()
	model := &fakeModel{fn: func(prompt, _ string) (contentmodel.SplitOutput, error) {
		return contentmodel.SplitOutput{Segments: segmentsJSON(t, "a 🧵 1 of 2", "b 🧵 2 of 2")}, nil
	}}
	eng := New(model, logx.Nop())

	long := strings.Repeat("word ", 80)
	_, err := eng.Split(context.Background(), long, map[platform.ID]int{platform.Bluesky: 300},
		[]StrategyTag{StrategySemantic, "haiku_mode", StrategyRetainHashtags})
	require.NoError(t, err)
	require.Equal(t, 1, model.calls)
	assert.Contains(t, model.prompts[0], ruleBlocks[StrategySemantic])
	assert.Contains(t, model.prompts[0], ruleBlocks[StrategyRetainHashtags])
	assert.NotContains(t, model.prompts[0], "haiku_mode")
}

func TestSplitCoercesSingleStringOutput(t *testing.T) {
	t.Parallel()
	model := &fakeModel{fn: func(string, string) (contentmodel.SplitOutput, error) {
		return contentmodel.SplitOutput{Segments: json.RawMessage(`"just one segment"`), Reasoning: "fits in one"}, nil
	}}
	eng := New(model, logx.Nop())

	long := strings.Repeat("word ", 80)
	got, err := eng.Split(context.Background(), long, map[platform.ID]int{platform.Bluesky: 300}, []StrategyTag{StrategySentence})
	require.NoError(t, err)
	require.Len(t, got[platform.Bluesky].Segments, 1)
	assert.Equal(t, "just one segment", got[platform.Bluesky].Segments[0])
}

func TestSplitRejectsNonStringSegment(t *testing.T) {
	t.Parallel()
	model := &fakeModel{fn: func(string, string) (contentmodel.SplitOutput, error) {
		return contentmodel.SplitOutput{Segments: json.RawMessage(`["ok", 42, "also ok"]`)}, nil
	}}
	eng := New(model, logx.Nop())

	long := strings.Repeat("word ", 80)
	_, err := eng.Split(context.Background(), long, map[platform.ID]int{platform.Bluesky: 300}, []StrategyTag{StrategySemantic})
	var moe *ModelOutputError
	require.ErrorAs(t, err, &moe)
	assert.Contains(t, moe.Detail, "segment 1")
}

func TestSplitPropagatesProviderError(t *testing.T) {
	t.Parallel()
	model := &fakeModel{fn: func(string, string) (contentmodel.SplitOutput, error) {
		return contentmodel.SplitOutput{}, &contentmodel.ProviderError{Code: contentmodel.CodeRateLimited, HTTPStatus: 429, Message: "slow down"}
	}}
	eng := New(model, logx.Nop())

	long := strings.Repeat("word ", 80)
	_, err := eng.Split(context.Background(), long, map[platform.ID]int{platform.Bluesky: 300}, []StrategyTag{StrategySemantic})
	pe, ok := contentmodel.AsProviderError(err)
	require.True(t, ok)
	assert.Equal(t, contentmodel.CodeRateLimited, pe.Code)
	require.Equal(t, 1, model.calls, "model errors are not retried inside the engine")
}

// chunkFor fakes a model that honors the limit stated in the prompt:
// tighter limits yield more segments.
func chunkFor(t *testing.T, content string, limit int) []string {
	t.Helper()
	// Leave room for the marker line.
	budget := limit - 20
	words := strings.Fields(content)
	var segs []string
	var cur strings.Builder
	for _, w := range words {
		if cur.Len()+len(w)+1 > budget && cur.Len() > 0 {
			segs = append(segs, strings.TrimSpace(cur.String()))
			cur.Reset()
		}
		cur.WriteString(w)
		cur.WriteString(" ")
	}
	if strings.TrimSpace(cur.String()) != "" {
		segs = append(segs, strings.TrimSpace(cur.String()))
	}
	for i := range segs {
		segs[i] = fmt.Sprintf("%s\n\n🧵 %d of %d", segs[i], i+1, len(segs))
	}
	return segs
}

func TestSplitPerPlatformLimits(t *testing.T) {
	t.Parallel()
	content := strings.TrimSpace(strings.Repeat("alpha beta gamma delta epsilon ", 21)) // ~650 chars

	model := &fakeModel{fn: func(prompt, userContent string) (contentmodel.SplitOutput, error) {
		var limit int
		_, err := fmt.Sscanf(prompt[strings.Index(prompt, "at most"):], "at most %d", &limit)
		if err != nil {
			return contentmodel.SplitOutput{}, err
		}
		segs := chunkFor(t, userContent, limit)
		b, _ := json.Marshal(segs)
		return contentmodel.SplitOutput{Segments: b, Reasoning: "split by budget"}, nil
	}}
	eng := New(model, logx.Nop())

	got, err := eng.Split(context.Background(), content,
		map[platform.ID]int{platform.Bluesky: 300, platform.Mastodon: 500},
		[]StrategyTag{StrategySemantic, StrategyRetainHashtags})
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Len(t, got[platform.Bluesky].Segments, 3)
	assert.Len(t, got[platform.Mastodon].Segments, 2)

	for id, limit := range map[platform.ID]int{platform.Bluesky: 300, platform.Mastodon: 500} {
		for i, seg := range got[id].Segments {
			assert.LessOrEqual(t, utf8.RuneCountInString(seg), limit, "%s segment %d over limit", id, i)
			assert.Regexp(t, `\n\n🧵 \d+ (of|/) \d+$`, seg, "%s segment %d marker", id, i)
		}
	}
	require.Equal(t, 2, model.calls, "one model call per platform")
}
