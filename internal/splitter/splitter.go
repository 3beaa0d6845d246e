// Package splitter turns content that exceeds a platform's character
// budget into an ordered thread of platform-sized segments.
//
// One model request is made per platform, stating the limit and every
// selected strategy rule at once. The engine validates and repairs the
// model's output but never retries it; split requests are user-facing and
// retry policy belongs to the caller, not the publish path.
package splitter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"crosspost/internal/contentmodel"
	"crosspost/internal/platform"
	logx "crosspost/pkg/logx"
)

// ReasoningWithinLimit is the fixed reasoning for short-circuited splits.
const ReasoningWithinLimit = "within limit"

// ErrNoStrategySelected rejects split requests with an empty strategy set.
var ErrNoStrategySelected = fmt.Errorf("no splitting strategy selected")

// ModelOutputError reports a model response that cannot be used as a
// split result. It is terminal: the engine never coerces beyond the
// single string → one-element array normalization.
type ModelOutputError struct {
	Platform platform.ID
	Detail   string
}

func (e *ModelOutputError) Error() string {
	return fmt.Sprintf("invalid model output for %s: %s", e.Platform, e.Detail)
}

// SplitResult is the ordered segment list for one platform plus the
// model's human-readable reasoning.
type SplitResult struct {
	Segments  []string `json:"segments"`
	Reasoning string   `json:"reasoning"`
}

// Configuration is a stored, named strategy set (created and edited
// outside the core; consumed read-only here).
type Configuration struct {
	ID         int64
	Name       string
	Strategies []StrategyTag
}

type Engine struct {
	model contentmodel.Model
	log   logx.Logger
}

func New(model contentmodel.Model, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{model: model, log: log}
}

// Split produces one SplitResult per requested platform.
//
// Content that already fits a platform's limit short-circuits to a single
// unmodified segment with no model call. Unknown strategy tags are
// ignored; an entirely empty (or entirely unknown) strategy set is
// rejected before any model call.
func (e *Engine) Split(ctx context.Context, content string, limits map[platform.ID]int, strategies []StrategyTag) (map[platform.ID]SplitResult, error) {
	active := normalizeStrategies(strategies)
	if len(active) == 0 {
		return nil, ErrNoStrategySelected
	}

	out := make(map[platform.ID]SplitResult, len(limits))
	for id, limit := range limits {
		if utf8.RuneCountInString(content) <= limit {
			out[id] = SplitResult{Segments: []string{content}, Reasoning: ReasoningWithinLimit}
			continue
		}

		start := time.Now()
		raw, err := e.model.GenerateSplit(ctx, composePrompt(limit, active), content)
		if err != nil {
			return nil, fmt.Errorf("split for %s: %w", id, err)
		}

		segments, err := coerceSegments(id, raw.Segments)
		if err != nil {
			return nil, err
		}
		for i := range segments {
			segments[i] = EnsureMarker(segments[i], i+1, len(segments))
		}

		e.log.Debug("content split",
			logx.String("platform", string(id)),
			logx.Int("limit", limit),
			logx.Int("segments", len(segments)),
			logx.Duration("dur", time.Since(start)))
		out[id] = SplitResult{Segments: segments, Reasoning: raw.Reasoning}
	}
	return out, nil
}

// SplitWithConfiguration runs Split using a stored strategy set.
func (e *Engine) SplitWithConfiguration(ctx context.Context, content string, limits map[platform.ID]int, cfg Configuration) (map[platform.ID]SplitResult, error) {
	return e.Split(ctx, content, limits, cfg.Strategies)
}

// coerceSegments normalizes a model "segments" value. A bare string
// becomes a one-element array; any non-string array element is a hard
// error rather than being silently dropped.
func coerceSegments(id platform.ID, raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, &ModelOutputError{Platform: id, Detail: "missing segments field"}
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return []string{single}, nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, &ModelOutputError{Platform: id, Detail: "segments is neither a string nor an array"}
	}
	if len(items) == 0 {
		return nil, &ModelOutputError{Platform: id, Detail: "segments array is empty"}
	}

	segments := make([]string, 0, len(items))
	for i, item := range items {
		var s string
		if err := json.Unmarshal(item, &s); err != nil {
			return nil, &ModelOutputError{Platform: id, Detail: fmt.Sprintf("segment %d is not a string", i)}
		}
		segments = append(segments, s)
	}
	return segments, nil
}
