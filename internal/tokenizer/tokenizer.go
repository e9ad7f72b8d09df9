// Package tokenizer estimates token counts for chat requests before they
// are forwarded, so budget checks can run on a predicted cost.
package tokenizer

import (
	"math"
	"strings"
	"sync"
	"unicode/utf8"
)

// Encoder counts tokens for one vocabulary.
type Encoder interface {
	Count(text string) int
}

// Models map to a named encoding; anything unlisted uses cl100k_base.
var modelEncodings = map[string]string{
	"gpt-4o":        "o200k_base",
	"gpt-4o-mini":   "o200k_base",
	"gpt-4-turbo":   "cl100k_base",
	"gpt-4":         "cl100k_base",
	"gpt-3.5-turbo": "cl100k_base",
}

const defaultEncoding = "cl100k_base"

// approxEncoder estimates counts from a characters-per-token ratio
// measured against the real BPE vocabulary it stands in for.
type approxEncoder struct {
	charsPerToken float64
}

func (e approxEncoder) Count(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return int(math.Ceil(float64(n) / e.charsPerToken))
}

// Message is one chat turn in the OpenAI wire shape.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// Estimator resolves a model to an encoder and applies the chat message
// overhead. Encoders can be swapped per encoding name.
type Estimator struct {
	mu       sync.RWMutex
	encoders map[string]Encoder
}

// NewEstimator returns an estimator with approximate encoders registered
// for the two OpenAI vocabularies.
func NewEstimator() *Estimator {
	return &Estimator{
		encoders: map[string]Encoder{
			"cl100k_base": approxEncoder{charsPerToken: 4.0},
			"o200k_base":  approxEncoder{charsPerToken: 4.2},
		},
	}
}

// RegisterEncoder installs (or replaces) the encoder for an encoding name.
func (e *Estimator) RegisterEncoder(name string, enc Encoder) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.encoders[name] = enc
}

func (e *Estimator) encoderFor(model string) Encoder {
	name, ok := modelEncodings[model]
	if !ok {
		name = defaultEncoding
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.encoders[name]
}

// CountTokens counts tokens in text for the given model, falling back to
// the word heuristic when no encoder is available or one misbehaves.
func (e *Estimator) CountTokens(text, model string) int {
	enc := e.encoderFor(model)
	if enc == nil {
		return heuristicCount(text)
	}
	n := safeCount(enc, text)
	if n < 0 {
		return heuristicCount(text)
	}
	return n
}

// CountMessages counts tokens for a chat request: 4 overhead tokens per
// message plus 3 for the primed reply, with a one-token credit when a
// message carries a name field.
func (e *Estimator) CountMessages(messages []Message, model string) int {
	const (
		perMessage    = 4
		replyOverhead = 3
	)
	total := replyOverhead
	for _, m := range messages {
		total += perMessage
		total += e.CountTokens(m.Role, model)
		total += e.CountTokens(m.Content, model)
		if m.Name != "" {
			total += e.CountTokens(m.Name, model) - 1
		}
	}
	return total
}

// safeCount shields the estimator from a panicking custom encoder.
func safeCount(enc Encoder, text string) (n int) {
	defer func() {
		if recover() != nil {
			n = -1
		}
	}()
	return enc.Count(text)
}

func heuristicCount(text string) int {
	return int(float64(len(strings.Fields(text))) * 1.3)
}
