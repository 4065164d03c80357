// Package textsignal turns free-text notes into a bounded risk signal.
package textsignal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"strings"
	"unicode"
)

// Scorer is an opaque text classifier. Implementations may be slow or fail;
// the Extractor bounds and absorbs both.
type Scorer interface {
	Score(ctx context.Context, text string) (float64, error)
}

// LexiconScorer is a pretrained bag-of-words logistic model.
type LexiconScorer struct {
	Bias    float64            `json:"bias"`
	Weights map[string]float64 `json:"weights"`
}

// LoadLexicon reads a lexicon model from a JSON file.
func LoadLexicon(path string) (*LexiconScorer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read lexicon %s: %w", path, err)
	}

	var lex LexiconScorer
	if err := json.Unmarshal(data, &lex); err != nil {
		return nil, fmt.Errorf("failed to parse lexicon %s: %w", path, err)
	}
	if len(lex.Weights) == 0 {
		return nil, fmt.Errorf("lexicon %s has no weights", path)
	}

	// Terms are matched lowercased.
	normalized := make(map[string]float64, len(lex.Weights))
	for term, w := range lex.Weights {
		normalized[strings.ToLower(term)] += w
	}
	lex.Weights = normalized

	return &lex, nil
}

// Score returns sigmoid(bias + sum of term weights).
func (l *LexiconScorer) Score(ctx context.Context, text string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	z := l.Bias
	for _, tok := range tokenize(text) {
		z += l.Weights[tok]
	}
	return 1 / (1 + math.Exp(-z)), nil
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

// HTTPScorer calls an external text-classification endpoint.
// The endpoint takes {"inputs": text} and answers [{"label":..., "score":...}].
type HTTPScorer struct {
	endpoint      string
	token         string
	positiveLabel string
	httpClient    *http.Client
}

// NewHTTPScorer creates an HTTP scorer. positiveLabel names the class whose
// score is the risk signal (e.g. "negative" for a sentiment model).
func NewHTTPScorer(endpoint, token, positiveLabel string, client *http.Client) *HTTPScorer {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPScorer{
		endpoint:      endpoint,
		token:         token,
		positiveLabel: strings.ToLower(positiveLabel),
		httpClient:    client,
	}
}

type labelScore struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// Score posts text to the endpoint and returns the positive label's score.
func (h *HTTPScorer) Score(ctx context.Context, text string) (float64, error) {
	body, err := json.Marshal(map[string]string{"inputs": text})
	if err != nil {
		return 0, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("text scorer returned status %d: %s", resp.StatusCode, string(msg))
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("failed to read response: %w", err)
	}

	// Some servers nest the result per input: [[{label,score}]].
	var scores []labelScore
	if err := json.Unmarshal(raw, &scores); err != nil {
		var nested [][]labelScore
		if err2 := json.Unmarshal(raw, &nested); err2 != nil || len(nested) == 0 {
			return 0, fmt.Errorf("failed to decode response: %w", err)
		}
		scores = nested[0]
	}

	for _, s := range scores {
		if strings.ToLower(s.Label) == h.positiveLabel {
			return s.Score, nil
		}
	}
	return 0, fmt.Errorf("label %q not in response", h.positiveLabel)
}
