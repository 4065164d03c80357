package textsignal

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// NewScorer builds the configured scorer. Provider "none" returns a nil
// scorer, which the Extractor treats as a constant zero signal.
// A lexicon that cannot be loaded is an error: the process must not start
// with a silently missing model.
func NewScorer(cfg domain.TextSignalConfig) (Scorer, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "none":
		return nil, nil
	case "lexicon":
		if cfg.LexiconPath == "" {
			return nil, fmt.Errorf("textsignal: lexicon_path is required for provider lexicon")
		}
		lex, err := LoadLexicon(cfg.LexiconPath)
		if err != nil {
			return nil, err
		}
		return lex, nil
	case "http":
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("textsignal: endpoint is required for provider http")
		}
		return NewHTTPScorer(cfg.Endpoint, cfg.APIToken, cfg.PositiveLabel, &http.Client{}), nil
	default:
		return nil, fmt.Errorf("unsupported text signal provider: %s", cfg.Provider)
	}
}
