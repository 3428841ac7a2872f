package feed

import (
	"regexp"
	"strings"
	"sync/atomic"
)

// Analysis is the enrichment result for one raw text item.
type Analysis struct {
	Symbols        []string
	Sentiment      float64
	Confidence     float64
	PumpIndicators []string
	RiskScore      float64
}

// Analyzer turns raw text into symbols, sentiment and pump risk. All methods
// are pure given a registry snapshot and safe for concurrent use; SetRegistry
// swaps the snapshot atomically so readers never lock.
type Analyzer struct {
	registry atomic.Pointer[Registry]
}

// NewAnalyzer builds an analyzer over the given registry. A nil registry
// falls back to the compiled-in defaults.
func NewAnalyzer(reg *Registry) *Analyzer {
	if reg == nil {
		reg = NewDefaultRegistry()
	}
	a := &Analyzer{}
	a.registry.Store(reg)
	return a
}

// Registry returns the current snapshot.
func (a *Analyzer) Registry() *Registry {
	return a.registry.Load()
}

// SetRegistry atomically replaces the registry snapshot.
func (a *Analyzer) SetRegistry(reg *Registry) {
	if reg != nil {
		a.registry.Store(reg)
	}
}

// ReloadFile loads a registry file and swaps it in. The previous snapshot
// stays active when loading fails.
func (a *Analyzer) ReloadFile(path string) error {
	reg, err := LoadRegistry(path)
	if err != nil {
		return err
	}
	a.registry.Store(reg)
	return nil
}

// Analyze runs extraction, scoring and pump detection over one text.
func (a *Analyzer) Analyze(text string) Analysis {
	sentiment, confidence := a.Score(text)
	indicators, risk := a.PumpIndicators(text)
	return Analysis{
		Symbols:        a.ExtractSymbols(text),
		Sentiment:      sentiment,
		Confidence:     confidence,
		PumpIndicators: indicators,
		RiskScore:      risk,
	}
}

var tokenRe = regexp.MustCompile(`\$?[A-Za-z0-9]+`)

// ExtractSymbols finds ticker mentions in text. Two tiers: known tickers
// matched case-insensitively on word boundaries, and $CASHTAG patterns of
// 2-6 uppercase alphanumerics. Ambiguous tickers that collide with common
// words count only when cashtagged or when the text carries a crypto
// context word.
func (a *Analyzer) ExtractSymbols(text string) []string {
	reg := a.registry.Load()
	tokens := tokenRe.FindAllString(text, -1)
	if len(tokens) == 0 {
		return nil
	}

	hasContext := false
	for _, tok := range tokens {
		if reg.IsContextWord(strings.ToLower(strings.TrimPrefix(tok, "$"))) {
			hasContext = true
			break
		}
	}

	var symbols []string
	seen := make(map[string]struct{})
	add := func(sym string) {
		if _, dup := seen[sym]; dup {
			return
		}
		seen[sym] = struct{}{}
		symbols = append(symbols, sym)
	}

	for _, tok := range tokens {
		if cashtag, ok := strings.CutPrefix(tok, "$"); ok {
			upper := strings.ToUpper(cashtag)
			switch {
			case reg.IsTicker(upper):
				// The $ prefix satisfies the ambiguity guard.
				add(upper)
			case isCashtag(cashtag):
				add(cashtag)
			}
			continue
		}

		upper := strings.ToUpper(tok)
		if !reg.IsTicker(upper) {
			continue
		}
		if reg.IsAmbiguous(upper) && !hasContext {
			continue
		}
		add(upper)
	}
	return symbols
}

// isCashtag reports whether raw (without the $) is 2-6 uppercase
// alphanumerics with at least one letter. Rejects plain dollar amounts
// like $100.
func isCashtag(raw string) bool {
	if len(raw) < 2 || len(raw) > 6 {
		return false
	}
	hasLetter := false
	for _, c := range raw {
		switch {
		case c >= 'A' && c <= 'Z':
			hasLetter = true
		case c >= '0' && c <= '9':
		default:
			return false
		}
	}
	return hasLetter
}
