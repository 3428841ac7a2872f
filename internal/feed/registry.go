package feed

import (
	"fmt"
	"os"
	"strings"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// RegistrySchemaVersion is the current symbol registry file schema.
const RegistrySchemaVersion = "1.0.0"

// RegistryFile is the on-disk registry document. Entries extend the
// compiled-in defaults; lexicon weights override on collision.
type RegistryFile struct {
	SchemaVersion string             `yaml:"schema_version"`
	Tickers       []string           `yaml:"tickers"`
	Ambiguous     []string           `yaml:"ambiguous"`
	ContextWords  []string           `yaml:"context_words"`
	Lexicon       map[string]float64 `yaml:"lexicon"`
}

// Registry is an immutable symbol and lexicon snapshot. Snapshots are
// shared without locks; reloads build a fresh Registry and swap it in via
// an atomic pointer held by the Analyzer.
type Registry struct {
	tickers      map[string]struct{}
	ambiguous    map[string]struct{}
	contextWords map[string]struct{}
	lexicon      map[string]float64
}

// builtinTickers covers the majors so the system runs without a registry
// file. Entries in builtinAmbiguous collide with common English words and
// only count when cashtagged or backed by a crypto context word.
var builtinTickers = []string{
	"BTC", "ETH", "SOL", "DOGE", "ADA", "XRP", "BNB", "DOT", "AVAX", "MATIC",
	"LINK", "UNI", "LTC", "ATOM", "SHIB", "PEPE", "NEAR", "APT", "ARB", "OP",
	"TRX", "TON", "XLM", "ALGO", "FIL", "ICP", "HBAR", "VET", "INJ", "SUI",
	"SEI", "GRT", "RUNE", "FTM", "EGLD", "SAND", "MANA", "APE", "GALA", "ONE",
}

var builtinAmbiguous = []string{
	"ONE", "NEAR", "DOT", "OP", "APT", "GAS", "HOT", "SUN", "APE", "SAND",
	"MANA", "CAKE", "ATOM", "TON", "RUNE", "UNI",
}

var builtinContextWords = []string{
	"crypto", "cryptocurrency", "coin", "coins", "token", "tokens",
	"blockchain", "defi", "altcoin", "altcoins", "airdrop", "exchange",
	"wallet", "binance", "coinbase", "staking", "onchain", "web3", "ticker",
}

var builtinLexicon = map[string]float64{
	"bullish": 0.8, "surge": 0.6, "surging": 0.6, "rally": 0.4, "buy": 0.4,
	"breakout": 0.6, "gains": 0.5, "hodl": 0.3, "moon": 0.6, "mooning": 0.7,
	"pump": 0.3, "ath": 0.7, "adoption": 0.5, "partnership": 0.6, "long": 0.3,
	"soar": 0.7, "soaring": 0.7, "undervalued": 0.5, "accumulate": 0.4,

	"bearish": -0.8, "dump": -0.7, "dumping": -0.7, "crash": -0.9,
	"crashing": -0.9, "sell": -0.4, "scam": -0.9, "rug": -0.9, "rugpull": -0.9,
	"rekt": -0.7, "drop": -0.4, "fear": -0.5, "short": -0.3, "lawsuit": -0.6,
	"hack": -0.8, "hacked": -0.8, "ponzi": -0.9, "plunge": -0.7,
	"plunging": -0.7, "capitulation": -0.8, "overvalued": -0.5,
}

// NewDefaultRegistry builds the compiled-in registry.
func NewDefaultRegistry() *Registry {
	r := newEmptyRegistry()
	r.add(builtinTickers, builtinAmbiguous, builtinContextWords, builtinLexicon)
	return r
}

func newEmptyRegistry() *Registry {
	return &Registry{
		tickers:      make(map[string]struct{}),
		ambiguous:    make(map[string]struct{}),
		contextWords: make(map[string]struct{}),
		lexicon:      make(map[string]float64),
	}
}

func (r *Registry) add(tickers, ambiguous, contextWords []string, lexicon map[string]float64) {
	for _, t := range tickers {
		r.tickers[strings.ToUpper(strings.TrimSpace(t))] = struct{}{}
	}
	for _, a := range ambiguous {
		r.ambiguous[strings.ToUpper(strings.TrimSpace(a))] = struct{}{}
	}
	for _, w := range contextWords {
		r.contextWords[strings.ToLower(strings.TrimSpace(w))] = struct{}{}
	}
	for token, weight := range lexicon {
		r.lexicon[strings.ToLower(strings.TrimSpace(token))] = clampWeight(weight)
	}
}

func clampWeight(w float64) float64 {
	if w > 1 {
		return 1
	}
	if w < -1 {
		return -1
	}
	return w
}

// IsTicker reports whether the uppercased word is a known symbol.
func (r *Registry) IsTicker(upper string) bool {
	_, ok := r.tickers[upper]
	return ok
}

// IsAmbiguous reports whether the symbol needs a cashtag or context word.
func (r *Registry) IsAmbiguous(upper string) bool {
	_, ok := r.ambiguous[upper]
	return ok
}

// IsContextWord reports whether the lowercased token marks crypto context.
func (r *Registry) IsContextWord(lower string) bool {
	_, ok := r.contextWords[lower]
	return ok
}

// Weight returns the lexicon coefficient for a lowercased token.
func (r *Registry) Weight(lower string) (float64, bool) {
	w, ok := r.lexicon[lower]
	return w, ok
}

// TickerCount returns the number of known symbols.
func (r *Registry) TickerCount() int {
	return len(r.tickers)
}

// ParseRegistry decodes a registry document, verifies its schema version,
// and merges it over the compiled-in defaults.
func ParseRegistry(data []byte) (*Registry, error) {
	var file RegistryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing symbol registry: %w", err)
	}
	if err := CheckRegistrySchema(file.SchemaVersion); err != nil {
		return nil, err
	}

	r := NewDefaultRegistry()
	r.add(file.Tickers, file.Ambiguous, file.ContextWords, file.Lexicon)
	return r, nil
}

// LoadRegistry reads and parses a registry file from disk.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading symbol registry %s: %w", path, err)
	}
	return ParseRegistry(data)
}

// CheckRegistrySchema verifies a registry document's schema version against
// the current one. Same major is compatible; a newer minor than the current
// build understands is rejected.
func CheckRegistrySchema(version string) error {
	if version == "" {
		return fmt.Errorf("symbol registry missing schema_version")
	}

	v, err := semver.NewVersion(version)
	if err != nil {
		// Accept short forms like "1.0"
		v, err = semver.NewVersion(version + ".0")
		if err != nil {
			return fmt.Errorf("invalid registry schema version %q", version)
		}
	}

	current := semver.MustParse(RegistrySchemaVersion)
	if v.Major() != current.Major() {
		return fmt.Errorf("registry schema version %s is not compatible with %s", version, RegistrySchemaVersion)
	}
	if v.Minor() > current.Minor() {
		return fmt.Errorf("registry schema version %s is newer than supported %s", version, RegistrySchemaVersion)
	}
	return nil
}
