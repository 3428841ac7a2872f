package feed

import (
	"regexp"
	"strings"
)

// Pump indicator tags form a bounded set so downstream labels and metrics
// stay bounded too.
const (
	IndicatorUrgency     = "urgency"
	IndicatorCoordinated = "coordinated_posting"
	IndicatorInfluencer  = "influencer_mention"
)

type pumpFamily struct {
	tag    string
	weight float64
	re     *regexp.Regexp
}

// Each family contributes its weight once per text regardless of how many
// phrases inside it match. Coordination cues carry the most risk; urgency
// plus coordination alone clears the 0.8 critical line.
var pumpFamilies = []pumpFamily{
	{
		tag:    IndicatorUrgency,
		weight: 0.35,
		re: regexp.MustCompile(`(?i)\b(to the moon|mooning|moon|1000x|500x|100x|50x|10x|lambo|parabolic|skyrocket(ing)?|explod(e|ing)|last chance|act fast|hurry|dont miss|don't miss)\b`),
	},
	{
		tag:    IndicatorCoordinated,
		weight: 0.5,
		re: regexp.MustCompile(`(?i)\b(pump (at|together|group|signal)|load up|buy together|everyone buy|all in at|coordinated buy|signal at \d)\b`),
	},
	{
		tag:    IndicatorInfluencer,
		weight: 0.3,
		re: regexp.MustCompile(`(?i)(@[a-z0-9_]{3,15} (calls?|says?|signal(s|led)?)|vip (call|signal)|paid group|insider (call|tip|info)|whale alert)`),
	},
}

// Score computes lexicon-weighted sentiment for a text. The result is the
// mean coefficient of matched tokens, in [-1, 1]; confidence grows with the
// match count and saturates at five matches.
func (a *Analyzer) Score(text string) (sentiment, confidence float64) {
	reg := a.registry.Load()

	var sum float64
	matches := 0
	for _, tok := range tokenRe.FindAllString(text, -1) {
		w, ok := reg.Weight(strings.ToLower(strings.TrimPrefix(tok, "$")))
		if !ok {
			continue
		}
		sum += w
		matches++
	}
	if matches == 0 {
		return 0, 0
	}

	sentiment = sum / float64(matches)
	confidence = float64(matches) / 5
	if confidence > 1 {
		confidence = 1
	}
	return sentiment, confidence
}

// PumpIndicators detects promotion markers in a text and returns the
// matched tags with an accumulated risk score capped at 1.0.
func (a *Analyzer) PumpIndicators(text string) ([]string, float64) {
	var tags []string
	var risk float64
	for _, fam := range pumpFamilies {
		if fam.re.MatchString(text) {
			tags = append(tags, fam.tag)
			risk += fam.weight
		}
	}
	if risk > 1 {
		risk = 1
	}
	return tags, risk
}
