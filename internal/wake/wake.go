// Package wake validates device-reported wake words against the gateway's
// configured keyword list.
//
// Edge devices run small always-on keyword spotters that mishear: the device
// may report "hey fox" for a configured "hey vox". The validator therefore
// combines Double Metaphone phonetic encoding with Jaro-Winkler string
// similarity:
//
//  1. Phonetic candidate filtering: Double Metaphone codes are computed for
//     each token of the reported keyword and of each configured keyword. Any
//     code overlap makes the configured keyword a phonetic candidate.
//
//  2. Jaro-Winkler ranking: among phonetic candidates, the keyword with the
//     highest Jaro-Winkler similarity wins, provided it clears the phonetic
//     threshold. Without a phonetic candidate, a pure similarity pass runs
//     against a stricter fuzzy threshold.
//
// Reports whose device-side confidence falls below the floor are rejected
// before any matching runs.
package wake

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
	defaultMinConfidence     = 0.40
)

// Option is a functional option for configuring a Validator.
type Option func(*Validator)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score required for a
// phonetically-matched keyword to be accepted. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(v *Validator) { v.phoneticThreshold = threshold }
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score required when no
// phonetic match is found. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(v *Validator) { v.fuzzyThreshold = threshold }
}

// WithMinConfidence sets the floor on the device-reported confidence below
// which reports are rejected outright. Default: 0.40.
func WithMinConfidence(confidence float64) Option {
	return func(v *Validator) { v.minConfidence = confidence }
}

// Validator checks wake word reports against a fixed keyword list. Read-only
// after construction and safe for concurrent use.
type Validator struct {
	keywords          []string
	phoneticThreshold float64
	fuzzyThreshold    float64
	minConfidence     float64
}

// New returns a Validator for the given configured keywords.
func New(keywords []string, opts ...Option) *Validator {
	v := &Validator{
		keywords:          keywords,
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
		minConfidence:     defaultMinConfidence,
	}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Validate checks a device wake word report. On success it returns the
// canonical configured keyword the report matched; otherwise ok is false.
func (v *Validator) Validate(reported string, confidence float64) (keyword string, ok bool) {
	if confidence < v.minConfidence {
		return "", false
	}
	reportedLower := strings.ToLower(strings.TrimSpace(reported))
	if reportedLower == "" || len(v.keywords) == 0 {
		return "", false
	}

	reportedTokens := strings.Fields(reportedLower)
	reportedCodes := codesForTokens(reportedTokens)

	type candidate struct {
		keyword  string
		score    float64
		phonetic bool
	}
	var best candidate

	for _, kw := range v.keywords {
		kwLower := strings.ToLower(strings.TrimSpace(kw))
		if kwLower == "" {
			continue
		}
		if kwLower == reportedLower {
			return kw, true
		}
		kwTokens := strings.Fields(kwLower)

		phoneticMatch := codesOverlap(reportedCodes, codesForTokens(kwTokens))
		jwScore := bestJWScore(reportedTokens, kwTokens, reportedLower, kwLower)

		if phoneticMatch {
			if jwScore >= v.phoneticThreshold {
				if !best.phonetic || jwScore > best.score {
					best = candidate{keyword: kw, score: jwScore, phonetic: true}
				}
			}
		} else if !best.phonetic {
			if jwScore >= v.fuzzyThreshold && jwScore > best.score {
				best = candidate{keyword: kw, score: jwScore, phonetic: false}
			}
		}
	}

	if best.keyword != "" {
		return best.keyword, true
	}
	return "", false
}

// codesForTokens returns the union of all Double Metaphone codes for the
// given tokens. Empty codes are excluded.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

// codesOverlap returns true if the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestJWScore computes the highest Jaro-Winkler similarity between the
// reported phrase and a configured keyword: full strings, space-stripped
// concatenations, and the best pairwise token score.
func bestJWScore(reportedTokens, kwTokens []string, reportedFull, kwFull string) float64 {
	score := matchr.JaroWinkler(reportedFull, kwFull, false)

	if len(reportedTokens) > 1 || len(kwTokens) > 1 {
		concat1 := strings.Join(reportedTokens, "")
		concat2 := strings.Join(kwTokens, "")
		if s := matchr.JaroWinkler(concat1, concat2, false); s > score {
			score = s
		}
	}

	for _, rt := range reportedTokens {
		for _, kt := range kwTokens {
			if s := matchr.JaroWinkler(rt, kt, false); s > score {
				score = s
			}
		}
	}
	return score
}
