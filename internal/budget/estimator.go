package budget

import (
	"math"
	"unicode/utf8"
)

// Estimator approximates the token cost of text. Implementations must be
// monotonic: a prefix never costs more than the whole.
type Estimator interface {
	Estimate(text string) int
}

// DefaultCharsPerToken is the usual ratio for English text and JSON.
const DefaultCharsPerToken = 4.0

// CharEstimator charges ceil(characters / CharsPerToken).
type CharEstimator struct {
	CharsPerToken float64
}

func (e CharEstimator) Estimate(text string) int {
	if text == "" {
		return 0
	}
	cpt := e.CharsPerToken
	if cpt <= 0 {
		cpt = DefaultCharsPerToken
	}
	return int(math.Ceil(float64(utf8.RuneCountInString(text)) / cpt))
}
