// Package tokens provides approximate token counting for context budgeting.
package tokens

// charsPerToken is the fixed divisor for the estimate. Roughly right for
// English prose against common BPE vocabularies; this is an approximation,
// not a tokenizer.
const charsPerToken = 4

// Estimate returns an approximate token count for text. Empty input yields 0.
func Estimate(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + charsPerToken - 1) / charsPerToken
}
