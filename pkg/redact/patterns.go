package redact

import (
	"regexp"

	"github.com/oceanbase/powermem-hotcold/pkg/model"
)

// Pattern pairs a PII type with the expression that detects it.
type Pattern struct {
	Type model.PIIType
	Expr *regexp.Regexp
}

// DefaultPatterns returns the built-in detectors in precedence order:
// EMAIL, PHONE, SSN, CREDIT_CARD, IP_ADDRESS. When two matches start at the
// same offset with the same length, the earlier pattern wins.
//
// EMAIL and CREDIT_CARD carry no word-boundary anchors, so an address or a
// card number glued to other word characters ("card4111...", "a@b.com_x")
// is still found. A digit run longer than a card is masked in card-sized
// pieces.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{Type: model.PIIEmail, Expr: regexp.MustCompile(`[\w.%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)},
		{Type: model.PIIPhone, Expr: regexp.MustCompile(`\b(?:\+?1[-.\s]?)?(?:\(\d{3}\)|\d{3})[-.\s]?\d{3}[-.\s]?\d{4}\b`)},
		{Type: model.PIISSN, Expr: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
		{Type: model.PIICreditCard, Expr: regexp.MustCompile(`(?:\d[ -]*?){13,19}`)},
		{Type: model.PIIIPAddress, Expr: regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)},
	}
}
