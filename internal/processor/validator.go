package processor

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/adverant/nexus/readout-worker/internal/errors"
)

// Charset names an allowed character set
type Charset string

const (
	CharsetAny          Charset = ""
	CharsetDigits       Charset = "digits"
	CharsetSigned       Charset = "signed"
	CharsetDecimal      Charset = "decimal"
	CharsetHex          Charset = "hex"
	CharsetAlphanumeric Charset = "alphanumeric"
	CharsetFull         Charset = "full"
)

// NumericKind selects the numeric parse requirement
type NumericKind string

const (
	NumericNone  NumericKind = ""
	NumericInt   NumericKind = "int"
	NumericFloat NumericKind = "float"
)

// Validation reason codes
const (
	ReasonEmpty      = "empty"
	ReasonCharset    = "charset"
	ReasonLength     = "length"
	ReasonNumeric    = "numeric"
	ReasonConfidence = "confidence"
)

var charsetMembers = map[Charset]string{
	CharsetDigits:  "0123456789",
	CharsetSigned:  "0123456789+-",
	CharsetDecimal: "0123456789.-",
	CharsetHex:     "0123456789.-abcdefABCDEF",
	// ssocr's full set
	CharsetFull: "0123456789.-abcdefhlnprtu",
}

// ValidationRule is a declarative acceptance policy
type ValidationRule struct {
	Charset       Charset     `json:"charset,omitempty"`
	Allowed       string      `json:"allowed,omitempty"`
	ExactLength   int         `json:"exactLength,omitempty"`
	MinLength     int         `json:"minLength,omitempty"`
	MaxLength     int         `json:"maxLength,omitempty"`
	Numeric       NumericKind `json:"numeric,omitempty"`
	MinConfidence float64     `json:"minConfidence,omitempty"`
	StripSpaces   bool        `json:"stripSpaces,omitempty"`
}

// Check rejects rules that can never be satisfied
func (r ValidationRule) Check() error {
	if r.ExactLength < 0 || r.MinLength < 0 || r.MaxLength < 0 {
		return fmt.Errorf("length constraints must not be negative")
	}
	if r.MaxLength > 0 && r.MinLength > r.MaxLength {
		return fmt.Errorf("minLength %d exceeds maxLength %d", r.MinLength, r.MaxLength)
	}
	if r.ExactLength > 0 && (r.MinLength > 0 || r.MaxLength > 0) {
		return fmt.Errorf("exactLength cannot be combined with minLength/maxLength")
	}
	if r.Charset != CharsetAny && r.Charset != CharsetAlphanumeric {
		if _, ok := charsetMembers[r.Charset]; !ok {
			return fmt.Errorf("unknown charset %q", r.Charset)
		}
	}
	switch r.Numeric {
	case NumericNone, NumericInt, NumericFloat:
	default:
		return fmt.Errorf("unknown numeric kind %q", r.Numeric)
	}
	if r.MinConfidence < 0 || r.MinConfidence > 1 {
		return fmt.Errorf("minConfidence must be within [0,1]")
	}
	return nil
}

// Normalize trims the text the way it is counted and parsed
func (r ValidationRule) Normalize(text string) string {
	text = strings.TrimSpace(text)
	if r.StripSpaces {
		text = strings.Map(func(c rune) rune {
			if unicode.IsSpace(c) {
				return -1
			}
			return c
		}, text)
	}
	return text
}

func (r ValidationRule) allows(c rune) bool {
	if r.Allowed != "" {
		return strings.ContainsRune(r.Allowed, c)
	}
	switch r.Charset {
	case CharsetAny:
		return true
	case CharsetAlphanumeric:
		return c < utf8.RuneSelf && (unicode.IsLetter(c) || unicode.IsDigit(c))
	default:
		return strings.ContainsRune(charsetMembers[r.Charset], c)
	}
}

// Structural applies the character-set and length checks only.
// It returns the failing reason code and a message, or "" when the text passes.
func (r ValidationRule) Structural(text string) (string, string) {
	text = r.Normalize(text)
	if text == "" {
		return ReasonEmpty, "no text recognized"
	}
	for _, c := range text {
		if !r.allows(c) {
			return ReasonCharset, fmt.Sprintf("character %q is not allowed", c)
		}
	}
	n := utf8.RuneCountInString(text)
	if r.ExactLength > 0 && n != r.ExactLength {
		return ReasonLength, fmt.Sprintf("expected %d characters, got %d", r.ExactLength, n)
	}
	if r.MinLength > 0 && n < r.MinLength {
		return ReasonLength, fmt.Sprintf("expected at least %d characters, got %d", r.MinLength, n)
	}
	if r.MaxLength > 0 && n > r.MaxLength {
		return ReasonLength, fmt.Sprintf("expected at most %d characters, got %d", r.MaxLength, n)
	}
	return "", ""
}

// Validate applies the rule to a raw result. It is pure: no I/O, no mutation.
func Validate(raw *RawResult, rule ValidationRule) (*Reading, error) {
	if raw == nil {
		return nil, errors.NewValidationRejectedError("", ReasonEmpty, "", "no result to validate")
	}
	text := rule.Normalize(raw.Text)

	if reason, msg := rule.Structural(text); reason != "" {
		return nil, errors.NewValidationRejectedError(raw.Backend, reason, raw.Text, msg)
	}

	var value *float64
	switch rule.Numeric {
	case NumericInt:
		v, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return nil, errors.NewValidationRejectedError(raw.Backend, ReasonNumeric, raw.Text,
				fmt.Sprintf("%q is not an integer", text))
		}
		value = float64Ptr(float64(v))
	case NumericFloat:
		v, err := parseDecimal(text)
		if err != nil {
			return nil, errors.NewValidationRejectedError(raw.Backend, ReasonNumeric, raw.Text,
				fmt.Sprintf("%q is not a number", text))
		}
		value = float64Ptr(v)
	}

	if rule.MinConfidence > 0 && raw.Confidence != nil && *raw.Confidence < rule.MinConfidence {
		return nil, errors.NewValidationRejectedError(raw.Backend, ReasonConfidence, raw.Text,
			fmt.Sprintf("confidence %.2f below %.2f", *raw.Confidence, rule.MinConfidence))
	}

	return &Reading{
		Text:       text,
		Value:      value,
		Backend:    raw.Backend,
		Engine:     raw.Engine,
		Parameter:  raw.Parameter,
		Confidence: raw.Confidence,
		Elapsed:    raw.Duration,
	}, nil
}

// parseDecimal parses plain decimal notation with an optional exponent.
// Hex floats, NaN and infinities are refused.
func parseDecimal(text string) (float64, error) {
	if strings.IndexFunc(text, func(r rune) bool { return !strings.ContainsRune("0123456789+-.eE", r) }) >= 0 {
		return 0, fmt.Errorf("not a decimal number")
	}
	v, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("not a finite number")
	}
	return v, nil
}
