// Package transform applies the fixed sequence of textual repairs required by
// the upstream API's malformed JSON output. The rules are deliberately narrow:
// they fix the empirically observed malformation patterns and nothing else.
// A payload that is still invalid after the rules must surface as a parse
// failure, never be coerced.
package transform

import (
	"strings"

	gojson "github.com/goccy/go-json"

	"github.com/cisync/cisync/pkg/errors"
)

const (
	// splitToken is the one known mis-split token the upstream emits.
	splitToken     = `"MINNE APOLIS"`
	correctedToken = `"MINNEAPOLIS"`

	// encodedSpace is the encoded-space artifact left by the upstream pager.
	encodedSpace = "%20"
)

// CollapseDoubleClose removes the spurious closing bracket the upstream
// inserts immediately before a nested object close, repeating until no
// occurrence remains.
func CollapseDoubleClose(s string) string {
	for strings.Contains(s, "}]}") {
		s = strings.ReplaceAll(s, "}]}", "}}")
	}
	return s
}

// FixSplitToken repairs the one known corrupted token.
func FixSplitToken(s string) string {
	return strings.ReplaceAll(s, splitToken, correctedToken)
}

// ExtractArrayBody returns the content between the first '[' and the last ']'
// exclusive. Absence of either bracket means the page is not the array the
// upstream contract promises.
func ExtractArrayBody(s string) (string, error) {
	start := strings.Index(s, "[")
	end := strings.LastIndex(s, "]")
	if start < 0 || end < 0 || end <= start {
		return "", errors.New(errors.ErrorTypeData, "payload contains no array body")
	}
	return s[start+1 : end], nil
}

// StripEncodedSpace removes the literal %20 artifact.
func StripEncodedSpace(s string) string {
	return strings.ReplaceAll(s, encodedSpace, "")
}

// Repair runs the full ordered rule sequence and validates the result. The
// returned payload is always a JSON array; an empty upstream page repairs to
// "[]".
func Repair(raw string) (string, error) {
	s := CollapseDoubleClose(raw)
	s = FixSplitToken(s)

	body, err := ExtractArrayBody(s)
	if err != nil {
		return "", err
	}

	body = StripEncodedSpace(body)
	repaired := "[" + strings.TrimSpace(body) + "]"

	if !gojson.Valid([]byte(repaired)) {
		return "", errors.New(errors.ErrorTypeData, "payload invalid after known repairs").
			WithDetail("payload_prefix", prefix(repaired, 128))
	}
	return repaired, nil
}

func prefix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
