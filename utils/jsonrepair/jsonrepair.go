// Package jsonrepair decodes structured data out of LLM responses that are
// not guaranteed to be well-formed JSON: output wrapped in prose or markdown
// code fences, missing separators, improperly escaped multi-byte text, bare
// keys, stray backslashes. Repair layers are applied cumulatively and the
// decode is retried after each one; as a last resort a minimal placeholder
// structure is reconstructed from recognizable top-level array keys.
package jsonrepair

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
)

// ErrDecodeFailed is returned when every repair layer failed and the caller
// supplied no fallback.
var ErrDecodeFailed = errors.New("no decodable JSON found in response")

// RepairLevel identifies which repair layer produced a successful decode.
// Exposed so operators can monitor model-output drift over time.
type RepairLevel int

const (
	LevelDirect        RepairLevel = iota // decoded after fence/prose stripping only
	LevelStructural                       // missing/trailing separators, control chars
	LevelEscapes                          // multi-byte backslash and raw-newline fixes
	LevelQuoting                          // bare keys and bare scalar values quoted
	LevelAggressive                       // blanket escape of stray backslashes
	LevelReconstructed                    // placeholder rebuilt from known array keys
	LevelFallback                         // caller-supplied fallback used
)

func (l RepairLevel) String() string {
	switch l {
	case LevelDirect:
		return "direct"
	case LevelStructural:
		return "structural"
	case LevelEscapes:
		return "escapes"
	case LevelQuoting:
		return "quoting"
	case LevelAggressive:
		return "aggressive"
	case LevelReconstructed:
		return "reconstructed"
	case LevelFallback:
		return "fallback"
	}
	return "unknown"
}

// knownArrayKeys are the top-level list keys the reconstruction pass looks
// for. Reconstructed objects carry parse_failed=true so downstream code never
// mistakes a placeholder for real model output.
var knownArrayKeys = []string{"segments", "qa_pairs", "questions", "items"}

// Decode decodes raw LLM text into target, applying repair layers in order
// and returning the level that succeeded.
func Decode(raw string, target interface{}) (RepairLevel, error) {
	candidate := extractCandidate(raw)
	if candidate == "" {
		if rec, ok := reconstruct(raw); ok {
			log.Printf("[JSON Repair] No JSON body found, reconstructed placeholder")
			return LevelReconstructed, json.Unmarshal([]byte(rec), target)
		}
		return 0, fmt.Errorf("%w: response length=%d", ErrDecodeFailed, len(raw))
	}

	if json.Valid([]byte(candidate)) {
		return LevelDirect, json.Unmarshal([]byte(candidate), target)
	}

	// Repair layers are cumulative: each pass works on the previous output.
	repaired := candidate
	passes := []struct {
		level RepairLevel
		fix   func(string) string
	}{
		{LevelStructural, fixStructural},
		{LevelEscapes, fixEscapes},
		{LevelQuoting, fixQuoting},
		{LevelAggressive, escapeStrayBackslashes},
	}

	for _, p := range passes {
		repaired = p.fix(repaired)
		if json.Valid([]byte(repaired)) {
			log.Printf("[JSON Repair] Decode succeeded at level %q", p.level)
			return p.level, json.Unmarshal([]byte(repaired), target)
		}
	}

	if rec, ok := reconstruct(raw); ok {
		log.Printf("[JSON Repair] All repair layers failed, reconstructed placeholder")
		return LevelReconstructed, json.Unmarshal([]byte(rec), target)
	}

	return 0, fmt.Errorf("%w: response length=%d", ErrDecodeFailed, len(raw))
}

// DecodeWithFallback is Decode, but on total failure it decodes the supplied
// fallback JSON into target instead of returning an error. It never fails
// for any input as long as fallback itself is valid JSON.
func DecodeWithFallback(raw string, target interface{}, fallback string) RepairLevel {
	level, err := Decode(raw, target)
	if err == nil {
		return level
	}
	log.Printf("[JSON Repair] Decode failed (%v), using caller fallback", err)
	if err := json.Unmarshal([]byte(fallback), target); err != nil {
		log.Printf("[JSON Repair] Fallback itself is invalid JSON: %v", err)
	}
	return LevelFallback
}

var codeFencePattern = regexp.MustCompile("(?s)```(?:json)?\\s*(.+?)\\s*```")

// extractCandidate strips markdown fences and surrounding prose, then
// isolates the substring between the first opening and last closing brace
// (or bracket, whichever opens first).
func extractCandidate(s string) string {
	s = strings.TrimSpace(s)

	if m := codeFencePattern.FindStringSubmatch(s); len(m) > 1 {
		s = strings.TrimSpace(m[1])
	} else {
		// Unterminated fence: strip the opening marker at least
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
		s = strings.TrimSpace(s)
	}

	firstObj := strings.Index(s, "{")
	firstArr := strings.Index(s, "[")

	var first int
	var closer string
	switch {
	case firstObj == -1 && firstArr == -1:
		return ""
	case firstArr == -1 || (firstObj != -1 && firstObj < firstArr):
		first = firstObj
		closer = "}"
	default:
		first = firstArr
		closer = "]"
	}

	last := strings.LastIndex(s, closer)
	if last <= first {
		return ""
	}
	return s[first : last+1]
}

var (
	missingCommaObjPattern = regexp.MustCompile(`\}\s*\{`)
	missingCommaArrPattern = regexp.MustCompile(`\]\s*\[`)
	missingCommaMixPattern = regexp.MustCompile(`(\}|\])\s*(")`)
	trailingCommaPattern   = regexp.MustCompile(`,\s*(\}|\])`)
)

// fixStructural inserts missing separators between adjacent object/array
// boundaries, strips trailing separators, and removes non-printable control
// characters.
func fixStructural(s string) string {
	s = missingCommaObjPattern.ReplaceAllString(s, "},{")
	s = missingCommaArrPattern.ReplaceAllString(s, "],[")
	s = missingCommaMixPattern.ReplaceAllString(s, `$1,$2`)
	s = trailingCommaPattern.ReplaceAllString(s, "$1")

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

var badMultibyteEscape = regexp.MustCompile(`([^\\])\\([^\x00-\x7F])`)

// fixEscapes corrects single-backslash sequences adjacent to non-ASCII
// characters into escaped double-backslash form, and converts raw newlines
// inside string literals into \n escapes.
func fixEscapes(s string) string {
	s = badMultibyteEscape.ReplaceAllString(s, `$1\\$2`)

	// Raw newlines inside string literals break the decoder; walk the string
	// tracking quote state and escape them in place.
	var b strings.Builder
	b.Grow(len(s))
	inString := false
	escaped := false
	for _, r := range s {
		if escaped {
			escaped = false
			b.WriteRune(r)
			continue
		}
		switch {
		case r == '\\' && inString:
			escaped = true
			b.WriteRune(r)
		case r == '"':
			inString = !inString
			b.WriteRune(r)
		case inString && r == '\n':
			b.WriteString(`\n`)
		case inString && r == '\r':
			// dropped; the matching \n produces the escape
		case inString && r == '\t':
			b.WriteString(`\t`)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

var (
	bareKeyPattern   = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_]*)\s*:`)
	bareValuePattern = regexp.MustCompile(`:\s*([A-Za-z_][A-Za-z0-9_\- ]*[A-Za-z0-9_])(\s*[,}\]])`)
)

// fixQuoting quotes bare object keys and bare scalar values. JSON literals
// (true/false/null) stay bare.
func fixQuoting(s string) string {
	s = bareKeyPattern.ReplaceAllString(s, `$1"$2":`)
	s = bareValuePattern.ReplaceAllStringFunc(s, func(m string) string {
		sub := bareValuePattern.FindStringSubmatch(m)
		val := sub[1]
		switch val {
		case "true", "false", "null":
			return m
		}
		return `: "` + val + `"` + sub[2]
	})
	return s
}

// escapeStrayBackslashes blanket-escapes any backslash not starting a valid
// JSON escape sequence. Go's RE2 has no lookahead, so this walks the bytes.
func escapeStrayBackslashes(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		if i+1 < len(s) {
			switch s[i+1] {
			case '"', '\\', '/', 'b', 'f', 'n', 'r', 't', 'u':
				b.WriteByte(c)
				b.WriteByte(s[i+1])
				i++
				continue
			}
		}
		b.WriteString(`\\`)
	}
	return b.String()
}

// reconstruct scans the raw text for known top-level array keys and emits a
// minimal valid object with an empty list per found key, marked as a parse
// failure. This is an observability placeholder, never content to present
// to an end user.
func reconstruct(raw string) (string, bool) {
	var found []string
	for _, key := range knownArrayKeys {
		pattern := regexp.MustCompile(`"` + key + `"\s*:\s*\[`)
		if pattern.MatchString(raw) {
			found = append(found, key)
		}
	}
	if len(found) == 0 {
		return "", false
	}

	var b strings.Builder
	b.WriteString(`{"parse_failed":true`)
	for _, key := range found {
		b.WriteString(`,"`)
		b.WriteString(key)
		b.WriteString(`":[]`)
	}
	b.WriteString("}")
	return b.String(), true
}
