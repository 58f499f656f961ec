// Package textanalysis provides pure text classification helpers used by the
// extraction pipeline: CJK density analysis, the OCR escalation decision,
// sentence splitting, chunking, and key-term extraction. No I/O.
package textanalysis

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	// MinExtractedChars is the minimum extracted text length below which a
	// document with raster pages is assumed to be a scan needing OCR.
	MinExtractedChars = 50

	// JapaneseRatioThreshold is the CJK density above which text is treated
	// as natively extracted Japanese. The boundary is exclusive: a ratio of
	// exactly 0.15 counts as CJK text.
	JapaneseRatioThreshold = 0.15

	// MaxKeyTerms caps the number of key terms extracted from one text
	MaxKeyTerms = 10
)

// CJKAnalysis is the result of AnalyzeCJKContent
type CJKAnalysis struct {
	CJKRatio         float64 `json:"cjk_ratio"`
	IsLikelyJapanese bool    `json:"is_likely_japanese"`
	HasVerticalText  bool    `json:"has_vertical_text"`
	CharCount        int     `json:"char_count"`
	CJKCharCount     int     `json:"cjk_char_count"`
}

func isCJK(r rune) bool {
	switch {
	case r >= 0x3040 && r <= 0x309F: // hiragana
		return true
	case r >= 0x30A0 && r <= 0x30FF: // katakana
		return true
	case r >= 0x4E00 && r <= 0x9FFF: // CJK unified ideographs
		return true
	case r >= 0x3400 && r <= 0x4DBF: // CJK extension A
		return true
	case r >= 0xF900 && r <= 0xFAFF: // CJK compatibility ideographs
		return true
	case r >= 0xFF66 && r <= 0xFF9D: // half-width katakana
		return true
	case r >= 0xAC00 && r <= 0xD7AF: // hangul syllables
		return true
	}
	return false
}

// AnalyzeCJKContent counts CJK characters and classifies the text.
// Whitespace is excluded from the character count so that layout-heavy
// extractions do not dilute the ratio.
func AnalyzeCJKContent(text string) CJKAnalysis {
	var total, cjk int
	vertical := false

	for _, r := range text {
		if r == ' ' || r == '\n' || r == '\r' || r == '\t' || r == 0x3000 {
			continue
		}
		total++
		if isCJK(r) {
			cjk++
		}
		// Vertical forms block (presentation forms for vertical writing)
		if r >= 0xFE10 && r <= 0xFE19 {
			vertical = true
		}
	}

	ratio := 0.0
	if total > 0 {
		ratio = float64(cjk) / float64(total)
	}

	return CJKAnalysis{
		CJKRatio:         ratio,
		IsLikelyJapanese: ratio > JapaneseRatioThreshold,
		HasVerticalText:  vertical,
		CharCount:        total,
		CJKCharCount:     cjk,
	}
}

// NeedsOCR decides whether an extraction pass should escalate to the
// OCR-oriented prompt. Escalation never triggers without raster pages.
// With raster pages present it triggers when the extracted text is too short
// to be real content, or when the CJK density is below the Japanese threshold
// (a CJK source whose text extracted as mojibake or Latin noise).
func NeedsOCR(text string, hasRasterPages bool) bool {
	if !hasRasterPages {
		return false
	}
	trimmed := strings.TrimSpace(text)
	if utf8.RuneCountInString(trimmed) < MinExtractedChars {
		return true
	}
	return AnalyzeCJKContent(trimmed).CJKRatio < JapaneseRatioThreshold
}

var sentenceEnders = map[rune]bool{
	'。': true,
	'．': true,
	'！': true,
	'？': true,
	'.': true,
	'!': true,
	'?': true,
}

// SplitSentences splits text on sentence-final punctuation, keeping the
// trailing punctuation attached to its sentence. Go's regexp has no
// lookbehind, so this walks runes directly.
func SplitSentences(text string) []string {
	var sentences []string
	var current strings.Builder

	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		current.WriteRune(r)
		if !sentenceEnders[r] {
			continue
		}
		// Consume a run of closing punctuation (e.g. 。」 or ?!)
		for i+1 < len(runes) && (sentenceEnders[runes[i+1]] || runes[i+1] == '」' || runes[i+1] == '』' || runes[i+1] == ')' || runes[i+1] == '）') {
			i++
			current.WriteRune(runes[i])
		}
		s := strings.TrimSpace(current.String())
		if s != "" {
			sentences = append(sentences, s)
		}
		current.Reset()
	}

	if s := strings.TrimSpace(current.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

// Chunk is a run of sentences bounded by a character budget
type Chunk struct {
	Text          string `json:"text"`
	Role          string `json:"role"`
	CharCount     int    `json:"char_count"`
	SentenceCount int    `json:"sentence_count"`
	StartOffset   int    `json:"start_offset"`
	EndOffset     int    `json:"end_offset"`
}

// ChunkText greedily accumulates sentences into chunks of at most maxChars
// characters (runes). A sentence that would overflow the current chunk starts
// a new one; single sentences longer than maxChars become their own chunk.
// Offsets are rune offsets into the concatenated sentence stream.
func ChunkText(text string, maxChars int, role string) []Chunk {
	if maxChars <= 0 {
		maxChars = 800
	}

	sentences := SplitSentences(text)
	if len(sentences) == 0 {
		return nil
	}

	var chunks []Chunk
	var sb strings.Builder
	count := 0
	start := 0
	offset := 0

	flush := func(end int) {
		if count == 0 {
			return
		}
		t := sb.String()
		chunks = append(chunks, Chunk{
			Text:          t,
			Role:          role,
			CharCount:     utf8.RuneCountInString(t),
			SentenceCount: count,
			StartOffset:   start,
			EndOffset:     end,
		})
		sb.Reset()
		count = 0
		start = end
	}

	for _, s := range sentences {
		sLen := utf8.RuneCountInString(s)
		if count > 0 && utf8.RuneCountInString(sb.String())+sLen > maxChars {
			flush(offset)
		}
		sb.WriteString(s)
		count++
		offset += sLen
	}
	flush(offset)

	return chunks
}

// MergeShortChunks merges adjacent same-role chunks while the accumulated
// chunk is still under minChars. Chunks of different roles never merge.
func MergeShortChunks(chunks []Chunk, minChars int) []Chunk {
	if len(chunks) == 0 {
		return chunks
	}

	merged := []Chunk{chunks[0]}
	for _, c := range chunks[1:] {
		last := &merged[len(merged)-1]
		if last.CharCount < minChars && last.Role == c.Role {
			last.Text += c.Text
			last.CharCount += c.CharCount
			last.SentenceCount += c.SentenceCount
			last.EndOffset = c.EndOffset
			continue
		}
		merged = append(merged, c)
	}
	return merged
}

var (
	katakanaRunPattern   = regexp.MustCompile(`[ァ-ヶー]{4,}`)
	kanjiCompoundPattern = regexp.MustCompile(`[一-龠々]{2,}`)
	bracketTermPattern   = regexp.MustCompile(`[「『【]([^」』】]{1,24})[」』】]`)
)

// ExtractKeyTerms pulls candidate domain terms out of text: long katakana
// runs (loanword jargon), multi-kanji compounds, and bracket-quoted terms.
// The result is deduplicated in first-seen order and capped at MaxKeyTerms.
func ExtractKeyTerms(text string) []string {
	seen := make(map[string]bool)
	var terms []string

	add := func(t string) {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] || len(terms) >= MaxKeyTerms {
			return
		}
		seen[t] = true
		terms = append(terms, t)
	}

	for _, m := range bracketTermPattern.FindAllStringSubmatch(text, -1) {
		add(m[1])
	}
	for _, m := range katakanaRunPattern.FindAllString(text, -1) {
		add(m)
	}
	for _, m := range kanjiCompoundPattern.FindAllString(text, -1) {
		// Two-character compounds are too common to be useful terms
		if utf8.RuneCountInString(m) >= 3 {
			add(m)
		}
	}

	return terms
}
