package textanalysis

import (
	"strings"
	"testing"
)

func TestNeedsOCRNeverTriggersWithoutRasterPages(t *testing.T) {
	cases := []string{
		"",
		"a",
		"plain english text with no ideographs at all, long enough to pass the length check easily",
		strings.Repeat("こんにちは世界。", 20),
	}
	for _, text := range cases {
		if NeedsOCR(text, false) {
			t.Errorf("NeedsOCR(%q, false) = true, want false", text)
		}
	}
}

func TestNeedsOCRShortTextWithRasterPages(t *testing.T) {
	if !NeedsOCR("", true) {
		t.Error("empty text with raster pages should escalate")
	}
	if !NeedsOCR("短いテキスト", true) {
		t.Error("text under 50 chars with raster pages should escalate")
	}
}

func TestNeedsOCRBoundaryExclusiveAtThreshold(t *testing.T) {
	// 15 CJK chars out of 100 -> ratio exactly 0.15, must NOT escalate
	text := strings.Repeat("語", 15) + strings.Repeat("a", 85)
	a := AnalyzeCJKContent(text)
	if a.CJKRatio != 0.15 {
		t.Fatalf("ratio = %f, want exactly 0.15", a.CJKRatio)
	}
	if NeedsOCR(text, true) {
		t.Error("ratio of exactly 0.15 should not escalate")
	}

	// 14 out of 100 -> below the boundary, must escalate when raster pages exist
	low := strings.Repeat("語", 14) + strings.Repeat("a", 86)
	if !NeedsOCR(low, true) {
		t.Error("ratio below 0.15 with raster pages should escalate")
	}
}

func TestNeedsOCRHighCJKRatioNeverEscalates(t *testing.T) {
	text := strings.Repeat("機械学習の基礎を学ぶ。", 10)
	if NeedsOCR(text, true) {
		t.Error("CJK-dense text should not escalate even with raster pages")
	}
	if NeedsOCR(text, false) {
		t.Error("CJK-dense text should not escalate without raster pages")
	}
}

func TestAnalyzeCJKContent(t *testing.T) {
	a := AnalyzeCJKContent("日本語のテキストです。This part is English.")
	if a.CJKCharCount == 0 {
		t.Fatal("expected CJK characters to be counted")
	}
	if a.CharCount <= a.CJKCharCount {
		t.Error("expected some non-CJK characters")
	}
	if !a.IsLikelyJapanese {
		t.Errorf("ratio %f should be classified as Japanese", a.CJKRatio)
	}

	en := AnalyzeCJKContent("entirely english text")
	if en.IsLikelyJapanese {
		t.Error("English text classified as Japanese")
	}
	if en.CJKRatio != 0 {
		t.Errorf("English ratio = %f, want 0", en.CJKRatio)
	}

	empty := AnalyzeCJKContent("")
	if empty.CharCount != 0 || empty.CJKRatio != 0 {
		t.Error("empty text should produce zero counts")
	}
}

func TestSplitSentences(t *testing.T) {
	got := SplitSentences("最初の文。二つ目の文!Third sentence. Fourth?")
	if len(got) != 4 {
		t.Fatalf("got %d sentences %v, want 4", len(got), got)
	}
	if got[0] != "最初の文。" {
		t.Errorf("first sentence = %q, punctuation should be preserved", got[0])
	}
	if got[3] != "Fourth?" {
		t.Errorf("last sentence = %q", got[3])
	}
}

func TestSplitSentencesFiltersEmpties(t *testing.T) {
	got := SplitSentences("。。 文がある。 ")
	for _, s := range got {
		if strings.TrimSpace(s) == "" {
			t.Errorf("empty sentence in %v", got)
		}
	}
}

func TestSplitSentencesKeepsClosingBrackets(t *testing.T) {
	got := SplitSentences("彼は「行く。」と言った。")
	if len(got) != 2 {
		t.Fatalf("got %v, want 2 sentences", got)
	}
	if got[0] != "彼は「行く。」" {
		t.Errorf("closing bracket should stay with its sentence, got %q", got[0])
	}
}

func TestChunkTextrespectsMaxChars(t *testing.T) {
	text := strings.Repeat("この文はちょうど十文字。", 10)
	chunks := ChunkText(text, 50, "body")
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if c.CharCount > 50 {
			t.Errorf("chunk %d has %d chars, exceeds limit", i, c.CharCount)
		}
		if c.Role != "body" {
			t.Errorf("chunk %d role = %q", i, c.Role)
		}
		if c.SentenceCount == 0 {
			t.Errorf("chunk %d has zero sentences", i)
		}
	}

	// Offsets must be contiguous
	for i := 1; i < len(chunks); i++ {
		if chunks[i].StartOffset != chunks[i-1].EndOffset {
			t.Errorf("chunk %d start %d != previous end %d", i, chunks[i].StartOffset, chunks[i-1].EndOffset)
		}
	}
}

func TestChunkTextOversizeSentence(t *testing.T) {
	text := strings.Repeat("あ", 100) + "。"
	chunks := ChunkText(text, 50, "body")
	if len(chunks) != 1 {
		t.Fatalf("a single oversize sentence should become one chunk, got %d", len(chunks))
	}
}

func TestChunkTextEmpty(t *testing.T) {
	if got := ChunkText("", 100, "body"); got != nil {
		t.Errorf("empty text should yield no chunks, got %v", got)
	}
}

func TestMergeShortChunks(t *testing.T) {
	chunks := []Chunk{
		{Text: "短い。", Role: "body", CharCount: 3, SentenceCount: 1, StartOffset: 0, EndOffset: 3},
		{Text: "これも短い。", Role: "body", CharCount: 6, SentenceCount: 1, StartOffset: 3, EndOffset: 9},
		{Text: "別の役割。", Role: "title", CharCount: 5, SentenceCount: 1, StartOffset: 9, EndOffset: 14},
	}
	merged := MergeShortChunks(chunks, 20)
	if len(merged) != 2 {
		t.Fatalf("got %d chunks, want 2 (same-role merge only)", len(merged))
	}
	if merged[0].CharCount != 9 || merged[0].SentenceCount != 2 {
		t.Errorf("merged chunk counts wrong: %+v", merged[0])
	}
	if merged[1].Role != "title" {
		t.Error("different-role chunk must not merge")
	}
}

func TestMergeShortChunksNoMergeWhenLongEnough(t *testing.T) {
	chunks := []Chunk{
		{Text: "a", Role: "body", CharCount: 30},
		{Text: "b", Role: "body", CharCount: 30},
	}
	if got := MergeShortChunks(chunks, 20); len(got) != 2 {
		t.Errorf("chunks above minChars must not merge, got %d", len(got))
	}
}

func TestExtractKeyTerms(t *testing.T) {
	text := "「機械学習」とはアルゴリズムを用いてデータベースから学ぶ技術分野である。ニューラルネットワークも含む。"
	terms := ExtractKeyTerms(text)
	if len(terms) == 0 {
		t.Fatal("expected key terms")
	}
	if len(terms) > MaxKeyTerms {
		t.Errorf("got %d terms, cap is %d", len(terms), MaxKeyTerms)
	}

	found := map[string]bool{}
	for _, term := range terms {
		if found[term] {
			t.Errorf("duplicate term %q", term)
		}
		found[term] = true
	}
	if !found["機械学習"] {
		t.Errorf("bracket-quoted term missing from %v", terms)
	}
	if !found["アルゴリズム"] {
		t.Errorf("katakana run missing from %v", terms)
	}
}

func TestExtractKeyTermsCap(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 30; i++ {
		b.WriteString("「用語")
		b.WriteRune(rune('一' + i))
		b.WriteString("」")
	}
	if got := ExtractKeyTerms(b.String()); len(got) != MaxKeyTerms {
		t.Errorf("got %d terms, want cap of %d", len(got), MaxKeyTerms)
	}
}
