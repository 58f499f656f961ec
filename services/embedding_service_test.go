package services

import (
	"context"
	"fmt"
	"strings"
	"testing"
)

// fakeEmbeddingClient fails whole batches and/or individual texts on demand
type fakeEmbeddingClient struct {
	failBatch bool
	failTexts map[string]bool
	calls     int
}

func (f *fakeEmbeddingClient) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls++

	if len(texts) > 1 && f.failBatch {
		return nil, fmt.Errorf("embeddings API error (status 500): batch too hot")
	}

	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		if f.failTexts[text] {
			return nil, fmt.Errorf("embeddings API error (status 500): bad input")
		}
		vectors[i] = []float32{float32(len(text)), 1, 2}
	}
	return vectors, nil
}

func TestNormalizeForEmbedding(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "full-width ASCII folds to half-width",
			input: "ＡＢＣ１２３",
			want:  "ABC123",
		},
		{
			name:  "ideographic space becomes regular space",
			input: "数学　入門",
			want:  "数学 入門",
		},
		{
			name:  "whitespace collapses",
			input: "  a \t b\n\n c  ",
			want:  "a b c",
		},
		{
			name:  "kana and kanji pass through",
			input: "機械学習のアルゴリズム",
			want:  "機械学習のアルゴリズム",
		},
		{
			name:  "mixed full-width punctuation",
			input: "価格：１００円",
			want:  "価格:100円",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeForEmbedding(tt.input); got != tt.want {
				t.Errorf("NormalizeForEmbedding(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestEmbedPairsBatchSuccess(t *testing.T) {
	client := &fakeEmbeddingClient{}
	service := NewEmbeddingService(client)

	items := []GeneratedQA{
		{Question: "Q1", Answer: "A1"},
		{Question: "Q2", Answer: "A2"},
	}

	embedded, err := service.EmbedPairs(context.Background(), items)
	if err != nil {
		t.Fatalf("EmbedPairs returned error: %v", err)
	}

	if len(embedded) != 2 {
		t.Fatalf("expected 2 embedded items, got %d", len(embedded))
	}
	for i, item := range embedded {
		if item.Vector == nil {
			t.Errorf("item %d has nil vector in batch success case", i)
		}
	}
	if client.calls != 1 {
		t.Errorf("expected a single batch call, got %d", client.calls)
	}
}

func TestEmbedPairsDegradesSingleItemToNullVector(t *testing.T) {
	// Five items; the batch fails, then item 3 fails both its enhanced and
	// plain retries. The other four must keep their vectors.
	badEnhanced := NormalizeForEmbedding("Q3 A3")

	client := &fakeEmbeddingClient{
		failBatch: true,
		failTexts: map[string]bool{badEnhanced: true},
	}
	service := NewEmbeddingService(client)

	items := []GeneratedQA{
		{Question: "Q1", Answer: "A1"},
		{Question: "Q2", Answer: "A2"},
		{Question: "Q3", Answer: "A3"},
		{Question: "Q4", Answer: "A4"},
		{Question: "Q5", Answer: "A5"},
	}

	embedded, err := service.EmbedPairs(context.Background(), items)
	if err != nil {
		t.Fatalf("EmbedPairs returned error: %v", err)
	}

	if len(embedded) != 5 {
		t.Fatalf("expected 5 embedded items, got %d", len(embedded))
	}

	withVector := 0
	for i, item := range embedded {
		if item.Vector != nil {
			withVector++
		} else if i != 2 {
			t.Errorf("item %d unexpectedly degraded", i)
		}
	}
	if withVector != 4 {
		t.Errorf("expected 4 items with vectors, got %d", withVector)
	}
	if embedded[2].Vector != nil {
		t.Error("failing item should have a nil vector")
	}
}

func TestEnhanceTextAppendsKeyTerms(t *testing.T) {
	srcText := "この章では「機械学習」とアルゴリズムについて説明します。"
	enhanced, terms := enhanceText("base text", srcText)

	if len(terms) == 0 {
		t.Fatal("expected key terms from CJK context")
	}
	if !strings.Contains(enhanced, "機械学習") {
		t.Errorf("enhanced text %q should contain bracket term", enhanced)
	}
	if !strings.HasPrefix(enhanced, "base text") {
		t.Errorf("enhanced text should start with the original text, got %q", enhanced)
	}

	plain, none := enhanceText("base text", "")
	if plain != "base text" || none != nil {
		t.Errorf("empty context should leave text untouched, got %q / %v", plain, none)
	}
}

func TestEmbedPairsEmptyInput(t *testing.T) {
	service := NewEmbeddingService(&fakeEmbeddingClient{})

	embedded, err := service.EmbedPairs(context.Background(), nil)
	if err != nil {
		t.Fatalf("EmbedPairs(nil) returned error: %v", err)
	}
	if embedded != nil {
		t.Errorf("expected nil result for empty input, got %v", embedded)
	}
}
