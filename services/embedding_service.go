package services

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/quizforge/api/utils/textanalysis"
)

// EmbeddingClient is the embedding API seam
type EmbeddingClient interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// EmbeddedQA is a generated pair with its embedding vector. Vector is nil
// when embedding degraded for this item.
type EmbeddedQA struct {
	GeneratedQA
	Vector       []float32
	KeyTerms     []string
	EnhancedText string
}

// EmbeddingService embeds QA pairs for similarity search
type EmbeddingService struct {
	client EmbeddingClient
}

// NewEmbeddingService creates an embedding service
func NewEmbeddingService(client EmbeddingClient) *EmbeddingService {
	return &EmbeddingService{client: client}
}

// NormalizeForEmbedding folds full-width ASCII to half-width and collapses
// whitespace, so visually identical Japanese text embeds identically
func NormalizeForEmbedding(text string) string {
	var b strings.Builder
	b.Grow(len(text))

	for _, r := range text {
		switch {
		case r >= 0xFF01 && r <= 0xFF5E:
			// Full-width ASCII block maps directly onto half-width
			b.WriteRune(r - 0xFEE0)
		case r == 0x3000:
			b.WriteRune(' ')
		default:
			b.WriteRune(r)
		}
	}

	return strings.Join(strings.Fields(b.String()), " ")
}

// enhanceText appends key terms from the surrounding context, improving
// retrieval recall for short questions
func enhanceText(text, context string) (string, []string) {
	if context == "" {
		return text, nil
	}

	terms := textanalysis.ExtractKeyTerms(context)
	if len(terms) == 0 {
		return text, nil
	}

	return text + " " + strings.Join(terms, " "), terms
}

// EmbedPairs embeds each pair's question+answer text. The whole batch is
// embedded in one call when possible; on batch failure each item is retried
// individually, first enhanced then plain, and an item whose retries all
// fail proceeds with a nil vector instead of aborting the batch.
func (s *EmbeddingService) EmbedPairs(ctx context.Context, items []GeneratedQA) ([]EmbeddedQA, error) {
	if len(items) == 0 {
		return nil, nil
	}

	embedded := make([]EmbeddedQA, len(items))
	texts := make([]string, len(items))

	for i, item := range items {
		base := NormalizeForEmbedding(item.Question + " " + item.Answer)
		enhanced, terms := enhanceText(base, item.SourceExcerpt)

		embedded[i] = EmbeddedQA{
			GeneratedQA:  item,
			KeyTerms:     terms,
			EnhancedText: enhanced,
		}
		texts[i] = enhanced
	}

	vectors, err := s.client.EmbedTexts(ctx, texts)
	if err == nil && len(vectors) == len(items) {
		for i := range embedded {
			embedded[i].Vector = vectors[i]
		}
		return embedded, nil
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	log.Printf("[Embedding] Batch embedding failed, retrying per item: %v", err)

	for i := range embedded {
		vector, itemErr := s.embedSingle(ctx, embedded[i].EnhancedText)
		if itemErr != nil {
			// Retry once with the unenhanced text before degrading
			plain := NormalizeForEmbedding(embedded[i].Question + " " + embedded[i].Answer)
			vector, itemErr = s.embedSingle(ctx, plain)
		}
		if itemErr != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Printf("[Embedding] Item %d degraded to null vector: %v", i, itemErr)
			embedded[i].Vector = nil
			continue
		}
		embedded[i].Vector = vector
	}

	return embedded, nil
}

func (s *EmbeddingService) embedSingle(ctx context.Context, text string) ([]float32, error) {
	vectors, err := s.client.EmbedTexts(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embedding service returned %d vectors for 1 input", len(vectors))
	}
	return vectors[0], nil
}
