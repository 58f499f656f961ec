package services

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/quizforge/api/model"
	"github.com/quizforge/api/services/digitalocean"
	"github.com/quizforge/api/utils/jsonrepair"
)

// GeneratedQA is one question/answer pair produced from a segment
type GeneratedQA struct {
	Question      string  `json:"question"`
	Answer        string  `json:"answer"`
	QuestionType  string  `json:"question_type"`
	QualityScore  float64 `json:"quality_score"`
	Confidence    float64 `json:"confidence"`
	SourceExcerpt string  `json:"source_excerpt,omitempty"`
}

// SegmentResult records the outcome of one segment, so partial failures
// are explicit rather than silently logged away
type SegmentResult struct {
	SegmentIndex int
	Items        []GeneratedQA
	Err          error
}

// GenerationReport is the accumulated result of a generation run
type GenerationReport struct {
	Results        []SegmentResult
	TotalGenerated int
	FailedSegments int
}

// Items flattens all successful segment results
func (r *GenerationReport) Items() []GeneratedQA {
	var items []GeneratedQA
	for _, res := range r.Results {
		items = append(items, res.Items...)
	}
	return items
}

// QAGenerator produces question/answer pairs from document segments
type QAGenerator struct {
	llm     ChatClient
	limiter *digitalocean.RateLimiter
}

// NewQAGenerator creates a QA generator. limiter may be nil.
func NewQAGenerator(llm ChatClient, limiter *digitalocean.RateLimiter) *QAGenerator {
	return &QAGenerator{llm: llm, limiter: limiter}
}

const qaSystemPrompt = `You are a study-question author. Given a passage, write question/answer pairs that test understanding of its content. Each pair gets a question type, a quality score (0-1, how well the question tests real understanding), and a confidence score (0-1, how certain the answer is supported by the passage).

Respond with JSON only, in this shape:
{"qa_pairs":[{"question":"...","answer":"...","question_type":"factual","quality_score":0.85,"confidence":0.9}]}`

type qaResponse struct {
	ParseFailed bool          `json:"parse_failed,omitempty"`
	QAPairs     []GeneratedQA `json:"qa_pairs"`
}

// Generate produces QA pairs for each segment. Segments are processed
// sequentially; one segment's failure yields zero items for that segment
// and the batch continues. onProgress, if non-nil, is called after each
// segment with the number of segments processed so far.
func (g *QAGenerator) Generate(ctx context.Context, segments []DocumentSegment, opts model.ProcessingOptions, onProgress func(done, total int)) (*GenerationReport, error) {
	report := &GenerationReport{}

	for i, segment := range segments {
		items, err := g.generateForSegment(ctx, segment, opts)
		result := SegmentResult{SegmentIndex: i, Items: items, Err: err}

		if err != nil {
			// Context-level failures abort the run; everything else is
			// isolated to this segment
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			log.Printf("[QA Generator] Segment %d failed, continuing: %v", i, err)
			report.FailedSegments++
		} else {
			report.TotalGenerated += len(items)
		}

		report.Results = append(report.Results, result)

		if onProgress != nil {
			onProgress(i+1, len(segments))
		}
	}

	return report, nil
}

func (g *QAGenerator) generateForSegment(ctx context.Context, segment DocumentSegment, opts model.ProcessingOptions) ([]GeneratedQA, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	userPrompt := fmt.Sprintf(
		"Write up to %d question/answer pairs in %s.\nAllowed question types: %s.\n\nPassage:\n%s",
		opts.MaxQuestionsPerSegment,
		opts.Language,
		strings.Join(opts.QuestionTypes, ", "),
		segment.Text,
	)

	raw, err := g.llm.SimpleCompletion(ctx, qaSystemPrompt, userPrompt,
		digitalocean.WithInferenceTemperature(0.5),
		digitalocean.WithResponseFormatJSON())
	if err != nil {
		slowDownOnRateLimit(g.limiter, err)
		return nil, fmt.Errorf("QA request failed: %w", err)
	}

	var resp qaResponse
	level := jsonrepair.DecodeWithFallback(raw, &resp, `{"parse_failed":true,"qa_pairs":[]}`)
	if level > jsonrepair.LevelDirect {
		log.Printf("[QA Generator] Response decoded at repair level %s", level)
	}
	if resp.ParseFailed {
		// Reconstruction placeholders carry no real pairs
		return nil, nil
	}

	items := resp.QAPairs
	for i := range items {
		if items[i].SourceExcerpt == "" {
			items[i].SourceExcerpt = excerpt(segment.Text, 200)
		}
		if items[i].QuestionType == "" {
			items[i].QuestionType = model.QuestionTypeFactual
		}
	}

	return items, nil
}

// FilterByQuality drops every item scoring below the threshold
func FilterByQuality(items []GeneratedQA, threshold float64) []GeneratedQA {
	kept := make([]GeneratedQA, 0, len(items))
	for _, item := range items {
		if item.QualityScore >= threshold {
			kept = append(kept, item)
		}
	}
	return kept
}

func excerpt(text string, maxRunes int) string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) <= maxRunes {
		return string(runes)
	}
	return string(runes[:maxRunes])
}
