package services

import (
	"context"
	"fmt"
	"log"
	"strings"
	"unicode/utf8"

	"github.com/quizforge/api/services/digitalocean"
	"github.com/quizforge/api/utils/jsonrepair"
	"github.com/quizforge/api/utils/pdfvalidation"
	"github.com/quizforge/api/utils/textanalysis"
)

// MinSegmentRunes is the minimum length for an extracted segment to survive
const MinSegmentRunes = 50

// ChatClient is the LLM seam used by extraction and QA generation
type ChatClient interface {
	SimpleCompletion(ctx context.Context, systemPrompt, userPrompt string, options ...digitalocean.InferenceOption) (string, error)
	VisionCompletion(ctx context.Context, systemPrompt, userPrompt string, imageData []byte, mimeType string, options ...digitalocean.InferenceOption) (string, error)
}

// ObjectDownloader is the object storage seam
type ObjectDownloader interface {
	DownloadFile(ctx context.Context, key string) ([]byte, error)
}

// DocumentSegment is one structurally coherent unit of extracted content
type DocumentSegment struct {
	Text       string  `json:"text"`
	Page       int     `json:"page"`
	Role       string  `json:"role"` // heading, paragraph, list, table, caption
	Confidence float64 `json:"confidence"`
}

// ExtractionInfo records how the extraction ran, for session stats
type ExtractionInfo struct {
	Passes         int
	OCREscalated   bool
	HasRasterPages bool
}

// ExtractionService turns a stored document into ordered segments
type ExtractionService struct {
	llm     ChatClient
	storage ObjectDownloader
	limiter *digitalocean.RateLimiter
}

// NewExtractionService creates an extraction service. limiter may be nil.
func NewExtractionService(llm ChatClient, storage ObjectDownloader, limiter *digitalocean.RateLimiter) *ExtractionService {
	return &ExtractionService{
		llm:     llm,
		storage: storage,
		limiter: limiter,
	}
}

const extractionSystemPrompt = `You are a document structure analyzer. Given document content, split it into logically coherent segments preserving the original reading order. Assign each segment a layout role: heading, paragraph, list, table, or caption.

Respond with JSON only, in this shape:
{"segments":[{"text":"...","page":1,"role":"paragraph","confidence":0.95}]}`

const ocrSystemPrompt = `You are an OCR-specialized document analyzer. The document may be scanned, contain vertical (tategaki) Japanese text, mixed writing directions, ruby annotations, or complex table layouts. Read every region carefully, reconstruct the natural reading order, and transcribe the text faithfully before segmenting it.

Respond with JSON only, in this shape:
{"segments":[{"text":"...","page":1,"role":"paragraph","confidence":0.95}]}`

type extractionResponse struct {
	ParseFailed bool              `json:"parse_failed,omitempty"`
	Segments    []DocumentSegment `json:"segments"`
}

// Extract downloads the document and produces its segments.
//
// PDFs get a text-based first pass over the embedded text layer. If the
// document has raster pages and the first pass produces too little or
// non-Japanese text, a second OCR-specialized pass over the raw bytes
// replaces it. Image files skip straight to a single vision pass.
func (s *ExtractionService) Extract(ctx context.Context, storageKey, mimeType string) ([]DocumentSegment, *ExtractionInfo, error) {
	content, err := s.storage.DownloadFile(ctx, storageKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to download document %s: %w", storageKey, err)
	}

	info := &ExtractionInfo{}

	if strings.HasPrefix(mimeType, "image/") {
		segments, err := s.visionPass(ctx, extractionSystemPrompt, content, mimeType)
		if err != nil {
			return nil, nil, err
		}
		info.Passes = 1
		return filterSegments(segments), info, nil
	}

	var embeddedText string
	if mimeType == "application/pdf" {
		probe, err := pdfvalidation.Probe(content)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read PDF %s: %w", storageKey, err)
		}
		info.HasRasterPages = probe.HasRasterPages()

		embeddedText, err = ExtractTextFromPDFBytes(content)
		if err != nil {
			log.Printf("[Extraction] Embedded text extraction failed for %s: %v", storageKey, err)
			embeddedText = ""
		}
	} else {
		embeddedText = string(content)
	}

	segments, err := s.textPass(ctx, embeddedText)
	if err != nil {
		// A first pass that fails to produce anything decodable is itself
		// grounds for escalation when raster pages exist
		if !info.HasRasterPages {
			return nil, nil, err
		}
		log.Printf("[Extraction] First pass failed for %s, escalating to OCR: %v", storageKey, err)
		segments = nil
	}
	info.Passes = 1

	combined := combineSegmentText(segments)
	if len(segments) == 0 && !info.HasRasterPages && combined == "" {
		return nil, nil, fmt.Errorf("extraction produced no segments for %s", storageKey)
	}

	if shouldEscalate(segments, combined, info.HasRasterPages) {
		if info.HasRasterPages {
			log.Printf("[Extraction] OCR escalation triggered for %s (segments=%d, chars=%d)",
				storageKey, len(segments), utf8.RuneCountInString(combined))

			ocrSegments, err := s.visionPass(ctx, ocrSystemPrompt, content, mimeType)
			if err != nil {
				return nil, nil, fmt.Errorf("OCR escalation pass failed for %s: %w", storageKey, err)
			}
			segments = ocrSegments
			info.Passes = 2
			info.OCREscalated = true
		}
	}

	return filterSegments(segments), info, nil
}

func (s *ExtractionService) textPass(ctx context.Context, documentText string) ([]DocumentSegment, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	userPrompt := fmt.Sprintf("Segment the following document content:\n\n%s", documentText)

	raw, err := s.llm.SimpleCompletion(ctx, extractionSystemPrompt, userPrompt,
		digitalocean.WithInferenceMaxTokens(8192),
		digitalocean.WithResponseFormatJSON())
	if err != nil {
		slowDownOnRateLimit(s.limiter, err)
		return nil, fmt.Errorf("extraction request failed: %w", err)
	}

	return decodeSegments(raw)
}

func (s *ExtractionService) visionPass(ctx context.Context, systemPrompt string, content []byte, mimeType string) ([]DocumentSegment, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	raw, err := s.llm.VisionCompletion(ctx, systemPrompt,
		"Segment this document, preserving reading order.", content, mimeType,
		digitalocean.WithInferenceMaxTokens(8192),
		digitalocean.WithResponseFormatJSON())
	if err != nil {
		slowDownOnRateLimit(s.limiter, err)
		return nil, fmt.Errorf("vision extraction request failed: %w", err)
	}

	return decodeSegments(raw)
}

func decodeSegments(raw string) ([]DocumentSegment, error) {
	var resp extractionResponse
	level, err := jsonrepair.Decode(raw, &resp)
	if err != nil {
		return nil, fmt.Errorf("failed to decode extraction response: %w", err)
	}
	if level > jsonrepair.LevelDirect {
		log.Printf("[Extraction] Response decoded at repair level %s", level)
	}
	if resp.ParseFailed {
		return nil, nil
	}
	return resp.Segments, nil
}

// isRateLimitError matches the inference API's throttling responses
func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "status 429") || strings.Contains(errStr, "rate limit")
}

// slowDownOnRateLimit halves the request rate after a throttling response
// so the next request does not trip the same limit
func slowDownOnRateLimit(limiter *digitalocean.RateLimiter, err error) {
	if limiter == nil || !isRateLimitError(err) {
		return
	}
	limiter.SetBackoffMultiplier(2)
}

// shouldEscalate decides whether the first extraction pass needs an
// OCR-specialized retry: either it yielded nothing, or the combined text
// trips the OCR decision boundary against the raster-page flag
func shouldEscalate(segments []DocumentSegment, combined string, hasRasterPages bool) bool {
	return len(segments) == 0 || textanalysis.NeedsOCR(combined, hasRasterPages)
}

func combineSegmentText(segments []DocumentSegment) string {
	parts := make([]string, 0, len(segments))
	for _, seg := range segments {
		parts = append(parts, seg.Text)
	}
	return strings.Join(parts, "\n")
}

func filterSegments(segments []DocumentSegment) []DocumentSegment {
	kept := make([]DocumentSegment, 0, len(segments))
	for _, seg := range segments {
		if utf8.RuneCountInString(strings.TrimSpace(seg.Text)) < MinSegmentRunes {
			continue
		}
		kept = append(kept, seg)
	}
	return kept
}
