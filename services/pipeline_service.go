package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/quizforge/api/model"
	"github.com/quizforge/api/utils/textanalysis"
)

// Pipeline stage names, recorded on failed sessions
const (
	StageDownload    = "download"
	StageExtraction  = "extraction"
	StageChunking    = "chunking"
	StageGeneration  = "qa_generation"
	StageEmbedding   = "embedding"
	StagePersistence = "persistence"
)

// Per-stage wall-clock budgets
const (
	extractionBudget = 5 * time.Minute
	chunkingBudget   = 3 * time.Minute
	embeddingBudget  = 5 * time.Minute
)

// Failure reasons recorded in the session's error detail
const (
	ReasonTimeout     = "timeout"
	ReasonQuotaOrAuth = "quota_or_auth"
	ReasonProcessing  = "processing_error"
)

// PipelineError carries the stage and classified reason of a failure so the
// queue supervisor can record a structured error on the session
type PipelineError struct {
	Stage  string
	Reason string
	Err    error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// ClassifyFailure maps an error to a failure reason.
// Quota and auth problems are kept distinct so operators can tell
// configuration failures from content failures.
func ClassifyFailure(err error) string {
	if err == nil {
		return ReasonProcessing
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}

	errStr := strings.ToLower(err.Error())

	if strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") {
		return ReasonTimeout
	}

	if strings.Contains(errStr, "status 401") ||
		strings.Contains(errStr, "status 403") ||
		strings.Contains(errStr, "status 429") ||
		strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "quota") ||
		strings.Contains(errStr, "unauthorized") ||
		strings.Contains(errStr, "api key") {
		return ReasonQuotaOrAuth
	}

	return ReasonProcessing
}

// CollectionPersister is the persistence seam for completed pipelines.
// *CollectionService satisfies it.
type CollectionPersister interface {
	PersistCollection(ctx context.Context, session *model.ProcessingSession, items []EmbeddedQA, reviewRequired bool) (uint, error)
}

// PipelineService runs the document-to-collection pipeline for one session
type PipelineService struct {
	sessions    *SessionService
	extraction  *ExtractionService
	generator   *QAGenerator
	embeddings  *EmbeddingService
	collections CollectionPersister
	cache       StatusCache
}

// NewPipelineService wires the pipeline stages together. statusCache may be nil.
func NewPipelineService(
	sessions *SessionService,
	extraction *ExtractionService,
	generator *QAGenerator,
	embeddings *EmbeddingService,
	collections CollectionPersister,
	statusCache StatusCache,
) *PipelineService {
	return &PipelineService{
		sessions:    sessions,
		extraction:  extraction,
		generator:   generator,
		embeddings:  embeddings,
		collections: collections,
		cache:       statusCache,
	}
}

// Process runs the full pipeline for a session. It drives the session
// through its progress bands and returns a *PipelineError on stage failure;
// recording the terminal failed state is the caller's (queue supervisor's)
// responsibility, so retries stay possible.
func (p *PipelineService) Process(ctx context.Context, sessionID string) error {
	started := time.Now()

	session, err := p.sessions.GetSession(sessionID)
	if err != nil {
		return &PipelineError{Stage: StageDownload, Reason: ReasonProcessing, Err: err}
	}

	if session.Status.IsTerminal() {
		log.Printf("[Pipeline] Session %s is already %s, skipping", sessionID, session.Status)
		return nil
	}

	opts, err := p.sessions.GetOptions(session)
	if err != nil {
		return &PipelineError{Stage: StageDownload, Reason: ReasonProcessing, Err: err}
	}

	p.updateProgress(ctx, sessionID, model.SessionStatusProcessing, 10, "starting")

	if p.checkCancelled(ctx, sessionID) {
		return nil
	}

	// Stage 1: download + extraction
	p.updateProgress(ctx, sessionID, "", 20, "extracting_content")

	extractCtx, cancelExtract := context.WithTimeout(ctx, extractionBudget)
	segments, extractInfo, err := p.extraction.Extract(extractCtx, session.StorageKey, session.MimeType)
	cancelExtract()
	if err != nil {
		return &PipelineError{Stage: StageExtraction, Reason: ClassifyFailure(err), Err: err}
	}

	if len(segments) == 0 {
		return &PipelineError{
			Stage:  StageExtraction,
			Reason: ReasonProcessing,
			Err:    fmt.Errorf("no usable segments extracted from %s", session.FileName),
		}
	}

	if p.checkCancelled(ctx, sessionID) {
		return nil
	}

	// Stage 2: chunking / segment refinement
	p.updateProgress(ctx, sessionID, "", 30, "segmenting")

	chunkCtx, cancelChunk := context.WithTimeout(ctx, chunkingBudget)
	segments = refineSegments(chunkCtx, segments, opts)
	chunkErr := chunkCtx.Err()
	cancelChunk()
	if chunkErr != nil {
		return &PipelineError{Stage: StageChunking, Reason: ReasonTimeout, Err: chunkErr}
	}

	if p.checkCancelled(ctx, sessionID) {
		return nil
	}

	// Stage 3: QA generation, progress band 50-80 linear in segments
	p.updateProgress(ctx, sessionID, "", 50, "generating_questions")

	report, err := p.generator.Generate(ctx, segments, opts, func(done, total int) {
		progress := 50 + (30*done)/total
		p.updateProgress(ctx, sessionID, "", progress, "generating_questions")
	})
	if err != nil {
		return &PipelineError{Stage: StageGeneration, Reason: ClassifyFailure(err), Err: err}
	}

	generated := report.Items()
	accepted := FilterByQuality(generated, opts.QualityThreshold)

	log.Printf("[Pipeline] Session %s: %d segments, %d generated, %d accepted, %d failed segments",
		sessionID, len(segments), len(generated), len(accepted), report.FailedSegments)

	if p.checkCancelled(ctx, sessionID) {
		return nil
	}

	// Stage 4: embeddings
	embedCtx, cancelEmbed := context.WithTimeout(ctx, embeddingBudget)
	embedded, err := p.embeddings.EmbedPairs(embedCtx, accepted)
	cancelEmbed()
	if err != nil {
		return &PipelineError{Stage: StageEmbedding, Reason: ClassifyFailure(err), Err: err}
	}

	if p.checkCancelled(ctx, sessionID) {
		return nil
	}

	// Stage 5: persistence
	p.updateProgress(ctx, sessionID, "", 80, "persisting")

	reviewRequired := opts.ReviewRequired == nil || *opts.ReviewRequired
	collectionID, err := p.collections.PersistCollection(ctx, session, embedded, reviewRequired)
	if err != nil {
		return &PipelineError{Stage: StagePersistence, Reason: ClassifyFailure(err), Err: err}
	}

	// Stage 6: stats and completion
	p.updateProgress(ctx, sessionID, "", 90, "finalizing")

	stats := &model.ProcessingStats{
		TotalSegments:      len(segments),
		GeneratedQuestions: len(generated),
		AcceptedQuestions:  len(accepted),
		FailedSegments:     report.FailedSegments,
		AverageQuality:     averageQuality(accepted),
		OCREscalated:       extractInfo.OCREscalated,
		ExtractionPasses:   extractInfo.Passes,
		DurationMs:         time.Since(started).Milliseconds(),
	}

	progress := 100
	err = p.sessions.UpdateStatus(ctx, sessionID, StatusUpdate{
		Status:       model.SessionStatusCompleted,
		Progress:     &progress,
		CurrentStep:  "completed",
		CollectionID: &collectionID,
		Stats:        stats,
	})
	if err != nil {
		return &PipelineError{Stage: StagePersistence, Reason: ReasonProcessing, Err: err}
	}

	p.countCompletion(ctx)

	log.Printf("[Pipeline] Session %s completed in %dms (collection=%d, items=%d)",
		sessionID, stats.DurationMs, collectionID, len(embedded))

	return nil
}

// checkCancelled handles cooperative cancellation between stages
func (p *PipelineService) checkCancelled(ctx context.Context, sessionID string) bool {
	if !p.sessions.IsCancelled(ctx, sessionID) {
		return false
	}

	log.Printf("[Pipeline] Session %s cancelled, stopping", sessionID)
	if err := p.sessions.UpdateStatus(ctx, sessionID, StatusUpdate{Status: model.SessionStatusCancelled}); err != nil {
		log.Printf("[Pipeline] Failed to record cancellation for %s: %v", sessionID, err)
	}
	return true
}

func (p *PipelineService) updateProgress(ctx context.Context, sessionID string, status model.SessionStatus, progress int, step string) {
	err := p.sessions.UpdateStatus(ctx, sessionID, StatusUpdate{
		Status:      status,
		Progress:    &progress,
		CurrentStep: step,
	})
	if err != nil {
		log.Printf("[Pipeline] Progress update failed for %s: %v", sessionID, err)
	}
}

func (p *PipelineService) countCompletion(ctx context.Context) {
	if p.cache == nil {
		return
	}

	key := fmt.Sprintf("stats:sessions:completed:%s", time.Now().Format("2006-01-02"))
	if _, err := p.cache.Increment(ctx, key); err != nil {
		log.Printf("[Pipeline] Failed to increment completion counter: %v", err)
	}
}

// Segment refinement limits for size-based chunking
const (
	maxChunkChars = 800
	minChunkChars = 100
)

// refineSegments applies the segmentation strategy to the raw LLM segments.
// Oversized segments are re-chunked sentence-wise and undersized adjacent
// same-role chunks are merged.
func refineSegments(ctx context.Context, segments []DocumentSegment, opts model.ProcessingOptions) []DocumentSegment {
	if opts.SegmentationStrategy == model.SegmentationStructural {
		// Structural strategy trusts the layout-role segmentation as-is
		return segments
	}

	var refined []DocumentSegment
	for _, seg := range segments {
		if ctx.Err() != nil {
			return refined
		}

		chunks := textanalysis.ChunkText(seg.Text, maxChunkChars, seg.Role)
		chunks = textanalysis.MergeShortChunks(chunks, minChunkChars)

		for _, chunk := range chunks {
			refined = append(refined, DocumentSegment{
				Text:       chunk.Text,
				Page:       seg.Page,
				Role:       chunk.Role,
				Confidence: seg.Confidence,
			})
		}
	}

	return refined
}

func averageQuality(items []GeneratedQA) float64 {
	if len(items) == 0 {
		return 0
	}

	var sum float64
	for _, item := range items {
		sum += item.QualityScore
	}
	return sum / float64(len(items))
}
