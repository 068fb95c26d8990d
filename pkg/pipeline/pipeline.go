package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"docbrain/internal/util"
	"docbrain/pkg/ai"
	"docbrain/pkg/domain"
	"docbrain/pkg/storage"
	"docbrain/pkg/store"
)

const (
	defaultChunkSize    = 1000
	defaultChunkOverlap = 200
	defaultEmbedWorkers = 4
	embedBatchSize      = 16
)

// Config tunes a pipeline runner.
type Config struct {
	ChunkSize    int
	ChunkOverlap int
	EmbedWorkers int
	SummaryModel string
}

// Runner executes the processing stages for one document at a time. Stages
// run strictly in order; a stage never starts before the prior stage's
// writes have committed.
type Runner struct {
	store        store.Store
	objects      storage.ObjectStore
	embedder     ai.Embedder
	summarizer   ai.Summarizer
	tagger       ai.TagExtractor
	chunkSize    int
	chunkOverlap int
	embedWorkers int
	summaryModel string
}

// NewRunner wires a runner from its collaborators.
func NewRunner(st store.Store, objects storage.ObjectStore, embedder ai.Embedder, summarizer ai.Summarizer, tagger ai.TagExtractor, cfg Config) *Runner {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if cfg.ChunkOverlap < 0 || cfg.ChunkOverlap >= cfg.ChunkSize {
		cfg.ChunkOverlap = defaultChunkOverlap
	}
	if cfg.EmbedWorkers <= 0 {
		cfg.EmbedWorkers = defaultEmbedWorkers
	}
	return &Runner{
		store:        st,
		objects:      objects,
		embedder:     embedder,
		summarizer:   summarizer,
		tagger:       tagger,
		chunkSize:    cfg.ChunkSize,
		chunkOverlap: cfg.ChunkOverlap,
		embedWorkers: cfg.EmbedWorkers,
		summaryModel: cfg.SummaryModel,
	}
}

type runState struct {
	doc     domain.Document
	chunks  []domain.Chunk
	summary string
}

// Run processes one document end to end. A document in uploading enters
// processing; a failed document re-enters processing on an explicit retry; a
// document already in processing is resumed in place, since the job ledger's
// duplicate rejection guarantees this worker is the only holder of the job
// ID. Durable outputs of earlier stages survive a later stage's failure, so
// a resumed run skips what is already done.
//
// lastAttempt tells the runner whether the queue has any automatic retry
// left. Transient errors before that point leave the document in processing;
// on the last attempt they mark it failed like a content error would.
func (r *Runner) Run(ctx context.Context, jobID, documentID string, lastAttempt bool) error {
	doc, ok, err := r.store.GetDocument(documentID)
	if err != nil {
		lerr := transientf(StageExtractText, "load document: %v", err)
		if !lastAttempt {
			return lerr
		}
		return r.failProgressOnly(jobID, lerr)
	}
	if !ok {
		return r.failProgressOnly(jobID, integrityf(StageExtractText, "document %s not found", documentID))
	}

	switch doc.Status {
	case domain.StatusUploading, domain.StatusFailed:
		cleared := ""
		if err := r.store.TransitionDocument(doc.ID, doc.Status, domain.StatusProcessing, store.DocumentUpdate{ErrorMessage: &cleared}); err != nil {
			return r.failProgressOnly(jobID, integrityf(StageExtractText, "begin processing from %s: %v", doc.Status, err))
		}
		doc.Status = domain.StatusProcessing
		doc.ErrorMessage = ""
		now := time.Now().UTC()
		if err := r.store.UpsertProgress(domain.JobProgress{
			JobID:      jobID,
			DocumentID: doc.ID,
			UserID:     doc.OwnerID,
			Stage:      string(StageExtractText),
			Progress:   0,
			Message:    "processing started",
			StartedAt:  now,
			LastUpdate: now,
		}); err != nil {
			return r.stageFailed(jobID, doc.ID, lastAttempt, transientf(StageExtractText, "create progress record: %v", err))
		}
	case domain.StatusProcessing:
		// Redelivery of the in-flight job, e.g. after a worker crash or a
		// queue-internal retry.
		if err := r.ensureProgress(jobID, doc); err != nil {
			return r.stageFailed(jobID, doc.ID, lastAttempt, transientf(StageExtractText, "resume progress record: %v", err))
		}
		r.progress(jobID, StageExtractText, 0, "processing resumed")
	default:
		return r.failProgressOnly(jobID, integrityf(StageExtractText, "document %s is %s, not processable", documentID, doc.Status))
	}

	state := &runState{doc: doc}
	total := float64(len(Stages))
	for i, stage := range Stages {
		r.progress(jobID, stage, float64(i)/total, fmt.Sprintf("running %s", stage))
		if err := r.runStage(ctx, jobID, state, i, stage); err != nil {
			return r.stageFailed(jobID, doc.ID, lastAttempt, err)
		}
		r.progress(jobID, stage, float64(i+1)/total, fmt.Sprintf("%s finished", stage))
	}

	processedAt := time.Now().UTC()
	if err := r.store.TransitionDocument(doc.ID, domain.StatusProcessing, domain.StatusCompleted, store.DocumentUpdate{ProcessedAt: &processedAt}); err != nil {
		return r.fail(jobID, doc.ID, integrityf(StageGenerateTags, "finish processing: %v", err))
	}
	if err := r.store.CompleteProgress(jobID, domain.StageCompleted, ""); err != nil {
		slog.Warn("complete progress", "jobId", jobID, "error", err)
	}
	slog.Info("document processed", "documentId", doc.ID, "jobId", jobID, "chunks", len(state.chunks))
	return nil
}

func (r *Runner) runStage(ctx context.Context, jobID string, state *runState, index int, stage Stage) error {
	switch stage {
	case StageExtractText:
		return r.extractStage(ctx, state)
	case StageChunkText:
		return r.chunkStage(state)
	case StageGenerateEmbeddings:
		return r.embedStage(ctx, jobID, state, index)
	case StageGenerateSummary:
		return r.summaryStage(ctx, state)
	case StageGenerateTags:
		return r.tagStage(ctx, state)
	}
	return integrityf(stage, "unknown pipeline stage")
}

// extractStage pulls the source bytes from object storage and extracts plain
// text. A document that already has extracted text keeps it; this is what
// lets a retry of a later stage skip re-parsing.
func (r *Runner) extractStage(ctx context.Context, state *runState) error {
	if state.doc.ExtractedText != "" {
		return nil
	}
	rc, err := r.objects.Get(ctx, state.doc.StorageKey)
	if err != nil {
		return transientf(StageExtractText, "fetch %s: %v", state.doc.StorageKey, err)
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return transientf(StageExtractText, "read %s: %v", state.doc.StorageKey, err)
	}
	res, err := extractContent(state.doc.Filename, data)
	if err != nil {
		return contentf(StageExtractText, "%v", err)
	}
	if res.Text == "" {
		return contentf(StageExtractText, "document contains no extractable text")
	}
	words := wordCount(res.Text)
	if err := r.store.SetDocumentText(state.doc.ID, res.Text, res.PageCount, words); err != nil {
		return transientf(StageExtractText, "persist extracted text: %v", err)
	}
	state.doc.ExtractedText = res.Text
	state.doc.PageCount = res.PageCount
	state.doc.WordCount = words
	return nil
}

// chunkStage replaces the document's chunk set. Keyed by chunk index, so a
// re-run replaces rather than duplicates.
func (r *Runner) chunkStage(state *runState) error {
	parts := chunkText(state.doc.ExtractedText, r.chunkSize, r.chunkOverlap)
	if len(parts) == 0 {
		return contentf(StageChunkText, "no chunks produced from extracted text")
	}
	chunks := make([]domain.Chunk, 0, len(parts))
	for idx, part := range parts {
		chunks = append(chunks, domain.Chunk{
			ID:         util.NewID(),
			DocumentID: state.doc.ID,
			ChunkIndex: idx,
			Content:    part,
		})
	}
	if err := r.store.ReplaceChunks(state.doc.ID, chunks); err != nil {
		return transientf(StageChunkText, "replace chunks: %v", err)
	}
	state.chunks = chunks
	return nil
}

// embedStage fills in missing chunk embeddings. Chunks that already carry an
// embedding are left alone, and writes go through SetChunkEmbedding so
// completion order does not matter; chunk index stays authoritative.
func (r *Runner) embedStage(ctx context.Context, jobID string, state *runState, stageIndex int) error {
	chunks, err := r.store.ListChunks(state.doc.ID)
	if err != nil {
		return transientf(StageGenerateEmbeddings, "list chunks: %v", err)
	}
	pending := make([]domain.Chunk, 0, len(chunks))
	for _, ch := range chunks {
		if len(ch.Embedding) == 0 {
			pending = append(pending, ch)
		}
	}
	state.chunks = chunks
	if len(pending) == 0 {
		return nil
	}

	var done atomic.Int64
	total := len(pending)
	report := func() {
		partial := float64(done.Add(1)) / float64(total)
		fraction := (float64(stageIndex) + partial) / float64(len(Stages))
		r.progress(jobID, StageGenerateEmbeddings, fraction, fmt.Sprintf("embedded %d/%d chunks", done.Load(), total))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.embedWorkers)
	if batcher, ok := r.embedder.(ai.BatchEmbedder); ok {
		for start := 0; start < len(pending); start += embedBatchSize {
			batch := pending[start:min(start+embedBatchSize, len(pending))]
			g.Go(func() error {
				texts := make([]string, len(batch))
				for i, ch := range batch {
					texts[i] = ch.Content
				}
				vectors, err := batcher.EmbedTexts(gctx, texts)
				if err != nil {
					return transientf(StageGenerateEmbeddings, "embed batch: %v", err)
				}
				if len(vectors) != len(batch) {
					return transientf(StageGenerateEmbeddings, "embedder returned %d vectors for %d chunks", len(vectors), len(batch))
				}
				for i, ch := range batch {
					if err := r.store.SetChunkEmbedding(ch.ID, vectors[i]); err != nil {
						return transientf(StageGenerateEmbeddings, "store embedding for chunk %d: %v", ch.ChunkIndex, err)
					}
					report()
				}
				return nil
			})
		}
	} else {
		for _, ch := range pending {
			ch := ch
			g.Go(func() error {
				vector, err := r.embedder.EmbedText(gctx, ch.Content)
				if err != nil {
					return transientf(StageGenerateEmbeddings, "embed chunk %d: %v", ch.ChunkIndex, err)
				}
				if err := r.store.SetChunkEmbedding(ch.ID, vector); err != nil {
					return transientf(StageGenerateEmbeddings, "store embedding for chunk %d: %v", ch.ChunkIndex, err)
				}
				report()
				return nil
			})
		}
	}
	return g.Wait()
}

// summaryStage appends a new summary row. Summaries are history, not a
// single mutable field, so reprocessing never overwrites an earlier one.
func (r *Runner) summaryStage(ctx context.Context, state *runState) error {
	summary, err := r.summarizer.Summarize(ctx, state.doc.ExtractedText)
	if err != nil {
		return transientf(StageGenerateSummary, "summarize: %v", err)
	}
	if err := r.store.AddSummary(domain.Summary{
		ID:         util.NewID(),
		DocumentID: state.doc.ID,
		UserID:     state.doc.OwnerID,
		Content:    summary,
		Model:      r.summaryModel,
	}); err != nil {
		return transientf(StageGenerateSummary, "save summary: %v", err)
	}
	state.summary = summary
	return nil
}

// tagStage normalizes candidate tags from the extractor, creates missing Tag
// rows, and attaches them. Attachment is idempotent; a duplicate is a no-op.
func (r *Runner) tagStage(ctx context.Context, state *runState) error {
	candidates, err := r.tagger.ExtractTags(ctx, state.doc.ExtractedText, state.summary)
	if err != nil {
		return transientf(StageGenerateTags, "extract tags: %v", err)
	}
	for _, name := range domain.NormalizeTags(candidates) {
		tag, ok, err := r.store.GetTagByName(name)
		if err != nil {
			return transientf(StageGenerateTags, "look up tag %q: %v", name, err)
		}
		if !ok {
			tag = domain.Tag{ID: util.NewID(), Name: name, Slug: name}
			if err := r.store.CreateTag(tag); err != nil {
				// Another worker may have created it between lookup and insert.
				existing, found, gerr := r.store.GetTagByName(name)
				if gerr != nil || !found {
					return transientf(StageGenerateTags, "create tag %q: %v", name, err)
				}
				tag = existing
			}
		}
		if err := r.store.AttachDocumentTag(state.doc.ID, tag.ID); err != nil {
			return transientf(StageGenerateTags, "attach tag %q: %v", name, err)
		}
	}
	return nil
}

// ensureProgress creates the progress row for a resumed job if the previous
// holder died before writing it.
func (r *Runner) ensureProgress(jobID string, doc domain.Document) error {
	_, ok, err := r.store.GetProgress(jobID)
	if err != nil || ok {
		return err
	}
	now := time.Now().UTC()
	return r.store.UpsertProgress(domain.JobProgress{
		JobID:      jobID,
		DocumentID: doc.ID,
		UserID:     doc.OwnerID,
		Stage:      string(StageExtractText),
		Progress:   0,
		Message:    "processing resumed",
		StartedAt:  now,
		LastUpdate: now,
	})
}

// stageFailed routes a stage error. Content and integrity errors are
// terminal. A transient error with retries left keeps the document in
// processing so the next attempt resumes it; the last attempt fails it.
func (r *Runner) stageFailed(jobID, documentID string, lastAttempt bool, err error) error {
	var transient *TransientError
	if errors.As(err, &transient) && !lastAttempt {
		r.progress(jobID, transient.Stage, 0, fmt.Sprintf("attempt failed, will retry: %v", err))
		slog.Warn("stage failed, awaiting retry", "documentId", documentID, "jobId", jobID, "error", err)
		return err
	}
	return r.fail(jobID, documentID, err)
}

// fail records the error on both the document and its progress row, then
// hands the typed error back to the queue layer for its own bookkeeping.
func (r *Runner) fail(jobID, documentID string, err error) error {
	msg := err.Error()
	if terr := r.store.TransitionDocument(documentID, domain.StatusProcessing, domain.StatusFailed, store.DocumentUpdate{ErrorMessage: &msg}); terr != nil {
		slog.Error("mark document failed", "documentId", documentID, "error", terr)
	}
	if perr := r.store.CompleteProgress(jobID, domain.StageFailed, msg); perr != nil {
		slog.Error("mark progress failed", "jobId", jobID, "error", perr)
	}
	slog.Warn("document processing failed", "documentId", documentID, "jobId", jobID, "error", err)
	return err
}

// failProgressOnly is for errors raised before the document row could be
// claimed; there is no document state to update.
func (r *Runner) failProgressOnly(jobID string, err error) error {
	if perr := r.store.CompleteProgress(jobID, domain.StageFailed, err.Error()); perr != nil {
		slog.Debug("mark progress failed", "jobId", jobID, "error", perr)
	}
	return err
}

func (r *Runner) progress(jobID string, stage Stage, fraction float64, message string) {
	if err := r.store.UpdateProgress(jobID, string(stage), fraction, message, nil); err != nil {
		slog.Warn("update progress", "jobId", jobID, "stage", stage, "error", err)
	}
}
