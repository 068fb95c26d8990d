package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"

	"docbrain/pkg/domain"
	"docbrain/pkg/storage"
	"docbrain/pkg/store"
)

type fakeEmbedder struct{ calls int }

func (f *fakeEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	return []float32{float32(len(text)), 1, 0}, nil
}

type failEmbedder struct{}

func (failEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	return nil, errors.New("connection refused")
}

type fakeSummarizer struct{}

func (fakeSummarizer) Summarize(ctx context.Context, text string) (string, error) {
	return "a short summary", nil
}

type fakeTagger struct {
	tags     []string
	failures int
	calls    int
}

func (f *fakeTagger) ExtractTags(ctx context.Context, text, summary string) ([]string, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("provider timeout")
	}
	return f.tags, nil
}

func seedDocument(t *testing.T, st store.Store, objects *storage.MemoryStore, content string) domain.Document {
	t.Helper()
	doc := domain.Document{
		ID:         "doc-1",
		OwnerID:    "user-1",
		Filename:   "notes.txt",
		StorageKey: "user-1/doc-1/notes.txt",
		SizeBytes:  int64(len(content)),
		Status:     domain.StatusPending,
	}
	if err := st.SaveUser(domain.User{ID: "user-1", Email: "u@example.com"}); err != nil {
		t.Fatalf("save user: %v", err)
	}
	if err := st.CreateDocument(doc); err != nil {
		t.Fatalf("create document: %v", err)
	}
	if err := st.TransitionDocument(doc.ID, domain.StatusPending, domain.StatusUploading, store.DocumentUpdate{}); err != nil {
		t.Fatalf("begin upload: %v", err)
	}
	doc.Status = domain.StatusUploading
	if err := objects.Put(context.Background(), doc.StorageKey, strings.NewReader(content), int64(len(content)), "text/plain"); err != nil {
		t.Fatalf("put object: %v", err)
	}
	return doc
}

func TestRunProcessesDocumentEndToEnd(t *testing.T) {
	st := store.NewMemoryStore()
	objects := storage.NewMemoryStore()
	tagger := &fakeTagger{tags: []string{"Machine Learning!!", "Go", "databases"}}
	runner := NewRunner(st, objects, &fakeEmbedder{}, fakeSummarizer{}, tagger, Config{
		ChunkSize:    40,
		ChunkOverlap: 10,
	})

	content := strings.Repeat("the quick brown fox jumps over the lazy dog ", 10)
	doc := seedDocument(t, st, objects, content)

	if err := runner.Run(context.Background(), "doc:doc-1", doc.ID, false); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, ok, err := st.GetDocument(doc.ID)
	if err != nil || !ok {
		t.Fatalf("get document: ok=%v err=%v", ok, err)
	}
	if got.Status != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", got.Status, got.ErrorMessage)
	}
	if got.ProcessedAt == nil {
		t.Fatal("processed_at not set")
	}
	if got.ErrorMessage != "" {
		t.Fatalf("error_message should be empty, got %q", got.ErrorMessage)
	}
	if got.ExtractedText == "" || got.WordCount == 0 {
		t.Fatal("extracted text not persisted")
	}

	chunks, err := st.ListChunks(doc.ID)
	if err != nil {
		t.Fatalf("list chunks: %v", err)
	}
	if len(chunks) == 0 {
		t.Fatal("no chunks created")
	}
	seen := map[int]bool{}
	for _, ch := range chunks {
		if len(ch.Embedding) == 0 {
			t.Fatalf("chunk %d missing embedding", ch.ChunkIndex)
		}
		if seen[ch.ChunkIndex] {
			t.Fatalf("duplicate chunk index %d", ch.ChunkIndex)
		}
		seen[ch.ChunkIndex] = true
	}

	summaries, err := st.ListSummaries(doc.ID)
	if err != nil || len(summaries) != 1 {
		t.Fatalf("expected 1 summary, got %d (err=%v)", len(summaries), err)
	}

	tags, err := st.ListDocumentTags(doc.ID)
	if err != nil {
		t.Fatalf("list tags: %v", err)
	}
	names := map[string]bool{}
	for _, tag := range tags {
		names[tag.Name] = true
	}
	if !names["machine-learning"] || !names["go"] || !names["databases"] {
		t.Fatalf("unexpected tag set: %v", names)
	}

	progress, ok, err := st.GetProgress("doc:doc-1")
	if err != nil || !ok {
		t.Fatalf("get progress: ok=%v err=%v", ok, err)
	}
	if progress.Stage != domain.StageCompleted || progress.CompletedAt == nil {
		t.Fatalf("progress not terminal: stage=%s completedAt=%v", progress.Stage, progress.CompletedAt)
	}
	if progress.Progress != 1.0 {
		t.Fatalf("expected progress 1.0, got %f", progress.Progress)
	}
}

// A tag-stage failure on the last attempt leaves the earlier stages' writes
// intact; the explicit retry re-enters processing from failed, replaces the
// chunk set without duplication, and appends a second summary rather than
// overwriting the first.
func TestRunRetryReplacesChunksAndAppendsSummary(t *testing.T) {
	st := store.NewMemoryStore()
	objects := storage.NewMemoryStore()
	tagger := &fakeTagger{tags: []string{"go"}, failures: 1}
	runner := NewRunner(st, objects, &fakeEmbedder{}, fakeSummarizer{}, tagger, Config{ChunkSize: 40, ChunkOverlap: 10})

	content := strings.Repeat("alpha beta gamma delta epsilon ", 8)
	doc := seedDocument(t, st, objects, content)

	err := runner.Run(context.Background(), "doc:doc-1", doc.ID, true)
	if err == nil {
		t.Fatal("first run should fail at the tag stage")
	}
	failed, _, _ := st.GetDocument(doc.ID)
	if failed.Status != domain.StatusFailed {
		t.Fatalf("expected failed, got %s", failed.Status)
	}
	if failed.ErrorMessage == "" {
		t.Fatal("failed document must carry an error message")
	}
	first, _ := st.ListChunks(doc.ID)
	if len(first) == 0 {
		t.Fatal("chunks from the successful stages must persist")
	}

	if err := runner.Run(context.Background(), "doc:doc-1", doc.ID, false); err != nil {
		t.Fatalf("retry run: %v", err)
	}
	got, _, _ := st.GetDocument(doc.ID)
	if got.Status != domain.StatusCompleted || got.ErrorMessage != "" {
		t.Fatalf("retry should complete and clear error, got %s %q", got.Status, got.ErrorMessage)
	}

	second, _ := st.ListChunks(doc.ID)
	if len(second) != len(first) {
		t.Fatalf("retry duplicated chunks: %d then %d", len(first), len(second))
	}
	summaries, _ := st.ListSummaries(doc.ID)
	if len(summaries) != 2 {
		t.Fatalf("summaries are append-only history, got %d rows", len(summaries))
	}
	tags, _ := st.ListDocumentTags(doc.ID)
	if len(tags) != 1 {
		t.Fatalf("expected one tag association, got %d", len(tags))
	}
}

func TestRunEmbedFailurePreservesExtractedText(t *testing.T) {
	st := store.NewMemoryStore()
	objects := storage.NewMemoryStore()
	doc := seedDocument(t, st, objects, strings.Repeat("short but real content for extraction ", 5))

	failing := NewRunner(st, objects, failEmbedder{}, fakeSummarizer{}, &fakeTagger{}, Config{ChunkSize: 40, ChunkOverlap: 10})
	err := failing.Run(context.Background(), "doc:doc-1", doc.ID, true)
	if err == nil {
		t.Fatal("expected run to fail")
	}
	var transient *TransientError
	if !errors.As(err, &transient) {
		t.Fatalf("expected transient error, got %T: %v", err, err)
	}

	got, _, _ := st.GetDocument(doc.ID)
	if got.Status != domain.StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if !strings.Contains(got.ErrorMessage, string(StageGenerateEmbeddings)) {
		t.Fatalf("error_message should name the failing stage, got %q", got.ErrorMessage)
	}
	if got.ExtractedText == "" {
		t.Fatal("extracted text from the successful stage must persist")
	}
	progress, ok, _ := st.GetProgress("doc:doc-1")
	if !ok || progress.Stage != domain.StageFailed || progress.Error == "" || progress.CompletedAt == nil {
		t.Fatalf("progress not marked failed: %+v", progress)
	}
}

// A transient failure with retries left keeps the document in processing; it
// only falls to failed once the retry budget is spent.
func TestRunTransientErrorKeepsDocumentProcessing(t *testing.T) {
	st := store.NewMemoryStore()
	objects := storage.NewMemoryStore()
	doc := seedDocument(t, st, objects, strings.Repeat("content that extracts and chunks fine ", 5))

	failing := NewRunner(st, objects, failEmbedder{}, fakeSummarizer{}, &fakeTagger{}, Config{ChunkSize: 40, ChunkOverlap: 10})
	err := failing.Run(context.Background(), "doc:doc-1", doc.ID, false)
	if err == nil {
		t.Fatal("expected run to fail")
	}
	var transient *TransientError
	if !errors.As(err, &transient) {
		t.Fatalf("expected transient error, got %T: %v", err, err)
	}

	got, _, _ := st.GetDocument(doc.ID)
	if got.Status != domain.StatusProcessing {
		t.Fatalf("document should stay in processing while retries remain, got %s", got.Status)
	}
	if got.ErrorMessage != "" {
		t.Fatalf("no error message before the terminal outcome, got %q", got.ErrorMessage)
	}
	progress, ok, _ := st.GetProgress("doc:doc-1")
	if !ok || progress.CompletedAt != nil {
		t.Fatalf("progress must stay non-terminal: %+v", progress)
	}

	// The retry resumes the in-flight job and completes it.
	recovered := NewRunner(st, objects, &fakeEmbedder{}, fakeSummarizer{}, &fakeTagger{tags: []string{"go"}}, Config{ChunkSize: 40, ChunkOverlap: 10})
	if err := recovered.Run(context.Background(), "doc:doc-1", doc.ID, false); err != nil {
		t.Fatalf("resumed run: %v", err)
	}
	got, _, _ = st.GetDocument(doc.ID)
	if got.Status != domain.StatusCompleted {
		t.Fatalf("expected completed after resume, got %s (%s)", got.Status, got.ErrorMessage)
	}
}

// A redelivered job finds the document still in processing, e.g. after its
// previous worker crashed mid-run, and resumes it instead of wedging.
func TestRunResumesInFlightDocument(t *testing.T) {
	st := store.NewMemoryStore()
	objects := storage.NewMemoryStore()
	doc := seedDocument(t, st, objects, strings.Repeat("text left behind by a dead worker ", 6))
	if err := st.TransitionDocument(doc.ID, domain.StatusUploading, domain.StatusProcessing, store.DocumentUpdate{}); err != nil {
		t.Fatalf("claim document: %v", err)
	}

	runner := NewRunner(st, objects, &fakeEmbedder{}, fakeSummarizer{}, &fakeTagger{tags: []string{"go"}}, Config{ChunkSize: 40, ChunkOverlap: 10})
	if err := runner.Run(context.Background(), "doc:doc-1", doc.ID, false); err != nil {
		t.Fatalf("resume run: %v", err)
	}

	got, _, _ := st.GetDocument(doc.ID)
	if got.Status != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", got.Status, got.ErrorMessage)
	}
	progress, ok, _ := st.GetProgress("doc:doc-1")
	if !ok || progress.Stage != domain.StageCompleted {
		t.Fatalf("progress should reach completed, got %+v", progress)
	}
}

func TestRunChunkContentErrorIsNotRetryable(t *testing.T) {
	st := store.NewMemoryStore()
	objects := storage.NewMemoryStore()
	doc := seedDocument(t, st, objects, "ignored")
	// Whitespace-only text skips extraction but yields no chunks.
	if err := st.SetDocumentText(doc.ID, "  \n\t  ", 0, 0); err != nil {
		t.Fatalf("set text: %v", err)
	}

	runner := NewRunner(st, objects, &fakeEmbedder{}, fakeSummarizer{}, &fakeTagger{}, Config{ChunkSize: 40, ChunkOverlap: 10})
	// Retries remain, but a content error is terminal regardless.
	err := runner.Run(context.Background(), "doc:doc-1", doc.ID, false)
	if err == nil {
		t.Fatal("expected run to fail at the chunk stage")
	}
	var content *ContentError
	if !errors.As(err, &content) {
		t.Fatalf("expected content error, got %T: %v", err, err)
	}

	got, _, _ := st.GetDocument(doc.ID)
	if got.Status != domain.StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if !strings.Contains(got.ErrorMessage, string(StageChunkText)) {
		t.Fatalf("error_message should name the chunk stage, got %q", got.ErrorMessage)
	}
	if got.ExtractedText == "" {
		t.Fatal("extracted text must not be rolled back")
	}
}

func TestRunMissingDocumentIsIntegrityError(t *testing.T) {
	st := store.NewMemoryStore()
	runner := NewRunner(st, storage.NewMemoryStore(), &fakeEmbedder{}, fakeSummarizer{}, &fakeTagger{}, Config{})
	err := runner.Run(context.Background(), "doc:ghost", "ghost", false)
	if err == nil {
		t.Fatal("expected error for missing document")
	}
	var integrity *IntegrityError
	if !errors.As(err, &integrity) {
		t.Fatalf("expected integrity error, got %T: %v", err, err)
	}
}

func TestRunRejectsCompletedDocument(t *testing.T) {
	st := store.NewMemoryStore()
	objects := storage.NewMemoryStore()
	runner := NewRunner(st, objects, &fakeEmbedder{}, fakeSummarizer{}, &fakeTagger{tags: []string{"go"}}, Config{ChunkSize: 40, ChunkOverlap: 10})
	doc := seedDocument(t, st, objects, strings.Repeat("words in a row ", 10))
	if err := runner.Run(context.Background(), "doc:doc-1", doc.ID, false); err != nil {
		t.Fatalf("run: %v", err)
	}
	err := runner.Run(context.Background(), "doc:doc-1", doc.ID, false)
	if err == nil {
		t.Fatal("completed document must not be reprocessed")
	}
	var integrity *IntegrityError
	if !errors.As(err, &integrity) {
		t.Fatalf("expected integrity error, got %T: %v", err, err)
	}
}

func TestRunRejectsPendingDocument(t *testing.T) {
	st := store.NewMemoryStore()
	runner := NewRunner(st, storage.NewMemoryStore(), &fakeEmbedder{}, fakeSummarizer{}, &fakeTagger{}, Config{})
	doc := domain.Document{ID: "doc-1", OwnerID: "user-1", Filename: "a.txt", StorageKey: "k", Status: domain.StatusPending}
	if err := st.CreateDocument(doc); err != nil {
		t.Fatalf("create document: %v", err)
	}
	err := runner.Run(context.Background(), "doc:doc-1", doc.ID, false)
	if err == nil {
		t.Fatal("a document whose upload never finished must not be processed")
	}
	var integrity *IntegrityError
	if !errors.As(err, &integrity) {
		t.Fatalf("expected integrity error, got %T: %v", err, err)
	}
}
