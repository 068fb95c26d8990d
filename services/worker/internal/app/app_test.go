package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"docbrain/pkg/domain"
	"docbrain/pkg/pipeline"
	"docbrain/pkg/queue"
	"docbrain/pkg/storage"
	"docbrain/pkg/store"
)

type stubEmbedder struct{}

func (stubEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

type stubSummarizer struct{}

func (stubSummarizer) Summarize(ctx context.Context, text string) (string, error) {
	return "summary", nil
}

type stubTagger struct{}

func (stubTagger) ExtractTags(ctx context.Context, text, summary string) ([]string, error) {
	return []string{"testing"}, nil
}

func newTestApp(t *testing.T) (*App, *store.MemoryStore, *storage.MemoryStore) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	ledger, err := queue.NewLedger(client, "test", time.Hour)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	jobQueue, err := queue.NewJobQueue(ledger, queue.NewMemoryBroker(16), queue.JobQueueConfig{
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}

	dataStore := store.NewMemoryStore()
	objects := storage.NewMemoryStore()
	runner := pipeline.NewRunner(dataStore, objects, stubEmbedder{}, stubSummarizer{}, stubTagger{}, pipeline.Config{
		ChunkSize:    60,
		ChunkOverlap: 10,
	})
	a, err := New(Config{
		Store:       dataStore,
		Objects:     objects,
		Queue:       jobQueue,
		Runner:      runner,
		Concurrency: 1,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	if err := dataStore.SaveUser(domain.User{ID: "user-1", Email: "u@example.com"}); err != nil {
		t.Fatalf("save user: %v", err)
	}
	return a, dataStore, objects
}

func TestIntakeEnqueuesAndWorkerCompletes(t *testing.T) {
	a, dataStore, objects := newTestApp(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	content := strings.Repeat("plenty of words to chunk and embed here ", 6)
	doc, err := a.Intake(ctx, "user-1", "", "notes.txt", strings.NewReader(content), int64(len(content)))
	if err != nil {
		t.Fatalf("intake: %v", err)
	}
	if doc.Status != domain.StatusUploading {
		t.Fatalf("expected uploading after intake, got %s", doc.Status)
	}
	if doc.ContentHash == "" {
		t.Fatal("content hash not recorded")
	}
	if objects.Len() != 1 {
		t.Fatalf("expected 1 stored blob, got %d", objects.Len())
	}
	if err := a.EnqueueDocument(ctx, doc); !errors.Is(err, queue.ErrDuplicateJob) {
		t.Fatalf("second enqueue should be a duplicate, got %v", err)
	}

	a.queue.Start(ctx, 1, a.Handle)
	waitForStatus(t, dataStore, doc.ID, domain.StatusCompleted)

	got, _, _ := dataStore.GetDocument(doc.ID)
	if got.ProcessedAt == nil {
		t.Fatal("processed_at not set")
	}
	chunks, _ := dataStore.ListChunks(doc.ID)
	if len(chunks) == 0 {
		t.Fatal("no chunks after processing")
	}
}

func TestReprocessRequiresFailedDocument(t *testing.T) {
	a, _, _ := newTestApp(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	content := strings.Repeat("words for the pipeline to work through here ", 6)
	doc, err := a.Intake(ctx, "user-1", "", "notes.txt", strings.NewReader(content), int64(len(content)))
	if err != nil {
		t.Fatalf("intake: %v", err)
	}
	if err := a.Reprocess(ctx, doc.ID); err == nil {
		t.Fatal("reprocess of a non-failed document must be rejected")
	}
	if err := a.Reprocess(ctx, "missing"); !errors.Is(err, store.ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
}

func TestHandleRejectsUnknownKind(t *testing.T) {
	a, _, _ := newTestApp(t)
	if err := a.Handle(context.Background(), queue.Task{ID: "x", Kind: queue.Kind("mystery")}, queue.Attempt{}); err == nil {
		t.Fatal("unknown task kind must error")
	}
}

func TestSweepOrphanBlobs(t *testing.T) {
	a, dataStore, objects := newTestApp(t)
	ctx := context.Background()

	doc := domain.Document{
		ID:         "doc-1",
		OwnerID:    "user-1",
		Filename:   "kept.txt",
		StorageKey: "user-1/abc/kept.txt",
		Status:     domain.StatusPending,
	}
	if err := dataStore.CreateDocument(doc); err != nil {
		t.Fatalf("create document: %v", err)
	}
	mustPut(t, objects, "user-1/abc/kept.txt")
	mustPut(t, objects, "user-1/zzz/orphan.txt")

	// Dry run reports without deleting.
	if err := a.Handle(ctx, queue.NewCleanupBlobsTask(true), queue.Attempt{}); err != nil {
		t.Fatalf("dry-run sweep: %v", err)
	}
	if objects.Len() != 2 {
		t.Fatalf("dry run must not delete, have %d blobs", objects.Len())
	}

	if err := a.Handle(ctx, queue.NewCleanupBlobsTask(false), queue.Attempt{}); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if objects.Len() != 1 {
		t.Fatalf("expected 1 blob after sweep, got %d", objects.Len())
	}
	if _, err := objects.Get(ctx, "user-1/abc/kept.txt"); err != nil {
		t.Fatalf("referenced blob was deleted: %v", err)
	}
}

// intakeDuringList simulates an upload racing the blob sweep: the first List
// call runs an intake before enumerating, so the fresh blob shows up in the
// listing while its document row landed mid-scan.
type intakeDuringList struct {
	*storage.MemoryStore
	intake func()
	fired  bool
}

func (s *intakeDuringList) List(ctx context.Context, prefix string, visit func(key string) bool) error {
	if !s.fired && s.intake != nil {
		s.fired = true
		s.intake()
	}
	return s.MemoryStore.List(ctx, prefix, visit)
}

func TestSweepKeepsBlobUploadedDuringScan(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	ledger, err := queue.NewLedger(client, "test", time.Hour)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	jobQueue, err := queue.NewJobQueue(ledger, queue.NewMemoryBroker(16), queue.JobQueueConfig{MaxRetries: 2, RetryDelay: time.Millisecond})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	dataStore := store.NewMemoryStore()
	objects := &intakeDuringList{MemoryStore: storage.NewMemoryStore()}
	runner := pipeline.NewRunner(dataStore, objects, stubEmbedder{}, stubSummarizer{}, stubTagger{}, pipeline.Config{ChunkSize: 60, ChunkOverlap: 10})
	a, err := New(Config{Store: dataStore, Objects: objects, Queue: jobQueue, Runner: runner, Concurrency: 1})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	if err := dataStore.SaveUser(domain.User{ID: "user-1", Email: "u@example.com"}); err != nil {
		t.Fatalf("save user: %v", err)
	}

	ctx := context.Background()
	mustPut(t, objects.MemoryStore, "user-1/zzz/orphan.txt")

	var fresh domain.Document
	objects.intake = func() {
		var ierr error
		fresh, ierr = a.Intake(ctx, "user-1", "", "fresh.txt", strings.NewReader("fresh content"), 13)
		if ierr != nil {
			t.Errorf("intake during sweep: %v", ierr)
		}
	}

	if err := a.Handle(ctx, queue.NewCleanupBlobsTask(false), queue.Attempt{}); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if fresh.ID == "" {
		t.Fatal("intake never ran")
	}
	if _, err := objects.Get(ctx, fresh.StorageKey); err != nil {
		t.Fatalf("sweep deleted the blob of a live document row: %v", err)
	}
	if _, err := objects.Get(ctx, "user-1/zzz/orphan.txt"); err == nil {
		t.Fatal("orphan blob should have been deleted")
	}
}

func TestRecoverFailedRetriesOnlyDocumentJobs(t *testing.T) {
	a, dataStore, _ := newTestApp(t)
	ctx := context.Background()

	doc := domain.Document{ID: "doc-1", OwnerID: "user-1", Filename: "a.txt", StorageKey: "k", Status: domain.StatusFailed}
	if err := dataStore.CreateDocument(doc); err != nil {
		t.Fatalf("create document: %v", err)
	}

	docTask := queue.NewProcessDocumentTask("doc-1", "user-1")
	if err := a.queue.Enqueue(ctx, docTask); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := a.queue.MarkFailure(ctx, docTask.ID, "boom"); err != nil {
		t.Fatalf("mark failure: %v", err)
	}
	cleanupTask := queue.NewCleanupBlobsTask(false)
	if err := a.queue.Enqueue(ctx, cleanupTask); err != nil {
		t.Fatalf("enqueue cleanup: %v", err)
	}
	if err := a.queue.MarkFailure(ctx, cleanupTask.ID, "boom"); err != nil {
		t.Fatalf("mark cleanup failure: %v", err)
	}

	n, err := a.RecoverFailed(ctx)
	if err != nil {
		t.Fatalf("recover failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 recovered job, got %d", n)
	}
	rec, ok, _ := a.queue.GetJob(ctx, docTask.ID)
	if !ok || rec.Status != queue.StatusQueued {
		t.Fatalf("document job not re-queued: ok=%v status=%s", ok, rec.Status)
	}
	rec, ok, _ = a.queue.GetJob(ctx, cleanupTask.ID)
	if !ok || rec.Status != queue.StatusFailed {
		t.Fatalf("cleanup job should stay failed: ok=%v status=%s", ok, rec.Status)
	}
}

func mustPut(t *testing.T, objects *storage.MemoryStore, key string) {
	t.Helper()
	if err := objects.Put(context.Background(), key, strings.NewReader("data"), 4, "text/plain"); err != nil {
		t.Fatalf("put %s: %v", key, err)
	}
}

func waitForStatus(t *testing.T, st store.Store, documentID string, want domain.DocumentStatus) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		doc, ok, err := st.GetDocument(documentID)
		if err != nil {
			t.Fatalf("get document: %v", err)
		}
		if ok && doc.Status == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("document never reached %s, currently %s (%s)", want, doc.Status, doc.ErrorMessage)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
