package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"docbrain/internal/util"
	"docbrain/pkg/ai"
	"docbrain/pkg/domain"
	"docbrain/pkg/pipeline"
	"docbrain/pkg/queue"
	"docbrain/pkg/storage"
	"docbrain/pkg/store"
)

const (
	defaultQueueName       = "docbrain:tasks"
	defaultQueueGroup      = "docbrain-workers"
	defaultConcurrency     = 4
	defaultCleanupInterval = 24 * time.Hour
)

// Config holds runtime configuration. Store, Objects, and Queue may be
// injected; when nil they are built from the connection settings.
type Config struct {
	Store   store.Store
	Objects storage.ObjectStore
	Queue   *queue.JobQueue
	Runner  *pipeline.Runner

	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	Broker        string
	AmqpURL       string
	QueueName     string
	QueueGroup    string
	Concurrency   int
	MaxRetries    int
	RetryDelay    time.Duration
	JobRetention  time.Duration

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool

	ChunkSize    int
	ChunkOverlap int
	EmbedWorkers int

	OllamaBaseURL      string
	EmbeddingModel     string
	EmbeddingDim       int
	GenerationProvider string
	GenerationModel    string
	OpenAIBaseURL      string
	OpenAIAPIKey       string

	RecoverFailedOnStart bool
	CleanupInterval      time.Duration
}

// App owns the worker's collaborators: the document store, object storage,
// the job queue, and the pipeline runner.
type App struct {
	store       store.Store
	objects     storage.ObjectStore
	queue       *queue.JobQueue
	runner      *pipeline.Runner
	concurrency int

	recoverFailedOnStart bool
	cleanupInterval      time.Duration
}

// New constructs the worker from config, building any collaborator that was
// not injected.
func New(cfg Config) (*App, error) {
	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL, store.WithEmbeddingDim(cfg.EmbeddingDim))
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	}

	objects := cfg.Objects
	if objects == nil {
		var err error
		objects, err = storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			return nil, fmt.Errorf("init object storage: %w", err)
		}
	}

	jobQueue := cfg.Queue
	if jobQueue == nil {
		var err error
		jobQueue, err = buildQueue(cfg)
		if err != nil {
			return nil, err
		}
	}

	runner := cfg.Runner
	if runner == nil {
		embedder, summarizer, tagger, err := buildAI(cfg)
		if err != nil {
			return nil, err
		}
		runner = pipeline.NewRunner(dataStore, objects, embedder, summarizer, tagger, pipeline.Config{
			ChunkSize:    cfg.ChunkSize,
			ChunkOverlap: cfg.ChunkOverlap,
			EmbedWorkers: cfg.EmbedWorkers,
			SummaryModel: cfg.GenerationModel,
		})
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	cleanupInterval := cfg.CleanupInterval
	if cleanupInterval <= 0 {
		cleanupInterval = defaultCleanupInterval
	}
	return &App{
		store:                dataStore,
		objects:              objects,
		queue:                jobQueue,
		runner:               runner,
		concurrency:          concurrency,
		recoverFailedOnStart: cfg.RecoverFailedOnStart,
		cleanupInterval:      cleanupInterval,
	}, nil
}

func buildQueue(cfg Config) (*queue.JobQueue, error) {
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("redis address required")
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	ledger, err := queue.NewLedger(client, "docbrain", cfg.JobRetention)
	if err != nil {
		return nil, fmt.Errorf("init job ledger: %w", err)
	}

	queueName := cfg.QueueName
	if queueName == "" {
		queueName = defaultQueueName
	}
	var broker queue.Broker
	switch cfg.Broker {
	case "", "redis":
		group := cfg.QueueGroup
		if group == "" {
			group = defaultQueueGroup
		}
		broker, err = queue.NewRedisBroker(client, queue.RedisBrokerConfig{
			Stream:   queueName,
			Group:    group,
			Consumer: "worker-" + uuid.NewString(),
		})
		if err != nil {
			return nil, fmt.Errorf("init redis broker: %w", err)
		}
	case "amqp":
		broker, err = queue.NewAmqpBroker(cfg.AmqpURL, queueName)
		if err != nil {
			return nil, fmt.Errorf("init amqp broker: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown broker %q", cfg.Broker)
	}

	jobQueue, err := queue.NewJobQueue(ledger, broker, queue.JobQueueConfig{
		MaxRetries: cfg.MaxRetries,
		RetryDelay: cfg.RetryDelay,
	})
	if err != nil {
		return nil, fmt.Errorf("init job queue: %w", err)
	}
	return jobQueue, nil
}

func buildAI(cfg Config) (ai.Embedder, ai.Summarizer, ai.TagExtractor, error) {
	ollama := ai.NewOllamaClient(cfg.OllamaBaseURL)
	embedder := ai.NewOllamaEmbedder(ollama, cfg.EmbeddingModel, cfg.EmbeddingDim)

	var generator ai.TextGenerator
	switch cfg.GenerationProvider {
	case "", "ollama":
		generator = ai.NewOllamaGenerator(ollama, cfg.GenerationModel)
	case "openai":
		generator = ai.NewOpenAICompatGenerator(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.GenerationModel)
	default:
		return nil, nil, nil, fmt.Errorf("unknown generation provider %q", cfg.GenerationProvider)
	}
	return embedder, ai.NewLLMSummarizer(generator), ai.NewLLMTagExtractor(generator), nil
}

// Intake registers an uploaded file: it creates the document in pending
// state, streams the bytes to object storage, and enqueues the processing
// job. The document stays in uploading until a worker picks the job up.
func (a *App) Intake(ctx context.Context, ownerID, folderID, filename string, r io.Reader, size int64) (domain.Document, error) {
	if strings.TrimSpace(ownerID) == "" {
		return domain.Document{}, fmt.Errorf("ownerId required")
	}
	if strings.TrimSpace(filename) == "" {
		return domain.Document{}, fmt.Errorf("filename required")
	}

	doc := domain.Document{
		ID:         util.NewID(),
		OwnerID:    ownerID,
		FolderID:   folderID,
		Filename:   filename,
		SizeBytes:  size,
		StorageKey: fmt.Sprintf("%s/%s/%s", ownerID, uuid.NewString(), filename),
		Status:     domain.StatusPending,
	}
	if err := a.store.CreateDocument(doc); err != nil {
		return domain.Document{}, fmt.Errorf("create document: %w", err)
	}
	if err := a.store.TransitionDocument(doc.ID, domain.StatusPending, domain.StatusUploading, store.DocumentUpdate{}); err != nil {
		return domain.Document{}, fmt.Errorf("begin upload: %w", err)
	}
	doc.Status = domain.StatusUploading

	hasher := sha256.New()
	if err := a.objects.Put(ctx, doc.StorageKey, io.TeeReader(r, hasher), size, "application/octet-stream"); err != nil {
		return domain.Document{}, fmt.Errorf("store upload: %w", err)
	}
	doc.ContentHash = hex.EncodeToString(hasher.Sum(nil))
	if err := a.store.SetDocumentHash(doc.ID, doc.ContentHash); err != nil {
		return domain.Document{}, fmt.Errorf("record content hash: %w", err)
	}

	if err := a.EnqueueDocument(ctx, doc); err != nil {
		return domain.Document{}, err
	}
	return doc, nil
}

// EnqueueDocument submits the processing job for a document. The job ID is
// deterministic, so a second enqueue while the first is in flight fails
// with queue.ErrDuplicateJob.
func (a *App) EnqueueDocument(ctx context.Context, doc domain.Document) error {
	task := queue.NewProcessDocumentTask(doc.ID, doc.OwnerID)
	if err := a.queue.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("enqueue document %s: %w", doc.ID, err)
	}
	now := time.Now().UTC()
	if err := a.store.UpsertProgress(domain.JobProgress{
		JobID:      task.ID,
		DocumentID: doc.ID,
		UserID:     doc.OwnerID,
		Stage:      "queued",
		Progress:   0,
		Message:    "waiting for a worker",
		StartedAt:  now,
		LastUpdate: now,
	}); err != nil {
		slog.Warn("record queued progress", "jobId", task.ID, "error", err)
	}
	return nil
}

// Reprocess re-enqueues a failed document's job.
func (a *App) Reprocess(ctx context.Context, documentID string) error {
	doc, ok, err := a.store.GetDocument(documentID)
	if err != nil {
		return err
	}
	if !ok {
		return store.ErrDocumentNotFound
	}
	if doc.Status != domain.StatusFailed {
		return fmt.Errorf("document %s is %s, only failed documents can be reprocessed", documentID, doc.Status)
	}
	if err := a.queue.Retry(ctx, queue.DocumentJobID(documentID)); err != nil {
		// The job record may have aged out of retention; enqueue fresh.
		if err := a.queue.Enqueue(ctx, queue.NewProcessDocumentTask(doc.ID, doc.OwnerID)); err != nil {
			return fmt.Errorf("reprocess document %s: %w", documentID, err)
		}
	}
	return nil
}

// Handle dispatches one task. The switch is exhaustive over task kinds; an
// unknown kind is a permanent failure, never silently dropped.
func (a *App) Handle(ctx context.Context, task queue.Task, attempt queue.Attempt) error {
	switch task.Kind {
	case queue.KindProcessDocument:
		return a.runner.Run(ctx, task.ID, task.Document.DocumentID, attempt.Final)
	case queue.KindCleanupBlobs:
		return a.sweepOrphanBlobs(ctx, task.Cleanup.DryRun)
	}
	return fmt.Errorf("unknown task kind %q", task.Kind)
}

// Run starts the consumers and background maintenance, then blocks until the
// context is cancelled.
func (a *App) Run(ctx context.Context) error {
	if a.recoverFailedOnStart {
		if n, err := a.RecoverFailed(ctx); err != nil {
			slog.Warn("recover failed jobs", "error", err)
		} else if n > 0 {
			slog.Info("re-enqueued failed jobs", "count", n)
		}
	}
	a.queue.Start(ctx, a.concurrency, a.Handle)
	go a.cleanupLoop(ctx)
	<-ctx.Done()
	return ctx.Err()
}

// RecoverFailed re-enqueues every failed document-processing job still in the
// ledger. Cleanup jobs are skipped; the next sweep supersedes a failed one.
func (a *App) RecoverFailed(ctx context.Context) (int, error) {
	var ids []string
	err := a.queue.ScanFailed(ctx, func(rec queue.JobRecord) bool {
		if rec.Task.Kind == queue.KindProcessDocument {
			ids = append(ids, rec.ID)
		}
		return true
	})
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, id := range ids {
		if err := a.queue.Retry(ctx, id); err != nil {
			slog.Warn("retry failed job", "jobId", id, "error", err)
			continue
		}
		recovered++
	}
	return recovered, nil
}

// cleanupLoop schedules the blob sweep: once at startup, then on a fixed
// interval.
func (a *App) cleanupLoop(ctx context.Context) {
	enqueue := func() {
		if err := a.queue.Enqueue(ctx, queue.NewCleanupBlobsTask(false)); err != nil {
			slog.Debug("enqueue cleanup", "error", err)
		}
	}
	enqueue()
	ticker := time.NewTicker(a.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			enqueue()
		}
	}
}

// sweepOrphanBlobs deletes stored objects no document references. Blobs are
// only written through Intake, so anything absent from the document table is
// residue from a failed upload or an out-of-band delete.
//
// The blob listing is taken before the referenced-key set. A document whose
// row and blob land during the listing is therefore covered either way: its
// blob is not in the candidate set, or its row is in the key set by the time
// the set is read. The reverse order would delete a freshly uploaded blob.
func (a *App) sweepOrphanBlobs(ctx context.Context, dryRun bool) error {
	var candidates []string
	if err := a.objects.List(ctx, "", func(key string) bool {
		candidates = append(candidates, key)
		return true
	}); err != nil {
		return fmt.Errorf("list blobs: %w", err)
	}
	keys, err := a.store.ListStorageKeys()
	if err != nil {
		return fmt.Errorf("list storage keys: %w", err)
	}
	referenced := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		referenced[key] = struct{}{}
	}
	orphans := 0
	for _, key := range candidates {
		if _, ok := referenced[key]; ok {
			continue
		}
		orphans++
		if dryRun {
			slog.Info("orphan blob", "key", key)
			continue
		}
		if err := a.objects.Delete(ctx, key); err != nil {
			return fmt.Errorf("delete orphan blob %s: %w", key, err)
		}
	}
	slog.Info("blob sweep finished", "orphans", orphans, "dryRun", dryRun)
	return nil
}
