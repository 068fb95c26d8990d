package domain

import "time"

// DocumentStatus is the authoritative lifecycle state of a document.
type DocumentStatus string

const (
	StatusPending    DocumentStatus = "pending"
	StatusUploading  DocumentStatus = "uploading"
	StatusProcessing DocumentStatus = "processing"
	StatusCompleted  DocumentStatus = "completed"
	StatusFailed     DocumentStatus = "failed"
)

// Terminal progress stages recorded on JobProgress.
const (
	StageCompleted = "completed"
	StageFailed    = "failed"
)

type Document struct {
	ID            string         `json:"id"`
	OwnerID       string         `json:"ownerId"`
	FolderID      string         `json:"folderId,omitempty"`
	Filename      string         `json:"filename"`
	SizeBytes     int64          `json:"sizeBytes"`
	ContentHash   string         `json:"contentHash"`
	StorageKey    string         `json:"-"`
	PageCount     int            `json:"pageCount,omitempty"`
	ExtractedText string         `json:"-"`
	WordCount     int            `json:"wordCount,omitempty"`
	Status        DocumentStatus `json:"status"`
	ErrorMessage  string         `json:"errorMessage,omitempty"`
	ProcessedAt   *time.Time     `json:"processedAt,omitempty"`
	ArchivedAt    *time.Time     `json:"archivedAt,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// Chunk is one fragment of a document's extracted text. ChunkIndex is the
// authoritative ordering; embeddings may be written out of order.
type Chunk struct {
	ID         string            `json:"id"`
	DocumentID string            `json:"documentId"`
	ChunkIndex int               `json:"chunkIndex"`
	Content    string            `json:"content"`
	Embedding  []float32         `json:"-"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// JobProgress tracks one asynchronous task execution, keyed by job ID.
type JobProgress struct {
	JobID       string            `json:"jobId"`
	DocumentID  string            `json:"documentId,omitempty"`
	UserID      string            `json:"userId"`
	Stage       string            `json:"stage"`
	Progress    float64           `json:"progress"`
	Message     string            `json:"message,omitempty"`
	Details     map[string]string `json:"details,omitempty"`
	Error       string            `json:"error,omitempty"`
	StartedAt   time.Time         `json:"startedAt"`
	LastUpdate  time.Time         `json:"lastUpdate"`
	CompletedAt *time.Time        `json:"completedAt,omitempty"`
}

// Summary rows are append-only history; reprocessing adds a new row.
type Summary struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"documentId"`
	UserID     string    `json:"userId"`
	Content    string    `json:"content"`
	Model      string    `json:"model,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

type Chat struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"documentId"`
	UserID     string    `json:"userId"`
	Title      string    `json:"title,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

type ChatMessage struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chatId"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// Tag is a globally shared label; never owned by a single user or document.
type Tag struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	Embedding []float32 `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
}

type Folder struct {
	ID         string     `json:"id"`
	OwnerID    string     `json:"ownerId"`
	ParentID   string     `json:"parentId,omitempty"`
	Name       string     `json:"name"`
	ArchivedAt *time.Time `json:"archivedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
