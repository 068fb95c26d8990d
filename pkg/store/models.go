package store

import (
	"time"

	"github.com/pgvector/pgvector-go"
	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID        string    `gorm:"primaryKey"`
	Email     string    `gorm:"uniqueIndex;not null"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time
}

type FolderModel struct {
	ID         string  `gorm:"primaryKey"`
	OwnerID    string  `gorm:"not null;index;uniqueIndex:ux_folders_owner_parent_name"`
	ParentID   *string `gorm:"index;uniqueIndex:ux_folders_owner_parent_name"`
	Name       string  `gorm:"not null;uniqueIndex:ux_folders_owner_parent_name"`
	ArchivedAt *time.Time
	CreatedAt  time.Time `gorm:"not null"`
	UpdatedAt  time.Time `gorm:"not null"`
}

type DocumentModel struct {
	ID            string  `gorm:"primaryKey"`
	OwnerID       string  `gorm:"not null;index"`
	FolderID      *string `gorm:"index"`
	Filename      string  `gorm:"not null"`
	SizeBytes     int64   `gorm:"not null"`
	ContentHash   string  `gorm:"index"`
	StorageKey    string
	PageCount     *int
	ExtractedText string `gorm:"type:text"`
	WordCount     *int
	Status        string `gorm:"not null;index"`
	ErrorMessage  string
	ProcessedAt   *time.Time
	ArchivedAt    *time.Time `gorm:"index"`
	CreatedAt     time.Time  `gorm:"not null"`
	UpdatedAt     time.Time  `gorm:"not null"`
}

type ChunkModel struct {
	ID         string           `gorm:"primaryKey"`
	DocumentID string           `gorm:"not null;index;uniqueIndex:ux_chunks_document_index"`
	ChunkIndex int              `gorm:"not null;uniqueIndex:ux_chunks_document_index"`
	Content    string           `gorm:"type:text;not null"`
	Metadata   datatypes.JSON   `gorm:"type:jsonb"`
	Embedding  *pgvector.Vector `gorm:"type:vector(1536)"`
	CreatedAt  time.Time        `gorm:"not null"`
}

type JobProgressModel struct {
	JobID       string  `gorm:"primaryKey"`
	DocumentID  *string `gorm:"index"`
	UserID      string  `gorm:"not null;index"`
	Stage       string  `gorm:"not null"`
	Progress    float64 `gorm:"not null"`
	Message     string
	Details     datatypes.JSON `gorm:"type:jsonb"`
	Error       string
	StartedAt   time.Time `gorm:"not null"`
	LastUpdate  time.Time `gorm:"not null;index"`
	CompletedAt *time.Time
}

type SummaryModel struct {
	ID         string `gorm:"primaryKey"`
	DocumentID string `gorm:"not null;index"`
	UserID     string `gorm:"not null;index"`
	Content    string `gorm:"type:text;not null"`
	ModelName  string `gorm:"column:model"`
	CreatedAt  time.Time `gorm:"not null;index"`
}

type ChatModel struct {
	ID         string `gorm:"primaryKey"`
	DocumentID string `gorm:"not null;index"`
	UserID     string `gorm:"not null;index"`
	Title      string
	CreatedAt  time.Time `gorm:"not null"`
	UpdatedAt  time.Time `gorm:"not null"`
}

type ChatMessageModel struct {
	ID        string    `gorm:"primaryKey"`
	ChatID    string    `gorm:"not null;index"`
	Role      string    `gorm:"not null"`
	Content   string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"not null;index"`
}

type TagModel struct {
	ID        string           `gorm:"primaryKey"`
	Name      string           `gorm:"uniqueIndex;not null"`
	Slug      string           `gorm:"uniqueIndex;not null"`
	Embedding *pgvector.Vector `gorm:"type:vector(1536)"`
	CreatedAt time.Time        `gorm:"not null"`
}

type DocumentTagModel struct {
	DocumentID string    `gorm:"primaryKey"`
	TagID      string    `gorm:"primaryKey"`
	CreatedAt  time.Time `gorm:"not null"`
}

type FolderTagModel struct {
	FolderID  string    `gorm:"primaryKey"`
	TagID     string    `gorm:"primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
}
