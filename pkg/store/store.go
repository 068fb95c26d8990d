package store

import (
	"errors"
	"time"

	"docbrain/pkg/domain"
)

// ErrDocumentNotFound is returned by transition attempts on missing documents.
var ErrDocumentNotFound = errors.New("document not found")

// DocumentUpdate carries the optional fields a status transition may set.
type DocumentUpdate struct {
	ErrorMessage *string
	ProcessedAt  *time.Time
}

// Store defines persistence operations for the document pipeline core.
type Store interface {
	// users
	SaveUser(u domain.User) error
	DeleteUser(id string) error

	// folders
	SaveFolder(f domain.Folder) error
	GetFolder(id string) (domain.Folder, bool, error)
	ArchiveFolder(id string) error
	DeleteFolder(id string) error

	// documents
	CreateDocument(d domain.Document) error
	GetDocument(id string) (domain.Document, bool, error)
	ListDocumentsByOwner(ownerID string) ([]domain.Document, error)
	// TransitionDocument compare-and-sets status so a racing writer loses
	// deterministically; it fails with IllegalTransitionError when the edge is
	// not legal or the row has moved on, and ErrDocumentNotFound when absent.
	TransitionDocument(id string, from, to domain.DocumentStatus, update DocumentUpdate) error
	SetDocumentText(id string, text string, pageCount, wordCount int) error
	SetDocumentHash(id string, contentHash string) error
	ArchiveDocument(id string) error
	DeleteDocument(id string) error
	ListStorageKeys() ([]string, error)

	// chunks
	ReplaceChunks(documentID string, chunks []domain.Chunk) error
	ListChunks(documentID string) ([]domain.Chunk, error)
	SetChunkEmbedding(id string, embedding []float32) error
	SearchChunks(documentID string, embedding []float32, limit int) ([]domain.Chunk, error)

	// summaries
	AddSummary(s domain.Summary) error
	ListSummaries(documentID string) ([]domain.Summary, error)

	// chats
	CreateChat(c domain.Chat) error
	AppendChatMessage(m domain.ChatMessage) error
	ListChatMessages(chatID string, limit int) ([]domain.ChatMessage, error)

	// tags
	GetTagByName(name string) (domain.Tag, bool, error)
	CreateTag(t domain.Tag) error
	DeleteTag(id string) error
	AttachDocumentTag(documentID, tagID string) error
	DetachDocumentTag(documentID, tagID string) error
	AttachFolderTag(folderID, tagID string) error
	DetachFolderTag(folderID, tagID string) error
	ListDocumentTags(documentID string) ([]domain.Tag, error)
	ListOrphanTags() ([]domain.Tag, error)

	// job progress
	UpsertProgress(p domain.JobProgress) error
	UpdateProgress(jobID, stage string, fraction float64, message string, details map[string]string) error
	CompleteProgress(jobID, stage, errText string) error
	GetProgress(jobID string) (domain.JobProgress, bool, error)
	ListProgressByDocument(documentID string) ([]domain.JobProgress, error)
	ListProgressByUser(userID string, limit int) ([]domain.JobProgress, error)
}

// DanglingAssociation describes an association row referencing a missing side.
type DanglingAssociation struct {
	Table   string
	LeftID  string
	RightID string
}

// IntegrityChecker is an optional capability exposed by stores that can scan
// association tables for dangling references.
type IntegrityChecker interface {
	FindDanglingAssociations() ([]DanglingAssociation, error)
}
