package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pgvector/pgvector-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"docbrain/pkg/domain"
)

const migrateLockID int64 = 48120347

const (
	defaultEmbeddingDim      = 1536
	canonicalEmbeddingDimEnv = "DOCBRAIN_EMBEDDING_DIM"
)

type GormStoreOptions struct {
	EmbeddingDim int
}

type GormStoreOption func(*GormStoreOptions)

// WithEmbeddingDim sets the canonical embedding dimension used by storage.
func WithEmbeddingDim(dim int) GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.EmbeddingDim = dim
	}
}

// GormStore implements Store using GORM + Postgres with pgvector.
type GormStore struct {
	db           *gorm.DB
	embeddingDim int
}

// NewGormStore opens the DB and runs auto-migrations. Referential cascade
// rules are installed as real foreign keys so a delete that bypasses this
// package cannot leave dangling rows.
func NewGormStore(dsn string, options ...GormStoreOption) (*GormStore, error) {
	opts := GormStoreOptions{}
	for _, option := range options {
		if option != nil {
			option(&opts)
		}
	}
	embeddingDim, err := resolveEmbeddingDim(opts.EmbeddingDim)
	if err != nil {
		return nil, err
	}

	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
			return fmt.Errorf("create pgvector extension: %w", err)
		}
		if err := tx.AutoMigrate(
			&UserModel{}, &FolderModel{}, &DocumentModel{}, &ChunkModel{},
			&JobProgressModel{}, &SummaryModel{}, &ChatModel{}, &ChatMessageModel{},
			&TagModel{}, &DocumentTagModel{}, &FolderTagModel{},
		); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		for _, table := range []string{"chunk_models", "tag_models"} {
			if err := tx.Exec(fmt.Sprintf(`
				DO $$
				BEGIN
				IF EXISTS (
					SELECT 1 FROM information_schema.columns
					WHERE table_name = '%s' AND column_name = 'embedding'
				) THEN
					ALTER TABLE %s ALTER COLUMN embedding TYPE vector(%d);
				END IF;
				END $$;
			`, table, table, embeddingDim)).Error; err != nil {
				return fmt.Errorf("alter %s embedding type: %w", table, err)
			}
		}
		if err := ensureCascadeConstraints(tx); err != nil {
			return err
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db, embeddingDim: embeddingDim}, nil
}

func resolveEmbeddingDim(configValue int) (int, error) {
	if configValue > 0 {
		return configValue, nil
	}
	raw := strings.TrimSpace(os.Getenv(canonicalEmbeddingDimEnv))
	if raw == "" {
		return defaultEmbeddingDim, nil
	}
	dim, err := strconv.Atoi(raw)
	if err != nil || dim <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", canonicalEmbeddingDimEnv, raw)
	}
	return dim, nil
}

// ensureCascadeConstraints deletes rows orphaned by earlier schema versions,
// then installs the foreign keys that make cascade a storage-layer guarantee.
func ensureCascadeConstraints(tx *gorm.DB) error {
	if err := tx.Exec(`
		DO $$
		BEGIN
			DELETE FROM chunk_models c
			WHERE NOT EXISTS (SELECT 1 FROM document_models d WHERE d.id = c.document_id);
			DELETE FROM summary_models s
			WHERE NOT EXISTS (SELECT 1 FROM document_models d WHERE d.id = s.document_id);
			DELETE FROM chat_message_models m
			WHERE NOT EXISTS (SELECT 1 FROM chat_models c WHERE c.id = m.chat_id);
			DELETE FROM chat_models c
			WHERE NOT EXISTS (SELECT 1 FROM document_models d WHERE d.id = c.document_id);
			DELETE FROM job_progress_models p
			WHERE p.document_id IS NOT NULL
			  AND NOT EXISTS (SELECT 1 FROM document_models d WHERE d.id = p.document_id);
			DELETE FROM document_tag_models dt
			WHERE NOT EXISTS (SELECT 1 FROM document_models d WHERE d.id = dt.document_id)
			   OR NOT EXISTS (SELECT 1 FROM tag_models t WHERE t.id = dt.tag_id);
			DELETE FROM folder_tag_models ft
			WHERE NOT EXISTS (SELECT 1 FROM folder_models f WHERE f.id = ft.folder_id)
			   OR NOT EXISTS (SELECT 1 FROM tag_models t WHERE t.id = ft.tag_id);
		END $$;
	`).Error; err != nil {
		return fmt.Errorf("delete orphaned rows: %w", err)
	}
	constraints := []struct {
		name   string
		detail string
	}{
		{"document_models_owner_id_fkey", "document_models ADD CONSTRAINT document_models_owner_id_fkey FOREIGN KEY (owner_id) REFERENCES user_models(id) ON DELETE CASCADE"},
		{"document_models_folder_id_fkey", "document_models ADD CONSTRAINT document_models_folder_id_fkey FOREIGN KEY (folder_id) REFERENCES folder_models(id) ON DELETE SET NULL"},
		{"folder_models_owner_id_fkey", "folder_models ADD CONSTRAINT folder_models_owner_id_fkey FOREIGN KEY (owner_id) REFERENCES user_models(id) ON DELETE CASCADE"},
		{"folder_models_parent_id_fkey", "folder_models ADD CONSTRAINT folder_models_parent_id_fkey FOREIGN KEY (parent_id) REFERENCES folder_models(id) ON DELETE CASCADE"},
		{"chunk_models_document_id_fkey", "chunk_models ADD CONSTRAINT chunk_models_document_id_fkey FOREIGN KEY (document_id) REFERENCES document_models(id) ON DELETE CASCADE"},
		{"job_progress_models_document_id_fkey", "job_progress_models ADD CONSTRAINT job_progress_models_document_id_fkey FOREIGN KEY (document_id) REFERENCES document_models(id) ON DELETE CASCADE"},
		{"summary_models_document_id_fkey", "summary_models ADD CONSTRAINT summary_models_document_id_fkey FOREIGN KEY (document_id) REFERENCES document_models(id) ON DELETE CASCADE"},
		{"summary_models_user_id_fkey", "summary_models ADD CONSTRAINT summary_models_user_id_fkey FOREIGN KEY (user_id) REFERENCES user_models(id) ON DELETE CASCADE"},
		{"chat_models_document_id_fkey", "chat_models ADD CONSTRAINT chat_models_document_id_fkey FOREIGN KEY (document_id) REFERENCES document_models(id) ON DELETE CASCADE"},
		{"chat_message_models_chat_id_fkey", "chat_message_models ADD CONSTRAINT chat_message_models_chat_id_fkey FOREIGN KEY (chat_id) REFERENCES chat_models(id) ON DELETE CASCADE"},
		{"document_tag_models_document_id_fkey", "document_tag_models ADD CONSTRAINT document_tag_models_document_id_fkey FOREIGN KEY (document_id) REFERENCES document_models(id) ON DELETE CASCADE"},
		{"document_tag_models_tag_id_fkey", "document_tag_models ADD CONSTRAINT document_tag_models_tag_id_fkey FOREIGN KEY (tag_id) REFERENCES tag_models(id) ON DELETE CASCADE"},
		{"folder_tag_models_folder_id_fkey", "folder_tag_models ADD CONSTRAINT folder_tag_models_folder_id_fkey FOREIGN KEY (folder_id) REFERENCES folder_models(id) ON DELETE CASCADE"},
		{"folder_tag_models_tag_id_fkey", "folder_tag_models ADD CONSTRAINT folder_tag_models_tag_id_fkey FOREIGN KEY (tag_id) REFERENCES tag_models(id) ON DELETE CASCADE"},
	}
	for _, c := range constraints {
		if err := tx.Exec(fmt.Sprintf(`
			DO $$
			BEGIN
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public' AND constraint_name = '%s'
				) THEN
					ALTER TABLE %s;
				END IF;
			END $$;
		`, c.name, c.detail)).Error; err != nil {
			return fmt.Errorf("ensure constraint %s: %w", c.name, err)
		}
	}
	return nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// SaveUser registers or updates a user.
func (s *GormStore) SaveUser(u domain.User) error {
	model := userToModel(u)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"email", "updated_at"}),
	}).Create(&model).Error
}

// DeleteUser removes a user and everything the user owns. The foreign keys
// already cascade; the explicit pass keeps the contract identical across
// Store implementations.
func (s *GormStore) DeleteUser(id string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		docIDs, err := ownedDocumentIDs(tx, id)
		if err != nil {
			return err
		}
		if len(docIDs) > 0 {
			if err := deleteDocumentDependents(tx, docIDs); err != nil {
				return err
			}
			if err := tx.Delete(&DocumentModel{}, "id IN ?", docIDs).Error; err != nil {
				return err
			}
		}
		if err := tx.Delete(&JobProgressModel{}, "user_id = ?", id).Error; err != nil {
			return err
		}
		if err := tx.Delete(&SummaryModel{}, "user_id = ?", id).Error; err != nil {
			return err
		}
		var folderIDs []string
		if err := tx.Model(&FolderModel{}).Where("owner_id = ?", id).Pluck("id", &folderIDs).Error; err != nil {
			return err
		}
		if len(folderIDs) > 0 {
			if err := tx.Delete(&FolderTagModel{}, "folder_id IN ?", folderIDs).Error; err != nil {
				return err
			}
			if err := tx.Delete(&FolderModel{}, "id IN ?", folderIDs).Error; err != nil {
				return err
			}
		}
		return tx.Delete(&UserModel{}, "id = ?", id).Error
	})
}

// SaveFolder stores or updates a folder.
func (s *GormStore) SaveFolder(f domain.Folder) error {
	model := folderToModel(f)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "parent_id", "archived_at", "updated_at"}),
	}).Create(&model).Error
}

// GetFolder retrieves a folder.
func (s *GormStore) GetFolder(id string) (domain.Folder, bool, error) {
	var model FolderModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Folder{}, false, nil
		}
		return domain.Folder{}, false, err
	}
	return folderFromModel(model), true, nil
}

// ArchiveFolder soft-deletes a folder.
func (s *GormStore) ArchiveFolder(id string) error {
	now := time.Now().UTC()
	return s.db.Model(&FolderModel{}).Where("id = ?", id).
		Updates(map[string]any{"archived_at": now, "updated_at": now}).Error
}

// DeleteFolder removes a folder and its descendants. Documents inside are
// reassigned (folder reference nulled), never deleted.
func (s *GormStore) DeleteFolder(id string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		ids, err := collectFolderIDs(tx, id)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		if err := tx.Model(&DocumentModel{}).Where("folder_id IN ?", ids).
			Update("folder_id", nil).Error; err != nil {
			return err
		}
		if err := tx.Delete(&FolderTagModel{}, "folder_id IN ?", ids).Error; err != nil {
			return err
		}
		return tx.Delete(&FolderModel{}, "id IN ?", ids).Error
	})
}

// collectFolderIDs walks the parent references breadth-first so the delete is
// an explicit collect-then-delete pass rather than a reliance on FK recursion.
func collectFolderIDs(tx *gorm.DB, rootID string) ([]string, error) {
	var exists int64
	if err := tx.Model(&FolderModel{}).Where("id = ?", rootID).Count(&exists).Error; err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, nil
	}
	all := []string{rootID}
	frontier := []string{rootID}
	for len(frontier) > 0 {
		var children []string
		if err := tx.Model(&FolderModel{}).Where("parent_id IN ?", frontier).
			Pluck("id", &children).Error; err != nil {
			return nil, err
		}
		all = append(all, children...)
		frontier = children
	}
	return all, nil
}

// CreateDocument inserts a new document record.
func (s *GormStore) CreateDocument(d domain.Document) error {
	model := documentToModel(d)
	return s.db.Create(&model).Error
}

// GetDocument retrieves a document.
func (s *GormStore) GetDocument(id string) (domain.Document, bool, error) {
	var model DocumentModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Document{}, false, nil
		}
		return domain.Document{}, false, err
	}
	return documentFromModel(model), true, nil
}

// ListDocumentsByOwner returns documents filtered by owner, oldest first.
func (s *GormStore) ListDocumentsByOwner(ownerID string) ([]domain.Document, error) {
	var models []DocumentModel
	if err := s.db.Where("owner_id = ?", ownerID).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Document, 0, len(models))
	for _, m := range models {
		res = append(res, documentFromModel(m))
	}
	return res, nil
}

// TransitionDocument compare-and-sets the status column.
func (s *GormStore) TransitionDocument(id string, from, to domain.DocumentStatus, update DocumentUpdate) error {
	if err := domain.CheckTransition(from, to); err != nil {
		return err
	}
	updates := map[string]any{
		"status":     string(to),
		"updated_at": time.Now().UTC(),
	}
	if update.ErrorMessage != nil {
		updates["error_message"] = *update.ErrorMessage
	}
	if update.ProcessedAt != nil {
		updates["processed_at"] = update.ProcessedAt.UTC()
	}
	res := s.db.Model(&DocumentModel{}).
		Where("id = ? AND status = ?", id, string(from)).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var model DocumentModel
		if err := s.db.Select("status").First(&model, "id = ?", id).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return ErrDocumentNotFound
			}
			return err
		}
		return &domain.IllegalTransitionError{From: domain.DocumentStatus(model.Status), To: to}
	}
	return nil
}

// SetDocumentText persists the extract stage output.
func (s *GormStore) SetDocumentText(id string, text string, pageCount, wordCount int) error {
	return s.db.Model(&DocumentModel{}).Where("id = ?", id).
		Updates(map[string]any{
			"extracted_text": text,
			"page_count":     pageCount,
			"word_count":     wordCount,
			"updated_at":     time.Now().UTC(),
		}).Error
}

// SetDocumentHash records the content hash computed during upload.
func (s *GormStore) SetDocumentHash(id string, contentHash string) error {
	return s.db.Model(&DocumentModel{}).Where("id = ?", id).
		Updates(map[string]any{
			"content_hash": contentHash,
			"updated_at":   time.Now().UTC(),
		}).Error
}

// ArchiveDocument soft-deletes a document; the row stays until its owner is
// removed.
func (s *GormStore) ArchiveDocument(id string) error {
	now := time.Now().UTC()
	return s.db.Model(&DocumentModel{}).Where("id = ?", id).
		Updates(map[string]any{"archived_at": now, "updated_at": now}).Error
}

// DeleteDocument hard-deletes a document and its dependents. Tags survive;
// only the association rows go.
func (s *GormStore) DeleteDocument(id string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := deleteDocumentDependents(tx, []string{id}); err != nil {
			return err
		}
		return tx.Delete(&DocumentModel{}, "id = ?", id).Error
	})
}

func ownedDocumentIDs(tx *gorm.DB, ownerID string) ([]string, error) {
	var ids []string
	if err := tx.Model(&DocumentModel{}).Where("owner_id = ?", ownerID).Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

func deleteDocumentDependents(tx *gorm.DB, docIDs []string) error {
	var chatIDs []string
	if err := tx.Model(&ChatModel{}).Where("document_id IN ?", docIDs).Pluck("id", &chatIDs).Error; err != nil {
		return err
	}
	if len(chatIDs) > 0 {
		if err := tx.Delete(&ChatMessageModel{}, "chat_id IN ?", chatIDs).Error; err != nil {
			return err
		}
		if err := tx.Delete(&ChatModel{}, "id IN ?", chatIDs).Error; err != nil {
			return err
		}
	}
	if err := tx.Delete(&ChunkModel{}, "document_id IN ?", docIDs).Error; err != nil {
		return err
	}
	if err := tx.Delete(&SummaryModel{}, "document_id IN ?", docIDs).Error; err != nil {
		return err
	}
	if err := tx.Delete(&JobProgressModel{}, "document_id IN ?", docIDs).Error; err != nil {
		return err
	}
	return tx.Delete(&DocumentTagModel{}, "document_id IN ?", docIDs).Error
}

// ListStorageKeys returns every storage key still referenced by a document
// row, regardless of status. The blob sweep treats this as the live set.
func (s *GormStore) ListStorageKeys() ([]string, error) {
	var keys []string
	if err := s.db.Model(&DocumentModel{}).Where("storage_key <> ''").
		Pluck("storage_key", &keys).Error; err != nil {
		return nil, err
	}
	return keys, nil
}

// ReplaceChunks replaces all chunks for a document in one transaction, so a
// re-run of the chunking stage can never duplicate the set.
func (s *GormStore) ReplaceChunks(documentID string, chunks []domain.Chunk) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&ChunkModel{}, "document_id = ?", documentID).Error; err != nil {
			return err
		}
		if len(chunks) == 0 {
			return nil
		}
		models := make([]ChunkModel, 0, len(chunks))
		for _, chunk := range chunks {
			model := chunkToModel(chunk)
			model.DocumentID = documentID
			models = append(models, model)
		}
		return tx.CreateInBatches(&models, 200).Error
	})
}

// ListChunks returns chunks for a document ordered by chunk index.
func (s *GormStore) ListChunks(documentID string) ([]domain.Chunk, error) {
	var models []ChunkModel
	if err := s.db.Where("document_id = ?", documentID).
		Order("chunk_index ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	chunks := make([]domain.Chunk, 0, len(models))
	for _, model := range models {
		chunks = append(chunks, chunkFromModel(model))
	}
	return chunks, nil
}

// SetChunkEmbedding updates the embedding vector for a chunk in place.
func (s *GormStore) SetChunkEmbedding(id string, embedding []float32) error {
	if err := s.validateEmbeddingDim(embedding); err != nil {
		return err
	}
	return s.db.Model(&ChunkModel{}).Where("id = ?", id).
		Update("embedding", pgvector.NewVector(embedding)).Error
}

// SearchChunks finds similar chunks by cosine distance.
func (s *GormStore) SearchChunks(documentID string, embedding []float32, limit int) ([]domain.Chunk, error) {
	if limit <= 0 {
		return []domain.Chunk{}, nil
	}
	if err := s.validateEmbeddingDim(embedding); err != nil {
		return nil, err
	}
	vec := pgvector.NewVector(embedding)
	var models []ChunkModel
	if err := s.db.Model(&ChunkModel{}).
		Where("document_id = ? AND embedding IS NOT NULL", documentID).
		Order(clause.Expr{SQL: "embedding <=> ?", Vars: []any{vec}}).
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	chunks := make([]domain.Chunk, 0, len(models))
	for _, model := range models {
		chunks = append(chunks, chunkFromModel(model))
	}
	return chunks, nil
}

func (s *GormStore) validateEmbeddingDim(embedding []float32) error {
	if len(embedding) == 0 {
		return fmt.Errorf("embedding vector is empty")
	}
	if s.embeddingDim > 0 && len(embedding) != s.embeddingDim {
		return fmt.Errorf("embedding dimension mismatch: got %d, want %d", len(embedding), s.embeddingDim)
	}
	return nil
}

// AddSummary appends a summary row. Summaries are history, never overwritten.
func (s *GormStore) AddSummary(sum domain.Summary) error {
	model := summaryToModel(sum)
	return s.db.Create(&model).Error
}

// ListSummaries returns summaries for a document, newest first.
func (s *GormStore) ListSummaries(documentID string) ([]domain.Summary, error) {
	var models []SummaryModel
	if err := s.db.Where("document_id = ?", documentID).
		Order("created_at DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Summary, 0, len(models))
	for _, m := range models {
		res = append(res, summaryFromModel(m))
	}
	return res, nil
}

// CreateChat creates a chat thread on a document.
func (s *GormStore) CreateChat(c domain.Chat) error {
	model := chatToModel(c)
	return s.db.Create(&model).Error
}

// AppendChatMessage records a chat message.
func (s *GormStore) AppendChatMessage(m domain.ChatMessage) error {
	model := chatMessageToModel(m)
	return s.db.Create(&model).Error
}

// ListChatMessages returns recent messages for a chat in chronological order.
func (s *GormStore) ListChatMessages(chatID string, limit int) ([]domain.ChatMessage, error) {
	if limit <= 0 {
		return []domain.ChatMessage{}, nil
	}
	var models []ChatMessageModel
	if err := s.db.Where("chat_id = ?", chatID).
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	msgs := make([]domain.ChatMessage, 0, len(models))
	for i := len(models) - 1; i >= 0; i-- {
		msgs = append(msgs, chatMessageFromModel(models[i]))
	}
	return msgs, nil
}

// GetTagByName looks up a tag by exact name match.
func (s *GormStore) GetTagByName(name string) (domain.Tag, bool, error) {
	var model TagModel
	if err := s.db.Where("name = ?", name).First(&model).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Tag{}, false, nil
		}
		return domain.Tag{}, false, err
	}
	return tagFromModel(model), true, nil
}

// CreateTag inserts a tag; name collisions are a no-op so concurrent tag
// generation passes stay idempotent.
func (s *GormStore) CreateTag(t domain.Tag) error {
	model := tagToModel(t)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoNothing: true,
	}).Create(&model).Error
}

// DeleteTag removes a tag regardless of reference count; association rows
// cascade independently.
func (s *GormStore) DeleteTag(id string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&DocumentTagModel{}, "tag_id = ?", id).Error; err != nil {
			return err
		}
		if err := tx.Delete(&FolderTagModel{}, "tag_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&TagModel{}, "id = ?", id).Error
	})
}

// AttachDocumentTag is insert-if-absent; a duplicate attach is a no-op.
func (s *GormStore) AttachDocumentTag(documentID, tagID string) error {
	assoc := DocumentTagModel{DocumentID: documentID, TagID: tagID, CreatedAt: time.Now().UTC()}
	return s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&assoc).Error
}

// DetachDocumentTag is delete-if-present; a missing row is a no-op.
func (s *GormStore) DetachDocumentTag(documentID, tagID string) error {
	return s.db.Delete(&DocumentTagModel{}, "document_id = ? AND tag_id = ?", documentID, tagID).Error
}

// AttachFolderTag is insert-if-absent.
func (s *GormStore) AttachFolderTag(folderID, tagID string) error {
	assoc := FolderTagModel{FolderID: folderID, TagID: tagID, CreatedAt: time.Now().UTC()}
	return s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&assoc).Error
}

// DetachFolderTag is delete-if-present.
func (s *GormStore) DetachFolderTag(folderID, tagID string) error {
	return s.db.Delete(&FolderTagModel{}, "folder_id = ? AND tag_id = ?", folderID, tagID).Error
}

// ListDocumentTags returns tags attached to a document.
func (s *GormStore) ListDocumentTags(documentID string) ([]domain.Tag, error) {
	var models []TagModel
	if err := s.db.Model(&TagModel{}).
		Joins("JOIN document_tag_models dt ON dt.tag_id = tag_models.id").
		Where("dt.document_id = ?", documentID).
		Order("tag_models.name ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	tags := make([]domain.Tag, 0, len(models))
	for _, m := range models {
		tags = append(tags, tagFromModel(m))
	}
	return tags, nil
}

// ListOrphanTags returns tags with zero document and folder associations.
// These are cleanup candidates for an external sweep, never auto-deleted here.
func (s *GormStore) ListOrphanTags() ([]domain.Tag, error) {
	var models []TagModel
	if err := s.db.
		Where("NOT EXISTS (SELECT 1 FROM document_tag_models dt WHERE dt.tag_id = tag_models.id)").
		Where("NOT EXISTS (SELECT 1 FROM folder_tag_models ft WHERE ft.tag_id = tag_models.id)").
		Find(&models).Error; err != nil {
		return nil, err
	}
	tags := make([]domain.Tag, 0, len(models))
	for _, m := range models {
		tags = append(tags, tagFromModel(m))
	}
	return tags, nil
}

// UpsertProgress creates or fully resets the progress row for a job ID.
func (s *GormStore) UpsertProgress(p domain.JobProgress) error {
	model := progressToModel(p)
	return s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "job_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"document_id", "user_id", "stage", "progress", "message",
			"details", "error", "started_at", "last_update", "completed_at",
		}),
	}).Create(&model).Error
}

// UpdateProgress advances the stage/fraction/message of a running job. The
// fraction never moves backwards.
func (s *GormStore) UpdateProgress(jobID, stage string, fraction float64, message string, details map[string]string) error {
	updates := map[string]any{
		"stage":       stage,
		"progress":    gorm.Expr("GREATEST(progress, ?)", clampFraction(fraction)),
		"message":     message,
		"last_update": time.Now().UTC(),
	}
	if details != nil {
		raw, err := json.Marshal(details)
		if err != nil {
			return err
		}
		updates["details"] = raw
	}
	return s.db.Model(&JobProgressModel{}).Where("job_id = ?", jobID).Updates(updates).Error
}

// CompleteProgress stamps completed_at together with the terminal stage, so
// the completed_at-iff-terminal invariant holds at every observed instant.
func (s *GormStore) CompleteProgress(jobID, stage, errText string) error {
	if stage != domain.StageCompleted && stage != domain.StageFailed {
		return fmt.Errorf("non-terminal completion stage %q", stage)
	}
	now := time.Now().UTC()
	updates := map[string]any{
		"stage":        stage,
		"error":        errText,
		"last_update":  now,
		"completed_at": now,
	}
	if stage == domain.StageCompleted {
		updates["progress"] = 1.0
	}
	return s.db.Model(&JobProgressModel{}).Where("job_id = ?", jobID).Updates(updates).Error
}

// GetProgress retrieves the progress row for a job ID.
func (s *GormStore) GetProgress(jobID string) (domain.JobProgress, bool, error) {
	var model JobProgressModel
	if err := s.db.First(&model, "job_id = ?", jobID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.JobProgress{}, false, nil
		}
		return domain.JobProgress{}, false, err
	}
	return progressFromModel(model), true, nil
}

// ListProgressByDocument returns progress rows for a document, newest first.
func (s *GormStore) ListProgressByDocument(documentID string) ([]domain.JobProgress, error) {
	var models []JobProgressModel
	if err := s.db.Where("document_id = ?", documentID).
		Order("last_update DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.JobProgress, 0, len(models))
	for _, m := range models {
		res = append(res, progressFromModel(m))
	}
	return res, nil
}

// ListProgressByUser returns the user's most recent progress rows.
func (s *GormStore) ListProgressByUser(userID string, limit int) ([]domain.JobProgress, error) {
	if limit <= 0 {
		limit = 100
	}
	var models []JobProgressModel
	if err := s.db.Where("user_id = ?", userID).
		Order("last_update DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.JobProgress, 0, len(models))
	for _, m := range models {
		res = append(res, progressFromModel(m))
	}
	return res, nil
}

// FindDanglingAssociations scans association tables for rows whose document,
// folder, or tag no longer exists. Diagnostic only; the FK constraints should
// make the result empty.
func (s *GormStore) FindDanglingAssociations() ([]DanglingAssociation, error) {
	var out []DanglingAssociation
	rows, err := s.db.Raw(`
		SELECT 'document_tag_models', dt.document_id, dt.tag_id FROM document_tag_models dt
		WHERE NOT EXISTS (SELECT 1 FROM document_models d WHERE d.id = dt.document_id)
		   OR NOT EXISTS (SELECT 1 FROM tag_models t WHERE t.id = dt.tag_id)
		UNION ALL
		SELECT 'folder_tag_models', ft.folder_id, ft.tag_id FROM folder_tag_models ft
		WHERE NOT EXISTS (SELECT 1 FROM folder_models f WHERE f.id = ft.folder_id)
		   OR NOT EXISTS (SELECT 1 FROM tag_models t WHERE t.id = ft.tag_id)
	`).Rows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var d DanglingAssociation
		if err := rows.Scan(&d.Table, &d.LeftID, &d.RightID); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func clampFraction(fraction float64) float64 {
	if fraction < 0 {
		return 0
	}
	if fraction > 1 {
		return 1
	}
	return fraction
}

func userToModel(u domain.User) UserModel {
	return UserModel{ID: u.ID, Email: u.Email, CreatedAt: u.CreatedAt, UpdatedAt: u.UpdatedAt}
}

func folderToModel(f domain.Folder) FolderModel {
	var parentID *string
	if strings.TrimSpace(f.ParentID) != "" {
		value := strings.TrimSpace(f.ParentID)
		parentID = &value
	}
	return FolderModel{
		ID:         f.ID,
		OwnerID:    f.OwnerID,
		ParentID:   parentID,
		Name:       f.Name,
		ArchivedAt: f.ArchivedAt,
		CreatedAt:  f.CreatedAt,
		UpdatedAt:  f.UpdatedAt,
	}
}

func folderFromModel(m FolderModel) domain.Folder {
	parentID := ""
	if m.ParentID != nil {
		parentID = *m.ParentID
	}
	return domain.Folder{
		ID:         m.ID,
		OwnerID:    m.OwnerID,
		ParentID:   parentID,
		Name:       m.Name,
		ArchivedAt: m.ArchivedAt,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
}

func documentToModel(d domain.Document) DocumentModel {
	var folderID *string
	if strings.TrimSpace(d.FolderID) != "" {
		value := strings.TrimSpace(d.FolderID)
		folderID = &value
	}
	var pageCount, wordCount *int
	if d.PageCount > 0 {
		value := d.PageCount
		pageCount = &value
	}
	if d.WordCount > 0 {
		value := d.WordCount
		wordCount = &value
	}
	return DocumentModel{
		ID:            d.ID,
		OwnerID:       d.OwnerID,
		FolderID:      folderID,
		Filename:      d.Filename,
		SizeBytes:     d.SizeBytes,
		ContentHash:   d.ContentHash,
		StorageKey:    d.StorageKey,
		PageCount:     pageCount,
		ExtractedText: d.ExtractedText,
		WordCount:     wordCount,
		Status:        string(d.Status),
		ErrorMessage:  d.ErrorMessage,
		ProcessedAt:   d.ProcessedAt,
		ArchivedAt:    d.ArchivedAt,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}
}

func documentFromModel(m DocumentModel) domain.Document {
	folderID := ""
	if m.FolderID != nil {
		folderID = *m.FolderID
	}
	pageCount, wordCount := 0, 0
	if m.PageCount != nil {
		pageCount = *m.PageCount
	}
	if m.WordCount != nil {
		wordCount = *m.WordCount
	}
	return domain.Document{
		ID:            m.ID,
		OwnerID:       m.OwnerID,
		FolderID:      folderID,
		Filename:      m.Filename,
		SizeBytes:     m.SizeBytes,
		ContentHash:   m.ContentHash,
		StorageKey:    m.StorageKey,
		PageCount:     pageCount,
		ExtractedText: m.ExtractedText,
		WordCount:     wordCount,
		Status:        domain.DocumentStatus(m.Status),
		ErrorMessage:  m.ErrorMessage,
		ProcessedAt:   m.ProcessedAt,
		ArchivedAt:    m.ArchivedAt,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

func chunkToModel(chunk domain.Chunk) ChunkModel {
	meta, _ := json.Marshal(chunk.Metadata)
	model := ChunkModel{
		ID:         chunk.ID,
		DocumentID: chunk.DocumentID,
		ChunkIndex: chunk.ChunkIndex,
		Content:    chunk.Content,
		Metadata:   meta,
		CreatedAt:  chunk.CreatedAt,
	}
	if len(chunk.Embedding) > 0 {
		vec := pgvector.NewVector(chunk.Embedding)
		model.Embedding = &vec
	}
	return model
}

func chunkFromModel(model ChunkModel) domain.Chunk {
	var meta map[string]string
	if len(model.Metadata) > 0 {
		_ = json.Unmarshal(model.Metadata, &meta)
	}
	chunk := domain.Chunk{
		ID:         model.ID,
		DocumentID: model.DocumentID,
		ChunkIndex: model.ChunkIndex,
		Content:    model.Content,
		Metadata:   meta,
		CreatedAt:  model.CreatedAt,
	}
	if model.Embedding != nil {
		chunk.Embedding = model.Embedding.Slice()
	}
	return chunk
}

func summaryToModel(s domain.Summary) SummaryModel {
	return SummaryModel{
		ID:         s.ID,
		DocumentID: s.DocumentID,
		UserID:     s.UserID,
		Content:    s.Content,
		ModelName:  s.Model,
		CreatedAt:  s.CreatedAt,
	}
}

func summaryFromModel(m SummaryModel) domain.Summary {
	return domain.Summary{
		ID:         m.ID,
		DocumentID: m.DocumentID,
		UserID:     m.UserID,
		Content:    m.Content,
		Model:      m.ModelName,
		CreatedAt:  m.CreatedAt,
	}
}

func chatToModel(c domain.Chat) ChatModel {
	return ChatModel{
		ID:         c.ID,
		DocumentID: c.DocumentID,
		UserID:     c.UserID,
		Title:      c.Title,
		CreatedAt:  c.CreatedAt,
		UpdatedAt:  c.UpdatedAt,
	}
}

func chatMessageToModel(m domain.ChatMessage) ChatMessageModel {
	return ChatMessageModel{
		ID:        m.ID,
		ChatID:    m.ChatID,
		Role:      m.Role,
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
	}
}

func chatMessageFromModel(m ChatMessageModel) domain.ChatMessage {
	return domain.ChatMessage{
		ID:        m.ID,
		ChatID:    m.ChatID,
		Role:      m.Role,
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
	}
}

func tagToModel(t domain.Tag) TagModel {
	model := TagModel{
		ID:        t.ID,
		Name:      t.Name,
		Slug:      t.Slug,
		CreatedAt: t.CreatedAt,
	}
	if len(t.Embedding) > 0 {
		vec := pgvector.NewVector(t.Embedding)
		model.Embedding = &vec
	}
	return model
}

func tagFromModel(m TagModel) domain.Tag {
	tag := domain.Tag{
		ID:        m.ID,
		Name:      m.Name,
		Slug:      m.Slug,
		CreatedAt: m.CreatedAt,
	}
	if m.Embedding != nil {
		tag.Embedding = m.Embedding.Slice()
	}
	return tag
}

func progressToModel(p domain.JobProgress) JobProgressModel {
	var documentID *string
	if strings.TrimSpace(p.DocumentID) != "" {
		value := strings.TrimSpace(p.DocumentID)
		documentID = &value
	}
	details, _ := json.Marshal(p.Details)
	return JobProgressModel{
		JobID:       p.JobID,
		DocumentID:  documentID,
		UserID:      p.UserID,
		Stage:       p.Stage,
		Progress:    clampFraction(p.Progress),
		Message:     p.Message,
		Details:     details,
		Error:       p.Error,
		StartedAt:   p.StartedAt,
		LastUpdate:  p.LastUpdate,
		CompletedAt: p.CompletedAt,
	}
}

func progressFromModel(m JobProgressModel) domain.JobProgress {
	documentID := ""
	if m.DocumentID != nil {
		documentID = *m.DocumentID
	}
	var details map[string]string
	if len(m.Details) > 0 {
		_ = json.Unmarshal(m.Details, &details)
	}
	return domain.JobProgress{
		JobID:       m.JobID,
		DocumentID:  documentID,
		UserID:      m.UserID,
		Stage:       m.Stage,
		Progress:    m.Progress,
		Message:     m.Message,
		Details:     details,
		Error:       m.Error,
		StartedAt:   m.StartedAt,
		LastUpdate:  m.LastUpdate,
		CompletedAt: m.CompletedAt,
	}
}
