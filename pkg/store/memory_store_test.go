package store

import (
	"testing"
	"time"

	"docbrain/pkg/domain"
)

func seedDocument(t *testing.T, m *MemoryStore, id string) domain.Document {
	t.Helper()
	doc := domain.Document{
		ID:        id,
		OwnerID:   "user-1",
		Filename:  "report.pdf",
		SizeBytes: 1024,
		Status:    domain.StatusPending,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := m.CreateDocument(doc); err != nil {
		t.Fatalf("create document: %v", err)
	}
	return doc
}

func TestDeleteDocumentCascades(t *testing.T) {
	m := NewMemoryStore()
	doc := seedDocument(t, m, "doc-1")

	chunks := make([]domain.Chunk, 3)
	for i := range chunks {
		chunks[i] = domain.Chunk{ID: "chunk-" + string(rune('a'+i)), DocumentID: doc.ID, ChunkIndex: i, Content: "text"}
	}
	if err := m.ReplaceChunks(doc.ID, chunks); err != nil {
		t.Fatalf("replace chunks: %v", err)
	}
	if err := m.AddSummary(domain.Summary{ID: "sum-1", DocumentID: doc.ID, UserID: doc.OwnerID, Content: "summary"}); err != nil {
		t.Fatalf("add summary: %v", err)
	}
	for _, tagID := range []string{"tag-1", "tag-2"} {
		if err := m.CreateTag(domain.Tag{ID: tagID, Name: tagID, Slug: tagID}); err != nil {
			t.Fatalf("create tag: %v", err)
		}
		if err := m.AttachDocumentTag(doc.ID, tagID); err != nil {
			t.Fatalf("attach tag: %v", err)
		}
	}
	if err := m.UpsertProgress(domain.JobProgress{JobID: "doc:" + doc.ID, DocumentID: doc.ID, UserID: doc.OwnerID, Stage: "extract_text", StartedAt: time.Now().UTC(), LastUpdate: time.Now().UTC()}); err != nil {
		t.Fatalf("upsert progress: %v", err)
	}

	if err := m.DeleteDocument(doc.ID); err != nil {
		t.Fatalf("delete document: %v", err)
	}

	if got, _ := m.ListChunks(doc.ID); len(got) != 0 {
		t.Errorf("expected zero chunks, got %d", len(got))
	}
	if got, _ := m.ListSummaries(doc.ID); len(got) != 0 {
		t.Errorf("expected zero summaries, got %d", len(got))
	}
	if got, _ := m.ListDocumentTags(doc.ID); len(got) != 0 {
		t.Errorf("expected zero tag associations, got %d", len(got))
	}
	if _, ok, _ := m.GetProgress("doc:" + doc.ID); ok {
		t.Error("expected progress row to cascade")
	}
	// Tags themselves survive.
	orphans, err := m.ListOrphanTags()
	if err != nil {
		t.Fatalf("list orphan tags: %v", err)
	}
	if len(orphans) != 2 {
		t.Fatalf("expected 2 surviving tags, got %d", len(orphans))
	}
	dangling, err := m.FindDanglingAssociations()
	if err != nil {
		t.Fatalf("dangling scan: %v", err)
	}
	if len(dangling) != 0 {
		t.Fatalf("expected no dangling associations, got %+v", dangling)
	}
}

func TestDeleteFolderReassignsDocuments(t *testing.T) {
	m := NewMemoryStore()
	root := domain.Folder{ID: "f-root", OwnerID: "user-1", Name: "root"}
	child := domain.Folder{ID: "f-child", OwnerID: "user-1", ParentID: root.ID, Name: "child"}
	grandchild := domain.Folder{ID: "f-grand", OwnerID: "user-1", ParentID: child.ID, Name: "grand"}
	for _, f := range []domain.Folder{root, child, grandchild} {
		if err := m.SaveFolder(f); err != nil {
			t.Fatalf("save folder: %v", err)
		}
	}
	doc := seedDocument(t, m, "doc-1")
	doc.FolderID = grandchild.ID
	m.documents[doc.ID] = doc

	if err := m.DeleteFolder(root.ID); err != nil {
		t.Fatalf("delete folder: %v", err)
	}
	for _, id := range []string{root.ID, child.ID, grandchild.ID} {
		if _, ok, _ := m.GetFolder(id); ok {
			t.Errorf("folder %s should be gone", id)
		}
	}
	got, _, _ := m.GetDocument(doc.ID)
	if got.FolderID != "" {
		t.Errorf("document folder reference should be nulled, got %q", got.FolderID)
	}
}

func TestDeleteUserCascadesEverything(t *testing.T) {
	m := NewMemoryStore()
	if err := m.SaveUser(domain.User{ID: "user-1", Email: "u@example.com"}); err != nil {
		t.Fatalf("save user: %v", err)
	}
	doc := seedDocument(t, m, "doc-1")
	if err := m.SaveFolder(domain.Folder{ID: "f-1", OwnerID: "user-1", Name: "inbox"}); err != nil {
		t.Fatalf("save folder: %v", err)
	}
	if err := m.CreateChat(domain.Chat{ID: "chat-1", DocumentID: doc.ID, UserID: "user-1"}); err != nil {
		t.Fatalf("create chat: %v", err)
	}
	if err := m.AppendChatMessage(domain.ChatMessage{ID: "msg-1", ChatID: "chat-1", Role: "user", Content: "hi"}); err != nil {
		t.Fatalf("append message: %v", err)
	}

	if err := m.DeleteUser("user-1"); err != nil {
		t.Fatalf("delete user: %v", err)
	}
	if _, ok, _ := m.GetDocument(doc.ID); ok {
		t.Error("document should cascade with user")
	}
	if _, ok, _ := m.GetFolder("f-1"); ok {
		t.Error("folder should cascade with user")
	}
	if msgs, _ := m.ListChatMessages("chat-1", 10); len(msgs) != 0 {
		t.Error("chat messages should cascade with user")
	}
}

func TestTransitionDocumentCompareAndSet(t *testing.T) {
	m := NewMemoryStore()
	doc := seedDocument(t, m, "doc-1")

	if err := m.TransitionDocument(doc.ID, domain.StatusPending, domain.StatusUploading, DocumentUpdate{}); err != nil {
		t.Fatalf("pending -> uploading: %v", err)
	}
	// A stale writer still assuming pending loses.
	err := m.TransitionDocument(doc.ID, domain.StatusPending, domain.StatusUploading, DocumentUpdate{})
	if err == nil {
		t.Fatal("expected stale transition to fail")
	}
	if err := m.TransitionDocument("missing", domain.StatusPending, domain.StatusUploading, DocumentUpdate{}); err != ErrDocumentNotFound {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
	// Illegal edge rejected before touching the row.
	if err := m.TransitionDocument(doc.ID, domain.StatusUploading, domain.StatusCompleted, DocumentUpdate{}); err == nil {
		t.Fatal("expected illegal edge uploading -> completed to be rejected")
	}
}

func TestReplaceChunksIsIdempotent(t *testing.T) {
	m := NewMemoryStore()
	doc := seedDocument(t, m, "doc-1")

	first := []domain.Chunk{
		{ID: "c-0", DocumentID: doc.ID, ChunkIndex: 0, Content: "a"},
		{ID: "c-1", DocumentID: doc.ID, ChunkIndex: 1, Content: "b"},
		{ID: "c-2", DocumentID: doc.ID, ChunkIndex: 2, Content: "c"},
	}
	if err := m.ReplaceChunks(doc.ID, first); err != nil {
		t.Fatalf("replace chunks: %v", err)
	}
	second := []domain.Chunk{
		{ID: "d-1", DocumentID: doc.ID, ChunkIndex: 1, Content: "y"},
		{ID: "d-0", DocumentID: doc.ID, ChunkIndex: 0, Content: "x"},
	}
	if err := m.ReplaceChunks(doc.ID, second); err != nil {
		t.Fatalf("replace chunks again: %v", err)
	}
	got, _ := m.ListChunks(doc.ID)
	if len(got) != 2 {
		t.Fatalf("expected 2 chunks after replace, got %d", len(got))
	}
	for i, chunk := range got {
		if chunk.ChunkIndex != i {
			t.Errorf("chunk %d has index %d", i, chunk.ChunkIndex)
		}
	}
}

func TestProgressTerminalInvariant(t *testing.T) {
	m := NewMemoryStore()
	now := time.Now().UTC()
	p := domain.JobProgress{JobID: "doc:x", UserID: "user-1", Stage: "extract_text", StartedAt: now, LastUpdate: now}
	if err := m.UpsertProgress(p); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := m.CompleteProgress("doc:x", "chunk_text", ""); err == nil {
		t.Fatal("expected non-terminal completion stage to be rejected")
	}
	if err := m.CompleteProgress("doc:x", domain.StageCompleted, ""); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, ok, _ := m.GetProgress("doc:x")
	if !ok || got.CompletedAt == nil {
		t.Fatal("expected completed_at set on terminal stage")
	}
	if got.Progress != 1 {
		t.Fatalf("expected progress 1.0, got %v", got.Progress)
	}
}

func TestUpdateProgressMonotonic(t *testing.T) {
	m := NewMemoryStore()
	now := time.Now().UTC()
	if err := m.UpsertProgress(domain.JobProgress{JobID: "doc:x", UserID: "user-1", Stage: "extract_text", Progress: 0.4, StartedAt: now, LastUpdate: now}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := m.UpdateProgress("doc:x", "chunk_text", 0.2, "going backwards", nil); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _, _ := m.GetProgress("doc:x")
	if got.Progress != 0.4 {
		t.Fatalf("progress regressed: %v", got.Progress)
	}
	if !got.LastUpdate.After(now) && !got.LastUpdate.Equal(now) {
		t.Fatal("last_update must not move backwards")
	}
}

func TestAttachTagIdempotent(t *testing.T) {
	m := NewMemoryStore()
	doc := seedDocument(t, m, "doc-1")
	if err := m.CreateTag(domain.Tag{ID: "tag-1", Name: "go", Slug: "go"}); err != nil {
		t.Fatalf("create tag: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := m.AttachDocumentTag(doc.ID, "tag-1"); err != nil {
			t.Fatalf("attach %d: %v", i, err)
		}
	}
	tags, _ := m.ListDocumentTags(doc.ID)
	if len(tags) != 1 {
		t.Fatalf("expected a single association, got %d", len(tags))
	}
	if err := m.DetachDocumentTag(doc.ID, "tag-1"); err != nil {
		t.Fatalf("detach: %v", err)
	}
	if err := m.DetachDocumentTag(doc.ID, "tag-1"); err != nil {
		t.Fatalf("second detach should be a no-op: %v", err)
	}
}
