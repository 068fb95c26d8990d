package store

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"docbrain/pkg/domain"
)

// MemoryStore keeps everything in-process. It mirrors the cascade and
// idempotence semantics of the Postgres store and backs pipeline tests.
type MemoryStore struct {
	mu        sync.RWMutex
	users     map[string]domain.User
	folders   map[string]domain.Folder
	documents map[string]domain.Document
	chunks    map[string][]domain.Chunk // document ID -> chunks ordered by index
	summaries map[string][]domain.Summary
	chats     map[string]domain.Chat
	messages  map[string][]domain.ChatMessage // chat ID -> messages
	tags      map[string]domain.Tag
	docTags   map[string]map[string]time.Time // document ID -> tag ID -> created
	folderTag map[string]map[string]time.Time
	progress  map[string]domain.JobProgress // job ID -> row
	docOrder  []string
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     make(map[string]domain.User),
		folders:   make(map[string]domain.Folder),
		documents: make(map[string]domain.Document),
		chunks:    make(map[string][]domain.Chunk),
		summaries: make(map[string][]domain.Summary),
		chats:     make(map[string]domain.Chat),
		messages:  make(map[string][]domain.ChatMessage),
		tags:      make(map[string]domain.Tag),
		docTags:   make(map[string]map[string]time.Time),
		folderTag: make(map[string]map[string]time.Time),
		progress:  make(map[string]domain.JobProgress),
	}
}

func (m *MemoryStore) SaveUser(u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
	return nil
}

func (m *MemoryStore) DeleteUser(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for docID, doc := range m.documents {
		if doc.OwnerID == id {
			m.deleteDocumentLocked(docID)
		}
	}
	for jobID, p := range m.progress {
		if p.UserID == id {
			delete(m.progress, jobID)
		}
	}
	for folderID, f := range m.folders {
		if f.OwnerID == id {
			delete(m.folders, folderID)
			delete(m.folderTag, folderID)
		}
	}
	delete(m.users, id)
	return nil
}

func (m *MemoryStore) SaveFolder(f domain.Folder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.folders {
		if existing.ID != f.ID && existing.OwnerID == f.OwnerID &&
			existing.ParentID == f.ParentID && existing.Name == f.Name {
			return fmt.Errorf("folder %q already exists under this parent", f.Name)
		}
	}
	m.folders[f.ID] = f
	return nil
}

func (m *MemoryStore) GetFolder(id string) (domain.Folder, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.folders[id]
	return f, ok, nil
}

func (m *MemoryStore) ArchiveFolder(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.folders[id]
	if !ok {
		return nil
	}
	now := time.Now().UTC()
	f.ArchivedAt = &now
	f.UpdatedAt = now
	m.folders[id] = f
	return nil
}

// DeleteFolder removes the folder subtree via an explicit collect-then-delete
// pass over the folder arena; contained documents are reassigned, not deleted.
func (m *MemoryStore) DeleteFolder(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.folders[id]; !ok {
		return nil
	}
	doomed := map[string]struct{}{id: {}}
	frontier := []string{id}
	for len(frontier) > 0 {
		var next []string
		for folderID, f := range m.folders {
			if _, gone := doomed[folderID]; gone {
				continue
			}
			for _, parent := range frontier {
				if f.ParentID == parent {
					doomed[folderID] = struct{}{}
					next = append(next, folderID)
				}
			}
		}
		frontier = next
	}
	for docID, doc := range m.documents {
		if _, gone := doomed[doc.FolderID]; gone {
			doc.FolderID = ""
			m.documents[docID] = doc
		}
	}
	for folderID := range doomed {
		delete(m.folders, folderID)
		delete(m.folderTag, folderID)
	}
	return nil
}

func (m *MemoryStore) CreateDocument(d domain.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.documents[d.ID]; exists {
		return fmt.Errorf("document %s already exists", d.ID)
	}
	m.documents[d.ID] = d
	m.docOrder = append(m.docOrder, d.ID)
	return nil
}

func (m *MemoryStore) GetDocument(id string) (domain.Document, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.documents[id]
	return d, ok, nil
}

func (m *MemoryStore) ListDocumentsByOwner(ownerID string) ([]domain.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Document, 0)
	for _, id := range m.docOrder {
		if d, ok := m.documents[id]; ok && d.OwnerID == ownerID {
			res = append(res, d)
		}
	}
	return res, nil
}

func (m *MemoryStore) TransitionDocument(id string, from, to domain.DocumentStatus, update DocumentUpdate) error {
	if err := domain.CheckTransition(from, to); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.documents[id]
	if !ok {
		return ErrDocumentNotFound
	}
	if d.Status != from {
		return &domain.IllegalTransitionError{From: d.Status, To: to}
	}
	d.Status = to
	if update.ErrorMessage != nil {
		d.ErrorMessage = *update.ErrorMessage
	}
	if update.ProcessedAt != nil {
		value := update.ProcessedAt.UTC()
		d.ProcessedAt = &value
	}
	d.UpdatedAt = time.Now().UTC()
	m.documents[id] = d
	return nil
}

func (m *MemoryStore) SetDocumentText(id string, text string, pageCount, wordCount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.documents[id]
	if !ok {
		return ErrDocumentNotFound
	}
	d.ExtractedText = text
	d.PageCount = pageCount
	d.WordCount = wordCount
	d.UpdatedAt = time.Now().UTC()
	m.documents[id] = d
	return nil
}

func (m *MemoryStore) SetDocumentHash(id string, contentHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.documents[id]
	if !ok {
		return ErrDocumentNotFound
	}
	d.ContentHash = contentHash
	d.UpdatedAt = time.Now().UTC()
	m.documents[id] = d
	return nil
}

func (m *MemoryStore) ArchiveDocument(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.documents[id]
	if !ok {
		return nil
	}
	now := time.Now().UTC()
	d.ArchivedAt = &now
	d.UpdatedAt = now
	m.documents[id] = d
	return nil
}

func (m *MemoryStore) DeleteDocument(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteDocumentLocked(id)
	return nil
}

func (m *MemoryStore) deleteDocumentLocked(id string) {
	for chatID, chat := range m.chats {
		if chat.DocumentID == id {
			delete(m.messages, chatID)
			delete(m.chats, chatID)
		}
	}
	delete(m.chunks, id)
	delete(m.summaries, id)
	delete(m.docTags, id)
	for jobID, p := range m.progress {
		if p.DocumentID == id {
			delete(m.progress, jobID)
		}
	}
	delete(m.documents, id)
	filtered := m.docOrder[:0]
	for _, item := range m.docOrder {
		if item != id {
			filtered = append(filtered, item)
		}
	}
	m.docOrder = filtered
}

func (m *MemoryStore) ListStorageKeys() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.documents))
	for _, d := range m.documents {
		if d.StorageKey != "" {
			keys = append(keys, d.StorageKey)
		}
	}
	return keys, nil
}

func (m *MemoryStore) ReplaceChunks(documentID string, chunks []domain.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	replacement := make([]domain.Chunk, len(chunks))
	copy(replacement, chunks)
	sort.Slice(replacement, func(i, j int) bool {
		return replacement[i].ChunkIndex < replacement[j].ChunkIndex
	})
	m.chunks[documentID] = replacement
	return nil
}

func (m *MemoryStore) ListChunks(documentID string) ([]domain.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chunks := m.chunks[documentID]
	out := make([]domain.Chunk, len(chunks))
	copy(out, chunks)
	return out, nil
}

func (m *MemoryStore) SetChunkEmbedding(id string, embedding []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for docID, chunks := range m.chunks {
		for i, chunk := range chunks {
			if chunk.ID == id {
				chunks[i].Embedding = append([]float32(nil), embedding...)
				m.chunks[docID] = chunks
				return nil
			}
		}
	}
	return fmt.Errorf("chunk %s not found", id)
}

func (m *MemoryStore) SearchChunks(documentID string, embedding []float32, limit int) ([]domain.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 {
		return []domain.Chunk{}, nil
	}
	type scored struct {
		chunk domain.Chunk
		dist  float64
	}
	var candidates []scored
	for _, chunk := range m.chunks[documentID] {
		if len(chunk.Embedding) == 0 {
			continue
		}
		candidates = append(candidates, scored{chunk, cosineDistance(embedding, chunk.Embedding)})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].dist < candidates[j].dist })
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]domain.Chunk, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, c.chunk)
	}
	return out, nil
}

func cosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 2
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 2
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

func (m *MemoryStore) AddSummary(s domain.Summary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summaries[s.DocumentID] = append(m.summaries[s.DocumentID], s)
	return nil
}

func (m *MemoryStore) ListSummaries(documentID string) ([]domain.Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.summaries[documentID]
	out := make([]domain.Summary, len(all))
	copy(out, all)
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (m *MemoryStore) CreateChat(c domain.Chat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chats[c.ID] = c
	return nil
}

func (m *MemoryStore) AppendChatMessage(msg domain.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[msg.ChatID] = append(m.messages[msg.ChatID], msg)
	return nil
}

func (m *MemoryStore) ListChatMessages(chatID string, limit int) ([]domain.ChatMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 {
		return []domain.ChatMessage{}, nil
	}
	all := m.messages[chatID]
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]domain.ChatMessage, len(all))
	copy(out, all)
	return out, nil
}

func (m *MemoryStore) GetTagByName(name string) (domain.Tag, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.tags {
		if t.Name == name {
			return t, true, nil
		}
	}
	return domain.Tag{}, false, nil
}

func (m *MemoryStore) CreateTag(t domain.Tag) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.tags {
		if existing.Name == t.Name {
			return nil
		}
	}
	m.tags[t.ID] = t
	return nil
}

func (m *MemoryStore) DeleteTag(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for docID := range m.docTags {
		delete(m.docTags[docID], id)
	}
	for folderID := range m.folderTag {
		delete(m.folderTag[folderID], id)
	}
	delete(m.tags, id)
	return nil
}

func (m *MemoryStore) AttachDocumentTag(documentID, tagID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.docTags[documentID] == nil {
		m.docTags[documentID] = make(map[string]time.Time)
	}
	if _, exists := m.docTags[documentID][tagID]; !exists {
		m.docTags[documentID][tagID] = time.Now().UTC()
	}
	return nil
}

func (m *MemoryStore) DetachDocumentTag(documentID, tagID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docTags[documentID], tagID)
	return nil
}

func (m *MemoryStore) AttachFolderTag(folderID, tagID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.folderTag[folderID] == nil {
		m.folderTag[folderID] = make(map[string]time.Time)
	}
	if _, exists := m.folderTag[folderID][tagID]; !exists {
		m.folderTag[folderID][tagID] = time.Now().UTC()
	}
	return nil
}

func (m *MemoryStore) DetachFolderTag(folderID, tagID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.folderTag[folderID], tagID)
	return nil
}

func (m *MemoryStore) ListDocumentTags(documentID string) ([]domain.Tag, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Tag, 0, len(m.docTags[documentID]))
	for tagID := range m.docTags[documentID] {
		if t, ok := m.tags[tagID]; ok {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) ListOrphanTags() ([]domain.Tag, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	referenced := make(map[string]struct{})
	for _, tags := range m.docTags {
		for tagID := range tags {
			referenced[tagID] = struct{}{}
		}
	}
	for _, tags := range m.folderTag {
		for tagID := range tags {
			referenced[tagID] = struct{}{}
		}
	}
	var out []domain.Tag
	for id, t := range m.tags {
		if _, ok := referenced[id]; !ok {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) UpsertProgress(p domain.JobProgress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.Progress = clampFraction(p.Progress)
	m.progress[p.JobID] = p
	return nil
}

func (m *MemoryStore) UpdateProgress(jobID, stage string, fraction float64, message string, details map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.progress[jobID]
	if !ok {
		return fmt.Errorf("job progress %s not found", jobID)
	}
	p.Stage = stage
	if f := clampFraction(fraction); f > p.Progress {
		p.Progress = f
	}
	p.Message = message
	if details != nil {
		p.Details = details
	}
	p.LastUpdate = time.Now().UTC()
	m.progress[jobID] = p
	return nil
}

func (m *MemoryStore) CompleteProgress(jobID, stage, errText string) error {
	if stage != domain.StageCompleted && stage != domain.StageFailed {
		return fmt.Errorf("non-terminal completion stage %q", stage)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.progress[jobID]
	if !ok {
		return fmt.Errorf("job progress %s not found", jobID)
	}
	now := time.Now().UTC()
	p.Stage = stage
	p.Error = errText
	if stage == domain.StageCompleted {
		p.Progress = 1
	}
	p.LastUpdate = now
	p.CompletedAt = &now
	m.progress[jobID] = p
	return nil
}

func (m *MemoryStore) GetProgress(jobID string) (domain.JobProgress, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.progress[jobID]
	return p, ok, nil
}

func (m *MemoryStore) ListProgressByDocument(documentID string) ([]domain.JobProgress, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.JobProgress
	for _, p := range m.progress {
		if p.DocumentID == documentID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastUpdate.After(out[j].LastUpdate) })
	return out, nil
}

func (m *MemoryStore) ListProgressByUser(userID string, limit int) ([]domain.JobProgress, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 {
		limit = 100
	}
	var out []domain.JobProgress
	for _, p := range m.progress {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastUpdate.After(out[j].LastUpdate) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// FindDanglingAssociations mirrors the Postgres diagnostic scan.
func (m *MemoryStore) FindDanglingAssociations() ([]DanglingAssociation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []DanglingAssociation
	for docID, tags := range m.docTags {
		_, docOK := m.documents[docID]
		for tagID := range tags {
			_, tagOK := m.tags[tagID]
			if !docOK || !tagOK {
				out = append(out, DanglingAssociation{Table: "document_tags", LeftID: docID, RightID: tagID})
			}
		}
	}
	for folderID, tags := range m.folderTag {
		_, folderOK := m.folders[folderID]
		for tagID := range tags {
			_, tagOK := m.tags[tagID]
			if !folderOK || !tagOK {
				out = append(out, DanglingAssociation{Table: "folder_tags", LeftID: folderID, RightID: tagID})
			}
		}
	}
	return out, nil
}
