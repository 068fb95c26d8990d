package queue

import (
	"encoding/json"
	"fmt"
)

// Kind names a unit of background work. The set is closed; dispatch happens
// through exhaustive switches so an unknown kind is an error, not a silent
// drop.
type Kind string

const (
	KindProcessDocument Kind = "process_document"
	KindCleanupBlobs    Kind = "cleanup_blobs"
)

// DocumentArgs is the payload of a document-processing task.
type DocumentArgs struct {
	DocumentID string `json:"documentId"`
	OwnerID    string `json:"ownerId"`
}

// CleanupArgs is the payload of the orphan-blob sweep task.
type CleanupArgs struct {
	DryRun bool `json:"dryRun,omitempty"`
}

// Task is one enqueueable unit of work. Job IDs are deterministic per
// document so duplicate enqueues are detectable.
type Task struct {
	ID       string        `json:"id"`
	Kind     Kind          `json:"kind"`
	Document *DocumentArgs `json:"document,omitempty"`
	Cleanup  *CleanupArgs  `json:"cleanup,omitempty"`
}

// CleanupJobID is the fixed job ID of the daily sweep; at most one sweep can
// be pending at a time.
const CleanupJobID = "cleanup:blobs"

// DocumentJobID returns the deterministic job ID for a document.
func DocumentJobID(documentID string) string {
	return "doc:" + documentID
}

// NewProcessDocumentTask builds the processing task for one document.
func NewProcessDocumentTask(documentID, ownerID string) Task {
	return Task{
		ID:       DocumentJobID(documentID),
		Kind:     KindProcessDocument,
		Document: &DocumentArgs{DocumentID: documentID, OwnerID: ownerID},
	}
}

// NewCleanupBlobsTask builds the orphan-blob sweep task.
func NewCleanupBlobsTask(dryRun bool) Task {
	return Task{
		ID:      CleanupJobID,
		Kind:    KindCleanupBlobs,
		Cleanup: &CleanupArgs{DryRun: dryRun},
	}
}

// Validate checks that the task carries the payload its kind requires.
func (t Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task id required")
	}
	switch t.Kind {
	case KindProcessDocument:
		if t.Document == nil || t.Document.DocumentID == "" {
			return fmt.Errorf("process_document task requires document args")
		}
	case KindCleanupBlobs:
		if t.Cleanup == nil {
			return fmt.Errorf("cleanup_blobs task requires cleanup args")
		}
	default:
		return fmt.Errorf("unknown task kind %q", t.Kind)
	}
	return nil
}

func encodeTask(t Task) (string, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("encode task: %w", err)
	}
	return string(raw), nil
}

func decodeTask(raw string) (Task, error) {
	var t Task
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return Task{}, fmt.Errorf("decode task: %w", err)
	}
	if err := t.Validate(); err != nil {
		return Task{}, err
	}
	return t, nil
}
