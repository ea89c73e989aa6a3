// Package filesharing transfers files between peers of a shared document.
// File metadata and transfer requests live in the document; availability is
// derived from awareness; bytes move in verified chunks over a Channel.
package filesharing

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/imdevinc/docsync/internal/crdt"
	"github.com/imdevinc/docsync/internal/events"
)

// Map names in the shared document
const (
	FilesMap     = "files"
	TransfersMap = "transfers"

	// OutcomesMap holds the terminal state of finished requests. It is kept
	// apart from the request record so a later progress write from another
	// replica cannot replace it.
	OutcomesMap = "transfer_outcomes"
)

// TransferStatus is the state of a transfer request
type TransferStatus string

const (
	StatusPending   TransferStatus = "pending"
	StatusActive    TransferStatus = "active"
	StatusCompleted TransferStatus = "completed"
	StatusFailed    TransferStatus = "failed"
	StatusCancelled TransferStatus = "cancelled"
)

// Terminal reports whether no transition leaves s
func (s TransferStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

var (
	// ErrTerminalState is returned when changing a finished request
	ErrTerminalState = errors.New("transfer request is in a terminal state")

	// ErrInvalidTransition is returned for transitions the state machine forbids
	ErrInvalidTransition = errors.New("invalid transfer state transition")

	// ErrNotFound is returned for unknown files and requests
	ErrNotFound = errors.New("not found")
)

// CheckTransition validates moving a request from one status to another
func CheckTransition(from, to TransferStatus) error {
	if from.Terminal() {
		return fmt.Errorf("%w: %s", ErrTerminalState, from)
	}
	switch {
	case from == StatusPending && to == StatusActive,
		from == StatusActive && to == StatusCompleted,
		to == StatusFailed,
		to == StatusCancelled:
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// SharedFile is a file registered for sharing, keyed by content hash
type SharedFile struct {
	Hash        string `json:"hash"`
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	Type        string `json:"type"`
	AddedAt     int64  `json:"added_at"`
	AddedBy     string `json:"added_by"`
	AddedByName string `json:"added_by_name"`
}

// TransferRequest asks a holder of a file to send it to the requester
type TransferRequest struct {
	ID          string         `json:"id"`
	FileHash    string         `json:"file_hash"`
	RequesterID string         `json:"requester_id"`
	Status      TransferStatus `json:"status"`
	SeederID    string         `json:"seeder_id,omitempty"`
	Progress    float64        `json:"progress,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   int64          `json:"created_at"`
	CompletedAt int64          `json:"completed_at,omitempty"`
}

// TransferOutcome is the terminal state of a request
type TransferOutcome struct {
	Status      TransferStatus `json:"status"`
	Progress    float64        `json:"progress,omitempty"`
	Error       string         `json:"error,omitempty"`
	CompletedAt int64          `json:"completed_at,omitempty"`
}

// mapReader is implemented by crdt.Map and crdt.TxMap
type mapReader interface {
	Get(key string, out any) (bool, error)
}

// readTransfer loads a request and applies its outcome, if any
func readTransfer(transfers, outcomes mapReader, id string) (TransferRequest, bool, error) {
	var req TransferRequest
	ok, err := transfers.Get(id, &req)
	if err != nil || !ok {
		return req, ok, err
	}
	var out TransferOutcome
	found, err := outcomes.Get(id, &out)
	if err != nil {
		return req, true, err
	}
	if found && out.Status.Terminal() {
		req.Status = out.Status
		req.Progress = out.Progress
		req.Error = out.Error
		req.CompletedAt = out.CompletedAt
	}
	return req, true, nil
}

// Registry is the shared file and transfer catalogue of a document
type Registry struct {
	doc *crdt.Doc
	now func() time.Time
}

// NewRegistry binds a registry to a document
func NewRegistry(doc *crdt.Doc) *Registry {
	return &Registry{doc: doc, now: time.Now}
}

// AddFile registers a file. Identical content collapses to one entry and
// keeps the first registration.
func (r *Registry) AddFile(f SharedFile) (SharedFile, error) {
	if f.Hash == "" {
		return SharedFile{}, fmt.Errorf("shared file requires a hash")
	}
	var stored SharedFile
	err := r.doc.Transact(crdt.OriginLocal, func(tx *crdt.Tx) error {
		files := tx.Map(FilesMap)
		if ok, err := files.Get(f.Hash, &stored); err == nil && ok {
			return nil
		}
		if f.AddedAt == 0 {
			f.AddedAt = r.now().UnixMilli()
		}
		stored = f
		return files.Set(f.Hash, f)
	})
	return stored, err
}

// RemoveFile unregisters a file
func (r *Registry) RemoveFile(hash string) error {
	return r.doc.Map(FilesMap).Delete(hash)
}

// File returns a registered file
func (r *Registry) File(hash string) (SharedFile, error) {
	var f SharedFile
	ok, err := r.doc.Map(FilesMap).Get(hash, &f)
	if err != nil {
		return SharedFile{}, err
	}
	if !ok {
		return SharedFile{}, fmt.Errorf("file %s: %w", hash, ErrNotFound)
	}
	return f, nil
}

// Files returns every registered file ordered by name
func (r *Registry) Files() []SharedFile {
	m := r.doc.Map(FilesMap)
	var out []SharedFile
	for _, key := range m.Keys() {
		var f SharedFile
		if ok, err := m.Get(key, &f); err == nil && ok {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RequestTransfer creates a pending request for a registered file
func (r *Registry) RequestTransfer(fileHash, requesterID string) (TransferRequest, error) {
	if _, err := r.File(fileHash); err != nil {
		return TransferRequest{}, err
	}
	req := TransferRequest{
		ID:          uuid.NewString(),
		FileHash:    fileHash,
		RequesterID: requesterID,
		Status:      StatusPending,
		CreatedAt:   r.now().UnixMilli(),
	}
	if err := r.doc.Map(TransfersMap).Set(req.ID, req); err != nil {
		return TransferRequest{}, err
	}
	return req, nil
}

// Transfer returns a request by id
func (r *Registry) Transfer(id string) (TransferRequest, error) {
	req, ok, err := readTransfer(r.doc.Map(TransfersMap), r.doc.Map(OutcomesMap), id)
	if err != nil {
		return TransferRequest{}, err
	}
	if !ok {
		return TransferRequest{}, fmt.Errorf("transfer %s: %w", id, ErrNotFound)
	}
	return req, nil
}

// Transfers returns every request ordered by creation time
func (r *Registry) Transfers() []TransferRequest {
	m, outcomes := r.doc.Map(TransfersMap), r.doc.Map(OutcomesMap)
	var out []TransferRequest
	for _, key := range m.Keys() {
		if req, ok, err := readTransfer(m, outcomes, key); err == nil && ok {
			out = append(out, req)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// update moves a request to status to and applies fn, atomically.
// With sameOK the request must already be in status to. Terminal states
// are also written to the outcomes map, which readers prefer over the
// request record.
func (r *Registry) update(id string, to TransferStatus, sameOK bool, fn func(req *TransferRequest)) (TransferRequest, error) {
	var req TransferRequest
	err := r.doc.Transact(crdt.OriginLocal, func(tx *crdt.Tx) error {
		transfers, outcomes := tx.Map(TransfersMap), tx.Map(OutcomesMap)
		var ok bool
		var err error
		req, ok, err = readTransfer(transfers, outcomes, id)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("transfer %s: %w", id, ErrNotFound)
		}
		switch {
		case sameOK && req.Status == to:
		case sameOK && !req.Status.Terminal():
			return fmt.Errorf("%w: %s is not %s", ErrInvalidTransition, req.Status, to)
		default:
			if err := CheckTransition(req.Status, to); err != nil {
				return err
			}
		}
		req.Status = to
		fn(&req)
		if to.Terminal() {
			err := outcomes.Set(id, TransferOutcome{
				Status:      req.Status,
				Progress:    req.Progress,
				Error:       req.Error,
				CompletedAt: req.CompletedAt,
			})
			if err != nil {
				return err
			}
		}
		return transfers.Set(id, req)
	})
	return req, err
}

// Accept marks a pending request active with the given seeder
func (r *Registry) Accept(id, seederID string) (TransferRequest, error) {
	return r.update(id, StatusActive, false, func(req *TransferRequest) {
		req.SeederID = seederID
	})
}

// UpdateProgress records progress (0-100) of an active request
func (r *Registry) UpdateProgress(id string, progress float64) (TransferRequest, error) {
	return r.update(id, StatusActive, true, func(req *TransferRequest) {
		req.Progress = progress
	})
}

// Complete marks an active request completed
func (r *Registry) Complete(id string) (TransferRequest, error) {
	return r.update(id, StatusCompleted, false, func(req *TransferRequest) {
		req.Progress = 100
		req.CompletedAt = r.now().UnixMilli()
	})
}

// Fail marks a request failed with a reason
func (r *Registry) Fail(id, reason string) (TransferRequest, error) {
	return r.update(id, StatusFailed, false, func(req *TransferRequest) {
		req.Error = reason
	})
}

// Cancel marks a request cancelled
func (r *Registry) Cancel(id string) (TransferRequest, error) {
	return r.update(id, StatusCancelled, false, func(req *TransferRequest) {})
}

// OnTransfersChange observes request changes, local and remote
func (r *Registry) OnTransfersChange(fn func(ids []string)) *TransferSubscription {
	handler := func(ev crdt.MapEvent) { fn(ev.Keys) }
	return &TransferSubscription{subs: []*events.Subscription{
		r.doc.Map(TransfersMap).Observe(handler),
		r.doc.Map(OutcomesMap).Observe(handler),
	}}
}

// TransferSubscription unregisters a transfers observer
type TransferSubscription struct {
	subs []*events.Subscription
}

// Off unregisters the observer. It is safe to call more than once.
func (s *TransferSubscription) Off() {
	for _, sub := range s.subs {
		sub.Off()
	}
}
