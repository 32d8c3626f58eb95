package session

import (
	"context"
	"strconv"

	"github.com/cdd-agent/backend/pkg/utils"
)

type BatchInfo struct {
	BatchSize          int  `json:"batch_size"`
	NeedBulkProcessing bool `json:"need_bulk_processing"`
}

// Snapshot is the client-facing view of a session at its cursor.
type Snapshot struct {
	SessionID    string       `json:"session_id"`
	Status       Status       `json:"status"`
	Filename     string       `json:"filename"`
	Progress     Progress     `json:"progress"`
	BatchInfo    BatchInfo    `json:"batch_info"`
	CurrentIndex int          `json:"current_index"`
	CurrentField *FieldRecord `json:"current_field,omitempty"`
	CanDownload  bool         `json:"can_download"`
	ETag         string       `json:"etag"`
}

func snapshotOf(s *Session) *Snapshot {
	snap := &Snapshot{
		SessionID:    s.ID,
		Status:       s.Status,
		Filename:     s.Filename,
		Progress:     s.Progress(),
		BatchInfo:    BatchInfo{BatchSize: s.BatchSize},
		CurrentIndex: s.Cursor,
		CanDownload:  s.CanDownload(),
		ETag:         utils.Fingerprint(s.ID, string(s.Status), strconv.Itoa(s.Cursor), strconv.FormatInt(s.Version, 10)),
	}
	if f := s.current(); f != nil {
		cur := f.clone()
		snap.CurrentField = &cur
		snap.BatchInfo.NeedBulkProcessing = !cur.Processed
	}
	return snap
}

type callerKey struct{}

// ContextWithCaller attaches the authenticated caller identity.
func ContextWithCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

func CallerFromContext(ctx context.Context) string {
	caller, _ := ctx.Value(callerKey{}).(string)
	return caller
}

// visibleTo hides sessions owned by someone else behind ErrNotFound.
func visibleTo(s *Session, caller string) bool {
	return s.Owner == "" || s.Owner == caller
}
