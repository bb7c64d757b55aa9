package cycle

import (
	"context"

	"github.com/Mindburn-Labs/icgl/pkg/contracts"
	"github.com/Mindburn-Labs/icgl/pkg/kb"
)

// GetLogs returns the whole learning log in sequence order.
func (e *Engine) GetLogs(ctx context.Context) ([]contracts.LearningLogEntry, error) {
	return e.kb.ListLearningLog(ctx, 0, 0)
}

// GetNewLogsSince returns entries after cursor and the cursor to pass next
// time. With no new entries the cursor is returned unchanged, so repeated
// calls are idempotent and a restarted consumer resumes where it stopped.
func (e *Engine) GetNewLogsSince(ctx context.Context, cursor Cursor) ([]contracts.LearningLogEntry, Cursor, error) {
	entries, err := e.kb.ListLearningLog(ctx, uint64(cursor), 0)
	if err != nil {
		return nil, cursor, err
	}
	if n := len(entries); n > 0 {
		cursor = Cursor(entries[n-1].Sequence)
	}
	return entries, cursor, nil
}

// VerifyLog checks the learning log hash chain end to end.
func (e *Engine) VerifyLog(ctx context.Context) error {
	entries, err := e.GetLogs(ctx)
	if err != nil {
		return err
	}
	return kb.VerifyChain(entries)
}
