package queue

import (
	"context"
	"errors"

	"github.com/charmbracelet/log"

	"github.com/Unfixab1e/fitfolio/internal/domain"
)

// UserSyncer runs one user's sync unit.
type UserSyncer interface {
	SyncUserID(ctx context.Context, userID string) (domain.SyncSummary, error)
}

// SyncHandler runs the sync unit named by each request.
type SyncHandler struct {
	syncer    UserSyncer
	logger    *log.Logger
	permanent []error
}

// NewSyncHandler constructs a SyncHandler. Errors matching permanent (and unknown
// users) are acknowledged instead of retried. A nil logger selects the default logger.
func NewSyncHandler(syncer UserSyncer, logger *log.Logger, permanent ...error) *SyncHandler {
	if logger == nil {
		logger = log.Default().WithPrefix("sync-handler")
	}
	return &SyncHandler{syncer: syncer, logger: logger, permanent: append([]error{domain.ErrUserNotFound}, permanent...)}
}

// Handle runs the request.
func (h *SyncHandler) Handle(ctx context.Context, msg Message) error {
	summary, err := h.syncer.SyncUserID(ctx, msg.Request.UserID)
	if err != nil {
		if h.isPermanent(err) {
			h.logger.Warn("dropping sync request", "user_id", msg.Request.UserID, "request_id", msg.Request.RequestID, "err", err)
			return nil
		}
		return err
	}
	h.logger.Info("sync request done", "user_id", msg.Request.UserID, "request_id", msg.Request.RequestID, "total", summary.TotalRecords)
	return nil
}

func (h *SyncHandler) isPermanent(err error) bool {
	for _, target := range h.permanent {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
