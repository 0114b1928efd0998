package plan

import (
	"context"
	"time"

	"github.com/draftmill/flywheel/core"
)

// AuditLog appends lifecycle events to the audit table. Audit failures are
// logged and swallowed: the lifecycle change itself already committed, and
// losing one trail entry must not fail the operation.
type AuditLog struct {
	store  PlanStore
	logger core.Logger
}

// NewAuditLog creates an audit writer over the store.
func NewAuditLog(store PlanStore, logger core.Logger) *AuditLog {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &AuditLog{store: store, logger: logger}
}

// Record appends one event.
func (a *AuditLog) Record(ctx context.Context, storeID, eventType string, metadata map[string]interface{}) {
	record := &AuditRecord{
		StoreID:   storeID,
		EventType: eventType,
		Metadata:  metadata,
		CreatedAt: time.Now(),
	}
	if err := a.store.InsertAudit(ctx, record); err != nil {
		a.logger.WarnWithContext(ctx, "Audit write failed", map[string]interface{}{
			"operation":  "audit",
			"store_id":   storeID,
			"event_type": eventType,
			"error":      err.Error(),
		})
	}
}
