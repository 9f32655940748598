package notification

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

// TaskTypeDeliverEmail is the asynq task type for delivering a queued email.
const TaskTypeDeliverEmail = "email:deliver"

// DeliverEmailPayload is the serialized payload for a deliver task. Only the
// record ID travels; the worker loads everything else from the delivery log.
type DeliverEmailPayload struct {
	RecordID string `json:"record_id"`
}

// NewDeliverEmailTask creates a new asynq task for delivering a record.
func NewDeliverEmailTask(recordID string) (*asynq.Task, error) {
	payload, err := json.Marshal(DeliverEmailPayload{RecordID: recordID})
	if err != nil {
		return nil, fmt.Errorf("marshaling task payload: %w", err)
	}
	return asynq.NewTask(TaskTypeDeliverEmail, payload), nil
}

// ParseDeliverEmailPayload deserializes the task payload.
func ParseDeliverEmailPayload(data []byte) (*DeliverEmailPayload, error) {
	var p DeliverEmailPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshaling task payload: %w", err)
	}
	if p.RecordID == "" {
		return nil, fmt.Errorf("task payload has no record_id")
	}
	return &p, nil
}
