package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNoMessage is returned when the queue is empty
var ErrNoMessage = errors.New("no messages in queue")

// Message types routed by the worker pools. One type per pipeline stage;
// dispatch is on the tag, keeping each stage's contract explicit and
// serializable.
const (
	MessageTypeSplit    = "split"
	MessageTypeMetadata = "metadata"
	MessageTypeMarker   = "marker"
	MessageTypeTile     = "tile"
)

// QueueMessage is the envelope stored in the queue. The payload is one of the
// stage job schemas below, selected by Type.
type QueueMessage struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Payload    json.RawMessage `json:"payload"`
}

// NewQueueMessage wraps a stage payload in an envelope.
func NewQueueMessage(id, msgType string, payload interface{}) (*QueueMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	return &QueueMessage{
		ID:         id,
		Type:       msgType,
		EnqueuedAt: time.Now(),
		Payload:    data,
	}, nil
}

// SplitTrigger is the stage 1 job: an original PDF landed in object storage.
type SplitTrigger struct {
	StorageAccount string    `json:"storage_account"`
	Bucket         string    `json:"bucket"`
	ObjectKey      string    `json:"object_key"`
	EventTime      time.Time `json:"event_time"`
}

// MetadataJob is the stage 2 job, one per sheet.
type MetadataJob struct {
	UploadID    string `json:"upload_id"`
	PlanID      string `json:"plan_id"`
	SheetID     string `json:"sheet_id"`
	SheetNumber int    `json:"sheet_number"`
	SheetKey    string `json:"sheet_key"`
	TotalSheets int    `json:"total_sheets"`
}

// MarkerJob is the stage 3 job, one per upload, carrying the validation
// vocabulary of sheet names known at enqueue time.
type MarkerJob struct {
	UploadID        string   `json:"upload_id"`
	PlanID          string   `json:"plan_id"`
	OrganizationID  string   `json:"organization_id"`
	ProjectID       string   `json:"project_id"`
	ValidSheetNames []string `json:"valid_sheet_names"`
}

// TileJob is the stage 4 job, one per sheet.
type TileJob struct {
	UploadID       string `json:"upload_id"`
	ProjectID      string `json:"project_id"`
	PlanID         string `json:"plan_id"`
	OrganizationID string `json:"organization_id"`
	SheetNumber    int    `json:"sheet_number"`
	SheetKey       string `json:"sheet_key"`
	TotalSheets    int    `json:"total_sheets"`
}

// DecodePayload unmarshals the envelope payload into the given job struct.
func (m *QueueMessage) DecodePayload(v interface{}) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}
