package common

import (
	"github.com/google/uuid"
)

// NewUploadID generates a unique plan upload ID
// Format: upload_<uuid>
func NewUploadID() string {
	return "upload_" + uuid.New().String()
}

// NewSheetID generates a unique sheet ID
func NewSheetID() string {
	return "sheet_" + uuid.New().String()
}

// NewMarkerID generates a unique marker ID
func NewMarkerID() string {
	return "marker_" + uuid.New().String()
}

// NewJobID generates a unique processing job ID
func NewJobID() string {
	return "job_" + uuid.New().String()
}
