package domain

import "time"

type UploadStatus string

const (
	UploadProcessing UploadStatus = "processing"
	UploadCompleted  UploadStatus = "completed"
	UploadFailed     UploadStatus = "failed"
)

// Terminal reports whether no run is expected to move the upload further.
func (s UploadStatus) Terminal() bool {
	return s == UploadCompleted || s == UploadFailed
}

// Upload is one tracked attempt to process a brochure end to end. Retries
// reuse the same ID.
type Upload struct {
	ID            string       `json:"id"`
	Store         Store        `json:"store"`
	FileName      string       `json:"file_name"`
	BlobPath      string       `json:"file_path"`
	Status        UploadStatus `json:"status"`
	ProductsFound *int         `json:"products_found"`
	Error         string       `json:"error,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}
