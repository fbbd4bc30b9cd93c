package dto

import (
	"time"

	"github.com/contazen/efactura-api/internal/domain/entity"
)

// ErrorResponse is the uniform error body of the API.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SubmissionStatusResponse is the public view of a submission.
type SubmissionStatusResponse struct {
	InvoiceID     string     `json:"invoice_id"`
	State         string     `json:"state"`
	UploadIndex   string     `json:"upload_index,omitempty"`
	DownloadIndex string     `json:"download_index,omitempty"`
	Message       string     `json:"message,omitempty"`
	NextCheckAt   *time.Time `json:"next_check_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// FromProjection maps the internal projection onto the response.
func FromProjection(p *entity.Projection) SubmissionStatusResponse {
	return SubmissionStatusResponse{
		InvoiceID:     p.InvoiceID,
		State:         string(p.State),
		UploadIndex:   p.UploadIndex,
		DownloadIndex: p.DownloadIndex,
		Message:       p.Message,
		NextCheckAt:   p.NextCheckAt,
		UpdatedAt:     p.UpdatedAt,
	}
}
