// Package export writes board snapshots for the downstream roadmap and
// insight generators.
package export

import (
	"errors"
	"time"

	"ideamatrix/api/internal/quadrant"
	"ideamatrix/api/internal/store"
)

// Format represents the export output format
type Format string

const (
	FormatJSON Format = "json"
	FormatHTML Format = "html"
)

func ParseFormat(value string) (Format, error) {
	switch Format(value) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatHTML:
		return FormatHTML, nil
	default:
		return "", ErrUnsupportedFormat
	}
}

// Request contains parameters for an export operation
type Request struct {
	ProjectID   string
	Format      Format
	RequestedBy string
}

// Snapshot is the board as of GeneratedAt, with every card classified
// against the project split.
type Snapshot struct {
	Project     store.Project  `json:"project"`
	GeneratedAt time.Time      `json:"generated_at"`
	GeneratedBy string         `json:"generated_by,omitempty"`
	Cards       []SnapshotCard `json:"cards"`
	Stats       quadrant.Stats `json:"stats"`
}

type SnapshotCard struct {
	store.Card
	Quadrant          quadrant.Quadrant `json:"quadrant"`
	SuggestedPriority quadrant.Priority `json:"suggested_priority"`
}

// Result contains the export output. Key is empty when no object storage is
// configured and the caller should serve Data directly.
type Result struct {
	Key      string
	Data     []byte
	Filename string
	MimeType string
}

var (
	ErrUnsupportedFormat = errors.New("unsupported export format")
	// ErrStorageUnavailable indicates the object store rejected the upload.
	ErrStorageUnavailable = errors.New("export storage unavailable")
)
