package models

import (
	"time"
)

// JobStatus enumerates lifecycle states persisted in Postgres.
// processing -> done | error; both outcomes are terminal.
const (
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusError      = "error"
)

// AssetKind names one stored payload of a job.
type AssetKind string

const (
	KindOriginal  AssetKind = "original"
	KindEdit1     AssetKind = "edit1"
	KindEdit2     AssetKind = "edit2"
	KindGenerated AssetKind = "generated"
)

// DerivedKinds lists the pipeline outputs in the order they are produced.
var DerivedKinds = []AssetKind{KindEdit1, KindEdit2, KindGenerated}

// ParseAssetKind validates a kind coming from outside (URLs, DB rows).
func ParseAssetKind(s string) (AssetKind, bool) {
	switch k := AssetKind(s); k {
	case KindOriginal, KindEdit1, KindEdit2, KindGenerated:
		return k, true
	}
	return "", false
}

// IsTerminal reports whether status can no longer change.
func IsTerminal(status string) bool {
	return status == StatusDone || status == StatusError
}

// Job is one generation request: a headshot turned into a breed-themed sequence.
type Job struct {
	ID           string    `json:"id"`
	OwnerToken   string    `json:"-"`
	Breed        *string   `json:"breed,omitempty"`
	Status       string    `json:"status"`
	ErrorMessage *string   `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Asset is a stored image belonging to exactly one job.
type Asset struct {
	ID        string    `json:"id"`
	JobID     string    `json:"job_id"`
	Kind      AssetKind `json:"kind"`
	MimeType  string    `json:"mime_type"`
	Data      []byte    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
