// Package evidence stores the append-only proof attached to disputes. Only a
// file reference is kept; the file itself lives elsewhere.
package evidence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	TypeUnboxingVideo Type = "UNBOXING_VIDEO"
	TypePOD           Type = "POD"
	TypeInvoice       Type = "INVOICE"
	TypePhoto         Type = "PHOTO"
	TypeChatLog       Type = "CHAT_LOG"
	TypeOther         Type = "OTHER"
)

var ErrInvalid = errors.New("evidence: invalid input")

func ParseType(s string) (Type, error) {
	switch t := Type(strings.ToUpper(strings.TrimSpace(s))); t {
	case TypeUnboxingVideo, TypePOD, TypeInvoice, TypePhoto, TypeChatLog, TypeOther:
		return t, nil
	}
	return "", fmt.Errorf("%w: unknown evidence type %q", ErrInvalid, s)
}

type Metadata struct {
	Latitude        *float64          `json:"latitude,omitempty"`
	Longitude       *float64          `json:"longitude,omitempty"`
	DeviceTimestamp *time.Time        `json:"device_timestamp,omitempty"`
	UploadedAt      time.Time         `json:"uploaded_at"`
	Extra           map[string]string `json:"extra,omitempty"`
}

type Evidence struct {
	ID         string   `json:"id"`
	DisputeID  string   `json:"dispute_id"`
	FileRef    string   `json:"file_ref"`
	Type       Type     `json:"type"`
	UploadedBy string   `json:"uploaded_by"`
	Metadata   Metadata `json:"metadata"`
}

type Input struct {
	FileRef         string
	Type            Type
	Latitude        *float64
	Longitude       *float64
	DeviceTimestamp *time.Time
	Extra           map[string]string
}

func (in Input) Validate() error {
	if strings.TrimSpace(in.FileRef) == "" {
		return fmt.Errorf("%w: file reference is required", ErrInvalid)
	}
	if _, err := ParseType(string(in.Type)); err != nil {
		return err
	}
	if (in.Latitude == nil) != (in.Longitude == nil) {
		return fmt.Errorf("%w: latitude and longitude must be given together", ErrInvalid)
	}
	if in.Latitude != nil && (*in.Latitude < -90 || *in.Latitude > 90) {
		return fmt.Errorf("%w: latitude out of range", ErrInvalid)
	}
	if in.Longitude != nil && (*in.Longitude < -180 || *in.Longitude > 180) {
		return fmt.Errorf("%w: longitude out of range", ErrInvalid)
	}
	return nil
}

// Repository is implemented by a store transaction. There is deliberately no
// delete operation.
type Repository interface {
	InsertEvidence(ctx context.Context, e *Evidence) error
	// ListEvidence returns the evidence of a dispute in upload order.
	ListEvidence(ctx context.Context, disputeID string) ([]Evidence, error)
}

type Store struct {
	now func() time.Time
}

func NewStore(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{now: now}
}

func (s *Store) Add(ctx context.Context, repo Repository, disputeID, uploadedBy string, in Input) (*Evidence, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if uploadedBy == "" {
		return nil, fmt.Errorf("%w: uploader is required", ErrInvalid)
	}

	typ, _ := ParseType(string(in.Type))
	ev := &Evidence{
		ID:         uuid.NewString(),
		DisputeID:  disputeID,
		FileRef:    strings.TrimSpace(in.FileRef),
		Type:       typ,
		UploadedBy: uploadedBy,
		Metadata: Metadata{
			Latitude:        in.Latitude,
			Longitude:       in.Longitude,
			DeviceTimestamp: in.DeviceTimestamp,
			UploadedAt:      s.now().UTC().Truncate(time.Microsecond),
			Extra:           in.Extra,
		},
	}
	if err := repo.InsertEvidence(ctx, ev); err != nil {
		return nil, fmt.Errorf("insert evidence: %w", err)
	}
	return ev, nil
}

func (s *Store) List(ctx context.Context, repo Repository, disputeID string) ([]Evidence, error) {
	return repo.ListEvidence(ctx, disputeID)
}

// Types returns the set of evidence types present.
func Types(items []Evidence) map[Type]bool {
	out := make(map[Type]bool, len(items))
	for _, e := range items {
		out[e.Type] = true
	}
	return out
}
