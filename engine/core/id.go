package core

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/segmentio/ksuid"
)

// ID is an opaque entity identifier: 16 random bytes rendered as lowercase hex.
type ID string

// NewID generates a new random ID.
func NewID() (ID, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generating id: %w", err)
	}
	return ID(hex.EncodeToString(u[:])), nil
}

// MustNewID generates a new random ID and panics on failure. Failure requires
// the platform entropy source to be broken, so callers treat this as fatal.
func MustNewID() ID {
	id, err := NewID()
	if err != nil {
		panic(err)
	}
	return id
}

// ParseID validates the textual form of an ID.
func ParseID(s string) (ID, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	if len(v) != 32 {
		return "", NewError(nil, CodeInvalidArgument, map[string]any{"reason": "id must be 32 hex characters", "id": s})
	}
	if _, err := hex.DecodeString(v); err != nil {
		return "", NewError(err, CodeInvalidArgument, map[string]any{"reason": "id must be lowercase hex", "id": s})
	}
	return ID(v), nil
}

func (i ID) String() string {
	return string(i)
}

func (i ID) IsZero() bool {
	return i == ""
}

// NewRunID returns a K-sortable run identifier. Run ids group the records of
// one batch and sort chronologically, which keeps run listings in creation
// order without an extra column.
func NewRunID() string {
	return ksuid.New().String()
}
