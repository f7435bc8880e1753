// Package trace journals completed deoptimizations. Events are encoded as
// canonical CBOR and kept in a SQLite database so a run can be inspected
// after the fact.
package trace

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("trace: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// FrameEvent describes one rebuilt frame.
type FrameEvent struct {
	Method   string `cbor:"1,keyasint"`
	BCI      int    `cbor:"2,keyasint"`
	ResumePC uint64 `cbor:"3,keyasint"`
	Size     int    `cbor:"4,keyasint"` // region size including header
	Slots    int    `cbor:"5,keyasint"` // slots holding a value
	Locks    int    `cbor:"6,keyasint,omitempty"`
}

// Event is one installed deoptimization record.
type Event struct {
	ID              uuid.UUID    `cbor:"1,keyasint"` // record ID
	Time            int64        `cbor:"2,keyasint"` // unix nanoseconds
	Mode            string       `cbor:"3,keyasint"`
	Target          string       `cbor:"4,keyasint"`
	Code            string       `cbor:"5,keyasint,omitempty"`
	CodeID          uint64       `cbor:"6,keyasint,omitempty"`
	SourcePC        uint64       `cbor:"7,keyasint"`
	NewSP           uint64       `cbor:"8,keyasint"`
	BufferSize      int          `cbor:"9,keyasint"`
	Frames          []FrameEvent `cbor:"10,keyasint"` // innermost first
	Relocks         int          `cbor:"11,keyasint,omitempty"`
	ExceptionUnwind bool         `cbor:"12,keyasint,omitempty"`
	Redirected      bool         `cbor:"13,keyasint,omitempty"`
	Invalidated     bool         `cbor:"14,keyasint,omitempty"`
}

// Timestamp returns Time as a time.Time.
func (e *Event) Timestamp() time.Time {
	return time.Unix(0, e.Time)
}

func (e *Event) String() string {
	return fmt.Sprintf("%s %s pc=%#x frames=%d bytes=%d", e.ID, e.Mode, e.SourcePC, len(e.Frames), e.BufferSize)
}

// Marshal serializes an Event to CBOR bytes.
func Marshal(e *Event) ([]byte, error) {
	return cborEncMode.Marshal(e)
}

// Unmarshal deserializes an Event from CBOR bytes.
func Unmarshal(data []byte) (*Event, error) {
	var e Event
	if err := cbor.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("trace: unmarshal event: %w", err)
	}
	return &e, nil
}
