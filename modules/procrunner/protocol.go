package procrunner

import (
	"encoding/json"

	"github.com/shalfeiok/mlbench-jobcore/domain/job"
)

// msgType discriminates the wire protocol between a job child and its
// parent supervisor (spec.md §4.3 "strict; any deviation is a fatal
// parent-side error"). The teacher's NATS usage (modules/nats) carries a
// single JobMessage envelope for a job-queue item; this protocol reuses
// the same "JSON over a NATS subject" transport for a different shape,
// a discriminated union of five variants instead of one envelope type.
type msgType string

const (
	msgProgress  msgType = "progress"
	msgLog       msgType = "log"
	msgResult    msgType = "result"
	msgError     msgType = "error"
	msgCancelled msgType = "cancelled"
)

// wireMsg is the on-the-wire shape for every child->parent message.
// Exactly one of the type-specific fields is populated per Type.
type wireMsg struct {
	Type     msgType         `json:"type"`
	Progress *float64        `json:"progress,omitempty"`
	Message  *string         `json:"message,omitempty"`
	Log      string          `json:"log,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
	Reason   string          `json:"reason,omitempty"`
}

// validate enforces the strict schema from spec.md §4.3: a progress
// message's float must be finite, and the type tag itself must be one
// of the five known variants. Anything else is ErrMalformedMessage, a
// fatal error on the parent side (scenario S5).
func (m wireMsg) validate() error {
	switch m.Type {
	case msgProgress:
		if m.Progress == nil || !job.IsFinite(*m.Progress) {
			return job.ErrMalformedMessage
		}
		return nil
	case msgLog, msgResult, msgError, msgCancelled:
		return nil
	default:
		return job.ErrMalformedMessage
	}
}

func progressMsg(p float64, message string) wireMsg {
	return wireMsg{Type: msgProgress, Progress: &p, Message: &message}
}

func logMsg(line string) wireMsg {
	return wireMsg{Type: msgLog, Log: line}
}

func resultMsg(v any) (wireMsg, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return wireMsg{}, err
	}
	return wireMsg{Type: msgResult, Result: raw}, nil
}

func errorMsg(s string) wireMsg {
	return wireMsg{Type: msgError, Error: s}
}

func cancelledMsg(reason string) wireMsg {
	return wireMsg{Type: msgCancelled, Reason: reason}
}
