package messages

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// CheckRequested asks the price worker to run a scheduling pass now.
type CheckRequested struct {
	Reason      string    `json:"reason,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

func DecodeCheckRequested(b []byte) (CheckRequested, error) {
	var m CheckRequested
	if len(b) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return m, errors.Wrap(err, "decode check requested")
	}
	return m, nil
}
