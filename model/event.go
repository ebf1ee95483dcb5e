// model/event.go
package model

import (
	"encoding/json"
	"time"
)

// Event is the normalized unit of routable work produced from an admitted
// request. Immutable once constructed; Account and Source are the primary
// match keys.
type Event struct {
	ID         string          `json:"id"`
	Account    string          `json:"account"`
	Source     string          `json:"source"`
	DetailType string          `json:"detail_type"`
	Detail     json.RawMessage `json:"detail"`
	ReceivedAt time.Time       `json:"received_at"`
}
