package session

// Event carries a session state change to observers.
type Event struct {
	Seq      uint64 `json:"seq"`
	Previous Phase  `json:"previous"`
	State    State  `json:"state"` // snapshot (safe to retain)
	Error    string `json:"error,omitempty"`
}
