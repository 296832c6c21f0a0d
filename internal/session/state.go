package session

import (
	"encoding/json"
	"time"

	"github.com/richpresence/browserd/internal/browser"
)

// Phase is the tag of the session state.
type Phase int

const (
	Idle Phase = iota
	Launching
	Connected
	Closing
	Failed
)

var phaseNames = map[Phase]string{
	Idle:      "idle",
	Launching: "launching",
	Connected: "connected",
	Closing:   "closing",
	Failed:    "failed",
}

var phaseFromName = map[string]Phase{
	"idle":      Idle,
	"launching": Launching,
	"connected": Connected,
	"closing":   Closing,
	"failed":    Failed,
}

func (p Phase) String() string {
	if s, ok := phaseNames[p]; ok {
		return s
	}
	return "unknown"
}

func (p Phase) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *Phase) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if v, ok := phaseFromName[s]; ok {
		*p = v
	}
	return nil
}

// State is a snapshot of the session slot. Which fields are set depends
// on Phase:
//
//	Launching: Target, Profile, DebugPort
//	Connected: Browser, DebugPort
//	Failed:    Reason
//
// OrphanPID is set on Idle when an earlier launch left its process
// running; Close recovers it and Refresh can reattach to it.
type State struct {
	Phase     Phase               `json:"phase"`
	SessionID string              `json:"sessionId,omitempty"`
	Target    string              `json:"target,omitempty"`
	Profile   string              `json:"profile,omitempty"`
	DebugPort int                 `json:"debugPort,omitempty"`
	Browser   *browser.Descriptor `json:"browser,omitempty"`
	PID       int                 `json:"pid,omitempty"`
	Reason    string              `json:"reason,omitempty"`
	OrphanPID int                 `json:"orphanPid,omitempty"`
	Since     time.Time           `json:"since"`
}

// Clone returns a copy that shares nothing with s.
func (s State) Clone() State {
	if s.Browser != nil {
		b := *s.Browser
		s.Browser = &b
	}
	return s
}
