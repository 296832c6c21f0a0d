package ws

import (
	"github.com/richpresence/browserd/internal/browser"
	"github.com/richpresence/browserd/internal/session"
)

type MessageType string

const (
	MsgSnapshot MessageType = "snapshot"
	MsgSession  MessageType = "session"
	MsgBrowsers MessageType = "browsers"
	MsgError    MessageType = "error"
)

// WSMessage is one server-to-client frame. A session message carries a
// session.Event.
type WSMessage struct {
	Type    MessageType `json:"type"`
	Payload interface{} `json:"payload"`
}

// SnapshotPayload is the full picture sent on connect and periodically.
type SnapshotPayload struct {
	Session  session.State        `json:"session"`
	Browsers []browser.Descriptor `json:"browsers"`
}

type BrowsersPayload struct {
	Browsers []browser.Descriptor `json:"browsers"`
}

// ErrorPayload is also the body of every non-2xx API response.
type ErrorPayload struct {
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}
