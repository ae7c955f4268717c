package server

import (
	"github.com/haivivi/nexus/pkg/nexus"
	"github.com/haivivi/nexus/pkg/session"
	"github.com/haivivi/nexus/pkg/tokenbus"
)

// Request types sent by the client.
const (
	TypeSetStrategy = "set_strategy"
	TypeRun         = "run"
	TypeCancel      = "cancel"
	TypeGetLast     = "get_last"
	TypeGetState    = "get_state"
)

// Message types sent by the server.
const (
	TypeToken  = "token"
	TypeResult = "result"
	TypeError  = "error"
	TypeState  = "state"
)

// Request is a client message. ID is echoed in the replies it causes.
type Request struct {
	Type     string `json:"type"`
	ID       string `json:"id,omitempty"`
	Prompt   string `json:"prompt,omitempty"`
	Strategy string `json:"strategy,omitempty"`
}

// Message is a server message.
type Message struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`

	Token   *tokenbus.Token `json:"token,omitempty"`
	Lineage *nexus.Lineage  `json:"lineage,omitempty"`
	State   *session.State  `json:"state,omitempty"`
	Error   string          `json:"error,omitempty"`
}
