// Package realtime pushes chat events to browsers over WebSocket.
package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Event names exchanged with the browser
const (
	EventLoginInfo = "login_info" // server → client: own login
	EventUsers     = "users"      // server → client: online logins
	EventEnter     = "enter"      // broadcast: a user came online
	EventExit      = "exit"       // broadcast: a user's last connection left
	EventMessages  = "messages"   // server → client: cached messages
	EventTopList   = "top_list"   // server → client: most active logins
	EventChat      = "chat"       // both ways: a chat message
	EventRemoveMsg = "remove_msg" // both ways: a message id to remove
	EventError     = "error"      // server → client: a rejected command
)

// errBadArgument marks an event payload of the wrong shape
var errBadArgument = errors.New("bad argument")

// Event is one outbound frame
type Event struct {
	Name string `json:"event"`
	Data any    `json:"data"`
}

// Encode returns the JSON text of the event
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// inbound is one frame sent by the browser
type inbound struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data"`
}

func decodeInbound(data []byte) (inbound, error) {
	var in inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return inbound{}, fmt.Errorf("invalid event: %w", err)
	}
	if in.Name == "" {
		return inbound{}, fmt.Errorf("invalid event: missing name")
	}
	return in, nil
}

// textArg decodes a string payload
func textArg(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("%w: expected a string", errBadArgument)
	}
	return s, nil
}

// idArg decodes a message id sent either as a string or as a number
func idArg(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return "", fmt.Errorf("%w: empty message id", errBadArgument)
		}
		return s, nil
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("%w: expected a message id", errBadArgument)
	}
	return strconv.FormatInt(n, 10), nil
}
