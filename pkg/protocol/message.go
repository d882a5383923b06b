// Package protocol defines the krmx wire format: JSON text frames with a
// required string "type", an optional "payload", and (server-outbound only)
// an optional "metadata" object. Message types starting with the reserved
// "krmx/" prefix belong to the protocol itself; everything else is an
// application message.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ReservedPrefix marks protocol messages. Application code must not send
// messages whose type starts with this prefix.
const ReservedPrefix = "krmx/"

// Protocol message types, client to server.
const (
	TypeLink   = "krmx/link"
	TypeUnlink = "krmx/unlink"
	TypeLeave  = "krmx/leave"
)

// Protocol message types, server to client.
const (
	TypeAccepted = "krmx/accepted"
	TypeRejected = "krmx/rejected"
	TypeJoined   = "krmx/joined"
	TypeLinked   = "krmx/linked"
	TypeUnlinked = "krmx/unlinked"
	TypeLeft     = "krmx/left"
)

// Metadata decorates server-outbound frames when enabled in the server
// configuration. Inbound parsing ignores it.
type Metadata struct {
	IsBroadcast bool   `json:"isBroadcast"`
	Timestamp   string `json:"timestamp"`
}

// Message is a single krmx frame. Unknown top-level fields are ignored on
// parse so the format stays forward compatible.
type Message struct {
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Metadata *Metadata       `json:"metadata,omitempty"`
}

// ErrInvalidFrame is returned by Parse for anything that is not a JSON
// object carrying a non-empty string "type".
var ErrInvalidFrame = errors.New("protocol: invalid frame")

// Parse decodes a single inbound text frame.
func Parse(data []byte) (Message, error) {
	var probe struct {
		Type json.RawMessage `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	var typ string
	if err := json.Unmarshal(probe.Type, &typ); err != nil || typ == "" {
		return Message{}, fmt.Errorf("%w: missing or non-string type", ErrInvalidFrame)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	return msg, nil
}

// IsProtocol reports whether a message type uses the reserved prefix.
func IsProtocol(typ string) bool {
	return strings.HasPrefix(typ, ReservedPrefix)
}

// Encode marshals the message to a wire frame.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Decorate returns a copy of the message carrying metadata. The timestamp is
// RFC 3339 in UTC.
func Decorate(m Message, isBroadcast bool, now time.Time) Message {
	m.Metadata = &Metadata{
		IsBroadcast: isBroadcast,
		Timestamp:   now.UTC().Format(time.RFC3339),
	}
	return m
}

// LinkPayload is the payload of a krmx/link request.
type LinkPayload struct {
	Username string `json:"username"`
	Version  string `json:"version"`
	Auth     string `json:"auth,omitempty"`
}

// RejectedPayload carries the reason a link attempt was refused.
type RejectedPayload struct {
	Reason string `json:"reason"`
}

// UserPayload names the user a joined/linked/unlinked/left frame refers to.
type UserPayload struct {
	Username string `json:"username"`
}

func mustMessage(typ string, payload any) Message {
	data, err := json.Marshal(payload)
	if err != nil {
		// All payload structs above marshal unconditionally.
		panic(fmt.Sprintf("protocol: marshal %s payload: %v", typ, err))
	}
	return Message{Type: typ, Payload: data}
}

// Link builds a krmx/link request. The auth field is omitted when empty.
func Link(username, version, auth string) Message {
	return mustMessage(TypeLink, LinkPayload{Username: username, Version: version, Auth: auth})
}

// Unlink builds a krmx/unlink request.
func Unlink() Message { return Message{Type: TypeUnlink} }

// Leave builds a krmx/leave request.
func Leave() Message { return Message{Type: TypeLeave} }

// Accepted builds a krmx/accepted response.
func Accepted() Message { return Message{Type: TypeAccepted} }

// Rejected builds a krmx/rejected response with a verbatim reason.
func Rejected(reason string) Message {
	return mustMessage(TypeRejected, RejectedPayload{Reason: reason})
}

// Joined announces that a user now exists on the broker.
func Joined(username string) Message {
	return mustMessage(TypeJoined, UserPayload{Username: username})
}

// Linked announces that a user is bound to a connection.
func Linked(username string) Message {
	return mustMessage(TypeLinked, UserPayload{Username: username})
}

// Unlinked announces that a user lost its connection binding.
func Unlinked(username string) Message {
	return mustMessage(TypeUnlinked, UserPayload{Username: username})
}

// Left announces that a user no longer exists on the broker.
func Left(username string) Message {
	return mustMessage(TypeLeft, UserPayload{Username: username})
}
