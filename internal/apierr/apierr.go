// Package apierr centralizes the error-kind to HTTP-status mapping of
// spec.md §7 so every handler in internal/api produces a consistent JSON
// error body.
package apierr

import "net/http"

// Kind is one of spec.md §7's error kinds.
type Kind string

const (
	Validation       Kind = "validation"
	NotLeader        Kind = "not_leader"
	ConsensusTimeout Kind = "consensus_timeout"
	TransientPeer    Kind = "transient_peer"
	FatalInternal    Kind = "fatal_internal"
	Duplicate        Kind = "duplicate"
	Inconsistency    Kind = "inconsistency"
)

// Error pairs a Kind with a client-facing message and, for NotLeader, a
// leader hint.
type Error struct {
	Kind    Kind
	Message string
	Leader  string
}

func (e *Error) Error() string {
	return e.Message
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func NotLeaderError(leader string) *Error {
	return &Error{Kind: NotLeader, Message: "not the leader", Leader: leader}
}

// Status returns the HTTP status code spec.md §7 assigns to kind.
func Status(kind Kind) int {
	switch kind {
	case Validation:
		return http.StatusBadRequest
	case NotLeader:
		return http.StatusServiceUnavailable
	case ConsensusTimeout:
		return http.StatusGatewayTimeout
	case FatalInternal:
		return http.StatusInternalServerError
	case Duplicate:
		return http.StatusOK
	case Inconsistency:
		return http.StatusOK
	case TransientPeer:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Body returns the JSON-ready error body for the gin handler to emit.
// NotLeader errors additionally carry "leader" per spec.md §6's 503 body.
func (e *Error) Body() map[string]interface{} {
	body := map[string]interface{}{"error": e.Message}
	if e.Kind == NotLeader && e.Leader != "" {
		body["leader"] = e.Leader
	}
	return body
}
