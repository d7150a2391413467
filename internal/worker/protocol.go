package worker

import (
	"encoding/json"
	"errors"

	"github.com/fchat-tools/profilecache/internal/model"
)

// Commands understood by the worker.
const (
	CmdGetProfile         = "get-profile"
	CmdStoreProfile       = "store-profile"
	CmdStoreSecondaryMeta = "store-secondary-meta"
	CmdRecentProfiles     = "recent-profiles"
	CmdCountProfiles      = "count-profiles"
	CmdGetOverrides       = "get-overrides"
	CmdStoreOverrides     = "store-overrides"
	CmdGetOverridesBatch  = "get-overrides-batch"
	CmdFlushProfiles      = "flush-profiles"
	CmdFlushOverrides     = "flush-overrides"
)

var (
	// ErrClosed is returned for requests pending or issued after Close.
	ErrClosed = errors.New("storage worker closed")
	// ErrUnknownCommand is returned when the worker has no handler for a command.
	ErrUnknownCommand = errors.New("unknown storage command")
)

// Request is the envelope sent to the worker goroutine.
type Request struct {
	ID      uint64          `json:"id"`
	Command string          `json:"command"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response answers the Request with the same ID.
type Response struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	Code   string          `json:"code,omitempty"`
}

// Error codes carried in Response.Code so callers can recover typed errors.
const (
	codeUnknownCommand = "unknown_command"
	codeNotFound       = "not_found"
	codeValidation     = "validation"
)

// RemoteError is a store failure reported by the worker.
type RemoteError struct {
	Command string
	Message string
}

func (e *RemoteError) Error() string {
	return e.Command + ": " + e.Message
}

type identityParams struct {
	Identity string `json:"identity"`
}

type profileResult struct {
	Record *model.ProfileRecord `json:"record,omitempty"`
	Found  bool                 `json:"found"`
}

type secondaryMetaParams struct {
	Identity string              `json:"identity"`
	Meta     model.SecondaryMeta `json:"meta"`
}

type limitParams struct {
	Limit int `json:"limit"`
}

type overridesResult struct {
	Record *model.OverrideRecord `json:"record,omitempty"`
	Found  bool                  `json:"found"`
}

type storeOverridesParams struct {
	Identity string              `json:"identity"`
	Patch    model.OverridePatch `json:"patch"`
}

type batchParams struct {
	Identities []string `json:"identities"`
}

type flushParams struct {
	MaxAgeDays int `json:"maxAgeDays"`
}
