package protocol

import (
	"errors"
	"runtime/debug"
	"strings"

	"github.com/codewandler/shardvisor/internal/reflector"
)

// ErrProtocol marks malformed envelopes. Routers log and drop them.
var ErrProtocol = errors.New("protocol error")

// RemoteError is an error raised on the other side of a connection. Name
// holds the type name of the original error.
type RemoteError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

func (e *RemoteError) Error() string {
	if e.Name == "" {
		return e.Message
	}
	return e.Name + ": " + e.Message
}

// NewRemoteError serializes err. A RemoteError found in err's chain is
// forwarded with its original name and stack.
func NewRemoteError(err error) *RemoteError {
	if err == nil {
		return nil
	}
	var re *RemoteError
	if errors.As(err, &re) {
		// the wrap text keeps its context, the inner name is carried once
		msg := strings.Replace(err.Error(), re.Error(), re.Message, 1)
		return &RemoteError{Name: re.Name, Message: msg, Stack: re.Stack}
	}
	name := reflector.ShortName(err)
	if n, ok := err.(interface{ ErrorName() string }); ok {
		name = n.ErrorName()
	}
	return &RemoteError{
		Name:    name,
		Message: err.Error(),
		Stack:   string(debug.Stack()),
	}
}
