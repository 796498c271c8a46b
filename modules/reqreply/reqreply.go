// Package reqreply implements request/reply correlation over a messaging
// session. A Requestor publishes requests tagged with a correlation id and
// a reply inbox, tracks them in a pending table and matches incoming
// replies back to their waiters. A Replier serves requests by invoking a
// handler and publishing the outcome to the requestor's inbox under the
// same correlation id.
package reqreply

import (
	"errors"
	"time"
)

// DefaultReplyPrefix is the subject prefix under which requestors
// subscribe their reply inboxes.
const DefaultReplyPrefix = "msgkit.reply"

// DefaultTimeout bounds blocking requests when no timeout is given.
const DefaultTimeout = 5 * time.Second

var (
	// ErrTimeout reports that no reply arrived within the deadline.
	ErrTimeout = errors.New("request timed out")

	// ErrHandlerFailure reports that the replier processed the request
	// but its handler failed.
	ErrHandlerFailure = errors.New("handler failure")

	// ErrTransport wraps a messaging layer failure.
	ErrTransport = errors.New("transport error")

	// ErrProtocol reports a malformed wire message.
	ErrProtocol = errors.New("protocol violation")

	// ErrClosed is returned for requests on a closed requestor and
	// settles whatever was pending when it closed.
	ErrClosed = errors.New("requestor closed")

	// ErrCanceled settles a pending reply abandoned by its owner.
	ErrCanceled = errors.New("request canceled")

	// ErrPending is returned by Result before the reply is settled.
	ErrPending = errors.New("reply still pending")

	// ErrDuplicateCorrelationID reports a correlation id collision in
	// the pending table.
	ErrDuplicateCorrelationID = errors.New("duplicate correlation id")
)
