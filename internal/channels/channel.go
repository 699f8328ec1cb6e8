// Package channels adapts chat surfaces onto the task queue. An adapter turns
// inbound messages into tasks and relays task results back to the
// originating conversation.
package channels

import "context"

// Channel is a chat surface adapter. Start blocks until ctx is cancelled or
// the adapter fails permanently.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
}
