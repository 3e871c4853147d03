package relay

import (
	"golang.org/x/sync/singleflight"
)

// MessageQueue serializes concurrent processing attempts that target the same
// message identity, typically a socket push and a REST refresh racing to
// ingest the same message. Different identities proceed fully in parallel.
//
// The zero value is ready to use.
type MessageQueue struct {
	group singleflight.Group
}

// Admit executes work for id, unless another Admit for the same id is already
// in flight, in which case the caller waits for that execution and receives
// its result instead. Failures propagate to every waiter.
func (q *MessageQueue) Admit(id Identity, work func() (any, error)) (any, error) {
	v, err, _ := q.group.Do(string(id), work)
	return v, err
}
