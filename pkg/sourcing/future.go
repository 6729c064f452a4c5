package sourcing

import (
	"context"
	"sync"

	"github.com/eventra/eventra/pkg/event"
)

// Future resolves with the completion of one submitted event. Wait may
// be called any number of times and from multiple goroutines.
type Future struct {
	done chan struct{}
	once sync.Once
	info event.CompletionInfo
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(info event.CompletionInfo) {
	f.once.Do(func() {
		f.info = info
		close(f.done)
	})
}

// Done returns a channel closed when the completion is available.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Result returns the completion. Valid only after Done is closed.
func (f *Future) Result() event.CompletionInfo {
	return f.info
}

// Wait blocks until the event completes or the context ends.
func (f *Future) Wait(ctx context.Context) (event.CompletionInfo, error) {
	select {
	case <-f.done:
		return f.info, nil
	case <-ctx.Done():
		return event.CompletionInfo{}, ctx.Err()
	}
}
