package jobs

import "sync"

// notifier wakes in-process waiters when a job's status changes. The store
// stays the durable source of truth; this is only a latency optimization so
// same-process waiters do not have to sleep out a full poll interval.
// Cross-process observers still fall back to polling.
type notifier struct {
	mu    sync.Mutex
	chans map[string]chan struct{}
}

func newNotifier() *notifier {
	return &notifier{chans: map[string]chan struct{}{}}
}

// wait returns a channel that is closed on the next signal for jobID.
func (n *notifier) wait(jobID string) <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch, ok := n.chans[jobID]
	if !ok {
		ch = make(chan struct{})
		n.chans[jobID] = ch
	}
	return ch
}

// signal wakes every waiter currently parked on jobID.
func (n *notifier) signal(jobID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ch, ok := n.chans[jobID]; ok {
		close(ch)
		delete(n.chans, jobID)
	}
}
