package worker

import "sync"

// outbox queues responses without bound and delivers them in push order on
// out. Pushing never blocks, so a slow consumer cannot stall the loop.
type outbox struct {
	mu     sync.Mutex
	queue  []Response
	closed bool
	wake   chan struct{}
	out    chan Response
}

func newOutbox() *outbox {
	o := &outbox{
		wake: make(chan struct{}, 1),
		out:  make(chan Response),
	}
	go o.pump()
	return o
}

// push appends r. It reports false once the outbox is closed.
func (o *outbox) push(r Response) bool {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false
	}
	o.queue = append(o.queue, r)
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
	return true
}

// close stops accepting responses. Queued responses are still delivered;
// out is closed after the last one.
func (o *outbox) close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// pending returns the number of undelivered responses.
func (o *outbox) pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

func (o *outbox) pump() {
	defer close(o.out)
	for {
		o.mu.Lock()
		if len(o.queue) == 0 {
			closed := o.closed
			o.mu.Unlock()
			if closed {
				return
			}
			<-o.wake
			continue
		}
		r := o.queue[0]
		o.queue[0] = Response{}
		o.queue = o.queue[1:]
		o.mu.Unlock()

		o.out <- r
	}
}
