package store

import "sync"

// Dispatcher delivers children to fn in push order on the goroutine running
// Run, so callbacks may call back into the store. Pushes never block.
type Dispatcher struct {
	fn func(Child)

	mu      sync.Mutex
	queue   []Child
	wake    chan struct{}
	done    chan struct{}
	stopped bool
}

func NewDispatcher(fn func(Child)) *Dispatcher {
	return &Dispatcher{
		fn:   fn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (d *Dispatcher) Push(c Child) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, c)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Stop discards queued children. A callback already running completes.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.queue = nil
	close(d.done)
	d.mu.Unlock()
}

// Done is closed by Stop.
func (d *Dispatcher) Done() <-chan struct{} { return d.done }

func (d *Dispatcher) Run() {
	for {
		select {
		case <-d.done:
			return
		case <-d.wake:
		}
		for {
			d.mu.Lock()
			if d.stopped || len(d.queue) == 0 {
				d.mu.Unlock()
				break
			}
			c := d.queue[0]
			d.queue = d.queue[1:]
			d.mu.Unlock()

			d.fn(c)
		}
	}
}
