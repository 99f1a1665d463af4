package events

import (
	"context"
	"log"
	"sync"
	"time"
)

// Publisher decouples the controller from the event transport through a
// bounded queue. Publish never blocks: when the queue is full the event is
// counted and dropped, because a slow broker must not stall a migration
// mid-phase.
type Publisher struct {
	sink  Sink
	queue chan Event

	mu      sync.Mutex
	closed  bool
	dropped int64

	wg sync.WaitGroup
}

func NewPublisher(sink Sink, buffer int) *Publisher {
	if buffer <= 0 {
		buffer = 256
	}
	p := &Publisher{
		sink:  sink,
		queue: make(chan Event, buffer),
	}
	p.wg.Add(1)
	go p.run()
	return p
}

func (p *Publisher) run() {
	defer p.wg.Done()
	for ev := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := p.sink.Deliver(ctx, ev); err != nil {
			log.Printf("[events] deliver %s for workflow %s: %v", ev.Type, ev.WorkflowID, err)
		}
		cancel()
	}
}

// Publish enqueues the event. Events offered after Close are discarded.
func (p *Publisher) Publish(ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- ev:
	default:
		p.dropped++
		log.Printf("[events] queue full, dropped %s for workflow %s", ev.Type, ev.WorkflowID)
	}
}

// Dropped reports how many events were discarded due to a full queue.
func (p *Publisher) Dropped() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// Close drains the queue, waits for in-flight deliveries, and closes the
// sink. Safe to call more than once.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
	return p.sink.Close()
}
