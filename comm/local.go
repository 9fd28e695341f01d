package comm

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// LocalWorld runs an SPMD job inside one process: every rank is a goroutine
// and messages travel through per-rank mailboxes. Sends never block.
type LocalWorld struct {
	size  int
	hosts []string
	boxes []*inbox
	once  sync.Once
}

type msgKey struct {
	src, tag int
}

type inbox struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queues  map[msgKey][][]float64
	aborted bool
}

// NewLocalWorld creates a world of size ranks. hosts optionally names the node
// of each rank; ranks without a name run on "localhost".
func NewLocalWorld(size int, hosts ...string) *LocalWorld {
	if size < 1 {
		panic("comm: LocalWorld needs at least one rank")
	}
	w := &LocalWorld{
		size:  size,
		hosts: make([]string, size),
		boxes: make([]*inbox, size),
	}
	for r := 0; r < size; r++ {
		w.hosts[r] = "localhost"
		if r < len(hosts) && hosts[r] != "" {
			w.hosts[r] = hosts[r]
		}
		b := &inbox{queues: make(map[msgKey][][]float64)}
		b.cond = sync.NewCond(&b.mu)
		w.boxes[r] = b
	}
	return w
}

// RunLocal runs fn on size ranks of a fresh LocalWorld
func RunLocal(size int, fn func(c Communicator) error) error {
	return NewLocalWorld(size).Run(fn)
}

// Run executes fn once per rank and waits for all ranks. The first rank to
// fail aborts the world so that peers blocked in a receive return ErrAborted
// instead of hanging; that first error is returned.
func (w *LocalWorld) Run(fn func(c Communicator) error) error {
	g, ctx := errgroup.WithContext(context.Background())
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			w.abort()
		case <-done:
		}
	}()
	for r := 0; r < w.size; r++ {
		rank := r
		g.Go(func() error {
			if err := fn(w.Comm(rank)); err != nil {
				return errors.WithMessagef(err, "rank %d", rank)
			}
			return nil
		})
	}
	return g.Wait()
}

// Comm returns the communicator of one rank
func (w *LocalWorld) Comm(rank int) Communicator {
	return &localComm{world: w, rank: rank}
}

func (w *LocalWorld) abort() {
	w.once.Do(func() {
		for _, b := range w.boxes {
			b.mu.Lock()
			b.aborted = true
			b.cond.Broadcast()
			b.mu.Unlock()
		}
	})
}

func (b *inbox) put(k msgKey, data []float64) {
	b.mu.Lock()
	b.queues[k] = append(b.queues[k], data)
	b.cond.Broadcast()
	b.mu.Unlock()
}

func (b *inbox) take(k msgKey) ([]float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.queues[k]) == 0 {
		if b.aborted {
			return nil, ErrAborted
		}
		b.cond.Wait()
	}
	q := b.queues[k]
	msg := q[0]
	if len(q) == 1 {
		delete(b.queues, k)
	} else {
		b.queues[k] = q[1:]
	}
	return msg, nil
}

type localComm struct {
	world *LocalWorld
	rank  int
}

func (c *localComm) Rank() int             { return c.rank }
func (c *localComm) Size() int             { return c.world.size }
func (c *localComm) ProcessorName() string { return c.world.hosts[c.rank] }
func (c *localComm) Barrier() error        { return barrier(c) }

func (c *localComm) Send(data []float64, dest, tag int) error {
	if dest < 0 || dest >= c.world.size {
		return errors.Errorf("send to rank %d outside world of size %d", dest, c.world.size)
	}
	msg := make([]float64, len(data))
	copy(msg, data)
	c.world.boxes[dest].put(msgKey{src: c.rank, tag: tag}, msg)
	return nil
}

func (c *localComm) Recv(src, tag int) ([]float64, error) {
	if src < 0 || src >= c.world.size {
		return nil, errors.Errorf("receive from rank %d outside world of size %d", src, c.world.size)
	}
	return c.world.boxes[c.rank].take(msgKey{src: src, tag: tag})
}

func (c *localComm) Split(color, key int) (Communicator, error) {
	return split(c, color, key)
}
