// Package workerpool implements the Worker Pool: a dynamically scaled set
// of goroutine workers executing submitted tasks (the engine submits file
// assembly; chunk fetches run on the engine's own goroutines) behind a typed
// PING/EXECUTE/SHUTDOWN protocol, with idle reaping and health checks,
// per spec.md section 4.4.
package workerpool

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"tachyon-dl/internal/errkind"
)

// Task is one unit of work submitted to the pool.
type Task struct {
	ID  string
	Run func(ctx context.Context) error
}

// Config bounds the pool's scaling and health-check behavior.
type Config struct {
	MinWorkers          int
	MaxWorkers          int
	IdleTimeout         time.Duration
	HealthCheckInterval time.Duration
	HealthCheckTimeout  time.Duration
	QueueCapacity       int
}

// DefaultConfig matches spec.md's pool defaults.
func DefaultConfig() Config {
	return Config{
		MinWorkers:          2,
		MaxWorkers:          16,
		IdleTimeout:         60 * time.Second,
		HealthCheckInterval: 30 * time.Second,
		HealthCheckTimeout:  5 * time.Second,
		QueueCapacity:       256,
	}
}

// Stats is a defensive-copy snapshot of the pool's internal counters.
type Stats struct {
	TotalWorkers          int
	Available             int
	Busy                  int
	Waiting               int
	TotalTasksCompleted   int64
	TotalWorkersCreated   int64
	TotalIdleDestroys     int64
	TotalHealthReplacements int64
	IsShuttingDown        bool
}

// messageKind is the typed worker-control protocol.
type messageKind int

const (
	msgPing messageKind = iota
	msgExecute
	msgShutdown
)

type workerMsg struct {
	kind messageKind
	task Task
}

type ackKind int

const (
	ackPong ackKind = iota
	ackSuccess
	ackError
)

type workerAck struct {
	kind ackKind
	err  error
}

type worker struct {
	id        string
	inbox     chan workerMsg
	busy      bool
	lastUsed  time.Time
	healthy   bool
}

// Pool is the dynamically scaled worker pool.
type Pool struct {
	cfg Config

	mu      sync.Mutex
	workers map[string]*worker
	queue   chan Task

	stats Stats

	stopSweep chan struct{}
	wg        sync.WaitGroup

	shuttingDown bool
}

// New creates a pool and spawns MinWorkers workers immediately.
func New(cfg Config) *Pool {
	if cfg.MaxWorkers <= 0 {
		cfg = DefaultConfig()
	}
	p := &Pool{
		cfg:       cfg,
		workers:   make(map[string]*worker),
		queue:     make(chan Task, cfg.QueueCapacity),
		stopSweep: make(chan struct{}),
	}

	for i := 0; i < cfg.MinWorkers; i++ {
		p.spawnWorker()
	}

	go p.sweepLoop()
	go p.dispatchLoop()

	return p
}

// Submit enqueues a task for execution. If fewer than MaxWorkers workers
// exist and all are busy, a new worker is spawned to pick it up
// immediately; otherwise it waits in the queue.
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		return errkind.New(errkind.Internal, errShuttingDown)
	}
	needsWorker := p.allBusy() && len(p.workers) < p.cfg.MaxWorkers
	p.mu.Unlock()

	if needsWorker {
		p.spawnWorker()
	}

	select {
	case p.queue <- task:
		return nil
	default:
		return errkind.New(errkind.Internal, errQueueFull)
	}
}

func (p *Pool) allBusy() bool {
	for _, w := range p.workers {
		if !w.busy {
			return false
		}
	}
	return true
}

func (p *Pool) spawnWorker() {
	p.mu.Lock()
	if p.shuttingDown || len(p.workers) >= p.cfg.MaxWorkers {
		p.mu.Unlock()
		return
	}
	w := &worker{id: uuid.NewString(), inbox: make(chan workerMsg, 1), lastUsed: time.Now(), healthy: true}
	p.workers[w.id] = w
	p.stats.TotalWorkersCreated++
	p.mu.Unlock()

	p.wg.Add(1)
	go p.runWorker(w)
}

func (p *Pool) runWorker(w *worker) {
	defer p.wg.Done()
	ack := make(chan workerAck, 1)
	// Nothing reads ack, so a reply never blocks the worker.
	reply := func(a workerAck) {
		select {
		case ack <- a:
		default:
		}
	}

	for msg := range w.inbox {
		switch msg.kind {
		case msgPing:
			reply(workerAck{kind: ackPong})
		case msgExecute:
			p.mu.Lock()
			w.busy = true
			p.mu.Unlock()

			err := msg.task.Run(context.Background())

			p.mu.Lock()
			w.busy = false
			w.lastUsed = time.Now()
			p.stats.TotalTasksCompleted++
			p.mu.Unlock()

			if err != nil {
				reply(workerAck{kind: ackError, err: err})
			} else {
				reply(workerAck{kind: ackSuccess})
			}
		case msgShutdown:
			return
		}
	}
}

func (p *Pool) dispatchLoop() {
	for task := range p.queue {
		for {
			w := p.acquireIdleWorker()
			if w != nil {
				w.inbox <- workerMsg{kind: msgExecute, task: task}
				break
			}
			p.spawnWorker() // no-op at MaxWorkers or while shutting down
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func (p *Pool) acquireIdleWorker() *worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		if !w.busy && w.healthy {
			// Marked busy here so the next task is not handed to the same
			// worker before it has picked this one up.
			w.busy = true
			return w
		}
	}
	return nil
}

// sweepLoop periodically reaps idle workers down to MinWorkers and
// health-checks the rest via a PING/PONG round trip.
func (p *Pool) sweepLoop() {
	interval := p.cfg.IdleTimeout / 2
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	healthTicker := time.NewTicker(maxDuration(p.cfg.HealthCheckInterval, time.Second))
	defer healthTicker.Stop()

	for {
		select {
		case <-p.stopSweep:
			return
		case <-ticker.C:
			p.reapIdle()
		case <-healthTicker.C:
			p.healthCheckAll()
		}
	}
}

func (p *Pool) reapIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.workers) <= p.cfg.MinWorkers {
		return
	}

	now := time.Now()
	for id, w := range p.workers {
		if len(p.workers) <= p.cfg.MinWorkers {
			return
		}
		if !w.busy && now.Sub(w.lastUsed) > p.cfg.IdleTimeout {
			close(w.inbox)
			delete(p.workers, id)
			p.stats.TotalIdleDestroys++
		}
	}
}

func (p *Pool) healthCheckAll() {
	p.mu.Lock()
	snapshot := make([]*worker, 0, len(p.workers))
	for _, w := range p.workers {
		if !w.busy {
			snapshot = append(snapshot, w)
		}
	}
	p.mu.Unlock()

	for _, w := range snapshot {
		if !p.pingWorker(w) {
			p.replaceWorker(w)
		}
	}
}

func (p *Pool) pingWorker(w *worker) bool {
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() { recover() }()
		w.inbox <- workerMsg{kind: msgPing}
	}()

	select {
	case <-done:
		return true
	case <-time.After(p.cfg.HealthCheckTimeout):
		return false
	}
}

func (p *Pool) replaceWorker(w *worker) {
	p.mu.Lock()
	if existing, ok := p.workers[w.id]; !ok || existing != w {
		p.mu.Unlock()
		return
	}
	delete(p.workers, w.id)
	p.stats.TotalHealthReplacements++
	p.mu.Unlock()

	close(w.inbox)
	p.spawnWorker()
}

// Stats returns a defensive snapshot of the pool's current counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	busy, available := 0, 0
	for _, w := range p.workers {
		if w.busy {
			busy++
		} else {
			available++
		}
	}

	s := p.stats
	s.TotalWorkers = len(p.workers)
	s.Busy = busy
	s.Available = available
	s.Waiting = len(p.queue)
	s.IsShuttingDown = p.shuttingDown
	return s
}

// Shutdown stops accepting new tasks, signals every worker to exit, and
// waits for in-flight tasks to finish.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		return
	}
	p.shuttingDown = true
	workers := make([]*worker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.mu.Unlock()

	close(p.stopSweep)
	close(p.queue)

	for _, w := range workers {
		func() {
			defer func() { recover() }()
			w.inbox <- workerMsg{kind: msgShutdown}
		}()
	}

	p.wg.Wait()
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

var (
	errShuttingDown = poolErr("workerpool: pool is shutting down")
	errQueueFull    = poolErr("workerpool: task queue is full")
)

type poolErr string

func (e poolErr) Error() string { return string(e) }
