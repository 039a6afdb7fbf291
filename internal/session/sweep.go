package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const sweepParallelism = 4

// Sweeper periodically advances a checkpoint clock and health-checks the
// registry's nodes. Nodes idle for longer than idleAfter get a liveness
// probe, the rest a keepalive. Failures only mark nodes invalid; teardown
// stays with Release.
type Sweeper struct {
	registry  *Registry
	interval  time.Duration
	idleAfter time.Duration

	checkpoint atomic.Int64
	stopChan   chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

func NewSweeper(registry *Registry, interval, idleAfter time.Duration) *Sweeper {
	s := &Sweeper{
		registry:  registry,
		interval:  interval,
		idleAfter: idleAfter,
		stopChan:  make(chan struct{}),
	}
	s.checkpoint.Store(time.Now().UnixNano())
	return s
}

// Start launches the background loop. It is a no-op for a non-positive
// interval.
func (s *Sweeper) Start(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case now := <-ticker.C:
				s.checkpoint.Store(now.UnixNano())
				if n := s.Sweep(ctx); n > 0 {
					logrus.Infof("session: sweep invalidated %d session(s)", n)
				}
			case <-s.stopChan:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the loop and waits for it.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
}

// Checkpoint is the time of the last tick.
func (s *Sweeper) Checkpoint() time.Time {
	return time.Unix(0, s.checkpoint.Load())
}

// Sweep checks every valid node once and returns how many were invalidated.
func (s *Sweeper) Sweep(ctx context.Context) int {
	var failed atomic.Int32

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepParallelism)
	for _, node := range s.registry.Nodes() {
		if !node.Valid() {
			continue
		}
		g.Go(func() error {
			var err error
			if time.Since(node.LastUsed()) >= s.idleAfter {
				err = Probe(ctx, node)
			} else {
				err = Keepalive(ctx, node)
			}
			if err != nil {
				node.logger().WithError(err).Warn("session: health check failed")
				s.registry.Invalidate(node)
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(failed.Load())
}
