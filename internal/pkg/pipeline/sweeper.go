package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
)

const (
	// DefaultCacheSweepInterval bounds dedup cache memory.
	DefaultCacheSweepInterval = 10 * time.Second
	// DefaultStoreSweepInterval drives lock, processed and failed cleanup.
	DefaultStoreSweepInterval = time.Hour
)

// Sweeper runs the periodic maintenance passes: dedup cache eviction every
// few seconds, and lock/processed/failed cleanup hourly.
type Sweeper struct {
	pipeline *Pipeline

	cacheInterval time.Duration
	storeInterval time.Duration

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewSweeper creates a sweeper for the given pipeline with default intervals.
func NewSweeper(p *Pipeline) *Sweeper {
	return &Sweeper{
		pipeline:      p,
		cacheInterval: DefaultCacheSweepInterval,
		storeInterval: DefaultStoreSweepInterval,
		stopCh:        make(chan struct{}),
	}
}

// Start launches the background sweep loops.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}

	s.stopCh = make(chan struct{})
	s.running = true
	log.Infof("[Sweeper] Starting (cache=%s, store=%s)", s.cacheInterval, s.storeInterval)

	s.wg.Add(2)
	go s.cacheLoop()
	go s.storeLoop()
}

// Stop halts the sweep loops and waits for them to exit.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	log.Info("[Sweeper] Stopping...")
	close(s.stopCh)
	s.running = false
	s.wg.Wait()
	log.Info("[Sweeper] Stopped")
}

func (s *Sweeper) cacheLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cacheInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if removed := s.pipeline.SweepDedupCache(); removed > 0 {
				log.Debugf("[Sweeper] Evicted %d dedup cache entries", removed)
			}
		}
	}
}

func (s *Sweeper) storeLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.storeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweepStores()
		}
	}
}

func (s *Sweeper) sweepStores() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if n, err := s.pipeline.SweepLocks(ctx); err != nil {
		log.Errorf("[Sweeper] Lock sweep failed: %v", err)
	} else if n > 0 {
		log.Infof("[Sweeper] Reclaimed %d locks", n)
	}

	if n, err := s.pipeline.SweepProcessed(ctx); err != nil {
		log.Errorf("[Sweeper] Processed-event sweep failed: %v", err)
	} else if n > 0 {
		log.Infof("[Sweeper] Deleted %d expired processed events", n)
	}

	if n, err := s.pipeline.SweepFailed(ctx); err != nil {
		log.Errorf("[Sweeper] Failed-event sweep failed: %v", err)
	} else if n > 0 {
		log.Infof("[Sweeper] Deleted %d exhausted failed events", n)
	}
}
