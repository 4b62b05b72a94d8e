package jobqueue

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ReservationGrace is how long past its lease a reservation is kept before
// the purge worker deletes it.
const ReservationGrace = time.Hour

// ReservationPurger removes idempotency reservations whose lease ran out.
type ReservationPurger interface {
	PurgeExpiredReservations(ctx context.Context, before time.Time) (int64, error)
}

// Manager manages the job queue and background tasks
type Manager struct {
	queue         *Queue
	purger        ReservationPurger
	purgeInterval time.Duration
	purgeTicker   *time.Ticker
	stopCh        chan struct{}
	wg            sync.WaitGroup
	mu            sync.Mutex
	running       bool
}

// NewManager creates a manager around queue. A nil purger disables the
// reservation purge worker.
func NewManager(queue *Queue, purger ReservationPurger, purgeInterval time.Duration) *Manager {
	if purgeInterval <= 0 {
		purgeInterval = 15 * time.Minute
	}
	return &Manager{
		queue:         queue,
		purger:        purger,
		purgeInterval: purgeInterval,
		stopCh:        make(chan struct{}),
	}
}

// GetQueue returns the managed job queue
func (m *Manager) GetQueue() *Queue {
	return m.queue
}

// IsRunning reports whether Start has been called without a matching Stop.
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Start starts the job queue and background tasks
func (m *Manager) Start(processor Processor) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	// Recreate stop channel for each start cycle so manager can be restarted safely.
	m.stopCh = make(chan struct{})
	m.running = true
	log.Info().Msg("[JobQueue Manager] Starting job queue and background tasks")

	m.queue.Start(processor)

	if m.purger != nil {
		m.purgeTicker = time.NewTicker(m.purgeInterval)
		m.wg.Add(1)
		go m.purgeWorker(m.purgeTicker, m.stopCh)
	}

	log.Info().Msg("[JobQueue Manager] Started successfully")
}

// Stop stops the job queue and background tasks
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info().Msg("[JobQueue Manager] Stopping job queue and background tasks...")

	if m.purgeTicker != nil {
		m.purgeTicker.Stop()
	}

	// Signal workers to stop
	close(m.stopCh)
	m.running = false

	// Wait for background workers to finish
	m.wg.Wait()

	m.queue.Stop()

	log.Info().Msg("[JobQueue Manager] Stopped successfully")
}

// purgeWorker periodically deletes stale idempotency reservations
func (m *Manager) purgeWorker(ticker *time.Ticker, stopCh <-chan struct{}) {
	defer m.wg.Done()
	log.Info().Dur("interval", m.purgeInterval).Msg("[JobQueue Manager] Started reservation purge worker")

	for {
		select {
		case <-stopCh:
			log.Info().Msg("[JobQueue Manager] Reservation purge worker stopping")
			return
		case <-ticker.C:
			m.purgeOnce(context.Background(), time.Now())
		}
	}
}

func (m *Manager) purgeOnce(ctx context.Context, now time.Time) {
	n, err := m.purger.PurgeExpiredReservations(ctx, now.Add(-ReservationGrace))
	if err != nil {
		log.Error().Err(err).Msg("[JobQueue Manager] Error purging expired reservations")
		return
	}
	if n > 0 {
		log.Info().Int64("purged", n).Msg("[JobQueue Manager] Purged expired reservations")
	}
}
