package async

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tokligence/chatstream-gateway/internal/store"
)

// Store wraps a store.Store with asynchronous batch writes for messages and
// usage entries. Reads go straight to the underlying store.
// WARNING: queued writes are lost if the process crashes before flushing.
type Store struct {
	underlying    store.Store
	jobs          chan job
	batchSize     int
	flushInterval time.Duration
	wg            sync.WaitGroup
	stopOnce      sync.Once
	stopChan      chan struct{}
	logger        logrus.FieldLogger

	mu      sync.Mutex
	dropped int64
}

type job struct {
	message *store.Message
	usage   *store.UsageEntry
}

// Config configures the async writer.
type Config struct {
	BatchSize     int           // maximum jobs per flush (default 100)
	FlushInterval time.Duration // maximum time between flushes (default 1s)
	ChannelBuffer int           // queue capacity (default 10000)
	NumWorkers    int           // parallel writers (default 1)
	Logger        logrus.FieldLogger
}

var _ store.Store = (*Store)(nil)

// New wraps underlying with asynchronous batch writing.
func New(underlying store.Store, cfg Config) *Store {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.ChannelBuffer <= 0 {
		cfg.ChannelBuffer = 10000
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	s := &Store{
		underlying:    underlying,
		jobs:          make(chan job, cfg.ChannelBuffer),
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		stopChan:      make(chan struct{}),
		logger:        cfg.Logger.WithField("component", "async-store"),
	}
	for i := 0; i < cfg.NumWorkers; i++ {
		s.wg.Add(1)
		go s.batchWriter(i)
	}
	s.logger.WithFields(logrus.Fields{
		"workers":        cfg.NumWorkers,
		"batch_size":     cfg.BatchSize,
		"flush_interval": cfg.FlushInterval,
		"buffer":         cfg.ChannelBuffer,
	}).Debug("async store started")
	return s
}

func (s *Store) batchWriter(workerID int) {
	defer s.wg.Done()

	batch := make([]job, 0, s.batchSize)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx := context.Background()
		failed := 0
		for _, j := range batch {
			var err error
			switch {
			case j.message != nil:
				err = s.underlying.PersistMessage(ctx, *j.message)
			case j.usage != nil:
				err = s.underlying.RecordUsage(ctx, *j.usage)
			}
			if err != nil {
				failed++
				s.logger.WithError(err).WithField("worker", workerID).Warn("async store: write failed")
			}
		}
		s.logger.WithFields(logrus.Fields{"worker": workerID, "written": len(batch) - failed, "failed": failed}).Debug("async store: flushed")
		batch = batch[:0]
	}

	for {
		select {
		case j := <-s.jobs:
			batch = append(batch, j)
			if len(batch) >= s.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.stopChan:
			for {
				select {
				case j := <-s.jobs:
					batch = append(batch, j)
					if len(batch) >= s.batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func (s *Store) enqueue(j job) {
	select {
	case s.jobs <- j:
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
		s.logger.Warn("async store: queue full, dropping write")
	}
}

// PersistMessage queues msg. ID and CreatedAt are assigned before queueing so
// the caller can reference the message immediately.
func (s *Store) PersistMessage(_ context.Context, msg store.Message) error {
	msg = store.Normalize(msg)
	s.enqueue(job{message: &msg})
	return nil
}

// RecordUsage queues entry.
func (s *Store) RecordUsage(_ context.Context, entry store.UsageEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.enqueue(job{usage: &entry})
	return nil
}

// Dropped returns how many writes were discarded because the queue was full.
func (s *Store) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// OwnerOf delegates to the underlying store.
func (s *Store) OwnerOf(ctx context.Context, conversationID string) (string, error) {
	return s.underlying.OwnerOf(ctx, conversationID)
}

// CreateConversation delegates synchronously; later message writes depend on it.
func (s *Store) CreateConversation(ctx context.Context, callerID, title string) (store.Conversation, error) {
	return s.underlying.CreateConversation(ctx, callerID, title)
}

// ListMessages delegates to the underlying store.
func (s *Store) ListMessages(ctx context.Context, conversationID string, limit int) ([]store.Message, error) {
	return s.underlying.ListMessages(ctx, conversationID, limit)
}

// UsageSummary delegates to the underlying store.
func (s *Store) UsageSummary(ctx context.Context, callerID string) (store.UsageSummary, error) {
	return s.underlying.UsageSummary(ctx, callerID)
}

// Ping delegates to the underlying store.
func (s *Store) Ping(ctx context.Context) error {
	return s.underlying.Ping(ctx)
}

// Close flushes queued writes and closes the underlying store.
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
	return s.underlying.Close()
}
