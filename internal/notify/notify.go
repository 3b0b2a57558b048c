// Package notify delivers operator alerts through a pluggable sender with a
// bounded queue and a rate limit, so a failure storm can't flood the operator
// chat or block the workers raising the alerts.
package notify

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"mediarelay/internal/runtime/supervisor"
	logx "mediarelay/pkg/logx"
)

// Sender is the transport behind the notifier.
type Sender interface {
	Send(ctx context.Context, text string) error
}

type Config struct {
	QueueSize int

	// PerMinute caps delivered notifications; excess waits in the queue.
	PerMinute int
	Burst     int
}

func (c *Config) normalize() {
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.PerMinute <= 0 {
		c.PerMinute = 20
	}
	if c.Burst <= 0 {
		c.Burst = 5
	}
}

type Service struct {
	cfg     Config
	log     logx.Logger
	sender  Sender
	limiter *rate.Limiter

	queue  chan string
	stopCh chan struct{}
	sup    *supervisor.Supervisor
}

func New(cfg Config, sender Sender, log logx.Logger) *Service {
	cfg.normalize()
	return &Service{
		cfg:     cfg,
		log:     log,
		sender:  sender,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.PerMinute)), cfg.Burst),
		queue:   make(chan string, cfg.QueueSize),
		stopCh:  make(chan struct{}),
	}
}

// Notify enqueues an alert without blocking; when the queue is full the alert
// is dropped and counted in the log.
func (s *Service) Notify(text string) {
	select {
	case <-s.stopCh:
		return
	default:
	}
	select {
	case s.queue <- text:
	default:
		s.log.Warn("operator alert dropped, queue full")
	}
}

func (s *Service) Start(ctx context.Context) {
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))
	s.sup.GoRestart("notify-worker", s.workerLoop)
}

func (s *Service) Stop(ctx context.Context) error {
	close(s.stopCh)
	select {
	case s.queue <- "":
	default:
	}
	if s.sup == nil {
		return nil
	}
	return s.sup.Stop(ctx)
}

func (s *Service) workerLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.stopCh:
			return nil
		case text := <-s.queue:
			if text == "" {
				continue
			}
			if err := s.limiter.Wait(ctx); err != nil {
				return nil
			}
			if err := s.sender.Send(ctx, text); err != nil {
				s.log.Warn("operator alert send failed", logx.Err(err))
			}
		}
	}
}
