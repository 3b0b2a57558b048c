// Package scheduler drives the periodic upkeep work: replaying the durable
// fail queue and injecting session-validation jobs so idle accounts keep a
// believable activity profile.
package scheduler

import (
	"context"

	"github.com/robfig/cron/v3"

	"mediarelay/internal/media"
	logx "mediarelay/pkg/logx"
)

// Replayer drains the fail queue back into the download pipeline.
type Replayer interface {
	ReplayFailed(ctx context.Context) (int, error)
}

// Submitter accepts injected jobs.
type Submitter interface {
	Submit(job *media.Job) bool
}

type Config struct {
	// ReplaySpec and ValidateSpec are cron expressions; empty disables the
	// corresponding task.
	ReplaySpec   string
	ValidateSpec string

	// ValidateOrigins lists one origin per account pool to probe.
	ValidateOrigins []media.Origin
}

func (c *Config) normalize() {
	if c.ReplaySpec == "" {
		c.ReplaySpec = "@every 15m"
	}
	if c.ValidateSpec == "" {
		c.ValidateSpec = "@every 6h"
	}
	if len(c.ValidateOrigins) == 0 {
		c.ValidateOrigins = []media.Origin{media.OriginInstagram, media.OriginYouTube}
	}
}

type Service struct {
	cfg       Config
	log       logx.Logger
	replayer  Replayer
	submitter Submitter

	cron *cron.Cron
}

func New(cfg Config, replayer Replayer, submitter Submitter, log logx.Logger) *Service {
	cfg.normalize()
	return &Service{
		cfg:       cfg,
		log:       log,
		replayer:  replayer,
		submitter: submitter,
		cron:      cron.New(),
	}
}

func (s *Service) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.cfg.ReplaySpec, func() { s.replay(ctx) }); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(s.cfg.ValidateSpec, func() { s.validateSessions() }); err != nil {
		return err
	}
	s.cron.Start()
	s.log.Info("scheduler started",
		logx.String("replay", s.cfg.ReplaySpec),
		logx.String("validate", s.cfg.ValidateSpec))
	return nil
}

func (s *Service) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Service) replay(ctx context.Context) {
	n, err := s.replayer.ReplayFailed(ctx)
	if err != nil {
		s.log.Warn("scheduled fail queue replay failed", logx.Err(err))
		return
	}
	if n > 0 {
		s.log.Info("scheduled replay enqueued jobs", logx.Int("jobs", n))
	}
}

func (s *Service) validateSessions() {
	for _, origin := range s.cfg.ValidateOrigins {
		job, err := media.New(media.Params{Origin: origin, ValidateSession: true})
		if err != nil {
			continue
		}
		if !s.submitter.Submit(job) {
			s.log.Warn("session validation job dropped", logx.String("origin", string(origin)))
		}
	}
}
