// Package sched promotes time-deferred bots into live sessions. It
// polls the store for scheduled bots, stages each one a fixed lead
// before its join time so the capture context is warm, then hands it to
// the session manager at exactly join_at. Bots are claimed with a lease
// before either step so concurrent server instances never double-launch.
package sched

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tapeworks/meetingbot/pkg/bot"
	"github.com/tapeworks/meetingbot/pkg/delivery"
	"github.com/tapeworks/meetingbot/pkg/log"
	"github.com/tapeworks/meetingbot/pkg/session"
)

// Store is the slice of the persistence layer the scheduler needs.
type Store interface {
	DueBots(ctx context.Context, state bot.State, deadline time.Time) ([]*bot.Bot, error)
	ClaimBot(ctx context.Context, botID, owner string, lease time.Duration) (bool, error)
	TransitionBot(ctx context.Context, ev *bot.Event) error
}

// Runner launches a session for a bot whose join time has arrived.
// Satisfied by *session.Manager.
type Runner interface {
	Start(b *bot.Bot) (*session.Session, error)
}

// Scheduler drives the scheduled -> staged -> joining entry path.
type Scheduler struct {
	store    Store
	runner   Runner
	launcher session.Launcher
	pub      session.Publisher
	logger   *logrus.Entry

	owner string
	poll  time.Duration
	lead  time.Duration

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New wires a scheduler. poll is how often due bots are checked for;
// lead is how far before join_at staging happens.
func New(st Store, runner Runner, launcher session.Launcher, pub session.Publisher, poll, lead time.Duration) *Scheduler {
	return &Scheduler{
		store:    st,
		runner:   runner,
		launcher: launcher,
		pub:      pub,
		logger:   log.WithComponent("sched"),
		owner:    uuid.NewString(),
		poll:     poll,
		lead:     lead,
		done:     make(chan struct{}),
	}
}

// Start launches the polling loop.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.loop()
	s.logger.Infof("Scheduler running (poll %s, staging lead %s)", s.poll, s.lead)
}

// Stop halts polling and waits for an in-flight tick to finish.
// Sessions already launched keep running.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Tick(time.Now())
		case <-s.done:
			return
		}
	}
}

// Tick runs one scheduling pass: stage bots entering the lead window,
// promote staged bots whose join time has arrived. Exported so tests
// can drive the scheduler without the ticker.
func (s *Scheduler) Tick(now time.Time) {
	ctx := context.Background()

	due, err := s.store.DueBots(ctx, bot.StateScheduled, now.Add(s.lead))
	if err != nil {
		s.logger.WithError(err).Error("Listing scheduled bots failed")
	} else {
		for _, b := range due {
			if s.claim(ctx, b) {
				s.stage(ctx, b)
			}
		}
	}

	staged, err := s.store.DueBots(ctx, bot.StateStaged, now)
	if err != nil {
		s.logger.WithError(err).Error("Listing staged bots failed")
		return
	}
	for _, b := range staged {
		if s.claim(ctx, b) {
			s.promote(ctx, b)
		}
	}
}

func (s *Scheduler) claim(ctx context.Context, b *bot.Bot) bool {
	ok, err := s.store.ClaimBot(ctx, b.ID, s.owner, 2*s.poll)
	if err != nil {
		s.logger.WithError(err).Errorf("Claiming bot %s failed", b.ID)
		return false
	}
	if !ok {
		s.logger.Debugf("Bot %s is claimed by another scheduler", b.ID)
	}
	return ok
}

// stage persists scheduled -> staged and pre-allocates the capture
// context so the join at join_at is not delayed by cold start.
func (s *Scheduler) stage(ctx context.Context, b *bot.Bot) {
	ev := &bot.Event{
		BotID:     b.ID,
		OldState:  bot.StateScheduled,
		NewState:  bot.StateStaged,
		Type:      bot.EventStaged,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.TransitionBot(ctx, ev); err != nil {
		// Another instance got there first or the bot moved on. Either
		// way this instance backs off.
		s.logger.WithError(err).Warnf("Staging bot %s failed", b.ID)
		return
	}
	b.State = bot.StateStaged
	s.publish(ctx, b, ev)

	if err := s.launcher.Prepare(ctx, b); err != nil {
		s.logger.WithError(err).Warnf("Pre-staging resources for bot %s failed, join may be slow", b.ID)
	}
	s.logger.Infof("Bot %s staged for join at %s", b.ID, b.JoinAt.Format(time.RFC3339))
}

// promote hands a staged bot to the session manager; the session
// performs and persists the staged -> joining transition itself.
func (s *Scheduler) promote(ctx context.Context, b *bot.Bot) {
	if _, err := s.runner.Start(b); err != nil {
		s.logger.WithError(err).Errorf("Launching session for bot %s failed", b.ID)
		ev := &bot.Event{
			BotID:     b.ID,
			OldState:  b.State,
			NewState:  bot.StateFatalError,
			Type:      bot.EventFatalError,
			SubType:   bot.SubTypeJoinFailed,
			CreatedAt: time.Now().UTC(),
		}
		if terr := s.store.TransitionBot(ctx, ev); terr != nil {
			s.logger.WithError(terr).Errorf("Recording launch failure for bot %s failed", b.ID)
			return
		}
		b.State = bot.StateFatalError
		s.publish(ctx, b, ev)
	}
}

func (s *Scheduler) publish(ctx context.Context, b *bot.Bot, ev *bot.Event) {
	if err := s.pub.Publish(ctx, b.ProjectID, delivery.StateChange(ev, b.Metadata)); err != nil {
		s.logger.WithError(err).Warnf("Publishing %s for bot %s failed", ev.Type, b.ID)
	}
}
