// Package session drives one bot through its meeting lifecycle: the
// state machine, the capture process, the platform adapter and the
// media router with its sinks. All lifecycle decisions run on a single
// goroutine per session; collaborators talk to it through channels.
package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/sirupsen/logrus"

	"github.com/tapeworks/meetingbot/pkg/adapter"
	"github.com/tapeworks/meetingbot/pkg/asr"
	"github.com/tapeworks/meetingbot/pkg/bot"
	"github.com/tapeworks/meetingbot/pkg/codec"
	"github.com/tapeworks/meetingbot/pkg/delivery"
	"github.com/tapeworks/meetingbot/pkg/log"
	"github.com/tapeworks/meetingbot/pkg/metrics"
	"github.com/tapeworks/meetingbot/pkg/pcm"
	"github.com/tapeworks/meetingbot/pkg/recorder"
	"github.com/tapeworks/meetingbot/pkg/router"
	"github.com/tapeworks/meetingbot/pkg/store"
)

const (
	defaultTick         = 5 * time.Second
	defaultLeaveTimeout = 15 * time.Second
	defaultCloseTimeout = 30 * time.Second

	defaultTranscriptionRate = 16000
	defaultStreamRate        = 16000
)

// Publisher fans an event out to a project's webhook subscribers.
// Satisfied by *delivery.Deliverer.
type Publisher interface {
	Publish(ctx context.Context, projectID string, ev delivery.Event) error
}

// KeyFunc resolves the ASR API key for a project and provider; an
// empty return disables transcription for that bot.
type KeyFunc func(projectID, provider string) string

// Deps are the collaborators shared by all sessions.
type Deps struct {
	Store     store.Store
	Launcher  Launcher
	Deliverer Publisher

	// ASRKey resolves transcription credentials. nil disables
	// transcription entirely.
	ASRKey KeyFunc

	// RecordingDir is the root directory recording artifacts go under.
	RecordingDir string
	// CaptureRate is the PCM rate of capture audio; zero uses the
	// adapter default.
	CaptureRate int
	// QueueSize bounds each sink's queue on the router; zero uses the
	// router default.
	QueueSize int
}

func (d Deps) validate() error {
	if d.Store == nil {
		return fmt.Errorf("session deps: nil store")
	}
	if d.Launcher == nil {
		return fmt.Errorf("session deps: nil launcher")
	}
	if d.Deliverer == nil {
		return fmt.Errorf("session deps: nil deliverer")
	}
	return nil
}

type settings struct {
	tick         time.Duration
	leaveTimeout time.Duration
	closeTimeout time.Duration
	asrOpts      []asr.Option
	streamOpts   []delivery.StreamOption
}

// Option tunes one session, mostly for tests.
type Option func(*settings)

// WithTickInterval sets how often the auto-leave thresholds are
// evaluated.
func WithTickInterval(d time.Duration) Option {
	return func(s *settings) { s.tick = d }
}

// WithLeaveTimeout bounds how long a leave may wait for the platform
// to confirm the departure before it is forced.
func WithLeaveTimeout(d time.Duration) Option {
	return func(s *settings) { s.leaveTimeout = d }
}

// WithCloseTimeout bounds the sink flush during post-processing.
func WithCloseTimeout(d time.Duration) Option {
	return func(s *settings) { s.closeTimeout = d }
}

// WithASROptions forwards options to transcription providers.
func WithASROptions(opts ...asr.Option) Option {
	return func(s *settings) { s.asrOpts = opts }
}

// WithStreamOptions forwards options to realtime audio streams.
func WithStreamOptions(opts ...delivery.StreamOption) Option {
	return func(s *settings) { s.streamOpts = opts }
}

type cmdKind int

const (
	cmdLeave cmdKind = iota + 1
	cmdRecordStart
	cmdRecordStop
)

type command struct {
	kind  cmdKind
	sub   bot.EventSubType
	reply chan error
}

// Session owns one bot from join to its terminal state.
type Session struct {
	bot    *bot.Bot
	deps   Deps
	cfg    settings
	logger *logrus.Entry

	machine *fsm.FSM
	adp     adapter.Adapter
	router  *router.Router
	capture CaptureProc

	ctx    context.Context
	cancel context.CancelFunc

	cmds       chan command
	wsClosed   chan error
	injections chan delivery.BotOutput
	done       chan struct{}

	// feedMu serializes capture frames against adapter shutdown.
	feedMu   sync.RWMutex
	feedDone bool

	captureMu sync.Mutex
	captureW  *codec.Writer

	rec      *recorder.Recorder
	provider asr.Provider
	streams  []*delivery.Stream
	wg       sync.WaitGroup

	// Owned by the run goroutine.
	joinStarted  time.Time
	joinedAt     time.Time
	participants int
	aloneSince   time.Time
	silentSince  time.Time
	leaveBy      time.Time
	leaveSub     bot.EventSubType
}

// New builds a session for b. The bot must be in a joinable state;
// Start performs the join transition.
func New(b *bot.Bot, deps Deps, opts ...Option) (*Session, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}

	cfg := settings{
		tick:         defaultTick,
		leaveTimeout: defaultLeaveTimeout,
		closeTimeout: defaultCloseTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	adp, err := adapter.New(b.Platform, adapter.Options{SampleRate: deps.CaptureRate})
	if err != nil {
		return nil, err
	}

	var routerOpts []router.Option
	if deps.QueueSize > 0 {
		routerOpts = append(routerOpts, router.WithQueueSize(deps.QueueSize))
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		bot:        b,
		deps:       deps,
		cfg:        cfg,
		logger:     log.WithBot(b.ID).WithField("component", "session"),
		machine:    newLifecycle(b.State),
		adp:        adp,
		router:     router.New(b.ID, routerOpts...),
		ctx:        ctx,
		cancel:     cancel,
		cmds:       make(chan command),
		wsClosed:   make(chan error, 1),
		injections: make(chan delivery.BotOutput, 64),
		done:       make(chan struct{}),
	}, nil
}

// ID returns the bot id this session drives.
func (s *Session) ID() string { return s.bot.ID }

// State returns the bot's current lifecycle state.
func (s *Session) State() bot.State { return bot.State(s.machine.Current()) }

func (s *Session) state() bot.State { return bot.State(s.machine.Current()) }

// Done is closed once the session has reached a terminal state and
// released its resources.
func (s *Session) Done() <-chan struct{} { return s.done }

// Start performs the join transition and launches the capture
// context. Ready bots record the join as an API request; staged bots
// carry no sub-type, their scheduling was recorded at staging.
func (s *Session) Start() error {
	sub := bot.SubTypeAPIRequest
	if s.bot.State == bot.StateStaged {
		sub = ""
	}
	s.joinStarted = time.Now()

	if err := s.transition(edgeJoin, bot.EventJoinRequested, sub); err != nil {
		return err
	}

	proc, err := s.deps.Launcher.Launch(s.ctx, s.bot)
	if err != nil {
		s.fatal(bot.SubTypeJoinFailed, err)
		close(s.done)
		return fmt.Errorf("launching capture: %w", err)
	}
	s.capture = proc

	events, err := s.adp.Start(s.ctx)
	if err != nil {
		s.fatal(bot.SubTypeJoinFailed, err)
		close(s.done)
		return err
	}

	metrics.SessionsActive.Inc()
	go s.run(events)
	return nil
}

func (s *Session) run(events <-chan adapter.Event) {
	defer close(s.done)
	defer metrics.SessionsActive.Dec()
	defer s.cancel()

	ticker := time.NewTicker(s.cfg.tick)
	defer ticker.Stop()

	procDone := s.capture.Done()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			s.handleEvent(ev)
		case cmd := <-s.cmds:
			cmd.reply <- s.handleCommand(cmd)
		case err := <-procDone:
			procDone = nil
			s.onCaptureGone(bot.SubTypeBrowserCrashed, "capture process exited", err)
		case err := <-s.wsClosed:
			s.onCaptureGone(bot.SubTypeCaptureLost, "capture connection closed", err)
		case out := <-s.injections:
			s.inject(out)
		case deg := <-s.router.Degraded():
			s.logger.WithError(deg.Err).Warnf("Sink %s degraded, continuing without it", deg.Sink)
		case <-ticker.C:
			s.evaluate(time.Now())
		case <-s.ctx.Done():
			s.fatal(bot.SubTypeShutdown, s.ctx.Err())
			return
		}
		if s.state().Terminal() {
			return
		}
	}
}

// Feed hands one decoded capture frame to the platform adapter.
// Called from the capture connection's read goroutine; frames arriving
// after post-processing started are dropped.
func (s *Session) Feed(m codec.Message) {
	s.feedMu.RLock()
	defer s.feedMu.RUnlock()
	if s.feedDone {
		return
	}
	s.adp.Feed(m)
}

// AttachCapture registers the capture connection's writer so the
// session can signal the in-page payload and inject audio. One
// connection at a time.
func (s *Session) AttachCapture(w *codec.Writer) error {
	if st := s.state(); st.Terminal() || st == bot.StatePostProcessing {
		return fmt.Errorf("bot %s is %s", s.bot.ID, st)
	}
	s.captureMu.Lock()
	defer s.captureMu.Unlock()
	if s.captureW != nil {
		return fmt.Errorf("bot %s already has a capture connection", s.bot.ID)
	}
	s.captureW = w
	s.logger.Info("Capture connection attached")
	return nil
}

// CaptureClosed tells the session its capture connection went away.
// Must be called after the read loop has stopped feeding frames.
func (s *Session) CaptureClosed(err error) {
	s.captureMu.Lock()
	s.captureW = nil
	s.captureMu.Unlock()
	select {
	case s.wsClosed <- err:
	default:
	}
}

// AttachSink registers a connection-scoped sink (a consumer audio
// bridge) on the router. Safe while the session is publishing.
func (s *Session) AttachSink(sink router.Sink) error {
	if s.state().Terminal() {
		return fmt.Errorf("bot %s is %s", s.bot.ID, s.state())
	}
	return s.router.AddSink(sink)
}

// DetachSink removes a connection-scoped sink, draining its queue.
func (s *Session) DetachSink(name string) {
	s.router.RemoveSink(name)
}

// InjectOutput queues consumer-provided audio for playback into the
// meeting. Drops when the session is backed up; bot output is realtime
// or not at all.
func (s *Session) InjectOutput(out delivery.BotOutput) {
	select {
	case s.injections <- out:
	case <-s.done:
	default:
	}
}

// RequestLeave asks the bot to leave the meeting.
func (s *Session) RequestLeave(ctx context.Context) error {
	return s.post(ctx, command{kind: cmdLeave, sub: bot.SubTypeAPIRequest})
}

// StartRecording switches the bot to joined_recording.
func (s *Session) StartRecording(ctx context.Context) error {
	return s.post(ctx, command{kind: cmdRecordStart, sub: bot.SubTypeAPIRequest})
}

// StopRecording switches the bot back to joined_not_recording.
func (s *Session) StopRecording(ctx context.Context) error {
	return s.post(ctx, command{kind: cmdRecordStop, sub: bot.SubTypeAPIRequest})
}

// Recording reports what the recorder persisted. Meaningful once the
// session is done.
func (s *Session) Recording() (recorder.Result, bool) {
	if s.rec == nil {
		return recorder.Result{}, false
	}
	return s.rec.Result(), true
}

// Close aborts the session without waiting for a clean leave.
func (s *Session) Close() {
	s.cancel()
}

func (s *Session) post(ctx context.Context, c command) error {
	c.reply = make(chan error, 1)
	select {
	case s.cmds <- c:
	case <-s.done:
		return fmt.Errorf("bot %s is %s", s.bot.ID, s.state())
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-c.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) handleCommand(c command) error {
	switch c.kind {
	case cmdLeave:
		return s.beginLeave(c.sub)
	case cmdRecordStart:
		return s.startRecording(c.sub)
	case cmdRecordStop:
		return s.stopRecording(c.sub)
	}
	return fmt.Errorf("unknown command %d", c.kind)
}

func (s *Session) handleEvent(ev adapter.Event) {
	switch ev.Kind {
	case adapter.KindMembership:
		s.onMembership(ev.Membership)
	case adapter.KindParticipantJoined:
		s.onParticipantJoined(ev.Participant)
	case adapter.KindParticipantLeft:
		s.onParticipantLeft(ev.Participant)
	case adapter.KindParticipantUpdated:
		s.onParticipantUpdated(ev.Participant)
	case adapter.KindAudio:
		s.onAudio(ev.Audio)
	case adapter.KindVideo:
		s.router.PublishVideo(ev.Video)
	case adapter.KindCaption:
		ev.Caption.BotID = s.bot.ID
		s.router.PublishCaption(ev.Caption)
	case adapter.KindChat:
		ev.Chat.BotID = s.bot.ID
		s.router.PublishChat(ev.Chat)
	case adapter.KindDeviceOutputs:
		s.router.UpdateOutputs(ev.Outputs)
	case adapter.KindSilence:
		s.onSilence(ev.Silence)
	case adapter.KindEncodedChunk:
		s.router.PublishChunk(ev.Chunk)
	}
}

func (s *Session) onMembership(status adapter.MembershipStatus) {
	switch status {
	case adapter.StatusWaitingRoom:
		s.transition(edgeWait, bot.EventPutInWaitingRoom, "")
	case adapter.StatusJoined:
		s.onAdmitted()
	case adapter.StatusJoinFailed:
		s.fatal(bot.SubTypeJoinFailed, fmt.Errorf("platform rejected the join"))
	case adapter.StatusRemoved:
		s.confirmDeparture(bot.SubTypeRemovedFromCall)
	case adapter.StatusMeetingEnded:
		s.confirmDeparture(bot.SubTypeMeetingEnded)
	}
}

func (s *Session) onAdmitted() {
	if s.state().Joined() {
		return
	}
	if err := s.transition(edgeAdmit, bot.EventJoined, ""); err != nil {
		return
	}

	now := time.Now()
	s.joinedAt = now
	s.aloneSince = now
	s.silentSince = time.Time{}
	s.participants = 0

	s.attachSinks()
	if s.bot.Recording.AutoRecord {
		if err := s.startRecording(""); err != nil {
			s.logger.WithError(err).Warn("Auto-record failed, staying joined without recording")
		}
	}
}

// attachSinks wires the configured sinks onto the router once the bot
// is in the meeting. A sink that cannot be built degrades that
// capability only; the session keeps running.
func (s *Session) attachSinks() {
	if err := s.router.AddSink(newEventLog(s.bot, s.deps.Store, s.deps.Deliverer)); err != nil {
		s.logger.WithError(err).Warn("Event log sink unavailable")
	}

	rec, err := recorder.New(s.bot.ID, s.deps.RecordingDir, s.bot.Recording, s.captureRate())
	if err != nil {
		s.logger.WithError(err).Warn("Recording unavailable")
	} else {
		rec.Pause()
		if err := s.router.AddSink(rec); err != nil {
			s.logger.WithError(err).Warn("Recording unavailable")
		} else {
			s.rec = rec
		}
	}

	if s.bot.Transcription.Enabled() && s.deps.ASRKey != nil {
		s.attachTranscription()
	}

	streamRate := s.bot.Streaming.SampleRate
	if streamRate == 0 {
		streamRate = defaultStreamRate
	}
	for i, url := range s.bot.Streaming.WebsocketURLs {
		st := delivery.NewStream(s.bot.ID, url, streamRate, i, s.cfg.streamOpts...)
		st.Start()
		if err := s.router.AddSink(st); err != nil {
			s.logger.WithError(err).Warnf("Stream %s unavailable", url)
			continue
		}
		s.streams = append(s.streams, st)
		s.wg.Add(1)
		go s.forwardOutputs(st.Outputs())
	}
}

func (s *Session) attachTranscription() {
	key := s.deps.ASRKey(s.bot.ProjectID, s.bot.Transcription.Provider)
	p, err := asr.New(s.bot.ID, s.bot.Transcription, key, s.cfg.asrOpts...)
	if err != nil {
		s.logger.WithError(err).Warn("Transcription unavailable")
		return
	}
	if err := p.Start(s.ctx); err != nil {
		s.logger.WithError(err).Warn("Transcription provider connect failed")
		return
	}

	rate := s.bot.Transcription.SampleRate
	if rate == 0 {
		rate = defaultTranscriptionRate
	}
	if err := s.router.AddSink(asr.NewSink(p, rate)); err != nil {
		s.logger.WithError(err).Warn("Transcription unavailable")
		p.Close()
		return
	}
	s.provider = p
	s.wg.Add(1)
	go s.consumeTranscripts(p.Results())
}

func (s *Session) captureRate() int {
	if s.deps.CaptureRate > 0 {
		return s.deps.CaptureRate
	}
	return 32000
}

func (s *Session) onParticipantJoined(p *adapter.ParticipantInfo) {
	now := time.Now().UTC()
	part := &bot.Participant{
		BotID:       s.bot.ID,
		UserID:      p.UserID,
		DisplayName: p.DisplayName,
		IsHost:      p.IsHost,
		IsScreen:    p.IsScreen,
		Presence:    bot.PresenceInMeeting,
		FirstSeenAt: now,
		UpdatedAt:   now,
	}
	if err := s.deps.Store.UpsertParticipant(s.ctx, part); err != nil {
		s.logger.WithError(err).Warn("Persisting participant failed")
	}
	ev := &bot.ParticipantEvent{
		BotID:       s.bot.ID,
		UserID:      p.UserID,
		DisplayName: p.DisplayName,
		Kind:        bot.ParticipantJoined,
		ObservedAt:  now,
	}
	if err := s.deps.Store.AddParticipantEvent(s.ctx, ev); err != nil {
		s.logger.WithError(err).Warn("Persisting participant event failed")
	}
	s.publish(delivery.Participants(ev, s.bot.Metadata))

	s.participants++
	if s.participants > 1 {
		s.aloneSince = time.Time{}
	}
}

func (s *Session) onParticipantLeft(p *adapter.ParticipantInfo) {
	now := time.Now().UTC()
	part := &bot.Participant{
		BotID:       s.bot.ID,
		UserID:      p.UserID,
		DisplayName: p.DisplayName,
		Presence:    bot.PresenceNotInMeeting,
		UpdatedAt:   now,
	}
	if err := s.deps.Store.UpsertParticipant(s.ctx, part); err != nil {
		s.logger.WithError(err).Warn("Persisting participant failed")
	}
	ev := &bot.ParticipantEvent{
		BotID:       s.bot.ID,
		UserID:      p.UserID,
		DisplayName: p.DisplayName,
		Kind:        bot.ParticipantLeft,
		Inferred:    p.Inferred,
		ObservedAt:  now,
	}
	if err := s.deps.Store.AddParticipantEvent(s.ctx, ev); err != nil {
		s.logger.WithError(err).Warn("Persisting participant event failed")
	}
	s.publish(delivery.Participants(ev, s.bot.Metadata))

	if s.participants > 0 {
		s.participants--
	}
	if s.participants <= 1 && s.aloneSince.IsZero() {
		s.aloneSince = time.Now()
	}
}

func (s *Session) onParticipantUpdated(p *adapter.ParticipantInfo) {
	now := time.Now().UTC()
	part := &bot.Participant{
		BotID:       s.bot.ID,
		UserID:      p.UserID,
		DisplayName: p.DisplayName,
		IsHost:      p.IsHost,
		IsScreen:    p.IsScreen,
		Presence:    bot.PresenceInMeeting,
		UpdatedAt:   now,
	}
	if err := s.deps.Store.UpsertParticipant(s.ctx, part); err != nil {
		s.logger.WithError(err).Warn("Persisting participant failed")
	}
}

func (s *Session) onAudio(frame *adapter.AudioFrame) {
	if !s.state().Joined() {
		return
	}
	s.router.PublishAudio(frame)

	if pcm.Silent(frame.Data, pcm.DefaultSilenceThreshold) {
		if s.silentSince.IsZero() {
			s.silentSince = time.Now()
		}
	} else {
		s.silentSince = time.Time{}
	}
}

func (s *Session) onSilence(st *adapter.SilenceStatus) {
	if !st.Silent {
		s.silentSince = time.Time{}
		return
	}
	if s.silentSince.IsZero() {
		s.silentSince = time.Now().Add(-time.Duration(st.SinceMs) * time.Millisecond)
	}
}

// evaluate applies the auto-leave thresholds. Runs on every tick.
func (s *Session) evaluate(now time.Time) {
	al := s.bot.AutoLeave
	switch st := s.state(); {
	case st == bot.StateJoining || st == bot.StateWaitingRoom:
		if now.Sub(s.joinStarted) >= al.AdmissionTimeout() {
			s.fatal(bot.SubTypeAdmissionTimeout,
				fmt.Errorf("not admitted within %s", al.AdmissionTimeout()))
		}
	case st.Joined():
		switch {
		case now.Sub(s.joinedAt) >= al.MaxDuration():
			s.beginLeave(bot.SubTypeAutoLeaveMaxDuration)
		case !s.aloneSince.IsZero() && now.Sub(s.aloneSince) >= al.OnlyParticipantTimeout():
			s.beginLeave(bot.SubTypeAutoLeaveOnlyParticipant)
		case !s.silentSince.IsZero() && now.Sub(s.silentSince) >= al.SilenceTimeout():
			s.beginLeave(bot.SubTypeAutoLeaveSilence)
		}
	case st == bot.StateLeaving:
		if !s.leaveBy.IsZero() && now.After(s.leaveBy) {
			s.logger.Warn("Leave confirmation overdue, forcing departure")
			s.finalize()
		}
	}
}

func (s *Session) startRecording(sub bot.EventSubType) error {
	if s.rec == nil {
		if !s.machine.Can(edgeRecord) {
			return fmt.Errorf("%w: %s from %s", ErrIllegalTransition, bot.EventRecordingStarted, s.state())
		}
		return fmt.Errorf("recorder unavailable for bot %s", s.bot.ID)
	}
	if err := s.transition(edgeRecord, bot.EventRecordingStarted, sub); err != nil {
		return err
	}
	s.rec.Resume()
	return nil
}

func (s *Session) stopRecording(sub bot.EventSubType) error {
	if err := s.transition(edgePause, bot.EventRecordingStopped, sub); err != nil {
		return err
	}
	s.rec.Pause()
	return nil
}

// beginLeave records the leave and asks the capture side to exit. The
// departure is confirmed by the platform (or forced after the leave
// timeout).
func (s *Session) beginLeave(sub bot.EventSubType) error {
	if err := s.transition(edgeLeave, bot.EventLeaveRequested, sub); err != nil {
		return err
	}
	s.leaveBy = time.Now().Add(s.cfg.leaveTimeout)
	s.leaveSub = sub

	if !s.signalLeave() && s.capture != nil {
		if err := s.capture.Leave(s.ctx); err != nil {
			s.logger.WithError(err).Warn("Leave signal to capture process failed")
		}
	}
	return nil
}

func (s *Session) signalLeave() bool {
	s.captureMu.Lock()
	w := s.captureW
	s.captureMu.Unlock()
	if w == nil {
		return false
	}
	data, _ := json.Marshal(map[string]string{"kind": "leave"})
	if err := w.Send(&codec.JSONMessage{Data: data}); err != nil {
		s.logger.WithError(err).Warn("Leave signal over capture connection failed")
		return false
	}
	return true
}

// confirmDeparture handles the platform reporting the bot out of the
// meeting, whether or not a leave was requested first.
func (s *Session) confirmDeparture(sub bot.EventSubType) {
	switch st := s.state(); {
	case st == bot.StateLeaving:
	case st.Joined() || st == bot.StateWaitingRoom || st == bot.StateJoining:
		if err := s.transition(edgeLeave, bot.EventLeaveRequested, sub); err != nil {
			return
		}
		s.leaveSub = sub
	default:
		return
	}
	s.finalize()
}

func (s *Session) onCaptureGone(sub bot.EventSubType, what string, err error) {
	switch st := s.state(); {
	case st == bot.StateLeaving:
		s.finalize()
	case st == bot.StatePostProcessing || st.Terminal():
	default:
		if err == nil {
			err = fmt.Errorf("%s unexpectedly", what)
		}
		s.fatal(sub, err)
	}
}

// finalize moves leaving -> post_processing -> ended, flushing every
// sink in between. Flush failures are logged and reported as degraded
// sinks; the bot still ends.
func (s *Session) finalize() {
	if err := s.transition(edgeDepart, bot.EventLeft, s.leaveSub); err != nil {
		return
	}
	s.postProcess()
	s.transition(edgeFinish, bot.EventPostProcessingCompleted, "")
}

// fatal records the failure and tears the session down. Media already
// captured is still flushed so partial artifacts survive.
func (s *Session) fatal(sub bot.EventSubType, cause error) {
	if s.state().Terminal() {
		return
	}
	s.logger.WithError(cause).Errorf("Fatal: %s", sub)
	if err := s.transition(edgeFail, bot.EventFatalError, sub); err != nil {
		return
	}
	s.postProcess()
}

// postProcess tears down capture and flushes the sinks. Runs on the
// run goroutine exactly once, right before the terminal transition.
func (s *Session) postProcess() {
	s.cancel()

	s.feedMu.Lock()
	s.feedDone = true
	s.feedMu.Unlock()
	s.adp.Stop()

	s.captureMu.Lock()
	s.captureW = nil
	s.captureMu.Unlock()
	if s.capture != nil {
		if err := s.capture.Kill(); err != nil {
			s.logger.WithError(err).Debug("Capture kill failed")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.closeTimeout)
	defer cancel()
	if err := s.router.Close(ctx); err != nil {
		s.logger.WithError(err).Warn("Sink flush failed during post-processing")
	}
	s.wg.Wait()

	if s.rec != nil {
		res := s.rec.Result()
		s.logger.Infof("Recording artifact: %s (%d bytes)", res.Path, res.Bytes)
	}
}

// transition validates, persists and then announces one state change.
// The store write happens before the in-memory state moves and before
// subscribers hear about it; a persistence failure leaves the session
// in its old state.
func (s *Session) transition(edge string, typ bot.EventType, sub bot.EventSubType) error {
	if !s.machine.Can(edge) {
		s.logger.Warnf("Rejecting %s: not allowed from %s", typ, s.state())
		return fmt.Errorf("%w: %s from %s", ErrIllegalTransition, typ, s.state())
	}

	old := s.state()
	ev := &bot.Event{
		BotID:     s.bot.ID,
		OldState:  old,
		NewState:  edgeDst[edge],
		Type:      typ,
		SubType:   sub,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.deps.Store.TransitionBot(context.Background(), ev); err != nil {
		s.logger.WithError(err).Errorf("Persisting %s -> %s failed", old, ev.NewState)
		return err
	}
	if err := s.machine.Event(context.Background(), edge); err != nil {
		return err
	}
	s.bot.State = ev.NewState

	metrics.StateTransitions.WithLabelValues(string(old), string(ev.NewState)).Inc()
	s.logger.Infof("State %s -> %s (%s)", old, ev.NewState, typ)
	s.publish(delivery.StateChange(ev, s.bot.Metadata))
	return nil
}

func (s *Session) publish(ev delivery.Event) {
	if err := s.deps.Deliverer.Publish(context.Background(), s.bot.ProjectID, ev); err != nil {
		s.logger.WithError(err).Warn("Webhook publish failed")
	}
}

func (s *Session) consumeTranscripts(results <-chan asr.Result) {
	defer s.wg.Done()
	for r := range results {
		if !r.Final {
			continue
		}
		seg := &bot.TranscriptSegment{
			BotID:      s.bot.ID,
			Text:       r.Text,
			Final:      true,
			Confidence: r.Confidence,
			StartMs:    r.StartMs,
			DurationMs: r.DurationMs,
			CreatedAt:  time.Now().UTC(),
		}
		if err := s.deps.Store.AddTranscriptSegment(context.Background(), seg); err != nil {
			s.logger.WithError(err).Warn("Persisting transcript segment failed")
			continue
		}
		s.publish(delivery.Transcript(seg, s.bot.Metadata))
	}
}

func (s *Session) forwardOutputs(ch <-chan delivery.BotOutput) {
	defer s.wg.Done()
	for out := range ch {
		select {
		case s.injections <- out:
		default:
		}
	}
}

// inject plays consumer-provided audio into the meeting through the
// capture connection.
func (s *Session) inject(out delivery.BotOutput) {
	s.captureMu.Lock()
	w := s.captureW
	s.captureMu.Unlock()
	if w == nil {
		return
	}
	data, _ := json.Marshal(map[string]any{
		"kind":        "bot_output",
		"chunk":       base64.StdEncoding.EncodeToString(out.Chunk),
		"sample_rate": out.SampleRate,
	})
	if err := w.Send(&codec.JSONMessage{Data: data}); err != nil {
		s.logger.WithError(err).Debug("Audio injection failed")
	}
}
