package session

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/tapeworks/meetingbot/pkg/bot"
	"github.com/tapeworks/meetingbot/pkg/log"
)

// CaptureProc is one live capture context: the headless browser (or
// native client) that sits in the meeting and streams media back over
// the capture WebSocket.
type CaptureProc interface {
	// Leave asks the capture side to exit the meeting cleanly. The
	// session prefers signaling through the capture connection; Leave
	// is the fallback when no connection is attached.
	Leave(ctx context.Context) error
	// Kill tears the capture context down immediately.
	Kill() error
	// Done reports process exit with its terminal error, at most once.
	Done() <-chan error
}

// Launcher starts capture contexts. Prepare runs at staging time so a
// scheduled bot's browser is warm before the join; Launch runs once
// per session.
type Launcher interface {
	Prepare(ctx context.Context, b *bot.Bot) error
	Launch(ctx context.Context, b *bot.Bot) (CaptureProc, error)
}

// ExecLauncher runs the configured capture command as a subprocess,
// one per bot, with the bot id appended as the last argument. Meeting
// coordinates are passed through the environment.
type ExecLauncher struct {
	// Command is the capture client binary.
	Command string
	// CaptureURL builds the WebSocket URL the capture client should
	// connect back to for a bot id.
	CaptureURL func(botID string) string
}

func (l *ExecLauncher) Prepare(ctx context.Context, b *bot.Bot) error {
	if l.Command == "" {
		return fmt.Errorf("no capture command configured")
	}
	log.WithBot(b.ID).Debugf("Staged capture command %s", l.Command)
	return nil
}

func (l *ExecLauncher) Launch(ctx context.Context, b *bot.Bot) (CaptureProc, error) {
	if l.Command == "" {
		return nil, fmt.Errorf("no capture command configured")
	}

	logger := log.WithBot(b.ID).WithField("component", "capture")

	cmd := exec.Command(l.Command, b.ID)
	cmd.Env = append(os.Environ(),
		"MEETINGBOT_ID="+b.ID,
		"MEETINGBOT_MEETING_URL="+b.MeetingURL,
		"MEETINGBOT_PLATFORM="+string(b.Platform),
		"MEETINGBOT_DISPLAY_NAME="+b.BotName,
	)
	if l.CaptureURL != nil {
		cmd.Env = append(cmd.Env, "MEETINGBOT_CAPTURE_URL="+l.CaptureURL(b.ID))
	}

	stdout := logger.WriterLevel(logrus.DebugLevel)
	stderr := logger.WriterLevel(logrus.WarnLevel)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("starting capture command: %w", err)
	}
	logger.Infof("Capture process started (pid %d)", cmd.Process.Pid)

	p := &execProc{cmd: cmd, done: make(chan error, 1)}
	go func() {
		err := cmd.Wait()
		stdout.Close()
		stderr.Close()
		p.done <- err
	}()
	return p, nil
}

type execProc struct {
	cmd  *exec.Cmd
	done chan error
	once sync.Once
}

func (p *execProc) Leave(ctx context.Context) error {
	return p.cmd.Process.Signal(os.Interrupt)
}

func (p *execProc) Kill() error {
	var err error
	p.once.Do(func() { err = p.cmd.Process.Kill() })
	return err
}

func (p *execProc) Done() <-chan error { return p.done }

// ExternalLauncher is used when no capture command is configured: the
// capture client is launched out of band (a sidecar, a dev browser)
// and dials in on its own. Sessions simply wait for the connection.
type ExternalLauncher struct{}

func (ExternalLauncher) Prepare(ctx context.Context, b *bot.Bot) error { return nil }

func (ExternalLauncher) Launch(ctx context.Context, b *bot.Bot) (CaptureProc, error) {
	return externalProc{}, nil
}

type externalProc struct{}

func (externalProc) Leave(ctx context.Context) error { return nil }
func (externalProc) Kill() error                     { return nil }
func (externalProc) Done() <-chan error              { return nil }
