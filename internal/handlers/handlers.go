package handlers

import (
	"context"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
)

// LoginRetryDelay is the wait between failed gateway logins.
const LoginRetryDelay = 5 * time.Second

// Intents covers guild metadata and voice state updates, nothing else.
const Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates

// EventSink receives the gateway events the keeper cares about.
type EventSink interface {
	HandleReady(r *discordgo.Ready)
	HandleVoiceState(prev, cur *discordgo.VoiceState)
}

// Register attaches the ready and voice state handlers to the session and
// sets the gateway intents. Call it before Login.
func Register(s *discordgo.Session, sink EventSink) {
	s.Identify.Intents = Intents
	s.AddHandler(ReadyHandler(sink))
	s.AddHandler(VoiceStateHandler(sink))
}

// ReadyHandler forwards Ready events.
func ReadyHandler(sink EventSink) func(*discordgo.Session, *discordgo.Ready) {
	return func(_ *discordgo.Session, r *discordgo.Ready) {
		sink.HandleReady(r)
	}
}

// VoiceStateHandler forwards voice state updates with the state they replaced.
func VoiceStateHandler(sink EventSink) func(*discordgo.Session, *discordgo.VoiceStateUpdate) {
	return func(_ *discordgo.Session, v *discordgo.VoiceStateUpdate) {
		if v == nil || v.VoiceState == nil {
			return
		}
		sink.HandleVoiceState(v.BeforeUpdate, v.VoiceState)
	}
}

// Opener opens the gateway connection.
type Opener interface {
	Open() error
}

// LoginOptions controls Login.
type LoginOptions struct {
	// ExitOnFailure returns the first login error instead of retrying.
	ExitOnFailure bool
	RetryDelay    time.Duration
	Logger        *log.Logger
}

// Login opens the session, retrying until it succeeds or ctx is done.
func Login(ctx context.Context, s Opener, opts LoginOptions) error {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = LoginRetryDelay
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	for attempt := 1; ; attempt++ {
		err := s.Open()
		if err == nil {
			logger.Info("gateway session opened", "attempts", attempt)
			return nil
		}
		if opts.ExitOnFailure {
			return errors.Wrap(err, "failed to open Discord session")
		}
		logger.Error("login failed, retrying", "attempt", attempt, "retry_in", opts.RetryDelay, "err", err)

		t := time.NewTimer(opts.RetryDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
