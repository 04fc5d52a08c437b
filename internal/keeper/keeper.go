// Package keeper holds the voice presence state machine: it connects to the
// configured channel, loops the configured file, and reconnects whenever the
// client drops out of the channel.
//
// All state is owned by the goroutine running Keeper.Run. Discord handlers,
// timers and the audio engine only post events to it.
package keeper

import (
	"context"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/charmbracelet/log"
	"github.com/latoulicious/voiceloop/internal/config"
	"github.com/latoulicious/voiceloop/pkg/common"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

const (
	// ConnectRetryDelay is the wait between failed join attempts.
	ConnectRetryDelay = 5 * time.Second
	// PlaybackRetryDelay is the wait before restarting a failed stream.
	PlaybackRetryDelay = 2 * time.Second
	// ReconnectDelay is the wait before rejoining after a move or disconnect.
	ReconnectDelay = 2500 * time.Millisecond

	eventBuffer = 64
)

// ErrStopped is returned by Snapshot once Run has returned.
var ErrStopped = errors.New("keeper stopped")

// Gateway resolves the target channel and opens voice sessions.
type Gateway interface {
	ResolveVoiceChannel(guildID, channelID string) (*discordgo.Channel, error)
	JoinVoiceChannel(guildID, channelID string) (common.VoiceConn, error)
}

// EngineFactory builds one playback engine per (re)start.
type EngineFactory func(common.EngineOptions) common.Engine

// Clock schedules delayed callbacks.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending Clock callback.
type Timer interface {
	Stop() bool
}

type systemClock struct{}

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Option configures a Keeper.
type Option func(*Keeper)

// WithLogger sets the logger; log.Default is used otherwise.
func WithLogger(l *log.Logger) Option {
	return func(k *Keeper) { k.log = l }
}

// WithClock replaces the timer source.
func WithClock(c Clock) Option {
	return func(k *Keeper) { k.clock = c }
}

// WithEngineFactory replaces common.NewEngine.
func WithEngineFactory(f EngineFactory) Option {
	return func(k *Keeper) { k.engines = f }
}

// WithDispatcher replaces the goroutine launcher used for blocking work.
func WithDispatcher(d func(func())) Option {
	return func(k *Keeper) { k.dispatch = d }
}

// WithActivity registers a callback run after every new voice session with
// the title being looped.
func WithActivity(f func(title string)) Option {
	return func(k *Keeper) { k.activity = f }
}

type session struct {
	id          string
	guildID     string
	channelID   string
	channelName string
	conn        common.VoiceConn
	gen         uint64
}

// Keeper owns the single voice session and its playback.
type Keeper struct {
	cfg      *config.Config
	gateway  Gateway
	engines  EngineFactory
	clock    Clock
	dispatch func(func())
	activity func(string)
	log      *log.Logger

	events    chan event
	done      chan struct{}
	closeOnce sync.Once

	selfID   string
	joining  bool
	failures int
	gaveUp   bool
	pending  int
	gen      uint64
	sess     *session
	play     playback
	volume   float64

	failLog rate.Sometimes
}

// New creates a keeper for cfg. Run must be called for it to do anything.
func New(cfg *config.Config, gateway Gateway, opts ...Option) *Keeper {
	k := &Keeper{
		cfg:      cfg,
		gateway:  gateway,
		clock:    systemClock{},
		dispatch: func(f func()) { go f() },
		log:      log.Default(),
		events:   make(chan event, eventBuffer),
		done:     make(chan struct{}),
		volume:   config.ClampVolume(cfg.Volume),
		failLog:  rate.Sometimes{First: 3, Interval: time.Minute},
	}
	for _, opt := range opts {
		opt(k)
	}
	if k.engines == nil {
		logger := k.log
		k.engines = func(o common.EngineOptions) common.Engine {
			if o.Logger == nil {
				o.Logger = logger
			}
			return common.NewEngine(o)
		}
	}
	return k
}

// Run processes events until ctx is cancelled, then stops playback and
// leaves the voice channel.
func (k *Keeper) Run(ctx context.Context) error {
	defer k.shutdown()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-k.events:
			k.handle(ev)
		}
	}
}

// HandleReady records the client identity and starts the first connect.
func (k *Keeper) HandleReady(r *discordgo.Ready) {
	if r == nil || r.User == nil {
		return
	}
	k.post(readyEvent{userID: r.User.ID, tag: r.User.String()})
}

// HandleVoiceState feeds a voice state transition to the presence monitor.
func (k *Keeper) HandleVoiceState(prev, cur *discordgo.VoiceState) {
	k.post(voiceStateEvent{prev: prev, cur: cur})
}

// CheckHealth asks the keeper to verify its voice session.
func (k *Keeper) CheckHealth() {
	k.post(healthCheckEvent{})
}

// SetVolume changes the gain of the running stream and of later restarts.
func (k *Keeper) SetVolume(v float64) {
	k.post(volumeEvent{volume: v})
}

// Snapshot returns a copy of the current state.
func (k *Keeper) Snapshot(ctx context.Context) (Snapshot, error) {
	select {
	case <-k.done:
		return Snapshot{}, ErrStopped
	default:
	}

	reply := make(chan Snapshot, 1)
	select {
	case k.events <- snapshotEvent{reply: reply}:
	case <-k.done:
		return Snapshot{}, ErrStopped
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}

	select {
	case s := <-reply:
		return s, nil
	case <-k.done:
		return Snapshot{}, ErrStopped
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

func (k *Keeper) post(ev event) {
	select {
	case k.events <- ev:
	case <-k.done:
	}
}

func (k *Keeper) after(d time.Duration, ev event) {
	k.clock.AfterFunc(d, func() { k.post(ev) })
}

func (k *Keeper) handle(ev event) {
	switch ev := ev.(type) {
	case readyEvent:
		k.onReady(ev)
	case voiceStateEvent:
		k.onMembershipChange(ev.prev, ev.cur)
	case connectTimerEvent:
		k.pending--
		k.connect(ev.reason)
	case connectResultEvent:
		k.onConnectResult(ev)
	case playbackIdleEvent:
		k.onPlaybackIdle(ev)
	case playbackErrorEvent:
		k.onPlaybackError(ev)
	case playbackRetryEvent:
		k.onPlaybackRetry(ev)
	case healthCheckEvent:
		k.onHealthCheck()
	case volumeEvent:
		k.onVolume(ev.volume)
	case snapshotEvent:
		ev.reply <- k.snapshot()
	default:
		k.log.Warn("unknown event", "type", ev)
	}
}

func (k *Keeper) onReady(ev readyEvent) {
	k.selfID = ev.userID
	k.log.Info("client online", "user", ev.tag, "id", ev.userID)
	k.connect("ready")
}

func (k *Keeper) snapshot() Snapshot {
	s := Snapshot{
		Joining:      k.joining,
		Generation:   k.gen,
		Playback:     k.play.state,
		Volume:       k.volume,
		Failures:     k.failures,
		PendingTimer: k.pending,
	}
	if k.sess != nil {
		s.Connected = true
		s.ChannelID = k.sess.channelID
		s.SessionID = k.sess.id
	}
	return s
}

func (k *Keeper) shutdown() {
	k.closeOnce.Do(func() { close(k.done) })

	k.stopPlayback()
	if k.sess != nil {
		k.log.Info("leaving voice channel", "channel", k.sess.channelName)
		if err := k.sess.conn.Disconnect(); err != nil {
			k.log.Warn("voice disconnect failed", "err", err)
		}
		k.sess = nil
	}
}
