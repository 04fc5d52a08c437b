package keeper

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/charmbracelet/log"
	"github.com/latoulicious/voiceloop/internal/config"
	"github.com/latoulicious/voiceloop/pkg/common"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

const (
	selfID   = "100"
	guildID  = "G1"
	targetID = "C1"
)

type fakeConn struct {
	mu           sync.Mutex
	guild        string
	channel      string
	ready        bool
	disconnected int
	frames       chan []byte
}

func (c *fakeConn) GuildID() string { return c.guild }

func (c *fakeConn) ChannelID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel
}

func (c *fakeConn) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

func (c *fakeConn) setReady(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready = v
}

func (c *fakeConn) Speaking(bool) error   { return nil }
func (c *fakeConn) Frames() chan<- []byte { return c.frames }

func (c *fakeConn) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected++
	c.ready = false
	return nil
}

type fakeGateway struct {
	mu       sync.Mutex
	channels map[string]*discordgo.Channel
	conn     *fakeConn
	joinErr  error
	panicOn  bool
	resolves int
	joins    int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		channels: map[string]*discordgo.Channel{
			targetID: {ID: targetID, GuildID: guildID, Name: "lounge", Type: discordgo.ChannelTypeGuildVoice},
		},
		conn: &fakeConn{guild: guildID, frames: make(chan []byte, 8)},
	}
}

func (g *fakeGateway) ResolveVoiceChannel(guild, channel string) (*discordgo.Channel, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resolves++
	if g.panicOn {
		panic("state cache corrupted")
	}
	ch, ok := g.channels[channel]
	if !ok || ch.GuildID != guild {
		return nil, errors.Wrapf(common.ErrChannelNotFound, "%s", channel)
	}
	return ch, nil
}

func (g *fakeGateway) JoinVoiceChannel(guild, channel string) (common.VoiceConn, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.joins++
	if g.joinErr != nil {
		return nil, g.joinErr
	}
	g.conn.mu.Lock()
	g.conn.channel = channel
	g.conn.ready = true
	g.conn.mu.Unlock()
	return g.conn, nil
}

func (g *fakeGateway) counts() (resolves, joins int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.resolves, g.joins
}

type fakeEngine struct {
	mu      sync.Mutex
	opts    common.EngineOptions
	played  bool
	stopped bool
	gain    float64
	playErr error
}

func (e *fakeEngine) Play() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.playErr != nil {
		return e.playErr
	}
	e.played = true
	return nil
}

func (e *fakeEngine) SetGain(v float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gain = v
}

func (e *fakeEngine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = true
}

func (e *fakeEngine) isStopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

func (e *fakeEngine) currentGain() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gain
}

type fakeEngines struct {
	mu      sync.Mutex
	built   []*fakeEngine
	playErr error
}

func (f *fakeEngines) factory(o common.EngineOptions) common.Engine {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := &fakeEngine{opts: o, gain: o.Volume, playErr: f.playErr}
	f.built = append(f.built, e)
	return e
}

func (f *fakeEngines) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.built)
}

func (f *fakeEngines) last() *fakeEngine {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.built) == 0 {
		return nil
	}
	return f.built[len(f.built)-1]
}

type fakeTimer struct {
	at      time.Duration
	f       func()
	fired   bool
	stopped bool
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{at: c.now + d, f: f}
	c.timers = append(c.timers, t)
	return &fakeTimerHandle{c: c, t: t}
}

type fakeTimerHandle struct {
	c *fakeClock
	t *fakeTimer
}

func (h *fakeTimerHandle) Stop() bool {
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	active := !h.t.fired && !h.t.stopped
	h.t.stopped = true
	return active
}

// Advance moves time forward, firing due timers in order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += d
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var next *fakeTimer
		for _, t := range c.timers {
			if t.fired || t.stopped || t.at > c.now {
				continue
			}
			if next == nil || t.at < next.at {
				next = t
			}
		}
		if next == nil {
			c.mu.Unlock()
			return
		}
		next.fired = true
		c.mu.Unlock()
		next.f()
	}
}

// Pending counts timers that have not fired.
func (c *fakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.fired && !t.stopped {
			n++
		}
	}
	return n
}

// queueDispatcher holds blocking work until the test releases it.
type queueDispatcher struct {
	mu    sync.Mutex
	queue []func()
}

func (q *queueDispatcher) dispatch(f func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queue = append(q.queue, f)
}

func (q *queueDispatcher) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

func (q *queueDispatcher) runAll() {
	q.mu.Lock()
	work := q.queue
	q.queue = nil
	q.mu.Unlock()
	for _, f := range work {
		f()
	}
}

type harness struct {
	k       *Keeper
	cfg     *config.Config
	gw      *fakeGateway
	engines *fakeEngines
	clock   *fakeClock
	queue   *queueDispatcher
}

type harnessOption func(*harness, *[]Option)

// withQueuedDispatch keeps join attempts in flight until queue.runAll.
func withQueuedDispatch() harnessOption {
	return func(h *harness, opts *[]Option) {
		h.queue = &queueDispatcher{}
		*opts = append(*opts, WithDispatcher(h.queue.dispatch))
	}
}

func withConfig(mod func(*config.Config)) harnessOption {
	return func(h *harness, _ *[]Option) { mod(h.cfg) }
}

func writeMusic(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "song.mp3")
	require.NoError(t, os.WriteFile(path, []byte("ID3"), 0o600))
	return path
}

func newHarness(t *testing.T, hopts ...harnessOption) *harness {
	t.Helper()

	h := &harness{
		cfg: &config.Config{
			Token:     "token",
			GuildID:   guildID,
			ChannelID: targetID,
			MusicFile: writeMusic(t),
			Volume:    0.8,
		},
		gw:      newFakeGateway(),
		engines: &fakeEngines{},
		clock:   &fakeClock{},
	}

	opts := []Option{
		WithLogger(log.New(io.Discard)),
		WithClock(h.clock),
		WithEngineFactory(h.engines.factory),
		WithDispatcher(func(f func()) { f() }),
	}
	for _, o := range hopts {
		o(h, &opts)
	}

	h.k = New(h.cfg, h.gw, opts...)
	return h
}

// drain handles every queued event, including ones posted while handling.
func (h *harness) drain() {
	for {
		select {
		case ev := <-h.k.events:
			h.k.handle(ev)
		default:
			return
		}
	}
}

func (h *harness) ready() {
	h.k.HandleReady(&discordgo.Ready{User: &discordgo.User{ID: selfID, Username: "looper", Discriminator: "0"}})
	h.drain()
}

func (h *harness) advance(d time.Duration) {
	h.clock.Advance(d)
	h.drain()
}

func (h *harness) moveSelf(from, to string) {
	h.k.HandleVoiceState(
		&discordgo.VoiceState{UserID: selfID, GuildID: guildID, ChannelID: from},
		&discordgo.VoiceState{UserID: selfID, GuildID: guildID, ChannelID: to},
	)
	h.drain()
}

func (h *harness) state() Snapshot {
	return h.k.snapshot()
}
