package keeper

import (
	"os"

	"github.com/latoulicious/voiceloop/internal/config"
	"github.com/latoulicious/voiceloop/pkg/common"
)

// PlaybackState is the loop controller state.
type PlaybackState int

const (
	Stopped PlaybackState = iota
	Playing
	Restarting
)

func (s PlaybackState) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Playing:
		return "playing"
	case Restarting:
		return "restarting"
	default:
		return "unknown"
	}
}

type playback struct {
	engine common.Engine
	state  PlaybackState
	gen    uint64
	starts int
}

// start builds a fresh engine for the current session. A missing file is
// logged and left alone until the next loop or reconnect.
func (k *Keeper) start() {
	if k.sess == nil {
		k.log.Debug("playback start skipped, no voice session")
		return
	}

	k.stopPlayback()

	if _, err := os.Stat(k.cfg.MusicFile); err != nil {
		k.log.Error("music file not found", "path", k.cfg.MusicFile, "err", err)
		return
	}

	k.gen++
	gen := k.gen
	engine := k.engines(common.EngineOptions{
		Path:    k.cfg.MusicFile,
		Volume:  k.volume,
		Conn:    k.sess.conn,
		OnIdle:  func() { k.post(playbackIdleEvent{gen: gen}) },
		OnError: func(err error) { k.post(playbackErrorEvent{gen: gen, err: err}) },
	})

	if err := engine.Play(); err != nil {
		k.log.Error("playback failed to initialize", "path", k.cfg.MusicFile, "err", err)
		return
	}

	k.play = playback{
		engine: engine,
		state:  Playing,
		gen:    gen,
		starts: k.play.starts + 1,
	}
	k.log.Debug("playback started", "generation", gen, "volume", k.volume, "starts", k.play.starts)
}

func (k *Keeper) stopPlayback() {
	if k.play.engine != nil {
		k.play.engine.Stop()
		k.play.engine = nil
	}
	k.play.state = Stopped
}

func (k *Keeper) current(gen uint64, want PlaybackState) bool {
	return k.play.engine != nil && k.play.gen == gen && k.play.state == want
}

// onPlaybackIdle restarts the file when the current engine runs out.
func (k *Keeper) onPlaybackIdle(ev playbackIdleEvent) {
	if !k.current(ev.gen, Playing) {
		k.log.Debug("stale idle event dropped", "generation", ev.gen, "current", k.play.gen)
		return
	}
	k.play.state = Restarting
	k.start()
}

// onPlaybackError schedules exactly one restart for the failed engine.
func (k *Keeper) onPlaybackError(ev playbackErrorEvent) {
	if !k.current(ev.gen, Playing) {
		k.log.Debug("stale error event dropped", "generation", ev.gen, "current", k.play.gen, "err", ev.err)
		return
	}
	k.log.Warn("player error, restarting", "in", PlaybackRetryDelay, "err", ev.err)
	k.play.state = Restarting
	k.after(PlaybackRetryDelay, playbackRetryEvent{gen: ev.gen})
}

func (k *Keeper) onPlaybackRetry(ev playbackRetryEvent) {
	if !k.current(ev.gen, Restarting) {
		k.log.Debug("stale playback retry dropped", "generation", ev.gen, "current", k.play.gen)
		return
	}
	k.start()
}

func (k *Keeper) onVolume(v float64) {
	k.volume = config.ClampVolume(v)
	if k.play.engine != nil {
		k.play.engine.SetGain(k.volume)
	}
	k.log.Info("volume changed", "volume", k.volume)
}
