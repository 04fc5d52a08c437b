package keeper

import (
	"github.com/bwmarrin/discordgo"
	"github.com/latoulicious/voiceloop/pkg/common"
)

// Everything that changes keeper state arrives as one of these on the
// event channel and is handled on the loop goroutine.
type event interface{}

type readyEvent struct {
	userID string
	tag    string
}

type voiceStateEvent struct {
	prev *discordgo.VoiceState
	cur  *discordgo.VoiceState
}

type connectTimerEvent struct {
	reason string
}

type connectResultEvent struct {
	channel *discordgo.Channel
	conn    common.VoiceConn
	err     error
}

type playbackIdleEvent struct {
	gen uint64
}

type playbackErrorEvent struct {
	gen uint64
	err error
}

type playbackRetryEvent struct {
	gen uint64
}

type healthCheckEvent struct{}

type volumeEvent struct {
	volume float64
}

// Snapshot is a read-only copy of keeper state.
type Snapshot struct {
	Joining      bool
	Connected    bool
	ChannelID    string
	SessionID    string
	Generation   uint64
	Playback     PlaybackState
	Volume       float64
	Failures     int
	PendingTimer int
}

type snapshotEvent struct {
	reply chan Snapshot
}
