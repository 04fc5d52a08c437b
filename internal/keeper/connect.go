package keeper

import (
	"path/filepath"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"
	"github.com/latoulicious/voiceloop/pkg/common"
	"github.com/pkg/errors"
)

// connect starts one join attempt unless one is already in flight. The
// blocking work runs on the dispatcher; its outcome comes back as a
// connectResultEvent.
func (k *Keeper) connect(reason string) {
	if k.joining {
		k.log.Debug("connect skipped, attempt in progress", "reason", reason)
		return
	}
	k.joining = true

	if k.gaveUp {
		k.log.Info("retrying after give-up, attempt counter reset", "reason", reason, "previous_failures", k.failures)
		k.failures = 0
		k.gaveUp = false
	}

	guildID, channelID := k.cfg.GuildID, k.cfg.ChannelID
	k.log.Debug("connecting", "guild", guildID, "channel", channelID, "reason", reason)

	k.dispatch(func() {
		var res connectResultEvent
		defer func() {
			if r := recover(); r != nil {
				res = connectResultEvent{err: errors.Errorf("voice join panic: %v", r)}
			}
			k.post(res)
		}()

		channel, err := k.gateway.ResolveVoiceChannel(guildID, channelID)
		if err != nil {
			res.err = errors.Wrap(err, "target channel not found")
			return
		}

		conn, err := k.gateway.JoinVoiceChannel(channel.GuildID, channel.ID)
		if err != nil {
			res.err = err
			return
		}
		res = connectResultEvent{channel: channel, conn: conn}
	})
}

func (k *Keeper) onConnectResult(ev connectResultEvent) {
	k.joining = false

	if ev.err != nil {
		k.connectFailed(ev.err)
		return
	}

	if k.failures > 0 {
		k.log.Info("voice connection recovered", "failed_attempts", k.failures)
	}
	k.failures = 0
	k.gaveUp = false
	k.replaceSession(ev.channel, ev.conn)
	k.start()
}

func (k *Keeper) connectFailed(err error) {
	k.failures++

	if limit := k.cfg.MaxConnectAttempts; limit > 0 && k.failures >= limit {
		k.log.Error("giving up on automatic reconnect", "attempts", k.failures, "err", err)
		k.gaveUp = true
		return
	}

	k.log.Debug("connection failed", "attempt", k.failures, "err", err)
	k.failLog.Do(func() {
		k.log.Warn("connection failed, retrying", "attempt", k.failures, "in", ConnectRetryDelay, "err", err)
	})
	k.scheduleConnect(ConnectRetryDelay, "retry")
}

func (k *Keeper) scheduleConnect(d time.Duration, reason string) {
	k.pending++
	k.after(d, connectTimerEvent{reason: reason})
}

// replaceSession installs a new session generation. The previous handle is
// abandoned; discordgo hands back the same connection for the guild, so it
// is not disconnected here.
func (k *Keeper) replaceSession(channel *discordgo.Channel, conn common.VoiceConn) {
	k.stopPlayback()

	k.gen++
	k.sess = &session{
		id:          uuid.NewString(),
		guildID:     channel.GuildID,
		channelID:   channel.ID,
		channelName: channel.Name,
		conn:        conn,
		gen:         k.gen,
	}
	k.log.Info("connected", "channel", channel.Name, "channel_id", channel.ID, "session", k.sess.id, "generation", k.gen)

	if k.activity != nil {
		title := filepath.Base(k.cfg.MusicFile)
		publish := k.activity
		k.dispatch(func() { publish(title) })
	}
}
