package keeper

import "github.com/bwmarrin/discordgo"

// onMembershipChange reacts to voice state updates for the client itself.
// Leaving the target channel while no attempt is in flight schedules one
// reconnect; during an attempt the update is ignored.
func (k *Keeper) onMembershipChange(prev, cur *discordgo.VoiceState) {
	if cur == nil || k.selfID == "" || cur.UserID != k.selfID {
		return
	}

	if cur.ChannelID == k.cfg.ChannelID {
		k.log.Debug("voice state in target channel", "channel", cur.ChannelID)
		return
	}

	if k.joining {
		k.log.Debug("voice state ignored, attempt in progress", "channel", cur.ChannelID)
		return
	}

	from := ""
	if prev != nil {
		from = prev.ChannelID
	}
	if cur.ChannelID == "" {
		k.log.Warn("disconnected from voice, reconnecting", "from", from, "in", ReconnectDelay)
	} else {
		k.log.Warn("moved out of target channel, reconnecting", "from", from, "to", cur.ChannelID, "in", ReconnectDelay)
	}
	k.scheduleConnect(ReconnectDelay, "moved")
}

// onHealthCheck is the watchdog hook. It only acts when nothing else is
// already on the way to fixing the session.
func (k *Keeper) onHealthCheck() {
	if k.selfID == "" || k.joining || k.pending > 0 {
		return
	}

	if s := k.sess; s != nil && s.conn.Ready() && s.conn.ChannelID() == k.cfg.ChannelID {
		return
	}

	k.log.Warn("voice session unhealthy, reconnecting", "in", ReconnectDelay)
	k.scheduleConnect(ReconnectDelay, "watchdog")
}
