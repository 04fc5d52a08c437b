package common

import (
	"github.com/bwmarrin/discordgo"
	"github.com/pkg/errors"
)

var (
	ErrGuildNotFound   = errors.New("guild not found")
	ErrChannelNotFound = errors.New("channel not found")
	ErrNotVoiceChannel = errors.New("channel is not a voice channel")
)

// VoiceConn is the part of a voice connection the keeper and the audio
// engine rely on.
type VoiceConn interface {
	GuildID() string
	ChannelID() string
	Ready() bool
	Speaking(bool) error
	Frames() chan<- []byte
	Disconnect() error
}

// discordVoice adapts *discordgo.VoiceConnection. It is a value type so two
// adapters around the same connection compare equal.
type discordVoice struct {
	vc *discordgo.VoiceConnection
}

// WrapVoiceConnection adapts a discordgo voice connection to VoiceConn.
func WrapVoiceConnection(vc *discordgo.VoiceConnection) VoiceConn {
	return discordVoice{vc: vc}
}

func (d discordVoice) GuildID() string {
	d.vc.RLock()
	defer d.vc.RUnlock()
	return d.vc.GuildID
}

func (d discordVoice) ChannelID() string {
	d.vc.RLock()
	defer d.vc.RUnlock()
	return d.vc.ChannelID
}

func (d discordVoice) Ready() bool {
	d.vc.RLock()
	defer d.vc.RUnlock()
	return d.vc.Ready
}

func (d discordVoice) Speaking(b bool) error {
	return d.vc.Speaking(b)
}

func (d discordVoice) Frames() chan<- []byte {
	d.vc.RLock()
	defer d.vc.RUnlock()
	return d.vc.OpusSend
}

func (d discordVoice) Disconnect() error {
	return d.vc.Disconnect()
}

// Gateway resolves the target channel and opens voice sessions on a
// discordgo session.
type Gateway struct {
	s *discordgo.Session
}

// NewGateway creates a gateway over an authenticated discordgo session.
func NewGateway(s *discordgo.Session) *Gateway {
	return &Gateway{s: s}
}

// ResolveVoiceChannel looks the channel up in the state cache, falling back
// to the REST API, and checks it is a voice channel of guildID.
func (g *Gateway) ResolveVoiceChannel(guildID, channelID string) (*discordgo.Channel, error) {
	if _, err := g.s.State.Guild(guildID); err != nil {
		return nil, errors.Wrapf(ErrGuildNotFound, "%s", guildID)
	}

	channel, err := g.s.State.Channel(channelID)
	if err != nil {
		channel, err = g.s.Channel(channelID)
		if err != nil {
			return nil, errors.Wrapf(ErrChannelNotFound, "%s: %v", channelID, err)
		}
	}

	if channel.GuildID != guildID {
		return nil, errors.Wrapf(ErrChannelNotFound, "%s is not in guild %s", channelID, guildID)
	}

	switch channel.Type {
	case discordgo.ChannelTypeGuildVoice, discordgo.ChannelTypeGuildStageVoice:
		return channel, nil
	default:
		return nil, errors.Wrapf(ErrNotVoiceChannel, "%s (%s)", channel.Name, channelID)
	}
}

// JoinVoiceChannel joins the channel with self-mute and self-deafen off.
// discordgo reuses the guild's existing connection when there is one.
func (g *Gateway) JoinVoiceChannel(guildID, channelID string) (VoiceConn, error) {
	vc, err := g.s.ChannelVoiceJoin(guildID, channelID, false, false)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to join voice channel %s", channelID)
	}
	return WrapVoiceConnection(vc), nil
}

// DisconnectFromVoiceChannel disconnects whatever connection the session
// holds in guildID.
func DisconnectFromVoiceChannel(s *discordgo.Session, guildID string) error {
	s.RLock()
	vc, ok := s.VoiceConnections[guildID]
	s.RUnlock()
	if !ok {
		return nil
	}
	return vc.Disconnect()
}
