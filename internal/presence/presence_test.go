package presence

import (
	"errors"
	"io"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	updates []discordgo.UpdateStatusData
	err     error
}

func (f *fakeSession) UpdateStatusComplex(usd discordgo.UpdateStatusData) error {
	f.updates = append(f.updates, usd)
	return f.err
}

func TestUpdateListening(t *testing.T) {
	s := &fakeSession{}
	pm := NewPresenceManager(s, log.New(io.Discard))

	pm.UpdateListening("loop.mp3")

	require.Len(t, s.updates, 1)
	require.Len(t, s.updates[0].Activities, 1)
	a := s.updates[0].Activities[0]
	assert.Equal(t, "loop.mp3", a.Name)
	assert.Equal(t, discordgo.ActivityTypeListening, a.Type)
	assert.Equal(t, "online", s.updates[0].Status)
	assert.Equal(t, "loop.mp3", pm.Current())
}

func TestUpdateListening_ErrorKeepsPrevious(t *testing.T) {
	s := &fakeSession{}
	pm := NewPresenceManager(s, log.New(io.Discard))
	pm.UpdateListening("a.mp3")

	s.err = errors.New("not connected")
	pm.UpdateListening("b.mp3")

	assert.Len(t, s.updates, 2)
	assert.Equal(t, "a.mp3", pm.Current())
}
