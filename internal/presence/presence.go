package presence

import (
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/charmbracelet/log"
)

// StatusUpdater is the part of *discordgo.Session the manager needs.
type StatusUpdater interface {
	UpdateStatusComplex(usd discordgo.UpdateStatusData) error
}

// PresenceManager manages the bot's activity status
type PresenceManager struct {
	session StatusUpdater
	log     *log.Logger

	mu      sync.RWMutex
	current string
}

// NewPresenceManager creates a new presence manager
func NewPresenceManager(session StatusUpdater, logger *log.Logger) *PresenceManager {
	if logger == nil {
		logger = log.Default()
	}
	return &PresenceManager{session: session, log: logger}
}

// UpdateListening shows "Listening to <title>". Failures are logged and
// otherwise ignored.
func (pm *PresenceManager) UpdateListening(title string) {
	presence := discordgo.UpdateStatusData{
		Status: string(discordgo.StatusOnline),
		Activities: []*discordgo.Activity{
			{
				Name: title,
				Type: discordgo.ActivityTypeListening,
			},
		},
	}

	if err := pm.session.UpdateStatusComplex(presence); err != nil {
		pm.log.Warn("failed to update activity", "title", title, "err", err)
		return
	}

	pm.mu.Lock()
	pm.current = title
	pm.mu.Unlock()
}

// Current returns the title last published successfully.
func (pm *PresenceManager) Current() string {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.current
}
