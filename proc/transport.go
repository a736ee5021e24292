package proc

import (
	"context"

	"github.com/disgoorg/snowflake/v2"
	"github.com/leeineian/thienlam/sys"
)

// Connector opens voice connections for the engine.
type Connector interface {
	// UserChannel reports the voice channel the user currently sits in.
	UserChannel(guildID, userID snowflake.ID) (snowflake.ID, bool)
	Connect(ctx context.Context, guildID, channelID snowflake.ID) (Handle, error)
}

// Handle is one open voice connection. onComplete passed to Play fires exactly
// once, when the track ends, fails or is stopped.
type Handle interface {
	Play(path string, onComplete func(error)) error
	Pause()
	Resume()
	Stop()
	Disconnect(ctx context.Context)
}

// channelStatuser is implemented by handles that can label their voice channel.
type channelStatuser interface {
	SetChannelStatus(text string)
}

// ProfileStore loads listener profiles and credits their rewards.
type ProfileStore interface {
	GetUser(ctx context.Context, userID snowflake.ID) (*sys.Profile, error)
	// AddRewards adds to the stored totals. It must be atomic per user.
	AddRewards(ctx context.Context, userID snowflake.ID, exp, stones, secs int64) error
}
