package proc

import (
	"context"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/rest"
	"github.com/disgoorg/disgo/voice"
	"github.com/disgoorg/snowflake/v2"
	"github.com/leeineian/thienlam/sys"
)

// DiscordConnector opens voice connections through the bot's voice manager.
type DiscordConnector struct {
	Client *bot.Client
}

func (c *DiscordConnector) UserChannel(guildID, userID snowflake.ID) (snowflake.ID, bool) {
	vs, ok := c.Client.Caches.VoiceState(guildID, userID)
	if !ok || vs.ChannelID == nil {
		return 0, false
	}
	return *vs.ChannelID, true
}

func (c *DiscordConnector) Connect(ctx context.Context, guildID, channelID snowflake.ID) (Handle, error) {
	sys.LogVoice(sys.MsgVoiceJoining, channelID, guildID)
	conn := c.Client.VoiceManager.CreateConn(guildID)
	if err := conn.Open(ctx, channelID, false, false); err != nil {
		sys.LogVoice(sys.MsgVoiceJoinFailed, guildID, err)
		conn.Close(ctx)
		return nil, err
	}
	return &voiceHandle{client: c.Client, guildID: guildID, channelID: channelID, conn: conn}, nil
}

type voiceHandle struct {
	client    *bot.Client
	guildID   snowflake.ID
	channelID snowflake.ID
	conn      voice.Conn

	mu       sync.Mutex
	cancel   context.CancelFunc
	provider *streamProvider
	paused   atomic.Bool
}

func (h *voiceHandle) Play(path string, onComplete func(error)) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cancel != nil {
		h.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.paused.Store(false)

	p := newStreamProvider(ctx, &h.paused, onComplete)
	h.provider = p

	// The context is only cancelled by Stop or the next Play. Cancelling it at
	// the natural end would drop the frames still buffered.
	sys.SafeGo(func() {
		t := newOpusTranscoder()
		defer t.Close()

		err := t.Run(ctx, path, p.push)
		if ctx.Err() != nil {
			p.finish(nil)
			return
		}
		if err != nil {
			sys.LogVoice(sys.MsgVoiceTranscodeFailed, path, err)
			p.err = &PlaybackError{Err: err}
		}
		p.push(nil)
	})

	h.setProvider(p)
	_ = h.conn.SetSpeaking(ctx, voice.SpeakingFlagMicrophone)
	return nil
}

func (h *voiceHandle) Pause()  { h.paused.Store(true) }
func (h *voiceHandle) Resume() { h.paused.Store(false) }

func (h *voiceHandle) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
	if h.provider != nil {
		h.provider = nil
		h.setProvider(nil)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = h.conn.SetSpeaking(ctx, 0)
		cancel()
	}
}

func (h *voiceHandle) Disconnect(ctx context.Context) {
	h.Stop()
	h.SetChannelStatus("")
	h.conn.Close(ctx)
	sys.LogVoice(sys.MsgVoiceLeft, h.guildID)
}

// SetChannelStatus labels the voice channel, or clears the label when text is empty.
func (h *voiceHandle) SetChannelStatus(text string) {
	route := rest.NewEndpoint(http.MethodPut, "/channels/{channel.id}/voice-status")
	_ = h.client.Rest.Do(route.Compile(nil, h.channelID.String()), map[string]string{"status": sys.Truncate(text, 500)}, nil)
}

func (h *voiceHandle) setProvider(p voice.OpusFrameProvider) {
	defer func() {
		if r := recover(); r != nil {
			sys.LogVoice(sys.MsgVoiceProviderPanic, r)
		}
	}()
	h.conn.SetOpusFrameProvider(p)
}

// ===========================
// Frame provider
// ===========================

// streamProvider hands transcoded frames to the voice connection. A nil frame
// marks the end of the track.
type streamProvider struct {
	ctx        context.Context
	frames     chan []byte
	paused     *atomic.Bool
	onComplete func(error)
	once       sync.Once
	err        error
}

func newStreamProvider(ctx context.Context, paused *atomic.Bool, onComplete func(error)) *streamProvider {
	return &streamProvider{ctx: ctx, frames: make(chan []byte, 100), paused: paused, onComplete: onComplete}
}

func (p *streamProvider) push(f []byte) {
	select {
	case p.frames <- f:
	case <-p.ctx.Done():
	}
}

func (p *streamProvider) finish(err error) {
	p.once.Do(func() {
		if p.onComplete != nil {
			p.onComplete(err)
		}
	})
}

func (p *streamProvider) ProvideOpusFrame() ([]byte, error) {
	if p.paused.Load() {
		select {
		case <-p.ctx.Done():
			p.finish(nil)
			return nil, io.EOF
		case <-time.After(20 * time.Millisecond):
			return nil, nil
		}
	}
	// Buffered frames go out first, even once the context is done
	select {
	case f := <-p.frames:
		return p.frame(f)
	default:
	}
	select {
	case f := <-p.frames:
		return p.frame(f)
	case <-p.ctx.Done():
		p.finish(nil)
		return nil, io.EOF
	case <-time.After(100 * time.Millisecond):
		return nil, nil
	}
}

func (p *streamProvider) frame(f []byte) ([]byte, error) {
	if f == nil {
		p.finish(p.err)
		return nil, io.EOF
	}
	return f, nil
}

func (p *streamProvider) Close() {
	p.finish(nil)
}
