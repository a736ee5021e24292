package proc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/asticode/go-astiav"
)

const (
	opusSampleRate = 48000
	opusFrameSize  = 960 // 20ms at 48kHz
	opusBitrate    = 192000
)

var astiavOnce sync.Once

func quietAstiav() {
	astiavOnce.Do(func() { astiav.SetLogLevel(astiav.LogLevelFatal) })
}

// CheckAudio checks that path opens and holds a decodable audio stream.
func CheckAudio(path string) error {
	t := newOpusTranscoder()
	defer t.Close()
	if err := t.open(path); err != nil {
		return err
	}
	return t.setupDecoder()
}

// opusTranscoder decodes a local media file and re-encodes it as 20ms stereo
// Opus frames for the voice gateway.
type opusTranscoder struct {
	input       *astiav.FormatContext
	decoder     *astiav.CodecContext
	encoder     *astiav.CodecContext
	streamIndex int

	packet    *astiav.Packet
	frame     *astiav.Frame
	resampled *astiav.Frame
	resampler *astiav.SoftwareResampleContext
	fifo      *astiav.AudioFifo

	pts  int64
	emit func([]byte)
}

func newOpusTranscoder() *opusTranscoder {
	quietAstiav()
	return &opusTranscoder{
		packet:    astiav.AllocPacket(),
		frame:     astiav.AllocFrame(),
		resampled: astiav.AllocFrame(),
	}
}

func (t *opusTranscoder) open(path string) error {
	t.input = astiav.AllocFormatContext()
	if t.input == nil {
		return errors.New("alloc format context")
	}
	if err := t.input.OpenInput(path, nil, nil); err != nil {
		// Freed by Close only after a successful open
		t.input.Free()
		t.input = nil
		return fmt.Errorf("open %s: %w", path, err)
	}
	if err := t.input.FindStreamInfo(nil); err != nil {
		return fmt.Errorf("stream info: %w", err)
	}
	t.streamIndex = -1
	for _, s := range t.input.Streams() {
		if s.CodecParameters().MediaType() == astiav.MediaTypeAudio {
			t.streamIndex = s.Index()
			break
		}
	}
	if t.streamIndex < 0 {
		return errors.New("no audio stream")
	}
	return nil
}

func (t *opusTranscoder) setupDecoder() error {
	params := t.input.Streams()[t.streamIndex].CodecParameters()
	d := astiav.FindDecoder(params.CodecID())
	if d == nil {
		return fmt.Errorf("no decoder for %s", params.CodecID())
	}
	t.decoder = astiav.AllocCodecContext(d)
	if err := params.ToCodecContext(t.decoder); err != nil {
		return err
	}
	return t.decoder.Open(d, nil)
}

func (t *opusTranscoder) setupEncoder() error {
	e := astiav.FindEncoderByName("libopus")
	if e == nil {
		e = astiav.FindEncoder(astiav.CodecIDOpus)
	}
	if e == nil {
		return errors.New("no opus encoder")
	}
	t.encoder = astiav.AllocCodecContext(e)
	t.encoder.SetBitRate(opusBitrate)
	t.encoder.SetSampleRate(opusSampleRate)
	t.encoder.SetChannelLayout(astiav.ChannelLayoutStereo)
	t.encoder.SetSampleFormat(astiav.SampleFormatS16)
	t.encoder.SetTimeBase(astiav.NewRational(1, opusSampleRate))

	opts := astiav.NewDictionary()
	defer opts.Free()
	_ = opts.Set("vbr", "on", 0)
	_ = opts.Set("compression_level", "10", 0)
	_ = opts.Set("frame_size", "20", 0)
	if err := t.encoder.Open(e, opts); err != nil {
		return err
	}

	// Configured lazily by ConvertFrame from the first decoded frame
	t.resampler = astiav.AllocSoftwareResampleContext()
	if t.resampler == nil {
		return errors.New("alloc resampler")
	}
	return nil
}

// Run transcodes the whole file, handing each Opus frame to emit. It returns
// nil at end of input and ctx.Err() when stopped early.
func (t *opusTranscoder) Run(ctx context.Context, path string, emit func([]byte)) error {
	if err := t.open(path); err != nil {
		return err
	}
	if err := t.setupDecoder(); err != nil {
		return fmt.Errorf("decoder: %w", err)
	}
	if err := t.setupEncoder(); err != nil {
		return fmt.Errorf("encoder: %w", err)
	}
	t.emit = emit

	t.fifo = astiav.AllocAudioFifo(t.encoder.SampleFormat(), t.encoder.ChannelLayout().Channels(), opusFrameSize*2)
	defer func() {
		t.fifo.Free()
		t.fifo = nil
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := t.input.ReadFrame(t.packet); err != nil {
			if errors.Is(err, astiav.ErrEof) {
				break
			}
			return fmt.Errorf("read: %w", err)
		}
		if t.packet.StreamIndex() != t.streamIndex {
			t.packet.Unref()
			continue
		}
		err := t.decoder.SendPacket(t.packet)
		t.packet.Unref()
		if err != nil {
			return fmt.Errorf("decode: %w", err)
		}
		t.drainDecoder()
		t.encodeFull()
	}

	// Flush decoder, then whatever is left in the fifo, then the encoder
	_ = t.decoder.SendPacket(nil)
	t.drainDecoder()
	for t.fifo.Size() > 0 {
		t.encodeFromFifo(min(opusFrameSize, t.fifo.Size()))
	}
	_ = t.encoder.SendFrame(nil)
	t.receivePackets()
	return nil
}

func (t *opusTranscoder) drainDecoder() {
	for t.decoder.ReceiveFrame(t.frame) == nil {
		t.resetResampled()
		nb := int(astiav.RescaleQ(int64(t.frame.NbSamples()),
			astiav.NewRational(1, t.frame.SampleRate()),
			astiav.NewRational(1, t.encoder.SampleRate())))
		if nb > 0 {
			t.resampled.SetNbSamples(nb)
			_ = t.resampled.AllocBuffer(0)
			if t.resampler.ConvertFrame(t.frame, t.resampled) == nil {
				_, _ = t.fifo.Write(t.resampled)
			}
		}
		t.frame.Unref()
	}
}

func (t *opusTranscoder) encodeFull() {
	for t.fifo.Size() >= opusFrameSize {
		t.encodeFromFifo(opusFrameSize)
	}
}

func (t *opusTranscoder) encodeFromFifo(n int) {
	t.resetResampled()
	t.resampled.SetNbSamples(n)
	_ = t.resampled.AllocBuffer(0)
	_, _ = t.fifo.Read(t.resampled)
	t.resampled.SetPts(t.pts)
	t.pts += int64(n)
	if t.encoder.SendFrame(t.resampled) == nil {
		t.receivePackets()
	}
}

func (t *opusTranscoder) resetResampled() {
	t.resampled.Unref()
	t.resampled.SetChannelLayout(t.encoder.ChannelLayout())
	t.resampled.SetSampleFormat(t.encoder.SampleFormat())
	t.resampled.SetSampleRate(t.encoder.SampleRate())
}

func (t *opusTranscoder) receivePackets() {
	for {
		p := astiav.AllocPacket()
		if t.encoder.ReceivePacket(p) != nil {
			p.Free()
			return
		}
		if t.emit != nil {
			d := p.Data()
			frame := make([]byte, len(d))
			copy(frame, d)
			t.emit(frame)
		}
		p.Free()
	}
}

func (t *opusTranscoder) Close() {
	if t.resampler != nil {
		t.resampler.Free()
	}
	if t.resampled != nil {
		t.resampled.Free()
	}
	if t.packet != nil {
		t.packet.Free()
	}
	if t.frame != nil {
		t.frame.Free()
	}
	if t.decoder != nil {
		t.decoder.Free()
	}
	if t.encoder != nil {
		t.encoder.Free()
	}
	if t.input != nil {
		t.input.CloseInput()
		t.input.Free()
	}
}
