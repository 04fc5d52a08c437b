package common

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/faiface/beep"
	"github.com/faiface/beep/effects"
	"github.com/faiface/beep/flac"
	"github.com/faiface/beep/mp3"
	"github.com/faiface/beep/wav"
	"github.com/pkg/errors"
	"layeh.com/gopus"
)

const (
	SampleRate = 48000
	Channels   = 2
	FrameSize  = 960 // 20ms at 48kHz

	maxOpusBytes     = FrameSize * Channels * 2
	opusBitrate      = 128000
	resampleQuality  = 4
	frameSendTimeout = 2 * time.Second
)

var (
	ErrUnsupportedAudio = errors.New("unsupported audio format")
	ErrNoVoiceConn      = errors.New("no voice connection")
	ErrVoiceStalled     = errors.New("voice connection stopped accepting frames")
	ErrAlreadyPlaying   = errors.New("engine is already playing")
)

// FrameEncoder turns one frame of interleaved 16-bit PCM into an Opus packet.
type FrameEncoder interface {
	Encode(pcm []int16, frameSize, maxDataBytes int) ([]byte, error)
}

// Engine plays one pass of an audio file into a voice connection.
type Engine interface {
	Play() error
	SetGain(v float64)
	Stop()
}

// EngineOptions configures a single engine. OnIdle fires once when the file
// has been sent to the end, OnError once when streaming fails. Neither fires
// after Stop.
type EngineOptions struct {
	Path    string
	Volume  float64
	Conn    VoiceConn
	OnIdle  func()
	OnError func(error)

	// Encoder defaults to a libopus encoder at 48kHz stereo.
	Encoder FrameEncoder
	Logger  *log.Logger
}

// AudioEngine decodes a file with beep, applies a live gain and streams
// Opus frames to the connection. Output never pauses for lack of listeners.
type AudioEngine struct {
	opts EngineOptions
	log  *log.Logger

	mu      sync.Mutex
	gain    *effects.Gain
	playing bool

	stop     chan struct{}
	stopOnce sync.Once
	stopped  atomic.Bool
	sent     atomic.Int64
}

// NewEngine creates an engine; nothing is opened until Play.
func NewEngine(opts EngineOptions) *AudioEngine {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &AudioEngine{
		opts: opts,
		log:  logger,
		stop: make(chan struct{}),
	}
}

// Play opens the file and starts streaming in the background.
func (e *AudioEngine) Play() (err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			e.playing = false
			e.gain = nil
			err = errors.Errorf("audio engine panic on start: %v", r)
		}
	}()

	if e.playing {
		return ErrAlreadyPlaying
	}
	if e.opts.Conn == nil {
		return ErrNoVoiceConn
	}

	src, format, err := openAudio(e.opts.Path)
	if err != nil {
		return err
	}
	if format.SampleRate <= 0 {
		src.Close()
		return errors.Wrapf(ErrUnsupportedAudio, "sample rate %d", format.SampleRate)
	}

	enc := e.opts.Encoder
	if enc == nil {
		opus, err := gopus.NewEncoder(SampleRate, Channels, gopus.Audio)
		if err != nil {
			src.Close()
			return errors.Wrap(err, "failed to create opus encoder")
		}
		opus.SetBitrate(opusBitrate)
		enc = opus
	}

	var stream beep.Streamer = src
	if format.SampleRate != SampleRate {
		stream = beep.Resample(resampleQuality, format.SampleRate, SampleRate, src)
	}
	e.gain = &effects.Gain{Streamer: stream, Gain: gainFor(e.opts.Volume)}
	e.playing = true

	go e.run(src, enc)
	return nil
}

// SetGain changes the output volume of the running stream, 0.0 to 1.0.
func (e *AudioEngine) SetGain(v float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.opts.Volume = v
	if e.gain != nil {
		e.gain.Gain = gainFor(v)
	}
}

// Gain returns the current output volume.
func (e *AudioEngine) Gain() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.opts.Volume
}

// Stop abandons the stream. Callbacks are suppressed from here on.
func (e *AudioEngine) Stop() {
	e.stopOnce.Do(func() {
		e.stopped.Store(true)
		close(e.stop)
	})
}

// FramesSent reports how many Opus frames reached the connection.
func (e *AudioEngine) FramesSent() int64 {
	return e.sent.Load()
}

func (e *AudioEngine) run(src beep.StreamSeekCloser, enc FrameEncoder) {
	defer src.Close()
	defer func() {
		if r := recover(); r != nil {
			e.finish(errors.Errorf("audio engine panic: %v", r))
		}
	}()

	e.finish(e.stream(enc))
}

func (e *AudioEngine) stream(enc FrameEncoder) error {
	conn := e.opts.Conn
	if err := conn.Speaking(true); err != nil {
		e.log.Debug("speaking update failed", "err", err)
	}
	// A stopped engine leaves the flag alone; its successor on the same
	// connection may already be speaking.
	defer func() {
		if !e.stopped.Load() {
			conn.Speaking(false)
		}
	}()

	samples := make([][2]float64, FrameSize)
	pcm := make([]int16, FrameSize*Channels)

	for {
		if e.stopped.Load() {
			return nil
		}

		n, err := e.read(samples)
		if n > 0 {
			for i := n; i < FrameSize; i++ {
				samples[i] = [2]float64{}
			}
			toPCM(samples, pcm)

			packet, encErr := enc.Encode(pcm, FrameSize, maxOpusBytes)
			if encErr != nil {
				return errors.Wrap(encErr, "opus encode")
			}
			if sendErr := e.send(conn, packet); sendErr != nil {
				return sendErr
			}
		}

		if n < FrameSize {
			if err != nil {
				return errors.Wrap(err, "decode")
			}
			e.log.Debug("stream finished", "file", filepath.Base(e.opts.Path), "frames", e.sent.Load())
			return nil
		}
	}
}

// read fills buf from the gain stage; err is the decoder error once drained.
func (e *AudioEngine) read(buf [][2]float64) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for n < len(buf) {
		m, ok := e.gain.Stream(buf[n:])
		n += m
		if !ok || m == 0 {
			return n, e.gain.Err()
		}
	}
	return n, nil
}

func (e *AudioEngine) send(conn VoiceConn, packet []byte) error {
	frames := conn.Frames()
	if frames == nil {
		return ErrVoiceStalled
	}

	timer := time.NewTimer(frameSendTimeout)
	defer timer.Stop()

	select {
	case frames <- packet:
		e.sent.Add(1)
		return nil
	case <-e.stop:
		return nil
	case <-timer.C:
		return ErrVoiceStalled
	}
}

func (e *AudioEngine) finish(err error) {
	e.mu.Lock()
	e.playing = false
	e.mu.Unlock()

	if e.stopped.Load() {
		return
	}
	if err != nil {
		if e.opts.OnError != nil {
			e.opts.OnError(err)
		}
		return
	}
	if e.opts.OnIdle != nil {
		e.opts.OnIdle()
	}
}

var openAudio = OpenAudio

// OpenAudio decodes an mp3, wav or flac file by extension.
func OpenAudio(path string) (beep.StreamSeekCloser, beep.Format, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".mp3", ".wav", ".flac":
	default:
		return nil, beep.Format{}, errors.Wrapf(ErrUnsupportedAudio, "%q", ext)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, beep.Format{}, errors.Wrap(err, "open audio file")
	}

	var (
		src    beep.StreamSeekCloser
		format beep.Format
	)
	switch ext {
	case ".mp3":
		src, format, err = mp3.Decode(f)
	case ".wav":
		src, format, err = wav.Decode(f)
	case ".flac":
		src, format, err = flac.Decode(f)
	}
	if err != nil {
		f.Close()
		return nil, beep.Format{}, errors.Wrapf(err, "decode %s", filepath.Base(path))
	}
	return src, format, nil
}

// gainFor converts a 0..1 volume to beep's Gain offset (output = input * (1+Gain)).
func gainFor(v float64) float64 {
	return v - 1
}

func toPCM(samples [][2]float64, pcm []int16) {
	for i, s := range samples {
		pcm[i*2] = toInt16(s[0])
		pcm[i*2+1] = toInt16(s[1])
	}
}

func toInt16(v float64) int16 {
	switch {
	case v > 1:
		v = 1
	case v < -1:
		v = -1
	}
	return int16(v * 32767)
}
