package capture

import (
	"bytes"
	"errors"
	"image"
	"image/jpeg"
	"log/slog"
	"sync"
	"time"

	"github.com/corona10/goimagehash"
	"github.com/nfnt/resize"

	apperr "github.com/GriffinCanCode/screenwatch/internal/errors"
	"github.com/GriffinCanCode/screenwatch/internal/metrics"
)

var (
	ErrAlreadyStarted = errors.New("sampler already started")
	ErrEnded          = errors.New("sampler ended")
)

// Options controls sampling cadence and encoding.
type Options struct {
	Interval time.Duration
	Width    int
	Height   int
	Quality  int
	MaxBytes int
	// Dedupe skips frames perceptually identical to the previous one.
	Dedupe bool
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.Width <= 0 {
		o.Width = DefaultWidth
	}
	if o.Height <= 0 {
		o.Height = DefaultHeight
	}
	if o.Quality <= 0 || o.Quality > 100 {
		o.Quality = DefaultQuality
	}
	if o.MaxBytes <= 0 {
		o.MaxBytes = DefaultMaxBytes
	}
	return o
}

// Sampler periodically grabs a still from a stream, downscales it and hands
// the JPEG to a Sink. Once End returns no further frame is delivered.
type Sampler struct {
	session string
	opts    Options
	sink    Sink
	metrics *metrics.Metrics
	log     *slog.Logger

	mu       sync.Mutex
	stream   Stream
	ticker   *time.Ticker
	done     chan struct{}
	started  bool
	ended    bool
	faulted  bool
	seq      uint64
	lastHash *goimagehash.ImageHash
}

// NewSampler creates a sampler bound to one capture session.
func NewSampler(session string, opts Options, sink Sink, m *metrics.Metrics) *Sampler {
	return &Sampler{
		session: session,
		opts:    opts.withDefaults(),
		sink:    sink,
		metrics: m,
		log:     slog.With("component", "sampler", "session", session),
	}
}

// Session returns the capture session id stamped on every frame.
func (s *Sampler) Session() string { return s.session }

// Begin starts the sampling loop on stream.
func (s *Sampler) Begin(stream Stream) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended {
		return ErrEnded
	}
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true
	s.stream = stream
	s.ticker = time.NewTicker(s.opts.Interval)
	s.done = make(chan struct{})

	go s.run(s.ticker, s.done)
	s.log.Debug("sampling started", "interval", s.opts.Interval)
	return nil
}

// End stops the loop and releases every track of the stream. Idempotent.
func (s *Sampler) End() {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	if s.ticker != nil {
		s.ticker.Stop()
		close(s.done)
	}
	stream := s.stream
	s.stream = nil
	s.mu.Unlock()

	if stream != nil {
		for _, t := range stream.Tracks() {
			t.Stop()
		}
	}
	s.log.Debug("sampling ended", "frames", s.seq)
}

// Active reports whether the loop is running.
func (s *Sampler) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && !s.ended
}

func (s *Sampler) run(ticker *time.Ticker, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick runs under the lock so End cannot interleave with a delivery.
func (s *Sampler) tick() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended || s.faulted || s.stream == nil {
		return
	}

	w, h := s.stream.Dimensions()
	if w == 0 || h == 0 {
		s.log.Debug("stream not ready, skipping tick")
		return
	}

	img, err := s.stream.Grab()
	if err != nil {
		s.faulted = true
		s.sink.Fault(apperr.Wrap(err, apperr.CodeCaptureFault, "grab frame"))
		return
	}

	scaled := resize.Resize(uint(s.opts.Width), uint(s.opts.Height), img, resize.Bilinear)

	if s.opts.Dedupe && s.duplicate(scaled) {
		s.metrics.FrameDropped(metrics.DropDuplicate)
		return
	}

	data, err := s.encode(scaled)
	if err != nil {
		s.faulted = true
		s.sink.Fault(apperr.Wrap(err, apperr.CodeCaptureFault, "encode frame"))
		return
	}
	if data == nil {
		s.log.Warn("frame exceeds size limit, dropped", "max_bytes", s.opts.MaxBytes)
		s.metrics.FrameDropped(metrics.DropOversize)
		return
	}

	s.seq++
	s.metrics.FrameCaptured()
	s.sink.FrameReady(Frame{
		Session:    s.session,
		Seq:        s.seq,
		Data:       data,
		Width:      scaled.Bounds().Dx(),
		Height:     scaled.Bounds().Dy(),
		CapturedAt: time.Now(),
	})
}

// encode halves the quality until the JPEG fits MaxBytes, never stepping
// below MinQuality or above the configured quality. A nil slice means it
// never fit.
func (s *Sampler) encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	floor := min(s.opts.Quality, MinQuality)
	for q := s.opts.Quality; ; q = max(q/2, floor) {
		buf.Reset()
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: q}); err != nil {
			return nil, err
		}
		if buf.Len() <= s.opts.MaxBytes {
			return bytes.Clone(buf.Bytes()), nil
		}
		if q == floor {
			return nil, nil
		}
	}
}

func (s *Sampler) duplicate(img image.Image) bool {
	hash, err := goimagehash.PerceptionHash(img)
	if err != nil {
		return false
	}
	if s.lastHash == nil {
		s.lastHash = hash
		return false
	}
	dist, err := s.lastHash.Distance(hash)
	if err != nil || dist > MaxHashDistance {
		s.lastHash = hash
		return false
	}
	s.log.Debug("skipping similar frame", "distance", dist)
	return true
}
