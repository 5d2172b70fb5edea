// Package screen exposes the attached displays as capture sources.
package screen

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/kbinani/screenshot"

	"github.com/GriffinCanCode/screenwatch/internal/capture"
	apperr "github.com/GriffinCanCode/screenwatch/internal/errors"
)

// backend abstracts the platform capture calls.
type backend interface {
	NumDisplays() int
	Bounds(index int) image.Rectangle
	CaptureRect(rect image.Rectangle) (*image.RGBA, error)
}

type nativeBackend struct{}

func (nativeBackend) NumDisplays() int             { return screenshot.NumActiveDisplays() }
func (nativeBackend) Bounds(i int) image.Rectangle { return screenshot.GetDisplayBounds(i) }
func (nativeBackend) CaptureRect(r image.Rectangle) (*image.RGBA, error) {
	return screenshot.CaptureRect(r)
}

// Provider lists active displays in platform order.
type Provider struct {
	backend backend
}

// NewProvider returns a provider backed by the native display APIs.
func NewProvider() *Provider {
	return &Provider{backend: nativeBackend{}}
}

// Sources implements capture.Provider.
func (p *Provider) Sources(ctx context.Context) ([]capture.Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := p.backend.NumDisplays()
	sources := make([]capture.Source, 0, n)
	for i := 0; i < n; i++ {
		b := p.backend.Bounds(i)
		if b.Empty() {
			continue
		}
		sources = append(sources, &Display{backend: p.backend, index: i, bounds: b})
	}
	slog.Debug("enumerated displays", "count", len(sources))
	return sources, nil
}

// Display is one physical screen.
type Display struct {
	backend backend
	index   int
	bounds  image.Rectangle
}

func (d *Display) ID() string { return fmt.Sprintf("screen:%d", d.index) }
func (d *Display) Name() string {
	return fmt.Sprintf("Display %d (%dx%d)", d.index+1, d.bounds.Dx(), d.bounds.Dy())
}

// Open implements capture.Source.
func (d *Display) Open(ctx context.Context) (capture.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &displayStream{backend: d.backend, bounds: d.bounds}
	s.track = &videoTrack{id: d.ID() + "/video"}
	// Grab once so a missing screen-recording permission fails the open.
	if _, err := s.grab(); err != nil {
		s.track.Stop()
		return nil, err
	}
	return s, nil
}

// displayStream reports zero dimensions until a grab has succeeded.
type displayStream struct {
	backend backend
	bounds  image.Rectangle
	track   *videoTrack

	mu    sync.Mutex
	ready bool
}

func (s *displayStream) Dimensions() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return 0, 0
	}
	return s.bounds.Dx(), s.bounds.Dy()
}

func (s *displayStream) Grab() (image.Image, error) {
	return s.grab()
}

func (s *displayStream) grab() (image.Image, error) {
	if !s.track.Live() {
		return nil, apperr.New(apperr.CodeCaptureFault, "track ended")
	}
	img, err := s.backend.CaptureRect(s.bounds)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeCaptureFault, "capture display")
	}
	s.mu.Lock()
	s.ready = true
	s.mu.Unlock()
	return img, nil
}

func (s *displayStream) Tracks() []capture.Track {
	return []capture.Track{s.track}
}

type videoTrack struct {
	id      string
	stopped atomic.Bool
}

func (t *videoTrack) ID() string { return t.id }

func (t *videoTrack) Stop() {
	if t.stopped.CompareAndSwap(false, true) {
		slog.Debug("track stopped", "track", t.id)
	}
}

func (t *videoTrack) Live() bool { return !t.stopped.Load() }
