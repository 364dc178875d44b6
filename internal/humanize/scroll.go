package humanize

import (
	"context"
	"math"
	"math/rand"

	"github.com/go-rod/rod"
	"github.com/rs/zerolog/log"
)

// ScrollConfig contains configuration for humanized scroll behavior.
type ScrollConfig struct {
	// MinScrollSteps is the minimum number of scroll increments.
	MinScrollSteps int
	// MaxScrollSteps is the maximum number of scroll increments.
	MaxScrollSteps int
	// MinStepDelayMs is the minimum delay between scroll steps.
	MinStepDelayMs int
	// MaxStepDelayMs is the maximum delay between scroll steps.
	MaxStepDelayMs int
	// ScrollMargin keeps the element this far from the viewport edge (pixels).
	ScrollMargin float64
	// PreScrollDelay range before starting to scroll (milliseconds).
	PreScrollDelayMinMs int
	PreScrollDelayMaxMs int
	// PostScrollDelay range after completing the scroll (milliseconds).
	PostScrollDelayMinMs int
	PostScrollDelayMaxMs int
}

// DefaultScrollConfig returns sensible defaults for human-like scrolling.
func DefaultScrollConfig() ScrollConfig {
	return ScrollConfig{
		MinScrollSteps:       8,
		MaxScrollSteps:       20,
		MinStepDelayMs:       20,
		MaxStepDelayMs:       60,
		ScrollMargin:         100,
		PreScrollDelayMinMs:  50,
		PreScrollDelayMaxMs:  200,
		PostScrollDelayMinMs: 100,
		PostScrollDelayMaxMs: 300,
	}
}

// Scroller provides humanized scroll interactions for a browser page.
type Scroller struct {
	page   *rod.Page
	config ScrollConfig
}

// NewScroller creates a new humanized scroller for the given page.
func NewScroller(page *rod.Page) *Scroller {
	return &Scroller{
		page:   page,
		config: DefaultScrollConfig(),
	}
}

// ScrollToElement smoothly scrolls until the element is inside the viewport,
// used to bring the vote button into view before clicking. No-op when the
// element is already visible.
func (s *Scroller) ScrollToElement(ctx context.Context, element *rod.Element) error {
	shape, err := element.Shape()
	if err != nil {
		return err
	}
	if shape == nil || len(shape.Quads) == 0 {
		return ErrElementNotVisible
	}

	quad := shape.Quads[0]
	elementTop := math.Min(math.Min(quad[1], quad[3]), math.Min(quad[5], quad[7]))
	elementBottom := math.Max(math.Max(quad[1], quad[3]), math.Max(quad[5], quad[7]))

	layout, err := s.page.GetWindow()
	if err != nil {
		return err
	}
	viewportHeight := 0.0
	if layout.Height != nil {
		viewportHeight = float64(*layout.Height)
	}
	if viewportHeight <= 0 {
		viewportHeight = 1080
	}

	// Element already comfortably inside the viewport.
	if elementTop >= s.config.ScrollMargin && elementBottom <= viewportHeight-s.config.ScrollMargin {
		return nil
	}

	targetDelta := elementTop - viewportHeight/2
	if !RandomWait(ctx, s.config.PreScrollDelayMinMs, s.config.PreScrollDelayMaxMs) {
		return ctx.Err()
	}

	steps := s.config.MinScrollSteps + rand.Intn(s.config.MaxScrollSteps-s.config.MinScrollSteps+1)
	for i := 0; i < steps; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// Eased increments: larger in the middle of the gesture.
		t0 := float64(i) / float64(steps)
		t1 := float64(i+1) / float64(steps)
		stepDelta := targetDelta * (easeInOutCubic(t1) - easeInOutCubic(t0))

		if err := s.page.Mouse.Scroll(0, stepDelta, 1); err != nil {
			return err
		}
		if !RandomWait(ctx, s.config.MinStepDelayMs, s.config.MaxStepDelayMs) {
			return ctx.Err()
		}
	}

	if !RandomWait(ctx, s.config.PostScrollDelayMinMs, s.config.PostScrollDelayMaxMs) {
		return ctx.Err()
	}

	log.Debug().Float64("delta", targetDelta).Int("steps", steps).Msg("Humanized scroll completed")
	return nil
}
