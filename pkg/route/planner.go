package route

import (
	"context"
	"fmt"
	"sync"

	"github.com/rubiojr/quietspace/pkg/async"
	"github.com/rubiojr/quietspace/pkg/logger"
	"github.com/rubiojr/quietspace/pkg/place"
	"github.com/rubiojr/quietspace/pkg/surface"
)

// Stroke styles for drawn routes.
const (
	PrimaryColor   = "#4A6FA5"
	SecondaryColor = "#8A8F98"
	FastestWidth   = 15
	AltWidth       = 10
	AltDash        = 30
	AltGap         = 20
)

// Planner requests routes and keeps at most one plan drawn. Plans are
// last-request-wins: a result arriving after a newer Plan call is dropped.
type Planner struct {
	directions Directions
	surface    surface.Surface

	mu      sync.Mutex
	gen     uint64
	overlay []string
	current Plan
}

// New returns a planner drawing on s.
func New(d Directions, s surface.Surface) *Planner {
	return &Planner{directions: d, surface: s}
}

// Plan clears any drawn routes and asks for new ones between origin and
// dest. The future resolves with the ranked plan, ErrNoRoutes, ErrSuperseded
// or a wrapped provider error.
func (p *Planner) Plan(ctx context.Context, origin, dest place.LatLng) *async.Future[Plan] {
	p.mu.Lock()
	p.gen++
	gen := p.gen
	p.clearLocked()
	p.mu.Unlock()

	if !origin.Valid() || !dest.Valid() {
		return async.Failed[Plan](ErrInvalidPoint)
	}

	return async.Go(ctx, func(ctx context.Context) (Plan, error) {
		routes, err := p.directions.Directions(ctx, origin, dest)

		p.mu.Lock()
		defer p.mu.Unlock()
		if gen != p.gen {
			logger.Debug("route: dropping stale plan %d (current %d)", gen, p.gen)
			return Plan{}, ErrSuperseded
		}
		if err != nil {
			logger.Error("route: directions failed: %v", err)
			return Plan{}, fmt.Errorf("directions: %w", err)
		}
		if len(routes) == 0 {
			logger.Info("route: no routes between %v and %v", origin, dest)
			return Plan{}, ErrNoRoutes
		}

		ranked := Rank(routes)
		for i := range ranked {
			pts, err := Decode(ranked[i])
			if err != nil {
				logger.Error("route: %v", err)
				return Plan{}, fmt.Errorf("directions: %w", err)
			}
			ranked[i].Points = pts
		}

		plan := Plan{Routes: ranked, Bounds: NewBounds(origin, dest)}
		for _, r := range ranked {
			for _, pt := range r.Points {
				plan.Bounds = plan.Bounds.Extend(pt)
			}
		}
		p.drawLocked(ranked)
		p.current = plan
		logger.Debug("route: %s", plan.Summary())
		return plan, nil
	})
}

// drawLocked draws alternatives first so the fastest ends up on top.
func (p *Planner) drawLocked(ranked []Route) {
	for i := len(ranked) - 1; i >= 0; i-- {
		line := surface.Polyline{
			Points: ranked[i].Points,
			Width:  AltWidth,
			Color:  SecondaryColor,
			Pattern: surface.Pattern{
				Dash: AltDash,
				Gap:  AltGap,
			},
			ZIndex: len(ranked) - i,
		}
		if ranked[i].IsFastest {
			line.Width = FastestWidth
			line.Color = PrimaryColor
			line.Pattern = surface.Pattern{}
		}
		p.overlay = append(p.overlay, p.surface.AddPolyline(line))
	}
}

// Clear removes drawn routes and invalidates any plan in flight.
func (p *Planner) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gen++
	p.clearLocked()
}

func (p *Planner) clearLocked() {
	for _, id := range p.overlay {
		p.surface.RemovePolyline(id)
	}
	p.overlay = nil
	p.current = Plan{}
}

// Current returns the plan on screen, if any.
func (p *Planner) Current() (Plan, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current, len(p.current.Routes) > 0
}
