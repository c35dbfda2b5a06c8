// Defines plan content (the opaque payload the cache offloads), the PlanView
// capability shared by full plans and proxies, and the in-memory Plan.

package sim

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// AgentID identifies a simulated agent. Must be non-empty and must not contain NUL bytes.
type AgentID string

// PlanID identifies a plan in the store. Assigned once, on first persistence, never reused.
type PlanID uint64

// NoPlanID marks a plan that has not been persisted yet.
const NoPlanID PlanID = 0

// UndefinedTime marks an unset activity start/end time or duration.
const UndefinedTime int64 = -1

// UndefinedScore returns the in-memory representation of a plan that has not been scored.
func UndefinedScore() float64 {
	return math.NaN()
}

// IsUndefinedScore reports whether score is the undefined marker.
func IsUndefinedScore(score float64) bool {
	return math.IsNaN(score)
}

// Activity is a stationary plan element.
type Activity struct {
	Type        string  // e.g. "home", "work"
	LinkID      string  // network link the activity is attached to
	X, Y        float64 // coordinates in a projected CRS (meters)
	StartTime   int64   // seconds after midnight, UndefinedTime if unset
	EndTime     int64   // seconds after midnight, UndefinedTime if unset
	MaxDuration int64   // seconds, UndefinedTime if unset
}

// Route is the network path of a leg.
type Route struct {
	StartLink string
	EndLink   string
	Links     []string // nil when the route has no intermediate links
	Distance  float64  // meters
}

// Leg is a trip between two activities.
type Leg struct {
	Mode          string // e.g. "car", "pt", "walk"
	DepartureTime int64  // seconds after midnight, UndefinedTime if unset
	TravelTime    int64  // seconds, UndefinedTime if unset
	Route         *Route // nil when not routed
}

// PlanElement holds exactly one of Activity or Leg.
type PlanElement struct {
	Activity *Activity
	Leg      *Leg
}

// PlanContent is the full, offloadable body of a plan: an ordered sequence of
// alternating activities and legs, starting and ending with an activity.
//
// Canonical form: empty collections are nil and an all-zero Route is nil.
// Codecs round-trip canonical content exactly.
type PlanContent struct {
	Type       string
	Elements   []PlanElement
	Attributes map[string]string
}

// Validate checks the alternating activity/leg structure.
func (c *PlanContent) Validate() error {
	if c == nil {
		return errors.New("plan content is nil")
	}
	if len(c.Elements) == 0 {
		return errors.New("plan content has no elements")
	}
	for i, el := range c.Elements {
		wantActivity := i%2 == 0
		switch {
		case el.Activity != nil && el.Leg != nil:
			return fmt.Errorf("element %d holds both an activity and a leg", i)
		case wantActivity && el.Activity == nil:
			return fmt.Errorf("element %d: expected activity", i)
		case !wantActivity && el.Leg == nil:
			return fmt.Errorf("element %d: expected leg", i)
		case el.Activity != nil && el.Activity.Type == "":
			return fmt.Errorf("element %d: activity type is empty", i)
		case el.Leg != nil && el.Leg.Mode == "":
			return fmt.Errorf("element %d: leg mode is empty", i)
		}
	}
	if len(c.Elements)%2 == 0 {
		return errors.New("plan content must end with an activity")
	}
	return nil
}

// Canonicalize rewrites c into canonical form in place and returns it.
func (c *PlanContent) Canonicalize() *PlanContent {
	if c == nil {
		return nil
	}
	if len(c.Attributes) == 0 {
		c.Attributes = nil
	}
	if len(c.Elements) == 0 {
		c.Elements = nil
	}
	for _, el := range c.Elements {
		if el.Leg == nil || el.Leg.Route == nil {
			continue
		}
		r := el.Leg.Route
		if len(r.Links) == 0 {
			r.Links = nil
		}
		if r.StartLink == "" && r.EndLink == "" && r.Links == nil && r.Distance == 0 {
			el.Leg.Route = nil
		}
	}
	return c
}

// PlanView is the capability plan-selection code works against. Both the
// in-memory Plan and the lazy PlanProxy implement it, so selectors never need
// to know which one they hold. Selectors must not call Materialize.
type PlanView interface {
	Score() float64
	IsSelected() bool
	IsMaterialized() bool
	Materialize(ctx context.Context) (*PlanContent, error)
}

// MutablePlan is a PlanView whose identity and metadata an Agent manages.
type MutablePlan interface {
	PlanView
	PlanID() PlanID
	CreatedIteration() int
	SetScore(score float64)
	SetSelected(selected bool)
}

// Plan is a fully resident plan. Sources hand Plans to Ingest, which persists
// them and replaces them with proxies.
type Plan struct {
	id        PlanID
	score     float64
	iteration int
	selected  bool
	content   *PlanContent
}

// NewPlan creates an unscored, unselected plan with no assigned id.
func NewPlan(content *PlanContent) *Plan {
	return &Plan{score: UndefinedScore(), content: content}
}

// WithID sets a pre-assigned plan id (e.g. from an earlier run) and returns p.
func (p *Plan) WithID(id PlanID) *Plan {
	p.id = id
	return p
}

// WithScore sets the score and returns p.
func (p *Plan) WithScore(score float64) *Plan {
	p.score = score
	return p
}

// WithIteration sets the creation iteration and returns p.
func (p *Plan) WithIteration(iteration int) *Plan {
	p.iteration = iteration
	return p
}

// WithSelected sets the selected flag and returns p.
func (p *Plan) WithSelected(selected bool) *Plan {
	p.selected = selected
	return p
}

func (p *Plan) PlanID() PlanID            { return p.id }
func (p *Plan) Score() float64            { return p.score }
func (p *Plan) SetScore(score float64)    { p.score = score }
func (p *Plan) IsSelected() bool          { return p.selected }
func (p *Plan) SetSelected(selected bool) { p.selected = selected }
func (p *Plan) CreatedIteration() int     { return p.iteration }
func (p *Plan) Content() *PlanContent     { return p.content }

// IsMaterialized is always true for a resident plan.
func (p *Plan) IsMaterialized() bool { return true }

// Materialize returns the resident content. No I/O.
func (p *Plan) Materialize(_ context.Context) (*PlanContent, error) {
	return p.content, nil
}

func (p *Plan) meta() PlanMeta {
	return PlanMeta{Score: p.score, Iteration: p.iteration, Selected: p.selected}
}
