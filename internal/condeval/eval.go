package condeval

import (
	"strings"
	"time"
)

// Detection is the subset of DetectionStore fields the evaluator needs to
// score a frigate_person_detected node.
type Detection struct {
	Camera        string
	Zones         []string
	ConfidencePct float64
	ObservedAt    time.Time
}

// DetectionSource returns detections observed at or after since, newest
// first or in any order — the evaluator does its own filtering.
type DetectionSource interface {
	Recent(since time.Time) []Detection
}

// NodeRuntime gives the evaluator read/write access to the
// (rule_id, node_id) continuity state that "for" nodes need. The engine
// supplies an implementation backed by RuleRuntimeStore; condeval itself
// has no storage dependency.
type NodeRuntime interface {
	// LastWhenMatched returns the previously recorded match result for
	// nodeID and its transition timestamp. ok is false if no state exists
	// yet (first evaluation).
	LastWhenMatched(nodeID string) (matched bool, transitionAt time.Time, ok bool)
	// RecordWhenMatched stores the node's match result, updating the
	// transition timestamp only when matched differs from the prior value.
	RecordWhenMatched(nodeID string, matched bool, now time.Time)
}

// Context bundles everything an evaluation needs besides the tree itself.
type Context struct {
	EntityStates map[string]string // entity_id -> last_state
	AlarmState   string
	Detections   DetectionSource
	Runtime      NodeRuntime
	Now          time.Time

	// Simulation overrides (optional, non-nil only from the simulate API).
	AssumeForSeconds *int
}

// Trace records one node's evaluation for the explainable-evaluation form
// used by rule simulation.
type Trace struct {
	Op              Op      `json:"op"`
	Result          bool    `json:"result"`
	Children        []Trace `json:"children,omitempty"`
	MatchedEntityID string  `json:"matched_entity_id,omitempty"`
	MatchedState    string  `json:"matched_state,omitempty"`
	CandidatesCount int     `json:"candidates_count,omitempty"`
}

// Evaluate runs a real (non-simulated) evaluation: "for" nodes read and
// write their continuity state via ctx.Runtime. This is what the engine
// calls during normal rule dispatch.
func Evaluate(n *Node, ctx Context) (bool, Trace) {
	return evalNode(n, ctx, true)
}

// EvaluateTraced is the side-effect-free explainable form used by rule
// simulation: it returns both the result and a trace tree, and it never
// mutates Runtime, so simulating a rule cannot perturb its real state.
func EvaluateTraced(n *Node, ctx Context) (bool, Trace) {
	return evalNode(n, ctx, false)
}

// evalNode evaluates n, recording continuity state for "for" nodes only
// when mutate is true. Evaluate(...) calls with mutate=true; the simulate
// API calls EvaluateTraced with mutate=false.
func evalNode(n *Node, ctx Context, mutate bool) (bool, Trace) {
	if n == nil {
		return true, Trace{Result: true}
	}
	switch n.Op {
	case OpEntityState:
		return evalEntityState(n, ctx)
	case OpAll:
		return evalAll(n, ctx, mutate)
	case OpAny:
		return evalAny(n, ctx, mutate)
	case OpNot:
		return evalNot(n, ctx, mutate)
	case OpFor:
		return evalFor(n, ctx, mutate)
	case OpAlarmStateIn:
		return evalAlarmStateIn(n, ctx)
	case OpFrigatePersonSeen:
		return evalFrigate(n, ctx)
	case OpTimeInRange:
		return evalTimeInRange(n, ctx)
	default:
		return false, Trace{Op: n.Op, Result: false}
	}
}

func evalEntityState(n *Node, ctx Context) (bool, Trace) {
	state, known := ctx.EntityStates[n.EntityID]
	trace := Trace{Op: OpEntityState, MatchedEntityID: n.EntityID}
	if !known {
		trace.Result = false
		return false, trace
	}
	trace.MatchedState = state

	var result bool
	switch {
	case n.Equals != nil:
		result = state == *n.Equals
	case n.NotEquals != nil:
		result = state != *n.NotEquals
	case len(n.In) > 0:
		for _, v := range n.In {
			if v == state {
				result = true
				break
			}
		}
	}
	trace.Result = result
	return result, trace
}

func evalAll(n *Node, ctx Context, mutate bool) (bool, Trace) {
	trace := Trace{Op: OpAll, Result: true}
	for _, child := range n.Children {
		res, childTrace := evalNode(child, ctx, mutate)
		trace.Children = append(trace.Children, childTrace)
		if !res {
			trace.Result = false
		}
	}
	return trace.Result, trace
}

func evalAny(n *Node, ctx Context, mutate bool) (bool, Trace) {
	trace := Trace{Op: OpAny, Result: false}
	for _, child := range n.Children {
		res, childTrace := evalNode(child, ctx, mutate)
		trace.Children = append(trace.Children, childTrace)
		if res {
			trace.Result = true
		}
	}
	return trace.Result, trace
}

func evalNot(n *Node, ctx Context, mutate bool) (bool, Trace) {
	res, childTrace := evalNode(n.Child, ctx, mutate)
	trace := Trace{Op: OpNot, Result: !res, Children: []Trace{childTrace}}
	return trace.Result, trace
}

func evalFor(n *Node, ctx Context, mutate bool) (bool, Trace) {
	childResult, childTrace := evalNode(n.Child, ctx, mutate)
	trace := Trace{Op: OpFor, Children: []Trace{childTrace}}
	// The root's "when" row also holds the engine's edge-trigger state, so
	// continuity is kept under a key of this node's own.
	key := n.NodeID + "/for"

	if !childResult {
		trace.Result = false
		if ctx.Runtime != nil && mutate {
			ctx.Runtime.RecordWhenMatched(key, false, ctx.Now)
		}
		return false, trace
	}

	if ctx.AssumeForSeconds != nil {
		trace.Result = *ctx.AssumeForSeconds >= n.Seconds
		return trace.Result, trace
	}

	if ctx.Runtime == nil {
		trace.Result = childResult
		return trace.Result, trace
	}

	prevMatched, prevTransition, ok := ctx.Runtime.LastWhenMatched(key)
	transitionAt := ctx.Now
	if ok && prevMatched == childResult {
		transitionAt = prevTransition
	}

	if mutate {
		ctx.Runtime.RecordWhenMatched(key, childResult, ctx.Now)
	}

	elapsed := ctx.Now.Sub(transitionAt)
	trace.Result = elapsed >= time.Duration(n.Seconds)*time.Second
	return trace.Result, trace
}

func evalAlarmStateIn(n *Node, ctx Context) (bool, Trace) {
	trace := Trace{Op: OpAlarmStateIn}
	for _, s := range n.States {
		if s == ctx.AlarmState {
			trace.Result = true
			break
		}
	}
	return trace.Result, trace
}

func evalFrigate(n *Node, ctx Context) (bool, Trace) {
	trace := Trace{Op: OpFrigatePersonSeen}
	if ctx.Detections == nil {
		// With no detection source the node evaluates to false.
		// OnUnavailable is not consulted, so "error" has the same effect
		// as treat_as_no_match.
		trace.Result = false
		return false, trace
	}

	since := ctx.Now.Add(-time.Duration(n.WithinSeconds) * time.Second)
	candidates := filterDetections(ctx.Detections.Recent(since), n, since)
	trace.CandidatesCount = len(candidates)

	aggregation := n.Aggregation
	if aggregation == "" {
		aggregation = AggregationMax
	}

	switch aggregation {
	case AggregationCount:
		trace.Result = float64(len(candidates)) >= n.MinConfidence
	case AggregationAvg:
		if len(candidates) == 0 {
			trace.Result = false
		} else {
			sum := 0.0
			for _, d := range candidates {
				sum += d.ConfidencePct
			}
			trace.Result = (sum / float64(len(candidates))) >= n.MinConfidence
		}
	default: // max
		best := 0.0
		for _, d := range candidates {
			if d.ConfidencePct > best {
				best = d.ConfidencePct
			}
		}
		trace.Result = len(candidates) > 0 && best >= n.MinConfidence
	}
	return trace.Result, trace
}

func filterDetections(all []Detection, n *Node, since time.Time) []Detection {
	var out []Detection
	for _, d := range all {
		if d.ObservedAt.Before(since) {
			continue
		}
		if len(n.Cameras) > 0 && !contains(n.Cameras, d.Camera) {
			continue
		}
		if len(n.Zones) > 0 && !overlaps(n.Zones, d.Zones) {
			continue
		}
		out = append(out, d)
	}
	return out
}

func contains(haystack []string, needle string) bool {
	for _, h := range haystack {
		if h == needle {
			return true
		}
	}
	return false
}

func overlaps(a, b []string) bool {
	for _, x := range a {
		if contains(b, x) {
			return true
		}
	}
	return false
}

var weekdayNames = map[time.Weekday]string{
	time.Monday:    "mon",
	time.Tuesday:   "tue",
	time.Wednesday: "wed",
	time.Thursday:  "thu",
	time.Friday:    "fri",
	time.Saturday:  "sat",
	time.Sunday:    "sun",
}

func evalTimeInRange(n *Node, ctx Context) (bool, Trace) {
	trace := Trace{Op: OpTimeInRange}

	loc := time.UTC
	if n.TZ != "" {
		if l, err := time.LoadLocation(n.TZ); err == nil {
			loc = l
		}
	}
	now := ctx.Now.In(loc)

	if len(n.Days) > 0 {
		today := strings.ToLower(weekdayNames[now.Weekday()])
		if !contains(lowerAll(n.Days), today) {
			trace.Result = false
			return false, trace
		}
	}

	startMin, sErr := parseHHMM(n.Start)
	endMin, eErr := parseHHMM(n.End)
	if sErr != nil || eErr != nil {
		trace.Result = false
		return false, trace
	}
	nowMin := now.Hour()*60 + now.Minute()

	var inRange bool
	if startMin <= endMin {
		inRange = nowMin >= startMin && nowMin < endMin
	} else {
		inRange = nowMin >= startMin || nowMin < endMin
	}
	trace.Result = inRange
	return inRange, trace
}

func lowerAll(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = strings.ToLower(s)
	}
	return out
}

func parseHHMM(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}
