package condeval

import (
	"testing"
	"time"
)

func eq(v string) *string { return &v }

type fakeRuntime struct {
	matched      map[string]bool
	transitionAt map[string]time.Time
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{matched: map[string]bool{}, transitionAt: map[string]time.Time{}}
}

func (f *fakeRuntime) LastWhenMatched(nodeID string) (bool, time.Time, bool) {
	m, ok := f.matched[nodeID]
	return m, f.transitionAt[nodeID], ok
}

func (f *fakeRuntime) RecordWhenMatched(nodeID string, matched bool, now time.Time) {
	prev, ok := f.matched[nodeID]
	if !ok || prev != matched {
		f.transitionAt[nodeID] = now
	}
	f.matched[nodeID] = matched
}

func TestEntityState_UnknownEntityIsNoMatch(t *testing.T) {
	n := &Node{Op: OpEntityState, EntityID: "binary_sensor.missing", Equals: eq("on")}
	ctx := Context{EntityStates: map[string]string{}, Now: time.Now()}
	if result, _ := Evaluate(n, ctx); result {
		t.Fatal("expected no match for unknown entity")
	}
}

func TestAllEmptyChildrenIsTrue_AnyEmptyChildrenIsFalse(t *testing.T) {
	ctx := Context{Now: time.Now()}
	if result, _ := Evaluate(&Node{Op: OpAll}, ctx); !result {
		t.Fatal("all with no children should be true")
	}
	if result, _ := Evaluate(&Node{Op: OpAny}, ctx); result {
		t.Fatal("any with no children should be false")
	}
}

func TestFor_RequiresContinuousDurationEndingAtNow(t *testing.T) {
	child := &Node{Op: OpEntityState, EntityID: "binary_sensor.front_door", Equals: eq("on"), NodeID: "when/for/child"}
	root := &Node{Op: OpFor, Seconds: 30, Child: child, NodeID: "when"}

	rt := newFakeRuntime()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	states := map[string]string{"binary_sensor.front_door": "on"}

	ctx := Context{EntityStates: states, Runtime: rt, Now: t0}
	if result, _ := Evaluate(root, ctx); result {
		t.Fatal("expected no fire at t0, transition just recorded")
	}

	ctx.Now = t0.Add(10 * time.Second)
	if result, _ := Evaluate(root, ctx); result {
		t.Fatal("expected no fire at t0+10s, elapsed < 30s")
	}

	ctx.Now = t0.Add(31 * time.Second)
	if result, _ := Evaluate(root, ctx); !result {
		t.Fatal("expected fire at t0+31s, elapsed >= 30s")
	}
}

func TestTimeInRange_WrapsMidnightAndEndExclusive(t *testing.T) {
	loc := time.UTC
	n := &Node{Op: OpTimeInRange, Start: "22:00", End: "06:00"}

	cases := []struct {
		hhmm string
		want bool
	}{
		{"23:00", true},
		{"05:59", true},
		{"06:00", false},
		{"07:00", false},
	}
	for _, c := range cases {
		tm, _ := time.ParseInLocation("15:04", c.hhmm, loc)
		now := time.Date(2026, 3, 1, tm.Hour(), tm.Minute(), 0, 0, loc)
		ctx := Context{Now: now}
		got, _ := Evaluate(n, ctx)
		if got != c.want {
			t.Errorf("time_in_range at %s = %v, want %v", c.hhmm, got, c.want)
		}
	}
}

func TestTimeInRange_NonWrappingEndExclusive(t *testing.T) {
	n := &Node{Op: OpTimeInRange, Start: "09:00", End: "17:00"}
	cases := []struct {
		hhmm string
		want bool
	}{
		{"09:00", true},
		{"16:59", true},
		{"17:00", false},
	}
	for _, c := range cases {
		tm, _ := time.Parse("15:04", c.hhmm)
		now := time.Date(2026, 3, 1, tm.Hour(), tm.Minute(), 0, 0, time.UTC)
		got, _ := Evaluate(n, Context{Now: now})
		if got != c.want {
			t.Errorf("time_in_range at %s = %v, want %v", c.hhmm, got, c.want)
		}
	}
}

func TestValidate_RejectsTimeInRangeAsSoleRoot(t *testing.T) {
	root := &Node{Op: OpTimeInRange, Start: "09:00", End: "17:00"}
	errs := Validate(root)
	found := false
	for _, e := range errs {
		if e.Field == "non_field_errors" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected non_field_errors for root time_in_range")
	}
}

func TestValidate_AllowsTimeInRangeCombinedWithDataNode(t *testing.T) {
	root := &Node{
		Op: OpAll,
		Children: []*Node{
			{Op: OpTimeInRange, Start: "09:00", End: "17:00"},
			{Op: OpEntityState, EntityID: "binary_sensor.x", Equals: eq("on")},
		},
	}
	for _, e := range Validate(root) {
		if e.Field == "non_field_errors" {
			t.Fatalf("unexpected structural error: %v", e)
		}
	}
}

func TestValidate_RejectsEqualStartEnd(t *testing.T) {
	root := &Node{
		Op: OpAll,
		Children: []*Node{
			{Op: OpTimeInRange, Start: "09:00", End: "09:00"},
			{Op: OpEntityState, EntityID: "binary_sensor.x", Equals: eq("on")},
		},
	}
	found := false
	for _, e := range Validate(root) {
		if e.Field == "end" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected end field error when start == end")
	}
}

func TestExtractEntityIDs_OnlyEntityStateNodesContribute(t *testing.T) {
	root := &Node{
		Op: OpAll,
		Children: []*Node{
			{Op: OpEntityState, EntityID: " binary_sensor.a ", Equals: eq("on")},
			{Op: OpNot, Child: &Node{Op: OpEntityState, EntityID: "binary_sensor.b", Equals: eq("off")}},
			{Op: OpAlarmStateIn, States: []string{"armed_away"}},
			{Op: OpFrigatePersonSeen, Cameras: []string{"yard"}},
		},
	}
	ids := ExtractEntityIDs(root)
	want := map[string]bool{"binary_sensor.a": true, "binary_sensor.b": true}
	if len(ids) != 2 {
		t.Fatalf("got %v, want 2 entries", ids)
	}
	for _, id := range ids {
		if !want[id] {
			t.Errorf("unexpected entity id %q", id)
		}
	}
}

func TestFrigate_ZoneOverlapAndAggregation(t *testing.T) {
	det := []Detection{
		{Camera: "backyard", Zones: []string{"yard"}, ConfidencePct: 92, ObservedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	src := fakeDetections(det)
	now := time.Date(2026, 1, 1, 0, 0, 10, 0, time.UTC)

	n := &Node{Op: OpFrigatePersonSeen, Cameras: []string{"backyard"}, Zones: []string{"yard"}, WithinSeconds: 30, MinConfidence: 90, Aggregation: AggregationMax}
	if result, _ := Evaluate(n, Context{Detections: src, Now: now}); !result {
		t.Fatal("expected match for overlapping zone")
	}

	n.Zones = []string{"driveway"}
	if result, _ := Evaluate(n, Context{Detections: src, Now: now}); result {
		t.Fatal("expected no match after changing zones to non-overlapping")
	}
}

type fakeDetections []Detection

func (f fakeDetections) Recent(since time.Time) []Detection {
	var out []Detection
	for _, d := range f {
		if !d.ObservedAt.Before(since) {
			out = append(out, d)
		}
	}
	return out
}
