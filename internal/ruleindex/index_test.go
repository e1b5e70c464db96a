package ruleindex

import "testing"

type fakeSource struct {
	refs map[string][]string
}

func (f *fakeSource) AllEntityRefs() (map[string][]string, error) {
	return f.refs, nil
}

func TestLookup_UnionsRuleIDsAcrossEntities(t *testing.T) {
	src := &fakeSource{refs: map[string][]string{
		"r1": {"binary_sensor.a"},
		"r2": {"binary_sensor.a", "binary_sensor.b"},
		"r3": {"binary_sensor.c"},
	}}
	idx := New(src)

	ids, err := idx.Lookup([]string{"binary_sensor.a", "binary_sensor.c"})
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	want := map[string]bool{"r1": true, "r2": true, "r3": true}
	if len(ids) != 3 {
		t.Fatalf("Lookup() = %v, want 3 rule ids", ids)
	}
	for _, id := range ids {
		if !want[id] {
			t.Errorf("unexpected rule id %q", id)
		}
	}
}

func TestInvalidate_NextLookupObservesChanges(t *testing.T) {
	src := &fakeSource{refs: map[string][]string{"r1": {"binary_sensor.a"}}}
	idx := New(src)

	ids, _ := idx.Lookup([]string{"binary_sensor.a"})
	if len(ids) != 1 {
		t.Fatalf("initial Lookup() = %v, want [r1]", ids)
	}

	src.refs = map[string][]string{"r1": {"binary_sensor.a"}, "r2": {"binary_sensor.a"}}
	idx.Invalidate()

	ids, _ = idx.Lookup([]string{"binary_sensor.a"})
	if len(ids) != 2 {
		t.Fatalf("Lookup() after invalidate = %v, want 2 rule ids", ids)
	}
}

func TestInvalidate_BumpsVersion(t *testing.T) {
	src := &fakeSource{refs: map[string][]string{}}
	idx := New(src)
	idx.Lookup(nil)
	before := idx.Version()
	idx.Invalidate()
	idx.Lookup(nil)
	if idx.Version() <= before {
		t.Fatalf("Version() did not advance past %d after invalidate+rebuild", before)
	}
}
