package condeval

// Validate checks a condition tree against the structural rules enforced
// at rule upsert: malformed nodes are rejected with field-tagged errors,
// and the guardrail that a root `when` cannot be `time_in_range` alone
// (time must act as a guard combined with a data-driven node) is enforced
// here rather than deep in the evaluator.
func Validate(root *Node) []*ValidationError {
	if root == nil {
		return []*ValidationError{{Field: "non_field_errors", Message: "when is required"}}
	}

	var errs []*ValidationError
	if root.Op == OpTimeInRange {
		errs = append(errs, &ValidationError{
			Field:   "non_field_errors",
			Message: "time_in_range cannot be the sole root condition; combine it with a data-driven node via all/any",
		})
	}
	errs = append(errs, validateNode(root)...)
	return errs
}

func validateNode(n *Node) []*ValidationError {
	var errs []*ValidationError
	switch n.Op {
	case OpEntityState:
		if n.EntityID == "" {
			errs = append(errs, &ValidationError{Field: "entity_id", Message: "required"})
		}
		if n.Equals == nil && n.NotEquals == nil && len(n.In) == 0 {
			errs = append(errs, &ValidationError{Field: "equals", Message: "one of equals, not_equals, in is required"})
		}
	case OpAll, OpAny:
		for _, c := range n.Children {
			errs = append(errs, validateNode(c)...)
		}
	case OpNot:
		if n.Child == nil {
			errs = append(errs, &ValidationError{Field: "child", Message: "required"})
		} else {
			errs = append(errs, validateNode(n.Child)...)
		}
	case OpFor:
		if n.Seconds < 0 {
			errs = append(errs, &ValidationError{Field: "seconds", Message: "must be >= 0"})
		}
		if n.Child == nil {
			errs = append(errs, &ValidationError{Field: "child", Message: "required"})
		} else {
			errs = append(errs, validateNode(n.Child)...)
		}
	case OpAlarmStateIn:
		if len(n.States) == 0 {
			errs = append(errs, &ValidationError{Field: "states", Message: "required"})
		}
	case OpFrigatePersonSeen:
		if n.WithinSeconds < 0 {
			errs = append(errs, &ValidationError{Field: "within_seconds", Message: "must be >= 0"})
		}
		if n.MinConfidence < 0 || n.MinConfidence > 100 {
			errs = append(errs, &ValidationError{Field: "min_confidence_pct", Message: "must be in [0, 100]"})
		}
		switch n.Aggregation {
		case "", AggregationMax, AggregationAvg, AggregationCount:
		default:
			errs = append(errs, &ValidationError{Field: "aggregation", Message: "must be max, avg, or count"})
		}
	case OpTimeInRange:
		if _, err := parseHHMM(n.Start); err != nil {
			errs = append(errs, &ValidationError{Field: "start", Message: "must be HH:MM"})
		}
		if _, err := parseHHMM(n.End); err != nil {
			errs = append(errs, &ValidationError{Field: "end", Message: "must be HH:MM"})
		}
		if n.Start == n.End {
			errs = append(errs, &ValidationError{Field: "end", Message: "must differ from start"})
		}
	default:
		errs = append(errs, &ValidationError{Field: "op", Message: "unknown operator"})
	}
	return errs
}

// ExtractEntityIDs traverses the tree and returns every entity_id
// referenced by an entity_state node, deduplicated and whitespace-trimmed.
// alarm_state_in, frigate_person_detected, and time_in_range contribute
// nothing, matching the EntityRuleIndex extraction contract.
func ExtractEntityIDs(root *Node) []string {
	seen := map[string]struct{}{}
	var walk func(n *Node)
	walk = func(n *Node) {
		if n == nil {
			return
		}
		if n.Op == OpEntityState {
			id := trimmed(n.EntityID)
			if id != "" {
				seen[id] = struct{}{}
			}
		}
		for _, c := range n.Children {
			walk(c)
		}
		walk(n.Child)
	}
	walk(root)

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	return out
}

func trimmed(s string) string {
	start, end := 0, len(s)
	for start < end && isSpace(s[start]) {
		start++
	}
	for end > start && isSpace(s[end-1]) {
		end--
	}
	return s[start:end]
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
