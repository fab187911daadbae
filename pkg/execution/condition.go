package execution

import (
	"time"
)

// Condition gates a lifecycle action until every member of Group has
// reached State, and at least After has elapsed since the latest member
// got there.
type Condition struct {
	Group []Guid
	State ResourceState
	After time.Duration
}

func (c Condition) clone() Condition {
	group := make([]Guid, len(c.Group))
	copy(group, c.Group)
	return Condition{Group: group, State: c.State, After: c.After}
}

// conditionTable holds the conditions of one resource manager per action,
// in registration order.
type conditionTable map[ResourceAction][]Condition

func (t conditionTable) add(action ResourceAction, group []Guid, state ResourceState, after time.Duration) {
	c := Condition{Group: make([]Guid, len(group)), State: state, After: after}
	copy(c.Group, group)
	t[action] = append(t[action], c)
}

// remove drops the given guids from the groups of the selected actions
// (every action when none are given). Conditions left with an empty group
// are deleted.
func (t conditionTable) remove(group []Guid, actions ...ResourceAction) {
	if len(actions) == 0 {
		actions = []ResourceAction{ActionDeploy, ActionStart, ActionStop, ActionRelease}
	}
	drop := make(map[Guid]struct{}, len(group))
	for _, g := range group {
		drop[g] = struct{}{}
	}
	for _, action := range actions {
		conds := t[action]
		kept := conds[:0]
		for _, c := range conds {
			members := c.Group[:0]
			for _, g := range c.Group {
				if _, gone := drop[g]; !gone {
					members = append(members, g)
				}
			}
			c.Group = members
			if len(c.Group) > 0 {
				kept = append(kept, c)
			}
		}
		if len(kept) == 0 {
			delete(t, action)
		} else {
			t[action] = kept
		}
	}
}

func (t conditionTable) list(action ResourceAction) []Condition {
	conds := t[action]
	out := make([]Condition, len(conds))
	for i, c := range conds {
		out[i] = c.clone()
	}
	return out
}

// waitSet flattens the groups of an action in registration order without
// duplicates.
func (t conditionTable) waitSet(action ResourceAction) []Guid {
	seen := make(map[Guid]struct{})
	var out []Guid
	for _, c := range t[action] {
		for _, g := range c.Group {
			if _, dup := seen[g]; dup {
				continue
			}
			seen[g] = struct{}{}
			out = append(out, g)
		}
	}
	return out
}

// reached reports whether a resource in state current, with the given entry
// timestamps, satisfies a condition on target. It returns the time the
// target was reached.
func reached(current ResourceState, times *[StateReleased + 1]time.Time, target ResourceState) (bool, time.Time) {
	switch target {
	case StateNew:
		return times[StateFailed].IsZero(), time.Time{}
	case StateFailed:
		failed := times[StateFailed]
		return current == StateFailed || (current == StateReleased && !failed.IsZero()), failed
	case StateReleased:
		return current == StateReleased, times[StateReleased]
	default:
		at := times[target]
		if at.IsZero() || !times[StateFailed].IsZero() {
			return false, time.Time{}
		}
		return true, at
	}
}
