// Package slots parses TDL slot-selection strings.
//
// A mode period is divided into `frequency` slots numbered from 1. A slot
// selection such as "1-2|5-6" lists the slot ranges in which a task (or
// actuator update) is invoked:
//
//	1-2      slots 1 through 2, interval (1,3)
//	3        slot 3 alone, interval (3,4)
//	1|3      two single-slot intervals
//	2*       (2,3) repeated up to the end of the period
//	1-2|*    the previous interval's span repeated forward
//
// '-' and '~' separate the numbers of one group; the first number is the
// start slot and the last the inclusive end slot. A repeated group fills
// forward until the next explicit group or frequency+1.
package slots

import (
	"fmt"
	"strings"

	"github.com/me/tdl/pkg/model"
)

// DefaultSelection is used for an empty selection: one invocation per slot.
const DefaultSelection = "1*"

// Interval is a half-open range [Start, End) of 1-based slot numbers.
type Interval struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len returns the number of slots the interval spans.
func (iv Interval) Len() int { return iv.End - iv.Start }

func (iv Interval) String() string { return fmt.Sprintf("(%d,%d)", iv.Start, iv.End) }

// group is one '|'-delimited item after reduction.
type group struct {
	nums   []int
	repeat bool
	pos    int
}

// Parse converts a slot-selection string into intervals, in the order the
// intervals occur in the string.
func Parse(selection string, frequency int) ([]Interval, error) {
	if frequency < 1 {
		return nil, &model.ParseError{Slots: selection, Pos: -1, Message: fmt.Sprintf("frequency must be positive, got %d", frequency)}
	}
	if strings.TrimSpace(selection) == "" {
		selection = DefaultSelection
	}

	toks, err := Tokenize(selection)
	if err != nil {
		return nil, err
	}
	groups, err := reduce(selection, toks)
	if err != nil {
		return nil, err
	}
	return expand(selection, groups, frequency)
}

// reduce folds the token stream into groups. State is the group under
// construction plus whether a separator is pending.
func reduce(src string, toks []Token) ([]group, error) {
	var groups []group
	cur := group{pos: 0}
	pendingSep := false

	closeGroup := func(pos int) error {
		if pendingSep {
			return &model.ParseError{Slots: src, Pos: pos, Message: "separator without following slot"}
		}
		if len(cur.nums) == 0 && !cur.repeat {
			return &model.ParseError{Slots: src, Pos: pos, Message: "empty slot group"}
		}
		groups = append(groups, cur)
		return nil
	}

	for _, tok := range toks {
		switch tok.Kind {
		case TokNumber:
			if cur.repeat {
				return nil, &model.ParseError{Slots: src, Pos: tok.Pos, Message: "slot number after '*'"}
			}
			if len(cur.nums) > 0 && !pendingSep {
				return nil, &model.ParseError{Slots: src, Pos: tok.Pos, Message: "missing separator"}
			}
			if len(cur.nums) == 0 {
				cur.pos = tok.Pos
			}
			cur.nums = append(cur.nums, tok.Value)
			pendingSep = false
		case TokSep:
			if len(cur.nums) == 0 || cur.repeat {
				return nil, &model.ParseError{Slots: src, Pos: tok.Pos, Message: "separator without preceding slot"}
			}
			pendingSep = true
		case TokRepeat:
			if cur.repeat {
				return nil, &model.ParseError{Slots: src, Pos: tok.Pos, Message: "duplicate '*'"}
			}
			if pendingSep {
				return nil, &model.ParseError{Slots: src, Pos: tok.Pos, Message: "separator without following slot"}
			}
			if len(cur.nums) == 0 {
				cur.pos = tok.Pos
			}
			cur.repeat = true
		case TokBar:
			if err := closeGroup(tok.Pos); err != nil {
				return nil, err
			}
			cur = group{pos: tok.Pos + 1}
		}
	}
	if err := closeGroup(len(src)); err != nil {
		return nil, err
	}
	return groups, nil
}

// expand turns groups into intervals, filling repeated groups.
func expand(src string, groups []group, frequency int) ([]Interval, error) {
	var out []Interval
	limit := frequency + 1

	for gi, g := range groups {
		var base Interval
		switch {
		case len(g.nums) > 0:
			base = Interval{Start: g.nums[0], End: g.nums[len(g.nums)-1] + 1}
			if base.Start < 1 || base.End > limit {
				return nil, &model.ParseError{Slots: src, Pos: g.pos, Message: fmt.Sprintf("slot out of range 1..%d", frequency)}
			}
			if base.End <= base.Start {
				return nil, &model.ParseError{Slots: src, Pos: g.pos, Message: "end slot before start slot"}
			}
			out = append(out, base)
		case len(out) > 0:
			// Bare '*': repeat the previous interval's span.
			prev := out[len(out)-1]
			base = Interval{Start: prev.End, End: prev.End + prev.Len()}
			if base.End > limit {
				continue
			}
			out = append(out, base)
		default:
			return nil, &model.ParseError{Slots: src, Pos: g.pos, Message: "'*' without a slot to repeat"}
		}

		if !g.repeat {
			continue
		}
		bound := limit
		if next := nextExplicitStart(groups[gi+1:]); next > 0 && next < bound {
			bound = next
		}
		span := base.Len()
		for iv := (Interval{Start: base.End, End: base.End + span}); iv.End <= bound; iv = (Interval{Start: iv.End, End: iv.End + span}) {
			out = append(out, iv)
		}
	}
	return out, nil
}

func nextExplicitStart(rest []group) int {
	for _, g := range rest {
		if len(g.nums) > 0 {
			return g.nums[0]
		}
	}
	return 0
}
