package revlog

import "sort"

// Cursor iterates revisions in a fixed order. It holds its position
// explicitly, so a walk can be paused and resumed by keeping the cursor.
type Cursor struct {
	revs []int
	pos  int
}

// Next returns the next revision number, or false when the walk is done.
func (c *Cursor) Next() (int, bool) {
	if c.pos >= len(c.revs) {
		return 0, false
	}
	rev := c.revs[c.pos]
	c.pos++
	return rev, true
}

// Remaining returns how many revisions the cursor has not yielded yet.
func (c *Cursor) Remaining() int {
	return len(c.revs) - c.pos
}

// Cursor walks every revision in ascending rev order.
func (r *Revlog) Cursor() *Cursor {
	revs := make([]int, len(r.records))
	for i := range revs {
		revs[i] = i
	}
	return &Cursor{revs: revs}
}

// AncestorCursor walks head and all its ancestors, each revision before
// any of its parents. Parents always have smaller rev numbers, so
// descending rev order over the ancestor set is such an order.
func (r *Revlog) AncestorCursor(head int) (*Cursor, error) {
	if err := r.checkRev(head); err != nil {
		return nil, err
	}

	seen := map[int]bool{head: true}
	stack := []int{head}
	for len(stack) > 0 {
		rev := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		rec := r.records[rev]
		for _, p := range []int32{rec.p1, rec.p2} {
			if p >= 0 && !seen[int(p)] {
				seen[int(p)] = true
				stack = append(stack, int(p))
			}
		}
	}

	revs := make([]int, 0, len(seen))
	for rev := range seen {
		revs = append(revs, rev)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(revs)))
	return &Cursor{revs: revs}, nil
}
