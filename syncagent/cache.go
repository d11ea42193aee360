package syncagent

import (
	"sort"

	"prism-board/domain"
)

// cache is the local copy of one board. It applies the same ordering rule
// as the server, and deletes leave gaps.
type cache struct {
	board   domain.Board
	buckets map[string]domain.Bucket
	items   map[string]domain.Item
}

func newCache() *cache {
	return &cache{
		buckets: make(map[string]domain.Bucket),
		items:   make(map[string]domain.Item),
	}
}

func (c *cache) reset(state domain.BoardState) {
	c.board = state.Board
	c.buckets = make(map[string]domain.Bucket, len(state.Buckets))
	for _, bk := range state.Buckets {
		c.buckets[bk.ID] = bk
	}
	c.items = make(map[string]domain.Item, len(state.Items))
	for _, it := range state.Items {
		c.items[it.ID] = it
	}
}

func (c *cache) bucketItems(bucketID string) []domain.Item {
	var out []domain.Item
	for _, it := range c.items {
		if it.BucketID == bucketID {
			out = append(out, it)
		}
	}
	sortItems(out)
	return out
}

func (c *cache) sortedBuckets() []domain.Bucket {
	out := make([]domain.Bucket, 0, len(c.buckets))
	for _, bk := range c.buckets {
		out = append(out, bk)
	}
	sortBuckets(out)
	return out
}

// place stores it, moving its siblings the way the server does: coming
// from another bucket every sibling at or past its position moves up one,
// within a bucket only the window between the old and new position slides.
// bump gives shifted siblings the version increment the server gives them;
// optimistic edits leave versions alone so later server pushes still apply.
// It returns the shifted siblings' previous state.
func (c *cache) place(it domain.Item, bump bool) []domain.Item {
	cur, ok := c.items[it.ID]
	var before []domain.Item
	if !ok || cur.BucketID != it.BucketID || cur.Position != it.Position {
		from := -1
		if ok && cur.BucketID == it.BucketID {
			from = cur.Position
		}
		for _, sib := range c.bucketItems(it.BucketID) {
			d := slide(sib.Position, it.Position, from)
			if sib.ID == it.ID || d == 0 {
				continue
			}
			before = append(before, sib)
			sib.Position += d
			if bump {
				sib.Version++
				sib.UpdatedAt = it.UpdatedAt
			}
			c.items[sib.ID] = sib
		}
	}
	c.items[it.ID] = it
	return before
}

// stale reports whether the cache already holds it or a newer version.
func (c *cache) stale(it domain.Item) bool {
	cur, ok := c.items[it.ID]
	return ok && cur.Version >= it.Version
}

func (c *cache) placeBucket(bk domain.Bucket) {
	cur, ok := c.buckets[bk.ID]
	if !ok || cur.Position != bk.Position {
		from := -1
		if ok {
			from = cur.Position
		}
		for _, sib := range c.sortedBuckets() {
			d := slide(sib.Position, bk.Position, from)
			if sib.ID == bk.ID || d == 0 {
				continue
			}
			sib.Position += d
			c.buckets[sib.ID] = sib
		}
	}
	c.buckets[bk.ID] = bk
}

func (c *cache) state() domain.BoardState {
	state := domain.BoardState{Board: c.board, Buckets: c.sortedBuckets()}
	for _, bk := range state.Buckets {
		state.Items = append(state.Items, c.bucketItems(bk.ID)...)
	}
	return state
}

func sortItems(items []domain.Item) {
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Position != b.Position {
			return a.Position < b.Position
		}
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.Before(b.UpdatedAt)
		}
		return a.ID < b.ID
	})
}

// slide reports how far a sibling at pos moves when an entry lands at
// index, leaving from in the same parent (-1 when it arrives from
// elsewhere).
func slide(pos, index, from int) int {
	switch {
	case from < 0:
		if pos >= index {
			return 1
		}
	case index > from:
		if pos > from && pos <= index {
			return -1
		}
	case index < from:
		if pos >= index && pos < from {
			return 1
		}
	}
	return 0
}

func sortBuckets(buckets []domain.Bucket) {
	sort.Slice(buckets, func(i, j int) bool {
		a, b := buckets[i], buckets[j]
		if a.Position != b.Position {
			return a.Position < b.Position
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
