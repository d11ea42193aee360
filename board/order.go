package board

import (
	"sort"
	"time"

	"prism-board/domain"
)

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

// slide reports how far a sibling at pos moves when another entry lands at
// index. from is the position that entry leaves in the same parent, or -1
// when it arrives from elsewhere. Within a parent only the window between
// from and index moves, one step toward from; an arrival moves everything
// at or past index up by one.
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

// shiftItems returns the siblings, except skipID, that move when skipID
// lands at index, with their new positions. items must be sorted.
func shiftItems(items []domain.Item, index, from int, skipID string, now time.Time) []domain.Item {
	var out []domain.Item
	for _, it := range items {
		d := slide(it.Position, index, from)
		if it.ID == skipID || d == 0 {
			continue
		}
		it.Position += d
		it.Version++
		it.UpdatedAt = now
		out = append(out, it)
	}
	return out
}

func shiftBuckets(buckets []domain.Bucket, index, from int, skipID string) []domain.Bucket {
	var out []domain.Bucket
	for _, bk := range buckets {
		d := slide(bk.Position, index, from)
		if bk.ID == skipID || d == 0 {
			continue
		}
		bk.Position += d
		out = append(out, bk)
	}
	return out
}

// nextItemPosition is one past the highest position in a sorted bucket.
func nextItemPosition(items []domain.Item) int {
	if len(items) == 0 {
		return 0
	}
	return items[len(items)-1].Position + 1
}

func nextBucketPosition(buckets []domain.Bucket) int {
	if len(buckets) == 0 {
		return 0
	}
	return buckets[len(buckets)-1].Position + 1
}

// repairItems makes positions strictly increasing in the sorted order,
// pushing each duplicate or out-of-range position past its predecessor. It
// returns the items whose position changed.
func repairItems(items []domain.Item) []domain.Item {
	sortItems(items)
	var fixed []domain.Item
	for i := range items {
		if items[i].Position < 0 {
			items[i].Position = 0
			if i == 0 {
				fixed = append(fixed, items[i])
			}
		}
		if i > 0 && items[i].Position <= items[i-1].Position {
			items[i].Position = items[i-1].Position + 1
			fixed = append(fixed, items[i])
		}
	}
	return fixed
}

func repairBuckets(buckets []domain.Bucket) []domain.Bucket {
	sortBuckets(buckets)
	var fixed []domain.Bucket
	for i := range buckets {
		if buckets[i].Position < 0 {
			buckets[i].Position = 0
			if i == 0 {
				fixed = append(fixed, buckets[i])
			}
		}
		if i > 0 && buckets[i].Position <= buckets[i-1].Position {
			buckets[i].Position = buckets[i-1].Position + 1
			fixed = append(fixed, buckets[i])
		}
	}
	return fixed
}
