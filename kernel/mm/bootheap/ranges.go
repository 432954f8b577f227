package bootheap

import "sort"

// PFNRange is a half-open [Start, End) page-frame range.
type PFNRange struct {
	Start, End uintptr
}

// IterUsableRanges subtracts the sorted reserved set from the sorted
// usable set and invokes cb on each maximal disjoint sub-range of
// usable \ reserved, in ascending order, with Start < End. It is an
// inside-out iteration in the sense described by §9 of the design: rather
// than materializing the subtracted set, it walks the sorted usable ranges
// in order and, for each one, scans the sorted reserved ranges, handing each
// uncovered piece to cb as soon as it is known.
//
// usable and reserved are both copied and sorted by Start before the
// sweep; neither the caller's slices nor their order is required to be
// pre-sorted.
func IterUsableRanges(usable, reserved []PFNRange, cb func(PFNRange)) {
	u := append([]PFNRange(nil), usable...)
	r := append([]PFNRange(nil), reserved...)

	sort.Slice(u, func(i, j int) bool { return u[i].Start < u[j].Start })
	sort.Slice(r, func(i, j int) bool { return r[i].Start < r[j].Start })

	for _, ur := range u {
		cur := ur
		for _, rr := range r {
			if rr.End <= cur.Start || rr.Start >= cur.End {
				continue
			}

			if rr.Start > cur.Start {
				cb(PFNRange{Start: cur.Start, End: rr.Start})
			}

			if rr.End > cur.Start {
				cur.Start = rr.End
			}

			if cur.Start >= cur.End {
				break
			}
		}

		if cur.Start < cur.End {
			cb(cur)
		}
	}
}
