package coordinator

import (
	"cmp"
	"slices"
)

func sortSnapshots(s []Snapshot) {
	slices.SortFunc(s, func(a, b Snapshot) int {
		if c := a.RegisteredAt.Compare(b.RegisteredAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Request.ID, b.Request.ID)
	})
}

func sortPending(p []*PendingRequest) {
	slices.SortFunc(p, func(a, b *PendingRequest) int {
		if c := a.RegisteredAt.Compare(b.RegisteredAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Request.ID, b.Request.ID)
	})
}
