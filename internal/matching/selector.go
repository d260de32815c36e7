package matching

import (
	"cmp"
	"slices"
	"time"

	"github.com/whisper/matchmaker/internal/queue"
)

// Tier identifies which ranking policy produced a selection.
type Tier string

const (
	// TierInterest ranks by shared interest count while the requester's
	// interest window is open.
	TierInterest Tier = "interest"
	// TierFIFO picks the longest-waiting candidate.
	TierFIFO Tier = "fifo"
)

// Selection is the partner chosen for a requester.
type Selection struct {
	Partner         queue.Entry
	Tier            Tier
	SharedInterests []string
}

// SelectBest picks exactly one partner for r from the eligible candidates, or
// reports false when there is none. Ties are broken by enqueue time and then
// uid, so identical inputs always yield the same partner.
func SelectBest(candidates []queue.Entry, r queue.Entry, now time.Time) (Selection, bool) {
	if len(candidates) == 0 {
		return Selection{}, false
	}

	if interestWindowOpen(r, now) {
		if sel, ok := selectByInterest(candidates, r); ok {
			return sel, true
		}
	}

	earliest := slices.MinFunc(candidates, byEnqueueTime)
	return Selection{
		Partner:         earliest,
		Tier:            TierFIFO,
		SharedInterests: SharedInterests(r.Interests, earliest.Interests),
	}, true
}

func interestWindowOpen(r queue.Entry, now time.Time) bool {
	if len(r.Interests) == 0 {
		return false
	}
	return now.UnixMilli()-r.Timestamp < int64(r.SearchTimeout)*1000
}

func selectByInterest(candidates []queue.Entry, r queue.Entry) (Selection, bool) {
	type scored struct {
		entry  queue.Entry
		shared []string
	}

	ranked := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		shared := SharedInterests(r.Interests, c.Interests)
		if len(shared) > 0 {
			ranked = append(ranked, scored{entry: c, shared: shared})
		}
	}
	if len(ranked) == 0 {
		return Selection{}, false
	}

	best := slices.MinFunc(ranked, func(a, b scored) int {
		if n := cmp.Compare(len(b.shared), len(a.shared)); n != 0 {
			return n
		}
		return byEnqueueTime(a.entry, b.entry)
	})
	return Selection{Partner: best.entry, Tier: TierInterest, SharedInterests: best.shared}, true
}

func byEnqueueTime(a, b queue.Entry) int {
	if n := cmp.Compare(a.Timestamp, b.Timestamp); n != 0 {
		return n
	}
	return cmp.Compare(a.UID, b.UID)
}

// SharedInterests returns the sorted, de-duplicated intersection of a and b.
func SharedInterests(a, b []string) []string {
	if len(a) == 0 || len(b) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(a))
	for _, tag := range a {
		set[tag] = struct{}{}
	}

	var shared []string
	for _, tag := range b {
		if _, ok := set[tag]; ok {
			shared = append(shared, tag)
			delete(set, tag)
		}
	}
	slices.Sort(shared)
	return shared
}
