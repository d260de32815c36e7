package matching

import (
	"slices"

	"github.com/whisper/matchmaker/internal/queue"
)

// FilterCompatible returns the entries of pool that may be paired with r.
// r itself is never returned. The output keeps pool order, but callers must
// not rely on it.
func FilterCompatible(r queue.Entry, pool []queue.Entry) []queue.Entry {
	eligible := make([]queue.Entry, 0, len(pool))
	for _, c := range pool {
		if c.UID == r.UID {
			continue
		}
		if blocks(r, c.UID) || blocks(c, r.UID) {
			continue
		}
		if !acceptsGender(r, c.Gender) || !acceptsGender(c, r.Gender) {
			continue
		}
		eligible = append(eligible, c)
	}
	return eligible
}

func blocks(e queue.Entry, uid string) bool {
	return slices.Contains(e.BlockedUsers, uid)
}

// acceptsGender applies e's preference only when e paid for it. An unpaid
// preference is advisory and never excludes anyone.
func acceptsGender(e queue.Entry, gender string) bool {
	if !e.UsedCoin || isWildcard(e.Preference) {
		return true
	}
	return e.Preference == gender
}

func isWildcard(preference string) bool {
	return preference == "" || preference == queue.PreferenceAny
}
