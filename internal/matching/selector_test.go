package matching

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/matchmaker/internal/queue"
)

var t0 = time.UnixMilli(1_700_000_000_000)

func entryAt(uid string, offset time.Duration, interests ...string) queue.Entry {
	return queue.Entry{
		UID:        uid,
		Timestamp:  t0.Add(offset).UnixMilli(),
		Preference: queue.PreferenceAny,
		Interests:  interests,
	}
}

func TestFilterCompatible_ExcludesSelf(t *testing.T) {
	r := entryAt("a", 0)
	got := FilterCompatible(r, []queue.Entry{r, entryAt("b", time.Second)})
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].UID)
}

func TestFilterCompatible_BlockingIsSymmetric(t *testing.T) {
	r := entryAt("a", 0)
	r.BlockedUsers = []string{"b"}
	c := entryAt("c", time.Second)
	c.BlockedUsers = []string{"a"}

	got := FilterCompatible(r, []queue.Entry{entryAt("b", time.Second), c, entryAt("d", 2*time.Second)})
	require.Len(t, got, 1)
	assert.Equal(t, "d", got[0].UID)

	// b's view of a must agree.
	assert.Empty(t, FilterCompatible(entryAt("b", time.Second), []queue.Entry{r}))
}

func TestFilterCompatible_UnpaidPreferenceIsAdvisory(t *testing.T) {
	r := entryAt("a", 0)
	r.Preference = "female"
	r.Gender = "male"
	c := entryAt("b", time.Second)
	c.Gender = "male"

	assert.Len(t, FilterCompatible(r, []queue.Entry{c}), 1)
}

func TestFilterCompatible_PaidPreferenceGatesBothWays(t *testing.T) {
	r := entryAt("a", 0)
	r.Gender = "male"
	r.Preference = "female"
	r.UsedCoin = true

	male := entryAt("m", time.Second)
	male.Gender = "male"
	female := entryAt("f", time.Second)
	female.Gender = "female"

	got := FilterCompatible(r, []queue.Entry{male, female})
	require.Len(t, got, 1)
	assert.Equal(t, "f", got[0].UID)

	// A paying candidate who wants males excludes a female requester.
	wantsMale := entryAt("w", time.Second)
	wantsMale.Gender = "female"
	wantsMale.Preference = "male"
	wantsMale.UsedCoin = true
	requester := entryAt("q", 0)
	requester.Gender = "female"
	assert.Empty(t, FilterCompatible(requester, []queue.Entry{wantsMale}))
}

func TestSelectBest_Empty(t *testing.T) {
	_, ok := SelectBest(nil, entryAt("a", 0), t0)
	assert.False(t, ok)
}

func TestSelectBest_MostSharedInterestsWins(t *testing.T) {
	r := entryAt("a", 0, "music", "games", "film")
	r.SearchTimeout = 10
	one := entryAt("b", -time.Minute, "music")
	three := entryAt("c", time.Second, "film", "games", "music")

	sel, ok := SelectBest([]queue.Entry{one, three}, r, t0.Add(2*time.Second))
	require.True(t, ok)
	assert.Equal(t, "c", sel.Partner.UID)
	assert.Equal(t, TierInterest, sel.Tier)
	assert.Equal(t, []string{"film", "games", "music"}, sel.SharedInterests)
}

func TestSelectBest_FallsBackToFIFOWhenWindowExpired(t *testing.T) {
	r := entryAt("a", 0, "music")
	r.SearchTimeout = 5
	older := entryAt("b", -time.Minute)
	sharing := entryAt("c", time.Second, "music")

	sel, ok := SelectBest([]queue.Entry{sharing, older}, r, t0.Add(6*time.Second))
	require.True(t, ok)
	assert.Equal(t, "b", sel.Partner.UID)
	assert.Equal(t, TierFIFO, sel.Tier)
}

func TestSelectBest_NoSharedInterestUsesFIFO(t *testing.T) {
	r := entryAt("a", 0, "music")
	r.SearchTimeout = 30

	sel, ok := SelectBest([]queue.Entry{entryAt("c", 2*time.Second, "chess"), entryAt("b", time.Second)}, r, t0)
	require.True(t, ok)
	assert.Equal(t, "b", sel.Partner.UID)
	assert.Equal(t, TierFIFO, sel.Tier)
}

func TestSelectBest_Deterministic(t *testing.T) {
	r := entryAt("a", 0, "music")
	r.SearchTimeout = 30
	x := entryAt("x", time.Second, "music")
	y := entryAt("y", time.Second, "music")

	first, _ := SelectBest([]queue.Entry{x, y}, r, t0)
	second, _ := SelectBest([]queue.Entry{y, x}, r, t0)
	assert.Equal(t, "x", first.Partner.UID)
	assert.Equal(t, first.Partner.UID, second.Partner.UID)
}

// A waits with no interests, B waits with music, C arrives with music and a
// 10s window: C pairs with B even though A has waited longest.
func TestSelectBest_InterestBeatsWaitTime(t *testing.T) {
	a := entryAt("A", 0)
	b := entryAt("B", 2*time.Second, "music")
	c := entryAt("C", 4*time.Second, "music")
	c.SearchTimeout = 10

	sel, ok := SelectBest(FilterCompatible(c, []queue.Entry{a, b, c}), c, t0.Add(4*time.Second))
	require.True(t, ok)
	assert.Equal(t, "B", sel.Partner.UID)
	assert.Equal(t, []string{"music"}, sel.SharedInterests)
}

func TestSharedInterests(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, SharedInterests([]string{"b", "a", "c"}, []string{"a", "b", "b", "d"}))
	assert.Nil(t, SharedInterests(nil, []string{"a"}))
	assert.Empty(t, SharedInterests([]string{"a"}, []string{"b"}))
}
