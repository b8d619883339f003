package match

import (
	"sync"
	"testing"
	"time"

	"ranchat/internal/feed"
	"ranchat/internal/models"
	"ranchat/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSeqStore() *store.Memory {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	i := 0
	var mu sync.Mutex
	return store.NewMemoryWithClock(feed.NewBus(), func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		i++
		return base.Add(time.Duration(i) * time.Millisecond)
	})
}

func enqueue(t *testing.T, s store.Store, uid, gender, pref string) {
	t.Helper()
	require.NoError(t, s.CreateUser(&models.User{
		ID: uid, Username: "user-" + uid, Gender: gender,
		MatchPreference: pref, Status: models.StatusSearching,
	}))
	require.NoError(t, s.Enqueue(&models.QueueEntry{UserID: uid, Gender: gender, MatchPreference: pref}))
}

func TestFindPartner_MutualMatch(t *testing.T) {
	s := newSeqStore()
	mm := New(s, 20, true)

	enqueue(t, s, "a", models.GenderMale, models.PrefBoth)
	enqueue(t, s, "b", models.GenderFemale, models.PrefBoth)

	m, err := mm.FindPartner("a")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "b", m.PartnerID)
	assert.True(t, m.Caller)

	sess, err := s.GetSession(m.SessionID)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, "a", sess.CallerID)
	assert.Equal(t, "b", sess.CalleeID)
}

func TestFindPartner_EmptyQueue(t *testing.T) {
	s := newSeqStore()
	mm := New(s, 20, true)
	enqueue(t, s, "a", models.GenderMale, models.PrefBoth)

	m, err := mm.FindPartner("a")
	require.NoError(t, err)
	assert.Nil(t, m)

	// a 仍留在队列中
	entries, err := s.OldestQueueEntries(10, "")
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestFindPartner_IncompatiblePairStaysQueued(t *testing.T) {
	s := newSeqStore()
	mm := New(s, 20, false)

	// A 只要男性；B 是女性且只要女性：双向都不兼容
	enqueue(t, s, "a", models.GenderMale, models.PrefMale)
	enqueue(t, s, "b", models.GenderFemale, models.PrefFemale)

	ma, err := mm.FindPartner("a")
	require.NoError(t, err)
	assert.Nil(t, ma)
	mb, err := mm.FindPartner("b")
	require.NoError(t, err)
	assert.Nil(t, mb)

	entries, err := s.OldestQueueEntries(10, "")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestFindPartner_FallbackMatchesIncompatible(t *testing.T) {
	s := newSeqStore()
	mm := New(s, 20, true)

	enqueue(t, s, "a", models.GenderMale, models.PrefMale)
	enqueue(t, s, "b", models.GenderFemale, models.PrefFemale)

	m, err := mm.FindPartner("a")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "b", m.PartnerID)
}

func TestFindPartner_PreferredBeforeFallback(t *testing.T) {
	s := newSeqStore()
	mm := New(s, 20, true)

	// c 先入队但不兼容；b 后入队且兼容：preferred 优先于 fallback
	enqueue(t, s, "c", models.GenderFemale, models.PrefFemale)
	enqueue(t, s, "b", models.GenderFemale, models.PrefBoth)
	enqueue(t, s, "a", models.GenderMale, models.PrefFemale)

	m, err := mm.FindPartner("a")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "b", m.PartnerID)
}

func TestFindPartner_OldestFirstWithinPreferred(t *testing.T) {
	s := newSeqStore()
	mm := New(s, 20, true)

	enqueue(t, s, "b", models.GenderFemale, models.PrefBoth)
	enqueue(t, s, "c", models.GenderFemale, models.PrefBoth)
	enqueue(t, s, "a", models.GenderMale, models.PrefBoth)

	m, err := mm.FindPartner("a")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "b", m.PartnerID)
}

func TestFindPartner_OfflineCallerIsNoop(t *testing.T) {
	s := newSeqStore()
	mm := New(s, 20, true)
	enqueue(t, s, "b", models.GenderFemale, models.PrefBoth)

	m, err := mm.FindPartner("ghost")
	require.NoError(t, err)
	assert.Nil(t, m)
}

// 并发调用 FindPartner：任何用户都不会同时出现在两个活跃会话中，
// 且每个用户至多被配对一次。
func TestFindPartner_AtMostOnePartnerUnderConcurrency(t *testing.T) {
	s := newSeqStore()
	mm := New(s, 20, true)

	const n = 10
	uids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		uid := string(rune('a' + i))
		gender := models.GenderMale
		if i%2 == 1 {
			gender = models.GenderFemale
		}
		enqueue(t, s, uid, gender, models.PrefBoth)
		uids = append(uids, uid)
	}

	var wg sync.WaitGroup
	results := make([]*Match, n)
	for i, uid := range uids {
		wg.Add(1)
		go func(i int, uid string) {
			defer wg.Done()
			m, err := mm.FindPartner(uid)
			require.NoError(t, err)
			results[i] = m
		}(i, uid)
	}
	wg.Wait()

	// 收集全部不同的活跃会话，参与者集合必须两两不相交
	sessions := make(map[string]*models.ChatSession)
	for _, uid := range uids {
		sess, err := s.ActiveSessionFor(uid)
		require.NoError(t, err)
		if sess != nil {
			sessions[sess.ID] = sess
		}
	}
	seen := make(map[string]bool)
	for _, sess := range sessions {
		for _, uid := range sess.Participants() {
			assert.False(t, seen[uid], "user %s appears in more than one session", uid)
			seen[uid] = true
		}
	}

	// 配对过的用户不再出现在队列中
	entries, err := s.OldestQueueEntries(n, "")
	require.NoError(t, err)
	for _, e := range entries {
		sess, err := s.ActiveSessionFor(e.UserID)
		require.NoError(t, err)
		assert.Nil(t, sess, "queued user %s also has an active session", e.UserID)
	}
}
