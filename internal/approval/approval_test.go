package approval

import (
	"testing"
	"time"

	"github.com/danmuck/acnode/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	approved []string
	denied   []string
	reasons  []Reason
}

func newRecorded(cfg Config) (*Workflow, *recorder) {
	w := New(cfg)
	rec := &recorder{}
	w.OnApproval(func(tag string) { rec.approved = append(rec.approved, tag) })
	w.OnDenied(func(tag string, reason Reason) {
		rec.denied = append(rec.denied, tag)
		rec.reasons = append(rec.reasons, reason)
	})
	return w, rec
}

func TestRequestDefaultsAndIndexes(t *testing.T) {
	testlog.Start(t)
	now := time.Unix(1000, 0)
	w, _ := newRecorded(Config{Timeout: 10 * time.Second, Target: "lathe"})

	item, err := w.Request(now, "tag-1", "", "", "")
	require.NoError(t, err)
	require.Equal(t, "tag-1", item.Token)
	require.Equal(t, DefaultOperation, item.Operation)
	require.Equal(t, "lathe", item.Target)
	require.Equal(t, now.Add(10*time.Second), item.Deadline)
	require.Equal(t, StatePending, item.State)
	require.False(t, item.Published)
	require.NotEmpty(t, item.RequestID)

	byID, ok := w.Get(item.RequestID)
	require.True(t, ok)
	require.Equal(t, "tag-1", byID.Tag)
}

func TestSecondRequestForPendingTagIsRefused(t *testing.T) {
	testlog.Start(t)
	now := time.Unix(1000, 0)
	w, rec := newRecorded(DefaultConfig())

	_, err := w.Request(now, "tag-1", "tok-1", "energize", "lathe")
	require.NoError(t, err)
	_, err = w.Request(now.Add(time.Second), "tag-1", "tok-2", "energize", "lathe")
	require.ErrorIs(t, err, ErrAlreadyPending)
	_, err = w.Request(now.Add(time.Second), "tag-2", "tok-1", "energize", "lathe")
	require.ErrorIs(t, err, ErrAlreadyPending)
	require.Equal(t, 1, w.Len())
	require.Empty(t, rec.approved)
	require.Empty(t, rec.denied)

	_, err = w.Request(now, "  ", "", "", "")
	require.ErrorIs(t, err, ErrInvalidTag)
}

func TestResolveFiresExactlyOneCallback(t *testing.T) {
	testlog.Start(t)
	now := time.Unix(1000, 0)
	w, rec := newRecorded(DefaultConfig())

	_, err := w.Request(now, "tag-a", "tok-a", "", "")
	require.NoError(t, err)
	b, err := w.Request(now, "tag-b", "tok-b", "", "")
	require.NoError(t, err)

	item, err := w.Resolve("tok-a", true)
	require.NoError(t, err)
	require.Equal(t, StateApproved, item.State)
	item, err = w.Resolve(b.RequestID, false)
	require.NoError(t, err)
	require.Equal(t, StateDenied, item.State)

	require.Equal(t, []string{"tag-a"}, rec.approved)
	require.Equal(t, []string{"tag-b"}, rec.denied)
	require.Equal(t, []Reason{ReasonDenied}, rec.reasons)
	require.Zero(t, w.Len())

	_, err = w.Resolve("tok-a", true)
	require.ErrorIs(t, err, ErrUnknown)
	require.Len(t, rec.approved, 1)

	_, err = w.Request(now, "tag-a", "tok-a", "", "")
	require.NoError(t, err, "resolved tag can be requested again")
}

func TestUnresolvedRequestExpiresOnce(t *testing.T) {
	testlog.Start(t)
	now := time.Unix(1000, 0)
	w, rec := newRecorded(Config{Timeout: 30 * time.Second})

	_, err := w.Request(now, "tag-1", "", "", "")
	require.NoError(t, err)

	require.Empty(t, w.Expire(now.Add(29*time.Second)))
	require.Empty(t, rec.denied)

	expired := w.Expire(now.Add(30 * time.Second))
	require.Len(t, expired, 1)
	require.Equal(t, StateExpired, expired[0].State)
	require.Equal(t, []string{"tag-1"}, rec.denied)
	require.Equal(t, []Reason{ReasonExpired}, rec.reasons)

	require.Empty(t, w.Expire(now.Add(time.Hour)))
	require.Len(t, rec.denied, 1)

	_, err = w.Resolve("tag-1", true)
	require.ErrorIs(t, err, ErrUnknown)
	require.Empty(t, rec.approved)
}

func TestExpireOrdersByCreation(t *testing.T) {
	testlog.Start(t)
	now := time.Unix(1000, 0)
	w, rec := newRecorded(Config{Timeout: time.Second, Rate: -1})

	_, err := w.Request(now.Add(2*time.Millisecond), "late", "", "", "")
	require.NoError(t, err)
	_, err = w.Request(now, "early", "", "", "")
	require.NoError(t, err)

	w.Expire(now.Add(time.Minute))
	require.Equal(t, []string{"early", "late"}, rec.denied)
}

func TestRequestRateLimit(t *testing.T) {
	testlog.Start(t)
	now := time.Unix(1000, 0)
	w, _ := newRecorded(Config{Timeout: time.Minute, Rate: 1, Burst: 2})

	_, err := w.Request(now, "a", "", "", "")
	require.NoError(t, err)
	_, err = w.Request(now, "b", "", "", "")
	require.NoError(t, err)
	_, err = w.Request(now, "c", "", "", "")
	require.ErrorIs(t, err, ErrRateLimited)
	require.Equal(t, 2, w.Len())

	_, err = w.Request(now.Add(time.Second), "c", "", "", "")
	require.NoError(t, err)
}

func TestPublishTracking(t *testing.T) {
	testlog.Start(t)
	now := time.Unix(1000, 0)
	w, _ := newRecorded(DefaultConfig())

	_, err := w.Request(now, "a", "", "", "")
	require.NoError(t, err)
	_, err = w.Request(now.Add(time.Millisecond), "b", "", "", "")
	require.NoError(t, err)

	require.True(t, w.MarkPublished("a"))
	require.False(t, w.MarkPublished("missing"))
	pending := w.Unpublished()
	require.Len(t, pending, 1)
	require.Equal(t, "b", pending[0].Tag)
}

func TestDenyWithoutEntry(t *testing.T) {
	testlog.Start(t)
	w, rec := newRecorded(DefaultConfig())
	w.Deny("sig2 AAAA", ReasonRejected)
	require.Equal(t, []string{"sig2 AAAA"}, rec.denied)
	require.Equal(t, []Reason{ReasonRejected}, rec.reasons)
}
