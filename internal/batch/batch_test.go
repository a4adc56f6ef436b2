package batch

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postpilot/internal/content"
	"postpilot/internal/dispatch"
	"postpilot/internal/publisher"
	"postpilot/internal/rules"
	"postpilot/internal/storage"
	logx "postpilot/pkg/logx"
)

var T = time.Date(2026, 5, 6, 9, 0, 0, 0, time.UTC)

func clock() time.Time { return T.Add(-time.Hour) }

type fixture struct {
	store storage.Store
	coord *Coordinator
	calls []string
}

func newFixture(t *testing.T, rs []rules.Rule, fail map[string]error) *fixture {
	t.Helper()
	f := &fixture{store: storage.NewMemory()}
	t.Cleanup(func() { _ = f.store.Close() })
	ctx := context.Background()
	for _, r := range rs {
		r.UserID = "u1"
		r.Enabled = true
		require.NoError(t, f.store.PutRule(ctx, r))
	}
	eval := rules.New(f.store, f.store, logx.Nop(), rules.Options{Defaults: []rules.Rule{}, Now: clock})
	pub := publisher.Func(func(_ context.Context, req publisher.Request) (publisher.Result, error) {
		f.calls = append(f.calls, req.ItemID)
		if err := fail[req.ItemID]; err != nil {
			return publisher.Result{}, err
		}
		return publisher.Result{ExternalID: "x-" + req.ItemID}, nil
	})
	d := dispatch.New(f.store, eval, pub, nil, logx.Nop(), dispatch.Config{Now: clock})
	f.coord = New(f.store, eval, d, nil, logx.Nop())
	return f
}

func (f *fixture) approved(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, err := f.store.Create(context.Background(), content.Item{ID: id, UserID: "u1", Text: "post " + id, Status: content.StatusApproved})
		require.NoError(t, err)
	}
}

func TestScheduleStaggered(t *testing.T) {
	t.Parallel()

	f := newFixture(t, []rules.Rule{
		{ID: "freq", Type: rules.TypeFrequencyLimit, Conditions: map[string]any{"max_posts": 10}},
		{ID: "gap", Type: rules.TypeContentSpacing, Conditions: map[string]any{"min_minutes": 15}},
	}, nil)
	f.approved(t, "a", "b", "c")

	res, err := f.coord.Schedule(context.Background(), "u1", []string{"a", "b", "c"}, T, 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Succeeded)
	for i, ir := range res.Items {
		require.True(t, ir.Success, "%s: %s", ir.ItemID, ir.Error)
		want := T.Add(time.Duration(i) * 15 * time.Minute)
		assert.True(t, ir.ScheduledTime.Equal(want), "%s at %v want %v", ir.ItemID, ir.ScheduledTime, want)

		it, err := f.store.GetByID(context.Background(), ir.ItemID)
		require.NoError(t, err)
		assert.Equal(t, content.StatusScheduled, it.Status)
		assert.True(t, it.ScheduledTime.Equal(want))
	}
}

func TestScheduleAdjustsOnceThenFails(t *testing.T) {
	t.Parallel()

	f := newFixture(t, []rules.Rule{
		{ID: "freq", Type: rules.TypeFrequencyLimit, Conditions: map[string]any{"max_posts": 1}},
	}, nil)
	posted := T.Add(-23 * time.Hour)
	_, err := f.store.Create(context.Background(), content.Item{ID: "old", UserID: "u1", Status: content.StatusPosted, PostedAt: &posted, PostedExternalID: "p"})
	require.NoError(t, err)
	f.approved(t, "a", "b")

	res, err := f.coord.Schedule(context.Background(), "u1", []string{"a", "b"}, T, 15*time.Minute)
	require.NoError(t, err)
	require.Len(t, res.Items, 2)

	a := res.Items[0]
	require.True(t, a.Success, a.Error)
	assert.True(t, a.ScheduledTime.Equal(T.Add(time.Hour)), "a moved to next slot, got %v", a.ScheduledTime)

	b := res.Items[1]
	assert.False(t, b.Success)
	assert.NotEmpty(t, b.Violations)
	it, err := f.store.GetByID(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, content.StatusApproved, it.Status)
}

func TestScheduleReportsPerItemErrors(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, nil)
	f.approved(t, "a")
	_, err := f.store.Create(context.Background(), content.Item{ID: "other", UserID: "u2", Status: content.StatusApproved})
	require.NoError(t, err)
	_, err = f.store.Create(context.Background(), content.Item{ID: "pending", UserID: "u1", Status: content.StatusPendingReview})
	require.NoError(t, err)

	res, err := f.coord.Schedule(context.Background(), "u1", []string{"missing", "other", "pending", "a"}, T, 0)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Total)
	assert.Equal(t, 1, res.Succeeded)
	assert.Contains(t, res.Items[0].Error, "not found")
	assert.Contains(t, res.Items[1].Error, "not found")
	assert.Contains(t, res.Items[2].Error, "invalid status transition")
	assert.True(t, res.Items[3].Success)
}

func TestBatchBounds(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, nil)
	_, err := f.coord.Schedule(context.Background(), "u1", nil, T, 0)
	assert.ErrorIs(t, err, ErrEmpty)

	ids := make([]string, MaxItems+1)
	for i := range ids {
		ids[i] = fmt.Sprintf("c%d", i)
	}
	_, err = f.coord.Publish(context.Background(), "u1", ids, dispatch.PublishOptions{})
	assert.ErrorIs(t, err, ErrTooMany)

	_, err = f.coord.Schedule(context.Background(), "u1", []string{"a"}, T, -time.Minute)
	assert.Error(t, err)
}

func TestPublishSequentialInInputOrder(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, map[string]error{
		"b": publisher.NewPermanent("bad_request", "rejected", nil),
	})
	f.approved(t, "c", "b", "a")

	res, err := f.coord.Publish(context.Background(), "u1", []string{"c", "b", "a"}, dispatch.PublishOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b", "a"}, f.calls)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 1, res.Failed)

	assert.Equal(t, content.StatusPosted, res.Items[0].Status)
	assert.Equal(t, "x-c", res.Items[0].ExternalID)
	assert.False(t, res.Items[1].Success)
	assert.Equal(t, content.StatusError, res.Items[1].Status)
	assert.True(t, res.Items[2].Success)
}

func TestPublishRespectsRulesUnlessForced(t *testing.T) {
	t.Parallel()

	f := newFixture(t, []rules.Rule{
		{ID: "gap", Type: rules.TypeContentSpacing, Conditions: map[string]any{"min_minutes": 60}},
	}, nil)
	recent := clock().Add(-10 * time.Minute)
	_, err := f.store.Create(context.Background(), content.Item{ID: "old", UserID: "u1", Status: content.StatusPosted, PostedAt: &recent, PostedExternalID: "p"})
	require.NoError(t, err)
	f.approved(t, "a")

	res, err := f.coord.Publish(context.Background(), "u1", []string{"a"}, dispatch.PublishOptions{})
	require.NoError(t, err)
	assert.False(t, res.Items[0].Success)
	assert.NotEmpty(t, res.Items[0].Violations)
	require.NotNil(t, res.Items[0].NextAvailableSlot)
	assert.True(t, res.Items[0].NextAvailableSlot.Equal(recent.Add(time.Hour)))
	assert.Empty(t, f.calls)

	res, err = f.coord.Publish(context.Background(), "u1", []string{"a"}, dispatch.PublishOptions{Force: true, Text: "override"})
	require.NoError(t, err)
	assert.True(t, res.Items[0].Success)
	assert.Equal(t, []string{"a"}, f.calls)
}
