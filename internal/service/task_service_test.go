package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/local-heroes/internal/model"
)

type taskFixture struct {
	users  *memUsers
	tasks  *memTasks
	events *recordingPublisher
	geo    *stubGeocoder
	svc    *TaskService
}

func newTaskFixture(t *testing.T, payments bool) *taskFixture {
	t.Helper()
	users := newMemUsers()
	tasks := newMemTasks(users)
	events := &recordingPublisher{}
	geo := &stubGeocoder{}
	return &taskFixture{
		users:  users,
		tasks:  tasks,
		events: events,
		geo:    geo,
		svc:    NewTaskService(tasks, users, events, geo, payments, nullLogger()),
	}
}

func (f *taskFixture) post(t *testing.T, poster uint64, price int64) *model.Task {
	t.Helper()
	task, err := f.svc.Create(context.Background(), poster, CreateTaskInput{
		Title:       "Fix the fence",
		Description: "Two broken panels",
		Price:       decimal.NewFromInt(price),
		Address:     "Alexanderplatz 1, Berlin",
	})
	require.NoError(t, err)
	return task
}

// inProgress posts a task and walks it to IN_PROGRESS with worker accepted.
func (f *taskFixture) inProgress(t *testing.T, poster, worker uint64, price int64) *model.Task {
	t.Helper()
	ctx := context.Background()
	task := f.post(t, poster, price)
	_, err := f.svc.Apply(ctx, worker, task.ID)
	require.NoError(t, err)
	task, err = f.svc.AcceptApplicant(ctx, poster, task.ID, worker)
	require.NoError(t, err)
	require.Equal(t, model.TaskInProgress, task.Status)
	return task
}

func TestCreateStartsOpenAndGeocodes(t *testing.T) {
	f := newTaskFixture(t, true)
	a := f.users.add("alice", 100)

	task := f.post(t, a, 40)
	assert.Equal(t, model.TaskOpen, task.Status)
	assert.Equal(t, a, task.PosterID)
	assert.False(t, task.HasWorker())
	require.NotNil(t, task.Location.Latitude)
	assert.InDelta(t, 52.52, *task.Location.Latitude, 1e-9)
	assert.Equal(t, "alice", task.Poster.FirstName)
}

func TestCreateContinuesWhenGeocodingFails(t *testing.T) {
	f := newTaskFixture(t, true)
	f.geo.fail = true
	a := f.users.add("alice", 100)

	task := f.post(t, a, 40)
	assert.Nil(t, task.Location.Latitude)
	assert.Equal(t, "Alexanderplatz 1, Berlin", task.Location.Address)
}

func TestCreateRejectsNegativePrice(t *testing.T) {
	f := newTaskFixture(t, true)
	a := f.users.add("alice", 100)
	_, err := f.svc.Create(context.Background(), a, CreateTaskInput{Title: "x", Price: decimal.NewFromInt(-1)})
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestGetCountsViews(t *testing.T) {
	f := newTaskFixture(t, true)
	a := f.users.add("alice", 100)
	task := f.post(t, a, 10)

	_, err := f.svc.Get(context.Background(), task.ID)
	require.NoError(t, err)
	got, err := f.svc.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.Views)

	_, err = f.svc.Get(context.Background(), 999)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Len(t, f.tasks.rows, 1)
}

func TestUpdateMergesFieldsButNeverPoster(t *testing.T) {
	f := newTaskFixture(t, true)
	a := f.users.add("alice", 100)
	b := f.users.add("bob", 0)
	task := f.post(t, a, 40)

	title := "Paint the fence"
	price := decimal.NewFromInt(55)
	updated, err := f.svc.Update(context.Background(), a, task.ID, model.TaskFields{Title: &title, Price: &price})
	require.NoError(t, err)
	assert.Equal(t, "Paint the fence", updated.Title)
	assert.True(t, updated.Price.Equal(price))
	assert.Equal(t, a, f.tasks.get(task.ID).PosterID)
	assert.Equal(t, model.TaskOpen, f.tasks.get(task.ID).Status)

	_, err = f.svc.Update(context.Background(), b, task.ID, model.TaskFields{Title: &title})
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestUpdateRegeocodesChangedAddress(t *testing.T) {
	f := newTaskFixture(t, true)
	a := f.users.add("alice", 100)
	task := f.post(t, a, 40)
	require.Equal(t, 1, f.geo.calls)

	same := task.Location.Address
	_, err := f.svc.Update(context.Background(), a, task.ID, model.TaskFields{Address: &same})
	require.NoError(t, err)
	assert.Equal(t, 1, f.geo.calls)

	other := "Potsdamer Platz"
	f.geo.fail = true
	updated, err := f.svc.Update(context.Background(), a, task.ID, model.TaskFields{Address: &other})
	require.NoError(t, err)
	assert.Equal(t, 2, f.geo.calls)
	assert.Nil(t, updated.Location.Latitude)
}

func TestSuppliedCoordinatesSkipGeocoding(t *testing.T) {
	f := newTaskFixture(t, true)
	a := f.users.add("alice", 100)
	lat, lng := 48.8584, 2.2945

	task, err := f.svc.Create(context.Background(), a, CreateTaskInput{
		Title: "Hang shelves", Address: "Champ de Mars", Latitude: &lat, Longitude: &lng,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, f.geo.calls)
	require.True(t, task.Location.HasCoordinates())
	assert.Equal(t, lat, *task.Location.Latitude)
	assert.Equal(t, lng, *task.Location.Longitude)

	newLat, newLng := 52.5, 13.4
	updated, err := f.svc.Update(context.Background(), a, task.ID, model.TaskFields{Latitude: &newLat, Longitude: &newLng})
	require.NoError(t, err)
	assert.Equal(t, 0, f.geo.calls)
	assert.Equal(t, "Champ de Mars", updated.Location.Address)
	assert.Equal(t, newLat, *updated.Location.Latitude)
}

func TestCoordinatesMustComeInPairs(t *testing.T) {
	f := newTaskFixture(t, true)
	a := f.users.add("alice", 100)
	lat, far := 10.0, 200.0

	_, err := f.svc.Create(context.Background(), a, CreateTaskInput{Title: "x", Latitude: &lat})
	assert.ErrorIs(t, err, ErrBadRequest)

	_, err = f.svc.Create(context.Background(), a, CreateTaskInput{Title: "x", Latitude: &lat, Longitude: &far})
	assert.ErrorIs(t, err, ErrBadRequest)

	task := f.post(t, a, 10)
	_, err = f.svc.Update(context.Background(), a, task.ID, model.TaskFields{Longitude: &lat})
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestApplyRules(t *testing.T) {
	f := newTaskFixture(t, true)
	ctx := context.Background()
	a := f.users.add("alice", 100)
	b := f.users.add("bob", 0)
	task := f.post(t, a, 40)

	_, err := f.svc.Apply(ctx, a, task.ID)
	assert.ErrorIs(t, err, ErrForbidden, "poster cannot apply")

	got, err := f.svc.Apply(ctx, b, task.ID)
	require.NoError(t, err)
	assert.Equal(t, []uint64{b}, got.ApplicantIDs)
	require.Len(t, got.Applicants, 1)
	assert.Equal(t, "bob", got.Applicants[0].FirstName)

	_, err = f.svc.Apply(ctx, b, task.ID)
	assert.ErrorIs(t, err, ErrForbidden, "second application is rejected")
	assert.Equal(t, []uint64{b}, f.tasks.get(task.ID).ApplicantIDs)

	apps := f.events.byType(model.NotifyJobApplication)
	require.Len(t, apps, 1)
	assert.Equal(t, a, apps[0].RecipientID)
	assert.Equal(t, "bob", apps[0].ActorName)
	assert.NotEmpty(t, apps[0].ID)
}

func TestApplyRejectedWhenNotOpen(t *testing.T) {
	f := newTaskFixture(t, true)
	a := f.users.add("alice", 100)
	b := f.users.add("bob", 0)
	c := f.users.add("carol", 0)
	task := f.inProgress(t, a, b, 40)

	_, err := f.svc.Apply(context.Background(), c, task.ID)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = f.svc.Apply(context.Background(), b, task.ID)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestAcceptApplicantClearsPoolAndRejectsOthersOnce(t *testing.T) {
	f := newTaskFixture(t, true)
	ctx := context.Background()
	a := f.users.add("alice", 100)
	b := f.users.add("bob", 0)
	c := f.users.add("carol", 0)
	d := f.users.add("dave", 0)
	task := f.post(t, a, 40)
	for _, u := range []uint64{b, c, d} {
		_, err := f.svc.Apply(ctx, u, task.ID)
		require.NoError(t, err)
	}

	_, err := f.svc.AcceptApplicant(ctx, b, task.ID, c)
	assert.ErrorIs(t, err, ErrForbidden, "only the poster accepts")

	got, err := f.svc.AcceptApplicant(ctx, a, task.ID, c)
	require.NoError(t, err)
	assert.Equal(t, model.TaskInProgress, got.Status)
	assert.Equal(t, c, got.WorkerID)
	assert.Empty(t, got.ApplicantIDs)
	require.NotNil(t, got.Worker)
	assert.Equal(t, "carol", got.Worker.FirstName)

	accepted := f.events.byType(model.NotifyApplicationAccepted)
	require.Len(t, accepted, 1)
	assert.Equal(t, c, accepted[0].RecipientID)

	rejected := f.events.byType(model.NotifyApplicationRejected)
	require.Len(t, rejected, 2)
	recipients := []uint64{rejected[0].RecipientID, rejected[1].RecipientID}
	assert.ElementsMatch(t, []uint64{b, d}, recipients)
}

func TestAcceptApplicantUnknownIsNotFound(t *testing.T) {
	f := newTaskFixture(t, true)
	a := f.users.add("alice", 100)
	b := f.users.add("bob", 0)
	task := f.post(t, a, 40)

	_, err := f.svc.AcceptApplicant(context.Background(), a, task.ID, b)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, model.TaskOpen, f.tasks.get(task.ID).Status)
}

func TestDenyApplicant(t *testing.T) {
	f := newTaskFixture(t, true)
	ctx := context.Background()
	a := f.users.add("alice", 100)
	b := f.users.add("bob", 0)
	c := f.users.add("carol", 0)
	task := f.post(t, a, 40)
	_, err := f.svc.Apply(ctx, b, task.ID)
	require.NoError(t, err)
	_, err = f.svc.Apply(ctx, c, task.ID)
	require.NoError(t, err)

	_, err = f.svc.DenyApplicant(ctx, c, task.ID, b)
	assert.ErrorIs(t, err, ErrForbidden)

	got, err := f.svc.DenyApplicant(ctx, a, task.ID, b)
	require.NoError(t, err)
	assert.Equal(t, []uint64{c}, got.ApplicantIDs)
	rejected := f.events.byType(model.NotifyApplicationRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, b, rejected[0].RecipientID)

	_, err = f.svc.DenyApplicant(ctx, a, task.ID, b)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAcceptTaskDirect(t *testing.T) {
	f := newTaskFixture(t, true)
	ctx := context.Background()
	a := f.users.add("alice", 100)
	b := f.users.add("bob", 0)
	c := f.users.add("carol", 0)
	task := f.post(t, a, 40)
	_, err := f.svc.Apply(ctx, b, task.ID)
	require.NoError(t, err)
	_, err = f.svc.Apply(ctx, c, task.ID)
	require.NoError(t, err)

	_, err = f.svc.AcceptTask(ctx, a, task.ID)
	assert.ErrorIs(t, err, ErrForbidden, "poster cannot take own task")

	got, err := f.svc.AcceptTask(ctx, b, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskInProgress, got.Status)
	assert.Equal(t, b, got.WorkerID)
	assert.Equal(t, []uint64{c}, got.ApplicantIDs, "worker leaves the pool")

	_, err = f.svc.AcceptTask(ctx, c, task.ID)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestCompleteWithPaymentMovesBalance(t *testing.T) {
	f := newTaskFixture(t, true)
	a := f.users.add("alice", 100)
	b := f.users.add("bob", 5)
	task := f.inProgress(t, a, b, 40)

	_, err := f.svc.CompleteTask(context.Background(), b, task.ID)
	assert.ErrorIs(t, err, ErrForbidden, "worker cannot complete in payment mode")

	got, err := f.svc.CompleteTask(context.Background(), a, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskPaid, got.Status)
	assert.True(t, f.users.balance(a).Equal(decimal.NewFromInt(60)))
	assert.True(t, f.users.balance(b).Equal(decimal.NewFromInt(45)))

	done := f.events.byType(model.NotifyJobCompleted)
	require.Len(t, done, 1)
	assert.Equal(t, b, done[0].RecipientID)
	assert.Equal(t, "alice", done[0].ActorName)
	assert.Equal(t, "40.00", done[0].Metadata["amount"])
}

func TestCompleteWithInsufficientBalanceChangesNothing(t *testing.T) {
	f := newTaskFixture(t, true)
	a := f.users.add("alice", 10)
	b := f.users.add("bob", 0)
	task := f.inProgress(t, a, b, 40)
	writes := f.tasks.writes

	_, err := f.svc.CompleteTask(context.Background(), a, task.ID)
	require.ErrorIs(t, err, ErrForbidden)
	assert.Contains(t, err.Error(), "insufficient balance")

	assert.Equal(t, model.TaskInProgress, f.tasks.get(task.ID).Status)
	assert.True(t, f.users.balance(a).Equal(decimal.NewFromInt(10)))
	assert.True(t, f.users.balance(b).IsZero())
	assert.Equal(t, writes, f.tasks.writes)
	assert.Empty(t, f.events.byType(model.NotifyJobCompleted))
}

func TestCompleteRequiresInProgress(t *testing.T) {
	f := newTaskFixture(t, true)
	a := f.users.add("alice", 100)
	task := f.post(t, a, 40)

	_, err := f.svc.CompleteTask(context.Background(), a, task.ID)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestCompleteSimpleVariant(t *testing.T) {
	f := newTaskFixture(t, false)
	a := f.users.add("alice", 0)
	b := f.users.add("bob", 0)
	c := f.users.add("carol", 0)
	task := f.inProgress(t, a, b, 40)

	_, err := f.svc.CompleteTask(context.Background(), c, task.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	got, err := f.svc.CompleteTask(context.Background(), b, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskCompleted, got.Status)
	assert.True(t, f.users.balance(a).IsZero(), "no money moves without payments")

	done := f.events.byType(model.NotifyJobCompleted)
	require.Len(t, done, 1)
	assert.Equal(t, a, done[0].RecipientID, "worker completing notifies the poster")
}

func TestCancelByStrangerIsForbidden(t *testing.T) {
	f := newTaskFixture(t, true)
	a := f.users.add("alice", 100)
	b := f.users.add("bob", 0)
	c := f.users.add("carol", 0)
	task := f.inProgress(t, a, b, 40)

	_, err := f.svc.CancelTask(context.Background(), c, task.ID)
	assert.ErrorIs(t, err, ErrForbidden)
	assert.Equal(t, model.TaskInProgress, f.tasks.get(task.ID).Status)
}

func TestCancelByWorkerUnassigns(t *testing.T) {
	f := newTaskFixture(t, true)
	a := f.users.add("alice", 100)
	b := f.users.add("bob", 0)
	task := f.inProgress(t, a, b, 40)

	got, err := f.svc.CancelTask(context.Background(), b, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskCancelled, got.Status)
	assert.False(t, got.HasWorker())

	cancelled := f.events.byType(model.NotifyJobCancelled)
	require.Len(t, cancelled, 1)
	assert.Equal(t, a, cancelled[0].RecipientID)
	assert.Equal(t, "bob", cancelled[0].ActorName)
}

func TestCancelByPosterKeepsWorkerAndNotifiesThem(t *testing.T) {
	f := newTaskFixture(t, true)
	a := f.users.add("alice", 100)
	b := f.users.add("bob", 0)
	task := f.inProgress(t, a, b, 40)

	got, err := f.svc.CancelTask(context.Background(), a, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskCancelled, got.Status)
	assert.Equal(t, b, got.WorkerID)
	cancelled := f.events.byType(model.NotifyJobCancelled)
	require.Len(t, cancelled, 1)
	assert.Equal(t, b, cancelled[0].RecipientID)
}

func TestCancelOpenTaskWithoutWorkerPublishesNothing(t *testing.T) {
	f := newTaskFixture(t, true)
	a := f.users.add("alice", 100)
	task := f.post(t, a, 40)

	_, err := f.svc.CancelTask(context.Background(), a, task.ID)
	require.NoError(t, err)
	assert.Empty(t, f.events.byType(model.NotifyJobCancelled))
}

func TestFinishedTasksRejectUpdateAndCancel(t *testing.T) {
	for _, payments := range []bool{true, false} {
		f := newTaskFixture(t, payments)
		ctx := context.Background()
		a := f.users.add("alice", 100)
		b := f.users.add("bob", 0)
		task := f.inProgress(t, a, b, 40)
		_, err := f.svc.CompleteTask(ctx, a, task.ID)
		require.NoError(t, err)

		title := "new"
		_, err = f.svc.Update(ctx, a, task.ID, model.TaskFields{Title: &title})
		assert.ErrorIs(t, err, ErrForbidden)
		_, err = f.svc.CancelTask(ctx, a, task.ID)
		assert.ErrorIs(t, err, ErrForbidden)
		_, err = f.svc.CancelTask(ctx, b, task.ID)
		assert.ErrorIs(t, err, ErrForbidden)
	}
}

func TestCancelledTaskRejectsFurtherCancel(t *testing.T) {
	f := newTaskFixture(t, true)
	a := f.users.add("alice", 100)
	task := f.post(t, a, 40)
	_, err := f.svc.CancelTask(context.Background(), a, task.ID)
	require.NoError(t, err)

	_, err = f.svc.CancelTask(context.Background(), a, task.ID)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestConcurrentModificationIsConflict(t *testing.T) {
	f := newTaskFixture(t, true)
	a := f.users.add("alice", 100)
	b := f.users.add("bob", 0)
	task := f.inProgress(t, a, b, 40)

	// Another request cancels between our load and our save.
	f.tasks.beforeWrite = func(id uint64) {
		f.tasks.beforeWrite = nil
		_, err := f.svc.CancelTask(context.Background(), b, id)
		require.NoError(t, err)
	}
	_, err := f.svc.CompleteTask(context.Background(), a, task.ID)
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, model.TaskCancelled, f.tasks.get(task.ID).Status)
	assert.True(t, f.users.balance(a).Equal(decimal.NewFromInt(100)))
}

func TestPublishFailureDoesNotFailTransition(t *testing.T) {
	f := newTaskFixture(t, true)
	a := f.users.add("alice", 100)
	b := f.users.add("bob", 0)
	task := f.post(t, a, 40)
	f.events.err = errBroker

	got, err := f.svc.Apply(context.Background(), b, task.ID)
	require.NoError(t, err)
	assert.Equal(t, []uint64{b}, got.ApplicantIDs)
}

func TestRemove(t *testing.T) {
	f := newTaskFixture(t, true)
	a := f.users.add("alice", 100)
	b := f.users.add("bob", 0)
	task := f.post(t, a, 40)

	assert.ErrorIs(t, f.svc.Remove(context.Background(), b, task.ID), ErrForbidden)
	require.NoError(t, f.svc.Remove(context.Background(), a, task.ID))
	assert.ErrorIs(t, f.svc.Remove(context.Background(), a, task.ID), ErrNotFound)
}

func TestSearchNormalizesPaging(t *testing.T) {
	f := newTaskFixture(t, true)
	a := f.users.add("alice", 100)
	for i := 0; i < 12; i++ {
		f.post(t, a, 10)
	}

	page, err := f.svc.Search(context.Background(), model.TaskFilter{Page: 0, Limit: 0}, "")
	require.NoError(t, err)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, DefaultPageSize, page.Limit)
	assert.Len(t, page.Tasks, 10)
	assert.Equal(t, int64(12), page.Total)
	assert.Equal(t, 2, page.TotalPages)

	page, err = f.svc.Search(context.Background(), model.TaskFilter{Page: 2, Limit: 500}, "")
	require.NoError(t, err)
	assert.Equal(t, MaxPageSize, page.Limit)
	assert.Empty(t, page.Tasks)

	low, high := decimal.NewFromInt(50), decimal.NewFromInt(10)
	_, err = f.svc.Search(context.Background(), model.TaskFilter{MinPrice: &low, MaxPrice: &high}, "")
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestPostedSinceBuckets(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	cases := map[string]time.Time{
		"Last Hour":     now.Add(-time.Hour),
		"Last 24 Hours": now.Add(-24 * time.Hour),
		"Last 7 Days":   now.AddDate(0, 0, -7),
		"Last 30 Days":  now.AddDate(0, 0, -30),
	}
	for bucket, want := range cases {
		got, ok := postedSince(bucket, now)
		require.True(t, ok, bucket)
		assert.True(t, want.Equal(got), bucket)
	}
	_, ok := postedSince("Yesterday", now)
	assert.False(t, ok)
}

func TestStatsIncludesEveryStatus(t *testing.T) {
	f := newTaskFixture(t, true)
	a := f.users.add("alice", 100)
	f.post(t, a, 10)
	f.post(t, a, 10)

	stats, err := f.svc.Stats(context.Background())
	require.NoError(t, err)
	assert.Len(t, stats, 5)
	assert.Equal(t, int64(2), stats[model.TaskOpen])
	assert.Equal(t, int64(0), stats[model.TaskPaid])
}

func TestServiceErrorCarriesKindAndMessage(t *testing.T) {
	err := error(forbidden("cannot cancel a task that is %s", "paid"))
	var se *Error
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "cannot cancel a task that is paid", se.Message)
	assert.ErrorIs(t, err, ErrForbidden)
	assert.NotErrorIs(t, err, ErrNotFound)
}
