package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/local-heroes/internal/metrics"
	"github.com/iliyamo/local-heroes/internal/model"
	"github.com/iliyamo/local-heroes/internal/queue"
	"github.com/iliyamo/local-heroes/internal/repository"
)

// TaskStore is the persistence the lifecycle engine needs.  Update and
// SettlePayment must fail with repository.ErrVersionConflict when the
// stored version differs from the task's Version.
type TaskStore interface {
	Create(ctx context.Context, t *model.Task) (uint64, error)
	GetByID(ctx context.Context, id uint64) (*model.Task, error)
	Update(ctx context.Context, t *model.Task) error
	SettlePayment(ctx context.Context, t *model.Task) error
	Delete(ctx context.Context, id uint64) error
	IncrementViews(ctx context.Context, id uint64) error
	Search(ctx context.Context, f model.TaskFilter) ([]model.Task, int64, error)
	ListByPoster(ctx context.Context, userID uint64) ([]model.Task, error)
	ListByWorker(ctx context.Context, userID uint64) ([]model.Task, error)
	CountByStatus(ctx context.Context) (map[model.TaskStatus]int64, error)
}

// UserReader loads users by id.
type UserReader interface {
	GetByID(ctx context.Context, id uint64) (model.User, error)
}

// EventPublisher hands lifecycle events to the notification sink.
type EventPublisher interface {
	Publish(ctx context.Context, ev queue.TaskEvent) error
}

// Geocoder resolves a free-text address.  ok is false when the lookup
// failed or found nothing; callers continue without coordinates.
type Geocoder interface {
	Geocode(ctx context.Context, address string) (lat, lng float64, ok bool)
}

// Search paging limits.
const (
	DefaultPageSize = 10
	MaxPageSize     = 100
)

// CreateTaskInput holds the fields a poster supplies for a new task.
type CreateTaskInput struct {
	Title           string
	Description     string
	Price           decimal.Decimal
	Category        string
	Tags            []string
	ExperienceLevel string
	DueDate         *time.Time
	Address         string
	Latitude        *float64 // geocoding is skipped when both are set
	Longitude       *float64
}

// TaskService is the task lifecycle engine.  Every operation loads the
// task, checks the actor against its TaskRef and the current status,
// mutates, saves with a version check and only then publishes events.
type TaskService struct {
	tasks    TaskStore
	users    UserReader
	events   EventPublisher
	geocoder Geocoder
	payments bool
	log      logrus.FieldLogger
	now      func() time.Time
}

// NewTaskService wires the engine.  With payments enabled, completion
// moves the price from poster to worker and ends in PAID; otherwise either
// party may complete and the task ends in COMPLETED.
func NewTaskService(tasks TaskStore, users UserReader, events EventPublisher, geocoder Geocoder, payments bool, log logrus.FieldLogger) *TaskService {
	return &TaskService{
		tasks:    tasks,
		users:    users,
		events:   events,
		geocoder: geocoder,
		payments: payments,
		log:      log.WithField("component", "tasks"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// PaymentsEnabled reports which completion variant is active.
func (s *TaskService) PaymentsEnabled() bool { return s.payments }

// Create stores a new OPEN task owned by actorID.
func (s *TaskService) Create(ctx context.Context, actorID uint64, in CreateTaskInput) (*model.Task, error) {
	if strings.TrimSpace(in.Title) == "" {
		return nil, badRequest("title is required")
	}
	if in.Price.IsNegative() {
		return nil, badRequest("price must not be negative")
	}
	if err := checkCoordinates(in.Latitude, in.Longitude); err != nil {
		return nil, err
	}
	loc := model.Location{
		Address:   strings.TrimSpace(in.Address),
		Latitude:  in.Latitude,
		Longitude: in.Longitude,
	}
	t := &model.Task{
		TaskRef:         model.TaskRef{PosterID: actorID},
		Title:           strings.TrimSpace(in.Title),
		Description:     strings.TrimSpace(in.Description),
		Price:           in.Price,
		Status:          model.TaskOpen,
		Category:        strings.TrimSpace(in.Category),
		Tags:            normalizeTags(in.Tags),
		ExperienceLevel: strings.TrimSpace(in.ExperienceLevel),
		DueDate:         in.DueDate,
		Location:        loc,
	}
	s.locate(ctx, &t.Location)

	id, err := s.tasks.Create(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	metrics.ObserveTaskOp("create", outcome(nil))
	return s.load(ctx, id)
}

// Get returns a task and counts the view.
func (s *TaskService) Get(ctx context.Context, id uint64) (*model.Task, error) {
	t, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.tasks.IncrementViews(ctx, id); err != nil {
		s.log.WithError(err).WithField("task_id", id).Warn("increment views failed")
		return t, nil
	}
	t.Views++
	return t, nil
}

// Update merges poster-editable fields.  Status, poster and worker cannot
// be changed here.
func (s *TaskService) Update(ctx context.Context, actorID, id uint64, f model.TaskFields) (*model.Task, error) {
	t, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !t.IsPoster(actorID) {
		return nil, s.reject("update", forbidden("you can only update your own tasks"))
	}
	if t.Status.Finished() {
		return nil, s.reject("update", forbidden("cannot update a task that is %s", strings.ToLower(string(t.Status))))
	}

	if f.Title != nil {
		if strings.TrimSpace(*f.Title) == "" {
			return nil, badRequest("title must not be empty")
		}
		t.Title = strings.TrimSpace(*f.Title)
	}
	if f.Description != nil {
		t.Description = strings.TrimSpace(*f.Description)
	}
	if f.Price != nil {
		if f.Price.IsNegative() {
			return nil, badRequest("price must not be negative")
		}
		t.Price = *f.Price
	}
	if f.Category != nil {
		t.Category = strings.TrimSpace(*f.Category)
	}
	if f.Tags != nil {
		t.Tags = normalizeTags(f.Tags)
	}
	if f.ExperienceLevel != nil {
		t.ExperienceLevel = strings.TrimSpace(*f.ExperienceLevel)
	}
	if f.DueDate != nil {
		t.DueDate = f.DueDate
	}
	if err := checkCoordinates(f.Latitude, f.Longitude); err != nil {
		return nil, err
	}
	switch {
	case f.Latitude != nil:
		addr := t.Location.Address
		if f.Address != nil {
			addr = strings.TrimSpace(*f.Address)
		}
		t.Location = model.Location{Address: addr, Latitude: f.Latitude, Longitude: f.Longitude}
	case f.Address != nil && strings.TrimSpace(*f.Address) != t.Location.Address:
		t.Location = model.Location{Address: strings.TrimSpace(*f.Address)}
		s.locate(ctx, &t.Location)
	}

	if err := s.save(ctx, "update", t); err != nil {
		return nil, err
	}
	return t, nil
}

// Apply adds actorID to the applicant pool and tells the poster.
func (s *TaskService) Apply(ctx context.Context, actorID, id uint64) (*model.Task, error) {
	t, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case t.Status != model.TaskOpen:
		return nil, s.reject("apply", forbidden("task is not open for applications"))
	case t.IsPoster(actorID):
		return nil, s.reject("apply", forbidden("you cannot apply to your own task"))
	case t.IsWorker(actorID):
		return nil, s.reject("apply", forbidden("you are already assigned to this task"))
	case t.HasApplicant(actorID):
		return nil, s.reject("apply", forbidden("you have already applied to this task"))
	}
	t.ApplicantIDs = append(t.ApplicantIDs, actorID)

	if err := s.save(ctx, "apply", t); err != nil {
		return nil, err
	}
	s.publish(ctx, queue.TaskEvent{
		Type:        model.NotifyJobApplication,
		TaskID:      t.ID,
		TaskTitle:   t.Title,
		RecipientID: t.PosterID,
		ActorID:     actorID,
		ActorName:   s.userName(ctx, actorID),
	})
	return s.reload(ctx, t), nil
}

// AcceptApplicant assigns applicantID as the worker, clears the pool and
// tells every other applicant, once each, that they were not selected.
func (s *TaskService) AcceptApplicant(ctx context.Context, actorID, id, applicantID uint64) (*model.Task, error) {
	t, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !t.IsPoster(actorID) {
		return nil, s.reject("accept_applicant", forbidden("only the task owner can accept applicants"))
	}
	if t.Status != model.TaskOpen {
		return nil, s.reject("accept_applicant", forbidden("task is not open"))
	}
	if !t.HasApplicant(applicantID) {
		return nil, s.reject("accept_applicant", notFound("applicant not found"))
	}

	rejected := make([]uint64, 0, len(t.ApplicantIDs))
	seen := map[uint64]bool{applicantID: true}
	for _, uid := range t.ApplicantIDs {
		if !seen[uid] {
			seen[uid] = true
			rejected = append(rejected, uid)
		}
	}
	t.WorkerID = applicantID
	t.Status = model.TaskInProgress
	t.ApplicantIDs = []uint64{}

	if err := s.save(ctx, "accept_applicant", t); err != nil {
		return nil, err
	}
	posterName := t.Poster.FullName()
	s.publish(ctx, queue.TaskEvent{
		Type:        model.NotifyApplicationAccepted,
		TaskID:      t.ID,
		TaskTitle:   t.Title,
		RecipientID: applicantID,
		ActorID:     actorID,
		ActorName:   posterName,
	})
	for _, uid := range rejected {
		s.publish(ctx, queue.TaskEvent{
			Type:        model.NotifyApplicationRejected,
			TaskID:      t.ID,
			TaskTitle:   t.Title,
			RecipientID: uid,
			ActorID:     actorID,
			ActorName:   posterName,
		})
	}
	return s.reload(ctx, t), nil
}

// DenyApplicant removes applicantID from the pool and tells them.
func (s *TaskService) DenyApplicant(ctx context.Context, actorID, id, applicantID uint64) (*model.Task, error) {
	t, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !t.IsPoster(actorID) {
		return nil, s.reject("deny_applicant", forbidden("only the task owner can deny applicants"))
	}
	if !t.RemoveApplicant(applicantID) {
		return nil, s.reject("deny_applicant", notFound("applicant not found"))
	}

	if err := s.save(ctx, "deny_applicant", t); err != nil {
		return nil, err
	}
	s.publish(ctx, queue.TaskEvent{
		Type:        model.NotifyApplicationRejected,
		TaskID:      t.ID,
		TaskTitle:   t.Title,
		RecipientID: applicantID,
		ActorID:     actorID,
		ActorName:   t.Poster.FullName(),
	})
	return s.reload(ctx, t), nil
}

// AcceptTask is the first-come path: actorID takes an open task directly.
func (s *TaskService) AcceptTask(ctx context.Context, actorID, id uint64) (*model.Task, error) {
	t, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case t.Status != model.TaskOpen:
		return nil, s.reject("accept_task", forbidden("task is not open"))
	case t.IsPoster(actorID):
		return nil, s.reject("accept_task", forbidden("you cannot accept your own task"))
	case t.HasWorker():
		return nil, s.reject("accept_task", forbidden("task has already been accepted"))
	}
	t.WorkerID = actorID
	t.Status = model.TaskInProgress
	t.RemoveApplicant(actorID)

	if err := s.save(ctx, "accept_task", t); err != nil {
		return nil, err
	}
	return s.reload(ctx, t), nil
}

// CompleteTask finishes an in-progress task.  In the payment variant only
// the poster may complete, the poster's balance must cover the price, and
// the debit, credit and status change commit together.  The balance check
// runs before anything is written.
func (s *TaskService) CompleteTask(ctx context.Context, actorID, id uint64) (*model.Task, error) {
	t, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != model.TaskInProgress || !t.HasWorker() {
		return nil, s.reject("complete", forbidden("task must be in progress with an assigned worker"))
	}

	var recipient uint64
	meta := map[string]any{}
	if s.payments {
		if !t.IsPoster(actorID) {
			return nil, s.reject("complete", forbidden("only the task owner can complete and pay for a task"))
		}
		poster, err := s.users.GetByID(ctx, t.PosterID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, notFound("user not found")
			}
			return nil, fmt.Errorf("load poster: %w", err)
		}
		if poster.Balance.LessThan(t.Price) {
			return nil, s.reject("complete", forbidden("insufficient balance to pay for this task"))
		}
		t.Status = model.TaskPaid
		if err := s.tasks.SettlePayment(ctx, t); err != nil {
			if errors.Is(err, repository.ErrInsufficientBalance) {
				return nil, s.reject("complete", forbidden("insufficient balance to pay for this task"))
			}
			return nil, s.storeError("complete", err)
		}
		metrics.ObserveTaskOp("complete", outcome(nil))
		metrics.ObservePayment(t.Price)
		recipient = t.WorkerID
		meta["amount"] = t.Price.StringFixed(2)
	} else {
		if !t.IsPoster(actorID) && !t.IsWorker(actorID) {
			return nil, s.reject("complete", forbidden("only the task owner or assigned worker can complete this task"))
		}
		t.Status = model.TaskCompleted
		if err := s.save(ctx, "complete", t); err != nil {
			return nil, err
		}
		recipient = t.WorkerID
		if t.IsWorker(actorID) {
			recipient = t.PosterID
		}
	}

	s.publish(ctx, queue.TaskEvent{
		Type:        model.NotifyJobCompleted,
		TaskID:      t.ID,
		TaskTitle:   t.Title,
		RecipientID: recipient,
		ActorID:     actorID,
		ActorName:   partyName(t, actorID),
		Metadata:    meta,
	})
	return s.reload(ctx, t), nil
}

// CancelTask lets the poster or the worker call a task off.  A worker who
// cancels is unassigned.
func (s *TaskService) CancelTask(ctx context.Context, actorID, id uint64) (*model.Task, error) {
	t, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !t.IsPoster(actorID) && !t.IsWorker(actorID) {
		return nil, s.reject("cancel", forbidden("only the task owner or assigned worker can cancel this task"))
	}
	if t.Status.Finished() {
		return nil, s.reject("cancel", forbidden("cannot cancel a task that is %s", strings.ToLower(string(t.Status))))
	}

	actorName := partyName(t, actorID)
	var recipient uint64
	if t.IsPoster(actorID) {
		recipient = t.WorkerID
	} else {
		recipient = t.PosterID
		t.WorkerID = 0
	}
	t.Status = model.TaskCancelled

	if err := s.save(ctx, "cancel", t); err != nil {
		return nil, err
	}
	if recipient != 0 {
		s.publish(ctx, queue.TaskEvent{
			Type:        model.NotifyJobCancelled,
			TaskID:      t.ID,
			TaskTitle:   t.Title,
			RecipientID: recipient,
			ActorID:     actorID,
			ActorName:   actorName,
		})
	}
	return s.reload(ctx, t), nil
}

// Remove deletes a task owned by actorID.
func (s *TaskService) Remove(ctx context.Context, actorID, id uint64) error {
	t, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if !t.IsPoster(actorID) {
		return s.reject("remove", forbidden("you can only delete your own tasks"))
	}
	if err := s.tasks.Delete(ctx, id); err != nil {
		return s.storeError("remove", err)
	}
	metrics.ObserveTaskOp("remove", outcome(nil))
	return nil
}

// Search returns a page of tasks.  datePosted accepts "Last Hour",
// "Last 24 Hours", "Last 7 Days" and "Last 30 Days"; other values are
// ignored.
func (s *TaskService) Search(ctx context.Context, f model.TaskFilter, datePosted string) (model.TaskPage, error) {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit < 1 {
		f.Limit = DefaultPageSize
	}
	if f.Limit > MaxPageSize {
		f.Limit = MaxPageSize
	}
	if f.Sort == "" {
		f.Sort = model.SortNewest
	}
	if f.MinPrice != nil && f.MaxPrice != nil && f.MinPrice.GreaterThan(*f.MaxPrice) {
		return model.TaskPage{}, badRequest("minPrice must not exceed maxPrice")
	}
	if since, ok := postedSince(datePosted, s.now()); ok {
		f.Since = &since
	}
	f.Tags = normalizeTags(f.Tags)

	tasks, total, err := s.tasks.Search(ctx, f)
	if err != nil {
		return model.TaskPage{}, fmt.Errorf("search tasks: %w", err)
	}
	pages := int((total + int64(f.Limit) - 1) / int64(f.Limit))
	return model.TaskPage{Tasks: tasks, Total: total, Page: f.Page, Limit: f.Limit, TotalPages: pages}, nil
}

// ListPosted returns the tasks a user posted.
func (s *TaskService) ListPosted(ctx context.Context, userID uint64) ([]model.Task, error) {
	tasks, err := s.tasks.ListByPoster(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list posted tasks: %w", err)
	}
	return tasks, nil
}

// ListAccepted returns the tasks a user is assigned to.
func (s *TaskService) ListAccepted(ctx context.Context, userID uint64) ([]model.Task, error) {
	tasks, err := s.tasks.ListByWorker(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list accepted tasks: %w", err)
	}
	return tasks, nil
}

// Stats counts tasks per status.  Every status is present in the result.
func (s *TaskService) Stats(ctx context.Context) (map[model.TaskStatus]int64, error) {
	counts, err := s.tasks.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("task stats: %w", err)
	}
	out := map[model.TaskStatus]int64{}
	for _, st := range []model.TaskStatus{model.TaskOpen, model.TaskInProgress, model.TaskCompleted, model.TaskCancelled, model.TaskPaid} {
		out[st] = counts[st]
	}
	return out, nil
}

func (s *TaskService) load(ctx context.Context, id uint64) (*model.Task, error) {
	t, err := s.tasks.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, notFound("task not found")
		}
		return nil, fmt.Errorf("load task %d: %w", id, err)
	}
	return t, nil
}

// reload re-reads t after a save so the populated references reflect the
// new state.  The saved copy is returned if the read fails.
func (s *TaskService) reload(ctx context.Context, t *model.Task) *model.Task {
	fresh, err := s.tasks.GetByID(ctx, t.ID)
	if err != nil {
		s.log.WithError(err).WithField("task_id", t.ID).Warn("reload after save failed")
		return t
	}
	return fresh
}

func (s *TaskService) save(ctx context.Context, op string, t *model.Task) error {
	if err := s.tasks.Update(ctx, t); err != nil {
		return s.storeError(op, err)
	}
	metrics.ObserveTaskOp(op, outcome(nil))
	return nil
}

func (s *TaskService) storeError(op string, err error) error {
	var out error
	switch {
	case errors.Is(err, repository.ErrVersionConflict):
		out = conflict("task was modified by another request; reload and try again")
	case errors.Is(err, repository.ErrNotFound):
		out = notFound("task not found")
	default:
		out = fmt.Errorf("%s task: %w", op, err)
	}
	metrics.ObserveTaskOp(op, outcome(out))
	return out
}

func (s *TaskService) reject(op string, err *Error) error {
	metrics.ObserveTaskOp(op, outcome(err))
	return err
}

// publish sends ev after the mutation is durable.  Failures are logged
// and never reach the caller.
func (s *TaskService) publish(ctx context.Context, ev queue.TaskEvent) {
	if s.events == nil || ev.RecipientID == 0 {
		return
	}
	ev.ID = uuid.NewString()
	ev.OccurredAt = s.now()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()
	if err := s.events.Publish(ctx, ev); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"event_type":   ev.Type,
			"task_id":      ev.TaskID,
			"recipient_id": ev.RecipientID,
		}).Warn("publish task event failed")
	}
}

func (s *TaskService) locate(ctx context.Context, loc *model.Location) {
	if s.geocoder == nil || loc.Address == "" || loc.HasCoordinates() {
		return
	}
	if lat, lng, ok := s.geocoder.Geocode(ctx, loc.Address); ok {
		loc.Latitude, loc.Longitude = &lat, &lng
	}
}

func checkCoordinates(lat, lng *float64) error {
	if (lat == nil) != (lng == nil) {
		return badRequest("latitude and longitude must be provided together")
	}
	if lat != nil && (*lat < -90 || *lat > 90 || *lng < -180 || *lng > 180) {
		return badRequest("coordinates out of range")
	}
	return nil
}

func (s *TaskService) userName(ctx context.Context, id uint64) string {
	u, err := s.users.GetByID(ctx, id)
	if err != nil {
		s.log.WithError(err).WithField("user_id", id).Warn("load actor failed")
		return "Someone"
	}
	return u.FullName()
}

// partyName names the poster or worker of t from the joined summaries.
func partyName(t *model.Task, userID uint64) string {
	if t.Poster.ID == userID {
		return t.Poster.FullName()
	}
	if t.Worker != nil && t.Worker.ID == userID {
		return t.Worker.FullName()
	}
	return "Someone"
}

func postedSince(bucket string, now time.Time) (time.Time, bool) {
	switch bucket {
	case "Last Hour":
		return now.Add(-time.Hour), true
	case "Last 24 Hours":
		return now.Add(-24 * time.Hour), true
	case "Last 7 Days":
		return now.AddDate(0, 0, -7), true
	case "Last 30 Days":
		return now.AddDate(0, 0, -30), true
	}
	return time.Time{}, false
}

func normalizeTags(tags []string) []string {
	if tags == nil {
		return nil
	}
	out := make([]string, 0, len(tags))
	seen := map[string]bool{}
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	return out
}
