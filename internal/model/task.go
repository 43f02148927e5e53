package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskOpen       TaskStatus = "OPEN"
	TaskInProgress TaskStatus = "IN_PROGRESS"
	TaskCompleted  TaskStatus = "COMPLETED"
	TaskCancelled  TaskStatus = "CANCELLED"
	TaskPaid       TaskStatus = "PAID"
)

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskOpen, TaskInProgress, TaskCompleted, TaskCancelled, TaskPaid:
		return true
	}
	return false
}

// Finished reports whether no further lifecycle operation may change the task.
func (s TaskStatus) Finished() bool {
	return s == TaskCompleted || s == TaskCancelled || s == TaskPaid
}

// TaskRef holds the identity keys of a task's poster and assigned worker.
// It is resolved once when the task row is loaded and every authorization
// check compares against it.  WorkerID is zero while no worker is assigned.
type TaskRef struct {
	PosterID uint64
	WorkerID uint64
}

// IsPoster reports whether userID owns the task.
func (r TaskRef) IsPoster(userID uint64) bool { return userID != 0 && r.PosterID == userID }

// IsWorker reports whether userID is the assigned worker.
func (r TaskRef) IsWorker(userID uint64) bool { return userID != 0 && r.WorkerID == userID }

// HasWorker reports whether a worker is assigned.
func (r TaskRef) HasWorker() bool { return r.WorkerID != 0 }

// Location is the free-text address plus optional coordinates, either
// supplied by the poster or filled in by the geocoder.
type Location struct {
	Address   string
	Latitude  *float64
	Longitude *float64
}

// HasCoordinates reports whether both coordinates are set.
func (l Location) HasCoordinates() bool { return l.Latitude != nil && l.Longitude != nil }

// Task mirrors a row of the `tasks` table together with its applicant
// rows.  The embedded TaskRef and ApplicantIDs are the authoritative
// identity data; Poster, Worker and Applicants are read-time joins used
// only for presentation.
type Task struct {
	TaskRef

	ID              uint64          // tasks.id
	Title           string          // tasks.title
	Description     string          // tasks.description
	Price           decimal.Decimal // tasks.price
	Status          TaskStatus      // tasks.status
	Category        string          // tasks.category
	Tags            []string        // tasks.tags (JSON array)
	ExperienceLevel string          // tasks.experience_level
	DueDate         *time.Time      // tasks.due_date
	Location        Location        // tasks.address, latitude, longitude
	ApplicantIDs    []uint64        // task_applicants.user_id, in application order
	Views           uint64          // tasks.views
	Version         uint64          // tasks.version
	CreatedAt       time.Time       // tasks.created_at
	UpdatedAt       time.Time       // tasks.updated_at

	Poster     UserSummary
	Worker     *UserSummary
	Applicants []UserSummary
}

// HasApplicant reports whether userID is in the applicant pool.
func (t *Task) HasApplicant(userID uint64) bool {
	for _, id := range t.ApplicantIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// RemoveApplicant drops userID from the applicant pool and reports
// whether it was present.
func (t *Task) RemoveApplicant(userID uint64) bool {
	for i, id := range t.ApplicantIDs {
		if id == userID {
			t.ApplicantIDs = append(t.ApplicantIDs[:i:i], t.ApplicantIDs[i+1:]...)
			return true
		}
	}
	return false
}

// TaskFields is a partial update of the poster-editable task fields.
// Status, poster and worker are deliberately absent.
type TaskFields struct {
	Title           *string
	Description     *string
	Price           *decimal.Decimal
	Category        *string
	Tags            []string
	ExperienceLevel *string
	DueDate         *time.Time
	Address         *string
	Latitude        *float64 // set together with Longitude
	Longitude       *float64
}

// TaskFilter narrows a task search.  Zero values mean "no filter".
type TaskFilter struct {
	PostedBy   uint64
	AcceptedBy uint64
	Search     string
	Location   string
	Category   string
	MinPrice   *decimal.Decimal
	MaxPrice   *decimal.Decimal
	Status     TaskStatus
	Since      *time.Time
	Tags       []string
	Sort       string
	Page       int
	Limit      int
}

// Sort orders accepted by TaskFilter.Sort.
const (
	SortNewest    = "newest"
	SortOldest    = "oldest"
	SortPriceAsc  = "price_asc"
	SortPriceDesc = "price_desc"
	SortDueDate   = "due_date"
)

// TaskPage is one page of search results.
type TaskPage struct {
	Tasks      []Task
	Total      int64
	Page       int
	Limit      int
	TotalPages int
}
