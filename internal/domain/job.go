package domain

import (
	"math"
	"time"
)

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusPaused     Status = "paused"
)

// ActiveStatuses are the states shown in a user's live job listing.
var ActiveStatuses = []Status{StatusQueued, StatusProcessing, StatusPaused}

// HistoricalStatuses are the terminal states kept for history views.
var HistoricalStatuses = []Status{StatusCompleted, StatusFailed}

func (s Status) IsActive() bool {
	return s == StatusQueued || s == StatusProcessing || s == StatusPaused
}

func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed, StatusPaused:
		return true
	}
	return false
}

// DefaultMaxRetries bounds automatic re-queue of a failing job.
const DefaultMaxRetries = 3

// FileDescriptor identifies one file at the source provider.
type FileDescriptor struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// TransferJob is one request to move a set of files from a source
// provider to a destination provider. The job store holds the single
// durable record; user-scoped index entries are denormalized copies.
type TransferJob struct {
	ID                 string           `json:"id"`
	UserID             string           `json:"userId"`
	SourceService      string           `json:"sourceService"`
	DestinationService string           `json:"destinationService"`
	SourceFiles        []FileDescriptor `json:"sourceFiles"`
	DestinationPath    string           `json:"destinationPath"`
	Status             Status           `json:"status"`
	Progress           int              `json:"progress"`
	CurrentFileIndex   int              `json:"currentFileIndex"`
	Error              *string          `json:"error,omitempty"`
	RetryCount         int              `json:"retryCount"`
	MaxRetries         int              `json:"maxRetries"`
	Priority           int              `json:"priority"`
	CreatedAt          time.Time        `json:"createdAt"`
	UpdatedAt          time.Time        `json:"updatedAt"`
	StartedAt          *time.Time       `json:"startedAt,omitempty"`
	CompletedAt        *time.Time       `json:"completedAt,omitempty"`
}

// TotalBytes sums the declared sizes of the job's source files.
func (j *TransferJob) TotalBytes() int64 {
	var n int64
	for _, f := range j.SourceFiles {
		n += f.Size
	}
	return n
}

// ProgressFor returns the percent value after done of total files have
// finished. Progress moves only at file boundaries.
func ProgressFor(done, total int) int {
	if total <= 0 {
		return 100
	}
	return int(math.Round(float64(done) / float64(total) * 100))
}

// JobUpdate is a partial, field-merge update to a stored job. Nil
// fields are left untouched.
type JobUpdate struct {
	Status           *Status
	Progress         *int
	CurrentFileIndex *int
	Error            *string
	ClearError       bool
	RetryCount       *int
	Priority         *int
	StartedAt        *time.Time
	CompletedAt      *time.Time
}

func StatusPtr(s Status) *Status { return &s }

func IntPtr(i int) *int { return &i }

func StrPtr(s string) *string { return &s }

func TimePtr(t time.Time) *time.Time { return &t }

// HistoryRecord is appended once per completed job.
type HistoryRecord struct {
	JobID              string
	UserID             string
	SourceService      string
	DestinationService string
	FileCount          int
	Bytes              int64
	CompletedAt        time.Time
}

// Credentials is a stored provider connection for one (user, service)
// pair. Kind selects the provider factory; the remaining fields are
// interpreted by it.
type Credentials struct {
	UserID      string
	ServiceID   string
	Kind        string
	AccessToken string
	Endpoint    string
}
