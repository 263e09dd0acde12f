package domain

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// JobStatus represents the status of a harvest job.
// Values include JobStatusPending, JobStatusStarted, JobStatusDone,
// JobStatusDoneErrors, and JobStatusFailed.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusStarted    JobStatus = "started"
	JobStatusDone       JobStatus = "done"
	JobStatusDoneErrors JobStatus = "done-errors"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether the status admits no further transition.
func (s JobStatus) Terminal() bool {
	return s == JobStatusDone || s == JobStatusDoneErrors || s == JobStatusFailed
}

// ItemStatus represents the status of one harvest item.
type ItemStatus string

const (
	ItemStatusPending  ItemStatus = "pending"
	ItemStatusStarted  ItemStatus = "started"
	ItemStatusDone     ItemStatus = "done"
	ItemStatusFailed   ItemStatus = "failed"
	ItemStatusArchived ItemStatus = "archived"
)

// HarvestError records one error raised during a job or while processing an item.
type HarvestError struct {
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// HarvestItem is the outcome of processing one remote identifier within a job.
type HarvestItem struct {
	RemoteID  string                 `json:"remote_id"`
	Status    ItemStatus             `json:"status"`
	DatasetID string                 `json:"dataset,omitempty"`
	StartedAt *time.Time             `json:"started,omitempty"`
	EndedAt   *time.Time             `json:"ended,omitempty"`
	Errors    []HarvestError         `json:"errors,omitempty"`
	Args      []string               `json:"args,omitempty"`
	Kwargs    map[string]interface{} `json:"kwargs,omitempty"`
}

// HarvestItems stores the ordered item list of a job as a JSON column.
type HarvestItems []HarvestItem

// Value implements the driver.Valuer interface for database serialization.
func (i HarvestItems) Value() (driver.Value, error) {
	if i == nil {
		return "[]", nil
	}
	return json.Marshal(i)
}

// Scan implements the sql.Scanner interface for database deserialization.
func (i *HarvestItems) Scan(value interface{}) error {
	if value == nil {
		*i = HarvestItems{}
		return nil
	}
	bytes, err := scanBytes(value, "HarvestItems")
	if err != nil {
		return err
	}
	return json.Unmarshal(bytes, i)
}

// HarvestErrors stores the job-level error list as a JSON column.
type HarvestErrors []HarvestError

// Value implements the driver.Valuer interface for database serialization.
func (e HarvestErrors) Value() (driver.Value, error) {
	if e == nil {
		return "[]", nil
	}
	return json.Marshal(e)
}

// Scan implements the sql.Scanner interface for database deserialization.
func (e *HarvestErrors) Scan(value interface{}) error {
	if value == nil {
		*e = HarvestErrors{}
		return nil
	}
	bytes, err := scanBytes(value, "HarvestErrors")
	if err != nil {
		return err
	}
	return json.Unmarshal(bytes, e)
}

// HarvestJob represents one execution attempt of a harvest source.
type HarvestJob struct {
	ID        string        `gorm:"type:text;primaryKey" json:"id"`
	SourceID  string        `gorm:"type:text;not null;index" json:"source"`
	Status    JobStatus     `gorm:"type:text;default:pending;index" json:"status"`
	Items     HarvestItems  `gorm:"type:text" json:"items"`
	Errors    HarvestErrors `gorm:"type:text" json:"errors"`
	DumpKey   string        `gorm:"type:text" json:"-"`
	StartedAt *time.Time    `json:"started,omitempty"`
	EndedAt   *time.Time    `json:"ended,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// TableName returns the database table name for HarvestJob.
func (HarvestJob) TableName() string {
	return "harvest_jobs"
}

// RemoteIDs returns the set of remote identifiers seen by this job.
func (j *HarvestJob) RemoteIDs() map[string]bool {
	ids := make(map[string]bool, len(j.Items))
	for _, item := range j.Items {
		ids[item.RemoteID] = true
	}
	return ids
}

// CountFailed returns the number of items with status failed.
func (j *HarvestJob) CountFailed() int {
	n := 0
	for _, item := range j.Items {
		if item.Status == ItemStatusFailed {
			n++
		}
	}
	return n
}
