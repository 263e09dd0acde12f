package domain

import (
	"fmt"
	"time"
)

// PeriodicTask is the declarative schedule record of a harvest source,
// resolved by the scheduler process into actual runs.
type PeriodicTask struct {
	ID           string     `gorm:"type:text;primaryKey" json:"id"`
	Name         string     `gorm:"type:text;not null;uniqueIndex" json:"name"`
	SourceID     string     `gorm:"type:text;not null;index" json:"source_id"`
	Minute       string     `gorm:"type:text;default:*" json:"minute"`
	Hour         string     `gorm:"type:text;default:*" json:"hour"`
	DayOfWeek    string     `gorm:"type:text;default:*" json:"day_of_week"`
	DayOfMonth   string     `gorm:"type:text;default:*" json:"day_of_month"`
	MonthOfYear  string     `gorm:"type:text;default:*" json:"month_of_year"`
	Enabled      bool       `gorm:"default:true" json:"enabled"`
	Description  string     `gorm:"type:text" json:"description,omitempty"`
	LastRunAt    *time.Time `json:"last_run_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// TableName returns the database table name for PeriodicTask.
func (PeriodicTask) TableName() string {
	return "periodic_tasks"
}

// Crontab renders the five cron fields in standard order.
func (t *PeriodicTask) Crontab() string {
	return fmt.Sprintf("%s %s %s %s %s",
		t.Minute, t.Hour, t.DayOfMonth, t.MonthOfYear, t.DayOfWeek)
}
