package domain

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// ValidationState represents the state of the source validation workflow.
// Values include ValidationPending, ValidationAccepted, and ValidationRefused.
type ValidationState string

const (
	ValidationPending  ValidationState = "pending"
	ValidationAccepted ValidationState = "accepted"
	ValidationRefused  ValidationState = "refused"
)

// SourceValidation records the outcome of the validation workflow for a source.
type SourceValidation struct {
	State       ValidationState `json:"state" gorm:"column:validation_state;default:pending"`
	ValidatedBy string          `json:"validated_by,omitempty" gorm:"column:validation_by"`
	ValidatedOn *time.Time      `json:"validated_on,omitempty" gorm:"column:validation_on"`
	Comment     string          `json:"comment,omitempty" gorm:"column:validation_comment"`
}

// SourceConfig is a custom type for storing the backend configuration as JSON.
// Filters narrow what a backend harvests; features toggle backend behaviors.
type SourceConfig struct {
	Filters  []ConfigFilter         `json:"filters,omitempty"`
	Features map[string]bool        `json:"features,omitempty"`
	Extra    map[string]interface{} `json:"extra,omitempty"`
}

// ConfigFilter is one filter entry of a source configuration.
type ConfigFilter struct {
	Key   string      `json:"key"`
	Value interface{} `json:"value"`
	Type  string      `json:"type,omitempty"`
}

// Value implements the driver.Valuer interface for database serialization.
func (c SourceConfig) Value() (driver.Value, error) {
	return json.Marshal(c)
}

// Scan implements the sql.Scanner interface for database deserialization.
func (c *SourceConfig) Scan(value interface{}) error {
	if value == nil {
		*c = SourceConfig{}
		return nil
	}
	bytes, err := scanBytes(value, "SourceConfig")
	if err != nil {
		return err
	}
	return json.Unmarshal(bytes, c)
}

// FeatureEnabled reports whether a feature toggle is on, falling back to the
// given default when the source config does not mention it.
func (c SourceConfig) FeatureEnabled(key string, defaultValue bool) bool {
	if c.Features == nil {
		return defaultValue
	}
	if v, ok := c.Features[key]; ok {
		return v
	}
	return defaultValue
}

// FilterValues returns all configured values for a filter key.
func (c SourceConfig) FilterValues(key string) []interface{} {
	var values []interface{}
	for _, f := range c.Filters {
		if f.Key == key {
			values = append(values, f.Value)
		}
	}
	return values
}

// HarvestSource represents a configured remote catalog endpoint.
type HarvestSource struct {
	ID             string           `gorm:"type:text;primaryKey" json:"id"`
	Name           string           `gorm:"type:text;not null" json:"name"`
	Description    string           `gorm:"type:text" json:"description,omitempty"`
	URL            string           `gorm:"type:text;not null" json:"url"`
	Backend        string           `gorm:"type:text;not null;index" json:"backend"`
	Config         SourceConfig     `gorm:"type:text" json:"config"`
	OwnerID        string           `gorm:"type:text;index" json:"owner,omitempty"`
	OrganizationID string           `gorm:"type:text;index" json:"organization,omitempty"`
	Frequency      string           `gorm:"type:text;default:daily" json:"frequency"`
	Active         bool             `gorm:"default:false" json:"active"`
	Autoarchive    bool             `gorm:"default:true" json:"autoarchive"`
	Validation     SourceValidation `gorm:"embedded" json:"validation"`
	PeriodicTaskID *string          `gorm:"type:text" json:"periodic_task,omitempty"`
	LastJobID      *string          `gorm:"type:text" json:"last_job,omitempty"`
	DeletedAt      *time.Time       `gorm:"index" json:"deleted,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// TableName returns the database table name for HarvestSource.
func (HarvestSource) TableName() string {
	return "harvest_sources"
}

// Deleted reports whether the source has been soft-deleted.
func (s *HarvestSource) Deleted() bool {
	return s.DeletedAt != nil
}

// Domain returns the remote-id namespace of the source, derived from its URL
// host. Datasets harvested from the source carry it as provenance.
func (s *HarvestSource) Domain() string {
	return URLDomain(s.URL)
}
