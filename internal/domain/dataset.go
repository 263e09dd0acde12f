package domain

import (
	"database/sql/driver"
	"encoding/json"
	"net/url"
	"strings"
	"time"
)

// ArchiveReasonHarvesterDeleted marks datasets archived because their source
// was deleted or stopped reporting them.
const ArchiveReasonHarvesterDeleted = "harvester:deleted"

// Checksum is a {type, value} pair attached to a resource.
type Checksum struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Resource is one downloadable artifact attached to a dataset.
type Resource struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	URL      string    `json:"url"`
	Format   string    `json:"format,omitempty"`
	Mime     string    `json:"mime,omitempty"`
	FileSize int64     `json:"filesize,omitempty"`
	Checksum *Checksum `json:"checksum,omitempty"`
	Created  time.Time `json:"created_at"`
	Modified time.Time `json:"last_modified"`
}

// Resources stores a dataset's resource list as a JSON column.
type Resources []Resource

// Value implements the driver.Valuer interface for database serialization.
func (r Resources) Value() (driver.Value, error) {
	if r == nil {
		return "[]", nil
	}
	return json.Marshal(r)
}

// Scan implements the sql.Scanner interface for database deserialization.
func (r *Resources) Scan(value interface{}) error {
	if value == nil {
		*r = Resources{}
		return nil
	}
	bytes, err := scanBytes(value, "Resources")
	if err != nil {
		return err
	}
	return json.Unmarshal(bytes, r)
}

// HarvestInfo is the provenance tag stamped on a dataset created by harvesting.
type HarvestInfo struct {
	SourceID   string     `json:"source_id,omitempty" gorm:"column:harvest_source_id;index"`
	RemoteID   string     `json:"remote_id,omitempty" gorm:"column:harvest_remote_id;index:idx_datasets_harvest"`
	Domain     string     `json:"domain,omitempty" gorm:"column:harvest_domain;index:idx_datasets_harvest"`
	Backend    string     `json:"backend,omitempty" gorm:"column:harvest_backend"`
	LastUpdate *time.Time `json:"last_update,omitempty" gorm:"column:harvest_last_update"`
	RemoteURL  string     `json:"remote_url,omitempty" gorm:"column:harvest_remote_url"`
	Archived   string     `json:"archived,omitempty" gorm:"column:harvest_archived"`
	ArchivedAt *time.Time `json:"archived_at,omitempty" gorm:"column:harvest_archived_at"`
}

// Empty reports whether the dataset carries no harvest provenance.
func (h HarvestInfo) Empty() bool {
	return h.SourceID == "" && h.RemoteID == "" && h.Domain == ""
}

// Dataset represents a local catalog record, harvested or native.
type Dataset struct {
	ID          string      `gorm:"type:text;primaryKey" json:"id"`
	Title       string      `gorm:"type:text;not null" json:"title"`
	Description string      `gorm:"type:text" json:"description,omitempty"`
	License     string      `gorm:"type:text" json:"license,omitempty"`
	Tags        StringArray `gorm:"type:text" json:"tags"`
	Resources   Resources   `gorm:"type:text" json:"resources"`
	Extras      JSONMap     `gorm:"type:text" json:"extras,omitempty"`
	Harvest     HarvestInfo `gorm:"embedded" json:"harvest,omitempty"`
	ArchivedAt  *time.Time  `gorm:"index" json:"archived,omitempty"`
	DeletedAt   *time.Time  `gorm:"index" json:"deleted,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// TableName returns the database table name for Dataset.
func (Dataset) TableName() string {
	return "datasets"
}

// Archived reports whether the dataset is archived.
func (d *Dataset) Archived() bool {
	return d.ArchivedAt != nil
}

// URLDomain extracts the host part of a URL, without port. Bare domains are
// returned as-is so attach files can use either form.
func URLDomain(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return strings.TrimSuffix(raw, "/")
	}
	return u.Hostname()
}
