// Package domain contains the core models of the product ingestion pipeline.
package domain

import (
	"time"
)

// JobStatus is the lifecycle state of an ingestion job.
type JobStatus string

const (
	// JobStatusPending is the initial state, before any page was fetched.
	JobStatusPending JobStatus = "pending"
	// JobStatusProcessing is entered when the first page is fetched.
	JobStatusProcessing JobStatus = "processing"
	// JobStatusCompleted means the source was exhausted and every page handled.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed means the provider failed fatally or the job was cancelled.
	JobStatusFailed JobStatus = "failed"
)

// CancelledReason is the last error recorded on cancelled jobs.
const CancelledReason = "cancelled"

var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusPending:    {JobStatusProcessing, JobStatusFailed},
	JobStatusProcessing: {JobStatusCompleted, JobStatusFailed},
}

// IsValid reports whether s is a known status.
func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no transition leaves s.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// IsActive reports whether a job in s holds its source URL.
func (s JobStatus) IsActive() bool {
	return s == JobStatusPending || s == JobStatusProcessing
}

// CanTransitionTo reports whether moving from s to next is allowed.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	for _, allowed := range jobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// SourceKind selects the Source Page Provider.
type SourceKind string

const (
	// SourceKindCrawl crawls an arbitrary site.
	SourceKindCrawl SourceKind = "crawl"
	// SourceKindExport reads a platform-native product listing.
	SourceKindExport SourceKind = "export"
)

// IsValid reports whether k is a known source kind.
func (k SourceKind) IsValid() bool {
	return k == SourceKindCrawl || k == SourceKindExport
}

// Counters are the progress counters of a job.
type Counters struct {
	PagesSeen         int64 `db:"pages_seen"         json:"pages_seen"`
	PagesSkipped      int64 `db:"pages_skipped"      json:"pages_skipped"`
	PagesFailed       int64 `db:"pages_failed"       json:"pages_failed"`
	ProductsFound     int64 `db:"products_found"     json:"products_found"`
	ProductsProcessed int64 `db:"products_processed" json:"products_processed"`
	VariantsDiscarded int64 `db:"variants_discarded" json:"variants_discarded"`
	RecordsFailed     int64 `db:"records_failed"     json:"records_failed"`
}

// Job is the durable record of one ingestion run.
type Job struct {
	ID                 string     `db:"id"                   json:"id"`
	SourceURL          string     `db:"source_url"           json:"source_url"`
	SourceKey          string     `db:"source_key"           json:"source_key"`
	SourceKind         SourceKind `db:"source_kind"          json:"source_kind"`
	MaxPages           int        `db:"max_pages"            json:"max_pages"`
	MergeAcrossSources bool       `db:"merge_across_sources" json:"merge_across_sources"`
	Status             JobStatus  `db:"status"               json:"status"`
	Counters
	CreatedAt   time.Time  `db:"created_at"   json:"created_at"`
	StartedAt   *time.Time `db:"started_at"   json:"started_at,omitempty"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	LastError   *string    `db:"last_error"   json:"last_error,omitempty"`
}

// JobFilter narrows job listings.
type JobFilter struct {
	Status JobStatus
	Limit  int
	Offset int
}
