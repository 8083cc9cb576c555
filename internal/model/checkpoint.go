package model

import "time"

// Checkpoint is the resumable cursor state of one (job, data type) pair.
// HistoryID and DeltaToken are mutually exclusive per job: which one is used
// depends on the provider of the job's source account. ListingComplete is
// set with the last page, so an empty PageToken alone never has to tell a
// listing that has not started from one that has ended.
type Checkpoint struct {
	ID                  string     `json:"id"`
	JobID               string     `json:"job_id"`
	DataType            DataType   `json:"data_type"`
	PageToken           string     `json:"page_token,omitempty"`
	HistoryID           string     `json:"history_id,omitempty"`
	DeltaToken          string     `json:"delta_token,omitempty"`
	ListingComplete     bool       `json:"listing_complete"`
	InitialSyncComplete bool       `json:"initial_sync_complete"`
	ProcessedCount      int64      `json:"processed_count"`
	LastItemID          string     `json:"last_item_id,omitempty"`
	LastSyncAt          *time.Time `json:"last_sync_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// SyncToken returns the incremental cursor for a source on provider p.
func (c *Checkpoint) SyncToken(p Provider) string {
	if p.UsesHistoryID() {
		return c.HistoryID
	}
	return c.DeltaToken
}

// SetSyncToken stores the incremental cursor in the field p uses.
func (c *Checkpoint) SetSyncToken(p Provider, token string) {
	if p.UsesHistoryID() {
		c.HistoryID = token
		return
	}
	c.DeltaToken = token
}

// Reset clears every cursor and counter.
func (c *Checkpoint) Reset() {
	c.PageToken = ""
	c.HistoryID = ""
	c.DeltaToken = ""
	c.ListingComplete = false
	c.InitialSyncComplete = false
	c.ProcessedCount = 0
	c.LastItemID = ""
	c.LastSyncAt = nil
}
