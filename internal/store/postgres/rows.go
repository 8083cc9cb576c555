package postgres

import (
	"time"

	"github.com/Martian-dev/mailmove/internal/model"
)

type accountRow struct {
	ID             string `gorm:"primaryKey"`
	Provider       string
	Email          string
	DisplayName    string
	Host           string
	Port           int
	Username       string
	Status         string
	TokenExpiresAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (accountRow) TableName() string { return "accounts" }

func accountToRow(a *model.Account) *accountRow {
	return &accountRow{
		ID: a.ID, Provider: string(a.Provider), Email: a.Email, DisplayName: a.DisplayName,
		Host: a.Host, Port: a.Port, Username: a.Username, Status: string(a.Status),
		TokenExpiresAt: a.TokenExpiresAt, CreatedAt: a.CreatedAt, UpdatedAt: a.UpdatedAt,
	}
}

func (r *accountRow) model() model.Account {
	return model.Account{
		ID: r.ID, Provider: model.Provider(r.Provider), Email: r.Email, DisplayName: r.DisplayName,
		Host: r.Host, Port: r.Port, Username: r.Username, Status: model.AccountStatus(r.Status),
		TokenExpiresAt: r.TokenExpiresAt, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
}

type jobRow struct {
	ID               string `gorm:"primaryKey"`
	Name             string
	Description      string
	SourceAccountID  string
	TargetAccountID  string
	DataTypes        model.DataTypeSet `gorm:"serializer:json"`
	Phase            string
	Status           string
	TotalEmails      int64
	MigratedEmails   int64
	FailedEmails     int64
	TotalContacts    int64
	MigratedContacts int64
	FailedContacts   int64
	TotalEvents      int64
	MigratedEvents   int64
	FailedEvents     int64
	ProgressPercent  int
	LastError        string
	GoLiveRequested  bool
	ScheduledAt      *time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
	LastSyncAt       *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (jobRow) TableName() string { return "migration_jobs" }

func jobToRow(j *model.Job) *jobRow {
	return &jobRow{
		ID: j.ID, Name: j.Name, Description: j.Description,
		SourceAccountID: j.SourceAccountID, TargetAccountID: j.TargetAccountID,
		DataTypes: j.DataTypes, Phase: string(j.Phase), Status: string(j.Status),
		TotalEmails: j.Emails.Total, MigratedEmails: j.Emails.Migrated, FailedEmails: j.Emails.Failed,
		TotalContacts: j.Contacts.Total, MigratedContacts: j.Contacts.Migrated, FailedContacts: j.Contacts.Failed,
		TotalEvents: j.Events.Total, MigratedEvents: j.Events.Migrated, FailedEvents: j.Events.Failed,
		ProgressPercent: j.ProgressPercent, LastError: j.LastError, GoLiveRequested: j.GoLiveRequested,
		ScheduledAt: j.ScheduledAt, StartedAt: j.StartedAt, CompletedAt: j.CompletedAt, LastSyncAt: j.LastSyncAt,
		CreatedAt: j.CreatedAt, UpdatedAt: j.UpdatedAt,
	}
}

func (r *jobRow) model() *model.Job {
	return &model.Job{
		ID: r.ID, Name: r.Name, Description: r.Description,
		SourceAccountID: r.SourceAccountID, TargetAccountID: r.TargetAccountID,
		DataTypes: r.DataTypes, Phase: model.Phase(r.Phase), Status: model.Status(r.Status),
		Emails:          model.Counter{Total: r.TotalEmails, Migrated: r.MigratedEmails, Failed: r.FailedEmails},
		Contacts:        model.Counter{Total: r.TotalContacts, Migrated: r.MigratedContacts, Failed: r.FailedContacts},
		Events:          model.Counter{Total: r.TotalEvents, Migrated: r.MigratedEvents, Failed: r.FailedEvents},
		ProgressPercent: r.ProgressPercent, LastError: r.LastError, GoLiveRequested: r.GoLiveRequested,
		ScheduledAt: r.ScheduledAt, StartedAt: r.StartedAt, CompletedAt: r.CompletedAt, LastSyncAt: r.LastSyncAt,
		CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
}

type checkpointRow struct {
	ID                  string `gorm:"primaryKey"`
	JobID               string
	DataType            string
	PageToken           string
	HistoryID           string
	DeltaToken          string
	ListingComplete     bool
	InitialSyncComplete bool
	ProcessedCount      int64
	LastItemID          string
	LastSyncAt          *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

func (checkpointRow) TableName() string { return "sync_checkpoints" }

func checkpointToRow(cp *model.Checkpoint) *checkpointRow {
	return &checkpointRow{
		ID: cp.ID, JobID: cp.JobID, DataType: string(cp.DataType),
		PageToken: cp.PageToken, HistoryID: cp.HistoryID, DeltaToken: cp.DeltaToken,
		ListingComplete: cp.ListingComplete, InitialSyncComplete: cp.InitialSyncComplete, ProcessedCount: cp.ProcessedCount,
		LastItemID: cp.LastItemID, LastSyncAt: cp.LastSyncAt, CreatedAt: cp.CreatedAt, UpdatedAt: cp.UpdatedAt,
	}
}

func (r *checkpointRow) model() *model.Checkpoint {
	return &model.Checkpoint{
		ID: r.ID, JobID: r.JobID, DataType: model.DataType(r.DataType),
		PageToken: r.PageToken, HistoryID: r.HistoryID, DeltaToken: r.DeltaToken,
		ListingComplete: r.ListingComplete, InitialSyncComplete: r.InitialSyncComplete, ProcessedCount: r.ProcessedCount,
		LastItemID: r.LastItemID, LastSyncAt: r.LastSyncAt, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
}

type itemRow struct {
	JobID     string `gorm:"primaryKey"`
	DataType  string `gorm:"primaryKey"`
	SourceID  string `gorm:"primaryKey"`
	TargetID  string
	Status    string
	Error     string
	UpdatedAt time.Time
}

func (itemRow) TableName() string { return "migrated_items" }

type logRow struct {
	Seq          int64 `gorm:"primaryKey;autoIncrement"`
	ID           string
	JobID        string
	Level        string
	DataType     string
	Message      string
	ItemID       string
	ItemsCount   int64
	ErrorDetails string
	CreatedAt    time.Time
}

func (logRow) TableName() string { return "migration_logs" }
