package model

import "time"

// Event is a provider neutral calendar event.
type Event struct {
	ID               string       `json:"id"`
	ICalUID          string       `json:"ical_uid,omitempty"`
	CalendarID       string       `json:"calendar_id,omitempty"`
	Subject          string       `json:"subject,omitempty"`
	Description      string       `json:"description,omitempty"`
	Location         string       `json:"location,omitempty"`
	Start            time.Time    `json:"start"`
	End              time.Time    `json:"end"`
	TimeZone         string       `json:"time_zone,omitempty"`
	AllDay           bool         `json:"all_day"`
	Organizer        string       `json:"organizer,omitempty"`
	Attendees        []Attendee   `json:"attendees,omitempty"`
	Recurrence       *Recurrence  `json:"recurrence,omitempty"`
	Reminder         *Reminder    `json:"reminder,omitempty"`
	Status           string       `json:"status,omitempty"`
	Visibility       string       `json:"visibility,omitempty"`
	Cancelled        bool         `json:"cancelled"`
	OnlineMeetingURL string       `json:"online_meeting_url,omitempty"`
	Attachments      []Attachment `json:"attachments,omitempty"`
}

// ItemID returns the source provider id.
func (e *Event) ItemID() string { return e.ID }

// Attendee is an invitee and their response.
type Attendee struct {
	Email          string `json:"email"`
	DisplayName    string `json:"display_name,omitempty"`
	ResponseStatus string `json:"response_status,omitempty"`
	Organizer      bool   `json:"organizer,omitempty"`
	Optional       bool   `json:"optional,omitempty"`
}

// Recurrence describes a repeating event. Rules holds raw RRULE lines when
// the source provider exposes them.
type Recurrence struct {
	Pattern     string     `json:"pattern,omitempty"` // DAILY, WEEKLY, MONTHLY, YEARLY
	Interval    int        `json:"interval,omitempty"`
	DaysOfWeek  []string   `json:"days_of_week,omitempty"`
	DayOfMonth  int        `json:"day_of_month,omitempty"`
	MonthOfYear int        `json:"month_of_year,omitempty"`
	EndDate     *time.Time `json:"end_date,omitempty"`
	Occurrences int        `json:"occurrences,omitempty"`
	Rules       []string   `json:"rules,omitempty"`
}

// Reminder is an event notification.
type Reminder struct {
	Method        string `json:"method,omitempty"`
	MinutesBefore int    `json:"minutes_before"`
}

// Calendar is a calendar container on an account.
type Calendar struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Primary bool   `json:"primary"`
}
