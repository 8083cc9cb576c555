package transform

import "github.com/Martian-dev/mailmove/internal/model"

// Event returns a copy of e with attendee responses, busy state, reminder
// method and visibility in target's vocabulary.
func Event(e *model.Event, target model.Provider) *model.Event {
	if e == nil {
		return nil
	}
	out := *e
	out.Attendees = make([]model.Attendee, 0, len(e.Attendees))
	for _, a := range e.Attendees {
		a.ResponseStatus = ResponseStatus(a.ResponseStatus, target)
		out.Attendees = append(out.Attendees, a)
	}
	if e.Recurrence != nil {
		r := *e.Recurrence
		r.DaysOfWeek = cloneStrings(e.Recurrence.DaysOfWeek)
		r.Rules = cloneStrings(e.Recurrence.Rules)
		out.Recurrence = &r
	}
	if e.Reminder != nil {
		out.Reminder = &model.Reminder{
			Method:        ReminderMethod(e.Reminder.Method, target),
			MinutesBefore: e.Reminder.MinutesBefore,
		}
	}
	out.Status = BusyState(e.Status, target)
	out.Visibility = Visibility(e.Visibility, target)
	if e.Attachments != nil {
		out.Attachments = append([]model.Attachment(nil), e.Attachments...)
	}
	return &out
}

// ResponseStatus maps accepted/declined/tentative/needsAction to
// accepted/declined/tentativelyAccepted/none and back. Defaults: none
// (Microsoft), needsAction (Google).
func ResponseStatus(s string, target model.Provider) string {
	if googleVocabulary(target) {
		switch lower(s) {
		case "accepted":
			return "accepted"
		case "declined":
			return "declined"
		case "tentative", "tentativelyaccepted":
			return "tentative"
		}
		return "needsAction"
	}
	switch lower(s) {
	case "accepted":
		return "accepted"
	case "declined":
		return "declined"
	case "tentative", "tentativelyaccepted":
		return "tentativelyAccepted"
	}
	return "none"
}

// BusyState maps Google event status confirmed/tentative/cancelled to
// Microsoft show-as busy/tentative/free and back. oof and workingElsewhere
// exist only on Microsoft and become confirmed on Google. Defaults: busy
// (Microsoft), confirmed (Google).
func BusyState(s string, target model.Provider) string {
	if googleVocabulary(target) {
		switch lower(s) {
		case "tentative":
			return "tentative"
		case "free", "cancelled":
			return "cancelled"
		}
		return "confirmed"
	}
	switch lower(s) {
	case "confirmed", "busy":
		return "busy"
	case "tentative":
		return "tentative"
	case "cancelled", "free":
		return "free"
	case "oof", "outofoffice":
		return "oof"
	case "workingelsewhere":
		return "workingElsewhere"
	}
	return "busy"
}

// ReminderMethod maps popup/email to alert/email and back. Microsoft has no
// SMS reminder; sms becomes alert. Defaults: alert (Microsoft), popup
// (Google).
func ReminderMethod(m string, target model.Provider) string {
	if googleVocabulary(target) {
		if lower(m) == "email" {
			return "email"
		}
		return "popup"
	}
	if lower(m) == "email" {
		return "email"
	}
	return "alert"
}

// Visibility maps public/default to normal and back; private and
// confidential are shared. Defaults: normal (Microsoft), default (Google).
func Visibility(v string, target model.Provider) string {
	switch lower(v) {
	case "private":
		return "private"
	case "confidential":
		return "confidential"
	}
	if googleVocabulary(target) {
		return "default"
	}
	return "normal"
}
