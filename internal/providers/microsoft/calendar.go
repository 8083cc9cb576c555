package microsoft

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/microsoft/kiota-abstractions-go/serialization"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/users"

	"github.com/Martian-dev/mailmove/internal/connector"
	"github.com/Martian-dev/mailmove/internal/model"
)

// graphTimeLayout is the dateTime format of dateTimeTimeZone values.
const graphTimeLayout = "2006-01-02T15:04:05.9999999"

// Events is the Graph calendar connector. Listing, counting and changes
// walk every calendar the account owns, the default calendar first and the
// rest by id. Events outside the default calendar carry
// "calendarID|eventID" as their id; Graph ids are base64 and never contain
// the separator. New events go to the default calendar. The incremental
// cursor maps calendar ids to delta links.
type Events struct {
	c *Client
}

var (
	_ connector.EventConnector = (*Events)(nil)
	_ connector.CalendarLister = (*Events)(nil)
)

const eventRefSep = "|"

type graphCalendar struct {
	id        string
	name      string
	isDefault bool
}

func (c graphCalendar) ref(id string) string {
	if c.isDefault {
		return id
	}
	return c.id + eventRefSep + id
}

// eventID strips the calendar prefix. Graph addresses an event by id alone
// whatever calendar holds it.
func eventID(ref string) string {
	if _, id, ok := strings.Cut(ref, eventRefSep); ok {
		return id
	}
	return ref
}

// calendarPage is the page token of a walk over several calendars. Link
// is the Graph next link inside the calendar.
type calendarPage struct {
	Calendar string `json:"c"`
	Link     string `json:"p,omitempty"`
}

// ownedCalendars returns the calendars the account owns, default first
// and the rest by id. Only the owner of a calendar can share it, which
// tells owned calendars from shared ones.
func ownedCalendars(ctx context.Context, u *users.UserItemRequestBuilder) ([]graphCalendar, error) {
	builder := u.Calendars()
	resp, err := builder.Get(ctx, &users.ItemCalendarsRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemCalendarsRequestBuilderGetQueryParameters{
			Select: []string{"id", "name", "isDefaultCalendar", "canShare"},
		},
	})
	var out []graphCalendar
	for err == nil {
		for _, c := range resp.GetValue() {
			gc := graphCalendar{id: deref(c.GetId()), name: deref(c.GetName()), isDefault: deref(c.GetIsDefaultCalendar())}
			if gc.isDefault || deref(c.GetCanShare()) {
				out = append(out, gc)
			}
		}
		nl := deref(resp.GetOdataNextLink())
		if nl == "" {
			break
		}
		resp, err = builder.WithUrl(nl).Get(ctx, nil)
	}
	if err != nil {
		return nil, classify("list calendars", err)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].isDefault != out[j].isDefault {
			return out[i].isDefault
		}
		return out[i].id < out[j].id
	})
	return out, nil
}

func defaultCalendar(cals []graphCalendar) string {
	if len(cals) > 0 && cals[0].isDefault {
		return cals[0].id
	}
	return ""
}

// resumeAt returns the index of calendar id in cals. A calendar deleted
// since the token was issued resumes at the next one in walk order.
func resumeAt(cals []graphCalendar, id string) (int, bool) {
	for i, c := range cals {
		if c.id == id {
			return i, true
		}
	}
	for i, c := range cals {
		if !c.isDefault && c.id > id {
			return i, false
		}
	}
	return len(cals), false
}

func (e *Events) ListPage(ctx context.Context, acct *model.Account, pageToken string, maxResults int) (*connector.Page[*model.Event], error) {
	u, err := e.c.user(ctx, acct)
	if err != nil {
		return nil, err
	}
	cals, err := ownedCalendars(ctx, u)
	if err != nil {
		return nil, err
	}

	var cur calendarPage
	switch {
	case pageToken == "":
		if len(cals) > 0 {
			cur.Calendar = cals[0].id
		}
	case strings.HasPrefix(pageToken, "http"):
		// a bare next link predates the calendar walk and points into the
		// default calendar
		cur = calendarPage{Calendar: defaultCalendar(cals), Link: pageToken}
	default:
		if err := json.Unmarshal([]byte(pageToken), &cur); err != nil {
			return nil, connector.E(connector.KindPermanent, "list events", fmt.Errorf("bad page token: %w", err))
		}
	}
	i, found := resumeAt(cals, cur.Calendar)
	if !found {
		cur.Link = ""
	}
	page := &connector.Page[*model.Event]{}
	if i == len(cals) {
		return page, nil
	}
	cal := cals[i]

	events := u.Calendars().ByCalendarId(cal.id).Events()
	var resp models.EventCollectionResponseable
	if cur.Link == "" {
		resp, err = events.Get(ctx, &users.ItemCalendarsItemEventsRequestBuilderGetRequestConfiguration{
			QueryParameters: &users.ItemCalendarsItemEventsRequestBuilderGetQueryParameters{
				Top: ptr(int32(maxResults)),
			},
		})
	} else {
		resp, err = events.WithUrl(cur.Link).Get(ctx, nil)
	}
	if err != nil {
		return nil, classify("list events", err)
	}
	for _, ge := range resp.GetValue() {
		page.Items = append(page.Items, fromCalendarEvent(ge, cal))
	}

	if nl := deref(resp.GetOdataNextLink()); nl != "" {
		page.NextPageToken = encodeToken(calendarPage{Calendar: cal.id, Link: nl})
	} else if i+1 < len(cals) {
		page.NextPageToken = encodeToken(calendarPage{Calendar: cals[i+1].id})
	}
	return page, nil
}

func (e *Events) Get(ctx context.Context, acct *model.Account, id string) (*model.Event, error) {
	u, err := e.c.user(ctx, acct)
	if err != nil {
		return nil, err
	}
	ge, err := u.Events().ByEventId(eventID(id)).Get(ctx, nil)
	if err != nil {
		return nil, classify("get event", err)
	}
	ev := fromEvent(ge)
	ev.ID = id
	if cal, _, ok := strings.Cut(id, eventRefSep); ok {
		ev.CalendarID = cal
	}
	return ev, nil
}

func (e *Events) Create(ctx context.Context, acct *model.Account, ev *model.Event) (string, error) {
	u, err := e.c.user(ctx, acct)
	if err != nil {
		return "", err
	}
	created, err := u.Calendar().Events().Post(ctx, toEvent(ev), nil)
	if err != nil {
		return "", classify("create event", err)
	}
	return deref(created.GetId()), nil
}

func (e *Events) Update(ctx context.Context, acct *model.Account, id string, ev *model.Event) error {
	u, err := e.c.user(ctx, acct)
	if err != nil {
		return err
	}
	_, err = u.Events().ByEventId(eventID(id)).Patch(ctx, toEvent(ev), nil)
	return classify("update event", err)
}

func (e *Events) Delete(ctx context.Context, acct *model.Account, id string) error {
	u, err := e.c.user(ctx, acct)
	if err != nil {
		return err
	}
	return classify("delete event", u.Events().ByEventId(eventID(id)).Delete(ctx, nil))
}

// Count sums the $count of every owned calendar.
func (e *Events) Count(ctx context.Context, acct *model.Account) (int64, error) {
	u, err := e.c.user(ctx, acct)
	if err != nil {
		return 0, err
	}
	cals, err := ownedCalendars(ctx, u)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, cal := range cals {
		resp, err := u.Calendars().ByCalendarId(cal.id).Events().Get(ctx, &users.ItemCalendarsItemEventsRequestBuilderGetRequestConfiguration{
			QueryParameters: &users.ItemCalendarsItemEventsRequestBuilderGetQueryParameters{
				Top:    ptr(int32(1)),
				Select: []string{"id"},
				Count:  ptr(true),
			},
		})
		if err != nil {
			return 0, classify("count events", err)
		}
		n += deref(resp.GetOdataCount())
	}
	return n, nil
}

// IncrementalChanges follows the delta link of every owned calendar. A
// calendar missing from the cursor starts a fresh delta whose first round
// is reported as changes. An empty cursor only collects delta links.
func (e *Events) IncrementalChanges(ctx context.Context, acct *model.Account, syncToken string) (*connector.Changes[*model.Event], error) {
	u, err := e.c.user(ctx, acct)
	if err != nil {
		return nil, err
	}
	cals, err := ownedCalendars(ctx, u)
	if err != nil {
		return nil, err
	}

	prev := map[string]string{}
	switch {
	case syncToken == "":
	case strings.HasPrefix(syncToken, "http"):
		prev[defaultCalendar(cals)] = syncToken
	default:
		if err := json.Unmarshal([]byte(syncToken), &prev); err != nil {
			return nil, connector.E(connector.KindTokenExpired, "event delta", fmt.Errorf("unreadable sync token: %w", err))
		}
	}

	changes := &connector.Changes[*model.Event]{}
	next := make(map[string]string, len(cals))
	for _, cal := range cals {
		link, err := e.calendarDelta(ctx, u, cal, prev[cal.id], syncToken != "", changes)
		if err != nil {
			return nil, err
		}
		next[cal.id] = link
	}
	changes.NewSyncToken = encodeToken(next)
	return changes, nil
}

// calendarDelta drains one calendar's delta from link, or from a fresh
// delta when link is empty, and returns the new delta link. Items are
// recorded only when report is set.
func (e *Events) calendarDelta(ctx context.Context, u *users.UserItemRequestBuilder, cal graphCalendar, link string, report bool, changes *connector.Changes[*model.Event]) (string, error) {
	builder := u.Calendars().ByCalendarId(cal.id).Events().Delta()
	for {
		var resp users.ItemCalendarsItemEventsDeltaGetResponseable
		var err error
		if link != "" {
			resp, err = builder.WithUrl(link).GetAsDeltaGetResponse(ctx, nil)
		} else {
			start, end := deltaWindow(time.Now())
			resp, err = builder.GetAsDeltaGetResponse(ctx, &users.ItemCalendarsItemEventsDeltaRequestBuilderGetRequestConfiguration{
				QueryParameters: &users.ItemCalendarsItemEventsDeltaRequestBuilderGetQueryParameters{
					StartDateTime: ptr(start.Format(time.RFC3339)),
					EndDateTime:   ptr(end.Format(time.RFC3339)),
				},
			})
		}
		if err != nil {
			return "", classify("event delta", err)
		}
		if report {
			for _, ge := range resp.GetValue() {
				if gone(ge.GetAdditionalData()) || deref(ge.GetIsCancelled()) {
					changes.DeletedIDs = append(changes.DeletedIDs, cal.ref(deref(ge.GetId())))
					continue
				}
				changes.Modified = append(changes.Modified, fromCalendarEvent(ge, cal))
			}
		}
		if nl := deref(resp.GetOdataNextLink()); nl != "" {
			link = nl
			continue
		}
		return deref(resp.GetOdataDeltaLink()), nil
	}
}

// ListCalendars returns the calendars a migration reads.
func (e *Events) ListCalendars(ctx context.Context, acct *model.Account) ([]model.Calendar, error) {
	u, err := e.c.user(ctx, acct)
	if err != nil {
		return nil, err
	}
	cals, err := ownedCalendars(ctx, u)
	if err != nil {
		return nil, err
	}
	out := make([]model.Calendar, 0, len(cals))
	for _, c := range cals {
		out = append(out, model.Calendar{ID: c.id, Name: c.name, Primary: c.isDefault})
	}
	return out, nil
}

// deltaWindow is the calendar view a fresh delta tracks. Graph only
// tracks events inside a bounded range.
func deltaWindow(now time.Time) (start, end time.Time) {
	return now.AddDate(-20, 0, 0).UTC().Truncate(24 * time.Hour), now.AddDate(10, 0, 0).UTC().Truncate(24 * time.Hour)
}

func encodeToken(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func fromCalendarEvent(ge models.Eventable, cal graphCalendar) *model.Event {
	ev := fromEvent(ge)
	ev.ID = cal.ref(ev.ID)
	ev.CalendarID = cal.id
	return ev
}

func fromEvent(ge models.Eventable) *model.Event {
	ev := &model.Event{
		ID:         deref(ge.GetId()),
		ICalUID:    deref(ge.GetICalUId()),
		Subject:    deref(ge.GetSubject()),
		AllDay:     deref(ge.GetIsAllDay()),
		Cancelled:  deref(ge.GetIsCancelled()),
		Recurrence: fromPatterned(ge.GetRecurrence()),
		TimeZone:   deref(ge.GetOriginalStartTimeZone()),
	}
	var tz string
	ev.Start, tz = fromDateTimeZone(ge.GetStart())
	ev.End, _ = fromDateTimeZone(ge.GetEnd())
	if ev.TimeZone == "" {
		ev.TimeZone = tz
	}
	if body := ge.GetBody(); body != nil {
		ev.Description = deref(body.GetContent())
	}
	if loc := ge.GetLocation(); loc != nil {
		ev.Location = deref(loc.GetDisplayName())
	}
	if org := ge.GetOrganizer(); org != nil && org.GetEmailAddress() != nil {
		ev.Organizer = deref(org.GetEmailAddress().GetAddress())
	}
	for _, a := range ge.GetAttendees() {
		att := model.Attendee{}
		if ea := a.GetEmailAddress(); ea != nil {
			att.Email = deref(ea.GetAddress())
			att.DisplayName = deref(ea.GetName())
		}
		if st := a.GetStatus(); st != nil && st.GetResponse() != nil {
			att.ResponseStatus = st.GetResponse().String()
			att.Organizer = *st.GetResponse() == models.ORGANIZER_RESPONSETYPE
		}
		if t := a.GetTypeEscaped(); t != nil {
			att.Optional = t.String() == "optional"
		}
		ev.Attendees = append(ev.Attendees, att)
	}
	if deref(ge.GetIsReminderOn()) {
		ev.Reminder = &model.Reminder{Method: "alert", MinutesBefore: int(deref(ge.GetReminderMinutesBeforeStart()))}
	}
	if s := ge.GetShowAs(); s != nil {
		ev.Status = s.String()
	}
	if s := ge.GetSensitivity(); s != nil {
		ev.Visibility = s.String()
	}
	if om := ge.GetOnlineMeeting(); om != nil {
		ev.OnlineMeetingURL = deref(om.GetJoinUrl())
	}
	return ev
}

// toEvent builds the Graph event to write. Attendee responses are owned by
// the attendees and are not written.
func toEvent(ev *model.Event) models.Eventable {
	ge := models.NewEvent()
	ge.SetSubject(ptr(ev.Subject))
	if ev.Description != "" {
		body := models.NewItemBody()
		ct := models.TEXT_BODYTYPE
		if strings.Contains(ev.Description, "<") {
			ct = models.HTML_BODYTYPE
		}
		body.SetContentType(&ct)
		body.SetContent(ptr(ev.Description))
		ge.SetBody(body)
	}
	ge.SetStart(toDateTimeZone(ev.Start, ev.AllDay, ev.TimeZone))
	ge.SetEnd(toDateTimeZone(ev.End, ev.AllDay, ev.TimeZone))
	ge.SetIsAllDay(ptr(ev.AllDay))
	if ev.Location != "" {
		loc := models.NewLocation()
		loc.SetDisplayName(ptr(ev.Location))
		ge.SetLocation(loc)
	}
	if ev.Organizer != "" {
		ge.SetOrganizer(recipient(ev.Organizer))
	}
	attendees := make([]models.Attendeeable, 0, len(ev.Attendees))
	for _, a := range ev.Attendees {
		att := models.NewAttendee()
		ea := models.NewEmailAddress()
		ea.SetAddress(ptr(a.Email))
		ea.SetName(strPtr(a.DisplayName))
		att.SetEmailAddress(ea)
		kind := "required"
		if a.Optional {
			kind = "optional"
		}
		if v, err := models.ParseAttendeeType(kind); err == nil && v != nil {
			att.SetTypeEscaped(v.(*models.AttendeeType))
		}
		attendees = append(attendees, att)
	}
	ge.SetAttendees(attendees)

	if ev.Reminder != nil {
		ge.SetIsReminderOn(ptr(true))
		ge.SetReminderMinutesBeforeStart(ptr(int32(ev.Reminder.MinutesBefore)))
	} else {
		ge.SetIsReminderOn(ptr(false))
	}
	if v, err := models.ParseFreeBusyStatus(ev.Status); err == nil && v != nil {
		ge.SetShowAs(v.(*models.FreeBusyStatus))
	}
	if v, err := models.ParseSensitivity(ev.Visibility); err == nil && v != nil {
		ge.SetSensitivity(v.(*models.Sensitivity))
	}
	if ev.Recurrence != nil {
		ge.SetRecurrence(toPatterned(ev.Recurrence, ev.Start))
	}
	return ge
}

// fromDateTimeZone reads a Graph local time in its zone. Windows zone
// names that Go does not know are read as UTC.
func fromDateTimeZone(dt models.DateTimeTimeZoneable) (time.Time, string) {
	if dt == nil {
		return time.Time{}, ""
	}
	tz := deref(dt.GetTimeZone())
	loc := time.UTC
	if l, err := time.LoadLocation(tz); err == nil && tz != "" {
		loc = l
	}
	t, err := time.ParseInLocation(graphTimeLayout, deref(dt.GetDateTime()), loc)
	if err != nil {
		return time.Time{}, tz
	}
	return t, tz
}

func toDateTimeZone(t time.Time, allDay bool, tz string) models.DateTimeTimeZoneable {
	dt := models.NewDateTimeTimeZone()
	loc := time.UTC
	if l, err := time.LoadLocation(tz); err == nil && tz != "" {
		loc = l
	} else {
		tz = "UTC"
	}
	local := t.In(loc)
	if allDay {
		// all day events start and end at local midnight
		local = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	}
	dt.SetDateTime(ptr(local.Format("2006-01-02T15:04:05")))
	dt.SetTimeZone(ptr(tz))
	return dt
}

func fromPatterned(pr models.PatternedRecurrenceable) *model.Recurrence {
	if pr == nil || pr.GetPattern() == nil {
		return nil
	}
	p := pr.GetPattern()
	r := &model.Recurrence{
		Interval:    int(deref(p.GetInterval())),
		DayOfMonth:  int(deref(p.GetDayOfMonth())),
		MonthOfYear: int(deref(p.GetMonth())),
	}
	if t := p.GetTypeEscaped(); t != nil {
		switch t.String() {
		case "daily":
			r.Pattern = "DAILY"
		case "weekly":
			r.Pattern = "WEEKLY"
		case "absoluteMonthly", "relativeMonthly":
			r.Pattern = "MONTHLY"
		case "absoluteYearly", "relativeYearly":
			r.Pattern = "YEARLY"
		}
	}
	for _, d := range p.GetDaysOfWeek() {
		r.DaysOfWeek = append(r.DaysOfWeek, d.String())
	}
	if rng := pr.GetRangeEscaped(); rng != nil && rng.GetTypeEscaped() != nil {
		switch rng.GetTypeEscaped().String() {
		case "endDate":
			if d := rng.GetEndDate(); d != nil {
				if t, err := time.Parse("2006-01-02", d.String()); err == nil {
					r.EndDate = &t
				}
			}
		case "numbered":
			r.Occurrences = int(deref(rng.GetNumberOfOccurrences()))
		}
	}
	return r
}

// toPatterned maps the structured recurrence onto a Graph pattern. Missing
// anchors (weekday, day of month, month) are taken from start.
func toPatterned(r *model.Recurrence, start time.Time) models.PatternedRecurrenceable {
	var kind string
	switch strings.ToUpper(r.Pattern) {
	case "DAILY":
		kind = "daily"
	case "WEEKLY":
		kind = "weekly"
	case "MONTHLY":
		kind = "absoluteMonthly"
		if len(r.DaysOfWeek) > 0 {
			kind = "relativeMonthly"
		}
	case "YEARLY":
		kind = "absoluteYearly"
	default:
		return nil
	}

	p := models.NewRecurrencePattern()
	if v, err := models.ParseRecurrencePatternType(kind); err == nil && v != nil {
		p.SetTypeEscaped(v.(*models.RecurrencePatternType))
	}
	interval := r.Interval
	if interval < 1 {
		interval = 1
	}
	p.SetInterval(ptr(int32(interval)))

	days := r.DaysOfWeek
	if len(days) == 0 && kind == "weekly" {
		days = []string{strings.ToLower(start.Weekday().String())}
	}
	var dow []models.DayOfWeek
	for _, d := range days {
		if v, err := models.ParseDayOfWeek(strings.ToLower(d)); err == nil && v != nil {
			dow = append(dow, *v.(*models.DayOfWeek))
		}
	}
	if len(dow) > 0 {
		p.SetDaysOfWeek(dow)
	}
	if kind == "absoluteMonthly" || kind == "absoluteYearly" {
		day := r.DayOfMonth
		if day == 0 {
			day = start.Day()
		}
		p.SetDayOfMonth(ptr(int32(day)))
	}
	if kind == "absoluteYearly" {
		month := r.MonthOfYear
		if month == 0 {
			month = int(start.Month())
		}
		p.SetMonth(ptr(int32(month)))
	}

	rng := models.NewRecurrenceRange()
	rng.SetStartDate(serialization.NewDateOnly(start))
	rangeKind := "noEnd"
	switch {
	case r.Occurrences > 0:
		rangeKind = "numbered"
		rng.SetNumberOfOccurrences(ptr(int32(r.Occurrences)))
	case r.EndDate != nil:
		rangeKind = "endDate"
		rng.SetEndDate(serialization.NewDateOnly(*r.EndDate))
	}
	if v, err := models.ParseRecurrenceRangeType(rangeKind); err == nil && v != nil {
		rng.SetTypeEscaped(v.(*models.RecurrenceRangeType))
	}

	pr := models.NewPatternedRecurrence()
	pr.SetPattern(p)
	pr.SetRangeEscaped(rng)
	return pr
}
