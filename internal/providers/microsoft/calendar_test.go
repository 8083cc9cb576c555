package microsoft

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailmove/internal/connector"
	"github.com/Martian-dev/mailmove/internal/model"
)

var graphAcct = &model.Account{ID: "acct-m", Provider: model.ProviderMicrosoft, Email: "ana@example.com"}

func writeGraph(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// graphCalendars serves an account with a default calendar, a second owned
// calendar and one shared by someone else.
func graphCalendars(t *testing.T) (*Client, *http.ServeMux, string) {
	t.Helper()
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	base := srv.URL
	link := func(cal, rest string) string {
		return base + "/users/ana@example.com/calendars/" + cal + "/events" + rest
	}

	mux.HandleFunc("GET /users/{user}/calendars", func(w http.ResponseWriter, r *http.Request) {
		writeGraph(w, map[string]any{"value": []map[string]any{
			{"id": "cal-b", "name": "Side", "canShare": true},
			{"id": "cal-def", "name": "Calendar", "isDefaultCalendar": true, "canShare": true},
			{"id": "cal-shared", "name": "Boss", "canShare": false},
		}})
	})
	mux.HandleFunc("GET /users/{user}/calendars/{cal}/events", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		cal := r.PathValue("cal")
		if q.Get("$count") == "true" {
			writeGraph(w, map[string]any{"@odata.count": map[string]int{"cal-def": 2, "cal-b": 1}[cal], "value": []any{}})
			return
		}
		switch {
		case cal == "cal-def" && q.Get("$skiptoken") == "":
			writeGraph(w, map[string]any{
				"value":           []map[string]any{{"id": "d1", "subject": "one"}},
				"@odata.nextLink": link("cal-def", "?$skiptoken=2"),
			})
		case cal == "cal-def":
			writeGraph(w, map[string]any{"value": []map[string]any{{"id": "d2", "subject": "two"}}})
		case cal == "cal-b":
			writeGraph(w, map[string]any{"value": []map[string]any{{"id": "b1", "subject": "side"}}})
		default:
			t.Errorf("listed calendar %s", cal)
			w.WriteHeader(http.StatusNotFound)
		}
	})
	mux.HandleFunc("GET /users/{user}/calendars/{cal}/events/{fn}", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		cal := r.PathValue("cal")
		switch tok := q.Get("$deltatoken"); {
		case tok == "":
			assert.NotEmpty(t, q.Get("startDateTime"))
			assert.NotEmpty(t, q.Get("endDateTime"))
			writeGraph(w, map[string]any{
				"value":            []map[string]any{{"id": cal + "-fresh"}},
				"@odata.deltaLink": link(cal, "/delta()?$deltatoken="+cal+"-1"),
			})
		case tok == "cal-def-1":
			writeGraph(w, map[string]any{
				"value": []map[string]any{
					{"id": "d3", "subject": "three"},
					{"id": "d1", "@removed": map[string]string{"reason": "deleted"}},
				},
				"@odata.deltaLink": link(cal, "/delta()?$deltatoken=cal-def-2"),
			})
		default:
			t.Errorf("unexpected delta token %s", tok)
			w.WriteHeader(http.StatusGone)
		}
	})

	c := &Client{endpoint: base, clients: make(map[string]*msgraphsdk.GraphServiceClient)}
	return c, mux, base
}

func TestEventsListPageWalksOwnedCalendars(t *testing.T) {
	c, _, _ := graphCalendars(t)
	e := &Events{c: c}
	ctx := context.Background()

	var ids, cals []string
	token := ""
	for i := 0; i < 5; i++ {
		page, err := e.ListPage(ctx, graphAcct, token, 1)
		require.NoError(t, err)
		for _, ev := range page.Items {
			ids = append(ids, ev.ID)
			cals = append(cals, ev.CalendarID)
		}
		if page.NextPageToken == "" {
			break
		}
		token = page.NextPageToken
	}
	assert.Equal(t, []string{"d1", "d2", "cal-b|b1"}, ids)
	assert.Equal(t, []string{"cal-def", "cal-def", "cal-b"}, cals)
}

func TestEventsListPageResumesBareNextLink(t *testing.T) {
	c, _, base := graphCalendars(t)
	e := &Events{c: c}

	page, err := e.ListPage(context.Background(), graphAcct, base+"/users/ana@example.com/calendars/cal-def/events?$skiptoken=2", 1)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "d2", page.Items[0].ID)
	assert.JSONEq(t, `{"c":"cal-b"}`, page.NextPageToken)
}

func TestEventsCountSumsOwnedCalendars(t *testing.T) {
	c, _, _ := graphCalendars(t)
	n, err := (&Events{c: c}).Count(context.Background(), graphAcct)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestEventsIncrementalChangesPerCalendar(t *testing.T) {
	c, _, base := graphCalendars(t)
	e := &Events{c: c}
	ctx := context.Background()
	deltaLink := func(cal, tok string) string {
		return base + "/users/ana@example.com/calendars/" + cal + "/events/delta()?$deltatoken=" + tok
	}

	first, err := e.IncrementalChanges(ctx, graphAcct, "")
	require.NoError(t, err)
	assert.Empty(t, first.Modified, "a fresh cursor reports nothing")
	var cursor map[string]string
	require.NoError(t, json.Unmarshal([]byte(first.NewSyncToken), &cursor))
	assert.Equal(t, map[string]string{
		"cal-def": deltaLink("cal-def", "cal-def-1"),
		"cal-b":   deltaLink("cal-b", "cal-b-1"),
	}, cursor)

	for _, tok := range []string{
		encodeToken(map[string]string{"cal-def": deltaLink("cal-def", "cal-def-1")}),
		deltaLink("cal-def", "cal-def-1"),
	} {
		changes, err := e.IncrementalChanges(ctx, graphAcct, tok)
		require.NoError(t, err)
		var modified []string
		for _, ev := range changes.Modified {
			modified = append(modified, ev.ID)
		}
		// cal-b is not in the cursor so its first delta round is reported
		assert.Equal(t, []string{"d3", "cal-b|cal-b-fresh"}, modified)
		assert.Equal(t, []string{"d1"}, changes.DeletedIDs)
		require.NoError(t, json.Unmarshal([]byte(changes.NewSyncToken), &cursor))
		assert.Equal(t, deltaLink("cal-def", "cal-def-2"), cursor["cal-def"])
	}

	_, err = e.IncrementalChanges(ctx, graphAcct, "garbage")
	assert.True(t, connector.IsKind(err, connector.KindTokenExpired))
}

func TestEventsGetStripsCalendarPrefix(t *testing.T) {
	c, mux, _ := graphCalendars(t)
	var asked []string
	mux.HandleFunc("GET /users/{user}/events/{id}", func(w http.ResponseWriter, r *http.Request) {
		asked = append(asked, r.PathValue("id"))
		writeGraph(w, map[string]any{"id": r.PathValue("id"), "subject": "side"})
	})
	e := &Events{c: c}

	ev, err := e.Get(context.Background(), graphAcct, "cal-b|b1")
	require.NoError(t, err)
	assert.Equal(t, []string{"b1"}, asked)
	assert.Equal(t, "cal-b|b1", ev.ID)
	assert.Equal(t, "cal-b", ev.CalendarID)

	cals, err := e.ListCalendars(context.Background(), graphAcct)
	require.NoError(t, err)
	assert.Equal(t, []model.Calendar{
		{ID: "cal-def", Name: "Calendar", Primary: true},
		{ID: "cal-b", Name: "Side"},
	}, cals)
}
