package source

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"

	"github.com/calmirror/calmirror/internal/event"
)

var ErrConnectionFailed = errors.New("connection failed")

const (
	defaultTimeout = 30 * time.Second
	minTLSVersion  = tls.VersionTLS12
)

// Calendar describes one calendar discovered on the source account.
type Calendar struct {
	Path string `json:"path"`
	Name string `json:"name"`
}

// CalDAVClient fetches source events over CalDAV.
type CalDAVClient struct {
	baseURL      string
	caldavClient *caldav.Client

	expandRecurring bool
}

// NewCalDAVClient creates a client against a CalDAV account.
func NewCalDAVClient(baseURL, username, password string, expandRecurring bool) (*CalDAVClient, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("%w: base URL is required", ErrConnectionFailed)
	}
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		baseURL = "https://" + baseURL
	}

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: minTLSVersion,
		},
		MaxIdleConns:        10,
		IdleConnTimeout:     30 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	httpClient := &http.Client{
		Timeout:   defaultTimeout,
		Transport: transport,
	}

	client, err := caldav.NewClient(
		webdav.HTTPClientWithBasicAuth(httpClient, username, password),
		baseURL,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create CalDAV client: %w", ErrConnectionFailed, err)
	}

	return &CalDAVClient{
		baseURL:         baseURL,
		caldavClient:    client,
		expandRecurring: expandRecurring,
	}, nil
}

// TestConnection verifies the account is reachable.
func (c *CalDAVClient) TestConnection(ctx context.Context) error {
	if _, err := c.caldavClient.FindCurrentUserPrincipal(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return nil
}

// FindCalendars discovers all calendars for the account.
func (c *CalDAVClient) FindCalendars(ctx context.Context) ([]Calendar, error) {
	principal, err := c.caldavClient.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to find principal: %w", ErrFetch, err)
	}

	homeSet, err := c.caldavClient.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to find home set: %w", ErrFetch, err)
	}

	cals, err := c.caldavClient.FindCalendars(ctx, homeSet)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to find calendars: %w", ErrFetch, err)
	}

	calendars := make([]Calendar, 0, len(cals))
	for _, cal := range cals {
		calendars = append(calendars, Calendar{Path: cal.Path, Name: cal.Name})
	}
	return calendars, nil
}

// ListEvents fetches events in [from, to] from the selected calendars,
// expanding recurring events into per-instance SourceEvents when enabled.
func (c *CalDAVClient) ListEvents(ctx context.Context, sel Selector, from, to time.Time) ([]event.SourceEvent, error) {
	calendars, err := c.FindCalendars(ctx)
	if err != nil {
		return nil, err
	}
	if len(calendars) == 0 {
		return nil, fmt.Errorf("%w: account has no calendars", ErrCalendarNotFound)
	}

	selected, err := selectCalendars(calendars, sel)
	if err != nil {
		return nil, err
	}

	var all []event.SourceEvent
	for _, cal := range selected {
		events, err := c.queryCalendar(ctx, cal, from, to)
		if err != nil {
			// One bad calendar does not doom the rest of the fetch.
			log.Printf("Failed to fetch events from calendar %q: %v", cal.Name, err)
			continue
		}
		log.Printf("Fetched %d events from calendar %q", len(events), cal.Name)
		all = append(all, events...)
	}
	return all, nil
}

func selectCalendars(calendars []Calendar, sel Selector) ([]Calendar, error) {
	if len(sel.Calendars) == 0 {
		return calendars, nil
	}

	byName := make(map[string]Calendar, len(calendars))
	for _, cal := range calendars {
		byName[cal.Name] = cal
	}

	selected := make([]Calendar, 0, len(sel.Calendars))
	for _, name := range sel.Calendars {
		cal, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrCalendarNotFound, name)
		}
		selected = append(selected, cal)
	}
	return selected, nil
}

func (c *CalDAVClient) queryCalendar(ctx context.Context, cal Calendar, from, to time.Time) ([]event.SourceEvent, error) {
	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name: "VCALENDAR",
			Comps: []caldav.CalendarCompRequest{
				{Name: "VEVENT"},
			},
		},
		CompFilter: caldav.CompFilter{
			Name: "VCALENDAR",
			Comps: []caldav.CompFilter{
				{Name: "VEVENT", Start: from, End: to},
			},
		},
	}

	objects, err := c.caldavClient.QueryCalendar(ctx, cal.Path, query)
	if err != nil {
		return nil, fmt.Errorf("%w: query %q: %w", ErrFetch, cal.Name, err)
	}

	// Explicit VEVENTs (including RECURRENCE-ID overrides sent by the
	// server) win over instances we generate by expansion, so a modified
	// instance is not emitted twice under the same key.
	var explicit, generated []event.SourceEvent
	for _, obj := range objects {
		if obj.Data == nil {
			continue
		}
		for _, ve := range obj.Data.Events() {
			parsed, err := ParseEvent(&ve, cal.Name)
			if err != nil {
				log.Printf("Skipping unparsable event in %q: %v", cal.Name, err)
				continue
			}
			if c.expandRecurring && parsed.RRule != "" {
				instances, err := ExpandInstances(parsed, &ve, from, to)
				if err != nil {
					log.Printf("Recurrence expansion failed for %q, keeping series event: %v", parsed.UID, err)
					explicit = append(explicit, *parsed)
					continue
				}
				generated = append(generated, instances...)
				continue
			}
			explicit = append(explicit, *parsed)
		}
	}

	seen := make(map[string]bool, len(explicit))
	out := make([]event.SourceEvent, 0, len(explicit)+len(generated))
	for _, ev := range explicit {
		seen[ev.Key()] = true
		out = append(out, ev)
	}
	for _, ev := range generated {
		if !seen[ev.Key()] {
			out = append(out, ev)
		}
	}
	return out, nil
}
