// Package calendar creates appointment events in an organization's Google
// Calendar using its stored OAuth credential.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/gateway"
)

const (
	googleAuthURL  = "https://accounts.google.com/o/oauth2/auth"
	googleTokenURL = "https://oauth2.googleapis.com/token"
)

type Config struct {
	ClientID     string
	ClientSecret string
	// TokenURL overrides the Google token endpoint.
	TokenURL string
	// Options are appended to every Calendar API client (endpoint overrides in tests).
	Options []option.ClientOption
}

type Google struct {
	oauth *oauth2.Config
	opts  []option.ClientOption
}

var _ gateway.CalendarGateway = (*Google)(nil)

func NewGoogle(cfg Config) *Google {
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = googleTokenURL
	}
	return &Google{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     oauth2.Endpoint{AuthURL: googleAuthURL, TokenURL: tokenURL, AuthStyle: oauth2.AuthStyleInParams},
			Scopes:       []string{gcal.CalendarEventsScope},
		},
		opts: cfg.Options,
	}
}

// CreateMeetingEvent inserts an event with a Google Meet conference and
// returns the meeting link.
func (g *Google) CreateMeetingEvent(ctx context.Context, req gateway.CalendarEventRequest) (gateway.CalendarEventResult, error) {
	ev := event(req)
	ev.ConferenceData = &gcal.ConferenceData{
		CreateRequest: &gcal.CreateConferenceRequest{
			RequestId:             req.RequestID,
			ConferenceSolutionKey: &gcal.ConferenceSolutionKey{Type: "hangoutsMeet"},
		},
	}
	return g.insert(ctx, req, ev, true)
}

// CreateInPersonEvent inserts an event at the appointment address.
func (g *Google) CreateInPersonEvent(ctx context.Context, req gateway.CalendarEventRequest) (gateway.CalendarEventResult, error) {
	return g.insert(ctx, req, event(req), false)
}

func (g *Google) insert(ctx context.Context, req gateway.CalendarEventRequest, ev *gcal.Event, meeting bool) (gateway.CalendarEventResult, error) {
	if req.Token.AccessToken == "" && req.Token.RefreshToken == "" {
		return gateway.CalendarEventResult{}, errors.New("calendar credential is empty")
	}
	calendarID := req.CalendarID
	if calendarID == "" {
		calendarID = "primary"
	}

	original := &oauth2.Token{
		AccessToken:  req.Token.AccessToken,
		RefreshToken: req.Token.RefreshToken,
		TokenType:    req.Token.TokenType,
		Expiry:       req.Token.Expiry,
	}
	src := g.oauth.TokenSource(ctx, original)
	opts := append([]option.ClientOption{option.WithHTTPClient(oauth2.NewClient(ctx, src))}, g.opts...)
	svc, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return gateway.CalendarEventResult{}, fmt.Errorf("calendar client: %w", err)
	}

	call := svc.Events.Insert(calendarID, ev).SendUpdates("all").Context(ctx)
	if meeting {
		call = call.ConferenceDataVersion(1)
	}
	created, callErr := call.Do()

	var res gateway.CalendarEventResult
	if tok, err := src.Token(); err == nil && tok.AccessToken != original.AccessToken {
		res.TokenRefreshed = &gateway.TokenRefreshed{
			NewToken: gateway.OAuthToken{
				AccessToken:  tok.AccessToken,
				RefreshToken: firstNonEmpty(tok.RefreshToken, original.RefreshToken),
				TokenType:    tok.TokenType,
				Expiry:       tok.Expiry,
			},
			Expiry: tok.Expiry,
		}
	}
	if callErr != nil {
		return res, fmt.Errorf("insert calendar event: %w", callErr)
	}

	res.EventID = created.Id
	res.Link = created.HtmlLink
	if meeting {
		res.Link = meetingLink(created)
	}
	return res, nil
}

func event(req gateway.CalendarEventRequest) *gcal.Event {
	ev := &gcal.Event{
		Summary:     req.Summary,
		Description: req.Description,
		Location:    req.Location,
		Start:       &gcal.EventDateTime{DateTime: req.Start.Format(time.RFC3339), TimeZone: req.TimeZone},
		End:         &gcal.EventDateTime{DateTime: req.End.Format(time.RFC3339), TimeZone: req.TimeZone},
	}
	if req.AttendeeMail != "" {
		ev.Attendees = []*gcal.EventAttendee{{Email: req.AttendeeMail, DisplayName: req.AttendeeName}}
	}
	return ev
}

func meetingLink(ev *gcal.Event) string {
	if ev.HangoutLink != "" {
		return ev.HangoutLink
	}
	if ev.ConferenceData != nil {
		for _, ep := range ev.ConferenceData.EntryPoints {
			if ep.EntryPointType == "video" && ep.Uri != "" {
				return ep.Uri
			}
		}
	}
	return ev.HtmlLink
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
