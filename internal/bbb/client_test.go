package bbb

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aau-zid/scheduLight/pkg/logging"
)

const testSecret = "s3cret"

func newTestClient(handler http.HandlerFunc) (*Client, *httptest.Server) {
	srv := httptest.NewServer(handler)
	client := NewClient(srv.URL, testSecret, logging.NewLogger())
	return client, srv
}

func TestBuildURLChecksum(t *testing.T) {
	client := NewClient("https://bbb.example.org/bigbluebutton/api", testSecret, logging.NewLogger())

	params := url.Values{}
	params.Set("meetingID", "room-1")
	signed := client.BuildURL("create", params)

	u, err := url.Parse(signed)
	require.NoError(t, err)
	require.Equal(t, "/bigbluebutton/api/create", u.Path)

	query := u.Query()
	require.Equal(t, "room-1", query.Get("meetingID"))

	want := sha1.Sum([]byte("create" + "meetingID=room-1" + testSecret))
	require.Equal(t, hex.EncodeToString(want[:]), query.Get("checksum"))
}

func TestCreateMeetingOutcomes(t *testing.T) {
	cases := []struct {
		name    string
		body    string
		outcome StartOutcome
	}{
		{
			name:    "users joined",
			body:    `<response><returncode>SUCCESS</returncode><hasUserJoined>true</hasUserJoined></response>`,
			outcome: StartJoined,
		},
		{
			name:    "open but empty",
			body:    `<response><returncode>SUCCESS</returncode><hasUserJoined>false</hasUserJoined></response>`,
			outcome: StartOpen,
		},
		{
			name:    "duplicate still open",
			body:    `<response><returncode>SUCCESS</returncode><messageKey>duplicateWarning</messageKey><hasUserJoined>false</hasUserJoined></response>`,
			outcome: StartOpen,
		},
		{
			name:    "failed",
			body:    `<response><returncode>FAILED</returncode><message>checksum error</message></response>`,
			outcome: StartFailed,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
				require.True(t, strings.HasSuffix(r.URL.Path, "/create"))
				fmt.Fprint(w, tc.body)
			})
			defer srv.Close()

			outcome, err := client.CreateMeeting(context.Background(), "room-1", CreateOptions{})
			require.NoError(t, err)
			require.Equal(t, tc.outcome, outcome)
		})
	}
}

func TestCreateMeetingForwardsOptions(t *testing.T) {
	mute := true
	record := false
	var got url.Values
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		got = r.URL.Query()
		fmt.Fprint(w, `<response><returncode>SUCCESS</returncode><hasUserJoined>false</hasUserJoined></response>`)
	})
	defer srv.Close()

	_, err := client.CreateMeeting(context.Background(), "room-1", CreateOptions{
		Name:            "Weekly Sync",
		MuteOnStart:     &mute,
		Record:          &record,
		MaxParticipants: 25,
		Duration:        90,
		LogoutURL:       "portal.example.org",
	})
	require.NoError(t, err)
	require.Equal(t, "room-1", got.Get("meetingID"))
	require.Equal(t, "Weekly Sync", got.Get("name"))
	require.Equal(t, "true", got.Get("muteOnStart"))
	require.Equal(t, "false", got.Get("record"))
	require.Equal(t, "25", got.Get("maxParticipants"))
	require.Equal(t, "90", got.Get("duration"))
	require.Equal(t, "https://portal.example.org", got.Get("logoutURL"))
	require.Empty(t, got.Get("welcome"))
}

func TestGetMeetingInfo(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<response><returncode>SUCCESS</returncode><meetingName>Weekly Sync</meetingName><meetingID>room-1</meetingID><attendeePW>ap</attendeePW><moderatorPW>mp</moderatorPW><running>true</running><hasUserJoined>true</hasUserJoined><participantCount>4</participantCount></response>`)
	})
	defer srv.Close()

	info, err := client.GetMeetingInfo(context.Background(), "room-1")
	require.NoError(t, err)
	require.Equal(t, "Weekly Sync", info.MeetingName)
	require.Equal(t, "mp", info.ModeratorPW)
	require.True(t, info.Running)
	require.Equal(t, 4, info.ParticipantCount)
}

func TestGetMeetingInfoNotFound(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<response><returncode>FAILED</returncode><messageKey>notFound</messageKey><message>not found</message></response>`)
	})
	defer srv.Close()

	_, err := client.GetMeetingInfo(context.Background(), "room-x")
	require.ErrorIs(t, err, ErrMeetingNotFound)
}

func TestEndMeeting(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/getMeetingInfo"):
			fmt.Fprint(w, `<response><returncode>SUCCESS</returncode><moderatorPW>mp</moderatorPW></response>`)
		case strings.HasSuffix(r.URL.Path, "/end"):
			require.Equal(t, "mp", r.URL.Query().Get("password"))
			fmt.Fprint(w, `<response><returncode>SUCCESS</returncode><messageKey>sentEndMeetingRequest</messageKey><message>request sent</message></response>`)
		default:
			t.Fatalf("unexpected call %s", r.URL.Path)
		}
	})
	defer srv.Close()

	ended, err := client.EndMeeting(context.Background(), "room-1")
	require.NoError(t, err)
	require.True(t, ended)
}

func TestEndMeetingGone(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<response><returncode>FAILED</returncode><messageKey>notFound</messageKey></response>`)
	})
	defer srv.Close()

	ended, err := client.EndMeeting(context.Background(), "room-1")
	require.NoError(t, err)
	require.False(t, ended)
}

func TestGetMeetings(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<response><returncode>SUCCESS</returncode><meetings><meeting><meetingName>Weekly Sync</meetingName><meetingID>room-1</meetingID><attendeePW>ap</attendeePW><moderatorPW>mp</moderatorPW></meeting><meeting><meetingName>Standup</meetingName><meetingID>room-2</meetingID></meeting></meetings></response>`)
	})
	defer srv.Close()

	meetings, err := client.GetMeetings(context.Background())
	require.NoError(t, err)
	require.Len(t, meetings, 2)
	require.Equal(t, "room-1", meetings[0].MeetingID)
	require.Equal(t, "Standup", meetings[1].MeetingName)
}

func TestGetMeetingsEmpty(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<response><returncode>SUCCESS</returncode><meetings></meetings></response>`)
	})
	defer srv.Close()

	meetings, err := client.GetMeetings(context.Background())
	require.NoError(t, err)
	require.Empty(t, meetings)
}

func TestFindMeeting(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<response><returncode>SUCCESS</returncode><meetings><meeting><meetingName>Weekly Sync</meetingName><meetingID>room-1</meetingID><attendeePW>ap</attendeePW><moderatorPW>mp</moderatorPW></meeting></meetings></response>`)
	})
	defer srv.Close()

	meeting, err := client.FindMeeting(context.Background(), "Weekly", "admin")
	require.NoError(t, err)
	require.Equal(t, "room-1", meeting.MeetingID)
	require.Contains(t, meeting.JoinAttendeeURL, "password=ap")
	require.Contains(t, meeting.JoinModeratorURL, "password=mp")
	require.Contains(t, meeting.JoinDirectWithMicURL, "userdata-bbb_auto_join_audio=true")

	_, err = client.FindMeeting(context.Background(), "Retro", "admin")
	require.ErrorIs(t, err, ErrMeetingNotFound)
}
