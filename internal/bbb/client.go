package bbb

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aau-zid/scheduLight/pkg/logging"
)

// API call names. The checksum covers the call name plus the encoded query.
const (
	callCreate         = "create"
	callJoin           = "join"
	callEnd            = "end"
	callGetMeetingInfo = "getMeetingInfo"
	callGetMeetings    = "getMeetings"
)

// ErrMeetingNotFound is returned when the conference server does not know
// the requested meeting id.
var ErrMeetingNotFound = errors.New("meeting not found")

// ErrRequestFailed covers FAILED responses other than a missing meeting.
var ErrRequestFailed = errors.New("api request failed")

// StartOutcome classifies a create attempt for the scheduler.
type StartOutcome int

const (
	// StartFailed: the create call errored, retry on the next pass.
	StartFailed StartOutcome = iota
	// StartJoined: the room is up and users are inside, stop processing.
	StartJoined
	// StartOpen: the room is up but nobody joined yet, keep nudging it.
	StartOpen
)

// CreateOptions are the optional create parameters; zero values are left off
// the request so the server applies its own defaults.
type CreateOptions struct {
	Name                    string
	ModeratorPW             string
	AttendeePW              string
	MuteOnStart             *bool
	Welcome                 string
	BannerText              string
	MaxParticipants         int
	LogoutURL               string
	Record                  *bool
	Duration                int
	AutoStartRecording      *bool
	AllowStartStopRecording *bool
}

// Meeting is one entry of a getMeetings response.
type Meeting struct {
	MeetingName      string `xml:"meetingName" json:"meetingName"`
	MeetingID        string `xml:"meetingID" json:"meetingID"`
	InternalID       string `xml:"internalMeetingID" json:"internalMeetingID"`
	AttendeePW       string `xml:"attendeePW" json:"attendeePW"`
	ModeratorPW      string `xml:"moderatorPW" json:"moderatorPW"`
	Running          bool   `xml:"running" json:"running"`
	ParticipantCount int    `xml:"participantCount" json:"participantCount"`

	// Join links filled in by FindMeeting and the admin listing.
	JoinAttendeeURL      string `xml:"-" json:"joinAttendeeUrl,omitempty"`
	JoinModeratorURL     string `xml:"-" json:"joinModeratorUrl,omitempty"`
	JoinDirectWithMicURL string `xml:"-" json:"joinDirectWithMicUrl,omitempty"`
}

type apiResponse struct {
	XMLName       xml.Name  `xml:"response"`
	ReturnCode    string    `xml:"returncode"`
	MessageKey    string    `xml:"messageKey"`
	Message       string    `xml:"message"`
	HasUserJoined string    `xml:"hasUserJoined"`
	Meetings      []Meeting `xml:"meetings>meeting"`
}

type infoResponse struct {
	XMLName          xml.Name `xml:"response"`
	ReturnCode       string   `xml:"returncode"`
	MessageKey       string   `xml:"messageKey"`
	Message          string   `xml:"message"`
	MeetingName      string   `xml:"meetingName"`
	MeetingID        string   `xml:"meetingID"`
	AttendeePW       string   `xml:"attendeePW"`
	ModeratorPW      string   `xml:"moderatorPW"`
	Running          bool     `xml:"running"`
	HasUserJoined    bool     `xml:"hasUserJoined"`
	ParticipantCount int      `xml:"participantCount"`
}

// MeetingInfo is a getMeetingInfo result.
type MeetingInfo struct {
	MeetingName      string
	MeetingID        string
	AttendeePW       string
	ModeratorPW      string
	Running          bool
	HasUserJoined    bool
	ParticipantCount int
}

// Client talks to the BigBlueButton HTTP API of one conference server. All
// requests carry a SHA-1 checksum over call name, query string and shared
// secret.
type Client struct {
	baseURL string
	secret  string
	http    *http.Client
	logger  logging.Logger
}

// NewClient builds a client for one server. baseURL is the full api base,
// e.g. https://bbb.example.org/bigbluebutton/api.
func NewClient(baseURL, secret string, logger logging.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		secret:  secret,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

// BuildURL returns the signed URL of an API call without performing it.
func (c *Client) BuildURL(call string, params url.Values) string {
	query := params.Encode()
	checksum := sha1.Sum([]byte(call + query + c.secret))
	signed := query
	if signed != "" {
		signed += "&"
	}
	signed += "checksum=" + hex.EncodeToString(checksum[:])
	return c.baseURL + "/" + call + "?" + signed
}

func (c *Client) get(ctx context.Context, call string, params url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BuildURL(call, params), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", call, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s response unreadable: %w", call, err)
	}
	if err := xml.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s response unparsable: %w", call, err)
	}
	return nil
}

// CreateMeeting creates (or re-creates, BBB create is idempotent) the room
// and reports whether users are already inside.
func (c *Client) CreateMeeting(ctx context.Context, bbbID string, opts CreateOptions) (StartOutcome, error) {
	params := url.Values{}
	params.Set("meetingID", bbbID)
	if opts.Name != "" {
		params.Set("name", opts.Name)
	}
	if opts.ModeratorPW != "" {
		params.Set("moderatorPW", opts.ModeratorPW)
	}
	if opts.AttendeePW != "" {
		params.Set("attendeePW", opts.AttendeePW)
	}
	if opts.MuteOnStart != nil {
		params.Set("muteOnStart", strconv.FormatBool(*opts.MuteOnStart))
	}
	if opts.Welcome != "" {
		params.Set("welcome", opts.Welcome)
	}
	if opts.BannerText != "" {
		params.Set("bannerText", opts.BannerText)
	}
	if opts.MaxParticipants > 0 {
		params.Set("maxParticipants", strconv.Itoa(opts.MaxParticipants))
	}
	if opts.LogoutURL != "" {
		params.Set("logoutURL", "https://"+opts.LogoutURL)
	}
	if opts.Record != nil {
		params.Set("record", strconv.FormatBool(*opts.Record))
	}
	if opts.Duration > 0 {
		params.Set("duration", strconv.Itoa(opts.Duration))
	}
	if opts.AutoStartRecording != nil {
		params.Set("autoStartRecording", strconv.FormatBool(*opts.AutoStartRecording))
	}
	if opts.AllowStartStopRecording != nil {
		params.Set("allowStartStopRecording", strconv.FormatBool(*opts.AllowStartStopRecording))
	}

	var res apiResponse
	if err := c.get(ctx, callCreate, params, &res); err != nil {
		c.logger.WithError(err).Error("Failed to create meeting")
		return StartFailed, err
	}
	if res.ReturnCode != "SUCCESS" {
		c.logger.WithFields(logging.Fields{"meetingID": bbbID, "message": res.Message}).Debug("Failed to start meeting")
		return StartFailed, nil
	}
	if res.MessageKey == "duplicateWarning" {
		c.logger.WithField("meetingID", bbbID).Debug("Meeting already running")
	}
	if res.HasUserJoined == "false" {
		return StartOpen, nil
	}
	return StartJoined, nil
}

// GetMeetingInfo fetches the live state of one room; ErrMeetingNotFound when
// the server does not know it.
func (c *Client) GetMeetingInfo(ctx context.Context, bbbID string) (*MeetingInfo, error) {
	params := url.Values{}
	params.Set("meetingID", bbbID)

	var res infoResponse
	if err := c.get(ctx, callGetMeetingInfo, params, &res); err != nil {
		return nil, err
	}
	if res.ReturnCode != "SUCCESS" {
		if res.MessageKey == "notFound" {
			return nil, ErrMeetingNotFound
		}
		return nil, fmt.Errorf("%w: %s", ErrRequestFailed, res.Message)
	}
	return &MeetingInfo{
		MeetingName:      res.MeetingName,
		MeetingID:        res.MeetingID,
		AttendeePW:       res.AttendeePW,
		ModeratorPW:      res.ModeratorPW,
		Running:          res.Running,
		HasUserJoined:    res.HasUserJoined,
		ParticipantCount: res.ParticipantCount,
	}, nil
}

// EndMeeting looks up the room's moderator password and asks the server to
// close it. Reports whether the end request was accepted.
func (c *Client) EndMeeting(ctx context.Context, bbbID string) (bool, error) {
	info, err := c.GetMeetingInfo(ctx, bbbID)
	if err != nil {
		if errors.Is(err, ErrMeetingNotFound) {
			return false, nil
		}
		return false, err
	}

	params := url.Values{}
	params.Set("meetingID", bbbID)
	params.Set("password", info.ModeratorPW)

	var res apiResponse
	if err := c.get(ctx, callEnd, params, &res); err != nil {
		return false, err
	}
	if res.ReturnCode == "SUCCESS" && res.MessageKey == "sentEndMeetingRequest" {
		c.logger.WithField("meetingID", bbbID).Debug(res.Message)
		return true, nil
	}
	return false, nil
}

// GetMeetings lists the rooms currently known to the server. No rooms is an
// empty slice, not an error.
func (c *Client) GetMeetings(ctx context.Context) ([]Meeting, error) {
	var res apiResponse
	if err := c.get(ctx, callGetMeetings, url.Values{}, &res); err != nil {
		return nil, err
	}
	if res.ReturnCode != "SUCCESS" {
		return nil, fmt.Errorf("%w: %s", ErrRequestFailed, res.Message)
	}
	return res.Meetings, nil
}

// JoinURL builds a signed join link for a known password.
func (c *Client) JoinURL(bbbID, fullName, password string) string {
	params := url.Values{}
	params.Set("meetingID", bbbID)
	params.Set("fullName", fullName)
	params.Set("password", password)
	return c.BuildURL(callJoin, params)
}

// JoinURLForRole resolves the password for a role from the live meeting and
// builds the join link. role is "attendee" or "moderator".
func (c *Client) JoinURLForRole(ctx context.Context, bbbID, fullName, role string) (string, error) {
	info, err := c.GetMeetingInfo(ctx, bbbID)
	if err != nil {
		return "", err
	}
	password := info.AttendeePW
	if role == "moderator" {
		password = info.ModeratorPW
	}
	return c.JoinURL(bbbID, fullName, password), nil
}

// FindMeeting searches the running rooms by a title substring and decorates
// the first match with join links, including a direct link that joins with
// audio enabled and the echo test skipped.
func (c *Client) FindMeeting(ctx context.Context, title, user string) (*Meeting, error) {
	meetings, err := c.GetMeetings(ctx)
	if err != nil {
		return nil, err
	}
	for i := range meetings {
		m := &meetings[i]
		if !strings.Contains(m.MeetingName, title) {
			continue
		}
		m.JoinAttendeeURL = c.JoinURL(m.MeetingID, user, m.AttendeePW)
		m.JoinModeratorURL = c.JoinURL(m.MeetingID, user, m.ModeratorPW)

		params := url.Values{}
		params.Set("meetingID", m.MeetingID)
		params.Set("fullName", user)
		params.Set("password", m.AttendeePW)
		params.Set("userdata-bbb_auto_join_audio", "true")
		params.Set("userdata-bbb_enable_video", "false")
		params.Set("userdata-bbb_listen_only_mode", "false")
		params.Set("userdata-bbb_skip_check_audio", "true")
		m.JoinDirectWithMicURL = c.BuildURL(callJoin, params)
		return m, nil
	}
	return nil, ErrMeetingNotFound
}
