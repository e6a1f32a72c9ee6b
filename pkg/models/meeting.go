package models

import (
	"strings"
	"time"
)

// StartDateFormat is the wire format of meeting start dates.
const StartDateFormat = "2006-01-02 15:04"

// Owner identifies the Greenlight account a meeting belongs to. Missing
// optional fields are generated when the user row is created.
type Owner struct {
	Email     string `json:"email"`
	FullName  string `json:"fullName,omitempty"`
	UID       string `json:"uid,omitempty"`
	SocialUID string `json:"socialUid,omitempty"`
	Password  string `json:"password,omitempty"`
}

// DisplayName returns the full name, falling back to the local part of the
// email address.
func (o *Owner) DisplayName() string {
	if o.FullName != "" {
		return o.FullName
	}
	return LocalPart(o.Email)
}

// Participant is one entry of shareWith / sendInvitationLink /
// sendModeratorLink: email (map key) to display name plus an optional
// per-recipient mail switch.
type Participant struct {
	FullName   string `json:"fullName,omitempty"`
	SendEmails *bool  `json:"send_emails,omitempty"`
}

// DisplayName returns the participant name, falling back to the local part
// of email.
func (p Participant) DisplayName(email string) string {
	if p.FullName != "" {
		return p.FullName
	}
	return LocalPart(email)
}

// LiveStreaming configures the stream bridge for a meeting.
type LiveStreaming struct {
	StreamerHost string `json:"streamerHost"`
	TargetURL    string `json:"targetUrl"`
	PlayIntro    string `json:"playIntro,omitempty"`
}

// Configured reports whether both required stream parameters are present.
func (ls *LiveStreaming) Configured() bool {
	return ls != nil && ls.StreamerHost != "" && ls.TargetURL != ""
}

// Meeting is the full meeting record stored in the broker. Optional knobs
// use pointers (or zero values) so absent fields stay absent on the wire.
type Meeting struct {
	ID          string `json:"id"`
	MeetingName string `json:"meetingName"`
	Server      string `json:"server"`
	Owner       Owner  `json:"owner"`

	StartDate  string `json:"startDate,omitempty"`
	MeetingID  string `json:"meetingID,omitempty"`
	MeetingUID string `json:"meetingUID,omitempty"`
	AccessCode string `json:"accessCode,omitempty"`

	UseHomeRoom bool `json:"useHomeRoom,omitempty"`

	// Conference-side create parameters, forwarded only when set.
	MuteOnStart             *bool  `json:"muteOnStart,omitempty"`
	Welcome                 string `json:"welcome,omitempty"`
	BannerText              string `json:"bannerText,omitempty"`
	MaxParticipants         int    `json:"maxParticipants,omitempty"`
	LogoutURL               string `json:"logoutURL,omitempty"`
	Record                  *bool  `json:"record,omitempty"`
	Duration                int    `json:"duration,omitempty"`
	AutoStartRecording      *bool  `json:"autoStartRecording,omitempty"`
	AllowStartStopRecording *bool  `json:"allowStartStopRecording,omitempty"`

	// Scheduling windows, falling back to worker flags when absent.
	PreOpenMinutes  *int `json:"preOpenMinutes,omitempty"`
	PreStartMinutes *int `json:"preStartMinutes,omitempty"`
	EndAfterMinutes *int `json:"endAfterMinutes,omitempty"`
	ReminderMinutes *int `json:"reminderMinutes,omitempty"`

	SendEmails *bool `json:"send_emails,omitempty"`

	// Per-meeting mail overrides (meeting wins over server wins over
	// defaults).
	MailFrom     string `json:"mailFrom,omitempty"`
	MailFromName string `json:"mailFromName,omitempty"`
	MailTo       string `json:"mailTo,omitempty"`
	MailToName   string `json:"mailToName,omitempty"`

	// Per-stage template overrides.
	OwnerInfoTemplate      string `json:"meetingOwnerInfoTemplate,omitempty"`
	OwnerStartedTemplate   string `json:"meetingOwnerStartedTemplate,omitempty"`
	OwnerReminderTemplate  string `json:"meetingOwnerReminderTemplate,omitempty"`
	ShareInfoTemplate      string `json:"meetingShareInfoTemplate,omitempty"`
	InvitationInfoTemplate string `json:"meetingInvitationInfoTemplate,omitempty"`
	ModeratorInfoTemplate  string `json:"meetingModeratorInfoTemplate,omitempty"`

	ShareWith          map[string]Participant `json:"shareWith,omitempty"`
	SendInvitationLink map[string]Participant `json:"sendInvitationLink,omitempty"`
	SendModeratorLink  map[string]Participant `json:"sendModeratorLink,omitempty"`

	LiveStreaming *LiveStreaming `json:"liveStreaming,omitempty"`

	// MeetingTitle is carried for imported records; the engine does not
	// interpret it.
	MeetingTitle string `json:"meetingTitle,omitempty"`
}

// Normalize lowercases and trims the owner email, mirroring the email
// normalisation applied on ingest.
func (m *Meeting) Normalize() {
	m.Owner.Email = strings.ToLower(strings.TrimSpace(m.Owner.Email))
}

// ParseStartDate returns the parsed start date and whether one is set.
func (m *Meeting) ParseStartDate() (time.Time, bool, error) {
	if m.StartDate == "" {
		return time.Time{}, false, nil
	}
	t, err := time.ParseInLocation(StartDateFormat, m.StartDate, time.Local)
	if err != nil {
		return time.Time{}, true, err
	}
	return t, true, nil
}

// Validate checks required fields and the startDate constraint. now is the
// validation-time clock so callers control "in the future".
func (m *Meeting) Validate(now time.Time) FieldErrors {
	errs := FieldErrors{}
	if m.ID == "" {
		errs["id"] = "please specify an id for the meeting"
	}
	if m.MeetingName == "" {
		errs["meetingName"] = "please specify a name for the meeting"
	}
	if m.Server == "" {
		errs["server"] = "please specify a target server for the meeting"
	}
	if !isEmail(m.Owner.Email) {
		errs["owner.email"] = "please specify a valid owner mail address"
	}
	if m.Owner.FullName == "" {
		errs["owner.fullName"] = "please specify the full name of the owner"
	}
	if start, ok, err := m.ParseStartDate(); ok {
		if err != nil {
			errs["startDate"] = "startDate must match format " + StartDateFormat
		} else if start.Before(now) {
			errs["startDate"] = "startDate has to be in future!"
		}
	}
	return errs
}

// ValidateRecord checks the meeting like Validate but without the
// startDate-in-future constraint. The engine keeps ticking meetings long
// after their start date has passed; only ingest rejects past dates.
func (m *Meeting) ValidateRecord() FieldErrors {
	errs := FieldErrors{}
	if m.ID == "" {
		errs["id"] = "please specify an id for the meeting"
	}
	if m.MeetingName == "" {
		errs["meetingName"] = "please specify a name for the meeting"
	}
	if m.Server == "" {
		errs["server"] = "please specify a target server for the meeting"
	}
	if !isEmail(m.Owner.Email) {
		errs["owner.email"] = "please specify a valid owner mail address"
	}
	if _, ok, err := m.ParseStartDate(); ok && err != nil {
		errs["startDate"] = "startDate must match format " + StartDateFormat
	}
	return errs
}

// LocalPart returns everything before the first @ of an email address.
func LocalPart(email string) string {
	local, _, _ := strings.Cut(email, "@")
	return local
}
