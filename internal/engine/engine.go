package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aau-zid/scheduLight/internal/bbb"
	"github.com/aau-zid/scheduLight/internal/broker"
	"github.com/aau-zid/scheduLight/internal/greenlight"
	"github.com/aau-zid/scheduLight/internal/livestream"
	"github.com/aau-zid/scheduLight/internal/templates"
	"github.com/aau-zid/scheduLight/pkg/email"
	"github.com/aau-zid/scheduLight/pkg/logging"
	"github.com/aau-zid/scheduLight/pkg/models"
)

// Config carries the scheduling window defaults applied when a meeting
// record does not set its own.
type Config struct {
	PreOpenMinutes  int
	PreStartMinutes int
	EndAfterMinutes int
	ReminderMinutes int
}

// Broker is the slice of the broker the engine needs.
type Broker interface {
	SetMembers(ctx context.Context, set string) []string
	GetRecord(ctx context.Context, kind, id string) ([]byte, error)
	PutRecord(ctx context.Context, kind, id string, value []byte) error
	GetStatus(ctx context.Context, kind, id string, path ...string) (*broker.Status, error)
	SetStatus(ctx context.Context, kind, id string, path []string, code, message string, now time.Time) (bool, error)
	StreamAppend(ctx context.Context, stream, key string, payload []byte) (string, error)
}

// Tenant is the slice of the Greenlight store the engine needs.
type Tenant interface {
	UserByEmail(ctx context.Context, email string) (*greenlight.User, error)
	HomeRoom(ctx context.Context, email string) (*greenlight.Room, error)
	CreateUser(ctx context.Context, email, fullName, uid, socialUID, password string) (int64, error)
	CreateRoom(ctx context.Context, email, name, roomUID, accessCode string) (int64, error)
	RoomBy(ctx context.Context, column string, value interface{}) (*greenlight.Room, error)
	AssignHomeRoom(ctx context.Context, email string, roomID int64) (int64, error)
	UpdateRoom(ctx context.Context, roomID int64, column string, value interface{}) (int64, error)
	ShareRoom(ctx context.Context, roomRef interface{}, email, shareBy string) (int64, error)
}

// Conference is the slice of the conference-server client the engine needs.
type Conference interface {
	CreateMeeting(ctx context.Context, bbbID string, opts bbb.CreateOptions) (bbb.StartOutcome, error)
	EndMeeting(ctx context.Context, bbbID string) (bool, error)
	GetMeetingInfo(ctx context.Context, bbbID string) (*bbb.MeetingInfo, error)
	JoinURL(bbbID, fullName, password string) string
}

// Streamer drives the live-stream bridge.
type Streamer interface {
	StopExisting(host string) (bool, error)
	Start(host string, p livestream.StreamParams) (bool, error)
}

// Renderer renders mail bodies.
type Renderer interface {
	Render(name string, ctx templates.Context) (string, error)
}

// Engine runs the meeting tick loop: for every member of the meetings set
// it resolves owner and room, opens and closes the conference room around
// the start date, drives the stream bridge and enqueues notification mails.
// Every stage is gated by the status ledger so a tick never repeats an
// already completed action.
type Engine struct {
	cfg      Config
	broker   Broker
	tenant   Tenant
	streamer Streamer
	renderer Renderer
	logger   logging.Logger

	newConference func(srv *models.Server) Conference
	now           func() time.Time
	sleep         func(time.Duration)
}

// New wires an engine. The conference client is built per server from its
// record so one engine can serve any number of conference servers.
func New(cfg Config, b Broker, tenant Tenant, streamer Streamer, renderer Renderer, logger logging.Logger) *Engine {
	e := &Engine{
		cfg:      cfg,
		broker:   b,
		tenant:   tenant,
		streamer: streamer,
		renderer: renderer,
		logger:   logger,
		now:      time.Now,
		sleep:    time.Sleep,
	}
	e.newConference = func(srv *models.Server) Conference {
		return bbb.NewClient(srv.BBBURL, srv.BBBSecret, logger)
	}
	return e
}

// Run ticks until the context is cancelled. One pass walks every meeting
// with a short breather in between, then sleeps a second before the next
// pass.
func (e *Engine) Run(ctx context.Context) error {
	for {
		for _, id := range e.broker.SetMembers(ctx, broker.MeetingsSet) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.ProcessMeeting(ctx, id)
			e.sleep(100 * time.Millisecond)
		}
		e.sleep(time.Second)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// tick bundles everything one pass over one meeting works with, computed
// once from a single wall-clock sample.
type tick struct {
	now     time.Time
	id      string
	meeting *models.Meeting
	server  *models.Server
	conf    Conference
	room    *greenlight.Room

	meetingLink   string
	moderatorLink string
	welcome       string
	banner        string

	hasStart      bool
	minutesLeft   int
	minutesPassed int
	preStart      int
	preOpen       int
	endAfter      int
	reminder      int
}

// ProcessMeeting runs one tick for one meeting id. Failures are absorbed
// into the ledger; the meeting is retried on the next pass.
func (e *Engine) ProcessMeeting(ctx context.Context, id string) {
	log := e.logger.WithField("meeting", id)

	t, ok := e.loadTick(ctx, id, log)
	if !ok {
		return
	}

	if code := e.statusCode(ctx, id, "status"); code == "" {
		e.setStatus(ctx, t, []string{"status"}, broker.StatusNew, "new")
	}
	if e.statusCode(ctx, id, "status") == broker.StatusDisabled {
		log.Debug("Meeting is disabled, skipping")
		e.persist(ctx, t, log)
		return
	}

	if !e.resolveOwner(ctx, t, log) {
		return
	}
	if !e.resolveRoom(ctx, t, log) {
		return
	}
	e.computeWindows(t)

	e.runStartStage(ctx, t, log)
	e.runEndAfterStage(ctx, t, log)
	e.runStreamStage(ctx, t, log)
	e.runMailStages(ctx, t, log)

	e.persist(ctx, t, log)
}

func (e *Engine) loadTick(ctx context.Context, id string, log *logrus.Entry) (*tick, bool) {
	raw, err := e.broker.GetRecord(ctx, broker.KindMeeting, id)
	if err != nil || raw == nil {
		log.Error("Could not load meeting record")
		return nil, false
	}
	var meeting models.Meeting
	if err := json.Unmarshal(raw, &meeting); err != nil {
		log.WithError(err).Error("Meeting record is not valid JSON")
		return nil, false
	}
	meeting.Normalize()
	if errs := meeting.ValidateRecord(); !errs.OK() {
		log.WithField("errors", errs.Error()).Error("Please provide all required fields for the meeting")
		return nil, false
	}

	rawSrv, err := e.broker.GetRecord(ctx, broker.KindServer, meeting.Server)
	if err != nil || rawSrv == nil {
		log.WithField("server", meeting.Server).Error("Could not load server")
		return nil, false
	}
	var server models.Server
	if err := json.Unmarshal(rawSrv, &server); err != nil {
		log.WithError(err).Error("Server record is not valid JSON")
		return nil, false
	}
	if errs := server.Validate(); !errs.OK() {
		log.WithField("errors", errs.Error()).Error("Please provide all required fields for the server")
		return nil, false
	}

	return &tick{
		now:     e.now(),
		id:      id,
		meeting: &meeting,
		server:  &server,
		conf:    e.newConference(&server),
	}, true
}

func (e *Engine) resolveOwner(ctx context.Context, t *tick, log *logrus.Entry) bool {
	owner := t.meeting.Owner
	_, err := e.tenant.UserByEmail(ctx, owner.Email)
	if err == nil {
		return true
	}
	if !errors.Is(err, greenlight.ErrUserNotFound) {
		log.WithError(err).Error("Failed to look up owner")
		return false
	}

	log.WithField("email", owner.Email).Info("Owner does not exist, creating new user")
	if _, err := e.tenant.CreateUser(ctx, owner.Email, owner.DisplayName(), owner.UID, owner.SocialUID, owner.Password); err != nil {
		log.WithError(err).Error("Owner could not be created")
		e.setStatus(ctx, t, []string{"status"}, broker.StatusNotFound, "owner not found and creation failed")
		return false
	}
	return true
}

func (e *Engine) resolveRoom(ctx context.Context, t *tick, log *logrus.Entry) bool {
	m := t.meeting

	switch {
	case m.UseHomeRoom:
		room, err := e.tenant.HomeRoom(ctx, m.Owner.Email)
		switch {
		case err == nil:
			t.room = room
		case errors.Is(err, greenlight.ErrRoomNotFound):
			roomID, err := e.tenant.CreateRoom(ctx, m.Owner.Email, m.MeetingName, m.MeetingUID, m.AccessCode)
			if err != nil {
				log.WithError(err).Error("Home room could not be created")
				e.setStatus(ctx, t, []string{"status"}, broker.StatusNotFound, "home room could not be used")
				return false
			}
			if _, err := e.tenant.AssignHomeRoom(ctx, m.Owner.Email, roomID); err != nil {
				log.WithError(err).Error("Could not assign home room to owner")
			}
			t.room, err = e.tenant.RoomBy(ctx, "id", roomID)
			if err != nil {
				e.setStatus(ctx, t, []string{"status"}, broker.StatusNotFound, "home room could not be used")
				return false
			}
		default:
			log.WithError(err).Error("Home room cannot be used")
			e.setStatus(ctx, t, []string{"status"}, broker.StatusNotFound, "home room could not be used")
			return false
		}

	case m.MeetingUID != "":
		room, err := e.tenant.RoomBy(ctx, "uid", m.MeetingUID)
		if err == nil {
			t.room = room
			break
		}
		if !errors.Is(err, greenlight.ErrRoomNotFound) {
			log.WithError(err).Error("Failed to look up room")
			return false
		}
		if _, err := e.tenant.CreateRoom(ctx, m.Owner.Email, m.MeetingName, m.MeetingUID, m.AccessCode); err != nil {
			log.WithError(err).Error("Room could not be created")
			e.setStatus(ctx, t, []string{"status"}, broker.StatusUnauthorized, "room could not be created")
			return false
		}
		t.room, err = e.tenant.RoomBy(ctx, "uid", m.MeetingUID)
		if err != nil {
			e.setStatus(ctx, t, []string{"status"}, broker.StatusUnauthorized, "room could not be created")
			return false
		}

	default:
		log.Error("No room available")
		e.setStatus(ctx, t, []string{"status"}, broker.StatusNotFound, "no room available")
		e.persist(ctx, t, log)
		return false
	}

	// Propagate record overrides onto the room row.
	if m.MeetingName != "" && m.MeetingName != t.room.Name {
		if _, err := e.tenant.UpdateRoom(ctx, t.room.ID, "name", m.MeetingName); err == nil {
			t.room.Name = m.MeetingName
		}
	}
	if m.MeetingUID != "" && m.MeetingUID != t.room.UID {
		if _, err := e.tenant.UpdateRoom(ctx, t.room.ID, "uid", m.MeetingUID); err == nil {
			t.room.UID = m.MeetingUID
		}
	}
	if m.AccessCode != "" && m.AccessCode != t.room.AccessCode.String {
		if _, err := e.tenant.UpdateRoom(ctx, t.room.ID, "access_code", m.AccessCode); err == nil {
			t.room.AccessCode.String = m.AccessCode
			t.room.AccessCode.Valid = true
		}
	}
	if m.MeetingID != "" && m.MeetingID != t.room.BBBID {
		if _, err := e.tenant.UpdateRoom(ctx, t.room.ID, "bbb_id", m.MeetingID); err == nil {
			t.room.BBBID = m.MeetingID
		}
	}

	t.meetingLink = t.server.LinkBase + "/" + t.room.UID
	t.moderatorLink = t.conf.JoinURL(t.room.BBBID, "Moderator", t.room.ModeratorPW)

	t.welcome = substituteStartDate(m.Welcome, m.StartDate)
	t.banner = substituteStartDate(m.BannerText, m.StartDate)
	return true
}

func substituteStartDate(text, startDate string) string {
	if text == "" || startDate == "" {
		return text
	}
	return strings.ReplaceAll(text, "__startDate__", startDate)
}

func (e *Engine) computeWindows(t *tick) {
	m := t.meeting
	if start, ok, err := m.ParseStartDate(); ok && err == nil {
		t.hasStart = true
		t.minutesLeft = int(start.Sub(t.now).Minutes())
		t.minutesPassed = int(t.now.Sub(start).Minutes())
	}
	t.preStart = intOrDefault(m.PreStartMinutes, e.cfg.PreStartMinutes)
	t.preOpen = intOrDefault(m.PreOpenMinutes, e.cfg.PreOpenMinutes) + t.preStart
	t.endAfter = intOrDefault(m.EndAfterMinutes, e.cfg.EndAfterMinutes)
	t.reminder = intOrDefault(m.ReminderMinutes, e.cfg.ReminderMinutes)
}

func intOrDefault(v *int, def int) int {
	if v != nil {
		return *v
	}
	return def
}

func (e *Engine) runStartStage(ctx context.Context, t *tick, log *logrus.Entry) {
	if e.statusCode(ctx, t.id, "status") == broker.StatusStarted {
		return
	}

	switch {
	case !t.hasStart, t.minutesLeft-t.preStart <= 0:
		if t.hasStart {
			log.WithField("startDate", t.meeting.StartDate).Info("Starting meeting now")
		}
		switch e.openRoom(ctx, t) {
		case bbb.StartJoined:
			log.Info("Started meeting, users have joined")
			e.setStatus(ctx, t, []string{"status"}, broker.StatusStarted, "meeting started, users joined")
		case bbb.StartOpen:
			log.Info("Started meeting, no users have joined yet")
			e.setStatus(ctx, t, []string{"status"}, broker.StatusOpen, "meeting started, no users joined yet")
		case bbb.StartFailed:
			log.Error("Meeting could not be started, trying again")
			e.setStatus(ctx, t, []string{"status"}, broker.StatusError, "meeting could not be started")
		}

	default:
		if t.minutesLeft-t.preOpen <= 0 {
			if e.statusCode(ctx, t.id, "preOpen") != broker.StatusStarted {
				e.closeRoom(ctx, t, []string{"preOpen"},
					"closed meeting to reset parameters for reopening",
					"could not close meeting for preOpening")
			}
			switch e.openRoom(ctx, t) {
			case bbb.StartJoined:
				e.setStatus(ctx, t, []string{"preOpen"}, broker.StatusStarted, "meeting opened, users joined")
			case bbb.StartOpen:
				e.setStatus(ctx, t, []string{"preOpen"}, broker.StatusStarted, "meeting opened, no users joined yet")
			case bbb.StartFailed:
				log.Error("Meeting could not be pre-opened, trying again")
				e.setStatus(ctx, t, []string{"preOpen"}, broker.StatusError, "meeting could not be started")
			}
		}
		log.WithFields(logging.Fields{
			"startDate":   t.meeting.StartDate,
			"startsIn":    t.minutesLeft - t.preStart,
			"roomOpensIn": t.minutesLeft - t.preOpen,
		}).Info("Waiting for startDate")
		e.setStatus(ctx, t, []string{"status"}, broker.StatusWaiting, "waiting for startDate "+t.meeting.StartDate)
	}
}

func (e *Engine) runEndAfterStage(ctx context.Context, t *tick, log *logrus.Entry) {
	if !t.hasStart || t.endAfter <= 0 || t.minutesPassed <= 0 {
		return
	}
	if t.minutesPassed < t.endAfter {
		log.WithField("closingIn", t.endAfter-t.minutesPassed).Info("Closing meeting soon")
		return
	}
	if e.statusCode(ctx, t.id, "endMeeting") == broker.StatusStarted {
		return
	}
	e.closeRoom(ctx, t, []string{"endMeeting"}, "closed meeting", "could not close meeting")
	log.Info("Marking meeting as finished")
	e.setStatus(ctx, t, []string{"status"}, broker.StatusStarted, "meeting has finished and was closed")
}

// closeRoom ends the conference room, waits for the server to settle and
// verifies it is really gone before recording success under path.
func (e *Engine) closeRoom(ctx context.Context, t *tick, path []string, closedMsg, failMsg string) {
	ended, err := t.conf.EndMeeting(ctx, t.room.BBBID)
	if err != nil || !ended {
		e.setStatus(ctx, t, path, broker.StatusStarted, "meeting was not running")
		return
	}
	e.sleep(4 * time.Second)
	if _, err := t.conf.GetMeetingInfo(ctx, t.room.BBBID); errors.Is(err, bbb.ErrMeetingNotFound) {
		e.setStatus(ctx, t, path, broker.StatusStarted, closedMsg)
	} else {
		e.setStatus(ctx, t, path, broker.StatusBlocked, failMsg)
	}
}

func (e *Engine) openRoom(ctx context.Context, t *tick) bbb.StartOutcome {
	m := t.meeting
	outcome, err := t.conf.CreateMeeting(ctx, t.room.BBBID, bbb.CreateOptions{
		Name:                    m.MeetingName,
		ModeratorPW:             t.room.ModeratorPW,
		AttendeePW:              t.room.AttendeePW,
		MuteOnStart:             m.MuteOnStart,
		Welcome:                 t.welcome,
		BannerText:              t.banner,
		MaxParticipants:         m.MaxParticipants,
		LogoutURL:               m.LogoutURL,
		Record:                  m.Record,
		Duration:                m.Duration,
		AutoStartRecording:      m.AutoStartRecording,
		AllowStartStopRecording: m.AllowStartStopRecording,
	})
	if err != nil {
		return bbb.StartFailed
	}
	return outcome
}

func (e *Engine) runStreamStage(ctx context.Context, t *tick, log *logrus.Entry) {
	ls := t.meeting.LiveStreaming
	if ls == nil {
		return
	}
	if !ls.Configured() {
		log.Error("liveStreaming not correctly configured")
		return
	}
	if e.statusCode(ctx, t.id, "liveStreaming") == broker.StatusStarted {
		return
	}
	if e.statusCode(ctx, t.id, "status") != broker.StatusStarted {
		log.Info("liveStreaming waiting for meeting to start")
		return
	}

	log.WithField("host", ls.StreamerHost).Info("Ending existing stream on host")
	if stopped, err := e.streamer.StopExisting(ls.StreamerHost); err == nil && stopped {
		e.setStatus(ctx, t, []string{"liveStreaming"}, broker.StatusOpen, "old liveStreaming stopped!")
	}

	log.WithField("target", ls.TargetURL).Info("Starting stream")
	started, err := e.streamer.Start(ls.StreamerHost, livestream.StreamParams{
		BBBURL:    t.server.BBBURL,
		BBBSecret: t.server.BBBSecret,
		MeetingID: t.room.BBBID,
		TargetURL: ls.TargetURL,
		PlayIntro: ls.PlayIntro,
	})
	if err != nil || !started {
		e.setStatus(ctx, t, []string{"liveStreaming"}, broker.StatusError, "liveStreaming failed!")
		return
	}
	e.setStatus(ctx, t, []string{"liveStreaming"}, broker.StatusStarted, "liveStreaming started!")
}

func (e *Engine) runMailStages(ctx context.Context, t *tick, log *logrus.Entry) {
	m := t.meeting
	owner := m.Owner

	// Owner info mail, once per meeting.
	if e.statusCode(ctx, t.id, "owner", "infoMailSent") != broker.StatusMailSent {
		path := []string{"owner", "infoMailSent"}
		err := e.queueMail(ctx, t, m.OwnerInfoTemplate, templates.OwnerInfo, t.mailContext(owner.Email, owner.DisplayName()), owner.Email, owner.DisplayName())
		if err != nil {
			log.WithError(err).Error("Failed to queue owner info mail")
			e.setStatus(ctx, t, path, broker.StatusMailFailed, "sending mail failed")
		} else {
			e.setStatus(ctx, t, path, broker.StatusMailSent, "sent owner info mail")
		}
	}

	// Owner started mail once the room is open.
	if e.statusCode(ctx, t.id, "owner", "startMailSent") != broker.StatusMailSent {
		code := e.statusCode(ctx, t.id, "status")
		if code == broker.StatusStarted || code == broker.StatusOpen {
			path := []string{"owner", "startMailSent"}
			err := e.queueMail(ctx, t, m.OwnerStartedTemplate, templates.OwnerStarted, t.mailContext(owner.Email, owner.DisplayName()), owner.Email, owner.DisplayName())
			if err != nil {
				e.setStatus(ctx, t, path, broker.StatusMailFailed, "sending mail failed")
			} else {
				e.setStatus(ctx, t, path, broker.StatusMailSent, "sent owner start mail")
			}
		}
	}

	// Reminder mail inside the reminder window before start.
	if e.statusCode(ctx, t.id, "status") != broker.StatusStarted && t.hasStart && t.reminder > 0 {
		lead := t.minutesLeft - t.preStart
		if lead-t.reminder > 0 {
			log.WithField("remindingIn", lead-t.reminder).Debug("Reminder pending")
		} else if lead > 0 {
			if e.statusCode(ctx, t.id, "owner", "reminderMailSent") != broker.StatusMailSent {
				path := []string{"owner", "reminderMailSent"}
				err := e.queueMail(ctx, t, m.OwnerReminderTemplate, templates.OwnerReminder, t.mailContext(owner.Email, owner.DisplayName()), owner.Email, owner.DisplayName())
				if err != nil {
					e.setStatus(ctx, t, path, broker.StatusMailFailed, "sending mail failed")
				} else {
					e.setStatus(ctx, t, path, broker.StatusMailSent, "sent owner reminder mail")
				}
			}
		}
	}

	// Room shares plus share notification mails.
	for addr, participant := range m.ShareWith {
		name := participant.DisplayName(addr)
		if e.statusCode(ctx, t.id, "shareWith", addr) != broker.StatusStarted {
			if n, err := e.tenant.ShareRoom(ctx, t.room.ID, addr, ""); err == nil && n > 0 {
				log.WithField("email", addr).Debug("Shared room")
				e.setStatus(ctx, t, []string{"shareWith", addr}, broker.StatusStarted, "room shared")
			}
		}
		if e.statusCode(ctx, t.id, "shareWith", addr, "sendShareMail") != broker.StatusMailSent {
			path := []string{"shareWith", addr, "sendShareMail"}
			err := e.queueMail(ctx, t, m.ShareInfoTemplate, templates.ShareInfo, t.mailContext(addr, name), addr, name)
			if err != nil {
				log.WithError(err).Error("Could not send share mail")
				e.setStatus(ctx, t, path, broker.StatusRetry, "could not send share mail")
			} else {
				e.setStatus(ctx, t, path, broker.StatusMailSent, "sent mail")
			}
		}
	}

	// Invitation links.
	for addr, participant := range m.SendInvitationLink {
		if e.statusCode(ctx, t.id, "sendInvitationLink", addr) == broker.StatusMailSent {
			continue
		}
		name := participant.DisplayName(addr)
		path := []string{"sendInvitationLink", addr}
		err := e.queueMail(ctx, t, m.InvitationInfoTemplate, templates.InvitationInfo, t.mailContext(addr, name), addr, name)
		if err != nil {
			log.WithError(err).Error("Invitation could not be sent")
			e.setStatus(ctx, t, path, broker.StatusMailFailed, "invitation mail could not be sent")
		} else {
			e.setStatus(ctx, t, path, broker.StatusMailSent, "invitation mail sent")
		}
	}

	// Moderator links carry a personal join URL.
	for addr, participant := range m.SendModeratorLink {
		if e.statusCode(ctx, t.id, "sendModeratorLink", addr) == broker.StatusMailSent {
			continue
		}
		name := participant.DisplayName(addr)
		path := []string{"sendModeratorLink", addr}

		link := t.conf.JoinURL(t.room.BBBID, name, t.room.ModeratorPW)
		if link == "" {
			log.Debug("Could not create moderator link")
			e.setStatus(ctx, t, path, broker.StatusRetry, "could not create moderator link")
			continue
		}
		mctx := t.mailContext(addr, name)
		mctx.ModeratorLink = link
		err := e.queueMail(ctx, t, m.ModeratorInfoTemplate, templates.ModeratorInfo, mctx, addr, name)
		if err != nil {
			log.WithError(err).Error("Could not send moderator info mail")
			e.setStatus(ctx, t, path, broker.StatusRetry, "could not send moderator link")
		} else {
			e.setStatus(ctx, t, path, broker.StatusMailSent, "sent moderator info mail")
		}
	}
}

func (t *tick) mailContext(recipientEmail, recipientName string) templates.Context {
	return templates.Context{
		MeetingName:    t.meeting.MeetingName,
		MeetingTitle:   t.meeting.MeetingTitle,
		StartDate:      t.meeting.StartDate,
		MeetingLink:    t.meetingLink,
		ModeratorLink:  t.moderatorLink,
		AccessCode:     t.meeting.AccessCode,
		Server:         t.meeting.Server,
		OwnerEmail:     t.meeting.Owner.Email,
		OwnerFullName:  t.meeting.Owner.DisplayName(),
		RecipientEmail: recipientEmail,
		RecipientName:  recipientName,
	}
}

// queueMail renders a template and appends a self-contained SMTP envelope
// to the mail stream.
func (e *Engine) queueMail(ctx context.Context, t *tick, override, fallback string, tctx templates.Context, to, toName string) error {
	name := override
	if name == "" {
		name = fallback
	}
	text, err := e.renderer.Render(name, tctx)
	if err != nil {
		return err
	}

	msg := e.envelope(t, to, toName)
	msg.Text = text
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = e.broker.StreamAppend(ctx, broker.MailStream, t.id, payload)
	return err
}

// envelope applies the meeting over server over default override chain to
// the sender and recipient fields.
func (e *Engine) envelope(t *tick, defTo, defToName string) email.Message {
	m, srv := t.meeting, t.server
	return email.Message{
		Server:   srv.MailServer,
		User:     srv.MailUser,
		Password: srv.MailPassword,
		From:     firstNonEmpty(m.MailFrom, srv.MailFrom, m.Owner.Email),
		FromName: firstNonEmpty(m.MailFromName, srv.MailFromName, m.Owner.DisplayName()),
		To:       firstNonEmpty(m.MailTo, srv.MailTo, defTo),
		ToName:   firstNonEmpty(m.MailToName, srv.MailToName, defToName),
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func (e *Engine) statusCode(ctx context.Context, id string, path ...string) string {
	status, err := e.broker.GetStatus(ctx, broker.KindMeeting, id, path...)
	if err != nil || status == nil {
		return ""
	}
	return status.Code
}

func (e *Engine) setStatus(ctx context.Context, t *tick, path []string, code, message string) {
	if _, err := e.broker.SetStatus(ctx, broker.KindMeeting, t.id, path, code, message, t.now); err != nil {
		e.logger.WithError(err).WithField("meeting", t.id).Warn("Failed to write status")
	}
}

func (e *Engine) persist(ctx context.Context, t *tick, log *logrus.Entry) {
	payload, err := json.Marshal(t.meeting)
	if err != nil {
		log.WithError(err).Error("Failed to encode meeting record")
		return
	}
	if err := e.broker.PutRecord(ctx, broker.KindMeeting, t.id, payload); err != nil {
		log.WithError(err).Error("Failed to save meeting record")
	}
}
