package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aau-zid/scheduLight/internal/bbb"
	"github.com/aau-zid/scheduLight/internal/broker"
	"github.com/aau-zid/scheduLight/pkg/logging"
	"github.com/aau-zid/scheduLight/pkg/models"
)

// Broker is the slice of the broker the API needs.
type Broker interface {
	SetMembers(ctx context.Context, set string) []string
	GetRecord(ctx context.Context, kind, id string) ([]byte, error)
	PutRecord(ctx context.Context, kind, id string, value []byte) error
	DeleteRecord(ctx context.Context, kind, id string) error
	SetAdd(ctx context.Context, set, member string) error
	SetRemove(ctx context.Context, set, member string) error
	StatusAll(ctx context.Context, kind, id string) (map[string]string, error)
	SetStatus(ctx context.Context, kind, id string, path []string, code, message string, now time.Time) (bool, error)
	DeleteStatus(ctx context.Context, kind, id string) error
	DeleteStatusField(ctx context.Context, kind, id string, path ...string) error
	StreamAppend(ctx context.Context, stream, key string, payload []byte) (string, error)
}

// Conference is the slice of the conference-server client the API needs to
// inspect running rooms.
type Conference interface {
	GetMeetings(ctx context.Context) ([]bbb.Meeting, error)
	FindMeeting(ctx context.Context, title, user string) (*bbb.Meeting, error)
	JoinURLForRole(ctx context.Context, bbbID, fullName, role string) (string, error)
}

// API is the admin CRUD surface over broker state: server and meeting
// records, meeting status ledgers, command enqueueing and a live view of
// the rooms running on a conference server. Records are stored as the raw
// request body so fields the schema does not know about survive a round
// trip.
type API struct {
	broker Broker
	logger logging.Logger
	now    func() time.Time

	newConference func(srv *models.Server) Conference
}

func New(b Broker, logger logging.Logger) *API {
	return &API{
		broker: b,
		logger: logger,
		now:    time.Now,
		newConference: func(srv *models.Server) Conference {
			return bbb.NewClient(srv.BBBURL, srv.BBBSecret, logger)
		},
	}
}

// RegisterRoutes mounts the API under /api/v1.
func (a *API) RegisterRoutes(router *gin.Engine) {
	v1 := router.Group("/api/v1")

	v1.GET("/servers", a.listServers)
	v1.POST("/servers", a.createServer)
	v1.GET("/servers/:id", a.getServer)
	v1.PUT("/servers/:id", a.updateServer)
	v1.DELETE("/servers/:id", a.deleteServer)
	v1.GET("/servers/:id/meetings", a.listServerMeetings)

	v1.GET("/meetings", a.listMeetings)
	v1.POST("/meetings", a.createMeeting)
	v1.GET("/meetings/:id", a.getMeeting)
	v1.PUT("/meetings/:id", a.updateMeeting)
	v1.DELETE("/meetings/:id", a.deleteMeeting)

	v1.GET("/meetings/:id/status", a.getStatus)
	v1.DELETE("/meetings/:id/status", a.deleteStatus)
	v1.GET("/meetings/:id/status/:field", a.getStatusField)
	v1.PUT("/meetings/:id/status/:field", a.putStatusField)
	v1.DELETE("/meetings/:id/status/:field", a.deleteStatusField)

	v1.POST("/commands", a.postCommand)
}

func respond(c *gin.Context, code int, message string, data interface{}) {
	body := gin.H{"message": message}
	if data != nil {
		body["data"] = data
	}
	c.JSON(code, body)
}

func (a *API) listServers(c *gin.Context) {
	members := a.broker.SetMembers(c.Request.Context(), broker.ServersSet)
	if members == nil {
		members = []string{}
	}
	respond(c, http.StatusOK, "found servers", members)
}

func (a *API) listMeetings(c *gin.Context) {
	members := a.broker.SetMembers(c.Request.Context(), broker.MeetingsSet)
	if members == nil {
		members = []string{}
	}
	respond(c, http.StatusOK, "found meetings", members)
}

// validateServerBody parses and validates a server record, returning the
// raw body for storage.
func (a *API) validateServerBody(c *gin.Context) (string, []byte, bool) {
	raw, err := c.GetRawData()
	if err != nil {
		respond(c, http.StatusBadRequest, "could not read request body", nil)
		return "", nil, false
	}
	var server models.Server
	if err := json.Unmarshal(raw, &server); err != nil {
		respond(c, http.StatusBadRequest, "request body is not valid JSON", nil)
		return "", nil, false
	}
	if errs := server.Validate(); !errs.OK() {
		respond(c, http.StatusBadRequest, errs.Error(), nil)
		return "", nil, false
	}
	return server.ID, raw, true
}

func (a *API) validateMeetingBody(c *gin.Context) (string, []byte, bool) {
	raw, err := c.GetRawData()
	if err != nil {
		respond(c, http.StatusBadRequest, "could not read request body", nil)
		return "", nil, false
	}
	var meeting models.Meeting
	if err := json.Unmarshal(raw, &meeting); err != nil {
		respond(c, http.StatusBadRequest, "request body is not valid JSON", nil)
		return "", nil, false
	}
	if errs := meeting.Validate(a.now()); !errs.OK() {
		respond(c, http.StatusBadRequest, errs.Error(), nil)
		return "", nil, false
	}
	return meeting.ID, raw, true
}

func (a *API) createRecord(c *gin.Context, kind, set, id string, raw []byte, message string) {
	ctx := c.Request.Context()
	if err := a.broker.SetAdd(ctx, set, id); err != nil {
		respond(c, http.StatusInternalServerError, "could not store record", nil)
		return
	}
	if err := a.broker.PutRecord(ctx, kind, id, raw); err != nil {
		respond(c, http.StatusInternalServerError, "could not store record", nil)
		return
	}
	respond(c, http.StatusCreated, message, json.RawMessage(raw))
}

func (a *API) createServer(c *gin.Context) {
	id, raw, ok := a.validateServerBody(c)
	if !ok {
		return
	}
	a.createRecord(c, broker.KindServer, broker.ServersSet, id, raw, "server added")
}

func (a *API) createMeeting(c *gin.Context) {
	id, raw, ok := a.validateMeetingBody(c)
	if !ok {
		return
	}
	a.createRecord(c, broker.KindMeeting, broker.MeetingsSet, id, raw, "meeting added")
}

func (a *API) getRecord(c *gin.Context, kind, notFound, found string) {
	raw, err := a.broker.GetRecord(c.Request.Context(), kind, c.Param("id"))
	if err != nil || raw == nil {
		respond(c, http.StatusNotFound, notFound, nil)
		return
	}
	respond(c, http.StatusOK, found, json.RawMessage(raw))
}

func (a *API) getServer(c *gin.Context)  { a.getRecord(c, broker.KindServer, "server not found", "server found") }
func (a *API) getMeeting(c *gin.Context) { a.getRecord(c, broker.KindMeeting, "meeting not found", "meeting found") }

// listServerMeetings reports the rooms currently running on one conference
// server, each with signed attendee and moderator join links. A title query
// narrows the listing to the first room whose name contains it; the user
// query names the joining user on the links.
func (a *API) listServerMeetings(c *gin.Context) {
	ctx := c.Request.Context()
	raw, err := a.broker.GetRecord(ctx, broker.KindServer, c.Param("id"))
	if err != nil || raw == nil {
		respond(c, http.StatusNotFound, "server not found", nil)
		return
	}
	var srv models.Server
	if err := json.Unmarshal(raw, &srv); err != nil {
		respond(c, http.StatusInternalServerError, "server record is not valid JSON", nil)
		return
	}
	conf := a.newConference(&srv)
	user := c.DefaultQuery("user", "system_administrator")

	if title := c.Query("title"); title != "" {
		meeting, err := conf.FindMeeting(ctx, title, user)
		if err != nil {
			respond(c, http.StatusNotFound, "no running meeting matches "+title, nil)
			return
		}
		respond(c, http.StatusOK, "found meeting", meeting)
		return
	}

	meetings, err := conf.GetMeetings(ctx)
	if err != nil {
		a.logger.WithError(err).Error("Could not list meetings on conference server")
		respond(c, http.StatusBadGateway, "could not list meetings", nil)
		return
	}
	for i := range meetings {
		m := &meetings[i]
		if link, err := conf.JoinURLForRole(ctx, m.MeetingID, user, "attendee"); err == nil {
			m.JoinAttendeeURL = link
		}
		if link, err := conf.JoinURLForRole(ctx, m.MeetingID, user, "moderator"); err == nil {
			m.JoinModeratorURL = link
		}
	}
	if meetings == nil {
		meetings = []bbb.Meeting{}
	}
	respond(c, http.StatusOK, "found running meetings", meetings)
}

func (a *API) updateServer(c *gin.Context) {
	_, raw, ok := a.validateServerBody(c)
	if !ok {
		return
	}
	a.updateRecord(c, broker.KindServer, raw, "no server with this id", "updated server")
}

func (a *API) updateMeeting(c *gin.Context) {
	_, raw, ok := a.validateMeetingBody(c)
	if !ok {
		return
	}
	a.updateRecord(c, broker.KindMeeting, raw, "no meeting with this id", "updated meeting")
}

// updateRecord replaces an existing record under the id in the URL; the
// record must already exist.
func (a *API) updateRecord(c *gin.Context, kind string, raw []byte, notFound, updated string) {
	ctx := c.Request.Context()
	id := c.Param("id")
	existing, err := a.broker.GetRecord(ctx, kind, id)
	if err != nil || existing == nil {
		respond(c, http.StatusNotFound, notFound, nil)
		return
	}
	if err := a.broker.PutRecord(ctx, kind, id, raw); err != nil {
		respond(c, http.StatusInternalServerError, "could not store record", nil)
		return
	}
	respond(c, http.StatusCreated, updated, json.RawMessage(raw))
}

func (a *API) deleteServer(c *gin.Context) {
	a.deleteEntity(c, broker.KindServer, broker.ServersSet, "could not find server with id "+c.Param("id"), "deleted server "+c.Param("id"))
}

func (a *API) deleteMeeting(c *gin.Context) {
	a.deleteEntity(c, broker.KindMeeting, broker.MeetingsSet, "could not find meeting with id "+c.Param("id"), "deleted meeting "+c.Param("id"))
}

// deleteEntity removes set membership, the record and its status ledger.
func (a *API) deleteEntity(c *gin.Context, kind, set, notFound, deleted string) {
	ctx := c.Request.Context()
	id := c.Param("id")

	existing, err := a.broker.GetRecord(ctx, kind, id)
	if err != nil || existing == nil {
		respond(c, http.StatusNotFound, notFound, nil)
		return
	}
	if err := a.broker.SetRemove(ctx, set, id); err != nil {
		respond(c, http.StatusInternalServerError, "could not delete record", nil)
		return
	}
	if err := a.broker.DeleteRecord(ctx, kind, id); err != nil {
		respond(c, http.StatusInternalServerError, "could not delete record", nil)
		return
	}
	respond(c, http.StatusNoContent, deleted, nil)
}

func (a *API) meetingExists(c *gin.Context) bool {
	raw, err := a.broker.GetRecord(c.Request.Context(), broker.KindMeeting, c.Param("id"))
	if err != nil || raw == nil {
		respond(c, http.StatusNotFound, "meeting not found", nil)
		return false
	}
	return true
}

func (a *API) getStatus(c *gin.Context) {
	if !a.meetingExists(c) {
		return
	}
	status, err := a.broker.StatusAll(c.Request.Context(), broker.KindMeeting, c.Param("id"))
	if err != nil || len(status) == 0 {
		respond(c, http.StatusNotFound, "status not found", nil)
		return
	}
	respond(c, http.StatusOK, "status found", status)
}

func (a *API) deleteStatus(c *gin.Context) {
	if !a.meetingExists(c) {
		return
	}
	if err := a.broker.DeleteStatus(c.Request.Context(), broker.KindMeeting, c.Param("id")); err != nil {
		respond(c, http.StatusInternalServerError, "could not delete status", nil)
		return
	}
	respond(c, http.StatusNoContent, "deleted status "+c.Param("id"), nil)
}

func (a *API) getStatusField(c *gin.Context) {
	if !a.meetingExists(c) {
		return
	}
	status, err := a.broker.StatusAll(c.Request.Context(), broker.KindMeeting, c.Param("id"))
	if err != nil {
		respond(c, http.StatusInternalServerError, "could not read status", nil)
		return
	}
	raw, ok := status[c.Param("field")]
	if !ok {
		respond(c, http.StatusNotFound, "status not found", nil)
		return
	}
	respond(c, http.StatusOK, "status found", raw)
}

// statusUpdate is the PUT body of a status field write.
type statusUpdate struct {
	StatusCode    string `json:"status_code"`
	StatusMessage string `json:"status_message"`
}

func (a *API) putStatusField(c *gin.Context) {
	var update statusUpdate
	if err := c.ShouldBindJSON(&update); err != nil || update.StatusCode == "" || update.StatusMessage == "" {
		respond(c, http.StatusBadRequest, "please provide status_code and status_message", nil)
		return
	}
	if !a.meetingExists(c) {
		return
	}
	path := strings.Split(c.Param("field"), "_")
	written, err := a.broker.SetStatus(c.Request.Context(), broker.KindMeeting, c.Param("id"), path, update.StatusCode, update.StatusMessage, a.now())
	if err != nil || !written {
		respond(c, http.StatusBadRequest, "could not set status", nil)
		return
	}
	respond(c, http.StatusCreated, "set status", update)
}

func (a *API) deleteStatusField(c *gin.Context) {
	if !a.meetingExists(c) {
		return
	}
	ctx := c.Request.Context()
	id := c.Param("id")
	field := c.Param("field")

	status, err := a.broker.StatusAll(ctx, broker.KindMeeting, id)
	if err != nil {
		respond(c, http.StatusInternalServerError, "could not read status", nil)
		return
	}
	if _, ok := status[field]; !ok {
		respond(c, http.StatusNotFound, "could not delete status "+field, nil)
		return
	}
	if err := a.broker.DeleteStatusField(ctx, broker.KindMeeting, id, strings.Split(field, "_")...); err != nil {
		respond(c, http.StatusInternalServerError, "could not delete status", nil)
		return
	}
	respond(c, http.StatusNoContent, "deleted status "+field, nil)
}

func (a *API) postCommand(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		respond(c, http.StatusBadRequest, "could not read request body", nil)
		return
	}
	var cmd models.Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		respond(c, http.StatusBadRequest, "request body is not valid JSON", nil)
		return
	}
	if errs := cmd.Validate(); !errs.OK() {
		respond(c, http.StatusBadRequest, errs.Error(), nil)
		return
	}
	if _, err := a.broker.StreamAppend(c.Request.Context(), broker.CommandStream, cmd.Command, raw); err != nil {
		respond(c, http.StatusBadRequest, "could not queue command", nil)
		return
	}
	respond(c, http.StatusCreated, "command queued successfully", json.RawMessage(raw))
}
