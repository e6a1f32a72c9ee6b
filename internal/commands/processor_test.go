package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/aau-zid/scheduLight/internal/broker"
	"github.com/aau-zid/scheduLight/internal/templates"
	"github.com/aau-zid/scheduLight/pkg/email"
	"github.com/aau-zid/scheduLight/pkg/models"
)

type fakeBroker struct {
	records map[string][]byte
	reads   map[string][]broker.Message
	acks    []string
	mails   map[string][][]byte
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		records: map[string][]byte{},
		reads:   map[string][]broker.Message{},
		mails:   map[string][][]byte{},
	}
}

func (b *fakeBroker) GetRecord(_ context.Context, kind, id string) ([]byte, error) {
	return b.records[kind+":"+id], nil
}

func (b *fakeBroker) ReadGroup(_ context.Context, _, _, _, cursor string, _ int64, _ time.Duration) []broker.Message {
	msgs := b.reads[cursor]
	b.reads[cursor] = nil
	return msgs
}

func (b *fakeBroker) Ack(_ context.Context, _, _, id string) error {
	b.acks = append(b.acks, id)
	return nil
}

func (b *fakeBroker) StreamAppend(_ context.Context, _, key string, payload []byte) (string, error) {
	b.mails[key] = append(b.mails[key], payload)
	return "1-1", nil
}

type fakeTenant struct {
	renames  []string
	shares   []string
	unshares []string
	rooms    []string
	users    []string
	roles    []string
	deleted  []string

	shareResult int64
	failCreate  bool
}

func newFakeTenant() *fakeTenant {
	return &fakeTenant{shareResult: 1}
}

func (t *fakeTenant) RenameRoom(_ context.Context, oldValue, newValue, renameBy string) (int64, error) {
	t.renames = append(t.renames, fmt.Sprintf("%s->%s by %s", oldValue, newValue, renameBy))
	return 1, nil
}

func (t *fakeTenant) ShareRoom(_ context.Context, roomRef interface{}, email, shareBy string) (int64, error) {
	t.shares = append(t.shares, fmt.Sprintf("%v:%s by %s", roomRef, email, shareBy))
	return t.shareResult, nil
}

func (t *fakeTenant) UnshareRoom(_ context.Context, roomRef interface{}, email, shareBy string) (int64, error) {
	t.unshares = append(t.unshares, fmt.Sprintf("%v:%s by %s", roomRef, email, shareBy))
	return t.shareResult, nil
}

func (t *fakeTenant) CreateRoom(_ context.Context, email, name, roomUID, accessCode string) (int64, error) {
	if t.failCreate {
		return 0, errors.New("room already exists")
	}
	t.rooms = append(t.rooms, fmt.Sprintf("%s:%s:%s:%s", email, name, roomUID, accessCode))
	return 1, nil
}

func (t *fakeTenant) DeleteRoom(_ context.Context, roomRef interface{}, deleteBy string) (int64, error) {
	ref := fmt.Sprintf("%v", roomRef)
	if ref == "missing" {
		return 0, nil
	}
	t.deleted = append(t.deleted, "room:"+ref+" by "+deleteBy)
	return 1, nil
}

func (t *fakeTenant) CreateUser(_ context.Context, email, fullName, _, _, password string) (int64, error) {
	if t.failCreate {
		return 0, errors.New("user already exists")
	}
	t.users = append(t.users, fmt.Sprintf("%s:%s:%s", email, fullName, password))
	return 1, nil
}

func (t *fakeTenant) DeleteUser(_ context.Context, email string) (int64, error) {
	if email == "missing@example.org" {
		return 0, nil
	}
	t.deleted = append(t.deleted, "user:"+email)
	return 1, nil
}

func (t *fakeTenant) SetUserRole(_ context.Context, email string, roleID int) (int64, error) {
	t.roles = append(t.roles, fmt.Sprintf("%s=%d", email, roleID))
	return 1, nil
}

type fakeRenderer struct {
	rendered []string
	fail     bool
}

func (r *fakeRenderer) Render(name string, ctx templates.Context) (string, error) {
	if r.fail {
		return "", errors.New("render failed")
	}
	r.rendered = append(r.rendered, name)
	return "Subject: " + name + "\n\n" + ctx.MeetingLink, nil
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestProcessor() (*Processor, *fakeBroker, *fakeTenant, *fakeRenderer) {
	b := newFakeBroker()
	tenant := newFakeTenant()
	renderer := &fakeRenderer{}

	srv, _ := json.Marshal(models.Server{
		ID:           "bbb1",
		BBBURL:       "https://bbb.example.org/bigbluebutton/api",
		BBBSecret:    "secret",
		LinkBase:     "https://gl.example.org/b",
		MailServer:   "smtp.example.org",
		MailUser:     "mailer",
		MailPassword: "hunter2",
		MailFrom:     "admin@example.org",
		MailFromName: "Admin",
	})
	b.records["server:bbb1"] = srv

	p := New(b, tenant, renderer, quietLogger())
	p.sleep = func(time.Duration) {}
	return p, b, tenant, renderer
}

func testLog() *logrus.Entry {
	return logrus.NewEntry(quietLogger())
}

func command(verb string, data map[string]interface{}) *models.Command {
	raw := map[string]json.RawMessage{}
	for k, v := range data {
		encoded, _ := json.Marshal(v)
		raw[k] = encoded
	}
	return &models.Command{Command: verb, Server: "bbb1", Data: raw}
}

func TestHandleBadPayloadStillAcks(t *testing.T) {
	p, b, tenant, _ := newTestProcessor()

	p.Handle(context.Background(), broker.Message{ID: "1-1", Key: "x", Payload: []byte("{not json")})

	require.Equal(t, []string{"1-1"}, b.acks)
	require.Empty(t, tenant.shares)
}

func TestHandleAcksFailedCommand(t *testing.T) {
	p, b, _, _ := newTestProcessor()

	payload, _ := json.Marshal(models.Command{Command: "share_room"})
	p.Handle(context.Background(), broker.Message{ID: "2-0", Key: "x", Payload: payload})

	require.Equal(t, []string{"2-0"}, b.acks)
}

func TestProcessShareRoom(t *testing.T) {
	p, b, tenant, renderer := newTestProcessor()

	cmd := command(models.CommandShareRoom, map[string]interface{}{
		"weekly": map[string]string{
			"pat@example.org":  "Pat",
			"alex@example.org": "",
		},
	})
	require.True(t, p.Process(context.Background(), cmd, testLog()))

	require.Len(t, tenant.shares, 2)
	require.Contains(t, tenant.shares, "weekly:pat@example.org by uid")
	require.Contains(t, tenant.shares, "weekly:alex@example.org by uid")

	require.Len(t, b.mails[models.CommandShareRoom], 2)
	require.Equal(t, []string{templates.RoomShared, templates.RoomShared}, renderer.rendered)

	recipients := map[string]string{}
	for _, payload := range b.mails[models.CommandShareRoom] {
		var msg email.Message
		require.NoError(t, json.Unmarshal(payload, &msg))
		recipients[msg.To] = msg.ToName
		require.Equal(t, "admin@example.org", msg.From)
		require.Contains(t, msg.Text, "https://gl.example.org/b/weekly")
	}
	require.Equal(t, "Pat", recipients["pat@example.org"])
	// Missing display name falls back to the local part.
	require.Equal(t, "alex", recipients["alex@example.org"])
}

func TestProcessUnshareRoom(t *testing.T) {
	p, b, tenant, renderer := newTestProcessor()

	cmd := command(models.CommandUnshareRoom, map[string]interface{}{
		"weekly": map[string]string{"pat@example.org": "Pat"},
	})
	require.True(t, p.Process(context.Background(), cmd, testLog()))

	require.Equal(t, []string{"weekly:pat@example.org by uid"}, tenant.unshares)
	require.Empty(t, tenant.shares)
	require.Equal(t, []string{templates.RoomUnshared}, renderer.rendered)
	require.Len(t, b.mails[models.CommandUnshareRoom], 1)
}

func TestProcessShareRoomFailureContinues(t *testing.T) {
	p, b, tenant, _ := newTestProcessor()
	tenant.shareResult = 0

	cmd := command(models.CommandShareRoom, map[string]interface{}{
		"weekly": map[string]string{"pat@example.org": "Pat"},
	})
	require.False(t, p.Process(context.Background(), cmd, testLog()))
	require.Empty(t, b.mails)
}

func TestProcessShareRoomInvalidRecipient(t *testing.T) {
	p, _, tenant, _ := newTestProcessor()

	cmd := command(models.CommandShareRoom, map[string]interface{}{
		"weekly": map[string]string{"not-an-address": "Pat"},
	})
	require.False(t, p.Process(context.Background(), cmd, testLog()))
	require.Empty(t, tenant.shares)
}

func TestProcessRenameRoom(t *testing.T) {
	p, _, tenant, _ := newTestProcessor()

	cmd := command(models.CommandRenameRoom, map[string]interface{}{
		"old-uid": models.RenameRoomData{RoomUID: "new-uid"},
	})
	require.True(t, p.Process(context.Background(), cmd, testLog()))
	require.Equal(t, []string{"old-uid->new-uid by uid"}, tenant.renames)
}

func TestProcessRenameRoomMissingTarget(t *testing.T) {
	p, _, tenant, _ := newTestProcessor()

	cmd := command(models.CommandRenameRoom, map[string]interface{}{
		"old-uid": map[string]string{},
	})
	require.False(t, p.Process(context.Background(), cmd, testLog()))
	require.Empty(t, tenant.renames)
}

func TestProcessCreateRoom(t *testing.T) {
	p, _, tenant, _ := newTestProcessor()

	cmd := command(models.CommandCreateRoom, map[string]interface{}{
		"Project Kickoff": models.CreateRoomData{
			Email:      "jane@example.org",
			RoomUID:    "kickoff",
			AccessCode: "123456",
		},
	})
	require.True(t, p.Process(context.Background(), cmd, testLog()))
	require.Equal(t, []string{"jane@example.org:Project Kickoff:kickoff:123456"}, tenant.rooms)
}

func TestProcessCreateRoomFailure(t *testing.T) {
	p, _, tenant, _ := newTestProcessor()
	tenant.failCreate = true

	cmd := command(models.CommandCreateRoom, map[string]interface{}{
		"Project Kickoff": models.CreateRoomData{Email: "jane@example.org"},
	})
	require.False(t, p.Process(context.Background(), cmd, testLog()))
}

func TestProcessDeleteRoom(t *testing.T) {
	p, _, tenant, _ := newTestProcessor()

	cmd := command(models.CommandDeleteRoom, map[string]interface{}{"weekly": map[string]string{}})
	require.True(t, p.Process(context.Background(), cmd, testLog()))
	require.Equal(t, []string{"room:weekly by uid"}, tenant.deleted)

	cmd = command(models.CommandDeleteRoom, map[string]interface{}{"missing": map[string]string{}})
	require.False(t, p.Process(context.Background(), cmd, testLog()))
}

func TestProcessCreateUserWithRole(t *testing.T) {
	p, _, tenant, _ := newTestProcessor()

	cmd := command(models.CommandCreateUser, map[string]interface{}{
		"jane@example.org": models.CreateUserData{FullName: "Jane Doe", Pwd: "secret", Role: 2},
	})
	require.True(t, p.Process(context.Background(), cmd, testLog()))
	require.Equal(t, []string{"jane@example.org:Jane Doe:secret"}, tenant.users)
	require.Equal(t, []string{"jane@example.org=2"}, tenant.roles)
}

func TestProcessCreateUserMissingName(t *testing.T) {
	p, _, tenant, _ := newTestProcessor()

	cmd := command(models.CommandCreateUser, map[string]interface{}{
		"jane@example.org": map[string]string{},
	})
	require.False(t, p.Process(context.Background(), cmd, testLog()))
	require.Empty(t, tenant.users)
}

func TestProcessDeleteUser(t *testing.T) {
	p, _, tenant, _ := newTestProcessor()

	cmd := command(models.CommandDeleteUser, map[string]interface{}{"jane@example.org": map[string]string{}})
	require.True(t, p.Process(context.Background(), cmd, testLog()))
	require.Equal(t, []string{"user:jane@example.org"}, tenant.deleted)

	cmd = command(models.CommandDeleteUser, map[string]interface{}{"missing@example.org": map[string]string{}})
	require.False(t, p.Process(context.Background(), cmd, testLog()))
}

func TestProcessUnknownServer(t *testing.T) {
	p, _, tenant, _ := newTestProcessor()

	cmd := command(models.CommandShareRoom, map[string]interface{}{
		"weekly": map[string]string{"pat@example.org": "Pat"},
	})
	cmd.Server = "nope"
	require.False(t, p.Process(context.Background(), cmd, testLog()))
	require.Empty(t, tenant.shares)
}

func TestProcessUnknownCommand(t *testing.T) {
	p, _, _, _ := newTestProcessor()

	cmd := command("reboot_universe", map[string]interface{}{"x": map[string]string{}})
	require.False(t, p.Process(context.Background(), cmd, testLog()))
}

func TestRunDrainsPendingBeforeNew(t *testing.T) {
	p, b, tenant, _ := newTestProcessor()

	pending, _ := json.Marshal(command(models.CommandDeleteRoom, map[string]interface{}{"weekly": map[string]string{}}))
	fresh, _ := json.Marshal(command(models.CommandDeleteUser, map[string]interface{}{"jane@example.org": map[string]string{}}))
	b.reads["0"] = []broker.Message{{ID: "1-0", Key: "k", Payload: pending}}
	b.reads[">"] = []broker.Message{{ID: "2-0", Key: "k", Payload: fresh}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.Run(ctx)

	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, []string{"1-0", "2-0"}, b.acks)
	require.Equal(t, []string{"room:weekly by uid", "user:jane@example.org"}, tenant.deleted)
}
