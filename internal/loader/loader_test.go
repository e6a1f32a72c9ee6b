package loader

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/aau-zid/scheduLight/internal/broker"
)

type fakeBroker struct {
	records map[string][]byte
	sets    map[string]map[string]bool
	queued  map[string][][]byte
	deleted []string
	renames []string
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		records: map[string][]byte{},
		sets:    map[string]map[string]bool{},
		queued:  map[string][][]byte{},
	}
}

func (b *fakeBroker) SetAdd(_ context.Context, set, member string) error {
	if b.sets[set] == nil {
		b.sets[set] = map[string]bool{}
	}
	b.sets[set][member] = true
	return nil
}

func (b *fakeBroker) SetRemove(_ context.Context, set, member string) error {
	delete(b.sets[set], member)
	return nil
}

func (b *fakeBroker) PutRecord(_ context.Context, kind, id string, value []byte) error {
	b.records[kind+":"+id] = value
	return nil
}

func (b *fakeBroker) DeleteRecord(_ context.Context, kind, id string) error {
	delete(b.records, kind+":"+id)
	b.deleted = append(b.deleted, kind+":"+id)
	return nil
}

func (b *fakeBroker) RenameSet(_ context.Context, from, to string) error {
	if b.sets[from] == nil {
		return nil
	}
	b.sets[to] = b.sets[from]
	delete(b.sets, from)
	b.renames = append(b.renames, from+"->"+to)
	return nil
}

func (b *fakeBroker) SetDiffStore(_ context.Context, dest, a, bSet string) ([]string, error) {
	diff := map[string]bool{}
	for member := range b.sets[a] {
		if !b.sets[bSet][member] {
			diff[member] = true
		}
	}
	b.sets[dest] = diff
	var members []string
	for member := range diff {
		members = append(members, member)
	}
	return members, nil
}

func (b *fakeBroker) DeleteKey(_ context.Context, keys ...string) error {
	for _, key := range keys {
		delete(b.sets, key)
	}
	return nil
}

func (b *fakeBroker) StreamAppend(_ context.Context, stream, _ string, payload []byte) (string, error) {
	b.queued[stream] = append(b.queued[stream], payload)
	return "1-1", nil
}

func newTestLoader(opts Options) (*Loader, *fakeBroker) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	b := newFakeBroker()
	l := New(b, logger, opts)
	l.now = func() time.Time { return time.Date(2026, 3, 14, 9, 0, 0, 0, time.Local) }
	return l, b
}

const testConfig = `
servers:
  bbb1:
    id: bbb1
    BBB_URL: https://bbb.example.org/bigbluebutton/api
    BBB_SECRET: secret
    link_base: https://gl.example.org/b
    mailServer: smtp.example.org
    mailUser: mailer
    mailPassword: hunter2
    mailFrom: admin@example.org
    mailFromName: Admin
  broken:
    id: broken
meetings:
  weekly-sync:
    id: weekly-sync
    meetingName: Weekly Sync
    server: bbb1
    startDate: "2026-03-14 10:00"
    owner:
      email: jane@example.org
      fullName: Jane Doe
commands:
  rename1:
    command: rename_room
    server: bbb1
    data:
      old-uid:
        roomUID: new-uid
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadAppliesConfig(t *testing.T) {
	l, b := newTestLoader(Options{})
	path := writeFile(t, t.TempDir(), "config.yml", testConfig)

	require.NoError(t, l.Load(context.Background(), path))

	require.True(t, b.sets[broker.ServersSet]["bbb1"])
	require.Contains(t, string(b.records["server:bbb1"]), "BBB_SECRET")

	// The broken server entry fails validation and is skipped.
	require.False(t, b.sets[broker.ServersSet]["broken"])
	require.NotContains(t, b.records, "server:broken")

	require.True(t, b.sets[broker.MeetingsSet]["weekly-sync"])
	require.Contains(t, string(b.records["meeting:weekly-sync"]), "Weekly Sync")

	require.Len(t, b.queued[broker.CommandStream], 1)
	require.Contains(t, string(b.queued[broker.CommandStream][0]), "rename_room")
}

func TestLoadRejectsPastStartDate(t *testing.T) {
	l, b := newTestLoader(Options{})
	config := `
meetings:
  stale:
    id: stale
    meetingName: Stale Meeting
    server: bbb1
    startDate: "2020-01-01 10:00"
    owner:
      email: jane@example.org
      fullName: Jane Doe
`
	path := writeFile(t, t.TempDir(), "config.yml", config)

	require.NoError(t, l.Load(context.Background(), path))
	require.False(t, b.sets[broker.MeetingsSet]["stale"])
}

func TestLoadMissingFile(t *testing.T) {
	l, _ := newTestLoader(Options{})
	require.Error(t, l.Load(context.Background(), filepath.Join(t.TempDir(), "missing.yml")))
}

func TestLoadInvalidYAML(t *testing.T) {
	l, _ := newTestLoader(Options{})
	path := writeFile(t, t.TempDir(), "config.yml", "meetings: [broken")
	require.Error(t, l.Load(context.Background(), path))
}

func TestLoadDeletesRemovedMeetings(t *testing.T) {
	l, b := newTestLoader(Options{DeleteRemoved: true})

	// A previous load left a meeting that the new config no longer has.
	b.sets[broker.MeetingsSet] = map[string]bool{"old-meeting": true}
	b.records["meeting:old-meeting"] = []byte(`{"id":"old-meeting"}`)

	path := writeFile(t, t.TempDir(), "config.yml", testConfig)
	require.NoError(t, l.Load(context.Background(), path))

	require.Contains(t, b.deleted, "meeting:old-meeting")
	require.False(t, b.sets[broker.MeetingsSet]["old-meeting"])
	require.True(t, b.sets[broker.MeetingsSet]["weekly-sync"])

	// Working sets do not linger.
	require.NotContains(t, b.sets, "old"+broker.MeetingsSet)
	require.NotContains(t, b.sets, "del"+broker.MeetingsSet)
}

func TestLoadKeepsRemovedMeetingsByDefault(t *testing.T) {
	l, b := newTestLoader(Options{})

	b.sets[broker.MeetingsSet] = map[string]bool{"old-meeting": true}
	b.records["meeting:old-meeting"] = []byte(`{"id":"old-meeting"}`)

	path := writeFile(t, t.TempDir(), "config.yml", testConfig)
	require.NoError(t, l.Load(context.Background(), path))

	require.Empty(t, b.deleted)
	require.Contains(t, b.records, "meeting:old-meeting")
	// The set itself was replaced, so the dropped id is no longer iterated.
	require.False(t, b.sets[broker.MeetingsSet]["old-meeting"])
}

func TestImportCSV(t *testing.T) {
	l, _ := newTestLoader(Options{})
	dir := t.TempDir()
	configPath := writeFile(t, dir, "config.yml", "meetings: {}\n")
	csvPath := writeFile(t, dir, "meetings.csv",
		"Jane;Doe;Jane.Doe@Example.org;secret;2026-06-01 10:00;room1;live.example.org;Algebra I;bbb1\n"+
			"Pat;Smith;pat@example.org;pw;0000-00-00;room2;live.example.org;Calculus;bbb1\n")

	require.NoError(t, l.ImportCSV(configPath, csvPath))

	raw, err := os.ReadFile(configPath)
	require.NoError(t, err)
	var config map[string]interface{}
	require.NoError(t, yaml.Unmarshal(raw, &config))
	meetings := config["meetings"].(map[string]interface{})

	jane := meetings["jane_doe_example_org"].(map[string]interface{})
	require.Equal(t, "Jane Doe", jane["meetingName"])
	require.Equal(t, "Algebra I", jane["meetingTitle"])
	require.Equal(t, "bbb1", jane["server"])
	require.Equal(t, true, jane["useHomeRoom"])
	require.Equal(t, true, jane["muteOnStart"])
	require.Equal(t, 150, jane["maxParticipants"])
	require.Equal(t, "2026-06-01 10:00", jane["startDate"])
	require.Equal(t, "imported-meetingOwnerInfoTemplate.tmpl", jane["meetingOwnerInfoTemplate"])

	owner := jane["owner"].(map[string]interface{})
	require.Equal(t, "jane.doe@example.org", owner["email"])
	require.Equal(t, "Jane Doe", owner["fullName"])
	require.Contains(t, owner["socialUid"], "CN=Jane.Doe@Example.org")

	stream := jane["liveStreaming"].(map[string]interface{})
	require.Equal(t, "live.example.org", stream["streamerHost"])
	require.Equal(t, "rtmp://live.example.org/stream/bbb", stream["targetUrl"])

	// A zeroed start date stays absent.
	pat := meetings["pat_example_org"].(map[string]interface{})
	require.NotContains(t, pat, "startDate")
}

func TestImportCSVRejectsShortRows(t *testing.T) {
	l, _ := newTestLoader(Options{})
	dir := t.TempDir()
	configPath := writeFile(t, dir, "config.yml", "")
	csvPath := writeFile(t, dir, "meetings.csv", "only;three;fields\n")

	require.Error(t, l.ImportCSV(configPath, csvPath))
}
