package loader

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aau-zid/scheduLight/internal/broker"
	"github.com/aau-zid/scheduLight/pkg/logging"
	"github.com/aau-zid/scheduLight/pkg/models"
)

// Broker is the slice of the broker the loader needs.
type Broker interface {
	SetAdd(ctx context.Context, set, member string) error
	SetRemove(ctx context.Context, set, member string) error
	PutRecord(ctx context.Context, kind, id string, value []byte) error
	DeleteRecord(ctx context.Context, kind, id string) error
	RenameSet(ctx context.Context, from, to string) error
	SetDiffStore(ctx context.Context, dest, a, b string) ([]string, error)
	DeleteKey(ctx context.Context, keys ...string) error
	StreamAppend(ctx context.Context, stream, key string, payload []byte) (string, error)
}

// Document is the YAML config file shape. Entries stay generic maps so
// fields the schema does not know about survive into the stored record.
type Document struct {
	Servers  map[string]map[string]interface{} `yaml:"servers"`
	Meetings map[string]map[string]interface{} `yaml:"meetings"`
	Commands map[string]map[string]interface{} `yaml:"commands"`
}

// Options controls the load behavior. DeleteRemoved removes records whose
// ids were dropped from the config file since the previous load.
type Options struct {
	DeleteRemoved bool
}

// Loader replaces broker state from a YAML config file: server and meeting
// records plus one-shot commands appended to the command stream.
type Loader struct {
	broker Broker
	logger logging.Logger
	opts   Options
	now    func() time.Time
}

func New(b Broker, logger logging.Logger, opts Options) *Loader {
	return &Loader{broker: b, logger: logger, opts: opts, now: time.Now}
}

// Load reads the YAML file at path and applies it.
func (l *Loader) Load(ctx context.Context, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	l.Apply(ctx, &doc)
	return nil
}

// Apply loads servers, then meetings, then queues commands. Invalid
// entries are logged and skipped, never abort the rest of the file.
func (l *Loader) Apply(ctx context.Context, doc *Document) {
	if doc.Servers != nil {
		l.loadEntities(ctx, doc.Servers, broker.KindServer, broker.ServersSet, l.validateServer)
	}
	if doc.Meetings != nil {
		l.loadEntities(ctx, doc.Meetings, broker.KindMeeting, broker.MeetingsSet, l.validateMeeting)
	}
	for key, entry := range doc.Commands {
		payload, err := json.Marshal(entry)
		if err != nil {
			l.logger.WithError(err).WithField("command", key).Error("Could not encode command")
			continue
		}
		var cmd models.Command
		if err := json.Unmarshal(payload, &cmd); err != nil {
			l.logger.WithError(err).WithField("command", key).Error("Command does not match schema")
			continue
		}
		if errs := cmd.Validate(); !errs.OK() {
			l.logger.WithFields(logging.Fields{"command": key, "errors": errs.Error()}).Error("Please provide all required fields for the command")
			continue
		}
		if _, err := l.broker.StreamAppend(ctx, broker.CommandStream, key, payload); err != nil {
			l.logger.WithError(err).WithField("command", key).Error("Failed to queue command")
			continue
		}
		l.logger.WithField("command", key).Info("Queued command")
	}
}

// loadEntities replaces one membership set from config entries. The old
// set is parked under an "old" prefix so dropped ids can be diffed out.
func (l *Loader) loadEntities(ctx context.Context, entries map[string]map[string]interface{}, kind, set string, validate func(string, []byte) bool) {
	oldSet := "old" + set
	if err := l.broker.RenameSet(ctx, set, oldSet); err != nil {
		l.logger.WithError(err).WithField("set", set).Warn("Could not park previous set")
	}

	for id, entry := range entries {
		payload, err := json.Marshal(entry)
		if err != nil {
			l.logger.WithError(err).WithField("id", id).Error("Could not encode record")
			continue
		}
		if !validate(id, payload) {
			continue
		}
		if err := l.broker.SetAdd(ctx, set, id); err != nil {
			l.logger.WithError(err).WithField("id", id).Error("Failed to add record")
			continue
		}
		if err := l.broker.PutRecord(ctx, kind, id, payload); err != nil {
			l.logger.WithError(err).WithField("id", id).Error("Failed to store record")
			continue
		}
		l.logger.WithFields(logging.Fields{"kind": kind, "id": id}).Info("Added record")
	}

	if l.opts.DeleteRemoved {
		delSet := "del" + set
		removed, err := l.broker.SetDiffStore(ctx, delSet, oldSet, set)
		if err != nil {
			l.logger.WithError(err).WithField("set", set).Error("Failed to diff removed records")
		}
		for _, id := range removed {
			l.logger.WithFields(logging.Fields{"kind": kind, "id": id}).Info("Removing record")
			if err := l.broker.DeleteRecord(ctx, kind, id); err != nil {
				l.logger.WithError(err).WithField("id", id).Error("Failed to delete record")
			}
			if err := l.broker.SetRemove(ctx, set, id); err != nil {
				l.logger.WithError(err).WithField("id", id).Error("Failed to remove set member")
			}
		}
		if err := l.broker.DeleteKey(ctx, delSet); err != nil {
			l.logger.WithError(err).Warn("Failed to clear deletion set")
		}
	}
	if err := l.broker.DeleteKey(ctx, oldSet); err != nil {
		l.logger.WithError(err).Warn("Failed to clear parked set")
	}
}

func (l *Loader) validateServer(id string, payload []byte) bool {
	var server models.Server
	if err := json.Unmarshal(payload, &server); err != nil {
		l.logger.WithError(err).WithField("id", id).Error("Server does not match schema")
		return false
	}
	if errs := server.Validate(); !errs.OK() {
		l.logger.WithFields(logging.Fields{"id": id, "errors": errs.Error()}).Error("Please provide all required fields for the server")
		return false
	}
	return true
}

func (l *Loader) validateMeeting(id string, payload []byte) bool {
	var meeting models.Meeting
	if err := json.Unmarshal(payload, &meeting); err != nil {
		l.logger.WithError(err).WithField("id", id).Error("Meeting does not match schema")
		return false
	}
	if errs := meeting.Validate(l.now()); !errs.OK() {
		l.logger.WithFields(logging.Fields{"id": id, "errors": errs.Error()}).Error("Please provide all required fields for the meeting")
		return false
	}
	return true
}

// csvColumns is the fixed layout of an import row.
const csvColumns = 9

// ImportCSV appends one meeting per CSV row to the meetings section of the
// config file and writes the file back. Rows are semicolon-delimited:
// givenname;sn;email;password;startdate;room_url;live_url;title;server.
func (l *Loader) ImportCSV(configPath, csvPath string) error {
	raw, err := os.ReadFile(configPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read config file: %w", err)
	}
	var config map[string]interface{}
	if len(raw) > 0 {
		if err := yaml.Unmarshal(raw, &config); err != nil {
			return fmt.Errorf("parse config file: %w", err)
		}
	}
	if config == nil {
		config = map[string]interface{}{}
	}
	meetings, _ := config["meetings"].(map[string]interface{})
	if meetings == nil {
		meetings = map[string]interface{}{}
		config["meetings"] = meetings
	}

	f, err := os.Open(csvPath)
	if err != nil {
		return fmt.Errorf("open csv file: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.Comma = ';'
	reader.FieldsPerRecord = csvColumns
	rows, err := reader.ReadAll()
	if err != nil {
		return fmt.Errorf("parse csv file: %w", err)
	}

	for _, row := range rows {
		key, meeting := meetingFromRow(row)
		meetings[key] = meeting
		l.logger.WithField("meeting", key).Info("Imported meeting")
	}

	out, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("encode config file: %w", err)
	}
	if err := os.WriteFile(configPath, out, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

func meetingFromRow(row []string) (string, map[string]interface{}) {
	givenname := strings.TrimSpace(row[0])
	sn := strings.TrimSpace(row[1])
	origEmail := strings.TrimSpace(row[2])
	email := strings.ToLower(origEmail)
	password := strings.TrimSpace(row[3])
	startdate := strings.TrimSpace(row[4])
	liveURL := strings.TrimSpace(row[6])
	title := strings.TrimSpace(row[7])
	server := strings.TrimSpace(row[8])

	name := givenname + " " + sn
	key := strings.NewReplacer("@", "_", ".", "_").Replace(email)

	meeting := map[string]interface{}{
		"id":           key,
		"server":       server,
		"meetingName":  name,
		"meetingTitle": title,
		"useHomeRoom":  true,
		"owner": map[string]interface{}{
			"email":     email,
			"password":  password,
			"fullName":  name,
			"socialUid": fmt.Sprintf("CN=%s,OU=USERS,OU=EXTERNAL,DC=ldap,DC=domain,DC=tld", origEmail),
		},
		"meetingOwnerInfoTemplate":      "imported-meetingOwnerInfoTemplate.tmpl",
		"meetingModeratorInfoTemplate":  "imported-meetingModeratorInfoTemplate.tmpl",
		"meetingShareInfoTemplate":      "imported-meetingShareInfoTemplate.tmpl",
		"meetingInvitationInfoTemplate": "imported-meetingInvitationInfoTemplate.tmpl",
		"meetingOwnerStartedTemplate":   "imported-meetingOwnerStartedTemplate.tmpl",
		"meetingOwnerReminderTemplate":  "imported-meetingOwnerReminderTemplate.tmpl",
		"muteOnStart":                   true,
		"maxParticipants":               150,
		"liveStreaming": map[string]interface{}{
			"playIntro":    "/video/5min.mp4",
			"streamerHost": liveURL,
			"targetUrl":    fmt.Sprintf("rtmp://%s/stream/bbb", liveURL),
		},
	}
	if startdate != "" && startdate != "0000-00-00" {
		meeting["startDate"] = startdate
	}
	return key, meeting
}
