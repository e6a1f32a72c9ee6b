package commands

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aau-zid/scheduLight/internal/broker"
	"github.com/aau-zid/scheduLight/internal/templates"
	"github.com/aau-zid/scheduLight/pkg/email"
	"github.com/aau-zid/scheduLight/pkg/logging"
	"github.com/aau-zid/scheduLight/pkg/models"
)

// Broker is the slice of the broker the processor needs.
type Broker interface {
	GetRecord(ctx context.Context, kind, id string) ([]byte, error)
	ReadGroup(ctx context.Context, stream, group, consumer, cursor string, count int64, block time.Duration) []broker.Message
	Ack(ctx context.Context, stream, group, id string) error
	StreamAppend(ctx context.Context, stream, key string, payload []byte) (string, error)
}

// Tenant is the slice of the Greenlight store the processor needs.
type Tenant interface {
	RenameRoom(ctx context.Context, oldValue, newValue, renameBy string) (int64, error)
	ShareRoom(ctx context.Context, roomRef interface{}, email, shareBy string) (int64, error)
	UnshareRoom(ctx context.Context, roomRef interface{}, email, shareBy string) (int64, error)
	CreateRoom(ctx context.Context, email, name, roomUID, accessCode string) (int64, error)
	DeleteRoom(ctx context.Context, roomRef interface{}, deleteBy string) (int64, error)
	CreateUser(ctx context.Context, email, fullName, uid, socialUID, password string) (int64, error)
	DeleteUser(ctx context.Context, email string) (int64, error)
	SetUserRole(ctx context.Context, email string, roleID int) (int64, error)
}

// Renderer renders mail bodies.
type Renderer interface {
	Render(name string, ctx templates.Context) (string, error)
}

// Processor consumes the command stream and applies each command against
// the Greenlight database. Every entry is acknowledged after processing,
// success or not; a broken command is logged, never replayed forever.
type Processor struct {
	broker   Broker
	tenant   Tenant
	renderer Renderer
	logger   logging.Logger
	consumer string

	sleep func(time.Duration)
}

func New(b Broker, tenant Tenant, renderer Renderer, logger logging.Logger) *Processor {
	return &Processor{
		broker:   b,
		tenant:   tenant,
		renderer: renderer,
		logger:   logger,
		consumer: broker.DefaultConsumer,
		sleep:    time.Sleep,
	}
}

// Run drains this consumer's pending entries, then picks up new ones, and
// repeats until the context is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	for {
		p.processBatch(ctx, "0")
		p.processBatch(ctx, ">")
		p.sleep(time.Second)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (p *Processor) processBatch(ctx context.Context, cursor string) {
	for _, msg := range p.broker.ReadGroup(ctx, broker.CommandStream, broker.CommandGroup, p.consumer, cursor, 0, -1) {
		p.Handle(ctx, msg)
	}
}

// Handle processes one stream entry and acknowledges it.
func (p *Processor) Handle(ctx context.Context, msg broker.Message) {
	log := p.logger.WithField("id", msg.ID)

	var cmd models.Command
	if err := json.Unmarshal(msg.Payload, &cmd); err != nil {
		log.WithError(err).Error("Command payload is not valid JSON")
		p.ack(ctx, msg.ID)
		return
	}

	if p.Process(ctx, &cmd, log.WithField("command", cmd.Command)) {
		log.WithField("command", cmd.Command).Info("Command processed successfully")
	} else {
		log.Error("Errors during processing of command")
	}
	p.ack(ctx, msg.ID)
}

func (p *Processor) ack(ctx context.Context, id string) {
	if err := p.broker.Ack(ctx, broker.CommandStream, broker.CommandGroup, id); err != nil {
		p.logger.WithError(err).WithField("id", id).Warn("Failed to ack command")
	}
}

// Process applies one command. A partial failure keeps going through the
// remaining data entries and reports false at the end.
func (p *Processor) Process(ctx context.Context, cmd *models.Command, log *logrus.Entry) bool {
	if errs := cmd.Validate(); !errs.OK() {
		log.WithField("errors", errs.Error()).Error("Please provide all required fields for the command")
		return false
	}

	server, ok := p.loadServer(ctx, cmd.Server, log)
	if !ok {
		return false
	}

	success := true
	for key, raw := range cmd.Data {
		switch cmd.Command {
		case models.CommandRenameRoom:
			if !p.renameRoom(ctx, key, raw, log) {
				success = false
			}
		case models.CommandShareRoom, models.CommandUnshareRoom:
			if !p.shareRoom(ctx, cmd.Command, key, raw, server, log) {
				success = false
			}
		case models.CommandCreateRoom:
			if !p.createRoom(ctx, key, raw, log) {
				success = false
			}
		case models.CommandDeleteRoom:
			if n, err := p.tenant.DeleteRoom(ctx, key, "uid"); err != nil || n == 0 {
				log.WithField("room", key).Error("Could not delete room")
				success = false
			} else {
				log.WithField("room", key).Info("Deleted room")
			}
		case models.CommandCreateUser:
			if !p.createUser(ctx, key, raw, log) {
				success = false
			}
		case models.CommandDeleteUser:
			if n, err := p.tenant.DeleteUser(ctx, key); err != nil || n == 0 {
				log.WithField("email", key).Error("Could not delete user")
				success = false
			} else {
				log.WithField("email", key).Info("Deleted user")
			}
		default:
			log.Error("Unknown command")
			success = false
		}
	}
	return success
}

func (p *Processor) loadServer(ctx context.Context, id string, log *logrus.Entry) (*models.Server, bool) {
	raw, err := p.broker.GetRecord(ctx, broker.KindServer, id)
	if err != nil || raw == nil {
		log.WithField("server", id).Error("Could not load server")
		return nil, false
	}
	var server models.Server
	if err := json.Unmarshal(raw, &server); err != nil {
		log.WithError(err).Error("Server record is not valid JSON")
		return nil, false
	}
	if errs := server.Validate(); !errs.OK() {
		log.WithField("errors", errs.Error()).Error("Please provide all required fields for the server")
		return nil, false
	}
	return &server, true
}

func (p *Processor) renameRoom(ctx context.Context, oldUID string, raw json.RawMessage, log *logrus.Entry) bool {
	data, errs := models.ValidateRenameData(raw)
	if !errs.OK() {
		log.WithField("errors", errs.Error()).Error("Please specify all required fields")
		return false
	}
	if n, err := p.tenant.RenameRoom(ctx, oldUID, data.RoomUID, "uid"); err != nil || n == 0 {
		log.WithFields(logging.Fields{"from": oldUID, "to": data.RoomUID}).Error("Could not rename room")
		return false
	}
	log.WithFields(logging.Fields{"from": oldUID, "to": data.RoomUID}).Info("Renamed room")
	return true
}

// shareRoom handles both share_room and unshare_room; the payloads share
// one schema and both notify every recipient by mail.
func (p *Processor) shareRoom(ctx context.Context, verb, roomUID string, raw json.RawMessage, server *models.Server, log *logrus.Entry) bool {
	recipients, errs := models.ValidateShareData(raw)
	if !errs.OK() {
		log.WithField("errors", errs.Error()).Error("Please specify all required fields")
		return false
	}

	template := templates.RoomShared
	if verb == models.CommandUnshareRoom {
		template = templates.RoomUnshared
	}

	success := true
	for addr, name := range recipients {
		var (
			n   int64
			err error
		)
		if verb == models.CommandShareRoom {
			n, err = p.tenant.ShareRoom(ctx, roomUID, addr, "uid")
		} else {
			n, err = p.tenant.UnshareRoom(ctx, roomUID, addr, "uid")
		}
		if err != nil || n == 0 {
			log.WithFields(logging.Fields{"room": roomUID, "email": addr}).Error("Room share could not be changed")
			success = false
			continue
		}
		log.WithFields(logging.Fields{"room": roomUID, "email": addr}).Info("Changed room share")

		if name == "" {
			name = models.LocalPart(addr)
		}
		if err := p.queueMail(ctx, verb, template, server, roomUID, addr, name); err != nil {
			log.WithError(err).WithField("email", addr).Error("Failed to queue mail")
			success = false
		}
	}
	return success
}

func (p *Processor) queueMail(ctx context.Context, key, template string, server *models.Server, roomUID, to, toName string) error {
	text, err := p.renderer.Render(template, templates.Context{
		MeetingLink:    server.LinkBase + "/" + roomUID,
		Server:         server.ID,
		RecipientEmail: to,
		RecipientName:  toName,
	})
	if err != nil {
		return err
	}

	payload, err := json.Marshal(email.Message{
		Server:   server.MailServer,
		User:     server.MailUser,
		Password: server.MailPassword,
		From:     server.MailFrom,
		FromName: server.MailFromName,
		To:       to,
		ToName:   toName,
		Text:     text,
	})
	if err != nil {
		return err
	}
	_, err = p.broker.StreamAppend(ctx, broker.MailStream, key, payload)
	return err
}

func (p *Processor) createRoom(ctx context.Context, name string, raw json.RawMessage, log *logrus.Entry) bool {
	data, errs := models.ValidateCreateRoomData(raw)
	if !errs.OK() {
		log.WithField("errors", errs.Error()).Error("Please specify all required fields")
		return false
	}
	if _, err := p.tenant.CreateRoom(ctx, data.Email, name, data.RoomUID, data.AccessCode); err != nil {
		log.WithError(err).WithFields(logging.Fields{"room": name, "email": data.Email}).Error("Could not create room")
		return false
	}
	log.WithFields(logging.Fields{"room": name, "email": data.Email}).Info("Created room")
	return true
}

func (p *Processor) createUser(ctx context.Context, addr string, raw json.RawMessage, log *logrus.Entry) bool {
	data, errs := models.ValidateCreateUserData(addr, raw)
	if !errs.OK() {
		log.WithField("errors", errs.Error()).Error("Please specify all required fields")
		return false
	}
	if _, err := p.tenant.CreateUser(ctx, addr, data.FullName, "", "", data.Pwd); err != nil {
		log.WithError(err).WithField("email", addr).Error("Could not create user")
		return false
	}
	if data.Role != 0 {
		if _, err := p.tenant.SetUserRole(ctx, addr, data.Role); err != nil {
			log.WithError(err).WithField("email", addr).Error("Could not set user role")
			return false
		}
	}
	log.WithFields(logging.Fields{"email": addr, "fullName": data.FullName}).Info("Created user")
	return true
}
