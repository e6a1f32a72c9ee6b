package mailworker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aau-zid/scheduLight/internal/broker"
	"github.com/aau-zid/scheduLight/pkg/email"
	"github.com/aau-zid/scheduLight/pkg/logging"
)

// Broker is the slice of the broker the worker needs.
type Broker interface {
	ReadGroup(ctx context.Context, stream, group, consumer, cursor string, count int64, block time.Duration) []broker.Message
	Ack(ctx context.Context, stream, group, id string) error
}

// Options toggle delivery. NoEmails drops every message, DebugEmails
// additionally logs the rendered mail before dropping it. Dropped messages
// are acknowledged so the stream does not grow unbounded while delivery is
// switched off.
type Options struct {
	NoEmails    bool
	DebugEmails bool
}

// Worker consumes the mail stream and delivers each envelope over SMTP.
// An entry is only acknowledged when delivery succeeded, so transient SMTP
// failures are retried from the pending list on the next pass.
type Worker struct {
	broker   Broker
	logger   logging.Logger
	opts     Options
	consumer string

	send  func(*email.Message) error
	sleep func(time.Duration)
}

func New(b Broker, logger logging.Logger, opts Options) *Worker {
	return &Worker{
		broker:   b,
		logger:   logger,
		opts:     opts,
		consumer: broker.DefaultConsumer,
		send:     email.Send,
		sleep:    time.Sleep,
	}
}

// Run retries this consumer's pending entries, then delivers new ones, and
// repeats until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		w.processBatch(ctx, "0")
		w.processBatch(ctx, ">")
		w.sleep(time.Second)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (w *Worker) processBatch(ctx context.Context, cursor string) {
	for _, msg := range w.broker.ReadGroup(ctx, broker.MailStream, broker.MailGroup, w.consumer, cursor, 0, -1) {
		w.Handle(ctx, msg)
		w.sleep(100 * time.Millisecond)
	}
}

// Handle delivers one mail stream entry.
func (w *Worker) Handle(ctx context.Context, msg broker.Message) {
	log := w.logger.WithFields(logging.Fields{"id": msg.ID, "key": msg.Key})

	var mail email.Message
	if err := json.Unmarshal(msg.Payload, &mail); err != nil {
		log.WithError(err).Error("Mail payload is not valid JSON")
		w.ack(ctx, msg.ID)
		return
	}
	if !mail.Complete() {
		log.Error("Mail server not configured or parameters missing")
		w.ack(ctx, msg.ID)
		return
	}

	if w.opts.NoEmails || w.opts.DebugEmails {
		if w.opts.DebugEmails {
			log.WithField("to", mail.To).Debug(mail.Render())
		}
		log.WithField("to", mail.To).Info("Not sending mail due to configuration")
		w.ack(ctx, msg.ID)
		return
	}

	if err := w.send(&mail); err != nil {
		log.WithError(err).WithField("to", mail.To).Error("Failed to send mail")
		return
	}
	log.WithField("to", mail.To).Info("Sent mail")
	w.ack(ctx, msg.ID)
}

func (w *Worker) ack(ctx context.Context, id string) {
	if err := w.broker.Ack(ctx, broker.MailStream, broker.MailGroup, id); err != nil {
		w.logger.WithError(err).WithField("id", id).Warn("Failed to ack mail")
	}
}
