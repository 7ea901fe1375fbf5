// Package service publishes domain events to RabbitMQ.  Errors are logged
// and returned so callers can ignore failures without interrupting the
// request flow.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	q "github.com/iliyamo/debtflow-identity/internal/queue"
	"github.com/iliyamo/debtflow-identity/internal/session"
)

// Publisher dials the broker once per message.  Publish volume is a
// handful of messages per signup or sign-in, so no connection is kept open.
type Publisher struct {
	URL string
	Log *slog.Logger
}

func NewPublisher(url string, log *slog.Logger) *Publisher {
	return &Publisher{URL: url, Log: log}
}

// Publish declares queue (durable, idempotent) and sends v as a persistent
// JSON message through the default exchange.
func (p *Publisher) Publish(ctx context.Context, queue string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	conn, err := amqp.Dial(p.URL)
	if err != nil {
		p.Log.WarnContext(ctx, "rabbitmq dial failed", "queue", queue, "error", err)
		return err
	}
	defer func() { _ = conn.Close() }()

	ch, err := conn.Channel()
	if err != nil {
		p.Log.WarnContext(ctx, "rabbitmq channel open failed", "queue", queue, "error", err)
		return err
	}
	defer func() { _ = ch.Close() }()

	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		p.Log.WarnContext(ctx, "rabbitmq queue declare failed", "queue", queue, "error", err)
		return err
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}
	if err := ch.PublishWithContext(ctx, "", queue, false, false, pub); err != nil {
		p.Log.WarnContext(ctx, "rabbitmq publish failed", "queue", queue, "error", err)
		return err
	}
	return nil
}

// PublishCompanySignup enqueues the asynchronous company creation.
func (p *Publisher) PublishCompanySignup(ctx context.Context, ev q.CompanySignupRequested) error {
	return p.Publish(ctx, q.CompanySignupQueue, ev)
}

// EventSink is the subset of Publisher the session notifier needs.
type EventSink interface {
	Publish(ctx context.Context, queue string, v any) error
}

// SessionNotifier forwards reconciled sessions to the session.reconciled
// queue.  Publishing happens off the resolve path.
type SessionNotifier struct {
	Sink    EventSink
	Timeout time.Duration
	Log     *slog.Logger
	Now     func() time.Time
}

func NewSessionNotifier(sink EventSink, log *slog.Logger) *SessionNotifier {
	return &SessionNotifier{Sink: sink, Timeout: 5 * time.Second, Log: log, Now: time.Now}
}

func (n *SessionNotifier) SessionReconciled(ctx context.Context, clientID string, st session.State) {
	ev, ok := reconciledEvent(clientID, st, n.Now())
	if !ok {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.Timeout)
		defer cancel()
		if err := n.Sink.Publish(ctx, q.SessionReconciledQueue, ev); err != nil {
			n.Log.WarnContext(ctx, "session notification dropped", "client_id", clientID, "error", err)
		}
	}()
}

func reconciledEvent(clientID string, st session.State, now time.Time) (q.SessionReconciledEvent, bool) {
	if !st.Authenticated() || st.Profile == nil {
		return q.SessionReconciledEvent{}, false
	}
	return q.SessionReconciledEvent{
		ClientID:       clientID,
		IdentityID:     st.User.ID,
		Email:          st.User.Email,
		Role:           string(st.Profile.Role),
		Source:         st.Source,
		Generation:     st.Generation,
		HasCompany:     st.Profile.Company != nil,
		CompanyMissing: st.Profile.CompanyMissing,
		ReconciledAt:   now.UTC().Format(time.RFC3339),
	}, true
}
