package chat

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/HMasataka/huddle/internal/eventbus"
	"github.com/HMasataka/huddle/internal/logging"
	"github.com/HMasataka/huddle/pkg/domain"
	"github.com/HMasataka/huddle/pkg/errors"
	"github.com/HMasataka/huddle/pkg/history"
	"github.com/HMasataka/huddle/pkg/presence"
	"github.com/HMasataka/huddle/pkg/transport/protocol"
	"github.com/go-playground/validator/v10"
)

// PipelineOptions represents ingest pipeline configuration
type PipelineOptions struct {
	Hub          *Hub
	Store        history.Store
	Clock        domain.Clock
	EventBus     eventbus.Bus
	Logger       *logging.Logger
	ErrorHandler errors.Handler
	HistoryLimit int
	SendTimeout  time.Duration
	MaxUsername  int
	MaxText      int
}

// Pipeline turns inbound frames and connection lifecycle into store appends,
// broadcasts and presence updates.
type Pipeline struct {
	hub          *Hub
	store        history.Store
	clock        domain.Clock
	eventBus     eventbus.Bus
	logger       *logging.Logger
	errorHandler errors.Handler
	router       *Router
	validate     *validator.Validate

	historyLimit int
	sendTimeout  time.Duration
	maxUsername  int
	maxText      int

	// ingestMu keeps timestamp order, history order and broadcast order equal.
	// Presence transitions and their announcements are taken under it too, as
	// is history replay together with the attach that follows it.
	ingestMu sync.Mutex
}

// NewPipeline creates a new ingest pipeline
func NewPipeline(opts PipelineOptions) *Pipeline {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Clock == nil {
		opts.Clock = domain.NewMonotonicClock()
	}
	if opts.ErrorHandler == nil {
		opts.ErrorHandler = errors.NewDefaultHandler(opts.Logger.Logger)
	}
	if opts.HistoryLimit <= 0 || opts.HistoryLimit > history.Capacity {
		opts.HistoryLimit = history.Capacity
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 5 * time.Second
	}
	if opts.MaxUsername <= 0 {
		opts.MaxUsername = 64
	}
	if opts.MaxText <= 0 {
		opts.MaxText = 4096
	}

	p := &Pipeline{
		hub:          opts.Hub,
		store:        opts.Store,
		clock:        opts.Clock,
		eventBus:     opts.EventBus,
		logger:       opts.Logger,
		errorHandler: opts.ErrorHandler,
		validate:     validator.New(),
		historyLimit: opts.HistoryLimit,
		sendTimeout:  opts.SendTimeout,
		maxUsername:  opts.MaxUsername,
		maxText:      opts.MaxText,
	}
	p.router = NewRouter(p, opts.Logger)

	return p
}

// Attach replays recent history to conn and then makes it broadcast-eligible,
// so no live message can overtake the replay.
func (p *Pipeline) Attach(ctx context.Context, conn domain.Connection) error {
	p.ingestMu.Lock()
	defer p.ingestMu.Unlock()

	msgs, err := p.store.Recent(ctx, p.historyLimit)
	if err != nil {
		p.logger.Warn("history read degraded", "client_id", conn.ID(), "error", err)
	}

	for _, msg := range msgs {
		payload, err := protocol.EncodeMessage(msg)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeInternal, "MARSHAL_ERROR", "failed to encode history message")
		}
		if err := p.send(ctx, conn, payload); err != nil {
			return errors.Wrap(err, errors.ErrorTypeTransport, errors.CodeSendFailed, "failed to replay history")
		}
	}

	if err := p.hub.Attach(ctx, conn); err != nil {
		return err
	}

	p.logger.Debug("history replayed", "client_id", conn.ID(), "count", len(msgs))
	return nil
}

// HandleFrame decodes and routes one inbound frame. Recoverable protocol
// errors are answered to conn with an error frame and the frame is dropped.
func (p *Pipeline) HandleFrame(ctx context.Context, conn domain.Connection, data []byte) error {
	frame, err := protocol.Decode(data)
	if err == nil {
		err = p.router.Handle(WithConnection(ctx, conn), frame)
	}
	if err != nil {
		p.reject(ctx, conn, err)
	}
	return err
}

// HandleLogin binds conn to username. The first connection of a user
// announces the join; every login refreshes the presence list.
func (p *Pipeline) HandleLogin(ctx context.Context, conn domain.Connection, username string) error {
	username = strings.TrimSpace(username)
	if err := p.validateUsername(username); err != nil {
		return err
	}

	p.ingestMu.Lock()
	defer p.ingestMu.Unlock()

	event, err := p.hub.Login(ctx, conn, username)
	if err != nil {
		return err
	}

	p.logger.Info("user logged in", "client_id", conn.ID(), "user", username, "first_connection", event != nil)

	if event != nil {
		p.publish(eventbus.EventUserJoined, event, conn)
		if _, err := p.announce(ctx, event); err != nil {
			return err
		}
	}

	return p.hub.BroadcastPresence(ctx)
}

// HandleChat stores a message from an authenticated connection and
// broadcasts it to every other attached connection.
func (p *Pipeline) HandleChat(ctx context.Context, conn domain.Connection, text string) (domain.Message, error) {
	username, ok, err := p.hub.Username(ctx, conn)
	if err != nil {
		return domain.Message{}, err
	}
	if !ok {
		return domain.Message{}, errors.Wrap(domain.ErrNotAuthenticated, errors.ErrorTypeUnauthorized, errors.CodeNotAuthenticated, "login required before sending messages")
	}

	if err := p.validateText(text); err != nil {
		return domain.Message{}, err
	}

	return p.ingest(ctx, func(at time.Time) domain.Message {
		return domain.NewChatMessage(username, text, at)
	}, conn)
}

// Publish stores and broadcasts a message that did not arrive over a
// connection. Nobody is excluded.
func (p *Pipeline) Publish(ctx context.Context, username, text string) (domain.Message, error) {
	username = strings.TrimSpace(username)
	if err := p.validateUsername(username); err != nil {
		return domain.Message{}, err
	}
	if err := p.validateText(text); err != nil {
		return domain.Message{}, err
	}

	return p.ingest(ctx, func(at time.Time) domain.Message {
		return domain.NewChatMessage(username, text, at)
	}, nil)
}

// HandleDisconnect releases conn. The last connection of a user announces the
// departure and refreshes the presence list.
func (p *Pipeline) HandleDisconnect(ctx context.Context, conn domain.Connection) {
	p.ingestMu.Lock()
	defer p.ingestMu.Unlock()

	event, err := p.hub.Detach(ctx, conn)
	if err != nil {
		if !stderrors.Is(err, domain.ErrHubStopped) {
			p.errorHandler.Handle(ctx, err)
		}
		return
	}
	if event == nil {
		return
	}

	p.publish(eventbus.EventUserLeft, event, conn)

	if _, err := p.announce(ctx, event); err != nil {
		p.errorHandler.Handle(ctx, err)
		return
	}
	if err := p.hub.BroadcastPresence(ctx); err != nil {
		p.errorHandler.Handle(ctx, err)
	}
}

// Recent returns the last limit messages, oldest first
func (p *Pipeline) Recent(ctx context.Context, limit int) ([]domain.Message, error) {
	return p.store.Recent(ctx, limit)
}

// Usernames returns the present users
func (p *Pipeline) Usernames(ctx context.Context) ([]string, error) {
	return p.hub.Usernames(ctx)
}

// Stats returns hub statistics
func (p *Pipeline) Stats(ctx context.Context) (domain.HubStats, error) {
	return p.hub.Stats(ctx)
}

// StoreMode reports the history storage mode
func (p *Pipeline) StoreMode() history.Mode {
	return p.store.Mode()
}

func (p *Pipeline) announce(ctx context.Context, event *presence.Event) (domain.Message, error) {
	text := fmt.Sprintf("%s %s", event.Username, event.Kind)
	return p.ingestLocked(ctx, func(at time.Time) domain.Message {
		return domain.NewSystemMessage(text, at)
	}, nil)
}

// ingest stamps, appends and broadcasts one message. A store failure is
// logged and the message is still delivered.
func (p *Pipeline) ingest(ctx context.Context, build func(at time.Time) domain.Message, exclude domain.Connection) (domain.Message, error) {
	p.ingestMu.Lock()
	defer p.ingestMu.Unlock()

	return p.ingestLocked(ctx, build, exclude)
}

// ingestLocked is ingest for callers already holding ingestMu
func (p *Pipeline) ingestLocked(ctx context.Context, build func(at time.Time) domain.Message, exclude domain.Connection) (domain.Message, error) {
	msg := build(p.clock.Now())

	if err := p.store.Append(ctx, msg); err != nil {
		p.logger.Warn("message append degraded", "message_id", msg.ID, "error", err)
		p.publish(eventbus.EventStoreFallback, msg, exclude)
	} else {
		p.publish(eventbus.EventMessageStored, msg, exclude)
	}

	payload, err := protocol.EncodeMessage(msg)
	if err != nil {
		return msg, errors.Wrap(err, errors.ErrorTypeInternal, "MARSHAL_ERROR", "failed to encode message")
	}

	if _, err := p.hub.Broadcast(ctx, payload, exclude); err != nil {
		return msg, err
	}

	return msg, nil
}

func (p *Pipeline) send(ctx context.Context, conn domain.Connection, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, p.sendTimeout)
	defer cancel()
	return conn.Send(ctx, payload)
}

// reject logs err and, for recoverable protocol errors, tells the sender
func (p *Pipeline) reject(ctx context.Context, conn domain.Connection, err error) {
	p.errorHandler.HandleWithLogger(ctx, err, p.logger.With("client_id", conn.ID()))

	code := errors.CodeOf(err)
	switch code {
	case errors.CodeAlreadyBound, errors.CodeNotAuthenticated, errors.CodeMalformedFrame:
	default:
		return
	}

	message := err.Error()
	var e *errors.Error
	if stderrors.As(err, &e) {
		message = e.Message
	}

	payload, encErr := protocol.EncodeError(code, message)
	if encErr != nil {
		return
	}
	if sendErr := p.send(ctx, conn, payload); sendErr != nil {
		p.logger.Debug("failed to send error frame", "client_id", conn.ID(), "error", sendErr)
	}
}

func (p *Pipeline) validateUsername(username string) error {
	rule := fmt.Sprintf("required,max=%d", p.maxUsername)
	if err := p.validate.Var(username, rule); err != nil {
		return errors.Wrap(domain.ErrMalformedFrame, errors.ErrorTypeValidation, errors.CodeMalformedFrame, "invalid username").
			WithDetails(err.Error())
	}
	if strings.EqualFold(username, domain.SystemUser) {
		return errors.Wrap(domain.ErrMalformedFrame, errors.ErrorTypeValidation, errors.CodeMalformedFrame, "username is reserved").
			WithDetails(username)
	}
	return nil
}

func (p *Pipeline) validateText(text string) error {
	rule := fmt.Sprintf("required,max=%d", p.maxText)
	if err := p.validate.Var(strings.TrimSpace(text), rule); err != nil {
		return errors.Wrap(domain.ErrMalformedFrame, errors.ErrorTypeValidation, errors.CodeMalformedFrame, "invalid message text").
			WithDetails(err.Error())
	}
	return nil
}

func (p *Pipeline) publish(eventType eventbus.EventType, data any, conn domain.Connection) {
	if p.eventBus == nil {
		return
	}
	event := eventbus.NewEvent(eventType, "chat-pipeline", data)
	if conn != nil {
		event.WithMetadata("client_id", conn.ID())
	}
	p.eventBus.PublishAsync(event)
}
