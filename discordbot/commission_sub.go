package discordbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"strings"
)

// ReconcileOutcome describes what reconciling a commission event did
type ReconcileOutcome string

const (
	// OutcomeAnnounced means a new message was sent and bound
	OutcomeAnnounced ReconcileOutcome = "announced"

	// OutcomeEdited means the bound message was updated in place
	OutcomeEdited ReconcileOutcome = "edited"

	// OutcomeRetired means the bound message was deleted and unbound
	OutcomeRetired ReconcileOutcome = "retired"

	// OutcomeNoop means nothing needed to be done
	OutcomeNoop ReconcileOutcome = "noop"

	// OutcomeDestinationUnresolved means the commission's datacenter
	// doesn't map to a usable channel, so no message was touched
	OutcomeDestinationUnresolved ReconcileOutcome = "destination_unresolved"

	// OutcomeMessageMissing means the bound message no longer exists,
	// and the stale binding was removed
	OutcomeMessageMissing ReconcileOutcome = "message_missing"

	// OutcomeFailed means a Discord or binding store call failed part
	// way through. Whatever completed before the failure is kept.
	OutcomeFailed ReconcileOutcome = "failed"
)

const (
	reasonCommissionStarted  = "Linked commission has been started"
	reasonCommissionArchived = "Linked commission has been archived"
	reasonCommissionDeleted  = "Linked commission was deleted"
)

var errDestinationUnresolved = errors.New("destination unresolved")

// CommissionSub keeps one Discord message per open commission, in the
// channel for the commission's datacenter.
//
// Events for the same commission key are handled one at a time, in the
// order they acquire the key's lock. Events for different keys run
// concurrently.
type CommissionSub struct {
	session  DiscordSessionHandler
	bindings BindingStore
	renderer CommissionRenderer
	channels map[string]string
	locks    *keyLock
	logger   *slog.Logger
}

// NewCommissionSub returns a CommissionSub posting to the channels in
// cfg.Channels, remembering messages in bindings.
func NewCommissionSub(
	session DiscordSessionHandler,
	bindings BindingStore,
	catalog *ItemCatalog,
	cfg *CommissionConfig,
	logger *slog.Logger,
) *CommissionSub {
	if logger == nil {
		logger = slog.Default()
	}
	if catalog == nil {
		catalog = NewItemCatalog(nil, DefaultItemCatalogLocale)
	}
	channels := make(map[string]string, len(cfg.Channels))
	for dc, channelID := range cfg.Channels {
		channels[strings.ToLower(dc)] = channelID
	}
	return &CommissionSub{
		session:  session,
		bindings: bindings,
		renderer: CommissionRenderer{
			Catalog:     catalog,
			BaseURL:     cfg.BaseURL,
			RoleMention: cfg.RoleMention,
		},
		channels: channels,
		locks:    newKeyLock(),
		logger:   logger,
	}
}

// Handle dispatches the event to the matching Commission* method
func (s *CommissionSub) Handle(
	ctx context.Context,
	event CommissionEventType,
	c Commission,
) (ReconcileOutcome, error) {
	switch event {
	case CommissionEventCreated:
		return s.CommissionCreated(ctx, c)
	case CommissionEventUpdated:
		return s.CommissionUpdated(ctx, c)
	case CommissionEventDeleted:
		return s.CommissionDeleted(ctx, c)
	default:
		return OutcomeNoop, fmt.Errorf("%w: %q", ErrUnknownCommissionEvent, event)
	}
}

// CommissionCreated announces the commission if it has items and isn't
// already announced.
func (s *CommissionSub) CommissionCreated(
	ctx context.Context,
	c Commission,
) (ReconcileOutcome, error) {
	defer s.locks.Lock(c.Key)()
	log := s.log(ctx, CommissionEventCreated, c)

	if c.TotalItems <= 0 {
		return s.done(ctx, log, OutcomeNoop, nil)
	}
	_, bound, err := s.bindings.Get(ctx, c.Key)
	if err != nil {
		return s.done(ctx, log, OutcomeFailed, err)
	}
	if bound {
		return s.done(ctx, log, OutcomeNoop, nil)
	}
	outcome, err := s.announce(ctx, c)
	return s.done(ctx, log, outcome, err)
}

// CommissionUpdated edits the commission's message while it's open, and
// retires it once the commission is started or archived.
//
// An open commission with items and no message is announced, as if it
// had just been created.
func (s *CommissionSub) CommissionUpdated(
	ctx context.Context,
	c Commission,
) (ReconcileOutcome, error) {
	defer s.locks.Lock(c.Key)()
	log := s.log(ctx, CommissionEventUpdated, c)

	binding, bound, err := s.bindings.Get(ctx, c.Key)
	if err != nil {
		return s.done(ctx, log, OutcomeFailed, err)
	}

	if !bound {
		if c.TotalItems > 0 && c.Status == CommissionOpen {
			log.InfoContext(ctx, "announcing updated commission with no message")
			outcome, announceErr := s.announce(ctx, c)
			return s.done(ctx, log, outcome, announceErr)
		}
		return s.done(ctx, log, OutcomeNoop, nil)
	}

	channelID, err := s.destination(ctx, c)
	if err != nil {
		return s.done(ctx, log, OutcomeDestinationUnresolved, nil)
	}

	msg, outcome, err := s.fetch(ctx, channelID, binding)
	if msg == nil {
		return s.done(ctx, log, outcome, err)
	}

	switch c.Status {
	case CommissionOpen:
		_, err = s.session.ChannelMessageEditComplex(
			s.renderer.Edit(channelID, msg.ID, c),
			discordgo.WithContext(ctx),
		)
		if err != nil {
			return s.done(ctx, log, OutcomeFailed, fmt.Errorf("error editing message: %w", err))
		}
		return s.done(ctx, log, OutcomeEdited, nil)
	case CommissionStarted:
		outcome, err = s.retire(ctx, channelID, msg.ID, c.Key, reasonCommissionStarted)
		return s.done(ctx, log, outcome, err)
	case CommissionArchived:
		outcome, err = s.retire(ctx, channelID, msg.ID, c.Key, reasonCommissionArchived)
		return s.done(ctx, log, outcome, err)
	default:
		return s.done(ctx, log, OutcomeNoop, nil)
	}
}

// CommissionDeleted retires the commission's message, if it has one.
func (s *CommissionSub) CommissionDeleted(
	ctx context.Context,
	c Commission,
) (ReconcileOutcome, error) {
	defer s.locks.Lock(c.Key)()
	log := s.log(ctx, CommissionEventDeleted, c)

	binding, bound, err := s.bindings.Get(ctx, c.Key)
	if err != nil {
		return s.done(ctx, log, OutcomeFailed, err)
	}
	if !bound {
		return s.done(ctx, log, OutcomeNoop, nil)
	}

	channelID, err := s.destination(ctx, c)
	if err != nil {
		return s.done(ctx, log, OutcomeDestinationUnresolved, nil)
	}

	msg, outcome, err := s.fetch(ctx, channelID, binding)
	if msg == nil {
		return s.done(ctx, log, outcome, err)
	}

	outcome, err = s.retire(ctx, channelID, msg.ID, c.Key, reasonCommissionDeleted)
	return s.done(ctx, log, outcome, err)
}

// destination resolves the channel for the commission's datacenter.
// Unmapped datacenters fail without calling Discord.
func (s *CommissionSub) destination(ctx context.Context, c Commission) (string, error) {
	if c.Datacenter == "" {
		return "", fmt.Errorf("%w: no datacenter", errDestinationUnresolved)
	}
	channelID, ok := s.channels[strings.ToLower(c.Datacenter)]
	if !ok || channelID == "" {
		return "", fmt.Errorf("%w: unmapped datacenter %q", errDestinationUnresolved, c.Datacenter)
	}
	if _, err := s.session.Channel(channelID, discordgo.WithContext(ctx)); err != nil {
		s.logger.WarnContext(
			ctx,
			"unable to resolve commission channel",
			tint.Err(err),
			"datacenter", c.Datacenter,
			"channel_id", channelID,
		)
		return "", fmt.Errorf("%w: %w", errDestinationUnresolved, err)
	}
	return channelID, nil
}

// announce sends a new message for c and binds it
func (s *CommissionSub) announce(ctx context.Context, c Commission) (ReconcileOutcome, error) {
	channelID, err := s.destination(ctx, c)
	if err != nil {
		return OutcomeDestinationUnresolved, nil
	}

	msg, err := s.session.ChannelMessageSendComplex(
		channelID,
		s.renderer.Message(c),
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("error sending message: %w", err)
	}
	if msg == nil {
		return OutcomeFailed, errors.New("error sending message: empty response")
	}

	binding := MessageBinding{
		CommissionKey: c.Key,
		ChannelID:     channelID,
		MessageID:     msg.ID,
	}
	if err = s.bindings.Set(ctx, binding); err != nil {
		return OutcomeFailed, err
	}
	return OutcomeAnnounced, nil
}

// fetch loads the bound message. If it no longer exists, the binding is
// removed and a nil message is returned with OutcomeMessageMissing.
func (s *CommissionSub) fetch(
	ctx context.Context,
	channelID string,
	binding MessageBinding,
) (*discordgo.Message, ReconcileOutcome, error) {
	msg, err := s.session.ChannelMessage(
		channelID,
		binding.MessageID,
		discordgo.WithContext(ctx),
	)
	switch {
	case isUnknownMessage(err):
		if delErr := s.bindings.Delete(ctx, binding.CommissionKey); delErr != nil {
			return nil, OutcomeFailed, delErr
		}
		return nil, OutcomeMessageMissing, nil
	case err != nil:
		return nil, OutcomeFailed, fmt.Errorf("error fetching message: %w", err)
	case msg == nil:
		return nil, OutcomeFailed, errors.New("error fetching message: empty response")
	}
	return msg, "", nil
}

// retire deletes the message and then the binding. The binding is kept
// if the delete fails.
func (s *CommissionSub) retire(
	ctx context.Context,
	channelID string,
	messageID string,
	key string,
	reason string,
) (ReconcileOutcome, error) {
	err := s.session.ChannelMessageDelete(
		channelID,
		messageID,
		discordgo.WithContext(ctx),
		discordgo.WithAuditLogReason(reason),
	)
	outcome := OutcomeRetired
	switch {
	case isUnknownMessage(err):
		outcome = OutcomeMessageMissing
	case err != nil:
		return OutcomeFailed, fmt.Errorf("error deleting message: %w", err)
	}

	if err = s.bindings.Delete(ctx, key); err != nil {
		return OutcomeFailed, err
	}
	return outcome, nil
}

func (s *CommissionSub) log(
	ctx context.Context,
	event CommissionEventType,
	c Commission,
) *slog.Logger {
	log := s.logger.With("event", event, "commission", c)
	if requestID, ok := requestIDFrom(ctx); ok {
		log = log.With(xRequestIDHeader, requestID)
	}
	return log
}

// done logs the outcome of an event and passes it through
func (s *CommissionSub) done(
	ctx context.Context,
	log *slog.Logger,
	outcome ReconcileOutcome,
	err error,
) (ReconcileOutcome, error) {
	switch {
	case err != nil:
		log.ErrorContext(ctx, "error reconciling commission", tint.Err(err), "outcome", outcome)
	case outcome == OutcomeNoop, outcome == OutcomeDestinationUnresolved:
		log.DebugContext(ctx, "commission reconciled", "outcome", outcome)
	default:
		log.InfoContext(ctx, "commission reconciled", "outcome", outcome)
	}
	return outcome, err
}
