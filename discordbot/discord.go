package discordbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"net/http"
	"sync/atomic"
)

// Discord manages the Discord session and the gateway event handlers.
//
// Fields:
//   - session: The Discord session handler.
//   - config: Configuration for the Discord integration.
//   - logger: Logger for Discord-related events.
//   - commands: Dispatches prefixed chat commands.
//   - connected: Indicates if the gateway connection is active.
type Discord struct {
	session                     DiscordSessionHandler
	config                      *DiscordConfig
	logger                      *slog.Logger
	commands                    *CommandHandler
	metricConnects              atomic.Int64
	metricDisconnects           atomic.Int64
	metricCommandsHandled       atomic.Int64
	connected                   atomic.Bool
	discordgoRemoveHandlerFuncs []func()
}

func newDiscord(config *DiscordConfig, logger *slog.Logger) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discord{
		config:                      config,
		logger:                      logger,
		discordgoRemoveHandlerFuncs: []func(){},
	}
}

// newSession initializes a new Discord session, with the configured
// token, intents and HTTP client.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{logger: d.logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.StateEnabled = true
	disc.Identify.Intents = d.config.GatewayIntents
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}
	session.session = disc

	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}
	return session, nil
}

// addHandlers registers gateway event handlers, keeping their removal
// funcs for shutdown
func (d *Discord) addHandlers(ctx context.Context) {
	d.discordgoRemoveHandlerFuncs = append(
		d.discordgoRemoveHandlerFuncs,
		d.session.AddHandler(d.handlerReady()),
		d.session.AddHandler(d.handlerConnect()),
		d.session.AddHandler(d.handlerDisconnect()),
		d.session.AddHandler(d.handlerMessageCreate(ctx)),
	)
}

func (d *Discord) removeHandlers() {
	for _, remove := range d.discordgoRemoveHandlerFuncs {
		remove()
	}
	d.discordgoRemoveHandlerFuncs = nil
}

func (d *Discord) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(_ *discordgo.Session, r *discordgo.Ready) {
		var userID, username string
		if r.User != nil {
			userID = r.User.ID
			username = r.User.Username
		}
		d.logger.Info(
			"Ready",
			"session_id", r.SessionID,
			slog.Group("user", "id", userID, "username", username),
			"guilds", len(r.Guilds),
		)
		if d.config.CustomStatus != "" {
			if err := d.session.UpdateCustomStatus(d.config.CustomStatus); err != nil {
				d.logger.Warn("unable to set custom status", tint.Err(err))
			}
		}
	}
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(s *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)

		var sessionID, userID, username string
		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
			if s.State.User != nil {
				userID = s.State.User.ID
				username = s.State.User.Username
			}
		}
		d.logger.Info(
			"Connected",
			"session_id", sessionID,
			slog.Group("user", "id", userID, "username", username),
		)

		if d.config.NotificationChannelID != "" && d.config.StartupMessage != "" {
			_, sendErr := d.session.ChannelMessageSendComplex(
				d.config.NotificationChannelID,
				&discordgo.MessageSend{Content: d.config.StartupMessage},
				discordgo.WithRetryOnRatelimit(false),
				discordgo.WithRestRetries(1),
			)
			if sendErr != nil {
				d.logger.Error("unable to send startup message", tint.Err(sendErr))
			} else {
				d.logger.Info("sent startup notification")
			}
		}
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(s *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)

		var sessionID string
		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
		}
		d.logger.Info("disconnected", "session_id", sessionID)
	}
}

// handlerMessageCreate passes incoming messages to the command handler
func (d *Discord) handlerMessageCreate(ctx context.Context) func(
	s *discordgo.Session,
	m *discordgo.MessageCreate,
) {
	return func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		if d.commands == nil || m == nil || m.Message == nil {
			return
		}
		if d.commands.HandleMessage(ctx, m.Message) {
			d.metricCommandsHandled.Add(1)
		}
	}
}

// isUnknownMessage returns true if err is a Discord API error indicating
// the message doesn't exist (anymore)
func isUnknownMessage(err error) bool {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) {
		return false
	}
	if restErr.Message != nil && restErr.Message.Code == discordgo.ErrCodeUnknownMessage {
		return true
	}
	return restErr.Response != nil && restErr.Response.StatusCode == http.StatusNotFound
}

// DiscordSessionHandler defines the methods from `discordgo.Session` which
// are used in this application, to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// ChannelMessageSendComplex sends a message (with embeds) to a
	// specified channel.
	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessage fetches a single message from a channel
	ChannelMessage(
		channelID string,
		messageID string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageEditComplex edits an existing message
	ChannelMessageEditComplex(
		m *discordgo.MessageEdit,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageDelete deletes a message. The audit log reason can be
	// set with discordgo.WithAuditLogReason.
	ChannelMessageDelete(
		channelID string,
		messageID string,
		opts ...discordgo.RequestOption,
	) error

	// Channel resolves a channel by ID
	Channel(
		channelID string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	// UpdateCustomStatus sets the bot's user status to the given string.
	// If empty, sets the bot user to active and removes any existing
	// custom status.
	UpdateCustomStatus(status string) error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendComplex(channelID, data, opts...)
	if err != nil {
		d.logger.Error("error sending message", tint.Err(err), "channel_id", channelID)
	} else {
		d.logger.Debug("sent message", "channel_id", channelID, "message_id", msg.ID)
	}
	return msg, err
}

func (d DiscordSession) ChannelMessage(
	channelID string,
	messageID string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessage(channelID, messageID, opts...)
}

func (d DiscordSession) ChannelMessageEditComplex(
	m *discordgo.MessageEdit,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageEditComplex(m, opts...)
}

func (d DiscordSession) ChannelMessageDelete(
	channelID string,
	messageID string,
	opts ...discordgo.RequestOption,
) error {
	return d.session.ChannelMessageDelete(channelID, messageID, opts...)
}

// Channel checks the state cache before hitting the API
func (d DiscordSession) Channel(
	channelID string,
	opts ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	if d.session.StateEnabled && d.session.State != nil {
		if ch, err := d.session.State.Channel(channelID); err == nil {
			return ch, nil
		}
	}
	return d.session.Channel(channelID, opts...)
}

func (d DiscordSession) UpdateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}
