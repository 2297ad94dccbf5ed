package discordbot

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"strings"
	"time"
	"unicode"
)

// commandTimeout limits how long a single command may run
var commandTimeout = 30 * time.Second

// Command is a prefixed chat command, ex: `!!blockedsite`
type Command interface {
	// CommandNames returns the names the command can be invoked by. The
	// first name is the canonical one.
	CommandNames() []string

	// HelpMessage describes how to use the command
	HelpMessage(prefix string) string

	// HasPermissionToRun returns true if the invoking user may run the
	// command
	HasPermissionToRun(cmd *CommandContext) bool

	// Run executes the command, replying in the invoking channel
	Run(ctx context.Context, cmd *CommandContext) error
}

// CommandContext is a parsed command invocation
type CommandContext struct {
	// Session is used to reply
	Session DiscordSessionHandler

	// Message is the message which invoked the command
	Message *discordgo.Message

	// Name is the (lower-cased) command name, without the prefix
	Name string

	// Args are the whitespace-separated words following the name
	Args []string

	// Prefix is the prefix the command was invoked with
	Prefix string
}

func (c *CommandContext) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("name", c.Name),
		slog.Any("args", c.Args),
	}
	if c.Message != nil {
		attrs = append(
			attrs,
			slog.String("message_id", c.Message.ID),
			slog.String("channel_id", c.Message.ChannelID),
		)
		if c.Message.GuildID != "" {
			attrs = append(attrs, slog.String("guild_id", c.Message.GuildID))
		}
		if c.Message.Author != nil {
			attrs = append(attrs, slog.String("author_id", c.Message.Author.ID))
		}
	}
	return slog.GroupValue(attrs...)
}

// Reply sends data to the channel the command was invoked in
func (c *CommandContext) Reply(ctx context.Context, data *discordgo.MessageSend) error {
	_, err := c.Session.ChannelMessageSendComplex(
		c.Message.ChannelID,
		data,
		discordgo.WithContext(ctx),
	)
	return err
}

// parseCommand splits content into a command name and arguments, if it
// starts with prefix.
func parseCommand(prefix string, content string) (name string, args []string, ok bool) {
	rest, found := strings.CutPrefix(strings.TrimSpace(content), prefix)
	if !found || prefix == "" {
		return "", nil, false
	}
	fields := strings.Fields(rest)
	if len(fields) == 0 || unicode.IsSpace(rune(rest[0])) {
		return "", nil, false
	}
	return strings.ToLower(fields[0]), fields[1:], true
}

// CommandHandler dispatches prefixed chat messages to commands
type CommandHandler struct {
	session  DiscordSessionHandler
	prefix   string
	commands []Command
	byName   map[string]Command
	logger   *slog.Logger
}

// NewCommandHandler returns a CommandHandler for the given commands, plus
// a `help` command listing them.
func NewCommandHandler(
	session DiscordSessionHandler,
	prefix string,
	logger *slog.Logger,
	commands ...Command,
) (*CommandHandler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	h := &CommandHandler{
		session: session,
		prefix:  prefix,
		byName:  map[string]Command{},
		logger:  logger,
	}
	commands = append(commands, &HelpCommand{handler: h})
	for _, c := range commands {
		if err := h.register(c); err != nil {
			return nil, err
		}
	}
	return h, nil
}

func (h *CommandHandler) register(c Command) error {
	names := c.CommandNames()
	if len(names) == 0 {
		return fmt.Errorf("command %T has no names", c)
	}
	for _, name := range names {
		name = strings.ToLower(name)
		if _, exists := h.byName[name]; exists {
			return fmt.Errorf("duplicate command name: %q", name)
		}
		h.byName[name] = c
	}
	h.commands = append(h.commands, c)
	return nil
}

// Commands returns the registered commands, in registration order
func (h *CommandHandler) Commands() []Command {
	return h.commands
}

func (h *CommandHandler) Prefix() string {
	return h.prefix
}

// HandleMessage runs the command the message invokes, if any. Returns
// true if a command was run (successfully or not).
func (h *CommandHandler) HandleMessage(ctx context.Context, m *discordgo.Message) bool {
	if m.Author != nil && m.Author.Bot {
		return false
	}
	name, args, ok := parseCommand(h.prefix, m.Content)
	if !ok {
		return false
	}
	cmd, ok := h.byName[name]
	if !ok {
		h.logger.DebugContext(ctx, "unknown command", "name", name)
		return false
	}

	cmdCtx := &CommandContext{
		Session: h.session,
		Message: m,
		Name:    name,
		Args:    args,
		Prefix:  h.prefix,
	}
	log := h.logger.With("command", cmdCtx)

	if !cmd.HasPermissionToRun(cmdCtx) {
		log.InfoContext(ctx, "user not permitted to run command")
		return false
	}

	ctx, cancel := context.WithTimeout(WithLogger(ctx, log), commandTimeout)
	defer cancel()

	start := time.Now()
	if err := cmd.Run(ctx, cmdCtx); err != nil {
		log.ErrorContext(ctx, "error running command", tint.Err(err))
		return true
	}
	log.InfoContext(ctx, "ran command", "duration", time.Since(start))
	return true
}
