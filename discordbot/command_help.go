package discordbot

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"strings"
)

// HelpCommand lists the help message of every registered command
type HelpCommand struct {
	handler *CommandHandler
}

func (*HelpCommand) CommandNames() []string {
	return []string{"help", "commands"}
}

func (*HelpCommand) HelpMessage(prefix string) string {
	return fmt.Sprintf("Use %shelp to list the available commands.", prefix)
}

func (*HelpCommand) HasPermissionToRun(*CommandContext) bool {
	return true
}

func (h *HelpCommand) Run(ctx context.Context, cmd *CommandContext) error {
	lines := make([]string, 0, len(h.handler.Commands()))
	for _, c := range h.handler.Commands() {
		lines = append(lines, "- "+c.HelpMessage(cmd.Prefix))
	}
	embed := &discordgo.MessageEmbed{
		Title:       "Available commands",
		Description: truncate(strings.Join(lines, "\n"), maxEmbedDescriptionLength),
		Footer:      embedFooter(),
		Color:       embedColor,
	}
	return cmd.Reply(ctx, &discordgo.MessageSend{Embeds: []*discordgo.MessageEmbed{embed}})
}
