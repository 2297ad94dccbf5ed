package discordbot

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
)

const (
	blockedSiteTitle       = "Your PC or browser might be blocking one of the core sites Teamcraft needs to function"
	blockedSiteDescription = "You should ensure that there are some exceptions for Teamcraft-related hosts added to your VPN/antivirus/adblocker/security/firewall program."
)

var blockedSiteFields = []*discordgo.MessageEmbedField{
	{
		Name: "Note for Chinese users (especially):",
		Value: "Please note that Github, which is used for the automatic updater for Teamcraft, " +
			"is typically blocked in China. You may configure your preferred proxy in the desktop " +
			"app via Settings, Desktop, Networking to try and get around this, or you may have " +
			"better luck manually downloading updates to the app from ``ffxivteamcraft.com/desktop`` " +
			"via your web browser.",
	},
	{
		Name: "We already have specific instructions for Kaspersky:",
		Value: "Type ``!!kaspersky`` in the <#639503745176174592> or <#427756963867394048> channels " +
			"to see instructions specific to allowing the appropriate sites through Kaspersky.",
	},
	{
		Name: "We may also already have some specific instructions to follow for your VPN:",
		Value: "Type ``!!vpn generic`` in <#639503745176174592> or <#427756963867394048> to see if " +
			"your VPN is among the ones for which we already have instructions.",
	},
	{
		Name: "Sites you should add to any 'allow' feature your secure software might have",
		Value: "If the security software you're using is not listed among the options above for " +
			"which we already have commands, please try adding ``ffxivteamcraft.com`` , " +
			"``firestore.googleapis.com`` , and ``*.firebaseio.com`` to the allowed list for your " +
			"VPN/antivirus/adblocker/security software/firewall. \n" +
			"There are many different types of software a user could have installed that might be " +
			"blocking these sites and not a lot of troubleshooters, so please attempt to look up " +
			"instructions for how to allow a URL *before* asking troubleshooters for help to find " +
			"the feature in your software. If the feature does not seem to exist, or allowing these " +
			"sites does not seem to resolve your issue, please let us know and we will continue to " +
			"help you troubleshoot the problem!",
	},
}

// BlockedSiteCommand explains which hosts need to be allowed through
// VPNs, antivirus, adblockers, etc. for Teamcraft to work
type BlockedSiteCommand struct{}

func (BlockedSiteCommand) CommandNames() []string {
	return []string{"blockedsite"}
}

func (BlockedSiteCommand) HelpMessage(prefix string) string {
	return fmt.Sprintf(
		"Use %sblockedsite to explain which sites you may need to allow through "+
			"your VPN, antivirus, adblocker, etc. to ensure proper Teamcraft functionality.",
		prefix,
	)
}

// HasPermissionToRun always returns true, anyone can run it
func (BlockedSiteCommand) HasPermissionToRun(*CommandContext) bool {
	return true
}

func (BlockedSiteCommand) Run(ctx context.Context, cmd *CommandContext) error {
	return cmd.Reply(
		ctx,
		&discordgo.MessageSend{Embeds: []*discordgo.MessageEmbed{blockedSiteEmbed()}},
	)
}

func blockedSiteEmbed() *discordgo.MessageEmbed {
	fields := make([]*discordgo.MessageEmbedField, len(blockedSiteFields))
	for i, f := range blockedSiteFields {
		field := *f
		fields[i] = &field
	}
	return &discordgo.MessageEmbed{
		Title:       blockedSiteTitle,
		Description: blockedSiteDescription,
		Fields:      fields,
		Footer:      embedFooter(),
		Color:       embedColor,
	}
}
