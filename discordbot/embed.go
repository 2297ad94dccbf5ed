package discordbot

import (
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/dustin/go-humanize"
	"math"
	"strconv"
	"strings"
)

// discord limits
const (
	maxEmbedDescriptionLength = 4096
	maxEmbedFieldValueLength  = 1024
	maxEmbedTitleLength       = 256
)

const (
	noNameText        = "No name"
	noItemsText       = "No items yet"
	unknownServerText = "Unknown server"
	priceTBDText      = "To be discussed"
	noTagsText        = "No tags"
	noDescriptionText = "No description"
)

func embedFooter() *discordgo.MessageEmbedFooter {
	return &discordgo.MessageEmbedFooter{
		Text:    embedFooterText,
		IconURL: embedFooterIconURL,
	}
}

// formatPrice renders a price with thousands separators and at most two
// decimal places, or "To be discussed" if it isn't positive.
func formatPrice(price float64) string {
	if price <= 0 || math.IsNaN(price) {
		return priceTBDText
	}
	return humanize.Commaf(math.Round(price*100) / 100)
}

// itemLines renders one line per item that still needs crafting and
// has a name in the catalog.
func itemLines(items []CommissionItem, catalog *ItemCatalog) []string {
	lines := make([]string, 0, len(items))
	for _, item := range items {
		remaining := item.Remaining()
		if remaining <= 0 {
			continue
		}
		name, ok := catalog.Name(item.ID)
		if !ok {
			continue
		}
		lines = append(lines, fmt.Sprintf(" - **%s** ×%d", name, remaining))
	}
	return lines
}

// CommissionRenderer builds the message announcing a commission
type CommissionRenderer struct {
	Catalog     *ItemCatalog
	BaseURL     string
	RoleMention string
}

func (r CommissionRenderer) URL(key string) string {
	return r.BaseURL + key
}

func (r CommissionRenderer) Embed(c Commission) *discordgo.MessageEmbed {
	lines := itemLines(c.Items, r.Catalog)
	body := noItemsText
	if len(lines) > 0 {
		body = strings.Join(lines, "\n")
	}
	description := fmt.Sprintf("**Items (%d)**\n%s", len(lines), body)

	title := c.Name
	if title == "" {
		title = noNameText
	}
	server := c.Server
	if server == "" {
		server = unknownServerText
	}
	tags := noTagsText
	if len(c.Tags) > 0 {
		tags = strings.Join(c.Tags, ", ")
	}
	commissionDescription := c.Description
	if commissionDescription == "" {
		commissionDescription = noDescriptionText
	}

	return &discordgo.MessageEmbed{
		Title:       truncate(title, maxEmbedTitleLength),
		URL:         r.URL(c.Key),
		Description: truncate(description, maxEmbedDescriptionLength),
		Color:       embedColor,
		Footer:      embedFooter(),
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Server", Value: server, Inline: true},
			{Name: "Payment", Value: formatPrice(c.Price), Inline: true},
			{
				Name:   "Has all materials",
				Value:  strconv.FormatBool(c.IncludesMaterials),
				Inline: true,
			},
			{Name: "Tags", Value: truncate(tags, maxEmbedFieldValueLength), Inline: true},
			{
				Name:  "Description",
				Value: truncate(commissionDescription, maxEmbedFieldValueLength),
			},
		},
	}
}

// Message returns the message content and embed for a new announcement
func (r CommissionRenderer) Message(c Commission) *discordgo.MessageSend {
	return &discordgo.MessageSend{
		Content: r.RoleMention,
		Embeds:  []*discordgo.MessageEmbed{r.Embed(c)},
	}
}

// Edit returns an edit replacing an existing announcement's content
func (r CommissionRenderer) Edit(
	channelID string,
	messageID string,
	c Commission,
) *discordgo.MessageEdit {
	return discordgo.NewMessageEdit(channelID, messageID).
		SetContent(r.RoleMention).
		SetEmbeds([]*discordgo.MessageEmbed{r.Embed(c)})
}
