package discordbot

import (
	"encoding/json"
	"errors"
	"fmt"
	"github.com/gin-gonic/gin/binding"
	"log/slog"
	"strings"
)

// CommissionStatus is the lifecycle state of a commission
type CommissionStatus int

const (
	CommissionOpen     CommissionStatus = 0
	CommissionStarted  CommissionStatus = 1
	CommissionArchived CommissionStatus = 2
)

func (s CommissionStatus) String() string {
	switch s {
	case CommissionOpen:
		return "open"
	case CommissionStarted:
		return "started"
	case CommissionArchived:
		return "archived"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// CommissionEventType identifies which change happened to a commission
type CommissionEventType string

const (
	CommissionEventCreated CommissionEventType = "created"
	CommissionEventUpdated CommissionEventType = "updated"
	CommissionEventDeleted CommissionEventType = "deleted"
)

var ErrUnknownCommissionEvent = errors.New("unknown commission event")

func ParseCommissionEventType(s string) (CommissionEventType, error) {
	switch e := CommissionEventType(strings.ToLower(strings.TrimSpace(s))); e {
	case CommissionEventCreated, CommissionEventUpdated, CommissionEventDeleted:
		return e, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownCommissionEvent, s)
	}
}

// CommissionItem is one line item of a commission
type CommissionItem struct {
	ID     int `json:"id" binding:"min=0"`
	Amount int `json:"amount" binding:"min=0"`
	Done   int `json:"done" binding:"min=0"`
}

// Remaining is the number of units still needed
func (i CommissionItem) Remaining() int {
	return i.Amount - i.Done
}

// Commission is a crafting commission, as received from the commission feed
type Commission struct {
	Key               string           `json:"$key" binding:"required"`
	Name              string           `json:"name"`
	TotalItems        int              `json:"totalItems" binding:"min=0"`
	Status            CommissionStatus `json:"status" binding:"min=0,max=2"`
	Datacenter        string           `json:"datacenter"`
	Server            string           `json:"server"`
	Price             float64          `json:"price"`
	Items             []CommissionItem `json:"items" binding:"dive"`
	Tags              []string         `json:"tags"`
	Description       string           `json:"description"`
	IncludesMaterials bool             `json:"includesMaterials"`
}

func (c Commission) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("key", c.Key),
		slog.String("status", c.Status.String()),
		slog.String("datacenter", c.Datacenter),
		slog.Int("total_items", c.TotalItems),
	)
}

// Normalize trims whitespace from text fields and replaces nil slices
// with empty ones.
func (c *Commission) Normalize() {
	c.Key = strings.TrimSpace(c.Key)
	c.Name = strings.TrimSpace(c.Name)
	c.Datacenter = strings.TrimSpace(c.Datacenter)
	c.Server = strings.TrimSpace(c.Server)
	c.Description = strings.TrimSpace(c.Description)
	if c.Items == nil {
		c.Items = []CommissionItem{}
	}
	if c.Tags == nil {
		c.Tags = []string{}
	}
}

// Validate checks the commission's binding constraints
func (c *Commission) Validate() error {
	return binding.Validator.ValidateStruct(c)
}

// ParseCommission decodes, normalizes and validates a commission from JSON
func ParseCommission(data []byte) (Commission, error) {
	var c Commission
	if err := json.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("invalid commission: %w", err)
	}
	c.Normalize()
	if err := c.Validate(); err != nil {
		return c, fmt.Errorf("invalid commission: %w", err)
	}
	return c, nil
}

// CommissionNotification is the payload of a commission event sent
// via postgres NOTIFY
type CommissionNotification struct {
	Event      string          `json:"event"`
	Commission json.RawMessage `json:"commission"`
}

// ParseCommissionNotification decodes a NOTIFY payload into its event
// type and commission
func ParseCommissionNotification(payload string) (
	CommissionEventType,
	Commission,
	error,
) {
	var n CommissionNotification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return "", Commission{}, fmt.Errorf("invalid notification: %w", err)
	}
	event, err := ParseCommissionEventType(n.Event)
	if err != nil {
		return "", Commission{}, err
	}
	if len(n.Commission) == 0 {
		return event, Commission{}, errors.New("invalid notification: missing commission")
	}
	c, err := ParseCommission(n.Commission)
	return event, c, err
}
