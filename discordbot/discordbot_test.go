package discordbot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

const (
	testChannelAether    = "chan_aether"
	testChannelChaos     = "chan_chaos"
	testChannelElemental = "chan_elemental"
)

func setupTestDB(t testing.TB) *database {
	t.Helper()
	tmpdir := t.TempDir()
	dbPath := filepath.Join(tmpdir, "test.sqlite3")
	db, err := CreateDB(context.Background(), dbTypeSQLite, dbPath, testLogHandler(t))
	if err != nil {
		t.Fatalf("error creating test database: %v", err)
	}
	t.Cleanup(
		func() {
			if sqlDB, e := db.DB(); e == nil {
				_ = sqlDB.Close()
			}
		},
	)
	return newDatabase(db, slog.New(testLogHandler(t)), false)
}

func testLogHandler(t testing.TB) slog.Handler {
	t.Helper()
	return tint.NewHandler(
		os.Stdout,
		&tint.Options{Level: slog.LevelDebug, AddSource: true},
	).WithAttrs([]slog.Attr{slog.String("test_name", t.Name())})
}

func testLogger(t testing.TB) *slog.Logger {
	t.Helper()
	return slog.New(testLogHandler(t))
}

func testItemCatalog() *ItemCatalog {
	return NewItemCatalog(
		map[int]ItemNames{
			1:     {En: "Gil", De: "Gil", Fr: "Gil"},
			5057:  {En: "Iron Ingot", De: "Eisenbarren", Fr: "Lingot de fer"},
			5111:  {En: "Iron Ore", Ja: "鉄鉱"},
			27758: {En: "Rarefied Dwarven Mythril Ingot"},
			44:    {De: "Nur Deutsch"},
		},
		DefaultItemCatalogLocale,
	)
}

func testCommissionConfig() *CommissionConfig {
	return &CommissionConfig{
		Channels: map[string]string{
			"aether":    testChannelAether,
			"Chaos":     testChannelChaos,
			"elemental": testChannelElemental,
		},
		RoleMention:  DefaultCommissionRoleMention,
		BaseURL:      DefaultCommissionBaseURL,
		BindingStore: bindingStoreDatabase,
	}
}

func testCommission(key string) Commission {
	return Commission{
		Key:        key,
		Name:       "Glamour set",
		TotalItems: 2,
		Status:     CommissionOpen,
		Datacenter: "Aether",
		Server:     "Gilgamesh",
		Price:      1234567,
		Items: []CommissionItem{
			{ID: 5057, Amount: 3, Done: 1},
			{ID: 5111, Amount: 10, Done: 0},
		},
		Tags:        []string{"Gear", "Urgent"},
		Description: "Need it by friday",
	}
}

// newTestCommissionSub returns a CommissionSub backed by a mock session
// and a sqlite binding store
func newTestCommissionSub(t testing.TB) (
	*CommissionSub,
	*mockDiscordSession,
	*dbBindingStore,
) {
	t.Helper()
	session := newMockDiscordSession(t)
	bindings := newDBBindingStore(setupTestDB(t))
	sub := NewCommissionSub(
		session,
		bindings,
		testItemCatalog(),
		testCommissionConfig(),
		testLogger(t),
	)
	return sub, session, bindings
}

func unknownMessageError() error {
	return &discordgo.RESTError{
		Response: &http.Response{
			Status:     "404 Not Found",
			StatusCode: http.StatusNotFound,
		},
		ResponseBody: []byte(`{"message": "Unknown Message", "code": 10008}`),
		Message: &discordgo.APIErrorMessage{
			Code:    discordgo.ErrCodeUnknownMessage,
			Message: "Unknown Message",
		},
	}
}

// sentMessage is a message the mock session sent, edited or deleted
type sentMessage struct {
	ChannelID string
	Content   string
	Embeds    []*discordgo.MessageEmbed
}

// mockDiscordSession is a mock implementation of the DiscordSessionHandler
// interface, which keeps sent messages in memory so they can be fetched,
// edited and deleted.
type mockDiscordSession struct {
	mu       sync.Mutex
	logger   *slog.Logger
	nextID   int
	messages map[string]*sentMessage

	// every message sent, in order
	sent []sentMessage

	// message IDs of each edit, in order
	edits []string

	// message IDs of each delete, in order, and the audit log reason
	// given for each
	deletes      []string
	auditReasons []string

	channelLookups int
	statuses       []string
	handlers       int
	opened         bool
	closed         bool

	sendErr    error
	fetchErr   error
	editErr    error
	deleteErr  error
	channelErr error
}

func newMockDiscordSession(t testing.TB) *mockDiscordSession {
	t.Helper()
	return &mockDiscordSession{
		logger:   testLogger(t).With(loggerNameKey, "discord_session_handler"),
		messages: map[string]*sentMessage{},
	}
}

// requestConfig applies opts the way discordgo would, so tests can check
// headers like the audit log reason
func requestConfig(opts ...discordgo.RequestOption) *discordgo.RequestConfig {
	req, _ := http.NewRequest(http.MethodGet, "https://discord.com/api/v9/", nil)
	cfg := &discordgo.RequestConfig{Request: req}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

func (m *mockDiscordSession) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened = true
	m.logger.Info("opened session")
	return nil
}

func (m *mockDiscordSession) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.logger.Info("closed session")
	return nil
}

func (m *mockDiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.nextID++
	id := fmt.Sprintf("msg_%d", m.nextID)
	msg := sentMessage{ChannelID: channelID, Content: data.Content, Embeds: data.Embeds}
	m.sent = append(m.sent, msg)
	m.messages[id] = &msg
	m.logger.Info("saw message send", "channel_id", channelID, "message_id", id)
	return &discordgo.Message{
		ID:        id,
		ChannelID: channelID,
		Content:   data.Content,
		Embeds:    data.Embeds,
	}, nil
}

func (m *mockDiscordSession) ChannelMessage(
	channelID string,
	messageID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	msg, ok := m.messages[messageID]
	if !ok || msg.ChannelID != channelID {
		return nil, unknownMessageError()
	}
	return &discordgo.Message{
		ID:        messageID,
		ChannelID: channelID,
		Content:   msg.Content,
		Embeds:    msg.Embeds,
	}, nil
}

func (m *mockDiscordSession) ChannelMessageEditComplex(
	edit *discordgo.MessageEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.editErr != nil {
		return nil, m.editErr
	}
	msg, ok := m.messages[edit.ID]
	if !ok || msg.ChannelID != edit.Channel {
		return nil, unknownMessageError()
	}

	// decode the edit the same way the API would receive it
	data, err := json.Marshal(edit)
	if err != nil {
		return nil, err
	}
	var body struct {
		Content *string                   `json:"content"`
		Embeds  []*discordgo.MessageEmbed `json:"embeds"`
	}
	if err = json.Unmarshal(data, &body); err != nil {
		return nil, err
	}
	if body.Content != nil {
		msg.Content = *body.Content
	}
	if body.Embeds != nil {
		msg.Embeds = body.Embeds
	}
	m.edits = append(m.edits, edit.ID)
	return &discordgo.Message{
		ID:        edit.ID,
		ChannelID: edit.Channel,
		Content:   msg.Content,
		Embeds:    msg.Embeds,
	}, nil
}

func (m *mockDiscordSession) ChannelMessageDelete(
	channelID string,
	messageID string,
	opts ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return m.deleteErr
	}
	msg, ok := m.messages[messageID]
	if !ok || msg.ChannelID != channelID {
		return unknownMessageError()
	}
	delete(m.messages, messageID)

	reason := requestConfig(opts...).Request.Header.Get("X-Audit-Log-Reason")
	if unescaped, err := url.PathUnescape(reason); err == nil {
		reason = unescaped
	}
	m.deletes = append(m.deletes, messageID)
	m.auditReasons = append(m.auditReasons, reason)
	return nil
}

func (m *mockDiscordSession) Channel(
	channelID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channelLookups++
	if m.channelErr != nil {
		return nil, m.channelErr
	}
	return &discordgo.Channel{ID: channelID, Type: discordgo.ChannelTypeGuildText}, nil
}

func (m *mockDiscordSession) UpdateCustomStatus(status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, status)
	return nil
}

func (m *mockDiscordSession) AddHandler(_ any) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers++
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.handlers--
	}
}

// removeMessage deletes a message out-of-band, as a moderator would
func (m *mockDiscordSession) removeMessage(messageID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.messages, messageID)
}

func (m *mockDiscordSession) message(messageID string) (sentMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[messageID]
	if !ok {
		return sentMessage{}, false
	}
	return *msg, true
}

// calls returns the number of message operations made (send, edit,
// delete) and the number of channel lookups
func (m *mockDiscordSession) calls() (messageOps int, channelLookups int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent) + len(m.edits) + len(m.deletes), m.channelLookups
}

func (m *mockDiscordSession) sentMessages() []sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentMessage(nil), m.sent...)
}

func (m *mockDiscordSession) setError(target *error, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	*target = err
}

var errMockDiscord = errors.New("discord is having a bad day")
