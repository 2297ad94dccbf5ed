//nolint:lll // struct tags can't be split
package discordbot

import (
	"crypto/tls"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"log/slog"
	"maps"
	"net/http"
	"time"
)

const (
	EnvvarSetEnvPrefix       = "DISCORDBOT_ENV_PREFIX"
	DefaultEnvPrefix         = "DB"
	DefaultDatabaseType      = "sqlite"
	DefaultDatabase          = "discordbot.sqlite3"
	DefaultLogLevel          = slog.LevelInfo
	DefaultStartupTimeout    = 30 * time.Second
	DefaultShutdownTimeout   = 60 * time.Second
	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second

	DefaultDiscordGatewayIntent = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent
	DefaultDiscordLogLevel       = slog.LevelWarn
	DefaultDiscordgoLogLevel     = slog.LevelWarn
	DefaultDiscordStartupMessage = "I'm here!"
	DefaultDiscordCustomStatus   = "!!help"
	DefaultCommandPrefix         = "!!"

	DefaultCommissionLogLevel      = slog.LevelInfo
	DefaultCommissionBaseURL       = "https://ffxivteamcraft.com/commission/"
	DefaultCommissionRoleMention   = "<@&786319001620840492>"
	DefaultBindingStoreType        = bindingStoreDatabase
	DefaultBindingStorePath        = "commissions.db"
	DefaultItemCatalogLocale       = "en"
	DefaultItemCatalogSource       = "https://raw.githubusercontent.com/ffxiv-teamcraft/ffxiv-teamcraft/staging/libs/data/src/lib/json/items.json"
	DefaultFeedRequestsPerSecond   = 20
	DefaultFeedBurst               = 40
	DefaultFeedPostgresChannel     = "commission_events"
	DefaultAPIListen               = "127.0.0.1:5000"
	DefaultAPILogLevel             = slog.LevelInfo
	DefaultAPITLSMinVersion        = tls.VersionTLS12
	DefaultAPICORSAllowCredentials = false

	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultDatabaseLogLevel      = slog.LevelInfo
	defaultListenNetwork         = "tcp"

	// embed styling shared by every message the bot sends
	embedFooterText    = "ffxiv-teamcraft"
	embedFooterIconURL = "https://ffxivteamcraft.com/assets/logo.png"
	embedColor         = 0x4880b1
)

// DefaultCommissionChannels maps lower-cased datacenter names to the
// channel commissions for that datacenter are announced in.
var DefaultCommissionChannels = map[string]string{
	"elemental": "782287155376291860",
	"mana":      "782287221545631745",
	"gaia":      "782287171004006431",
	"aether":    "782287040737050635",
	"primal":    "782287253098856469",
	"crystal":   "782287132945285120",
	"chaos":     "782214649281642496",
	"light":     "782287186585452596",
	"猫小胖":       "782287293712302081",
	"莫古力":       "782287319221796865",
	"陆行鸟":       "782287342563098646",
	"korea":     "782635554259861530",
	"test":      "784327491292102667",
}

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		xRequestIDHeader,
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

type Config struct {
	// Database connection string
	Database string `yaml:"database" mapstructure:"database" json:"database" binding:"required"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// Discord configures the discord bot itself
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord" binding:"required"`

	// Commissions configures commission announcements
	Commissions *CommissionConfig `yaml:"commissions" mapstructure:"commissions" json:"commissions" binding:"required"`

	// Items configures where item names are loaded from
	Items *ItemCatalogConfig `yaml:"items" mapstructure:"items" json:"items" binding:"required"`

	// Feed configures how commission events are received
	Feed *FeedConfig `yaml:"feed" mapstructure:"feed" json:"feed" binding:"required"`

	// API configures the HTTP server (feed webhook + admin endpoints)
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api" binding:"required"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// initialize. If this is passed, the bot will abort startup.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After this
	// elapses, the bot will force close all connections and exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// Development enables pprof endpoints and relaxes CORS
	Development bool `yaml:"development" mapstructure:"development" json:"development"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// DiscordConfig configures the discord bot itself.
//
//nolint:lll // can't break tags
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// If NotificationChannelID is set, the bot will send StartupMessage to
	// that channel whenever it connects to the discord gateway.
	StartupMessage        string `yaml:"startup_message" mapstructure:"startup_message" json:"startup_message"`
	NotificationChannelID string `yaml:"notification_channel_id" mapstructure:"notification_channel_id" json:"notification_channel_id"`

	// CustomStatus is shown as the bot's status once connected
	CustomStatus string `yaml:"custom_status" mapstructure:"custom_status" json:"custom_status"`

	// CommandPrefix is the prefix chat commands must start with
	CommandPrefix string `yaml:"command_prefix" mapstructure:"command_prefix" json:"command_prefix" binding:"required"`

	// Discord gateway intents. Reading prefixed commands requires the
	// privileged message content intent.
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	httpClient *http.Client
}

// CommissionConfig configures how commissions are announced.
type CommissionConfig struct {
	// Channels maps lower-cased datacenter names to channel IDs
	Channels map[string]string `yaml:"channels" mapstructure:"channels" json:"channels" binding:"required"`

	// RoleMention is sent as the message content, above the embed
	RoleMention string `yaml:"role_mention" mapstructure:"role_mention" json:"role_mention"`

	// BaseURL is joined with the commission key to link to the commission
	BaseURL string `yaml:"base_url" mapstructure:"base_url" json:"base_url" binding:"required,url"`

	// BindingStore is where commission->message bindings are kept,
	// 'database' (the main database) or 'skv' (a standalone file)
	BindingStore string `yaml:"binding_store" mapstructure:"binding_store" json:"binding_store" binding:"oneof=database skv"`

	// BindingStorePath is the skv file path, when BindingStore is 'skv'
	BindingStorePath string `yaml:"binding_store_path" mapstructure:"binding_store_path" json:"binding_store_path" binding:"required_if=BindingStore skv"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// ItemCatalogConfig configures where item names come from
type ItemCatalogConfig struct {
	// Source is a file path or http(s) URL of a JSON object mapping item
	// IDs to localized names
	Source string `yaml:"source" mapstructure:"source" json:"source" binding:"required"`

	// Locale is the item name language used when rendering commissions
	Locale string `yaml:"locale" mapstructure:"locale" json:"locale" binding:"oneof=en de fr ja ko zh"`
}

// FeedConfig configures how commission events are received
type FeedConfig struct {
	// Secret is compared against the X-Feed-Secret header on webhook
	// requests. The webhook is disabled when empty.
	Secret string `yaml:"secret" mapstructure:"secret" json:"secret" log:"[redacted]"`

	// RequestsPerSecond limits webhook ingestion. 0=unlimited
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second" json:"requests_per_second" binding:"min=0"`
	Burst             int     `yaml:"burst" mapstructure:"burst" json:"burst" binding:"min=0"`

	Postgres PostgresFeedConfig `yaml:"postgres" mapstructure:"postgres" json:"postgres"`
}

// PostgresFeedConfig configures receiving commission events via
// PostgreSQL LISTEN/NOTIFY
type PostgresFeedConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// DSN of the database to LISTEN on. Defaults to Config.Database when
	// the main database is postgres.
	DSN string `yaml:"dsn" mapstructure:"dsn" json:"dsn" log:"[redacted]"`

	Channel string `yaml:"channel" mapstructure:"channel" json:"channel" binding:"required_if=Enabled true"`
}

// APIConfig configures the HTTP server
type APIConfig struct {
	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"oneof=tcp tcp4 tcp6 unix"`

	// Secret is the bearer token required for /api endpoints. The admin
	// endpoints are disabled when empty.
	Secret string `yaml:"secret" mapstructure:"secret" json:"secret" log:"[redacted]"`

	// Configuration for SSL/TLS. TLS is used when both cert and key are set.
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"min=1s"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout" binding:"min=1s"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout" binding:"min=1s"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout" binding:"min=1s"`
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	// Path to an SSL certificate
	CertFile string `yaml:"cert_file" mapstructure:"cert_file" json:"cert_file"`

	// Path to an SSL cert key
	KeyFile string `yaml:"key_file" mapstructure:"key_file" json:"key_file"`

	// Minimum TLS version
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

func (s SSLConfig) Enabled() bool {
	return s.CertFile != "" && s.KeyFile != ""
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	defaultMethods := make([]string, len(DefaultCORSAllowMethods))
	copy(defaultMethods, DefaultCORSAllowMethods)

	defaultHeaders := make([]string, len(DefaultCORSAllowHeaders))
	copy(defaultHeaders, DefaultCORSAllowHeaders)

	defaultExpose := make([]string, len(DefaultCORSExposeHeaders))
	copy(defaultExpose, DefaultCORSExposeHeaders)

	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     defaultMethods,
		AllowHeaders:     defaultHeaders,
		ExposeHeaders:    defaultExpose,
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}
	commissionLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)
	commissionLogLevel.Set(DefaultCommissionLogLevel)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
			StartupMessage:    DefaultDiscordStartupMessage,
			CustomStatus:      DefaultDiscordCustomStatus,
			CommandPrefix:     DefaultCommandPrefix,
		},
		Commissions: &CommissionConfig{
			Channels:         maps.Clone(DefaultCommissionChannels),
			RoleMention:      DefaultCommissionRoleMention,
			BaseURL:          DefaultCommissionBaseURL,
			BindingStore:     DefaultBindingStoreType,
			BindingStorePath: DefaultBindingStorePath,
			LogLevel:         commissionLogLevel,
		},
		Items: &ItemCatalogConfig{
			Source: DefaultItemCatalogSource,
			Locale: DefaultItemCatalogLocale,
		},
		Feed: &FeedConfig{
			RequestsPerSecond: DefaultFeedRequestsPerSecond,
			Burst:             DefaultFeedBurst,
			Postgres: PostgresFeedConfig{
				Channel: DefaultFeedPostgresChannel,
			},
		},
		API: &APIConfig{
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			SSL: SSLConfig{
				TLSMinVersion: DefaultAPITLSMinVersion,
			},
			LogLevel:          apiLogLevel,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			CORS:              DefaultCORSConfig(),
		},
	}
}
