package cmd

import (
	"context"
	"fmt"
	"github.com/Lalalavicious/discord-bot/discordbot"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"slices"
	"strings"
	"syscall"
)

var (
	cfg        = discordbot.DefaultConfig()
	configFile string
)

// logLevelKeys are the config keys holding a *slog.LevelVar
var logLevelKeys = []string{
	"log_level",
	"database_log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"commissions.log_level",
	"api.log_level",
}

var rootCmd = &cobra.Command{
	Use: "discord-bot [flags]",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if err := decodeConfig(cfg); err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(level) {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

// StringToChannelMapHookFunc decodes datacenter channel mappings set
// from the environment, formatted like "aether=123 chaos=456" (commas
// also separate pairs). Datacenter names are lower-cased.
func StringToChannelMapHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t != reflect.TypeOf(map[string]string{}) {
			return data, nil
		}
		return parseChannelMap(data.(string))
	}
}

func parseChannelMap(s string) (map[string]string, error) {
	channels := map[string]string{}
	pairs := strings.FieldsFunc(
		s, func(r rune) bool {
			return r == ',' || r == ' ' || r == '\n' || r == '\t'
		},
	)
	for _, pair := range pairs {
		datacenter, channelID, ok := strings.Cut(pair, "=")
		datacenter = strings.ToLower(strings.TrimSpace(datacenter))
		channelID = strings.TrimSpace(channelID)
		if !ok || datacenter == "" || channelID == "" {
			return nil, fmt.Errorf("invalid channel mapping: %q", pair)
		}
		channels[datacenter] = channelID
	}
	return channels, nil
}

// formatChannelMap is the inverse of parseChannelMap
func formatChannelMap(channels map[string]string) string {
	pairs := make([]string, 0, len(channels))
	for datacenter, channelID := range channels {
		pairs = append(pairs, datacenter+"="+channelID)
	}
	slices.Sort(pairs)
	return strings.Join(pairs, " ")
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("database", discordbot.DefaultDatabase)
	viper.SetDefault("database_type", discordbot.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		discordbot.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		discordbot.DefaultDatabaseLogLevel.String(),
	)
	viper.SetDefault("development", false)

	viper.SetDefault("log_level", discordbot.DefaultLogLevel.String())

	viper.SetDefault("startup_timeout", discordbot.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", discordbot.DefaultShutdownTimeout)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault(
		"discord.log_level",
		discordbot.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		discordbot.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		discordbot.DefaultDiscordGatewayIntent,
	)
	viper.SetDefault("discord.startup_message", discordbot.DefaultDiscordStartupMessage)
	viper.SetDefault("discord.notification_channel_id", "")
	viper.SetDefault("discord.custom_status", discordbot.DefaultDiscordCustomStatus)
	viper.SetDefault("discord.command_prefix", discordbot.DefaultCommandPrefix)

	// Commission announcements
	viper.SetDefault(
		"commissions.channels",
		formatChannelMap(discordbot.DefaultCommissionChannels),
	)
	viper.SetDefault("commissions.role_mention", discordbot.DefaultCommissionRoleMention)
	viper.SetDefault("commissions.base_url", discordbot.DefaultCommissionBaseURL)
	viper.SetDefault("commissions.binding_store", discordbot.DefaultBindingStoreType)
	viper.SetDefault(
		"commissions.binding_store_path",
		discordbot.DefaultBindingStorePath,
	)
	viper.SetDefault(
		"commissions.log_level",
		discordbot.DefaultCommissionLogLevel.String(),
	)

	// Item catalog
	viper.SetDefault("items.source", discordbot.DefaultItemCatalogSource)
	viper.SetDefault("items.locale", discordbot.DefaultItemCatalogLocale)

	// Commission feed
	viper.SetDefault(
		"feed.requests_per_second",
		discordbot.DefaultFeedRequestsPerSecond,
	)
	viper.SetDefault("feed.burst", discordbot.DefaultFeedBurst)
	viper.SetDefault("feed.postgres.enabled", false)
	viper.SetDefault("feed.postgres.channel", discordbot.DefaultFeedPostgresChannel)

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	fatalErr(viper.BindEnv("feed.secret"))
	fatalErr(viper.BindEnv("feed.postgres.dsn"))

	// API config
	viper.SetDefault("api.listen", discordbot.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.log_level", discordbot.DefaultAPILogLevel.String())

	viper.SetDefault("api.read_timeout", discordbot.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		discordbot.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", discordbot.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", discordbot.DefaultIdleTimeout)

	// API: SSL config
	fatalErr(viper.BindEnv("api.ssl.cert_file"))
	fatalErr(viper.BindEnv("api.ssl.key_file"))
	viper.SetDefault("api.ssl.tls_min_version", discordbot.DefaultAPITLSMinVersion)

	// API: CORS config
	viper.SetDefault(
		"api.cors.allow_headers",
		discordbot.DefaultCORSAllowHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_methods",
		discordbot.DefaultCORSAllowMethods,
	)
	viper.SetDefault(
		"api.cors.expose_headers",
		discordbot.DefaultCORSExposeHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_origins",
		[]string{},
	)
	viper.SetDefault("api.cors.max_age", discordbot.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		discordbot.DefaultAPICORSAllowCredentials,
	)

	envPrefix := os.Getenv(discordbot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = discordbot.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	for _, key := range logLevelKeys {
		if _, err := getLogLevel(viper.GetString(key)); err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
	}
}

// decodeConfig unmarshals viper's settings into the given config.
// Maps are replaced rather than merged, so channels set in the
// environment replace the default channel list.
func decodeConfig(c *discordbot.Config) error {
	return viper.Unmarshal(
		c,
		viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(" "),
				LevelToStringHookFunc(),
				StringToChannelMapHookFunc(),
			),
		),
		func(dc *mapstructure.DecoderConfig) {
			dc.ZeroFields = true
		},
	)
}

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
