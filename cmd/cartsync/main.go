package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/cartsync/internal/gateway"
	"github.com/tyemirov/cartsync/internal/storefront"
	"go.uber.org/zap"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

const (
	cookieBackendGorm = "gorm"
	cookieBackendPgx  = "pgx"

	configCodeMissingGatewayURL     = "config.missing_gateway_url"
	configCodeInvalidRequestTimeout = "config.invalid_request_timeout"
	configCodeInvalidDebounce       = "config.invalid_debounce"
	configCodeInvalidCartTTL        = "config.invalid_cart_ttl"
	configCodeInvalidUserTTL        = "config.invalid_user_ttl"
	configCodeInvalidCookieBackend  = "config.invalid_cookie_backend"
	configCodeMissingDatabaseURL    = "config.missing_database_url"
	configCodeMissingCORSOrigins    = "config.missing_cors_allowed_origins"
	configCodeInvalidUpstreamRate   = "config.invalid_upstream_rate"
	configCodeUninitializedConfig   = "config.uninitialized_config"
)

// Config is the validated command configuration.
type Config struct {
	GatewayURL      string
	StoreIdentifier string
	XSRFToken       string
	RequestTimeout  time.Duration
	Debounce        time.Duration
	CartTTL         time.Duration
	UserTTL         time.Duration

	DatabaseURL     string
	CookieBackend   string
	CookieNamespace string
	RedisURL        string
	RedisPrefix     string

	ListenAddr         string
	EnableCORS         bool
	CORSAllowedOrigins []string
	UpstreamRate       float64
	UpstreamBurst      int
	CookieDomain       string
	DevInsecureHTTP    bool

	Debug bool
}

type contextKey string

const configContextKey contextKey = "cartsyncConfig"

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "cartsync",
		Short:             "Storefront cart and session coordination against a remote commerce platform",
		SilenceUsage:      true,
		PersistentPreRunE: prepareConfig,
	}

	flags := rootCmd.PersistentFlags()
	flags.String("gateway_url", "", "Commerce platform API base URL")
	flags.String("store_identifier", "", "Store identifier sent with every platform call")
	flags.String("xsrf_token", "", "Anti-forgery token forwarded to the platform, if required")
	flags.Duration("request_timeout", storefront.DefaultRequestTimeout, "Upper bound for one platform call")
	flags.Duration("debounce", 350*time.Millisecond, "Quiet period before a cart mutation is committed")
	flags.Duration("cart_ttl", storefront.DefaultCartTTL, "Cart cache freshness window")
	flags.Duration("user_ttl", storefront.DefaultUserTTL, "Profile cache freshness window")
	flags.String("database_url", "sqlite://cartsync.db", "Credential cookie database (postgres:// or sqlite://; empty keeps credentials in memory)")
	flags.String("cookie_backend", cookieBackendGorm, "Credential cookie backend: gorm or pgx")
	flags.String("cookie_namespace", "default", "Credential namespace within the cookie database")
	flags.String("redis_url", "", "Redis URL shared by sibling processes; empty keeps events in-process")
	flags.String("redis_prefix", "cartsync:events", "Redis key and channel prefix")
	flags.Bool("debug", false, "Development logging")

	boundKeys := []string{
		"gateway_url", "store_identifier", "xsrf_token", "request_timeout", "debounce",
		"cart_ttl", "user_ttl", "database_url", "cookie_backend", "cookie_namespace",
		"redis_url", "redis_prefix", "debug",
	}
	for _, key := range boundKeys {
		_ = viper.BindPFlag(key, flags.Lookup(key))
	}

	viper.SetEnvPrefix("CARTSYNC")
	viper.AutomaticEnv()

	rootCmd.AddCommand(
		newServeCommand(),
		newStatusCommand(),
		newCartCommand(),
		newAddCommand(),
		newSetQuantityCommand(),
		newRemoveCommand(),
		newCouponCommand(),
		newLoginCommand(),
		newVerifyCommand(),
		newLogoutCommand(),
		newWatchCommand(),
	)
	return rootCmd
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

func prepareConfig(command *cobra.Command, arguments []string) error {
	config, loadErr := LoadConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, configContextKey, config))
	return nil
}

func configFrom(command *cobra.Command) (Config, error) {
	var contextValue any
	if commandContext := command.Context(); commandContext != nil {
		contextValue = commandContext.Value(configContextKey)
	}
	config, ok := contextValue.(Config)
	if !ok {
		return Config{}, configError(configCodeUninitializedConfig, "configuration not prepared; PersistentPreRunE must execute before RunE")
	}
	return config, nil
}

// LoadConfig reads and validates the configuration from viper.
func LoadConfig() (Config, error) {
	gatewayURL := strings.TrimSpace(viper.GetString("gateway_url"))
	if gatewayURL == "" {
		return Config{}, configError(configCodeMissingGatewayURL, "gateway_url must be provided")
	}

	requestTimeout := viper.GetDuration("request_timeout")
	if requestTimeout <= 0 {
		return Config{}, configError(configCodeInvalidRequestTimeout, "request_timeout must be greater than zero")
	}

	debounce := viper.GetDuration("debounce")
	if debounce < 0 {
		return Config{}, configError(configCodeInvalidDebounce, "debounce must not be negative")
	}

	cartTTL := viper.GetDuration("cart_ttl")
	if cartTTL <= 0 {
		return Config{}, configError(configCodeInvalidCartTTL, "cart_ttl must be greater than zero")
	}

	userTTL := viper.GetDuration("user_ttl")
	if userTTL <= 0 {
		return Config{}, configError(configCodeInvalidUserTTL, "user_ttl must be greater than zero")
	}

	cookieBackend := strings.ToLower(strings.TrimSpace(viper.GetString("cookie_backend")))
	if cookieBackend == "" {
		cookieBackend = cookieBackendGorm
	}
	if cookieBackend != cookieBackendGorm && cookieBackend != cookieBackendPgx {
		return Config{}, configError(configCodeInvalidCookieBackend, "cookie_backend must be gorm or pgx")
	}
	databaseURL := strings.TrimSpace(viper.GetString("database_url"))
	if cookieBackend == cookieBackendPgx && databaseURL == "" {
		return Config{}, configError(configCodeMissingDatabaseURL, "database_url must be provided for the pgx cookie backend")
	}

	enableCORS := viper.GetBool("enable_cors")
	corsAllowedOrigins := viper.GetStringSlice("cors_allowed_origins")
	if enableCORS && len(corsAllowedOrigins) == 0 {
		return Config{}, configError(configCodeMissingCORSOrigins, "cors_allowed_origins must be provided when enable_cors is true")
	}

	upstreamRate := viper.GetFloat64("upstream_rate")
	if upstreamRate < 0 {
		return Config{}, configError(configCodeInvalidUpstreamRate, "upstream_rate must not be negative")
	}

	return Config{
		GatewayURL:         gatewayURL,
		StoreIdentifier:    strings.TrimSpace(viper.GetString("store_identifier")),
		XSRFToken:          strings.TrimSpace(viper.GetString("xsrf_token")),
		RequestTimeout:     requestTimeout,
		Debounce:           debounce,
		CartTTL:            cartTTL,
		UserTTL:            userTTL,
		DatabaseURL:        databaseURL,
		CookieBackend:      cookieBackend,
		CookieNamespace:    strings.TrimSpace(viper.GetString("cookie_namespace")),
		RedisURL:           strings.TrimSpace(viper.GetString("redis_url")),
		RedisPrefix:        strings.TrimSpace(viper.GetString("redis_prefix")),
		ListenAddr:         viper.GetString("listen_addr"),
		EnableCORS:         enableCORS,
		CORSAllowedOrigins: corsAllowedOrigins,
		UpstreamRate:       upstreamRate,
		UpstreamBurst:      viper.GetInt("upstream_burst"),
		CookieDomain:       strings.TrimSpace(viper.GetString("cookie_domain")),
		DevInsecureHTTP:    viper.GetBool("dev_insecure_http"),
		Debug:              viper.GetBool("debug"),
	}, nil
}

func buildLogger(config Config) (*zap.Logger, error) {
	if config.Debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func newGatewayClient(config Config, logger *zap.Logger) (*gateway.HTTPClient, error) {
	return gateway.NewHTTPClient(gateway.HTTPConfig{
		BaseURL:         config.GatewayURL,
		StoreIdentifier: config.StoreIdentifier,
		XSRFToken:       config.XSRFToken,
		Timeout:         config.RequestTimeout,
		Logger:          logger,
	})
}
