package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/tyemirov/cartsync/internal/authflow"
	"github.com/tyemirov/cartsync/internal/broadcast"
	"github.com/tyemirov/cartsync/internal/commerce"
	"github.com/tyemirov/cartsync/internal/metrics"
	"github.com/tyemirov/cartsync/internal/mutation"
	"github.com/tyemirov/cartsync/internal/notify"
	"github.com/tyemirov/cartsync/internal/session"
	"github.com/tyemirov/cartsync/internal/storefront"
	"go.uber.org/zap"
)

// runtime is one storefront context opened for a client command.
type runtime struct {
	storefront *storefront.Session
	metrics    *metrics.CounterMetrics
	logger     *zap.Logger
	closers    []func()
}

func (current *runtime) Close() {
	current.storefront.Close()
	current.closeAll()
}

var openRuntime = func(command *cobra.Command) (*runtime, error) {
	config, configErr := configFrom(command)
	if configErr != nil {
		return nil, configErr
	}
	logger, loggerErr := buildLogger(config)
	if loggerErr != nil {
		return nil, loggerErr
	}
	ctx := command.Context()
	current := &runtime{metrics: metrics.NewCounterMetrics(), logger: logger}

	client, clientErr := newGatewayClient(config, logger)
	if clientErr != nil {
		return nil, clientErr
	}
	backend, backendErr := openCookieBackend(ctx, config, logger, current)
	if backendErr != nil {
		current.closeAll()
		return nil, backendErr
	}
	channel, channelErr := openChannel(ctx, config, logger, current)
	if channelErr != nil {
		current.closeAll()
		return nil, channelErr
	}

	errorOutput := command.ErrOrStderr()
	sink := notify.Multi{
		notify.NewZapSink(logger),
		notify.SinkFunc(func(notification notify.Notification) {
			fmt.Fprintf(errorOutput, "%s: %s\n", notification.Level, notification.Message)
		}),
	}
	storefrontSession, sessionErr := storefront.New(storefront.Config{
		Debounce:       config.Debounce,
		RequestTimeout: config.RequestTimeout,
		CartTTL:        config.CartTTL,
		UserTTL:        config.UserTTL,
	}, storefront.Dependencies{
		Gateway: client,
		Store:   session.NewCookieTokenStore(backend, nil),
		Channel: channel,
		Logger:  logger,
		Metrics: current.metrics,
		Sink:    sink,
	})
	if sessionErr != nil {
		current.closeAll()
		return nil, sessionErr
	}
	current.storefront = storefrontSession
	if startErr := storefrontSession.Start(ctx); startErr != nil {
		current.Close()
		return nil, startErr
	}
	return current, nil
}

func (current *runtime) closeAll() {
	for index := len(current.closers) - 1; index >= 0; index-- {
		current.closers[index]()
	}
	_ = current.logger.Sync()
}

func openCookieBackend(ctx context.Context, config Config, logger *zap.Logger, current *runtime) (session.CookieBackend, error) {
	switch {
	case config.CookieBackend == cookieBackendPgx:
		pool, poolErr := session.BuildPool(ctx, config.DatabaseURL)
		if poolErr != nil {
			return nil, fmt.Errorf("cookie_store.pgx.pool: %w", poolErr)
		}
		current.closers = append(current.closers, pool.Close)
		if schemaErr := session.EnsureSchema(ctx, pool); schemaErr != nil {
			return nil, fmt.Errorf("cookie_store.pgx.schema: %w", schemaErr)
		}
		logger.Debug("using pgx cookie backend")
		return session.NewPostgresCookieBackend(pool, config.CookieNamespace, nil), nil
	case config.DatabaseURL != "":
		backend, backendErr := session.NewDatabaseCookieBackend(ctx, config.DatabaseURL, config.CookieNamespace, nil)
		if backendErr != nil {
			return nil, backendErr
		}
		logger.Debug("using database cookie backend", zap.String("driver", backend.Driver()))
		return backend, nil
	default:
		logger.Warn("credentials are kept in memory and will not survive this process",
			zap.String("code", "config.memory_cookie_backend"))
		return session.NewMemoryCookieBackend(nil), nil
	}
}

func openChannel(ctx context.Context, config Config, logger *zap.Logger, current *runtime) (broadcast.Channel, error) {
	if config.RedisURL == "" {
		return nil, nil
	}
	client, clientErr := broadcast.NewRedisClient(ctx, config.RedisURL, logger)
	if clientErr != nil {
		return nil, clientErr
	}
	current.closers = append(current.closers, func() { _ = client.Close() })
	return broadcast.NewRedisChannel(client, config.RedisPrefix, logger), nil
}

func printJSON(command *cobra.Command, value any) error {
	encoder := json.NewEncoder(command.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

// withRuntime opens a storefront context, runs action, and closes it.
func withRuntime(action func(command *cobra.Command, arguments []string, current *runtime) error) func(*cobra.Command, []string) error {
	return func(command *cobra.Command, arguments []string) error {
		current, openErr := openRuntime(command)
		if openErr != nil {
			return openErr
		}
		defer current.Close()
		return action(command, arguments, current)
	}
}

// settle waits for a mutation ticket and prints the resulting cart.
func settle(command *cobra.Command, current *runtime, ticket *mutation.Ticket, ticketErr error) error {
	if ticketErr != nil {
		return ticketErr
	}
	if _, err := ticket.Wait(command.Context()); err != nil {
		return err
	}
	snapshot, err := current.storefront.Cart(command.Context(), false)
	if err != nil {
		return err
	}
	return printJSON(command, snapshot)
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show session state, cart count, and coordination counters",
		Args:  cobra.NoArgs,
		RunE: withRuntime(func(command *cobra.Command, arguments []string, current *runtime) error {
			status := current.storefront.Status()
			report := map[string]any{"auth": status}
			if count, err := current.storefront.CartCount(command.Context()); err == nil {
				report["cart_count"] = count
			}
			if status.LoggedIn() {
				if profile, err := current.storefront.CurrentUser(command.Context(), false); err == nil {
					report["user"] = profile
				}
			}
			report["metrics"] = current.metrics.Snapshot()
			return printJSON(command, report)
		}),
	}
}

func newCartCommand() *cobra.Command {
	cartCmd := &cobra.Command{
		Use:   "cart",
		Short: "Print the current cart",
		Args:  cobra.NoArgs,
		RunE: withRuntime(func(command *cobra.Command, arguments []string, current *runtime) error {
			force, _ := command.Flags().GetBool("refresh")
			snapshot, err := current.storefront.Cart(command.Context(), force)
			if err != nil {
				return err
			}
			return printJSON(command, snapshot)
		}),
	}
	cartCmd.Flags().Bool("refresh", false, "Bypass the cart cache")
	return cartCmd
}

func newAddCommand() *cobra.Command {
	addCmd := &cobra.Command{
		Use:   "add <product-id>",
		Short: "Add a product to the cart",
		Args:  cobra.ExactArgs(1),
		RunE: withRuntime(func(command *cobra.Command, arguments []string, current *runtime) error {
			quantity, _ := command.Flags().GetInt("quantity")
			ticket, err := current.storefront.AddItem(command.Context(), arguments[0], quantity)
			return settle(command, current, ticket, err)
		}),
	}
	addCmd.Flags().Int("quantity", 1, "Units to add")
	return addCmd
}

func newSetQuantityCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set-quantity <line-id> <quantity>",
		Short: "Set the quantity of a cart line",
		Args:  cobra.ExactArgs(2),
		RunE: withRuntime(func(command *cobra.Command, arguments []string, current *runtime) error {
			quantity, parseErr := strconv.Atoi(arguments[1])
			if parseErr != nil {
				return fmt.Errorf("set-quantity: %w", storefront.ErrInvalidQuantity)
			}
			ticket, err := current.storefront.SetQuantity(command.Context(), arguments[0], quantity)
			return settle(command, current, ticket, err)
		}),
	}
}

func newRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <line-id>",
		Short: "Remove a line from the cart",
		Args:  cobra.ExactArgs(1),
		RunE: withRuntime(func(command *cobra.Command, arguments []string, current *runtime) error {
			ticket, err := current.storefront.RemoveItem(command.Context(), arguments[0])
			return settle(command, current, ticket, err)
		}),
	}
}

func newCouponCommand() *cobra.Command {
	couponCmd := &cobra.Command{
		Use:   "coupon [code]",
		Short: "Apply a coupon, or remove the current one with --remove",
		Args:  cobra.MaximumNArgs(1),
		RunE: withRuntime(func(command *cobra.Command, arguments []string, current *runtime) error {
			remove, _ := command.Flags().GetBool("remove")
			if remove {
				ticket, err := current.storefront.RemoveCoupon(command.Context())
				return settle(command, current, ticket, err)
			}
			if len(arguments) == 0 {
				return fmt.Errorf("coupon: %w", storefront.ErrEmptyCoupon)
			}
			ticket, err := current.storefront.ApplyCoupon(command.Context(), arguments[0])
			return settle(command, current, ticket, err)
		}),
	}
	couponCmd.Flags().Bool("remove", false, "Remove the applied coupon")
	return couponCmd
}

func newLoginCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "login <email>",
		Short: "Email a one-time sign-in code",
		Args:  cobra.ExactArgs(1),
		RunE: withRuntime(func(command *cobra.Command, arguments []string, current *runtime) error {
			return current.storefront.SendVerification(command.Context(), arguments[0])
		}),
	}
}

func newVerifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <email> <code>",
		Short: "Exchange the emailed code for a session",
		Args:  cobra.ExactArgs(2),
		RunE: withRuntime(func(command *cobra.Command, arguments []string, current *runtime) error {
			if err := current.storefront.Verify(command.Context(), arguments[0], arguments[1]); err != nil {
				return err
			}
			return printJSON(command, current.storefront.Status())
		}),
	}
}

func newLogoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and clear stored credentials",
		Args:  cobra.NoArgs,
		RunE: withRuntime(func(command *cobra.Command, arguments []string, current *runtime) error {
			return current.storefront.Logout(command.Context())
		}),
	}
}

type watchEvent struct {
	Kind string                 `json:"kind"`
	Cart *commerce.CartSnapshot `json:"cart,omitempty"`
	Auth *authflow.Status       `json:"auth,omitempty"`
}

func newWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print cart and session changes made by sibling processes until interrupted",
		Args:  cobra.NoArgs,
		RunE: withRuntime(func(command *cobra.Command, arguments []string, current *runtime) error {
			events := make(chan watchEvent, 16)
			deliver := func(event watchEvent) {
				select {
				case events <- event:
				default:
					current.logger.Warn("watch output is behind; event dropped", zap.String("code", "watch.dropped"))
				}
			}
			stopCart := current.storefront.OnCartChanged(func(snapshot commerce.CartSnapshot) {
				deliver(watchEvent{Kind: "cart", Cart: &snapshot})
			})
			defer stopCart()
			stopUser := current.storefront.OnUserChanged(func(status authflow.Status) {
				deliver(watchEvent{Kind: "auth", Auth: &status})
			})
			defer stopUser()

			ctx, stop := signal.NotifyContext(command.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if snapshot, err := current.storefront.Cart(ctx, false); err == nil {
				if printErr := printJSON(command, watchEvent{Kind: "cart", Cart: &snapshot}); printErr != nil {
					return printErr
				}
			}
			for {
				select {
				case <-ctx.Done():
					return nil
				case event := <-events:
					if err := printJSON(command, event); err != nil {
						return err
					}
				}
			}
		}),
	}
}
