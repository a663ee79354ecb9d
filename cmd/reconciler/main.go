package main

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"reconciler/config"
	"reconciler/internal/agent"
	"reconciler/internal/auth"
	"reconciler/internal/logger"
	"reconciler/provider/daraja"
	"reconciler/provider/paystack"
	"reconciler/reconcile"
)

func main() {
	// a missing .env is fine, the environment may already be set
	_ = godotenv.Load()

	cli := &cli{}

	cmd := &cobra.Command{
		Use:          "reconciler",
		Short:        "reconciler: payment reconciliation across push and redirect checkouts",
		PreRunE:      cli.setupConfig,
		RunE:         cli.run,
		SilenceUsage: true,
	}

	var err error

	err = setupFlags(cmd)
	if err != nil {
		log.Fatal(err)
	}
	cmd.AddCommand(tokenCmd())

	err = cmd.Execute()
	if err != nil {
		log.Fatal(err)
	}
}

type cli struct {
	cfg agent.Config
}

// Reads the config fields from flags, env or a file and sets up the agent's config
func (c *cli) setupConfig(cmd *cobra.Command, args []string) error {
	var err error

	if err = readConfig(cmd); err != nil {
		return err
	}

	config := &c.cfg

	config.Logger = logger.Configure(viper.GetString("log-level"), viper.GetBool("log-pretty"))
	config.BindAddr = viper.GetString("http-addr")
	config.DataDir = viper.GetString("data-dir")
	config.PostgresDSN = viper.GetString("postgres-dsn")
	config.RedisAddr = viper.GetString("redis-addr")
	config.ACLModelFile = viper.GetString("acl-model-file")
	config.ACLPolicyFile = viper.GetString("acl-policy-file")

	config.JWTSecret = viper.GetString("jwt-secret")
	if config.JWTSecret == "" {
		return errors.New("jwt-secret is required")
	}

	config.ProviderTimeout = viper.GetDuration("provider-timeout")
	config.AmountTolerance, err = decimal.NewFromString(viper.GetString("amount-tolerance"))
	if err != nil {
		return fmt.Errorf("amount-tolerance: %w", err)
	}
	config.AmountPolicy, err = reconcile.ParseAmountPolicy(viper.GetString("amount-mismatch-policy"))
	if err != nil {
		return err
	}

	config.Daraja = daraja.Config{
		BaseURL:        viper.GetString("daraja-base-url"),
		ConsumerKey:    viper.GetString("daraja-consumer-key"),
		ConsumerSecret: viper.GetString("daraja-consumer-secret"),
		ShortCode:      viper.GetString("daraja-shortcode"),
		Passkey:        viper.GetString("daraja-passkey"),
		CallbackURL:    viper.GetString("daraja-callback-url"),
	}
	config.CallbackToken = viper.GetString("daraja-callback-token")
	config.Paystack = paystack.Config{
		BaseURL:     viper.GetString("paystack-base-url"),
		SecretKey:   viper.GetString("paystack-secret-key"),
		CallbackURL: viper.GetString("paystack-callback-url"),
	}

	certFile := viper.GetString("server-tls-cert-file")
	keyFile := viper.GetString("server-tls-key-file")
	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return err
		}
		config.ServerTLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	return nil
}

func (c *cli) run(cmd *cobra.Command, args []string) error {
	var err error

	agent, err := agent.New(c.cfg)
	if err != nil {
		return err
	}
	c.cfg.Logger.Info().Str("addr", agent.Addr()).Msg("reconciler listening")

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc // block until the OS terminates the program
	c.cfg.Logger.Info().Msg("shutting down")
	return agent.Shutdown()
}

// readConfig merges the optional config file and RECONCILER_* env vars with the flags
func readConfig(cmd *cobra.Command) error {
	configFile, err := cmd.Flags().GetString("config-file")
	if err != nil {
		return err
	}

	viper.SetEnvPrefix("reconciler")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if configFile == "" {
		return nil
	}
	viper.SetConfigFile(configFile)
	if err = viper.ReadInConfig(); err != nil {
		// allow non-existent config file
		if !errors.As(err, &viper.ConfigFileNotFoundError{}) && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func setupFlags(cmd *cobra.Command) error {
	// shared with the token subcommand
	pfs := cmd.PersistentFlags()
	pfs.String("config-file", "", "Path to config file")
	pfs.String("jwt-secret", "", "HMAC secret for bearer tokens")
	if err := viper.BindPFlags(pfs); err != nil {
		return err
	}

	fs := cmd.Flags()
	fs.String("log-level", "info", "Log level")
	fs.Bool("log-pretty", false, "Human readable console logs")

	fs.String("http-addr", "127.0.0.1:8080", "Address for the HTTP API and gRPC health service")
	fs.String("data-dir", path.Join(os.TempDir(), "reconciler"), "Directory to store the audit journal")
	fs.String("postgres-dsn", "", "Postgres connection string, transactions are kept in memory when empty")
	fs.String("redis-addr", "", "Redis address for the shared provider token cache")
	fs.String("acl-model-file", config.ACLModelFile, "Path to ACL model")
	fs.String("acl-policy-file", config.ACLPolicyFile, "Path to ACL policy")
	fs.String("server-tls-cert-file", "", "Path to server tls cert")
	fs.String("server-tls-key-file", "", "Path to server tls key")

	fs.Duration("provider-timeout", reconcile.DefaultProviderTimeout, "Timeout for each provider call")
	fs.String("amount-tolerance", "0.01", "Largest accepted difference between billed and paid amounts")
	fs.String("amount-mismatch-policy", string(reconcile.AmountPolicyFlag), "flag or fail")

	fs.String("daraja-base-url", daraja.SandboxURL, "Daraja API base URL")
	fs.String("daraja-consumer-key", "", "Daraja consumer key")
	fs.String("daraja-consumer-secret", "", "Daraja consumer secret")
	fs.String("daraja-shortcode", "", "Daraja business short code")
	fs.String("daraja-passkey", "", "Daraja STK push passkey")
	fs.String("daraja-callback-url", "", "Public URL of the Daraja webhook")
	fs.String("daraja-callback-token", "", "Token expected in the Daraja webhook query string")

	fs.String("paystack-base-url", paystack.DefaultURL, "Paystack API base URL")
	fs.String("paystack-secret-key", "", "Paystack secret key, also used to verify event signatures")
	fs.String("paystack-callback-url", "", "Where Paystack redirects after checkout")

	return viper.BindPFlags(fs)
}

// tokenCmd mints bearer tokens for local development
func tokenCmd() *cobra.Command {
	var (
		role string
		ttl  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token <subject>",
		Short: "Issue a bearer token for the API",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := readConfig(cmd); err != nil {
				return err
			}
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return errors.New("jwt-secret is required")
			}

			raw, err := auth.NewTokens(secret).Issue(args[0], role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), raw)
			return nil
		},
	}

	cmd.Flags().StringVar(&role, "role", "", "Role granted to the subject, e.g. operator")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	return cmd
}
