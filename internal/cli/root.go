package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const app = "voipctl"

// Actual version can be specified in build command.
var version = "unknown"

type env struct {
	v       *viper.Viper
	out     io.Writer
	cfgFile string
	logger  *zap.Logger
}

// NewRootCommand builds the voipctl command tree writing results to out.
func NewRootCommand(out io.Writer) *cobra.Command {
	e := &env{v: viper.New(), out: out}

	root := &cobra.Command{
		Use:           app,
		Short:         "voipctl drives the prescreen VoIP orchestrator over its HTTP API",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return e.init()
		},
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			if e.logger != nil {
				_ = e.logger.Sync()
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&e.cfgFile, "config", "", "a config file (default is voipctl.yaml in current directory)")
	flags.String("server", "http://localhost:8080", "orchestrator base URL")
	flags.String("admin-token", "", "admin bearer token")
	flags.String("operator", "", "operator name sent for audit logs")
	flags.Duration("timeout", 0, "request timeout")
	flags.BoolP("debug", "d", false, "verbose/debug output")
	flags.BoolP("json", "j", false, "json format for logging")

	for _, name := range []string{"server", "admin-token", "operator", "timeout", "debug", "json"} {
		_ = e.v.BindPFlag(name, flags.Lookup(name))
	}

	root.AddCommand(
		newTokenCommand(e),
		newCallCommand(e),
		newCallsCommand(e),
		newWebhookCommand(e),
		newVersionCommand(e),
	)
	return root
}

func (e *env) init() error {
	e.v.SetEnvPrefix("VOIPCTL")
	e.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	e.v.AutomaticEnv()

	if e.cfgFile != "" {
		e.v.SetConfigFile(e.cfgFile)
	} else {
		e.v.AddConfigPath(".")
		e.v.SetConfigName(app)
		e.v.SetConfigType("yaml")
	}
	if err := e.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		// An explicit --config must exist; the default one is optional.
		if e.cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("reading config: %w", err)
		}
	}

	logger, err := NewLogger(e.v.GetBool("json"), e.v.GetBool("debug"))
	if err != nil {
		return fmt.Errorf("creating a logger: %w", err)
	}
	e.logger = logger
	e.logger.Debug("configuration loaded",
		zap.String("server", e.v.GetString("server")),
		zap.String("config", e.v.ConfigFileUsed()))
	return nil
}

func (e *env) client() *Client {
	return NewClient(
		e.v.GetString("server"),
		e.v.GetString("admin-token"),
		e.v.GetString("operator"),
		e.v.GetDuration("timeout"),
		e.logger,
	)
}

func (e *env) print(v any) error {
	enc := json.NewEncoder(e.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newVersionCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Fprintf(e.out, "%s version: %s\n", app, version)
		},
	}
}
