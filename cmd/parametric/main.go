package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/paradigm-parametric/parametric-mvp/pkg/access"
	"github.com/paradigm-parametric/parametric-mvp/pkg/api"
	"github.com/paradigm-parametric/parametric-mvp/pkg/config"
	"github.com/paradigm-parametric/parametric-mvp/pkg/payout"
)

// Set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(Run(os.Args[1:], os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests.
var startServer = runServer

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(context.Background()); err != nil {
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "parametric",
		Short: "Parametric insurance settlement pool",
		Long: `parametric runs a settlement pool that sells fixed-term policies against its
custody balance and pays claims from a tiered wind/hail payout table.

Configuration is read from the environment (PORT, DATABASE_URL, PRODUCT_FILE,
POOL_OWNER, POOL_OPERATOR, JWT_SECRET, ...). Without DATABASE_URL the pool runs in
lite mode on SQLite under DATA_DIR.`,
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(), newQuoteCmd(), newTokenCmd(), newVersionCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the pool HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return startServer(cmd.Context(), config.Load())
		},
	}
}

func newQuoteCmd() *cobra.Command {
	var (
		productFile string
		wind, hail  int64
	)
	cmd := &cobra.Command{
		Use:   "quote",
		Short: "Compute a payout from a product file without touching any pool",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if productFile == "" {
				productFile = config.Load().ProductFile
			}
			product, err := payout.LoadProduct(productFile)
			if err != nil {
				return err
			}
			engine, err := product.Engine()
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				Engine string       `json:"engine"`
				Wind   int64        `json:"wind"`
				Hail   int64        `json:"hail"`
				Quote  payout.Quote `json:"quote"`
			}{engine.Ref(), wind, hail, engine.Quote(wind, hail)})
		},
	}
	cmd.Flags().StringVarP(&productFile, "product", "p", "", "Product file (defaults to PRODUCT_FILE)")
	cmd.Flags().Int64Var(&wind, "wind", 0, "Wind measurement")
	cmd.Flags().Int64Var(&hail, "hail", 0, "Hail measurement")
	return cmd
}

func newTokenCmd() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for an identity",
		Long: `Mint an HS256 bearer token whose subject is the acting identity. Uses JWT_SECRET,
or in lite mode the generated secret under DATA_DIR.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Load()
			secret, err := resolveJWTSecret(cfg)
			if err != nil {
				return err
			}
			tok, err := api.NewJWTValidator(secret).Issue(access.Identity(subject), ttl, time.Now())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}
	cmd.Flags().StringVar(&subject, "sub", "", "Identity the token acts as")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("sub")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "parametric %s\n", version)
		},
	}
}
