package main

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/jmerrifield20/fundround/internal/identity"
	"github.com/jmerrifield20/fundround/pkg/address"
	"github.com/jmerrifield20/fundround/pkg/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

var (
	serverURL string
	keyPath   string
	cfgFile   string
	format    string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "fundctl",
	Short: "fundround CLI",
	Long: `fundctl is the command-line interface for a fundingd server.

It manages your signing key, opens funding rounds, deposits into them and
inspects their ledgers and vaults.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			viper.AddConfigPath(configDir())
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.SetEnvPrefix("fundctl")
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		viper.SetDefault("server_url", "http://localhost:8080")
		viper.SetDefault("key_path", filepath.Join(configDir(), "key.pem"))
		viper.SetDefault("audience", "fundround")

		if serverURL == "" {
			serverURL = viper.GetString("server_url")
		}
		if keyPath == "" {
			keyPath = viper.GetString("key_path")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.fundctl/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "fundingd base URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&keyPath, "key", "", "Ed25519 key file (default ~/.fundctl/key.pem)")
	rootCmd.PersistentFlags().StringVar(&format, "format", "text", "Output format: text or json")

	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(addressCmd)
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(depositCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(balanceCmd)
	rootCmd.AddCommand(airdropCmd)
	rootCmd.AddCommand(versionCmd)
}

func configDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".fundctl")
}

func loadKey() (ed25519.PrivateKey, error) {
	key, err := identity.LoadKey(keyPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("no key at %s; run 'fundctl keygen' first", keyPath)
		}
		return nil, err
	}
	return key, nil
}

func keyAddress(key ed25519.PrivateKey) address.Address {
	a, _ := address.FromPublicKey(key.Public().(ed25519.PublicKey))
	return a
}

func signedClient() (*client.Client, error) {
	key, err := loadKey()
	if err != nil {
		return nil, err
	}
	return client.New(serverURL, client.WithSigner(key, viper.GetString("audience")))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ── keygen / address ─────────────────────────────────────────────────────────

var keygenForce bool

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Create a signing key",
	RunE: func(cmd *cobra.Command, args []string) error {
		if keygenForce {
			key, err := identity.GenerateKey()
			if err != nil {
				return err
			}
			if err := identity.WriteKey(keyPath, key); err != nil {
				return err
			}
			fmt.Printf("wrote %s\naddress: %s\n", keyPath, keyAddress(key))
			return nil
		}

		key, created, err := identity.LoadOrCreateKey(keyPath)
		if err != nil {
			return err
		}
		if !created {
			fmt.Printf("key already exists at %s (use --force to replace)\n", keyPath)
		} else {
			fmt.Printf("wrote %s\n", keyPath)
		}
		fmt.Printf("address: %s\n", keyAddress(key))
		return nil
	},
}

func init() {
	keygenCmd.Flags().BoolVar(&keygenForce, "force", false, "Overwrite an existing key")
}

var addressCmd = &cobra.Command{
	Use:   "address",
	Short: "Print the address of the signing key",
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := loadKey()
		if err != nil {
			return err
		}
		fmt.Println(keyAddress(key))
		return nil
	},
}

// ── create ───────────────────────────────────────────────────────────────────

var (
	createDepositors []string
	createExpires    string
	createLedger     string
)

var createCmd = &cobra.Command{
	Use:   "create --depositor <addr> ... --expires <duration|RFC3339|unix>",
	Short: "Open a funding round with you as the authority",
	Long: `Create opens a new round. Repeat --depositor once per whitelisted party;
the server requires exactly the configured number of slots (4 or 5).

  fundctl create --expires 48h \
    --depositor 9xQe... --depositor 3kLm... --depositor ... --depositor ...`,
	RunE: runCreate,
}

func init() {
	createCmd.Flags().StringArrayVar(&createDepositors, "depositor", nil, "Whitelisted depositor address (repeat per slot)")
	createCmd.Flags().StringVar(&createExpires, "expires", "24h", "Deadline as a duration from now, RFC3339 time or unix seconds")
	createCmd.Flags().StringVar(&createLedger, "ledger", "", "Ledger address to create (random when empty)")
}

func runCreate(cmd *cobra.Command, args []string) error {
	expires, err := parseExpiry(createExpires, time.Now())
	if err != nil {
		return err
	}
	for _, d := range createDepositors {
		if _, err := address.Parse(d); err != nil {
			return fmt.Errorf("invalid depositor %q: %w", d, err)
		}
	}

	c, err := signedClient()
	if err != nil {
		return err
	}
	round, err := c.CreateRound(context.Background(), client.CreateRoundRequest{
		Ledger:            createLedger,
		AllowedDepositors: createDepositors,
		ExpiresAt:         expires,
	})
	if err != nil {
		return err
	}
	return printRound(round)
}

// parseExpiry accepts a duration relative to now, an RFC3339 timestamp or
// unix seconds.
func parseExpiry(s string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(d), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0), nil
	}
	return time.Time{}, fmt.Errorf("invalid --expires %q: want a duration, RFC3339 time or unix seconds", s)
}

// ── deposit ──────────────────────────────────────────────────────────────────

var depositCmd = &cobra.Command{
	Use:   "deposit <ledger> <amount>",
	Short: "Deposit into a round from your key's address",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid amount %q: %w", args[1], err)
		}
		c, err := signedClient()
		if err != nil {
			return err
		}
		receipt, err := c.Deposit(context.Background(), args[0], amount)
		if err != nil {
			return err
		}
		if format == "json" {
			return printJSON(receipt)
		}
		fmt.Printf("Deposited:   %d into slot %d\n", receipt.Amount, receipt.Slot)
		fmt.Printf("Collected:   %d (%d depositor(s))\n", receipt.TotalCollected, receipt.DepositorsCount)
		fmt.Printf("Vault:       %s\n", receipt.Vault)
		return nil
	},
}

// ── show / list ──────────────────────────────────────────────────────────────

var showCmd = &cobra.Command{
	Use:   "show <ledger>",
	Short: "Show a round's ledger, vault and slots",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client.New(serverURL)
		if err != nil {
			return err
		}
		round, err := c.GetRound(context.Background(), args[0])
		if err != nil {
			return err
		}
		return printRound(round)
	},
}

func printRound(r *client.Round) error {
	if format == "json" {
		return printJSON(r)
	}
	state := "open"
	switch {
	case r.Complete:
		state = "complete"
	case r.Expired:
		state = "expired"
	}
	fmt.Printf("Ledger:      %s\n", r.Ledger.Address)
	fmt.Printf("Authority:   %s\n", r.Ledger.Authority)
	fmt.Printf("Vault:       %s (balance %d)\n", r.Vault.Address, r.Vault.Balance)
	fmt.Printf("Expires:     %s\n", r.Ledger.ExpiresAt.Format(time.RFC3339))
	fmt.Printf("State:       %s\n", state)
	fmt.Printf("Collected:   %d (%d/%d depositors)\n\n",
		r.Ledger.TotalCollected, r.Ledger.DepositorsCount, len(r.Slots))

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SLOT\tDEPOSITOR\tAMOUNT\tSTATUS")
	for i, s := range r.Slots {
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\n", i, s.Depositor, s.Amount, s.Status)
	}
	return w.Flush()
}

var (
	listLimit  int
	listOffset int
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List rounds, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client.New(serverURL)
		if err != nil {
			return err
		}
		rounds, err := c.ListRounds(context.Background(), listLimit, listOffset)
		if err != nil {
			return err
		}
		if format == "json" {
			return printJSON(rounds)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "LEDGER\tAUTHORITY\tCOLLECTED\tDEPOSITORS\tEXPIRES")
		for _, l := range rounds {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d/%d\t%s\n",
				l.Address, l.Authority, l.TotalCollected, l.DepositorsCount,
				len(l.AllowedDepositors), l.ExpiresAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

func init() {
	listCmd.Flags().IntVar(&listLimit, "limit", 20, "Maximum rounds to return")
	listCmd.Flags().IntVar(&listOffset, "offset", 0, "Rounds to skip")
}

// ── balance / airdrop ────────────────────────────────────────────────────────

var balanceCmd = &cobra.Command{
	Use:   "balance [address]",
	Short: "Show the custody balance of an address (default: your key)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var addr string
		if len(args) == 1 {
			addr = args[0]
		} else {
			key, err := loadKey()
			if err != nil {
				return err
			}
			addr = keyAddress(key).String()
		}
		c, err := client.New(serverURL)
		if err != nil {
			return err
		}
		bal, err := c.Balance(context.Background(), addr)
		if err != nil {
			return err
		}
		fmt.Printf("%s %d\n", addr, bal)
		return nil
	},
}

var airdropSecret string

var airdropCmd = &cobra.Command{
	Use:   "airdrop <address> <amount>",
	Short: "Credit an address (operator only)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid amount %q: %w", args[1], err)
		}
		if airdropSecret == "" {
			airdropSecret = viper.GetString("admin_secret")
		}
		if airdropSecret == "" {
			return errors.New("--admin-secret (or FUNDCTL_ADMIN_SECRET) is required")
		}
		c, err := client.New(serverURL)
		if err != nil {
			return err
		}
		bal, err := c.Airdrop(context.Background(), airdropSecret, args[0], amount)
		if err != nil {
			return err
		}
		fmt.Printf("%s %d\n", args[0], bal)
		return nil
	},
}

func init() {
	airdropCmd.Flags().StringVar(&airdropSecret, "admin-secret", "", "Operator secret configured on the server")
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the fundctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("fundctl %s\n", version)
	},
}
