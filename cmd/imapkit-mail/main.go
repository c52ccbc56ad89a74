// Command imapkit-mail is a small demo client: connect to one
// configured account, select a mailbox, and either print its contents,
// reconcile it once, or idle on it for a while. Grounded on the
// teacher's cmd/mailserver/main.go (cobra root command with a
// persistent --config flag, subcommands, graceful shutdown on
// SIGINT/SIGTERM).
package main

import (
	"context"
	"crypto/x509"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fenilsonani/imapkit"
	"github.com/fenilsonani/imapkit/internal/config"
	"github.com/fenilsonani/imapkit/internal/logging"
	"github.com/fenilsonani/imapkit/internal/security"
	"github.com/fenilsonani/imapkit/model"
	"github.com/fenilsonani/imapkit/transport"
	"github.com/spf13/cobra"
)

// promptAcceptOnFirstUse is the demo CLI's trust decision: accept
// whatever certificate chain the server presents the first time, then
// let TrustCache pin it on subsequent connections. A real client would
// prompt interactively or check a pinned fingerprint list instead.
func promptAcceptOnFirstUse(chain []*x509.Certificate) transport.TrustDecision {
	return transport.TrustAcceptPersistently
}

var (
	cfgFile     string
	accountName string
	cfg         *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "imapkit-mail",
	Short: "Demo IMAP client built on imapkit",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "version" {
			return nil
		}
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		return nil
	},
}

// dial loads the named account (or the sole configured one) and returns
// a ready imapkit.Client plus a context cancelled on SIGINT/SIGTERM.
func dial() (context.Context, context.CancelFunc, *imapkit.Client, error) {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	acct := cfg.GetAccount(accountName)
	if acct == nil {
		if accountName != "" {
			cancel()
			return nil, nil, nil, fmt.Errorf("no account named %q configured", accountName)
		}
		if len(cfg.Accounts) != 1 {
			cancel()
			return nil, nil, nil, fmt.Errorf("--account is required when more than one account is configured")
		}
		acct = &cfg.Accounts[0]
	}

	log, err := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Output: cfg.Logging.Output})
	if err != nil {
		cancel()
		return nil, nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	if err := cfg.EnsureCacheDir(); err != nil {
		cancel()
		return nil, nil, nil, err
	}
	cacheStore, err := imapkit.NewCache(ctx, cfg.Cache)
	if err != nil {
		cancel()
		return nil, nil, nil, fmt.Errorf("failed to open cache: %w", err)
	}

	trustDir, err := os.UserCacheDir()
	if err != nil {
		trustDir = os.TempDir()
	}
	trustCache, err := security.NewTrustCache(trustDir+"/imapkit-mail/trust", promptAcceptOnFirstUse)
	if err != nil {
		cancel()
		return nil, nil, nil, fmt.Errorf("failed to open trust cache: %w", err)
	}

	cl, err := imapkit.Dial(ctx, acct, cfg.TLS, cacheStore, log, trustCache.Func(acct.Host))
	if err != nil {
		cancel()
		return nil, nil, nil, fmt.Errorf("dial %s: %w", acct.Name, err)
	}
	return ctx, cancel, cl, nil
}

var mailboxesCmd = &cobra.Command{
	Use:   "mailboxes",
	Short: "List the account's known mailboxes",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel, cl, err := dial()
		if err != nil {
			return err
		}
		defer cancel()
		defer cl.Close()

		mailboxes, err := cl.ListMailboxes(ctx)
		if err != nil {
			return err
		}
		for _, mb := range mailboxes {
			meta := mb.Meta()
			fmt.Printf("%-30s delim=%q flags=%v\n", meta.Name, meta.Separator, meta.Flags)
		}
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync <mailbox>",
	Short: "Reconcile one mailbox against the cache and print its message list",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel, cl, err := dial()
		if err != nil {
			return err
		}
		defer cancel()
		defer cl.Close()

		mb, err := cl.Select(ctx, args[0], false)
		if err != nil {
			return err
		}
		fmt.Printf("%s: %d messages\n", args[0], mb.Len())
		for _, msg := range mb.Messages() {
			printMessageRow(msg)
		}
		return nil
	},
}

var idleCmd = &cobra.Command{
	Use:   "idle <mailbox>",
	Short: "Select a mailbox and IDLE until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel, cl, err := dial()
		if err != nil {
			return err
		}
		defer cancel()
		defer cl.Close()

		if _, err := cl.Select(ctx, args[0], false); err != nil {
			return err
		}

		go func() {
			for err := range cl.Errors() {
				fmt.Fprintf(os.Stderr, "imapkit: %v\n", err)
			}
		}()

		fmt.Println("idling, press Ctrl+C to stop")
		if err := cl.Idle(ctx, 29*time.Minute); err != nil && ctx.Err() == nil {
			return err
		}

		mb, _ := cl.Tree().MailboxByName(args[0])
		fmt.Printf("%s: %d messages after idle\n", args[0], mb.Len())
		return nil
	},
}

var fetchCmd = &cobra.Command{
	Use:   "fetch <mailbox> <uid>",
	Short: "Select a mailbox and print one message's envelope",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		uid, err := strconv.ParseUint(args[1], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid uid %q: %w", args[1], err)
		}

		ctx, cancel, cl, err := dial()
		if err != nil {
			return err
		}
		defer cancel()
		defer cl.Close()

		mb, err := cl.Select(ctx, args[0], true)
		if err != nil {
			return err
		}
		msg, ok := mb.ByUID(uint32(uid))
		if !ok {
			return fmt.Errorf("uid %d not found in %s", uid, args[0])
		}

		for i := 0; i < 50 && msg.IsLoading(); i++ {
			time.Sleep(100 * time.Millisecond)
		}
		printMessageRow(msg)
		return nil
	},
}

func printMessageRow(msg model.Message) {
	subject, haveSubject := msg.Attr(model.RoleSubject)
	from, _ := msg.Attr(model.RoleFrom)
	if !haveSubject {
		fmt.Printf("uid=%-6d (loading)\n", msg.UID())
		return
	}
	fmt.Printf("uid=%-6d %-30s %s\n", msg.UID(), from, subject)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("imapkit-mail v0.1.0")
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "imapkit.yaml", "config file path")
	rootCmd.PersistentFlags().StringVarP(&accountName, "account", "a", "", "account name (required if more than one account is configured)")

	rootCmd.AddCommand(mailboxesCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(idleCmd)
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(versionCmd)
}
