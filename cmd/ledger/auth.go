package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ThingsIDoForLove/jmnr-hk-app/internal/ui"
)

var loginCmd = &cobra.Command{
	Use:     "login [username]",
	GroupID: "sync",
	Short:   "Activate this device for an operator account",
	Long: `Log in to the server, store the account's signing key in the OS keychain,
and download this year's donations and expenses.

The password is prompted for on a terminal. In scripts pass it on stdin:

  echo "$PASSWORD" | ledger login operator --password-stdin`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		passwordStdin, _ := cmd.Flags().GetBool("password-stdin")

		var username, password string
		if len(args) == 1 {
			username = args[0]
		}

		switch {
		case passwordStdin:
			if username == "" {
				fatalf("username is required with --password-stdin")
			}
			line, err := bufio.NewReader(os.Stdin).ReadString('\n')
			if err != nil && line == "" {
				fatalf("reading password from stdin: %v", err)
			}
			password = strings.TrimRight(line, "\r\n")
		case term.IsTerminal(int(os.Stdin.Fd())):
			fields := []huh.Field{
				huh.NewInput().Title("Password").EchoMode(huh.EchoModePassword).Value(&password).Validate(notEmpty("password")),
			}
			if username == "" {
				fields = append([]huh.Field{huh.NewInput().Title("Username").Value(&username).Validate(notEmpty("username"))}, fields...)
			}
			if err := huh.NewForm(huh.NewGroup(fields...)).Run(); err != nil {
				fatalf("%v", err)
			}
		default:
			fatalf("no terminal for a password prompt; use --password-stdin")
		}

		ctx, cancel := signalContext()
		defer cancel()
		store := openStore(ctx)
		defer func() { _ = store.Close() }()
		orch := newOrchestrator(store, nil)

		fmt.Printf("%s Logging in as %s...\n", ui.RenderAccent("🔑"), strings.TrimSpace(username))
		result, err := orch.Login(ctx, strings.TrimSpace(username), password)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Activated for %s\n", ui.RenderPass("✓"), result.Username)
		if result.PullErr != nil {
			fmt.Printf("%s Could not download existing records: %v\n", ui.RenderWarn("⚠"), result.PullErr)
			fmt.Printf("   Run 'ledger sync pull' later to retry.\n")
			return
		}
		printPullReport(result.Pull)
	},
}

var logoutCmd = &cobra.Command{
	Use:     "logout",
	GroupID: "sync",
	Short:   "Remove this device's account credentials",
	Long: `Remove the stored username and signing key. Records on this device are kept
and will be uploaded after the next login.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signalContext()
		defer cancel()
		store := openStore(ctx)
		defer func() { _ = store.Close() }()

		if err := newOrchestrator(store, nil).Logout(); err != nil {
			fatalf("removing credentials: %v", err)
		}
		fmt.Printf("%s Logged out. Local records were kept.\n", ui.RenderPass("✓"))
	},
}

func init() {
	loginCmd.Flags().Bool("password-stdin", false, "read the password from stdin")
	rootCmd.AddCommand(loginCmd, logoutCmd)
}
