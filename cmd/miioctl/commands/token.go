package commands

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/edgemesh/miiolink/netmanager"
)

var tokenPort int

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage manually-entered device tokens",
}

var tokenSetCmd = &cobra.Command{
	Use:   "set <address>",
	Short: "Enter a device's 32-character hex token and persist it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		address := args[0]

		tokenHex, err := readToken()
		if err != nil {
			return fmt.Errorf("read token: %w", err)
		}
		if _, err := hex.DecodeString(tokenHex); err != nil || len(tokenHex) != 32 {
			return fmt.Errorf("token must be exactly 32 hex characters")
		}

		mgr, store := manager(verboseFlag(cmd))
		ref := mgr.Ref()
		defer ref.Release()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		info, err := mgr.FindDeviceViaAddress(ctx, netmanager.ViaAddressOptions{
			Address: address,
			Port:    tokenPort,
			Token:   tokenHex,
		})
		if err != nil {
			return fmt.Errorf("locate device at %s: %w", address, err)
		}

		if store == nil {
			fmt.Println("Token accepted for this session, but no token store is available to persist it.")
			return nil
		}
		if err := store.Set(info.ID(), info.Token()); err != nil {
			return fmt.Errorf("persist token: %w", err)
		}
		fmt.Printf("Token saved for device %d (%s).\n", info.ID(), address)
		return nil
	},
}

func init() {
	tokenCmd.AddCommand(tokenSetCmd)
	tokenSetCmd.Flags().IntVarP(&tokenPort, "port", "p", 0, "Device port (default 54321)")
}

// readToken reads the token from stdin without echoing it when stdin is a
// terminal, falling back to a plain scanned line otherwise (e.g. piped
// input in a script or test).
func readToken() (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Print("Enter device token (32 hex chars): ")
		raw, err := term.ReadPassword(fd)
		fmt.Println()
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(raw)), nil
	}

	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", err
		}
		return "", fmt.Errorf("no token provided")
	}
	return strings.TrimSpace(scanner.Text()), nil
}
