package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/secrets"
)

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Account credential commands",
}

var secretSealCmd = &cobra.Command{
	Use:   "seal [value]",
	Short: "Seal an SMTP password, refresh token or API key for storage",
	Long: `Seal a credential with mailer.secret_key so it can be stored on an email account.
The value is read from stdin when not given as an argument.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSecretSeal,
}

func init() {
	secretCmd.AddCommand(secretSealCmd)
	rootCmd.AddCommand(secretCmd)
}

func runSecretSeal(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Mailer.SecretKey == "" {
		return fmt.Errorf("mailer.secret_key is not configured")
	}

	var value string
	if len(args) == 1 {
		value = args[0]
	} else {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("failed to read value: %w", err)
		}
		value = strings.TrimRight(line, "\r\n")
	}
	if value == "" {
		return fmt.Errorf("value is empty")
	}

	sealed, err := secrets.New(cfg.Mailer.SecretKey).Seal(value)
	if err != nil {
		return err
	}
	fmt.Println(sealed)
	return nil
}
