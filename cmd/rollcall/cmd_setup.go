package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/rollcall/internal/config"
)

func init() {
	rootCmd.AddCommand(setupCmd)
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive setup wizard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		scanner := bufio.NewScanner(os.Stdin)

		fmt.Println("Rollcall Setup Wizard")
		fmt.Println("Press Enter to accept the default value shown in brackets.")
		fmt.Println()

		cfg.Store = prompt(scanner, "Local store (file, sqlite, memory)", cfg.Store)
		cfg.Remote.Provider = prompt(scanner, "Remote provider (github, memory)", cfg.Remote.Provider)
		if cfg.Remote.Provider == "github" {
			cfg.Remote.Owner = prompt(scanner, "GitHub owner", cfg.Remote.Owner)
			cfg.Remote.Repo = prompt(scanner, "GitHub repository", cfg.Remote.Repo)
			cfg.Remote.Branch = prompt(scanner, "Branch", cfg.Remote.Branch)
			cfg.Remote.Path = prompt(scanner, "Folder for exports", cfg.Remote.Path)
			cfg.Remote.Token = prompt(scanner, "GitHub token (or set ROLLCALL_GITHUB_TOKEN)", cfg.Remote.Token)
		}

		expiry := prompt(scanner, "Recovery prompt expiry", cfg.Recovery.Expiry.String())
		if err := cfg.Recovery.Expiry.UnmarshalText([]byte(expiry)); err != nil {
			return fmt.Errorf("recovery expiry: %w", err)
		}
		auto := prompt(scanner, "Back up ended sessions automatically (on/off)", onOff(cfg.Backup.AutoBackup))
		on, err := parseToggle(auto)
		if err != nil {
			return err
		}
		cfg.Backup.AutoBackup = on

		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}

		fmt.Println()
		fmt.Println("Configuration saved to", cfgPath)
		return nil
	},
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

// prompt displays a labeled prompt with a default value and reads user input.
// If the user enters nothing, the default is returned.
func prompt(scanner *bufio.Scanner, label, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", label, defaultVal)
	} else {
		fmt.Printf("%s: ", label)
	}
	if scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input != "" {
			return input
		}
	}
	return defaultVal
}
