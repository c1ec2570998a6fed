package cli

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"syncbox/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize syncbox configuration",
	Long:  `Write a commented sample configuration file to edit by hand.`,
	RunE:  runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	path := cfgFile
	if path == "" {
		path = "syncbox.ini"
	}

	if config.Exists(path) {
		fmt.Printf("Configuration file already exists at: %s\n", path)
		fmt.Print("Do you want to overwrite it? (y/N): ")
		reader := bufio.NewReader(os.Stdin)
		answer, err := reader.ReadString('\n')
		if err != nil {
			return err
		}
		if strings.ToLower(strings.TrimSpace(answer)) != "y" {
			fmt.Println("Setup cancelled.")
			return nil
		}
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := config.WriteSample(path); err != nil {
		return err
	}

	fmt.Printf("Configuration written to %s\n", path)
	fmt.Println("Edit it, then run 'syncbox migrate' and 'syncbox serve'.")
	return nil
}
