package main

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/spf13/cobra"
)

// cronMarker tags the line this command owns inside the user's crontab, so
// install/uninstall/status never touch entries it didn't write.
const cronMarker = "# supervisor-pulse (managed)"

var cronSchedule string

var cronCmd = &cobra.Command{
	Use:   "cron",
	Short: "Manage a cron-based pulse",
}

var cronInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Add a crontab entry that runs `supervisor pulse` on a schedule",
	RunE: func(cmd *cobra.Command, args []string) error {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("resolving self executable: %w", err)
		}
		existing, _ := readCrontab()
		lines := removeMarkedLines(existing)
		lines = append(lines, fmt.Sprintf("%s %s pulse %s", cronSchedule, exe, cronMarker))
		if err := writeCrontab(lines); err != nil {
			return fmt.Errorf("installing crontab entry: %w", err)
		}
		fmt.Printf("installed cron entry: %s %s pulse\n", cronSchedule, exe)
		return nil
	},
}

var cronUninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Remove the managed crontab entry",
	RunE: func(cmd *cobra.Command, args []string) error {
		existing, err := readCrontab()
		if err != nil {
			return fmt.Errorf("reading crontab: %w", err)
		}
		lines := removeMarkedLines(existing)
		if err := writeCrontab(lines); err != nil {
			return fmt.Errorf("uninstalling crontab entry: %w", err)
		}
		fmt.Println("removed cron entry")
		return nil
	},
}

var cronStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the managed crontab entry, if any",
	RunE: func(cmd *cobra.Command, args []string) error {
		existing, err := readCrontab()
		if err != nil {
			return fmt.Errorf("reading crontab: %w", err)
		}
		for _, line := range existing {
			if strings.Contains(line, cronMarker) {
				fmt.Println(line)
				return nil
			}
		}
		fmt.Println("no managed cron entry installed")
		return nil
	},
}

func readCrontab() ([]string, error) {
	out, err := exec.Command("crontab", "-l").Output()
	if err != nil {
		return nil, nil //nolint:nilerr // an empty/nonexistent crontab is not an error
	}
	return strings.Split(strings.TrimRight(string(out), "\n"), "\n"), nil
}

func removeMarkedLines(lines []string) []string {
	var out []string
	for _, line := range lines {
		if line == "" || strings.Contains(line, cronMarker) {
			continue
		}
		out = append(out, line)
	}
	return out
}

func writeCrontab(lines []string) error {
	var buf bytes.Buffer
	for _, line := range lines {
		buf.WriteString(line)
		buf.WriteString("\n")
	}
	cmd := exec.Command("crontab", "-")
	cmd.Stdin = &buf
	return cmd.Run()
}

func init() {
	cronInstallCmd.Flags().StringVar(&cronSchedule, "schedule", "*/5 * * * *", "Crontab schedule expression")
	cronCmd.AddCommand(cronInstallCmd, cronUninstallCmd, cronStatusCmd)
	rootCmd.AddCommand(cronCmd)
}
