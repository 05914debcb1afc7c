// Command rollback is the minimal update/rollback helper named in §6:
// a single required "rollback" verb that restores the most recent
// pre-update backup, plus cobra's own usage-and-exit-1 behavior for a
// missing or any other argument. Structured
// the way cuemby-warren's cmd/warren lays out its cobra root command.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/meridian-run/meridian/config"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "rollback",
	Short:         "Restore the latest pre-update backup of the Meridian database",
	SilenceErrors: true,
	Args:          cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs:     []string{"rollback"},
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir := os.Getenv(config.DataDirEnvVar)
		if dataDir == "" {
			dataDir = "./data"
		}
		restored, err := restoreLatestBackup(dataDir)
		if err != nil {
			return err
		}
		fmt.Printf("restored %s\n", restored)
		return nil
	},
}

const liveDBName = "meridian.db"

// restoreLatestBackup finds the most recently modified backup file under
// <dataDir>/backups and copies it over the live database file, returning
// the backup's path on success.
func restoreLatestBackup(dataDir string) (string, error) {
	backupDir := filepath.Join(dataDir, "backups")
	entries, err := os.ReadDir(backupDir)
	if err != nil {
		return "", fmt.Errorf("read backup directory %q: %w", backupDir, err)
	}

	type candidate struct {
		path    string
		modTime time.Time
	}
	var candidates []candidate
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".db" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{path: filepath.Join(backupDir, entry.Name()), modTime: info.ModTime()})
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("no backups found in %q", backupDir)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].modTime.After(candidates[j].modTime) })
	latest := candidates[0]

	if err := copyFile(latest.path, filepath.Join(dataDir, liveDBName)); err != nil {
		return "", fmt.Errorf("restore %q: %w", latest.path, err)
	}
	return latest.path, nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	tmp := dst + ".rollback-tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, dst)
}
