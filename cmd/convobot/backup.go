package main

import (
	"archive/tar"
	"compress/gzip"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"convobot/internal/config"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"
)

func backupCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Archive the history database, WhatsApp session and config",
		Long: `Writes a .tar.gz with consistent snapshots of the SQLite databases (taken
with VACUUM INTO, safe while the bot is running) and the config file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := loadConfig(true)
			if err != nil {
				return err
			}

			if outputPath == "" {
				dir := filepath.Join(cfg.General.DataDir, "backups")
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("cannot create backup directory: %w", err)
				}
				outputPath = filepath.Join(dir, "convobot-"+time.Now().Format("20060102-150405")+".tar.gz")
			}

			tmp, err := os.MkdirTemp("", "convobot-backup-*")
			if err != nil {
				return err
			}
			defer os.RemoveAll(tmp)

			var files []string
			for name, src := range map[string]string{
				"history.db":  cfg.Storage.DBPath,
				"whatsapp.db": cfg.Channels.WhatsApp.SessionPath,
			} {
				if _, err := os.Stat(src); err != nil {
					continue
				}
				dst := filepath.Join(tmp, name)
				if err := snapshotSQLite(src, dst); err != nil {
					return fmt.Errorf("snapshot %s: %w", src, err)
				}
				files = append(files, dst)
			}
			if _, err := os.Stat(cfgPath); err == nil {
				files = append(files, cfgPath)
			}
			if len(files) == 0 {
				return fmt.Errorf("nothing to back up (db: %s, config: %s)", cfg.Storage.DBPath, cfgPath)
			}

			if err := writeTarGz(outputPath, files); err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}
			fmt.Printf("Backup created: %s\n", outputPath)
			for _, f := range files {
				if info, err := os.Stat(f); err == nil {
					fmt.Printf("  - %s (%s)\n", filepath.Base(f), humanSize(info.Size()))
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "archive path (default: <dataDir>/backups/convobot-<timestamp>.tar.gz)")
	return cmd
}

// snapshotSQLite copies a live database into dst, which must not exist.
func snapshotSQLite(src, dst string) error {
	db, err := sql.Open("sqlite", config.ExpandPath(src)+"?_busy_timeout=5000")
	if err != nil {
		return err
	}
	defer db.Close()
	_, err = db.Exec(`VACUUM INTO ?`, dst)
	return err
}

func writeTarGz(outputPath string, files []string) error {
	out, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)
	for _, f := range files {
		if err := addToTar(tw, f); err != nil {
			return fmt.Errorf("add %s: %w", f, err)
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}
	return out.Sync()
}

func addToTar(tw *tar.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = filepath.Base(path)
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGT"[exp])
}
