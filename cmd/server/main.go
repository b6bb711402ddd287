package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/NicolasHaas/huddle/pkg/datastore"
	"github.com/NicolasHaas/huddle/pkg/logging"
	"github.com/NicolasHaas/huddle/pkg/server"
	"github.com/NicolasHaas/huddle/pkg/store"
	"github.com/NicolasHaas/huddle/pkg/version"
)

func main() {
	cfg := server.DefaultConfig()
	if err := server.LoadEnv(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "invalid environment: %v\n", err)
		os.Exit(1)
	}

	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "HTTP/WebSocket bind address")
	flag.StringVar(&cfg.DBDriver, "db-driver", cfg.DBDriver, "Database driver: sqlite or postgres")
	flag.StringVar(&cfg.DSN, "db", cfg.DSN, "SQLite file path or PostgreSQL connection string")
	flag.BoolVar(&cfg.TLS, "tls", cfg.TLS, "Serve HTTPS/WSS")
	flag.StringVar(&cfg.CertFile, "cert", cfg.CertFile, "TLS certificate file (auto-generated if empty)")
	flag.StringVar(&cfg.KeyFile, "key", cfg.KeyFile, "TLS private key file (auto-generated if empty)")
	flag.StringVar(&cfg.DataDir, "data", cfg.DataDir, "Data directory for generated files")
	flag.StringVar(&cfg.UploadBackend, "uploads", cfg.UploadBackend, "Upload backend: local or s3")
	flag.StringVar(&cfg.UploadDir, "upload-dir", cfg.UploadDir, "Directory for local uploads")
	flag.DurationVar(&cfg.RepairInterval, "repair-interval", cfg.RepairInterval, "Run consistency repair this often (0 = startup only)")
	flag.BoolVar(&cfg.EnforceBans, "enforce-bans", cfg.EnforceBans, "Reject banned users on join_server")
	flag.BoolVar(&cfg.ExportUsers, "export-users", false, "Export all users as YAML and exit")
	flag.BoolVar(&cfg.ExportWorkspaces, "export-workspaces", false, "Export all workspaces as YAML and exit")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: "+logging.LevelNames())
	flag.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: text or json")
	memory := flag.Bool("memory", false, "Keep all state in memory (nothing is persisted)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Full())
		return
	}

	if err := logging.Setup(logging.Options{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		Output:  os.Stdout,
		Service: "huddle",
	}); err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		os.Exit(1)
	}

	var st datastore.DataProviderFactory
	if *memory {
		st = store.NewMemory()
	} else {
		db, err := datastore.Open(cfg.DBDriver, cfg.DSN)
		if err != nil {
			slog.Error("open database", "driver", cfg.DBDriver, "err", err)
			os.Exit(1)
		}
		st = db
	}

	// Handle export commands (run and exit)
	if cfg.ExportUsers || cfg.ExportWorkspaces {
		defer st.Close()
		ctx := context.Background()

		if cfg.ExportUsers {
			data, err := server.ExportUsersYAML(ctx, st.NonTx())
			if err != nil {
				slog.Error("export users", "err", err)
				os.Exit(1)
			}
			fmt.Print(string(data))
		}
		if cfg.ExportWorkspaces {
			data, err := server.ExportWorkspacesYAML(ctx, st.NonTx())
			if err != nil {
				slog.Error("export workspaces", "err", err)
				os.Exit(1)
			}
			fmt.Print(string(data))
		}
		return
	}

	slog.Info("starting huddle", "version", version.String())
	srv := server.New(cfg, server.Dependencies{Store: st})
	if err := srv.Run(); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}
