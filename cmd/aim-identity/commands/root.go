package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"aim-chat/identity-core/internal/app"
	"aim-chat/identity-core/internal/config"
	"aim-chat/identity-core/internal/domains/contracts"
	"aim-chat/identity-core/internal/platform/privacylog"
)

const pinEnv = "AIM_ID_PIN"

type BuildInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

var (
	configPath string
	dataDir    string
	pin        string
	core       *app.Core
)

func Execute(ctx context.Context, info BuildInfo) error {
	return run(ctx, info, os.Args[1:], os.Stdout, os.Stderr)
}

func run(ctx context.Context, info BuildInfo, args []string, stdout, stderr io.Writer) error {
	configPath, dataDir, pin = "", "", ""
	root := &cobra.Command{
		Use:           "aim-identity",
		Short:         "Self-sovereign identity and key management",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Annotations["core"] == "none" {
				return nil
			}
			return openCore(cmd.Context())
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if core == nil {
				return nil
			}
			err := core.Close()
			core = nil
			return err
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to identity.yaml (optional)")
	root.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory (default ~/.aim-identity)")
	root.PersistentFlags().StringVar(&pin, "pin", "", "device PIN (or "+pinEnv+")")

	root.AddCommand(
		versionCmd(info),
		initCmd(),
		changePinCmd(),
		generateCmd(),
		whoamiCmd(),
		listCmd(),
		resolveCmd(),
		signCmd(),
		verifyCmd(),
		encryptCmd(),
		decryptCmd(),
		exportCmd(),
		importCmd(),
		recoveryPhraseCmd(),
		restoreCmd(),
		scanCmd(),
		doctorCmd(),
	)

	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	if core != nil {
		_ = core.Close()
		core = nil
	}
	if err != nil {
		fmt.Fprintf(stderr, "error: %s\n", describe(err))
	}
	return err
}

func openCore(ctx context.Context) error {
	cfg, err := config.LoadFromPath(configPath)
	if err != nil {
		return err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		cfg.DataDir = filepath.Join(home, ".aim-identity")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return err
	}
	logger := privacylog.NewLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	core, err = app.New(ctx, cfg, app.Options{Logger: logger})
	return err
}

// requirePin returns the PIN from --pin or the environment.
func requirePin() (string, error) {
	if pin != "" {
		return pin, nil
	}
	if v := strings.TrimSpace(os.Getenv(pinEnv)); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("pin required (--pin or %s)", pinEnv)
}

// describe keeps user-facing output to the narrow messages of the error
// taxonomy; input errors are shown as-is because the user can fix them.
func describe(err error) string {
	if contracts.IsInvalidInput(err) || contracts.IsNotFound(err) || contracts.IsConflict(err) {
		return err.Error()
	}
	if msg := contracts.UserMessage(err); msg != "operation failed" {
		return msg
	}
	return err.Error()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func versionCmd(info BuildInfo) *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print build information",
		Annotations: map[string]string{"core": "none"},
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "aim-identity version=%s commit=%s build_date=%s\n", info.Version, info.Commit, info.BuildDate)
			return err
		},
	}
}
