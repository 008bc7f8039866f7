package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"aim-chat/identity-core/internal/securestore"
)

func exportCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export <did>",
		Short: "Write an encrypted identity backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := requirePin()
			if err != nil {
				return err
			}
			blob, err := core.ExportIdentity(cmd.Context(), args[0], p)
			if err != nil {
				return err
			}
			if out == "" {
				_, err = cmd.OutOrStdout().Write(append(blob, '\n'))
				return err
			}
			if err := securestore.WriteFileAtomic(out, blob); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Backup written to %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default stdout)")
	return cmd
}

func importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <backup-file|->",
		Short: "Restore an identity from a backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := requirePin()
			if err != nil {
				return err
			}
			blob, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			item, err := core.ImportIdentity(cmd.Context(), blob, p)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %s\n", item.DID)
			return nil
		},
	}
}

func recoveryPhraseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recovery-phrase <did>",
		Short: "Print the 24-word recovery phrase of an identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := requirePin()
			if err != nil {
				return err
			}
			phrase, err := core.RecoveryPhrase(cmd.Context(), args[0], p)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), phrase)
			return nil
		},
	}
}

func restoreCmd() *cobra.Command {
	var nickname string
	cmd := &cobra.Command{
		Use:   "restore <phrase|->",
		Short: "Recreate an identity from its recovery phrase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := requirePin()
			if err != nil {
				return err
			}
			phrase := args[0]
			if phrase == "-" {
				raw, err := readInput(cmd, phrase)
				if err != nil {
					return err
				}
				phrase = string(raw)
			}
			item, err := core.RestoreIdentity(cmd.Context(), phrase, nickname, p)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Restored %s\n", item.DID)
			return nil
		},
	}
	cmd.Flags().StringVar(&nickname, "nickname", "", "nickname for the restored identity")
	_ = cmd.MarkFlagRequired("nickname")
	return cmd
}
