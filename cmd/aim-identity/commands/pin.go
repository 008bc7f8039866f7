package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Set the device PIN",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := requirePin()
			if err != nil {
				return err
			}
			if err := core.SetupPin(cmd.Context(), p); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "PIN configured.")
			return nil
		},
	}
}

func changePinCmd() *cobra.Command {
	var newPin string
	var resume bool
	cmd := &cobra.Command{
		Use:   "change-pin",
		Short: "Change the device PIN and re-encrypt all stored keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			oldPin, err := requirePin()
			if err != nil {
				return err
			}
			run := core.ChangePin
			if resume {
				run = core.ResumeRotation
			}
			report, err := run(cmd.Context(), oldPin, newPin)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if n := report.Failed(); n > 0 {
				return fmt.Errorf("%d records still under the old PIN; rerun with --resume", n)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&newPin, "new-pin", "", "the new PIN")
	cmd.Flags().BoolVar(&resume, "resume", false, "finish an interrupted PIN change")
	_ = cmd.MarkFlagRequired("new-pin")
	return cmd
}

func scanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Report encrypted-at-rest state by key id",
		RunE: func(cmd *cobra.Command, args []string) error {
			inv, err := core.ScanEncryptedState(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), inv)
		},
	}
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check that the device is ready to use",
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := core.Doctor(cmd.Context())
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if !report.Ready {
				return fmt.Errorf("device is not ready")
			}
			return nil
		},
	}
}
