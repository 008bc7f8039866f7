package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func generateCmd() *cobra.Command {
	var bio string
	cmd := &cobra.Command{
		Use:   "generate <nickname>",
		Short: "Create a new identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := requirePin()
			if err != nil {
				return err
			}
			item, err := core.GenerateIdentity(cmd.Context(), args[0], p, bio)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Identity created.\nDID: %s\n", item.DID)
			return nil
		},
	}
	cmd.Flags().StringVar(&bio, "bio", "", "short profile text")
	return cmd
}

func whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the default identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			item, err := core.GetCurrentIdentity(cmd.Context())
			if err != nil {
				return err
			}
			if item == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "No identity yet. Run: aim-identity generate <nickname>")
				return nil
			}
			return printJSON(cmd.OutOrStdout(), item)
		},
	}
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List identities on this device",
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := core.ListIdentities(cmd.Context())
			if err != nil {
				return err
			}
			for _, item := range items {
				marker := " "
				if item.IsDefault {
					marker = "*"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s  %s\n", marker, item.DID, item.Nickname)
			}
			return nil
		},
	}
}

func resolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <did>",
		Short: "Print the DID document of an identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := core.ResolveDID(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), doc)
		},
	}
}
