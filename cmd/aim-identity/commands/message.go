package commands

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"aim-chat/identity-core/pkg/models"
)

func signCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sign <did> <message>",
		Short: "Sign a message, printing a base64 signature",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := requirePin()
			if err != nil {
				return err
			}
			sig, err := core.Sign(cmd.Context(), args[0], []byte(args[1]), p)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), base64.StdEncoding.EncodeToString(sig))
			return nil
		},
	}
}

func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <did> <message> <signature>",
		Short: "Check a base64 signature",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			sig, err := base64.StdEncoding.DecodeString(args[2])
			if err != nil {
				return fmt.Errorf("signature is not base64")
			}
			result, err := core.CheckSignature(cmd.Context(), args[0], []byte(args[1]), sig)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), result)
			return nil
		},
	}
}

func encryptCmd() *cobra.Command {
	var from string
	cmd := &cobra.Command{
		Use:   "encrypt <recipient-did> <message>",
		Short: "Encrypt a message for another identity, printing the envelope",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := requirePin()
			if err != nil {
				return err
			}
			if from == "" {
				current, err := core.GetCurrentIdentity(cmd.Context())
				if err != nil {
					return err
				}
				if current == nil {
					return fmt.Errorf("no sender identity; pass --from")
				}
				from = current.DID
			}
			env, err := core.EncryptFor(cmd.Context(), args[0], []byte(args[1]), from, p)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), env)
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "sender did (default: current identity)")
	return cmd
}

func decryptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decrypt <recipient-did> <envelope-file|->",
		Short: "Decrypt an envelope addressed to one of your identities",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := requirePin()
			if err != nil {
				return err
			}
			raw, err := readInput(cmd, args[1])
			if err != nil {
				return err
			}
			var env models.Envelope
			if err := json.Unmarshal(raw, &env); err != nil {
				return fmt.Errorf("envelope is not valid json")
			}
			plain, err := core.Decrypt(cmd.Context(), env, args[0], p)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(append(plain, '\n'))
			return err
		},
	}
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(path)
}
