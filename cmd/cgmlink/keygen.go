package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ericfisherdev/cgmlink/internal/adapter/driven/cipher"
)

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Print a random base64 key for CGMLINK_SECRET_KEY",
		Long: "Print a random 32-byte key, base64 encoded, suitable for CGMLINK_SECRET_KEY.\n" +
			"Changing the key makes every stored credential unreadable.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := cipher.GenerateKey()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), key)
			return err
		},
	}
}
