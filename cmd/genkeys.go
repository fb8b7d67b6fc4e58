package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/perigee-os/trustboot/pkg/keystore"
)

var genKeysCmd = &cobra.Command{
	Use:   "gen-keys",
	Short: "Generate a PK/KEK/db Secure Boot key hierarchy",
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = viper.BindPFlags(cmd.Flags())

		if viper.GetBool("debug") {
			slog.SetLogLoggerLevel(slog.LevelDebug)
		}

		owner := viper.GetString("owner")
		outputDir := viper.GetString("output")

		hierarchy, err := keystore.GenerateHierarchy(owner)
		if err != nil {
			return err
		}

		if err := hierarchy.Save(outputDir); err != nil {
			return err
		}

		slog.Info("Generated Secure Boot key hierarchy", "owner", owner, "output", outputDir)
		return nil
	},
}

func init() {
	genKeysCmd.Flags().String("owner", "", "Owner name embedded into the certificate subjects.")
	genKeysCmd.Flags().StringP("output", "o", "", "Directory to write the key hierarchy to.")

	_ = genKeysCmd.MarkFlagRequired("owner")
	_ = genKeysCmd.MarkFlagRequired("output")
	_ = viper.BindPFlags(genKeysCmd.Flags())

	rootCmd.AddCommand(genKeysCmd)
}
