package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/perigee-os/trustboot/pkg/efivars"
	"github.com/perigee-os/trustboot/pkg/keystore"
)

var enrollCmd = &cobra.Command{
	Use:   "enroll",
	Short: "Enroll a PK/KEK/db key hierarchy into the platform firmware",
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = viper.BindPFlags(cmd.Flags())

		if viper.GetBool("debug") {
			slog.SetLogLoggerLevel(slog.LevelDebug)
		}

		hierarchy, err := keystore.LoadHierarchy(viper.GetString("keys"))
		if err != nil {
			return err
		}

		if exportDir := viper.GetString("export"); exportDir != "" {
			return hierarchy.WriteSignatureLists(exportDir)
		}

		store := efivars.NewAuthStore()

		setupMode, err := efivars.SetupModeEnabled(store)
		if err != nil {
			return err
		}

		if !setupMode && !viper.GetBool("force") {
			return fmt.Errorf("platform is not in setup mode, refusing to enroll (use --force to override)")
		}

		if err := hierarchy.Enroll(store); err != nil {
			return err
		}

		slog.Info("Enrolled Secure Boot key hierarchy")
		return nil
	},
}

func init() {
	enrollCmd.Flags().StringP("keys", "k", "", "Directory with the PK/KEK/db key hierarchy.")
	enrollCmd.Flags().String("export", "", "Write signature lists to this directory instead of enrolling.")
	enrollCmd.Flags().Bool("force", false, "Enroll even when the platform is not in setup mode.")

	_ = enrollCmd.MarkFlagRequired("keys")
	_ = viper.BindPFlags(enrollCmd.Flags())

	rootCmd.AddCommand(enrollCmd)
}
