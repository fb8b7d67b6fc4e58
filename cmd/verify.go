package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/perigee-os/trustboot/pkg/efivars"
	"github.com/perigee-os/trustboot/pkg/stub"
	"github.com/perigee-os/trustboot/pkg/utils"
)

var verifyCmd = &cobra.Command{
	Use:   "verify IMAGE",
	Short: "Run the boot-time verification state machine over an installed image",
	PreRunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return fmt.Errorf("image is required")
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = viper.BindPFlags(cmd.Flags())

		if viper.GetBool("debug") {
			slog.SetLogLoggerLevel(slog.LevelDebug)
		}

		espPath := viper.GetString("esp")

		image, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}

		store := efivars.NewFSStore()

		policy, err := stub.PolicyFromPlatform(store)
		if err != nil {
			return err
		}

		var tpm stub.TPM

		if device, err := stub.OpenTPM(); err != nil {
			return err
		} else if device != nil {
			defer device.Close()

			tpm = device
		}

		identifier, err := filepath.Rel(espPath, args[0])
		if err != nil {
			identifier = filepath.Base(args[0])
		}

		verifier := &stub.Verifier{
			Image:  image,
			Boot:   os.DirFS(espPath),
			Vars:   store,
			TPM:    tpm,
			Policy: policy,
			Info: stub.BootInfo{
				PartUUID:        viper.GetString("part-uuid"),
				ImageIdentifier: utils.ToESPPath(identifier),
				FirmwareInfo:    viper.GetString("firmware-info"),
				FirmwareType:    "uefi",
			},
			Logger: slog.Default(),
		}

		payload, err := verifier.Run()
		if err != nil {
			slog.Error("Verification rejected the image", "state", verifier.State(), "error", err)
			return err
		}

		slog.Info("Verification complete", "state", verifier.State(), "policy", policy.String())

		if viper.GetBool("kexec") {
			return stub.StageHandoff(payload)
		}

		return nil
	},
}

func init() {
	verifyCmd.Flags().StringP("esp", "e", "/boot", "Mount point of the EFI system partition.")
	verifyCmd.Flags().String("part-uuid", "", "Partition UUID the image was loaded from.")
	verifyCmd.Flags().String("firmware-info", "", "Firmware vendor/revision string to export.")
	verifyCmd.Flags().Bool("kexec", false, "Stage the verified payload via kexec_file_load.")

	_ = viper.BindPFlags(verifyCmd.Flags())

	rootCmd.AddCommand(verifyCmd)
}
