package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/perigee-os/trustboot/pkg/bootspec"
	"github.com/perigee-os/trustboot/pkg/install"
	"github.com/perigee-os/trustboot/pkg/pesign"
	"github.com/perigee-os/trustboot/pkg/types"
)

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Assemble, sign and publish all configured generations to the ESP",
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = viper.BindPFlags(cmd.Flags())

		if viper.GetBool("debug") {
			slog.SetLogLoggerLevel(slog.LevelDebug)
		}

		generations, err := bootspec.LoadAll(viper.GetString("generations"))
		if err != nil {
			return err
		}

		sbSigner, err := pesign.NewSecureBootSigner(viper.GetString("sb-cert"), viper.GetString("sb-key"))
		if err != nil {
			return err
		}

		signer, err := pesign.NewSigner(sbSigner)
		if err != nil {
			return err
		}

		var pcrSigner types.RSAKey

		if keyPath := viper.GetString("pcr-key"); keyPath != "" {
			pcr, err := pesign.NewPCRSigner(keyPath)
			if err != nil {
				return err
			}
			pcrSigner = pcr
		}

		installer := &install.Installer{
			ESP:         viper.GetString("esp"),
			StubPath:    viper.GetString("stub"),
			Signer:      signer,
			PCRSigner:   pcrSigner,
			Generations: generations,
			OSName:      viper.GetString("os-name"),
			Timeout:     viper.GetInt("timeout"),
			ConsoleMode: viper.GetString("console-mode"),
			Logger:      slog.Default(),
		}

		_, err = installer.Install()
		return err
	},
}

func init() {
	installCmd.Flags().StringP("esp", "e", "/boot", "Mount point of the EFI system partition.")
	installCmd.Flags().StringP("stub", "s", "", "Path to the base stub binary.")
	installCmd.Flags().StringP("generations", "g", "", "Directory with generation descriptors (JSON).")
	installCmd.Flags().String("sb-cert", "", "Certificate to sign the images with.")
	installCmd.Flags().String("sb-key", "", "Private key (PEM path or pkcs11: URI) to sign the images with.")
	installCmd.Flags().StringP("pcr-key", "p", "", "PCR policy signing key.")
	installCmd.Flags().String("os-name", "", "OS name for generated os-release sections.")
	installCmd.Flags().Int("timeout", 5, "Boot menu timeout in seconds.")
	installCmd.Flags().String("console-mode", "keep", "Loader console mode.")

	_ = installCmd.MarkFlagRequired("stub")
	_ = installCmd.MarkFlagRequired("generations")
	_ = installCmd.MarkFlagRequired("sb-cert")
	_ = installCmd.MarkFlagRequired("sb-key")
	_ = viper.BindPFlags(installCmd.Flags())

	rootCmd.AddCommand(installCmd)
}
