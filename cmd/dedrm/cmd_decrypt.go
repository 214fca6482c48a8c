package dedrm

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sjzar/dedrm/internal/credential"
	"github.com/sjzar/dedrm/internal/drm/common"
	"github.com/sjzar/dedrm/internal/errors"
)

func init() {
	rootCmd.AddCommand(decryptCmd)
	decryptCmd.Flags().StringVarP(&decryptOut, "output", "o", "", "output file, only with a single input")
	decryptCmd.Flags().StringVarP(&decryptOutDir, "output-dir", "d", "", "output directory")
	decryptCmd.Flags().StringSliceVar(&decryptPIDs, "pid", nil, "Mobipocket PID, repeatable")
	decryptCmd.Flags().StringSliceVar(&decryptSerials, "serial", nil, "Kindle serial number, repeatable")
	decryptCmd.Flags().StringSliceVar(&decryptPasswords, "password", nil, "PDF password, repeatable")
	decryptCmd.Flags().StringSliceVar(&decryptPassphrases, "passphrase", nil, "LCP passphrase, repeatable")
	decryptCmd.Flags().StringVarP(&decryptFormat, "format", "f", "", "skip detection and decode as this format")
	decryptCmd.Flags().StringVar(&decryptPMLMode, "pml-mode", "", "eReader output: pmlz or tree")
	decryptCmd.Flags().BoolVar(&decryptKeepCompressed, "keep-compressed", false, "keep Topaz records compressed")
}

var (
	decryptOut            string
	decryptOutDir         string
	decryptPIDs           []string
	decryptSerials        []string
	decryptPasswords      []string
	decryptPassphrases    []string
	decryptFormat         string
	decryptPMLMode        string
	decryptKeepCompressed bool
)

var decryptCmd = &cobra.Command{
	Use:   "decrypt <book>...",
	Short: "Decrypt books into <name>_nodrm.<ext>",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if decryptOut != "" && len(args) > 1 {
			return errors.InvalidArg("--output with several inputs")
		}

		cmdConf := map[string]any{}
		if cmd.Flags().Changed("output-dir") {
			cmdConf["output_dir"] = decryptOutDir
		}
		if cmd.Flags().Changed("pml-mode") {
			cmdConf["pml_mode"] = decryptPMLMode
		}
		if cmd.Flags().Changed("keep-compressed") {
			cmdConf["keep_compressed"] = decryptKeepCompressed
		}
		m, err := newManager(cmdConf)
		if err != nil {
			return err
		}
		if decryptFormat != "" {
			f, err := common.ParseFormat(decryptFormat)
			if err != nil {
				return err
			}
			m.SetFormat(f)
		}

		extra, err := decryptCredentials()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		var errs []error
		for _, in := range args {
			out, res, err := m.CommandDecrypt(ctx, in, decryptOut, extra...)
			switch {
			case err == nil:
				fmt.Printf("%s -> %s (%s, %s)\n", in, out, res.Format, res.Variant)
			case errors.IsDrmFree(err):
				fmt.Printf("%s -> %s (%s, no DRM)\n", in, out, res.Format)
			default:
				log.Err(err).Str("file", in).Msg("decrypt failed")
				errs = append(errs, err)
			}
		}
		return errors.JoinErrors(errs...)
	},
}

func decryptCredentials() ([]credential.Credential, error) {
	extra, err := flagCredentials()
	if err != nil {
		return nil, err
	}
	for _, pid := range decryptPIDs {
		c, err := credential.MobiPID(pid)
		if err != nil {
			return nil, err
		}
		extra = append(extra, c)
	}
	for _, s := range decryptSerials {
		c, err := credential.KindleSerial(s)
		if err != nil {
			return nil, err
		}
		extra = append(extra, c)
	}
	for _, pw := range decryptPasswords {
		extra = append(extra, credential.PdfPassword(pw))
	}
	for _, pw := range decryptPassphrases {
		extra = append(extra, credential.LcpPassphrase(pw))
	}
	return extra, nil
}
