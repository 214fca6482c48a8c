package dedrm

import (
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sjzar/dedrm/internal/credential"
	"github.com/sjzar/dedrm/internal/dedrm"
	"github.com/sjzar/dedrm/internal/dedrm/conf"
	"github.com/sjzar/dedrm/internal/errors"
)

var (
	configDir string
	keyFiles  []string
)

func init() {
	// windows only
	cobra.MousetrapHelpText = ""

	rootCmd.PersistentFlags().BoolVar(&Debug, "debug", false, "debug")
	rootCmd.PersistentFlags().StringVarP(&configDir, "config", "c", "", "config directory (default $DEDRM_DIR or ~/.dedrm)")
	rootCmd.PersistentFlags().StringSliceVarP(&keyFiles, "key", "k", nil, "key file, repeatable")
	rootCmd.PersistentPreRun = initLog
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if Debug {
			log.Debug().Msg(errors.FormatErrorChain(err))
		}
		log.Err(err).Msg("command execution failed")
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "dedrm",
	Short: "Remove DRM from e-books you own",
	Long: `dedrm detects Mobipocket, Topaz, eReader, EPUB, PDF and KFX books and
removes their DRM with the keys you provide.`,
	Example:       `dedrm decrypt book.azw3 -k kindlekey.k4i`,
	SilenceUsage:  true,
	SilenceErrors: true,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
}

// newManager loads the configuration with the flags in cmdConf applied and
// fills the credential pool. Broken key sources are logged, not fatal.
func newManager(cmdConf map[string]any) (*dedrm.Manager, error) {
	c, _, err := conf.Load(configDir, cmdConf)
	if err != nil {
		return nil, err
	}
	m := dedrm.New(c)
	if err := m.LoadCredentials(); err != nil {
		log.Warn().Err(err).Msg("some credentials could not be loaded")
	}
	return m, nil
}

// flagCredentials loads the -k key files.
func flagCredentials() ([]credential.Credential, error) {
	var out []credential.Credential
	for _, f := range keyFiles {
		creds, err := credential.LoadFile(f)
		if err != nil {
			return nil, err
		}
		out = append(out, creds...)
	}
	return out, nil
}
