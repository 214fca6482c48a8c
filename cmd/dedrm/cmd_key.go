package dedrm

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sjzar/dedrm/internal/credential"
	"github.com/sjzar/dedrm/internal/errors"
	"github.com/sjzar/dedrm/pkg/util"
)

func init() {
	rootCmd.AddCommand(keyCmd)
	keyCmd.AddCommand(keyEReaderCmd, keyPassHashCmd, keySealCmd, keyUnsealCmd)

	for _, c := range []*cobra.Command{keyEReaderCmd, keyPassHashCmd} {
		c.Flags().StringVar(&keyName, "name", "", "name on the account")
		c.Flags().StringVar(&keyCC, "cc", "", "credit card number used for the purchase")
		_ = c.MarkFlagRequired("name")
		_ = c.MarkFlagRequired("cc")
	}
	keySealCmd.Flags().StringVarP(&keyOut, "output", "o", "", "key store file")
	keySealCmd.Flags().StringVar(&keyPassphrase, "passphrase", "", "key store passphrase (default key_store_passphrase)")
	_ = keySealCmd.MarkFlagRequired("output")
	keyUnsealCmd.Flags().StringVarP(&keyOut, "output", "o", "", "write the JSON bundle to a file")
	keyUnsealCmd.Flags().StringVar(&keyPassphrase, "passphrase", "", "key store passphrase (default key_store_passphrase)")
}

var (
	keyName       string
	keyCC         string
	keyOut        string
	keyPassphrase string
)

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Derive and store user keys",
}

var keyEReaderCmd = &cobra.Command{
	Use:   "ereader",
	Short: "Derive an eReader key from name and card number",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		c := credential.EReaderKeyFromNameCC(keyName, keyCC)
		fmt.Println(hex.EncodeToString(c.Data))
	},
}

var keyPassHashCmd = &cobra.Command{
	Use:   "passhash",
	Short: "Derive a Barnes & Noble key from name and card number",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		c, err := credential.PassHashKeyFromNameCC(keyName, keyCC)
		if err != nil {
			log.Error(err)
			return
		}
		fmt.Println(base64.StdEncoding.EncodeToString(c.Data))
	},
}

var keySealCmd = &cobra.Command{
	Use:   "seal",
	Short: "Seal the configured and given keys into a key store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := newManager(nil)
		if err != nil {
			return err
		}
		extra, err := flagCredentials()
		if err != nil {
			return err
		}
		pass := keyPassphrase
		if pass == "" {
			pass = m.Config().KeyStorePassphrase
		}
		n, err := m.CommandSeal(keyOut, pass, extra...)
		if err != nil {
			return err
		}
		fmt.Printf("%d credentials sealed into %s\n", n, keyOut)
		return nil
	},
}

var keyUnsealCmd = &cobra.Command{
	Use:   "unseal <keystore>",
	Short: "Print the keys of a key store as a JSON bundle",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := newManager(nil)
		if err != nil {
			return err
		}
		pass := keyPassphrase
		if pass == "" {
			pass = m.Config().KeyStorePassphrase
		}
		if pass == "" {
			return errors.InvalidArg("passphrase")
		}
		b, err := m.CommandUnseal(args[0], pass)
		if err != nil {
			return err
		}
		if keyOut == "" {
			fmt.Println(string(b))
			return nil
		}
		if err := util.WriteFileAtomic(keyOut, b, 0o600); err != nil {
			return errors.WriteOutputFailed(err)
		}
		log.WithField("file", keyOut).Info("bundle written")
		return nil
	},
}

