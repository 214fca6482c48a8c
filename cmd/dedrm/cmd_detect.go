package dedrm

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sjzar/dedrm/internal/errors"
)

func init() {
	rootCmd.AddCommand(detectCmd)
}

var detectCmd = &cobra.Command{
	Use:   "detect <book>...",
	Short: "Show the format and DRM scheme of books",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := newManager(nil)
		if err != nil {
			return err
		}
		var errs []error
		for _, in := range args {
			format, variant, err := m.CommandDetect(in)
			if err != nil {
				fmt.Printf("%s: %v\n", in, err)
				errs = append(errs, err)
				continue
			}
			fmt.Printf("%s: %s (%s)\n", in, format, variant)
		}
		return errors.JoinErrors(errs...)
	},
}
