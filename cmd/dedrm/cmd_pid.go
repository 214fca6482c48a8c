package dedrm

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sjzar/dedrm/internal/dedrm"
)

func init() {
	rootCmd.AddCommand(pidCmd)
	pidCmd.Flags().StringVar(&pidSerial, "serial", "", "Kindle serial number")
	pidCmd.Flags().StringVar(&pidKeyFile, "k4i", "", "Kindle for PC/Mac key file (.k4i or .plist)")
}

var (
	pidSerial  string
	pidKeyFile string
)

var pidCmd = &cobra.Command{
	Use:   "pid",
	Short: "Derive PIDs from a Kindle serial or a device key",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		pids, err := dedrm.New(nil).CommandPID(pidSerial, pidKeyFile)
		if err != nil {
			return err
		}
		for _, pid := range pids {
			fmt.Println(pid)
		}
		return nil
	},
}
