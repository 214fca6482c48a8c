package dedrm

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringVar(&watchDir, "dir", "", "directory to watch")
	watchCmd.Flags().StringVar(&watchPattern, "pattern", "", "file name pattern (regular expression)")
	watchCmd.Flags().StringVarP(&watchOutDir, "output-dir", "d", "", "output directory")
}

var (
	watchDir     string
	watchPattern string
	watchOutDir  string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Decrypt every book that appears in a directory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmdConf := map[string]any{}
		if watchDir != "" {
			cmdConf["watch.dir"] = watchDir
		}
		if watchPattern != "" {
			cmdConf["watch.pattern"] = watchPattern
		}
		if watchOutDir != "" {
			cmdConf["watch.output_dir"] = watchOutDir
		}
		m, err := newManager(cmdConf)
		if err != nil {
			return err
		}
		extra, err := flagCredentials()
		if err != nil {
			return err
		}
		for _, c := range extra {
			m.Credentials().Add(c)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return m.Watch(ctx)
	},
}
