package main

import (
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"webuiflasher/internal/config"
	"webuiflasher/internal/ports"
)

var sourcesFile string

var rootCmd = &cobra.Command{
	Use:   "flashctl",
	Short: "Firmware fetch and flash tool",
	Long: `flashctl manages the firmware cache declared in sources.yaml:
listing known firmware, fetching the latest release artifacts, and
flashing them to a connected device over a serial port.`,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List known firmware and availability",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(sourcesFile)
		if err != nil {
			return err
		}

		cat := newCatalog(cfg)
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tTYPE\tPLATFORM\tVERSION\tSIZE\tAVAILABLE")
		for _, fw := range cat.List() {
			version := fw.Version
			if version == "" {
				version = "-"
			}
			size := "-"
			if fw.Available {
				size = humanize.Bytes(uint64(fw.SizeBytes))
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%v\n",
				fw.Name, fw.Kind, fw.Platform, version, size, fw.Available)
		}
		return w.Flush()
	},
}

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List connected serial ports",
	RunE: func(cmd *cobra.Command, args []string) error {
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "DEVICE\tDESCRIPTION\tHWID")
		for _, p := range ports.List() {
			fmt.Fprintf(w, "%s\t%s\t%s\n", p.Device, p.Description, p.HardwareID)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&sourcesFile, "sources", "s", "sources.yaml", "path to the sources.yaml file")
	// glog registers its flags on the standard flag set.
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	rootCmd.AddCommand(listCmd, portsCmd, updateCmd, flashCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
