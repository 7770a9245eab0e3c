package cmd

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/appsworld/mtool/pkg/dyld"
	"github.com/appsworld/mtool/types"
)

func init() {
	dscCmd.AddCommand(dscPreflightCmd)

	dscPreflightCmd.Flags().StringP("platform", "p", "", "Platform the cache must target (default: the running platform, 'none' to skip)")
	viper.BindPFlag("dsc.platform", dscPreflightCmd.Flags().Lookup("platform"))
}

// dscCmd represents the dsc command
var dscCmd = &cobra.Command{
	Use:     "dsc",
	Aliases: []string{"dyld"},
	Short:   "Work with dyld_shared_cache files",
}

// dscPreflightCmd represents the dsc preflight command
var dscPreflightCmd = &cobra.Command{
	Use:   "preflight [DSC]",
	Short: "Validate a dyld_shared_cache the way dyld does before mapping it",
	Example: heredoc.Doc(`
		# Check the running system's cache
		❯ mtool dsc preflight
		# Check an extracted iOS cache
		❯ mtool dsc preflight -p iOS ./dyld_shared_cache_arm64e`),
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var path string
		if len(args) > 0 {
			path = filepath.Clean(args[0])
		} else {
			p, err := dyld.CurrentCachePath()
			if err != nil {
				return errors.Wrap(err, "failed to locate the shared cache, pass one explicitly")
			}
			path = p
		}

		var opts []dyld.Option
		switch name := viper.GetString("dsc.platform"); {
		case name == "":
		case strings.EqualFold(name, "none"):
			opts = append(opts, dyld.WithPlatform(types.PLATFORM_UNKNOWN))
		default:
			p, ok := types.PlatformFromName(name)
			if !ok {
				return errors.Errorf("unknown platform %q", name)
			}
			opts = append(opts, dyld.WithPlatform(p))
		}

		req, err := dyld.Preflight(path, opts...)
		if err != nil {
			var rerr *dyld.RejectedError
			if errors.As(err, &rerr) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s at step %d (%s): %s\n",
					color.New(color.FgRed, color.Bold).Sprint("REJECTED"), rerr.Path, int(rerr.Step), rerr.Step, rerr.Reason)
			}
			return err
		}
		printMappingRequest(cmd.OutOrStdout(), path, req)
		return nil
	},
}

func printMappingRequest(w io.Writer, path string, req *dyld.MappingRequest) {
	fmt.Fprintf(w, "%s %s (max slide %s)\n\n", color.New(color.FgGreen, color.Bold).Sprint("ACCEPTED"), path, humanize.IBytes(req.MaxSlide))

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tFILE\tARCH\tPLATFORM\tUUID\tMAPPINGS")
	for i, f := range req.Files {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d\n", i, filepath.Base(f.Path), f.Arch, f.Platform, f.UUID, f.MappingCount)
	}
	tw.Flush()
	fmt.Fprintln(w)

	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "FILE\tCLASS\tADDRESS\tSIZE\tFILE OFFSET\tMAX\tINIT\tSLIDE INFO")
	for _, m := range req.Mappings {
		slide := "-"
		if m.SlideInfoSize > 0 {
			slide = fmt.Sprintf("%#x (%s) @ %#x", m.SlideInfoOffset, humanize.Bytes(m.SlideInfoSize), m.SlideStart)
		}
		fmt.Fprintf(tw, "%d\t%s\t%#x\t%s\t%#x\t%s\t%s\t%s\n",
			m.File, m.Class, m.Address, humanize.Bytes(m.Size), m.FileOffset, m.MaxProt, m.InitProt, slide)
	}
	tw.Flush()
}
