package cmd

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/apex/log"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	macho "github.com/appsworld/mtool"
	"github.com/appsworld/mtool/pkg/process"
)

func init() {
	psCmd.Flags().BoolP("parse", "p", false, "Parse the header of every loaded image")
	viper.BindPFlag("ps.parse", psCmd.Flags().Lookup("parse"))
}

// psCmd represents the ps command
var psCmd = &cobra.Command{
	Use:   "ps [PID]",
	Short: "List processes, or the images loaded in one",
	Example: heredoc.Doc(`
		# List every process
		❯ mtool ps
		# List the images loaded in a process and parse their headers
		❯ mtool ps --parse 1234`),
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		defer tw.Flush()

		if len(args) == 0 {
			procs, err := process.List()
			if err != nil {
				return err
			}
			fmt.Fprintln(tw, "PID\tNAME\tPATH")
			for _, p := range procs {
				fmt.Fprintf(tw, "%d\t%s\t%s\n", p.PID, p.Name, p.Path)
			}
			return nil
		}

		pid, err := strconv.Atoi(args[0])
		if err != nil {
			return errors.Errorf("invalid pid %q", args[0])
		}
		p, err := process.Find(pid)
		if err != nil {
			return err
		}
		log.Infof("Images loaded in %s", p)

		infos, err := macho.ImageListFromProcess(pid)
		if err != nil {
			return err
		}
		parse := viper.GetBool("ps.parse")
		if parse {
			fmt.Fprintln(tw, "BASE\tARCH\tKIND\tPATH")
		} else {
			fmt.Fprintln(tw, "BASE\tPATH")
		}
		for _, info := range infos {
			if !parse {
				fmt.Fprintf(tw, "%#016x\t%s\n", info.Base, info.Path)
				continue
			}
			arch, kind := "?", "?"
			if m, err := macho.OpenProcessImage(info); err != nil {
				log.WithError(err).WithField("base", fmt.Sprintf("%#x", info.Base)).Debug("Failed to parse image")
			} else {
				arch, kind = m.ArchName(), m.Kind().String()
				m.Close()
			}
			fmt.Fprintf(tw, "%#016x\t%s\t%s\t%s\n", info.Base, arch, kind, info.Path)
		}
		return nil
	},
}
