package cmd

import (
	"fmt"
	"io"
	"path/filepath"
	"text/tabwriter"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/apex/log"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	macho "github.com/appsworld/mtool"
	"github.com/appsworld/mtool/pkg/fat"
	"github.com/appsworld/mtool/types"
)

var (
	foundColor   = color.New(color.FgGreen).SprintFunc()
	missingColor = color.New(color.FgRed).SprintFunc()
	weakColor    = color.New(color.FgYellow).SprintFunc()
	headColor    = color.New(color.Bold, color.Underline).SprintFunc()
)

func init() {
	machoCmd.AddCommand(machoInfoCmd)

	machoInfoCmd.Flags().StringP("arch", "a", "", "Which architecture to use for fat/universal MachO")
	machoInfoCmd.Flags().BoolP("header", "d", false, "Print the mach header")
	machoInfoCmd.Flags().BoolP("loads", "l", false, "Print the load commands")
	machoInfoCmd.Flags().BoolP("dylibs", "L", false, "Print the linked libraries and where they resolve")
	machoInfoCmd.Flags().StringP("fileset-entry", "t", "", "Which fileset entry to analyze")
	machoInfoCmd.Flags().StringSlice("search-paths", nil, "Directories searched for libraries named without a path")
	viper.BindPFlag("macho.info.arch", machoInfoCmd.Flags().Lookup("arch"))
	viper.BindPFlag("macho.info.header", machoInfoCmd.Flags().Lookup("header"))
	viper.BindPFlag("macho.info.loads", machoInfoCmd.Flags().Lookup("loads"))
	viper.BindPFlag("macho.info.dylibs", machoInfoCmd.Flags().Lookup("dylibs"))
	viper.BindPFlag("macho.info.fileset-entry", machoInfoCmd.Flags().Lookup("fileset-entry"))
	viper.BindPFlag("macho.search-paths", machoInfoCmd.Flags().Lookup("search-paths"))
}

// machoCmd represents the macho command
var machoCmd = &cobra.Command{
	Use:   "macho",
	Short: "Parse Mach-O images",
}

// machoInfoCmd represents the macho info command
var machoInfoCmd = &cobra.Command{
	Use:     "info <MACHO>",
	Aliases: []string{"i"},
	Short:   "Explore a Mach-O image",
	Example: heredoc.Doc(`
		# Print the header and load commands
		❯ mtool macho info -d -l /usr/lib/dyld
		# Show where each linked library resolves
		❯ mtool macho info --dylibs --search-paths /opt/lib ./tool`),
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := openMachO(filepath.Clean(args[0]), viper.GetString("macho.info.arch"), viper.GetStringSlice("macho.search-paths"))
		if err != nil {
			return err
		}
		defer m.Close()

		if name := viper.GetString("macho.info.fileset-entry"); name != "" {
			if m, err = m.GetFileSetFileByName(name); err != nil {
				return err
			}
		}

		showHeader := viper.GetBool("macho.info.header")
		showLoads := viper.GetBool("macho.info.loads")
		showDylibs := viper.GetBool("macho.info.dylibs")
		if !showHeader && !showLoads && !showDylibs {
			showHeader, showLoads, showDylibs = true, true, true
		}

		w := cmd.OutOrStdout()
		if showHeader {
			printHeader(w, m)
		}
		if showLoads {
			fmt.Fprintln(w, headColor("Load Commands"))
			fmt.Fprint(w, m.LoadsString())
			fmt.Fprintln(w)
		}
		if showDylibs {
			printDylibs(w, m)
		}
		return nil
	},
}

// openMachO opens a thin image, or the slice of a fat file for arch, the
// running machine or else the first entry.
func openMachO(path, arch string, searchPaths []string) (*macho.File, error) {
	cfg := macho.FileConfig{SearchPaths: searchPaths}

	a, err := fat.Open(path)
	if err != nil {
		if errors.Is(err, fat.ErrUnrecognizedFormat) {
			if arch != "" {
				log.Warnf("%s is not a fat file, ignoring --arch", path)
			}
			return macho.Open(path, cfg)
		}
		return nil, err
	}

	entries := a.Entries()
	if len(entries) == 0 {
		return nil, errors.Errorf("%s has no architectures", path)
	}
	e := entries[0]
	switch {
	case arch != "":
		if e, err = findArch(a, arch); err != nil {
			return nil, err
		}
	default:
		if cpu, sub, err := types.CurrentMachine(); err == nil {
			if host, ok := a.Find(cpu, sub); ok {
				e = host
			} else if host, ok := a.Find(cpu, 0); ok {
				e = host
			}
		}
	}
	log.WithField("arch", e.ArchName()).Debug("Selected fat slice")
	cfg.Offset = int64(e.Offset)
	cfg.MaxSize = int64(e.Size)
	return macho.Open(path, cfg)
}

func printHeader(w io.Writer, m *macho.File) {
	fmt.Fprintln(w, headColor("Header"))
	fmt.Fprint(w, m.FileHeader.String())
	fmt.Fprintf(w, "Kind          = %s\n", m.Kind())
	if id := m.Identity(); id != "" {
		fmt.Fprintf(w, "Identity      = %s\n", id)
	}
	if u := m.UUID(); u != nil {
		fmt.Fprintf(w, "UUID          = %s\n", u)
	}
	if bv := m.BuildVersion(); bv != nil {
		fmt.Fprintf(w, "Build         = %s\n", bv)
	}
	if cs, err := m.CodeSignature(); err == nil && cs.ID() != "" {
		fmt.Fprintf(w, "Signed as     = %s\n", cs.ID())
	}
	fmt.Fprintln(w)
}

func printDylibs(w io.Writer, m *macho.File) {
	fmt.Fprintln(w, headColor("Libraries"))
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, d := range m.Dylibs() {
		where := missingColor("not found")
		if img, ok := d.Image(); ok {
			where = foundColor(img.Path())
		} else if d.Kind == macho.Weak {
			where = weakColor("not found (weak)")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", d.Name, d.CurrentVersion, where)
	}
	tw.Flush()
}
