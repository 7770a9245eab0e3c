package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/apex/log"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	macho "github.com/appsworld/mtool"
	"github.com/appsworld/mtool/pkg/fat"
	"github.com/appsworld/mtool/types"
)

var (
	archColor = color.New(color.Bold).SprintFunc()
	warnColor = color.New(color.FgRed, color.Bold).SprintFunc()
)

func init() {
	lipoCmd.Flags().BoolP("info", "i", false, "List the architectures of each input")
	lipoCmd.Flags().BoolP("detailed-info", "d", false, "Display the fat header and every entry")
	lipoCmd.Flags().Bool("archs", false, "Print the architecture names of the input")
	lipoCmd.Flags().StringSlice("verify-arch", nil, "Fail unless the input contains every listed architecture")
	lipoCmd.Flags().String("thin", "", "Write the slice for this architecture to --output")
	lipoCmd.Flags().StringSlice("extract", nil, "Write a fat file holding only the listed architectures")
	lipoCmd.Flags().StringSlice("remove", nil, "Write a fat file without the listed architectures")
	lipoCmd.Flags().StringSlice("replace", nil, "Replace slices, given as arch=file")
	lipoCmd.Flags().BoolP("create", "c", false, "Create a fat file from the inputs")
	lipoCmd.Flags().Bool("fat64", false, "Use 64-bit fat entries when creating")
	lipoCmd.Flags().StringP("output", "o", "", "Output file")
	viper.BindPFlag("lipo.info", lipoCmd.Flags().Lookup("info"))
	viper.BindPFlag("lipo.detailed-info", lipoCmd.Flags().Lookup("detailed-info"))
	viper.BindPFlag("lipo.archs", lipoCmd.Flags().Lookup("archs"))
	viper.BindPFlag("lipo.verify-arch", lipoCmd.Flags().Lookup("verify-arch"))
	viper.BindPFlag("lipo.thin", lipoCmd.Flags().Lookup("thin"))
	viper.BindPFlag("lipo.extract", lipoCmd.Flags().Lookup("extract"))
	viper.BindPFlag("lipo.remove", lipoCmd.Flags().Lookup("remove"))
	viper.BindPFlag("lipo.replace", lipoCmd.Flags().Lookup("replace"))
	viper.BindPFlag("lipo.create", lipoCmd.Flags().Lookup("create"))
	viper.BindPFlag("lipo.fat64", lipoCmd.Flags().Lookup("fat64"))
	viper.BindPFlag("lipo.output", lipoCmd.Flags().Lookup("output"))
}

// lipoCmd represents the lipo command
var lipoCmd = &cobra.Command{
	Use:   "lipo <input>...",
	Short: "Create or operate on universal files",
	Example: heredoc.Doc(`
		# List the architectures of a universal binary
		❯ mtool lipo --info /usr/bin/file
		# Extract the arm64 slice
		❯ mtool lipo --thin arm64 -o file.arm64 /usr/bin/file
		# Build a universal binary from two thin ones
		❯ mtool lipo --create -o tool tool.x86_64 tool.arm64`),
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		w := cmd.OutOrStdout()
		output := viper.GetString("lipo.output")

		if viper.GetBool("lipo.create") {
			if output == "" {
				return errors.New("--create requires --output")
			}
			return lipoCreate(args, output, viper.GetBool("lipo.fat64"))
		}

		inputs := make([]*lipoInput, 0, len(args))
		for _, path := range args {
			in, err := loadLipoInput(path)
			if err != nil {
				return err
			}
			inputs = append(inputs, in)
		}

		switch {
		case viper.GetBool("lipo.info"):
			for _, in := range inputs {
				lipoInfo(w, in)
			}
			return nil
		case viper.GetBool("lipo.detailed-info"):
			for _, in := range inputs {
				lipoDetailedInfo(w, in)
			}
			return nil
		}

		if len(inputs) != 1 {
			return errors.New("only one input file may be given with this operation")
		}
		in := inputs[0]
		switch {
		case viper.GetBool("lipo.archs"):
			fmt.Fprintln(w, strings.Join(in.archNames(), " "))
			return nil
		case len(viper.GetStringSlice("lipo.verify-arch")) > 0:
			return lipoVerifyArch(in, viper.GetStringSlice("lipo.verify-arch"))
		}

		if output == "" {
			return errors.New("--output is required")
		}
		switch {
		case viper.GetString("lipo.thin") != "":
			return lipoThin(in, viper.GetString("lipo.thin"), output)
		case len(viper.GetStringSlice("lipo.extract")) > 0:
			return lipoExtract(in, viper.GetStringSlice("lipo.extract"), output)
		case len(viper.GetStringSlice("lipo.remove")) > 0:
			return lipoRemove(in, viper.GetStringSlice("lipo.remove"), output)
		case len(viper.GetStringSlice("lipo.replace")) > 0:
			return lipoReplace(in, viper.GetStringSlice("lipo.replace"), output)
		}
		return errors.New("no operation given (see --help)")
	},
}

// lipoInput is a fat archive or a thin image read from disk.
type lipoInput struct {
	path string
	fat  *fat.Archive
	thin *macho.File
	data []byte
}

func loadLipoInput(path string) (*lipoInput, error) {
	dat, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	a, err := fat.Load(dat)
	if err == nil {
		return &lipoInput{path: path, fat: a, data: dat}, nil
	}
	if !errors.Is(err, fat.ErrUnrecognizedFormat) {
		return nil, errors.Wrapf(err, "failed to load %s", path)
	}
	m, err := macho.OpenMemory(dat, 0)
	if err != nil {
		return nil, errors.Wrapf(fat.ErrUnrecognizedFormat, "%s: %v", path, err)
	}
	return &lipoInput{path: path, thin: m, data: dat}, nil
}

func (in *lipoInput) archNames() []string {
	if in.fat == nil {
		return []string{in.thin.ArchName()}
	}
	var names []string
	for _, e := range in.fat.Entries() {
		names = append(names, e.ArchName())
	}
	return names
}

func (in *lipoInput) requireFat() error {
	if in.fat == nil {
		return errors.Errorf("input file (%s) must be a fat file", in.path)
	}
	return nil
}

func parseArch(name string) (types.CPU, types.CPUSubtype, error) {
	cpu, sub, ok := types.ArchFromName(name)
	if !ok {
		return 0, 0, errors.Errorf("unknown architecture specification flag: %s", name)
	}
	return cpu, sub, nil
}

// findArch returns the entry of a for name.
func findArch(a *fat.Archive, name string) (fat.Entry, error) {
	cpu, sub, err := parseArch(name)
	if err != nil {
		return fat.Entry{}, err
	}
	e, ok := a.Find(cpu, sub)
	if !ok {
		return fat.Entry{}, errors.Errorf("fat input file does not contain the specified architecture (%s)", name)
	}
	return e, nil
}

func lipoInfo(w io.Writer, in *lipoInput) {
	if in.fat == nil {
		fmt.Fprintf(w, "Non-fat file: %s is architecture: %s\n", in.path, in.thin.ArchName())
		return
	}
	fmt.Fprintf(w, "Architectures in the fat file: %s are: %s\n", in.path, strings.Join(in.archNames(), " "))
}

func lipoDetailedInfo(w io.Writer, in *lipoInput) {
	if in.fat == nil {
		fmt.Fprintf(w, "input file %s is not a fat file\n", in.path)
		lipoInfo(w, in)
		return
	}
	a := in.fat
	entries := a.Entries()
	fmt.Fprintf(w, "Fat header in: %s\n", in.path)
	fmt.Fprintf(w, "fat_magic %#x\n", uint32(a.Magic))
	fmt.Fprintf(w, "nfat_arch %d\n", len(entries))
	for _, e := range entries {
		fmt.Fprintf(w, "architecture %s\n", archColor(e.ArchName()))
		fmt.Fprintf(w, "    cputype %s\n", e.CPU.GoString())
		fmt.Fprintf(w, "    cpusubtype %s\n", types.SubtypeName(e.CPU, e.SubCPU))
		fmt.Fprintf(w, "    capabilities %s\n", types.CapabilitiesString(e.CPU, e.SubCPU))
		fmt.Fprintf(w, "    offset %d\n", e.Offset)
		fmt.Fprintf(w, "    size %d (%s)\n", e.Size, humanize.Bytes(e.Size))
		fmt.Fprintf(w, "    align 2^%d (%d)\n", e.Align, e.TrueAlign())
	}
	if err := a.Validate(); err != nil {
		fmt.Fprintf(w, "%s %v\n", warnColor("invalid:"), err)
	}
}

func lipoVerifyArch(in *lipoInput, names []string) error {
	for _, name := range names {
		cpu, sub, err := parseArch(name)
		if err != nil {
			return err
		}
		var ok bool
		if in.fat != nil {
			_, ok = in.fat.Find(cpu, sub)
		} else {
			ok = in.thin.CPU == cpu && in.thin.SubCPU&types.CpuSubtypeMask == sub&types.CpuSubtypeMask
		}
		if !ok {
			return errors.Errorf("%s does not contain %s", in.path, name)
		}
	}
	return nil
}

func lipoThin(in *lipoInput, name, output string) error {
	if err := in.requireFat(); err != nil {
		return err
	}
	e, err := findArch(in.fat, name)
	if err != nil {
		return err
	}
	if err := in.fat.WriteEntryToFile(e, output); err != nil {
		return err
	}
	log.Infof("Extracted %s to %s", e.ArchName(), output)
	return nil
}

// lipoEdit copies the input to output and applies fn to the copy.
func lipoEdit(in *lipoInput, output string, fn func(a *fat.Archive) error) error {
	if err := in.requireFat(); err != nil {
		return err
	}
	if err := in.fat.CopyTo(output); err != nil {
		return err
	}
	return fn(in.fat)
}

func lipoExtract(in *lipoInput, names []string, output string) error {
	return lipoEdit(in, output, func(a *fat.Archive) error {
		keep := make(map[fat.Entry]bool)
		for _, name := range names {
			e, err := findArch(a, name)
			if err != nil {
				return err
			}
			keep[e] = true
		}
		var drop []fat.Entry
		for _, e := range a.Entries() {
			if !keep[e] {
				drop = append(drop, e)
			}
		}
		if len(drop) == 0 {
			return nil
		}
		return a.DeleteEntries(drop...)
	})
}

func lipoRemove(in *lipoInput, names []string, output string) error {
	return lipoEdit(in, output, func(a *fat.Archive) error {
		var drop []fat.Entry
		for _, name := range names {
			e, err := findArch(a, name)
			if err != nil {
				return err
			}
			drop = append(drop, e)
		}
		if len(drop) == len(a.Entries()) {
			return errors.New("-remove would remove every architecture")
		}
		return a.DeleteEntries(drop...)
	})
}

func lipoReplace(in *lipoInput, specs []string, output string) error {
	type replacement struct {
		arch string
		data []byte
	}
	var reps []replacement
	for _, spec := range specs {
		arch, path, ok := strings.Cut(spec, "=")
		if !ok {
			return errors.Errorf("bad --replace %q, want arch=file", spec)
		}
		cpu, _, err := parseArch(arch)
		if err != nil {
			return err
		}
		dat, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		m, err := macho.OpenMemory(dat, 0)
		if err != nil {
			return errors.Wrapf(err, "replacement %s", path)
		}
		if m.CPU != cpu {
			return errors.Errorf("%s is %s, not %s", path, m.ArchName(), arch)
		}
		reps = append(reps, replacement{arch, dat})
	}
	return lipoEdit(in, output, func(a *fat.Archive) error {
		for _, r := range reps {
			e, err := findArch(a, r.arch)
			if err != nil {
				return err
			}
			if err := a.SetDataForEntry(e, fat.Content{Data: r.data}); err != nil {
				return err
			}
		}
		return nil
	})
}

func lipoCreate(paths []string, output string, is64 bool) error {
	var images []fat.Image
	for _, path := range paths {
		in, err := loadLipoInput(path)
		if err != nil {
			return err
		}
		if in.fat == nil {
			images = append(images, fat.ImageFromMachO(in.thin, in.data))
			continue
		}
		for _, e := range in.fat.Entries() {
			dat, err := in.fat.DataForEntry(e)
			if err != nil {
				return err
			}
			images = append(images, fat.Image{CPU: e.CPU, SubCPU: e.SubCPU, Align: e.Align, Data: dat})
		}
	}
	a, err := fat.Create(images, is64, output)
	if err != nil {
		return err
	}
	log.WithField("archs", len(a.Entries())).Infof("Created %s", output)
	return nil
}
