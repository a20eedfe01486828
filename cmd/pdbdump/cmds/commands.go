// Package cmds implements the pdbdump command line.
package cmds

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v2"

	"github.com/jtang613/pdbdbi/pkg/config"
	"github.com/jtang613/pdbdbi/pkg/logflags"
	"github.com/jtang613/pdbdbi/pkg/pdb"
)

const pdbdumpCommandLongDesc = `pdbdump prints the debug information stream of a PDB file.

Modules, source files, section contributions, the section map, image
section headers and frame pointer omission records are decoded from the
DBI stream and printed as JSON or YAML.

Settings are read from ~/.pdbdump/config.yml unless --config is given.
Command line flags take precedence over the file.`

type options struct {
	format     formatValue
	pretty     bool
	log        bool
	logOutput  string
	logDest    string
	configPath string
	withFiles  bool

	logFile io.Closer
}

// New returns the pdbdump root command.
func New() *cobra.Command {
	o := &options{}

	rootCommand := &cobra.Command{
		Use:           "pdbdump [pdb-file]",
		Short:         "pdbdump reads the debug information of Microsoft PDB files.",
		Long:          pdbdumpCommandLongDesc,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return o.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if o.logFile != nil {
				return o.logFile.Close()
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return cmd.Help()
			}
			return o.run(infoOutput)(cmd, args)
		},
	}

	flags := rootCommand.PersistentFlags()
	o.format = config.FormatJSON
	flags.VarP(&o.format, "format", "f", "Output format: json or yaml.")
	flags.BoolVarP(&o.pretty, "pretty", "p", false, "Indent JSON output. Defaults to on when stdout is a terminal.")
	flags.BoolVarP(&o.log, "log", "", false, "Enable debug logging.")
	flags.StringVarP(&o.logOutput, "log-output", "", "", "Comma separated list of layers that should produce debug output: dbi, msf, pdb.")
	flags.StringVarP(&o.logDest, "log-dest", "", "", "Append logs to the specified file instead of stderr.")
	flags.StringVar(&o.configPath, "config", "", "Path of the configuration file.")

	rootCommand.AddCommand(&cobra.Command{
		Use:   "info <pdb-file>",
		Short: "Print PDB and DBI header information.",
		Args:  cobra.ExactArgs(1),
		RunE:  o.run(infoOutput),
	})

	modulesCommand := &cobra.Command{
		Use:   "modules <pdb-file>",
		Short: "List the modules linked into the image.",
		Args:  cobra.ExactArgs(1),
		RunE: o.run(func(p *pdb.PDB, o *options) (interface{}, error) {
			return p.Modules(o.withFiles)
		}),
	}
	modulesCommand.Flags().BoolVar(&o.withFiles, "files", false, "Include the source files of each module.")
	rootCommand.AddCommand(modulesCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "contributions <pdb-file>",
		Short: "List the section contributions of each module.",
		Args:  cobra.ExactArgs(1),
		RunE: o.run(func(p *pdb.PDB, _ *options) (interface{}, error) {
			return p.SectionContributions()
		}),
	})

	rootCommand.AddCommand(&cobra.Command{
		Use:   "sections <pdb-file>",
		Short: "List the image section headers.",
		Args:  cobra.ExactArgs(1),
		RunE: o.run(func(p *pdb.PDB, _ *options) (interface{}, error) {
			return p.Sections()
		}),
	})

	rootCommand.AddCommand(&cobra.Command{
		Use:   "section-map <pdb-file>",
		Short: "List the logical segments of the section map.",
		Args:  cobra.ExactArgs(1),
		RunE: o.run(func(p *pdb.PDB, _ *options) (interface{}, error) {
			return p.SectionMap()
		}),
	})

	rootCommand.AddCommand(&cobra.Command{
		Use:   "fpo <pdb-file>",
		Short: "List frame pointer omission records.",
		Args:  cobra.ExactArgs(1),
		RunE:  o.run(fpoOutput),
	})

	allCommand := &cobra.Command{
		Use:   "all <pdb-file>",
		Short: "Print everything.",
		Args:  cobra.ExactArgs(1),
		RunE:  o.run(allOutput),
	}
	allCommand.Flags().BoolVar(&o.withFiles, "files", false, "Include the source files of each module.")
	rootCommand.AddCommand(allCommand)

	return rootCommand
}

// setup merges the config file into the flags the user did not set and
// configures logging.
func (o *options) setup(cmd *cobra.Command) error {
	var (
		conf *config.Config
		err  error
	)
	if o.configPath != "" {
		conf, err = config.Load(o.configPath)
	} else {
		conf, err = config.LoadConfig()
	}
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if !flags.Changed("format") && conf.Format != "" {
		if err := o.format.Set(conf.Format); err != nil {
			return err
		}
	}
	if !flags.Changed("pretty") {
		if conf.Pretty != nil {
			o.pretty = *conf.Pretty
		} else {
			o.pretty = isTerminal(cmd.OutOrStdout())
		}
	}
	if !flags.Changed("log") {
		o.log = conf.Log
	}
	if !flags.Changed("log-output") && conf.LogOutput != "" {
		o.logOutput = conf.LogOutput
	}
	if !flags.Changed("log-dest") && conf.LogDest != "" {
		o.logDest = conf.LogDest
	}

	var logOut io.Writer = colorable.NewColorableStderr()
	if o.logDest != "" {
		f, err := os.OpenFile(o.logDest, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("could not open log file: %w", err)
		}
		o.logFile = f
		logOut = f
	}
	return logflags.Setup(o.log, o.logOutput, logOut)
}

// formatValue is the --format flag. It only accepts the formats write
// knows about.
type formatValue string

var _ pflag.Value = (*formatValue)(nil)

func (f *formatValue) String() string { return string(*f) }

func (f *formatValue) Set(s string) error {
	switch s {
	case config.FormatJSON, config.FormatYAML:
		*f = formatValue(s)
		return nil
	}
	return fmt.Errorf("unknown output format %q, must be %s or %s", s, config.FormatJSON, config.FormatYAML)
}

func (f *formatValue) Type() string { return "format" }

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}

type producer func(p *pdb.PDB, o *options) (interface{}, error)

func (o *options) run(produce producer) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		p, err := pdb.Open(args[0])
		if err != nil {
			return err
		}
		defer p.Close()

		v, err := produce(p, o)
		if err != nil {
			return err
		}
		return o.write(cmd.OutOrStdout(), v)
	}
}

func (o *options) write(w io.Writer, v interface{}) error {
	if o.format == config.FormatYAML {
		out, err := yaml.Marshal(v)
		if err != nil {
			return fmt.Errorf("error encoding YAML: %w", err)
		}
		_, err = w.Write(out)
		return err
	}

	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false) // Don't escape &, <, > as \u0026, \u003c, \u003e
	if o.pretty {
		encoder.SetIndent("", "  ")
	}
	if err := encoder.Encode(v); err != nil {
		return fmt.Errorf("error encoding JSON: %w", err)
	}
	return nil
}

func infoOutput(p *pdb.PDB, _ *options) (interface{}, error) {
	return p.Info(), nil
}

func fpoOutput(p *pdb.PDB, _ *options) (interface{}, error) {
	fpo, err := p.FPO()
	if err != nil {
		return nil, err
	}
	frames, err := p.FrameData()
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"fpo":        fpo,
		"frame_data": frames,
	}, nil
}

func allOutput(p *pdb.PDB, o *options) (interface{}, error) {
	result := map[string]interface{}{
		"info": p.Info(),
	}

	var err error
	if result["modules"], err = p.Modules(o.withFiles); err != nil {
		return nil, err
	}
	if result["section_contributions"], err = p.SectionContributions(); err != nil {
		return nil, err
	}
	if result["sections"], err = p.Sections(); err != nil {
		return nil, err
	}
	if result["section_map"], err = p.SectionMap(); err != nil {
		return nil, err
	}
	if result["fpo"], err = p.FPO(); err != nil {
		return nil, err
	}
	if result["frame_data"], err = p.FrameData(); err != nil {
		return nil, err
	}
	return result, nil
}
