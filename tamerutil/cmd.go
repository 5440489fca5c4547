/*
Copyright © 2021 the WRFtamer authors.
This file is part of WRFtamer.

WRFtamer is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

WRFtamer is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with WRFtamer.  If not, see <http://www.gnu.org/licenses/>.
*/

// Package tamerutil contains the command-line interface of WRFtamer.
package tamerutil

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/wrftamer/wrftamer"
	"github.com/wrftamer/wrftamer/cloud"
	"github.com/wrftamer/wrftamer/internal/store"
	"github.com/wrftamer/wrftamer/runner"
)

// Cfg holds configuration information.
type Cfg struct {
	*viper.Viper

	// Root is the main command.
	Root *cobra.Command

	log *logrus.Logger
}

type option struct {
	name, usage, shorthand string
	defaultVal             interface{}
	flagsets               []*pflag.FlagSet
}

// InitializeConfig creates the commands and the configuration they read.
// Each call returns an independent set of commands.
func InitializeConfig() *Cfg {
	cfg := &Cfg{Viper: viper.New(), log: logrus.New()}

	cfg.Root = &cobra.Command{
		Use:   "wt",
		Short: "Manage WRF experiments.",
		Long: `wt (WRFtamer) creates, runs and keeps track of WRF and WPS experiments.
Experiments are grouped in projects. Each experiment has its own directory
below the run path, which is moved below the archive path when the experiment
is archived. The experiments are listed in a database below the home path.

Configuration can be changed by using a configuration file (and providing the
path to the file using the --config flag), by using command-line arguments,
or by setting environment variables in the format 'WRFTAMER_var' where 'var' is
the name of the variable to be set, e.g. WRFTAMER_HOME_PATH.`,
		DisableAutoGenTag: true,
		SilenceUsage:      true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.setConfig(); err != nil {
				return err
			}
			return cfg.setLogging(cmd)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Long:  "version prints the version number of this version of WRFtamer.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "WRFtamer v%s\n", wrftamer.Version)
		},
		DisableAutoGenTag: true,
	}

	pathsCmd := &cobra.Command{
		Use:   "paths",
		Short: "Print the WRFtamer directories",
		Long:  "paths prints the home, run and archive paths and the archive bucket in use.",
		Args:  cobra.NoArgs,
		RunE:  cfg.printPaths,
	}

	projectCmd := &cobra.Command{
		Use:   "project",
		Short: "Manage projects",
		Long: `project groups the commands that manage projects. Experiments created
without a project belong to the pseudo-project 'unassigned'.`,
		DisableAutoGenTag: true,
	}
	projectCreateCmd := &cobra.Command{
		Use:   "create <project>",
		Short: "Create a project",
		Args:  cobra.ExactArgs(1),
		RunE:  cfg.projectCreate,
	}
	projectRemoveCmd := &cobra.Command{
		Use:   "remove <project>",
		Short: "Remove a project and all of its experiments",
		Args:  cobra.ExactArgs(1),
		RunE:  cfg.projectRemove,
	}
	projectRenameCmd := &cobra.Command{
		Use:   "rename <project> <new name>",
		Short: "Rename a project",
		Args:  cobra.ExactArgs(2),
		RunE:  cfg.projectRename,
	}
	projectListCmd := &cobra.Command{
		Use:   "list",
		Short: "List the projects",
		Args:  cobra.NoArgs,
		RunE:  cfg.projectList,
	}
	projectInfoCmd := &cobra.Command{
		Use:   "info [project]",
		Short: "Summarize a project",
		Long:  "info prints the number of experiments of a project by status and their disk use.",
		Args:  cobra.MaximumNArgs(1),
		RunE:  cfg.projectInfo,
	}
	projectCleanupCmd := &cobra.Command{
		Use:   "cleanup [project]",
		Short: "Reconcile the database with the experiment directories",
		Long: `cleanup removes experiments whose directories no longer exist from the
database and reports experiment directories that are not in the database.
With --adopt, these directories are added as experiments.`,
		Args: cobra.MaximumNArgs(1),
		RunE: cfg.projectCleanup,
	}
	projectExportCmd := &cobra.Command{
		Use:   "export <project> [file]",
		Short: "Export the experiment list of a project",
		Long: `export writes the experiments of a project to a CSV file or, if the file
name ends in .xlsx, to an Excel file. Without a file name, the list is written
to <project>.csv in the project's directory below the home path.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: cfg.projectExport,
	}
	projectImportCmd := &cobra.Command{
		Use:   "import <project> <file>",
		Short: "Import an experiment list into a project",
		Args:  cobra.ExactArgs(2),
		RunE:  cfg.projectImport,
	}

	createCmd := &cobra.Command{
		Use:   "create <experiment> <configure.yaml>",
		Short: "Create an experiment",
		Long: `create sets up the directory of a new experiment from a configuration
file: the executables are linked and the namelists are rendered.`,
		Args: cobra.ExactArgs(2),
		RunE: cfg.create,
	}
	copyCmd := &cobra.Command{
		Use:   "copy <source> <destination> [configure.yaml]",
		Short: "Create an experiment from the configuration of another one",
		Args:  cobra.RangeArgs(2, 3),
		RunE:  cfg.copy,
	}
	removeCmd := &cobra.Command{
		Use:   "remove <experiment>",
		Short: "Remove an experiment and its directories",
		Args:  cobra.ExactArgs(1),
		RunE:  cfg.remove,
	}
	renameCmd := &cobra.Command{
		Use:   "rename <experiment> <new name>",
		Short: "Rename an experiment",
		Args:  cobra.ExactArgs(2),
		RunE:  cfg.rename,
	}
	reassociateCmd := &cobra.Command{
		Use:   "reassociate <experiment> <project>",
		Short: "Move an experiment to another project",
		Long: `reassociate moves an experiment from the project given with --project
to another project. Use 'unassigned' for experiments without a project.`,
		Args: cobra.ExactArgs(2),
		RunE: cfg.reassociate,
	}
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List experiments",
		Args:  cobra.NoArgs,
		RunE:  cfg.list,
	}
	statusCmd := &cobra.Command{
		Use:   "status <experiment>",
		Short: "Print the status of an experiment",
		Long: `status prints the status of an experiment. The status of a running
experiment is first updated from its batch job and log files.`,
		Args: cobra.ExactArgs(1),
		RunE: cfg.status,
	}
	commentCmd := &cobra.Command{
		Use:   "comment <experiment> <text>",
		Short: "Set the comment of an experiment",
		Args:  cobra.MinimumNArgs(2),
		RunE:  cfg.comment,
	}
	duCmd := &cobra.Command{
		Use:   "du <experiment>",
		Short: "Update the disk use of an experiment",
		Args:  cobra.ExactArgs(1),
		RunE:  cfg.du,
	}
	rtCmd := &cobra.Command{
		Use:   "rt <experiment>",
		Short: "Update the runtime statistics of an experiment",
		Long:  "rt reads the time per step of domain 1 from rsl.error.0000.",
		Args:  cobra.ExactArgs(1),
		RunE:  cfg.rt,
	}
	runWPSCmd := &cobra.Command{
		Use:   "run-wps <experiment>",
		Short: "Run the WRF preprocessing",
		Long:  "run-wps runs geogrid, ungrib and metgrid, followed by real.exe.",
		Args:  cobra.ExactArgs(1),
		RunE:  cfg.runWPS,
	}
	runWRFCmd := &cobra.Command{
		Use:   "run-wrf <experiment>",
		Short: "Run WRF",
		Long: `run-wrf runs WRF on the local machine or, with --submit, submits the
batch script of the experiment.`,
		Args: cobra.ExactArgs(1),
		RunE: cfg.runWRF,
	}
	restartCmd := &cobra.Command{
		Use:   "restart <experiment>",
		Short: "Prepare an experiment to continue from its newest restart file",
		Args:  cobra.ExactArgs(1),
		RunE:  cfg.restart,
	}
	reuseCmd := &cobra.Command{
		Use:   "reuse <source> <destination>",
		Short: "Use the initial and boundary conditions of another experiment",
		Args:  cobra.ExactArgs(2),
		RunE:  cfg.reuse,
	}
	moveCmd := &cobra.Command{
		Use:   "move <experiment>",
		Short: "Move the model output to out/ and the logs to log/",
		Args:  cobra.ExactArgs(1),
		RunE:  cfg.move,
	}
	postprocessCmd := &cobra.Command{
		Use:   "postprocess <experiment>",
		Short: "Run the postprocessing protocol of an experiment",
		Long: `postprocess runs the protocol given with --protocol or, without it, the
postprocessing section of the experiment's configuration.`,
		Args: cobra.ExactArgs(1),
		RunE: cfg.postprocess,
	}
	archiveCmd := &cobra.Command{
		Use:   "archive <experiment>",
		Short: "Move an experiment to the archive",
		Args:  cobra.ExactArgs(1),
		RunE:  cfg.archive,
	}
	tslistCmd := &cobra.Command{
		Use:   "tslist <directory> <output directory>",
		Short: "Process WRF time series output",
		Long: `tslist merges the time series files below a directory, derives wind
speed and direction and writes netCDF files with the raw or averaged data.`,
		Args: cobra.ExactArgs(2),
		RunE: cfg.tslist,
	}

	options := []option{
		{
			name: "config",
			usage: `
              config specifies the configuration file location.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{cfg.Root.PersistentFlags()},
		},
		{
			name: "home_path",
			usage: `
              home_path is the directory holding the database and the
              project lists. The default is $HOME/wrftamer.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{cfg.Root.PersistentFlags()},
		},
		{
			name: "run_path",
			usage: `
              run_path is the directory holding the active experiments.
              The default is <home_path>/run.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{cfg.Root.PersistentFlags()},
		},
		{
			name: "archive_path",
			usage: `
              archive_path is the directory holding the archived experiments.
              The default is <home_path>/archive.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{cfg.Root.PersistentFlags()},
		},
		{
			name: "archive_bucket",
			usage: `
              archive_bucket is a blob storage location that archived
              experiments are copied to, e.g. s3://bucket/prefix,
              gs://bucket or file:///data/archive.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{cfg.Root.PersistentFlags()},
		},
		{
			name: "make_submit",
			usage: `
              make_submit specifies whether a batch submission script
              is written when an experiment is created.`,
			defaultVal: false,
			flagsets:   []*pflag.FlagSet{cfg.Root.PersistentFlags()},
		},
		{
			name: "project",
			usage: `
              project is the project of the experiment. Without it,
              experiments without a project are used.`,
			shorthand:  "p",
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{cfg.Root.PersistentFlags()},
		},
		{
			name: "verbose",
			usage: `
              verbose enables debug output.`,
			shorthand:  "v",
			defaultVal: false,
			flagsets:   []*pflag.FlagSet{cfg.Root.PersistentFlags()},
		},
		{
			name: "log_level",
			usage: `
              log_level is the logging level: debug, info, warn or error.`,
			defaultVal: "info",
			flagsets:   []*pflag.FlagSet{cfg.Root.PersistentFlags()},
		},
		{
			name: "yes",
			usage: `
              yes answers confirmation questions with yes.`,
			shorthand:  "y",
			defaultVal: false,
			flagsets:   []*pflag.FlagSet{cfg.Root.PersistentFlags()},
		},
		{
			name: "force",
			usage: `
              force runs an operation regardless of the status of the
              experiment.`,
			defaultVal: false,
			flagsets:   []*pflag.FlagSet{cfg.Root.PersistentFlags()},
		},
		{
			name: "comment",
			usage: `
              comment is a free text describing the experiment or project.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{createCmd.Flags(), projectCreateCmd.Flags()},
		},
		{
			name: "adopt",
			usage: `
              adopt adds experiment directories that are not in the
              database as experiments.`,
			defaultVal: false,
			flagsets:   []*pflag.FlagSet{projectCleanupCmd.Flags()},
		},
		{
			name: "status",
			usage: `
              status lists only experiments with the given status.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{listCmd.Flags()},
		},
		{
			name: "all",
			usage: `
              all lists the experiments of all projects.`,
			shorthand:  "a",
			defaultVal: false,
			flagsets:   []*pflag.FlagSet{listCmd.Flags()},
		},
		{
			name: "submit",
			usage: `
              submit submits the batch script instead of running WRF
              on the local machine.`,
			defaultVal: false,
			flagsets:   []*pflag.FlagSet{runWRFCmd.Flags()},
		},
		{
			name: "protocol",
			usage: `
              protocol is a YAML file with the postprocessing protocol.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{postprocessCmd.Flags()},
		},
		{
			name: "bucket",
			usage: `
              bucket overrides archive_bucket for this archive.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{archiveCmd.Flags()},
		},
		{
			name: "interval",
			usage: `
              interval is the averaging interval in minutes. Zero writes
              only the raw data.`,
			defaultVal: 10,
			flagsets:   []*pflag.FlagSet{tslistCmd.Flags()},
		},
		{
			name: "raw",
			usage: `
              raw writes the merged data without averaging.`,
			defaultVal: false,
			flagsets:   []*pflag.FlagSet{tslistCmd.Flags()},
		},
		{
			name: "prefix",
			usage: `
              prefix limits the processing to the stations with the given
              prefixes.`,
			defaultVal: []string{},
			flagsets:   []*pflag.FlagSet{tslistCmd.Flags()},
		},
		{
			name: "domains",
			usage: `
              domains limits the processing to the given domains.`,
			defaultVal: []int{},
			flagsets:   []*pflag.FlagSet{tslistCmd.Flags()},
		},
		{
			name: "start",
			usage: `
              start is the start of the simulation in the WRF date format,
              e.g. 2020-05-17_00:00:00. Without it, the start is read from
              namelist.input in the directory.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{tslistCmd.Flags()},
		},
		{
			name: "name",
			usage: `
              name is the prefix of the output files. The default is the
              name of the directory.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{tslistCmd.Flags()},
		},
	}

	// Set the prefix for configuration environment variables.
	cfg.SetEnvPrefix("WRFTAMER")
	cfg.AutomaticEnv()

	for _, option := range options {
		for i, set := range option.flagsets {
			if i != 0 { // We don't want to create the same flag twice.
				set.AddFlag(option.flagsets[0].Lookup(option.name))
				continue
			}
			switch option.defaultVal.(type) {
			case string:
				set.StringP(option.name, option.shorthand, option.defaultVal.(string), option.usage)
			case []string:
				set.StringSliceP(option.name, option.shorthand, option.defaultVal.([]string), option.usage)
			case bool:
				set.BoolP(option.name, option.shorthand, option.defaultVal.(bool), option.usage)
			case int:
				set.IntP(option.name, option.shorthand, option.defaultVal.(int), option.usage)
			case []int:
				set.IntSliceP(option.name, option.shorthand, option.defaultVal.([]int), option.usage)
			default:
				panic("invalid argument type")
			}
			cfg.BindPFlag(option.name, set.Lookup(option.name))
		}
	}

	// Link the commands together.
	cfg.Root.AddCommand(versionCmd, pathsCmd, projectCmd, createCmd, copyCmd, removeCmd,
		renameCmd, reassociateCmd, listCmd, statusCmd, commentCmd, duCmd, rtCmd, runWPSCmd,
		runWRFCmd, restartCmd, reuseCmd, moveCmd, postprocessCmd, archiveCmd, tslistCmd)
	projectCmd.AddCommand(projectCreateCmd, projectRemoveCmd, projectRenameCmd, projectListCmd,
		projectInfoCmd, projectCleanupCmd, projectExportCmd, projectImportCmd)
	for _, c := range cfg.Root.Commands() {
		c.DisableAutoGenTag = true
	}
	return cfg
}

// setConfig finds and reads in the configuration file, if there is one.
func (cfg *Cfg) setConfig() error {
	if cfgpath := cfg.GetString("config"); cfgpath != "" {
		cfg.SetConfigFile(cfgpath)
		if err := cfg.ReadInConfig(); err != nil {
			return fmt.Errorf("wrftamer: problem reading configuration file: %v", err)
		}
	}
	return nil
}

// setLogging configures the logger used by the commands.
func (cfg *Cfg) setLogging(cmd *cobra.Command) error {
	cfg.log.SetOutput(cmd.ErrOrStderr())
	cfg.log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if cfg.GetBool("verbose") {
		cfg.log.SetLevel(logrus.DebugLevel)
		return nil
	}
	level, err := logrus.ParseLevel(cfg.GetString("log_level"))
	if err != nil {
		return fmt.Errorf("wrftamer: %v", err)
	}
	cfg.log.SetLevel(level)
	return nil
}

// getenv looks up the WRFtamer path variables in the configuration
// before the environment.
func (cfg *Cfg) getenv(key string) string {
	if strings.HasPrefix(key, "WRFTAMER_") {
		name := strings.ToLower(strings.TrimPrefix(key, "WRFTAMER_"))
		if cfg.IsSet(name) {
			return cfg.GetString(name)
		}
	}
	return os.Getenv(key)
}

// Paths returns the WRFtamer directories selected by the configuration.
func (cfg *Cfg) Paths() (*wrftamer.Paths, error) {
	return wrftamer.ResolvePaths(cfg.getenv)
}

// tamer opens the database and returns a Tamer using it. The returned
// function closes the database.
func (cfg *Cfg) tamer(ctx context.Context) (*wrftamer.Tamer, func(), error) {
	p, err := cfg.Paths()
	if err != nil {
		return nil, nil, err
	}
	s, err := store.Open(ctx, p.DatabasePath())
	if err != nil {
		return nil, nil, err
	}
	t := wrftamer.New(p, s)
	t.Force = cfg.GetBool("force")
	t.Log = cfg.log
	if a, ok := t.Bucket.(*cloud.Archive); ok {
		a.Log = cfg.log
	}
	if l, ok := t.Runner.(*runner.Local); ok {
		l.Log = cfg.log
	}
	if b, ok := t.Batch.(*runner.Slurm); ok {
		b.Log = cfg.log
	}
	closer := func() {
		if err := s.Close(); err != nil {
			cfg.log.Errorf("closing database: %v", err)
		}
	}
	return t, closer, nil
}

// project returns the project selected with --project.
// "unassigned" selects experiments without a project.
func (cfg *Cfg) project() string {
	p := cfg.GetString("project")
	if p == wrftamer.Unassigned {
		return ""
	}
	return p
}

// confirm asks the user to confirm an action unless --yes is set.
func (cfg *Cfg) confirm(cmd *cobra.Command, question string) bool {
	if cfg.GetBool("yes") {
		return true
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s [y/N] ", question)
	answer, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && answer == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	}
	return false
}
