package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/lipgloss"
	"github.com/kforge-dev/kforge/pkg/config"
	"github.com/kforge-dev/kforge/pkg/version"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	cfg     config.Config
)

var rootCmd = &cobra.Command{
	Use:   "kforge",
	Short: "Kernel patch module builder",
	Long: `kforge - differential kernel patch module assembly

Builds a loadable patch module from a source-level kernel patch by
diffing the compiled objects of a pristine and a patched build.`,
	Version: version.Current,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.kforge.yaml)")
	rootCmd.PersistentFlags().StringVar(&cfg.Workspace, "workspace", "", "staging directory (default under user cache)")
	rootCmd.PersistentFlags().BoolVarP(&cfg.Verbose, "verbose", "v", false, "log to stderr as well as the run log")
	rootCmd.PersistentFlags().BoolVar(&cfg.JSONLogs, "json-logs", false, "JSON log records on stderr")
	rootCmd.PersistentFlags().StringVar(&cfg.OtelEndpoint, "otel-endpoint", "", "OTLP trace endpoint")

	rootCmd.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		renderHelp(cmd)
	})

	rootCmd.AddCommand(BuildCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.SetConfigFile(filepath.Join(home, ".kforge.yaml"))
			viper.SetConfigType("yaml")
		}
	}
	viper.SetEnvPrefix("KFORGE")
	viper.AutomaticEnv()
	// AutomaticEnv alone does not surface env values to Unmarshal; each
	// key has to be bound explicitly.
	for _, key := range config.Keys() {
		viper.BindEnv(key)
	}
	viper.ReadInConfig()

	var sources config.Config
	if err := viper.Unmarshal(&sources); err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		return
	}
	cfg.Merge(&sources)
}

func renderHelp(cmd *cobra.Command) {
	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#00AAFF")).
		MarginBottom(1)

	flagStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#AAAAAA"))

	fmt.Println(titleStyle.Render(fmt.Sprintf("KFORGE %s", version.Current)))
	fmt.Println(cmd.Long)

	fmt.Println(titleStyle.Render("USAGE"))
	fmt.Printf("  %s\n\n", cmd.UseLine())

	if len(cmd.Commands()) > 0 {
		fmt.Println(titleStyle.Render("COMMANDS"))
		for _, c := range cmd.Commands() {
			if c.IsAvailableCommand() {
				fmt.Printf("  %-12s %s\n", c.Name(), c.Short)
			}
		}
		fmt.Println("")
	}

	fmt.Println(titleStyle.Render("FLAGS"))
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if f.Hidden {
			return
		}
		output := fmt.Sprintf("  --%-22s %s", f.Name, f.Usage)
		if f.DefValue != "" && f.DefValue != "false" && f.DefValue != "0" {
			output += fmt.Sprintf(" (default %s)", f.DefValue)
		}
		fmt.Println(flagStyle.Render(output))
	})
	fmt.Println("")
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the kforge version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("%s %s\n", version.AppName, version.Current)
	},
}
