package cmd

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var (
	configForce  bool
	configGlobal bool
)

// configDirFunc returns the user config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "laraforge"), nil
}

func userConfigPath() (string, error) {
	dir, err := configDirFunc()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage laraforge configuration.

Settings are read from ~/.config/laraforge/config.yaml, then from the
project's .laraforge/config.yaml, then from LARAFORGE_* environment
variables (for example LARAFORGE_GIT_TIMEOUT). A .env file in the project
root is loaded first.

Running bare 'laraforge config' is the same as 'laraforge config show'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config file with commented defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configInitRun()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration with sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config file in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configEditRun()
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite existing config file")
	configCmd.PersistentFlags().BoolVarP(&configGlobal, "global", "g", false, "Use the user config file instead of the project one")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	rootCmd.AddCommand(configCmd)
}

// configTemplate is the template for generating config.yaml with comments.
const configTemplate = `# laraforge configuration
# See: laraforge config show (for effective values and sources)

# Directory for session state, history and logs, relative to the repository
# root (default: .laraforge)
# control_dir: {{ .ControlDir }}

worktrees:
  # Where worktrees are created (default: <repo>.worktrees next to the repository)
  dir: "{{ .WorktreesDir }}"

  # Branch merges go into when --target is not given (default: the branch
  # the worktree was created from, then main/master)
  default_target: "{{ .DefaultTarget }}"

git:
  # Time limit for git commands
  timeout: {{ .GitTimeout }}

  # Time limit for git merge
  merge_timeout: {{ .MergeTimeout }}

sessions:
  # Sessions idle longer than this are treated as abandoned
  stale_after: {{ .StaleAfter }}

state:
  # How long to wait for another laraforge process to release a state file
  lock_timeout: {{ .LockTimeout }}

cleanup:
  # 'worktree cleanup' removes finished sessions idle for more than this many days
  older_than_days: {{ .CleanupDays }}

history:
  # Record worktree lifecycle events in history.db
  enabled: {{ .HistoryEnabled }}

merge:
  # Write merge commit messages with Claude (needs anthropic.api_key or ANTHROPIC_API_KEY)
  ai_message: {{ .AIMessage }}

anthropic:
  # api_key: sk-ant-...
  model: "{{ .AnthropicModel }}"
`

type configTemplateData struct {
	ControlDir     string
	WorktreesDir   string
	DefaultTarget  string
	GitTimeout     string
	MergeTimeout   string
	StaleAfter     string
	LockTimeout    string
	CleanupDays    int
	HistoryEnabled bool
	AIMessage      bool
	AnthropicModel string
}

// configFilePath is the file init and edit act on.
func configFilePath() (string, error) {
	if configGlobal {
		return userConfigPath()
	}
	return projectConfigPath(), nil
}

func configInitRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if file already exists
	if _, err := os.Stat(cfgPath); err == nil {
		if !configForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", cfgPath)
		}
		ui.Warning("Overwriting existing config file")
	}

	// Build template data from current viper values
	data := configTemplateData{
		ControlDir:     viper.GetString("control_dir"),
		WorktreesDir:   viper.GetString("worktrees.dir"),
		DefaultTarget:  viper.GetString("worktrees.default_target"),
		GitTimeout:     viper.GetDuration("git.timeout").String(),
		MergeTimeout:   viper.GetDuration("git.merge_timeout").String(),
		StaleAfter:     viper.GetDuration("sessions.stale_after").String(),
		LockTimeout:    viper.GetDuration("state.lock_timeout").String(),
		CleanupDays:    viper.GetInt("cleanup.older_than_days"),
		HistoryEnabled: viper.GetBool("history.enabled"),
		AIMessage:      viper.GetBool("merge.ai_message"),
		AnthropicModel: viper.GetString("anthropic.model"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("template parse error: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("template execute error: %w", err)
	}

	if dryRun {
		ui.DryRunMsg("Would create config file: %s", cfgPath)
		fmt.Fprintln(ui.Out)
		fmt.Fprint(ui.Out, buf.String())
		return nil
	}

	// Create config directory
	dir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(cfgPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	ui.Success("Config file created: %s", cfgPath)
	fmt.Fprintln(ui.Out)
	fmt.Fprint(ui.Out, buf.String())
	return nil
}

// configKeys lists the keys shown by config show.
var configKeys = []string{
	"control_dir",
	"worktrees.dir",
	"worktrees.default_target",
	"git.timeout",
	"git.merge_timeout",
	"sessions.stale_after",
	"state.lock_timeout",
	"cleanup.older_than_days",
	"history.enabled",
	"merge.ai_message",
	"anthropic.api_key",
	"anthropic.model",
}

// envVarFor maps a config key to its LARAFORGE_* environment variable.
func envVarFor(key string) string {
	return "LARAFORGE_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func configShowRun() error {
	userPath, err := userConfigPath()
	if err != nil {
		return err
	}
	projectPath := projectConfigPath()

	for _, f := range []struct{ label, path string }{{"User config", userPath}, {"Project config", projectPath}} {
		if _, err := os.Stat(f.path); err == nil {
			ui.Info("%s: %s", f.label, f.path)
		} else {
			ui.Info("%s: (none)", f.label)
		}
	}
	fmt.Fprintln(ui.Out)

	// Read config file values to determine file source
	userValues := readConfigFileValues(userPath)
	projectValues := readConfigFileValues(projectPath)

	for _, key := range configKeys {
		val := viper.Get(key)
		if key == "anthropic.api_key" && viper.GetString(key) != "" {
			val = "********"
		}
		source := detectSource(key, envVarFor(key), projectValues, userValues)
		fmt.Fprintf(ui.Out, "  %-26s %v  %s\n", key, val, source)
	}

	return nil
}

// readConfigFileValues reads the raw YAML file and returns a flat map of keys present in it.
func readConfigFileValues(path string) map[string]bool {
	result := make(map[string]bool)

	data, err := os.ReadFile(path)
	if err != nil {
		return result
	}

	var parsed map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return result
	}

	// Flatten nested keys with dot notation
	flattenKeys("", parsed, result)
	return result
}

// flattenKeys recursively flattens a nested map to dot-notation keys.
func flattenKeys(prefix string, m map[string]any, result map[string]bool) {
	for key, val := range m {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			flattenKeys(fullKey, nested, result)
		} else {
			result[fullKey] = true
		}
	}
}

// detectSource determines where a config value is coming from.
func detectSource(key, envVar string, projectValues, userValues map[string]bool) string {
	if _, ok := os.LookupEnv(envVar); ok {
		return fmt.Sprintf("(env: %s)", envVar)
	}
	if projectValues[key] {
		return "(project file)"
	}
	if userValues[key] {
		return "(user file)"
	}
	return "(default)"
}

func configEditRun() error {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		return fmt.Errorf("$EDITOR is not set; set it to your preferred editor (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'laraforge config init' first)", cfgPath)
	}

	if dryRun {
		ui.DryRunMsg("Would open %s in %s", cfgPath, editor)
		return nil
	}

	editCmd := exec.Command(editor, cfgPath)
	editCmd.Stdin = os.Stdin
	editCmd.Stdout = os.Stdout
	editCmd.Stderr = os.Stderr
	return editCmd.Run()
}
