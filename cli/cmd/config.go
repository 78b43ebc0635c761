package cmd

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage sealkv configuration",
	Long:  `Manage sealkv configuration including viewing, setting, and validating settings.`,
}

var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "View current configuration",
	Long:  `Display the current configuration from all sources (config file, environment variables, flags). Secrets are redacted.`,
	RunE:  runConfigView,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  `Set a configuration value in the config file. The key uses dot notation (e.g., sealkv.store_type).`,
	Args:  cobra.ExactArgs(2),
	RunE:  runConfigSet,
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a configuration value",
	Long:  `Get a configuration value. The key uses dot notation (e.g., sealkv.store_type).`,
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigGet,
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a configuration value",
	Long:  `Remove a configuration value from the config file. The key uses dot notation.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigUnset,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new configuration file",
	Long:  `Create a new configuration file with default values.`,
	RunE:  runConfigInit,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration",
	Long:  `Validate the current configuration for correctness and completeness.`,
	RunE:  runConfigValidate,
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all configuration keys",
	Long:  `List all available configuration keys with their descriptions.`,
	RunE:  runConfigList,
}

var (
	configForce    bool
	configGlobal   bool
	configTemplate string
	configFormat   string
)

func init() {
	rootCmd.AddCommand(configCmd)

	configCmd.AddCommand(configViewCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configUnsetCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configListCmd)

	configViewCmd.Flags().StringVarP(&configFormat, "format", "f", "yaml", "output format (yaml, json, table)")

	configSetCmd.Flags().BoolVar(&configForce, "force", false, "force set value even if key is unknown")
	configSetCmd.Flags().BoolVar(&configGlobal, "global", false, "set in global configuration")

	configUnsetCmd.Flags().BoolVar(&configGlobal, "global", false, "unset in global configuration")

	configInitCmd.Flags().BoolVar(&configForce, "force", false, "overwrite existing config file")
	configInitCmd.Flags().BoolVar(&configGlobal, "global", false, "create the global configuration")
	configInitCmd.Flags().StringVar(&configTemplate, "template", "default", "configuration template (default, minimal, full)")

	configListCmd.Flags().StringVarP(&configFormat, "format", "f", "table", "output format (table, yaml, json)")
}

func runConfigView(cmd *cobra.Command, args []string) error {
	switch configFormat {
	case "json":
		return printConfigJSON(cmd.OutOrStdout())
	case "yaml":
		return printConfigYAML(cmd.OutOrStdout())
	case "table":
		return printConfigTable(cmd.OutOrStdout())
	default:
		return fmt.Errorf("unsupported format: %s", configFormat)
	}
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key := args[0]

	if !configForce && !isValidConfigKey(key) {
		return fmt.Errorf("unknown configuration key: %s (use --force to override)", key)
	}

	value := convertStringValue(args[1])
	if err := validateConfigValue(key, value); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	if isSensitiveConfigKey(key) {
		warn(os.Stderr, "Warning: %s is stored in plain text, prefer an environment variable\n", key)
	}

	viper.Set(key, value)

	configFile := getConfigFilePath(configGlobal)
	if err := ensureConfigDir(configFile); err != nil {
		return fmt.Errorf("failed to ensure config directory: %w", err)
	}
	if err := viper.WriteConfigAs(configFile); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := os.Chmod(configFile, 0600); err != nil {
		return fmt.Errorf("failed to restrict config file permissions: %w", err)
	}

	shown := value
	if isSensitiveConfigKey(key) {
		shown = "[REDACTED]"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %v\n", key, shown)
	fmt.Fprintf(cmd.OutOrStdout(), "Configuration saved to: %s\n", configFile)
	return nil
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	key := args[0]
	out := cmd.OutOrStdout()

	if !viper.IsSet(key) {
		return fmt.Errorf("configuration key not found: %s", key)
	}

	value := viper.Get(key)
	if isSensitiveConfigKey(key) {
		value = "[REDACTED]"
	}
	fmt.Fprintf(out, "%s = %v\n", key, value)

	if configFile := viper.ConfigFileUsed(); configFile != "" {
		fmt.Fprintf(out, "Source: %s\n", configFile)
	} else {
		fmt.Fprintln(out, "Source: defaults/environment/flags")
	}
	return nil
}

func runConfigUnset(cmd *cobra.Command, args []string) error {
	key := args[0]
	configFile := getConfigFilePath(configGlobal)

	data, err := os.ReadFile(configFile)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	config := make(map[string]interface{})
	if err := yaml.Unmarshal(data, &config); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := unsetNestedKey(config, key); err != nil {
		return fmt.Errorf("failed to unset key %s: %w", key, err)
	}

	data, err = yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(configFile, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Removed configuration key: %s\n", key)
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	configFile := getConfigFilePath(configGlobal)

	if _, err := os.Stat(configFile); err == nil && !configForce {
		return fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", configFile)
	}

	if err := ensureConfigDir(configFile); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(getConfigTemplate(configTemplate))
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(configFile, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Configuration file created: %s\n", configFile)
	fmt.Fprintf(cmd.OutOrStdout(), "Template used: %s\n", configTemplate)
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	problems := validateConfiguration()

	if len(problems) == 0 {
		fmt.Fprintln(out, color.GreenString("✓ Configuration is valid"))
		return nil
	}

	fmt.Fprintln(out, color.RedString("✗ Configuration validation failed:"))
	for _, problem := range problems {
		fmt.Fprintf(out, "  - %s\n", problem)
	}
	return fmt.Errorf("configuration validation failed with %d errors", len(problems))
}

func runConfigList(cmd *cobra.Command, args []string) error {
	return printConfigKeys(cmd.OutOrStdout(), configFormat)
}
