package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// configKeys lists every key the CLI understands with its description.
var configKeys = map[string]string{
	"sealkv.secret":               "Encryption secret (prefer the SEALKV_SECRET environment variable)",
	"sealkv.store_type":           "Storage backend type (local, session, sqlite, s3)",
	"sealkv.base_path":            "Base directory of the local store",
	"sealkv.namespace":            "Storage namespace",
	"sealkv.ttl":                  "Envelope lifetime, e.g. 24h (0 = never expire)",
	"sealkv.fallback":             "Fallback cipher when the strong cipher is unavailable (xor, none)",
	"sealkv.algorithm":            "Strong cipher for new writes (aes-256-gcm, chacha20-poly1305)",
	"sealkv.lock_memory":          "Lock process memory to keep secrets out of swap",
	"sealkv.verbose":              "Log engine activity to stderr",
	"sealkv.sqlite.path":          "SQLite database file",
	"sealkv.sqlite.pool_size":     "SQLite connection pool size",
	"sealkv.s3.endpoint":          "S3 endpoint URL",
	"sealkv.s3.bucket":            "S3 bucket name",
	"sealkv.s3.region":            "S3 region",
	"sealkv.s3.prefix":            "S3 key prefix",
	"sealkv.s3.use_ssl":           "Use SSL for S3 connections",
	"sealkv.s3.access_key_id":     "S3 access key ID",
	"sealkv.s3.secret_access_key": "S3 secret access key",
	"audit.enabled":               "Enable audit logging",
	"audit.type":                  "Audit logger type (file, syslog)",
	"audit.options.file_path":     "Audit log file path",
	"audit.options.max_size":      "Audit log size in MB before rotation",
	"audit.options.max_backups":   "Rotated audit logs to keep",
	"audit.log_level":             "Audit log level",
}

// cliConfig is the validated shape of the configuration.
type cliConfig struct {
	StoreType string        `mapstructure:"store_type" validate:"oneof=local session sqlite s3"`
	BasePath  string        `mapstructure:"base_path" validate:"required_if=StoreType local"`
	Namespace string        `mapstructure:"namespace" validate:"required,max=100,excludesall=/\\"`
	TTL       time.Duration `mapstructure:"ttl" validate:"gte=0"`
	Fallback  string        `mapstructure:"fallback" validate:"oneof=xor none"`
	Algorithm string        `mapstructure:"algorithm" validate:"oneof=aes-256-gcm chacha20-poly1305"`
	SQLite    struct {
		Path     string `mapstructure:"path"`
		PoolSize int    `mapstructure:"pool_size" validate:"gte=0"`
	} `mapstructure:"sqlite"`
	S3 struct {
		Endpoint string `mapstructure:"endpoint"`
		Bucket   string `mapstructure:"bucket"`
	} `mapstructure:"s3"`
}

type auditConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Type    string `mapstructure:"type" validate:"omitempty,oneof=file syslog"`
	Options struct {
		FilePath string `mapstructure:"file_path"`
	} `mapstructure:"options"`
}

var configValidator = validator.New()

func getConfigFilePath(global bool) string {
	if global {
		return "/etc/sealkv/config.yaml"
	}
	if cfgFile != "" {
		return cfgFile
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".sealkv.yaml")
}

func ensureConfigDir(configFile string) error {
	return os.MkdirAll(filepath.Dir(configFile), 0700)
}

func isValidConfigKey(key string) bool {
	_, ok := configKeys[key]
	return ok
}

func convertStringValue(value string) interface{} {
	if value == "true" || value == "false" {
		return value == "true"
	}
	if strings.Contains(value, ".") {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	} else if i, err := strconv.Atoi(value); err == nil {
		return i
	}
	return value
}

func unsetNestedKey(config map[string]interface{}, key string) error {
	parts := strings.Split(key, ".")

	current := config
	for i, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]interface{})
		if !ok {
			return fmt.Errorf("key path not found at %s", strings.Join(parts[:i+1], "."))
		}
		current = next
	}

	delete(current, parts[len(parts)-1])
	return nil
}

func getConfigTemplate(template string) map[string]interface{} {
	switch template {
	case "minimal":
		return map[string]interface{}{
			"sealkv": map[string]interface{}{
				"store_type": "local",
				"base_path":  ".sealkv",
				"namespace":  "default",
			},
		}
	case "full":
		return map[string]interface{}{
			"sealkv": map[string]interface{}{
				"store_type": "local",
				"base_path":  ".sealkv",
				"namespace":  "default",
				"ttl":        "0s",
				"fallback":   "xor",
				"algorithm":  "aes-256-gcm",
				"sqlite": map[string]interface{}{
					"path":      "sealkv.db",
					"pool_size": 0,
				},
				"s3": map[string]interface{}{
					"endpoint": "",
					"bucket":   "",
					"region":   "us-east-1",
					"prefix":   "sealkv/",
					"use_ssl":  true,
				},
			},
			"audit": map[string]interface{}{
				"enabled": false,
				"type":    "file",
				"options": map[string]interface{}{
					"file_path":   "audit.log",
					"max_size":    100,
					"max_backups": 5,
				},
			},
		}
	default:
		return map[string]interface{}{
			"sealkv": map[string]interface{}{
				"store_type": "local",
				"base_path":  ".sealkv",
				"namespace":  "default",
				"fallback":   "xor",
			},
			"audit": map[string]interface{}{
				"enabled": false,
				"type":    "file",
				"options": map[string]interface{}{
					"file_path": "audit.log",
				},
			},
		}
	}
}

// validateConfiguration checks the effective configuration and returns one
// message per problem.
func validateConfiguration() []string {
	var problems []string

	var cfg cliConfig
	if err := viper.UnmarshalKey("sealkv", &cfg); err != nil {
		return []string{fmt.Sprintf("cannot read sealkv settings: %v", err)}
	}
	problems = append(problems, validationMessages("sealkv", configValidator.Struct(cfg))...)

	switch cfg.StoreType {
	case "s3":
		if cfg.S3.Endpoint == "" {
			problems = append(problems, "S3 endpoint is required when using S3 store")
		}
		if cfg.S3.Bucket == "" {
			problems = append(problems, "S3 bucket is required when using S3 store")
		}
	case "sqlite":
		if cfg.SQLite.Path == "" {
			problems = append(problems, "SQLite path is required when using SQLite store")
		}
	}

	var auditCfg auditConfig
	if err := viper.UnmarshalKey("audit", &auditCfg); err != nil {
		return append(problems, fmt.Sprintf("cannot read audit settings: %v", err))
	}
	if auditCfg.Enabled {
		problems = append(problems, validationMessages("audit", configValidator.Struct(auditCfg))...)
		if auditCfg.Type == "file" && auditCfg.Options.FilePath == "" {
			problems = append(problems, "audit file path is required when using file audit")
		}
	}

	return problems
}

func validationMessages(prefix string, err error) []string {
	if err == nil {
		return nil
	}
	fieldErrors, ok := err.(validator.ValidationErrors)
	if !ok {
		return []string{err.Error()}
	}

	messages := make([]string, 0, len(fieldErrors))
	for _, fe := range fieldErrors {
		param := ""
		if fe.Param() != "" {
			param = "=" + fe.Param()
		}
		messages = append(messages, fmt.Sprintf("%s.%s: value %v fails %s%s",
			prefix, strings.ToLower(fe.Field()), fe.Value(), fe.Tag(), param))
	}
	return messages
}

func printConfigTable(out io.Writer) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "KEY\tVALUE\tSOURCE")
	fmt.Fprintln(w, "---\t-----\t------")

	var keys []string
	flattenKeys(viper.AllSettings(), "", &keys)
	sort.Strings(keys)

	for _, key := range keys {
		value := viper.Get(key)
		source := "default"
		if viper.ConfigFileUsed() != "" {
			source = filepath.Base(viper.ConfigFileUsed())
		}

		envKey := "SEALKV_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if os.Getenv(envKey) != "" {
			source = "environment"
		}

		if isSensitiveConfigKey(key) {
			value = "[REDACTED]"
		}
		fmt.Fprintf(w, "%s\t%v\t%s\n", key, value, source)
	}
	return nil
}

func printConfigJSON(out io.Writer) error {
	config := viper.AllSettings()
	maskSensitiveValues(config)

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config to JSON: %w", err)
	}
	fmt.Fprintln(out, string(data))
	return nil
}

func printConfigYAML(out io.Writer) error {
	config := viper.AllSettings()
	maskSensitiveValues(config)

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}
	fmt.Fprint(out, string(data))
	return nil
}

func printConfigKeys(out io.Writer, format string) error {
	switch format {
	case "yaml":
		data, err := yaml.Marshal(configKeys)
		if err != nil {
			return fmt.Errorf("failed to marshal keys to YAML: %w", err)
		}
		fmt.Fprint(out, string(data))
		return nil
	case "json":
		return writeJSON(out, configKeys)
	case "table":
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "KEY\tDESCRIPTION")
		fmt.Fprintln(w, "---\t-----------")

		sortedKeys := make([]string, 0, len(configKeys))
		for key := range configKeys {
			sortedKeys = append(sortedKeys, key)
		}
		sort.Strings(sortedKeys)
		for _, key := range sortedKeys {
			fmt.Fprintf(w, "%s\t%s\n", key, configKeys[key])
		}
		return w.Flush()
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}

// flattenKeys recursively flattens nested maps into dot-notation keys
func flattenKeys(m map[string]interface{}, prefix string, keys *[]string) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}

		if nested, ok := v.(map[string]interface{}); ok {
			flattenKeys(nested, key, keys)
		} else {
			*keys = append(*keys, key)
		}
	}
}

func isSensitiveConfigKey(key string) bool {
	lowerKey := strings.ToLower(key)
	if strings.HasSuffix(lowerKey, "secret") || strings.HasSuffix(lowerKey, "secret_access_key") {
		return true
	}
	for _, sensitive := range []string{"password", "token", "access_key_id"} {
		if strings.Contains(lowerKey, sensitive) {
			return true
		}
	}
	return false
}

// maskSensitiveValues recursively masks sensitive values in configuration
func maskSensitiveValues(config map[string]interface{}) {
	for key, value := range config {
		if isSensitiveConfigKey(key) {
			config[key] = "[REDACTED]"
		} else if nested, ok := value.(map[string]interface{}); ok {
			maskSensitiveValues(nested)
		}
	}
}

// validateConfigValue rejects values that would make the store unusable.
func validateConfigValue(key string, value interface{}) error {
	str, _ := value.(string)
	switch key {
	case "sealkv.store_type":
		return configValidator.Var(str, "oneof=local session sqlite s3")
	case "sealkv.fallback":
		return configValidator.Var(str, "oneof=xor none")
	case "sealkv.algorithm":
		return configValidator.Var(str, "oneof=aes-256-gcm chacha20-poly1305")
	case "sealkv.namespace":
		return configValidator.Var(str, "required,max=100,excludesall=/\\")
	case "sealkv.ttl":
		if _, ok := value.(int); ok {
			return fmt.Errorf("ttl needs a unit, e.g. 30m or 24h")
		}
		if _, err := time.ParseDuration(str); err != nil {
			return fmt.Errorf("invalid ttl: %w", err)
		}
	case "audit.type":
		return configValidator.Var(str, "oneof=file syslog")
	}
	return nil
}

func readAllStdin() ([]byte, error) {
	return io.ReadAll(os.Stdin)
}
