package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/juju/loggo"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"southwinds.dev/sealkv"
	"southwinds.dev/sealkv/audit"
	"southwinds.dev/sealkv/persist"
)

var (
	cfgFile     string
	envFile     string
	manager     *sealkv.Manager
	auditLogger audit.Logger
	cliContext  *CLIContext

	// background save failures reported through Options.OnError
	asyncErrMu sync.Mutex
	asyncErrs  []error
)

type CLIContext struct {
	UserID    string
	SessionID string
	Source    string // hostname
	StartTime time.Time
}

var warn = color.New(color.FgYellow).FprintfFunc()

var rootCmd = &cobra.Command{
	Use:   "sealkv",
	Short: "Encrypted key-value envelopes on pluggable storage",
	Long: `sealkv stores JSON values under string keys so that the storage backend only
ever sees ciphertext. Values are sealed with AES-256-GCM or ChaCha20-Poly1305
under a key derived from your secret, wrapped in an envelope with an optional
expiry, and written to a local directory, SQLite, S3 or process memory.`,
	SilenceUsage:      true,
	PersistentPreRunE: initializeManager,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	err := rootCmd.Execute()
	if closeErr := closeManager(); err == nil {
		err = closeErr
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, formatError(err))
		os.Exit(1)
	}
}

// closeManager runs whether or not the command failed so pending audit events
// reach their sink.
func closeManager() error {
	if manager == nil {
		return nil
	}
	err := manager.Close()
	manager = nil
	return err
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.sealkv.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file to load before reading configuration (default .env if present)")
	rootCmd.PersistentFlags().String("secret", "", "encryption secret (or use SEALKV_SECRET env var)")
	rootCmd.PersistentFlags().StringP("store-type", "s", "", "storage backend type (local, session, sqlite, s3)")
	rootCmd.PersistentFlags().StringP("base-path", "p", "", "base directory of the local store")
	rootCmd.PersistentFlags().StringP("namespace", "n", "", "storage namespace")
	rootCmd.PersistentFlags().Duration("ttl", 0, "expire written envelopes after this duration (0 = never)")
	rootCmd.PersistentFlags().String("fallback", "", "fallback cipher when the strong cipher is unavailable (xor, none)")
	rootCmd.PersistentFlags().String("algorithm", "", "strong cipher for new writes (aes-256-gcm, chacha20-poly1305)")
	rootCmd.PersistentFlags().Bool("lock-memory", false, "lock process memory to keep secrets out of swap")
	rootCmd.PersistentFlags().Bool("verbose", false, "log engine activity to stderr")

	bindFlagOrPanic("sealkv.secret", "secret")
	bindFlagOrPanic("sealkv.store_type", "store-type")
	bindFlagOrPanic("sealkv.base_path", "base-path")
	bindFlagOrPanic("sealkv.namespace", "namespace")
	bindFlagOrPanic("sealkv.ttl", "ttl")
	bindFlagOrPanic("sealkv.fallback", "fallback")
	bindFlagOrPanic("sealkv.algorithm", "algorithm")
	bindFlagOrPanic("sealkv.lock_memory", "lock-memory")
	bindFlagOrPanic("sealkv.verbose", "verbose")

	rootCmd.PersistentFlags().String("sqlite-path", "", "SQLite database file")
	rootCmd.PersistentFlags().Int("sqlite-pool-size", 0, "SQLite connection pool size")

	bindFlagOrPanic("sealkv.sqlite.path", "sqlite-path")
	bindFlagOrPanic("sealkv.sqlite.pool_size", "sqlite-pool-size")

	rootCmd.PersistentFlags().Bool("audit", false, "enable audit logging")
	rootCmd.PersistentFlags().String("audit-type", "", "audit logger type (file, syslog)")
	rootCmd.PersistentFlags().String("audit-file", "", "audit log file path")

	bindFlagOrPanic("audit.enabled", "audit")
	bindFlagOrPanic("audit.type", "audit-type")
	bindFlagOrPanic("audit.options.file_path", "audit-file")

	rootCmd.PersistentFlags().String("s3-endpoint", "", "S3 endpoint URL")
	rootCmd.PersistentFlags().String("s3-region", "", "S3 region")
	rootCmd.PersistentFlags().String("s3-bucket", "", "S3 bucket name")
	rootCmd.PersistentFlags().String("s3-prefix", "", "S3 key prefix")
	rootCmd.PersistentFlags().String("s3-access-key", "", "S3 access key ID")
	rootCmd.PersistentFlags().String("s3-secret-key", "", "S3 secret access key")
	rootCmd.PersistentFlags().Bool("s3-use-ssl", true, "Use SSL for S3 connections")

	bindFlagOrPanic("sealkv.s3.endpoint", "s3-endpoint")
	bindFlagOrPanic("sealkv.s3.region", "s3-region")
	bindFlagOrPanic("sealkv.s3.bucket", "s3-bucket")
	bindFlagOrPanic("sealkv.s3.prefix", "s3-prefix")
	bindFlagOrPanic("sealkv.s3.access_key_id", "s3-access-key")
	bindFlagOrPanic("sealkv.s3.secret_access_key", "s3-secret-key")
	bindFlagOrPanic("sealkv.s3.use_ssl", "s3-use-ssl")
}

func bindFlagOrPanic(configKey, flagName string) {
	if err := viper.BindPFlag(configKey, rootCmd.PersistentFlags().Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("failed to bind %s flag: %v", flagName, err))
	}
}

func initConfig() {
	loadEnvFile()
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/sealkv")

		viper.SetConfigType("yaml")
		viper.SetConfigName(".sealkv")
	}

	viper.SetEnvPrefix("SEALKV")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
		}
	} else if os.Getenv("DEBUG") == "true" {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

// loadEnvFile loads dotenv variables without overriding the real environment.
func loadEnvFile() {
	path := envFile
	if path == "" {
		path = ".env"
		if _, err := os.Stat(path); err != nil {
			return
		}
	}
	if err := godotenv.Load(path); err != nil {
		warn(os.Stderr, "Warning: cannot load %s: %v\n", path, err)
	}
}

func setDefaults() {
	viper.SetDefault("sealkv.store_type", string(persist.StoreTypeLocal))
	viper.SetDefault("sealkv.base_path", ".sealkv")
	viper.SetDefault("sealkv.namespace", "default")
	viper.SetDefault("sealkv.fallback", string(sealkv.FallbackXOR))
	viper.SetDefault("sealkv.algorithm", string(sealkv.AES256GCM))

	viper.SetDefault("sealkv.sqlite.path", "sealkv.db")

	viper.SetDefault("sealkv.s3.region", "us-east-1")
	viper.SetDefault("sealkv.s3.prefix", "sealkv/")
	viper.SetDefault("sealkv.s3.use_ssl", true)

	viper.SetDefault("audit.enabled", false)
	viper.SetDefault("audit.type", "file")
	viper.SetDefault("audit.options.max_size", 100)
	viper.SetDefault("audit.options.max_backups", 5)
	viper.SetDefault("audit.log_level", "info")

	// resolved against the base path in initializeManager
	viper.SetDefault("audit.options.file_path", "audit.log")
}

func skipsManager(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		switch c.Name() {
		case "help", "completion", "__complete", "config", "debug-config":
			return true
		}
	}
	return false
}

func initializeManager(cmd *cobra.Command, args []string) error {
	if skipsManager(cmd) {
		return nil
	}
	reportedErrors()

	if viper.GetBool("sealkv.verbose") {
		loggo.GetLogger("sealkv").SetLogLevel(loggo.DEBUG)
	} else {
		loggo.GetLogger("sealkv").SetLogLevel(loggo.ERROR)
	}

	basePath := viper.GetString("sealkv.base_path")
	if viper.GetString("audit.options.file_path") == "audit.log" {
		viper.Set("audit.options.file_path", filepath.Join(basePath, "audit.log"))
	}

	cliContext = &CLIContext{
		UserID:    getCurrentUser(),
		SessionID: uuid.New().String(),
		Source:    getHostname(),
		StartTime: time.Now(),
	}

	var err error
	auditLogger, err = createAuditLogger()
	if err != nil {
		return fmt.Errorf("failed to create audit logger: %w", err)
	}

	storeConfig, err := createStoreConfig(viper.GetString("sealkv.store_type"))
	if err != nil {
		return err
	}

	manager, err = sealkv.NewManagerWithStoreConfig(baseOptions(), storeConfig, viper.GetString("sealkv.namespace"), auditLogger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	return nil
}

func baseOptions() sealkv.Options {
	return sealkv.Options{
		Secret: viper.GetString("sealkv.secret"),
		DefaultSecret: func() string {
			return os.Getenv("SEALKV_SECRET")
		},
		TTL:              viper.GetDuration("sealkv.ttl"),
		Fallback:         sealkv.FallbackMode(viper.GetString("sealkv.fallback")),
		Algorithm:        sealkv.Algorithm(viper.GetString("sealkv.algorithm")),
		EnableMemoryLock: viper.GetBool("sealkv.lock_memory"),
		OnFallback: func(event sealkv.FallbackEvent) {
			warn(os.Stderr, "Warning: %s of %q used the insecure XOR cipher: %v\n", event.Operation, event.Key, event.Cause)
		},
		OnError: func(err error) {
			asyncErrMu.Lock()
			asyncErrs = append(asyncErrs, err)
			asyncErrMu.Unlock()
		},
	}
}

// reportedErrors drains the errors collected through Options.OnError.
func reportedErrors() []error {
	asyncErrMu.Lock()
	defer asyncErrMu.Unlock()
	errs := asyncErrs
	asyncErrs = nil
	return errs
}

func createAuditLogger() (audit.Logger, error) {
	return audit.NewLogger(&audit.Config{
		Enabled:   viper.GetBool("audit.enabled"),
		Namespace: viper.GetString("sealkv.namespace"),
		Type:      audit.ConfigType(viper.GetString("audit.type")),
		Options: map[string]interface{}{
			"file_path":   viper.GetString("audit.options.file_path"),
			"max_size":    viper.GetInt("audit.options.max_size"),
			"max_backups": viper.GetInt("audit.options.max_backups"),
		},
		LogLevel: viper.GetString("audit.log_level"),
	})
}

func createStoreConfig(storeType string) (persist.StoreConfig, error) {
	switch persist.StoreType(strings.ToLower(storeType)) {
	case persist.StoreTypeLocal:
		basePath := viper.GetString("sealkv.base_path")
		if err := os.MkdirAll(basePath, 0700); err != nil {
			return persist.StoreConfig{}, fmt.Errorf("failed to create base directory: %w", err)
		}
		return persist.StoreConfig{
			Type:   persist.StoreTypeLocal,
			Config: map[string]interface{}{"base_path": basePath},
		}, nil

	case persist.StoreTypeSession:
		return persist.StoreConfig{Type: persist.StoreTypeSession}, nil

	case persist.StoreTypeSQLite:
		return persist.StoreConfig{
			Type: persist.StoreTypeSQLite,
			Config: map[string]interface{}{
				"path":      viper.GetString("sealkv.sqlite.path"),
				"pool_size": viper.GetInt("sealkv.sqlite.pool_size"),
			},
		}, nil

	case persist.StoreTypeS3:
		s3Config := persist.S3Config{
			Endpoint:        viper.GetString("sealkv.s3.endpoint"),
			AccessKeyID:     viper.GetString("sealkv.s3.access_key_id"),
			SecretAccessKey: viper.GetString("sealkv.s3.secret_access_key"),
			Bucket:          viper.GetString("sealkv.s3.bucket"),
			KeyPrefix:       viper.GetString("sealkv.s3.prefix"),
			UseSSL:          viper.GetBool("sealkv.s3.use_ssl"),
			Region:          viper.GetString("sealkv.s3.region"),
		}
		if err := validateS3Config(s3Config); err != nil {
			return persist.StoreConfig{}, fmt.Errorf("invalid S3 configuration: %w", err)
		}
		return persist.StoreConfig{
			Type: persist.StoreTypeS3,
			Config: map[string]interface{}{
				"endpoint":          s3Config.Endpoint,
				"access_key_id":     s3Config.AccessKeyID,
				"secret_access_key": s3Config.SecretAccessKey,
				"bucket":            s3Config.Bucket,
				"key_prefix":        s3Config.KeyPrefix,
				"use_ssl":           s3Config.UseSSL,
				"region":            s3Config.Region,
			},
		}, nil

	default:
		return persist.StoreConfig{}, fmt.Errorf("unsupported store type: %s. Supported types: local, session, sqlite, s3", storeType)
	}
}

func validateS3Config(config persist.S3Config) error {
	var missing []string

	if config.Endpoint == "" {
		missing = append(missing, "sealkv.s3.endpoint")
	}
	if config.Bucket == "" {
		missing = append(missing, "sealkv.s3.bucket")
	}

	hasAccessKey := config.AccessKeyID != ""
	hasSecretKey := config.SecretAccessKey != ""

	if hasAccessKey && !hasSecretKey {
		missing = append(missing, "sealkv.s3.secret_access_key")
	}
	if !hasAccessKey && hasSecretKey {
		missing = append(missing, "sealkv.s3.access_key_id")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

// getStoreConfigSummary describes the configured store without credentials.
func getStoreConfigSummary(storeType string) string {
	switch persist.StoreType(strings.ToLower(storeType)) {
	case persist.StoreTypeLocal:
		return fmt.Sprintf("Local store: base_path=%s", viper.GetString("sealkv.base_path"))
	case persist.StoreTypeSession:
		return "Session store: process memory, discarded on exit"
	case persist.StoreTypeSQLite:
		return fmt.Sprintf("SQLite store: path=%s", viper.GetString("sealkv.sqlite.path"))
	case persist.StoreTypeS3:
		return fmt.Sprintf("S3 store: endpoint=%s, bucket=%s, prefix=%s",
			viper.GetString("sealkv.s3.endpoint"),
			viper.GetString("sealkv.s3.bucket"),
			viper.GetString("sealkv.s3.prefix"))
	default:
		return fmt.Sprintf("Unknown store type: %s", storeType)
	}
}

func isSensitiveFlag(name string) bool {
	sensitive := []string{"secret", "password", "access-key", "access_key", "token"}
	lower := strings.ToLower(name)
	for _, s := range sensitive {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// getCurrentUser returns "unknown_user" if the user cannot be determined.
func getCurrentUser() string {
	currentUser, err := user.Current()
	if err != nil {
		if envUser := os.Getenv("USER"); envUser != "" {
			return envUser
		}
		return "unknown_user"
	}
	return currentUser.Username
}

func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown_host"
	}
	return hostname
}

var debugConfigCmd = &cobra.Command{
	Use:   "debug-config",
	Short: "Show current configuration values",
	Long:  "Display the current configuration values read from files, environment variables, and defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Configuration Debug Information\n")
		fmt.Fprintf(out, "==============================\n\n")

		if viper.ConfigFileUsed() != "" {
			fmt.Fprintf(out, "Config file: %s\n", viper.ConfigFileUsed())
		} else {
			fmt.Fprintf(out, "Config file: none found\n")
		}

		fmt.Fprintf(out, "\nEnvironment Variables (SEALKV_* prefix):\n")
		for _, env := range os.Environ() {
			if strings.HasPrefix(env, "SEALKV_") {
				parts := strings.SplitN(env, "=", 2)
				if len(parts) == 2 {
					if isSensitiveFlag(parts[0]) {
						fmt.Fprintf(out, "  %s=***REDACTED***\n", parts[0])
					} else {
						fmt.Fprintf(out, "  %s=%s\n", parts[0], parts[1])
					}
				}
			}
		}

		storeType := viper.GetString("sealkv.store_type")
		fmt.Fprintf(out, "\nCurrent Configuration:\n")
		fmt.Fprintf(out, "  Store Type: %s\n", storeType)
		fmt.Fprintf(out, "  Namespace: %s\n", viper.GetString("sealkv.namespace"))
		fmt.Fprintf(out, "  Algorithm: %s\n", viper.GetString("sealkv.algorithm"))
		fmt.Fprintf(out, "  Fallback: %s\n", viper.GetString("sealkv.fallback"))
		fmt.Fprintf(out, "  TTL: %s\n", viper.GetDuration("sealkv.ttl"))
		fmt.Fprintf(out, "  Secret: %s\n", setOrNot(viper.GetString("sealkv.secret") != "" || os.Getenv("SEALKV_SECRET") != ""))

		fmt.Fprintf(out, "\nAudit Configuration:\n")
		fmt.Fprintf(out, "  Enabled: %v\n", viper.GetBool("audit.enabled"))
		fmt.Fprintf(out, "  Type: %s\n", viper.GetString("audit.type"))
		fmt.Fprintf(out, "  File Path: %s\n", viper.GetString("audit.options.file_path"))

		if persist.StoreType(strings.ToLower(storeType)) == persist.StoreTypeS3 {
			fmt.Fprintf(out, "\nS3 Configuration:\n")
			fmt.Fprintf(out, "  Endpoint: %s\n", viper.GetString("sealkv.s3.endpoint"))
			fmt.Fprintf(out, "  Region: %s\n", viper.GetString("sealkv.s3.region"))
			fmt.Fprintf(out, "  Bucket: %s\n", viper.GetString("sealkv.s3.bucket"))
			fmt.Fprintf(out, "  Prefix: %s\n", viper.GetString("sealkv.s3.prefix"))
			fmt.Fprintf(out, "  Use SSL: %v\n", viper.GetBool("sealkv.s3.use_ssl"))
			fmt.Fprintf(out, "  Access Key: %s\n", setOrNot(viper.GetString("sealkv.s3.access_key_id") != ""))
			fmt.Fprintf(out, "  Secret Key: %s\n", setOrNot(viper.GetString("sealkv.s3.secret_access_key") != ""))
		}

		fmt.Fprintf(out, "\nStore Configuration Summary:\n")
		fmt.Fprintf(out, "  %s\n", getStoreConfigSummary(storeType))
		return nil
	},
}

func setOrNot(set bool) string {
	if set {
		return "***SET***"
	}
	return "***NOT SET***"
}

func init() {
	rootCmd.AddCommand(debugConfigCmd)
}

func auditCmdStart(cmd *cobra.Command, args []string) time.Time {
	now := time.Now()
	err := auditLogger.Log("command_start", true, map[string]interface{}{
		"command":    cmd.CommandPath(),
		"args":       sanitizeArgs(args),
		"flags":      sanitizeFlags(cmd),
		"user_id":    cliContext.UserID,
		"session_id": cliContext.SessionID,
		"source":     cliContext.Source,
	})
	if err != nil {
		warn(os.Stderr, "Warning: audit: %v\n", err)
	}
	return now
}

func auditCmdComplete(cmd *cobra.Command, err error, startedTime time.Time) error {
	if auditLogger != nil {
		_ = auditLogger.Log("command_complete", err == nil, map[string]interface{}{
			"command":     cmd.CommandPath(),
			"duration_ms": time.Since(startedTime).Milliseconds(),
			"error":       formatError(err),
			"user_id":     cliContext.UserID,
			"session_id":  cliContext.SessionID,
		})
	}
	return err
}

func formatError(err error) string {
	if err == nil {
		return ""
	}

	var messages []string
	for err != nil {
		messages = append(messages, err.Error())
		err = errors.Unwrap(err)
	}

	if len(messages) > 1 {
		uniqueMessages := make([]string, 0, len(messages))
		seen := make(map[string]bool)
		for _, msg := range messages {
			if !seen[msg] {
				uniqueMessages = append(uniqueMessages, msg)
				seen[msg] = true
			}
		}
		if len(uniqueMessages) > 1 {
			return fmt.Sprintf("Error: %s (caused by: %s)",
				uniqueMessages[0],
				strings.Join(uniqueMessages[1:], " -> "))
		}
	}

	message := messages[0]
	if len(message) > 0 {
		first := string(message[0])
		if first != strings.ToUpper(first) {
			message = strings.ToUpper(first) + message[1:]
		}
	}
	return fmt.Sprintf("Error: %s", message)
}

func sanitizeFlags(cmd *cobra.Command) map[string]interface{} {
	flags := make(map[string]interface{})
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		if flag.Changed {
			if isSensitiveFlag(flag.Name) {
				flags[flag.Name] = "[REDACTED]"
			} else {
				flags[flag.Name] = flag.Value.String()
			}
		}
	})
	return flags
}

// sanitizeArgs keeps the storage key and redacts everything after it, which
// may be a plaintext value or a secret.
func sanitizeArgs(args []string) []string {
	sanitized := make([]string, len(args))
	for i, arg := range args {
		if i == 0 {
			sanitized[i] = arg
		} else {
			sanitized[i] = "[REDACTED]"
		}
	}
	return sanitized
}
