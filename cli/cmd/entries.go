package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"southwinds.dev/sealkv"
	"southwinds.dev/sealkv/internal/crypto"
	"southwinds.dev/sealkv/internal/envelope"
)

var (
	putString     bool
	putFile       string
	getRaw        bool
	getPretty     bool
	rotateSecret  string
	rotateTimeout time.Duration
)

var putCmd = &cobra.Command{
	Use:   "put <key> [json-value]",
	Short: "Encrypt and store a value",
	Long: `Encrypt a JSON value and store it under key.

The value is read from the second argument, from --file, or from stdin when
neither is given. Use --string to store the input as a JSON string instead of
parsing it as JSON.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		started := auditCmdStart(cmd, args)
		return auditCmdComplete(cmd, runPut(cmd, args), started)
	},
}

var getCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Decrypt and print a stored value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		started := auditCmdStart(cmd, args)
		return auditCmdComplete(cmd, runGet(cmd, args), started)
	},
}

var rmCmd = &cobra.Command{
	Use:     "rm <key>...",
	Aliases: []string{"remove", "delete"},
	Short:   "Remove stored values",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		started := auditCmdStart(cmd, args)
		return auditCmdComplete(cmd, runRemove(cmd, args), started)
	},
}

var rotateCmd = &cobra.Command{
	Use:   "rotate <key>...",
	Short: "Re-encrypt stored values under a new secret",
	Long: `Re-encrypt each key under a new secret. The new secret is taken from
--new-secret or the SEALKV_NEW_SECRET environment variable and must be at least
8 characters long. A key that fails to rotate is left untouched.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		started := auditCmdStart(cmd, args)
		return auditCmdComplete(cmd, runRotate(cmd, args), started)
	},
}

func init() {
	rootCmd.AddCommand(putCmd, getCmd, rmCmd, rotateCmd)

	putCmd.Flags().BoolVar(&putString, "string", false, "store the input as a JSON string")
	putCmd.Flags().StringVarP(&putFile, "file", "f", "", "read the value from a file")

	getCmd.Flags().BoolVar(&getRaw, "raw", false, "print the stored envelope and its checksum instead of decrypting")
	getCmd.Flags().BoolVar(&getPretty, "pretty", false, "indent JSON output")

	rotateCmd.Flags().StringVar(&rotateSecret, "new-secret", "", "secret to re-encrypt under (or use SEALKV_NEW_SECRET env var)")
	rotateCmd.Flags().DurationVar(&rotateTimeout, "timeout", 30*time.Second, "time allowed for each key")
}

func runPut(cmd *cobra.Command, args []string) error {
	input, err := readPutInput(args)
	if err != nil {
		return err
	}

	value := json.RawMessage(input)
	if putString {
		encoded, err := json.Marshal(string(input))
		if err != nil {
			return err
		}
		value = encoded
	} else if !json.Valid(value) {
		return fmt.Errorf("value is not valid JSON (use --string to store it as text)")
	}

	b, err := sealkv.Bind[json.RawMessage](manager, args[0], nil)
	if err != nil {
		return err
	}
	defer b.Close()

	if err := b.Save(cmd.Context(), value); err != nil {
		return err
	}
	b.Flush()
	if err := firstReportedError(); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Stored %s\n", args[0])
	return nil
}

func readPutInput(args []string) ([]byte, error) {
	switch {
	case len(args) == 2:
		return []byte(args[1]), nil
	case putFile != "":
		data, err := os.ReadFile(putFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", putFile, err)
		}
		return data, nil
	default:
		data, err := readAllStdin()
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		if putString {
			return []byte(strings.TrimRight(string(data), "\r\n")), nil
		}
		return data, nil
	}
}

func runGet(cmd *cobra.Command, args []string) error {
	key := args[0]
	out := cmd.OutOrStdout()

	if getRaw {
		raw, found, err := manager.Store().Get(cmd.Context(), key)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("key not found: %s", key)
		}
		fmt.Fprintln(out, raw)
		fmt.Fprintf(out, "sha256: %s\n", crypto.CalculateChecksum([]byte(raw)))
		if env, ok := envelope.Decode(raw); ok && env.Expires != nil {
			fmt.Fprintf(out, "expires: %s\n", time.UnixMilli(*env.Expires).Format(time.RFC3339))
		}
		return nil
	}

	b, err := sealkv.Bind[json.RawMessage](manager, key, nil)
	if err != nil {
		return err
	}
	defer b.Close()

	value, err := b.Load(cmd.Context())
	if err != nil {
		return err
	}
	if value == nil {
		return fmt.Errorf("key not found: %s", key)
	}

	if getPretty {
		indented, err := json.MarshalIndent(value, "", "  ")
		if err != nil {
			return err
		}
		value = indented
	}
	fmt.Fprintln(out, string(value))
	return nil
}

func runRemove(cmd *cobra.Command, args []string) error {
	for _, key := range args {
		b, err := sealkv.Bind[json.RawMessage](manager, key, nil)
		if err != nil {
			return err
		}
		err = b.Remove(cmd.Context())
		b.Close()
		if err != nil {
			return fmt.Errorf("failed to remove %s: %w", key, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", key)
	}
	return nil
}

func runRotate(cmd *cobra.Command, args []string) error {
	newSecret := rotateSecret
	if newSecret == "" {
		newSecret = os.Getenv("SEALKV_NEW_SECRET")
	}
	if newSecret == "" {
		return fmt.Errorf("new secret is required. Use --new-secret flag or SEALKV_NEW_SECRET environment variable")
	}
	if newSecret == viper.GetString("sealkv.secret") {
		warn(os.Stderr, "Warning: new secret is the same as the current one\n")
	}

	var failed []string
	for _, key := range args {
		if err := rotateKey(cmd.Context(), key, newSecret); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s\n", key, formatError(err))
			failed = append(failed, key)
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Rotated %s\n", key)
	}

	if len(failed) > 0 {
		return fmt.Errorf("%d of %d keys not rotated: %s", len(failed), len(args), strings.Join(failed, ", "))
	}
	return nil
}

func rotateKey(ctx context.Context, key, newSecret string) error {
	ctx, cancel := context.WithTimeout(ctx, rotateTimeout)
	defer cancel()

	b, err := sealkv.Bind[json.RawMessage](manager, key, nil)
	if err != nil {
		return err
	}
	defer b.Close()
	return b.Reencrypt(ctx, newSecret)
}

// firstReportedError returns the first background error delivered since the
// last call, if any.
func firstReportedError() error {
	errs := reportedErrors()
	if len(errs) == 0 {
		return nil
	}
	return errs[0]
}
