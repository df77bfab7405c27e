package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/flowgate/internal/execution"
	"github.com/michaelbrown/flowgate/internal/manifest"
)

var (
	manifestFlag   string
	endpointFlag   string
	timeoutFlag    time.Duration
	entrypointFlag string
)

var runCmd = &cobra.Command{
	Use:   "run [file...]",
	Short: "Run files on the sandbox once and print the outcome",
	Long: `Send a file set to the sandbox service and print the classified
outcome as JSON. The command exits non-zero unless the outcome is a success.

Files given as arguments are keyed by their base name. A manifest adds
inline sources and includes resolved relative to the manifest file.

Examples:
  flowgate run test.py
  flowgate run --manifest flow.yaml
  flowgate run --endpoint http://localhost:8080/execute --timeout 30s main.py util.py`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&manifestFlag, "manifest", "m", "", "Flow manifest (YAML)")
	runCmd.Flags().StringVar(&endpointFlag, "endpoint", "", "Sandbox endpoint (overrides config)")
	runCmd.Flags().DurationVar(&timeoutFlag, "timeout", 0, "Per-call timeout (overrides config)")
	runCmd.Flags().StringVar(&entrypointFlag, "entrypoint", "", "File the sandbox should run")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := cliLogger(cfg)
	defer logger.Sync()

	files, entry, err := collectFiles(manifestFlag, args)
	if err != nil {
		return err
	}
	if entrypointFlag != "" {
		entry = entrypointFlag
	}

	endpoint := cfg.Sandbox.Endpoint
	if endpointFlag != "" {
		endpoint = endpointFlag
	}
	if entry != "" {
		endpoint, err = withEntrypoint(endpoint, entry)
		if err != nil {
			return err
		}
	}

	client := newClient(cfg, logger, nil)
	out, err := client.Do(cmd.Context(), execution.Request{
		Files:    files,
		Endpoint: endpoint,
		Timeout:  timeoutFlag,
	})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return err
	}
	if !out.OK() {
		return errors.New(out.String())
	}
	return nil
}

// collectFiles merges a manifest with files named on the command line.
func collectFiles(manifestPath string, paths []string) (execution.FileSet, string, error) {
	files := execution.FileSet{}
	var entry string

	if manifestPath != "" {
		m, err := manifest.Load(manifestPath)
		if err != nil {
			return nil, "", err
		}
		fs, err := m.FileSet()
		if err != nil {
			return nil, "", fmt.Errorf("manifest %s: %w", manifestPath, err)
		}
		files = fs
		entry = m.Entrypoint
	}

	if len(paths) > 0 {
		extra, err := manifest.FromPaths(paths)
		if err != nil {
			return nil, "", err
		}
		for name, src := range extra {
			if _, dup := files[name]; dup {
				return nil, "", fmt.Errorf("file %q given twice", name)
			}
			files[name] = src
		}
	}

	if len(files) == 0 {
		return nil, "", fmt.Errorf("%w: pass files or --manifest", execution.ErrEmptyFileSet)
	}
	return files, entry, nil
}

// withEntrypoint adds the entrypoint query parameter understood by the
// reference sandbox server.
func withEntrypoint(endpoint, entry string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("%w: %v", execution.ErrInvalidEndpoint, err)
	}
	q := u.Query()
	q.Set("entrypoint", entry)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
