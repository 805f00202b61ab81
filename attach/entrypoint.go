package attach

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// WriteRequestConfig serializes req to a fresh file under dir, the
// counterpart to IntermediaryArgv's configPath argument: the caller writes
// this before exec'ing the intermediary, mirroring the guard's
// writeBootstrapConfig/RunInitBootstrap handoff.
func WriteRequestConfig(dir string, req Request) (string, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("attach: marshal request: %w", err)
	}
	f, err := os.CreateTemp(dir, "attach-*.json")
	if err != nil {
		return "", fmt.Errorf("attach: create request file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return "", fmt.Errorf("attach: write request file: %w", err)
	}
	return filepath.Clean(f.Name()), nil
}

// RunIntermediary is the entry point of the re-exec'd "__attach-intermediary"
// process: it reads back the Request WriteRequestConfig wrote to configPath and the pidw
// pipe Spawn passed as fd 3, then runs Intermediary.
func RunIntermediary(configPath string) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("attach: read request %s: %w", configPath, err)
	}
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("attach: parse request %s: %w", configPath, err)
	}

	pidw := os.NewFile(3, "attach-pidw")
	if pidw == nil {
		return fmt.Errorf("attach: pidw fd missing")
	}
	return Intermediary(req, pidw)
}
