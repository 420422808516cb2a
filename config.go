package crostestutils

import (
	"os"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// HarnessConfig is the optional on-disk configuration. Flags and
// environment variables override anything set here; the file mostly exists
// for lab deployments and for per-board cloud test definitions.
type HarnessConfig struct {
	Board        string `toml:"board"`
	Remote       string `toml:"remote"`
	ToolsDir     string `toml:"tools_dir"`
	ResultsRoot  string `toml:"results_root"`
	VerifySuite  string `toml:"verify_suite"`
	DeltaUpdates bool   `toml:"delta_updates"`

	GCE GCESettings `toml:"gce"`
	// CloudTests maps a board to the verification suites its cloud runs
	// execute.
	CloudTests map[string][]CloudTest `toml:"cloud_tests"`
}

// LoadHarnessConfig parses the TOML config at path. A missing file is not
// an error; the zero config is returned so flag/env handling proceeds
// unchanged.
func LoadHarnessConfig(path string) (*HarnessConfig, error) {
	cfg := &HarnessConfig{}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, nil
}

// TestsForBoard returns the cloud test list for board, falling back to the
// "default" entry when the board has none.
func (c *HarnessConfig) TestsForBoard(board string) []CloudTest {
	if c == nil || len(c.CloudTests) == 0 {
		return nil
	}
	if tests, ok := c.CloudTests[board]; ok {
		return tests
	}
	return c.CloudTests["default"]
}
