// Package config loads run settings from a CUE file.
//
// The file is validated against a closed schema before decoding, so a
// misspelled field is an error rather than a silently ignored value.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/zurustar/mmscript/pkg/servo"
	"github.com/zurustar/mmscript/pkg/sim"
	"github.com/zurustar/mmscript/pkg/vm"
)

// Schema is the CUE schema every configuration file must satisfy.
const Schema = `
#Node: {
	id:            int & >=0 & <=255
	settle?:       string
	fail_first?:   int & >=0
	fail_code?:    int & >=1 & <=6
	lose_control?: bool
	node_error?:   int & >=0 & <=255
}

log_level?:       "debug" | "info" | "warn" | "error"
backoff?:         string
encoding?:        string
reset_variables?: bool
step_limit?:      int & >=0
nodes?: [...#Node]
`

// Error reports a configuration file that could not be used.
type Error struct {
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("config %s: %v", e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Node configures one simulated node.
type Node struct {
	ID          uint8
	Settle      time.Duration
	FailFirst   int
	FailCode    servo.Response
	LoseControl bool
	NodeError   uint8
}

// Config holds the settings read from a file, merged over the defaults.
type Config struct {
	LogLevel       string
	Backoff        time.Duration
	Encoding       string
	ResetVariables bool
	StepLimit      int
	Nodes          []Node
}

// file mirrors the CUE document.
type file struct {
	LogLevel       *string    `json:"log_level"`
	Backoff        *string    `json:"backoff"`
	Encoding       *string    `json:"encoding"`
	ResetVariables *bool      `json:"reset_variables"`
	StepLimit      *int       `json:"step_limit"`
	Nodes          []fileNode `json:"nodes"`
}

type fileNode struct {
	ID          int    `json:"id"`
	Settle      string `json:"settle"`
	FailFirst   int    `json:"fail_first"`
	FailCode    int    `json:"fail_code"`
	LoseControl bool   `json:"lose_control"`
	NodeError   int    `json:"node_error"`
}

// Default returns the settings used when no file is given.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Backoff:  vm.DefaultBackoff,
		Encoding: "utf-8",
	}
}

// Load reads and validates the CUE file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Path: path, Err: err}
	}
	return Parse(path, data)
}

// Parse validates data, named path in errors, and decodes it over Default.
func Parse(path string, data []byte) (*Config, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString("close({"+Schema+"})", cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, &Error{Path: "schema", Err: err}
	}

	value := ctx.CompileBytes(data, cue.Filename(path))
	if err := value.Err(); err != nil {
		return nil, &Error{Path: path, Err: err}
	}
	unified := schema.Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, &Error{Path: path, Err: err}
	}

	var f file
	if err := unified.Decode(&f); err != nil {
		return nil, &Error{Path: path, Err: err}
	}

	cfg, err := f.apply(Default())
	if err != nil {
		return nil, &Error{Path: path, Err: err}
	}
	return cfg, nil
}

func (f *file) apply(cfg *Config) (*Config, error) {
	if f.LogLevel != nil {
		cfg.LogLevel = *f.LogLevel
	}
	if f.Backoff != nil {
		d, err := parsePositive("backoff", *f.Backoff)
		if err != nil {
			return nil, err
		}
		cfg.Backoff = d
	}
	if f.Encoding != nil {
		cfg.Encoding = *f.Encoding
	}
	if f.ResetVariables != nil {
		cfg.ResetVariables = *f.ResetVariables
	}
	if f.StepLimit != nil {
		cfg.StepLimit = *f.StepLimit
	}

	seen := make(map[int]bool)
	for _, n := range f.Nodes {
		if seen[n.ID] {
			return nil, fmt.Errorf("node %#02x declared twice", n.ID)
		}
		seen[n.ID] = true

		node := Node{
			ID:          uint8(n.ID),
			FailFirst:   n.FailFirst,
			FailCode:    servo.Response(n.FailCode),
			LoseControl: n.LoseControl,
			NodeError:   uint8(n.NodeError),
		}
		if n.Settle != "" {
			d, err := time.ParseDuration(n.Settle)
			if err != nil || d < 0 {
				return nil, fmt.Errorf("node %#02x: invalid settle %q", n.ID, n.Settle)
			}
			node.Settle = d
		}
		cfg.Nodes = append(cfg.Nodes, node)
	}
	return cfg, nil
}

func parsePositive(field, s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d <= 0 {
		return 0, errors.New(field + " must be positive")
	}
	return d, nil
}

// SimOptions returns the simulator options for the declared nodes. Without
// declared nodes every id answers.
func (c *Config) SimOptions() []sim.Option {
	if len(c.Nodes) == 0 {
		return []sim.Option{sim.WithAutoNodes()}
	}
	opts := make([]sim.Option, 0, len(c.Nodes))
	for _, n := range c.Nodes {
		opts = append(opts, sim.WithNode(sim.NodeConfig{
			ID:          n.ID,
			SettleTime:  n.Settle,
			FailFirst:   n.FailFirst,
			FailCode:    n.FailCode,
			LoseControl: n.LoseControl,
			NodeError:   n.NodeError,
		}))
	}
	return opts
}
