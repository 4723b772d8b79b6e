package model

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	ServiceModeManual  = "manual"
	ServiceModeService = "service"

	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"

	DefaultConnect        = "localhost:2181/herald"
	DefaultStopTimeout    = 30 * time.Second
	DefaultSessionTimeout = 10 * time.Second
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
}

type Config struct {
	Version   int        `json:"version" yaml:"version"` // fixed 0 for now
	ZooKeeper ZooKeeper  `json:"zookeeper" yaml:"zookeeper"`
	Service   Service    `json:"service" yaml:"service"`
	Runnables []Runnable `json:"runnables,omitempty" yaml:"runnables,omitempty"`
	Schedules []Schedule `json:"schedules,omitempty" yaml:"schedules,omitempty"`
}

type ZooKeeper struct {
	Connect        string  `json:"connect" yaml:"connect"`
	SessionTimeout *string `json:"session_timeout,omitempty" yaml:"session_timeout,omitempty"`
}

func (z ZooKeeper) Timeout() time.Duration {
	return duration(z.SessionTimeout, DefaultSessionTimeout)
}

type Service struct {
	Mode        string  `json:"mode" yaml:"mode"` // "manual" | "service"
	Verbose     *bool   `json:"verbose,omitempty" yaml:"verbose,omitempty"`
	Log         *string `json:"log,omitempty" yaml:"log,omitempty"` // "stderr"|"stdout"|"discard"|path
	DB          *string `json:"db,omitempty" yaml:"db,omitempty"`   // sqlite run history, none when unset
	StopTimeout *string `json:"stop_timeout,omitempty" yaml:"stop_timeout,omitempty"`
	Parallelism *int    `json:"parallelism,omitempty" yaml:"parallelism,omitempty"`
	Report      *Report `json:"report,omitempty" yaml:"report,omitempty"`
}

// Report configures the destinations of run reports.
type Report struct {
	Dir *string `json:"dir,omitempty" yaml:"dir,omitempty"`
	URL *string `json:"url,omitempty" yaml:"url,omitempty"` // scheme and host only
}

func (s Service) StopAfter() time.Duration {
	return duration(s.StopTimeout, DefaultStopTimeout)
}

func (s Service) Workers() int {
	if s.Parallelism == nil {
		return 4
	}
	return *s.Parallelism
}

// Runnable is a program executed by a run.
type Runnable struct {
	Name    string            `json:"name" yaml:"name"`
	Path    string            `json:"path" yaml:"path"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Timeout *string           `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// MaxDuration returns the runnable timeout, zero means none.
func (r Runnable) MaxDuration() time.Duration {
	return duration(r.Timeout, 0)
}

// Schedule periodically sends a command to the runs of a runnable, or to
// every active run when Runnable is empty.
type Schedule struct {
	Cron     *string           `json:"cron,omitempty" yaml:"cron,omitempty"`
	Duration *string           `json:"duration,omitempty" yaml:"duration,omitempty"` // ISO-8601, e.g. PT30S
	Runnable string            `json:"runnable,omitempty" yaml:"runnable,omitempty"`
	Command  string            `json:"command" yaml:"command"`
	Options  map[string]string `json:"options,omitempty" yaml:"options,omitempty"`
}

func duration(s *string, dflt time.Duration) time.Duration {
	if s == nil {
		return dflt
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		// validated by the schema
		return dflt
	}
	return d
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}
	if err := out.validate(); err != nil {
		return Config{}, err
	}
	return out, nil
}

// validate checks the rules the schema can't express.
func (c Config) validate() error {
	var errs []error
	names := make(map[string]struct{}, len(c.Runnables))
	for _, r := range c.Runnables {
		if _, ok := names[r.Name]; ok {
			errs = append(errs, fmt.Errorf("runnables: duplicate name %q", r.Name))
		}
		names[r.Name] = struct{}{}
	}
	for i, s := range c.Schedules {
		switch {
		case (s.Cron == nil) == (s.Duration == nil):
			errs = append(errs, fmt.Errorf("schedules[%d]: exactly one of cron or duration is required", i))
		case s.Cron != nil:
			if _, err := ParseCron(*s.Cron); err != nil {
				errs = append(errs, fmt.Errorf("schedules[%d].cron: %w", i, err))
			}
		default:
			if _, err := ParseISODuration(*s.Duration); err != nil {
				errs = append(errs, fmt.Errorf("schedules[%d].duration: %w", i, err))
			}
		}
		if s.Runnable != "" {
			if _, ok := names[s.Runnable]; !ok {
				errs = append(errs, fmt.Errorf("schedules[%d]: %w: %s", i, ErrUnknownRunnable, s.Runnable))
			}
		}
	}
	return errors.Join(errs...)
}

// Runnable returns the runnable called name.
func (c Config) Runnable(name string) (Runnable, error) {
	for _, r := range c.Runnables {
		if r.Name == name {
			return r, nil
		}
	}
	return Runnable{}, fmt.Errorf("%w: %s", ErrUnknownRunnable, name)
}

func DefaultConfig(_ context.Context) Config {
	verbose := false
	log := LogStderr
	return Config{
		ZooKeeper: ZooKeeper{
			Connect: DefaultConnect,
		},
		Service: Service{
			Mode:    ServiceModeManual,
			Verbose: &verbose,
			Log:     &log,
		},
		Runnables: []Runnable{
			{
				Name: "hello",
				Path: "sh",
				Args: []string{"-c", "echo hello from herald"},
			},
		},
	}
}
