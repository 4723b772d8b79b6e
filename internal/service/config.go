package service

import (
	"os"
	"slices"
	"strings"

	"github.com/CZERTAINLY/Herald/internal/model"
)

// CommandFor builds the command running r. The runnable's environment is
// appended to base; values starting with $ are expanded from the current
// environment.
func CommandFor(r model.Runnable, base []string) Command {
	env := slices.Clone(base)
	keys := make([]string, 0, len(r.Env))
	for k := range r.Env {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		v := r.Env[k]
		if strings.HasPrefix(v, "$") {
			v = os.ExpandEnv(v)
		}
		env = append(env, k+"="+v)
	}
	return Command{
		Path:    r.Path,
		Args:    slices.Clone(r.Args),
		Env:     env,
		Timeout: r.MaxDuration(),
	}
}
