// Package launch resolves session start requests into launch specifications
// using a registry of named profiles.
package launch

import (
	"fmt"
	"sort"
	"sync"

	"github.com/AltairaLabs/sessionbridge/internal/config"
	"github.com/AltairaLabs/sessionbridge/internal/session"
	"github.com/AltairaLabs/sessionbridge/internal/supervisor"
)

// Profiles is a registry of named launch profiles. It implements
// session.Launcher.
type Profiles struct {
	mu             sync.RWMutex
	profiles       map[string]config.ProfileConfig
	defaultProfile string
}

// NewProfiles creates an empty registry resolving unnamed requests to
// defaultProfile.
func NewProfiles(defaultProfile string) *Profiles {
	return &Profiles{
		profiles:       make(map[string]config.ProfileConfig),
		defaultProfile: defaultProfile,
	}
}

// FromConfig builds a registry from every profile in cfg
func FromConfig(cfg config.Config) (*Profiles, error) {
	p := NewProfiles(cfg.Sessions.DefaultProfile)
	for name, prof := range cfg.Profiles {
		if err := p.Register(name, prof); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Register adds or replaces a profile after validating it
func (p *Profiles) Register(name string, prof config.ProfileConfig) error {
	if name == "" {
		return fmt.Errorf(config.ErrInvalidValue, "profile name", name)
	}
	if err := prof.Validate(); err != nil {
		return fmt.Errorf("profile %q: %w", name, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.profiles[name] = prof
	return nil
}

// Resolve implements session.Launcher
func (p *Profiles) Resolve(req session.CreateRequest) (session.LaunchSpec, error) {
	name := req.Profile
	if name == "" {
		name = p.defaultProfile
	}

	p.mu.RLock()
	prof, ok := p.profiles[name]
	p.mu.RUnlock()
	if !ok {
		return session.LaunchSpec{}, fmt.Errorf(config.ErrUnknownProfile, name)
	}

	spec := supervisor.Spec{
		Command:     prof.Command,
		Args:        append([]string(nil), prof.Args...),
		Env:         envList(prof.Env),
		Dir:         prof.Dir,
		IOMode:      supervisor.IOMode(prof.IOMode),
		MergeStderr: prof.MergeStderr,
	}
	if spec.IOMode == supervisor.IOModePTY {
		spec.Rows, spec.Cols = req.Rows, req.Cols
		if spec.Rows == 0 {
			spec.Rows = config.DefaultTerminalRows
		}
		if spec.Cols == 0 {
			spec.Cols = config.DefaultTerminalCols
		}
	}

	return session.LaunchSpec{
		Profile:   name,
		Process:   spec,
		Framing:   prof.Framing,
		Handshake: prof.Handshake,
	}, nil
}

// Names returns the registered profile names, sorted
func (p *Profiles) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	names := make([]string, 0, len(p.profiles))
	for name := range p.profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsSupported returns true if name is a registered profile
func (p *Profiles) IsSupported(name string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.profiles[name]
	return ok
}

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
