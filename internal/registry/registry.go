package registry

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Descriptor is the immutable per-service catalog entry. It is loaded once
// at boot and never mutated by the orchestrator.
type Descriptor struct {
	ID             string        `json:"id" mapstructure:"id"`
	Command        string        `json:"command" mapstructure:"command"`
	Args           []string      `json:"args" mapstructure:"args"`
	WorkDir        string        `json:"work_dir" mapstructure:"work_dir"`
	Env            []string      `json:"env" mapstructure:"env"`
	Port           int           `json:"port" mapstructure:"port"`
	HealthEndpoint string        `json:"health_endpoint" mapstructure:"health_endpoint"`
	DependsOn      []string      `json:"depends_on" mapstructure:"depends_on"`
	Critical       bool          `json:"critical" mapstructure:"critical"`
	WarmupTime     time.Duration `json:"warmup_time" mapstructure:"warmup_time"`
	RequiredChecks int           `json:"required_checks" mapstructure:"required_checks"`
	AutoStart      bool          `json:"auto_start" mapstructure:"auto_start"`
	StartDelay     time.Duration `json:"start_delay" mapstructure:"start_delay"`
	External       bool          `json:"external" mapstructure:"external"`
	KillTimeout    time.Duration `json:"kill_timeout" mapstructure:"kill_timeout"`
	// NamePattern matches orphaned processes from a previous run during the
	// pre-spawn cleanup sweep. Defaults to the service id.
	NamePattern string `json:"name_pattern" mapstructure:"name_pattern"`
}

// HealthURL returns the absolute URL probed by the health loop.
func (d Descriptor) HealthURL() string {
	ep := d.HealthEndpoint
	if ep == "" {
		ep = "/health"
	}
	if strings.HasPrefix(ep, "http://") || strings.HasPrefix(ep, "https://") {
		return ep
	}
	if !strings.HasPrefix(ep, "/") {
		ep = "/" + ep
	}
	return fmt.Sprintf("http://127.0.0.1:%d%s", d.Port, ep)
}

// ShouldAutoStart reports whether the orchestrator starts this service at
// boot: critical or explicitly flagged, and never externally managed.
func (d Descriptor) ShouldAutoStart() bool {
	return !d.External && (d.Critical || d.AutoStart)
}

// Registry is an immutable catalog of service descriptors.
type Registry struct {
	byID  map[string]Descriptor
	order []string // topological startup order, computed once
}

// New validates descriptors and computes the dependency-respecting startup
// order. Duplicate ids, unknown dependencies, missing run commands for
// non-external services, and dependency cycles are all rejected.
func New(descriptors []Descriptor) (*Registry, error) {
	byID := make(map[string]Descriptor, len(descriptors))
	for _, d := range descriptors {
		if d.ID == "" {
			return nil, fmt.Errorf("registry: descriptor with empty id")
		}
		if _, dup := byID[d.ID]; dup {
			return nil, fmt.Errorf("registry: duplicate service id %q", d.ID)
		}
		if !d.External && strings.TrimSpace(d.Command) == "" {
			return nil, fmt.Errorf("registry: service %q has no run command", d.ID)
		}
		byID[d.ID] = d
	}
	for _, d := range byID {
		for _, dep := range d.DependsOn {
			if _, ok := byID[dep]; !ok {
				return nil, fmt.Errorf("registry: service %q depends on unknown service %q", d.ID, dep)
			}
			if dep == d.ID {
				return nil, fmt.Errorf("registry: service %q depends on itself", d.ID)
			}
		}
	}
	order, err := topoOrder(byID)
	if err != nil {
		return nil, err
	}
	return &Registry{byID: byID, order: order}, nil
}

// Get returns the descriptor for id.
func (r *Registry) Get(id string) (Descriptor, bool) {
	d, ok := r.byID[id]
	return d, ok
}

// All returns every descriptor in startup order.
func (r *Registry) All() []Descriptor {
	out := make([]Descriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// Len returns the number of registered services.
func (r *Registry) Len() int { return len(r.byID) }

// StartupOrder returns service ids sorted so that every service appears
// after all of its dependencies.
func (r *Registry) StartupOrder() []string {
	return append([]string(nil), r.order...)
}

// Dependents returns ids of services whose dependency list contains id.
func (r *Registry) Dependents(id string) []string {
	var out []string
	for _, other := range r.order {
		for _, dep := range r.byID[other].DependsOn {
			if dep == id {
				out = append(out, other)
				break
			}
		}
	}
	return out
}

// topoOrder runs Kahn's algorithm over the dependency graph. Ties are
// broken by id so the order is deterministic.
func topoOrder(byID map[string]Descriptor) ([]string, error) {
	indegree := make(map[string]int, len(byID))
	dependents := make(map[string][]string, len(byID))
	for id, d := range byID {
		indegree[id] += 0
		for _, dep := range d.DependsOn {
			indegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}
	var ready []string
	for id, n := range indegree {
		if n == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)
	order := make([]string, 0, len(byID))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		var unlocked []string
		for _, dep := range dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				unlocked = append(unlocked, dep)
			}
		}
		sort.Strings(unlocked)
		ready = append(ready, unlocked...)
	}
	if len(order) != len(byID) {
		var stuck []string
		for id, n := range indegree {
			if n > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("registry: dependency cycle involving %s", strings.Join(stuck, ", "))
	}
	return order, nil
}
