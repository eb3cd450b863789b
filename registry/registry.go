// Package registry resolves capabilities to the worker agents that serve
// them. The registry is built once at startup from static configuration and
// never changes afterwards, so lookups need no locking.
package registry

import (
	"errors"
	"fmt"
	"log"
	"sort"

	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned by Resolve when no agent serves a capability.
var ErrNotFound = errors.New("no agent registered for capability")

// AgentDescriptor identifies one worker agent process.
type AgentDescriptor struct {
	// Name is a human-readable identifier used in logs and traces.
	Name string `yaml:"name" json:"name"`

	// Address is the base URL of the agent's protocol endpoint,
	// e.g. "http://localhost:8013".
	Address string `yaml:"address" json:"address"`

	// Capabilities lists the task kinds this agent handles.
	Capabilities []string `yaml:"capabilities" json:"capabilities"`
}

// Registry maps capabilities to agent descriptors.
type Registry struct {
	byCapability map[string]AgentDescriptor
	agents       []AgentDescriptor
}

// New builds a registry from the given descriptors. Every descriptor must
// carry a name, an address and at least one capability, and no capability
// may be claimed by two agents.
func New(agents []AgentDescriptor) (*Registry, error) {
	r := &Registry{
		byCapability: make(map[string]AgentDescriptor),
		agents:       make([]AgentDescriptor, 0, len(agents)),
	}

	for i, a := range agents {
		if a.Name == "" {
			return nil, fmt.Errorf("agent %d: missing name", i)
		}
		if a.Address == "" {
			return nil, fmt.Errorf("agent %q: missing address", a.Name)
		}
		if len(a.Capabilities) == 0 {
			return nil, fmt.Errorf("agent %q: no capabilities declared", a.Name)
		}
		for _, c := range a.Capabilities {
			if c == "" {
				return nil, fmt.Errorf("agent %q: empty capability", a.Name)
			}
			if prev, ok := r.byCapability[c]; ok {
				return nil, fmt.Errorf("capability %q claimed by both %q and %q", c, prev.Name, a.Name)
			}
			r.byCapability[c] = a
		}
		r.agents = append(r.agents, a)
	}

	log.Printf("[Registry] %d agent(s), %d capabilit(ies)", len(r.agents), len(r.byCapability))
	return r, nil
}

// Parse builds a registry from a YAML document of the form:
//
//	agents:
//	  - name: workers
//	    address: http://localhost:8013
//	    capabilities: [news, stock, weather]
func Parse(data []byte) (*Registry, error) {
	var doc struct {
		Agents []AgentDescriptor `yaml:"agents"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse registry: %w", err)
	}
	return New(doc.Agents)
}

// Resolve returns the agent serving the given capability.
func (r *Registry) Resolve(capability string) (AgentDescriptor, error) {
	a, ok := r.byCapability[capability]
	if !ok {
		return AgentDescriptor{}, fmt.Errorf("%w: %q", ErrNotFound, capability)
	}
	return a, nil
}

// Agents returns a copy of all registered descriptors.
func (r *Registry) Agents() []AgentDescriptor {
	out := make([]AgentDescriptor, len(r.agents))
	copy(out, r.agents)
	return out
}

// Capabilities returns all registered capabilities, sorted.
func (r *Registry) Capabilities() []string {
	caps := make([]string, 0, len(r.byCapability))
	for c := range r.byCapability {
		caps = append(caps, c)
	}
	sort.Strings(caps)
	return caps
}
