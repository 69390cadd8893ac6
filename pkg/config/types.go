// Package config defines the desired-state model consumed by the
// orchestration engine: stages, server resources, DNS declarations and
// deployment routes, plus the runtime settings resolved from the
// environment.
package config

import (
	"fmt"
	"strings"
)

// Project is the root of the parsed desired-state tree. It is built once
// per command invocation and never mutated by the engine.
type Project struct {
	// Name is the project name, used to scope the state directory.
	Name string `yaml:"name" json:"name" validate:"required"`

	// Stages are the named deployment targets.
	Stages []Stage `yaml:"stages" json:"stages" validate:"required,min=1,dive"`

	// Routes optionally pin a stage to a specific server when one server
	// hosts multiple stage/service bundles. At most one route per stage.
	Routes []DeploymentRoute `yaml:"routes,omitempty" json:"routes,omitempty" validate:"dive"`
}

// Stage is a named deployment target grouping servers, DNS declarations
// and a set of containerized services.
type Stage struct {
	// Name is the unique stage name.
	Name string `yaml:"name" json:"name" validate:"required"`

	// Servers are the compute nodes backing this stage. A stage with no
	// servers is local and never touches the infra layer.
	Servers []ServerResource `yaml:"servers,omitempty" json:"servers,omitempty" validate:"dive"`

	// Services are the container service names to run for this stage.
	Services []string `yaml:"services,omitempty" json:"services,omitempty"`
}

// IsLocal reports whether the stage has no server resources.
func (s *Stage) IsLocal() bool {
	return len(s.Servers) == 0
}

// Server returns the server resource with the given logical name.
func (s *Stage) Server(name string) (*ServerResource, bool) {
	for i := range s.Servers {
		if s.Servers[i].Name == name {
			return &s.Servers[i], true
		}
	}
	return nil, false
}

// ServerResource declares a desired compute node.
type ServerResource struct {
	// Name is the logical name, unique within the stage.
	Name string `yaml:"name" json:"name" validate:"required"`

	// Provider identifies the cloud backend ("hcloud", "local", ...).
	// It must resolve to a registered provider at plan time.
	Provider string `yaml:"provider" json:"provider" validate:"required"`

	// Size is the provider plan descriptor (e.g. "cx22").
	Size string `yaml:"size,omitempty" json:"size,omitempty"`

	// Image is the disk/OS descriptor (e.g. "debian-12").
	Image string `yaml:"image,omitempty" json:"image,omitempty"`

	// SSHKeys are the authorized-access key names known to the provider.
	SSHKeys []string `yaml:"ssh_keys,omitempty" json:"ssh_keys,omitempty"`

	// User is the remote user for command execution. Defaults to root.
	User string `yaml:"user,omitempty" json:"user,omitempty"`

	// Port is the SSH port. Defaults to 22.
	Port int `yaml:"port,omitempty" json:"port,omitempty" validate:"omitempty,min=1,max=65535"`

	// DeployPath is the remote directory used for command execution.
	DeployPath string `yaml:"deploy_path,omitempty" json:"deploy_path,omitempty"`

	// DNS optionally declares name records converged for this server.
	DNS *DNSSpec `yaml:"dns,omitempty" json:"dns,omitempty"`

	// Options carries free-form provider-specific configuration.
	Options map[string]string `yaml:"options,omitempty" json:"options,omitempty"`
}

// DNSSpec declares the records pointing at one server: a primary
// address record plus CNAME aliases targeting it.
type DNSSpec struct {
	// Provider identifies the DNS backend ("cloudflare", ...).
	Provider string `yaml:"provider" json:"provider" validate:"required"`

	// Zone is the DNS zone the records live in.
	Zone string `yaml:"zone" json:"zone" validate:"required"`

	// Name is the fully-qualified primary record name.
	Name string `yaml:"name" json:"name" validate:"required,fqdn"`

	// Aliases are CNAME names pointing at Name. Converged only after the
	// primary record exists, removed before it on teardown.
	Aliases []string `yaml:"aliases,omitempty" json:"aliases,omitempty" validate:"dive,fqdn"`

	// Proxied requests proxy mode where the backend supports it.
	Proxied bool `yaml:"proxied,omitempty" json:"proxied,omitempty"`

	// TTL is the record TTL in seconds. Defaults to 300.
	TTL int `yaml:"ttl,omitempty" json:"ttl,omitempty" validate:"omitempty,min=30"`
}

// DeploymentRoute pins a stage to a server. One route per stage; one
// server may appear in many routes.
type DeploymentRoute struct {
	Stage  string `yaml:"stage" json:"stage" validate:"required"`
	Server string `yaml:"server" json:"server" validate:"required"`
}

// Stage returns the stage with the given name.
func (p *Project) Stage(name string) (*Stage, error) {
	for i := range p.Stages {
		if p.Stages[i].Name == name {
			return &p.Stages[i], nil
		}
	}
	known := make([]string, 0, len(p.Stages))
	for i := range p.Stages {
		known = append(known, p.Stages[i].Name)
	}
	return nil, fmt.Errorf("unknown stage %q (have: %s)", name, strings.Join(known, ", "))
}

// Route returns the route for a stage, if any.
func (p *Project) Route(stage string) (*DeploymentRoute, bool) {
	for i := range p.Routes {
		if p.Routes[i].Stage == stage {
			return &p.Routes[i], true
		}
	}
	return nil, false
}
