package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// Load reads and validates a project definition from a YAML file.
func Load(path string) (*Project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read project file: %w", err)
	}
	return Parse(data)
}

// Parse parses and validates a project definition from YAML bytes.
func Parse(data []byte) (*Project, error) {
	var project Project
	if err := yaml.Unmarshal(data, &project); err != nil {
		return nil, fmt.Errorf("failed to parse project definition: %w", err)
	}

	applyDefaults(&project)

	if err := validate.Struct(&project); err != nil {
		return nil, fmt.Errorf("invalid project definition: %w", err)
	}
	if err := checkInvariants(&project); err != nil {
		return nil, err
	}

	return &project, nil
}

// applyDefaults fills in the documented defaults prior to validation.
func applyDefaults(p *Project) {
	for i := range p.Stages {
		stage := &p.Stages[i]
		for j := range stage.Servers {
			srv := &stage.Servers[j]
			if srv.User == "" {
				srv.User = "root"
			}
			if srv.Port == 0 {
				srv.Port = 22
			}
			if srv.DNS != nil && srv.DNS.TTL == 0 {
				srv.DNS.TTL = 300
			}
		}
	}
}

// checkInvariants enforces the cross-field uniqueness rules the struct
// tags cannot express.
func checkInvariants(p *Project) error {
	stageNames := make(map[string]bool, len(p.Stages))
	for i := range p.Stages {
		stage := &p.Stages[i]
		if stageNames[stage.Name] {
			return fmt.Errorf("duplicate stage name %q", stage.Name)
		}
		stageNames[stage.Name] = true

		serverNames := make(map[string]bool, len(stage.Servers))
		for j := range stage.Servers {
			srv := &stage.Servers[j]
			if serverNames[srv.Name] {
				return fmt.Errorf("stage %q: duplicate server name %q", stage.Name, srv.Name)
			}
			serverNames[srv.Name] = true
		}
	}

	routedStages := make(map[string]bool, len(p.Routes))
	for i := range p.Routes {
		route := &p.Routes[i]
		if routedStages[route.Stage] {
			return fmt.Errorf("stage %q has more than one deployment route", route.Stage)
		}
		routedStages[route.Stage] = true

		if !stageNames[route.Stage] {
			return fmt.Errorf("route references unknown stage %q", route.Stage)
		}
	}

	return nil
}
