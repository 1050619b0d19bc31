package fleet

import (
	"io"

	"gopkg.in/yaml.v3"
)

// RoleGroup is the batch of instances sharing one role.
type RoleGroup struct {
	Role        string   `json:"role" yaml:"role"`
	InstanceIDs []string `json:"instance_ids" yaml:"instance_ids"`
}

// Plan is the discovered fleet arranged in processing order.
type Plan struct {
	Application string      `yaml:"application"`
	Workflow    string      `yaml:"workflow"`
	Groups      []RoleGroup `yaml:"groups"`
	// Unassigned holds instances whose role is missing or not in the order.
	Unassigned []Instance `yaml:"unassigned,omitempty"`
}

// BuildPlan groups instances by role following order. Roles with no instances
// are left out; discovery order is kept within a group.
func BuildPlan(instances []Instance, order []string) Plan {
	byRole := make(map[string][]string, len(order))
	known := make(map[string]struct{}, len(order))
	for _, role := range order {
		known[role] = struct{}{}
	}

	var plan Plan
	for _, inst := range instances {
		if _, ok := known[inst.Role]; !ok || inst.Role == "" {
			plan.Unassigned = append(plan.Unassigned, inst)
			continue
		}
		byRole[inst.Role] = append(byRole[inst.Role], inst.ID)
	}

	for _, role := range order {
		ids := byRole[role]
		if len(ids) == 0 {
			continue
		}
		plan.Groups = append(plan.Groups, RoleGroup{Role: role, InstanceIDs: ids})
	}
	return plan
}

// WriteYAML renders the plan for dry runs.
func (p Plan) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(p); err != nil {
		return err
	}
	return enc.Close()
}
