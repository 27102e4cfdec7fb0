package procedure

import (
	"fmt"
)

// Validate checks a procedure definition before it is accepted: step names
// unique within each scope, flow-function branch shapes, and recursive
// validation of nested branches. Errors name the offending step path.
func (p *Procedure) Validate() error {
	if p.Slug == "" {
		return fmt.Errorf("procedure slug is required")
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("procedure %s has no steps", p.Slug)
	}
	if p.OnError != "" && p.OnError != OnErrorFail && p.OnError != OnErrorContinue {
		return fmt.Errorf("procedure %s: invalid on_error %q", p.Slug, p.OnError)
	}
	return validateSteps(p.Steps, p.Slug)
}

// OnErrorOrDefault returns the procedure-level error policy, defaulting to
// fail.
func (p *Procedure) OnErrorOrDefault() OnError {
	if p.OnError == OnErrorContinue {
		return OnErrorContinue
	}
	return OnErrorFail
}

func validateSteps(steps []*Step, path string) error {
	seen := make(map[string]bool, len(steps))
	for _, s := range steps {
		if s.Name == "" {
			return fmt.Errorf("%s: step without a name", path)
		}
		stepPath := path + "." + s.Name
		if seen[s.Name] {
			return fmt.Errorf("%s: duplicate step name %q", path, s.Name)
		}
		seen[s.Name] = true
		if s.Function == "" {
			return fmt.Errorf("%s: step has no function", stepPath)
		}
		if s.OnError != "" && s.OnError != OnErrorFail && s.OnError != OnErrorContinue {
			return fmt.Errorf("%s: invalid on_error %q", stepPath, s.OnError)
		}
		if IsFlowFunction(s.Function) {
			if s.Foreach != nil {
				return fmt.Errorf("%s: flow function %s cannot carry a legacy foreach", stepPath, s.Function)
			}
			if err := validateFlowShape(s, stepPath); err != nil {
				return err
			}
			for name, branch := range s.Branches {
				if err := validateSteps(branch, stepPath+"["+name+"]"); err != nil {
					return err
				}
			}
			continue
		}
		if len(s.Branches) > 0 {
			return fmt.Errorf("%s: branches are only valid on flow functions", stepPath)
		}
		if s.Foreach != nil && s.Foreach.Items == "" {
			return fmt.Errorf("%s: foreach requires items", stepPath)
		}
	}
	return nil
}

func validateFlowShape(s *Step, path string) error {
	switch s.Function {
	case FuncIfBranch:
		if len(s.Branches[BranchThen]) == 0 {
			return fmt.Errorf("%s: if_branch requires a non-empty then branch", path)
		}
		for name := range s.Branches {
			if name != BranchThen && name != BranchElse {
				return fmt.Errorf("%s: if_branch has unexpected branch %q", path, name)
			}
		}
	case FuncSwitchBranch:
		cases := 0
		for name, branch := range s.Branches {
			if len(branch) == 0 {
				return fmt.Errorf("%s: switch_branch branch %q is empty", path, name)
			}
			if name != BranchDefault {
				cases++
			}
		}
		if cases == 0 {
			return fmt.Errorf("%s: switch_branch requires at least one non-default case", path)
		}
	case FuncParallel:
		if len(s.Branches) < 2 {
			return fmt.Errorf("%s: parallel requires at least two branches", path)
		}
		for name, branch := range s.Branches {
			if len(branch) == 0 {
				return fmt.Errorf("%s: parallel branch %q is empty", path, name)
			}
		}
	case FuncForeach:
		if len(s.Branches[BranchEach]) == 0 {
			return fmt.Errorf("%s: foreach requires a non-empty each branch", path)
		}
		for name := range s.Branches {
			if name != BranchEach {
				return fmt.Errorf("%s: foreach has unexpected branch %q", path, name)
			}
		}
	}
	return nil
}
