package config

import (
	"errors"
	"fmt"
)

// ValidationError describes a configuration document that cannot produce a
// safe runtime. It is always fatal before the loop starts.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// AsValidationError unwraps err into a *ValidationError if it is one.
func AsValidationError(err error) (*ValidationError, bool) {
	var ve *ValidationError
	ok := errors.As(err, &ve)
	return ve, ok
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks the document against the invariants the runtime depends
// on. It returns the first violation found.
func (c *Config) Validate() error {
	if c.Prompt == "" {
		return invalid("prompt", "required")
	}
	switch c.PolicyType {
	case PolicyOpenPI:
		if c.ServerIP == "" {
			return invalid("server_ip", "required for policy_type %q; set server_ip: x.x.x.x", PolicyOpenPI)
		}
	case PolicyTeleop:
		if c.Teleop == nil || c.Teleop.Port == "" {
			return invalid("teleop.port", "required for policy_type %q", PolicyTeleop)
		}
	default:
		return invalid("policy_type", "unrecognized %q (want %q or %q)", c.PolicyType, PolicyOpenPI, PolicyTeleop)
	}

	if c.MaxSteps <= 0 {
		return invalid("max_steps", "must be > 0, got %d", c.MaxSteps)
	}
	if c.Hz <= 0 {
		return invalid("hz", "must be > 0, got %d", c.Hz)
	}
	if c.MaxStepDelta <= 0 {
		return invalid("max_step_delta", "must be > 0, got %g", c.MaxStepDelta)
	}
	if c.PolicyRetries < 0 {
		return invalid("policy_retries", "must be >= 0, got %d", c.PolicyRetries)
	}
	if c.ActionHorizon < 0 {
		return invalid("action_horizon", "must be >= 0, got %d", c.ActionHorizon)
	}

	if c.Robot.Port == "" {
		return invalid("robot.port", "required")
	}
	if err := c.validateJoints(); err != nil {
		return err
	}
	return c.validateCameras()
}

func (c *Config) validateJoints() error {
	joints := c.Robot.AllJoints()
	if len(joints) == 0 {
		return invalid("robot.joints", "at least one joint required")
	}

	seen := make(map[string]bool, len(joints))
	for i, j := range joints {
		field := fmt.Sprintf("robot.joints[%d]", i)
		if j.Name == "" {
			return invalid(field, "name required")
		}
		if seen[j.Name] {
			return invalid(field, "duplicate joint name %q", j.Name)
		}
		seen[j.Name] = true
		if j.Min > j.Max {
			return invalid(field, "min_limit %g > max_limit %g", j.Min, j.Max)
		}
		if j.Home != nil && (*j.Home < j.Min || *j.Home > j.Max) {
			return invalid(field, "home %g outside [%g, %g]", *j.Home, j.Min, j.Max)
		}
		if c.StartHome && j.Home == nil {
			return invalid(field, "home required when start_home is set; run `leopenpi set-home`")
		}
	}
	return nil
}

func (c *Config) validateCameras() error {
	seen := make(map[string]bool, len(c.Cameras))
	for i, cam := range c.Cameras {
		field := fmt.Sprintf("cameras[%d]", i)
		if cam.Name == "" {
			return invalid(field, "name required")
		}
		if seen[cam.Name] {
			return invalid(field, "duplicate camera name %q", cam.Name)
		}
		seen[cam.Name] = true
		if cam.Index < 0 {
			return invalid(field, "index must be >= 0, got %d", cam.Index)
		}
		if (cam.MinX | cam.MaxX | cam.MinY | cam.MaxY) != 0 {
			if cam.MinX < 0 || cam.MinY < 0 {
				return invalid(field, "crop region must be non-negative")
			}
			if cam.MaxX <= cam.MinX || cam.MaxY <= cam.MinY {
				return invalid(field, "crop region must satisfy minX < maxX and minY < maxY")
			}
		}
	}
	return nil
}
