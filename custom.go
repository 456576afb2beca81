package teststack

import "context"

// ProvisionCustom returns a container started from spec, shared with every other request whose
// spec has the same Kind.
func (s *Stack) ProvisionCustom(ctx context.Context, spec Spec) (*CustomContainer, error) {
	c, err := s.registry.GetOrCreate(ctx, spec.Kind(), spec)
	if err != nil {
		return nil, err
	}
	return &CustomContainer{RunningContainer: c}, nil
}
