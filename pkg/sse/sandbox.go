package sse

import (
	"context"
	"fmt"
	"strings"
)

// TemplateResolver resolves an owner's sandbox event endpoint by
// substituting the owner id into a configured URL template. The container
// orchestration layer that actually places and names sandboxes is an
// external collaborator (spec §1); this is the seam's simplest concrete
// implementation.
type TemplateResolver struct {
	template string
}

func NewTemplateResolver(template string) *TemplateResolver {
	return &TemplateResolver{template: template}
}

func (t *TemplateResolver) ResolveEventEndpoint(ctx context.Context, ownerID string) (string, error) {
	if !strings.Contains(t.template, "%s") {
		return "", fmt.Errorf("sse: sandbox URL template has no owner placeholder")
	}
	return fmt.Sprintf(t.template, ownerID), nil
}
