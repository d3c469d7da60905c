package app

import (
	"errors"
	"testing"

	"github.com/pointwall/postback-service/internal/domain"
)

func TestApplyTemplate_ReturnsIndependentCopy(t *testing.T) {
	first, err := ApplyTemplate("offertoro")
	if err != nil {
		t.Fatalf("expected template to exist, got %v", err)
	}
	first[0].PartnerParam = "mutated"

	second, err := ApplyTemplate("offertoro")
	if err != nil {
		t.Fatalf("expected template to exist, got %v", err)
	}
	if second[0].PartnerParam == "mutated" {
		t.Fatal("template mutation leaked into the canned definition")
	}
}

func TestApplyTemplate_UnknownName(t *testing.T) {
	_, err := ApplyTemplate("no-such-network")
	if !errors.Is(err, ErrUnknownTemplate) {
		t.Fatalf("expected ErrUnknownTemplate, got %v", err)
	}
}

func TestTemplates_PassMappingValidation(t *testing.T) {
	for _, name := range TemplateNames() {
		mappings, err := ApplyTemplate(name)
		if err != nil {
			t.Fatalf("template %q vanished: %v", name, err)
		}
		if err := validateMappings(mappings); err != nil {
			t.Errorf("template %q fails validation: %v", name, err)
		}

		hasUser := false
		for _, mapping := range mappings {
			if mapping.CanonicalName == domain.CanonicalUserID && mapping.Enabled {
				hasUser = true
			}
		}
		if !hasUser {
			t.Errorf("template %q has no enabled user_id mapping", name)
		}
	}
}
