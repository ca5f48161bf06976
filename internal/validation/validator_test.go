// Sotto - Offline-First Group Chat Sync Engine
// Copyright 2026 Sotto Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sotto-chat/sotto

package validation

import (
	"strings"
	"testing"
)

type sampleRow struct {
	ID      string `validate:"required,uuid4"`
	ScopeID string `validate:"required"`
	Content string `validate:"required,max=10"`
	Status  string `validate:"omitempty,oneof=pending sent delivered failed"`
}

// TestValidateStructPasses verifies a well-formed struct validates cleanly.
func TestValidateStructPasses(t *testing.T) {
	row := sampleRow{
		ID:      "7c9e6679-7425-40de-944b-e07fc1f90ae7",
		ScopeID: "grp-1",
		Content: "hi",
		Status:  "pending",
	}
	if verr := ValidateStruct(&row); verr != nil {
		t.Errorf("expected valid struct, got %v", verr)
	}
}

// TestValidateStructCollectsFieldErrors verifies each failing field is reported.
func TestValidateStructCollectsFieldErrors(t *testing.T) {
	row := sampleRow{
		ID:      "not-a-uuid",
		Content: "this content is far too long",
		Status:  "vanished",
	}

	verr := ValidateStruct(&row)
	if verr == nil {
		t.Fatal("expected validation errors")
	}

	byField := map[string]FieldError{}
	for _, f := range verr.Fields() {
		byField[f.Field] = f
	}

	if _, ok := byField["ID"]; !ok {
		t.Error("expected ID failure")
	}
	if _, ok := byField["ScopeID"]; !ok {
		t.Error("expected ScopeID failure")
	}
	if f, ok := byField["Content"]; !ok || f.Tag != "max" {
		t.Errorf("expected Content max failure, got %+v", f)
	}
	if f, ok := byField["Status"]; !ok || f.Tag != "oneof" {
		t.Errorf("expected Status oneof failure, got %+v", f)
	}
}

// TestStructErrorMessage verifies the combined message names the fields.
func TestStructErrorMessage(t *testing.T) {
	verr := ValidateStruct(&sampleRow{})
	if verr == nil {
		t.Fatal("expected validation errors")
	}
	msg := verr.Error()
	if !strings.Contains(msg, "ID is required") {
		t.Errorf("expected required message, got %q", msg)
	}
}
