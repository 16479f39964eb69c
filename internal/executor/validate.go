package executor

import "github.com/sheetforge/sheetguard/pkg/validation"

// validateStruct runs the shared validator and returns an empty string when
// the struct is valid.
func validateStruct(v any) string {
	return validation.ValidateStruct(v)
}
