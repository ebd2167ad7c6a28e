// Package errors provides classified error primitives shared by the builder.
//
// A ClassifiedError carries a category (cache, producer, reset, build, ...),
// a severity and a retry hint on top of an optional cause, plus structured
// context for logging. The CLI adapter maps categories to exit codes.
//
// Example usage:
//
//	err := errors.WrapError(cause, errors.CategoryBuild, "assemble output").
//		WithContext("output", outputPath).
//		Build()
package errors
