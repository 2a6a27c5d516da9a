// Package domain defines the types shared by the toolchain orchestration layer.
//
// This package has ZERO external dependencies outside the Go standard library.
// It holds the error taxonomy, the structured outcome of a toolchain
// invocation and the toolchain messages extracted from its output. The
// locator, runner, session and build packages depend on it; it depends on
// none of them.
//
//	Infrastructure → Domain (CORRECT)
//	Domain → Infrastructure (FORBIDDEN)
package domain
