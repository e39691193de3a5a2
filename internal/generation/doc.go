// Package generation defines the boundary between the grading pipeline and
// external AI model services, following the hexagonal architecture pattern.
package generation
