package training

import (
	"fmt"
	"strings"
)

// UnknownModelTypeError is returned when no factory is registered for a class path
type UnknownModelTypeError struct {
	ClassPath string
}

func (e *UnknownModelTypeError) Error() string {
	return fmt.Sprintf("unknown model type %q", e.ClassPath)
}

// DuplicateModelError is returned when a sub-model name is registered twice
type DuplicateModelError struct {
	Name string
}

func (e *DuplicateModelError) Error() string {
	return fmt.Sprintf("model %q is already registered", e.Name)
}

// UnknownModelError is returned for operations on an unregistered sub-model
type UnknownModelError struct {
	Name string
}

func (e *UnknownModelError) Error() string {
	return fmt.Sprintf("model %q is not registered", e.Name)
}

// ParameterMismatchError reports an EMA shadow whose parameter names no
// longer match its live model
type ParameterMismatchError struct {
	Name   string
	Live   []string
	Shadow []string
}

func (e *ParameterMismatchError) Error() string {
	return fmt.Sprintf("ema %s: parameter names differ: live [%s], shadow [%s]",
		e.Name, strings.Join(e.Live, ", "), strings.Join(e.Shadow, ", "))
}
