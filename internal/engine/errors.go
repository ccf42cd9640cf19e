package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Mryrghb/todosWithLesan/internal/docstore"
	"github.com/Mryrghb/todosWithLesan/internal/metadata"
)

const (
	CodeUnknownType            = "UNKNOWN_TYPE"
	CodeDuplicateType          = "DUPLICATE_TYPE"
	CodeInvalidRelation        = "INVALID_RELATION"
	CodeCardinalityViolation   = "CARDINALITY_VIOLATION"
	CodeNotFound               = "NOT_FOUND"
	CodePartialRelationFailure = "PARTIAL_RELATION_FAILURE"
	CodeUnknownField           = "UNKNOWN_FIELD"
	CodeUnauthenticated        = "UNAUTHENTICATED"
	CodeForbidden              = "FORBIDDEN"
	CodeValidationFailed       = "VALIDATION_FAILED"
	CodeInvalidContextUse      = "INVALID_CONTEXT_USE"
	CodeUnknownAction          = "UNKNOWN_ACTION"
	CodeInternal               = "INTERNAL_ERROR"
)

type AppError struct {
	Code    string        `json:"code"`
	Status  int           `json:"-"`
	Message string        `json:"message"`
	Details []ErrorDetail `json:"details,omitempty"`
	Err     error         `json:"-"`
}

type ErrorDetail struct {
	Field   string `json:"field,omitempty"`
	Rule    string `json:"rule,omitempty"`
	Message string `json:"message"`
}

func (e *AppError) Error() string {
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is matches any *AppError with the same code, so callers can write
// errors.Is(err, engine.ErrNotFound).
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	return ok && t.Code == e.Code
}

type ErrorResponse struct {
	Error *AppError `json:"error"`
}

// Code sentinels for errors.Is.
var (
	ErrUnknownType            = &AppError{Code: CodeUnknownType}
	ErrCardinalityViolation   = &AppError{Code: CodeCardinalityViolation}
	ErrNotFound               = &AppError{Code: CodeNotFound}
	ErrPartialRelationFailure = &AppError{Code: CodePartialRelationFailure}
	ErrUnknownField           = &AppError{Code: CodeUnknownField}
	ErrUnauthenticated        = &AppError{Code: CodeUnauthenticated}
	ErrForbidden              = &AppError{Code: CodeForbidden}
	ErrValidationFailed       = &AppError{Code: CodeValidationFailed}
	ErrInvalidContextUse      = &AppError{Code: CodeInvalidContextUse}
	ErrUnknownAction          = &AppError{Code: CodeUnknownAction}
)

func NewAppError(code string, status int, msg string) *AppError {
	return &AppError{Code: code, Status: status, Message: msg}
}

func NotFoundError(entity, id string) *AppError {
	return &AppError{
		Code:    CodeNotFound,
		Status:  404,
		Message: fmt.Sprintf("%s with id %s not found", entity, id),
	}
}

func UnknownTypeError(name string) *AppError {
	return &AppError{
		Code:    CodeUnknownType,
		Status:  404,
		Message: fmt.Sprintf("Unknown entity type: %s", name),
	}
}

func UnknownFieldError(typeName, path string) *AppError {
	return &AppError{
		Code:    CodeUnknownField,
		Status:  400,
		Message: fmt.Sprintf("Unknown field %s on %s", path, typeName),
		Details: []ErrorDetail{{Field: path, Rule: "unknown", Message: "not a field or relation of " + typeName}},
	}
}

func CardinalityError(typeName, relation, msg string) *AppError {
	return &AppError{
		Code:    CodeCardinalityViolation,
		Status:  422,
		Message: fmt.Sprintf("%s.%s: %s", typeName, relation, msg),
		Details: []ErrorDetail{{Field: relation, Rule: "cardinality", Message: msg}},
	}
}

func ValidationError(details []ErrorDetail) *AppError {
	return &AppError{
		Code:    CodeValidationFailed,
		Status:  422,
		Message: "Validation failed",
		Details: details,
	}
}

func UnauthenticatedError(msg string) *AppError {
	return &AppError{Code: CodeUnauthenticated, Status: 401, Message: msg}
}

func ForbiddenError(msg string) *AppError {
	return &AppError{Code: CodeForbidden, Status: 403, Message: msg}
}

func InvalidContextUseError(msg string) *AppError {
	return &AppError{Code: CodeInvalidContextUse, Status: 500, Message: msg}
}

func UnknownActionError(schema, act string) *AppError {
	return &AppError{
		Code:    CodeUnknownAction,
		Status:  404,
		Message: fmt.Sprintf("Unknown action %s.%s", schema, act),
	}
}

func InternalError(err error) *AppError {
	return &AppError{Code: CodeInternal, Status: 500, Message: "Internal server error", Err: err}
}

// Side names which half of a bidirectional write failed.
type Side string

const (
	SideTarget  Side = "target"
	SideReverse Side = "reverse"
)

// PartialFailure records a relation write that stopped halfway. Writes
// listed in Applied are durable and were not rolled back.
type PartialFailure struct {
	Side     Side
	Type     string
	ID       string
	Relation string
	Applied  []string
	Err      error
}

func (p *PartialFailure) Error() string {
	return fmt.Sprintf("partial relation failure on %s side (%s/%s.%s) after [%s]: %v",
		p.Side, p.Type, p.ID, p.Relation, strings.Join(p.Applied, ", "), p.Err)
}

func (p *PartialFailure) Unwrap() error {
	return p.Err
}

func PartialRelationError(p *PartialFailure) *AppError {
	return &AppError{
		Code:    CodePartialRelationFailure,
		Status:  500,
		Message: fmt.Sprintf("Relation write incomplete: %s side failed at %s/%s", p.Side, p.Type, p.ID),
		Details: []ErrorDetail{{Field: p.Relation, Rule: string(p.Side), Message: p.Err.Error()}},
		Err:     p,
	}
}

// AsAppError maps lower-layer errors onto the taxonomy.
func AsAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	switch {
	case errors.Is(err, metadata.ErrUnknownType):
		return &AppError{Code: CodeUnknownType, Status: 404, Message: err.Error(), Err: err}
	case errors.Is(err, metadata.ErrDuplicateType):
		return &AppError{Code: CodeDuplicateType, Status: 409, Message: err.Error(), Err: err}
	case errors.Is(err, metadata.ErrInvalidRelation), errors.Is(err, metadata.ErrInvalidField):
		return &AppError{Code: CodeInvalidRelation, Status: 500, Message: err.Error(), Err: err}
	case errors.Is(err, docstore.ErrNotFound):
		return &AppError{Code: CodeNotFound, Status: 404, Message: "Not found", Err: err}
	}
	return InternalError(err)
}
