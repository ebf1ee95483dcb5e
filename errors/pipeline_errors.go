// errors/pipeline_errors.go
package errors

import "errors"

var (
	ErrFilterBlocked            = errors.New("request blocked by access filter")
	ErrAuthDenied               = errors.New("authorization denied")
	ErrNoRuleMatched            = errors.New("no routing rule matched")
	ErrPermissionDenied         = errors.New("consumer permission denied")
	ErrConsumerInvocationFailed = errors.New("consumer invocation failed")
	ErrConfigurationInvalid     = errors.New("configuration invalid")
	ErrInvalidEventPayload      = errors.New("invalid event payload")
	ErrConsumerNotFound         = errors.New("consumer not found")
	ErrInternalServer           = errors.New("internal server error")
)
