// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

/*
Package errors defines the failures a token acquisition can produce.

Client-side failures are *ClientError values and are detected without contacting the
identity provider. Compare them with errors.Is against the Err* sentinels:

	if errors.Is(err, msalerrors.ErrNoTokensFound) {
		// an interactive login is required
	}

A refresh token rejected by the identity provider is an *InvalidGrantError. Network and other
server failures are a CallErr. Cache corruption is an *InvariantError.
*/
package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/kylelemons/godebug/pretty"
)

var prettyConf = &pretty.Config{IncludeUnexported: false, SkipZeroFields: true, TrackCycles: true}

type verboser interface {
	Verbose() string
}

// Verbose prints the most verbose error that the error message has.
func Verbose(err error) string {
	var v verboser
	if errors.As(err, &v) {
		return v.Verbose()
	}
	return err.Error()
}

// New is equivalent to errors.New().
func New(text string) error {
	return errors.New(text)
}

// ClientErrorCode identifies a client-side failure.
type ClientErrorCode string

const (
	// AccountMissing means the requested account is unknown, or no account is cached.
	AccountMissing ClientErrorCode = "account_missing"
	// AmbiguousAccount means no account was specified and more than one is cached.
	AmbiguousAccount ClientErrorCode = "ambiguous_account"
	// NoTokensFound means no usable refresh token exists for a request that needs one.
	NoTokensFound ClientErrorCode = "no_tokens_found"
	// InvalidParameters means a request was rejected before any cache access.
	InvalidParameters ClientErrorCode = "invalid_parameters"
)

// ClientError is a failure detected locally, without any network call.
type ClientError struct {
	Code ClientErrorCode
	Msg  string
}

func (e *ClientError) Error() string {
	if e.Msg == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// Is matches any *ClientError with the same Code.
func (e *ClientError) Is(target error) bool {
	t, ok := target.(*ClientError)
	return ok && t.Code == e.Code
}

// NewClientError creates a *ClientError.
func NewClientError(code ClientErrorCode, format string, args ...any) *ClientError {
	return &ClientError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

var (
	ErrAccountMissing    = &ClientError{Code: AccountMissing}
	ErrAmbiguousAccount  = &ClientError{Code: AmbiguousAccount}
	ErrNoTokensFound     = &ClientError{Code: NoTokensFound}
	ErrInvalidParameters = &ClientError{Code: InvalidParameters}
)

// InvalidGrantError means the identity provider rejected a refresh token. The token has
// been removed from the cache by the time the caller sees this error.
type InvalidGrantError struct {
	ErrorCode     string
	SubError      string
	Description   string
	CorrelationID string
	Err           error
}

func (e *InvalidGrantError) Error() string {
	msg := fmt.Sprintf("server rejected refresh token (%s)", e.ErrorCode)
	if e.Description != "" {
		msg += ": " + e.Description
	}
	return msg
}

func (e *InvalidGrantError) Unwrap() error {
	return e.Err
}

// Verbose includes the underlying transport error.
func (e *InvalidGrantError) Verbose() string {
	return fmt.Sprintf("%s\n\tCorrelationID: %s\n\tCause:\n%s", e.Error(), e.CorrelationID, prettyConf.Sprint(e.Err))
}

// CallErr represents an HTTP call error. Has a Verbose() method that allows getting the
// http.Request and Response objects. Implements error.
// A CallErr leaves the cache untouched; retrying is the caller's decision.
type CallErr struct {
	Req  *http.Request
	Resp *http.Response
	Err  error
}

// Error implements error.Error().
func (e CallErr) Error() string {
	return e.Err.Error()
}

func (e CallErr) Unwrap() error {
	return e.Err
}

// Verbose prints a versbose error message with the request or response.
func (e CallErr) Verbose() string {
	return fmt.Sprintf("%s:\n\tRequest:\n%s\n\tResponse:\n%s", e.Err, prettyConf.Sprint(e.Req), prettyConf.Sprint(e.Resp))
}

// InvariantError reports cache state that should be impossible, such as two refresh
// tokens for one account and client, or a cache blob that can't be decoded.
type InvariantError struct {
	Op  string
	Err error
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("cache invariant violated in %s: %v", e.Op, e.Err)
}

func (e *InvariantError) Unwrap() error {
	return e.Err
}
