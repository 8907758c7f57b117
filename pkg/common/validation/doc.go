// Package validation holds the checks shared by the lbucket constructors,
// the command parser and the daemon configuration. Every failure is reported
// as an *errors.ValidationError so callers can classify it as a client error.
package validation
