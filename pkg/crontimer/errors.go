package crontimer

import "errors"

var (
	// ErrDisposed is returned by mutating calls on a Timer after Dispose.
	ErrDisposed = errors.New("crontimer: timer disposed")

	// ErrParse wraps every expression syntax failure reported by an Evaluator.
	ErrParse = errors.New("crontimer: invalid expression")

	// ErrEmptyExpression is returned when a rearm cycle runs without an expression.
	ErrEmptyExpression = errors.New("crontimer: expression required")
)
