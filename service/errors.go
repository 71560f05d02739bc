package service

import (
	"errors"
	"fmt"

	"github.com/ggoodman/gatewaycore/resource"
)

var (
	// ErrInvalidArgument is returned when Bind, Unbind or Connect is called
	// without a handler.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrPreconditionFailed is returned when Unbind names a URI bound to a
	// different handler, or Bind names a URI already bound to one.
	ErrPreconditionFailed = errors.New("precondition failed")

	// ErrUnsupported is returned when a transport has no acceptor or
	// connector for an address.
	ErrUnsupported = errors.New("unsupported by transport")
)

// BindError reports an address a transport acceptor refused. The address is
// left unregistered.
type BindError struct {
	Address *resource.Address
	Err     error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("error binding to %s: %v", e.Address.Resource(), e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }
