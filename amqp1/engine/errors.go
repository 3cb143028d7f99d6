// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import "errors"

var (
	// ErrInvalidArgument is returned for malformed capacity values,
	// deadlines or missing addresses.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrLinkNotActive is returned when an operation needs an active link.
	ErrLinkNotActive = errors.New("link not active")

	// ErrLinkDestroyed is returned for any operation on a destroyed link.
	ErrLinkDestroyed = errors.New("link destroyed")

	// ErrUnknownLinkRequest is returned when accepting or rejecting a link
	// handle that has no pending request.
	ErrUnknownLinkRequest = errors.New("unknown link request")

	// ErrUnknownDelivery is returned when settling a delivery the receiver
	// does not hold.
	ErrUnknownDelivery = errors.New("unknown delivery")

	// ErrConnectionDestroyed is returned for operations on a destroyed
	// connection.
	ErrConnectionDestroyed = errors.New("connection destroyed")
)
