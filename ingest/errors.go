/*
	Fernweh
	Copyright (c) 2024 Fernweh contributors

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU Affero General Public License as published
	by the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU Affero General Public License for more details.

	You should have received a copy of the GNU Affero General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package ingest

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrNoUser is the fatal precondition failure of an upload: nobody is signed
// in. Retrying is pointless until the user re-authenticates.
var ErrNoUser = errors.New("no authenticated user")

// FailureClass sorts upload/persist failures into the causes a user can
// actually act on.
type FailureClass int

const (
	FailureUnknown FailureClass = iota
	FailureAuth
	FailureQuota
	FailurePermission
	FailureNetwork
)

func (c FailureClass) String() string {
	switch c {
	case FailureAuth:
		return "auth"
	case FailureQuota:
		return "quota"
	case FailurePermission:
		return "permission"
	case FailureNetwork:
		return "network"
	default:
		return "unknown"
	}
}

// BackendError is a classified failure from a storage or persistence
// boundary. The wrapped error keeps the technical detail for the logs; the
// class decides the message shown to the user.
type BackendError struct {
	Class FailureClass
	Err   error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s failure: %v", e.Class, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// WrapAuth marks err as an authentication failure.
func WrapAuth(err error) error { return wrapClass(FailureAuth, err) }

// WrapQuota marks err as a storage quota or size-limit failure.
func WrapQuota(err error) error { return wrapClass(FailureQuota, err) }

// WrapPermission marks err as a permission failure.
func WrapPermission(err error) error { return wrapClass(FailurePermission, err) }

// WrapNetwork marks err as a transient network failure.
func WrapNetwork(err error) error { return wrapClass(FailureNetwork, err) }

func wrapClass(class FailureClass, err error) error {
	if err == nil {
		return nil
	}
	return &BackendError{Class: class, Err: err}
}

// SchemaError reports a write that referenced a column the photos table does
// not have, which usually means a stale client against a migrated backend.
// It is kept distinct from the other failure classes because the user-facing
// message must identify the column.
type SchemaError struct {
	Column string
	Err    error
}

func (e *SchemaError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("schema mismatch: missing column %q", e.Column)
	}
	return fmt.Sprintf("schema mismatch (missing column %q): %v", e.Column, e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// messages stored in ErrorDetail; raw backend errors never reach the user
const (
	msgSignedOut  = "You are signed out. Sign in again, then retry the upload."
	msgAuthFailed = "Authentication failed. Sign in again, then retry the upload."
	msgQuota      = "Storage is full. Free up space or upgrade your plan, then retry."
	msgPermission = "You don't have permission to add photos to this album."
	msgNetwork    = "A network error interrupted the upload. Check your connection and retry."
	msgGeneric    = "The upload failed. Please try again."
)

// userFacingMessage maps any error from an upload attempt to the message a
// failed photo carries. Unclassified transport errors still read as network
// trouble; everything else falls back to a generic retry prompt.
func userFacingMessage(err error) string {
	if err == nil {
		return ""
	}

	if errors.Is(err, ErrNoUser) {
		return msgSignedOut
	}

	var schemaErr *SchemaError
	if errors.As(err, &schemaErr) {
		if schemaErr.Column != "" {
			return fmt.Sprintf("The journal's photo table is missing the %q column. Update the app and try again.", schemaErr.Column)
		}
		return "The journal's photo table does not match this app version. Update the app and try again."
	}

	var backendErr *BackendError
	if errors.As(err, &backendErr) {
		switch backendErr.Class {
		case FailureAuth:
			return msgAuthFailed
		case FailureQuota:
			return msgQuota
		case FailurePermission:
			return msgPermission
		case FailureNetwork:
			return msgNetwork
		}
		return msgGeneric
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return msgNetwork
	}

	return msgGeneric
}
