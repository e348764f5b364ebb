// Package registry owns the connection, group and membership state machines
// that decide which members copy which master.
package registry

import "errors"

// State errors. These are returned to the caller immediately and never retried.
var (
	ErrAccountNotFound    = errors.New("account not found")
	ErrConnectionNotFound = errors.New("connection not found")
	ErrGroupNotFound      = errors.New("group not found")
	ErrPermissionDenied   = errors.New("permission denied")

	ErrSelfConnect       = errors.New("cannot connect to yourself")
	ErrBlocked           = errors.New("connection blocked by master")
	ErrAlreadyActive     = errors.New("connection already active")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidLimit      = errors.New("invalid connection limit")

	ErrInvalidName       = errors.New("group name is required")
	ErrInvalidPolicy     = errors.New("invalid copy policy")
	ErrInvalidFixedPrice = errors.New("fixed price must be at least 0.01")
	ErrInvalidFixedRatio = errors.New("fixed ratio must be between 1 and 100")
	ErrDuplicateName     = errors.New("group name already in use")
	ErrDuplicatePrice    = errors.New("fixed price already used by another group")
	ErrDuplicateRatio    = errors.New("fixed ratio already used by another group")
	ErrGroupDeleted      = errors.New("group is deleted")
	ErrInvalidStatus     = errors.New("invalid status")
	ErrInvalidTier       = errors.New("invalid tier")
)

// Per-member AddMembers failure reasons
const (
	ReasonNotConnected  = "member is not connected"
	ReasonAlreadyJoined = "already joined"
	ReasonStoreError    = "could not save membership"
)
