package workflow

import "errors"

// Standard error definitions
var (
	ErrTemplateNotFound        = errors.New("template not found")
	ErrInstanceNotFound        = errors.New("instance not found")
	ErrBlockNotFound           = errors.New("block not found")
	ErrInstanceTerminal        = errors.New("instance is in a terminal state")
	ErrDispatcherNotRegistered = errors.New("dispatcher not registered")
	ErrStepLimit               = errors.New("step limit exceeded")

	// ErrUndecided is returned by a Decider that cannot pick a path.
	ErrUndecided = errors.New("decider could not choose a path")
	// ErrUnresolvedCondition means no path could be chosen and there is no default.
	ErrUnresolvedCondition = errors.New("unresolved condition")
	// ErrUnmatchedBranch means a chosen label has no matching connection.
	ErrUnmatchedBranch = errors.New("unmatched branch")
	// ErrDispatchFailure means a dispatcher kept failing after every retry.
	ErrDispatchFailure = errors.New("dispatch failure")
)
