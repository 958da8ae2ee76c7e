// Package advisorylock contains the lock IDs of all advisory locks used
// by shardkv.
package advisorylock

const (
	// BranchCreation is held shared while a branch is created and its store
	// stamped, and exclusively while garbage collection lists branches.
	BranchCreation = 1
)
