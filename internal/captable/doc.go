// Package captable implements the capability model: a flat,
// generation-tagged object registry shared by all tasks, and per-task
// capability tables mapping local handles to rights-carrying object
// references.
//
// Revocation is lazy and O(1): revoking an object bumps its slot
// generation, and every capability minted against the old generation
// fails validation on its next use. No descendant enumeration, no
// window in which a stale capability validates.
package captable
