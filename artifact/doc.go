// Package artifact contains core.ArtifactStore implementations for the files
// a run generates.
//
// The interface lives in core so stages depend on the contract only.
// InMemoryStore keeps bytes in process for tests and dry runs; WorkspaceStore
// writes through the path sandbox into the workspace itself.
package artifact
