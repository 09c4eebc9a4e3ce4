// Package agent defines the code-generation boundary: context bundle in,
// file-mutation set out. How the collaborator reasons internally never leaks
// into the orchestrator.
package agent

import "context"

// AttachmentBlob is one decoded attachment included in the context bundle.
// Content marshals as base64 on the wire.
type AttachmentBlob struct {
	Name      string `json:"name"`
	MediaType string `json:"media_type"`
	Content   []byte `json:"content"`
}

// ContextFile is one textual repository file given to the agent. Oversized
// files are truncated with an explicit marker rather than silently dropped.
type ContextFile struct {
	Path      string `json:"path"`
	Content   string `json:"content"`
	Truncated bool   `json:"truncated,omitempty"`
}

// BuildContext is the bundle the orchestrator assembles per round.
type BuildContext struct {
	Brief           string           `json:"brief"`
	Checks          []string         `json:"checks"`
	Round           int              `json:"round"`
	Attachments     []AttachmentBlob `json:"attachments,omitempty"`
	RepositoryTree  []string         `json:"repository_tree,omitempty"`
	RepositoryFiles []ContextFile    `json:"repository_files,omitempty"`
}

// FileMutation is one file creation or update.
type FileMutation struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// MutationSet is the agent's answer: the complete set of changes for one
// round, applied later as a single unit of publication.
type MutationSet struct {
	Creates []FileMutation `json:"creates"`
	Updates []FileMutation `json:"updates"`
	Deletes []string       `json:"deletes"`
}

// Empty reports whether the set contains no changes at all.
func (m *MutationSet) Empty() bool {
	return m == nil || (len(m.Creates) == 0 && len(m.Updates) == 0 && len(m.Deletes) == 0)
}

// Agent generates the file mutations for one round.
type Agent interface {
	GenerateMutations(ctx context.Context, bundle *BuildContext) (*MutationSet, error)
}
