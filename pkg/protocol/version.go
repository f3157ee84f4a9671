package protocol

import (
	"fmt"
	"strings"
)

// ArtifactAction is the effect a task has on one storage-backed file.
type ArtifactAction string

// Artifact action verbs.
const (
	ActionCreate   ArtifactAction = "create"
	ActionUpdate   ArtifactAction = "update"
	ActionDelete   ArtifactAction = "delete"
	ActionUnchange ArtifactAction = "unchange"
)

// ParseArtifactAction parses a case-insensitive action verb.
func ParseArtifactAction(raw string) (ArtifactAction, error) {
	switch ArtifactAction(strings.ToLower(strings.TrimSpace(raw))) {
	case ActionCreate:
		return ActionCreate, nil
	case ActionUpdate:
		return ActionUpdate, nil
	case ActionDelete:
		return ActionDelete, nil
	case ActionUnchange:
		return ActionUnchange, nil
	default:
		return "", &MalformedTaskError{Field: ParamAction, Reason: fmt.Sprintf("unknown artifact action %q", raw)}
	}
}

// FileEntry associates an artifact path with its storage identifier.
type FileEntry struct {
	Path      string `json:"path"`
	StorageID string `json:"storage_id"`
}

// VersionMeta is the artifact-set snapshot of a topic at a point in time.
// CurrentFiles is the present state; ModifiedFiles are the paths touched in
// this version; DeletedFiles are the paths removed in this version.
//
// Invariants: CurrentFiles is unique by path (last writer wins), and a path
// present in DeletedFiles never appears in CurrentFiles.
type VersionMeta struct {
	ParentVersion string      `json:"parent_version,omitempty"`
	Description   string      `json:"description,omitempty"`
	CurrentFiles  []FileEntry `json:"current_files"`
	ModifiedFiles []FileEntry `json:"modified_files"`
	DeletedFiles  []FileEntry `json:"deleted_files"`
}

// Clone returns a deep copy of v. Used when seeding a child topic from its
// parent's version so later mutations don't alias.
func (v *VersionMeta) Clone() *VersionMeta {
	if v == nil {
		return nil
	}
	out := &VersionMeta{
		ParentVersion: v.ParentVersion,
		Description:   v.Description,
		CurrentFiles:  append([]FileEntry(nil), v.CurrentFiles...),
		ModifiedFiles: append([]FileEntry(nil), v.ModifiedFiles...),
		DeletedFiles:  append([]FileEntry(nil), v.DeletedFiles...),
	}
	return out
}

// upsert replaces the entry for path in the list or appends a new one.
func upsert(list []FileEntry, entry FileEntry) []FileEntry {
	for i := range list {
		if list[i].Path == entry.Path {
			list[i] = entry
			return list
		}
	}
	return append(list, entry)
}

// remove drops the entry for path and returns the removed entry, if any.
func remove(list []FileEntry, path string) ([]FileEntry, *FileEntry) {
	for i := range list {
		if list[i].Path == path {
			removed := list[i]
			return append(list[:i], list[i+1:]...), &removed
		}
	}
	return list, nil
}

// Upsert records a create/update of path with the given storage id in both
// CurrentFiles and ModifiedFiles. A previously deleted path becomes live
// again.
func (v *VersionMeta) Upsert(path, storageID string) {
	entry := FileEntry{Path: path, StorageID: storageID}
	v.CurrentFiles = upsert(v.CurrentFiles, entry)
	v.ModifiedFiles = upsert(v.ModifiedFiles, entry)
	v.DeletedFiles, _ = remove(v.DeletedFiles, path)
}

// Delete removes path from CurrentFiles and appends it to DeletedFiles,
// keeping the storage id of the removed entry when the caller passes none.
func (v *VersionMeta) Delete(path, storageID string) {
	var prior *FileEntry
	v.CurrentFiles, prior = remove(v.CurrentFiles, path)
	if storageID == "" && prior != nil {
		storageID = prior.StorageID
	}
	v.DeletedFiles = upsert(v.DeletedFiles, FileEntry{Path: path, StorageID: storageID})
}

// ResolveStorageID fills in the storage id for every entry of path whose id
// is still empty, in CurrentFiles and ModifiedFiles. Returns how many
// entries were updated.
func (v *VersionMeta) ResolveStorageID(path, storageID string) int {
	n := 0
	for _, list := range [][]FileEntry{v.CurrentFiles, v.ModifiedFiles} {
		for i := range list {
			if list[i].Path == path && list[i].StorageID == "" {
				list[i].StorageID = storageID
				n++
			}
		}
	}
	return n
}

// Lookup returns the CurrentFiles entry for path, if present.
func (v *VersionMeta) Lookup(path string) (FileEntry, bool) {
	for _, e := range v.CurrentFiles {
		if e.Path == path {
			return e, true
		}
	}
	return FileEntry{}, false
}
