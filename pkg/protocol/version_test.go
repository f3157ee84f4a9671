package protocol

import (
	"errors"
	"testing"
)

func TestParseArtifactAction(t *testing.T) {
	cases := []struct {
		raw  string
		want ArtifactAction
		ok   bool
	}{
		{"create", ActionCreate, true},
		{"UPDATE", ActionUpdate, true},
		{" delete ", ActionDelete, true},
		{"unchange", ActionUnchange, true},
		{"rename", "", false},
		{"", "", false},
	}
	for _, c := range cases {
		got, err := ParseArtifactAction(c.raw)
		if c.ok && (err != nil || got != c.want) {
			t.Errorf("ParseArtifactAction(%q) = %v, %v; want %v", c.raw, got, err, c.want)
		}
		if !c.ok {
			var malformed *MalformedTaskError
			if !errors.As(err, &malformed) {
				t.Errorf("ParseArtifactAction(%q) error = %v, want MalformedTaskError", c.raw, err)
			}
		}
	}
}

func TestVersionMetaUpsertLastWriterWins(t *testing.T) {
	v := &VersionMeta{}
	v.Upsert("src/main.go", "res-1")
	v.Upsert("src/main.go", "res-2")

	if len(v.CurrentFiles) != 1 {
		t.Fatalf("CurrentFiles has %d entries, want 1 (unique by path)", len(v.CurrentFiles))
	}
	if v.CurrentFiles[0].StorageID != "res-2" {
		t.Errorf("storage id = %q, want res-2 (last writer wins)", v.CurrentFiles[0].StorageID)
	}
	if len(v.ModifiedFiles) != 1 || v.ModifiedFiles[0].StorageID != "res-2" {
		t.Errorf("ModifiedFiles = %+v, want single res-2 entry", v.ModifiedFiles)
	}
}

// Create then delete: the path must end up absent from CurrentFiles and
// present in DeletedFiles with the storage id it had.
func TestVersionMetaCreateThenDelete(t *testing.T) {
	v := &VersionMeta{}
	v.Upsert("src/app.js", "res-app")
	v.Delete("src/app.js", "")

	if _, live := v.Lookup("src/app.js"); live {
		t.Error("deleted path must not remain in CurrentFiles")
	}
	if len(v.DeletedFiles) != 1 {
		t.Fatalf("DeletedFiles has %d entries, want 1", len(v.DeletedFiles))
	}
	if v.DeletedFiles[0].StorageID != "res-app" {
		t.Errorf("deleted entry storage id = %q, want res-app (carried from the removed entry)", v.DeletedFiles[0].StorageID)
	}
}

func TestVersionMetaDeleteThenRecreate(t *testing.T) {
	v := &VersionMeta{}
	v.Delete("src/style.css", "res-old")
	v.Upsert("src/style.css", "res-new")

	if len(v.DeletedFiles) != 0 {
		t.Error("recreated path must leave DeletedFiles")
	}
	entry, live := v.Lookup("src/style.css")
	if !live || entry.StorageID != "res-new" {
		t.Errorf("recreated entry = %+v, live=%v", entry, live)
	}
}

func TestVersionMetaResolveStorageID(t *testing.T) {
	v := &VersionMeta{}
	v.Upsert("src/a.go", "")
	v.Upsert("src/b.go", "res-b")

	n := v.ResolveStorageID("src/a.go", "res-a")
	if n != 2 { // one entry in CurrentFiles, one in ModifiedFiles
		t.Errorf("ResolveStorageID resolved %d entries, want 2", n)
	}
	entry, _ := v.Lookup("src/a.go")
	if entry.StorageID != "res-a" {
		t.Errorf("resolved storage id = %q, want res-a", entry.StorageID)
	}
	// Entries that already have an id are left alone.
	if n := v.ResolveStorageID("src/b.go", "res-other"); n != 0 {
		t.Errorf("resolve over a filled entry touched %d entries, want 0", n)
	}
}

func TestVersionMetaClone(t *testing.T) {
	v := &VersionMeta{ParentVersion: "v-1", Description: "base"}
	v.Upsert("src/index.html", "res-1")

	clone := v.Clone()
	clone.Upsert("src/index.html", "res-2")
	clone.Upsert("src/new.css", "res-3")

	if entry, _ := v.Lookup("src/index.html"); entry.StorageID != "res-1" {
		t.Error("mutating a clone must not touch the original")
	}
	if _, live := v.Lookup("src/new.css"); live {
		t.Error("entries added to a clone must not appear in the original")
	}
	if (*VersionMeta)(nil).Clone() != nil {
		t.Error("nil Clone must stay nil")
	}
}
