package storage

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/vitaly-z/brainy/cow"
)

// SnapshotToCommit captures the current entity and system state of a
// filesystem adapter as one commit on the given branch. The snapshot
// covers entities/ and _system/; locks, the change log and the COW store
// itself are runtime state and stay out of history. Bodies are committed
// byte-for-byte under their physical names, so a historical view reads
// them through the same dual-format codec as live storage.
func SnapshotToCommit(ctx context.Context, storage *FilesystemStorage, repo *cow.Store, branch, message string) (string, error) {
	if !storage.CowEnabled(ctx) {
		return "", newError(KindConflict, "snapshot", CowDisabledMarkerPath,
			fmt.Errorf("copy-on-write is disabled for this root"))
	}
	files := make(map[string][]byte)
	for _, prefix := range []string{EntitiesPrefix, SystemPrefix} {
		root := filepath.Join(storage.Root(), prefix)
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if os.IsNotExist(err) {
					return nil
				}
				return err
			}
			if d.IsDir() || strings.Contains(d.Name(), ".tmp.") {
				return nil
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			body, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(storage.Root(), path)
			if err != nil {
				return err
			}
			files[filepath.ToSlash(rel)] = body
			return nil
		})
		if err != nil {
			return "", newError(KindIO, "snapshot", prefix, err)
		}
	}
	commitID, err := repo.CreateCommit(branch, message, files)
	if err != nil {
		return "", newError(KindIO, "snapshot", branch, err)
	}
	return commitID, nil
}
