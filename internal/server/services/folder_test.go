package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hermitbox/hermitbox/internal/common"
	"github.com/hermitbox/hermitbox/internal/cryptox"
	"github.com/hermitbox/hermitbox/internal/server/keycache"
	"github.com/hermitbox/hermitbox/internal/server/models"
)

func strptr(s string) *string { return &s }

// tree: root <- a <- b
func newFolderEnv(t *testing.T) (*FolderService, *fakeFoldersRepo, *keycache.Cache) {
	t.Helper()

	fo := newFakeFoldersRepo()
	fo.byID["root"] = &models.Folder{ID: "root", UserID: "u-1"}
	fo.byID["a"] = &models.Folder{ID: "a", UserID: "u-1", ParentID: strptr("root")}
	fo.byID["b"] = &models.Folder{ID: "b", UserID: "u-1", ParentID: strptr("a")}

	rm := &fakeUserRM{fakeRepoManager: &fakeRepoManager{}, fo: fo}
	keys := keycache.New(time.Hour)

	return NewFolderService(nil, rm, keys), fo, keys
}

func TestMoveFolder_RejectsCycle(t *testing.T) {
	svc, fo, _ := newFolderEnv(t)

	// a under its own descendant b
	if err := svc.MoveFolder(context.Background(), "u-1", "a", "b"); !errors.Is(err, common.ErrFolderCycle) {
		t.Fatalf("expected ErrFolderCycle, got %v", err)
	}
	// a under itself
	if err := svc.MoveFolder(context.Background(), "u-1", "a", "a"); !errors.Is(err, common.ErrFolderCycle) {
		t.Fatalf("expected ErrFolderCycle, got %v", err)
	}
	if len(fo.parents) != 0 {
		t.Fatalf("a rejected move must not write, parents=%v", fo.parents)
	}
}

func TestMoveFolder_Valid(t *testing.T) {
	svc, fo, _ := newFolderEnv(t)

	if err := svc.MoveFolder(context.Background(), "u-1", "b", "root"); err != nil {
		t.Fatalf("MoveFolder error: %v", err)
	}
	if fo.parents["b"] != "root" {
		t.Fatalf("expected b re-parented to root, parents=%v", fo.parents)
	}
}

func TestMoveFolder_UnknownParent(t *testing.T) {
	svc, _, _ := newFolderEnv(t)

	if err := svc.MoveFolder(context.Background(), "u-1", "a", "ghost"); !errors.Is(err, common.ErrorNotFound) {
		t.Fatalf("expected ErrorNotFound, got %v", err)
	}
}

func TestCreateFolder_RequiresSession(t *testing.T) {
	svc, _, _ := newFolderEnv(t)

	_, err := svc.CreateFolder(context.Background(), "u-1", "root", []byte("ph"))
	if !errors.Is(err, common.ErrorUnauthorized) {
		t.Fatalf("expected ErrorUnauthorized without a cached key, got %v", err)
	}
}

func TestCreateFolder_WrapsUnderMaster(t *testing.T) {
	svc, fo, keys := newFolderEnv(t)

	master := cryptox.NewKey()
	keys.Put("u-1", master)

	folder, err := svc.CreateFolder(context.Background(), "u-1", "root", []byte("ph"))
	if err != nil {
		t.Fatalf("CreateFolder error: %v", err)
	}
	if folder.ParentID == nil || *folder.ParentID != "root" {
		t.Fatalf("unexpected parent: %+v", folder)
	}
	if _, err := cryptox.UnwrapKey(folder.WrappedKey, folder.KeyNonce, master); err != nil {
		t.Fatalf("folder key should unwrap under the master key: %v", err)
	}
	if len(fo.created) != 1 {
		t.Fatalf("expected one created folder, got %d", len(fo.created))
	}
}
