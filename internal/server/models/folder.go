package models

import "time"

// Folder is a per-user tree node. The folder key is wrapped under the user's
// master key; PathHash allows lookup by logical path without revealing it.
// Exactly one folder per user has a nil ParentID (the root).
type Folder struct {
	ID         string
	UserID     string
	ParentID   *string
	WrappedKey []byte
	KeyNonce   []byte
	PathHash   []byte
	CreatedAt  time.Time
}
