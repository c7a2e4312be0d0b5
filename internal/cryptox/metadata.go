package cryptox

import (
	"encoding/json"
	"fmt"
)

// MetadataBlob is the client-maintained naming map: filenames, MIME types
// and folder associations keyed by record id. The server only ever sees it
// sealed under the master key.
type MetadataBlob struct {
	Files   map[string]FileMeta   `json:"files"`
	Folders map[string]FolderMeta `json:"folders"`
}

type FileMeta struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	FolderID string `json:"folder_id"`
}

type FolderMeta struct {
	Name     string `json:"name"`
	ParentID string `json:"parent_id,omitempty"`
}

// SealMetadata JSON-serializes the blob and wraps it with the master key.
func SealMetadata(blob *MetadataBlob, masterKey []byte) (ciphertext, nonce []byte, err error) {
	plaintext, err := json.Marshal(blob)
	if err != nil {
		return nil, nil, fmt.Errorf("seal metadata: %w", err)
	}
	return Wrap(plaintext, masterKey)
}

// OpenMetadata unwraps and deserializes a sealed metadata blob. This is the
// single point where the service could read filenames if it held a master
// key; master keys only ever live in the session cache.
func OpenMetadata(ciphertext, nonce, masterKey []byte) (*MetadataBlob, error) {
	plaintext, err := Unwrap(ciphertext, nonce, masterKey)
	if err != nil {
		return nil, err
	}
	var blob MetadataBlob
	if err := json.Unmarshal(plaintext, &blob); err != nil {
		return nil, fmt.Errorf("open metadata: %w", err)
	}
	return &blob, nil
}
