package storage

import "github.com/pkg/errors"

// DefaultStoreKind is the on-disk layout under the output directory.
func DefaultStoreKind() string {
	return "file"
}

func NewStore(kind, outputDir string) (Store, error) {
	switch kind {
	case "", "file":
		return NewFileStore(outputDir), nil
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return newSQLiteStore(outputDir)
	default:
		return nil, errors.Errorf("unsupported store backend: %s", kind)
	}
}

func CloseIfSupported(store Store) error {
	closer, ok := store.(interface{ Close() error })
	if !ok {
		return nil
	}
	return closer.Close()
}
