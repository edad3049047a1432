//go:build sqlite

package storage

import "path/filepath"

// SQLiteFileName is the database file created under the output directory.
const SQLiteFileName = "dxtrain.db"

func newSQLiteStore(outputDir string) (Store, error) {
	return NewSQLiteStore(filepath.Join(outputDir, SQLiteFileName)), nil
}
