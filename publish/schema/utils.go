package schema

import (
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrFileNotFound   = errors.New("published file not found")
	ErrTagNotFound    = errors.New("tag not found")
	ErrTaskNotFound   = errors.New("task not found")
	ErrDbAccessFailed = errors.New("db access failed")
)

func GetFile(fileId uuid.UUID, db *gorm.DB, loadTags bool) (PublishedFile, error) {
	var file PublishedFile

	var result *gorm.DB = db
	if loadTags {
		result = result.Preload("Tags")
	}
	result = result.First(&file, "id = ?", fileId)

	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return file, ErrFileNotFound
		}
		slog.Error("sql error in get file", "file_id", fileId, "error", result.Error)
		return file, ErrDbAccessFailed
	}

	return file, nil
}

// GetFileForUpdate locks the record's row for the duration of the enclosing
// transaction. Used to serialize version-number assignment on a chain root.
func GetFileForUpdate(fileId uuid.UUID, txn *gorm.DB) (PublishedFile, error) {
	var file PublishedFile

	result := txn.Clauses(clause.Locking{Strength: "UPDATE"}).First(&file, "id = ?", fileId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return file, ErrFileNotFound
		}
		slog.Error("sql error in get file for update", "file_id", fileId, "error", result.Error)
		return file, ErrDbAccessFailed
	}

	return file, nil
}

// GetVersionChain returns the root record plus every record linked to it,
// ordered by version.
func GetVersionChain(rootId uuid.UUID, db *gorm.DB) ([]PublishedFile, error) {
	var files []PublishedFile

	result := db.
		Where("id = ?", rootId).
		Or("version_of = ?", rootId).
		Order("version asc").
		Find(&files)

	if result.Error != nil {
		slog.Error("sql error in get version chain", "root_id", rootId, "error", result.Error)
		return nil, ErrDbAccessFailed
	}

	return files, nil
}

func GetTagByLabel(label string, db *gorm.DB) (Tag, error) {
	var tag Tag

	result := db.First(&tag, "label = ?", label)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return tag, ErrTagNotFound
		}
		slog.Error("sql error in get tag", "label", label, "error", result.Error)
		return tag, ErrDbAccessFailed
	}

	return tag, nil
}

// All the tables the service and worker tiers share. Both AutoMigrate and
// the test setup use this list.
func AllModels() []interface{} {
	return []interface{}{
		&PublishedFile{}, &Tag{}, &Task{}, &WorkerHeartbeat{},
	}
}
