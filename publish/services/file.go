package services

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopublish/publish/auth"
	"gopublish/publish/directory"
	"gopublish/publish/queue"
	"gopublish/publish/repo"
	"gopublish/publish/schema"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type FileService struct {
	db       *gorm.DB
	registry *repo.Registry
	queue    queue.Queue
	dir      directory.Directory
	tokens   *auth.TokenManager
}

func (s *FileService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/view/{file_id}", s.viewHandler)
	r.Get("/download/{file_id}", s.downloadHandler)
	r.Get("/list", s.listHandler)
	r.Get("/search", s.searchHandler)
	r.Get("/uri/{path}", s.uriHandler)
	r.Post("/pull/{file_id}", s.pullHandler)

	r.Group(func(r chi.Router) {
		r.Use(s.tokens.Middlewares()...)

		r.With(checkSufficientStorage(s.registry)).Post("/publish", s.publishHandler)
		r.Delete("/unpublish/{file_id}", s.unpublishHandler)
		r.With(auth.AdminOnly(s.tokens)).Delete("/delete/{file_id}", s.deleteHandler)
	})

	return r
}

type PublishRequest struct {
	Path     string
	Version  int
	Email    string
	Contact  string
	LinkedTo string
	Tags     []string
}

type PublishResult struct {
	FileId  uuid.UUID
	Version int
}

// Publish validates a publish request and, on success, creates the record
// in state creating and enqueues the publish task in one transaction. Any
// validation failure returns a coded error with no state change.
func (s *FileService) Publish(req PublishRequest, identity repo.Identity) (PublishResult, error) {
	path, err := resolveSourcePath(req.Path)
	if err != nil {
		return PublishResult{}, err
	}

	info, err := os.Lstat(path)
	if err != nil {
		return PublishResult{}, CodedError(fmt.Errorf("file not found at path %v", req.Path), http.StatusNotFound)
	}
	if info.IsDir() || info.Mode()&os.ModeSymlink != 0 {
		return PublishResult{}, CodedError(errors.New("path must not be a folder or a symlink"), http.StatusBadRequest)
	}

	if req.Version < 0 {
		return PublishResult{}, CodedError(fmt.Errorf("value %v is not an integer > 0", req.Version), http.StatusBadRequest)
	}

	rep, err := s.registry.FindRepository(path)
	if err != nil {
		return PublishResult{}, CodedError(fmt.Errorf("file %v is not in any publishable repository", req.Path), http.StatusNotFound)
	}

	if err := repo.CanPublish(rep, s.dir, identity, path); err != nil {
		return PublishResult{}, CodedError(err, http.StatusUnauthorized)
	}

	if err := s.queue.Ping(); err != nil {
		slog.Error("publish request received but no worker reachable", "path", path, "error", err)
		return PublishResult{}, CodedError(queue.ErrNoWorker, http.StatusServiceUnavailable)
	}

	email, err := validateEmail(req.Email)
	if err != nil {
		return PublishResult{}, err
	}
	contact, err := validateEmail(req.Contact)
	if err != nil {
		return PublishResult{}, err
	}

	var res PublishResult
	err = s.db.Transaction(func(txn *gorm.DB) error {
		version := req.Version
		var versionOf *uuid.UUID

		if req.LinkedTo != "" {
			root, err := s.lockChainRoot(txn, req.LinkedTo)
			if err != nil {
				return err
			}
			if root.RepoPath != rep.RootPath {
				return CodedError(errors.New("linked file belongs to a different repository"), http.StatusUnprocessableEntity)
			}
			versionOf = &root.Id

			if version == 0 {
				// The root row is locked, so counting the chain here cannot
				// race with a concurrent linked publish.
				chain, err := schema.GetVersionChain(root.Id, txn)
				if err != nil {
					return CodedError(err, http.StatusInternalServerError)
				}
				version = len(chain) + 1
			}
		}
		if version == 0 {
			version = 1
		}

		fileName := filepath.Base(path)

		var dup schema.PublishedFile
		result := txn.Limit(1).Find(&dup, "repo_path = ? AND file_name = ? AND version = ? AND status <> ?",
			rep.RootPath, fileName, version, schema.Unpublished)
		if result.Error != nil {
			slog.Error("sql error checking for duplicate version", "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		if result.RowsAffected != 0 {
			return CodedError(errors.New("file is already published in that version"), http.StatusConflict)
		}

		file := schema.PublishedFile{
			Id:             uuid.New(),
			FileName:       fileName,
			RepoPath:       rep.RootPath,
			Version:        version,
			VersionOf:      versionOf,
			Status:         schema.Creating,
			Owner:          identity.Username,
			Contact:        contact,
			PublishingDate: time.Now().UTC(),
		}
		if result := txn.Create(&file); result.Error != nil {
			slog.Error("sql error creating published file entry", "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		if err := addTags(txn, &file, req.Tags); err != nil {
			return err
		}

		// Record and task commit together: a worker can never observe a
		// publish job whose record is not yet durable, and each record gets
		// exactly one publish job.
		_, err := s.queue.Enqueue(txn, queue.KindPublish, queue.PublishPayload{
			FileId: file.Id, SourcePath: path, NotifyEmail: email,
		})
		if err != nil {
			return CodedError(err, http.StatusInternalServerError)
		}

		res = PublishResult{FileId: file.Id, Version: version}
		return nil
	})
	if err != nil {
		return PublishResult{}, err
	}

	publishMetric.Inc()
	slog.Info("publish request accepted", "file_id", res.FileId, "path", path, "version", res.Version, "owner", identity.Username)
	return res, nil
}

// resolveSourcePath normalizes a publish path before any repository
// containment check: ".." segments are collapsed and symlinked parent
// directories resolved, so a request cannot name a file outside the
// repository it textually appears to live under.
func resolveSourcePath(raw string) (string, error) {
	path := filepath.Clean(raw)

	dir, err := filepath.EvalSymlinks(filepath.Dir(path))
	if err != nil {
		return "", CodedError(fmt.Errorf("file not found at path %v", raw), http.StatusNotFound)
	}
	return filepath.Join(dir, filepath.Base(path)), nil
}

// lockChainRoot resolves a linked_to value to the root of its version chain
// and locks the root row for the rest of the transaction.
func (s *FileService) lockChainRoot(txn *gorm.DB, linkedTo string) (schema.PublishedFile, error) {
	linkedId, err := uuid.Parse(linkedTo)
	if err != nil {
		return schema.PublishedFile{}, CodedError(fmt.Errorf("invalid linked file id '%v'", linkedTo), http.StatusBadRequest)
	}

	linked, err := schema.GetFile(linkedId, txn, false)
	if err != nil {
		if errors.Is(err, schema.ErrFileNotFound) {
			return schema.PublishedFile{}, CodedError(err, http.StatusNotFound)
		}
		return schema.PublishedFile{}, CodedError(err, http.StatusInternalServerError)
	}

	rootId := linked.Id
	if linked.VersionOf != nil {
		rootId = *linked.VersionOf
	}

	root, err := schema.GetFileForUpdate(rootId, txn)
	if err != nil {
		if errors.Is(err, schema.ErrFileNotFound) {
			return schema.PublishedFile{}, CodedError(err, http.StatusNotFound)
		}
		return schema.PublishedFile{}, CodedError(err, http.StatusInternalServerError)
	}
	return root, nil
}

type VersionEntry struct {
	Uri     uuid.UUID `json:"uri"`
	Version int       `json:"version"`
	Status  string    `json:"status"`
}

type FileInfo struct {
	Uri            uuid.UUID  `json:"uri"`
	FileName       string     `json:"file_name"`
	Version        int        `json:"version"`
	VersionOf      *uuid.UUID `json:"version_of,omitempty"`
	Size           int64      `json:"size"`
	Hash           string     `json:"hash"`
	Status         string     `json:"status"`
	Owner          string     `json:"owner"`
	Contact        string     `json:"contact"`
	Downloads      int64      `json:"downloads"`
	PublishingDate time.Time  `json:"publishing_date"`
	Tags           []string   `json:"tags"`
}

func fileInfo(file schema.PublishedFile) FileInfo {
	tags := make([]string, 0, len(file.Tags))
	for _, tag := range file.Tags {
		tags = append(tags, tag.Label)
	}
	return FileInfo{
		Uri:            file.Id,
		FileName:       file.FileName,
		Version:        file.Version,
		VersionOf:      file.VersionOf,
		Size:           file.Size,
		Hash:           file.Hash,
		Status:         file.Status,
		Owner:          file.Owner,
		Contact:        file.Contact,
		Downloads:      file.Downloads,
		PublishingDate: file.PublishingDate,
		Tags:           tags,
	}
}

type ViewResult struct {
	File     FileInfo       `json:"file"`
	Versions []VersionEntry `json:"versions"`
}

// View returns a record after running the lazy status reconciliation
// described on the read path: reads observe retrieval completion and
// out-of-band artifact loss.
func (s *FileService) View(fileId uuid.UUID) (ViewResult, error) {
	file, err := schema.GetFile(fileId, s.db, true)
	if err != nil {
		if errors.Is(err, schema.ErrFileNotFound) {
			return ViewResult{}, CodedError(err, http.StatusNotFound)
		}
		return ViewResult{}, CodedError(err, http.StatusInternalServerError)
	}

	file, err = s.reconcile(file)
	if err != nil {
		return ViewResult{}, err
	}

	rootId := file.Id
	if file.VersionOf != nil {
		rootId = *file.VersionOf
	}
	chain, err := schema.GetVersionChain(rootId, s.db)
	if err != nil {
		return ViewResult{}, CodedError(err, http.StatusInternalServerError)
	}

	versions := make([]VersionEntry, 0, len(chain))
	for _, sibling := range chain {
		if sibling.Hidden() {
			continue
		}
		versions = append(versions, VersionEntry{Uri: sibling.Id, Version: sibling.Version, Status: sibling.Status})
	}

	return ViewResult{File: fileInfo(file), Versions: versions}, nil
}

// reconcile applies the read-triggered transitions. Both updates are
// compare-and-swap on the observed status, so concurrent readers racing on
// the same record cannot double-fire a transition.
func (s *FileService) reconcile(file schema.PublishedFile) (schema.PublishedFile, error) {
	rep, err := s.registry.Get(file.RepoPath)
	if err != nil {
		// Repository removed from config after publication. Nothing to
		// check the artifact against, leave the record untouched.
		return file, nil
	}

	path := file.PublicPath(rep.PublicFolder)
	info, statErr := os.Stat(path)

	var next string
	switch {
	case statErr == nil && file.Status == schema.Pulling && info.Size() == file.Size:
		next = schema.Available
	case errors.Is(statErr, os.ErrNotExist) && file.Status == schema.Available:
		if rep.HasArchive {
			next = schema.Pullable
		} else {
			next = schema.Unavailable
		}
	default:
		return file, nil
	}

	result := s.db.Model(&schema.PublishedFile{}).
		Where("id = ? AND status = ?", file.Id, file.Status).
		Update("status", next)
	if result.Error != nil {
		slog.Error("sql error reconciling file status", "file_id", file.Id, "error", result.Error)
		return file, CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
	}
	if result.RowsAffected > 0 {
		slog.Info("reconciled file status on read", "file_id", file.Id, "from", file.Status, "to", next)
		file.Status = next
	}
	return file, nil
}

// Pull requests retrieval of a record's artifact from the remote archive.
// A no-op success if the artifact is already present locally.
func (s *FileService) Pull(fileId uuid.UUID, email string) (string, error) {
	email, err := validateEmail(email)
	if err != nil {
		return "", err
	}

	file, err := schema.GetFile(fileId, s.db, false)
	if err != nil {
		if errors.Is(err, schema.ErrFileNotFound) {
			return "", CodedError(err, http.StatusNotFound)
		}
		return "", CodedError(err, http.StatusInternalServerError)
	}

	rep, err := s.registry.Get(file.RepoPath)
	if err != nil {
		return "", CodedError(fmt.Errorf("repository %v is no longer configured", file.RepoPath), http.StatusNotFound)
	}

	if _, err := os.Stat(file.PublicPath(rep.PublicFolder)); err == nil {
		return "File already available", nil
	}

	if !rep.HasArchive {
		return "", CodedError(errors.New("file is not managed by a remote archive"), http.StatusBadRequest)
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		// CAS into pulling so that concurrent pull requests enqueue exactly
		// one retrieval task.
		result := txn.Model(&schema.PublishedFile{}).
			Where("id = ? AND status IN ?", file.Id, []string{schema.Available, schema.Pullable}).
			Update("status", schema.Pulling)
		if result.Error != nil {
			slog.Error("sql error marking file as pulling", "file_id", file.Id, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		if result.RowsAffected == 0 {
			return CodedError(fmt.Errorf("file cannot be pulled from status %v", file.Status), http.StatusConflict)
		}

		_, err := s.queue.Enqueue(txn, queue.KindPull, queue.PullPayload{FileId: file.Id, NotifyEmail: email})
		if err != nil {
			return CodedError(err, http.StatusInternalServerError)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	pullMetric.Inc()
	slog.Info("pull request accepted", "file_id", file.Id)
	return "Ok", nil
}

// Download resolves the artifact path for streaming and bumps the download
// counter. A missing artifact flips an available record to pullable when the
// repository is archive-backed, otherwise to unavailable.
func (s *FileService) Download(fileId uuid.UUID) (string, string, error) {
	file, err := schema.GetFile(fileId, s.db, false)
	if err != nil {
		if errors.Is(err, schema.ErrFileNotFound) {
			return "", "", CodedError(err, http.StatusNotFound)
		}
		return "", "", CodedError(err, http.StatusInternalServerError)
	}
	if file.Hidden() {
		return "", "", CodedError(schema.ErrFileNotFound, http.StatusNotFound)
	}

	rep, err := s.registry.Get(file.RepoPath)
	if err != nil {
		return "", "", CodedError(fmt.Errorf("repository %v is no longer configured", file.RepoPath), http.StatusNotFound)
	}

	path := file.PublicPath(rep.PublicFolder)
	if _, err := os.Stat(path); err != nil {
		// Same transition as the read-path reconcile: an archive-backed
		// record stays retrievable instead of dead-ending in unavailable.
		next := schema.Unavailable
		if rep.HasArchive {
			next = schema.Pullable
		}
		result := s.db.Model(&schema.PublishedFile{}).
			Where("id = ? AND status = ?", file.Id, schema.Available).
			Update("status", next)
		if result.Error != nil {
			slog.Error("sql error marking file artifact as missing", "file_id", file.Id, "error", result.Error)
		}
		return "", "", CodedError(errors.New("missing file"), http.StatusNotFound)
	}

	result := s.db.Model(&schema.PublishedFile{}).
		Where("id = ?", file.Id).
		UpdateColumn("downloads", gorm.Expr("downloads + 1"))
	if result.Error != nil {
		slog.Error("sql error incrementing download count", "file_id", file.Id, "error", result.Error)
	}

	downloadMetric.Inc()
	return path, file.FileName, nil
}

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

func clampPage(offset, limit int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	return offset, limit
}

func (s *FileService) List(offset, limit int) ([]FileInfo, int64, error) {
	offset, limit = clampPage(offset, limit)
	return s.query(s.db.Model(&schema.PublishedFile{}).Where("status <> ?", schema.Unpublished), offset, limit)
}

// Search filters visible records by a file name substring and/or tag
// labels.
func (s *FileService) Search(term string, tags []string, offset, limit int) ([]FileInfo, int64, error) {
	offset, limit = clampPage(offset, limit)

	query := s.db.Model(&schema.PublishedFile{}).Where("status <> ?", schema.Unpublished)
	if term != "" {
		query = query.Where("file_name LIKE ?", "%"+term+"%")
	}
	if len(tags) > 0 {
		// Subquery instead of a join so that a file with several matching
		// tags is neither duplicated nor miscounted.
		tagged := s.db.Table("file_tags").
			Select("file_tags.published_file_id").
			Joins("JOIN tags ON tags.id = file_tags.tag_id").
			Where("tags.label IN ?", tags)
		query = query.Where("id IN (?)", tagged)
	}

	return s.query(query, offset, limit)
}

func (s *FileService) query(query *gorm.DB, offset, limit int) ([]FileInfo, int64, error) {
	var total int64
	if result := query.Session(&gorm.Session{}).Count(&total); result.Error != nil {
		slog.Error("sql error counting files", "error", result.Error)
		return nil, 0, CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
	}

	var files []schema.PublishedFile
	result := query.Session(&gorm.Session{}).Preload("Tags").Order("publishing_date desc").Offset(offset).Limit(limit).Find(&files)
	if result.Error != nil {
		slog.Error("sql error listing files", "error", result.Error)
		return nil, 0, CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
	}

	infos := make([]FileInfo, 0, len(files))
	for _, file := range files {
		infos = append(infos, fileInfo(file))
	}
	return infos, total, nil
}

// Unpublish hides a record from listings and downloads without touching the
// physical artifact. Owner or admin only.
func (s *FileService) Unpublish(fileId uuid.UUID, identity repo.Identity) error {
	file, err := schema.GetFile(fileId, s.db, false)
	if err != nil {
		if errors.Is(err, schema.ErrFileNotFound) {
			return CodedError(err, http.StatusNotFound)
		}
		return CodedError(err, http.StatusInternalServerError)
	}

	if file.Owner != identity.Username && !identity.IsAdmin {
		return CodedError(fmt.Errorf("user %v is not the owner of this file", identity.Username), http.StatusUnauthorized)
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		result := txn.Model(&schema.PublishedFile{}).
			Where("id = ? AND status = ?", file.Id, schema.Available).
			Update("status", schema.Unpublished)
		if result.Error != nil {
			slog.Error("sql error unpublishing file", "file_id", file.Id, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		if result.RowsAffected == 0 {
			return CodedError(fmt.Errorf("file cannot be unpublished from status %v", file.Status), http.StatusConflict)
		}

		_, err := s.queue.Enqueue(txn, queue.KindUnpublish, queue.UnpublishPayload{FileId: file.Id})
		if err != nil {
			return CodedError(err, http.StatusInternalServerError)
		}
		return nil
	})
	if err != nil {
		return err
	}

	slog.Info("file unpublished", "file_id", file.Id, "by", identity.Username)
	return nil
}

// Delete removes the record and enqueues removal of the physical artifact.
// Admin only. Tolerates the artifact already being gone.
func (s *FileService) Delete(fileId uuid.UUID, identity repo.Identity) error {
	if !identity.IsAdmin {
		return CodedError(errors.New("admin required"), http.StatusUnauthorized)
	}

	file, err := schema.GetFile(fileId, s.db, false)
	if err != nil {
		if errors.Is(err, schema.ErrFileNotFound) {
			return CodedError(err, http.StatusNotFound)
		}
		return CodedError(err, http.StatusInternalServerError)
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		// The artifact path goes into the task payload: once the record row
		// is gone the worker has no other way to find it.
		if rep, err := s.registry.Get(file.RepoPath); err == nil {
			_, err := s.queue.Enqueue(txn, queue.KindDelete, queue.DeletePayload{Path: file.PublicPath(rep.PublicFolder)})
			if err != nil {
				return CodedError(err, http.StatusInternalServerError)
			}
		}

		if err := txn.Model(&file).Association("Tags").Clear(); err != nil {
			slog.Error("sql error clearing tag associations", "file_id", file.Id, "error", err)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		if err := pruneOrphanTags(txn); err != nil {
			return err
		}

		result := txn.Delete(&schema.PublishedFile{}, "id = ?", file.Id)
		if result.Error != nil {
			slog.Error("sql error deleting file record", "file_id", file.Id, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return nil
	})
	if err != nil {
		return err
	}

	slog.Info("file deleted", "file_id", file.Id, "by", identity.Username)
	return nil
}

// UriLookup resolves a filesystem path back to the record ids it may belong
// to: either the artifact path itself or a source path inside a repository.
func (s *FileService) UriLookup(path string) ([]uuid.UUID, error) {
	ids := []uuid.UUID{}

	// Artifact paths embed the record id as their base name.
	for _, rep := range s.registry.Repositories() {
		if filepath.Dir(path) != rep.PublicFolder {
			continue
		}
		if id, err := uuid.Parse(filepath.Base(path)); err == nil {
			if _, err := schema.GetFile(id, s.db, false); err == nil {
				ids = append(ids, id)
			}
		}
	}

	// Source paths match on repository plus base name.
	if rep, err := s.registry.FindRepository(path); err == nil {
		var files []schema.PublishedFile
		result := s.db.
			Where("repo_path = ? AND file_name = ? AND status <> ?", rep.RootPath, filepath.Base(path), schema.Unpublished).
			Find(&files)
		if result.Error != nil {
			slog.Error("sql error in uri lookup", "path", path, "error", result.Error)
			return nil, CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		for _, file := range files {
			if !containsId(ids, file.Id) {
				ids = append(ids, file.Id)
			}
		}
	}

	return ids, nil
}

func containsId(ids []uuid.UUID, id uuid.UUID) bool {
	for _, existing := range ids {
		if existing == id {
			return true
		}
	}
	return false
}

func addTags(txn *gorm.DB, file *schema.PublishedFile, labels []string) error {
	for _, label := range labels {
		label = strings.TrimSpace(label)
		if label == "" {
			continue
		}

		var tag schema.Tag
		result := txn.Where(schema.Tag{Label: label}).Attrs(schema.Tag{Id: uuid.New()}).FirstOrCreate(&tag)
		if result.Error != nil {
			slog.Error("sql error creating tag", "label", label, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		// Append is an upsert on the join table, so re-tagging with the same
		// label stays a no-op.
		if err := txn.Model(file).Association("Tags").Append(&tag); err != nil {
			slog.Error("sql error associating tag", "label", label, "file_id", file.Id, "error", err)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
	}
	return nil
}

func pruneOrphanTags(txn *gorm.DB) error {
	result := txn.Where("id NOT IN (SELECT tag_id FROM file_tags)").Delete(&schema.Tag{})
	if result.Error != nil {
		slog.Error("sql error pruning orphan tags", "error", result.Error)
		return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
	}
	return nil
}
