// Package worker executes the asynchronous half of the publication
// lifecycle: materializing artifacts into public folders, hashing them,
// requesting archive retrievals, and removing deleted artifacts.
package worker

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopublish/publish/archive"
	"gopublish/publish/notify"
	"gopublish/publish/queue"
	"gopublish/publish/repo"
	"gopublish/publish/schema"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Pipeline struct {
	db       *gorm.DB
	registry *repo.Registry
	archive  archive.Client
	notifier notify.Notifier

	// Base url used to build download links in notifications.
	baseUrl string
}

func NewPipeline(db *gorm.DB, registry *repo.Registry, archiveClient archive.Client, notifier notify.Notifier, baseUrl string) *Pipeline {
	return &Pipeline{db: db, registry: registry, archive: archiveClient, notifier: notifier, baseUrl: baseUrl}
}

// Run decodes a claimed task's payload and executes it.
func (p *Pipeline) Run(task schema.Task) error {
	switch task.Kind {
	case queue.KindPublish:
		var payload queue.PublishPayload
		if err := json.Unmarshal([]byte(task.Payload), &payload); err != nil {
			return fmt.Errorf("error decoding publish payload for task %v: %w", task.Id, err)
		}
		return p.Publish(task.Id, payload)
	case queue.KindPull:
		var payload queue.PullPayload
		if err := json.Unmarshal([]byte(task.Payload), &payload); err != nil {
			return fmt.Errorf("error decoding pull payload for task %v: %w", task.Id, err)
		}
		return p.Pull(payload)
	case queue.KindUnpublish:
		var payload queue.UnpublishPayload
		if err := json.Unmarshal([]byte(task.Payload), &payload); err != nil {
			return fmt.Errorf("error decoding unpublish payload for task %v: %w", task.Id, err)
		}
		return p.Unpublish(payload)
	case queue.KindDelete:
		var payload queue.DeletePayload
		if err := json.Unmarshal([]byte(task.Payload), &payload); err != nil {
			return fmt.Errorf("error decoding delete payload for task %v: %w", task.Id, err)
		}
		return p.Delete(payload)
	default:
		return fmt.Errorf("unknown task kind '%v'", task.Kind)
	}
}

// Publish materializes a record's artifact: transfer into the public
// folder, strip write permission, then hash and measure. The record moves
// creating -> starting -> hashing -> available, or to failed with the error
// recorded. Safe to re-run after a worker death mid-transfer.
func (p *Pipeline) Publish(taskId uuid.UUID, payload queue.PublishPayload) error {
	file, err := schema.GetFile(payload.FileId, p.db, false)
	if err != nil {
		return fmt.Errorf("publish task for unknown file %v: %w", payload.FileId, err)
	}

	rep, err := p.registry.Get(file.RepoPath)
	if err != nil {
		return p.failPublish(file, payload, err)
	}
	dest := file.PublicPath(rep.PublicFolder)

	result := p.db.Model(&schema.PublishedFile{}).
		Where("id = ? AND status IN ?", file.Id, []string{schema.Creating, schema.Starting}).
		Updates(map[string]interface{}{"status": schema.Starting, "task_id": taskId.String()})
	if result.Error != nil {
		return p.failPublish(file, payload, result.Error)
	}
	if result.RowsAffected == 0 {
		// Already past starting (another worker finished it) or no longer a
		// live record. Nothing to do.
		slog.Info("publish task skipped, record not in a publishable state", "file_id", file.Id, "status", file.Status)
		return nil
	}

	if err := p.transfer(rep, payload.SourcePath, dest); err != nil {
		return p.failPublish(file, payload, err)
	}

	if err := os.Chmod(dest, 0o544); err != nil {
		return p.failPublish(file, payload, err)
	}

	if err := p.setStatus(file.Id, schema.Starting, schema.Hashing); err != nil {
		return p.failPublish(file, payload, err)
	}

	hash, size, err := hashFile(dest)
	if err != nil {
		return p.failPublish(file, payload, err)
	}

	result = p.db.Model(&schema.PublishedFile{}).
		Where("id = ? AND status = ?", file.Id, schema.Hashing).
		Updates(map[string]interface{}{"hash": hash, "size": size, "status": schema.Available})
	if result.Error != nil {
		return p.failPublish(file, payload, result.Error)
	}

	slog.Info("file published", "file_id", file.Id, "path", dest, "size", size)
	p.notify(notify.Request{
		Event:     notify.PublishSucceeded,
		Recipient: payload.NotifyEmail,
		Path:      payload.SourcePath,
		FileUrl:   fmt.Sprintf("%v/api/file/download/%v", p.baseUrl, file.Id),
	})
	return nil
}

// transfer places the source artifact at dest, either by copy or by move
// plus a symlink left at the source. Re-entrant: a completed or half
// completed previous attempt is detected and not redone.
func (p *Pipeline) transfer(rep *repo.Repository, source, dest string) error {
	if info, err := os.Lstat(source); err == nil && info.Mode()&os.ModeSymlink != 0 {
		// Source already replaced by the symlink of a previous attempt.
		if target, err := os.Readlink(source); err == nil && target == dest {
			return nil
		}
		return fmt.Errorf("source %v is a symlink to somewhere other than %v", source, dest)
	}

	if srcInfo, err := os.Stat(source); err == nil {
		// Destination already fully written by a previous attempt. The write
		// bit may already be stripped, so do not reopen it.
		if destInfo, err := os.Stat(dest); err == nil && destInfo.Size() == srcInfo.Size() {
			if rep.CopyFiles {
				return nil
			}
			if err := os.Remove(source); err != nil {
				return fmt.Errorf("error removing source after copy %v: %w", source, err)
			}
			return os.Symlink(dest, source)
		}
	}

	if rep.CopyFiles {
		return copyFile(source, dest)
	}

	if err := os.Rename(source, dest); err != nil {
		// Rename does not cross filesystems. Fall back to copy then remove.
		if err := copyFile(source, dest); err != nil {
			return err
		}
		if err := os.Remove(source); err != nil {
			return fmt.Errorf("error removing source after copy %v: %w", source, err)
		}
	}
	return os.Symlink(dest, source)
}

func copyFile(source, dest string) error {
	in, err := os.Open(source)
	if err != nil {
		return fmt.Errorf("error opening source %v: %w", source, err)
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("error creating destination %v: %w", dest, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("error copying %v to %v: %w", source, dest, err)
	}
	return out.Sync()
}

func hashFile(path string) (string, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("error opening %v for hashing: %w", path, err)
	}
	defer file.Close()

	hasher := sha256.New()
	size, err := io.Copy(hasher, file)
	if err != nil {
		return "", 0, fmt.Errorf("error hashing %v: %w", path, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), size, nil
}

func (p *Pipeline) setStatus(fileId uuid.UUID, from, to string) error {
	result := p.db.Model(&schema.PublishedFile{}).
		Where("id = ? AND status = ?", fileId, from).
		Update("status", to)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("file %v left status %v during processing", fileId, from)
	}
	return nil
}

func (p *Pipeline) failPublish(file schema.PublishedFile, payload queue.PublishPayload, cause error) error {
	slog.Error("publish task failed", "file_id", file.Id, "source", payload.SourcePath, "error", cause)

	result := p.db.Model(&schema.PublishedFile{}).
		Where("id = ?", file.Id).
		Updates(map[string]interface{}{"status": schema.Failed, "error": cause.Error()})
	if result.Error != nil {
		slog.Error("sql error marking file as failed", "file_id", file.Id, "error", result.Error)
	}

	p.notify(notify.Request{
		Event:     notify.PublishFailed,
		Recipient: payload.NotifyEmail,
		Path:      payload.SourcePath,
		Error:     cause.Error(),
	})
	return cause
}

// Pull asks the remote archive to restore a record's artifact into the
// public folder. The record stays in pulling; the read path flips it back
// to available once the artifact reappears with the recorded size.
func (p *Pipeline) Pull(payload queue.PullPayload) error {
	file, err := schema.GetFile(payload.FileId, p.db, false)
	if err != nil {
		return fmt.Errorf("pull task for unknown file %v: %w", payload.FileId, err)
	}

	rep, err := p.registry.Get(file.RepoPath)
	if err != nil {
		return err
	}

	if err := p.archive.RequestRetrieval(file.PublicPath(rep.PublicFolder), payload.NotifyEmail); err != nil {
		// Give the record back to pullable so the request can be retried.
		if casErr := p.setStatus(file.Id, schema.Pulling, schema.Pullable); casErr != nil {
			slog.Error("error resetting file after failed pull", "file_id", file.Id, "error", casErr)
		}
		return fmt.Errorf("error requesting archive retrieval for %v: %w", file.Id, err)
	}

	slog.Info("archive retrieval requested", "file_id", file.Id)
	return nil
}

// Unpublish notifies the record's contact. The artifact stays on disk, the
// record was already hidden by the request tier.
func (p *Pipeline) Unpublish(payload queue.UnpublishPayload) error {
	file, err := schema.GetFile(payload.FileId, p.db, false)
	if err != nil {
		return fmt.Errorf("unpublish task for unknown file %v: %w", payload.FileId, err)
	}

	recipient := file.Contact
	if recipient == "" {
		recipient = file.Owner
	}
	p.notify(notify.Request{Event: notify.FileUnpublished, Recipient: recipient, Path: file.FileName})
	return nil
}

// Delete removes the physical artifact. An already absent artifact is
// success, so the task can be retried safely.
func (p *Pipeline) Delete(payload queue.DeletePayload) error {
	if err := os.Remove(payload.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("error removing artifact %v: %w", payload.Path, err)
	}
	slog.Info("artifact removed", "path", payload.Path)
	return nil
}

func (p *Pipeline) notify(req notify.Request) {
	if req.Recipient == "" {
		return
	}
	if err := p.notifier.Notify(req); err != nil {
		slog.Error("error sending notification", "event", req.Event, "recipient", req.Recipient, "error", err)
	}
}
