package services

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"gopublish/publish/auth"
	"gopublish/publish/repo"
	"gopublish/publish/schema"
	"gopublish/utils"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type TagService struct {
	db     *gorm.DB
	tokens *auth.TokenManager
}

func (s *TagService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/list", s.listHandler)

	r.Group(func(r chi.Router) {
		r.Use(s.tokens.Middlewares()...)

		r.Put("/add/{file_id}", s.addHandler)
		r.Delete("/remove/{file_id}", s.removeHandler)
	})

	return r
}

type TagCount struct {
	Label string `json:"label"`
	Count int64  `json:"count"`
}

func (s *TagService) List() ([]TagCount, error) {
	var tags []TagCount
	result := s.db.Model(&schema.Tag{}).
		Select("tags.label as label, count(file_tags.tag_id) as count").
		Joins("LEFT JOIN file_tags ON file_tags.tag_id = tags.id").
		Group("tags.id").
		Order("tags.label").
		Scan(&tags)
	if result.Error != nil {
		slog.Error("sql error listing tags", "error", result.Error)
		return nil, CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
	}
	return tags, nil
}

// Add attaches labels to a record, creating tags as needed. Idempotent for
// labels the record already carries.
func (s *TagService) Add(fileId uuid.UUID, labels []string, identity repo.Identity) error {
	file, err := s.editableFile(fileId, identity)
	if err != nil {
		return err
	}

	return s.db.Transaction(func(txn *gorm.DB) error {
		return addTags(txn, &file, labels)
	})
}

// Remove detaches labels from a record and prunes tags no record uses.
// Labels the record does not carry are ignored.
func (s *TagService) Remove(fileId uuid.UUID, labels []string, identity repo.Identity) error {
	file, err := s.editableFile(fileId, identity)
	if err != nil {
		return err
	}

	return s.db.Transaction(func(txn *gorm.DB) error {
		for _, label := range labels {
			label = strings.TrimSpace(label)
			if label == "" {
				continue
			}

			tag, err := schema.GetTagByLabel(label, txn)
			if err != nil {
				if errors.Is(err, schema.ErrTagNotFound) {
					continue
				}
				return CodedError(err, http.StatusInternalServerError)
			}

			if err := txn.Model(&file).Association("Tags").Delete(&tag); err != nil {
				slog.Error("sql error removing tag", "label", label, "file_id", file.Id, "error", err)
				return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
			}
		}
		return pruneOrphanTags(txn)
	})
}

func (s *TagService) editableFile(fileId uuid.UUID, identity repo.Identity) (schema.PublishedFile, error) {
	file, err := schema.GetFile(fileId, s.db, false)
	if err != nil {
		if errors.Is(err, schema.ErrFileNotFound) {
			return schema.PublishedFile{}, CodedError(err, http.StatusNotFound)
		}
		return schema.PublishedFile{}, CodedError(err, http.StatusInternalServerError)
	}

	if file.Owner != identity.Username && !identity.IsAdmin {
		return schema.PublishedFile{}, CodedError(fmt.Errorf("user %v is not the owner of this file", identity.Username), http.StatusUnauthorized)
	}
	return file, nil
}

func (s *TagService) listHandler(w http.ResponseWriter, r *http.Request) {
	tags, err := s.List()
	if err != nil {
		http.Error(w, err.Error(), GetResponseCode(err))
		return
	}

	utils.WriteJsonResponse(w, map[string]interface{}{"tags": tags})
}

type tagEditRequest struct {
	Tags []string `json:"tags"`
}

func (s *TagService) addHandler(w http.ResponseWriter, r *http.Request) {
	identity, err := s.tokens.IdentityFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	fileId, err := utils.URLParamUUID(r, "file_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	var req tagEditRequest
	if !utils.ParseRequestBody(w, r, &req) {
		return
	}

	if err := s.Add(fileId, req.Tags, identity); err != nil {
		http.Error(w, err.Error(), GetResponseCode(err))
		return
	}
	utils.WriteSuccess(w)
}

func (s *TagService) removeHandler(w http.ResponseWriter, r *http.Request) {
	identity, err := s.tokens.IdentityFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	fileId, err := utils.URLParamUUID(r, "file_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	var req tagEditRequest
	if !utils.ParseRequestBody(w, r, &req) {
		return
	}

	if err := s.Remove(fileId, req.Tags, identity); err != nil {
		http.Error(w, err.Error(), GetResponseCode(err))
		return
	}
	utils.WriteSuccess(w)
}
