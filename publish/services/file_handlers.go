package services

import (
	"encoding/base64"
	"net/http"
	"strconv"

	"gopublish/utils"
)

type publishRequest struct {
	Path     string   `json:"path"`
	Version  int      `json:"version"`
	Email    string   `json:"email"`
	Contact  string   `json:"contact"`
	LinkedTo string   `json:"linked_to"`
	Tags     []string `json:"tags"`
}

func (s *FileService) publishHandler(w http.ResponseWriter, r *http.Request) {
	identity, err := s.tokens.IdentityFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	var req publishRequest
	if !utils.ParseRequestBody(w, r, &req) {
		return
	}

	res, err := s.Publish(PublishRequest{
		Path:     req.Path,
		Version:  req.Version,
		Email:    req.Email,
		Contact:  req.Contact,
		LinkedTo: req.LinkedTo,
		Tags:     req.Tags,
	}, identity)
	if err != nil {
		http.Error(w, err.Error(), GetResponseCode(err))
		return
	}

	w.WriteHeader(http.StatusAccepted)
	utils.WriteJsonResponse(w, map[string]interface{}{
		"message": "File registering. It should be ready soon.",
		"file_id": res.FileId,
		"version": res.Version,
	})
}

func (s *FileService) viewHandler(w http.ResponseWriter, r *http.Request) {
	fileId, err := utils.URLParamUUID(r, "file_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	res, err := s.View(fileId)
	if err != nil {
		http.Error(w, err.Error(), GetResponseCode(err))
		return
	}

	utils.WriteJsonResponse(w, res)
}

func (s *FileService) downloadHandler(w http.ResponseWriter, r *http.Request) {
	fileId, err := utils.URLParamUUID(r, "file_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	path, fileName, err := s.Download(fileId)
	if err != nil {
		http.Error(w, err.Error(), GetResponseCode(err))
		return
	}

	w.Header().Set("Content-Disposition", "attachment; filename="+strconv.Quote(fileName))
	http.ServeFile(w, r, path)
}

func pageParams(r *http.Request) (int, int) {
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	return offset, limit
}

func (s *FileService) listHandler(w http.ResponseWriter, r *http.Request) {
	offset, limit := pageParams(r)

	files, total, err := s.List(offset, limit)
	if err != nil {
		http.Error(w, err.Error(), GetResponseCode(err))
		return
	}

	utils.WriteJsonResponse(w, map[string]interface{}{"files": files, "total": total})
}

func (s *FileService) searchHandler(w http.ResponseWriter, r *http.Request) {
	offset, limit := pageParams(r)
	term := r.URL.Query().Get("file")
	tags := r.URL.Query()["tag"]

	files, total, err := s.Search(term, tags, offset, limit)
	if err != nil {
		http.Error(w, err.Error(), GetResponseCode(err))
		return
	}

	utils.WriteJsonResponse(w, map[string]interface{}{"files": files, "total": total})
}

func (s *FileService) pullHandler(w http.ResponseWriter, r *http.Request) {
	fileId, err := utils.URLParamUUID(r, "file_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	var req struct {
		Email string `json:"email"`
	}
	// Body is optional on pull requests.
	if r.ContentLength > 0 && !utils.ParseRequestBody(w, r, &req) {
		return
	}

	message, err := s.Pull(fileId, req.Email)
	if err != nil {
		http.Error(w, err.Error(), GetResponseCode(err))
		return
	}

	utils.WriteJsonResponse(w, map[string]interface{}{"message": message})
}

func (s *FileService) unpublishHandler(w http.ResponseWriter, r *http.Request) {
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

	if err := s.Unpublish(fileId, identity); err != nil {
		http.Error(w, err.Error(), GetResponseCode(err))
		return
	}

	utils.WriteJsonResponse(w, map[string]interface{}{"message": "File unpublished"})
}

func (s *FileService) deleteHandler(w http.ResponseWriter, r *http.Request) {
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

	if err := s.Delete(fileId, identity); err != nil {
		http.Error(w, err.Error(), GetResponseCode(err))
		return
	}

	utils.WriteJsonResponse(w, map[string]interface{}{"message": "File deleted"})
}

func (s *FileService) uriHandler(w http.ResponseWriter, r *http.Request) {
	encoded, err := utils.URLParam(r, "path")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// Paths arrive url-safe base64 encoded so that slashes survive routing.
	decoded, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		if decoded, err = base64.URLEncoding.DecodeString(encoded); err != nil {
			http.Error(w, "unable to decode path", http.StatusBadRequest)
			return
		}
	}

	ids, err := s.UriLookup(string(decoded))
	if err != nil {
		http.Error(w, err.Error(), GetResponseCode(err))
		return
	}

	utils.WriteJsonResponse(w, map[string]interface{}{"files": ids})
}
