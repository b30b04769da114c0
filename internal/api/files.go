package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"clarity/internal/files"
	"clarity/internal/storage"
)

const multipartMemory = 8 << 20

type fileView struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Type      string `json:"type"`
	Size      int64  `json:"size"`
	SizeHuman string `json:"size_human"`
	Category  string `json:"category"`
	Date      string `json:"date"`
	Inline    bool   `json:"inline"`
}

func viewOf(f files.StoredFile) fileView {
	return fileView{
		ID:        f.ID,
		Name:      f.Name,
		Type:      f.Type,
		Size:      f.Size,
		SizeHuman: files.FormatSize(f.Size),
		Category:  f.Category,
		Date:      f.Date,
		Inline:    f.Inline(),
	}
}

func viewsOf(list []files.StoredFile) []fileView {
	out := make([]fileView, 0, len(list))
	for _, f := range list {
		out = append(out, viewOf(f))
	}
	return out
}

func handleListFiles(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		list := files.Filter(deps.Files.List(r.Context()), q.Get("category"), q.Get("type"))
		writeJSON(w, http.StatusOK, map[string]any{"files": viewsOf(list)})
	}
}

func handleUploadFile(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, deps.MaxUploadBytes)
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid multipart form: %v", err)
			return
		}
		defer r.MultipartForm.RemoveAll()

		category := r.FormValue("category")
		if category == "" {
			category = files.CategorySME
		}
		if category != files.CategorySME && category != files.CategoryStudent {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "category must be %q or %q", files.CategorySME, files.CategoryStudent)
			return
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "file is required")
			return
		}
		defer file.Close()

		saved, err := deps.Files.Save(r.Context(), files.Upload{
			Name:     header.Filename,
			Type:     header.Header.Get("Content-Type"),
			Size:     header.Size,
			Category: category,
			Content:  file,
		})
		switch {
		case errors.Is(err, files.ErrQuotaExceeded):
			httpError(w, http.StatusInsufficientStorage, "quota_exceeded", "Quota de stockage dépassé. Supprimez des fichiers pour libérer de l'espace.")
			return
		case errors.Is(err, files.ErrRead):
			httpError(w, http.StatusBadRequest, "read_error", "Erreur de lecture du fichier.")
			return
		case err != nil:
			deps.Logger.Error().Err(err).Str("name", header.Filename).Msg("file save failed")
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save file")
			return
		}
		writeJSON(w, http.StatusCreated, viewOf(saved))
	}
}

func handleFileContent(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid file id")
			return
		}
		f, err := deps.Files.Get(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "file %d not found", id)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load file: %v", err)
			return
		}
		body, err := files.Decode(f)
		if errors.Is(err, files.ErrNoContent) {
			httpError(w, http.StatusNotFound, "not_found", "file %d was stored without content", id)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to decode file: %v", err)
			return
		}
		ct := f.Type
		if ct == "" {
			ct = "application/octet-stream"
		}
		w.Header().Set("Content-Type", ct)
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	}
}

func handleDeleteFile(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid file id")
			return
		}
		left, err := deps.Files.Delete(r.Context(), id)
		if errors.Is(err, files.ErrQuotaExceeded) {
			httpError(w, http.StatusInsufficientStorage, "quota_exceeded", "Quota de stockage dépassé.")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete file: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"files": viewsOf(left)})
	}
}
