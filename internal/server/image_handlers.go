package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/MeKo-Tech/idex/internal/store"
)

// resultImageHandler serves the stored JPEG artifacts of a record:
//
//	GET /api/v1/results/{id}/pages/{n}    canonical page n
//	GET /api/v1/results/{id}/regions/{n}  extracted region n
//	GET /api/v1/results/{id}/face         first face region
func (s *Server) resultImageHandler(w http.ResponseWriter, r *http.Request, rawID, rest string) {
	id, err := uuid.Parse(rawID)
	if err != nil {
		s.writeErrorResponse(w, "Invalid submission id", http.StatusBadRequest)
		return
	}

	rec, regions, err := s.store.GetRecord(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeErrorResponse(w, "No record for submission", http.StatusNotFound)
			return
		}
		s.logger.Error("loading record", "submission_id", id, "error", err)
		s.writeErrorResponse(w, "Failed to load record", http.StatusInternalServerError)
		return
	}

	var data []byte
	switch {
	case strings.HasPrefix(rest, "pages/"):
		n, ok := parseIndex(rest, "pages/", len(rec.PageImages))
		if !ok {
			s.writeErrorResponse(w, "No such page", http.StatusNotFound)
			return
		}
		data = rec.PageImages[n]
	case strings.HasPrefix(rest, "regions/"):
		n, ok := parseIndex(rest, "regions/", len(regions))
		if !ok {
			s.writeErrorResponse(w, "No such region", http.StatusNotFound)
			return
		}
		data = regions[n].Image
	case rest == "face":
		for _, reg := range regions {
			if reg.Kind == "face" {
				data = reg.Image
				break
			}
		}
		if data == nil {
			s.writeErrorResponse(w, "No face region extracted", http.StatusNotFound)
			return
		}
	default:
		s.writeErrorResponse(w, "Unknown artifact", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}

func parseIndex(rest, prefix string, limit int) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(rest, prefix), "/"))
	if err != nil || n < 0 || n >= limit {
		return 0, false
	}
	return n, true
}
