package theme

import (
	"errors"
	"net/http"

	"themeplane/model"
)

// Handler serves themes as stylesheets.
type Handler struct {
	registry *Registry
}

func NewHandler(registry *Registry) *Handler {
	return &Handler{registry: registry}
}

// HandleCSS serves the current theme, or the theme named by the "id" query
// parameter, as CSS custom properties.
func (h *Handler) HandleCSS(w http.ResponseWriter, r *http.Request) {
	var (
		t   model.Theme
		err error
	)
	if id := r.URL.Query().Get("id"); id != "" {
		t, err = h.registry.Get(id)
	} else {
		t, err = h.registry.Current()
	}
	if err != nil {
		var notFound *model.NotFoundError
		if errors.As(err, &notFound) {
			http.Error(w, "theme not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to render theme", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/css; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("ETag", `"`+t.ID+"-"+t.UpdatedAt.Format("20060102150405.000000000")+`"`)
	_, _ = w.Write([]byte(RenderCSS(t)))
}
