// Package cmd wires the CLI entrypoint: a urfave/cli/v2 application
// with a "server" subcommand that loads config, builds an app.Context,
// mounts the chi routes spec.md §6 names, and runs until SIGINT/SIGTERM,
// per webitel-im-delivery-service's cmd.serverCmd() shape.
package cmd

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Polqt/crdtcollab/app"
	"github.com/Polqt/crdtcollab/roomerr"
	"github.com/Polqt/crdtcollab/telemetry"
	"github.com/Polqt/crdtcollab/transport"
)

// newRouter assembles the HTTP surface spec.md §6 describes: the
// output-artifact fetch, the file-id lookup/index endpoint, and the
// room WebSocket upgrade, each delegating to the corresponding
// app.Context collaborator.
func newRouter(a *app.Context) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(telemetry.Middleware)
	r.Use(telemetry.Recover)

	ws := transport.NewHandler(a.Rooms)

	r.Get("/api/outputs/{file_id}/{cell_id}/{index}", outputHandler(a))
	r.Post("/api/fileid/index", fileIDIndexHandler(a))
	r.Get("/rooms/{room_id}", func(w http.ResponseWriter, req *http.Request) {
		ws.ServeRoom(w, req, chi.URLParam(req, "room_id"))
	})

	return r
}

// outputHandler implements `GET /api/outputs/{file_id}/{cell_id}/{index}`.
func outputHandler(a *app.Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fileID := chi.URLParam(r, "file_id")
		cellID := chi.URLParam(r, "cell_id")
		index, err := strconv.Atoi(chi.URLParam(r, "index"))
		if err != nil {
			http.Error(w, "invalid output index", http.StatusBadRequest)
			return
		}

		payload, err := a.Outputs.Read(fileID, cellID, index)
		if err != nil {
			status := statusFor(err)
			if status == http.StatusInternalServerError {
				status = http.StatusNotFound // outputs.Store.Read has no roomerr.Kind yet; missing artifact is the common case
			}
			http.Error(w, http.StatusText(status), status)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write(payload)
	}
}

// fileIDIndexHandler implements `POST /api/fileid/index?path=...`.
func fileIDIndexHandler(a *app.Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Query().Get("path")
		if path == "" {
			http.Error(w, "missing path query parameter", http.StatusBadRequest)
			return
		}

		id := a.Indexer.Index(path)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"id": id, "path": path})
	}
}

// statusFor maps a roomerr.Kind to the HTTP status spec.md §7's
// closing paragraph assigns it, for any handler that wants to surface
// a roomerr.Error directly instead of a fixed status.
func statusFor(err error) int {
	var re *roomerr.Error
	if !errors.As(err, &re) {
		return http.StatusInternalServerError
	}
	switch re.Kind() {
	case roomerr.NotFound:
		return http.StatusNotFound
	case roomerr.ProtocolErr:
		return http.StatusBadRequest
	case roomerr.ConflictErr:
		return http.StatusConflict
	case roomerr.Cancelled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}
