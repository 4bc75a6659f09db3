package controllers

import (
	"net/http"

	"github.com/angelmondragon/fieldsync/api/responses"
	"github.com/angelmondragon/fieldsync/api/validators"
	"github.com/angelmondragon/fieldsync/pkg/logger"
	"github.com/angelmondragon/fieldsync/pkg/types"
)

// EntityPut creates or updates one entity. The body version must equal the
// server version; a stale write is rejected with the server copy attached.
func EntityPut(store EntityStore, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		table, key, err := entityParams(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var body types.EntityWrite
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		ctx := r.Context()
		if logg != nil {
			ctx = logg.WithFields(ctx, map[string]any{"table": table, "record_key": key, "base_version": body.Version})
		}
		ack, err := store.PutEntity(ctx, table, key, body.Payload, body.Version)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, ack)
	}
}

// EntityDelete tombstones an entity at ?version.
func EntityDelete(store EntityStore, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		table, key, err := entityParams(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		version, err := validators.ParseQueryInt64(r, "version")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if err := store.DeleteEntity(r.Context(), table, key, version); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// EntityList returns the canonical snapshot of a table.
func EntityList(store EntityStore, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		table, err := validators.PathParam(r, "table")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		records, err := store.ListTable(r.Context(), table)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if records == nil {
			records = []types.CanonicalRecord{}
		}
		responses.WriteSuccess(w, types.TableSnapshot{Records: records})
	}
}

func entityParams(r *http.Request) (string, string, error) {
	table, err := validators.PathParam(r, "table")
	if err != nil {
		return "", "", err
	}
	key, err := validators.PathParam(r, "key")
	if err != nil {
		return "", "", err
	}
	return table, key, nil
}
