// Package api implements the HTTP surface of the gateway: the JSON
// index-CRUD endpoints and the four signed binary data-plane endpoints.
package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cosmian/findex-cloud/internal/apierr"
	"github.com/cosmian/findex-cloud/internal/catalog"
	"github.com/cosmian/findex-cloud/internal/debuglog"
	"github.com/cosmian/findex-cloud/internal/httpserver"
	"github.com/cosmian/findex-cloud/internal/signing"
	"github.com/cosmian/findex-cloud/internal/storage"
	"github.com/cosmian/findex-cloud/internal/telemetry"
	"github.com/cosmian/findex-cloud/internal/tenantdir"
	"github.com/cosmian/findex-cloud/internal/wirecodec"
)

// maxDataPlaneBody caps signed request bodies at 50 MiB.
const maxDataPlaneBody = 50 << 20

// Authenticator resolves the authenticated subject of an index-CRUD request.
// Nil in single-tenant mode, where every request acts as the empty subject.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// Handler provides the HTTP handlers for the indexes API.
type Handler struct {
	logger   *slog.Logger
	catalog  catalog.Store
	engine   storage.Engine
	auth     Authenticator
	projects tenantdir.ProjectsClient
	capture  *debuglog.Writer
}

// NewHandler creates the indexes Handler. auth may be nil (single-tenant
// mode) and capture may be nil (request capture disabled).
func NewHandler(logger *slog.Logger, catalogStore catalog.Store, engine storage.Engine, auth Authenticator, projects tenantdir.ProjectsClient, capture *debuglog.Writer) *Handler {
	return &Handler{
		logger:   logger,
		catalog:  catalogStore,
		engine:   engine,
		auth:     auth,
		projects: projects,
		capture:  capture,
	}
}

// Routes returns a chi.Router with all index routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.handleList)
	r.Post("/", h.handleCreate)
	r.Get("/{publicID}", h.handleGet)
	r.Delete("/{publicID}", h.handleDelete)

	r.Group(func(r chi.Router) {
		r.Use(httpserver.MaxBody(maxDataPlaneBody))
		r.Post("/{publicID}/fetch_entries", h.handleFetchEntries)
		r.Post("/{publicID}/fetch_chains", h.handleFetchChains)
		r.Post("/{publicID}/upsert_entries", h.handleUpsertEntries)
		r.Post("/{publicID}/insert_chains", h.handleInsertChains)
	})

	return r
}

// multiTenant reports whether OIDC authentication is configured.
func (h *Handler) multiTenant() bool {
	return h.auth != nil
}

// authenticate resolves the request subject. In single-tenant mode every
// caller is the empty subject.
func (h *Handler) authenticate(r *http.Request) (string, error) {
	if h.auth == nil {
		return "", nil
	}
	return h.auth.Authenticate(r)
}

func bearerToken(r *http.Request) string {
	return strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer"))
}

// respondError maps err onto the JSON error envelope. An unknown public id
// and a cross-tenant access produce byte-identical responses so neither can
// be used as an existence oracle.
func (h *Handler) respondError(w http.ResponseWriter, err error) {
	if errors.Is(err, catalog.ErrNotFound) {
		apierr.Respond(w, apierr.New(apierr.KindBadRequest, "unknown index public id"))
		return
	}

	var apiErr *apierr.Error
	if errors.As(err, &apiErr) {
		if apierr.StatusFor(apiErr.Kind) >= 500 {
			h.logger.Error("request failed", "kind", apiErr.Kind.String(), "error", err)
		}
		apierr.Respond(w, apiErr)
		return
	}

	h.logger.Error("request failed", "error", err)
	apierr.Respond(w, apierr.Wrap(apierr.KindBackendFatal, "internal error", err))
}

// indexResponse is the JSON shape of an Index on list/get responses. The
// internal surrogate id and the soft-delete marker never leave the catalog,
// and the four operation keys are disclosed only at creation time.
type indexResponse struct {
	PublicID    string    `json:"public_id"`
	Name        string    `json:"name"`
	AuthzID     string    `json:"authz_id"`
	ProjectUUID string    `json:"project_uuid"`
	Size        *int64    `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
}

// createIndexResponse additionally carries the four operation keys,
// base64-encoded by encoding/json. This is the only response that ever
// contains them.
type createIndexResponse struct {
	indexResponse
	FetchEntriesKey  []byte `json:"fetch_entries_key"`
	FetchChainsKey   []byte `json:"fetch_chains_key"`
	UpsertEntriesKey []byte `json:"upsert_entries_key"`
	InsertChainsKey  []byte `json:"insert_chains_key"`
}

func toIndexResponse(idx *catalog.Index) indexResponse {
	return indexResponse{
		PublicID:    idx.PublicID,
		Name:        idx.Name,
		AuthzID:     idx.AuthzID,
		ProjectUUID: idx.ProjectUUID,
		Size:        idx.Size,
		CreatedAt:   idx.CreatedAt,
	}
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	sub, err := h.authenticate(r)
	if err != nil {
		h.respondError(w, err)
		return
	}

	projectUUID := r.URL.Query().Get("project_uuid")
	if h.multiTenant() {
		if projectUUID == "" {
			h.respondError(w, apierr.New(apierr.KindBadRequest, "project_uuid query parameter is required"))
			return
		}
		member, err := h.projects.IsMember(r.Context(), bearerToken(r), projectUUID)
		if err != nil {
			h.respondError(w, apierr.Wrap(apierr.KindBackendTransient, "resolving project membership", err))
			return
		}
		if !member {
			h.respondError(w, apierr.New(apierr.KindUnknownProject, "unknown project "+projectUUID))
			return
		}
	}

	indexes, err := h.catalog.ListByAuthz(r.Context(), sub)
	if err != nil {
		h.respondError(w, err)
		return
	}

	out := make([]indexResponse, 0, len(indexes))
	for _, idx := range indexes {
		if h.multiTenant() && idx.ProjectUUID != projectUUID {
			continue
		}
		// The catalog hands out shared pointers; size is filled on a copy so
		// concurrent readers never race on the cached struct.
		sized := *idx
		if err := h.engine.SetSize(r.Context(), &sized); err != nil {
			h.logger.Warn("computing index size", "index", idx.PublicID, "error", err)
		}
		out = append(out, toIndexResponse(&sized))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	httpserver.Respond(w, http.StatusOK, out)
}

type createIndexRequest struct {
	Name        string `json:"name" validate:"required,max=255"`
	ProjectUUID string `json:"project_uuid" validate:"omitempty,uuid"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	sub, err := h.authenticate(r)
	if err != nil {
		h.respondError(w, err)
		return
	}

	var req createIndexRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	if h.multiTenant() && req.ProjectUUID != "" {
		member, err := h.projects.IsMember(r.Context(), bearerToken(r), req.ProjectUUID)
		if err != nil {
			h.respondError(w, apierr.Wrap(apierr.KindBackendTransient, "resolving project membership", err))
			return
		}
		if !member {
			h.respondError(w, apierr.New(apierr.KindUnknownProject, "unknown project "+req.ProjectUUID))
			return
		}
	}

	idx, err := catalog.NewIndex(req.Name, sub, req.ProjectUUID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	if err := h.catalog.Create(r.Context(), idx); err != nil {
		h.respondError(w, err)
		return
	}

	telemetry.IndexesCreatedTotal.Inc()
	h.logger.Info("index created", "public_id", idx.PublicID, "name", idx.Name)

	httpserver.Respond(w, http.StatusCreated, createIndexResponse{
		indexResponse:    toIndexResponse(idx),
		FetchEntriesKey:  idx.FetchEntriesKey[:],
		FetchChainsKey:   idx.FetchChainsKey[:],
		UpsertEntriesKey: idx.UpsertEntriesKey[:],
		InsertChainsKey:  idx.InsertChainsKey[:],
	})
}

// getOwned resolves publicID to an index owned by sub. A row owned by
// someone else is reported exactly like a missing row.
func (h *Handler) getOwned(r *http.Request, sub string) (*catalog.Index, error) {
	idx, err := h.catalog.Get(r.Context(), chi.URLParam(r, "publicID"))
	if err != nil {
		return nil, err
	}
	if h.multiTenant() && idx.AuthzID != sub {
		return nil, catalog.ErrNotFound
	}
	return idx, nil
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	sub, err := h.authenticate(r)
	if err != nil {
		h.respondError(w, err)
		return
	}

	idx, err := h.getOwned(r, sub)
	if err != nil {
		h.respondError(w, err)
		return
	}

	// The catalog hands out shared pointers; size is filled on a copy so
	// concurrent readers never race on the cached struct.
	sized := *idx
	if err := h.engine.SetSize(r.Context(), &sized); err != nil {
		h.logger.Warn("computing index size", "index", idx.PublicID, "error", err)
	}

	httpserver.Respond(w, http.StatusOK, toIndexResponse(&sized))
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	sub, err := h.authenticate(r)
	if err != nil {
		h.respondError(w, err)
		return
	}

	idx, err := h.getOwned(r, sub)
	if err != nil {
		h.respondError(w, err)
		return
	}

	if err := h.catalog.Delete(r.Context(), idx.PublicID); err != nil {
		h.respondError(w, err)
		return
	}

	telemetry.IndexesDeletedTotal.Inc()
	h.logger.Info("index deleted", "public_id", idx.PublicID)

	httpserver.Respond(w, http.StatusOK, map[string]any{})
}

// verifySigned reads the request body, resolves the index, and verifies the
// signed envelope with the per-operation key selected by opKey. It returns
// the index and the verified payload.
func (h *Handler) verifySigned(w http.ResponseWriter, r *http.Request, opKey func(*catalog.Index) [16]byte) (*catalog.Index, []byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.respondError(w, apierr.New(apierr.KindBadRequest, "request body too large"))
		} else {
			h.respondError(w, apierr.Wrap(apierr.KindBadRequest, "reading request body", err))
		}
		return nil, nil, false
	}

	publicID := chi.URLParam(r, "publicID")
	idx, err := h.catalog.Get(r.Context(), publicID)
	if err != nil {
		h.respondError(w, err)
		return nil, nil, false
	}

	derived := signing.DeriveKey(opKey(idx), publicID)
	payload, err := signing.Verify(derived, body, time.Now())
	if err != nil {
		var apiErr *apierr.Error
		if errors.As(err, &apiErr) {
			telemetry.SignatureFailuresTotal.WithLabelValues(apiErr.Kind.String()).Inc()
		}
		h.respondError(w, err)
		return nil, nil, false
	}

	return idx, payload, true
}

func respondBytes(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (h *Handler) handleFetchEntries(w http.ResponseWriter, r *http.Request) {
	h.handleFetch(w, r, catalog.TableEntries, func(idx *catalog.Index) [16]byte { return idx.FetchEntriesKey })
}

func (h *Handler) handleFetchChains(w http.ResponseWriter, r *http.Request) {
	h.handleFetch(w, r, catalog.TableChains, func(idx *catalog.Index) [16]byte { return idx.FetchChainsKey })
}

func (h *Handler) handleFetch(w http.ResponseWriter, r *http.Request, table catalog.Table, opKey func(*catalog.Index) [16]byte) {
	idx, payload, ok := h.verifySigned(w, r, opKey)
	if !ok {
		return
	}

	uids, err := wirecodec.DecodeUIDSet(payload)
	if err != nil {
		h.respondError(w, err)
		return
	}

	values, err := h.engine.Fetch(r.Context(), idx, table, uids)
	if err != nil {
		h.respondError(w, err)
		return
	}

	h.capture.LogFetch(table.String(), idx.PublicID, uids, values)

	respondBytes(w, wirecodec.EncodeTable(values))
}

func (h *Handler) handleUpsertEntries(w http.ResponseWriter, r *http.Request) {
	idx, payload, ok := h.verifySigned(w, r, func(idx *catalog.Index) [16]byte { return idx.UpsertEntriesKey })
	if !ok {
		return
	}

	wireRows, err := wirecodec.DecodeUpsertData(payload)
	if err != nil {
		h.respondError(w, err)
		return
	}

	rows := make([]catalog.UpsertRow, len(wireRows))
	for i, wr := range wireRows {
		rows[i] = catalog.UpsertRow{UID: wr.UID, OldValue: wr.OldValue, NewValue: wr.NewValue}
	}

	rejected, err := h.engine.UpsertEntries(r.Context(), idx, rows)
	if err != nil {
		h.respondError(w, err)
		return
	}

	telemetry.UpsertRowsTotal.WithLabelValues("accepted").Add(float64(len(rows) - len(rejected)))
	telemetry.UpsertRowsTotal.WithLabelValues("rejected").Add(float64(len(rejected)))

	respondBytes(w, wirecodec.EncodeTable(rejected))
}

func (h *Handler) handleInsertChains(w http.ResponseWriter, r *http.Request) {
	idx, payload, ok := h.verifySigned(w, r, func(idx *catalog.Index) [16]byte { return idx.InsertChainsKey })
	if !ok {
		return
	}

	values, err := wirecodec.DecodeTable(payload)
	if err != nil {
		h.respondError(w, err)
		return
	}

	if err := h.engine.InsertChains(r.Context(), idx, values); err != nil {
		h.respondError(w, err)
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]any{})
}
