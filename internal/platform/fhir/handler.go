// Package fhir is the thin HTTP surface of the index: FHIR search returning
// searchset Bundles, plus endpoints to index and unindex resources.
package fhir

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirindex/internal/catalog"
	"github.com/ehr/fhirindex/internal/harvest"
	"github.com/ehr/fhirindex/internal/index"
	"github.com/ehr/fhirindex/internal/model"
	"github.com/ehr/fhirindex/internal/search"
)

// Searcher runs searches. *search.Searcher satisfies it.
type Searcher interface {
	Search(ctx context.Context, resourceType string, params url.Values) (*search.Results, error)
}

// Indexer writes to the index. *harvest.Indexer satisfies it.
type Indexer interface {
	Index(ctx context.Context, res model.Resource, key index.Key) error
	Unindex(ctx context.Context, key index.Key) error
}

// Handler serves the FHIR endpoints.
type Handler struct {
	searcher Searcher
	indexer  Indexer
	catalog  *catalog.Catalog
	base     string
	logger   zerolog.Logger
}

func NewHandler(s Searcher, ix Indexer, cat *catalog.Catalog, base string, logger zerolog.Logger) *Handler {
	return &Handler{searcher: s, indexer: ix, catalog: cat, base: base, logger: logger}
}

// RegisterRoutes mounts the endpoints on g, typically the /fhir group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/metadata", h.Capabilities)
	g.GET("/:type", h.Search)
	g.PUT("/:type/:id", h.Index)
	g.PUT("/:type/:id/_history/:vid", h.Index)
	g.DELETE("/:type/:id", h.Unindex)
}

func fhirJSON(c echo.Context, status int, v any) error {
	c.Response().Header().Set(echo.HeaderContentType, "application/fhir+json")
	return c.JSON(status, v)
}

func (h *Handler) Capabilities(c echo.Context) error {
	return fhirJSON(c, http.StatusOK, NewCapabilityStatement(h.catalog))
}

// Search handles GET /fhir/:type.
func (h *Handler) Search(c echo.Context) error {
	rt := c.Param("type")
	if !h.catalog.Supports(rt) {
		return fhirJSON(c, http.StatusNotFound, NotFoundOutcome("unknown resource type "+rt))
	}
	query := c.QueryParams()
	res, err := h.searcher.Search(c.Request().Context(), rt, query)
	if err != nil {
		status, oo := SearchErrorOutcome(err)
		return fhirJSON(c, status, oo)
	}
	return fhirJSON(c, http.StatusOK, NewSearchBundle(res, SearchBundleParams{
		BaseURL: h.base + "/" + rt,
		Query:   query,
		Count:   res.Count,
		Offset:  res.Offset,
		Total:   res.Total,
	}))
}

// Index handles PUT /fhir/:type/:id[/_history/:vid]. The body is the
// resource; its type and id must agree with the path.
func (h *Handler) Index(c echo.Context) error {
	rt, id := c.Param("type"), c.Param("id")
	if !h.catalog.Supports(rt) {
		return fhirJSON(c, http.StatusNotFound, NotFoundOutcome("unknown resource type "+rt))
	}
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return err
	}
	res, err := model.DecodeResource(body)
	if err != nil {
		return fhirJSON(c, http.StatusBadRequest, InvalidOutcome(err.Error()))
	}
	if res.Type() != rt {
		return fhirJSON(c, http.StatusBadRequest,
			InvalidOutcome("resourceType "+res.Type()+" does not match path type "+rt))
	}
	switch res.ID() {
	case "":
		res["id"] = id
	case id:
	default:
		return fhirJSON(c, http.StatusBadRequest, InvalidOutcome("resource id "+res.ID()+" does not match path id "+id))
	}

	vid := c.Param("vid")
	if vid == "" {
		vid = res.VersionID()
	}
	key := index.Key{Base: h.base, TypeName: rt, ResourceID: id, VersionID: vid}
	if err := h.indexer.Index(c.Request().Context(), res, key); err != nil {
		switch {
		case errors.Is(err, harvest.ErrUnsupportedType):
			return fhirJSON(c, http.StatusNotFound, NotFoundOutcome(err.Error()))
		case errors.Is(err, harvest.ErrKeyMismatch):
			return fhirJSON(c, http.StatusBadRequest, InvalidOutcome(err.Error()))
		}
		h.logger.Error().Err(err).Str("key", key.InternalID()).Msg("index failed")
		return fhirJSON(c, http.StatusInternalServerError, ErrorOutcome(err.Error()))
	}
	c.Response().Header().Set("Content-Location", key.SelfLink())
	return fhirJSON(c, http.StatusOK,
		NewOperationOutcome(IssueSeverityInformation, IssueTypeInformational, "indexed "+key.InternalID()))
}

// Unindex handles DELETE /fhir/:type/:id.
func (h *Handler) Unindex(c echo.Context) error {
	rt := c.Param("type")
	if !h.catalog.Supports(rt) {
		return fhirJSON(c, http.StatusNotFound, NotFoundOutcome("unknown resource type "+rt))
	}
	key := index.Key{Base: h.base, TypeName: rt, ResourceID: c.Param("id")}
	if err := h.indexer.Unindex(c.Request().Context(), key); err != nil {
		h.logger.Error().Err(err).Str("key", key.Reference()).Msg("unindex failed")
		return fhirJSON(c, http.StatusInternalServerError, ErrorOutcome(err.Error()))
	}
	return c.NoContent(http.StatusNoContent)
}
