package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/strandlabs/strand/pkg/auth"
	"github.com/strandlabs/strand/pkg/models"
	"github.com/strandlabs/strand/pkg/storage"
)

// putStoreItemHandler handles PUT /store/items. The body namespace may be
// a list or a slash-joined string; both land on the same row.
func (s *Server) putStoreItemHandler(c *echo.Context) error {
	var req models.PutStoreItemRequest
	if err := decodeBody(c, &req, false); err != nil {
		return err
	}
	owner := auth.OwnerFromContext(c.Request().Context())

	item, err := s.storeService.Put(c.Request().Context(), owner, &req)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, item)
}

// getStoreItemHandler handles GET /store/items?namespace=a/b&key=k.
func (s *Server) getStoreItemHandler(c *echo.Context) error {
	namespace := storage.SplitNamespace(c.QueryParam("namespace"))
	key := c.QueryParam("key")
	owner := auth.OwnerFromContext(c.Request().Context())

	item, err := s.storeService.Get(c.Request().Context(), owner, namespace, key)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, item)
}

// deleteStoreItemHandler handles DELETE /store/items?namespace=a/b&key=k.
// Deleting a missing item is a 404, so repeated deletes are observable.
func (s *Server) deleteStoreItemHandler(c *echo.Context) error {
	req := models.DeleteStoreItemRequest{
		Namespace: models.NamespaceInput{Joined: c.QueryParam("namespace")},
		Key:       c.QueryParam("key"),
	}
	owner := auth.OwnerFromContext(c.Request().Context())

	if err := s.storeService.Delete(c.Request().Context(), owner, &req); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{})
}

// searchStoreItemsHandler handles POST /store/items/search. The prefix
// field on the wire is "namespace".
func (s *Server) searchStoreItemsHandler(c *echo.Context) error {
	var req models.SearchStoreItemsRequest
	if err := decodeBody(c, &req, true); err != nil {
		return err
	}
	owner := auth.OwnerFromContext(c.Request().Context())

	items, err := s.storeService.Search(c.Request().Context(), owner, &req)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, items)
}

// listNamespacesHandler handles GET /store/namespaces. Filters arrive as
// query parameters; prefix and suffix use the slash-joined form.
func (s *Server) listNamespacesHandler(c *echo.Context) error {
	maxDepth, err := intQueryParam(c, "max_depth", 0)
	if err != nil {
		return err
	}
	limit, err := intQueryParam(c, "limit", 0)
	if err != nil {
		return err
	}
	offset, err := intQueryParam(c, "offset", 0)
	if err != nil {
		return err
	}
	req := models.ListNamespacesRequest{
		Prefix:   models.NamespaceInput{Joined: c.QueryParam("prefix")},
		Suffix:   models.NamespaceInput{Joined: c.QueryParam("suffix")},
		MaxDepth: maxDepth,
		Limit:    limit,
		Offset:   offset,
	}
	owner := auth.OwnerFromContext(c.Request().Context())

	namespaces, err := s.storeService.ListNamespaces(c.Request().Context(), owner, &req)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, namespaces)
}
