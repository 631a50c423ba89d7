package registry

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/charmbracelet/log"
	"github.com/labstack/echo/v4"
	"github.com/opencontainers/go-digest"

	"github.com/ahlgren/wharf/internal/db"
)

const defaultPageSize = 100

// Handler is the HTTP surface of the registry API v2.
type Handler struct {
	store     *db.DB
	blobs     *FilesystemBlobStore
	uploads   *UploadManager
	manifests *ManifestStore
	access    *AccessResolver
	identity  IdentityVerifier

	maxManifestBytes int64
	maxChunkBytes    int64
}

// NewHandler wires the registry components into an HTTP handler.
func NewHandler(store *db.DB, blobs *FilesystemBlobStore, uploads *UploadManager, manifests *ManifestStore, access *AccessResolver, identity IdentityVerifier, maxManifestBytes, maxChunkBytes int64) *Handler {
	return &Handler{
		store:            store,
		blobs:            blobs,
		uploads:          uploads,
		manifests:        manifests,
		access:           access,
		identity:         identity,
		maxManifestBytes: maxManifestBytes,
		maxChunkBytes:    maxChunkBytes,
	}
}

// RegisterRoutes mounts the registry API on the echo instance.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	v2 := e.Group("/v2")

	v2.GET("/", h.handleBase)
	v2.GET("", h.handleBase)
	v2.GET("/_catalog", h.handleCatalog)

	v2.HEAD("/:namespace/:name/blobs/:digest", h.handleGetBlob)
	v2.GET("/:namespace/:name/blobs/:digest", h.handleGetBlob)

	v2.POST("/:namespace/:name/blobs/uploads/", h.handleStartUpload)
	v2.POST("/:namespace/:name/blobs/uploads", h.handleStartUpload)
	v2.PATCH("/:namespace/:name/blobs/uploads/:uuid", h.handlePatchUpload)
	v2.PUT("/:namespace/:name/blobs/uploads/:uuid", h.handlePutUpload)

	v2.HEAD("/:namespace/:name/manifests/:reference", h.handleGetManifest)
	v2.GET("/:namespace/:name/manifests/:reference", h.handleGetManifest)
	v2.PUT("/:namespace/:name/manifests/:reference", h.handlePutManifest)
	v2.DELETE("/:namespace/:name/manifests/:reference", h.handleDeleteManifest)

	v2.GET("/:namespace/:name/tags/list", h.handleListTags)
}

// caller extracts the request credentials: a verified bearer identity, Basic
// credentials, or neither. The shape is decided once here.
func (h *Handler) caller(c echo.Context) Caller {
	req := c.Request()

	if user, pass, ok := req.BasicAuth(); ok {
		return Caller{BasicUser: user, BasicPassword: pass}
	}

	auth := req.Header.Get(echo.HeaderAuthorization)
	const prefix = "Bearer "
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		if account, ok := h.identity.VerifyBearer(req.Context(), auth[len(prefix):]); ok {
			return Caller{Account: &account}
		}
	}
	return Caller{}
}

// resolve authorizes the request or writes the protocol error response.
func (h *Handler) resolve(c echo.Context, action Action) (*Resolution, error) {
	namespace := c.Param("namespace")
	name := c.Param("name")

	if err := ValidateName(namespace); err != nil {
		return nil, h.sendError(c, http.StatusBadRequest, CodeNameInvalid, err.Error())
	}
	if err := ValidateName(name); err != nil {
		return nil, h.sendError(c, http.StatusBadRequest, CodeNameInvalid, err.Error())
	}

	res, err := h.access.Resolve(c.Request().Context(), namespace, name, action, h.caller(c))
	if err != nil {
		if errors.Is(err, ErrDenied) {
			return nil, h.sendUnauthorized(c)
		}
		log.Error("Authorization resolution failed", "namespace", namespace, "name", name, "error", err)
		return nil, h.sendError(c, http.StatusInternalServerError, CodeDenied, "authorization failed")
	}
	return res, nil
}

func (h *Handler) handleBase(c echo.Context) error {
	c.Response().Header().Set("Docker-Distribution-API-Version", "registry/2.0")
	return c.NoContent(http.StatusOK)
}

func (h *Handler) handleGetBlob(c echo.Context) error {
	res, err := h.resolve(c, ActionPull)
	if res == nil {
		return err
	}
	ctx := c.Request().Context()

	dgst, err := digest.Parse(c.Param("digest"))
	if err != nil {
		return h.sendError(c, http.StatusBadRequest, CodeDigestInvalid, err.Error())
	}

	size, err := h.blobs.Size(dgst)
	if err != nil {
		if errors.Is(err, ErrBlobUnknown) {
			return h.sendError(c, http.StatusNotFound, CodeBlobUnknown, "blob not found")
		}
		return err
	}

	header := c.Response().Header()
	header.Set("Docker-Content-Digest", dgst.String())
	header.Set(echo.HeaderContentLength, strconv.FormatInt(size, 10))

	if c.Request().Method == http.MethodHead {
		return c.NoContent(http.StatusOK)
	}

	reader, err := h.blobs.Open(dgst)
	if err != nil {
		if errors.Is(err, ErrBlobUnknown) {
			return h.sendError(c, http.StatusNotFound, CodeBlobUnknown, "blob not found")
		}
		return err
	}
	defer reader.Close()

	if err := h.store.IncrementPullCount(ctx, res.Repository.ID); err != nil {
		log.Error("Failed to increment pull count", "repository", res.Repository.FullName(), "error", err)
	}

	log.Debug("Serving blob", "repository", res.Repository.FullName(), "digest", dgst, "size", size)
	return c.Stream(http.StatusOK, "application/octet-stream", reader)
}

func (h *Handler) handleStartUpload(c echo.Context) error {
	res, err := h.resolve(c, ActionPush)
	if res == nil {
		return err
	}
	ctx := c.Request().Context()

	id, err := h.uploads.Start(ctx, res.Repository.ID)
	if err != nil {
		log.Error("Failed to start blob upload", "repository", res.Repository.FullName(), "error", err)
		return h.sendError(c, http.StatusInternalServerError, CodeBlobUploadUnknown, "failed to start upload")
	}

	header := c.Response().Header()
	header.Set(echo.HeaderLocation, h.uploadURL(res.Repository, id))
	header.Set("Docker-Upload-UUID", id)
	header.Set("Range", rangeHeader(0))
	return c.NoContent(http.StatusAccepted)
}

func (h *Handler) handlePatchUpload(c echo.Context) error {
	res, err := h.resolve(c, ActionPush)
	if res == nil {
		return err
	}
	ctx := c.Request().Context()
	id := c.Param("uuid")

	upload, err := h.uploads.Get(ctx, id)
	if err != nil || upload.RepositoryID != res.Repository.ID {
		return h.sendError(c, http.StatusNotFound, CodeBlobUploadUnknown, "upload session not found")
	}

	body := http.MaxBytesReader(c.Response(), c.Request().Body, h.maxChunkBytes)
	offset, err := h.uploads.Append(ctx, id, body)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return h.sendError(c, http.StatusRequestEntityTooLarge, CodeSizeInvalid, "blob chunk exceeds maximum size")
		}
		if errors.Is(err, ErrUploadUnknown) {
			return h.sendError(c, http.StatusNotFound, CodeBlobUploadUnknown, "upload session not found")
		}
		log.Error("Failed to append blob chunk", "uuid", id, "error", err)
		return h.sendError(c, http.StatusInternalServerError, CodeBlobUploadUnknown, "failed to append chunk")
	}

	header := c.Response().Header()
	header.Set(echo.HeaderLocation, h.uploadURL(res.Repository, id))
	header.Set("Docker-Upload-UUID", id)
	header.Set("Range", rangeHeader(offset))
	return c.NoContent(http.StatusAccepted)
}

func (h *Handler) handlePutUpload(c echo.Context) error {
	res, err := h.resolve(c, ActionPush)
	if res == nil {
		return err
	}
	ctx := c.Request().Context()
	id := c.Param("uuid")

	dgst, err := digest.Parse(c.QueryParam("digest"))
	if err != nil {
		return h.sendError(c, http.StatusBadRequest, CodeDigestInvalid, "digest query parameter required")
	}

	upload, err := h.uploads.Get(ctx, id)
	if err != nil || upload.RepositoryID != res.Repository.ID {
		return h.sendError(c, http.StatusNotFound, CodeBlobUploadUnknown, "upload session not found")
	}

	// Trailing bytes may ride along with the finalize request.
	body := http.MaxBytesReader(c.Response(), c.Request().Body, h.maxChunkBytes)
	if _, err := h.uploads.Append(ctx, id, body); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return h.sendError(c, http.StatusRequestEntityTooLarge, CodeSizeInvalid, "blob chunk exceeds maximum size")
		}
		if errors.Is(err, ErrUploadUnknown) {
			return h.sendError(c, http.StatusNotFound, CodeBlobUploadUnknown, "upload session not found")
		}
		log.Error("Failed to append final chunk", "uuid", id, "error", err)
		return h.sendError(c, http.StatusInternalServerError, CodeBlobUploadUnknown, "failed to append chunk")
	}

	if _, err := h.uploads.Finish(ctx, id, dgst); err != nil {
		switch {
		case errors.Is(err, ErrUploadUnknown):
			return h.sendError(c, http.StatusNotFound, CodeBlobUploadUnknown, "upload session not found")
		case errors.Is(err, ErrDigestMismatch):
			return h.sendError(c, http.StatusBadRequest, CodeDigestInvalid, "digest does not match uploaded content")
		default:
			log.Error("Failed to finalize blob upload", "uuid", id, "error", err)
			return h.sendError(c, http.StatusInternalServerError, CodeBlobUploadUnknown, "failed to finalize upload")
		}
	}

	header := c.Response().Header()
	header.Set(echo.HeaderLocation, fmt.Sprintf("/v2/%s/blobs/%s", res.Repository.FullName(), dgst))
	header.Set("Docker-Content-Digest", dgst.String())
	return c.NoContent(http.StatusCreated)
}

func (h *Handler) handleGetManifest(c echo.Context) error {
	res, err := h.resolve(c, ActionPull)
	if res == nil {
		return err
	}
	ctx := c.Request().Context()

	ref, err := ParseReference(c.Param("reference"))
	if err != nil {
		return h.sendError(c, http.StatusBadRequest, CodeManifestInvalid, err.Error())
	}

	m, err := h.manifests.Get(ctx, res.Repository.ID, ref)
	if err != nil {
		if errors.Is(err, ErrManifestUnknown) {
			return h.sendError(c, http.StatusNotFound, CodeManifestUnknown, "manifest not found")
		}
		return err
	}

	header := c.Response().Header()
	header.Set("Docker-Content-Digest", m.Digest.String())
	header.Set(echo.HeaderContentLength, strconv.FormatInt(m.Size, 10))

	if c.Request().Method == http.MethodHead {
		c.Response().Header().Set(echo.HeaderContentType, m.MediaType)
		return c.NoContent(http.StatusOK)
	}

	if err := h.store.IncrementPullCount(ctx, res.Repository.ID); err != nil {
		log.Error("Failed to increment pull count", "repository", res.Repository.FullName(), "error", err)
	}

	return c.Blob(http.StatusOK, m.MediaType, m.Payload)
}

func (h *Handler) handlePutManifest(c echo.Context) error {
	res, err := h.resolve(c, ActionPush)
	if res == nil {
		return err
	}
	ctx := c.Request().Context()

	ref, err := ParseReference(c.Param("reference"))
	if err != nil {
		return h.sendError(c, http.StatusBadRequest, CodeManifestInvalid, err.Error())
	}

	contentType := c.Request().Header.Get(echo.HeaderContentType)
	if contentType == "" {
		return h.sendError(c, http.StatusBadRequest, CodeManifestInvalid, "Content-Type header required")
	}

	body := http.MaxBytesReader(c.Response(), c.Request().Body, h.maxManifestBytes)
	payload, err := io.ReadAll(body)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return h.sendError(c, http.StatusRequestEntityTooLarge, CodeSizeInvalid, "manifest exceeds maximum size")
		}
		return h.sendError(c, http.StatusBadRequest, CodeManifestInvalid, "invalid manifest data")
	}

	dgst, err := h.manifests.Put(ctx, res.Repository.ID, ref, payload, contentType)
	if err != nil {
		if errors.Is(err, ErrManifestInvalid) {
			return h.sendError(c, http.StatusBadRequest, CodeManifestInvalid, err.Error())
		}
		log.Error("Failed to store manifest", "repository", res.Repository.FullName(), "reference", ref, "error", err)
		return h.sendError(c, http.StatusInternalServerError, CodeManifestInvalid, "failed to store manifest")
	}

	if err := h.store.IncrementPushCount(ctx, res.Repository.ID); err != nil {
		log.Error("Failed to increment push count", "repository", res.Repository.FullName(), "error", err)
	}

	header := c.Response().Header()
	header.Set(echo.HeaderLocation, fmt.Sprintf("/v2/%s/manifests/%s", res.Repository.FullName(), ref))
	header.Set("Docker-Content-Digest", dgst.String())
	return c.NoContent(http.StatusCreated)
}

// handleDeleteManifest removes a tag pointer. Deleting by digest is not
// supported; manifests and blobs are immutable in this registry.
func (h *Handler) handleDeleteManifest(c echo.Context) error {
	res, err := h.resolve(c, ActionPush)
	if res == nil {
		return err
	}

	ref, err := ParseReference(c.Param("reference"))
	if err != nil {
		return h.sendError(c, http.StatusBadRequest, CodeManifestInvalid, err.Error())
	}
	if ref.IsDigest() {
		return h.sendError(c, http.StatusMethodNotAllowed, CodeManifestInvalid, "only tag deletion is supported")
	}

	if err := h.manifests.DeleteTag(c.Request().Context(), res.Repository.ID, ref.Tag); err != nil {
		if errors.Is(err, ErrManifestUnknown) {
			return h.sendError(c, http.StatusNotFound, CodeManifestUnknown, "tag not found")
		}
		return err
	}
	return c.NoContent(http.StatusAccepted)
}

func (h *Handler) handleListTags(c echo.Context) error {
	res, err := h.resolve(c, ActionPull)
	if res == nil {
		return err
	}

	limit := pageSize(c.QueryParam("n"))
	tags, err := h.manifests.ListTags(c.Request().Context(), res.Repository.ID, limit, c.QueryParam("last"))
	if err != nil {
		log.Error("Failed to list tags", "repository", res.Repository.FullName(), "error", err)
		return err
	}

	return c.JSON(http.StatusOK, TagList{
		Name: res.Repository.FullName(),
		Tags: tags,
	})
}

// handleCatalog lists repositories visible to the caller: public ones plus
// those the caller owns.
func (h *Handler) handleCatalog(c echo.Context) error {
	ownerID := ""
	if caller := h.caller(c); caller.Account != nil {
		ownerID = caller.Account.ID
	}

	limit := pageSize(c.QueryParam("n"))
	repos, err := h.store.ListRepositories(c.Request().Context(), ownerID, limit, c.QueryParam("last"))
	if err != nil {
		log.Error("Failed to list repositories", "error", err)
		return err
	}

	return c.JSON(http.StatusOK, Catalog{Repositories: repos})
}

// TagList is the tags/list response body.
type TagList struct {
	Name string   `json:"name"`
	Tags []string `json:"tags"`
}

// Catalog is the _catalog response body.
type Catalog struct {
	Repositories []string `json:"repositories"`
}

func (h *Handler) uploadURL(repo *db.Repository, id string) string {
	return fmt.Sprintf("/v2/%s/blobs/uploads/%s", repo.FullName(), id)
}

// rangeHeader formats the inclusive accumulated range. An empty session
// reports 0-0.
func rangeHeader(offset int64) string {
	if offset <= 0 {
		return "0-0"
	}
	return fmt.Sprintf("0-%d", offset-1)
}

func (h *Handler) sendUnauthorized(c echo.Context) error {
	c.Response().Header().Set("WWW-Authenticate", `Basic realm="Wharf Registry"`)
	return h.sendError(c, http.StatusUnauthorized, CodeUnauthorized, "authentication required")
}

// sendError writes a structured registry error body.
func (h *Handler) sendError(c echo.Context, status int, code, message string) error {
	c.Response().Header().Set("Docker-Distribution-API-Version", "registry/2.0")
	return c.JSON(status, ErrorResponse{
		Errors: []ErrorItem{{Code: code, Message: message}},
	})
}

func pageSize(param string) int {
	if param == "" {
		return defaultPageSize
	}
	n, err := strconv.Atoi(param)
	if err != nil || n <= 0 {
		return defaultPageSize
	}
	return n
}
