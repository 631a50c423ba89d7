package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahlgren/wharf/internal/db"
)

type testEnv struct {
	t     *testing.T
	e     *echo.Echo
	store *db.DB
	blobs *FilesystemBlobStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	store, err := db.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	blobs, err := NewFilesystemBlobStore(dir)
	require.NoError(t, err)

	identity := NewStaticIdentity(map[string]string{
		"alice-token": "acct-1",
		"bob-token":   "acct-2",
	})
	uploads := NewUploadManager(store, blobs)
	manifests := NewManifestStore(store)
	access := NewAccessResolver(store)
	handler := NewHandler(store, blobs, uploads, manifests, access, identity, 1<<20, 1<<24)

	e := echo.New()
	handler.RegisterRoutes(e)

	return &testEnv{t: t, e: e, store: store, blobs: blobs}
}

type reqOpt func(*http.Request)

func asAlice(r *http.Request) { r.Header.Set("Authorization", "Bearer alice-token") }
func asBob(r *http.Request)   { r.Header.Set("Authorization", "Bearer bob-token") }

func withType(ct string) reqOpt {
	return func(r *http.Request) { r.Header.Set("Content-Type", ct) }
}

func (env *testEnv) do(method, target string, body []byte, opts ...reqOpt) *httptest.ResponseRecorder {
	env.t.Helper()
	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	for _, opt := range opts {
		opt(req)
	}
	rec := httptest.NewRecorder()
	env.e.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotEmpty(t, body.Errors)
	return body.Errors[0].Code
}

// uploadBlob drives the full chunked upload flow over HTTP and returns the
// blob digest.
func (env *testEnv) uploadBlob(repo string, content []byte, opts ...reqOpt) string {
	env.t.Helper()
	t := env.t

	rec := env.do(http.MethodPost, "/v2/"+repo+"/blobs/uploads/", nil, opts...)
	require.Equal(t, http.StatusAccepted, rec.Code)
	id := rec.Header().Get("Docker-Upload-UUID")
	require.NotEmpty(t, id)
	require.Equal(t, "0-0", rec.Header().Get("Range"))

	rec = env.do(http.MethodPatch, "/v2/"+repo+"/blobs/uploads/"+id, content, opts...)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, fmt.Sprintf("0-%d", len(content)-1), rec.Header().Get("Range"))

	dgst := DigestBytes(content)
	rec = env.do(http.MethodPut, "/v2/"+repo+"/blobs/uploads/"+id+"?digest="+dgst.String(), nil, opts...)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, dgst.String(), rec.Header().Get("Docker-Content-Digest"))
	return dgst.String()
}

func TestHandler_BaseEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/v2/", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "registry/2.0", rec.Header().Get("Docker-Distribution-API-Version"))
}

func TestHandler_UploadRequiresAuth(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/v2/acct1/app/blobs/uploads/", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, CodeUnauthorized, errorCode(t, rec))
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Basic realm")
}

func TestHandler_BlobUploadRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	content := []byte("layer data for round trip")

	dgst := env.uploadBlob("acct1/app", content, asAlice)

	// Auto-provisioned private repository owned by the pusher.
	repo, err := env.store.FindRepository(context.Background(), "acct1", "app")
	require.NoError(t, err)
	assert.Equal(t, "acct-1", repo.OwnerID)
	assert.Equal(t, db.VisibilityPrivate, repo.Visibility)

	// HEAD: headers only.
	rec := env.do(http.MethodHead, "/v2/acct1/app/blobs/"+dgst, nil, asAlice)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, dgst, rec.Header().Get("Docker-Content-Digest"))
	assert.Equal(t, fmt.Sprintf("%d", len(content)), rec.Header().Get("Content-Length"))

	// GET returns exactly the uploaded bytes.
	rec = env.do(http.MethodGet, "/v2/acct1/app/blobs/"+dgst, nil, asAlice)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, content, rec.Body.Bytes())
}

func TestHandler_BlobUnknown(t *testing.T) {
	env := newTestEnv(t)
	env.uploadBlob("acct1/app", []byte("exists"), asAlice)

	missing := DigestBytes([]byte("missing")).String()
	rec := env.do(http.MethodGet, "/v2/acct1/app/blobs/"+missing, nil, asAlice)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, CodeBlobUnknown, errorCode(t, rec))
}

func TestHandler_EmptyChunkRange(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/v2/acct1/app/blobs/uploads/", nil, asAlice)
	require.Equal(t, http.StatusAccepted, rec.Code)
	id := rec.Header().Get("Docker-Upload-UUID")

	// A zero-length chunk leaves the session at offset zero.
	rec = env.do(http.MethodPatch, "/v2/acct1/app/blobs/uploads/"+id, nil, asAlice)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "0-0", rec.Header().Get("Range"))
}

func TestHandler_UnknownUploadSession(t *testing.T) {
	env := newTestEnv(t)
	env.uploadBlob("acct1/app", []byte("seed repo"), asAlice)

	rec := env.do(http.MethodPatch, "/v2/acct1/app/blobs/uploads/bogus-id", []byte("chunk"), asAlice)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, CodeBlobUploadUnknown, errorCode(t, rec))

	dgst := DigestBytes([]byte("chunk")).String()
	rec = env.do(http.MethodPut, "/v2/acct1/app/blobs/uploads/bogus-id?digest="+dgst, nil, asAlice)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, CodeBlobUploadUnknown, errorCode(t, rec))
}

func TestHandler_FinalizeDigestMismatch(t *testing.T) {
	env := newTestEnv(t)
	env.uploadBlob("acct1/app", []byte("seed repo"), asAlice)

	rec := env.do(http.MethodPost, "/v2/acct1/app/blobs/uploads/", nil, asAlice)
	require.Equal(t, http.StatusAccepted, rec.Code)
	id := rec.Header().Get("Docker-Upload-UUID")

	rec = env.do(http.MethodPatch, "/v2/acct1/app/blobs/uploads/"+id, []byte("actual bytes"), asAlice)
	require.Equal(t, http.StatusAccepted, rec.Code)

	wrong := DigestBytes([]byte("declared something else")).String()
	rec = env.do(http.MethodPut, "/v2/acct1/app/blobs/uploads/"+id+"?digest="+wrong, nil, asAlice)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, CodeDigestInvalid, errorCode(t, rec))
}

func TestHandler_ManifestPutGet(t *testing.T) {
	env := newTestEnv(t)
	payload := manifestPayload("sha256:00000000000000000000000000000000000000000000000000000000000000aa")

	rec := env.do(http.MethodPut, "/v2/acct1/app/manifests/latest", payload, asAlice, withType(MediaTypeDockerManifest))
	require.Equal(t, http.StatusCreated, rec.Code)
	dgst := rec.Header().Get("Docker-Content-Digest")
	assert.Equal(t, DigestBytes(payload).String(), dgst)
	assert.Equal(t, "/v2/acct1/app/manifests/latest", rec.Header().Get("Location"))

	// GET by tag.
	rec = env.do(http.MethodGet, "/v2/acct1/app/manifests/latest", nil, asAlice)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, payload, rec.Body.Bytes())
	assert.Equal(t, MediaTypeDockerManifest, rec.Header().Get("Content-Type"))
	assert.Equal(t, dgst, rec.Header().Get("Docker-Content-Digest"))

	// GET by digest.
	rec = env.do(http.MethodGet, "/v2/acct1/app/manifests/"+dgst, nil, asAlice)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, payload, rec.Body.Bytes())

	// HEAD: no body.
	rec = env.do(http.MethodHead, "/v2/acct1/app/manifests/latest", nil, asAlice)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.Bytes())
	assert.Equal(t, dgst, rec.Header().Get("Docker-Content-Digest"))
}

func TestHandler_ManifestCounters(t *testing.T) {
	env := newTestEnv(t)
	payload := manifestPayload("sha256:00000000000000000000000000000000000000000000000000000000000000ab")

	rec := env.do(http.MethodPut, "/v2/acct1/app/manifests/latest", payload, asAlice, withType(MediaTypeDockerManifest))
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = env.do(http.MethodGet, "/v2/acct1/app/manifests/latest", nil, asAlice)
	require.Equal(t, http.StatusOK, rec.Code)

	repo, err := env.store.FindRepository(context.Background(), "acct1", "app")
	require.NoError(t, err)
	assert.Equal(t, int64(1), repo.PushCount)
	assert.Equal(t, int64(1), repo.PullCount)
}

func TestHandler_ManifestInvalidBody(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPut, "/v2/acct1/app/manifests/latest", []byte("{{nope"), asAlice, withType(MediaTypeDockerManifest))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, CodeManifestInvalid, errorCode(t, rec))
}

func TestHandler_ManifestMissingContentType(t *testing.T) {
	env := newTestEnv(t)
	payload := manifestPayload("sha256:00000000000000000000000000000000000000000000000000000000000000ac")

	rec := env.do(http.MethodPut, "/v2/acct1/app/manifests/latest", payload, asAlice)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, CodeManifestInvalid, errorCode(t, rec))
}

func TestHandler_ManifestUnknown(t *testing.T) {
	env := newTestEnv(t)
	env.uploadBlob("acct1/app", []byte("seed repo"), asAlice)

	rec := env.do(http.MethodGet, "/v2/acct1/app/manifests/nothere", nil, asAlice)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, CodeManifestUnknown, errorCode(t, rec))
}

func TestHandler_PublicRepositoryAnonymousPull(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.store.CreateRepository(ctx, "acct1", "open", "acct-1", db.VisibilityPublic)
	require.NoError(t, err)

	payload := manifestPayload("sha256:00000000000000000000000000000000000000000000000000000000000000ad")
	rec := env.do(http.MethodPut, "/v2/acct1/open/manifests/latest", payload, asAlice, withType(MediaTypeDockerManifest))
	require.Equal(t, http.StatusCreated, rec.Code)

	// Anonymous pull from the public repository succeeds.
	rec = env.do(http.MethodGet, "/v2/acct1/open/manifests/latest", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Anonymous push does not.
	rec = env.do(http.MethodPut, "/v2/acct1/open/manifests/latest", payload, withType(MediaTypeDockerManifest))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandler_PrivateRepositoryAnonymousPullDenied(t *testing.T) {
	env := newTestEnv(t)
	payload := manifestPayload("sha256:00000000000000000000000000000000000000000000000000000000000000ae")

	rec := env.do(http.MethodPut, "/v2/acct1/app/manifests/latest", payload, asAlice, withType(MediaTypeDockerManifest))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(http.MethodGet, "/v2/acct1/app/manifests/latest", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, CodeUnauthorized, errorCode(t, rec))

	// Another account's bearer is denied too.
	rec = env.do(http.MethodGet, "/v2/acct1/app/manifests/latest", nil, asBob)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandler_TagListPagination(t *testing.T) {
	env := newTestEnv(t)

	for _, tag := range []string{"a", "b", "c", "d"} {
		payload := manifestPayload("sha256:00000000000000000000000000000000000000000000000000000000000000" + tag + tag)
		rec := env.do(http.MethodPut, "/v2/acct1/app/manifests/"+tag, payload, asAlice, withType(MediaTypeDockerManifest))
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	var page TagList
	rec := env.do(http.MethodGet, "/v2/acct1/app/tags/list?n=2", nil, asAlice)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, "acct1/app", page.Name)
	assert.Equal(t, []string{"a", "b"}, page.Tags)

	rec = env.do(http.MethodGet, "/v2/acct1/app/tags/list?n=2&last=b", nil, asAlice)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, []string{"c", "d"}, page.Tags)
}

func TestHandler_EmptyListsAreArrays(t *testing.T) {
	env := newTestEnv(t)

	// Empty catalog serializes as an array, not null.
	rec := env.do(http.MethodGet, "/v2/_catalog", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"repositories":[]`)

	// A repository with blobs but no tags reports an empty tag array.
	env.uploadBlob("acct1/app", []byte("untagged content"), asAlice)
	rec = env.do(http.MethodGet, "/v2/acct1/app/tags/list", nil, asAlice)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"tags":[]`)
}

func TestHandler_DeleteTag(t *testing.T) {
	env := newTestEnv(t)
	payload := manifestPayload("sha256:00000000000000000000000000000000000000000000000000000000000000af")

	rec := env.do(http.MethodPut, "/v2/acct1/app/manifests/latest", payload, asAlice, withType(MediaTypeDockerManifest))
	require.Equal(t, http.StatusCreated, rec.Code)
	dgst := rec.Header().Get("Docker-Content-Digest")

	rec = env.do(http.MethodDelete, "/v2/acct1/app/manifests/latest", nil, asAlice)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = env.do(http.MethodGet, "/v2/acct1/app/manifests/latest", nil, asAlice)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Digest fetch still works; deleting by digest is rejected.
	rec = env.do(http.MethodGet, "/v2/acct1/app/manifests/"+dgst, nil, asAlice)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(http.MethodDelete, "/v2/acct1/app/manifests/"+dgst, nil, asAlice)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandler_Catalog(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.store.CreateRepository(ctx, "acct1", "open", "acct-1", db.VisibilityPublic)
	require.NoError(t, err)
	_, err = env.store.CreateRepository(ctx, "acct1", "secret", "acct-1", db.VisibilityPrivate)
	require.NoError(t, err)

	var catalog Catalog

	// Anonymous sees only public repositories.
	rec := env.do(http.MethodGet, "/v2/_catalog", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &catalog))
	assert.Equal(t, []string{"acct1/open"}, catalog.Repositories)

	// The owner also sees their private repository.
	rec = env.do(http.MethodGet, "/v2/_catalog", nil, asAlice)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &catalog))
	assert.Equal(t, []string{"acct1/open", "acct1/secret"}, catalog.Repositories)

	// Other accounts do not.
	rec = env.do(http.MethodGet, "/v2/_catalog", nil, asBob)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &catalog))
	assert.Equal(t, []string{"acct1/open"}, catalog.Repositories)
}

func TestHandler_CatalogPagination(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, name := range []string{"a", "b", "c"} {
		_, err := env.store.CreateRepository(ctx, "ns", name, "acct-9", db.VisibilityPublic)
		require.NoError(t, err)
	}

	var catalog Catalog
	rec := env.do(http.MethodGet, "/v2/_catalog?n=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &catalog))
	assert.Equal(t, []string{"ns/a", "ns/b"}, catalog.Repositories)

	rec = env.do(http.MethodGet, "/v2/_catalog?n=2&last=ns/b", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &catalog))
	assert.Equal(t, []string{"ns/c"}, catalog.Repositories)
}

func TestHandler_PushToForeignNamespaceDenied(t *testing.T) {
	env := newTestEnv(t)

	// Bob's derived namespace is acct2, not acct1.
	rec := env.do(http.MethodPost, "/v2/acct1/app/blobs/uploads/", nil, asBob)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandler_InvalidName(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/v2/..%2Fetc/app/manifests/latest", nil, asAlice)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, CodeNameInvalid, errorCode(t, rec))
}
