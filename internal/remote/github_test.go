package remote

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/rollcall/internal/types"
)

// fakeGitHub serves the subset of the contents API the store uses.
type fakeGitHub struct {
	mu    sync.Mutex
	files map[string][]byte
	token string
	puts  int
}

func newFakeGitHub(t *testing.T) (*fakeGitHub, *GitHubStore) {
	t.Helper()
	fake := &fakeGitHub{files: map[string][]byte{}, token: "secret"}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	store := NewGitHubStore(GitHubConfig{
		BaseURL:           srv.URL,
		Owner:             "school",
		Repo:              "attendance",
		Branch:            "main",
		Token:             "secret",
		RequestsPerSecond: 1000,
	})
	return fake, store
}

func (f *fakeGitHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "token "+f.token {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"message": "Bad credentials"})
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	const prefix = "/repos/school/attendance"
	if r.URL.Path == prefix {
		json.NewEncoder(w).Encode(map[string]string{"full_name": "school/attendance"})
		return
	}
	if !strings.HasPrefix(r.URL.Path, prefix+"/contents/") {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	p := strings.TrimPrefix(r.URL.Path, prefix+"/contents/")

	switch r.Method {
	case http.MethodGet:
		if data, ok := f.files[p]; ok {
			json.NewEncoder(w).Encode(contentInfo{
				Name: p[strings.LastIndex(p, "/")+1:], Path: p, SHA: blobSHA(data), Size: int64(len(data)), Type: "file",
				// the API wraps base64 content at 60 columns
				Content: wrap(base64.StdEncoding.EncodeToString(data), 60), Encoding: "base64",
			})
			return
		}
		var listing []contentInfo
		for fp, data := range f.files {
			if strings.HasPrefix(fp, p+"/") && !strings.Contains(strings.TrimPrefix(fp, p+"/"), "/") {
				listing = append(listing, contentInfo{Name: strings.TrimPrefix(fp, p+"/"), Path: fp, SHA: blobSHA(data), Size: int64(len(data)), Type: "file"})
			}
		}
		if listing == nil {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"message": "Not Found"})
			return
		}
		listing = append(listing, contentInfo{Name: "nested", Path: p + "/nested", Type: "dir"})
		json.NewEncoder(w).Encode(listing)
	case http.MethodPut:
		var req putRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if strings.Contains(p, "invalid") {
			w.WriteHeader(http.StatusUnprocessableEntity)
			json.NewEncoder(w).Encode(map[string]string{"message": "Invalid request.\n\npath contains a malformed path component"})
			return
		}
		current, exists := f.files[p]
		if exists && req.SHA == "" {
			w.WriteHeader(http.StatusUnprocessableEntity)
			json.NewEncoder(w).Encode(map[string]string{"message": "\"sha\" wasn't supplied."})
			return
		}
		if exists && req.SHA != blobSHA(current) || !exists && req.SHA != "" {
			w.WriteHeader(http.StatusConflict)
			json.NewEncoder(w).Encode(map[string]string{"message": p + " does not match"})
			return
		}
		data, err := base64.StdEncoding.DecodeString(req.Content)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.files[p] = data
		f.puts++
		status := http.StatusOK
		if !exists {
			status = http.StatusCreated
		}
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(putResponse{Content: contentInfo{Path: p, SHA: blobSHA(data)}})
	case http.MethodDelete:
		var req deleteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		current, exists := f.files[p]
		if !exists {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"message": "Not Found"})
			return
		}
		if req.SHA != blobSHA(current) {
			w.WriteHeader(http.StatusConflict)
			json.NewEncoder(w).Encode(map[string]string{"message": p + " does not match " + req.SHA})
			return
		}
		delete(f.files, p)
		json.NewEncoder(w).Encode(map[string]any{"content": nil})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func wrap(s string, width int) string {
	var b strings.Builder
	for len(s) > width {
		b.WriteString(s[:width])
		b.WriteByte('\n')
		s = s[width:]
	}
	b.WriteString(s)
	return b.String()
}

func TestGitHubStoreCreateAndUpdate(t *testing.T) {
	fake, store := newFakeGitHub(t)
	ctx := context.Background()

	v, err := store.GetVersion(ctx, "backups/scanner/a.xlsx")
	require.NoError(t, err)
	assert.Empty(t, v, "missing file has no version")

	v1, err := store.Put(ctx, "backups/scanner/a.xlsx", []byte("one"), "")
	require.NoError(t, err)
	assert.Equal(t, blobSHA([]byte("one")), v1)

	got, err := store.GetVersion(ctx, "backups/scanner/a.xlsx")
	require.NoError(t, err)
	assert.Equal(t, v1, got)

	v2, err := store.Put(ctx, "backups/scanner/a.xlsx", []byte("two"), v1)
	require.NoError(t, err)
	assert.NotEqual(t, v1, v2)
	assert.Equal(t, []byte("two"), fake.files["backups/scanner/a.xlsx"])
	assert.Equal(t, 2, fake.puts)
}

func TestGitHubStoreConflict(t *testing.T) {
	_, store := newFakeGitHub(t)
	ctx := context.Background()

	_, err := store.Put(ctx, "backups/a.xlsx", []byte("one"), "")
	require.NoError(t, err)

	_, err = store.Put(ctx, "backups/a.xlsx", []byte("two"), "")
	assert.ErrorIs(t, err, types.ErrVersionConflict)

	_, err = store.Put(ctx, "backups/a.xlsx", []byte("two"), blobSHA([]byte("stale")))
	assert.ErrorIs(t, err, types.ErrVersionConflict)
}

func TestGitHubStoreProbe(t *testing.T) {
	fake, store := newFakeGitHub(t)
	ctx := context.Background()

	require.NoError(t, store.Probe(ctx))

	fake.token = "rotated"
	assert.ErrorIs(t, store.Probe(ctx), types.ErrRemoteUnavailable)
}

func TestGitHubStoreNoToken(t *testing.T) {
	store := NewGitHubStore(GitHubConfig{Owner: "school", Repo: "attendance"})
	assert.ErrorIs(t, store.Probe(context.Background()), types.ErrRemoteUnavailable)
}

func TestGitHubStoreUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	store := NewGitHubStore(GitHubConfig{BaseURL: srv.URL, Owner: "school", Repo: "attendance", Token: "secret"})
	assert.ErrorIs(t, store.Probe(context.Background()), types.ErrRemoteUnavailable)
}

func TestGitHubStoreList(t *testing.T) {
	_, store := newFakeGitHub(t)
	ctx := context.Background()

	empty, err := store.List(ctx, "backups/checklist")
	require.NoError(t, err)
	assert.Empty(t, empty)

	for _, name := range []string{"b.xlsx", "a.xlsx"} {
		_, err := store.Put(ctx, "backups/checklist/"+name, []byte(name), "")
		require.NoError(t, err)
	}

	objects, err := store.List(ctx, "backups/checklist")
	require.NoError(t, err)
	require.Len(t, objects, 2, "directories are skipped")
	assert.Equal(t, "a.xlsx", objects[0].Name)
	assert.Equal(t, "backups/checklist/b.xlsx", objects[1].Path)
	assert.Equal(t, int64(len("b.xlsx")), objects[1].Size)
}

func TestGitHubStoreValidationIsNotConflict(t *testing.T) {
	_, store := newFakeGitHub(t)

	_, err := store.Put(context.Background(), "backups/invalid/a.xlsx", []byte("one"), "")
	require.Error(t, err)
	assert.NotErrorIs(t, err, types.ErrVersionConflict)
	assert.Contains(t, err.Error(), "HTTP 422")
}

func TestGitHubStoreGetAndDelete(t *testing.T) {
	fake, store := newFakeGitHub(t)
	ctx := context.Background()

	_, _, err := store.Get(ctx, "backups/scanner/a.xlsx")
	assert.ErrorIs(t, err, types.ErrNotFound)

	payload := []byte(strings.Repeat("attendance row\n", 20))
	v, err := store.Put(ctx, "backups/scanner/a.xlsx", payload, "")
	require.NoError(t, err)

	data, version, err := store.Get(ctx, "backups/scanner/a.xlsx")
	require.NoError(t, err)
	assert.Equal(t, payload, data)
	assert.Equal(t, v, version)

	err = store.Delete(ctx, "backups/scanner/a.xlsx", blobSHA([]byte("stale")))
	assert.ErrorIs(t, err, types.ErrVersionConflict)

	require.NoError(t, store.Delete(ctx, "backups/scanner/a.xlsx", version))
	assert.NotContains(t, fake.files, "backups/scanner/a.xlsx")

	err = store.Delete(ctx, "backups/scanner/a.xlsx", version)
	assert.ErrorIs(t, err, types.ErrNotFound)
}
