package catalog

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRefreshWritesMetadataPerEntry(t *testing.T) {
	metadata := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "<EntityDescriptor>%s</EntityDescriptor>", r.URL.Path)
	}))
	defer metadata.Close()

	index := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"data":[
			{"metadata_url":%q,"ipa_entity_code":"POSTEID"},
			{"metadata_url":%q,"ipa_entity_code":"SIELTEID"}
		]}`, metadata.URL+"/poste", metadata.URL+"/sielte")
	}))
	defer index.Close()

	dir := t.TempDir()
	r := NewRefresher(index.URL, hclog.NewNullLogger())
	summary, err := r.Refresh(context.Background(), dir)
	require.NoError(t, err)

	assert.True(t, summary.OK())
	assert.Equal(t, 2, summary.Updated)

	raw, err := os.ReadFile(filepath.Join(dir, "POSTEID.xml"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "/poste")
}

func TestRefreshContinuesPastFailingEntry(t *testing.T) {
	metadata := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/broken" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, "<EntityDescriptor/>")
	}))
	defer metadata.Close()

	index := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"data":[
			{"metadata_url":%q,"ipa_entity_code":"BROKEN"},
			{"metadata_url":%q,"ipa_entity_code":"GOOD"}
		]}`, metadata.URL+"/broken", metadata.URL+"/good")
	}))
	defer index.Close()

	dir := t.TempDir()
	r := NewRefresher(index.URL, hclog.NewNullLogger())
	summary, err := r.Refresh(context.Background(), dir)
	require.NoError(t, err)

	assert.False(t, summary.OK())
	assert.Equal(t, 1, summary.Updated)
	assert.Contains(t, summary.Failures, "BROKEN")

	_, err = os.Stat(filepath.Join(dir, "GOOD.xml"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "BROKEN.xml"))
	assert.True(t, os.IsNotExist(err))
}

func TestRefreshFailsWhenIndexUnreachable(t *testing.T) {
	index := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer index.Close()

	r := NewRefresher(index.URL, hclog.NewNullLogger())
	_, err := r.Refresh(context.Background(), t.TempDir())
	assert.Error(t, err)
}

func TestRefreshSkipsIncompleteEntries(t *testing.T) {
	index := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[{"metadata_url":"","ipa_entity_code":"NOURL"},{"metadata_url":"https://x.invalid","ipa_entity_code":""}]}`)
	}))
	defer index.Close()

	r := NewRefresher(index.URL, hclog.NewNullLogger())
	summary, err := r.Refresh(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Updated)
	assert.True(t, summary.OK())
}
