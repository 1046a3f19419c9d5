package store_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/textvault/coordinator/internal/store"
)

func TestJobStatus(t *testing.T) {
	cases := []struct {
		name string
		job  store.Job
		want store.Status
	}{
		{"not complete", store.Job{Complete: false}, store.StatusQueued},
		{"complete and successful", store.Job{Complete: true, Success: true}, store.StatusCompleted},
		{"complete and failed", store.Job{Complete: true, Success: false}, store.StatusFailed},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, c.job.Status())
		})
	}
}

func TestDispatchIsTerminal(t *testing.T) {
	assert.False(t, store.Dispatch{}.IsTerminal())
	assert.True(t, store.Dispatch{Complete: true}.IsTerminal())
	assert.True(t, store.Dispatch{FailReported: true}.IsTerminal())
	assert.True(t, store.Dispatch{Complete: true, FailReported: true}.IsTerminal())
}

func TestStorageEntryIsHead(t *testing.T) {
	assert.True(t, store.StorageEntry{PatchOf: nil}.IsHead())
	patchOf := int64(7)
	assert.False(t, store.StorageEntry{PatchOf: &patchOf}.IsHead())
}

func TestValidFormatsCoverMimetypes(t *testing.T) {
	for format := range store.ValidFormats {
		mimetype, ok := store.FormatMimetypes[format]
		assert.True(t, ok, "format %s has no mimetype", format)
		assert.NotEmpty(t, mimetype)
	}
}
