package qido_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"pacs-server/internal/apperr"
	"pacs-server/internal/dicomweb"
	"pacs-server/internal/qido"
)

func TestClient_RetryWithBackoff(t *testing.T) {
	client := qido.NewClient(zaptest.NewLogger(t), "https://archive.test/dicom-web/", "", qido.WithBackoffs(0, 0, 0))

	callCount := 0
	err := client.RetryWithBackoff(context.Background(), func() error {
		callCount++
		if callCount < 3 {
			return assert.AnError
		}
		return nil
	}, 3)

	assert.NoError(t, err)
	assert.Equal(t, 3, callCount)
}

func TestClient_RetryWithBackoff_Exhausted(t *testing.T) {
	client := qido.NewClient(zaptest.NewLogger(t), "https://archive.test/dicom-web/", "", qido.WithBackoffs(0, 0, 0))

	err := client.RetryWithBackoff(context.Background(), func() error {
		return assert.AnError
	}, 3)

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed after 3 retries")
}

func TestClient_RetryWithBackoff_NotFoundIsPermanent(t *testing.T) {
	client := qido.NewClient(zaptest.NewLogger(t), "https://archive.test/dicom-web/", "", qido.WithBackoffs(0, 0, 0))

	callCount := 0
	err := client.RetryWithBackoff(context.Background(), func() error {
		callCount++
		return apperr.NotFound.New("gone")
	}, 3)

	assert.True(t, apperr.NotFound.Has(err))
	assert.Equal(t, 1, callCount)
}

func TestClient_Search(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "application/dicom+json", r.Header.Get("Accept"))
		assert.Equal(t, "Bearer archive-token", r.Header.Get("Authorization"))

		switch r.URL.Path {
		case "/dicom-web/studies":
			assert.Equal(t, "1.2.3", r.URL.Query().Get("StudyInstanceUID"))
			_, _ = w.Write([]byte(`[{"0020000D":{"vr":"UI","Value":["1.2.3"]},"00100020":{"vr":"LO","Value":["P1"]}}]`))
		case "/dicom-web/studies/1.2.3/series":
			_, _ = w.Write([]byte(`[{"0020000E":{"vr":"UI","Value":["1.2.3.1"]},"00080060":{"vr":"CS","Value":["CT"]}}]`))
		case "/dicom-web/studies/1.2.3/series/1.2.3.1/instances":
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := qido.NewClient(zaptest.NewLogger(t), server.URL+"/dicom-web/", "archive-token", qido.WithBackoffs(0))
	ctx := context.Background()

	studies, err := client.SearchStudies(ctx, "1.2.3")
	require.NoError(t, err)
	require.Len(t, studies, 1)
	assert.Equal(t, "P1", studies[0].String(dicomweb.TagPatientID))

	series, err := client.SearchSeries(ctx, "1.2.3")
	require.NoError(t, err)
	require.Len(t, series, 1)
	assert.Equal(t, "CT", series[0].String(dicomweb.TagModality))

	instances, err := client.SearchInstances(ctx, "1.2.3", "1.2.3.1")
	require.NoError(t, err)
	assert.Empty(t, instances)

	_, err = client.SearchSeries(ctx, "9.9.9")
	assert.True(t, apperr.NotFound.Has(err))
	assert.Equal(t, int32(4), calls.Load())
}

func TestClient_SearchRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	defer server.Close()

	client := qido.NewClient(zaptest.NewLogger(t), server.URL, "", qido.WithBackoffs(0, 0))
	studies, err := client.SearchStudies(context.Background(), "1.2.3")
	require.NoError(t, err)
	assert.Empty(t, studies)
	assert.Equal(t, int32(2), calls.Load())
}
