package objectstore_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"logship/internal/objectstore"
)

func TestHTTPStorePutObject(t *testing.T) {
	var gotPath string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("ETag", `"abc123"`)
	}))
	defer server.Close()

	store := objectstore.NewHTTPStore(server.URL, "vehicle-logs", 5*time.Second)
	etag, err := store.PutObject(context.Background(), "veh-1/2026-08-30/engine/boot.log", strings.NewReader("payload"), 7)
	if err != nil {
		t.Fatalf("PutObject: %v", err)
	}
	if etag != "abc123" {
		t.Fatalf("unexpected etag %q", etag)
	}
	if gotPath != "/vehicle-logs/veh-1/2026-08-30/engine/boot.log" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if string(gotBody) != "payload" {
		t.Fatalf("unexpected body %q", gotBody)
	}
}

func TestHTTPStorePutObjectStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	store := objectstore.NewHTTPStore(server.URL, "vehicle-logs", 5*time.Second)
	_, err := store.PutObject(context.Background(), "k", strings.NewReader("x"), 1)
	var statusErr *objectstore.StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if !statusErr.Temporary() {
		t.Fatal("503 should classify as temporary")
	}
}

func TestHTTPStoreMultipartFlow(t *testing.T) {
	var completed string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		switch {
		case r.Method == http.MethodPost && query.Has("uploads"):
			_, _ = io.WriteString(w, `<InitiateMultipartUploadResult><UploadId>sess-1</UploadId></InitiateMultipartUploadResult>`)
		case r.Method == http.MethodPut && query.Get("uploadId") == "sess-1":
			w.Header().Set("ETag", `"part-`+query.Get("partNumber")+`"`)
		case r.Method == http.MethodPost && query.Get("uploadId") == "sess-1":
			body, _ := io.ReadAll(r.Body)
			completed = string(body)
			_, _ = io.WriteString(w, `<CompleteMultipartUploadResult><ETag>"final"</ETag></CompleteMultipartUploadResult>`)
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer server.Close()

	store := objectstore.NewHTTPStore(server.URL, "vehicle-logs", 5*time.Second)
	ctx := context.Background()

	uploadID, err := store.CreateMultipart(ctx, "veh-1/big.log")
	if err != nil {
		t.Fatalf("CreateMultipart: %v", err)
	}
	if uploadID != "sess-1" {
		t.Fatalf("unexpected upload id %q", uploadID)
	}

	etag1, err := store.UploadPart(ctx, "veh-1/big.log", uploadID, 1, strings.NewReader("aaaa"), 4)
	if err != nil {
		t.Fatalf("UploadPart: %v", err)
	}
	etag2, err := store.UploadPart(ctx, "veh-1/big.log", uploadID, 2, strings.NewReader("bb"), 2)
	if err != nil {
		t.Fatalf("UploadPart 2: %v", err)
	}

	final, err := store.CompleteMultipart(ctx, "veh-1/big.log", uploadID, []objectstore.CompletedPart{
		{PartNumber: 2, ETag: etag2},
		{PartNumber: 1, ETag: etag1},
	})
	if err != nil {
		t.Fatalf("CompleteMultipart: %v", err)
	}
	if final != "final" {
		t.Fatalf("unexpected final etag %q", final)
	}
	// Parts must be committed in ascending order regardless of input order.
	if !strings.Contains(completed, "<PartNumber>1</PartNumber>") ||
		strings.Index(completed, "<PartNumber>1</PartNumber>") > strings.Index(completed, "<PartNumber>2</PartNumber>") {
		t.Fatalf("parts not ordered in completion payload: %s", completed)
	}
}

func TestHTTPStoreAbortAndDelete(t *testing.T) {
	var aborted, deleted bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			if r.URL.Query().Has("uploadId") {
				aborted = true
			} else {
				deleted = true
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	store := objectstore.NewHTTPStore(server.URL, "vehicle-logs", 5*time.Second)
	ctx := context.Background()
	if err := store.AbortMultipart(ctx, "k", "sess"); err != nil {
		t.Fatalf("AbortMultipart: %v", err)
	}
	if err := store.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !aborted || !deleted {
		t.Fatalf("abort=%v delete=%v", aborted, deleted)
	}
}

func TestHTTPStoreList(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("prefix") != "veh-1/" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = io.WriteString(w, `<ListBucketResult><Contents><Key>veh-1/a.log</Key></Contents><Contents><Key>veh-1/b.log</Key></Contents></ListBucketResult>`)
	}))
	defer server.Close()

	store := objectstore.NewHTTPStore(server.URL, "vehicle-logs", 5*time.Second)
	keys, err := store.List(context.Background(), "veh-1/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 2 || keys[0] != "veh-1/a.log" {
		t.Fatalf("unexpected keys %v", keys)
	}
}
