package objectstore

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// HTTPStore talks to an S3-compatible endpoint using path-style addressing.
// Authentication is the endpoint's concern (gateway, instance role, or an
// anonymous bucket); the daemon only moves bytes.
type HTTPStore struct {
	endpoint string
	bucket   string
	client   *http.Client
}

// NewHTTPStore builds a client for bucket behind endpoint.
func NewHTTPStore(endpoint, bucket string, timeout time.Duration) *HTTPStore {
	return &HTTPStore{
		endpoint: strings.TrimRight(endpoint, "/"),
		bucket:   bucket,
		client:   &http.Client{Timeout: timeout},
	}
}

func (s *HTTPStore) objectURL(key string, query url.Values) string {
	u := s.endpoint + "/" + s.bucket + "/" + escapeKey(key)
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func escapeKey(key string) string {
	segments := strings.Split(key, "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return strings.Join(segments, "/")
}

// PutObject uploads the whole object in one request.
func (s *HTTPStore) PutObject(ctx context.Context, key string, body io.Reader, size int64) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.objectURL(key, nil), body)
	if err != nil {
		return "", fmt.Errorf("build put request: %w", err)
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return "", &StatusError{Op: "put", Key: key, StatusCode: resp.StatusCode}
	}
	return trimETag(resp.Header.Get("ETag")), nil
}

type initiateMultipartResult struct {
	XMLName  xml.Name `xml:"InitiateMultipartUploadResult"`
	UploadID string   `xml:"UploadId"`
}

// CreateMultipart starts a multipart upload for key.
func (s *HTTPStore) CreateMultipart(ctx context.Context, key string) (string, error) {
	query := url.Values{"uploads": []string{""}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.objectURL(key, query), nil)
	if err != nil {
		return "", fmt.Errorf("build create-multipart request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("create multipart %s: %w", key, err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return "", &StatusError{Op: "create-multipart", Key: key, StatusCode: resp.StatusCode}
	}

	var result initiateMultipartResult
	if err := xml.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode create-multipart response: %w", err)
	}
	if result.UploadID == "" {
		return "", fmt.Errorf("create multipart %s: empty upload id", key)
	}
	return result.UploadID, nil
}

// UploadPart uploads one numbered part of an in-progress multipart upload.
func (s *HTTPStore) UploadPart(ctx context.Context, key, uploadID string, partNumber int, body io.Reader, size int64) (string, error) {
	query := url.Values{
		"partNumber": []string{strconv.Itoa(partNumber)},
		"uploadId":   []string{uploadID},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.objectURL(key, query), body)
	if err != nil {
		return "", fmt.Errorf("build upload-part request: %w", err)
	}
	req.ContentLength = size

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload part %d of %s: %w", partNumber, key, err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return "", &StatusError{Op: "upload-part", Key: key, StatusCode: resp.StatusCode}
	}
	return trimETag(resp.Header.Get("ETag")), nil
}

type completeMultipartRequest struct {
	XMLName xml.Name               `xml:"CompleteMultipartUpload"`
	Parts   []completeMultipartRef `xml:"Part"`
}

type completeMultipartRef struct {
	PartNumber int    `xml:"PartNumber"`
	ETag       string `xml:"ETag"`
}

type completeMultipartResult struct {
	XMLName xml.Name `xml:"CompleteMultipartUploadResult"`
	ETag    string   `xml:"ETag"`
}

// CompleteMultipart commits the uploaded parts as one object.
func (s *HTTPStore) CompleteMultipart(ctx context.Context, key, uploadID string, parts []CompletedPart) (string, error) {
	ordered := append([]CompletedPart(nil), parts...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].PartNumber < ordered[j].PartNumber })

	payload := completeMultipartRequest{}
	for _, part := range ordered {
		payload.Parts = append(payload.Parts, completeMultipartRef{
			PartNumber: part.PartNumber,
			ETag:       part.ETag,
		})
	}
	encoded, err := xml.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode complete-multipart payload: %w", err)
	}

	query := url.Values{"uploadId": []string{uploadID}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.objectURL(key, query), strings.NewReader(string(encoded)))
	if err != nil {
		return "", fmt.Errorf("build complete-multipart request: %w", err)
	}
	req.Header.Set("Content-Type", "application/xml")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("complete multipart %s: %w", key, err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return "", &StatusError{Op: "complete-multipart", Key: key, StatusCode: resp.StatusCode}
	}

	var result completeMultipartResult
	if err := xml.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode complete-multipart response: %w", err)
	}
	return trimETag(result.ETag), nil
}

// AbortMultipart discards an in-progress multipart upload so no uncommitted
// parts linger on the remote.
func (s *HTTPStore) AbortMultipart(ctx context.Context, key, uploadID string) error {
	query := url.Values{"uploadId": []string{uploadID}}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.objectURL(key, query), nil)
	if err != nil {
		return fmt.Errorf("build abort-multipart request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("abort multipart %s: %w", key, err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return &StatusError{Op: "abort-multipart", Key: key, StatusCode: resp.StatusCode}
	}
	return nil
}

type listBucketResult struct {
	XMLName  xml.Name `xml:"ListBucketResult"`
	Contents []struct {
		Key string `xml:"Key"`
	} `xml:"Contents"`
}

// List returns object keys under prefix.
func (s *HTTPStore) List(ctx context.Context, prefix string) ([]string, error) {
	query := url.Values{
		"list-type": []string{"2"},
		"prefix":    []string{prefix},
	}
	u := s.endpoint + "/" + s.bucket + "?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build list request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Op: "list", Key: prefix, StatusCode: resp.StatusCode}
	}

	var result listBucketResult
	if err := xml.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode list response: %w", err)
	}
	keys := make([]string, 0, len(result.Contents))
	for _, object := range result.Contents {
		keys = append(keys, object.Key)
	}
	return keys, nil
}

// Delete removes an object.
func (s *HTTPStore) Delete(ctx context.Context, key string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.objectURL(key, nil), nil)
	if err != nil {
		return fmt.Errorf("build delete request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return &StatusError{Op: "delete", Key: key, StatusCode: resp.StatusCode}
	}
	return nil
}

func trimETag(etag string) string {
	return strings.Trim(etag, `"`)
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 4096))
	_ = body.Close()
}
