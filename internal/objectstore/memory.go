package objectstore

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Memory is an in-process Client used by tests. Failure hooks let tests
// inject errors per operation.
type Memory struct {
	mu      sync.Mutex
	objects map[string][]byte
	pending map[string]map[int][]byte // uploadID -> part number -> bytes
	keys    map[string]string         // uploadID -> key

	// PutErr, PartErr, and CompleteErr, when set, are consulted before the
	// operation takes effect.
	PutErr      func(key string) error
	PartErr     func(key string, partNumber int) error
	CompleteErr func(key string) error

	PutCalls   int
	AbortCalls int
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		objects: make(map[string][]byte),
		pending: make(map[string]map[int][]byte),
		keys:    make(map[string]string),
	}
}

func (m *Memory) PutObject(_ context.Context, key string, body io.Reader, _ int64) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.PutCalls++
	if m.PutErr != nil {
		if err := m.PutErr(key); err != nil {
			return "", err
		}
	}
	m.objects[key] = data
	return fmt.Sprintf("etag-%d", len(data)), nil
}

func (m *Memory) CreateMultipart(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	uploadID := uuid.NewString()
	m.pending[uploadID] = make(map[int][]byte)
	m.keys[uploadID] = key
	return uploadID, nil
}

func (m *Memory) UploadPart(_ context.Context, key, uploadID string, partNumber int, body io.Reader, _ int64) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PartErr != nil {
		if err := m.PartErr(key, partNumber); err != nil {
			return "", err
		}
	}
	parts, ok := m.pending[uploadID]
	if !ok {
		return "", fmt.Errorf("unknown upload id %s", uploadID)
	}
	parts[partNumber] = data
	return fmt.Sprintf("etag-part-%d", partNumber), nil
}

func (m *Memory) CompleteMultipart(_ context.Context, key, uploadID string, parts []CompletedPart) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CompleteErr != nil {
		if err := m.CompleteErr(key); err != nil {
			return "", err
		}
	}
	stored, ok := m.pending[uploadID]
	if !ok {
		return "", fmt.Errorf("unknown upload id %s", uploadID)
	}

	ordered := append([]CompletedPart(nil), parts...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].PartNumber < ordered[j].PartNumber })

	var assembled []byte
	for _, part := range ordered {
		data, ok := stored[part.PartNumber]
		if !ok {
			return "", fmt.Errorf("missing part %d for %s", part.PartNumber, key)
		}
		assembled = append(assembled, data...)
	}
	m.objects[key] = assembled
	delete(m.pending, uploadID)
	delete(m.keys, uploadID)
	return fmt.Sprintf("etag-%d", len(assembled)), nil
}

func (m *Memory) AbortMultipart(_ context.Context, _, uploadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AbortCalls++
	delete(m.pending, uploadID)
	delete(m.keys, uploadID)
	return nil
}

func (m *Memory) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for key := range m.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

// Object returns the stored bytes for key.
func (m *Memory) Object(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	return data, ok
}

// PendingUploads returns the number of uncommitted multipart uploads.
func (m *Memory) PendingUploads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
