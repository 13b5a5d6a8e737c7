package handler

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cuongbtq/hpc-dispatcher/internal/storage"
)

var errInvalidCursor = errors.New("invalid cursor format")

// EncodeJobCursor returns the opaque page token for the last job of a page
func EncodeJobCursor(cursor *storage.JobCursor) string {
	raw := strconv.FormatInt(cursor.CreatedAt.UnixNano(), 10) + "|" + cursor.CorrelationID
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

// DecodeJobCursor parses a page token. An empty token selects the first page.
func DecodeJobCursor(token string) (*storage.JobCursor, error) {
	if token == "" {
		return nil, nil
	}

	raw, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errInvalidCursor, err)
	}

	// correlation ids may contain the separator, the timestamp never does
	nanos, correlationID, ok := strings.Cut(string(raw), "|")
	if !ok || correlationID == "" {
		return nil, errInvalidCursor
	}

	createdAt, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: created_at: %w", errInvalidCursor, err)
	}

	return &storage.JobCursor{
		CreatedAt:     time.Unix(0, createdAt).UTC(),
		CorrelationID: correlationID,
	}, nil
}
