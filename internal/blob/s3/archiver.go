package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/rangewatch/internal/domain"
)

const ndjsonContentType = "application/x-ndjson"

// HistoryArchive writes batches of position history to object storage as
// JSON Lines. Payloads of at least one multipart part go through the
// multipart uploader.
type HistoryArchive struct {
	writer domain.BlobWriter
	prefix string
}

// NewHistoryArchive creates a HistoryArchive that writes under prefix.
func NewHistoryArchive(writer domain.BlobWriter, prefix string) *HistoryArchive {
	return &HistoryArchive{
		writer: writer,
		prefix: strings.Trim(prefix, "/"),
	}
}

// Write uploads records as one object keyed by at and returns its path.
func (a *HistoryArchive) Write(ctx context.Context, records []domain.PositionHistory, at time.Time) (string, error) {
	buf, err := marshalJSONL(records)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive history marshal: %w", err)
	}

	path := HistoryPath(a.prefix, at)
	opts := domain.ObjectOptions{
		ContentType: ndjsonContentType,
		PartSize:    minPartSize,
		Metadata:    exportMetadata(records),
	}
	if int64(len(buf)) >= minPartSize {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), opts)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), opts)
	}
	if err != nil {
		return "", fmt.Errorf("s3blob: archive history upload: %w", err)
	}
	return path, nil
}

// exportMetadata records what an object covers so a gap in the archive can
// be found without downloading it.
func exportMetadata(records []domain.PositionHistory) map[string]string {
	md := map[string]string{"records": strconv.Itoa(len(records))}
	if len(records) > 0 {
		md["from-seq"] = strconv.FormatInt(records[0].Seq, 10)
		md["to-seq"] = strconv.FormatInt(records[len(records)-1].Seq, 10)
	}
	return md
}

// HistoryPath builds the object key for an export taken at the given time,
// partitioned by UTC day.
//
//	history/2024/05/01/history-1714564800.jsonl
func HistoryPath(prefix string, at time.Time) string {
	at = at.UTC()
	key := fmt.Sprintf("%s/history-%d.jsonl", at.Format("2006/01/02"), at.Unix())
	if prefix = strings.Trim(prefix, "/"); prefix != "" {
		key = prefix + "/" + key
	}
	return key
}

// marshalJSONL serialises a slice of values as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
