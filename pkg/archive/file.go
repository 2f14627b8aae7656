package archive

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"
)

const fileExtension = ".jsonl.zst"

// FileUploader writes each batch as a zstd-compressed JSON-lines file under
// <dir>/<escaped topic>/.
type FileUploader struct {
	dir     string
	encoder *zstd.Encoder
}

func NewFileUploader(dir string) (*FileUploader, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}

	return &FileUploader{dir: dir, encoder: encoder}, nil
}

// topicPath maps a topic to one directory name inside the archive root. Dot
// names are escaped so they never resolve to the root or its parent.
func topicPath(topic string) string {
	escaped := url.PathEscape(topic)
	if strings.Trim(escaped, ".") == "" {
		return strings.ReplaceAll(escaped, ".", "%2E")
	}
	return escaped
}

func (u *FileUploader) Upload(ctx context.Context, batch *Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var lines bytes.Buffer
	encoder := json.NewEncoder(&lines)
	for i := range batch.Records {
		if err := encoder.Encode(&batch.Records[i]); err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
	}

	topicDir := filepath.Join(u.dir, topicPath(batch.Topic))
	if err := os.MkdirAll(topicDir, 0o755); err != nil {
		return fmt.Errorf("create topic directory: %w", err)
	}

	name := fmt.Sprintf("%020d-%020d-%s%s",
		batch.FirstSequence(), batch.LastSequence(), batch.ID, fileExtension)

	tmp, err := os.CreateTemp(topicDir, ".upload-*")
	if err != nil {
		return fmt.Errorf("create temporary file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(u.encoder.EncodeAll(lines.Bytes(), nil)); err != nil {
		tmp.Close()
		return fmt.Errorf("write batch: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync batch: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close batch: %w", err)
	}

	if err := os.Rename(tmp.Name(), filepath.Join(topicDir, name)); err != nil {
		return fmt.Errorf("rename batch: %w", err)
	}

	return nil
}

// Files lists the archived batch files for topic in sequence order.
func (u *FileUploader) Files(topic string) ([]string, error) {
	topicDir := filepath.Join(u.dir, topicPath(topic))

	entries, err := os.ReadDir(topicDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var files []string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), fileExtension) {
			files = append(files, filepath.Join(topicDir, entry.Name()))
		}
	}
	sort.Strings(files)

	return files, nil
}

// ReadFile decodes a batch file written by FileUploader.
func ReadFile(path string) ([]Record, error) {
	compressed, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer decoder.Close()

	data, err := decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}

	var records []Record
	lines := json.NewDecoder(bytes.NewReader(data))
	for lines.More() {
		var record Record
		if err := lines.Decode(&record); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		records = append(records, record)
	}

	return records, nil
}
