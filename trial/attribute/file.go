package attribute

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"reflect"
	"time"

	"chronicle.dev/chronicle/store"
)

// DefaultChunkSize is the default read size Download uses, matching
// spec.md §4.4's 255 KiB chunk requirement for artifact blob reads.
const DefaultChunkSize = 255 * 1024

// FileRef is the event payload a file attribute records: everything about
// the blob except its content, which lives in the backing GridFS-style
// store under FileID.
type FileRef struct {
	Filename string `bson:"filename"`
	FileID   string `bson:"file_id"`
	Size     int64  `bson:"size"`
}

// fileRefOf reconstructs a FileRef from either its native struct form
// (store/memory, which never serializes event payloads) or a generic
// decoded map (store/mongo, which hands back a plain map for any embedded
// document read off the wire).
func fileRefOf(v any) (FileRef, bool) {
	if ref, ok := v.(FileRef); ok {
		return ref, true
	}
	m, ok := asMap(v)
	if !ok {
		return FileRef{}, false
	}
	ref := FileRef{
		Filename: asString(firstOf(m, "Filename", "filename")),
		FileID:   asString(firstOf(m, "FileID", "file_id", "fileid")),
	}
	if n, ok := asFloat64(firstOf(m, "Size", "size")); ok {
		ref.Size = int64(n)
	}
	return ref, true
}

func asMap(v any) (map[string]any, bool) {
	if m, ok := v.(map[string]any); ok {
		return m, true
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, false
	}
	out := make(map[string]any, rv.Len())
	for _, k := range rv.MapKeys() {
		out[k.String()] = rv.MapIndex(k).Interface()
	}
	return out, true
}

func asFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func firstOf(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v
		}
	}
	return nil
}

// File is an event-sourced attribute whose members are blobs (spec.md's
// "file" kind, e.g. artifacts). Registering a file splits the payload: the
// bytes go to the store's blob collection, and an Add event records a
// FileRef pointing at it.
type File struct {
	base
	filesCollection string
}

// NewFile constructs a File attribute. events go to collection, blobs and
// their metadata go to collection+".metadata", matching spec.md §6's
// `artifacts`/`artifacts.metadata` pairing.
func NewFile(st store.Store, collection, trialID string, interval Interval) *File {
	return &File{base: newBase(st, collection, trialID, interval), filesCollection: collection + ".metadata"}
}

// Load replays this attribute's event history.
func (f *File) Load(ctx context.Context) error { return f.base.Load(ctx) }

// Handles returns the blob handles currently registered, in registration
// order; a later Remove event (by filename) drops a handle.
func (f *File) Handles(ctx context.Context) ([]FileRef, error) {
	events, err := f.visible(ctx)
	if err != nil {
		return nil, err
	}
	var order []string
	present := make(map[string]FileRef)
	for _, e := range events {
		ref, ok := fileRefOf(e.Item)
		if !ok {
			continue
		}
		switch e.Type {
		case EventAdd:
			if _, ok := present[ref.Filename]; !ok {
				order = append(order, ref.Filename)
			}
			present[ref.Filename] = ref
		case EventRemove:
			delete(present, ref.Filename)
			for i, name := range order {
				if name == ref.Filename {
					order = append(order[:i], order[i+1:]...)
					break
				}
			}
		}
	}
	out := make([]FileRef, 0, len(order))
	for _, name := range order {
		if ref, ok := present[name]; ok {
			out = append(out, ref)
		}
	}
	return out, nil
}

// Register writes blob's content to the store and appends an Add event
// recording the resulting FileRef.
func (f *File) Register(ctx context.Context, filename string, blob io.Reader, runtimeTimestamp time.Time, creator string) (FileRef, error) {
	if f.bounded() {
		return FileRef{}, ErrReadOnly
	}
	data, err := drainReader(blob)
	if err != nil {
		return FileRef{}, fmt.Errorf("attribute: read file %q: %w", filename, err)
	}
	fileID, err := f.st.WriteFile(ctx, f.filesCollection, newByteReader(data), store.Document{
		"filename": filename,
		"trial_id": f.trialID,
	})
	if err != nil {
		return FileRef{}, fmt.Errorf("attribute: write file %q: %w", filename, err)
	}
	ref := FileRef{Filename: filename, FileID: fileID, Size: int64(len(data))}
	if _, err := f.append(ctx, EventAdd, ref, runtimeTimestamp, creator); err != nil {
		return FileRef{}, err
	}
	return ref, nil
}

// Download opens ref's blob and copies it in chunkSize-sized reads into w.
// A chunkSize of 0 uses DefaultChunkSize.
func (f *File) Download(ctx context.Context, ref FileRef, w io.Writer, chunkSize int) error {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	handles, err := f.st.ReadFile(ctx, f.filesCollection, store.Query{"_id": ref.FileID})
	if err != nil {
		return fmt.Errorf("attribute: read file %q: %w", ref.Filename, err)
	}
	if len(handles) == 0 {
		return fmt.Errorf("attribute: file %q not found", ref.Filename)
	}
	rc, err := handles[0].Open(ctx)
	if err != nil {
		return err
	}
	defer rc.Close()

	buf := make([]byte, chunkSize)
	r := bufio.NewReaderSize(rc, chunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

type byteReader struct {
	data []byte
	pos  int
}

func newByteReader(data []byte) *byteReader { return &byteReader{data: data} }

func (b *byteReader) Read(p []byte) (int, error) {
	if b.pos >= len(b.data) {
		return 0, io.EOF
	}
	n := copy(p, b.data[b.pos:])
	b.pos += n
	return n, nil
}
