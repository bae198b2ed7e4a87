package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/starford/quill/internal/apperr"
	"github.com/starford/quill/internal/models"
	"github.com/starford/quill/internal/notefile"
)

const (
	noteExt    = ".md"
	tempPrefix = ".quill-tmp-"
	// deletedMark records that the last thing Dir did to a file was remove it.
	deletedMark = "-"
)

// Dir is a Backend that keeps one Markdown file per note in a flat directory.
//
// Insertion order is preserved through a monotonically increasing "seq"
// header field. Dir remembers the checksum of every file it writes so that a
// watcher on the same directory can tell its own writes from foreign ones.
type Dir struct {
	root string // absolute path to the notes directory

	mu      sync.Mutex
	seq     int64
	written map[string]string // file name -> checksum of our last write, or deletedMark
}

var _ Backend = (*Dir)(nil)

// NewDir creates a Dir backend rooted at the given directory.
// The directory must already exist.
func NewDir(root string) (*Dir, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("storage: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("storage: root is not a directory: %s", abs)
	}
	d := &Dir{root: abs, written: make(map[string]string)}
	// Prime seq so inserts issued before the first scan still sort last.
	_, _ = d.ScanAll(context.Background())
	return d, nil
}

// Root returns the absolute directory path.
func (d *Dir) Root() string {
	return d.root
}

// Close is a no-op; Dir holds no open handles.
func (d *Dir) Close() error {
	return nil
}

// Insert writes a new file named after a fresh UUID.
func (d *Dir) Insert(ctx context.Context, title, content string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := uuid.NewString()
	d.mu.Lock()
	d.seq++
	seq := d.seq
	d.mu.Unlock()

	if err := d.writeDoc(notefile.Doc{ID: id, Title: title, Seq: seq, Content: content}); err != nil {
		return "", err
	}
	return id, nil
}

// Update rewrites an existing file, keeping its seq.
func (d *Dir) Update(ctx context.Context, id, title, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := d.notePath(id)
	if err != nil {
		return fmt.Errorf("storage: update %q: %w", id, apperr.ErrNotFound)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("storage: update %q: %w", id, apperr.ErrNotFound)
		}
		return fmt.Errorf("storage: read %s: %w", id, err)
	}
	old := notefile.Decode(data)
	return d.writeDoc(notefile.Doc{ID: id, Title: title, Seq: old.Seq, Content: content})
}

// Delete removes the note's file; a missing file is not an error.
func (d *Dir) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := d.notePath(id)
	if err != nil {
		return nil
	}
	return d.remove(path)
}

// DeleteAll removes every note file in the directory.
func (d *Dir) DeleteAll(ctx context.Context) error {
	names, err := d.noteFiles()
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.remove(filepath.Join(d.root, name)); err != nil {
			return err
		}
	}
	return nil
}

// ScanAll decodes every note file, ordered by seq then file name.
// Files without an id header take their id from the file name.
func (d *Dir) ScanAll(ctx context.Context) ([]models.Note, error) {
	names, err := d.noteFiles()
	if err != nil {
		return nil, err
	}

	type scanned struct {
		doc  notefile.Doc
		name string
	}
	docs := make([]scanned, 0, len(names))
	var maxSeq int64
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(filepath.Join(d.root, name))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue // removed between listing and reading
			}
			return nil, fmt.Errorf("storage: read %s: %w", name, err)
		}
		doc := notefile.Decode(data)
		// The file name is authoritative: Update and Delete address files by id.
		doc.ID = strings.TrimSuffix(name, noteExt)
		if doc.Seq > maxSeq {
			maxSeq = doc.Seq
		}
		docs = append(docs, scanned{doc: doc, name: name})
	}

	d.mu.Lock()
	if maxSeq > d.seq {
		d.seq = maxSeq
	}
	d.mu.Unlock()

	sort.SliceStable(docs, func(i, j int) bool {
		if docs[i].doc.Seq != docs[j].doc.Seq {
			return docs[i].doc.Seq < docs[j].doc.Seq
		}
		return docs[i].name < docs[j].name
	})

	out := make([]models.Note, len(docs))
	for i, s := range docs {
		out[i] = models.Note{ID: s.doc.ID, Title: s.doc.Title, Content: s.doc.Content}
	}
	return out, nil
}

// Foreign reports whether the current state of the named file differs from
// what Dir itself last wrote there.
func (d *Dir) Foreign(name string) bool {
	base := filepath.Base(name)
	d.mu.Lock()
	last, known := d.written[base]
	d.mu.Unlock()
	if !known {
		return true
	}

	data, err := os.ReadFile(filepath.Join(d.root, base))
	if err != nil {
		return !(errors.Is(err, os.ErrNotExist) && last == deletedMark)
	}
	return checksum(data) != last
}

// notePath maps an id to its file and rejects ids that would escape root.
func (d *Dir) notePath(id string) (string, error) {
	if id == "" || id != filepath.Base(id) || strings.HasPrefix(id, ".") {
		return "", fmt.Errorf("storage: invalid note id: %q", id)
	}
	return filepath.Join(d.root, id+noteExt), nil
}

func (d *Dir) noteFiles() ([]string, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, fmt.Errorf("storage: list: %w", err)
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, noteExt) || strings.HasPrefix(name, ".") {
			continue
		}
		out = append(out, name)
	}
	return out, nil
}

// writeDoc atomically writes a note file: tmp file → fsync → rename.
func (d *Dir) writeDoc(doc notefile.Doc) error {
	data, err := notefile.Encode(doc)
	if err != nil {
		return err
	}
	path, err := d.notePath(doc.ID)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(d.root, tempPrefix+"*")
	if err != nil {
		return fmt.Errorf("storage: create temp: %w", err)
	}
	tmpName := tmp.Name()

	// Clean up on any failure path.
	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("storage: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("storage: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("storage: close temp: %w", err)
	}

	// Recorded before the rename so a watcher never observes the file first.
	d.mark(filepath.Base(path), checksum(data))
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("storage: rename: %w", err)
	}
	success = true
	return nil
}

func (d *Dir) remove(path string) error {
	d.mark(filepath.Base(path), deletedMark)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("storage: delete %s: %w", filepath.Base(path), err)
	}
	return nil
}

func (d *Dir) mark(name, sum string) {
	d.mu.Lock()
	d.written[name] = sum
	d.mu.Unlock()
}

func checksum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
