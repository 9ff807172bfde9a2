// Package docstore keeps uploaded medical documents on local disk, one
// directory per owner. Anonymous uploads go to the "public" directory.
package docstore

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

const (
	PublicOwner = "public"

	tmpDir    = ".tmp"
	sniffSize = 3072
)

var (
	ErrUnsupportedType = errors.New("unsupported file type")
	ErrTooLarge        = errors.New("file too large")
	ErrNotFound        = errors.New("document not found")
	ErrInvalidName     = errors.New("invalid document name")
)

var allowedTypes = []string{"application/pdf", "image/png", "image/jpeg"}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9.\-_]`)

type Document struct {
	Owner        string
	Name         string // stored file name, unique within the owner directory
	OriginalName string
	Path         string // absolute path on disk
	Size         int64
	MIME         string
}

type Store struct {
	root     string
	maxBytes int64
}

// New creates the root directory if needed. maxBytes <= 0 means 10 MiB.
func New(root string, maxBytes int64) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve upload dir %s: %w", root, err)
	}
	if err := os.MkdirAll(filepath.Join(abs, tmpDir), 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir %s: %w", abs, err)
	}
	if maxBytes <= 0 {
		maxBytes = 10 << 20
	}
	return &Store{root: abs, maxBytes: maxBytes}, nil
}

func (s *Store) MaxBytes() int64 { return s.maxBytes }

// OwnerDir maps a user id to its owner directory name.
func OwnerDir(userID *uint64) string {
	if userID == nil {
		return PublicOwner
	}
	return strconv.FormatUint(*userID, 10)
}

// Save stores a multipart upload for owner.
func (s *Store) Save(owner string, fh *multipart.FileHeader) (Document, error) {
	if fh.Size > s.maxBytes {
		return Document{}, ErrTooLarge
	}
	f, err := fh.Open()
	if err != nil {
		return Document{}, fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()
	return s.SaveReader(owner, fh.Filename, f)
}

// SaveReader sniffs the content type, enforces the size cap and writes the
// bytes to <root>/<owner>/<unixms>-<sanitized name>.
func (s *Store) SaveReader(owner, originalName string, r io.Reader) (Document, error) {
	if !validOwner(owner) {
		return Document{}, ErrInvalidName
	}

	head := make([]byte, sniffSize)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return Document{}, fmt.Errorf("read upload: %w", err)
	}
	head = head[:n]

	mt := mimetype.Detect(head)
	if !mimetype.EqualsAny(mt.String(), allowedTypes...) {
		return Document{}, ErrUnsupportedType
	}

	dir := filepath.Join(s.root, owner)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Document{}, fmt.Errorf("create owner dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Join(s.root, tmpDir), "upload-*")
	if err != nil {
		return Document{}, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	// one byte past the cap tells us the upload was too large
	written, err := io.Copy(tmp, io.LimitReader(io.MultiReader(bytes.NewReader(head), r), s.maxBytes+1))
	closeErr := tmp.Close()
	if err != nil {
		return Document{}, fmt.Errorf("write upload: %w", err)
	}
	if closeErr != nil {
		return Document{}, fmt.Errorf("write upload: %w", closeErr)
	}
	if written > s.maxBytes {
		return Document{}, ErrTooLarge
	}

	name := fmt.Sprintf("%d-%s", time.Now().UnixMilli(), sanitize(originalName))
	final := filepath.Join(dir, name)
	if err := os.Rename(tmpPath, final); err != nil {
		return Document{}, fmt.Errorf("store upload: %w", err)
	}
	success = true

	return Document{
		Owner:        owner,
		Name:         name,
		OriginalName: originalName,
		Path:         final,
		Size:         written,
		MIME:         mt.String(),
	}, nil
}

// Path resolves a stored name to its absolute path. Names that could escape
// the owner directory are rejected.
func (s *Store) Path(owner, name string) (string, error) {
	if !validOwner(owner) || name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || filepath.Base(name) != name {
		return "", ErrInvalidName
	}
	return filepath.Join(s.root, owner, name), nil
}

// Stat reports whether path is a readable regular file inside the store.
func (s *Store) Stat(path string) error {
	rel, err := filepath.Rel(s.root, filepath.Clean(path))
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return ErrInvalidName
	}
	fi, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("stat document: %w", err)
	}
	if !fi.Mode().IsRegular() {
		return ErrNotFound
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open document: %w", err)
	}
	return f.Close()
}

// Remove deletes a stored document. A missing file is not an error.
func (s *Store) Remove(owner, name string) error {
	p, err := s.Path(owner, name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove document: %w", err)
	}
	return nil
}

func sanitize(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	if name == "." || name == "/" || name == "" {
		name = "document"
	}
	return unsafeChars.ReplaceAllString(name, "_")
}

func validOwner(owner string) bool {
	if owner == PublicOwner {
		return true
	}
	if owner == "" {
		return false
	}
	_, err := strconv.ParseUint(owner, 10, 64)
	return err == nil
}
